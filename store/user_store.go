package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trackwell/api/database"
	"trackwell/api/models"
)

// UserStore holds dashboard accounts.
type UserStore struct {
	gw *database.Gateway
}

var _ Users = (*UserStore)(nil)

func NewUserStore(gw *database.Gateway) *UserStore {
	return &UserStore{gw: gw}
}

// CreateUser inserts a new user. A duplicate email yields ErrConflict.
func (s *UserStore) CreateUser(ctx context.Context, email string, hashedPassword []byte) (*models.User, error) {
	user := &models.User{}
	query := `
		INSERT INTO users (email, hashed_password)
		VALUES ($1, $2)
		RETURNING id, email, created_at, updated_at;
	`
	err := s.gw.QueryRow(ctx, query, email, hashedPassword).Scan(
		&user.ID,
		&user.Email,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user with email '%s': %w", email, ErrConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *UserStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	query := `
		SELECT id, email, hashed_password, created_at, updated_at
		FROM users
		WHERE email = $1;
	`
	err := s.gw.QueryRow(ctx, query, email).Scan(
		&user.ID,
		&user.Email,
		&user.HashedPassword,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user with email '%s': %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}
