package models

import (
	"strings"
	"time"
)

// SignupRequest registers a dashboard account. bcrypt ignores input past 72
// bytes, so longer passwords are refused rather than silently truncated.
type SignupRequest struct {
	Email    string `json:"email" binding:"required,email,max=254"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

func (r SignupRequest) NormalizedEmail() string { return normalizeEmail(r.Email) }

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,max=72"`
}

func (r LoginRequest) NormalizedEmail() string { return normalizeEmail(r.Email) }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// User is a dashboard account. It owns sites; beacons never reference it.
type User struct {
	ID             int       `json:"id"`
	Email          string    `json:"email"`
	HashedPassword []byte    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
