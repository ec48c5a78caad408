package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	_ "github.com/lib/pq"

	"trackwell/api/config"
)

// NewPostgresDB opens the primary relational store and verifies it is reachable.
func NewPostgresDB(ctx context.Context, logger slog.Logger, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database (ping failed): %w", err)
	}

	logger.Info(ctx, "connected to postgres")
	return db, nil
}
