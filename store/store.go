// Package store holds the persistence contract used by the ingest and funnel
// engines, its Postgres implementation, and the ClickHouse analytics mirror.
package store

import (
	"context"
	"errors"
	"time"

	"trackwell/api/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert hits an existing key or an
	// optimistic update sees a different version.
	ErrConflict = errors.New("conflict")
)

type ActivityKind int

const (
	ActivityPageview ActivityKind = iota
	ActivityEvent
)

func (k ActivityKind) String() string {
	if k == ActivityPageview {
		return "pageview"
	}
	return "event"
}

// SessionActivity is one increment applied to a session row.
type SessionActivity struct {
	SessionID string
	Kind      ActivityKind
	Path      string
	At        time.Time
}

// Store is the relational persistence contract. Implementations must make
// every method safe for concurrent use.
type Store interface {
	// InTx runs fn against a transactional view of the store. Returning an
	// error, or panicking, discards every write made through that view.
	InTx(ctx context.Context, fn func(tx Store) error) error

	GetSiteByID(ctx context.Context, id int64) (*models.Site, error)
	GetSiteByTrackingCode(ctx context.Context, code string) (*models.Site, error)
	CreateSite(ctx context.Context, site *models.Site) error
	SetTrackingCode(ctx context.Context, siteID int64, code string) error
	ListSites(ctx context.Context, ownerID int) ([]models.Site, error)

	GetSession(ctx context.Context, siteID int64, id string) (*models.Session, error)
	// LockSessionKey blocks until no other transaction holds key for siteID
	// and keeps it until the surrounding transaction ends. Outside InTx it
	// only serializes the call itself.
	LockSessionKey(ctx context.Context, siteID int64, key string) error
	// LatestSessionByOrigin returns the most recently active session created
	// on behalf of originID with last activity at or after since.
	LatestSessionByOrigin(ctx context.Context, siteID int64, originID string, since time.Time) (*models.Session, error)
	// InsertSessionIfAbsent inserts s unless a row with the same id exists.
	// It reports whether this call created the row.
	InsertSessionIfAbsent(ctx context.Context, s *models.Session) (bool, error)
	// RecordSessionActivity atomically bumps the matching counter, advances
	// last activity and the exit page, recomputes the bounce flag and returns
	// the updated row.
	RecordSessionActivity(ctx context.Context, a SessionActivity) (*models.Session, error)

	InsertPageview(ctx context.Context, p *models.Pageview) error
	InsertEvent(ctx context.Context, e *models.CustomEvent) error

	UpsertPresence(ctx context.Context, p models.Presence) error
	CountPresenceSince(ctx context.Context, siteID int64, since time.Time) (int64, error)
	LivePages(ctx context.Context, siteID int64, since time.Time, limit int) ([]models.LivePage, error)
	DeletePresenceBefore(ctx context.Context, before time.Time) (int64, error)

	CreateFunnel(ctx context.Context, f *models.Funnel) error
	GetFunnel(ctx context.Context, id int64) (*models.Funnel, error)
	ListFunnels(ctx context.Context, siteID int64) ([]models.Funnel, error)
	ListActiveFunnels(ctx context.Context, siteID int64) ([]models.Funnel, error)
	ListAllFunnels(ctx context.Context) ([]models.Funnel, error)
	SetFunnelActive(ctx context.Context, id int64, active bool) error

	GetFunnelSession(ctx context.Context, funnelID int64, sessionID string) (*models.FunnelSession, error)
	// InsertFunnelSession stores a new progress row with version 1, or
	// returns ErrConflict if one already exists.
	InsertFunnelSession(ctx context.Context, fs *models.FunnelSession) error
	// UpdateFunnelSession writes fs only if the stored version equals
	// expectedVersion, and bumps the version on success.
	UpdateFunnelSession(ctx context.Context, fs *models.FunnelSession, expectedVersion int64) error
	ListFunnelSessionsCreatedBetween(ctx context.Context, funnelID int64, from, to time.Time) ([]models.FunnelSession, error)
	UpsertFunnelDailyStat(ctx context.Context, st models.FunnelDailyStat) error
	GetFunnelDailyStats(ctx context.Context, funnelID int64, from, to time.Time) ([]models.FunnelDailyStat, error)
}

// Users is the account store consumed by the auth handlers.
type Users interface {
	CreateUser(ctx context.Context, email string, hashedPassword []byte) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}
