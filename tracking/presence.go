package tracking

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"trackwell/api/models"
	"trackwell/api/store"
)

// PresenceTracker keeps one short-lived row per active session. Counts read
// from it are estimates.
type PresenceTracker struct {
	store  store.Store
	clock  quartz.Clock
	live   time.Duration
	purge  time.Duration
	logger slog.Logger
}

func NewPresenceTracker(st store.Store, clock quartz.Clock, live, purge time.Duration, logger slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		store:  st,
		clock:  clock,
		live:   live,
		purge:  purge,
		logger: logger.Named("presence"),
	}
}

// WithStore returns a copy bound to st, typically a transaction.
func (p *PresenceTracker) WithStore(st store.Store) *PresenceTracker {
	c := *p
	c.store = st
	return &c
}

func (p *PresenceTracker) Touch(ctx context.Context, siteID int64, sessionID, page string) error {
	err := p.store.UpsertPresence(ctx, models.Presence{
		SiteID:    siteID,
		SessionID: sessionID,
		Page:      page,
		LastSeen:  p.clock.Now().UTC(),
	})
	if err != nil {
		return storageErr("touch presence", err)
	}
	return nil
}

// LiveCount is the number of sessions seen inside the live window.
func (p *PresenceTracker) LiveCount(ctx context.Context, siteID int64) (int64, error) {
	return p.store.CountPresenceSince(ctx, siteID, p.clock.Now().UTC().Add(-p.live))
}

func (p *PresenceTracker) LivePages(ctx context.Context, siteID int64, limit int) ([]models.LivePage, error) {
	return p.store.LivePages(ctx, siteID, p.clock.Now().UTC().Add(-p.live), limit)
}

// Sweep deletes rows older than the purge window.
func (p *PresenceTracker) Sweep(ctx context.Context) (int64, error) {
	n, err := p.store.DeletePresenceBefore(ctx, p.clock.Now().UTC().Add(-p.purge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Debug(ctx, "swept presence rows", slog.F("deleted", n))
	}
	return n, nil
}
