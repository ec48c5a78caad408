package tracking

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"trackwell/api/models"
	"trackwell/api/store"
)

// SessionRequest carries what the session manager needs from one beacon.
type SessionRequest struct {
	Site      *models.Site
	SessionID string
	Path      string
	Referrer  string
	Signals   Signals
}

// SessionManager creates and advances session rows. Closure is implicit: a
// session whose last activity is older than the timeout is never reused.
type SessionManager struct {
	store    store.Store
	identity *IdentityResolver
	clock    quartz.Clock
	timeout  time.Duration
	logger   slog.Logger
}

func NewSessionManager(st store.Store, identity *IdentityResolver, clock quartz.Clock, timeout time.Duration, logger slog.Logger) *SessionManager {
	return &SessionManager{
		store:    st,
		identity: identity,
		clock:    clock,
		timeout:  timeout,
		logger:   logger.Named("sessions"),
	}
}

// WithStore returns a copy bound to st, typically a transaction.
func (m *SessionManager) WithStore(st store.Store) *SessionManager {
	c := *m
	c.store = st
	return &c
}

// Fresh reports whether s is still inside the timeout at now.
func (m *SessionManager) Fresh(s *models.Session, now time.Time) bool {
	return now.Sub(s.LastActivity) <= m.timeout
}

// ResolveOrCreate returns the caller's session when it exists for the site
// and is fresh, or creates a new one. The bool reports creation.
//
// A caller-supplied id is locked for the rest of the transaction. When it
// cannot be reused, the fresh session already created on its behalf is
// returned instead of a second one, so concurrent beacons carrying the same
// stale id end up in one session.
func (m *SessionManager) ResolveOrCreate(ctx context.Context, req SessionRequest) (*models.Session, bool, error) {
	if req.Site == nil {
		return nil, false, &ResolutionError{What: "site"}
	}

	if req.SessionID != "" {
		if err := m.store.LockSessionKey(ctx, req.Site.ID, req.SessionID); err != nil {
			return nil, false, storageErr("lock session", err)
		}
	}
	now := m.clock.Now().UTC()

	if req.SessionID != "" {
		existing, err := m.store.GetSession(ctx, req.Site.ID, req.SessionID)
		switch {
		case err == nil && m.Fresh(existing, now):
			return existing, false, nil
		case err == nil:
			m.logger.Debug(ctx, "session expired", slog.F("session_id", req.SessionID))
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, storageErr("get session", err)
		}

		successor, err := m.store.LatestSessionByOrigin(ctx, req.Site.ID, req.SessionID, now.Add(-m.timeout))
		switch {
		case err == nil:
			return successor, false, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, storageErr("get session", err)
		}
	}

	client := ClassifyUserAgent(req.Signals.UserAgent)
	s := &models.Session{
		ID:             NewSessionID(),
		SiteID:         req.Site.ID,
		VisitorHash:    m.identity.VisitorHash(req.Signals),
		FirstSeen:      now,
		LastActivity:   now,
		IsBounce:       true,
		EntryPage:      req.Path,
		ExitPage:       req.Path,
		ReferrerDomain: ReferrerDomain(req.Referrer, req.Site.Domain),
		DeviceType:     client.DeviceType,
		Browser:        client.Browser,
		OS:             client.OS,
		Country:        req.Signals.Country,
		OriginID:       req.SessionID,
	}

	created, err := m.store.InsertSessionIfAbsent(ctx, s)
	if err != nil {
		return nil, false, storageErr("insert session", err)
	}
	if !created {
		// A fresh v4 id only collides when the generator is broken.
		return nil, false, &ResolutionError{What: "session"}
	}
	return s, true, nil
}

// RecordActivity applies one pageview or event to the session.
func (m *SessionManager) RecordActivity(ctx context.Context, sessionID string, kind store.ActivityKind, path string) (*models.Session, error) {
	s, err := m.store.RecordSessionActivity(ctx, store.SessionActivity{
		SessionID: sessionID,
		Kind:      kind,
		Path:      path,
		At:        m.clock.Now().UTC(),
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ResolutionError{What: "session"}
	}
	if err != nil {
		return nil, storageErr("record activity", err)
	}
	return s, nil
}

// ReferrerDomain returns the referrer host without a leading "www.", or ""
// when the referrer is missing, unparsable or the site itself.
func ReferrerDomain(referrer, siteDomain string) string {
	if referrer == "" {
		return ""
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	site := strings.ToLower(siteDomain)
	if i := strings.Index(site, "://"); i >= 0 {
		site = site[i+3:]
	}
	site = strings.TrimPrefix(strings.TrimSuffix(site, "/"), "www.")
	if site != "" && host == site {
		return ""
	}
	return host
}
