// Package storefake is an in-memory store.Store for tests. Transactions are
// serialized and roll back by restoring a snapshot.
package storefake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"trackwell/api/models"
	"trackwell/api/store"
)

type presenceKey struct {
	siteID    int64
	sessionID string
}

type funnelSessionKey struct {
	funnelID  int64
	sessionID string
}

type funnelDayKey struct {
	funnelID int64
	day      time.Time
}

type state struct {
	users          []models.User
	sites          []models.Site
	sessions       map[string]models.Session
	pageviews      []models.Pageview
	events         []models.CustomEvent
	presence       map[presenceKey]models.Presence
	funnels        []models.Funnel
	funnelSessions map[funnelSessionKey]models.FunnelSession
	dailyStats     map[funnelDayKey]models.FunnelDailyStat
	nextID         int64
}

func newState() *state {
	return &state{
		sessions:       map[string]models.Session{},
		presence:       map[presenceKey]models.Presence{},
		funnelSessions: map[funnelSessionKey]models.FunnelSession{},
		dailyStats:     map[funnelDayKey]models.FunnelDailyStat{},
	}
}

func (s *state) clone() *state {
	c := &state{
		users:          append([]models.User(nil), s.users...),
		sites:          append([]models.Site(nil), s.sites...),
		sessions:       make(map[string]models.Session, len(s.sessions)),
		pageviews:      append([]models.Pageview(nil), s.pageviews...),
		events:         append([]models.CustomEvent(nil), s.events...),
		presence:       make(map[presenceKey]models.Presence, len(s.presence)),
		funnels:        make([]models.Funnel, len(s.funnels)),
		funnelSessions: make(map[funnelSessionKey]models.FunnelSession, len(s.funnelSessions)),
		dailyStats:     make(map[funnelDayKey]models.FunnelDailyStat, len(s.dailyStats)),
		nextID:         s.nextID,
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.presence {
		c.presence[k] = v
	}
	for i, f := range s.funnels {
		c.funnels[i] = copyFunnel(f)
	}
	for k, v := range s.funnelSessions {
		c.funnelSessions[k] = copyFunnelSession(v)
	}
	for k, v := range s.dailyStats {
		c.dailyStats[k] = v
	}
	return c
}

func copyFunnel(f models.Funnel) models.Funnel {
	f.Steps = append([]models.FunnelStep(nil), f.Steps...)
	return f
}

func copyFunnelSession(fs models.FunnelSession) models.FunnelSession {
	times := make(map[int]time.Time, len(fs.StepTimes))
	for k, v := range fs.StepTimes {
		times[k] = v
	}
	fs.StepTimes = times
	if fs.StepEvents != nil {
		snap := make(map[int]json.RawMessage, len(fs.StepEvents))
		for k, v := range fs.StepEvents {
			snap[k] = v
		}
		fs.StepEvents = snap
	}
	if fs.ConversionSeconds != nil {
		v := *fs.ConversionSeconds
		fs.ConversionSeconds = &v
	}
	return fs
}

// Store is safe for concurrent use.
type Store struct {
	mu   *sync.Mutex
	txMu *sync.Mutex
	data **state
	inTx bool
}

var (
	_ store.Store = (*Store)(nil)
	_ store.Users = (*Store)(nil)
)

func New() *Store {
	data := newState()
	return &Store{mu: &sync.Mutex{}, txMu: &sync.Mutex{}, data: &data}
}

func (f *Store) InTx(ctx context.Context, fn func(tx store.Store) error) (err error) {
	if f.inTx {
		return fn(f)
	}
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.mu.Lock()
	snapshot := (*f.data).clone()
	f.mu.Unlock()

	rollback := func() {
		f.mu.Lock()
		*f.data = snapshot
		f.mu.Unlock()
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	tx := &Store{mu: f.mu, txMu: f.txMu, data: f.data, inTx: true}
	if err := fn(tx); err != nil {
		rollback()
		return err
	}
	return nil
}

func (f *Store) lock() *state {
	f.mu.Lock()
	return *f.data
}

func (f *Store) unlock() { f.mu.Unlock() }

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// ---- users ----

func (f *Store) CreateUser(_ context.Context, email string, hashedPassword []byte) (*models.User, error) {
	d := f.lock()
	defer f.unlock()
	for _, u := range d.users {
		if u.Email == email {
			return nil, fmt.Errorf("user with email '%s': %w", email, store.ErrConflict)
		}
	}
	now := time.Now().UTC()
	u := models.User{ID: int(d.id()), Email: email, HashedPassword: hashedPassword, CreatedAt: now, UpdatedAt: now}
	d.users = append(d.users, u)
	return &u, nil
}

func (f *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	d := f.lock()
	defer f.unlock()
	for _, u := range d.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user with email '%s': %w", email, store.ErrNotFound)
}

// ---- sites ----

func (f *Store) GetSiteByID(_ context.Context, id int64) (*models.Site, error) {
	d := f.lock()
	defer f.unlock()
	for _, s := range d.sites {
		if s.ID == id {
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Store) GetSiteByTrackingCode(_ context.Context, code string) (*models.Site, error) {
	d := f.lock()
	defer f.unlock()
	for _, s := range d.sites {
		if code != "" && s.TrackingCode == code {
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Store) CreateSite(_ context.Context, site *models.Site) error {
	d := f.lock()
	defer f.unlock()
	site.ID = d.id()
	site.CreatedAt = time.Now().UTC()
	d.sites = append(d.sites, *site)
	return nil
}

func (f *Store) SetTrackingCode(_ context.Context, siteID int64, code string) error {
	d := f.lock()
	defer f.unlock()
	idx := -1
	for i, s := range d.sites {
		if s.TrackingCode == code && s.ID != siteID {
			return store.ErrConflict
		}
		if s.ID == siteID {
			idx = i
		}
	}
	if idx < 0 {
		return store.ErrNotFound
	}
	d.sites[idx].TrackingCode = code
	return nil
}

func (f *Store) ListSites(_ context.Context, ownerID int) ([]models.Site, error) {
	d := f.lock()
	defer f.unlock()
	var out []models.Site
	for _, s := range d.sites {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

// ---- sessions ----

func (f *Store) GetSession(_ context.Context, siteID int64, id string) (*models.Session, error) {
	d := f.lock()
	defer f.unlock()
	s, ok := d.sessions[id]
	if !ok || s.SiteID != siteID {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

// LockSessionKey is a no-op: transactions on the fake already run one at a
// time.
func (*Store) LockSessionKey(context.Context, int64, string) error { return nil }

func (f *Store) LatestSessionByOrigin(_ context.Context, siteID int64, originID string, since time.Time) (*models.Session, error) {
	d := f.lock()
	defer f.unlock()
	var best *models.Session
	for _, s := range d.sessions {
		if s.SiteID != siteID || s.OriginID != originID || s.LastActivity.Before(since) {
			continue
		}
		if best == nil || s.LastActivity.After(best.LastActivity) {
			c := s
			best = &c
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (f *Store) InsertSessionIfAbsent(_ context.Context, s *models.Session) (bool, error) {
	d := f.lock()
	defer f.unlock()
	if _, ok := d.sessions[s.ID]; ok {
		return false, nil
	}
	d.sessions[s.ID] = *s
	return true, nil
}

func (f *Store) RecordSessionActivity(_ context.Context, a store.SessionActivity) (*models.Session, error) {
	d := f.lock()
	defer f.unlock()
	s, ok := d.sessions[a.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Kind == store.ActivityPageview {
		s.PageCount++
	} else {
		s.EventCount++
	}
	if a.At.After(s.LastActivity) {
		s.LastActivity = a.At
	}
	if a.Path != "" {
		s.ExitPage = a.Path
	}
	s.IsBounce = s.Interactions() < 2
	d.sessions[a.SessionID] = s
	return &s, nil
}

// ---- pageviews / events ----

func (f *Store) InsertPageview(_ context.Context, p *models.Pageview) error {
	d := f.lock()
	defer f.unlock()
	if _, ok := d.sessions[p.SessionID]; !ok {
		return fmt.Errorf("insert pageview: session %q does not exist", p.SessionID)
	}
	d.pageviews = append(d.pageviews, *p)
	return nil
}

func (f *Store) InsertEvent(_ context.Context, e *models.CustomEvent) error {
	d := f.lock()
	defer f.unlock()
	if _, ok := d.sessions[e.SessionID]; !ok {
		return fmt.Errorf("insert event: session %q does not exist", e.SessionID)
	}
	d.events = append(d.events, *e)
	return nil
}

// Pageviews returns every stored pageview in insertion order.
func (f *Store) Pageviews() []models.Pageview {
	d := f.lock()
	defer f.unlock()
	return append([]models.Pageview(nil), d.pageviews...)
}

// Events returns every stored custom event in insertion order.
func (f *Store) Events() []models.CustomEvent {
	d := f.lock()
	defer f.unlock()
	return append([]models.CustomEvent(nil), d.events...)
}

// ---- presence ----

func (f *Store) UpsertPresence(_ context.Context, p models.Presence) error {
	d := f.lock()
	defer f.unlock()
	key := presenceKey{p.SiteID, p.SessionID}
	if cur, ok := d.presence[key]; ok && cur.LastSeen.After(p.LastSeen) {
		p.LastSeen = cur.LastSeen
	}
	d.presence[key] = p
	return nil
}

func (f *Store) CountPresenceSince(_ context.Context, siteID int64, since time.Time) (int64, error) {
	d := f.lock()
	defer f.unlock()
	var n int64
	for k, p := range d.presence {
		if k.siteID == siteID && !p.LastSeen.Before(since) {
			n++
		}
	}
	return n, nil
}

func (f *Store) LivePages(_ context.Context, siteID int64, since time.Time, limit int) ([]models.LivePage, error) {
	d := f.lock()
	defer f.unlock()
	counts := map[string]int64{}
	for k, p := range d.presence {
		if k.siteID == siteID && !p.LastSeen.Before(since) {
			counts[p.Page]++
		}
	}
	out := make([]models.LivePage, 0, len(counts))
	for page, n := range counts {
		out = append(out, models.LivePage{Page: page, Sessions: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sessions != out[j].Sessions {
			return out[i].Sessions > out[j].Sessions
		}
		return out[i].Page < out[j].Page
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Store) DeletePresenceBefore(_ context.Context, before time.Time) (int64, error) {
	d := f.lock()
	defer f.unlock()
	var n int64
	for k, p := range d.presence {
		if p.LastSeen.Before(before) {
			delete(d.presence, k)
			n++
		}
	}
	return n, nil
}

// ---- funnels ----

func (f *Store) CreateFunnel(_ context.Context, fn *models.Funnel) error {
	d := f.lock()
	defer f.unlock()
	fn.ID = d.id()
	fn.CreatedAt = time.Now().UTC()
	for i := range fn.Steps {
		fn.Steps[i].ID = d.id()
		fn.Steps[i].FunnelID = fn.ID
	}
	d.funnels = append(d.funnels, copyFunnel(*fn))
	return nil
}

func (f *Store) GetFunnel(_ context.Context, id int64) (*models.Funnel, error) {
	d := f.lock()
	defer f.unlock()
	for _, fn := range d.funnels {
		if fn.ID == id {
			c := copyFunnel(fn)
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Store) listFunnels(match func(models.Funnel) bool) []models.Funnel {
	d := f.lock()
	defer f.unlock()
	var out []models.Funnel
	for _, fn := range d.funnels {
		if match(fn) {
			out = append(out, copyFunnel(fn))
		}
	}
	return out
}

func (f *Store) ListFunnels(_ context.Context, siteID int64) ([]models.Funnel, error) {
	return f.listFunnels(func(fn models.Funnel) bool { return fn.SiteID == siteID }), nil
}

func (f *Store) ListActiveFunnels(_ context.Context, siteID int64) ([]models.Funnel, error) {
	return f.listFunnels(func(fn models.Funnel) bool { return fn.SiteID == siteID && fn.Active }), nil
}

func (f *Store) ListAllFunnels(context.Context) ([]models.Funnel, error) {
	return f.listFunnels(func(models.Funnel) bool { return true }), nil
}

func (f *Store) SetFunnelActive(_ context.Context, id int64, active bool) error {
	d := f.lock()
	defer f.unlock()
	for i := range d.funnels {
		if d.funnels[i].ID == id {
			d.funnels[i].Active = active
			return nil
		}
	}
	return store.ErrNotFound
}

// ---- funnel sessions ----

func (f *Store) GetFunnelSession(_ context.Context, funnelID int64, sessionID string) (*models.FunnelSession, error) {
	d := f.lock()
	defer f.unlock()
	fs, ok := d.funnelSessions[funnelSessionKey{funnelID, sessionID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := copyFunnelSession(fs)
	return &c, nil
}

func (f *Store) InsertFunnelSession(_ context.Context, fs *models.FunnelSession) error {
	d := f.lock()
	defer f.unlock()
	key := funnelSessionKey{fs.FunnelID, fs.SessionID}
	if _, ok := d.funnelSessions[key]; ok {
		return store.ErrConflict
	}
	fs.Version = 1
	d.funnelSessions[key] = copyFunnelSession(*fs)
	return nil
}

func (f *Store) UpdateFunnelSession(_ context.Context, fs *models.FunnelSession, expectedVersion int64) error {
	d := f.lock()
	defer f.unlock()
	key := funnelSessionKey{fs.FunnelID, fs.SessionID}
	cur, ok := d.funnelSessions[key]
	if !ok || cur.Version != expectedVersion || fs.LastStep < cur.LastStep {
		return store.ErrConflict
	}
	next := copyFunnelSession(*fs)
	next.Version = expectedVersion + 1
	next.CreatedAt = cur.CreatedAt
	d.funnelSessions[key] = next
	fs.Version = next.Version
	return nil
}

func (f *Store) ListFunnelSessionsCreatedBetween(_ context.Context, funnelID int64, from, to time.Time) ([]models.FunnelSession, error) {
	d := f.lock()
	defer f.unlock()
	var out []models.FunnelSession
	for k, fs := range d.funnelSessions {
		if k.funnelID == funnelID && !fs.CreatedAt.Before(from) && fs.CreatedAt.Before(to) {
			out = append(out, copyFunnelSession(fs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (f *Store) UpsertFunnelDailyStat(_ context.Context, st models.FunnelDailyStat) error {
	d := f.lock()
	defer f.unlock()
	st.StepReached = append([]int64(nil), st.StepReached...)
	d.dailyStats[funnelDayKey{st.FunnelID, st.Day.UTC()}] = st
	return nil
}

func (f *Store) GetFunnelDailyStats(_ context.Context, funnelID int64, from, to time.Time) ([]models.FunnelDailyStat, error) {
	d := f.lock()
	defer f.unlock()
	var out []models.FunnelDailyStat
	for k, st := range d.dailyStats {
		if k.funnelID == funnelID && !k.day.Before(from) && !k.day.After(to) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}
