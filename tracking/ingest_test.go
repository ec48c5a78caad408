package tracking_test

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackwell/api/funnel"
	"trackwell/api/models"
	"trackwell/api/store"
	"trackwell/api/store/storefake"
	"trackwell/api/tracking"
)

var (
	start   = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	visitor = tracking.Signals{IP: "203.0.113.7", UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"}
)

type harness struct {
	store    *storefake.Store
	clock    *quartz.Mock
	site     *models.Site
	ingestor *tracking.Ingestor
	funnels  *recordingEvaluator
	mirror   *recordingMirror
}

type harnessOption func(*tracking.Options)

func withStore(st store.Store) harnessOption {
	return func(o *tracking.Options) { o.Store = st }
}

func withEventCeiling(n int) harnessOption {
	return func(o *tracking.Options) { o.Limiter = tracking.NewEventLimiter(n) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	clock := quartz.NewMock(t)
	clock.Set(start)
	st := storefake.New()
	site := &models.Site{OwnerID: 1, Name: "Docs", Domain: "docs.example.com"}
	require.NoError(t, st.CreateSite(ctx, site))
	require.NoError(t, st.SetTrackingCode(ctx, site.ID, "k3Xf9QpL"))
	site.TrackingCode = "k3Xf9QpL"

	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	h := &harness{
		store:   st,
		clock:   clock,
		site:    site,
		funnels: &recordingEvaluator{},
		mirror:  &recordingMirror{},
	}
	o := tracking.Options{
		Store:        st,
		Limiter:      tracking.NewEventLimiter(1000),
		Funnels:      h.funnels,
		Mirror:       h.mirror,
		Clock:        clock,
		Logger:       logger,
		MaxBatchSize: 50,
	}
	for _, opt := range opts {
		opt(&o)
	}
	ids := tracking.NewIdentityResolver("salt", clock)
	o.Sessions = tracking.NewSessionManager(o.Store, ids, clock, 30*time.Minute, logger)
	o.Presence = tracking.NewPresenceTracker(o.Store, clock, 5*time.Minute, 10*time.Minute, logger)
	h.ingestor = tracking.NewIngestor(o)
	return h
}

func (h *harness) siteRef() tracking.FlexString {
	return tracking.FlexString(strconv.FormatInt(h.site.ID, 10))
}

func pageview(site tracking.FlexString, session, url string) tracking.Beacon {
	return tracking.Beacon{Type: "pageview", SiteID: site, SessionID: session, URL: url}
}

func event(site tracking.FlexString, session, name string) tracking.Beacon {
	return tracking.Beacon{Type: "event", SiteID: site, SessionID: session, Event: &tracking.EventPayload{Name: name}}
}

type recordingEvaluator struct {
	mu         sync.Mutex
	activities []funnel.Activity
	err        error
	panics     bool
}

func (r *recordingEvaluator) Evaluate(_ context.Context, a funnel.Activity) error {
	if r.panics {
		panic("evaluator exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
	return r.err
}

func (r *recordingEvaluator) seen() []funnel.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]funnel.Activity(nil), r.activities...)
}

type recordingMirror struct {
	mu   sync.Mutex
	rows []models.AnalyticsEvent
}

func (r *recordingMirror) Enqueue(ev models.AnalyticsEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, ev)
	return true
}

func (r *recordingMirror) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// failingStore breaks selected writes, including inside transactions.
type failingStore struct {
	store.Store
	failEvents bool
	panicPV    bool
}

func (f failingStore) InTx(ctx context.Context, fn func(tx store.Store) error) error {
	return f.Store.InTx(ctx, func(tx store.Store) error {
		return fn(failingStore{Store: tx, failEvents: f.failEvents, panicPV: f.panicPV})
	})
}

func (f failingStore) InsertEvent(ctx context.Context, e *models.CustomEvent) error {
	if f.failEvents {
		return errors.New("pq: could not extend relation events")
	}
	return f.Store.InsertEvent(ctx, e)
}

func (f failingStore) InsertPageview(ctx context.Context, p *models.Pageview) error {
	if f.panicPV {
		panic("driver bug")
	}
	return f.Store.InsertPageview(ctx, p)
}

func TestTrackPageview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.ingestor.Track(ctx, pageview(h.siteRef(), "", "https://docs.example.com/start?utm=x"), visitor)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.IsNewSession)
	require.Equal(t, tracking.TypePageview, res.Type)
	require.NotEmpty(t, res.SessionID)

	pvs := h.store.Pageviews()
	require.Len(t, pvs, 1)
	assert.Equal(t, "/start", pvs[0].Path)
	assert.Equal(t, res.SessionID, pvs[0].SessionID)

	s, err := h.store.GetSession(ctx, h.site.ID, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PageCount)
	assert.Equal(t, "/start", s.EntryPage)
	assert.Equal(t, "Firefox", s.Browser)
	assert.Equal(t, "Linux", s.OS)

	live, err := h.store.CountPresenceSince(ctx, h.site.ID, start.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, live)

	require.Len(t, h.funnels.seen(), 1)
	assert.Equal(t, 1, h.mirror.len())
}

func TestTrackByTrackingCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.ingestor.Track(ctx, tracking.Beacon{TrackingCode: h.site.TrackingCode, URL: "/pricing"}, visitor)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = h.ingestor.Track(ctx, tracking.Beacon{TrackingCode: "nope1234", URL: "/pricing"}, visitor)
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, http.StatusNotFound, tracking.HTTPStatus(err))
	require.Len(t, h.store.Pageviews(), 1)
}

func TestTrackValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.ingestor.Track(ctx, event(h.siteRef(), "", ""), visitor)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, tracking.HTTPStatus(err))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "event.name")
	require.Empty(t, h.store.Events())
}

func TestSessionReuse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.ingestor.Track(ctx, pageview(h.siteRef(), "", "/a"), visitor)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	again, err := h.ingestor.Track(ctx, pageview(h.siteRef(), first.SessionID, "/b"), visitor)
	require.NoError(t, err)
	require.False(t, again.IsNewSession)
	require.Equal(t, first.SessionID, again.SessionID)

	s, err := h.store.GetSession(ctx, h.site.ID, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.PageCount)
	assert.Equal(t, "/a", s.EntryPage)
	assert.Equal(t, "/b", s.ExitPage)
	assert.Equal(t, start.Add(10*time.Minute), s.LastActivity)

	// 31 minutes of silence ends the session.
	h.clock.Advance(31 * time.Minute)
	late, err := h.ingestor.Track(ctx, pageview(h.siteRef(), first.SessionID, "/c"), visitor)
	require.NoError(t, err)
	require.True(t, late.IsNewSession)
	require.NotEqual(t, first.SessionID, late.SessionID)

	old, err := h.store.GetSession(ctx, h.site.ID, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, old.PageCount, "expired session is untouched")

	// A second beacon still carrying the stale id joins the replacement.
	h.clock.Advance(time.Second)
	stale, err := h.ingestor.Track(ctx, pageview(h.siteRef(), first.SessionID, "/d"), visitor)
	require.NoError(t, err)
	require.False(t, stale.IsNewSession)
	require.Equal(t, late.SessionID, stale.SessionID)
}

func TestConcurrentBeaconsShareOneSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	const n = 8
	results := make([]tracking.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.ingestor.Track(ctx, pageview(h.siteRef(), "tab-42", "/double"), visitor)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		require.True(t, r.Success)
		require.Equal(t, results[0].SessionID, r.SessionID)
		if r.IsNewSession {
			created++
		}
	}
	require.Equal(t, 1, created)

	s, err := h.store.GetSession(ctx, h.site.ID, results[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, n, s.PageCount)
	assert.False(t, s.IsBounce)
}

func TestSessionForeignSite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	other := &models.Site{OwnerID: 1, Name: "Blog", Domain: "blog.example.com"}
	require.NoError(t, h.store.CreateSite(ctx, other))

	first, err := h.ingestor.Track(ctx, pageview(h.siteRef(), "", "/a"), visitor)
	require.NoError(t, err)

	ref := tracking.FlexString(strconv.FormatInt(other.ID, 10))
	res, err := h.ingestor.Track(ctx, tracking.Beacon{SiteID: ref, SessionID: first.SessionID, URL: "/x"}, visitor)
	require.NoError(t, err)
	require.True(t, res.IsNewSession, "a session id from another site is not reused")
	require.NotEqual(t, first.SessionID, res.SessionID)
}

func TestBounce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.ingestor.Track(ctx, pageview(h.siteRef(), "", "/a"), visitor)
	require.NoError(t, err)
	s, err := h.store.GetSession(ctx, h.site.ID, res.SessionID)
	require.NoError(t, err)
	require.True(t, s.IsBounce)

	_, err = h.ingestor.Track(ctx, event(h.siteRef(), res.SessionID, "signup_click"), visitor)
	require.NoError(t, err)
	s, err = h.store.GetSession(ctx, h.site.ID, res.SessionID)
	require.NoError(t, err)
	require.False(t, s.IsBounce)
	require.Equal(t, s.Interactions() < 2, s.IsBounce)
}

func TestEventCeiling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, withEventCeiling(5))

	first, err := h.ingestor.Track(ctx, event(h.siteRef(), "", "click"), visitor)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		res, err := h.ingestor.Track(ctx, event(h.siteRef(), first.SessionID, "click"), visitor)
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	res, err := h.ingestor.Track(ctx, event(h.siteRef(), first.SessionID, "click"), visitor)
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, http.StatusTooManyRequests, tracking.HTTPStatus(err))
	var rl *tracking.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 5, rl.Limit)
	require.Len(t, h.store.Events(), 5)

	// Pageviews are not capped.
	pv, err := h.ingestor.Track(ctx, pageview(h.siteRef(), first.SessionID, "/still-here"), visitor)
	require.NoError(t, err)
	require.True(t, pv.Success)
}

func TestTrackBatchPartialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.ingestor.TrackBatch(ctx, []tracking.Beacon{
		pageview(h.siteRef(), "", "/landing"),
		event(h.siteRef(), "", ""),
		event(h.siteRef(), "", "cta_click"),
	}, visitor)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, 3, out.Processed)
	require.Equal(t, 2, out.Successful)
	require.Equal(t, 1, out.Errors)
	require.Len(t, out.Results, 3)

	require.True(t, out.Results[0].Success)
	require.False(t, out.Results[1].Success)
	require.NotEmpty(t, out.Results[1].Error)
	require.True(t, out.Results[2].Success)
	require.Equal(t, out.Results[0].SessionID, out.Results[2].SessionID, "items continue the previous session")
	require.False(t, out.Results[2].IsNewSession)

	require.Len(t, h.store.Pageviews(), 1)
	require.Len(t, h.store.Events(), 1)
	require.Equal(t, "cta_click", h.store.Events()[0].Name)
	require.Len(t, h.funnels.seen(), 2)
	require.Equal(t, 2, h.mirror.len())
}

func TestTrackBatchLimits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	out, err := h.ingestor.TrackBatch(ctx, nil, visitor)
	require.Error(t, err)
	require.False(t, out.Success)
	require.Equal(t, http.StatusBadRequest, tracking.HTTPStatus(err))

	items := make([]tracking.Beacon, 51)
	for i := range items {
		items[i] = pageview(h.siteRef(), "", "/p")
	}
	_, err = h.ingestor.TrackBatch(ctx, items, visitor)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, tracking.HTTPStatus(err))
	require.Empty(t, h.store.Pageviews())
}

func TestTrackBatchStorageFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	broken := newHarness(t, withStore(failingStore{Store: h.store, failEvents: true}))
	out, err := broken.ingestor.TrackBatch(ctx, []tracking.Beacon{
		pageview(h.siteRef(), "", "/landing"),
		event(h.siteRef(), "", "cta_click"),
	}, visitor)
	require.Error(t, err)
	require.Equal(t, http.StatusInternalServerError, tracking.HTTPStatus(err))
	require.False(t, out.Success)
	require.Equal(t, 2, out.Errors)
	for _, r := range out.Results {
		require.False(t, r.Success)
		require.Equal(t, "storage failure", r.Error)
	}
	require.Equal(t, "storage failure", err.Error(), "driver errors are not exposed")

	require.Empty(t, h.store.Pageviews(), "pageview was rolled back")
	require.Empty(t, h.store.Events())
	live, err := h.store.CountPresenceSince(ctx, h.site.ID, time.Time{})
	require.NoError(t, err)
	require.Zero(t, live)
	require.Empty(t, broken.funnels.seen())
	require.Zero(t, broken.mirror.len())
}

func TestTrackPanicIsContained(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	broken := newHarness(t, withStore(failingStore{Store: h.store, panicPV: true}))

	var (
		res tracking.Result
		err error
	)
	require.NotPanics(t, func() {
		res, err = broken.ingestor.Track(ctx, pageview(h.siteRef(), "", "/boom"), visitor)
	})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, "storage failure", res.Error)
	require.Empty(t, h.store.Pageviews())

	// The store is usable afterwards.
	res, err = h.ingestor.Track(ctx, pageview(h.siteRef(), "", "/ok"), visitor)
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestFunnelFailureDoesNotFailBeacon(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newHarness(t)
	h.funnels.err = errors.New("funnel store unavailable")
	res, err := h.ingestor.Track(ctx, pageview(h.siteRef(), "", "/a"), visitor)
	require.NoError(t, err)
	require.True(t, res.Success)

	h.funnels.panics = true
	res, err = h.ingestor.Track(ctx, pageview(h.siteRef(), res.SessionID, "/b"), visitor)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, h.store.Pageviews(), 2)
}
