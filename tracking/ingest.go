package tracking

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"trackwell/api/funnel"
	"trackwell/api/metrics"
	"trackwell/api/models"
	"trackwell/api/store"
)

// FunnelEvaluator receives every committed pageview and event.
type FunnelEvaluator interface {
	Evaluate(ctx context.Context, a funnel.Activity) error
}

// Mirror receives a copy of every committed pageview and event.
type Mirror interface {
	Enqueue(ev models.AnalyticsEvent) bool
}

type Options struct {
	Store        store.Store
	Sessions     *SessionManager
	Limiter      *EventLimiter
	Presence     *PresenceTracker
	Funnels      FunnelEvaluator
	Mirror       Mirror
	Metrics      *metrics.Metrics
	Clock        quartz.Clock
	Logger       slog.Logger
	MaxBatchSize int
}

// Ingestor is the boundary between collectors and the store. No error or
// panic raised while processing a beacon escapes it: every failure becomes
// a Result.
type Ingestor struct {
	store    store.Store
	sessions *SessionManager
	limiter  *EventLimiter
	presence *PresenceTracker
	funnels  FunnelEvaluator
	mirror   Mirror
	metrics  *metrics.Metrics
	clock    quartz.Clock
	logger   slog.Logger
	maxBatch int
}

func NewIngestor(opts Options) *Ingestor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Limiter == nil {
		opts.Limiter = NewEventLimiter(0)
	}
	return &Ingestor{
		store:    opts.Store,
		sessions: opts.Sessions,
		limiter:  opts.Limiter,
		presence: opts.Presence,
		funnels:  opts.Funnels,
		mirror:   opts.Mirror,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("ingest"),
		maxBatch: opts.MaxBatchSize,
	}
}

// Result is the outcome of one pageview or event.
type Result struct {
	Success      bool   `json:"success"`
	Type         string `json:"type,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	IsNewSession bool   `json:"is_new_session"`
	Error        string `json:"error,omitempty"`
}

// BatchResult reports every item of a batch in input order.
type BatchResult struct {
	Success    bool     `json:"success"`
	Processed  int      `json:"processed"`
	Successful int      `json:"successful"`
	Errors     int      `json:"errors"`
	Results    []Result `json:"results"`
	Error      string   `json:"error,omitempty"`
}

// effect is the post-commit work for one persisted item.
type effect struct {
	activity funnel.Activity
	mirror   models.AnalyticsEvent
}

func itemType(k store.ActivityKind) string {
	if k == store.ActivityPageview {
		return TypePageview
	}
	return TypeEvent
}

func failed(typ string, err error) Result {
	return Result{Type: typ, Error: PublicMessage(err)}
}

// Track processes one pageview or event in its own transaction.
func (in *Ingestor) Track(ctx context.Context, b Beacon, sig Signals) (Result, error) {
	typ := b.Kind()
	item, err := Validate(b)
	if err != nil {
		in.record(ctx, typ, err)
		return failed(typ, err), err
	}

	var (
		res Result
		eff effect
	)
	err = in.guard(ctx, func() error {
		return in.store.InTx(ctx, func(tx store.Store) error {
			var err error
			res, eff, err = in.process(ctx, tx, item, sig)
			return err
		})
	})
	if err != nil {
		err = normalize(err)
		in.record(ctx, typ, err)
		return failed(typ, err), err
	}

	in.record(ctx, typ, nil)
	in.apply(ctx, []effect{eff})
	return res, nil
}

// TrackBatch processes items inside one transaction. Validation, rate limit
// and resolution failures fail only their own item. Any other failure rolls
// back the whole batch and every item is reported as failed. Items without a
// session id continue the session of the previous item for the same site.
func (in *Ingestor) TrackBatch(ctx context.Context, items []Beacon, sig Signals) (BatchResult, error) {
	if len(items) == 0 {
		err := &ValidationError{Fields: []FieldError{{Field: "batch", Message: "batch must contain at least one item"}}}
		return BatchResult{Error: err.Error()}, err
	}
	if in.maxBatch > 0 && len(items) > in.maxBatch {
		err := &ValidationError{Fields: []FieldError{{
			Field:   "batch",
			Message: fmt.Sprintf("batch exceeds the maximum of %d items", in.maxBatch),
		}}}
		return BatchResult{Error: err.Error()}, err
	}

	var (
		results []Result
		errs    []error
		effects []effect
	)
	err := in.guard(ctx, func() error {
		return in.store.InTx(ctx, func(tx store.Store) error {
			results = make([]Result, len(items))
			errs = make([]error, len(items))
			effects = effects[:0]

			var prevSite, prevSession string
			for i, raw := range items {
				typ := raw.Kind()
				item, err := Validate(raw)
				if err == nil {
					if item.SessionID == "" && item.SiteRef == prevSite {
						item.SessionID = prevSession
					}
					var eff effect
					results[i], eff, err = in.process(ctx, tx, item, sig)
					if err == nil {
						effects = append(effects, eff)
						prevSite, prevSession = item.SiteRef, results[i].SessionID
						continue
					}
				}
				if !expected(err) {
					return err
				}
				results[i] = failed(typ, err)
				errs[i] = err
			}
			return nil
		})
	})

	out := BatchResult{Processed: len(items), Results: results}
	if err != nil {
		err = normalize(err)
		in.logFailure(ctx, "batch aborted", err, slog.F("items", len(items)))
		out.Results = make([]Result, len(items))
		for i, raw := range items {
			out.Results[i] = failed(raw.Kind(), err)
			in.metrics.Beacon(raw.Kind(), Kind(err))
		}
		out.Errors = len(items)
		out.Error = PublicMessage(err)
		return out, err
	}

	for i, r := range results {
		in.record(ctx, r.Type, errs[i])
		if r.Success {
			out.Successful++
		} else {
			out.Errors++
		}
	}
	out.Success = true
	in.apply(ctx, effects)
	return out, nil
}

func (in *Ingestor) process(ctx context.Context, tx store.Store, item Item, sig Signals) (Result, effect, error) {
	typ := itemType(item.Kind)
	if item.UserID != "" {
		sig.UserID = item.UserID
	}

	site, err := in.resolveSite(ctx, tx, item.SiteRef)
	if err != nil {
		return Result{}, effect{}, err
	}

	sessions := in.sessions.WithStore(tx)
	session, isNew, err := sessions.ResolveOrCreate(ctx, SessionRequest{
		Site:      site,
		SessionID: item.SessionID,
		Path:      item.Path,
		Referrer:  item.Referrer,
		Signals:   sig,
	})
	if err != nil {
		return Result{}, effect{}, err
	}

	if item.Kind == store.ActivityEvent {
		if err := in.limiter.Allow(session); err != nil {
			return Result{}, effect{}, err
		}
	}

	session, err = sessions.RecordActivity(ctx, session.ID, item.Kind, item.Path)
	if err != nil {
		return Result{}, effect{}, err
	}

	now := in.clock.Now().UTC()
	id := uuid.NewString()
	switch item.Kind {
	case store.ActivityPageview:
		err = tx.InsertPageview(ctx, &models.Pageview{
			ID:         id,
			SiteID:     site.ID,
			SessionID:  session.ID,
			URL:        item.URL,
			Path:       item.Path,
			Title:      item.Title,
			Referrer:   item.Referrer,
			LoadTimeMs: item.LoadTimeMs,
			CreatedAt:  now,
		})
	default:
		err = tx.InsertEvent(ctx, &models.CustomEvent{
			ID:        id,
			SiteID:    site.ID,
			SessionID: session.ID,
			URL:       item.URL,
			Path:      item.Path,
			Name:      item.Name,
			Category:  item.Category,
			Action:    item.Action,
			Label:     item.Label,
			Value:     item.Value,
			Data:      item.Data,
			CreatedAt: now,
		})
	}
	if err != nil {
		return Result{}, effect{}, storageErr("insert "+typ, err)
	}

	page := item.Path
	if page == "" {
		page = session.ExitPage
	}
	if err := in.presence.WithStore(tx).Touch(ctx, site.ID, session.ID, page); err != nil {
		return Result{}, effect{}, err
	}

	eff := effect{
		activity: funnel.Activity{
			SiteID:    site.ID,
			SessionID: session.ID,
			Kind:      item.Kind,
			Path:      item.Path,
			Name:      item.Name,
			Category:  item.Category,
			Action:    item.Action,
			Label:     item.Label,
			Value:     item.Value,
			Data:      item.Data,
			At:        now,
		},
		mirror: models.AnalyticsEvent{
			EventID:     id,
			EventType:   typ,
			SiteID:      site.ID,
			VisitorHash: session.VisitorHash,
			SessionID:   session.ID,
			Timestamp:   now,
			PagePath:    item.Path,
			Referrer:    item.Referrer,
			EventName:   item.Name,
			Browser:     session.Browser,
			OS:          session.OS,
			DeviceType:  session.DeviceType,
			EventData:   item.Data,
		},
	}
	if item.LoadTimeMs != nil {
		eff.mirror.DurationMs = *item.LoadTimeMs
	}

	return Result{
		Success:      true,
		Type:         typ,
		SessionID:    session.ID,
		IsNewSession: isNew,
	}, eff, nil
}

// resolveSite accepts a numeric site id or a tracking code.
func (in *Ingestor) resolveSite(ctx context.Context, st store.Store, ref string) (*models.Site, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		site, err := st.GetSiteByID(ctx, id)
		if err == nil {
			return site, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, storageErr("get site", err)
		}
	}
	site, err := st.GetSiteByTrackingCode(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ResolutionError{What: "site"}
	}
	if err != nil {
		return nil, storageErr("get site", err)
	}
	return site, nil
}

// apply runs post-commit work. Funnel failures are logged and never affect
// the already committed beacon.
func (in *Ingestor) apply(ctx context.Context, effects []effect) {
	for _, eff := range effects {
		if in.funnels != nil {
			err := in.guard(ctx, func() error { return in.funnels.Evaluate(ctx, eff.activity) })
			if err != nil {
				in.logger.Warn(ctx, "funnel evaluation failed",
					slog.F("site_id", eff.activity.SiteID),
					slog.F("session_id", eff.activity.SessionID),
					slog.Error(err),
				)
			}
		}
		if in.mirror != nil && !in.mirror.Enqueue(eff.mirror) {
			in.logger.Debug(ctx, "mirror queue full, row dropped", slog.F("event_id", eff.mirror.EventID))
		}
	}
}

// guard turns a panic in fn into an error.
func (in *Ingestor) guard(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			in.logger.Error(ctx, "panic while ingesting",
				slog.F("panic", fmt.Sprint(p)),
				slog.F("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// normalize wraps anything that is not a known ingest error as a storage
// failure.
func normalize(err error) error {
	var se *StorageError
	if expected(err) || errors.As(err, &se) {
		return err
	}
	return storageErr("transaction", err)
}

func (in *Ingestor) record(ctx context.Context, typ string, err error) {
	kind := Kind(err)
	in.metrics.Beacon(typ, kind)
	switch kind {
	case "ok":
	case "storage":
		in.logFailure(ctx, "beacon failed", err, slog.F("type", typ))
	default:
		in.logger.Debug(ctx, "beacon rejected", slog.F("type", typ), slog.F("reason", kind), slog.Error(err))
	}
}

// logFailure logs the underlying cause of a storage failure, which is never
// sent to the client.
func (in *Ingestor) logFailure(ctx context.Context, msg string, err error, fields ...slog.Field) {
	var se *StorageError
	if errors.As(err, &se) {
		fields = append(fields, slog.F("op", se.Op))
		err = se.Err
	}
	in.logger.Error(ctx, msg, append(fields, slog.Error(err))...)
}
