package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"trackwell/api/metrics"
	"trackwell/api/models"
	"trackwell/api/store"
)

const maxAdvanceAttempts = 3

// Engine evaluates activities against a site's active funnels. Progress for
// one (funnel, session) pair is serialized in process by a keyed mutex and
// across processes by a version check on the stored row.
type Engine struct {
	store    store.Store
	locks    *KeyedMutex
	clock    quartz.Clock
	logger   slog.Logger
	metrics  *metrics.Metrics
	matchers sync.Map // step id -> Matcher
}

func NewEngine(st store.Store, clock quartz.Clock, logger slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   st,
		locks:   NewKeyedMutex(),
		clock:   clock,
		logger:  logger.Named("funnel"),
		metrics: m,
	}
}

// Evaluate applies a to every active funnel of its site. A failure on one
// funnel does not stop the others; all failures are joined.
func (e *Engine) Evaluate(ctx context.Context, a Activity) error {
	funnels, err := e.store.ListActiveFunnels(ctx, a.SiteID)
	if err != nil {
		return fmt.Errorf("list active funnels: %w", err)
	}
	var errs []error
	for _, f := range funnels {
		if err := e.advance(ctx, f, a); err != nil {
			errs = append(errs, fmt.Errorf("funnel %d: %w", f.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) advance(ctx context.Context, f models.Funnel, a Activity) error {
	if len(f.Steps) == 0 {
		return nil
	}
	key := fmt.Sprintf("%d|%s", f.ID, a.SessionID)
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	var err error
	for attempt := 0; attempt < maxAdvanceAttempts; attempt++ {
		err = e.tryAdvance(ctx, f, a)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		e.logger.Debug(ctx, "funnel session version conflict, retrying",
			slog.F("funnel_id", f.ID), slog.F("session_id", a.SessionID), slog.F("attempt", attempt+1))
	}
	return err
}

// nextStep returns the first step ordered after current, or false when the
// funnel is complete.
func nextStep(steps []models.FunnelStep, current int) (models.FunnelStep, bool) {
	ordered := append([]models.FunnelStep(nil), steps...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
	for _, s := range ordered {
		if s.Order > current {
			return s, true
		}
	}
	return models.FunnelStep{}, false
}

func finalOrder(steps []models.FunnelStep) int {
	last := 0
	for _, s := range steps {
		if s.Order > last {
			last = s.Order
		}
	}
	return last
}

func (e *Engine) matcher(step models.FunnelStep) (Matcher, error) {
	if step.ID != 0 {
		if m, ok := e.matchers.Load(step.ID); ok {
			return m.(Matcher), nil
		}
	}
	m, err := Compile(step)
	if err != nil {
		return nil, fmt.Errorf("step %d: %w", step.Order, err)
	}
	if step.ID != 0 {
		e.matchers.Store(step.ID, m)
	}
	return m, nil
}

func (e *Engine) tryAdvance(ctx context.Context, f models.Funnel, a Activity) error {
	fs, err := e.store.GetFunnelSession(ctx, f.ID, a.SessionID)
	isNew := errors.Is(err, store.ErrNotFound)
	if err != nil && !isNew {
		return fmt.Errorf("get funnel session: %w", err)
	}

	current := 0
	if !isNew {
		if fs.Converted {
			return nil
		}
		current = fs.LastStep
	}

	step, ok := nextStep(f.Steps, current)
	if !ok {
		return nil
	}
	m, err := e.matcher(step)
	if err != nil {
		return err
	}
	if !m.Match(a) {
		return nil
	}

	now := e.clock.Now().UTC()
	if isNew {
		fs = &models.FunnelSession{
			FunnelID:  f.ID,
			SessionID: a.SessionID,
			SiteID:    a.SiteID,
			CreatedAt: a.At.UTC(),
		}
	}
	version := fs.Version
	Apply(fs, step.Order, finalOrder(f.Steps), a.At.UTC(), a.Snapshot())
	fs.UpdatedAt = now

	if isNew {
		err = e.store.InsertFunnelSession(ctx, fs)
	} else {
		err = e.store.UpdateFunnelSession(ctx, fs, version)
	}
	if err != nil {
		return err
	}

	e.metrics.FunnelAdvanced(fs.Converted)
	e.logger.Debug(ctx, "funnel step reached",
		slog.F("funnel_id", f.ID),
		slog.F("session_id", a.SessionID),
		slog.F("step", step.Order),
		slog.F("converted", fs.Converted),
	)
	return nil
}

// Apply records order as reached at the given time. When order is the final
// step the session is marked converted, with the conversion time taken as the
// span between the earliest and latest recorded step times.
func Apply(fs *models.FunnelSession, order, final int, at time.Time, snapshot json.RawMessage) {
	if fs.StepTimes == nil {
		fs.StepTimes = map[int]time.Time{}
	}
	if fs.StepEvents == nil {
		fs.StepEvents = map[int]json.RawMessage{}
	}
	fs.StepTimes[order] = at
	fs.StepEvents[order] = snapshot
	if order > fs.LastStep {
		fs.LastStep = order
	}
	if order < final {
		return
	}

	fs.Converted = true
	var first, last time.Time
	for _, t := range fs.StepTimes {
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	secs := int64(last.Sub(first).Seconds())
	fs.ConversionSeconds = &secs
}
