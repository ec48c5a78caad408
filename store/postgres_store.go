package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"trackwell/api/database"
	"trackwell/api/models"
)

// PostgresStore implements Store on top of the persistence gateway.
type PostgresStore struct {
	gw       *database.Gateway
	cacheTTL time.Duration
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(gw *database.Gateway, cacheTTL time.Duration) *PostgresStore {
	return &PostgresStore{gw: gw, cacheTTL: cacheTTL}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.gw.WithTx(ctx, func(tx *database.Gateway) error {
		return fn(&PostgresStore{gw: tx, cacheTTL: s.cacheTTL})
	})
}

func siteIDKey(id int64) string { return fmt.Sprintf("site:id:%d", id) }

func siteCodeKey(code string) string { return "site:code:" + code }

func activeFunnelsKey(siteID int64) string { return fmt.Sprintf("funnels:active:%d", siteID) }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ---- sites ----

const siteColumns = `id, owner_id, name, domain, COALESCE(tracking_code, ''), created_at`

func scanSite(row interface{ Scan(...any) error }) (*models.Site, error) {
	site := &models.Site{}
	if err := row.Scan(&site.ID, &site.OwnerID, &site.Name, &site.Domain, &site.TrackingCode, &site.CreatedAt); err != nil {
		return nil, err
	}
	return site, nil
}

func (s *PostgresStore) getSite(ctx context.Context, where string, arg any) (*models.Site, error) {
	site, err := scanSite(s.gw.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

func (s *PostgresStore) GetSiteByID(ctx context.Context, id int64) (*models.Site, error) {
	var site models.Site
	err := s.gw.Cached(ctx, siteIDKey(id), s.cacheTTL, &site, func(ctx context.Context) (any, error) {
		return s.getSite(ctx, "id = $1", id)
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *PostgresStore) GetSiteByTrackingCode(ctx context.Context, code string) (*models.Site, error) {
	var site models.Site
	err := s.gw.Cached(ctx, siteCodeKey(code), s.cacheTTL, &site, func(ctx context.Context) (any, error) {
		return s.getSite(ctx, "tracking_code = $1", code)
	})
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *PostgresStore) CreateSite(ctx context.Context, site *models.Site) error {
	err := s.gw.QueryRow(ctx, `
		INSERT INTO sites (owner_id, name, domain)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		site.OwnerID, site.Name, site.Domain,
	).Scan(&site.ID, &site.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create site: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetTrackingCode(ctx context.Context, siteID int64, code string) error {
	res, err := s.gw.Exec(ctx, `UPDATE sites SET tracking_code = $2 WHERE id = $1`, siteID, code)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to set tracking code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.gw.Invalidate(ctx, siteIDKey(siteID), siteCodeKey(code))
	return nil
}

func (s *PostgresStore) ListSites(ctx context.Context, ownerID int) ([]models.Site, error) {
	rows, err := s.gw.Query(ctx, `SELECT `+siteColumns+` FROM sites WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}

// ---- sessions ----

const sessionColumns = `id, site_id, visitor_hash, first_seen, last_activity, page_count, event_count,
	is_bounce, entry_page, exit_page, referrer_domain, device_type, browser, os, country, origin_id`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	ss := &models.Session{}
	err := row.Scan(&ss.ID, &ss.SiteID, &ss.VisitorHash, &ss.FirstSeen, &ss.LastActivity,
		&ss.PageCount, &ss.EventCount, &ss.IsBounce, &ss.EntryPage, &ss.ExitPage,
		&ss.ReferrerDomain, &ss.DeviceType, &ss.Browser, &ss.OS, &ss.Country, &ss.OriginID)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, siteID int64, id string) (*models.Session, error) {
	ss, err := scanSession(s.gw.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND site_id = $2`, id, siteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return ss, nil
}

func (s *PostgresStore) LockSessionKey(ctx context.Context, siteID int64, key string) error {
	if _, err := s.gw.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, $2))`, key, siteID); err != nil {
		return fmt.Errorf("failed to lock session key: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestSessionByOrigin(ctx context.Context, siteID int64, originID string, since time.Time) (*models.Session, error) {
	ss, err := scanSession(s.gw.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE site_id = $1 AND origin_id = $2 AND last_activity >= $3
		ORDER BY last_activity DESC
		LIMIT 1`, siteID, originID, since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by origin: %w", err)
	}
	return ss, nil
}

func (s *PostgresStore) InsertSessionIfAbsent(ctx context.Context, ss *models.Session) (bool, error) {
	res, err := s.gw.Exec(ctx, `
		INSERT INTO sessions (id, site_id, visitor_hash, first_seen, last_activity, page_count, event_count,
			is_bounce, entry_page, exit_page, referrer_domain, device_type, browser, os, country, origin_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		ss.ID, ss.SiteID, ss.VisitorHash, ss.FirstSeen, ss.LastActivity, ss.PageCount, ss.EventCount,
		ss.IsBounce, ss.EntryPage, ss.ExitPage, ss.ReferrerDomain, ss.DeviceType, ss.Browser, ss.OS, ss.Country,
		ss.OriginID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert session: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) RecordSessionActivity(ctx context.Context, a SessionActivity) (*models.Session, error) {
	var pages, events int
	if a.Kind == ActivityPageview {
		pages = 1
	} else {
		events = 1
	}
	ss, err := scanSession(s.gw.QueryRow(ctx, `
		UPDATE sessions SET
			page_count    = page_count + $2,
			event_count   = event_count + $3,
			last_activity = GREATEST(last_activity, $4),
			exit_page     = CASE WHEN $5::text <> '' THEN $5::text ELSE exit_page END,
			is_bounce     = (page_count + event_count + 1) < 2
		WHERE id = $1
		RETURNING `+sessionColumns,
		a.SessionID, pages, events, a.At, a.Path,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record session activity: %w", err)
	}
	return ss, nil
}

// ---- pageviews / events ----

func (s *PostgresStore) InsertPageview(ctx context.Context, p *models.Pageview) error {
	_, err := s.gw.Exec(ctx, `
		INSERT INTO pageviews (id, site_id, session_id, url, path, title, referrer, load_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.SiteID, p.SessionID, p.URL, p.Path, p.Title, p.Referrer, p.LoadTimeMs, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pageview: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *models.CustomEvent) error {
	// lib/pq sends []byte as bytea, so JSON goes over the wire as text.
	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	_, err := s.gw.Exec(ctx, `
		INSERT INTO events (id, site_id, session_id, url, path, name, category, action, label, value, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.SiteID, e.SessionID, e.URL, e.Path, e.Name, e.Category, e.Action, e.Label, e.Value, data, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ---- presence ----

func (s *PostgresStore) UpsertPresence(ctx context.Context, p models.Presence) error {
	_, err := s.gw.Exec(ctx, `
		INSERT INTO realtime_presence (site_id, session_id, page, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id, session_id)
		DO UPDATE SET page = EXCLUDED.page, last_seen = GREATEST(realtime_presence.last_seen, EXCLUDED.last_seen)`,
		p.SiteID, p.SessionID, p.Page, p.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountPresenceSince(ctx context.Context, siteID int64, since time.Time) (int64, error) {
	var n int64
	err := s.gw.QueryRow(ctx,
		`SELECT COUNT(*) FROM realtime_presence WHERE site_id = $1 AND last_seen >= $2`, siteID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count presence: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) LivePages(ctx context.Context, siteID int64, since time.Time, limit int) ([]models.LivePage, error) {
	rows, err := s.gw.Query(ctx, `
		SELECT page, COUNT(*) AS sessions
		FROM realtime_presence
		WHERE site_id = $1 AND last_seen >= $2
		GROUP BY page
		ORDER BY sessions DESC, page ASC
		LIMIT $3`, siteID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query live pages: %w", err)
	}
	defer rows.Close()

	var pages []models.LivePage
	for rows.Next() {
		var lp models.LivePage
		if err := rows.Scan(&lp.Page, &lp.Sessions); err != nil {
			return nil, fmt.Errorf("failed to scan live page: %w", err)
		}
		pages = append(pages, lp)
	}
	return pages, rows.Err()
}

func (s *PostgresStore) DeletePresenceBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.gw.Exec(ctx, `DELETE FROM realtime_presence WHERE last_seen < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge presence: %w", err)
	}
	return res.RowsAffected()
}

// ---- funnels ----

func (s *PostgresStore) CreateFunnel(ctx context.Context, f *models.Funnel) error {
	err := s.InTx(ctx, func(txs Store) error {
		tx := txs.(*PostgresStore)
		err := tx.gw.QueryRow(ctx, `
			INSERT INTO funnels (site_id, name, active) VALUES ($1, $2, $3)
			RETURNING id, created_at`, f.SiteID, f.Name, f.Active,
		).Scan(&f.ID, &f.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create funnel: %w", err)
		}
		for i := range f.Steps {
			step := &f.Steps[i]
			step.FunnelID = f.ID
			err := tx.gw.QueryRow(ctx, `
				INSERT INTO funnel_steps (funnel_id, step_order, name, step_type, condition, required)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id`,
				f.ID, step.Order, step.Name, string(step.Type), string(step.Condition), step.Required,
			).Scan(&step.ID)
			if err != nil {
				return fmt.Errorf("failed to create funnel step %d: %w", step.Order, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.gw.Invalidate(ctx, activeFunnelsKey(f.SiteID))
	return nil
}

func (s *PostgresStore) GetFunnel(ctx context.Context, id int64) (*models.Funnel, error) {
	funnels, err := s.queryFunnels(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(funnels) == 0 {
		return nil, ErrNotFound
	}
	return &funnels[0], nil
}

func (s *PostgresStore) ListFunnels(ctx context.Context, siteID int64) ([]models.Funnel, error) {
	return s.queryFunnels(ctx, `WHERE site_id = $1`, siteID)
}

func (s *PostgresStore) ListActiveFunnels(ctx context.Context, siteID int64) ([]models.Funnel, error) {
	var funnels []models.Funnel
	err := s.gw.Cached(ctx, activeFunnelsKey(siteID), s.cacheTTL, &funnels, func(ctx context.Context) (any, error) {
		return s.queryFunnels(ctx, `WHERE site_id = $1 AND active`, siteID)
	})
	return funnels, err
}

func (s *PostgresStore) ListAllFunnels(ctx context.Context) ([]models.Funnel, error) {
	return s.queryFunnels(ctx, ``)
}

func (s *PostgresStore) SetFunnelActive(ctx context.Context, id int64, active bool) error {
	var siteID int64
	err := s.gw.QueryRow(ctx, `UPDATE funnels SET active = $2 WHERE id = $1 RETURNING site_id`, id, active).Scan(&siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update funnel: %w", err)
	}
	s.gw.Invalidate(ctx, activeFunnelsKey(siteID))
	return nil
}

// queryFunnels loads funnels matching where and attaches their ordered steps
// with a single follow-up query.
func (s *PostgresStore) queryFunnels(ctx context.Context, where string, args ...any) ([]models.Funnel, error) {
	rows, err := s.gw.Query(ctx, `SELECT id, site_id, name, active, created_at FROM funnels `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query funnels: %w", err)
	}
	defer rows.Close()

	var (
		funnels []models.Funnel
		ids     []int64
	)
	for rows.Next() {
		var f models.Funnel
		if err := rows.Scan(&f.ID, &f.SiteID, &f.Name, &f.Active, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan funnel: %w", err)
		}
		funnels = append(funnels, f)
		ids = append(ids, f.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during funnel query: %w", err)
	}
	if len(funnels) == 0 {
		return nil, nil
	}

	stepRows, err := s.gw.Query(ctx, `
		SELECT id, funnel_id, step_order, name, step_type, condition, required
		FROM funnel_steps
		WHERE funnel_id = ANY($1)
		ORDER BY funnel_id, step_order`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query funnel steps: %w", err)
	}
	defer stepRows.Close()

	byID := make(map[int64]*models.Funnel, len(funnels))
	for i := range funnels {
		byID[funnels[i].ID] = &funnels[i]
	}
	for stepRows.Next() {
		var (
			step     models.FunnelStep
			stepType string
			cond     []byte
		)
		if err := stepRows.Scan(&step.ID, &step.FunnelID, &step.Order, &step.Name, &stepType, &cond, &step.Required); err != nil {
			return nil, fmt.Errorf("failed to scan funnel step: %w", err)
		}
		step.Type = models.StepType(stepType)
		step.Condition = json.RawMessage(cond)
		if f, ok := byID[step.FunnelID]; ok {
			f.Steps = append(f.Steps, step)
		}
	}
	return funnels, stepRows.Err()
}

// ---- funnel sessions ----

const funnelSessionColumns = `funnel_id, session_id, site_id, last_step, step_times, step_events,
	converted, conversion_seconds, version, created_at, updated_at`

func scanFunnelSession(row interface{ Scan(...any) error }) (*models.FunnelSession, error) {
	var (
		fs          models.FunnelSession
		times, snap []byte
		seconds     sql.NullInt64
	)
	err := row.Scan(&fs.FunnelID, &fs.SessionID, &fs.SiteID, &fs.LastStep, &times, &snap,
		&fs.Converted, &seconds, &fs.Version, &fs.CreatedAt, &fs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(times, &fs.StepTimes); err != nil {
		return nil, fmt.Errorf("decode step_times: %w", err)
	}
	if err := json.Unmarshal(snap, &fs.StepEvents); err != nil {
		return nil, fmt.Errorf("decode step_events: %w", err)
	}
	if seconds.Valid {
		fs.ConversionSeconds = &seconds.Int64
	}
	return &fs, nil
}

func encodeProgress(fs *models.FunnelSession) (times, snap string, err error) {
	t, err := json.Marshal(fs.StepTimes)
	if err != nil {
		return "", "", fmt.Errorf("encode step_times: %w", err)
	}
	if fs.StepEvents == nil {
		return string(t), "{}", nil
	}
	e, err := json.Marshal(fs.StepEvents)
	if err != nil {
		return "", "", fmt.Errorf("encode step_events: %w", err)
	}
	return string(t), string(e), nil
}

func (s *PostgresStore) GetFunnelSession(ctx context.Context, funnelID int64, sessionID string) (*models.FunnelSession, error) {
	fs, err := scanFunnelSession(s.gw.QueryRow(ctx,
		`SELECT `+funnelSessionColumns+` FROM funnel_sessions WHERE funnel_id = $1 AND session_id = $2`,
		funnelID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get funnel session: %w", err)
	}
	return fs, nil
}

func (s *PostgresStore) InsertFunnelSession(ctx context.Context, fs *models.FunnelSession) error {
	times, snap, err := encodeProgress(fs)
	if err != nil {
		return err
	}
	res, err := s.gw.Exec(ctx, `
		INSERT INTO funnel_sessions (funnel_id, session_id, site_id, last_step, step_times, step_events,
			converted, conversion_seconds, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
		ON CONFLICT (funnel_id, session_id) DO NOTHING`,
		fs.FunnelID, fs.SessionID, fs.SiteID, fs.LastStep, times, snap,
		fs.Converted, fs.ConversionSeconds, fs.CreatedAt, fs.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert funnel session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	fs.Version = 1
	return nil
}

func (s *PostgresStore) UpdateFunnelSession(ctx context.Context, fs *models.FunnelSession, expectedVersion int64) error {
	times, snap, err := encodeProgress(fs)
	if err != nil {
		return err
	}
	res, err := s.gw.Exec(ctx, `
		UPDATE funnel_sessions SET
			last_step          = $3,
			step_times         = $4,
			step_events        = $5,
			converted          = $6,
			conversion_seconds = $7,
			updated_at         = $8,
			version            = version + 1
		WHERE funnel_id = $1 AND session_id = $2 AND version = $9 AND last_step <= $3`,
		fs.FunnelID, fs.SessionID, fs.LastStep, times, snap, fs.Converted, fs.ConversionSeconds,
		fs.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update funnel session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	fs.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) ListFunnelSessionsCreatedBetween(ctx context.Context, funnelID int64, from, to time.Time) ([]models.FunnelSession, error) {
	rows, err := s.gw.Query(ctx, `
		SELECT `+funnelSessionColumns+`
		FROM funnel_sessions
		WHERE funnel_id = $1 AND created_at >= $2 AND created_at < $3`, funnelID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel sessions: %w", err)
	}
	defer rows.Close()

	var out []models.FunnelSession
	for rows.Next() {
		fs, err := scanFunnelSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan funnel session: %w", err)
		}
		out = append(out, *fs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertFunnelDailyStat(ctx context.Context, st models.FunnelDailyStat) error {
	reached, err := json.Marshal(st.StepReached)
	if err != nil {
		return fmt.Errorf("encode step_reached: %w", err)
	}
	_, err = s.gw.Exec(ctx, `
		INSERT INTO funnel_daily_stats (funnel_id, day, entered, step_reached, conversions, conversion_rate, avg_conversion_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (funnel_id, day) DO UPDATE SET
			entered                = EXCLUDED.entered,
			step_reached           = EXCLUDED.step_reached,
			conversions            = EXCLUDED.conversions,
			conversion_rate        = EXCLUDED.conversion_rate,
			avg_conversion_seconds = EXCLUDED.avg_conversion_seconds`,
		st.FunnelID, st.Day, st.Entered, string(reached), st.Conversions, st.ConversionRate, st.AvgConversionSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert funnel daily stat: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFunnelDailyStats(ctx context.Context, funnelID int64, from, to time.Time) ([]models.FunnelDailyStat, error) {
	rows, err := s.gw.Query(ctx, `
		SELECT funnel_id, day, entered, step_reached, conversions, conversion_rate, avg_conversion_seconds
		FROM funnel_daily_stats
		WHERE funnel_id = $1 AND day >= $2 AND day <= $3
		ORDER BY day`, funnelID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query funnel daily stats: %w", err)
	}
	defer rows.Close()

	var out []models.FunnelDailyStat
	for rows.Next() {
		var (
			st      models.FunnelDailyStat
			reached []byte
		)
		if err := rows.Scan(&st.FunnelID, &st.Day, &st.Entered, &reached, &st.Conversions, &st.ConversionRate, &st.AvgConversionSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan funnel daily stat: %w", err)
		}
		if err := json.Unmarshal(reached, &st.StepReached); err != nil {
			return nil, fmt.Errorf("decode step_reached: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
