package store

import (
	"context"
	"fmt"
	"time"

	"cdr.dev/slog/v3"

	"trackwell/api/database"
	"trackwell/api/models"
	"trackwell/api/utils"
)

// AnalyticsStore reads and writes the ClickHouse mirror of persisted
// pageviews and events. Every query is scoped to one site.
type AnalyticsStore struct {
	DB     *database.ClickHouseClient
	logger slog.Logger
}

func NewAnalyticsStore(chClient *database.ClickHouseClient, logger slog.Logger) *AnalyticsStore {
	return &AnalyticsStore{
		DB:     chClient,
		logger: logger.Named("analytics_store"),
	}
}

func (s *AnalyticsStore) InsertAnalyticsEvents(ctx context.Context, events []models.AnalyticsEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.DB.Conn.PrepareBatch(ctx, `
		INSERT INTO analytics_events (
			event_id, event_type, site_id, visitor_hash, session_id, timestamp, page_path, referrer,
			event_name, browser, os, device_type, duration_ms, event_data
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}

	for _, event := range events {
		err := batch.Append(
			event.EventID,
			event.EventType,
			event.SiteID,
			event.VisitorHash,
			event.SessionID,
			event.Timestamp,
			event.PagePath,
			event.Referrer,
			event.EventName,
			event.Browser,
			event.OS,
			event.DeviceType,
			event.DurationMs,
			string(event.EventData),
		)
		if err != nil {
			s.logger.Warn(ctx, "error appending event to batch", slog.F("event_id", event.EventID), slog.Error(err))
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	s.logger.Debug(ctx, "inserted analytics events", slog.F("count", len(events)))
	return nil
}

// GetEventCountsOverTime buckets mirrored rows by interval. eventTypeFilter
// narrows to "pageview" or "event" when set.
func (s *AnalyticsStore) GetEventCountsOverTime(ctx context.Context, siteID int64, interval string, start, end time.Time, eventTypeFilter string) ([]models.CountByTime, error) {
	if !utils.IsValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval: %s", interval)
	}

	args := []any{siteID, start, end}
	where := "WHERE site_id = ? AND timestamp >= ? AND timestamp <= ?"
	if eventTypeFilter != "" {
		where += " AND event_type = ?"
		args = append(args, eventTypeFilter)
	}

	query := fmt.Sprintf(`
		SELECT toStartOf%s(timestamp) AS time_bucket, count() AS total_events
		FROM analytics_events
		%s
		GROUP BY time_bucket
		ORDER BY time_bucket ASC
	`, interval, where)

	return s.queryCounts(ctx, query, args...)
}

// GetUniqueVisitorsOverTime counts distinct visitor hashes per bucket. The
// anonymous hash rotates daily, so visitors spanning days are counted per day.
func (s *AnalyticsStore) GetUniqueVisitorsOverTime(ctx context.Context, siteID int64, interval string, start, end time.Time) ([]models.CountByTime, error) {
	if !utils.IsValidInterval(interval) {
		return nil, fmt.Errorf("invalid interval: %s", interval)
	}

	query := fmt.Sprintf(`
		SELECT toStartOf%s(timestamp) AS time_bucket, uniq(visitor_hash) AS unique_visitors
		FROM analytics_events
		WHERE site_id = ? AND timestamp >= ? AND timestamp <= ?
		GROUP BY time_bucket
		ORDER BY time_bucket ASC
	`, interval)

	return s.queryCounts(ctx, query, siteID, start, end)
}

func (s *AnalyticsStore) queryCounts(ctx context.Context, query string, args ...any) ([]models.CountByTime, error) {
	rows, err := s.DB.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query counts over time: %w", err)
	}
	defer rows.Close()

	var results []models.CountByTime
	for rows.Next() {
		var (
			bucket time.Time
			count  uint64
		)
		if err := rows.Scan(&bucket, &count); err != nil {
			s.logger.Warn(ctx, "error scanning count row", slog.Error(err))
			continue
		}
		results = append(results, models.CountByTime{Time: bucket, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row error during counts query: %w", err)
	}
	return results, nil
}

func (s *AnalyticsStore) GetTopNPagePaths(ctx context.Context, siteID int64, start, end time.Time, limit uint64) ([]models.TopPathResult, error) {
	if limit == 0 {
		limit = 10
	}

	query := `
		SELECT page_path, count() AS view_count
		FROM analytics_events
		WHERE site_id = ? AND event_type = 'pageview' AND timestamp >= ? AND timestamp <= ?
		GROUP BY page_path
		ORDER BY view_count DESC
		LIMIT ?
	`
	rows, err := s.DB.Conn.Query(ctx, query, siteID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top page paths: %w", err)
	}
	defer rows.Close()

	var results []models.TopPathResult
	for rows.Next() {
		var r models.TopPathResult
		if err := rows.Scan(&r.PagePath, &r.Count); err != nil {
			s.logger.Warn(ctx, "error scanning top path row", slog.Error(err))
			continue
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows for top page paths: %w", err)
	}
	return results, nil
}
