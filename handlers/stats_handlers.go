package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"trackwell/api/models"
	"trackwell/api/store"
	"trackwell/api/utils"
)

// AnalyticsReader is the query side of the ClickHouse mirror.
type AnalyticsReader interface {
	GetEventCountsOverTime(ctx context.Context, siteID int64, interval string, start, end time.Time, eventTypeFilter string) ([]models.CountByTime, error)
	GetUniqueVisitorsOverTime(ctx context.Context, siteID int64, interval string, start, end time.Time) ([]models.CountByTime, error)
	GetTopNPagePaths(ctx context.Context, siteID int64, start, end time.Time, limit uint64) ([]models.TopPathResult, error)
}

// AnalyticsHandlers serve time series from the mirror. They answer 503 when
// the mirror is not configured.
type AnalyticsHandlers struct {
	Analytics AnalyticsReader
	Store     store.Store
	Clock     quartz.Clock
	Logger    slog.Logger
}

func NewAnalyticsHandlers(a AnalyticsReader, st store.Store, clock quartz.Clock, logger slog.Logger) *AnalyticsHandlers {
	return &AnalyticsHandlers{Analytics: a, Store: st, Clock: clock, Logger: logger.Named("stats")}
}

// prepare checks the mirror, the site and the start/end query range.
func (h *AnalyticsHandlers) prepare(c *gin.Context) (site *models.Site, start, end time.Time, ok bool) {
	if h.Analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Analytics mirror is not configured"})
		return nil, start, end, false
	}
	site, ok = ownedSite(c, h.Store, h.Logger)
	if !ok {
		return nil, start, end, false
	}

	now := h.Clock.Now().UTC()
	start, end = now.Add(-7*24*time.Hour), now
	var err error
	if v := c.Query("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'start' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return nil, start, end, false
		}
	}
	if v := c.Query("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'end' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)"})
			return nil, start, end, false
		}
	}
	if !end.After(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'end' must be after 'start'"})
		return nil, start, end, false
	}
	return site, start, end, true
}

func (h *AnalyticsHandlers) interval(c *gin.Context) (string, bool) {
	interval := c.DefaultQuery("interval", "Day")
	if !utils.IsValidInterval(interval) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid interval (e.g., 'Day', 'Hour')"})
		return "", false
	}
	return interval, true
}

func (h *AnalyticsHandlers) fail(c *gin.Context, what string, site *models.Site, err error) {
	h.Logger.Error(c.Request.Context(), "analytics query failed", slog.F("query", what), slog.F("site_id", site.ID), slog.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve " + what + " statistics"})
}

func (h *AnalyticsHandlers) GetEventCountsOverTime(c *gin.Context) {
	site, start, end, ok := h.prepare(c)
	if !ok {
		return
	}
	interval, ok := h.interval(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Analytics.GetEventCountsOverTime(ctx, site.ID, interval, start, end, c.Query("eventType"))
	if err != nil {
		h.fail(c, "event count", site, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(results))
}

func (h *AnalyticsHandlers) GetUniqueVisitorsOverTime(c *gin.Context) {
	site, start, end, ok := h.prepare(c)
	if !ok {
		return
	}
	interval, ok := h.interval(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Analytics.GetUniqueVisitorsOverTime(ctx, site.ID, interval, start, end)
	if err != nil {
		h.fail(c, "unique visitor", site, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(results))
}

func (h *AnalyticsHandlers) GetTopNPagePaths(c *gin.Context) {
	site, start, end, ok := h.prepare(c)
	if !ok {
		return
	}
	var limit uint64 = 10
	if v := c.Query("limit"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil || parsed == 0 || parsed > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'limit' parameter. Must be between 1 and 1000."})
			return
		}
		limit = parsed
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	results, err := h.Analytics.GetTopNPagePaths(ctx, site.ID, start, end, limit)
	if err != nil {
		h.fail(c, "top page path", site, err)
		return
	}
	c.JSON(http.StatusOK, orEmpty(results))
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
