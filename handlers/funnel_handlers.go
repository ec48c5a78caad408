package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"

	"trackwell/api/funnel"
	"trackwell/api/models"
	"trackwell/api/store"
)

const maxStatsDays = 366

type FunnelHandlers struct {
	Store  store.Store
	Clock  quartz.Clock
	Logger slog.Logger
}

func NewFunnelHandlers(st store.Store, clock quartz.Clock, logger slog.Logger) *FunnelHandlers {
	return &FunnelHandlers{Store: st, Clock: clock, Logger: logger.Named("funnels")}
}

// Create stores a funnel after compiling every step condition.
func (h *FunnelHandlers) Create(c *gin.Context) {
	site, ok := ownedSite(c, h.Store, h.Logger)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var req models.CreateFunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	f := &models.Funnel{SiteID: site.ID, Name: strings.TrimSpace(req.Name), Active: true}
	for i, s := range req.Steps {
		step := models.FunnelStep{
			Order:     i + 1,
			Name:      strings.TrimSpace(s.Name),
			Type:      s.Type,
			Condition: s.Condition,
			Required:  s.Required == nil || *s.Required,
		}
		if step.Name == "" {
			step.Name = fmt.Sprintf("Step %d", step.Order)
		}
		if _, err := funnel.Compile(step); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid step condition", "step": step.Order, "details": err.Error()})
			return
		}
		f.Steps = append(f.Steps, step)
	}

	if err := h.Store.CreateFunnel(ctx, f); err != nil {
		h.Logger.Error(ctx, "create funnel", slog.F("site_id", site.ID), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create funnel"})
		return
	}
	h.Logger.Info(ctx, "funnel created", slog.F("funnel_id", f.ID), slog.F("site_id", site.ID), slog.F("steps", len(f.Steps)))
	c.JSON(http.StatusCreated, f)
}

func (h *FunnelHandlers) List(c *gin.Context) {
	site, ok := ownedSite(c, h.Store, h.Logger)
	if !ok {
		return
	}
	funnels, err := h.Store.ListFunnels(c.Request.Context(), site.ID)
	if err != nil {
		h.Logger.Error(c.Request.Context(), "list funnels", slog.F("site_id", site.ID), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list funnels"})
		return
	}
	if funnels == nil {
		funnels = []models.Funnel{}
	}
	c.JSON(http.StatusOK, funnels)
}

// ownedFunnel loads the funnel named by :id and checks site access.
func (h *FunnelHandlers) ownedFunnel(c *gin.Context) (*models.Funnel, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	ctx := c.Request.Context()
	f, err := h.Store.GetFunnel(ctx, id)
	if err == nil {
		var site *models.Site
		site, err = h.Store.GetSiteByID(ctx, f.SiteID)
		if err == nil && !canAccess(c, site) {
			err = store.ErrNotFound
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Funnel not found"})
		return nil, false
	}
	if err != nil {
		h.Logger.Error(ctx, "load funnel", slog.F("funnel_id", id), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load funnel"})
		return nil, false
	}
	return f, true
}

// Update toggles whether a funnel is evaluated for new activity.
func (h *FunnelHandlers) Update(c *gin.Context) {
	f, ok := h.ownedFunnel(c)
	if !ok {
		return
	}
	var req models.UpdateFunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := h.Store.SetFunnelActive(ctx, f.ID, *req.Active); err != nil {
		h.Logger.Error(ctx, "update funnel", slog.F("funnel_id", f.ID), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update funnel"})
		return
	}
	f.Active = *req.Active
	c.JSON(http.StatusOK, f)
}

type dailyStat struct {
	models.FunnelDailyStat
	DropOff []int64 `json:"dropOff"`
}

// Stats returns the daily rollup rows between from and to (YYYY-MM-DD,
// inclusive), defaulting to the last 30 days.
func (h *FunnelHandlers) Stats(c *gin.Context) {
	f, ok := h.ownedFunnel(c)
	if !ok {
		return
	}

	today := h.Clock.Now().UTC().Truncate(24 * time.Hour)
	from, to := today.AddDate(0, 0, -30), today
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.DateOnly, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date. Use YYYY-MM-DD"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.DateOnly, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date. Use YYYY-MM-DD"})
			return
		}
	}
	if to.Before(from) || to.Sub(from) > maxStatsDays*24*time.Hour {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date range"})
		return
	}

	ctx := c.Request.Context()
	rows, err := h.Store.GetFunnelDailyStats(ctx, f.ID, from, to)
	if err != nil {
		h.Logger.Error(ctx, "funnel stats", slog.F("funnel_id", f.ID), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load funnel statistics"})
		return
	}

	days := make([]dailyStat, 0, len(rows))
	var entered, conversions int64
	for _, r := range rows {
		days = append(days, dailyStat{FunnelDailyStat: r, DropOff: r.DropOff()})
		entered += r.Entered
		conversions += r.Conversions
	}
	rate := 0.0
	if entered > 0 {
		rate = float64(conversions) / float64(entered)
	}
	c.JSON(http.StatusOK, gin.H{
		"funnel":         f,
		"from":           from.Format(time.DateOnly),
		"to":             to.Format(time.DateOnly),
		"entered":        entered,
		"conversions":    conversions,
		"conversionRate": rate,
		"days":           days,
	})
}
