package handlers

import (
	"net/http"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"

	"trackwell/api/middleware"
	"trackwell/api/models"
	"trackwell/api/store"
	"trackwell/api/tracking"
	"trackwell/api/utils"
)

type SiteHandlers struct {
	Store    store.Store
	Coder    *utils.TrackingCoder
	Presence *tracking.PresenceTracker
	Logger   slog.Logger
}

func NewSiteHandlers(st store.Store, coder *utils.TrackingCoder, presence *tracking.PresenceTracker, logger slog.Logger) *SiteHandlers {
	return &SiteHandlers{Store: st, Coder: coder, Presence: presence, Logger: logger.Named("sites")}
}

// Create registers a site for the caller and assigns its tracking code.
// Service-key callers have no user to own the site and are refused.
func (h *SiteHandlers) Create(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.GetInt(middleware.ContextUserID)
	if ownerID == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "Creating a site requires a signed-in user"})
		return
	}
	var req models.CreateSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	site := &models.Site{
		OwnerID: ownerID,
		Name:    strings.TrimSpace(req.Name),
		Domain:  strings.ToLower(strings.TrimSpace(req.Domain)),
	}
	err := h.Store.InTx(ctx, func(tx store.Store) error {
		if err := tx.CreateSite(ctx, site); err != nil {
			return err
		}
		code, err := h.Coder.Encode(site.ID)
		if err != nil {
			return err
		}
		site.TrackingCode = code
		return tx.SetTrackingCode(ctx, site.ID, code)
	})
	if err != nil {
		h.Logger.Error(ctx, "create site", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create site"})
		return
	}

	h.Logger.Info(ctx, "site created", slog.F("site_id", site.ID), slog.F("owner_id", site.OwnerID))
	c.JSON(http.StatusCreated, site)
}

func (h *SiteHandlers) List(c *gin.Context) {
	sites, err := h.Store.ListSites(c.Request.Context(), c.GetInt(middleware.ContextUserID))
	if err != nil {
		h.Logger.Error(c.Request.Context(), "list sites", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sites"})
		return
	}
	if sites == nil {
		sites = []models.Site{}
	}
	c.JSON(http.StatusOK, sites)
}

// Live reports the estimated number of visitors active right now.
func (h *SiteHandlers) Live(c *gin.Context) {
	site, ok := ownedSite(c, h.Store, h.Logger)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	count, err := h.Presence.LiveCount(ctx, site.ID)
	if err != nil {
		h.Logger.Error(ctx, "live count", slog.F("site_id", site.ID), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load live visitors"})
		return
	}
	pages, err := h.Presence.LivePages(ctx, site.ID, 10)
	if err != nil {
		h.Logger.Error(ctx, "live pages", slog.F("site_id", site.ID), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load live visitors"})
		return
	}
	if pages == nil {
		pages = []models.LivePage{}
	}
	c.JSON(http.StatusOK, gin.H{
		"siteId":       site.ID,
		"liveVisitors": count,
		"pages":        pages,
	})
}
