package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"

	"trackwell/api/middleware"
	"trackwell/api/models"
	"trackwell/api/store"
)

// pathID parses the named path parameter as a positive id.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

// canAccess reports whether the caller owns site. The service API key can
// see every site.
func canAccess(c *gin.Context, site *models.Site) bool {
	if c.GetBool(middleware.ContextService) {
		return true
	}
	return site.OwnerID == c.GetInt(middleware.ContextUserID)
}

// ownedSite loads the site named by the :id parameter and checks access.
// Sites the caller cannot see are reported as missing.
func ownedSite(c *gin.Context, st store.Store, logger slog.Logger) (*models.Site, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	site, err := st.GetSiteByID(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !canAccess(c, site)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Site not found"})
		return nil, false
	}
	if err != nil {
		logger.Error(c.Request.Context(), "load site", slog.F("site_id", id), slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load site"})
		return nil, false
	}
	return site, true
}
