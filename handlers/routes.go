package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CollectPaths are the beacon endpoints. Everything after the first entry is
// a decoy that looks like a static asset.
var CollectPaths = []string{"/api/collect", "/assets/css/site.css", "/assets/js/bundle.js", "/assets/img/logo.png"}

var PixelPaths = []string{"/pixel.gif", "/assets/img/spacer.gif"}

// Routes holds everything the HTTP surface is built from. Nil handler groups
// are skipped.
type Routes struct {
	Collect   *CollectHandlers
	Auth      *AuthHandlers
	Sites     *SiteHandlers
	Funnels   *FunnelHandlers
	Analytics *AnalyticsHandlers

	// Collector runs in front of the beacon endpoints, Dashboard in front of
	// the whole /api group and Protected after it for authenticated routes.
	Collector []gin.HandlerFunc
	Dashboard []gin.HandlerFunc
	Protected []gin.HandlerFunc

	Health  gin.HandlerFunc
	Metrics http.Handler
}

func (rt Routes) Register(r *gin.Engine) {
	if rt.Collect != nil {
		collect := append(append([]gin.HandlerFunc{}, rt.Collector...), rt.Collect.Collect)
		pixel := append(append([]gin.HandlerFunc{}, rt.Collector...), rt.Collect.Pixel)
		preflight := append(append([]gin.HandlerFunc{}, rt.Collector...), noContent)
		for _, p := range CollectPaths {
			r.POST(p, collect...)
			r.OPTIONS(p, preflight...)
		}
		for _, p := range PixelPaths {
			r.GET(p, pixel...)
		}
	}

	if rt.Health != nil {
		r.GET("/healthz", rt.Health)
	}
	if rt.Metrics != nil {
		r.GET("/metrics", gin.WrapH(rt.Metrics))
	}

	api := r.Group("/api", rt.Dashboard...)
	protected := api.Group("/", rt.Protected...)
	seen := map[string]bool{}
	// Preflights skip the protected chain since browsers send them without
	// credentials.
	handle := func(g *gin.RouterGroup, method, path string, h gin.HandlerFunc) {
		g.Handle(method, path, h)
		if !seen[path] {
			seen[path] = true
			api.OPTIONS(path, noContent)
		}
	}

	if rt.Auth != nil {
		handle(api, http.MethodPost, "/signup", rt.Auth.Signup)
		handle(api, http.MethodPost, "/login", rt.Auth.Login)
		handle(api, http.MethodPost, "/logout", rt.Auth.Logout)
		handle(protected, http.MethodGet, "/profile", rt.Auth.Profile)
	}
	if rt.Sites != nil {
		handle(protected, http.MethodPost, "/sites", rt.Sites.Create)
		handle(protected, http.MethodGet, "/sites", rt.Sites.List)
		handle(protected, http.MethodGet, "/sites/:id/live", rt.Sites.Live)
	}
	if rt.Funnels != nil {
		handle(protected, http.MethodPost, "/sites/:id/funnels", rt.Funnels.Create)
		handle(protected, http.MethodGet, "/sites/:id/funnels", rt.Funnels.List)
		handle(protected, http.MethodPatch, "/funnels/:id", rt.Funnels.Update)
		handle(protected, http.MethodGet, "/funnels/:id/stats", rt.Funnels.Stats)
	}
	if rt.Analytics != nil {
		handle(protected, http.MethodGet, "/sites/:id/stats/event-counts", rt.Analytics.GetEventCountsOverTime)
		handle(protected, http.MethodGet, "/sites/:id/stats/unique-visitors", rt.Analytics.GetUniqueVisitorsOverTime)
		handle(protected, http.MethodGet, "/sites/:id/stats/top-paths", rt.Analytics.GetTopNPagePaths)
	}
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
