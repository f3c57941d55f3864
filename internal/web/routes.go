package web

import (
	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calhub/internal/config"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, cfg *config.Config) {
	r.Use(SecurityHeaders())
	r.Use(RequestLogger())

	// Health endpoint (no rate limit)
	r.GET("/health", h.HealthCheck)

	// OAuth connect flow with strict rate limiting
	authRateLimiter := RateLimiter(5, 10) // 5 requests/sec, burst of 10
	authGroup := r.Group("/auth")
	authGroup.Use(authRateLimiter)
	{
		authGroup.GET("/google", h.ConnectGoogle)
		authGroup.GET("/google/callback", h.GoogleCallback)
	}

	// API routes with rate limiting and content-type validation
	apiRateLimiter := RateLimiter(cfg.RateLimiting.RPS, cfg.RateLimiting.Burst)
	apiGroup := r.Group("/api")
	apiGroup.Use(apiRateLimiter)
	apiGroup.Use(RequireJSONContentType())
	{
		apiGroup.GET("/calendars", h.ListCalendars)
		apiGroup.GET("/calendars/:id", h.GetCalendar)
		apiGroup.POST("/calendars", h.ConnectIcal)
		apiGroup.DELETE("/calendars/:id", h.DeleteCalendar)
		apiGroup.POST("/calendars/:id/toggle", h.ToggleCalendar)
		apiGroup.GET("/calendars/:id/logs", h.GetCalendarLogs)
		apiGroup.GET("/calendars/:id/events", h.GetCalendarEvents)

		apiGroup.GET("/events", h.ListEvents)
		apiGroup.GET("/activity", h.GetActivity)
	}

	// Sync triggers hit upstream providers, so they get a stricter limit
	syncRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	syncGroup := r.Group("/api")
	syncGroup.Use(syncRateLimiter)
	syncGroup.Use(RequireJSONContentType())
	{
		syncGroup.POST("/sync", h.SyncAll)
		syncGroup.POST("/calendars/:id/sync", h.SyncCalendar)
	}
}
