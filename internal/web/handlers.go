package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/calhub/internal/activity"
	"github.com/macjediwizard/calhub/internal/auth"
	"github.com/macjediwizard/calhub/internal/config"
	"github.com/macjediwizard/calhub/internal/db"
	"github.com/macjediwizard/calhub/internal/scheduler"
	"github.com/macjediwizard/calhub/internal/syncer"
	"github.com/macjediwizard/calhub/internal/validator"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	db        *db.DB
	google    *auth.GoogleProvider // nil when no OAuth client is configured
	state     *auth.StateManager
	tokens    *auth.TokenManager
	validator *validator.Validator
	scheduler *scheduler.Scheduler
	tracker   *activity.Tracker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	google *auth.GoogleProvider,
	state *auth.StateManager,
	tokens *auth.TokenManager,
	feedValidator *validator.Validator,
	sched *scheduler.Scheduler,
	tracker *activity.Tracker,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		db:        database,
		google:    google,
		state:     state,
		tokens:    tokens,
		validator: feedValidator,
		scheduler: sched,
		tracker:   tracker,
	}
}

// sanitizeError returns a user-safe error message without exposing internal details.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// HealthCheck reports service and database health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListCalendars returns all connected calendars.
func (h *Handlers) ListCalendars(c *gin.Context) {
	calendars, err := h.db.GetCalendars()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to load calendars"),
		})
		return
	}
	if calendars == nil {
		calendars = []*db.Calendar{}
	}
	c.JSON(http.StatusOK, calendars)
}

// GetCalendar returns a single calendar.
func (h *Handlers) GetCalendar(c *gin.Context) {
	cal, err := h.db.GetCalendarByID(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to load calendar"),
		})
		return
	}
	c.JSON(http.StatusOK, cal)
}

// connectIcalRequest is the payload for connecting an iCal feed.
type connectIcalRequest struct {
	URL         string `json:"url" binding:"required"`
	DisplayName string `json:"display_name"`
}

// ConnectIcal registers an iCal feed as a new calendar. The feed URL is
// normalized (webcal:// becomes https://) and probed before storing.
func (h *Handlers) ConnectIcal(c *gin.Context) {
	var req connectIcalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	feedURL, err := h.validator.NormalizeFeedURL(req.URL, h.cfg.IsProduction())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.validator.CheckFeed(c.Request.Context(), feedURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": sanitizeError(err, "URL does not serve a reachable iCalendar feed"),
		})
		return
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = feedURL
	}

	cal := &db.Calendar{
		Provider:           db.ProviderIcal,
		CalendarIdentifier: feedURL,
		DisplayName:        displayName,
		IsActive:           true,
	}
	if err := h.db.CreateCalendar(cal); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Feed is already connected"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to create calendar"),
		})
		return
	}

	// First sync in the background so connect stays fast.
	go func() {
		if _, err := h.scheduler.RunCalendar(context.Background(), cal.ID); err != nil {
			log.Printf("Initial sync failed for calendar %s: %v", cal.ID, err)
		}
	}()

	c.JSON(http.StatusCreated, cal)
}

// DeleteCalendar removes a calendar, its events, and its credential.
func (h *Handlers) DeleteCalendar(c *gin.Context) {
	cal, err := h.db.GetCalendarByID(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to load calendar"),
		})
		return
	}

	if err := h.db.DeleteCalendar(cal.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to delete calendar"),
		})
		return
	}

	if err := h.tokens.Delete(cal.CredentialID); err != nil {
		log.Printf("Failed to delete credential %s: %v", cal.CredentialID, err)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Calendar deleted"})
}

// toggleRequest is the payload for enabling or disabling a calendar.
type toggleRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// ToggleCalendar enables or disables a calendar for syncing.
func (h *Handlers) ToggleCalendar(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active is required"})
		return
	}

	err := h.db.SetCalendarActive(c.Param("id"), *req.Active)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to update calendar"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": *req.Active})
}

// SyncCalendar runs one calendar's sync and returns the outcome.
func (h *Handlers) SyncCalendar(c *gin.Context) {
	result, err := h.scheduler.RunCalendar(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	}
	if errors.Is(err, syncer.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": "Sync already in progress"})
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if syncer.IsRetryable(err) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   sanitizeError(err, "Sync failed"),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   result.Count,
	})
}

// SyncAll runs all active calendars and returns per-calendar results.
func (h *Handlers) SyncAll(c *gin.Context) {
	results, err := h.scheduler.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to run sync"),
		})
		return
	}
	if results == nil {
		results = []*syncer.Result{}
	}
	c.JSON(http.StatusOK, results)
}

// ListEvents returns reconciled events, optionally filtered.
func (h *Handlers) ListEvents(c *gin.Context) {
	filter, ok := eventFilterFromQuery(c)
	if !ok {
		return
	}
	filter.CalendarID = c.Query("calendar_id")
	h.writeEvents(c, filter)
}

// GetCalendarEvents returns events for a single calendar.
func (h *Handlers) GetCalendarEvents(c *gin.Context) {
	if _, err := h.db.GetCalendarByID(c.Param("id")); errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to load calendar"),
		})
		return
	}

	filter, ok := eventFilterFromQuery(c)
	if !ok {
		return
	}
	filter.CalendarID = c.Param("id")
	h.writeEvents(c, filter)
}

// eventFilterFromQuery parses the shared start/end/limit/offset query
// parameters. It writes the 400 response itself and reports ok=false
// when any parameter is malformed.
func eventFilterFromQuery(c *gin.Context) (db.EventFilter, bool) {
	var filter db.EventFilter

	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start must be RFC 3339"})
			return filter, false
		}
		filter.Start = &t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be RFC 3339"})
			return filter, false
		}
		filter.End = &t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return filter, false
		}
		filter.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return filter, false
		}
		filter.Offset = n
	}
	return filter, true
}

func (h *Handlers) writeEvents(c *gin.Context, filter db.EventFilter) {
	events, err := h.db.ListEvents(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to load events"),
		})
		return
	}
	if events == nil {
		events = []*db.Event{}
	}
	c.JSON(http.StatusOK, events)
}

// GetCalendarLogs returns recent sync logs for a calendar.
func (h *Handlers) GetCalendarLogs(c *gin.Context) {
	if _, err := h.db.GetCalendarByID(c.Param("id")); errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Calendar not found"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	logs, err := h.db.GetSyncLogs(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to load sync logs"),
		})
		return
	}
	if logs == nil {
		logs = []*db.SyncLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// GetActivity returns in-flight and recently completed sync runs.
func (h *Handlers) GetActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.GetAll())
}

// ConnectGoogle starts the Google OAuth consent flow.
func (h *Handlers) ConnectGoogle(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth is not configured"})
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to start OAuth flow"),
		})
		return
	}
	if err := h.state.Set(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to start OAuth flow"),
		})
		return
	}

	c.Redirect(http.StatusFound, h.google.AuthCodeURL(state))
}

// GoogleCallback finishes the consent flow: it validates the state,
// exchanges the code, verifies the account identity, stores the encrypted
// token pair, and registers the account's primary calendar.
func (h *Handlers) GoogleCallback(c *gin.Context) {
	if h.google == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Google OAuth is not configured"})
		return
	}

	expected, err := h.state.Consume(c.Writer, c.Request)
	if err != nil || c.Query("state") != expected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid OAuth state"})
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing authorization code"})
		return
	}

	token, err := h.google.Exchange(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": sanitizeError(err, "Token exchange failed"),
		})
		return
	}

	claims, err := h.google.VerifyIDToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error": sanitizeError(err, "Identity verification failed"),
		})
		return
	}

	credID, err := h.tokens.Save(token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to store credentials"),
		})
		return
	}

	displayName := claims.Name
	if displayName == "" {
		displayName = claims.Email
	}

	cal := &db.Calendar{
		Provider:           db.ProviderGoogle,
		CalendarIdentifier: "primary",
		DisplayName:        displayName,
		AccountEmail:       claims.Email,
		CredentialID:       credID,
		IsActive:           true,
	}
	if err := h.db.CreateCalendar(cal); err != nil {
		if delErr := h.tokens.Delete(credID); delErr != nil {
			log.Printf("Failed to delete orphaned credential %s: %v", credID, delErr)
		}
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "Account is already connected"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": sanitizeError(err, "Failed to create calendar"),
		})
		return
	}

	go func() {
		if _, err := h.scheduler.RunCalendar(context.Background(), cal.ID); err != nil {
			log.Printf("Initial sync failed for calendar %s: %v", cal.ID, err)
		}
	}()

	c.JSON(http.StatusCreated, cal)
}
