package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/queue"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// SubmissionQueue is the offline queue as seen by the API.
type SubmissionQueue interface {
	List(ctx context.Context) ([]*models.QueuedSubmission, error)
	Status(ctx context.Context) (*queue.Status, error)
	Flush(ctx context.Context) queue.FlushResult
}

// QueueHandler exposes the offline submission queue.
type QueueHandler struct {
	queue  SubmissionQueue
	logger zerolog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(q SubmissionQueue, logger zerolog.Logger) *QueueHandler {
	return &QueueHandler{
		queue:  q,
		logger: logger.With().Str("component", "queue_handler").Logger(),
	}
}

// RegisterRoutes registers queue routes on the given router group.
func (h *QueueHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/queue", h.Get)
	r.POST("/queue/flush", h.Flush)
}

// QueueResponse lists pending submissions.
type QueueResponse struct {
	Status  *queue.Status              `json:"status"`
	Entries []*models.QueuedSubmission `json:"entries"`
}

// Get returns the queue status and its entries in send order.
// GET /api/v1/queue
func (h *QueueHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	status, err := h.queue.Status(ctx)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	entries, err := h.queue.List(ctx)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*models.QueuedSubmission{}
	}
	c.JSON(http.StatusOK, QueueResponse{Status: status, Entries: entries})
}

// Flush resends queued submissions, stopping at the first failure.
// POST /api/v1/queue/flush
func (h *QueueHandler) Flush(c *gin.Context) {
	res := h.queue.Flush(c.Request.Context())
	body := gin.H{"sent": res.Sent, "remaining": res.Remaining}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// SettingsService holds local and system settings.
type SettingsService interface {
	Local() models.LocalSettings
	Save(ctx context.Context, user *models.User, sys models.SystemSettings) (models.SystemSettings, error)
	SetEndpoint(ctx context.Context, endpoint string) error
}

// SubscriptionManager checks and extends the licence.
type SubscriptionManager interface {
	State() subscription.State
	Check(ctx context.Context) (subscription.State, error)
	Extend(ctx context.Context, user *models.User, days int) (subscription.State, error)
}

// SettingsHandler handles settings and subscription endpoints.
type SettingsHandler struct {
	settings     SettingsService
	subscription SubscriptionManager
	logger       zerolog.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(settings SettingsService, sub SubscriptionManager, logger zerolog.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings:     settings,
		subscription: sub,
		logger:       logger.With().Str("component", "settings_handler").Logger(),
	}
}

// RegisterRoutes registers settings and subscription routes.
func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.Get)
	r.PUT("/settings", h.Update)
	r.PUT("/settings/endpoint", h.SetEndpoint)

	r.GET("/subscription", h.Subscription)
	r.POST("/subscription/extend", h.ExtendSubscription)
}

// Get returns the local settings with the latest system settings.
// GET /api/v1/settings
func (h *SettingsHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Local())
}

// Update publishes new system settings. Admins only.
// PUT /api/v1/settings
func (h *SettingsHandler) Update(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if !user.Role.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only administrators can change system settings"})
		return
	}
	var req models.SystemSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	saved, err := h.settings.Save(c.Request.Context(), user, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

// EndpointRequest is the request body for changing the endpoint URL.
type EndpointRequest struct {
	EndpointURL string `json:"endpointUrl" binding:"required"`
}

// SetEndpoint points the client at another endpoint. Admins only.
// PUT /api/v1/settings/endpoint
func (h *SettingsHandler) SetEndpoint(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if !user.Role.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only administrators can change the endpoint"})
		return
	}
	var req EndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.settings.SetEndpoint(c.Request.Context(), req.EndpointURL); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, h.settings.Local())
}

// Subscription returns the licence state. ?refresh=true asks the endpoint.
// GET /api/v1/subscription
func (h *SettingsHandler) Subscription(c *gin.Context) {
	if c.Query("refresh") != "true" {
		c.JSON(http.StatusOK, h.subscription.State())
		return
	}
	state, err := h.subscription.Check(c.Request.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("subscription check failed, serving last known state")
	}
	c.JSON(http.StatusOK, state)
}

// ExtendRequest is the request body for extending the licence.
type ExtendRequest struct {
	Days int `json:"days"`
}

// ExtendSubscription adds days to the licence. SuperAdmins only.
// POST /api/v1/subscription/extend
func (h *SettingsHandler) ExtendSubscription(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if user.Role != models.RoleSuperAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "only a super admin can extend the subscription"})
		return
	}
	var req ExtendRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	state, err := h.subscription.Extend(c.Request.Context(), user, req.Days)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, state)
}
