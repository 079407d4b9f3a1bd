package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NotificationService is the notification feed used by the handler.
type NotificationService interface {
	Fetch(ctx context.Context, user *models.User, sub subscription.State) ([]models.Notification, error)
	List(user *models.User) []models.Notification
	UnreadCount(user *models.User) int
	MarkRead(ctx context.Context, user *models.User, id string) (models.Notification, bool, error)
	Dismiss(ctx context.Context, user *models.User, id string) error
	ClearAll(ctx context.Context, user *models.User) (int, error)
	GlobalAcknowledge(ctx context.Context, user *models.User, id string) error
	Broadcast(ctx context.Context, user *models.User, message string, typ models.NotificationType, action models.Action) (string, error)
}

// SubscriptionSource provides the current licence state.
type SubscriptionSource interface {
	State() subscription.State
}

// NotificationsHandler handles notification HTTP endpoints.
type NotificationsHandler struct {
	service NotificationService
	sub     SubscriptionSource
	logger  zerolog.Logger
}

// NewNotificationsHandler creates a new NotificationsHandler.
func NewNotificationsHandler(service NotificationService, sub SubscriptionSource, logger zerolog.Logger) *NotificationsHandler {
	return &NotificationsHandler{
		service: service,
		sub:     sub,
		logger:  logger.With().Str("component", "notifications_handler").Logger(),
	}
}

// RegisterRoutes registers notification routes on the given router group.
func (h *NotificationsHandler) RegisterRoutes(r *gin.RouterGroup) {
	n := r.Group("/notifications")
	{
		n.GET("", h.List)
		n.POST("/clear", h.Clear)
		n.POST("/broadcast", h.Broadcast)
		n.POST("/:id/read", h.MarkRead)
		n.POST("/:id/dismiss", h.Dismiss)
		n.POST("/:id/ack", h.Acknowledge)
	}
}

// NotificationListResponse is the feed returned to the client.
type NotificationListResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
	// Stale is set when the endpoint could not be reached and the last
	// reconciled list is returned.
	Stale bool `json:"stale"`
}

// List fetches and reconciles the feed.
// GET /api/v1/notifications
func (h *NotificationsHandler) List(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}

	list, err := h.service.Fetch(c.Request.Context(), user, h.sub.State())
	stale := false
	if err != nil {
		h.logger.Debug().Err(err).Msg("serving last reconciled notifications")
		list, stale = h.service.List(user), true
	}
	if list == nil {
		list = []models.Notification{}
	}
	c.JSON(http.StatusOK, NotificationListResponse{
		Notifications: list,
		Unread:        h.service.UnreadCount(user),
		Stale:         stale,
	})
}

// MarkRead marks one notification read and returns it so the client can
// follow its action.
// POST /api/v1/notifications/:id/read
func (h *NotificationsHandler) MarkRead(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	n, found, err := h.service.MarkRead(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	resp := gin.H{"unread": h.service.UnreadCount(user)}
	if found {
		resp["notification"] = n
	}
	c.JSON(http.StatusOK, resp)
}

// Dismiss hides one notification for good.
// POST /api/v1/notifications/:id/dismiss
func (h *NotificationsHandler) Dismiss(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if err := h.service.Dismiss(c.Request.Context(), user, c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": h.service.UnreadCount(user)})
}

// Acknowledge resolves an inspection alert for every user.
// POST /api/v1/notifications/:id/ack
func (h *NotificationsHandler) Acknowledge(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if err := h.service.GlobalAcknowledge(c.Request.Context(), user, c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": h.service.UnreadCount(user)})
}

// Clear marks every visible notification read and dismissed.
// POST /api/v1/notifications/clear
func (h *NotificationsHandler) Clear(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	n, err := h.service.ClearAll(c.Request.Context(), user)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// BroadcastRequest is the request body for a system broadcast.
type BroadcastRequest struct {
	Message string `json:"message" binding:"required"`
	Type    string `json:"type"`
	// Action is an action link such as "view:settings".
	Action string `json:"action"`
}

// Broadcast sends a system notification to every user. Admins only.
// POST /api/v1/notifications/broadcast
func (h *NotificationsHandler) Broadcast(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if !user.Role.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only administrators can broadcast"})
		return
	}
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	action := models.NoAction
	if req.Action != "" {
		parsed, err := models.ParseActionLink(req.Action)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "action"})
			return
		}
		action = parsed
	}

	id, err := h.service.Broadcast(c.Request.Context(), user, req.Message, models.ParseNotificationType(req.Type), action)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}
