package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StorePinger checks the local store.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// ReachabilityReporter reports whether the endpoint answered the last health check.
type ReachabilityReporter interface {
	IsServerReachable() bool
}

// HealthHandler reports the health of the client.
type HealthHandler struct {
	store     StorePinger
	endpoint  ReachabilityReporter
	version   string
	startedAt time.Time
	logger    zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store StorePinger, endpoint ReachabilityReporter, version string, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		store:     store,
		endpoint:  endpoint,
		version:   version,
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers routes that don't require authentication.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	Store          string `json:"store"`
	EndpointOnline bool   `json:"endpointOnline"`
	StoreError     string `json:"storeError,omitempty"`
}

// Health reports the local store and endpoint reachability. An unreachable
// endpoint is normal offline operation and keeps the status healthy.
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		Uptime:         time.Since(h.startedAt).Round(time.Second).String(),
		Store:          "ok",
		EndpointOnline: h.endpoint.IsServerReachable(),
	}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("store health check failed")
		resp.Status = "unhealthy"
		resp.Store = "error"
		resp.StoreError = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// PushHub upgrades WebSocket connections for a user's notification feed.
type PushHub interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request, username string)
}

// WebSocketHandler serves the push channel.
type WebSocketHandler struct {
	hub PushHub
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(hub PushHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// Serve attaches the caller to the push feed.
// GET /ws
func (h *WebSocketHandler) Serve(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request, user.Key())
}
