package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/session"
	"github.com/MacJediWizard/fleetcheck/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Authenticator checks credentials and updates the signed-in user's profile.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*models.User, error)
	UpdateProfile(ctx context.Context, actor *models.User, p users.ProfileUpdate) (*models.User, error)
}

// SessionManager is the local session the API binds to.
type SessionManager interface {
	Login(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	Logout(ctx context.Context) error
	Info() *session.Info
}

// CookieWriter signs and clears the session cookie.
type CookieWriter interface {
	SetUser(r *http.Request, w http.ResponseWriter, username string, at time.Time) error
	ClearUser(r *http.Request, w http.ResponseWriter) error
}

// CredentialStore remembers the last successful login on this device.
type CredentialStore interface {
	Remember(ctx context.Context, username, password string) error
	Forget(ctx context.Context) error
}

// LogoutHook runs after an explicit logout.
type LogoutHook func(ctx context.Context, user *models.User)

// SessionHandler handles login, logout and activity.
type SessionHandler struct {
	auth        Authenticator
	guard       SessionManager
	cookies     CookieWriter
	credentials CredentialStore
	onLogout    []LogoutHook
	logger      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler. credentials may be nil.
func NewSessionHandler(auth Authenticator, guard SessionManager, cookies CookieWriter, credentials CredentialStore, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		auth:        auth,
		guard:       guard,
		cookies:     cookies,
		credentials: credentials,
		logger:      logger.With().Str("component", "session_handler").Logger(),
	}
}

// OnLogout registers a hook run after an explicit logout.
func (h *SessionHandler) OnLogout(fn LogoutHook) {
	h.onLogout = append(h.onLogout, fn)
}

// RegisterPublicRoutes registers the login route. limit may be nil.
func (h *SessionHandler) RegisterPublicRoutes(r *gin.RouterGroup, limit gin.HandlerFunc) {
	handlers := []gin.HandlerFunc{h.Login}
	if limit != nil {
		handlers = append([]gin.HandlerFunc{limit}, handlers...)
	}
	r.POST("/session/login", handlers...)
}

// RegisterRoutes registers the authenticated session routes.
func (h *SessionHandler) RegisterRoutes(r *gin.RouterGroup) {
	s := r.Group("/session")
	{
		s.GET("", h.Get)
		s.POST("/logout", h.Logout)
		s.POST("/activity", h.Activity)
		s.PUT("/profile", h.UpdateProfile)
	}
}

// LoginRequest is the request body for logging in.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Remember bool   `json:"remember"`
}

// SessionResponse describes the active session.
type SessionResponse struct {
	*session.Info
	MustChangePassword bool `json:"mustChangePassword"`
}

func sessionResponse(info *session.Info) SessionResponse {
	resp := SessionResponse{Info: info}
	if info != nil && info.User != nil {
		resp.MustChangePassword = info.User.Preferences.MustChangePassword
	}
	return resp
}

// Login authenticates against the endpoint and starts a local session.
// POST /api/v1/session/login
func (h *SessionHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	user, err := h.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.guard.Login(ctx, user); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.cookies.SetUser(c.Request, c.Writer, user.Key(), time.Now()); err != nil {
		respondError(c, h.logger, err)
		return
	}

	if h.credentials != nil {
		if req.Remember {
			err = h.credentials.Remember(ctx, req.Username, req.Password)
		} else {
			err = h.credentials.Forget(ctx)
		}
		if err != nil {
			h.logger.Warn().Err(err).Msg("failed to update remembered credentials")
		}
	}

	c.JSON(http.StatusOK, sessionResponse(h.guard.Info()))
}

// Get returns the active session.
// GET /api/v1/session
func (h *SessionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, sessionResponse(h.guard.Info()))
}

// Activity records user activity. The auth middleware already touched the
// session, so this only reports the new deadlines.
// POST /api/v1/session/activity
func (h *SessionHandler) Activity(c *gin.Context) {
	c.JSON(http.StatusOK, sessionResponse(h.guard.Info()))
}

// Logout ends the session and clears user scoped data.
// POST /api/v1/session/logout
func (h *SessionHandler) Logout(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	ctx := c.Request.Context()

	if err := h.guard.Logout(ctx); err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.cookies.ClearUser(c.Request, c.Writer); err != nil {
		h.logger.Warn().Err(err).Msg("failed to clear session cookie")
	}
	for _, fn := range h.onLogout {
		fn(ctx, user)
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// UpdateProfile changes the signed-in user's own profile.
// PUT /api/v1/session/profile
func (h *SessionHandler) UpdateProfile(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	var req users.ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	updated, err := h.auth.UpdateProfile(c.Request.Context(), user, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.guard.UpdateUser(c.Request.Context(), updated); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(h.guard.Info()))
}
