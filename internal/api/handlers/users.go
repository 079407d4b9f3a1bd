package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// UserService manages accounts on the endpoint.
type UserService interface {
	List(ctx context.Context, actor *models.User) ([]models.User, error)
	Create(ctx context.Context, actor *models.User, in users.Input) error
	Update(ctx context.Context, actor *models.User, original string, in users.Input) error
	Delete(ctx context.Context, actor *models.User, username string) error
}

// UsersHandler handles user management endpoints.
type UsersHandler struct {
	service UserService
	logger  zerolog.Logger
}

// NewUsersHandler creates a new UsersHandler.
func NewUsersHandler(service UserService, logger zerolog.Logger) *UsersHandler {
	return &UsersHandler{
		service: service,
		logger:  logger.With().Str("component", "users_handler").Logger(),
	}
}

// RegisterRoutes registers user routes on the given router group. Every
// route is refused for roles that cannot manage users before the endpoint
// is contacted.
func (h *UsersHandler) RegisterRoutes(r *gin.RouterGroup) {
	u := r.Group("/users", requireUserManager)
	{
		u.GET("", h.List)
		u.POST("", h.Create)
		u.PUT("/:username", h.Update)
		u.DELETE("/:username", h.Delete)
	}
}

func requireUserManager(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if !user.Role.CanManageUsers() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": users.ErrPermissionDenied.Error()})
		return
	}
	c.Next()
}

// List returns the users visible to the caller.
// GET /api/v1/users
func (h *UsersHandler) List(c *gin.Context) {
	list, err := h.service.List(c.Request.Context(), middleware.GetUser(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if list == nil {
		list = []models.User{}
	}
	c.JSON(http.StatusOK, gin.H{"users": list})
}

// Create registers a new user.
// POST /api/v1/users
func (h *UsersHandler) Create(c *gin.Context) {
	var req users.Input
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.Create(c.Request.Context(), middleware.GetUser(c), req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"username": users.NormalizeUsername(req.Username)})
}

// Update modifies an existing user.
// PUT /api/v1/users/:username
func (h *UsersHandler) Update(c *gin.Context) {
	var req users.Input
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.Update(c.Request.Context(), middleware.GetUser(c), c.Param("username"), req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"username": users.NormalizeUsername(req.Username)})
}

// Delete removes a user.
// DELETE /api/v1/users/:username
func (h *UsersHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), middleware.GetUser(c), c.Param("username")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
