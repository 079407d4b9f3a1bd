package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/requests"
	"github.com/MacJediWizard/fleetcheck/internal/support"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TicketService files and manages support tickets.
type TicketService interface {
	Submit(ctx context.Context, user *models.User, in support.Input) (models.Ticket, error)
	List(ctx context.Context, user *models.User, f support.Filter) (support.ListResult, error)
	SetStatus(ctx context.Context, actor *models.User, id string, status models.TicketStatus) error
	Assign(ctx context.Context, actor *models.User, id, agent string) error
	Reply(ctx context.Context, actor *models.User, id, message string) (models.TicketComment, error)
	Agents(ctx context.Context, actor *models.User) ([]string, error)
}

// TicketsHandler handles support ticket endpoints.
type TicketsHandler struct {
	service TicketService
	logger  zerolog.Logger
}

// NewTicketsHandler creates a new TicketsHandler.
func NewTicketsHandler(service TicketService, logger zerolog.Logger) *TicketsHandler {
	return &TicketsHandler{
		service: service,
		logger:  logger.With().Str("component", "tickets_handler").Logger(),
	}
}

// RegisterRoutes registers ticket routes on the given router group.
func (h *TicketsHandler) RegisterRoutes(r *gin.RouterGroup) {
	t := r.Group("/tickets")
	{
		t.GET("", h.List)
		t.POST("", h.Create)
		t.GET("/agents", h.Agents)
		t.PATCH("/:id", h.Update)
	}
}

// List returns the caller's tickets. ?filter=open|closed narrows the list.
// GET /api/v1/tickets
func (h *TicketsHandler) List(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	res, err := h.service.List(c.Request.Context(), user, support.Filter(c.DefaultQuery("filter", string(support.FilterAll))))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if res.Tickets == nil {
		res.Tickets = []models.Ticket{}
	}
	c.JSON(http.StatusOK, res)
}

// Create files a new ticket.
// POST /api/v1/tickets
func (h *TicketsHandler) Create(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	var req support.Input
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := h.service.Submit(c.Request.Context(), user, req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// UpdateTicketRequest changes a ticket. Every field is optional.
type UpdateTicketRequest struct {
	Status     models.TicketStatus `json:"status,omitempty"`
	AssignedTo string              `json:"assignedTo,omitempty"`
	Comment    string              `json:"comment,omitempty"`
}

// Update changes status, assignment or adds a reply. Status and assignment
// are admin only; anyone on the ticket may reply.
// PATCH /api/v1/tickets/:id
func (h *TicketsHandler) Update(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	var req UpdateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if (req.Status != "" || req.AssignedTo != "") && !user.Role.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "only administrators can manage tickets"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	resp := gin.H{"ticketId": id}

	if req.Status != "" {
		if err := h.service.SetStatus(ctx, user, id, req.Status); err != nil {
			respondError(c, h.logger, err)
			return
		}
		resp["status"] = req.Status
	}
	if req.AssignedTo != "" {
		if err := h.service.Assign(ctx, user, id, req.AssignedTo); err != nil {
			respondError(c, h.logger, err)
			return
		}
		resp["assignedTo"] = req.AssignedTo
	}
	if req.Comment != "" {
		comment, err := h.service.Reply(ctx, user, id, req.Comment)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		resp["comment"] = comment
	}
	c.JSON(http.StatusOK, resp)
}

// Agents lists who tickets can be assigned to. Admins only.
// GET /api/v1/tickets/agents
func (h *TicketsHandler) Agents(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	agents, err := h.service.Agents(c.Request.Context(), user)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if agents == nil {
		agents = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// RequestService raises and tracks inspection requests.
type RequestService interface {
	Request(ctx context.Context, user *models.User, in requests.Input) error
	Track(ctx context.Context, user *models.User) (requests.Tracking, error)
}

// RequestsHandler handles inspection request endpoints.
type RequestsHandler struct {
	service RequestService
	logger  zerolog.Logger
}

// NewRequestsHandler creates a new RequestsHandler.
func NewRequestsHandler(service RequestService, logger zerolog.Logger) *RequestsHandler {
	return &RequestsHandler{
		service: service,
		logger:  logger.With().Str("component", "requests_handler").Logger(),
	}
}

// RegisterRoutes registers request routes on the given router group.
func (h *RequestsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/requests", h.Track)
	r.POST("/requests", h.Create)
}

// Create raises an inspection request.
// POST /api/v1/requests
func (h *RequestsHandler) Create(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	if !user.Role.CanRequestInspection() {
		c.JSON(http.StatusForbidden, gin.H{"error": requests.ErrPermissionDenied.Error()})
		return
	}
	var req requests.Input
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.service.Request(c.Request.Context(), user, req); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "inspection requested"})
}

// Track lists the requests visible to the caller.
// GET /api/v1/requests
func (h *RequestsHandler) Track(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	res, err := h.service.Track(c.Request.Context(), user)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
