package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/cache"
	"github.com/MacJediWizard/fleetcheck/internal/inspection"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HistorySource lists submitted records through the local cache.
type HistorySource interface {
	List(ctx context.Context, user *models.User, module models.Module) (cache.Result[[]models.InspectionRecord], error)
	Refresh(ctx context.Context, user *models.User, module models.Module, force bool) (cache.Result[[]models.InspectionRecord], error)
	ValidationLists(ctx context.Context) models.ValidationLists
}

// DraftStore keeps one in-progress record per user and module.
type DraftStore interface {
	Save(ctx context.Context, user *models.User, rec models.InspectionRecord) error
	Load(ctx context.Context, user *models.User, module models.Module) (*models.InspectionRecord, bool)
	Clear(ctx context.Context, user *models.User, module models.Module) error
}

// InspectionSubmitter delivers records or queues them.
type InspectionSubmitter interface {
	Submit(ctx context.Context, req inspection.Request) (*inspection.Result, error)
}

// InspectionsHandler handles history, draft and submission endpoints.
type InspectionsHandler struct {
	history   HistorySource
	drafts    DraftStore
	submitter InspectionSubmitter
	sub       SubscriptionSource
	logger    zerolog.Logger
}

// NewInspectionsHandler creates a new InspectionsHandler.
func NewInspectionsHandler(history HistorySource, drafts DraftStore, submitter InspectionSubmitter, sub SubscriptionSource, logger zerolog.Logger) *InspectionsHandler {
	return &InspectionsHandler{
		history:   history,
		drafts:    drafts,
		submitter: submitter,
		sub:       sub,
		logger:    logger.With().Str("component", "inspections_handler").Logger(),
	}
}

// RegisterRoutes registers inspection routes on the given router group.
func (h *InspectionsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/history/:module", h.History)
	r.GET("/validation", h.Validation)

	drafts := r.Group("/drafts")
	{
		drafts.GET("/:module", h.GetDraft)
		drafts.PUT("/:module", h.SaveDraft)
		drafts.DELETE("/:module", h.DeleteDraft)
	}

	r.POST("/inspections/:module", h.Submit)
}

func (h *InspectionsHandler) module(c *gin.Context) (models.Module, bool) {
	m, err := models.ParseModule(c.Param("module"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return m, true
}

// HistoryResponse is a module's history with summary stats.
type HistoryResponse struct {
	Module    models.Module             `json:"module"`
	Records   []models.InspectionRecord `json:"records"`
	Stats     inspection.Stats          `json:"stats"`
	FetchedAt time.Time                 `json:"fetchedAt"`
	Stale     bool                      `json:"stale"`
}

// History returns the cached history of a module, refreshing it in the
// background when stale. ?refresh=true forces a synchronous reload.
// GET /api/v1/history/:module
func (h *InspectionsHandler) History(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	module, ok := h.module(c)
	if !ok {
		return
	}

	var (
		res cache.Result[[]models.InspectionRecord]
		err error
	)
	if c.Query("refresh") == "true" {
		res, err = h.history.Refresh(c.Request.Context(), user, module, true)
	} else {
		res, err = h.history.List(c.Request.Context(), user, module)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	records := res.Data
	if records == nil {
		records = []models.InspectionRecord{}
	}
	c.JSON(http.StatusOK, HistoryResponse{
		Module:    module,
		Records:   records,
		Stats:     inspection.ComputeStats(records),
		FetchedAt: res.FetchedAt,
		Stale:     res.Stale,
	})
}

// Validation returns the fleet lists used to validate forms.
// GET /api/v1/validation
func (h *InspectionsHandler) Validation(c *gin.Context) {
	c.JSON(http.StatusOK, h.history.ValidationLists(c.Request.Context()))
}

// GetDraft returns the saved draft of a module.
// GET /api/v1/drafts/:module
func (h *InspectionsHandler) GetDraft(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	module, ok := h.module(c)
	if !ok {
		return
	}
	rec, found := h.drafts.Load(c.Request.Context(), user, module)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no draft"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// SaveDraft overwrites the draft of a module.
// PUT /api/v1/drafts/:module
func (h *InspectionsHandler) SaveDraft(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	module, ok := h.module(c)
	if !ok {
		return
	}
	var rec models.InspectionRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		badRequest(c, err)
		return
	}
	rec.Module = module
	if err := h.drafts.Save(c.Request.Context(), user, rec); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// DeleteDraft discards the draft of a module.
// DELETE /api/v1/drafts/:module
func (h *InspectionsHandler) DeleteDraft(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	module, ok := h.module(c)
	if !ok {
		return
	}
	if err := h.drafts.Clear(c.Request.Context(), user, module); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Submit sends an inspection record. An unreachable endpoint queues the
// record and still answers 202 with status offline_saved.
// POST /api/v1/inspections/:module
func (h *InspectionsHandler) Submit(c *gin.Context) {
	user := middleware.RequireUser(c)
	if user == nil {
		return
	}
	module, ok := h.module(c)
	if !ok {
		return
	}
	var rec models.InspectionRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		badRequest(c, err)
		return
	}
	rec.Module = module

	res, err := h.submitter.Submit(c.Request.Context(), inspection.Request{
		User:         user,
		Record:       rec,
		Subscription: h.sub.State(),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusCreated
	if res.Status == inspection.StatusOfflineSaved {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}
