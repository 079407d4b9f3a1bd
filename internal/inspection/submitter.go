package inspection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/metrics"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/rs/zerolog"
)

var (
	// ErrSubscriptionLocked is returned when an expired licence blocks submission.
	ErrSubscriptionLocked = errors.New("subscription expired, submissions are locked")
	// ErrMaintenance is returned when maintenance mode blocks a non-admin.
	ErrMaintenance = errors.New("system is in maintenance mode")
	// ErrViewOnly is returned for roles that may not submit inspections.
	ErrViewOnly = errors.New("access denied: view only account")
	// ErrNotLoggedIn is returned when no user is given.
	ErrNotLoggedIn = errors.New("not logged in")
)

// Status is the outcome of a submission.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusOfflineSaved Status = "offline_saved"
)

// User-facing outcome messages.
const (
	MsgSubmitted     = "Inspection Submitted & Email Sent!"
	MsgFulfilled     = "Request Fulfilled & Report Submitted!"
	MsgOfflineSaved  = "Offline Mode: Report Saved. Will sync when online."
	MsgSlowNetwork   = "Slow Network detected. Saved to offline queue."
	MsgNetworkQueued = "Network Error. Report queued for auto-sync."
)

// Result describes what happened to a submission.
type Result struct {
	Status  Status `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	// Cause is the delivery error that sent the record to the queue.
	Cause error `json:"-"`
}

// Sender delivers payloads to the endpoint.
type Sender interface {
	Endpoint() string
	Submit(ctx context.Context, payload json.RawMessage) error
}

// Queue holds payloads that could not be delivered.
type Queue interface {
	Online(ctx context.Context) bool
	Enqueue(ctx context.Context, payload json.RawMessage) (*models.QueuedSubmission, error)
}

// Settings exposes the system settings used while submitting.
type Settings interface {
	System() models.SystemSettings
	MaintenanceBlocks(role models.Role) bool
}

// SubmittedHook runs after a record reached the endpoint.
type SubmittedHook func(ctx context.Context, user *models.User, module models.Module)

// Request is a single submission.
type Request struct {
	User   *models.User
	Record models.InspectionRecord
	// Subscription is the licence state the caller evaluated.
	Subscription subscription.State
}

// Submitter sends inspection records, falling back to the offline queue.
type Submitter struct {
	sender   Sender
	queue    Queue
	settings Settings
	drafts   *Drafts
	now      func() time.Time
	metrics  *metrics.PrometheusMetrics
	logger   zerolog.Logger

	mu    sync.Mutex
	hooks []SubmittedHook
}

// NewSubmitter creates a submitter.
func NewSubmitter(sender Sender, q Queue, settings Settings, drafts *Drafts, logger zerolog.Logger) *Submitter {
	return &Submitter{
		sender:   sender,
		queue:    q,
		settings: settings,
		drafts:   drafts,
		now:      time.Now,
		logger:   logger.With().Str("component", "submitter").Logger(),
	}
}

// SetMetrics attaches Prometheus collectors.
func (s *Submitter) SetMetrics(m *metrics.PrometheusMetrics) {
	s.metrics = m
}

// OnSubmitted registers a hook run after a successful delivery.
func (s *Submitter) OnSubmitted(fn SubmittedHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// CanSubmit reports whether role may submit inspections.
func CanSubmit(role models.Role) bool {
	switch role {
	case models.RoleAdmin, models.RoleSuperAdmin, models.RoleInspector:
		return true
	}
	return false
}

// Submit delivers a record. When the endpoint is unreachable, or delivery
// fails, the payload is queued and the draft cleared; the result then carries
// StatusOfflineSaved and no error.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Result, error) {
	module := req.Record.Module
	if module == "" {
		module = models.ModuleGeneral
		req.Record.Module = module
	}

	if err := s.check(req); err != nil {
		if errors.Is(err, ErrSubscriptionLocked) {
			s.metrics.RecordSubmission(string(module), metrics.OutcomeLocked)
		}
		return nil, err
	}
	if s.sender.Endpoint() == "" {
		return nil, remote.ErrNotConfigured
	}

	sub := BuildSubmission(req.Record, s.settings.System(), s.now())
	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal submission: %w", err)
	}

	log := s.logger.With().
		Str("id", sub.ID).
		Str("module", string(module)).
		Str("user", req.User.Username).
		Logger()

	if !s.queue.Online(ctx) {
		if err := s.enqueue(ctx, req, payload); err != nil {
			return nil, err
		}
		log.Info().Msg("endpoint offline, submission queued")
		return &Result{Status: StatusOfflineSaved, ID: sub.ID, Message: MsgOfflineSaved}, nil
	}

	if err := s.sender.Submit(ctx, payload); err != nil {
		if qerr := s.enqueue(ctx, req, payload); qerr != nil {
			return nil, fmt.Errorf("submit failed (%v) and could not be queued: %w", err, qerr)
		}
		msg := MsgNetworkQueued
		if errors.Is(err, remote.ErrTimeout) {
			msg = MsgSlowNetwork
		}
		log.Warn().Err(err).Msg("submission failed, queued for auto-sync")
		return &Result{Status: StatusOfflineSaved, ID: sub.ID, Message: msg, Cause: err}, nil
	}

	s.clearDraft(ctx, req)
	s.metrics.RecordSubmission(string(module), metrics.OutcomeSuccess)
	log.Info().Str("request_id", sub.RequestID).Msg("inspection submitted")

	s.mu.Lock()
	hooks := append([]SubmittedHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ctx, req.User, module)
	}

	msg := MsgSubmitted
	if sub.RequestID != "" {
		msg = MsgFulfilled
	}
	return &Result{Status: StatusSuccess, ID: sub.ID, Message: msg}, nil
}

func (s *Submitter) check(req Request) error {
	if req.User == nil {
		return ErrNotLoggedIn
	}
	if !CanSubmit(req.User.Role) {
		return ErrViewOnly
	}
	if req.Subscription.IsLocked(req.User.Role) {
		return ErrSubscriptionLocked
	}
	if s.settings.MaintenanceBlocks(req.User.Role) {
		return ErrMaintenance
	}
	return nil
}

func (s *Submitter) enqueue(ctx context.Context, req Request, payload json.RawMessage) error {
	if _, err := s.queue.Enqueue(ctx, payload); err != nil {
		s.metrics.RecordSubmission(string(req.Record.Module), metrics.OutcomeFailed)
		return fmt.Errorf("queue submission: %w", err)
	}
	s.clearDraft(ctx, req)
	s.metrics.RecordSubmission(string(req.Record.Module), metrics.OutcomeQueued)
	return nil
}

func (s *Submitter) clearDraft(ctx context.Context, req Request) {
	if s.drafts == nil {
		return
	}
	if err := s.drafts.Clear(ctx, req.User, req.Record.Module); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear draft")
	}
}
