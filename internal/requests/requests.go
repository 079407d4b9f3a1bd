// Package requests raises inspection requests and tracks their progress.
// Inspectors fulfil a request by submitting an inspection that carries the
// request id.
package requests

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/rs/zerolog"
)

var (
	// ErrNotLoggedIn is returned when no user is given.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrPermissionDenied is returned when the role may not request inspections.
	ErrPermissionDenied = errors.New("your role cannot request inspections")
)

// ValidationError describes an invalid field of a request form.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Types is the set of inspection types that can be requested.
var Types = []string{"General", "Petroleum", "Petroleum_V2", "Acid"}

// Priorities is the set of request priorities, lowest first.
var Priorities = []models.TicketPriority{
	models.PriorityNormal,
	models.PriorityUrgent,
	models.PrioritySafetyConcern,
}

// Remote is the subset of the endpoint client used for requests.
type Remote interface {
	RequestInspection(ctx context.Context, r remote.NewInspectionRequest) error
	Snapshot(ctx context.Context) (*remote.Snapshot, error)
}

// ListsSource provides the fleet validation lists.
type ListsSource interface {
	ValidationLists(ctx context.Context) models.ValidationLists
}

// Input is the request form.
type Input struct {
	TruckNo           string                `json:"truckNo"`
	TrailerNo         string                `json:"trailerNo,omitempty"`
	Type              string                `json:"type"`
	Priority          models.TicketPriority `json:"priority,omitempty"`
	Reason            string                `json:"reason"`
	AssignedInspector string                `json:"assignedInspector,omitempty"`
}

// Tracking is the request list shown to a user.
type Tracking struct {
	Requests  []models.InspectionRequest `json:"requests"`
	Pending   int                        `json:"pending"`
	Completed int                        `json:"completed"`
}

// Service raises and tracks inspection requests.
type Service struct {
	remote Remote
	lists  ListsSource
	logger zerolog.Logger
}

// NewService creates a request service. lists may be nil, in which case
// truck numbers are not checked against the fleet.
func NewService(r Remote, lists ListsSource, logger zerolog.Logger) *Service {
	return &Service{
		remote: r,
		lists:  lists,
		logger: logger.With().Str("component", "requests").Logger(),
	}
}

// Request raises an inspection request on behalf of user. The endpoint
// notifies inspectors with a start_inspection action.
func (s *Service) Request(ctx context.Context, user *models.User, in Input) error {
	if user == nil {
		return ErrNotLoggedIn
	}
	if !user.Role.CanRequestInspection() {
		return ErrPermissionDenied
	}
	in, err := s.normalize(ctx, in)
	if err != nil {
		return err
	}

	requester := user.Name
	if requester == "" {
		requester = user.Key()
	}
	err = s.remote.RequestInspection(ctx, remote.NewInspectionRequest{
		Requester:         requester,
		Role:              user.Role,
		TruckNo:           in.TruckNo,
		TrailerNo:         in.TrailerNo,
		Type:              in.Type,
		Reason:            in.Reason,
		Priority:          in.Priority,
		AssignedInspector: in.AssignedInspector,
	})
	if err != nil {
		return fmt.Errorf("request inspection: %w", err)
	}
	s.logger.Info().
		Str("user", user.Key()).
		Str("truck", in.TruckNo).
		Str("type", in.Type).
		Str("priority", string(in.Priority)).
		Msg("inspection requested")
	return nil
}

// Track lists the requests visible to user, newest first. Admins see every
// request; everyone else sees their own.
func (s *Service) Track(ctx context.Context, user *models.User) (Tracking, error) {
	if user == nil {
		return Tracking{}, ErrNotLoggedIn
	}
	snap, err := s.remote.Snapshot(ctx)
	if err != nil {
		return Tracking{}, fmt.Errorf("track requests: %w", err)
	}

	out := Tracking{Requests: []models.InspectionRequest{}}
	for _, r := range snap.Requests {
		if !user.Role.IsAdmin() && !strings.EqualFold(r.Requester, user.Name) {
			continue
		}
		out.Requests = append(out.Requests, r)
		if r.Status == models.RequestCompleted {
			out.Completed++
		} else {
			out.Pending++
		}
	}
	sort.SliceStable(out.Requests, func(i, j int) bool {
		return out.Requests[i].Timestamp.After(out.Requests[j].Timestamp)
	})
	return out, nil
}

func (s *Service) normalize(ctx context.Context, in Input) (Input, error) {
	in.TruckNo = strings.ToUpper(strings.TrimSpace(in.TruckNo))
	in.TrailerNo = strings.ToUpper(strings.TrimSpace(in.TrailerNo))
	in.Reason = strings.TrimSpace(in.Reason)
	in.AssignedInspector = strings.TrimSpace(in.AssignedInspector)

	if in.TruckNo == "" {
		return in, &ValidationError{Field: "truckNo", Message: "is required"}
	}
	if in.Reason == "" {
		return in, &ValidationError{Field: "reason", Message: "is required"}
	}

	typ, ok := matchType(in.Type)
	if !ok {
		return in, &ValidationError{Field: "type", Message: fmt.Sprintf("must be one of %s", strings.Join(Types, ", "))}
	}
	in.Type = typ

	prio, ok := matchPriority(in.Priority)
	if !ok {
		return in, &ValidationError{Field: "priority", Message: "is not a valid priority"}
	}
	in.Priority = prio

	if s.lists != nil {
		trucks := s.lists.ValidationLists(ctx).Trucks
		if len(trucks) > 0 && !containsFold(trucks, in.TruckNo) {
			return in, &ValidationError{Field: "truckNo", Message: "is not a known fleet truck"}
		}
	}
	return in, nil
}

func matchType(t string) (string, bool) {
	t = strings.TrimSpace(t)
	if t == "" {
		return Types[0], true
	}
	for _, known := range Types {
		if strings.EqualFold(known, t) {
			return known, true
		}
	}
	return "", false
}

func matchPriority(p models.TicketPriority) (models.TicketPriority, bool) {
	if strings.TrimSpace(string(p)) == "" {
		return models.PriorityNormal, true
	}
	for _, known := range Priorities {
		if strings.EqualFold(string(known), strings.TrimSpace(string(p))) {
			return known, true
		}
	}
	return "", false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}
