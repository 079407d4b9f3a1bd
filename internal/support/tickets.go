// Package support files and tracks help desk tickets. The last ticket list
// of each user is cached locally and served when the endpoint is unreachable.
package support

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

var (
	// ErrNotLoggedIn is returned when no user is given.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrPermissionDenied is returned when a non-admin manages a ticket.
	ErrPermissionDenied = errors.New("only administrators can manage tickets")
	// ErrTicketClosed is returned when replying to a resolved or closed ticket.
	ErrTicketClosed = errors.New("ticket is closed")
	// ErrInvalidStatus is returned for an unknown ticket status.
	ErrInvalidStatus = errors.New("invalid ticket status")
)

// ValidationError describes an invalid field of a ticket form.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Ticket types offered by the form.
const (
	TypeIssue   = "Issue"
	TypeFeature = "Feature"
	TypeOther   = "Other"
)

const maxAttachmentSize = 5 << 20

// Filter narrows a ticket list.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterOpen   Filter = "open"
	FilterClosed Filter = "closed"
)

// Apply returns the tickets matching f.
func (f Filter) Apply(tickets []models.Ticket) []models.Ticket {
	switch Filter(strings.ToLower(string(f))) {
	case FilterOpen:
		return keep(tickets, func(t models.Ticket) bool { return t.Status.Active() })
	case FilterClosed:
		return keep(tickets, func(t models.Ticket) bool { return !t.Status.Active() })
	default:
		return tickets
	}
}

func keep(tickets []models.Ticket, fn func(models.Ticket) bool) []models.Ticket {
	out := make([]models.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if fn(t) {
			out = append(out, t)
		}
	}
	return out
}

// Counts returns how many tickets are open and how many are closed.
func Counts(tickets []models.Ticket) (open, closed int) {
	for _, t := range tickets {
		if t.Status.Active() {
			open++
		} else {
			closed++
		}
	}
	return open, closed
}

// Remote is the subset of the endpoint client used for tickets.
type Remote interface {
	SubmitTicket(ctx context.Context, t remote.NewTicket) (string, error)
	GetTickets(ctx context.Context, email string, role models.Role) ([]models.Ticket, error)
	UpdateTicket(ctx context.Context, ticketID string, u remote.TicketUpdate) error
	GetUsers(ctx context.Context) ([]models.User, error)
}

// Input is the new ticket form.
type Input struct {
	Type        string                `json:"type"`
	Subject     string                `json:"subject"`
	Description string                `json:"description"`
	Priority    models.TicketPriority `json:"priority"`
	Attachment  string                `json:"attachment,omitempty"`
}

// ListResult is a ticket list and where it came from.
type ListResult struct {
	Tickets   []models.Ticket `json:"tickets"`
	FromCache bool            `json:"fromCache"`
	Open      int             `json:"open"`
	Closed    int             `json:"closed"`
}

// Service files and tracks tickets.
type Service struct {
	remote Remote
	kv     store.KV
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a ticket service.
func NewService(r Remote, kv store.KV, logger zerolog.Logger) *Service {
	return &Service{
		remote: r,
		kv:     kv,
		now:    time.Now,
		logger: logger.With().Str("component", "support").Logger(),
	}
}

// Submit files a ticket for user and adds it to the cached list.
func (s *Service) Submit(ctx context.Context, user *models.User, in Input) (models.Ticket, error) {
	if user == nil {
		return models.Ticket{}, ErrNotLoggedIn
	}
	in, err := normalizeInput(in)
	if err != nil {
		return models.Ticket{}, err
	}

	name := user.Name
	if name == "" {
		name = "Anonymous"
	}
	id, err := s.remote.SubmitTicket(ctx, remote.NewTicket{
		Type:        in.Type,
		Subject:     in.Subject,
		Description: in.Description,
		Priority:    in.Priority,
		User:        name,
		Email:       user.Key(),
		Role:        user.Role,
		Attachment:  in.Attachment,
	})
	if err != nil {
		return models.Ticket{}, fmt.Errorf("submit ticket: %w", err)
	}

	t := models.Ticket{
		ID:          id,
		Type:        in.Type,
		Subject:     in.Subject,
		Description: in.Description,
		Priority:    in.Priority,
		User:        name,
		Email:       user.Key(),
		Role:        string(user.Role),
		Timestamp:   s.now(),
		Status:      models.TicketOpen,
		Comments:    []models.TicketComment{},
		Attachment:  in.Attachment,
	}
	cached := s.Cached(ctx, user)
	s.save(ctx, user, append([]models.Ticket{t}, cached...))

	s.logger.Info().Str("ticket", id).Str("user", user.Key()).Str("priority", string(in.Priority)).Msg("ticket submitted")
	return t, nil
}

// List fetches the tickets visible to user. When the endpoint cannot be
// reached the cached list is returned instead, if there is one.
func (s *Service) List(ctx context.Context, user *models.User, f Filter) (ListResult, error) {
	if user == nil {
		return ListResult{}, ErrNotLoggedIn
	}

	tickets, err := s.remote.GetTickets(ctx, user.Key(), user.Role)
	fromCache := false
	if err != nil {
		var cached []models.Ticket
		if !store.LoadJSON(ctx, s.kv, store.SupportTicketsKey(user.Key()), &cached, s.logger) {
			return ListResult{}, fmt.Errorf("list tickets: %w", err)
		}
		s.logger.Warn().Err(err).Msg("serving cached tickets")
		tickets, fromCache = cached, true
	} else {
		sortNewestFirst(tickets)
		s.save(ctx, user, tickets)
	}

	open, closed := Counts(tickets)
	return ListResult{
		Tickets:   f.Apply(tickets),
		FromCache: fromCache,
		Open:      open,
		Closed:    closed,
	}, nil
}

// Cached returns the cached ticket list of user without a network call.
func (s *Service) Cached(ctx context.Context, user *models.User) []models.Ticket {
	var cached []models.Ticket
	store.LoadJSON(ctx, s.kv, store.SupportTicketsKey(user.Key()), &cached, s.logger)
	return cached
}

// SetStatus changes a ticket's status. Admins only.
func (s *Service) SetStatus(ctx context.Context, actor *models.User, id string, status models.TicketStatus) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	switch status {
	case models.TicketOpen, models.TicketInProgress, models.TicketResolved, models.TicketClosed:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := s.remote.UpdateTicket(ctx, id, remote.TicketUpdate{Status: status}); err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	s.patch(ctx, actor, id, func(t *models.Ticket) { t.Status = status })
	return nil
}

// Assign hands a ticket to an agent. Admins only.
func (s *Service) Assign(ctx context.Context, actor *models.User, id, agent string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return &ValidationError{Field: "assignedTo", Message: "is required"}
	}
	if err := s.remote.UpdateTicket(ctx, id, remote.TicketUpdate{AssignedTo: agent}); err != nil {
		return fmt.Errorf("assign ticket: %w", err)
	}
	s.patch(ctx, actor, id, func(t *models.Ticket) { t.AssignedTo = agent })
	return nil
}

// Reply appends a comment from actor. Closed tickets take no replies.
func (s *Service) Reply(ctx context.Context, actor *models.User, id, message string) (models.TicketComment, error) {
	if actor == nil {
		return models.TicketComment{}, ErrNotLoggedIn
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return models.TicketComment{}, &ValidationError{Field: "message", Message: "is required"}
	}
	for _, t := range s.Cached(ctx, actor) {
		if t.ID == id && !t.Status.Active() {
			return models.TicketComment{}, ErrTicketClosed
		}
	}

	c := models.TicketComment{
		User:      actor.Name,
		Role:      string(actor.Role),
		Message:   message,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.remote.UpdateTicket(ctx, id, remote.TicketUpdate{Comment: &c}); err != nil {
		return models.TicketComment{}, fmt.Errorf("reply to ticket: %w", err)
	}
	s.patch(ctx, actor, id, func(t *models.Ticket) { t.Comments = append(t.Comments, c) })
	return c, nil
}

// Agents lists the names tickets can be assigned to. Admins only.
func (s *Service) Agents(ctx context.Context, actor *models.User) ([]string, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	users, err := s.remote.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, u := range users {
		switch u.Role {
		case models.RoleAdmin, models.RoleSuperAdmin, models.RoleInspector:
		default:
			continue
		}
		if u.Name == "" || seen[u.Name] {
			continue
		}
		seen[u.Name] = true
		out = append(out, u.Name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) patch(ctx context.Context, user *models.User, id string, fn func(*models.Ticket)) {
	cached := s.Cached(ctx, user)
	for i := range cached {
		if cached[i].ID == id {
			fn(&cached[i])
			s.save(ctx, user, cached)
			return
		}
	}
}

func (s *Service) save(ctx context.Context, user *models.User, tickets []models.Ticket) {
	if err := store.SetJSON(ctx, s.kv, store.SupportTicketsKey(user.Key()), tickets); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache tickets")
	}
}

func requireAdmin(actor *models.User) error {
	if actor == nil {
		return ErrNotLoggedIn
	}
	if !actor.Role.IsAdmin() {
		return ErrPermissionDenied
	}
	return nil
}

func sortNewestFirst(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].Timestamp.After(tickets[j].Timestamp)
	})
}

func normalizeInput(in Input) (Input, error) {
	in.Subject = strings.TrimSpace(in.Subject)
	in.Description = strings.TrimSpace(in.Description)
	if in.Subject == "" {
		return in, &ValidationError{Field: "subject", Message: "is required"}
	}
	if in.Description == "" {
		return in, &ValidationError{Field: "description", Message: "is required"}
	}

	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case "feature":
		in.Type = TypeFeature
	case "other":
		in.Type = TypeOther
	default:
		in.Type = TypeIssue
	}

	switch strings.ToLower(string(in.Priority)) {
	case "low":
		in.Priority = models.PriorityLow
	case "high":
		in.Priority = models.PriorityHigh
	case "critical":
		in.Priority = models.PriorityCritical
	default:
		in.Priority = models.PriorityMedium
	}

	if in.Attachment != "" {
		if !strings.HasPrefix(in.Attachment, "data:image/") {
			return in, &ValidationError{Field: "attachment", Message: "must be an image data URL"}
		}
		if len(in.Attachment) > maxAttachmentSize {
			return in, &ValidationError{Field: "attachment", Message: "is too large"}
		}
	}
	return in, nil
}
