package support

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	tickets   []models.Ticket
	users     []models.User
	err       error
	submitted []remote.NewTicket
	updates   map[string][]remote.TicketUpdate
}

func (f *fakeRemote) SubmitTicket(ctx context.Context, t remote.NewTicket) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, t)
	return "TCK-100", nil
}

func (f *fakeRemote) GetTickets(ctx context.Context, email string, role models.Role) ([]models.Ticket, error) {
	return f.tickets, f.err
}

func (f *fakeRemote) UpdateTicket(ctx context.Context, id string, u remote.TicketUpdate) error {
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = make(map[string][]remote.TicketUpdate)
	}
	f.updates[id] = append(f.updates[id], u)
	return nil
}

func (f *fakeRemote) GetUsers(ctx context.Context) ([]models.User, error) {
	return f.users, f.err
}

var (
	now   = time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)
	jane  = &models.User{Username: "Jane@Fleet.co", Name: "Jane", Role: models.RoleInspector}
	admin = &models.User{Username: "admin@fleet.co", Name: "Ann", Role: models.RoleAdmin}
)

func newTestService(r *fakeRemote) (*Service, store.KV) {
	kv := store.NewMemoryStore()
	s := NewService(r, kv, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s, kv
}

func sampleTickets() []models.Ticket {
	return []models.Ticket{
		{ID: "TCK-1", Subject: "old", Status: models.TicketClosed, Timestamp: now.Add(-48 * time.Hour)},
		{ID: "TCK-2", Subject: "new", Status: models.TicketOpen, Timestamp: now.Add(-time.Hour)},
		{ID: "TCK-3", Subject: "mid", Status: models.TicketInProgress, Timestamp: now.Add(-24 * time.Hour)},
	}
}

func TestSubmit(t *testing.T) {
	r := &fakeRemote{}
	s, _ := newTestService(r)
	ctx := context.Background()

	tk, err := s.Submit(ctx, jane, Input{Subject: " Printer ", Description: "jammed", Priority: "high", Type: "feature"})
	require.NoError(t, err)
	assert.Equal(t, "TCK-100", tk.ID)
	assert.Equal(t, models.TicketOpen, tk.Status)
	assert.Equal(t, models.PriorityHigh, tk.Priority)
	assert.Equal(t, TypeFeature, tk.Type)

	require.Len(t, r.submitted, 1)
	assert.Equal(t, "jane@fleet.co", r.submitted[0].Email)
	assert.Equal(t, "Printer", r.submitted[0].Subject)

	cached := s.Cached(ctx, jane)
	require.Len(t, cached, 1)
	assert.Equal(t, "TCK-100", cached[0].ID)
}

func TestSubmitValidation(t *testing.T) {
	s, _ := newTestService(&fakeRemote{})
	tests := []struct {
		name  string
		in    Input
		field string
	}{
		{"missing subject", Input{Description: "x"}, "subject"},
		{"missing description", Input{Subject: "x"}, "description"},
		{"bad attachment", Input{Subject: "x", Description: "y", Attachment: "http://img"}, "attachment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), jane, tt.in)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := s.Submit(context.Background(), nil, Input{Subject: "x", Description: "y"})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestListFallsBackToCache(t *testing.T) {
	r := &fakeRemote{tickets: sampleTickets()}
	s, _ := newTestService(r)
	ctx := context.Background()

	res, err := s.List(ctx, jane, FilterAll)
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, []string{"TCK-2", "TCK-3", "TCK-1"}, ticketIDs(res.Tickets))
	assert.Equal(t, 2, res.Open)
	assert.Equal(t, 1, res.Closed)

	r.err = remote.ErrNetwork
	res, err = s.List(ctx, jane, FilterOpen)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, []string{"TCK-2", "TCK-3"}, ticketIDs(res.Tickets))

	// Another user has no cache to fall back on.
	_, err = s.List(ctx, admin, FilterAll)
	assert.ErrorIs(t, err, remote.ErrNetwork)
}

func TestSetStatusAndAssign(t *testing.T) {
	r := &fakeRemote{tickets: sampleTickets()}
	s, _ := newTestService(r)
	ctx := context.Background()
	_, err := s.List(ctx, admin, FilterAll)
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetStatus(ctx, jane, "TCK-2", models.TicketResolved), ErrPermissionDenied)
	assert.ErrorIs(t, s.SetStatus(ctx, admin, "TCK-2", "Bogus"), ErrInvalidStatus)
	assert.Empty(t, r.updates)

	require.NoError(t, s.SetStatus(ctx, admin, "TCK-2", models.TicketResolved))
	require.NoError(t, s.Assign(ctx, admin, "TCK-3", "Jane"))

	byID := map[string]models.Ticket{}
	for _, tk := range s.Cached(ctx, admin) {
		byID[tk.ID] = tk
	}
	assert.Equal(t, models.TicketResolved, byID["TCK-2"].Status)
	assert.Equal(t, "Jane", byID["TCK-3"].AssignedTo)
}

func TestReply(t *testing.T) {
	r := &fakeRemote{tickets: sampleTickets()}
	s, _ := newTestService(r)
	ctx := context.Background()
	_, err := s.List(ctx, jane, FilterAll)
	require.NoError(t, err)

	_, err = s.Reply(ctx, jane, "TCK-1", "hello?")
	assert.ErrorIs(t, err, ErrTicketClosed)

	c, err := s.Reply(ctx, jane, "TCK-2", " any update? ")
	require.NoError(t, err)
	assert.Equal(t, "any update?", c.Message)
	assert.Equal(t, "Jane", c.User)
	require.Len(t, r.updates["TCK-2"], 1)
	assert.Equal(t, "any update?", r.updates["TCK-2"][0].Comment.Message)

	for _, tk := range s.Cached(ctx, jane) {
		if tk.ID == "TCK-2" {
			assert.Len(t, tk.Comments, 1)
		}
	}
}

func TestAgents(t *testing.T) {
	r := &fakeRemote{users: []models.User{
		{Name: "Zed", Role: models.RoleInspector},
		{Name: "Ann", Role: models.RoleAdmin},
		{Name: "Ann", Role: models.RoleAdmin},
		{Name: "Ops", Role: models.RoleOperations},
		{Name: "", Role: models.RoleInspector},
	}}
	s, _ := newTestService(r)

	agents, err := s.Agents(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann", "Zed"}, agents)

	_, err = s.Agents(context.Background(), jane)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func ticketIDs(tickets []models.Ticket) []string {
	out := make([]string, len(tickets))
	for i, t := range tickets {
		out[i] = t.ID
	}
	return out
}
