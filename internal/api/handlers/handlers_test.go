package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/inspection"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/requests"
	"github.com/MacJediWizard/fleetcheck/internal/session"
	"github.com/MacJediWizard/fleetcheck/internal/settings"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/MacJediWizard/fleetcheck/internal/support"
	"github.com/MacJediWizard/fleetcheck/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	admin     = &models.User{Username: "admin@fleet.co", Name: "Ann", Role: models.RoleAdmin}
	inspector = &models.User{Username: "jane@fleet.co", Name: "Jane", Role: models.RoleInspector}
)

// newRouter returns an engine whose /api/v1 group runs as user.
func newRouter(user *models.User) (*gin.Engine, *gin.RouterGroup) {
	r := gin.New()
	g := r.Group("/api/v1", func(c *gin.Context) {
		if user != nil {
			c.Set(string(middleware.UserContextKey), user)
		}
		c.Next()
	})
	return r, g
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{users.ErrPermissionDenied, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", support.ErrPermissionDenied), http.StatusForbidden},
		{inspection.ErrSubscriptionLocked, http.StatusPaymentRequired},
		{&users.ValidationError{Field: "name"}, http.StatusBadRequest},
		{&requests.ValidationError{Field: "truckNo"}, http.StatusBadRequest},
		{fmt.Errorf("save: %w: %w", settings.ErrInvalid, settings.ErrCompanyNameRequired), http.StatusBadRequest},
		{remote.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("list: %w", remote.ErrTimeout), http.StatusGatewayTimeout},
		{remote.ErrNetwork, http.StatusBadGateway},
		{support.ErrTicketClosed, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

type fakeUsers struct{ calls int }

func (f *fakeUsers) List(ctx context.Context, actor *models.User) ([]models.User, error) {
	f.calls++
	return []models.User{*admin, *inspector}, nil
}

func (f *fakeUsers) Create(ctx context.Context, actor *models.User, in users.Input) error {
	f.calls++
	if in.Name == "" {
		return &users.ValidationError{Field: "name", Message: "is required"}
	}
	return nil
}

func (f *fakeUsers) Update(ctx context.Context, actor *models.User, original string, in users.Input) error {
	f.calls++
	return users.ErrSuperAdminOnly
}

func (f *fakeUsers) Delete(ctx context.Context, actor *models.User, username string) error {
	f.calls++
	return nil
}

func TestUsersHandler(t *testing.T) {
	t.Run("inspector refused before any call", func(t *testing.T) {
		svc := &fakeUsers{}
		r, g := newRouter(inspector)
		NewUsersHandler(svc, zerolog.Nop()).RegisterRoutes(g)

		for _, m := range []string{http.MethodGet, http.MethodPost} {
			w := do(t, r, m, "/api/v1/users", users.Input{Name: "x"})
			assert.Equal(t, http.StatusForbidden, w.Code)
		}
		assert.Zero(t, svc.calls)
	})

	t.Run("admin", func(t *testing.T) {
		svc := &fakeUsers{}
		r, g := newRouter(admin)
		NewUsersHandler(svc, zerolog.Nop()).RegisterRoutes(g)

		w := do(t, r, http.MethodGet, "/api/v1/users", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w)["users"], 2)

		w = do(t, r, http.MethodPost, "/api/v1/users", users.Input{Username: "bob@fleet.co"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "name", decode(t, w)["field"])

		w = do(t, r, http.MethodPut, "/api/v1/users/root@fleet.co", users.Input{Name: "Root"})
		assert.Equal(t, http.StatusForbidden, w.Code)

		w = do(t, r, http.MethodDelete, "/api/v1/users/jane@fleet.co", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}

type fakeSubmitter struct {
	result *inspection.Result
	err    error
	got    inspection.Request
}

func (f *fakeSubmitter) Submit(ctx context.Context, req inspection.Request) (*inspection.Result, error) {
	f.got = req
	return f.result, f.err
}

type fixedSub subscription.State

func (s fixedSub) State() subscription.State { return subscription.State(s) }

func TestSubmitInspection(t *testing.T) {
	tests := []struct {
		name       string
		result     *inspection.Result
		err        error
		wantStatus int
	}{
		{"delivered", &inspection.Result{Status: inspection.StatusSuccess, ID: "a"}, nil, http.StatusCreated},
		{"queued offline", &inspection.Result{Status: inspection.StatusOfflineSaved, ID: "b", Message: inspection.MsgOfflineSaved}, nil, http.StatusAccepted},
		{"locked", nil, inspection.ErrSubscriptionLocked, http.StatusPaymentRequired},
		{"view only", nil, inspection.ErrViewOnly, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{result: tt.result, err: tt.err}
			r, g := newRouter(inspector)
			state := fixedSub{Status: models.SubscriptionActive}
			NewInspectionsHandler(nil, nil, sub, state, zerolog.Nop()).RegisterRoutes(g)

			w := do(t, r, http.MethodPost, "/api/v1/inspections/acid", models.InspectionRecord{TruckNo: "T-1", Rate: 5})
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, models.ModuleAcid, sub.got.Record.Module)
			assert.Equal(t, inspector, sub.got.User)
		})
	}

	r, g := newRouter(inspector)
	NewInspectionsHandler(nil, nil, &fakeSubmitter{}, fixedSub{}, zerolog.Nop()).RegisterRoutes(g)
	w := do(t, r, http.MethodPost, "/api/v1/inspections/bus", models.InspectionRecord{})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeTickets struct {
	statuses []models.TicketStatus
	replies  []string
}

func (f *fakeTickets) Submit(ctx context.Context, user *models.User, in support.Input) (models.Ticket, error) {
	return models.Ticket{ID: "TCK-1", Subject: in.Subject, Status: models.TicketOpen}, nil
}

func (f *fakeTickets) List(ctx context.Context, user *models.User, filter support.Filter) (support.ListResult, error) {
	return support.ListResult{FromCache: true}, nil
}

func (f *fakeTickets) SetStatus(ctx context.Context, actor *models.User, id string, status models.TicketStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeTickets) Assign(ctx context.Context, actor *models.User, id, agent string) error {
	return nil
}

func (f *fakeTickets) Reply(ctx context.Context, actor *models.User, id, message string) (models.TicketComment, error) {
	f.replies = append(f.replies, message)
	return models.TicketComment{User: actor.Name, Message: message}, nil
}

func (f *fakeTickets) Agents(ctx context.Context, actor *models.User) ([]string, error) {
	return nil, support.ErrPermissionDenied
}

func TestTicketsHandler(t *testing.T) {
	svc := &fakeTickets{}
	r, g := newRouter(inspector)
	NewTicketsHandler(svc, zerolog.Nop()).RegisterRoutes(g)

	w := do(t, r, http.MethodGet, "/api/v1/tickets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["fromCache"])
	assert.NotNil(t, body["tickets"])

	w = do(t, r, http.MethodPost, "/api/v1/tickets", support.Input{Subject: "Printer"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = do(t, r, http.MethodPatch, "/api/v1/tickets/TCK-1", UpdateTicketRequest{Status: models.TicketClosed})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, svc.statuses)

	w = do(t, r, http.MethodPatch, "/api/v1/tickets/TCK-1", UpdateTicketRequest{Comment: "any news?"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"any news?"}, svc.replies)

	w = do(t, r, http.MethodGet, "/api/v1/tickets/agents", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type fakeRequests struct{ calls int }

func (f *fakeRequests) Request(ctx context.Context, user *models.User, in requests.Input) error {
	f.calls++
	return nil
}

func (f *fakeRequests) Track(ctx context.Context, user *models.User) (requests.Tracking, error) {
	return requests.Tracking{Requests: []models.InspectionRequest{}, Pending: 2}, nil
}

func TestRequestsHandler(t *testing.T) {
	svc := &fakeRequests{}
	r, g := newRouter(inspector)
	NewRequestsHandler(svc, zerolog.Nop()).RegisterRoutes(g)

	w := do(t, r, http.MethodPost, "/api/v1/requests", requests.Input{TruckNo: "T-1", Reason: "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Zero(t, svc.calls)

	w = do(t, r, http.MethodGet, "/api/v1/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["pending"])

	ops := &models.User{Username: "ops", Name: "Olive", Role: models.RoleOperations}
	r, g = newRouter(ops)
	NewRequestsHandler(svc, zerolog.Nop()).RegisterRoutes(g)
	w = do(t, r, http.MethodPost, "/api/v1/requests", requests.Input{TruckNo: "T-1", Reason: "x"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, svc.calls)
}

type fakeNotifications struct {
	fetchErr error
	cached   []models.Notification
}

func (f *fakeNotifications) Fetch(ctx context.Context, user *models.User, sub subscription.State) ([]models.Notification, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return []models.Notification{{ID: "fresh"}}, nil
}

func (f *fakeNotifications) List(user *models.User) []models.Notification { return f.cached }
func (f *fakeNotifications) UnreadCount(user *models.User) int          { return len(f.cached) }

func (f *fakeNotifications) MarkRead(ctx context.Context, user *models.User, id string) (models.Notification, bool, error) {
	return models.Notification{ID: id, Read: true}, true, nil
}

func (f *fakeNotifications) Dismiss(ctx context.Context, user *models.User, id string) error {
	return nil
}

func (f *fakeNotifications) ClearAll(ctx context.Context, user *models.User) (int, error) {
	return 3, nil
}

func (f *fakeNotifications) GlobalAcknowledge(ctx context.Context, user *models.User, id string) error {
	return nil
}

func (f *fakeNotifications) Broadcast(ctx context.Context, user *models.User, message string, typ models.NotificationType, action models.Action) (string, error) {
	return "N1", nil
}

func TestNotificationsHandler(t *testing.T) {
	svc := &fakeNotifications{fetchErr: remote.ErrNetwork, cached: []models.Notification{{ID: "old"}}}
	r, g := newRouter(inspector)
	NewNotificationsHandler(svc, fixedSub{}, zerolog.Nop()).RegisterRoutes(g)

	w := do(t, r, http.MethodGet, "/api/v1/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["stale"])
	assert.Len(t, body["notifications"], 1)

	w = do(t, r, http.MethodPost, "/api/v1/notifications/abc/read", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, decode(t, w)["notification"])

	w = do(t, r, http.MethodPost, "/api/v1/notifications/clear", nil)
	assert.EqualValues(t, 3, decode(t, w)["cleared"])

	w = do(t, r, http.MethodPost, "/api/v1/notifications/broadcast", BroadcastRequest{Message: "hi"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	r, g = newRouter(admin)
	NewNotificationsHandler(svc, fixedSub{}, zerolog.Nop()).RegisterRoutes(g)
	w = do(t, r, http.MethodPost, "/api/v1/notifications/broadcast", BroadcastRequest{Message: "hi", Action: "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, r, http.MethodPost, "/api/v1/notifications/broadcast", BroadcastRequest{Message: "hi", Action: "view:settings"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

type fakeAuth struct{}

func (fakeAuth) Login(ctx context.Context, username, password string) (*models.User, error) {
	if password != "secret" {
		return nil, remote.ErrInvalidCredentials
	}
	return &models.User{Username: username, Role: models.RoleInspector}, nil
}

func (fakeAuth) UpdateProfile(ctx context.Context, actor *models.User, p users.ProfileUpdate) (*models.User, error) {
	u := *actor
	u.Name = p.Name
	return &u, nil
}

type fakeSession struct {
	user      *models.User
	loggedOut bool
}

func (f *fakeSession) Login(ctx context.Context, user *models.User) error {
	f.user = user
	return nil
}

func (f *fakeSession) UpdateUser(ctx context.Context, user *models.User) error {
	f.user = user
	return nil
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.user, f.loggedOut = nil, true
	return nil
}

func (f *fakeSession) Info() *session.Info {
	if f.user == nil {
		return nil
	}
	return &session.Info{User: f.user, StartedAt: time.Now()}
}

type fakeCredentials struct{ remembered, forgotten int }

func (f *fakeCredentials) Remember(ctx context.Context, username, password string) error {
	f.remembered++
	return nil
}

func (f *fakeCredentials) Forget(ctx context.Context) error {
	f.forgotten++
	return nil
}

func TestSessionHandler(t *testing.T) {
	cookies, err := session.NewCookieStore(session.DefaultCookieConfig([]byte("test-secret-that-is-at-least-32-bytes-long"), time.Hour), zerolog.Nop())
	require.NoError(t, err)
	guard := &fakeSession{}
	creds := &fakeCredentials{}
	h := NewSessionHandler(fakeAuth{}, guard, cookies, creds, zerolog.Nop())
	var loggedOut string
	h.OnLogout(func(ctx context.Context, user *models.User) { loggedOut = user.Key() })

	r, g := newRouter(inspector)
	h.RegisterPublicRoutes(g, nil)
	h.RegisterRoutes(g)

	w := do(t, r, http.MethodPost, "/api/v1/session/login", LoginRequest{Username: "jane@fleet.co", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, r, http.MethodPost, "/api/v1/session/login", LoginRequest{Username: "jane@fleet.co", Password: "secret", Remember: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Result().Cookies())
	assert.Equal(t, 1, creds.remembered)
	assert.Equal(t, "jane@fleet.co", guard.user.Username)

	w = do(t, r, http.MethodPut, "/api/v1/session/profile", users.ProfileUpdate{Name: "Jane D"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Jane D", guard.user.Name)

	w = do(t, r, http.MethodPost, "/api/v1/session/logout", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, guard.loggedOut)
	assert.Equal(t, "jane@fleet.co", loggedOut)
}
