package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeEndpoint answers login for jane@fleet.co/secret and an empty snapshot.
func fakeEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			w.Write([]byte(`{}`))
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["action"] == remote.ActionLogin && req["username"] == "jane@fleet.co" && req["password"] == "secret" {
			json.NewEncoder(w).Encode(map[string]any{
				"status": "success",
				"user":   map[string]any{"username": "jane@fleet.co", "name": "Jane", "role": "Inspector"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": "Invalid username or password.", "code": "INVALID_CREDENTIALS"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, endpoint string) *App {
	t.Helper()
	cfg := config.Default()
	cfg.EndpointURL = endpoint
	cfg.Store.Backend = config.StoreMemory
	cfg.DataDir = t.TempDir()

	a, err := build(context.Background(), cfg, store.NewMemoryStore(), "test", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogLevel = "warn"

	logger := NewLogger(cfg, &buf, "1.2.3")
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "1.2.3", line["version"])
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := config.Default()
	cfg.Store.Backend = config.StoreMemory
	require.NoError(t, cfg.Save(path))

	t.Setenv("FLEETCHECK_ENDPOINT_URL", "https://script.example.com/exec")
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://script.example.com/exec", loaded.EndpointURL)
	assert.Equal(t, config.StoreMemory, loaded.Store.Backend)

	t.Setenv("FLEETCHECK_ENDPOINT_URL", "ftp://nope")
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfiguredEndpointIsPersisted(t *testing.T) {
	a := newTestApp(t, "https://script.example.com/exec")

	assert.Equal(t, "https://script.example.com/exec", a.Remote.Endpoint())
	assert.Equal(t, "https://script.example.com/exec", a.Settings.Local().EndpointURL)
}

func TestLoginAndLogout(t *testing.T) {
	a := newTestApp(t, fakeEndpoint(t).URL)
	ctx := context.Background()

	_, err := a.Login(ctx, "jane@fleet.co", "wrong", false)
	require.ErrorIs(t, err, remote.ErrInvalidCredentials)
	assert.Nil(t, a.Guard.User())

	user, err := a.Login(ctx, "Jane@Fleet.co", "secret", true)
	require.NoError(t, err)
	assert.Equal(t, "jane@fleet.co", user.Key())

	username, password, ok := a.Credentials.Recall(ctx)
	require.True(t, ok)
	assert.Equal(t, "jane@fleet.co", username)
	assert.Equal(t, "secret", password)

	require.NoError(t, a.Logout(ctx))
	assert.Nil(t, a.Guard.User())

	restored, err := a.Restore(ctx)
	require.NoError(t, err)
	assert.Nil(t, restored)
}

func TestRouterSessionFlow(t *testing.T) {
	a := newTestApp(t, fakeEndpoint(t).URL)
	router, err := a.Router()
	require.NoError(t, err)
	engine := router.Engine

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	body, _ := json.Marshal(map[string]any{"username": "jane@fleet.co", "password": "secret"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "jane@fleet.co")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fleetcheck_")
}

func TestQueueFlusherOffline(t *testing.T) {
	a := newTestApp(t, "")
	ctx := context.Background()

	_, err := a.Queue.Enqueue(ctx, json.RawMessage(`{"action":"create"}`))
	require.NoError(t, err)

	f := queueFlusher{q: a.Queue}
	pending, err := f.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	remaining, err := f.Flush(ctx)
	assert.ErrorIs(t, err, remote.ErrNetwork)
	assert.Equal(t, 1, remaining)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		env     config.Environment
		origin  string
		want    bool
	}{
		{"no origin header", nil, config.EnvProduction, "", true},
		{"same host", nil, config.EnvProduction, "http://127.0.0.1:8787", true},
		{"foreign in production", nil, config.EnvProduction, "https://evil.example", false},
		{"anything in development", nil, config.EnvDevelopment, "https://evil.example", true},
		{"allowed list", []string{"https://app.fleet.co"}, config.EnvProduction, "https://app.fleet.co", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8787/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed, tt.env)(r))
		})
	}
}

// slowEndpoint accepts row inserts after delay and counts them.
func slowEndpoint(t *testing.T, delay time.Duration, posts *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			time.Sleep(delay)
			posts.Add(1)
			w.Write([]byte(`{"status":"success"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// openSQLiteApp builds an app over a SQLite store in dir.
func openSQLiteApp(t *testing.T, endpoint, dir string) *App {
	t.Helper()
	cfg := config.Default()
	cfg.EndpointURL = endpoint
	cfg.Store.Backend = config.StoreSQLite
	cfg.DataDir = dir
	a, err := New(context.Background(), cfg, "test", zerolog.Nop())
	require.NoError(t, err)
	return a
}

func queuedAfterReopen(t *testing.T, endpoint, dir string) int {
	t.Helper()
	a := openSQLiteApp(t, endpoint, dir)
	defer a.Close()
	n, err := a.Queue.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestCloseDoesNotAbandonQueuedSubmission(t *testing.T) {
	var posts atomic.Int32
	endpoint := slowEndpoint(t, 200*time.Millisecond, &posts).URL
	dir := t.TempDir()
	ctx := context.Background()

	a := openSQLiteApp(t, endpoint, dir)
	_, err := a.Queue.Enqueue(ctx, json.RawMessage(`{"action":"create","id":"sub-1"}`))
	require.NoError(t, err)

	// One-shot command: checks connectivity, does a little work and exits.
	require.True(t, a.Queue.Online(ctx))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Close())

	queued := queuedAfterReopen(t, endpoint, dir)
	assert.Equal(t, 1, int(posts.Load())+queued, "entry must be either delivered or still queued, never both")
	assert.Equal(t, int32(0), posts.Load())
	assert.Equal(t, 1, queued)
}

func TestCloseWaitsForRunningResend(t *testing.T) {
	var posts atomic.Int32
	endpoint := slowEndpoint(t, 200*time.Millisecond, &posts).URL
	dir := t.TempDir()
	ctx := context.Background()

	a := openSQLiteApp(t, endpoint, dir)
	_, err := a.Queue.Enqueue(ctx, json.RawMessage(`{"action":"create","id":"sub-1"}`))
	require.NoError(t, err)

	require.NoError(t, a.Queue.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.Close())

	assert.Equal(t, int32(1), posts.Load())
	assert.Equal(t, 0, queuedAfterReopen(t, endpoint, dir))
}
