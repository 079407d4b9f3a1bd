package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(t *testing.T) (*Guard, *store.MemoryStore, *clock) {
	t.Helper()
	kv := store.NewMemoryStore()
	c := &clock{t: time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)}
	g := NewGuard(kv, config.SessionConfig{}, zerolog.Nop())
	g.now = c.now
	return g, kv, c
}

var jane = &models.User{Username: "Jane@Example.com", Name: "Jane", Role: models.RoleInspector}

func seedUserData(t *testing.T, kv store.KV) {
	t.Helper()
	ctx := context.Background()
	for _, key := range []string{
		store.DraftKey("jane@example.com", models.ModuleGeneral),
		store.HistoryKey("jane@example.com", models.ModuleAcid),
		store.ReadNotificationsKey("jane@example.com"),
		store.DismissedNotificationsKey("bob"),
		store.SupportTicketsKey("jane@example.com"),
		store.KeyValidationLists,
		store.KeyScriptURL,
		store.KeySettings,
		store.KeyRememberedCredentials,
	} {
		if err := kv.Set(ctx, key, []byte(`{}`)); err != nil {
			t.Fatalf("Set(%s) error = %v", key, err)
		}
	}
}

func has(t *testing.T, kv store.KV, key string) bool {
	t.Helper()
	_, err := kv.Get(context.Background(), key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get(%s) error = %v", key, err)
	}
	return err == nil
}

func TestGuard_IdleLogout(t *testing.T) {
	g, kv, c := newTestGuard(t)
	ctx := context.Background()
	if err := g.Login(ctx, jane); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	c.advance(29 * time.Minute)
	if _, expired := g.Check(ctx); expired {
		t.Fatal("Check() expired before idle timeout")
	}

	g.Touch(ctx)
	c.advance(29 * time.Minute)
	if _, expired := g.Check(ctx); expired {
		t.Fatal("Check() expired although activity was recorded")
	}

	c.advance(2 * time.Minute)
	reason, expired := g.Check(ctx)
	if !expired || reason != ReasonIdle {
		t.Fatalf("Check() = %q, %v, want idle, true", reason, expired)
	}
	if g.User() != nil {
		t.Error("User() should be nil after expiry")
	}
	if has(t, kv, store.KeyUser) {
		t.Error("session user should be removed")
	}

	got, ok := g.ConsumeExpiry()
	if !ok || got != ReasonIdle {
		t.Errorf("ConsumeExpiry() = %q, %v, want idle, true", got, ok)
	}
	if _, ok := g.ConsumeExpiry(); ok {
		t.Error("ConsumeExpiry() should be one-shot")
	}
}

func TestGuard_MaxDurationLogout(t *testing.T) {
	g, _, c := newTestGuard(t)
	ctx := context.Background()
	_ = g.Login(ctx, jane)

	// Stay active for just over 12 hours.
	for i := 0; i < 25; i++ {
		c.advance(29 * time.Minute)
		g.Touch(ctx)
		if reason, expired := g.Check(ctx); expired {
			if reason != ReasonMaxDuration {
				t.Fatalf("Check() reason = %q, want max_duration", reason)
			}
			if c.t.Sub(time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)) <= 12*time.Hour {
				t.Fatal("expired before max duration")
			}
			return
		}
	}
	t.Fatal("session never reached max duration")
}

func TestGuard_IdleCheckedFirst(t *testing.T) {
	g, _, c := newTestGuard(t)
	ctx := context.Background()
	_ = g.Login(ctx, jane)

	c.advance(13 * time.Hour)
	reason, expired := g.Check(ctx)
	if !expired || reason != ReasonIdle {
		t.Errorf("Check() = %q, %v, want idle, true", reason, expired)
	}
}

func TestGuard_LogoutClearsUserData(t *testing.T) {
	g, kv, _ := newTestGuard(t)
	ctx := context.Background()
	_ = g.Login(ctx, jane)
	seedUserData(t, kv)

	if err := g.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	for _, key := range []string{
		store.KeyUser,
		store.KeySessionStart,
		store.KeyLastActivity,
		store.KeyValidationLists,
		store.DraftKey("jane@example.com", models.ModuleGeneral),
		store.HistoryKey("jane@example.com", models.ModuleAcid),
		store.ReadNotificationsKey("jane@example.com"),
		store.DismissedNotificationsKey("bob"),
		store.SupportTicketsKey("jane@example.com"),
	} {
		if has(t, kv, key) {
			t.Errorf("%s should be removed on logout", key)
		}
	}
	for _, key := range []string{store.KeyScriptURL, store.KeySettings, store.KeyRememberedCredentials} {
		if !has(t, kv, key) {
			t.Errorf("%s should survive logout", key)
		}
	}
}

func TestGuard_TouchDebounced(t *testing.T) {
	g, kv, c := newTestGuard(t)
	ctx := context.Background()
	_ = g.Login(ctx, jane)
	start := c.t

	c.advance(500 * time.Millisecond)
	g.Touch(ctx)
	raw, _ := kv.Get(ctx, store.KeyLastActivity)
	if string(raw) != strconv.FormatInt(start.UnixMilli(), 10) {
		t.Errorf("last activity written inside debounce window: %s", raw)
	}

	c.advance(time.Second)
	g.Touch(ctx)
	raw, _ = kv.Get(ctx, store.KeyLastActivity)
	if string(raw) != strconv.FormatInt(c.t.UnixMilli(), 10) {
		t.Errorf("last activity = %s, want %d", raw, c.t.UnixMilli())
	}
}

func TestGuard_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("valid session", func(t *testing.T) {
		g, kv, c := newTestGuard(t)
		_ = g.Login(ctx, &models.User{Username: "jane", Role: "admin"})
		c.advance(time.Hour)

		g2 := NewGuard(kv, config.SessionConfig{}, zerolog.Nop())
		g2.now = c.now
		u, err := g2.Restore(ctx)
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if u == nil || u.Role != models.RoleAdmin {
			t.Fatalf("Restore() = %+v, want admin jane", u)
		}
		// Restored activity is from the stored timestamp, so an hour of
		// downtime counts towards the idle limit.
		if reason, expired := g2.Check(ctx); !expired || reason != ReasonIdle {
			t.Errorf("Check() = %q, %v, want idle, true", reason, expired)
		}
	})

	t.Run("past max duration", func(t *testing.T) {
		g, kv, c := newTestGuard(t)
		_ = g.Login(ctx, jane)
		seedUserData(t, kv)
		c.advance(13 * time.Hour)

		g2 := NewGuard(kv, config.SessionConfig{}, zerolog.Nop())
		g2.now = c.now
		u, err := g2.Restore(ctx)
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if u != nil {
			t.Fatalf("Restore() = %+v, want nil", u)
		}
		if reason, ok := g2.ConsumeExpiry(); !ok || reason != ReasonMaxDuration {
			t.Errorf("ConsumeExpiry() = %q, %v, want max_duration", reason, ok)
		}
		if has(t, kv, store.DraftKey("jane@example.com", models.ModuleGeneral)) {
			t.Error("drafts should be removed")
		}
	})

	t.Run("missing start", func(t *testing.T) {
		g, kv, _ := newTestGuard(t)
		_ = store.SetJSON(ctx, kv, store.KeyUser, jane)
		u, err := g.Restore(ctx)
		if err != nil || u == nil {
			t.Fatalf("Restore() = %v, %v", u, err)
		}
		if !has(t, kv, store.KeySessionStart) {
			t.Error("session start should be written")
		}
	})

	t.Run("corrupt user", func(t *testing.T) {
		g, kv, _ := newTestGuard(t)
		_ = kv.Set(ctx, store.KeyUser, []byte("{not json"))
		u, err := g.Restore(ctx)
		if err != nil || u != nil {
			t.Fatalf("Restore() = %v, %v, want nil, nil", u, err)
		}
		if has(t, kv, store.KeyUser) {
			t.Error("corrupt user should be removed")
		}
		if _, ok := g.ConsumeExpiry(); ok {
			t.Error("corrupt data should not set an expiry reason")
		}
	})

	t.Run("no session", func(t *testing.T) {
		g, _, _ := newTestGuard(t)
		u, err := g.Restore(ctx)
		if err != nil || u != nil {
			t.Fatalf("Restore() = %v, %v, want nil, nil", u, err)
		}
	})
}

func TestGuard_ExpiryHook(t *testing.T) {
	g, _, c := newTestGuard(t)
	ctx := context.Background()
	var got Reason
	var who string
	g.OnExpire(func(ctx context.Context, user *models.User, reason Reason) {
		got = reason
		who = user.Key()
	})
	_ = g.Login(ctx, jane)
	c.advance(time.Hour)
	g.Check(ctx)

	if got != ReasonIdle || who != "jane@example.com" {
		t.Errorf("hook got %q for %q", got, who)
	}
}

func TestGuard_LoginClearsPendingExpiry(t *testing.T) {
	g, _, c := newTestGuard(t)
	ctx := context.Background()
	_ = g.Login(ctx, jane)
	c.advance(time.Hour)
	g.Check(ctx)
	_ = g.Login(ctx, jane)
	if _, ok := g.ConsumeExpiry(); ok {
		t.Error("login should clear the pending expiry")
	}
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	c := NewCredentials(kv, zerolog.Nop())

	if _, _, ok := c.Recall(ctx); ok {
		t.Fatal("Recall() on empty store should be absent")
	}

	if err := c.Remember(ctx, " Jane@Example.com ", "hunter2"); err != nil {
		t.Fatalf("Remember() error = %v", err)
	}
	raw, _ := kv.Get(ctx, store.KeyRememberedCredentials)
	if len(raw) == 0 || string(raw) == "hunter2" {
		t.Fatalf("credentials stored in the clear: %q", raw)
	}

	user, pass, ok := c.Recall(ctx)
	if !ok || user != "jane@example.com" || pass != "hunter2" {
		t.Errorf("Recall() = %q, %q, %v", user, pass, ok)
	}

	// A second Remember reuses the key.
	key1, _ := kv.Get(ctx, store.KeyCredentialKey)
	_ = c.Remember(ctx, "bob", "pw")
	key2, _ := kv.Get(ctx, store.KeyCredentialKey)
	if string(key1) != string(key2) {
		t.Error("Remember() should reuse the stored key")
	}

	_ = kv.Set(ctx, store.KeyRememberedCredentials, []byte("garbage"))
	if _, _, ok := c.Recall(ctx); ok {
		t.Error("Recall() should treat garbage as absent")
	}

	if err := c.Forget(ctx); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if has(t, kv, store.KeyCredentialKey) {
		t.Error("Forget() should remove the key")
	}
}

func TestCookieStore(t *testing.T) {
	secret := []byte("test-secret-that-is-at-least-32-bytes-long")
	if _, err := NewCookieStore(CookieConfig{Secret: []byte("short")}, zerolog.Nop()); err == nil {
		t.Fatal("NewCookieStore() should reject a short secret")
	}
	cs, err := NewCookieStore(DefaultCookieConfig(secret, 12*time.Hour), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCookieStore() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := cs.GetUser(req); err == nil {
		t.Error("GetUser() without cookie should fail")
	}

	w := httptest.NewRecorder()
	if err := cs.SetUser(req, w, "jane@example.com", time.Now()); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].HttpOnly {
		t.Fatalf("cookies = %+v, want one http-only cookie", cookies)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookies[0])
	got, err := cs.GetUser(req2)
	if err != nil || got != "jane@example.com" {
		t.Errorf("GetUser() = %q, %v", got, err)
	}

	w2 := httptest.NewRecorder()
	if err := cs.ClearUser(req2, w2); err != nil {
		t.Fatalf("ClearUser() error = %v", err)
	}
	cleared := w2.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Errorf("ClearUser() cookies = %+v, want expired cookie", cleared)
	}
}
