// Package session keeps the single logged-in user of the device and logs
// them out after inactivity or when the session grows too old.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/metrics"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

// ErrNoSession is returned when an operation needs a logged-in user.
var ErrNoSession = errors.New("no active session")

// Reason says why a session was ended by the guard.
type Reason string

const (
	ReasonIdle        Reason = "idle"
	ReasonMaxDuration Reason = "max_duration"
)

// ExpiryHook runs after the guard logs a user out.
type ExpiryHook func(ctx context.Context, user *models.User, reason Reason)

// Info describes the current session.
type Info struct {
	User         *models.User `json:"user"`
	StartedAt    time.Time    `json:"startedAt"`
	LastActivity time.Time    `json:"lastActivity"`
	IdleExpires  time.Time    `json:"idleExpiresAt"`
	MaxExpires   time.Time    `json:"maxExpiresAt"`
}

// Guard owns the session state persisted under the session keys.
type Guard struct {
	kv      store.KV
	cfg     config.SessionConfig
	now     func() time.Time
	metrics *metrics.PrometheusMetrics
	logger  zerolog.Logger

	mu           sync.Mutex
	user         *models.User
	start        time.Time
	lastActivity time.Time
	lastWrite    time.Time
	expired      Reason
	hooks        []ExpiryHook
}

// NewGuard creates a guard. Zero durations in cfg fall back to the defaults.
func NewGuard(kv store.KV, cfg config.SessionConfig, logger zerolog.Logger) *Guard {
	def := config.Default().Session
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ActivityDebounce <= 0 {
		cfg.ActivityDebounce = def.ActivityDebounce
	}
	return &Guard{
		kv:     kv,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// SetMetrics attaches Prometheus collectors.
func (g *Guard) SetMetrics(m *metrics.PrometheusMetrics) {
	g.metrics = m
}

// OnExpire registers a hook run after an idle or max duration logout.
func (g *Guard) OnExpire(fn ExpiryHook) {
	g.mu.Lock()
	g.hooks = append(g.hooks, fn)
	g.mu.Unlock()
}

// CheckInterval is how often Check should run.
func (g *Guard) CheckInterval() time.Duration {
	return g.cfg.CheckInterval
}

// Login starts a new session for user and clears any pending expiry reason.
func (g *Guard) Login(ctx context.Context, user *models.User) error {
	if user == nil {
		return ErrNoSession
	}
	now := g.now()
	u := *user

	g.mu.Lock()
	g.user = &u
	g.start = now
	g.lastActivity = now
	g.lastWrite = now
	g.expired = ""
	g.mu.Unlock()

	if err := g.persist(ctx, &u, now, now); err != nil {
		return err
	}
	g.logger.Info().Str("user", u.Key()).Str("role", string(u.Role)).Msg("session started")
	return nil
}

// UpdateUser replaces the stored profile of the current user, for example
// after they edit their own account. The session clock is not reset.
func (g *Guard) UpdateUser(ctx context.Context, user *models.User) error {
	g.mu.Lock()
	if g.user == nil {
		g.mu.Unlock()
		return ErrNoSession
	}
	u := *user
	g.user = &u
	g.mu.Unlock()

	if err := store.SetJSON(ctx, g.kv, store.KeyUser, &u); err != nil {
		return fmt.Errorf("save session user: %w", err)
	}
	return nil
}

// User returns a copy of the logged-in user, or nil.
func (g *Guard) User() *models.User {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user == nil {
		return nil
	}
	u := *g.user
	return &u
}

// Info returns the current session, or nil when nobody is logged in.
func (g *Guard) Info() *Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.user == nil {
		return nil
	}
	u := *g.user
	return &Info{
		User:         &u,
		StartedAt:    g.start,
		LastActivity: g.lastActivity,
		IdleExpires:  g.lastActivity.Add(g.cfg.IdleTimeout),
		MaxExpires:   g.start.Add(g.cfg.MaxDuration),
	}
}

// Touch records user activity. The persisted timestamp is written at most
// once per debounce window.
func (g *Guard) Touch(ctx context.Context) {
	now := g.now()

	g.mu.Lock()
	if g.user == nil {
		g.mu.Unlock()
		return
	}
	g.lastActivity = now
	write := now.Sub(g.lastWrite) >= g.cfg.ActivityDebounce
	if write {
		g.lastWrite = now
	}
	g.mu.Unlock()

	if write {
		if err := g.kv.Set(ctx, store.KeyLastActivity, msBytes(now)); err != nil {
			g.logger.Warn().Err(err).Msg("failed to persist last activity")
		}
	}
}

// Check ends the session when it has been idle too long or exceeded its
// maximum duration. Idleness is checked first.
func (g *Guard) Check(ctx context.Context) (Reason, bool) {
	now := g.now()

	g.mu.Lock()
	if g.user == nil {
		g.mu.Unlock()
		return "", false
	}
	var reason Reason
	switch {
	case now.Sub(g.lastActivity) > g.cfg.IdleTimeout:
		reason = ReasonIdle
	case now.Sub(g.start) > g.cfg.MaxDuration:
		reason = ReasonMaxDuration
	}
	g.mu.Unlock()

	if reason == "" {
		return "", false
	}
	g.expire(ctx, reason)
	return reason, true
}

// ConsumeExpiry returns the reason of the last forced logout once.
func (g *Guard) ConsumeExpiry() (Reason, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.expired
	g.expired = ""
	return r, r != ""
}

// Restore reloads a persisted session at startup. A session older than the
// maximum duration is logged out with ReasonMaxDuration and nil is returned.
// A stored user that cannot be decoded is logged out without a reason.
func (g *Guard) Restore(ctx context.Context) (*models.User, error) {
	var u models.User
	err := store.GetJSON(ctx, g.kv, store.KeyUser, &u)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil || u.Username == "":
		g.logger.Warn().Err(err).Msg("discarding unreadable session")
		return nil, g.Logout(ctx)
	}
	u.Role = models.NormalizeRole(string(u.Role))

	now := g.now()
	start, ok := g.loadTime(ctx, store.KeySessionStart)
	if !ok {
		start = now
		if err := g.kv.Set(ctx, store.KeySessionStart, msBytes(now)); err != nil {
			g.logger.Warn().Err(err).Msg("failed to persist session start")
		}
	}
	if now.Sub(start) > g.cfg.MaxDuration {
		g.mu.Lock()
		g.user = &u
		g.mu.Unlock()
		g.expire(ctx, ReasonMaxDuration)
		return nil, nil
	}

	last, ok := g.loadTime(ctx, store.KeyLastActivity)
	if !ok || last.Before(start) {
		last = now
	}

	g.mu.Lock()
	g.user = &u
	g.start = start
	g.lastActivity = last
	g.lastWrite = last
	g.mu.Unlock()

	g.logger.Info().Str("user", u.Key()).Time("started_at", start).Msg("session restored")
	out := u
	return &out, nil
}

// Logout ends the session and removes every user scoped key. Device
// configuration, the offline queue and remembered credentials are kept.
func (g *Guard) Logout(ctx context.Context) error {
	g.mu.Lock()
	g.user = nil
	g.start = time.Time{}
	g.lastActivity = time.Time{}
	g.mu.Unlock()

	var errs []error
	for _, key := range store.SessionKeys {
		if err := g.kv.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	removed := 0
	for _, prefix := range store.UserScopedPrefixes {
		n, err := g.kv.DeletePrefix(ctx, prefix)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s*: %w", prefix, err))
		}
		removed += n
	}
	g.logger.Info().Int("user_keys_removed", removed).Msg("session ended")
	return errors.Join(errs...)
}

func (g *Guard) expire(ctx context.Context, reason Reason) {
	g.mu.Lock()
	user := g.user
	g.expired = reason
	hooks := append([]ExpiryHook(nil), g.hooks...)
	g.mu.Unlock()

	if err := g.Logout(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("failed to clear session data")
	}
	g.metrics.RecordSessionExpiry(string(reason))
	g.logger.Info().Str("reason", string(reason)).Str("user", user.Key()).Msg("session expired")

	for _, fn := range hooks {
		fn(ctx, user, reason)
	}
}

func (g *Guard) persist(ctx context.Context, u *models.User, start, last time.Time) error {
	if err := store.SetJSON(ctx, g.kv, store.KeyUser, u); err != nil {
		return fmt.Errorf("save session user: %w", err)
	}
	if err := g.kv.Set(ctx, store.KeySessionStart, msBytes(start)); err != nil {
		return fmt.Errorf("save session start: %w", err)
	}
	if err := g.kv.Set(ctx, store.KeyLastActivity, msBytes(last)); err != nil {
		return fmt.Errorf("save last activity: %w", err)
	}
	return nil
}

func (g *Guard) loadTime(ctx context.Context, key string) (time.Time, bool) {
	data, err := g.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Warn().Err(err).Str("key", key).Msg("failed to read session time")
		}
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || ms <= 0 {
		g.logger.Warn().Str("key", key).Msg("discarding corrupt session time")
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func msBytes(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}
