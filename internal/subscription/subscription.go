// Package subscription tracks the deployment licence and decides when the
// client is locked.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

// WarningDays is how close to expiry a warning is raised.
const WarningDays = 7

// DefaultExtendDays is used when Extend is called without a day count.
const DefaultExtendDays = 30

var (
	// ErrPermissionDenied is returned when a non-SuperAdmin extends the licence.
	ErrPermissionDenied = errors.New("only a super admin can extend the subscription")
)

// State is an evaluated subscription, passed by value to whatever needs it.
type State struct {
	Known         bool                      `json:"known"`
	Status        models.SubscriptionStatus `json:"status"`
	Plan          string                    `json:"plan,omitempty"`
	ExpiryDate    string                    `json:"expiryDate,omitempty"`
	DaysRemaining int                       `json:"daysRemaining"`
	CheckedAt     time.Time                 `json:"checkedAt"`
}

// Evaluate computes the state of sub at now. A nil subscription is unknown
// and treated as active.
func Evaluate(sub *models.Subscription, now time.Time) State {
	if sub == nil {
		return State{Status: models.SubscriptionActive, CheckedAt: now}
	}
	normalize(sub)
	return State{
		Known:         true,
		Status:        sub.EffectiveStatus(now),
		Plan:          sub.Plan,
		ExpiryDate:    sub.ExpiryDate,
		DaysRemaining: sub.DaysRemaining(now),
		CheckedAt:     now,
	}
}

// Expired reports whether the licence has lapsed.
func (s State) Expired() bool {
	return s.Status == models.SubscriptionExpired
}

// IsLocked reports whether role is blocked from submitting. SuperAdmins are
// never locked.
func (s State) IsLocked(role models.Role) bool {
	return s.Expired() && role != models.RoleSuperAdmin
}

// NeedsWarning reports whether an active licence expires within WarningDays.
func (s State) NeedsWarning() bool {
	return s.Known && !s.Expired() && s.ExpiryDate != "" && s.DaysRemaining <= WarningDays
}

func normalize(sub *models.Subscription) {
	if sub.Expiry.IsZero() && sub.ExpiryDate != "" {
		if t, err := models.ParseTimestamp(sub.ExpiryDate); err == nil {
			sub.Expiry = t
		}
	}
}

// Remote is the subset of the endpoint client used for licence checks.
type Remote interface {
	CheckSubscription(ctx context.Context) (*models.Subscription, error)
	ExtendSubscription(ctx context.Context, days int) error
}

// Manager keeps the last known subscription and refreshes it.
type Manager struct {
	remote Remote
	kv     store.KV
	now    func() time.Time
	logger zerolog.Logger

	mu  sync.RWMutex
	sub *models.Subscription
}

// NewManager creates a manager seeded from the cached subscription, if any.
func NewManager(ctx context.Context, remote Remote, kv store.KV, logger zerolog.Logger) *Manager {
	m := &Manager{
		remote: remote,
		kv:     kv,
		now:    time.Now,
		logger: logger.With().Str("component", "subscription").Logger(),
	}

	var cached models.Subscription
	if store.LoadJSON(ctx, kv, store.KeySubscription, &cached, m.logger) {
		normalize(&cached)
		m.sub = &cached
	}
	return m
}

// State returns the current evaluated state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Evaluate(m.sub, m.now())
}

// Update replaces the known subscription, usually from a snapshot. A nil
// subscription is ignored.
func (m *Manager) Update(ctx context.Context, sub *models.Subscription) State {
	if sub == nil {
		return m.State()
	}
	cp := *sub
	normalize(&cp)

	m.mu.Lock()
	prev := m.sub
	m.sub = &cp
	m.mu.Unlock()

	if err := store.SetJSON(ctx, m.kv, store.KeySubscription, &cp); err != nil {
		m.logger.Warn().Err(err).Msg("failed to cache subscription")
	}

	state := m.State()
	if prev == nil || prev.Status != cp.Status || prev.ExpiryDate != cp.ExpiryDate {
		m.logger.Info().
			Str("status", string(state.Status)).
			Str("plan", state.Plan).
			Int("days_remaining", state.DaysRemaining).
			Msg("subscription updated")
	}
	return state
}

// Check asks the endpoint for the current licence. On failure the last known
// state is returned along with the error.
func (m *Manager) Check(ctx context.Context) (State, error) {
	sub, err := m.remote.CheckSubscription(ctx)
	if err != nil {
		return m.State(), fmt.Errorf("check subscription: %w", err)
	}
	return m.Update(ctx, sub), nil
}

// Extend adds days to the licence on behalf of user and re-checks it.
func (m *Manager) Extend(ctx context.Context, user *models.User, days int) (State, error) {
	if user == nil || user.Role != models.RoleSuperAdmin {
		return m.State(), ErrPermissionDenied
	}
	if days <= 0 {
		days = DefaultExtendDays
	}
	if err := m.remote.ExtendSubscription(ctx, days); err != nil {
		return m.State(), fmt.Errorf("extend subscription: %w", err)
	}
	m.logger.Info().Str("user", user.Username).Int("days", days).Msg("subscription extended")
	return m.Check(ctx)
}
