package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRemote struct {
	sub      *models.Subscription
	err      error
	extended []int
}

func (m *mockRemote) CheckSubscription(ctx context.Context) (*models.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	cp := *m.sub
	return &cp, nil
}

func (m *mockRemote) ExtendSubscription(ctx context.Context, days int) error {
	m.extended = append(m.extended, days)
	return m.err
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		sub         *models.Subscription
		wantStatus  models.SubscriptionStatus
		wantDays    int
		wantWarning bool
	}{
		{
			name:       "unknown",
			sub:        nil,
			wantStatus: models.SubscriptionActive,
		},
		{
			name:       "active far from expiry",
			sub:        &models.Subscription{Status: models.SubscriptionActive, ExpiryDate: "2024-07-01T12:00:00Z"},
			wantStatus: models.SubscriptionActive,
			wantDays:   30,
		},
		{
			name:        "active within warning window",
			sub:         &models.Subscription{Status: models.SubscriptionActive, ExpiryDate: "2024-06-08T12:00:00Z"},
			wantStatus:  models.SubscriptionActive,
			wantDays:    7,
			wantWarning: true,
		},
		{
			name:        "partial day rounds up",
			sub:         &models.Subscription{Status: models.SubscriptionActive, ExpiryDate: "2024-06-03T00:00:00Z"},
			wantStatus:  models.SubscriptionActive,
			wantDays:    2,
			wantWarning: true,
		},
		{
			name:       "active past expiry is expired",
			sub:        &models.Subscription{Status: models.SubscriptionActive, ExpiryDate: "2024-05-31T12:00:00Z"},
			wantStatus: models.SubscriptionExpired,
			wantDays:   -1,
		},
		{
			name:       "expired",
			sub:        &models.Subscription{Status: models.SubscriptionExpired, ExpiryDate: "2024-05-01T12:00:00Z"},
			wantStatus: models.SubscriptionExpired,
			wantDays:   -31,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Evaluate(tt.sub, now)
			assert.Equal(t, tt.wantStatus, s.Status)
			assert.Equal(t, tt.wantDays, s.DaysRemaining)
			assert.Equal(t, tt.wantWarning, s.NeedsWarning())
		})
	}
}

func TestIsLocked(t *testing.T) {
	expired := State{Known: true, Status: models.SubscriptionExpired}
	active := State{Known: true, Status: models.SubscriptionActive}

	assert.True(t, expired.IsLocked(models.RoleInspector))
	assert.True(t, expired.IsLocked(models.RoleAdmin))
	assert.False(t, expired.IsLocked(models.RoleSuperAdmin))
	assert.False(t, active.IsLocked(models.RoleInspector))
}

func TestManagerCachesLastKnown(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	remote := &mockRemote{sub: &models.Subscription{Status: models.SubscriptionExpired, Plan: "Trial", ExpiryDate: "2020-01-01T00:00:00Z"}}

	m := NewManager(ctx, remote, kv, zerolog.Nop())
	assert.False(t, m.State().Known)

	state, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, state.Expired())

	// A new manager starts from the cached record.
	reloaded := NewManager(ctx, remote, kv, zerolog.Nop())
	assert.True(t, reloaded.State().Expired())
	assert.Equal(t, "Trial", reloaded.State().Plan)

	remote.err = errors.New("offline")
	state, err = reloaded.Check(ctx)
	assert.Error(t, err)
	assert.True(t, state.Expired(), "failed check should keep last known state")
}

func TestExtendRequiresSuperAdmin(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{sub: &models.Subscription{Status: models.SubscriptionActive, ExpiryDate: "2099-01-01T00:00:00Z"}}
	m := NewManager(ctx, remote, store.NewMemoryStore(), zerolog.Nop())

	_, err := m.Extend(ctx, &models.User{Username: "a", Role: models.RoleAdmin}, 10)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, remote.extended)

	state, err := m.Extend(ctx, &models.User{Username: "root", Role: models.RoleSuperAdmin}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{DefaultExtendDays}, remote.extended)
	assert.False(t, state.Expired())
}
