package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
)

var (
	// ErrPermissionDenied is returned when a non-admin saves system settings.
	ErrPermissionDenied = errors.New("only administrators can change system settings")
	// ErrInvalid wraps every validation failure returned by Save.
	ErrInvalid = errors.New("invalid settings")
)

// Remote is the subset of the endpoint client used by the settings service.
type Remote interface {
	Snapshot(ctx context.Context) (*remote.Snapshot, error)
	UpdateSettings(ctx context.Context, s models.SystemSettings, updatedBy string) error
	SetEndpoint(endpoint string)
}

// ChangeHook is called after the system settings changed.
type ChangeHook func(models.SystemSettings)

// Service holds local settings and keeps the system settings in sync with the
// endpoint.
type Service struct {
	kv     store.KV
	remote Remote
	logger zerolog.Logger

	mu    sync.RWMutex
	local models.LocalSettings
	hooks []ChangeHook

	polling atomic.Bool
}

// NewService loads persisted settings. A missing or corrupt record yields
// defaults.
func NewService(ctx context.Context, kv store.KV, r Remote, logger zerolog.Logger) *Service {
	s := &Service{
		kv:     kv,
		remote: r,
		logger: logger.With().Str("component", "settings").Logger(),
	}

	var local models.LocalSettings
	store.LoadJSON(ctx, kv, store.KeySettings, &local, s.logger)
	if local.EndpointURL == "" {
		var endpoint string
		if store.LoadJSON(ctx, kv, store.KeyScriptURL, &endpoint, s.logger) {
			local.EndpointURL = endpoint
		}
	}
	if local.System.CompanyName == "" {
		local.System.CompanyName = models.DefaultCompanyName
	}
	s.local = local

	if local.EndpointURL != "" && r != nil {
		r.SetEndpoint(local.EndpointURL)
	}
	return s
}

// Local returns a copy of the current settings.
func (s *Service) Local() models.LocalSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// System returns the current system settings.
func (s *Service) System() models.SystemSettings {
	return s.Local().System
}

// OnChange registers a hook run whenever the system settings change.
func (s *Service) OnChange(fn ChangeHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// MaintenanceBlocks reports whether maintenance mode blocks role from
// submitting. Administrators are never blocked.
func (s *Service) MaintenanceBlocks(role models.Role) bool {
	return s.System().MaintenanceMode && !role.IsAdmin()
}

// SetEndpoint validates and persists the endpoint URL and points the remote
// client at it.
func (s *Service) SetEndpoint(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint URL is required", ErrInvalid)
	}
	if err := ValidateURL(endpoint); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	s.mu.Lock()
	s.local.EndpointURL = endpoint
	local := s.local
	s.mu.Unlock()

	if err := store.SetJSON(ctx, s.kv, store.KeyScriptURL, endpoint); err != nil {
		return fmt.Errorf("save endpoint: %w", err)
	}
	if err := store.SetJSON(ctx, s.kv, store.KeySettings, local); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	if s.remote != nil {
		s.remote.SetEndpoint(endpoint)
	}
	s.logger.Info().Str("endpoint", endpoint).Msg("endpoint updated")
	return nil
}

// Apply replaces the system settings with a row read from the endpoint and
// reports whether anything changed. A nil row is ignored.
func (s *Service) Apply(ctx context.Context, sys *models.SystemSettings) bool {
	if sys == nil {
		return false
	}
	next := *sys
	if strings.TrimSpace(next.CompanyName) == "" {
		next.CompanyName = models.DefaultCompanyName
	}

	s.mu.Lock()
	if s.local.System.Equal(next) {
		s.mu.Unlock()
		return false
	}
	prev := s.local.System
	s.local.System = next
	local := s.local
	hooks := append([]ChangeHook(nil), s.hooks...)
	s.mu.Unlock()

	if err := store.SetJSON(ctx, s.kv, store.KeySettings, local); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist settings")
	}
	if prev.MaintenanceMode != next.MaintenanceMode {
		s.logger.Info().Bool("maintenance", next.MaintenanceMode).Msg("maintenance mode changed")
	} else {
		s.logger.Debug().Str("company", next.CompanyName).Msg("system settings changed")
	}

	for _, fn := range hooks {
		fn(next)
	}
	return true
}

// Poll reads the latest System_Settings row and applies it. Overlapping polls
// are skipped. Malformed or unconfigured endpoints are not errors.
func (s *Service) Poll(ctx context.Context) (bool, error) {
	if !s.polling.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("settings poll already in flight, skipping")
		return false, nil
	}
	defer s.polling.Store(false)

	snap, err := s.remote.Snapshot(ctx)
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrNotConfigured), errors.Is(err, remote.ErrMalformedResponse):
		s.logger.Debug().Err(err).Msg("settings poll skipped")
		return false, nil
	default:
		return false, fmt.Errorf("poll settings: %w", err)
	}
	return s.ApplySnapshot(ctx, snap), nil
}

// ApplySnapshot applies the settings row carried by snap.
func (s *Service) ApplySnapshot(ctx context.Context, snap *remote.Snapshot) bool {
	if snap == nil {
		return false
	}
	return s.Apply(ctx, snap.Settings)
}

// Save publishes new system settings on behalf of user. Only administrators
// may save; the local copy is updated once the endpoint accepted the row.
func (s *Service) Save(ctx context.Context, user *models.User, sys models.SystemSettings) (models.SystemSettings, error) {
	if user == nil || !user.Role.IsAdmin() {
		return s.System(), ErrPermissionDenied
	}
	if err := Validate(sys); err != nil {
		return s.System(), fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	sys = Sanitize(sys)
	sys.UpdatedBy = user.Username

	if err := s.remote.UpdateSettings(ctx, sys, user.Username); err != nil {
		return s.System(), fmt.Errorf("update settings: %w", err)
	}
	s.Apply(ctx, &sys)

	s.logger.Info().
		Str("user", user.Username).
		Bool("maintenance", sys.MaintenanceMode).
		Msg("system settings saved")
	return s.System(), nil
}
