// Package app assembles the fleetcheck services from configuration and runs
// the background daemon.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MacJediWizard/fleetcheck/internal/cache"
	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/httpclient"
	"github.com/MacJediWizard/fleetcheck/internal/inspection"
	"github.com/MacJediWizard/fleetcheck/internal/metrics"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/notifications"
	"github.com/MacJediWizard/fleetcheck/internal/queue"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/requests"
	"github.com/MacJediWizard/fleetcheck/internal/session"
	"github.com/MacJediWizard/fleetcheck/internal/settings"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/MacJediWizard/fleetcheck/internal/subscription"
	"github.com/MacJediWizard/fleetcheck/internal/support"
	"github.com/MacJediWizard/fleetcheck/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// NewLogger returns the process logger: human readable console output in
// development, JSON lines otherwise.
func NewLogger(cfg *config.ClientConfig, out io.Writer, version string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Str("version", version).Logger()
	if cfg.Environment.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger
}

// LoadConfig reads the config file, then .env files and FLEETCHECK_*
// variables on top, and validates the result. An empty path uses the default
// location.
func LoadConfig(path string) (*config.ClientConfig, error) {
	var (
		cfg *config.ClientConfig
		err error
	)
	if path == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// App holds every service of one client process.
type App struct {
	Config   *config.ClientConfig
	Version  string
	Registry *prometheus.Registry
	Metrics  *metrics.PrometheusMetrics

	Store         store.Backend
	Remote        *remote.Client
	Guard         *session.Guard
	Credentials   *session.Credentials
	Cookies       *session.CookieStore
	Settings      *settings.Service
	Subscription  *subscription.Manager
	Queue         *queue.Queue
	Drafts        *inspection.Drafts
	History       *inspection.History
	Submitter     *inspection.Submitter
	Notifications *notifications.Service
	Hub           *notifications.Hub
	Users         *users.Service
	Support       *support.Service
	Requests      *requests.Service

	logger zerolog.Logger
}

// New opens the local store and builds the services. Nothing is started;
// Run starts the daemon.
func New(ctx context.Context, cfg *config.ClientConfig, version string, logger zerolog.Logger) (*App, error) {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	backend, err := store.Open(ctx, cfg.Store, dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a, err := build(ctx, cfg, backend, version, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, cfg *config.ClientConfig, backend store.Backend, version string, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Version:  version,
		Registry: prometheus.NewRegistry(),
		Store:    backend,
		logger:   logger.With().Str("component", "app").Logger(),
	}

	m, err := metrics.NewPrometheusMetrics(a.Registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.Metrics = m

	httpClient, err := httpclient.NewWithConfig(cfg, 0, "fleetcheck/"+version)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	a.Remote = remote.NewClient(cfg.EndpointURL, httpClient, remote.Options{SubmitTimeout: cfg.Queue.SubmitTimeout}, logger)
	a.Remote.SetMetrics(m)

	// A stored endpoint set at runtime wins over the configured seed.
	a.Settings = settings.NewService(ctx, backend, a.Remote, logger)
	if a.Settings.Local().EndpointURL == "" && cfg.EndpointURL != "" {
		if err := a.Settings.SetEndpoint(ctx, cfg.EndpointURL); err != nil {
			return nil, fmt.Errorf("apply configured endpoint: %w", err)
		}
	}

	a.Guard = session.NewGuard(backend, cfg.Session, logger)
	a.Guard.SetMetrics(m)
	a.Credentials = session.NewCredentials(backend, logger)

	secret := []byte(cfg.API.CookieSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cookie secret: %w", err)
		}
	}
	cookieCfg := session.DefaultCookieConfig(secret, cfg.Session.MaxDuration)
	cookieCfg.Secure = !cfg.Environment.IsDevelopment() && !isLoopback(cfg.API.ListenAddr)
	a.Cookies, err = session.NewCookieStore(cookieCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create cookie store: %w", err)
	}

	a.Subscription = subscription.NewManager(ctx, a.Remote, backend, logger)

	a.Queue = queue.NewQueue(backend, a.Remote, cfg.Queue, logger)
	a.Queue.SetMetrics(m)

	a.Drafts = inspection.NewDrafts(backend, logger)
	a.History = inspection.NewHistory(a.Remote, backend, cache.Options{TTL: cfg.Cache.TTL, Metrics: m}, logger)
	a.Submitter = inspection.NewSubmitter(a.Remote, a.Queue, a.Settings, a.Drafts, logger)
	a.Submitter.SetMetrics(m)

	a.Notifications = notifications.NewService(a.Remote, a.Queue, backend, logger)
	a.Notifications.SetMetrics(m)
	a.Notifications.AddPusher(notifications.NewLogPusher(logger))

	hubCfg := notifications.DefaultHubConfig()
	hubCfg.CheckOrigin = originChecker(cfg.API.AllowedOrigins, cfg.Environment)
	a.Hub = notifications.NewHub(hubCfg, logger)
	a.Notifications.AddPusher(a.Hub)

	if cfg.Push.WebhookURL != "" {
		wp, err := notifications.NewWebhookPusher(cfg.Push.WebhookURL, cfg.Push.WebhookSecret, httpClient, logger)
		if err != nil {
			return nil, fmt.Errorf("configure push webhook: %w", err)
		}
		a.Notifications.AddPusher(wp)
	}

	a.Users = users.NewService(a.Remote, logger)
	a.Support = support.NewService(a.Remote, backend, logger)
	a.Requests = requests.NewService(a.Remote, a.History, logger)

	a.wire()
	return a, nil
}

// wire connects the services to each other.
func (a *App) wire() {
	// The notification snapshot also carries system settings and the
	// subscription.
	a.Notifications.OnSnapshot(func(ctx context.Context, snap *remote.Snapshot) {
		if a.Settings.ApplySnapshot(ctx, snap) {
			a.logger.Debug().Msg("system settings refreshed from snapshot")
		}
		a.Subscription.Update(ctx, snap.Subscription)
	})

	a.Queue.OnFlushed(func(ctx context.Context, result queue.FlushResult) {
		user := a.Guard.User()
		if user == nil {
			return
		}
		if err := a.History.RefreshAll(ctx, user); err != nil {
			a.logger.Warn().Err(err).Msg("history refresh after flush failed")
		}
	})

	a.Submitter.OnSubmitted(func(ctx context.Context, user *models.User, module models.Module) {
		if _, err := a.History.Refresh(ctx, user, module, true); err != nil {
			a.logger.Debug().Err(err).Str("module", string(module)).Msg("history refresh after submit failed")
		}
	})

	a.Guard.OnExpire(func(ctx context.Context, user *models.User, reason session.Reason) {
		a.Notifications.Reset(user.Key())
		a.logger.Info().Str("user", user.Key()).Str("reason", string(reason)).Msg("session expired")
	})

	a.Settings.OnChange(func(sys models.SystemSettings) {
		a.logger.Info().
			Str("company", sys.CompanyName).
			Bool("maintenance_mode", sys.MaintenanceMode).
			Msg("system settings changed")
	})
}

// Restore reloads the persisted session, if any.
func (a *App) Restore(ctx context.Context) (*models.User, error) {
	return a.Guard.Restore(ctx)
}

// Login authenticates against the endpoint and starts a local session.
// remember keeps the credentials for the next login prompt; otherwise any
// remembered credentials are forgotten.
func (a *App) Login(ctx context.Context, username, password string, remember bool) (*models.User, error) {
	user, err := a.Users.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if err := a.Guard.Login(ctx, user); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if remember {
		err = a.Credentials.Remember(ctx, username, password)
	} else {
		err = a.Credentials.Forget(ctx)
	}
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to update remembered credentials")
	}
	return user, nil
}

// Logout ends the session and forgets the user's notification state.
func (a *App) Logout(ctx context.Context) error {
	user := a.Guard.User()
	if err := a.Guard.Logout(ctx); err != nil {
		return err
	}
	if user != nil {
		a.Notifications.Reset(user.Key())
	}
	return nil
}

// Close stops the queue, waits for background work and closes the store.
// A resend that is on the wire completes and is removed before the store
// closes.
func (a *App) Close() error {
	a.Queue.Stop()
	a.Notifications.Wait()
	a.History.Wait()
	return a.Store.Close()
}

// queueFlusher adapts the submission queue to the shutdown manager.
type queueFlusher struct {
	q *queue.Queue
}

func (f queueFlusher) Pending(ctx context.Context) (int, error) {
	return f.q.Count(ctx)
}

func (f queueFlusher) Flush(ctx context.Context) (int, error) {
	if !f.q.Online(ctx) {
		n, err := f.q.Count(ctx)
		return n, errors.Join(remote.ErrNetwork, err)
	}
	res := f.q.Flush(ctx)
	return res.Remaining, res.Err
}

func isLoopback(addr string) bool {
	return strings.HasPrefix(addr, "127.") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]")
}
