package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/api"
	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/MacJediWizard/fleetcheck/internal/models"
	"github.com/MacJediWizard/fleetcheck/internal/remote"
	"github.com/MacJediWizard/fleetcheck/internal/shutdown"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Run starts the pollers, the offline queue, the push hub and the local API,
// then blocks until ctx is cancelled and shuts everything down.
func (a *App) Run(ctx context.Context) error {
	if user, err := a.Restore(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to restore session")
	} else if user != nil {
		a.logger.Info().Str("user", user.Key()).Msg("resuming session")
	} else if reason, ok := a.Guard.ConsumeExpiry(); ok {
		a.logger.Info().Str("reason", string(reason)).Msg("previous session expired")
	}

	lifecycle := shutdown.NewManager(shutdown.DefaultConfig(), queueFlusher{q: a.Queue}, a.logger)

	a.Hub.Start()
	lifecycle.OnShutdown("push hub", func(context.Context) error {
		a.Hub.Stop()
		return nil
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lifecycle.OnShutdown("background context", func(context.Context) error {
		cancel()
		return nil
	})

	if err := a.Queue.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start queue: %w", err)
	}
	lifecycle.OnShutdown("submission queue", func(context.Context) error {
		a.Queue.Stop()
		return nil
	})

	scheduler, err := a.schedule(runCtx, lifecycle)
	if err != nil {
		cancel()
		return err
	}
	scheduler.Start()
	lifecycle.OnShutdown("pollers", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("pollers still running: %w", ctx.Err())
		}
	})

	srv, err := a.httpServer()
	if err != nil {
		cancel()
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("local API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	lifecycle.OnShutdown("http server", srv.Shutdown)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info().Msg("shutdown requested")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("local API: %w", err)
		}
	}

	if err := lifecycle.Shutdown(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("shutdown finished with errors")
	}
	return runErr
}

// sessionCheckFallback is used when the session check interval is unset.
const sessionCheckFallback = time.Minute

// cronLogger routes scheduler messages through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// schedule registers the pollers. Each entry is skipped once shutdown began.
func (a *App) schedule(ctx context.Context, lifecycle *shutdown.Manager) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{a.logger})))

	sessionEvery := a.Guard.CheckInterval()
	if sessionEvery <= 0 {
		sessionEvery = sessionCheckFallback
	}
	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context)
	}{
		{"notifications", a.Config.Poll.Notifications, a.pollNotifications},
		{"settings", a.Config.Poll.Settings, a.pollSettings},
		{"subscription", a.Config.Poll.Subscription, a.pollSubscription},
		{"session", sessionEvery, a.checkSession},
	}

	for _, job := range jobs {
		if job.every <= 0 {
			a.logger.Info().Str("job", job.name).Msg("poller disabled")
			continue
		}
		run := job.run
		if _, err := c.AddFunc("@every "+job.every.String(), func() {
			if !lifecycle.IsAcceptingWork() || ctx.Err() != nil {
				return
			}
			run(ctx)
		}); err != nil {
			return nil, fmt.Errorf("schedule %s poller: %w", job.name, err)
		}
		a.logger.Debug().Str("job", job.name).Dur("every", job.every).Msg("poller registered")
	}
	return c, nil
}

// pollNotifications reconciles the feed of the signed-in user. Its snapshot
// hook also refreshes settings and the subscription.
func (a *App) pollNotifications(ctx context.Context) {
	user := a.Guard.User()
	if user == nil {
		return
	}
	if _, err := a.Notifications.Fetch(ctx, user, a.Subscription.State()); err != nil {
		logPollError(a, "notifications", err)
		return
	}
	if n, err := a.Queue.Count(ctx); err == nil && n > 0 && a.Queue.IsServerReachable() {
		res := a.Queue.Flush(ctx)
		if res.Err != nil {
			a.logger.Debug().Err(res.Err).Msg("opportunistic flush stopped")
		}
	}
}

func (a *App) pollSettings(ctx context.Context) {
	if _, err := a.Settings.Poll(ctx); err != nil {
		logPollError(a, "settings", err)
	}
}

func (a *App) pollSubscription(ctx context.Context) {
	if _, err := a.Subscription.Check(ctx); err != nil {
		logPollError(a, "subscription", err)
	}
}

func (a *App) checkSession(ctx context.Context) {
	if reason, expired := a.Guard.Check(ctx); expired {
		a.logger.Info().Str("reason", string(reason)).Msg("session ended by inactivity check")
	}
}

func logPollError(a *App, job string, err error) {
	if remote.IsOffline(err) || errors.Is(err, remote.ErrMalformedResponse) {
		a.logger.Debug().Err(err).Str("job", job).Msg("poll skipped, endpoint unavailable")
		return
	}
	a.logger.Warn().Err(err).Str("job", job).Msg("poll failed")
}

// Router builds the local API router over the app's services.
func (a *App) Router() (*api.Router, error) {
	cfg := api.DefaultConfig()
	cfg.AllowedOrigins = a.Config.API.AllowedOrigins
	cfg.Environment = a.Config.Environment
	cfg.Version = a.Version
	if a.Config.API.LoginRateLimit > 0 {
		cfg.LoginRateLimit = a.Config.API.LoginRateLimit
	}
	if a.Config.API.LoginRatePer != "" {
		cfg.LoginRatePeriod = a.Config.API.LoginRatePer
	}

	return api.NewRouter(cfg, api.Deps{
		Guard:         a.Guard,
		Session:       a.Guard,
		Cookies:       a.Cookies,
		Credentials:   a.Credentials,
		Auth:          a.Users,
		Users:         a.Users,
		Notifications: a.Notifications,
		Subscription:  a.Subscription,
		History:       a.History,
		Drafts:        a.Drafts,
		Submitter:     a.Submitter,
		Queue:         a.Queue,
		Reachability:  a.Queue,
		Settings:      a.Settings,
		Tickets:       a.Support,
		Requests:      a.Requests,
		Store:         a.Store,
		Hub:           a.Hub,
		Gatherer:      a.Registry,
		OnLogout: func(ctx context.Context, user *models.User) {
			a.Notifications.Reset(user.Key())
		},
	}, a.logger)
}

func (a *App) httpServer() (*http.Server, error) {
	router, err := a.Router()
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}
	return &http.Server{
		Addr:              a.Config.API.ListenAddr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}, nil
}

// originChecker mirrors the CORS policy for WebSocket upgrades.
func originChecker(allowed []string, env config.Environment) func(*http.Request) bool {
	if len(allowed) == 0 && env.IsDevelopment() {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}
