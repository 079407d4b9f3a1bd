// Package api provides the local companion HTTP API of the fleetcheck client.
package api

import (
	"fmt"

	"github.com/MacJediWizard/fleetcheck/internal/api/handlers"
	"github.com/MacJediWizard/fleetcheck/internal/api/middleware"
	"github.com/MacJediWizard/fleetcheck/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxBodyBytes leaves room for a 5 MB ticket attachment once base64 encoded.
const maxBodyBytes = 8 << 20

// Config holds configuration for the API router.
type Config struct {
	// AllowedOrigins for CORS. Empty means same-origin only, except in
	// development where all origins are allowed.
	AllowedOrigins []string
	Environment    config.Environment
	// LoginRateLimit is the number of login attempts allowed per period.
	LoginRateLimit  int64
	LoginRatePeriod string
	Version         string
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Environment:     config.EnvProduction,
		LoginRateLimit:  10,
		LoginRatePeriod: "1m",
		Version:         "dev",
	}
}

// Deps are the services the API exposes.
type Deps struct {
	Guard       middleware.SessionGuard
	Session     handlers.SessionManager
	Cookies     CookieAdapter
	Credentials handlers.CredentialStore

	Auth          handlers.Authenticator
	Users         handlers.UserService
	Notifications handlers.NotificationService
	Subscription  handlers.SubscriptionManager
	History       handlers.HistorySource
	Drafts        handlers.DraftStore
	Submitter     handlers.InspectionSubmitter
	Queue         handlers.SubmissionQueue
	Reachability  handlers.ReachabilityReporter
	Settings      handlers.SettingsService
	Tickets       handlers.TicketService
	Requests      handlers.RequestService
	Store         handlers.StorePinger
	Hub           handlers.PushHub

	// Gatherer serves /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	// OnLogout runs after an explicit logout.
	OnLogout handlers.LogoutHook
}

// CookieAdapter is the cookie store seen from both the middleware and the
// session handler.
type CookieAdapter interface {
	middleware.CookieReader
	handlers.CookieWriter
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) (*Router, error) {
	if deps.Cookies == nil {
		return nil, fmt.Errorf("api: cookie store is required")
	}
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment, logger))
	r.Engine.Use(middleware.BodyLimit(maxBodyBytes))

	healthHandler := handlers.NewHealthHandler(deps.Store, deps.Reachability, cfg.Version, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	if deps.Gatherer != nil {
		r.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	loginLimiter, err := middleware.NewRateLimiter(cfg.LoginRateLimit, cfg.LoginRatePeriod)
	if err != nil {
		return nil, err
	}

	cookies := deps.Cookies
	sessionHandler := handlers.NewSessionHandler(deps.Auth, deps.Session, cookies, deps.Credentials, logger)
	if deps.OnLogout != nil {
		sessionHandler.OnLogout(deps.OnLogout)
	}
	public := r.Engine.Group("/api/v1")
	sessionHandler.RegisterPublicRoutes(public, loginLimiter)

	auth := middleware.AuthMiddleware(deps.Guard, cookies, logger)

	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(auth)

	sessionHandler.RegisterRoutes(apiV1)
	handlers.NewNotificationsHandler(deps.Notifications, deps.Subscription, logger).RegisterRoutes(apiV1)
	handlers.NewInspectionsHandler(deps.History, deps.Drafts, deps.Submitter, deps.Subscription, logger).RegisterRoutes(apiV1)
	handlers.NewQueueHandler(deps.Queue, logger).RegisterRoutes(apiV1)
	handlers.NewSettingsHandler(deps.Settings, deps.Subscription, logger).RegisterRoutes(apiV1)
	handlers.NewTicketsHandler(deps.Tickets, logger).RegisterRoutes(apiV1)
	handlers.NewRequestsHandler(deps.Requests, logger).RegisterRoutes(apiV1)
	handlers.NewUsersHandler(deps.Users, logger).RegisterRoutes(apiV1)

	if deps.Hub != nil {
		r.Engine.GET("/ws", auth, handlers.NewWebSocketHandler(deps.Hub).Serve)
	}

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
