// Package api provides the HTTP control plane of the vmvault daemon.
package api

import (
	"github.com/MacJediWizard/vmvault/internal/api/handlers"
	"github.com/MacJediWizard/vmvault/internal/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// MaxBodyBytes bounds request bodies. Zero uses the middleware default.
	MaxBodyBytes int64
	// Stream configures the websocket event streams.
	Stream handlers.StreamConfig
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: middleware.DefaultMaxBodyBytes,
		Stream:       handlers.DefaultStreamConfig(),
		Version:      "dev",
		Commit:       "unknown",
		BuildDate:    "unknown",
	}
}

// Deps are the daemon components the routes serve.
type Deps struct {
	VMs      handlers.VMLister
	Launcher handlers.RunLauncher
	Board    handlers.RunBoard
	Shutdown handlers.ShutdownStatus
	Gatherer prometheus.Gatherer
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	systemHandler := handlers.NewSystemHandler(cfg.Version, cfg.Commit, cfg.BuildDate, deps.Shutdown, logger)
	systemHandler.RegisterPublicRoutes(r.Engine)

	metricsHandler := handlers.NewMetricsHandler(deps.Gatherer, logger)
	metricsHandler.RegisterPublicRoutes(r.Engine)

	apiV1 := r.Engine.Group("/api/v1")
	systemHandler.RegisterRoutes(apiV1)

	vmsHandler := handlers.NewVMsHandler(deps.VMs, logger)
	vmsHandler.RegisterRoutes(apiV1)

	runsHandler := handlers.NewRunsHandler(deps.Launcher, deps.Board, logger)
	runsHandler.RegisterRoutes(apiV1)

	stream := cfg.Stream
	if stream.PingInterval <= 0 {
		stream = handlers.DefaultStreamConfig()
	}
	eventsHandler := handlers.NewEventsHandler(deps.Board, stream, logger)
	eventsHandler.RegisterRoutes(apiV1)

	r.logger.Debug().Int("routes", len(r.Engine.Routes())).Msg("routes registered")
	return r
}
