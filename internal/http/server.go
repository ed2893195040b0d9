// Package http serves the engine's REST API over echo.
package http

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/ingest"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// AuthToken, when non-empty, is required as a bearer token on /api.
	AuthToken string
	// RateLimit is requests per second per client IP; zero disables.
	RateLimit float64
	RateBurst int
	// BodyLimit caps request bodies, e.g. "2M".
	BodyLimit string
}

// Ingester accepts producer events.
type Ingester interface {
	Ingest(ctx context.Context, e signal.Event) (signal.Event, error)
	IngestBatch(ctx context.Context, events []signal.Event) ([]ingest.Result, error)
	IngestCall(ctx context.Context, call ingest.CallTranscript) ([]signal.Event, error)
}

// ContextProvider answers the derived-context queries.
type ContextProvider interface {
	GetCurrentContext(ctx context.Context, depth synthesizer.Depth) (synthesizer.Snapshot, error)
	DetectStuck(ctx context.Context) (synthesizer.StuckReport, error)
	SuggestAction(ctx context.Context) (synthesizer.Action, error)
}

// Searcher runs ranked searches.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

// WindowReader reads raw history and producer heartbeats.
type WindowReader interface {
	QueryWindow(ctx context.Context, sources []signal.Source, start, end time.Time) (signalstore.Window, error)
	LastSeen() map[signal.Source]time.Time
}

// Services are the handlers' dependencies. All are required.
type Services struct {
	Ingest   Ingester
	Context  ContextProvider
	Search   Searcher
	Window   WindowReader
	Sessions session.Service
}

func (s Services) validate() error {
	switch {
	case s.Ingest == nil:
		return fmt.Errorf("ingest service is required")
	case s.Context == nil:
		return fmt.Errorf("context provider is required")
	case s.Search == nil:
		return fmt.Errorf("search service is required")
	case s.Window == nil:
		return fmt.Errorf("window reader is required")
	case s.Sessions == nil:
		return fmt.Errorf("session service is required")
	}
	return nil
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	svc     Services
	logger  *zap.Logger
	config  *Config
	metrics *serverMetrics
	now     func() time.Time
}

// NewServer creates the server and registers its routes.
func NewServer(svc Services, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger))
	metrics := defaultServerMetrics(logger)
	e.Use(metrics.middleware())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
		now:     time.Now,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.config.AuthToken != "" {
		v1.Use(bearerAuth(s.config.AuthToken))
	}
	if s.config.RateLimit > 0 {
		v1.Use(newIPRateLimiter(s.config.RateLimit, s.config.RateBurst, s.logger).middleware())
	}

	v1.POST("/events", s.handleAppendEvent)
	v1.POST("/events/batch", s.handleAppendBatch)
	v1.GET("/events", s.handleQueryWindow)
	v1.POST("/calls", s.handleCall)

	v1.GET("/context", s.handleContext)
	v1.GET("/stuck", s.handleStuck)
	v1.GET("/suggest", s.handleSuggest)
	v1.GET("/search", s.handleSearch)

	v1.POST("/sessions", s.handleSaveSession)
	v1.GET("/sessions/last", s.handleLoadLastSession)
	v1.GET("/sessions/history", s.handleSessionHistory)
}

// Echo exposes the router for extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
