package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/logging"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients.
	Name string `koanf:"name"`
	// Version is the implementation version reported to clients.
	Version string `koanf:"version"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "contextengine",
		Version: "0.1.0",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	return nil
}

// Ingester accepts producer events.
type Ingester interface {
	Ingest(ctx context.Context, e signal.Event) (signal.Event, error)
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

// WindowReader reads raw history.
type WindowReader interface {
	QueryWindow(ctx context.Context, sources []signal.Source, start, end time.Time) (signalstore.Window, error)
}

// Services are the tools' dependencies. All are required.
type Services struct {
	Ingest   Ingester
	Context  ContextProvider
	Search   Searcher
	Window   WindowReader
	Sessions session.Service
}

// Server registers the engine's tools on an MCP server.
type Server struct {
	mcp      *mcp.Server
	svc      Services
	registry *ToolRegistry
	metrics  *toolMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewServer creates the server and registers every tool.
func NewServer(cfg *Config, svc Services, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mcp config: %w", err)
	}
	switch {
	case svc.Ingest == nil:
		return nil, fmt.Errorf("ingest service is required")
	case svc.Context == nil:
		return nil, fmt.Errorf("context provider is required")
	case svc.Search == nil:
		return nil, fmt.Errorf("search service is required")
	case svc.Window == nil:
		return nil, fmt.Errorf("window reader is required")
	case svc.Sessions == nil:
		return nil, fmt.Errorf("session service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		svc:      svc,
		registry: NewToolRegistry(),
		metrics:  defaultToolMetrics(logger),
		logger:   logger,
		now:      time.Now,
	}
	s.registerTools()
	return s, nil
}

// Registry returns the tool metadata index.
func (s *Server) Registry() *ToolRegistry {
	return s.registry
}

// Run serves on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.Int("tools", s.registry.Count()))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// partialResult is implemented by outputs that carry a complete flag.
type partialResult interface {
	partial() bool
}

func isPartial(out any) bool {
	p, ok := out.(partialResult)
	return ok && p.partial()
}

// addTool registers a typed handler with metrics, logging and a one-line
// text summary alongside the structured result.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h func(context.Context, In) (Out, string, error)) {
	s.registry.Register(meta)
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        name,
		Description: meta.Description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		log := logging.Wrap(s.logger.With(zap.String("tool", name)))
		ctx = logging.WithLogger(ctx, log)
		done := s.metrics.begin(ctx, name)
		out, summary, err := h(ctx, in)
		done(err, err == nil && isPartial(out))

		if err != nil {
			log.Warn(ctx, "tool call failed",
				zap.String("reason", categorizeError(err)),
				zap.Error(err),
			)
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: summary}},
		}, out, nil
	})
}
