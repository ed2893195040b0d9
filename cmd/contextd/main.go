// Contextd is the context engine daemon.
//
// It records activity events from producers (screen, voice, filesystem,
// terminal, clipboard), indexes them for lexical and semantic search and
// answers "what is the user doing" over an HTTP API and, with -mcp, over
// the MCP stdio transport.
//
// Configuration is read from ~/.config/contextengine/config.yaml and
// CONTEXTENGINE_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP daemon
//	contextd
//
//	# Serve MCP tools on stdio (HTTP stays up alongside)
//	contextd -mcp
//
//	# Override settings
//	CONTEXTENGINE_SERVER_PORT=9191 contextd -config ~/.config/contextengine/dev.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/config"
	httpapi "github.com/fyrsmithlabs/contextengine/internal/http"
	"github.com/fyrsmithlabs/contextengine/internal/logging"
	"github.com/fyrsmithlabs/contextengine/internal/mcp"
	"github.com/fyrsmithlabs/contextengine/internal/services"
	"github.com/fyrsmithlabs/contextengine/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type options struct {
	configPath string
	mcpStdio   bool
	noHTTP     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/contextengine/config.yaml)")
	flag.BoolVar(&opts.mcpStdio, "mcp", false, "serve MCP tools on stdin/stdout")
	flag.BoolVar(&opts.noHTTP, "no-http", false, "do not start the HTTP API")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  contextd [-config path] [-mcp] [-no-http]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  contextd version                           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("contextd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("contextd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled or a transport
// fails:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the logger
//  3. Builds the engine (store, index, search, synthesizer, sessions,
//     ingest, bus, watcher, scheduler)
//  4. Serves HTTP and, when requested, MCP on stdio
//  5. Shuts down gracefully within server.shutdown_timeout
func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.mcpStdio {
		cfg.Logging.Output.Stderr = true
	}
	cfg.Telemetry.ServiceVersion = versionOr(cfg.Telemetry.ServiceVersion)
	cfg.MCP.Version = versionOr(cfg.MCP.Version)

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.Shutdown.Timeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	lg, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := lg.Underlying()
	defer func() {
		_ = lg.Sync()
	}()

	logger.Info("starting contextd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
		zap.Bool("mcp", opts.mcpStdio),
		zap.Bool("http", !opts.noHTTP),
		zap.Bool("telemetry", tel.IsEnabled()),
	)
	if token := cfg.Server.AuthToken; token.IsSet() {
		logger.Info("api bearer auth enabled", logging.RedactedString("token", token.Value()))
	}
	if h := tel.Health(); h.Degraded {
		logger.Warn("telemetry degraded", zap.Strings("reasons", h.Reasons))
	}

	eng, err := services.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("engine close failed", zap.Error(err))
		}
	}()
	if err := eng.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)

	var srv *httpapi.Server
	if !opts.noHTTP {
		httpCfg := cfg.Server.HTTP()
		srv, err = httpapi.NewServer(eng.HTTP(), logger.Named("http"), &httpCfg)
		if err != nil {
			return fmt.Errorf("failed to create http server: %w", err)
		}
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if opts.mcpStdio {
		mcpSrv, err := mcp.NewServer(&cfg.MCP, eng.MCP(), logger.Named("mcp"))
		if err != nil {
			return fmt.Errorf("failed to create mcp server: %w", err)
		}
		go func() {
			// The client closing stdin ends the session and the daemon.
			errCh <- mcpSrv.Run(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("transport failed", zap.Error(runErr))
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}
	}
	logger.Info("contextd stopped")
	return runErr
}

func versionOr(configured string) string {
	if version != "dev" {
		return version
	}
	return configured
}
