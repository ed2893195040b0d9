// Package config loads the engine's configuration: compiled defaults, then
// an optional YAML file, then CONTEXTENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/bus"
	"github.com/fyrsmithlabs/contextengine/internal/detector"
	"github.com/fyrsmithlabs/contextengine/internal/embeddings"
	httpapi "github.com/fyrsmithlabs/contextengine/internal/http"
	"github.com/fyrsmithlabs/contextengine/internal/logging"
	"github.com/fyrsmithlabs/contextengine/internal/mcp"
	"github.com/fyrsmithlabs/contextengine/internal/ranker"
	"github.com/fyrsmithlabs/contextengine/internal/redact"
	"github.com/fyrsmithlabs/contextengine/internal/scheduler"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
	"github.com/fyrsmithlabs/contextengine/internal/telemetry"
	"github.com/fyrsmithlabs/contextengine/internal/watcher"
)

// Config is the complete engine configuration. Each section belongs to the
// package that consumes it.
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Logging     logging.Config     `koanf:"logging"`
	Telemetry   telemetry.Config   `koanf:"telemetry"`
	Store       signalstore.Config `koanf:"store"`
	Embeddings  embeddings.Config  `koanf:"embeddings"`
	Ranker      ranker.Config      `koanf:"ranker"`
	Search      search.Config      `koanf:"search"`
	Detector    detector.Config    `koanf:"detector"`
	Synthesizer synthesizer.Config `koanf:"synthesizer"`
	Session     session.Config     `koanf:"session"`
	Redact      redact.Config      `koanf:"redact"`
	Bus         bus.Config         `koanf:"bus"`
	Watcher     watcher.Config     `koanf:"watcher"`
	Scheduler   scheduler.Config   `koanf:"scheduler"`
	MCP         mcp.Config         `koanf:"mcp"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken Secret `koanf:"auth_token"`
	// RateLimit is requests per second across all clients; zero disables.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
	BodyLimit string  `koanf:"body_limit"`
}

// HTTP converts the section into the server package's options.
func (s ServerConfig) HTTP() httpapi.Config {
	return httpapi.Config{
		Host:      s.Host,
		Port:      s.Port,
		AuthToken: s.AuthToken.Value(),
		RateLimit: s.RateLimit,
		RateBurst: s.RateBurst,
		BodyLimit: s.BodyLimit,
	}
}

// Default returns the compiled defaults for every section.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       50,
			RateBurst:       100,
			BodyLimit:       "2M",
		},
		Logging:     *logging.NewDefaultConfig(),
		Telemetry:   *telemetry.NewDefaultConfig(),
		Store:       signalstore.DefaultConfig(),
		Embeddings:  embeddings.DefaultConfig(),
		Ranker:      ranker.DefaultConfig(),
		Search:      search.DefaultConfig(),
		Detector:    detector.DefaultConfig(),
		Synthesizer: synthesizer.DefaultConfig(),
		Session:     session.DefaultConfig(),
		Redact:      redact.DefaultConfig(),
		Bus:         bus.DefaultConfig(),
		Watcher:     watcher.DefaultConfig(),
		Scheduler:   scheduler.DefaultConfig(),
		MCP:         *mcp.DefaultConfig(),
	}
}

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]*[A-Za-z0-9])?$`)

// Validate checks every section and reports all failures together.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	add("server", c.Server.validate())
	add("logging", c.Logging.Validate())
	add("telemetry", c.Telemetry.Validate())
	add("store", c.Store.Validate())
	add("store", validateStorePaths(c.Store))
	add("embeddings", c.Embeddings.Validate())
	add("ranker", c.Ranker.Validate())
	add("search", c.Search.Validate())
	add("detector", c.Detector.Validate())
	add("synthesizer", c.Synthesizer.Validate())
	add("session", c.Session.Validate())
	add("bus", c.Bus.Validate())
	add("watcher", c.Watcher.Validate())
	add("scheduler", c.Scheduler.Validate())
	add("mcp", c.MCP.Validate())

	return errors.Join(errs...)
}

func (s ServerConfig) validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be 0-65535, got %d", s.Port)
	}
	if s.Host != "" && !hostnamePattern.MatchString(s.Host) {
		return fmt.Errorf("invalid host %q", s.Host)
	}
	if s.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0")
	}
	if s.RateLimit > 0 && s.RateBurst <= 0 {
		return fmt.Errorf("rate_burst must be > 0 when rate_limit is set")
	}
	return nil
}

// validateStorePaths rejects traversal in the database and vector paths
// and shell metacharacters in the Qdrant host.
func validateStorePaths(s signalstore.Config) error {
	for _, p := range []string{s.Path, s.Semantic.Chromem.Path} {
		if p == "" {
			continue
		}
		for _, part := range strings.Split(filepath.ToSlash(p), "/") {
			if part == ".." {
				return fmt.Errorf("path %q must not contain '..'", p)
			}
		}
	}
	if s.Semantic.Backend == "qdrant" && !hostnamePattern.MatchString(s.Semantic.Qdrant.Host) {
		return fmt.Errorf("invalid qdrant host %q", s.Semantic.Qdrant.Host)
	}
	return nil
}
