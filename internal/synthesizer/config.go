package synthesizer

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// Config tunes snapshot construction and checkpoint heuristics.
type Config struct {
	QuickWindow   time.Duration `koanf:"quick_window"`
	FullWindow    time.Duration `koanf:"full_window"`
	CallTimeout   time.Duration `koanf:"call_timeout"`
	DeepTimeout   time.Duration `koanf:"deep_timeout"`
	CommitRecency time.Duration `koanf:"commit_recency"`
	LexicalLimit  int           `koanf:"lexical_limit"`
	RelatedLimit  int           `koanf:"related_limit"`

	// Required lists, per depth, the sources whose absence marks the
	// snapshot partial.
	Required RequiredSources `koanf:"required"`

	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	LargeCommitFiles int           `koanf:"large_commit_files"`
}

// RequiredSources is keyed by depth.
type RequiredSources struct {
	Quick []signal.Source `koanf:"quick"`
	Full  []signal.Source `koanf:"full"`
	Deep  []signal.Source `koanf:"deep"`
}

// For returns the required sources for d.
func (r RequiredSources) For(d Depth) []signal.Source {
	switch d {
	case DepthFull:
		return r.Full
	case DepthDeep:
		return r.Deep
	default:
		return r.Quick
	}
}

// DefaultConfig returns the default synthesizer settings.
func DefaultConfig() Config {
	return Config{
		QuickWindow:   5 * time.Minute,
		FullWindow:    30 * time.Minute,
		CallTimeout:   time.Second,
		DeepTimeout:   5 * time.Second,
		CommitRecency: 30 * time.Minute,
		LexicalLimit:  5,
		RelatedLimit:  10,
		Required: RequiredSources{
			Full: []signal.Source{signal.SourceFilesystem, signal.SourceTerminal},
			Deep: []signal.Source{signal.SourceFilesystem, signal.SourceTerminal},
		},
		IdleTimeout:      15 * time.Minute,
		LargeCommitFiles: 10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QuickWindow <= 0 {
		return fmt.Errorf("quick_window must be positive")
	}
	if c.FullWindow < c.QuickWindow {
		return fmt.Errorf("full_window must be at least quick_window")
	}
	if c.CallTimeout <= 0 || c.DeepTimeout <= 0 {
		return fmt.Errorf("call_timeout and deep_timeout must be positive")
	}
	if c.CommitRecency <= 0 {
		return fmt.Errorf("commit_recency must be positive")
	}
	if c.LexicalLimit <= 0 || c.RelatedLimit <= 0 {
		return fmt.Errorf("lexical_limit and related_limit must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if c.LargeCommitFiles <= 0 {
		return fmt.Errorf("large_commit_files must be positive")
	}
	for _, set := range [][]signal.Source{c.Required.Quick, c.Required.Full, c.Required.Deep} {
		for _, src := range set {
			if !src.Valid() {
				return fmt.Errorf("required: unrecognized source %q", src)
			}
		}
	}
	return nil
}
