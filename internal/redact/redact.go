// Package redact strips secrets from event text before it is persisted,
// using the gitleaks rule set.
package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var (
	// ErrInvalidTOML indicates an allowlist file that does not parse.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")
	// ErrInvalidRegex indicates an allowlist pattern that does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

var secretsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "contextengine",
	Subsystem: "redact",
	Name:      "secrets_total",
	Help:      "Secrets removed from event text by rule.",
}, []string{"rule"})

// Config configures secret redaction.
type Config struct {
	Enabled bool `koanf:"enabled"`
	// AllowlistPath is an optional TOML file with an [allowlist] table of
	// regexes whose matches are never redacted.
	AllowlistPath string `koanf:"allowlist_path"`
}

// DefaultConfig enables redaction with no allowlist.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Finding is one detected secret.
type Finding struct {
	RuleID string
	Secret string
}

// Redactor replaces secrets with [REDACTED:rule:preview] markers. It is
// safe for concurrent use.
type Redactor struct {
	enabled  bool
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a Redactor. A disabled config yields a pass-through redactor.
func New(cfg Config) (*Redactor, error) {
	if !cfg.Enabled {
		return &Redactor{}, nil
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if cfg.AllowlistPath != "" {
		patterns, err := LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return nil, err
		}
		applyAllowlist(&d.Config, patterns)
	}
	return &Redactor{enabled: true, detector: d}, nil
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool { return r != nil && r.enabled }

// Detect returns the secrets found in text.
func (r *Redactor) Detect(text string) []Finding {
	if !r.Enabled() || strings.TrimSpace(text) == "" {
		return nil
	}
	r.mu.Lock()
	found := r.detector.DetectString(text)
	r.mu.Unlock()

	out := make([]Finding, 0, len(found))
	for _, f := range found {
		if f.Secret == "" {
			continue
		}
		out = append(out, Finding{RuleID: f.RuleID, Secret: f.Secret})
	}
	return out
}

// Redact returns text with every detected secret replaced and the number
// of distinct secrets removed.
func (r *Redactor) Redact(text string) (string, int) {
	findings := r.Detect(text)
	if len(findings) == 0 {
		return text, 0
	}
	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})
	seen := make(map[string]bool, len(findings))
	n := 0
	for _, f := range findings {
		if seen[f.Secret] || !strings.Contains(text, f.Secret) {
			continue
		}
		seen[f.Secret] = true
		text = strings.ReplaceAll(text, f.Secret, marker(f))
		secretsTotal.WithLabelValues(f.RuleID).Inc()
		n++
	}
	return text, n
}

// RedactEvent applies Redact to every free-text field of e. Paths and
// identifiers are left alone.
func (r *Redactor) RedactEvent(e signal.Event) (signal.Event, int) {
	if !r.Enabled() {
		return e, 0
	}
	total := 0
	out := signal.MapText(e, func(s string) string {
		red, n := r.Redact(s)
		total += n
		return red
	})
	return out, total
}

func marker(f Finding) string {
	preview := f.Secret
	if len(preview) > 4 {
		preview = preview[:4]
	}
	return fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, preview)
}

// LoadAllowlist reads the regexes of an allowlist TOML file:
//
//	[allowlist]
//	regexes = ['''^sk-test-''']
func LoadAllowlist(path string) ([]string, error) {
	var doc struct {
		Allowlist struct {
			Regexes []string `toml:"regexes"`
		} `toml:"allowlist"`
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("allowlist %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return doc.Allowlist.Regexes, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	al := &gitleaksConfig.Allowlist{Description: "contextengine allowlist"}
	for _, p := range patterns {
		al.Regexes = append(al.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	cfg.Allowlists = append(cfg.Allowlists, al)
}
