// Package search answers free-text queries against the signal store's
// lexical and semantic backends, fusing them with the hybrid ranker.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/ranker"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var tracer = otel.Tracer("contextengine.search")

// Mode selects which backends answer a query.
type Mode string

const (
	ModeLexical  Mode = "lexical"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode parses a mode name; empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHybrid:
		return ModeHybrid, nil
	case ModeLexical:
		return ModeLexical, nil
	case ModeSemantic:
		return ModeSemantic, nil
	}
	return "", signal.Invalid("mode", "must be lexical, semantic or hybrid, got %q", s)
}

// Backend is the read side of the signal store used for search.
type Backend interface {
	LexicalSearch(ctx context.Context, query string, start, end time.Time, limit int) ([]signal.ScoredEvent, error)
	SemanticSearch(ctx context.Context, query string, start, end time.Time, k int) ([]signal.ScoredEvent, error)
}

// Config bounds each backend call.
type Config struct {
	// Timeout applies to each backend call separately.
	Timeout time.Duration `koanf:"timeout"`
	// DefaultLimit is used when a request does not set one.
	DefaultLimit int `koanf:"default_limit"`
	// MaxLimit caps requested limits.
	MaxLimit int `koanf:"max_limit"`
	// Oversample multiplies the limit when fetching candidates from each
	// backend, leaving room for fusion and source filtering.
	Oversample int `koanf:"oversample"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      2 * time.Second,
		DefaultLimit: 10,
		MaxLimit:     100,
		Oversample:   3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("search timeout must be > 0")
	}
	if c.DefaultLimit <= 0 || c.MaxLimit < c.DefaultLimit {
		return fmt.Errorf("search limits need 0 < default_limit <= max_limit")
	}
	if c.Oversample < 1 {
		return fmt.Errorf("search oversample must be >= 1")
	}
	return nil
}

// Request is one query.
type Request struct {
	Query   string          `json:"query"`
	Mode    Mode            `json:"mode,omitempty"`
	Sources []signal.Source `json:"sources,omitempty"`
	Start   time.Time       `json:"start,omitempty"`
	End     time.Time       `json:"end,omitempty"`
	Limit   int             `json:"limit,omitempty"`
}

// Response carries the fused results. Complete is false when a backend
// failed or timed out; Degraded says which and why.
type Response struct {
	Query    string          `json:"query"`
	Mode     Mode            `json:"mode"`
	Results  []ranker.Result `json:"results"`
	Complete bool            `json:"complete"`
	Degraded []string        `json:"degraded,omitempty"`
}

// Service runs searches.
type Service struct {
	backend  Backend
	hybrid   *ranker.Ranker
	lexical  *ranker.Ranker
	semantic *ranker.Ranker
	cfg      Config
	logger   *zap.Logger
}

// NewService builds a search service over backend using rk for hybrid
// fusion.
func NewService(backend Backend, rk *ranker.Ranker, cfg Config, logger *zap.Logger) (*Service, error) {
	if backend == nil || rk == nil {
		return nil, fmt.Errorf("search: backend and ranker are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lex, _ := ranker.New(ranker.Config{LexicalWeight: 1})
	sem, _ := ranker.New(ranker.Config{SemanticWeight: 1})
	return &Service{backend: backend, hybrid: rk, lexical: lex, semantic: sem, cfg: cfg, logger: logger}, nil
}

// Search runs req. Validation problems are returned as errors; backend
// failures degrade the response instead, unless every backend failed.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "Service.Search")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		return Response{}, signal.Invalid("query", "must not be empty")
	}
	mode, err := ParseMode(string(req.Mode))
	if err != nil {
		return Response{}, err
	}
	if !req.Start.IsZero() && !req.End.IsZero() && req.End.Before(req.Start) {
		return Response{}, signal.Invalid("end", "must not be before start")
	}
	for _, src := range req.Sources {
		if !src.Valid() {
			return Response{}, signal.Invalid("sources", "unrecognized source %q", src)
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}
	span.SetAttributes(attribute.String("mode", string(mode)), attribute.Int("limit", limit))

	fetch := limit * s.cfg.Oversample
	var (
		wg               sync.WaitGroup
		lexHits, semHits []signal.ScoredEvent
		lexErr, semErr   error
	)
	if mode != ModeSemantic {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			lexHits, lexErr = s.backend.LexicalSearch(cctx, req.Query, req.Start, req.End, fetch)
		}()
	}
	if mode != ModeLexical {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			semHits, semErr = s.backend.SemanticSearch(cctx, req.Query, req.Start, req.End, fetch)
		}()
	}
	wg.Wait()

	if signal.IsValidation(lexErr) {
		return Response{}, lexErr
	}
	if signal.IsValidation(semErr) {
		return Response{}, semErr
	}

	resp := Response{Query: req.Query, Mode: mode, Complete: true}
	for _, f := range []struct {
		name string
		err  error
	}{{"lexical", lexErr}, {"semantic", semErr}} {
		if f.err == nil {
			continue
		}
		resp.Complete = false
		resp.Degraded = append(resp.Degraded, f.name+": "+reason(f.err))
		s.logger.Warn("search backend degraded", zap.String("backend", f.name), zap.Error(f.err))
	}
	if (mode == ModeLexical && lexErr != nil) ||
		(mode == ModeSemantic && semErr != nil) ||
		(mode == ModeHybrid && lexErr != nil && semErr != nil) {
		return Response{}, firstErr(lexErr, semErr)
	}

	var merged []ranker.Result
	switch mode {
	case ModeLexical:
		merged = s.lexical.Merge(lexHits, nil)
	case ModeSemantic:
		merged = s.semantic.Merge(nil, semHits)
	default:
		merged = s.hybrid.Merge(lexHits, semHits)
	}
	resp.Results = filterSources(merged, req.Sources, limit)
	span.SetAttributes(attribute.Int("results_count", len(resp.Results)), attribute.Bool("complete", resp.Complete))
	return resp, nil
}

func filterSources(results []ranker.Result, sources []signal.Source, limit int) []ranker.Result {
	allowed := make(map[signal.Source]bool, len(sources))
	for _, src := range sources {
		allowed[src] = true
	}
	out := make([]ranker.Result, 0, limit)
	for _, r := range results {
		if len(allowed) > 0 && !allowed[r.Event.Source] {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out
}

func reason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, signal.ErrTimeoutExceeded) {
		return "timeout"
	}
	return err.Error()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("search: %w: %w", signal.ErrTimeoutExceeded, err)
			}
			return fmt.Errorf("search: %w", err)
		}
	}
	return nil
}
