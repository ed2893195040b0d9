// Package embeddings turns event text into vectors for the semantic index.
//
// Providers:
//   - fastembed: local ONNX models through fastembed-go (requires cgo)
//   - tei: a Text Embeddings Inference server over HTTP
//   - openai: any OpenAI-compatible embeddings endpoint through langchaingo
//   - hash: deterministic feature hashing, no model; used offline and in tests
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Embedder generates vectors for documents and queries.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Provider is an Embedder with a known dimension and releasable resources.
type Provider interface {
	Embedder
	Dimension() int
	Close() error
}

// Config selects and configures a provider.
type Config struct {
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    string `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// DefaultConfig returns the local fastembed configuration.
func DefaultConfig() Config {
	return Config{
		Provider:  "fastembed",
		Model:     "BAAI/bge-small-en-v1.5",
		Dimension: 384,
	}
}

// Validate checks the configuration for the selected provider.
func (c Config) Validate() error {
	switch c.Provider {
	case "fastembed", "hash":
	case "tei", "openai":
		if c.BaseURL == "" {
			return fmt.Errorf("%w: base_url required for %s provider", ErrInvalidConfig, c.Provider)
		}
		if c.Model == "" {
			return fmt.Errorf("%w: model required for %s provider", ErrInvalidConfig, c.Provider)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// NewProvider creates the provider named in cfg.
func NewProvider(cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "fastembed":
		p, err := NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "tei":
		return NewTEIProvider(cfg.BaseURL, cfg.Model, dimensionFor(cfg)), nil
	case "openai":
		p, err := NewOpenAIProvider(cfg.BaseURL, cfg.Model, cfg.APIKey, dimensionFor(cfg))
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return NewHashProvider(dimensionFor(cfg)), nil
	}
}

func dimensionFor(cfg Config) int {
	if cfg.Dimension > 0 {
		return cfg.Dimension
	}
	if dim, ok := fastEmbedModelDimension(cfg.Model); ok {
		return dim
	}
	m := strings.ToLower(cfg.Model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
