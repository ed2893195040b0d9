package signalstore

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// Config holds signal store configuration.
type Config struct {
	// Path is the SQLite database file.
	Path string `koanf:"path"`
	// MaxPayloadBytes caps each free-text payload field. Longer text is
	// truncated with a warning.
	MaxPayloadBytes int `koanf:"max_payload_bytes"`
	// CacheWindow is how much recent history is mirrored in memory for
	// read fallback when the database is unreachable.
	CacheWindow time.Duration `koanf:"cache_window"`
	// CacheMaxEvents bounds the in-memory mirror.
	CacheMaxEvents int `koanf:"cache_max_events"`
	// VisionDedupWindow collapses consecutive vision captures with the same
	// image hash inside this window into the first event.
	VisionDedupWindow time.Duration `koanf:"vision_dedup_window"`
	// PurgeBatchSize is the number of events deleted per batch.
	PurgeBatchSize int `koanf:"purge_batch_size"`
	// PurgeYield is the pause between purge batches.
	PurgeYield time.Duration `koanf:"purge_yield"`
	// LexicalLimit is the default result cap for lexical search.
	LexicalLimit int `koanf:"lexical_limit"`

	Semantic  SemanticConfig `koanf:"semantic"`
	Retention Retention      `koanf:"retention"`
}

// SemanticConfig selects the vector index backend.
type SemanticConfig struct {
	// Backend is "chromem", "qdrant" or "none".
	Backend string        `koanf:"backend"`
	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// Retention is the per-source retention period. Zero keeps events forever.
type Retention struct {
	Vision     time.Duration `koanf:"vision"`
	AudioMic   time.Duration `koanf:"audio_mic"`
	AudioCall  time.Duration `koanf:"audio_call"`
	Filesystem time.Duration `koanf:"filesystem"`
	Terminal   time.Duration `koanf:"terminal"`
	Clipboard  time.Duration `koanf:"clipboard"`
}

// For returns the retention period for src.
func (r Retention) For(src signal.Source) time.Duration {
	switch src {
	case signal.SourceVision:
		return r.Vision
	case signal.SourceAudioMic:
		return r.AudioMic
	case signal.SourceAudioCall:
		return r.AudioCall
	case signal.SourceFilesystem:
		return r.Filesystem
	case signal.SourceTerminal:
		return r.Terminal
	case signal.SourceClipboard:
		return r.Clipboard
	}
	return 0
}

// Longest returns the longest finite retention period, or zero when every
// source is kept forever.
func (r Retention) Longest() time.Duration {
	var longest time.Duration
	for _, src := range signal.Sources() {
		if d := r.For(src); d > longest {
			longest = d
		}
	}
	return longest
}

const day = 24 * time.Hour

// DefaultRetention keeps vision 7 days, microphone audio 90 days and call
// transcripts indefinitely.
func DefaultRetention() Retention {
	return Retention{
		Vision:     7 * day,
		AudioMic:   90 * day,
		AudioCall:  0,
		Filesystem: 30 * day,
		Terminal:   30 * day,
		Clipboard:  30 * day,
	}
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:              "~/.local/share/contextengine/events.db",
		MaxPayloadBytes:   64 * 1024,
		CacheWindow:       30 * time.Minute,
		CacheMaxEvents:    5000,
		VisionDedupWindow: 5 * time.Minute,
		PurgeBatchSize:    500,
		PurgeYield:        10 * time.Millisecond,
		LexicalLimit:      50,
		Semantic: SemanticConfig{
			Backend: "chromem",
			Chromem: ChromemConfig{
				Path:          "~/.local/share/contextengine/vectors",
				Collection:    "events",
				MaxCandidates: 1000,
			},
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "contextengine_events",
			},
		},
		Retention: DefaultRetention(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("max_payload_bytes must be >= 0, got %d", c.MaxPayloadBytes)
	}
	if c.CacheWindow < 0 || c.CacheMaxEvents < 0 {
		return fmt.Errorf("cache window and size must be >= 0")
	}
	if c.PurgeBatchSize <= 0 {
		return fmt.Errorf("purge_batch_size must be > 0, got %d", c.PurgeBatchSize)
	}
	if c.LexicalLimit <= 0 {
		return fmt.Errorf("lexical_limit must be > 0, got %d", c.LexicalLimit)
	}
	for _, src := range signal.Sources() {
		if c.Retention.For(src) < 0 {
			return fmt.Errorf("retention for %s must be >= 0", src)
		}
	}
	switch c.Semantic.Backend {
	case "none", "":
	case "chromem":
		if c.Semantic.Chromem.Collection == "" {
			return fmt.Errorf("semantic.chromem.collection is required")
		}
	case "qdrant":
		if c.Semantic.Qdrant.Host == "" || c.Semantic.Qdrant.Port <= 0 {
			return fmt.Errorf("semantic.qdrant host and port are required")
		}
		if c.Semantic.Qdrant.Collection == "" {
			return fmt.Errorf("semantic.qdrant.collection is required")
		}
	default:
		return fmt.Errorf("unknown semantic backend %q", c.Semantic.Backend)
	}
	return nil
}
