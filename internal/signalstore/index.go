package signalstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/embeddings"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"go.uber.org/zap"
)

// IndexDoc is the projection of an event stored in the vector index.
type IndexDoc struct {
	ID        int64
	Timestamp time.Time
	Source    signal.Source
	Text      string
}

// IndexHit is a nearest-neighbour match.
type IndexHit struct {
	ID    int64
	Score float32
}

// Index is a vector-similarity index over event text. The event log stays
// the source of truth; the index only maps ids to similarity.
type Index interface {
	Add(ctx context.Context, doc IndexDoc) error
	// Search returns up to k hits with timestamps inside [start, end],
	// best first. Zero bounds are open.
	Search(ctx context.Context, query string, start, end time.Time, k int) ([]IndexHit, error)
	Delete(ctx context.Context, ids []int64) error
	Close() error
}

// NewIndex builds the backend named in cfg. It returns nil for "none".
func NewIndex(ctx context.Context, cfg SemanticConfig, embedder embeddings.Provider, logger *zap.Logger) (Index, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "chromem":
		return NewChromemIndex(cfg.Chromem, embedder, logger)
	case "qdrant":
		q := cfg.Qdrant
		if q.Dimension == 0 {
			q.Dimension = embedder.Dimension()
		}
		return NewQdrantIndex(ctx, q, embedder, logger)
	default:
		return nil, fmt.Errorf("unknown semantic backend %q", cfg.Backend)
	}
}

func inWindow(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

func clampScore(s float32) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return float64(s)
	}
}
