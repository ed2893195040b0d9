package signalstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/embeddings"
)

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path string `koanf:"path"`
	// Compress gzips persisted documents.
	Compress bool `koanf:"compress"`
	// Collection is the collection holding event vectors.
	Collection string `koanf:"collection"`
	// MaxCandidates bounds how many nearest neighbours are fetched before
	// the time-window filter is applied.
	MaxCandidates int `koanf:"max_candidates"`
}

// ChromemIndex is an Index backed by chromem-go. chromem metadata filters
// only support string equality, so the time window is applied after the
// similarity query.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embeddings.Embedder
	config     ChromemConfig
	logger     *zap.Logger
}

// NewChromemIndex opens or creates the chromem collection.
func NewChromemIndex(cfg ChromemConfig, embedder embeddings.Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("chromem index: embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "events"
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 1000
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("chromem index: expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("chromem index: creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("chromem index: opening db: %w", err)
		}
		cfg.Path = path
	}

	embedQuery := func(ctx context.Context, text string) ([]float32, error) {
		v, err := embedder.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		return embeddings.Normalize(v), nil
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, embedQuery)
	if err != nil {
		return nil, fmt.Errorf("chromem index: collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem index ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("documents", col.Count()),
	)

	return &ChromemIndex{
		db:         db,
		collection: col,
		embedder:   embedder,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Add embeds and stores one event.
func (x *ChromemIndex) Add(ctx context.Context, doc IndexDoc) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Add")
	defer span.End()

	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return nil
	}
	vectors, err := x.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding event %d: %w", doc.ID, err)
	}

	err = x.collection.AddDocument(ctx, chromem.Document{
		ID: strconv.FormatInt(doc.ID, 10),
		Metadata: map[string]string{
			"ts":     strconv.FormatInt(doc.Timestamp.UnixNano(), 10),
			"source": string(doc.Source),
		},
		Embedding: embeddings.Normalize(vectors[0]),
		Content:   text,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding event %d: %w", doc.ID, err)
	}
	return nil
}

// Search queries the nearest neighbours and filters them to the window.
func (x *ChromemIndex) Search(ctx context.Context, query string, start, end time.Time, k int) ([]IndexHit, error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()

	count := x.collection.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	n := x.config.MaxCandidates
	if n > count {
		n = count
	}
	span.SetAttributes(attribute.Int("candidates", n), attribute.Int("k", k))

	results, err := x.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying chromem: %w", err)
	}

	hits := make([]IndexHit, 0, k)
	for _, r := range results {
		nanos, err := strconv.ParseInt(r.Metadata["ts"], 10, 64)
		if err != nil {
			continue
		}
		if !inWindow(time.Unix(0, nanos), start, end) {
			continue
		}
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, IndexHit{ID: id, Score: r.Similarity})
		if len(hits) == k {
			break
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Delete removes events from the collection.
func (x *ChromemIndex) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = strconv.FormatInt(id, 10)
	}
	if err := x.collection.Delete(ctx, nil, nil, strIDs...); err != nil {
		return fmt.Errorf("deleting from chromem: %w", err)
	}
	return nil
}

// Close is a no-op; chromem persists on every write.
func (x *ChromemIndex) Close() error { return nil }

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
