package signalstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/contextengine/internal/embeddings"
)

// QdrantConfig configures a remote Qdrant index over gRPC.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     string `koanf:"api_key"`
	Collection string `koanf:"collection"`
	// Dimension defaults to the embedder's dimension.
	Dimension      int           `koanf:"dimension"`
	MaxRetries     int           `koanf:"max_retries"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"`
	MaxMessageSize int           `koanf:"max_message_size"`
}

func (c *QdrantConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// QdrantIndex is an Index backed by Qdrant. Event ids are used directly as
// numeric point ids; the timestamp is stored as ts_ms so window filters run
// server-side.
type QdrantIndex struct {
	client   *qdrant.Client
	embedder embeddings.Embedder
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantIndex connects, health-checks and ensures the collection exists.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, embedder embeddings.Embedder, logger *zap.Logger) (*QdrantIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("qdrant index: embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant index: dimension must be > 0")
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant index: connecting: %w", err)
	}

	x := &QdrantIndex{client: client, embedder: embedder, config: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant index: health check: %w", err)
	}
	if err := x.ensureCollection(hctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant index ready",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return x, nil
}

func (x *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := x.client.CollectionExists(ctx, x.config.Collection)
	if err != nil {
		return fmt.Errorf("qdrant index: checking collection: %w", err)
	}
	if exists {
		return nil
	}
	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(x.config.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("qdrant index: creating collection: %w", err)
	}
	return nil
}

// Add embeds and upserts one event.
func (x *QdrantIndex) Add(ctx context.Context, doc IndexDoc) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Add")
	defer span.End()

	text := strings.TrimSpace(doc.Text)
	if text == "" || doc.ID <= 0 {
		return nil
	}
	vectors, err := x.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding event %d: %w", doc.ID, err)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(doc.ID)),
		Vectors: qdrant.NewVectors(embeddings.Normalize(vectors[0])...),
		Payload: qdrant.NewValueMap(map[string]any{
			"ts_ms":  doc.Timestamp.UnixMilli(),
			"source": string(doc.Source),
		}),
	}
	err = x.retry(ctx, "upsert", func() error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: x.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Search runs a filtered nearest-neighbour query.
func (x *QdrantIndex) Search(ctx context.Context, query string, start, end time.Time, k int) ([]IndexHit, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	if k <= 0 {
		return nil, nil
	}

	vec, err := x.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var filter *qdrant.Filter
	if !start.IsZero() || !end.IsZero() {
		r := &qdrant.Range{}
		if !start.IsZero() {
			r.Gte = qdrant.PtrOf(float64(start.UnixMilli()))
		}
		if !end.IsZero() {
			r.Lte = qdrant.PtrOf(float64(end.UnixMilli()))
		}
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewRange("ts_ms", r)}}
	}

	var points []*qdrant.ScoredPoint
	err = x.retry(ctx, "query", func() error {
		res, err := x.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: x.config.Collection,
			Query:          qdrant.NewQuery(embeddings.Normalize(vec)...),
			Limit:          qdrant.PtrOf(uint64(k)),
			Filter:         filter,
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	hits := make([]IndexHit, 0, len(points))
	for _, p := range points {
		id := p.GetId().GetNum()
		if id == 0 {
			continue
		}
		hits = append(hits, IndexHit{ID: int64(id), Score: p.GetScore()})
	}
	span.SetAttributes(attribute.Int("results_count", len(hits)))
	return hits, nil
}

// Delete removes points by event id.
func (x *QdrantIndex) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDNum(uint64(id)))
	}
	return x.retry(ctx, "delete", func() error {
		_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: x.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(pointIDs...),
		})
		return err
	})
}

// Close closes the gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}

func (x *QdrantIndex) retry(ctx context.Context, op string, fn func() error) error {
	backoff := x.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return fmt.Errorf("qdrant %s failed (permanent): %w", op, err)
		}
		if attempt >= x.config.MaxRetries {
			return fmt.Errorf("qdrant %s failed after %d retries: %w", op, x.config.MaxRetries, err)
		}
		x.logger.Debug("retrying qdrant operation", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("qdrant %s canceled: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// isTransient reports whether a gRPC error is worth retrying.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	}
	return false
}
