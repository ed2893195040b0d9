// Package signalstore is the append-only event log. Events are persisted in
// SQLite with an FTS5 index for lexical search and, optionally, mirrored into
// a vector index for semantic search.
package signalstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/sqlitedb"
)

// ErrNotFound is returned by Get for an unknown event id.
var ErrNotFound = errors.New("event not found")

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		source TEXT NOT NULL,
		payload TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		truncated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts, id);
	CREATE INDEX IF NOT EXISTS idx_events_source_ts ON events(source, ts, id);`,

	`CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
		body,
		content='events',
		content_rowid='id',
		tokenize='unicode61'
	);
	CREATE TRIGGER IF NOT EXISTS events_ai AFTER INSERT ON events BEGIN
		INSERT INTO events_fts(rowid, body) VALUES (new.id, new.body);
	END;
	CREATE TRIGGER IF NOT EXISTS events_ad AFTER DELETE ON events BEGIN
		INSERT INTO events_fts(events_fts, rowid, body) VALUES ('delete', old.id, old.body);
	END;
	CREATE TRIGGER IF NOT EXISTS events_no_update BEFORE UPDATE ON events BEGIN
		SELECT RAISE(ABORT, 'events are append-only');
	END;`,
}

const eventColumns = `id, ts, source, payload, tags, truncated`

// Window is the result of a time-window read.
type Window struct {
	Events []signal.Event
	// Cached is set when the database was unreachable and the result was
	// served from the in-memory mirror of recent events.
	Cached bool
}

// Store is the append-only event log. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	cfg    Config
	index  Index
	cache  *recentCache
	logger *zap.Logger
	now    func() time.Time

	// appendMu serializes the dedup check with the insert.
	appendMu sync.Mutex

	seenMu   sync.RWMutex
	lastSeen map[signal.Source]time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for retention and cache eviction.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open migrates the schema in db and returns a Store. The caller keeps
// ownership of db; index may be nil to disable semantic search.
func Open(ctx context.Context, db *sql.DB, cfg Config, index Index, logger *zap.Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("signal store: db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := sqlitedb.Migrate(ctx, db, "signalstore", migrations); err != nil {
		return nil, fmt.Errorf("signal store: %w", err)
	}

	s := &Store{
		db:       db,
		cfg:      cfg,
		index:    index,
		logger:   logger,
		now:      time.Now,
		lastSeen: make(map[signal.Source]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}

	floor := s.now().Add(-cfg.CacheWindow)
	s.cache = newRecentCache(cfg.CacheWindow, cfg.CacheMaxEvents, floor)
	if s.cache.enabled() {
		events, err := s.queryDB(ctx, nil, floor, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("signal store: priming cache: %w", err)
		}
		if len(events) > cfg.CacheMaxEvents {
			floor = events[len(events)-cfg.CacheMaxEvents-1].Timestamp
			events = events[len(events)-cfg.CacheMaxEvents:]
		}
		s.cache.prime(events, floor)
	}
	if err := s.loadLastSeen(ctx); err != nil {
		return nil, fmt.Errorf("signal store: %w", err)
	}

	logger.Info("signal store ready",
		zap.Bool("semantic", index != nil),
		zap.Duration("cache_window", cfg.CacheWindow),
	)
	return s, nil
}

// Append validates and persists e, returning it with its assigned id. A
// vision capture whose image hash matches the previous capture inside the
// dedup window is not stored again; the earlier event is returned.
func (s *Store) Append(ctx context.Context, e signal.Event) (signal.Event, error) {
	ctx, span := tracer.Start(ctx, "Store.Append")
	defer span.End()
	span.SetAttributes(attribute.String("source", string(e.Source)))

	e.ID = 0
	if err := e.Validate(); err != nil {
		return signal.Event{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if out, cut := signal.Truncate(e, s.cfg.MaxPayloadBytes); cut {
		e = out
		truncatedTotal.WithLabelValues(string(e.Source)).Inc()
		s.logger.Warn("event payload truncated",
			zap.String("source", string(e.Source)),
			zap.Int("limit_bytes", s.cfg.MaxPayloadBytes),
		)
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return signal.Event{}, signal.Invalid("payload", "%v", err)
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return signal.Event{}, signal.Invalid("tags", "%v", err)
	}

	s.appendMu.Lock()
	if dup, ok, err := s.visionDuplicate(ctx, e); err != nil {
		s.appendMu.Unlock()
		return signal.Event{}, s.storageErr(span, "append event", err)
	} else if ok {
		s.appendMu.Unlock()
		dedupedTotal.Inc()
		s.touch(e.Source, e.Timestamp)
		return dup, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (ts, source, payload, body, tags, truncated, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UnixNano(), string(e.Source), string(payload), e.Text(), string(tagsJSON),
		boolToInt(e.Truncated), s.now().UnixNano(),
	)
	if err != nil {
		s.appendMu.Unlock()
		return signal.Event{}, s.storageErr(span, "append event", err)
	}
	id, err := res.LastInsertId()
	s.appendMu.Unlock()
	if err != nil {
		return signal.Event{}, s.storageErr(span, "append event", err)
	}
	e.ID = id

	appendedTotal.WithLabelValues(string(e.Source)).Inc()
	s.cache.add(e, s.now())
	s.touch(e.Source, e.Timestamp)
	span.SetAttributes(attribute.Int64("event_id", id))

	if s.index != nil {
		doc := IndexDoc{ID: id, Timestamp: e.Timestamp, Source: e.Source, Text: e.Text()}
		if err := s.index.Add(ctx, doc); err != nil {
			indexErrorsTotal.WithLabelValues("add").Inc()
			s.logger.Warn("semantic index add failed", zap.Int64("event_id", id), zap.Error(err))
		}
	}
	return e, nil
}

func (s *Store) visionDuplicate(ctx context.Context, e signal.Event) (signal.Event, bool, error) {
	v, ok := e.Vision()
	if !ok || v.ImageHash == "" || s.cfg.VisionDedupWindow <= 0 {
		return signal.Event{}, false, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		WHERE source = ? AND ts >= ? AND ts <= ?
		ORDER BY ts DESC, id DESC LIMIT 1`,
		string(signal.SourceVision),
		e.Timestamp.Add(-s.cfg.VisionDedupWindow).UnixNano(),
		e.Timestamp.UnixNano(),
	)
	if err != nil {
		return signal.Event{}, false, err
	}
	prev, err := scanEvents(rows)
	if err != nil {
		return signal.Event{}, false, err
	}
	if len(prev) == 0 {
		return signal.Event{}, false, nil
	}
	if pv, ok := prev[0].Vision(); ok && pv.ImageHash == v.ImageHash {
		return prev[0], true, nil
	}
	return signal.Event{}, false, nil
}

// Get returns one event by id.
func (s *Store) Get(ctx context.Context, id int64) (signal.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return signal.Event{}, fmt.Errorf("get event: %w: %w", signal.ErrStorageFailure, err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return signal.Event{}, fmt.Errorf("get event: %w: %w", signal.ErrStorageFailure, err)
	}
	if len(events) == 0 {
		return signal.Event{}, ErrNotFound
	}
	return events[0], nil
}

// QueryWindow returns the events from the given sources with timestamps in
// [start, end], oldest first with ties broken by id. An empty source list
// matches every source; zero bounds are open.
func (s *Store) QueryWindow(ctx context.Context, sources []signal.Source, start, end time.Time) (Window, error) {
	ctx, span := tracer.Start(ctx, "Store.QueryWindow")
	defer span.End()
	defer observe("window", time.Now())

	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return Window{}, signal.Invalid("end", "must not be before start")
	}
	set := make(map[signal.Source]bool, len(sources))
	for _, src := range sources {
		if !src.Valid() {
			return Window{}, signal.Invalid("sources", "unrecognized source %q", src)
		}
		set[src] = true
	}

	events, err := s.queryDB(ctx, sources, start, end)
	if err != nil {
		if s.cache.covers(start) && ctx.Err() == nil {
			cacheFallbackTotal.Inc()
			s.logger.Warn("window query served from cache", zap.Error(err))
			return Window{Events: s.cache.query(set, start, end), Cached: true}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Window{}, fmt.Errorf("query window: %w: %w", signal.ErrTimeoutExceeded, err)
		}
		return Window{}, s.storageErr(span, "query window", err)
	}
	span.SetAttributes(attribute.Int("results_count", len(events)))
	return Window{Events: events}, nil
}

func (s *Store) queryDB(ctx context.Context, sources []signal.Source, start, end time.Time) ([]signal.Event, error) {
	lo, hi := bounds(start, end)
	var b strings.Builder
	b.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE ts >= ? AND ts <= ?`)
	args := []any{lo, hi}
	if len(sources) > 0 {
		b.WriteString(` AND source IN (`)
		for i, src := range sources {
			if i > 0 {
				b.WriteString(`, `)
			}
			b.WriteString(`?`)
			args = append(args, string(src))
		}
		b.WriteString(`)`)
	}
	b.WriteString(` ORDER BY ts ASC, id ASC`)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LexicalSearch runs a BM25-ranked full-text query over event text inside
// [start, end]. Scores are positive, higher is better.
func (s *Store) LexicalSearch(ctx context.Context, query string, start, end time.Time, limit int) ([]signal.ScoredEvent, error) {
	ctx, span := tracer.Start(ctx, "Store.LexicalSearch")
	defer span.End()
	defer observe("lexical", time.Now())

	match, err := BuildMatchQuery(query)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.LexicalLimit
	}
	lo, hi := bounds(start, end)

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.ts, e.source, e.payload, e.tags, e.truncated, bm25(events_fts) AS rank
		FROM events_fts
		JOIN events e ON e.id = events_fts.rowid
		WHERE events_fts MATCH ? AND e.ts >= ? AND e.ts <= ?
		ORDER BY rank ASC, e.id ASC
		LIMIT ?`,
		match, lo, hi, limit,
	)
	if err != nil {
		return nil, s.searchErr(span, err)
	}
	defer rows.Close()

	var out []signal.ScoredEvent
	for rows.Next() {
		var (
			r    eventRow
			rank float64
		)
		if err := rows.Scan(&r.id, &r.ts, &r.source, &r.payload, &r.tags, &r.truncated, &rank); err != nil {
			return nil, s.searchErr(span, err)
		}
		e, err := r.event()
		if err != nil {
			return nil, s.storageErr(span, "lexical search", err)
		}
		out = append(out, signal.ScoredEvent{Event: e, Score: -rank})
	}
	if err := rows.Err(); err != nil {
		return nil, s.searchErr(span, err)
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// SemanticSearch returns up to k events nearest to query inside [start,
// end], scored by cosine similarity clamped to [0, 1]. It returns nothing
// when no index is configured.
func (s *Store) SemanticSearch(ctx context.Context, query string, start, end time.Time, k int) ([]signal.ScoredEvent, error) {
	ctx, span := tracer.Start(ctx, "Store.SemanticSearch")
	defer span.End()
	defer observe("semantic", time.Now())

	if strings.TrimSpace(query) == "" {
		return nil, signal.Invalid("query", "must not be empty")
	}
	if s.index == nil {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	hits, err := s.index.Search(ctx, query, start, end, k)
	if err != nil {
		indexErrorsTotal.WithLabelValues("search").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]any, len(hits))
	placeholders := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		placeholders[i] = "?"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, ids...)
	if err != nil {
		return nil, s.storageErr(span, "semantic search", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, s.storageErr(span, "semantic search", err)
	}
	byID := make(map[int64]signal.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	out := make([]signal.ScoredEvent, 0, len(hits))
	for _, h := range hits {
		e, ok := byID[h.ID]
		if !ok {
			continue
		}
		out = append(out, signal.ScoredEvent{Event: e, Score: clampScore(h.Score)})
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// PurgeOlderThan deletes events from src older than age, in batches, and
// returns how many were removed. A non-positive age keeps everything.
func (s *Store) PurgeOlderThan(ctx context.Context, src signal.Source, age time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "Store.PurgeOlderThan")
	defer span.End()

	if !src.Valid() {
		return 0, signal.Invalid("source", "unrecognized source %q", src)
	}
	if age <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-age).UnixNano()

	total := 0
	for {
		ids, err := s.expiredBatch(ctx, src, cutoff)
		if err != nil {
			return total, s.storageErr(span, "purge", err)
		}
		if len(ids) == 0 {
			break
		}
		if err := s.deleteIDs(ctx, ids); err != nil {
			return total, s.storageErr(span, "purge", err)
		}
		total += len(ids)
		purgedTotal.WithLabelValues(string(src)).Add(float64(len(ids)))
		s.cache.remove(ids)
		if s.index != nil {
			if err := s.index.Delete(ctx, ids); err != nil {
				indexErrorsTotal.WithLabelValues("delete").Inc()
				s.logger.Warn("semantic index delete failed", zap.Int("count", len(ids)), zap.Error(err))
			}
		}
		if len(ids) < s.cfg.PurgeBatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(s.cfg.PurgeYield):
		}
	}

	span.SetAttributes(attribute.Int("purged", total))
	if total > 0 {
		s.logger.Info("purged expired events", zap.String("source", string(src)), zap.Int("count", total))
	}
	return total, nil
}

func (s *Store) expiredBatch(ctx context.Context, src signal.Source, cutoff int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM events WHERE source = ? AND ts < ? ORDER BY id LIMIT ?`,
		string(src), cutoff, s.cfg.PurgeBatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) deleteIDs(ctx context.Context, ids []int64) error {
	args := make([]any, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		placeholders[i] = "?"
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	return err
}

// Sweep applies retention to every source and returns the per-source
// purge counts. It stops at the first error.
func (s *Store) Sweep(ctx context.Context, r Retention) (map[signal.Source]int, error) {
	out := make(map[signal.Source]int)
	for _, src := range signal.Sources() {
		n, err := s.PurgeOlderThan(ctx, src, r.For(src))
		if n > 0 {
			out[src] = n
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Counts returns the number of stored events per source.
func (s *Store) Counts(ctx context.Context) (map[signal.Source]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM events GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w: %w", signal.ErrStorageFailure, err)
	}
	defer rows.Close()
	out := make(map[signal.Source]int)
	for rows.Next() {
		var (
			src string
			n   int
		)
		if err := rows.Scan(&src, &n); err != nil {
			return nil, fmt.Errorf("count events: %w: %w", signal.ErrStorageFailure, err)
		}
		out[signal.Source(src)] = n
	}
	return out, rows.Err()
}

// LastSeen returns the newest event timestamp observed per source.
func (s *Store) LastSeen() map[signal.Source]time.Time {
	s.seenMu.RLock()
	defer s.seenMu.RUnlock()
	out := make(map[signal.Source]time.Time, len(s.lastSeen))
	for k, v := range s.lastSeen {
		out[k] = v
	}
	return out
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the semantic index. The database is owned by the caller.
func (s *Store) Close() error {
	if s.index != nil {
		return s.index.Close()
	}
	return nil
}

func (s *Store) touch(src signal.Source, ts time.Time) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	if ts.After(s.lastSeen[src]) {
		s.lastSeen[src] = ts
	}
}

func (s *Store) loadLastSeen(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT source, MAX(ts) FROM events GROUP BY source`)
	if err != nil {
		return fmt.Errorf("loading last seen: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			src string
			ts  int64
		)
		if err := rows.Scan(&src, &ts); err != nil {
			return fmt.Errorf("loading last seen: %w", err)
		}
		s.touch(signal.Source(src), time.Unix(0, ts).UTC())
	}
	return rows.Err()
}

func (s *Store) storageErr(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fmt.Errorf("%s: %w: %w", op, signal.ErrStorageFailure, err)
}

func (s *Store) searchErr(span trace.Span, err error) error {
	if isQuerySyntaxError(err) {
		return signal.Invalid("query", "%v", err)
	}
	return s.storageErr(span, "lexical search", err)
}

type eventRow struct {
	id        int64
	ts        int64
	source    string
	payload   string
	tags      string
	truncated int
}

func (r eventRow) event() (signal.Event, error) {
	src := signal.Source(r.source)
	payload, err := signal.DecodePayload(src, json.RawMessage(r.payload))
	if err != nil {
		return signal.Event{}, fmt.Errorf("decoding event %d: %w", r.id, err)
	}
	var tags []string
	if r.tags != "" {
		if err := json.Unmarshal([]byte(r.tags), &tags); err != nil {
			return signal.Event{}, fmt.Errorf("decoding tags of event %d: %w", r.id, err)
		}
	}
	if len(tags) == 0 {
		tags = nil
	}
	return signal.Event{
		ID:        r.id,
		Timestamp: time.Unix(0, r.ts).UTC(),
		Source:    src,
		Payload:   payload,
		Tags:      tags,
		Truncated: r.truncated != 0,
	}, nil
}

func scanEvents(rows *sql.Rows) ([]signal.Event, error) {
	defer rows.Close()
	out := make([]signal.Event, 0)
	for rows.Next() {
		var r eventRow
		if err := rows.Scan(&r.id, &r.ts, &r.source, &r.payload, &r.tags, &r.truncated); err != nil {
			return nil, err
		}
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func bounds(start, end time.Time) (int64, int64) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !start.IsZero() {
		lo = start.UnixNano()
	}
	if !end.IsZero() {
		hi = end.UnixNano()
	}
	return lo, hi
}

func observe(kind string, start time.Time) {
	queryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
