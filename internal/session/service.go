package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/logging"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/sqlitedb"
)

const instrumentationName = "github.com/fyrsmithlabs/contextengine/internal/session"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS session_states (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		saved_at INTEGER NOT NULL,
		trigger TEXT NOT NULL,
		task_status TEXT NOT NULL,
		state TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_states_session ON session_states(session_id, seq);
	CREATE TRIGGER IF NOT EXISTS session_states_no_update BEFORE UPDATE ON session_states BEGIN
		SELECT RAISE(ABORT, 'session states are append-only');
	END;`,
}

// Service persists and restores session state.
type Service interface {
	// Save appends a new record and returns it with record id and save time.
	Save(ctx context.Context, state State) (State, error)

	// LoadLast returns the latest record for sessionID, or the latest
	// record overall when sessionID is empty. It returns nil without error
	// when nothing has been saved yet.
	LoadLast(ctx context.Context, sessionID string) (*State, error)

	// History returns up to limit records for sessionID, newest first.
	History(ctx context.Context, sessionID string, limit int) ([]State, error)

	// Cleanup deletes superseded records older than retention and returns
	// how many were removed.
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

// Config configures the session service.
type Config struct {
	// Retention is how long superseded records are kept.
	Retention time.Duration `koanf:"retention"`
	// DefaultSessionID is used when a save names no session.
	DefaultSessionID string `koanf:"default_session_id"`
	// HistoryLimit is the default page size for History.
	HistoryLimit int `koanf:"history_limit"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:        30 * 24 * time.Hour,
		DefaultSessionID: "default",
		HistoryLimit:     20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Retention < 0 {
		return fmt.Errorf("session retention must be >= 0")
	}
	if err := logging.ValidateID(c.DefaultSessionID, "default_session_id"); err != nil {
		return err
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("session history_limit must be > 0")
	}
	return nil
}

type service struct {
	db     *sql.DB
	config Config
	logger *zap.Logger
	now    func() time.Time

	tracer       trace.Tracer
	meter        metric.Meter
	saveCounter  metric.Int64Counter
	loadCounter  metric.Int64Counter
	purgeCounter metric.Int64Counter
}

// Option configures the service.
type Option func(*service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// NewService migrates the session table in db and returns a Service.
func NewService(ctx context.Context, db *sql.DB, cfg Config, logger *zap.Logger, opts ...Option) (Service, error) {
	if db == nil {
		return nil, fmt.Errorf("session service: db is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session service: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := sqlitedb.Migrate(ctx, db, "session", migrations); err != nil {
		return nil, fmt.Errorf("session service: %w", err)
	}

	s := &service{
		db:     db,
		config: cfg,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"contextengine.session.saves_total",
		metric.WithDescription("Total number of session states saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.loadCounter, err = s.meter.Int64Counter(
		"contextengine.session.loads_total",
		metric.WithDescription("Total number of session restores"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		s.logger.Warn("failed to create load counter", zap.Error(err))
	}

	s.purgeCounter, err = s.meter.Int64Counter(
		"contextengine.session.purged_total",
		metric.WithDescription("Superseded session records removed by retention"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		s.logger.Warn("failed to create purge counter", zap.Error(err))
	}
}

func (s *service) Save(ctx context.Context, state State) (State, error) {
	ctx, span := s.tracer.Start(ctx, "session.Save")
	defer span.End()

	if state.SessionID == "" {
		state.SessionID = s.config.DefaultSessionID
	}
	if err := logging.ValidateID(state.SessionID, "session_id"); err != nil {
		return State{}, signal.Invalid("session_id", "%v", err)
	}
	ctx = logging.WithSessionID(ctx, state.SessionID)
	state.normalize()
	if err := state.validate(); err != nil {
		return State{}, err
	}
	if state.ResumePrompt == "" {
		state.ResumePrompt = ResumePrompt(state)
	}
	state.RecordID = uuid.New().String()
	state.SavedAt = s.now().UTC()

	body, err := json.Marshal(state)
	if err != nil {
		return State{}, fmt.Errorf("encoding session state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_states (record_id, session_id, saved_at, trigger, task_status, state) VALUES (?, ?, ?, ?, ?, ?)`,
		state.RecordID, state.SessionID, state.SavedAt.UnixNano(), string(state.Trigger), string(state.TaskStatus), string(body),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return State{}, fmt.Errorf("save session: %w: %w", signal.ErrStorageFailure, err)
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(state.Trigger))))
	}
	span.SetAttributes(
		attribute.String("session.id", state.SessionID),
		attribute.String("record_id", state.RecordID),
	)
	logging.FromContext(ctx, s.logger).Info(ctx, "session state saved",
		zap.String("record_id", state.RecordID),
		zap.String("trigger", string(state.Trigger)),
	)
	return state, nil
}

func (s *service) LoadLast(ctx context.Context, sessionID string) (*State, error) {
	ctx, span := s.tracer.Start(ctx, "session.LoadLast")
	defer span.End()

	query := `SELECT state FROM session_states ORDER BY seq DESC LIMIT 1`
	var args []any
	if sessionID != "" {
		if err := logging.ValidateID(sessionID, "session_id"); err != nil {
			return nil, signal.Invalid("session_id", "%v", err)
		}
		query = `SELECT state FROM session_states WHERE session_id = ? ORDER BY seq DESC LIMIT 1`
		args = append(args, sessionID)
	}

	var body string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	hit := err == nil
	if s.loadCounter != nil {
		s.loadCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("hit", hit)))
	}
	if err == sql.ErrNoRows {
		s.logger.Debug("no saved session state", zap.String("session_id", sessionID))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load session: %w: %w", signal.ErrStorageFailure, err)
	}

	var state State
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	return &state, nil
}

func (s *service) History(ctx context.Context, sessionID string, limit int) ([]State, error) {
	ctx, span := s.tracer.Start(ctx, "session.History")
	defer span.End()

	if limit <= 0 {
		limit = s.config.HistoryLimit
	}
	if sessionID == "" {
		sessionID = s.config.DefaultSessionID
	}
	if err := logging.ValidateID(sessionID, "session_id"); err != nil {
		return nil, signal.Invalid("session_id", "%v", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM session_states WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session history: %w: %w", signal.ErrStorageFailure, err)
	}
	defer rows.Close()

	out := make([]State, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("session history: %w: %w", signal.ErrStorageFailure, err)
		}
		var st State
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			return nil, fmt.Errorf("decoding session state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	ctx, span := s.tracer.Start(ctx, "session.Cleanup")
	defer span.End()

	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_states
		WHERE saved_at < ?
		AND seq NOT IN (SELECT MAX(seq) FROM session_states GROUP BY session_id)`, cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("session cleanup: %w: %w", signal.ErrStorageFailure, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if s.purgeCounter != nil {
			s.purgeCounter.Add(ctx, n)
		}
		s.logger.Info("removed superseded session states", zap.Int64("count", n))
	}
	return int(n), nil
}
