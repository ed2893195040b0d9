package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/bus"
	"github.com/fyrsmithlabs/contextengine/internal/config"
	"github.com/fyrsmithlabs/contextengine/internal/detector"
	"github.com/fyrsmithlabs/contextengine/internal/embeddings"
	"github.com/fyrsmithlabs/contextengine/internal/ingest"
	"github.com/fyrsmithlabs/contextengine/internal/ranker"
	"github.com/fyrsmithlabs/contextengine/internal/redact"
	"github.com/fyrsmithlabs/contextengine/internal/repo"
	"github.com/fyrsmithlabs/contextengine/internal/scheduler"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
	"github.com/fyrsmithlabs/contextengine/internal/sqlitedb"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
	"github.com/fyrsmithlabs/contextengine/internal/watcher"
)

// Engine is a built Registry that owns the resources behind it.
type Engine struct {
	Registry

	logger  *zap.Logger
	closers []func() error
	cancel  context.CancelFunc
}

// Build constructs every component from cfg. On error, whatever was opened
// is released before returning.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (eng *Engine, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	db, err := sqlitedb.Open(cfg.Store.Path, sqlitedb.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	e.onClose(db.Close)

	index, err := openIndex(ctx, cfg, logger, e)
	if err != nil {
		return nil, err
	}

	store, err := signalstore.Open(ctx, db, cfg.Store, index, logger.Named("signalstore"))
	if err != nil {
		return nil, err
	}
	e.onClose(store.Close)

	sessions, err := session.NewService(ctx, db, cfg.Session, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("creating session service: %w", err)
	}

	det, err := detector.New(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	rk, err := ranker.New(cfg.Ranker)
	if err != nil {
		return nil, fmt.Errorf("creating ranker: %w", err)
	}
	searchSvc, err := search.NewService(store, rk, cfg.Search, logger.Named("search"))
	if err != nil {
		return nil, fmt.Errorf("creating search service: %w", err)
	}

	synthOpts := []synthesizer.Option{synthesizer.WithSearcher(searchSvc)}
	if inspector := openRepo(cfg.Watcher.Roots, logger); inspector != nil {
		synthOpts = append(synthOpts, synthesizer.WithRepo(inspector))
	}
	synth, err := synthesizer.New(cfg.Synthesizer, store, det, logger.Named("synthesizer"), synthOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating synthesizer: %w", err)
	}

	redactor, err := redact.New(cfg.Redact)
	if err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}

	var (
		b   *bus.Bus
		pub bus.Publisher
	)
	if cfg.Bus.Enabled {
		if b, err = bus.Connect(cfg.Bus, logger.Named("bus")); err != nil {
			return nil, err
		}
		e.onClose(b.Close)
		pub = b
	}

	ingestSvc, err := ingest.New(store, redactor, pub, logger.Named("ingest"))
	if err != nil {
		return nil, err
	}

	var w *watcher.Watcher
	if cfg.Watcher.Enabled {
		if w, err = watcher.New(cfg.Watcher, ingestSvc, logger.Named("watcher")); err != nil {
			return nil, err
		}
		e.onClose(w.Close)
	}

	sched, err := newScheduler(cfg, synth, store, sessions, pub, logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}

	e.Registry = NewRegistry(Options{
		Store:       store,
		Ingest:      ingestSvc,
		Search:      searchSvc,
		Synthesizer: synth,
		Sessions:    sessions,
		Bus:         b,
		Watcher:     w,
		Scheduler:   sched,
	})
	logger.Info("engine built",
		zap.String("store", cfg.Store.Path),
		zap.String("semantic_backend", cfg.Store.Semantic.Backend),
		zap.Bool("bus", b != nil),
		zap.Bool("watcher", w != nil),
		zap.Strings("jobs", sched.Jobs()),
	)
	return e, nil
}

func openIndex(ctx context.Context, cfg *config.Config, logger *zap.Logger, e *Engine) (signalstore.Index, error) {
	switch cfg.Store.Semantic.Backend {
	case "", "none":
		return nil, nil
	}
	provider, err := embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("creating embeddings provider: %w", err)
	}
	e.onClose(provider.Close)

	index, err := signalstore.NewIndex(ctx, cfg.Store.Semantic, provider, logger.Named("index"))
	if err != nil {
		return nil, fmt.Errorf("opening semantic index: %w", err)
	}
	return index, nil
}

// openRepo returns an inspector for the first watched root that is a git
// repository.
func openRepo(roots []string, logger *zap.Logger) *repo.Inspector {
	for _, root := range roots {
		in, err := repo.Open(root)
		if err == nil {
			return in
		}
		if !errors.Is(err, repo.ErrNotGitRepo) {
			logger.Warn("repository unavailable", zap.String("root", root), zap.Error(err))
		}
	}
	return nil
}

func newScheduler(cfg *config.Config, synth *synthesizer.Synthesizer, store *signalstore.Store, sessions session.Service, pub bus.Publisher, logger *zap.Logger) (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(cfg.Scheduler.RunTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	jobs := []scheduler.Job{
		scheduler.DetectionJob(cfg.Scheduler.DetectionInterval, synth, pub, logger),
		scheduler.RetentionJob(cfg.Scheduler.RetentionInterval, store, cfg.Store.Retention, logger),
		scheduler.SessionCleanupJob(cfg.Scheduler.SessionCleanupInterval, sessions, cfg.Session.Retention, logger),
		scheduler.CheckpointJob(cfg.Scheduler.CheckpointInterval, synth, sessions, store, cfg.Session.DefaultSessionID, logger),
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// Start launches the watcher and the scheduler. They stop on Close.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if w := e.Watcher(); w != nil {
		if err := w.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("starting watcher: %w", err)
		}
	}
	if err := e.Scheduler().Start(); err != nil {
		cancel()
		return fmt.Errorf("starting scheduler: %w", err)
	}
	return nil
}

// Close stops background work and releases resources in reverse order of
// acquisition. It is safe to call on a partially built engine.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	var errs []error
	if e.Registry != nil {
		if err := e.Scheduler().Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}
