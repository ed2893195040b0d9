// Package watcher turns filesystem and git activity under a set of roots
// into filesystem events.
package watcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/ignore"
	"github.com/fyrsmithlabs/contextengine/internal/repo"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Sink receives the events the watcher produces.
type Sink interface {
	Ingest(ctx context.Context, e signal.Event) (signal.Event, error)
}

// Config configures the watcher.
type Config struct {
	Enabled     bool          `koanf:"enabled"`
	Roots       []string      `koanf:"roots"`
	IgnoreFiles []string      `koanf:"ignore_files"`
	Debounce    time.Duration `koanf:"debounce"`
	MaxDirs     int           `koanf:"max_dirs"`
}

// DefaultConfig returns a disabled watcher with sensible limits.
func DefaultConfig() Config {
	return Config{
		IgnoreFiles: []string{".gitignore", ".contextignore"},
		Debounce:    500 * time.Millisecond,
		MaxDirs:     4096,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative")
	}
	if c.MaxDirs <= 0 {
		return fmt.Errorf("max_dirs must be positive")
	}
	if c.Enabled && len(c.Roots) == 0 {
		return fmt.Errorf("roots required when the watcher is enabled")
	}
	return nil
}

type root struct {
	path    string
	ignore  *ignore.Matcher
	gitDir  string
	reflog  string
	inspect *repo.Inspector
}

// Watcher watches roots recursively and emits events to a Sink.
type Watcher struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger
	fsw    *fsnotify.Watcher
	roots  []*root
	now    func() time.Time

	mu         sync.Mutex
	dirs       int
	lastEmit   map[string]time.Time
	lastCommit map[string]string
}

// New prepares a watcher for cfg.Roots. Roots that are git repositories
// also produce commit events.
func New(cfg Config, sink Sink, logger *zap.Logger) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, fmt.Errorf("watcher: sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	w := &Watcher{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		fsw:        fsw,
		now:        time.Now,
		lastEmit:   make(map[string]time.Time),
		lastCommit: make(map[string]string),
	}
	parser := ignore.NewParser(cfg.IgnoreFiles, ignore.DefaultAlwaysIgnore)
	for _, p := range cfg.Roots {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("resolving root %s: %w", p, err)
		}
		m, err := parser.ParseProject(abs)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("reading ignore files in %s: %w", abs, err)
		}
		r := &root{path: abs, ignore: m}
		if gitDir, err := repo.GitDir(abs); err == nil {
			r.gitDir = gitDir
			r.reflog = filepath.Join(gitDir, "logs", "HEAD")
			if in, err := repo.Open(abs); err == nil {
				r.inspect = in
			}
		}
		w.roots = append(w.roots, r)
	}
	return w, nil
}

// Start adds watches and processes events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, r := range w.roots {
		if err := w.addTree(r, r.path); err != nil {
			return err
		}
		if r.gitDir != "" {
			w.watchGit(r)
		}
	}
	go w.loop(ctx)
	w.logger.Info("watcher started", zap.Int("roots", len(w.roots)), zap.Int("dirs", w.dirs))
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) watchGit(r *root) {
	// logs/ may not exist until the first commit.
	_ = w.fsw.Add(r.gitDir)
	if err := w.fsw.Add(filepath.Dir(r.reflog)); err == nil {
		w.lastCommit[r.path], _ = lastReflogHash(r.reflog)
	}
}

func (w *Watcher) addTree(r *root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("walking %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != r.path && r.ignore.Ignored(path, true) {
			return filepath.SkipDir
		}
		w.mu.Lock()
		full := w.dirs >= w.cfg.MaxDirs
		if !full {
			w.dirs++
		}
		w.mu.Unlock()
		if full {
			w.logger.Warn("watch limit reached", zap.String("dir", path), zap.Int("max_dirs", w.cfg.MaxDirs))
			return filepath.SkipAll
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("watch failed", zap.String("dir", path), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) rootFor(path string) *root {
	for _, r := range w.roots {
		if r.gitDir != "" && within(path, r.gitDir) {
			return r
		}
		if within(path, r.path) {
			return r
		}
	}
	return nil
}

func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	r := w.rootFor(ev.Name)
	if r == nil {
		return
	}
	if r.gitDir != "" && within(ev.Name, r.gitDir) {
		if ev.Name == filepath.Dir(r.reflog) && ev.Has(fsnotify.Create) {
			_ = w.fsw.Add(ev.Name)
		}
		if ev.Name == r.reflog && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
			w.handleReflog(ctx, r)
		}
		return
	}

	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()
	if r.ignore.Ignored(ev.Name, isDir) {
		return
	}

	var action signal.FileAction
	switch {
	case ev.Has(fsnotify.Create):
		action = signal.FileCreate
		if isDir {
			if err := w.addTree(r, ev.Name); err != nil {
				w.logger.Warn("watching new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
		}
	case ev.Has(fsnotify.Write):
		action = signal.FileModify
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		action = signal.FileDelete
	default:
		return
	}
	if isDir && action != signal.FileCreate {
		return
	}
	if !w.shouldEmit(ev.Name, action) {
		return
	}
	w.emit(ctx, signal.FilePayload{Path: ev.Name, Action: action})
}

// shouldEmit collapses bursts of the same action on the same path.
func (w *Watcher) shouldEmit(path string, action signal.FileAction) bool {
	key := string(action) + ":" + path
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastEmit[key]; ok && now.Sub(last) < w.cfg.Debounce {
		return false
	}
	w.lastEmit[key] = now
	if len(w.lastEmit) > 4*w.cfg.MaxDirs {
		for k, t := range w.lastEmit {
			if now.Sub(t) >= w.cfg.Debounce {
				delete(w.lastEmit, k)
			}
		}
	}
	return true
}

func (w *Watcher) handleReflog(ctx context.Context, r *root) {
	hash, op := lastReflogHash(r.reflog)
	if hash == "" || !strings.HasPrefix(op, "commit") {
		w.mu.Lock()
		if hash != "" {
			w.lastCommit[r.path] = hash
		}
		w.mu.Unlock()
		return
	}
	w.mu.Lock()
	seen := w.lastCommit[r.path] == hash
	w.lastCommit[r.path] = hash
	w.mu.Unlock()
	if seen {
		return
	}

	p := signal.FilePayload{Path: r.path, Action: signal.FileCommit, CommitHash: hash}
	if r.inspect != nil {
		if c, err := r.inspect.Commit(hash); err == nil {
			p.Message = c.Message
			p.FilesChanged = len(c.FilesChanged)
		} else {
			w.logger.Debug("commit details unavailable", zap.String("hash", hash), zap.Error(err))
		}
	}
	if p.Message == "" {
		p.Message = strings.TrimSpace(strings.TrimPrefix(op[strings.IndexByte(op, ':')+1:], " "))
	}
	w.emit(ctx, p)
}

func (w *Watcher) emit(ctx context.Context, p signal.FilePayload) {
	e := signal.Event{Timestamp: w.now().UTC(), Source: signal.SourceFilesystem, Payload: p}
	if _, err := w.sink.Ingest(ctx, e); err != nil {
		w.logger.Warn("dropping filesystem event", zap.String("path", p.Path), zap.String("action", string(p.Action)), zap.Error(err))
	}
}

// lastReflogHash returns the new hash and the message of the final reflog
// line. A reflog line is "<old> <new> <who> <when> <tz>\t<message>".
func lastReflogHash(path string) (hash, message string) {
	f, err := os.Open(path)
	if err != nil {
		return "", ""
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	return parseReflogLine(last)
}

func parseReflogLine(line string) (hash, message string) {
	head, msg, _ := strings.Cut(line, "\t")
	parts := strings.Fields(head)
	if len(parts) < 2 {
		return "", ""
	}
	return parts[1], strings.TrimSpace(msg)
}
