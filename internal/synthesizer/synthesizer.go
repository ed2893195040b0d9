// Package synthesizer fuses the event history and the pattern detector
// into a point-in-time context snapshot with suggestions.
package synthesizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/detector"
	"github.com/fyrsmithlabs/contextengine/internal/repo"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
)

var tracer = otel.Tracer("contextengine.synthesizer")

// Store is the read side of the signal store.
type Store interface {
	QueryWindow(ctx context.Context, sources []signal.Source, start, end time.Time) (signalstore.Window, error)
	LexicalSearch(ctx context.Context, query string, start, end time.Time, limit int) ([]signal.ScoredEvent, error)
}

// Searcher runs hybrid searches.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

// RepoStatus reports working tree state.
type RepoStatus interface {
	Status() (repo.Status, error)
}

// Synthesizer builds snapshots. It holds no mutable state and is safe for
// concurrent use.
type Synthesizer struct {
	cfg      Config
	store    Store
	det      *detector.Detector
	searcher Searcher
	repo     RepoStatus
	logger   *zap.Logger
	now      func() time.Time
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithSearcher enables related results at deep depth.
func WithSearcher(s Searcher) Option {
	return func(sy *Synthesizer) { sy.searcher = s }
}

// WithRepo enables repository status at full and deep depth.
func WithRepo(r RepoStatus) Option {
	return func(sy *Synthesizer) { sy.repo = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(sy *Synthesizer) { sy.now = now }
}

// New builds a Synthesizer.
func New(cfg Config, store Store, det *detector.Detector, logger *zap.Logger, opts ...Option) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid synthesizer config: %w", err)
	}
	if store == nil || det == nil {
		return nil, fmt.Errorf("synthesizer: store and detector are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synthesizer{cfg: cfg, store: store, det: det, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the active configuration.
func (s *Synthesizer) Config() Config { return s.cfg }

// GetCurrentContext builds a snapshot at the given depth. Only an invalid
// depth is an error; every other failure degrades the snapshot.
func (s *Synthesizer) GetCurrentContext(ctx context.Context, depth Depth) (Snapshot, error) {
	d, err := ParseDepth(string(depth))
	if err != nil {
		return Snapshot{}, err
	}
	snap, _ := s.build(ctx, d)
	return *snap, nil
}

// DetectStuck scans the detector window. A report built from partial data
// says so; an empty pattern list from a complete scan means no evidence of
// being stuck.
func (s *Synthesizer) DetectStuck(ctx context.Context) (StuckReport, error) {
	ctx, span := tracer.Start(ctx, "Synthesizer.DetectStuck")
	defer span.End()

	now := s.now()
	rep := StuckReport{Patterns: []signal.StuckPattern{}, Complete: true}
	events, reason := s.window(ctx, now.Add(-s.det.Config().ScanWindow), now)
	if reason != "" {
		rep.Complete = false
		rep.Degraded = append(rep.Degraded, reason)
	}
	if found := s.det.Scan(events); len(found) > 0 {
		rep.Patterns = found
	}
	if p, ok := detector.Primary(rep.Patterns); ok {
		rep.IsStuck = true
		rep.Primary = &p
		rep.Suggestion = p.Suggestion
	}
	span.SetAttributes(attribute.Bool("stuck", rep.IsStuck), attribute.Int("patterns", len(rep.Patterns)))
	return rep, nil
}

// SuggestAction returns the single most useful next step with the reason
// it was chosen.
func (s *Synthesizer) SuggestAction(ctx context.Context) (Action, error) {
	snap, sugg := s.build(ctx, DepthFull)
	a := Action{Complete: snap.Complete}
	if len(sugg) > 0 {
		a.Action = sugg[0].text
		a.Reasoning = sugg[0].reason
		a.Pattern = string(sugg[0].pattern)
		return a, nil
	}
	if snap.ActiveWork.Task != "" {
		a.Action = fmt.Sprintf("Keep going on %s.", snap.ActiveWork.Task)
	} else {
		a.Action = "No action needed."
	}
	a.Reasoning = "no stuck patterns or pending work detected"
	if !snap.Complete {
		a.Reasoning += " in the available signals"
	}
	return a, nil
}

func (s *Synthesizer) build(ctx context.Context, depth Depth) (*Snapshot, []suggestion) {
	ctx, span := tracer.Start(ctx, "Synthesizer.build")
	defer span.End()
	span.SetAttributes(attribute.String("depth", string(depth)))

	now := s.now()
	snap := &Snapshot{
		SnapshotTime: now,
		Depth:        depth,
		Suggestions:  []string{},
		Complete:     true,
	}
	degrade := func(reason string) {
		snap.Complete = false
		snap.Degraded = append(snap.Degraded, reason)
	}

	window := s.cfg.QuickWindow
	if depth != DepthQuick {
		window = s.cfg.FullWindow
	}
	events, reason := s.window(ctx, now.Add(-window), now)
	if reason != "" {
		degrade(reason)
	}
	src := bySource(events)
	quickStart := now.Add(-s.cfg.QuickWindow)

	snap.RecentActivity.Last5MinScreen = screenRollup(since(src[signal.SourceVision], quickStart))
	snap.RecentActivity.Last5MinVoice = voiceRollup(since(src[signal.SourceAudioMic], quickStart))
	snap.ActiveWork = activeWork(src)
	snap.Patterns = s.det.Scan(events)

	files := fileRollup(src[signal.SourceFilesystem])
	if depth != DepthQuick {
		snap.RecentActivity.Files = files
		snap.RecentActivity.Terminal = terminalRollup(src[signal.SourceTerminal])
		snap.RecentActivity.Clipboard = clipboardRollup(src[signal.SourceClipboard])
		snap.RecentActivity.Calls = callRollup(src[signal.SourceAudioCall])

		if s.repo != nil {
			st, err := s.repoStatus(ctx)
			if err != nil {
				degrade("repo: " + reasonFor(err))
			} else {
				snap.Repo = &st
				snap.ActiveWork.Branch = st.Branch
			}
		}
		s.matches(ctx, snap, degrade)
	}

	for _, required := range s.cfg.Required.For(depth) {
		if len(src[required]) > 0 {
			continue
		}
		snap.UnavailableSources = append(snap.UnavailableSources, required)
		degrade(fmt.Sprintf("%s: %v", required, signal.ErrSourceUnavailable))
		s.logger.Warn("required source has no recent events",
			zap.String("source", string(required)),
			zap.String("depth", string(depth)),
			zap.Duration("window", window),
		)
	}

	snap.Signals = s.signals(now, src, files, snap)
	snap.ActiveWork.summarize()

	if depth == DepthDeep {
		s.related(ctx, snap, degrade)
	}

	sugg := suggest(snap, s.cfg.CommitRecency, s.det.Config().ScreenStagnation.MinDuration)
	for _, sg := range sugg {
		snap.Suggestions = append(snap.Suggestions, sg.text)
	}
	if snap.Patterns == nil {
		snap.Patterns = []signal.StuckPattern{}
	}
	span.SetAttributes(attribute.Bool("complete", snap.Complete), attribute.Int("events", len(events)))
	return snap, sugg
}

// window reads events under the per-call timeout. A non-empty reason means
// the result is partial.
func (s *Synthesizer) window(ctx context.Context, start, end time.Time) ([]signal.Event, string) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	w, err := s.store.QueryWindow(cctx, nil, start, end)
	if err != nil {
		s.logger.Warn("event window unavailable", zap.Error(err))
		return nil, "events: " + reasonFor(err)
	}
	if w.Cached {
		return w.Events, "events: served from recent-event cache"
	}
	return w.Events, ""
}

func (s *Synthesizer) repoStatus(ctx context.Context) (repo.Status, error) {
	type result struct {
		st  repo.Status
		err error
	}
	ch := make(chan result, 1)
	go func() {
		st, err := s.repo.Status()
		ch <- result{st, err}
	}()
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	select {
	case r := <-ch:
		return r.st, r.err
	case <-cctx.Done():
		return repo.Status{}, cctx.Err()
	}
}

// matches looks up earlier occurrences of the active error, or of the
// active file when there is no error.
func (s *Synthesizer) matches(ctx context.Context, snap *Snapshot, degrade func(string)) {
	query := snap.ActiveWork.ActiveError
	if query == "" {
		query = snap.ActiveWork.ActiveFile
	}
	if query == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	hits, err := s.store.LexicalSearch(cctx, query, time.Time{}, snap.SnapshotTime, s.cfg.LexicalLimit)
	switch {
	case signal.IsValidation(err):
		s.logger.Debug("skipping lexical lookup", zap.String("query", query), zap.Error(err))
	case err != nil:
		degrade("lexical: " + reasonFor(err))
	default:
		snap.Matches = hits
	}
}

func (s *Synthesizer) related(ctx context.Context, snap *Snapshot, degrade func(string)) {
	topic := firstNonEmpty(snap.ActiveWork.ActiveError, snap.ActiveWork.ActiveFile, snap.ActiveWork.WindowTitle, snap.ActiveWork.LastCommand)
	if topic == "" {
		return
	}
	if s.searcher == nil {
		degrade("related: search not configured")
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.DeepTimeout)
	defer cancel()
	resp, err := s.searcher.Search(cctx, search.Request{
		Query: topic,
		Mode:  search.ModeHybrid,
		End:   snap.SnapshotTime,
		Limit: s.cfg.RelatedLimit,
	})
	if err != nil {
		if !signal.IsValidation(err) {
			degrade("related: " + reasonFor(err))
		}
		return
	}
	snap.Related = resp.Results
	for _, d := range resp.Degraded {
		degrade("related: " + d)
	}
}

func (s *Synthesizer) signals(now time.Time, src map[signal.Source][]signal.Event, files *FileRollup, snap *Snapshot) Signals {
	var sig Signals
	sig.Stuck = len(snap.Patterns) > 0

	if files != nil {
		sig.UncommittedChanges = files.PendingChanges > 0
		for _, c := range files.Commits {
			if now.Sub(c.At) <= s.cfg.CommitRecency {
				sig.RecentCommit = true
			}
		}
	}
	if snap.Repo != nil {
		sig.UncommittedChanges = snap.Repo.Dirty
		if snap.Repo.Head != "" && !snap.Repo.HeadTime.IsZero() && now.Sub(snap.Repo.HeadTime) <= s.cfg.CommitRecency {
			sig.RecentCommit = true
		}
	}
	if ts := src[signal.SourceTerminal]; len(ts) > 0 {
		last, _ := ts[len(ts)-1].Terminal()
		sig.FailingCommand = last.Failed()
	}
	// A stale screen needs captures showing the same text, the latest of
	// them recent; a capture feed that stopped says nothing.
	if screen := screenRollup(src[signal.SourceVision]); screen != nil && now.Sub(screen.LastCapture) <= s.cfg.QuickWindow {
		sig.ScreenStale = screen.LastCapture.Sub(screen.LastChange) >= s.det.Config().ScreenStagnation.MinDuration
	}
	sig.VoiceActive = snap.RecentActivity.Last5MinVoice != nil
	sig.OnCall = len(since(src[signal.SourceAudioCall], now.Add(-s.cfg.QuickWindow))) > 0
	return sig
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, signal.ErrTimeoutExceeded):
		return signal.ErrTimeoutExceeded.Error()
	case errors.Is(err, signal.ErrStorageFailure):
		return signal.ErrStorageFailure.Error()
	default:
		return err.Error()
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
