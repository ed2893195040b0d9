package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/bus"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

// Job names.
const (
	JobDetection      = "detection"
	JobRetention      = "retention"
	JobSessionCleanup = "session_cleanup"
	JobCheckpoint     = "checkpoint"
)

// StuckDetector runs a detection scan.
type StuckDetector interface {
	DetectStuck(ctx context.Context) (synthesizer.StuckReport, error)
}

// DetectionJob scans for stuck patterns and publishes each pattern once,
// the first time it appears. A pattern stays announced, keyed by type and
// subject, for as long as consecutive complete scans keep reporting it.
func DetectionJob(interval time.Duration, det StuckDetector, pub bus.Publisher, logger *zap.Logger) Job {
	var (
		mu        sync.Mutex
		published = make(map[string]bool)
	)
	return Job{
		Name:     JobDetection,
		Interval: interval,
		Run: func(ctx context.Context) error {
			rep, err := det.DetectStuck(ctx)
			if err != nil {
				return fmt.Errorf("detect stuck: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()

			current := make(map[string]bool, len(rep.Patterns))
			for _, p := range rep.Patterns {
				key := patternKey(p)
				current[key] = true
				if published[key] {
					continue
				}
				logger.Info("stuck pattern detected",
					zap.String("pattern_type", string(p.Type)),
					zap.String("subject", p.Subject),
					zap.Float64("confidence", p.Confidence),
				)
				if pub == nil {
					continue
				}
				if err := pub.PublishPattern(p); err != nil {
					logger.Warn("pattern publish failed", zap.String("pattern_type", string(p.Type)), zap.Error(err))
					delete(current, key)
				}
			}
			// Forget patterns that dropped out of the window so a recurrence
			// is announced again. A partial scan proves nothing went away.
			if rep.Complete {
				for k := range published {
					delete(published, k)
				}
			}
			for k := range current {
				published[k] = true
			}
			return nil
		},
	}
}

// patternKey ignores evidence ids, which shift as the scan window slides
// over an ongoing pattern.
func patternKey(p signal.StuckPattern) string {
	return string(p.Type) + "|" + p.Subject
}

// Sweeper deletes expired events.
type Sweeper interface {
	Sweep(ctx context.Context, r signalstore.Retention) (map[signal.Source]int, error)
}

// RetentionJob applies per-source retention.
func RetentionJob(interval time.Duration, store Sweeper, retention signalstore.Retention, logger *zap.Logger) Job {
	return Job{
		Name:     JobRetention,
		Interval: interval,
		Run: func(ctx context.Context) error {
			purged, err := store.Sweep(ctx, retention)
			if err != nil {
				return fmt.Errorf("retention sweep: %w", err)
			}
			total := 0
			for _, n := range purged {
				total += n
			}
			if total > 0 {
				logger.Info("retention sweep completed", zap.Int("purged", total))
			}
			return nil
		},
	}
}

// SessionCleanupJob deletes superseded session records.
func SessionCleanupJob(interval time.Duration, sessions session.Service, retention time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     JobSessionCleanup,
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := sessions.Cleanup(ctx, retention)
			if err != nil {
				return fmt.Errorf("session cleanup: %w", err)
			}
			if n > 0 {
				logger.Info("session cleanup completed", zap.Int("deleted", n))
			}
			return nil
		},
	}
}

// Checkpointer is the synthesizer surface the checkpoint job needs.
type Checkpointer interface {
	GetCurrentContext(ctx context.Context, depth synthesizer.Depth) (synthesizer.Snapshot, error)
	CheckpointTrigger(snap synthesizer.Snapshot, last *session.State, lastActivity time.Time) (session.Trigger, bool)
}

// ActivitySource reports when each producer was last heard from.
type ActivitySource interface {
	LastSeen() map[signal.Source]time.Time
}

// CheckpointJob saves a session record when the synthesizer heuristics
// say so.
func CheckpointJob(interval time.Duration, synth Checkpointer, sessions session.Service, activity ActivitySource, sessionID string, logger *zap.Logger) Job {
	return Job{
		Name:     JobCheckpoint,
		Interval: interval,
		Run: func(ctx context.Context) error {
			snap, err := synth.GetCurrentContext(ctx, synthesizer.DepthFull)
			if err != nil {
				return fmt.Errorf("building snapshot: %w", err)
			}
			last, err := sessions.LoadLast(ctx, sessionID)
			if err != nil {
				return fmt.Errorf("loading last session: %w", err)
			}
			var lastActivity time.Time
			for _, ts := range activity.LastSeen() {
				if ts.After(lastActivity) {
					lastActivity = ts
				}
			}
			trigger, ok := synth.CheckpointTrigger(snap, last, lastActivity)
			if !ok {
				return nil
			}
			st := synthesizer.DraftSession(snap, sessionID)
			st.Trigger = trigger
			saved, err := sessions.Save(ctx, st)
			if err != nil {
				return fmt.Errorf("saving checkpoint: %w", err)
			}
			logger.Info("automatic checkpoint saved",
				zap.String("session_id", saved.SessionID),
				zap.String("record_id", saved.RecordID),
				zap.String("trigger", string(trigger)),
			)
			return nil
		},
	}
}
