package synthesizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/contextengine/internal/repo"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

func TestCheckpointTrigger(t *testing.T) {
	s := newSynth(t, &fakeStore{}, nil)

	bigCommit := &FileRollup{Commits: []CommitSummary{{Hash: "abc", FilesChanged: 12, At: now.Add(-time.Minute)}}}
	smallCommit := &FileRollup{Commits: []CommitSummary{{Hash: "abc", FilesChanged: 2, At: now.Add(-time.Minute)}}}

	tests := []struct {
		name         string
		snap         Snapshot
		last         *session.State
		lastActivity time.Time
		want         session.Trigger
		ok           bool
	}{
		{
			name: "large commit on cold start",
			snap: Snapshot{SnapshotTime: now, RecentActivity: RecentActivity{Files: bigCommit}},
			want: session.TriggerLargeCommit, ok: true,
		},
		{
			name: "large commit already saved",
			snap: Snapshot{SnapshotTime: now, RecentActivity: RecentActivity{Files: bigCommit}},
			last: &session.State{SavedAt: now.Add(-30 * time.Second)},
		},
		{
			name: "small commit",
			snap: Snapshot{SnapshotTime: now, RecentActivity: RecentActivity{Files: smallCommit}},
		},
		{
			name: "task transition",
			snap: Snapshot{SnapshotTime: now, ActiveWork: ActiveWork{Task: "feature/b"}},
			last: &session.State{ActiveTask: "feature/a", SavedAt: now.Add(-time.Hour)},
			want: session.TriggerTaskTransition, ok: true,
		},
		{
			name: "same task",
			snap: Snapshot{SnapshotTime: now, ActiveWork: ActiveWork{Task: "feature/a"}},
			last: &session.State{ActiveTask: "feature/a", SavedAt: now.Add(-time.Hour)},
		},
		{
			name:         "idle after activity",
			snap:         Snapshot{SnapshotTime: now},
			last:         &session.State{SavedAt: now.Add(-time.Hour)},
			lastActivity: now.Add(-20 * time.Minute),
			want:         session.TriggerIdleTimeout, ok: true,
		},
		{
			name:         "idle but nothing new since save",
			snap:         Snapshot{SnapshotTime: now},
			last:         &session.State{SavedAt: now.Add(-10 * time.Minute)},
			lastActivity: now.Add(-20 * time.Minute),
		},
		{
			name:         "still active",
			snap:         Snapshot{SnapshotTime: now},
			lastActivity: now.Add(-time.Minute),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := s.CheckpointTrigger(tt.snap, tt.last, tt.lastActivity)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDraftSession(t *testing.T) {
	snap := Snapshot{
		SnapshotTime: now,
		ActiveWork:   ActiveWork{Summary: "Editing main.go", Task: "feature/capture"},
		RecentActivity: RecentActivity{Files: &FileRollup{
			Touched: []string{"/work/app/main.go"},
			Commits: []CommitSummary{{Hash: "0123456789abcdef", Message: "wire capture", At: now}},
		}},
		Signals:     Signals{Stuck: true},
		Patterns:    []signal.StuckPattern{{Type: signal.PatternRepeatedError, Subject: "ImportError: x"}, {Type: signal.PatternCommitHesitation}},
		Suggestions: []string{"Read the error."},
	}
	st := DraftSession(snap, "work")
	assert.Equal(t, "work", st.SessionID)
	assert.Equal(t, "feature/capture", st.ActiveTask)
	assert.Equal(t, session.StatusBlocked, st.TaskStatus)
	assert.Equal(t, []string{"/work/app/main.go"}, st.FilesChanged)
	assert.Equal(t, "0123456 wire capture", st.LastCommit)
	assert.Equal(t, []string{"repeated_error: ImportError: x", "commit_hesitation"}, st.Blockers)
	assert.Equal(t, []string{"Read the error."}, st.SuggestedNext)

	withRepo := Snapshot{
		ActiveWork: ActiveWork{Summary: "Editing a.go", Task: "a.go"},
		Repo:       &repo.Status{Head: "fedcba9876543210", HeadMessage: "init", ChangedFiles: []string{"a.go", "b.go"}},
	}
	st = DraftSession(withRepo, "work")
	assert.Equal(t, session.StatusInProgress, st.TaskStatus)
	assert.Equal(t, []string{"a.go", "b.go"}, st.FilesChanged)
	assert.Equal(t, "fedcba9 init", st.LastCommit)
	assert.Empty(t, st.Blockers)

	st = DraftSession(Snapshot{ActiveWork: ActiveWork{Summary: "No recent activity"}}, "work")
	assert.Equal(t, session.StatusNotStarted, st.TaskStatus)
}

func TestShortDuration(t *testing.T) {
	assert.Equal(t, "30m", shortDuration(30*time.Minute))
	assert.Equal(t, "1h", shortDuration(time.Hour))
	assert.Equal(t, "1h30m", shortDuration(90*time.Minute))
	assert.Equal(t, "45s", shortDuration(45*time.Second))
}
