package synthesizer

import (
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/ranker"
	"github.com/fyrsmithlabs/contextengine/internal/repo"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// Depth trades completeness for latency.
type Depth string

const (
	DepthQuick Depth = "quick"
	DepthFull  Depth = "full"
	DepthDeep  Depth = "deep"
)

// ParseDepth parses a depth name; empty means quick.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case "", DepthQuick:
		return DepthQuick, nil
	case DepthFull, DepthDeep:
		return Depth(s), nil
	}
	return "", signal.Invalid("depth", "must be quick, full or deep, got %q", s)
}

// Snapshot is a point-in-time view of the work session. It is built on
// demand and never written back to the store.
type Snapshot struct {
	SnapshotTime   time.Time             `json:"snapshot_time"`
	Depth          Depth                 `json:"depth"`
	ActiveWork     ActiveWork            `json:"active_work"`
	RecentActivity RecentActivity        `json:"recent_activity"`
	Signals        Signals               `json:"signals"`
	Suggestions    []string              `json:"suggestions"`
	Patterns       []signal.StuckPattern `json:"patterns"`

	// Matches are earlier events mentioning the active error or file.
	Matches []signal.ScoredEvent `json:"matches,omitempty"`
	// Related is the hybrid search over the whole history (deep only).
	Related []ranker.Result `json:"related,omitempty"`
	Repo    *repo.Status    `json:"repo,omitempty"`

	Complete           bool            `json:"complete"`
	Degraded           []string        `json:"degraded,omitempty"`
	UnavailableSources []signal.Source `json:"unavailable_sources,omitempty"`
}

// ActiveWork summarizes what the user is doing right now.
type ActiveWork struct {
	Summary     string `json:"summary"`
	Task        string `json:"task,omitempty"`
	ActiveFile  string `json:"active_file,omitempty"`
	ActiveError string `json:"active_error,omitempty"`
	LastCommand string `json:"last_command,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	WindowTitle string `json:"window_title,omitempty"`
	Branch      string `json:"branch,omitempty"`
}

// RecentActivity holds per-source rollups. A nil rollup means the source
// had no events in its window.
type RecentActivity struct {
	Last5MinScreen *ScreenRollup    `json:"last_5_min_screen"`
	Last5MinVoice  *VoiceRollup     `json:"last_5_min_voice"`
	Files          *FileRollup      `json:"files,omitempty"`
	Terminal       *TerminalRollup  `json:"terminal,omitempty"`
	Clipboard      *ClipboardRollup `json:"clipboard,omitempty"`
	Calls          *CallRollup      `json:"calls,omitempty"`
}

// ScreenRollup summarizes vision captures.
type ScreenRollup struct {
	Captures     int       `json:"captures"`
	WindowTitles []string  `json:"window_titles,omitempty"`
	LatestText   string    `json:"latest_text"`
	LastChange   time.Time `json:"last_change"`
	LastCapture  time.Time `json:"last_capture"`
}

// VoiceRollup summarizes microphone transcripts.
type VoiceRollup struct {
	Segments   int              `json:"segments"`
	Transcript string           `json:"transcript"`
	Speakers   []signal.Speaker `json:"speakers,omitempty"`
}

// FileRollup summarizes filesystem and git activity.
type FileRollup struct {
	Events  int             `json:"events"`
	Touched []string        `json:"touched"`
	Commits []CommitSummary `json:"commits,omitempty"`
	// PendingChanges counts edits after the latest commit in the window.
	PendingChanges int `json:"pending_changes"`
}

// CommitSummary is a commit seen by the git watcher.
type CommitSummary struct {
	Hash         string    `json:"hash"`
	Message      string    `json:"message,omitempty"`
	FilesChanged int       `json:"files_changed"`
	At           time.Time `json:"at"`
}

// TerminalRollup summarizes shell activity.
type TerminalRollup struct {
	Commands    int      `json:"commands"`
	Failures    int      `json:"failures"`
	Recent      []string `json:"recent"`
	LastFailure string   `json:"last_failure,omitempty"`
}

// ClipboardRollup summarizes copied text.
type ClipboardRollup struct {
	Items  int    `json:"items"`
	Latest string `json:"latest"`
}

// CallRollup summarizes call transcripts.
type CallRollup struct {
	CallIDs  []string `json:"call_ids"`
	Segments int      `json:"segments"`
}

// Signals are boolean flags derived from the rollups.
type Signals struct {
	Stuck              bool `json:"stuck"`
	UncommittedChanges bool `json:"uncommitted_changes"`
	RecentCommit       bool `json:"recent_commit"`
	FailingCommand     bool `json:"failing_command"`
	ScreenStale        bool `json:"screen_stale"`
	VoiceActive        bool `json:"voice_active"`
	OnCall             bool `json:"on_call"`
}

// StuckReport answers "is the user stuck right now".
type StuckReport struct {
	IsStuck    bool                  `json:"is_stuck"`
	Patterns   []signal.StuckPattern `json:"patterns"`
	Primary    *signal.StuckPattern  `json:"pattern,omitempty"`
	Suggestion string                `json:"suggestion,omitempty"`
	Complete   bool                  `json:"complete"`
	Degraded   []string              `json:"degraded,omitempty"`
}

// Action is a single proactive recommendation.
type Action struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
	Pattern   string `json:"pattern,omitempty"`
	Complete  bool   `json:"complete"`
}
