package synthesizer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

type suggestion struct {
	text    string
	reason  string
	pattern signal.PatternType
}

// suggest applies the ordered rule set. Later rules never displace earlier
// ones and duplicates are dropped; an empty result is valid.
func suggest(snap *Snapshot, commitRecency, stagnation time.Duration) []suggestion {
	var out []suggestion

	patterns := append([]signal.StuckPattern(nil), snap.Patterns...)
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].Type.Rank() < patterns[j].Type.Rank()
	})
	hasRepeatedError := false
	for _, p := range patterns {
		if p.Type == signal.PatternRepeatedError {
			hasRepeatedError = true
		}
		if p.Suggestion == "" {
			continue
		}
		out = append(out, suggestion{
			text:    p.Suggestion,
			reason:  fmt.Sprintf("%s detected with confidence %.2f from %d events", p.Type, p.Confidence, len(p.Evidence)),
			pattern: p.Type,
		})
	}

	sig := snap.Signals
	if sig.UncommittedChanges && !sig.RecentCommit {
		out = append(out, suggestion{
			text:   fmt.Sprintf("You have uncommitted changes and no commit in the last %s; consider committing a checkpoint.", shortDuration(commitRecency)),
			reason: "files changed since the last commit",
		})
	}
	if sig.FailingCommand && !hasRepeatedError {
		cmd := snap.ActiveWork.LastCommand
		out = append(out, suggestion{
			text:   fmt.Sprintf("The last command `%s` failed; read its output before running it again.", truncate(cmd, 80)),
			reason: "most recent terminal command exited non-zero",
		})
	}
	if sig.ScreenStale && len(snap.Patterns) == 0 {
		out = append(out, suggestion{
			text:   fmt.Sprintf("The screen has not changed for over %s; consider stepping back or trying a different approach.", shortDuration(stagnation)),
			reason: "no visible progress on screen",
		})
	}

	seen := make(map[string]bool, len(out))
	uniq := out[:0]
	for _, s := range out {
		if seen[s.text] {
			continue
		}
		seen[s.text] = true
		uniq = append(uniq, s)
	}
	return uniq
}

// shortDuration renders 30m0s as 30m and 1h0m0s as 1h.
func shortDuration(d time.Duration) string {
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
