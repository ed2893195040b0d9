package signal

import "time"

// PatternType names a stuck-behavior signature.
type PatternType string

const (
	PatternRepeatedError        PatternType = "repeated_error"
	PatternCommitHesitation     PatternType = "commit_hesitation"
	PatternScreenStagnation     PatternType = "screen_stagnation"
	PatternCircularFileActivity PatternType = "circular_file_activity"
	PatternVoiceFrustration     PatternType = "voice_frustration"
)

var patternOrder = map[PatternType]int{
	PatternRepeatedError:        0,
	PatternCommitHesitation:     1,
	PatternScreenStagnation:     2,
	PatternCircularFileActivity: 3,
	PatternVoiceFrustration:     4,
}

// Rank returns the fixed position of the pattern type, used for stable
// ordering of detection results.
func (p PatternType) Rank() int {
	if r, ok := patternOrder[p]; ok {
		return r
	}
	return len(patternOrder)
}

// StuckPattern is a derived detection result. Evidence references events by
// id; patterns are always re-derivable from the event history.
type StuckPattern struct {
	Type       PatternType `json:"pattern_type"`
	Subject    string      `json:"subject,omitempty"`
	Evidence   []int64     `json:"evidence"`
	Confidence float64     `json:"confidence"`
	DetectedAt time.Time   `json:"detected_at"`
	Suggestion string      `json:"suggestion"`
}

// ScoredEvent is an event returned by a search backend with its score.
type ScoredEvent struct {
	Event Event   `json:"event"`
	Score float64 `json:"score"`
}
