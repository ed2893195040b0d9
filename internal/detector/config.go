package detector

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// Config holds the thresholds for every pattern. Each pattern is evaluated
// independently with its own settings.
type Config struct {
	// ScanWindow is the trailing history DetectStuck and the scheduler feed
	// to Scan.
	ScanWindow time.Duration `koanf:"scan_window"`

	RepeatedError        CountRule       `koanf:"repeated_error"`
	CommitHesitation     HesitationRule  `koanf:"commit_hesitation"`
	ScreenStagnation     StagnationRule  `koanf:"screen_stagnation"`
	CircularFileActivity ActivityRule    `koanf:"circular_file_activity"`
	VoiceFrustration     FrustrationRule `koanf:"voice_frustration"`
}

// CountRule fires when MinOccurrences matching events fall inside Window.
// Confidence is min(1, n/Saturation).
type CountRule struct {
	MinOccurrences int           `koanf:"min_occurrences"`
	Window         time.Duration `koanf:"window"`
	Saturation     int           `koanf:"saturation"`
}

// HesitationRule is a CountRule over status checks, reset by commits.
type HesitationRule struct {
	CountRule      `koanf:",squash"`
	StatusCommands []string `koanf:"status_commands"`
	CommitCommands []string `koanf:"commit_commands"`
}

// StagnationRule fires when the screen text is unchanged for at least
// MinDuration. Confidence ramps linearly to 1 at SaturationDuration.
type StagnationRule struct {
	MinDuration        time.Duration `koanf:"min_duration"`
	SaturationDuration time.Duration `koanf:"saturation_duration"`
}

// ActivityRule is a CountRule over file events per path, reset by commits.
// Only Actions are counted. Editors report open and close through the
// ingest API; the built-in watcher sees create, modify and delete, so
// setups without an editor integration can count modify instead.
type ActivityRule struct {
	CountRule `koanf:",squash"`
	Actions   []signal.FileAction `koanf:"actions"`
}

// FrustrationRule is a CountRule over microphone transcripts matching the
// lexicon.
type FrustrationRule struct {
	CountRule `koanf:",squash"`
	Lexicon   []string `koanf:"lexicon"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		ScanWindow: 30 * time.Minute,
		RepeatedError: CountRule{
			MinOccurrences: 3,
			Window:         10 * time.Minute,
			Saturation:     5,
		},
		CommitHesitation: HesitationRule{
			CountRule: CountRule{
				MinOccurrences: 5,
				Window:         5 * time.Minute,
				Saturation:     10,
			},
			StatusCommands: []string{"git status", "git st"},
			CommitCommands: []string{"git commit", "git ci"},
		},
		ScreenStagnation: StagnationRule{
			MinDuration:        10 * time.Minute,
			SaturationDuration: 30 * time.Minute,
		},
		CircularFileActivity: ActivityRule{
			CountRule: CountRule{
				MinOccurrences: 4,
				Window:         15 * time.Minute,
				Saturation:     8,
			},
			Actions: []signal.FileAction{signal.FileOpen, signal.FileClose},
		},
		VoiceFrustration: FrustrationRule{
			CountRule: CountRule{
				MinOccurrences: 2,
				Window:         5 * time.Minute,
				Saturation:     4,
			},
			Lexicon: []string{
				"ugh", "damn", "dammit", "argh", "come on", "why is this",
				"doesn't work", "does not work", "not working", "still broken",
				"what the", "frustrating", "i'm stuck", "makes no sense",
			},
		},
	}
}

func (r CountRule) validate(name string) error {
	if r.MinOccurrences <= 0 {
		return fmt.Errorf("%s.min_occurrences must be > 0", name)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%s.window must be > 0", name)
	}
	if r.Saturation <= 0 {
		return fmt.Errorf("%s.saturation must be > 0", name)
	}
	return nil
}

// Validate checks every rule.
func (c Config) Validate() error {
	if c.ScanWindow <= 0 {
		return fmt.Errorf("scan_window must be > 0")
	}
	if err := c.RepeatedError.validate("repeated_error"); err != nil {
		return err
	}
	if err := c.CommitHesitation.validate("commit_hesitation"); err != nil {
		return err
	}
	if len(c.CommitHesitation.StatusCommands) == 0 {
		return fmt.Errorf("commit_hesitation.status_commands must not be empty")
	}
	if err := c.CircularFileActivity.validate("circular_file_activity"); err != nil {
		return err
	}
	if len(c.CircularFileActivity.Actions) == 0 {
		return fmt.Errorf("circular_file_activity.actions must not be empty")
	}
	for _, a := range c.CircularFileActivity.Actions {
		switch a {
		case signal.FileOpen, signal.FileClose, signal.FileCreate, signal.FileModify, signal.FileDelete:
		default:
			return fmt.Errorf("circular_file_activity.actions: unsupported action %q", a)
		}
	}
	if err := c.VoiceFrustration.validate("voice_frustration"); err != nil {
		return err
	}
	s := c.ScreenStagnation
	if s.MinDuration <= 0 || s.SaturationDuration <= s.MinDuration {
		return fmt.Errorf("screen_stagnation needs 0 < min_duration < saturation_duration")
	}
	return nil
}
