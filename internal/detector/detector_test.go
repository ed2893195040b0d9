package detector

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type builder struct{ next int64 }

func (b *builder) add(ts time.Time, src signal.Source, p signal.Payload) signal.Event {
	b.next++
	return signal.Event{ID: b.next, Timestamp: ts, Source: src, Payload: p}
}

func (b *builder) term(ts time.Time, cmd, output string) signal.Event {
	one := 1
	return b.add(ts, signal.SourceTerminal, signal.TerminalPayload{Command: cmd, Output: output, ExitCode: &one})
}

func (b *builder) file(ts time.Time, path string, action signal.FileAction) signal.Event {
	p := signal.FilePayload{Path: path, Action: action}
	if action == signal.FileCommit {
		p.CommitHash = "abc123"
	}
	return b.add(ts, signal.SourceFilesystem, p)
}

func (b *builder) screen(ts time.Time, title, text string) signal.Event {
	return b.add(ts, signal.SourceVision, signal.VisionPayload{WindowTitle: title, Text: text})
}

func (b *builder) voice(ts time.Time, text string) signal.Event {
	return b.add(ts, signal.SourceAudioMic, signal.AudioPayload{Text: text})
}

func newDetector(t *testing.T) *Detector {
	d, err := New(DefaultConfig())
	require.NoError(t, err)
	return d
}

func ofType(patterns []signal.StuckPattern, pt signal.PatternType) []signal.StuckPattern {
	var out []signal.StuckPattern
	for _, p := range patterns {
		if p.Type == pt {
			out = append(out, p)
		}
	}
	return out
}

func TestScan_RepeatedErrorScenario(t *testing.T) {
	var b builder
	out := "Traceback (most recent call last):\n  File \"main.py\", line 3\nImportError: No module named 'normcap'"
	events := []signal.Event{
		b.term(at(16, 20), "python main.py", out),
		b.term(at(16, 25), "python main.py", out),
		b.term(at(16, 29), "python main.py", out),
	}

	got := newDetector(t).Scan(events)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, signal.PatternRepeatedError, p.Type)
	assert.InDelta(t, 0.6, p.Confidence, 1e-9)
	assert.Equal(t, "ImportError: No module named 'normcap'", p.Subject)
	assert.Equal(t, []int64{1, 2, 3}, p.Evidence)
	assert.True(t, p.DetectedAt.Equal(at(16, 29)))
	assert.NotEmpty(t, p.Suggestion)
}

func TestScan_RepeatedErrorNeedsClusterInsideWindow(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.term(at(16, 0), "make", "error: undefined reference to foo"),
		b.term(at(16, 11), "make", "error: undefined reference to foo"),
		b.term(at(16, 22), "make", "error: undefined reference to foo"),
	}
	assert.Empty(t, newDetector(t).Scan(events))
}

func TestScan_RepeatedErrorMasksNumbersAndSaturates(t *testing.T) {
	var b builder
	var events []signal.Event
	for i := 0; i < 7; i++ {
		out := fmt.Sprintf("panic: runtime error at 0x%x in goroutine %d", 0xc000+i, 10+i)
		events = append(events, b.term(at(9, i), "go run .", out))
	}
	got := ofType(newDetector(t).Scan(events), signal.PatternRepeatedError)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Confidence)
	assert.Len(t, got[0].Evidence, 7)
	assert.Equal(t, "panic: runtime error at 0x? in goroutine N", got[0].Subject)
}

func TestScan_OnePatternPerSignature(t *testing.T) {
	var b builder
	var events []signal.Event
	for i := 0; i < 3; i++ {
		events = append(events,
			b.term(at(10, i), "pytest", "AssertionError: expected 1"),
			b.term(at(10, i), "npm test", "TypeError: x is not a function"),
		)
	}
	got := ofType(newDetector(t).Scan(events), signal.PatternRepeatedError)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].Subject, got[1].Subject)
}

func TestScan_CommitHesitationScenario(t *testing.T) {
	var b builder
	var events []signal.Event
	for i := 0; i < 5; i++ {
		events = append(events, b.add(at(16, i), signal.SourceTerminal, signal.TerminalPayload{Command: "git status"}))
	}

	got := newDetector(t).Scan(events)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, signal.PatternCommitHesitation, p.Type)
	assert.InDelta(t, 0.5, p.Confidence, 1e-9)
	assert.Contains(t, p.Suggestion, "uncommitted changes")
	assert.Len(t, p.Evidence, 5)
}

func TestScan_CommitResetsHesitation(t *testing.T) {
	tests := []struct {
		name   string
		commit func(b *builder, ts time.Time) signal.Event
	}{
		{"terminal commit", func(b *builder, ts time.Time) signal.Event {
			return b.add(ts, signal.SourceTerminal, signal.TerminalPayload{Command: "git commit -m wip"})
		}},
		{"git watcher commit", func(b *builder, ts time.Time) signal.Event {
			return b.file(ts, ".", signal.FileCommit)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b builder
			st := func(m int) signal.Event {
				return b.add(at(16, m), signal.SourceTerminal, signal.TerminalPayload{Command: "git  STATUS -s"})
			}
			events := []signal.Event{st(0), st(1), st(1), tt.commit(&b, at(16, 2)), st(2), st(3), st(4)}
			assert.Empty(t, ofType(newDetector(t).Scan(events), signal.PatternCommitHesitation))
		})
	}
}

func TestScan_ScreenStagnationScenario(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.screen(at(14, 0), "main.go", "func main() {\n  run()\n}"),
		b.screen(at(14, 5), "main.go", "func main() {  run() }"),
		b.screen(at(14, 11), "main.go", "func main() { run() }"),
	}
	got := newDetector(t).Scan(events)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, signal.PatternScreenStagnation, p.Type)
	assert.InDelta(t, 0.05, p.Confidence, 1e-9)
	assert.Equal(t, []int64{1, 3}, p.Evidence)
	assert.Equal(t, "main.go", p.Subject)
}

func TestScan_ScreenStagnationUsesMostRecentRun(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.screen(at(9, 0), "a", "alpha"),
		b.screen(at(9, 40), "a", "alpha"),
		b.screen(at(10, 0), "b", "beta"),
		b.screen(at(10, 12), "b", "beta"),
		b.screen(at(10, 13), "c", "gamma"),
	}
	got := ofType(newDetector(t).Scan(events), signal.PatternScreenStagnation)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Subject)
	assert.Equal(t, []int64{3, 4}, got[0].Evidence)
	assert.InDelta(t, 0.1, got[0].Confidence, 1e-9)
}

func TestScan_ScreenChangesBelowThreshold(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.screen(at(9, 0), "a", "alpha"),
		b.screen(at(9, 9), "a", "alpha"),
	}
	assert.Empty(t, newDetector(t).Scan(events))
}

func TestScan_CircularFileActivity(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.file(at(11, 0), "config.yaml", signal.FileOpen),
		b.file(at(11, 2), "config.yaml", signal.FileClose),
		b.file(at(11, 4), "other.go", signal.FileOpen),
		b.file(at(11, 5), "config.yaml", signal.FileOpen),
		b.file(at(11, 6), "config.yaml", signal.FileModify),
		b.file(at(11, 9), "config.yaml", signal.FileClose),
	}
	got := newDetector(t).Scan(events)
	require.Len(t, got, 1)
	assert.Equal(t, signal.PatternCircularFileActivity, got[0].Type)
	assert.Equal(t, "config.yaml", got[0].Subject)
	assert.InDelta(t, 0.5, got[0].Confidence, 1e-9)
	assert.Equal(t, []int64{1, 2, 4, 6}, got[0].Evidence)

	withCommit := append([]signal.Event{}, events[:3]...)
	withCommit = append(withCommit, b.file(at(11, 4), ".", signal.FileCommit))
	withCommit = append(withCommit, events[3:]...)
	assert.Empty(t, newDetector(t).Scan(withCommit))
}

func TestScan_CircularFileActivityCountsConfiguredActions(t *testing.T) {
	var b builder
	var events []signal.Event
	for i := 0; i < 4; i++ {
		events = append(events, b.file(at(11, 3*i), "main.go", signal.FileModify))
	}
	assert.Empty(t, newDetector(t).Scan(events), "modify is not counted by default")

	cfg := DefaultConfig()
	cfg.CircularFileActivity.Actions = []signal.FileAction{signal.FileModify}
	d, err := New(cfg)
	require.NoError(t, err)
	got := d.Scan(events)
	require.Len(t, got, 1)
	assert.Equal(t, signal.PatternCircularFileActivity, got[0].Type)
	assert.Equal(t, "main.go", got[0].Subject)
	assert.Equal(t, []int64{1, 2, 3, 4}, got[0].Evidence)
}

func TestScan_VoiceFrustration(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.voice(at(15, 0), "Ugh, why is this still failing"),
		b.voice(at(15, 1), "let me look at the logs"),
		b.voice(at(15, 3), "it's NOT WORKING again"),
		b.add(at(15, 4), signal.SourceAudioCall, signal.AudioPayload{Text: "ugh", CallID: "c1"}),
	}
	got := newDetector(t).Scan(events)
	require.Len(t, got, 1)
	p := got[0]
	assert.Equal(t, signal.PatternVoiceFrustration, p.Type)
	assert.Equal(t, []int64{1, 3}, p.Evidence)
	assert.InDelta(t, 0.5, p.Confidence, 1e-9)
	assert.Equal(t, "not working", p.Subject)
}

func TestScan_WordBoundaries(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.voice(at(15, 0), "the damnation of faust"),
		b.voice(at(15, 1), "laughing at the slughorn joke"),
	}
	assert.Empty(t, newDetector(t).Scan(events))
}

func TestScan_PureAndOrdered(t *testing.T) {
	var b builder
	var events []signal.Event
	for i := 0; i < 5; i++ {
		events = append(events,
			b.add(at(16, i), signal.SourceTerminal, signal.TerminalPayload{Command: "git status"}),
			b.term(at(16, i), "go test", "FAIL: TestX\nerror: exit status 1"),
			b.voice(at(16, i), "ugh"),
		)
	}
	reversed := make([]signal.Event, len(events))
	for i, e := range events {
		reversed[len(events)-1-i] = e
	}

	d := newDetector(t)
	first := d.Scan(events)
	assert.Equal(t, first, d.Scan(events))
	assert.Equal(t, first, d.Scan(reversed))

	require.Len(t, first, 3)
	assert.Equal(t, signal.PatternRepeatedError, first[0].Type)
	assert.Equal(t, signal.PatternCommitHesitation, first[1].Type)
	assert.Equal(t, signal.PatternVoiceFrustration, first[2].Type)

	assert.Empty(t, events[0].Tags, "scan must not mutate input")
}

func TestAnnotate(t *testing.T) {
	var b builder
	events := []signal.Event{
		b.term(at(1, 0), "make", "error: boom"),
		b.term(at(1, 1), "make", "error: boom"),
		b.term(at(1, 2), "make", "error: boom"),
		b.voice(at(1, 3), "hello"),
	}
	patterns := newDetector(t).Scan(events)
	tagged := Annotate(events, patterns)

	require.Len(t, tagged, 4)
	assert.Equal(t, []string{"stuck:repeated_error"}, tagged[0].Tags)
	assert.Empty(t, tagged[3].Tags)
	assert.Empty(t, events[0].Tags)
}

func TestPrimary(t *testing.T) {
	_, ok := Primary(nil)
	assert.False(t, ok)

	p, ok := Primary([]signal.StuckPattern{
		{Type: signal.PatternVoiceFrustration, Confidence: 0.5},
		{Type: signal.PatternCommitHesitation, Confidence: 0.5},
		{Type: signal.PatternScreenStagnation, Confidence: 0.2},
	})
	require.True(t, ok)
	assert.Equal(t, signal.PatternCommitHesitation, p.Type)
}

func TestErrorSignature(t *testing.T) {
	tests := []struct {
		name string
		in   signal.TerminalPayload
		want string
	}{
		{"exception name", signal.TerminalPayload{Command: "x", Output: "ok\nValueError: bad 42"}, "ValueError: bad N"},
		{"prefix", signal.TerminalPayload{Command: "x", Output: "Fatal: not a git repository"}, "Fatal: not a git repository"},
		{"command fallback", signal.TerminalPayload{Command: "echo RuntimeException", Output: "done"}, "echo RuntimeException"},
		{"clean", signal.TerminalPayload{Command: "ls", Output: "a\nb"}, ""},
		{"errors word is not a prefix match", signal.TerminalPayload{Command: "x", Output: "errors=0"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorSignature(tt.in))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.RepeatedError.MinOccurrences = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ScreenStagnation.SaturationDuration = bad.ScreenStagnation.MinDuration
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CommitHesitation.StatusCommands = nil
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CircularFileActivity.Actions = nil
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CircularFileActivity.Actions = []signal.FileAction{signal.FileCommit}
	assert.Error(t, bad.Validate())
}
