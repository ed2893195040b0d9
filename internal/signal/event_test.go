package signal

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestEvent_Validate(t *testing.T) {
	ts := time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		event     Event
		wantField string
	}{
		{
			name:  "valid terminal event",
			event: Event{Timestamp: ts, Source: SourceTerminal, Payload: TerminalPayload{Command: "go test ./...", ExitCode: intPtr(1)}},
		},
		{
			name:      "missing timestamp",
			event:     Event{Source: SourceTerminal, Payload: TerminalPayload{Command: "ls"}},
			wantField: "timestamp",
		},
		{
			name:      "unknown source",
			event:     Event{Timestamp: ts, Source: "keyboard", Payload: TerminalPayload{Command: "ls"}},
			wantField: "source",
		},
		{
			name:      "payload shape mismatch",
			event:     Event{Timestamp: ts, Source: SourceVision, Payload: TerminalPayload{Command: "ls"}},
			wantField: "payload",
		},
		{
			name:      "missing payload",
			event:     Event{Timestamp: ts, Source: SourceClipboard},
			wantField: "payload",
		},
		{
			name:      "call transcript without call id",
			event:     Event{Timestamp: ts, Source: SourceAudioCall, Payload: AudioPayload{Text: "hello"}},
			wantField: "payload.call_id",
		},
		{
			name:  "microphone transcript without call id",
			event: Event{Timestamp: ts, Source: SourceAudioMic, Payload: AudioPayload{Text: "hello", Speaker: SpeakerUser}},
		},
		{
			name:      "confidence out of range",
			event:     Event{Timestamp: ts, Source: SourceVision, Payload: VisionPayload{Text: "x", Confidence: 1.5}},
			wantField: "payload.confidence",
		},
		{
			name:      "commit without hash",
			event:     Event{Timestamp: ts, Source: SourceFilesystem, Payload: FilePayload{Path: "/repo", Action: FileCommit}},
			wantField: "payload.commit_hash",
		},
		{
			name:      "unknown file action",
			event:     Event{Timestamp: ts, Source: SourceFilesystem, Payload: FilePayload{Path: "main.go", Action: "rename"}},
			wantField: "payload.action",
		},
		{
			name:      "empty tag",
			event:     Event{Timestamp: ts, Source: SourceClipboard, Payload: ClipboardPayload{Text: "x"}, Tags: []string{" "}},
			wantField: "tags[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestEvent_JSONRoundTripResolvesPayload(t *testing.T) {
	raw := `{"timestamp":"2026-03-01T16:20:00Z","source":"terminal","payload":{"command":"python app.py","output":"ImportError: No module named 'normcap'","exit_code":1}}`

	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	term, ok := e.Terminal()
	require.True(t, ok)
	assert.Equal(t, "python app.py", term.Command)
	assert.True(t, term.Failed())
	assert.NoError(t, e.Validate())

	out, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"source":"terminal"`)
	assert.Contains(t, string(out), `"exit_code":1`)
}

func TestEvent_UnmarshalRejectsForeignPayloadFields(t *testing.T) {
	raw := `{"timestamp":"2026-03-01T16:20:00Z","source":"vision","payload":{"command":"ls"}}`

	var e Event
	err := json.Unmarshal([]byte(raw), &e)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestEvent_UnmarshalRejectsUnknownSource(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"timestamp":"2026-03-01T16:20:00Z","source":"radio","payload":{}}`), &e)
	assert.True(t, IsValidation(err))
}

func TestTruncate(t *testing.T) {
	e := Event{
		Timestamp: time.Now(),
		Source:    SourceTerminal,
		Payload:   TerminalPayload{Command: "cat big.log", Output: strings.Repeat("é", 10)},
	}

	out, cut := Truncate(e, 5)
	require.True(t, cut)
	assert.True(t, out.Truncated)

	term, _ := out.Terminal()
	assert.Equal(t, "cat b", term.Command)
	assert.Equal(t, "éé", term.Output, "must cut on a rune boundary")

	orig, _ := e.Terminal()
	assert.Len(t, orig.Output, 20, "original must be untouched")

	same, cut := Truncate(e, 0)
	assert.False(t, cut)
	assert.Equal(t, e, same)
}

func TestMapText_LeavesPathsAlone(t *testing.T) {
	e := Event{
		Timestamp: time.Now(),
		Source:    SourceFilesystem,
		Payload:   FilePayload{Path: "secret.env", Action: FileCommit, CommitHash: "abc", Message: "add secret"},
	}

	out := MapText(e, strings.ToUpper)
	fp, ok := out.File()
	require.True(t, ok)
	assert.Equal(t, "secret.env", fp.Path)
	assert.Equal(t, "ADD SECRET", fp.Message)
}

func TestWithTags(t *testing.T) {
	e := Event{Tags: []string{"a"}}
	out := WithTags(e, "b", "a", "c")
	assert.Equal(t, []string{"a", "b", "c"}, out.Tags)
	assert.Equal(t, []string{"a"}, e.Tags)
}

func TestParseSources(t *testing.T) {
	got, err := ParseSources([]string{"vision", "", "terminal"})
	require.NoError(t, err)
	assert.Equal(t, []Source{SourceVision, SourceTerminal}, got)

	_, err = ParseSources([]string{"fax"})
	assert.True(t, IsValidation(err))
}

func TestPatternType_Rank(t *testing.T) {
	assert.Less(t, PatternRepeatedError.Rank(), PatternVoiceFrustration.Rank())
	assert.Equal(t, 5, PatternType("unknown").Rank())
}
