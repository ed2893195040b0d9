package redact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

const openAIKey = "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"

func TestRedact_NoSecrets(t *testing.T) {
	r, err := New(DefaultConfig())
	require.NoError(t, err)

	text := "go test ./... passed in 3.2s"
	got, n := r.Redact(text)
	assert.Equal(t, text, got)
	assert.Zero(t, n)
}

func TestRedact_Secret(t *testing.T) {
	r, err := New(DefaultConfig())
	require.NoError(t, err)

	text := `export OPENAI_API_KEY="` + openAIKey + `"`
	got, n := r.Redact(text)
	if n == 0 {
		t.Skip("gitleaks did not flag the sample key")
	}
	assert.NotContains(t, got, "abcdefghijklmnopqrstuvwxyz")
	assert.Contains(t, got, "[REDACTED:")
	assert.True(t, strings.HasPrefix(got, "export OPENAI_API_KEY="))
}

func TestRedactEvent_TouchesTextOnly(t *testing.T) {
	r, err := New(DefaultConfig())
	require.NoError(t, err)

	exit := 0
	e := signal.Event{
		Timestamp: time.Now(),
		Source:    signal.SourceTerminal,
		Payload: signal.TerminalPayload{
			Command:  `curl -H "Authorization: Bearer ` + openAIKey + `" api.example.com`,
			ExitCode: &exit,
			Cwd:      "/home/dev/project",
		},
	}
	out, n := r.RedactEvent(e)
	tp, _ := out.Terminal()
	assert.Equal(t, "/home/dev/project", tp.Cwd)
	if n == 0 {
		t.Skip("gitleaks did not flag the sample key")
	}
	assert.NotContains(t, tp.Command, openAIKey)
	orig, _ := e.Terminal()
	assert.Contains(t, orig.Command, openAIKey, "input must not be modified")
}

func TestRedact_Disabled(t *testing.T) {
	r, err := New(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, r.Enabled())

	got, n := r.Redact(openAIKey)
	assert.Equal(t, openAIKey, got)
	assert.Zero(t, n)
}

func TestRedact_Allowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.toml")
	require.NoError(t, os.WriteFile(path, []byte("[allowlist]\nregexes = ['''sk-proj-abcdef''']\n"), 0o600))

	r, err := New(Config{Enabled: true, AllowlistPath: path})
	require.NoError(t, err)

	got, n := r.Redact(`key = "` + openAIKey + `"`)
	assert.Zero(t, n)
	assert.Contains(t, got, openAIKey)
}

func TestLoadAllowlist_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadAllowlist(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[allowlist\n"), 0o600))
	_, err = LoadAllowlist(bad)
	assert.ErrorIs(t, err, ErrInvalidTOML)

	badRe := filepath.Join(dir, "badre.toml")
	require.NoError(t, os.WriteFile(badRe, []byte("[allowlist]\nregexes = ['''([''']\n"), 0o600))
	_, err = LoadAllowlist(badRe)
	assert.ErrorIs(t, err, ErrInvalidRegex)
}
