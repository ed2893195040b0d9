package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// setupTestHome points HOME at a temp dir and returns the allowed config
// directory inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "contextengine")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_YAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  port: 9191
  shutdown_timeout: 3s
  auth_token: tok
store:
  path: /tmp/ce/events.db
  retention:
    vision: 48h
detector:
  repeated_error:
    min_occurrences: 4
synthesizer:
  quick_window: 2m
  required:
    full: [terminal]
watcher:
  enabled: true
  roots: [/src/app]
`, 0o600)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "tok", cfg.Server.AuthToken.Value())
	assert.Equal(t, "/tmp/ce/events.db", cfg.Store.Path)
	assert.Equal(t, 48*time.Hour, cfg.Store.Retention.Vision)
	assert.Equal(t, 90*24*time.Hour, cfg.Store.Retention.AudioMic, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Detector.RepeatedError.MinOccurrences)
	assert.Equal(t, 2*time.Minute, cfg.Synthesizer.QuickWindow)
	assert.Equal(t, []signal.Source{signal.SourceTerminal}, cfg.Synthesizer.Required.Full)
	assert.True(t, cfg.Watcher.Enabled)
	assert.Equal(t, []string{"/src/app"}, cfg.Watcher.Roots)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 9191\n", 0o600)

	t.Setenv("CONTEXTENGINE_SERVER_PORT", "9292")
	t.Setenv("CONTEXTENGINE_SERVER_SHUTDOWN_TIMEOUT", "7s")
	t.Setenv("CONTEXTENGINE_STORE_RETENTION__AUDIO_MIC", "240h")
	t.Setenv("CONTEXTENGINE_BUS_ENABLED", "true")
	t.Setenv("CONTEXTENGINE_BUS_URL", "nats://bus:4222")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 7*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 240*time.Hour, cfg.Store.Retention.AudioMic)
	assert.True(t, cfg.Bus.Enabled)
	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := Load(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_DefaultPath(t *testing.T) {
	dir := setupTestHome(t)
	writeConfig(t, dir, "server:\n  port: 9393\n", 0o600)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9393, cfg.Server.Port)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server: [port: 1\n", 0o600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoad_ValidationFailure(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "ranker:\n  lexical_weight: 0.9\n", 0o600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestLoad_PathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	for _, p := range []string{
		"/tmp/config.yaml",
		"/etc/contextengine../passwd",
		"~/.config/contextengine/../../../etc/passwd",
	} {
		_, err := Load(p)
		require.Error(t, err, p)
		assert.Contains(t, err.Error(), "config path validation failed")
	}
}

func TestValidateConfigPath_AllowsConfigDirs(t *testing.T) {
	dir := setupTestHome(t)

	for _, p := range []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "profiles", "work.yaml"),
		"/etc/contextengine/config.yaml",
	} {
		assert.NoError(t, validateConfigPath(p), p)
	}
}

func TestLoad_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := setupTestHome(t)

	for _, perm := range []os.FileMode{0o644, 0o666, 0o640} {
		path := writeConfig(t, dir, "server:\n  port: 9191\n", perm)
		_, err := Load(path)
		require.Error(t, err, "perm %v", perm)
		assert.Contains(t, err.Error(), "insecure config file permissions")
	}

	path := writeConfig(t, dir, "server:\n  port: 9191\n", 0o400)
	_, err := Load(path)
	require.NoError(t, err)
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := setupTestHome(t)
	big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	path := writeConfig(t, dir, big, 0o600)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CONTEXTENGINE_SERVER_PORT":                     "server.port",
		"CONTEXTENGINE_STORE_SEMANTIC__QDRANT__HOST":    "store.semantic.qdrant.host",
		"CONTEXTENGINE_DETECTOR_REPEATED_ERROR__WINDOW": "detector.repeated_error.window",
		"CONTEXTENGINE_SERVER":                          "",
		"CONTEXTENGINE_":                                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := EnsureConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "contextengine"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
