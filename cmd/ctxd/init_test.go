package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/contextengine/internal/config"
)

func TestInitCmd_WritesLoadableConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	forceInit = false

	var out bytes.Buffer
	initCmd.SetOut(&out)
	require.NoError(t, runInit(initCmd, nil))

	path := filepath.Join(home, ".config", "contextengine", "config.yaml")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.Contains(t, out.String(), "Wrote config")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "chromem", cfg.Store.Semantic.Backend)
}

func TestInitCmd_DoesNotOverwrite(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	forceInit = false

	dir := filepath.Join(home, ".config", "contextengine")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	var out bytes.Buffer
	initCmd.SetOut(&out)
	require.NoError(t, runInit(initCmd, nil))
	assert.Contains(t, out.String(), "already exists")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "9191")

	forceInit = true
	t.Cleanup(func() { forceInit = false })
	require.NoError(t, runInit(initCmd, nil))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "port: 9090")
}

func TestRootCmd_Subcommands(t *testing.T) {
	want := []string{"health", "context", "stuck", "suggest", "search", "window", "append", "session", "tail", "statusline", "init"}
	have := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %s", name)
	}
}
