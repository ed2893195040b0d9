package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/config"
	httpapi "github.com/fyrsmithlabs/contextengine/internal/http"
	"github.com/fyrsmithlabs/contextengine/internal/mcp"
	"github.com/fyrsmithlabs/contextengine/internal/scheduler"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Store.Semantic.Backend = "chromem"
	cfg.Store.Semantic.Chromem.Path = ""
	cfg.Embeddings.Provider = "hash"
	cfg.Embeddings.Dimension = 64
	return cfg
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	eng, err := Build(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	assert.NotNil(t, eng.Store())
	assert.NotNil(t, eng.Ingest())
	assert.NotNil(t, eng.Search())
	assert.NotNil(t, eng.Synthesizer())
	assert.NotNil(t, eng.Sessions())
	assert.Nil(t, eng.Bus())
	assert.Nil(t, eng.Watcher())
	assert.ElementsMatch(t, []string{
		scheduler.JobDetection,
		scheduler.JobRetention,
		scheduler.JobSessionCleanup,
		scheduler.JobCheckpoint,
	}, eng.Scheduler().Jobs())
}

func TestBuild_EndToEnd(t *testing.T) {
	ctx := context.Background()
	eng, err := Build(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	exit := 2
	now := time.Now().UTC()
	stored, err := eng.Ingest().Ingest(ctx, signal.Event{
		Timestamp: now.Add(-time.Minute),
		Source:    signal.SourceTerminal,
		Payload:   signal.TerminalPayload{Command: "make build", Output: "undefined: frobnicate", ExitCode: &exit},
	})
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)

	win, err := eng.Store().QueryWindow(ctx, nil, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	require.Len(t, win.Events, 1)
	assert.Equal(t, stored.ID, win.Events[0].ID)

	resp, err := eng.Search().Search(ctx, search.Request{Query: "frobnicate"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, stored.ID, resp.Results[0].Event.ID)

	snap, err := eng.Synthesizer().GetCurrentContext(ctx, synthesizer.DepthQuick)
	require.NoError(t, err)
	assert.Equal(t, synthesizer.DepthQuick, snap.Depth)

	saved, err := eng.Sessions().Save(ctx, session.State{ActiveTask: "fix the build"})
	require.NoError(t, err)
	last, err := eng.Sessions().LoadLast(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, saved.RecordID, last.RecordID)
}

func TestBuild_TransportsAcceptServices(t *testing.T) {
	eng, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	_, err = httpapi.NewServer(eng.HTTP(), zap.NewNop(), nil)
	require.NoError(t, err)

	srv, err := mcp.NewServer(nil, eng.MCP(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 9, srv.Registry().Count())
}

func TestBuild_NoSemanticBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Semantic.Backend = "none"

	eng, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	assert.NotNil(t, eng.Store())
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(context.Background(), nil, nil)
	require.Error(t, err)

	cfg := testConfig(t)
	cfg.Store.Semantic.Backend = "faiss"
	_, err = Build(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown semantic backend")
}

func TestEngine_StartAndClose(t *testing.T) {
	eng, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	require.Error(t, eng.Scheduler().Start(), "scheduler should already be running")
	require.NoError(t, eng.Close())
}

func TestNewRegistry_Accessors(t *testing.T) {
	reg := NewRegistry(Options{})
	assert.Nil(t, reg.Store())
	assert.Nil(t, reg.Ingest())
	assert.Nil(t, reg.Sessions())
	assert.Nil(t, reg.Bus())
	assert.Nil(t, reg.Watcher())
	assert.Nil(t, reg.Scheduler())
}
