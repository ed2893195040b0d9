package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionOr(t *testing.T) {
	prev := version
	t.Cleanup(func() { version = prev })

	version = "dev"
	assert.Equal(t, "0.1.0", versionOr("0.1.0"))

	version = "1.2.3"
	assert.Equal(t, "1.2.3", versionOr("0.1.0"))
}

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	t.Setenv("HOME", t.TempDir())
	t.Setenv("CONTEXTENGINE_SERVER_PORT", "18094")
	t.Setenv("CONTEXTENGINE_EMBEDDINGS_PROVIDER", "hash")
	t.Setenv("CONTEXTENGINE_STORE_SEMANTIC__BACKEND", "none")
	t.Setenv("CONTEXTENGINE_LOGGING_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, options{})
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get("http://127.0.0.1:18094/health")
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 50*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}
