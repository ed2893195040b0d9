package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ctxhttp "github.com/fyrsmithlabs/contextengine/internal/http"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *apiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return newAPIClient(srv.URL+"/", "s3cret")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_ContextSendsDepthAndToken(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/context", r.URL.Path)
		assert.Equal(t, "deep", r.URL.Query().Get("depth"))
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, synthesizer.Snapshot{
			Depth:      synthesizer.DepthDeep,
			ActiveWork: synthesizer.ActiveWork{ActiveFile: "main.go"},
			Complete:   true,
		})
	})

	snap, err := client.Context(context.Background(), "deep")
	require.NoError(t, err)
	assert.Equal(t, synthesizer.DepthDeep, snap.Depth)
	assert.Equal(t, "main.go", snap.ActiveWork.ActiveFile)
}

func TestClient_SearchParams(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/v1/search", r.URL.Path)
		assert.Equal(t, "connection refused", q.Get("q"))
		assert.Equal(t, "lexical", q.Get("mode"))
		assert.Equal(t, "terminal,filesystem", q.Get("sources"))
		assert.Equal(t, "2026-03-02T13:00:00Z", q.Get("start"))
		assert.Equal(t, "5", q.Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"query": "connection refused", "mode": "lexical", "results": []any{}, "complete": true})
	})

	resp, err := client.Search(context.Background(), "connection refused", searchParams{
		Mode:    "lexical",
		Sources: []string{"terminal", "filesystem"},
		Since:   2 * time.Hour,
		Limit:   5,
	}, now)
	require.NoError(t, err)
	assert.True(t, resp.Complete)
	assert.Empty(t, resp.Results)
}

func TestClient_ErrorResponse(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, ctxhttp.ErrorResponse{Error: "unrecognized source \"x\"", Field: "source"})
	})

	_, err := client.Window(context.Background(), 5, []string{"x"})
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "source", apiErr.Field)
	assert.Contains(t, err.Error(), "status 400")
}

func TestClient_PlainTextError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := client.Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad gateway")
}

func TestClient_AppendAndSessions(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/events":
			require.Equal(t, http.MethodPost, r.Method)
			var e signal.Event
			require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
			e.ID = 11
			writeJSON(w, http.StatusCreated, ctxhttp.AppendResponse{Event: e})
		case "/api/v1/sessions/last":
			assert.Equal(t, "s1", r.URL.Query().Get("session_id"))
			writeJSON(w, http.StatusOK, ctxhttp.SessionResponse{Found: false})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	stored, err := client.Append(ctx, terminalEvent("go test ./...", "", 1, "/src", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(11), stored.ID)
	term, ok := stored.Terminal()
	require.True(t, ok)
	require.NotNil(t, term.ExitCode)
	assert.Equal(t, 1, *term.ExitCode)

	st, err := client.LastSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestClient_SaveSession(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var st session.State
		require.NoError(t, json.NewDecoder(r.Body).Decode(&st))
		assert.Equal(t, "ship it", st.ActiveTask)
		st.RecordID = "r1"
		st.SessionID = "default"
		writeJSON(w, http.StatusCreated, st)
	})

	saved, err := client.SaveSession(context.Background(), session.State{ActiveTask: "ship it"})
	require.NoError(t, err)
	assert.Equal(t, "r1", saved.RecordID)
}
