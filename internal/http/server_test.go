package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/ingest"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/signalstore"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

var now = time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC)

type fakeIngest struct {
	mu     sync.Mutex
	nextID int64
	events []signal.Event
	err    error
}

func (f *fakeIngest) Ingest(_ context.Context, e signal.Event) (signal.Event, error) {
	if f.err != nil {
		return signal.Event{}, f.err
	}
	if err := e.Validate(); err != nil {
		return signal.Event{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	e.ID = f.nextID
	f.events = append(f.events, e)
	return e, nil
}

func (f *fakeIngest) IngestBatch(ctx context.Context, events []signal.Event) ([]ingest.Result, error) {
	out := make([]ingest.Result, len(events))
	for i, e := range events {
		stored, err := f.Ingest(ctx, e)
		if err != nil {
			if !signal.IsValidation(err) {
				return out[:i], err
			}
			out[i] = ingest.Result{Error: err.Error()}
			continue
		}
		out[i] = ingest.Result{EventID: stored.ID}
	}
	return out, nil
}

func (f *fakeIngest) IngestCall(ctx context.Context, call ingest.CallTranscript) ([]signal.Event, error) {
	if call.CallID == "" {
		return nil, signal.Invalid("call_id", "required")
	}
	var out []signal.Event
	for _, seg := range call.Segments {
		e, err := f.Ingest(ctx, signal.Event{
			Timestamp: seg.Timestamp,
			Source:    signal.SourceAudioCall,
			Payload:   signal.AudioPayload{Text: seg.Text, Speaker: seg.Speaker, CallID: call.CallID},
		})
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

type fakeContext struct {
	depth synthesizer.Depth
}

func (f *fakeContext) GetCurrentContext(_ context.Context, d synthesizer.Depth) (synthesizer.Snapshot, error) {
	f.depth = d
	return synthesizer.Snapshot{
		SnapshotTime: now,
		Depth:        d,
		ActiveWork:   synthesizer.ActiveWork{Summary: "Editing main.go", ActiveFile: "main.go"},
		Complete:     true,
	}, nil
}

func (f *fakeContext) DetectStuck(context.Context) (synthesizer.StuckReport, error) {
	return synthesizer.StuckReport{Patterns: []signal.StuckPattern{}, Complete: true}, nil
}

func (f *fakeContext) SuggestAction(context.Context) (synthesizer.Action, error) {
	return synthesizer.Action{Action: "No action needed.", Complete: true}, nil
}

type fakeSearch struct {
	last search.Request
	err  error
}

func (f *fakeSearch) Search(_ context.Context, req search.Request) (search.Response, error) {
	f.last = req
	if f.err != nil {
		return search.Response{}, f.err
	}
	return search.Response{Query: req.Query, Mode: req.Mode, Complete: true}, nil
}

type fakeWindow struct {
	events   []signal.Event
	cached   bool
	lastSeen map[signal.Source]time.Time
	start    time.Time
	end      time.Time
	sources  []signal.Source
	err      error
}

func (f *fakeWindow) QueryWindow(_ context.Context, sources []signal.Source, start, end time.Time) (signalstore.Window, error) {
	f.sources, f.start, f.end = sources, start, end
	if f.err != nil {
		return signalstore.Window{}, f.err
	}
	return signalstore.Window{Events: f.events, Cached: f.cached}, nil
}

func (f *fakeWindow) LastSeen() map[signal.Source]time.Time { return f.lastSeen }

type fakeSessions struct {
	saved []session.State
}

func (f *fakeSessions) Save(_ context.Context, st session.State) (session.State, error) {
	if st.SessionID == "" {
		st.SessionID = "default"
	}
	st.RecordID = fmt.Sprintf("rec-%d", len(f.saved)+1)
	st.SavedAt = now
	f.saved = append(f.saved, st)
	return st, nil
}

func (f *fakeSessions) LoadLast(_ context.Context, id string) (*session.State, error) {
	for i := len(f.saved) - 1; i >= 0; i-- {
		if id == "" || f.saved[i].SessionID == id {
			st := f.saved[i]
			return &st, nil
		}
	}
	return nil, nil
}

func (f *fakeSessions) History(_ context.Context, id string, limit int) ([]session.State, error) {
	out := []session.State{}
	for i := len(f.saved) - 1; i >= 0 && (limit == 0 || len(out) < limit); i-- {
		if f.saved[i].SessionID == id {
			out = append(out, f.saved[i])
		}
	}
	return out, nil
}

func (f *fakeSessions) Cleanup(context.Context, time.Duration) (int, error) { return 0, nil }

type harness struct {
	srv      *Server
	ingest   *fakeIngest
	context  *fakeContext
	search   *fakeSearch
	window   *fakeWindow
	sessions *fakeSessions
}

func newHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	h := &harness{
		ingest:   &fakeIngest{},
		context:  &fakeContext{},
		search:   &fakeSearch{},
		window:   &fakeWindow{},
		sessions: &fakeSessions{},
	}
	srv, err := NewServer(Services{
		Ingest:   h.ingest,
		Context:  h.context,
		Search:   h.search,
		Window:   h.window,
		Sessions: h.sessions,
	}, zap.NewNop(), cfg)
	require.NoError(t, err)
	srv.now = func() time.Time { return now }
	h.srv = srv
	return h
}

func (h *harness) do(method, target, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer_RequiresServices(t *testing.T) {
	_, err := NewServer(Services{}, zap.NewNop(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest service is required")

	h := newHarness(t, nil)
	_, err = NewServer(h.srv.svc, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger is required")
}

func TestHandleHealth_ReportsLastSeen(t *testing.T) {
	h := newHarness(t, nil)
	h.window.lastSeen = map[signal.Source]time.Time{
		signal.SourceTerminal: now.Add(-time.Minute),
		signal.SourceVision:   now.Add(-time.Hour),
	}

	rec := h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.LastSeen, 2)
	assert.Equal(t, []signal.Source{signal.SourceVision}, resp.Stale)
}

func TestHandleMetrics(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHandleAppendEvent(t *testing.T) {
	h := newHarness(t, nil)

	body := `{"timestamp":"2026-03-02T16:29:00Z","source":"terminal",
		"payload":{"command":"go test ./...","exit_code":1,"output":"FAIL"}}`
	rec := h.do(http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[AppendResponse](t, rec)
	assert.Equal(t, int64(1), resp.Event.ID)
	p, ok := resp.Event.Terminal()
	require.True(t, ok)
	assert.Equal(t, "go test ./...", p.Command)
}

func TestHandleAppendEvent_ValidationErrors(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"source":`, "body"},
		{"unknown source", `{"timestamp":"2026-03-02T16:29:00Z","source":"sonar","payload":{}}`, "source"},
		{"missing timestamp", `{"source":"clipboard","payload":{"text":"x"}}`, "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/v1/events", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.field, resp.Field)
			assert.Contains(t, resp.Error, "validation error")
		})
	}
	assert.Empty(t, h.ingest.events)
}

func TestHandleAppendEvent_StorageFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest.err = fmt.Errorf("append: %w", signal.ErrStorageFailure)

	rec := h.do(http.MethodPost, "/api/v1/events",
		`{"timestamp":"2026-03-02T16:29:00Z","source":"clipboard","payload":{"text":"x"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleAppendBatch_PerItemResults(t *testing.T) {
	h := newHarness(t, nil)

	body := `{"events":[
		{"timestamp":"2026-03-02T16:29:00Z","source":"clipboard","payload":{"text":"a"}},
		{"timestamp":"2026-03-02T16:29:01Z","source":"sonar","payload":{}},
		{"source":"clipboard","payload":{"text":"no time"}},
		{"timestamp":"2026-03-02T16:29:02Z","source":"clipboard","payload":{"text":"b"}}
	]}`
	rec := h.do(http.MethodPost, "/api/v1/events/batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[BatchResponse](t, rec)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
	assert.Equal(t, int64(1), resp.Results[0].EventID)
	assert.Contains(t, resp.Results[1].Error, "source")
	assert.Contains(t, resp.Results[2].Error, "timestamp")
	assert.Equal(t, int64(2), resp.Results[3].EventID)

	rec = h.do(http.MethodPost, "/api/v1/events/batch", `{"events":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCall(t *testing.T) {
	h := newHarness(t, nil)

	body := `{"call_id":"call-7","segments":[
		{"speaker":"remus","text":"we should ship friday","timestamp":"2026-03-02T16:00:00Z"},
		{"speaker":"user","text":"agreed","timestamp":"2026-03-02T16:00:05Z"}
	]}`
	rec := h.do(http.MethodPost, "/api/v1/calls", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[CallResponse](t, rec)
	assert.Equal(t, "call-7", resp.CallID)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, signal.SourceAudioCall, resp.Events[0].Source)

	rec = h.do(http.MethodPost, "/api/v1/calls", `{"segments":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQueryWindow(t *testing.T) {
	h := newHarness(t, nil)
	h.window.events = []signal.Event{{
		ID: 1, Timestamp: now.Add(-time.Minute), Source: signal.SourceClipboard,
		Payload: signal.ClipboardPayload{Text: "x"},
	}}

	rec := h.do(http.MethodGet, "/api/v1/events?sources=clipboard,terminal&minutes=15", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[WindowResponse](t, rec)
	assert.True(t, resp.Complete)
	assert.Len(t, resp.Events, 1)
	assert.Equal(t, []signal.Source{signal.SourceClipboard, signal.SourceTerminal}, h.window.sources)
	assert.Equal(t, now.Add(-15*time.Minute), h.window.start)
	assert.Equal(t, now, h.window.end)
}

func TestHandleQueryWindow_DefaultsAndCache(t *testing.T) {
	h := newHarness(t, nil)
	h.window.cached = true

	rec := h.do(http.MethodGet, "/api/v1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[WindowResponse](t, rec)
	assert.False(t, resp.Complete, "cache-served windows are partial")
	assert.NotNil(t, resp.Events)
	assert.Equal(t, now.Add(-defaultWindow), h.window.start)
	assert.Nil(t, h.window.sources)
}

func TestHandleQueryWindow_BadParams(t *testing.T) {
	h := newHarness(t, nil)

	for _, target := range []string{
		"/api/v1/events?sources=sonar",
		"/api/v1/events?start=yesterday",
		"/api/v1/events?minutes=-3",
	} {
		rec := h.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleContext(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/v1/context?depth=full", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, synthesizer.DepthFull, h.context.depth)
	assert.Contains(t, rec.Body.String(), `"complete":true`)

	rec = h.do(http.MethodGet, "/api/v1/context", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, synthesizer.DepthQuick, h.context.depth)

	rec = h.do(http.MethodGet, "/api/v1/context?depth=bottomless", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStuckAndSuggest(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/v1/stuck", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"patterns":[]`)

	rec = h.do(http.MethodGet, "/api/v1/suggest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No action needed.")
}

func TestHandleSearch(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet,
		"/api/v1/search?q=connection+refused&mode=lexical&sources=terminal&limit=5&start=2026-03-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "connection refused", h.search.last.Query)
	assert.Equal(t, search.ModeLexical, h.search.last.Mode)
	assert.Equal(t, []signal.Source{signal.SourceTerminal}, h.search.last.Sources)
	assert.Equal(t, 5, h.search.last.Limit)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), h.search.last.Start)

	rec = h.do(http.MethodGet, "/api/v1/search?q=x&mode=fuzzy", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.search.err = fmt.Errorf("search: %w", signal.ErrTimeoutExceeded)
	rec = h.do(http.MethodGet, "/api/v1/search?q=x", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestHandleSessions(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/api/v1/sessions/last", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cold := decode[SessionResponse](t, rec)
	assert.False(t, cold.Found)
	assert.Nil(t, cold.Session)

	rec = h.do(http.MethodPost, "/api/v1/sessions",
		`{"session_id":"work","active_task":"fix flaky test","task_status":"blocked","blockers":["repeated_error: go test"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saved := decode[session.State](t, rec)
	assert.Equal(t, "rec-1", saved.RecordID)

	rec = h.do(http.MethodGet, "/api/v1/sessions/last?session_id=work", "")
	require.Equal(t, http.StatusOK, rec.Code)
	warm := decode[SessionResponse](t, rec)
	require.True(t, warm.Found)
	assert.Equal(t, "fix flaky test", warm.Session.ActiveTask)

	rec = h.do(http.MethodGet, "/api/v1/sessions/history?session_id=work&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decode[HistoryResponse](t, rec)
	assert.Len(t, hist.Sessions, 1)

	rec = h.do(http.MethodGet, "/api/v1/sessions/history?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t, &Config{AuthToken: "s3cret"})

	rec := h.do(http.MethodGet, "/api/v1/stuck", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/stuck", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/stuck", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, &Config{RateLimit: 0.001, RateBurst: 2})

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, h.do(http.MethodGet, "/api/v1/stuck", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestBodyLimit(t *testing.T) {
	h := newHarness(t, &Config{BodyLimit: "1K"})

	big := fmt.Sprintf(`{"timestamp":"2026-03-02T16:29:00Z","source":"clipboard","payload":{"text":%q}}`,
		strings.Repeat("x", 4096))
	rec := h.do(http.MethodPost, "/api/v1/events", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
