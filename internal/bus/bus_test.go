package bus

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestBus_PublishAndSubscribeEvents(t *testing.T) {
	server := startTestNATSServer(t)
	b, err := Connect(Config{Enabled: true, URL: server.ClientURL(), SubjectPrefix: "test", MaxReconnects: 1, ReconnectWait: time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	assert.True(t, b.Connected())

	got := make(chan signal.Event, 4)
	_, err = b.SubscribeEvents([]signal.Source{signal.SourceTerminal}, func(e signal.Event) { got <- e })
	require.NoError(t, err)
	require.NoError(t, b.Flush())

	exit := 2
	require.NoError(t, b.PublishEvent(signal.Event{
		ID:        7,
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Source:    signal.SourceTerminal,
		Payload:   signal.TerminalPayload{Command: "make", ExitCode: &exit},
	}))
	require.NoError(t, b.PublishEvent(signal.Event{
		ID:        8,
		Timestamp: time.Date(2026, 3, 2, 9, 0, 1, 0, time.UTC),
		Source:    signal.SourceClipboard,
		Payload:   signal.ClipboardPayload{Text: "ignored"},
	}))
	require.NoError(t, b.Flush())

	select {
	case e := <-got:
		assert.Equal(t, int64(7), e.ID)
		tp, ok := e.Terminal()
		require.True(t, ok)
		assert.Equal(t, 2, *tp.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case e := <-got:
		t.Fatalf("unexpected event from %s", e.Source)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_Patterns(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	b := New(nc, "", nil)
	assert.Equal(t, "contextengine.patterns.repeated_error", b.PatternSubject(signal.PatternRepeatedError))
	assert.Equal(t, "contextengine.signals.audio_call", b.EventSubject(signal.SourceAudioCall))

	got := make(chan signal.StuckPattern, 1)
	_, err = b.SubscribePatterns(func(p signal.StuckPattern) { got <- p })
	require.NoError(t, err)
	require.NoError(t, b.Flush())

	require.NoError(t, b.PublishPattern(signal.StuckPattern{
		Type:       signal.PatternCommitHesitation,
		Evidence:   []int64{1, 2, 3, 4, 5},
		Confidence: 0.5,
	}))

	select {
	case p := <-got:
		assert.Equal(t, signal.PatternCommitHesitation, p.Type)
		assert.Len(t, p.Evidence, 5)
	case <-time.After(2 * time.Second):
		t.Fatal("pattern not delivered")
	}
	require.NoError(t, b.Close(), "borrowed connections are left open")
	assert.True(t, nc.IsConnected())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
}
