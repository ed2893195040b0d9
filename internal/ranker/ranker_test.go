package ranker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var t0 = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC)

func hit(id int64, minute int, score float64) signal.ScoredEvent {
	return signal.ScoredEvent{
		Event: signal.Event{
			ID:        id,
			Timestamp: t0.Add(time.Duration(minute) * time.Minute),
			Source:    signal.SourceTerminal,
			Payload:   signal.TerminalPayload{Command: "x"},
		},
		Score: score,
	}
}

func ids(results []Result) []int64 {
	out := make([]int64, len(results))
	for i, r := range results {
		out[i] = r.Event.ID
	}
	return out
}

func newRanker(t *testing.T) *Ranker {
	r, err := New(DefaultConfig())
	require.NoError(t, err)
	return r
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"lexical only", Config{LexicalWeight: 1}, false},
		{"sum too high", Config{LexicalWeight: 0.7, SemanticWeight: 0.4}, true},
		{"negative", Config{LexicalWeight: 1.2, SemanticWeight: -0.2}, true},
		{"float noise", Config{LexicalWeight: 0.1 + 0.2, SemanticWeight: 0.7}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMerge_WeightsAndNormalization(t *testing.T) {
	r := newRanker(t)

	// bm25-style lexical scores are unbounded and get min-max scaled.
	lexical := []signal.ScoredEvent{hit(1, 0, 8), hit(2, 1, 4), hit(3, 2, 2)}
	semantic := []signal.ScoredEvent{hit(2, 1, 0.9), hit(4, 3, 0.5)}

	got := r.Merge(lexical, semantic)
	require.Len(t, got, 4)

	byID := map[int64]Result{}
	for _, res := range got {
		byID[res.Event.ID] = res
	}
	assert.InDelta(t, 0.6*1.0, byID[1].Score, 1e-9)
	assert.InDelta(t, 0.6*(2.0/6.0)+0.4*0.9, byID[2].Score, 1e-9)
	assert.InDelta(t, 0.0, byID[3].Score, 1e-9)
	assert.InDelta(t, 0.4*0.5, byID[4].Score, 1e-9)
	assert.True(t, byID[2].InLexical && byID[2].InSemantic)
	assert.False(t, byID[4].InLexical)

	assert.Equal(t, []int64{1, 2, 4, 3}, ids(got))
}

func TestMerge_TinyLexicalScoresStillScaled(t *testing.T) {
	r := newRanker(t)
	semantic := []signal.ScoredEvent{hit(3, 2, 0.2)}

	// FTS5 bm25 over a common term lands around 1e-6.
	tiny := r.Merge([]signal.ScoredEvent{hit(1, 0, 2e-5), hit(2, 1, 1e-5)}, semantic)
	large := r.Merge([]signal.ScoredEvent{hit(1, 0, 2.0), hit(2, 1, 1.0)}, semantic)

	assert.Equal(t, []int64{1, 3, 2}, ids(tiny))
	assert.Equal(t, ids(large), ids(tiny), "lexical magnitude must not change the ranking")
	assert.InDelta(t, 0.6, tiny[0].Score, 1e-9)
	assert.InDelta(t, 1.0, tiny[0].LexicalScore, 1e-9)
	assert.InDelta(t, 0.4*0.2, tiny[1].Score, 1e-9)
}

func TestMerge_BoundedSemanticScoresPassThrough(t *testing.T) {
	r := newRanker(t)
	got := r.Merge(nil, []signal.ScoredEvent{hit(1, 0, 0.3), hit(2, 1, 0.1)})
	require.Len(t, got, 2)
	assert.InDelta(t, 0.3, got[0].SemanticScore, 1e-9)
	assert.InDelta(t, 0.1, got[1].SemanticScore, 1e-9)
}

func TestMerge_AllEqualScoresNormalizeToOne(t *testing.T) {
	r := newRanker(t)
	got := r.Merge([]signal.ScoredEvent{hit(1, 0, 3), hit(2, 1, 3)}, nil)
	for _, res := range got {
		assert.InDelta(t, 0.6, res.Score, 1e-9)
	}
	assert.Equal(t, []int64{2, 1}, ids(got), "ties go to the more recent event")
}

func TestMerge_TiesBreakByIDWhenTimestampsMatch(t *testing.T) {
	r := newRanker(t)
	got := r.Merge([]signal.ScoredEvent{hit(9, 0, 0.5), hit(3, 0, 0.5), hit(5, 0, 0.5)}, nil)
	assert.Equal(t, []int64{3, 5, 9}, ids(got))
}

func TestMerge_DuplicatesKeepBestScore(t *testing.T) {
	r := newRanker(t)
	got := r.Merge(nil, []signal.ScoredEvent{hit(1, 0, 0.2), hit(1, 0, 0.8), hit(2, 1, 0.5)})
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Event.ID)
	assert.InDelta(t, 0.4*0.8, got[0].Score, 1e-9)
}

func TestMerge_Deterministic(t *testing.T) {
	r := newRanker(t)
	lexical := []signal.ScoredEvent{hit(1, 0, 3), hit(2, 0, 3), hit(3, 5, 1), hit(4, 2, 7)}
	semantic := []signal.ScoredEvent{hit(3, 5, 0.7), hit(5, 1, 0.7), hit(6, 1, 0.7)}

	first := r.Merge(lexical, semantic)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, r.Merge(lexical, semantic))
	}

	reversed := make([]signal.ScoredEvent, len(lexical))
	for i, h := range lexical {
		reversed[len(lexical)-1-i] = h
	}
	assert.Equal(t, ids(first), ids(r.Merge(reversed, semantic)), "input order must not matter")
}

func TestMerge_IdempotentUnderRenormalization(t *testing.T) {
	r := newRanker(t)
	bounded := []signal.ScoredEvent{hit(1, 0, 0.9), hit(2, 1, 0.3), hit(3, 2, 0.6)}

	once := r.Merge(bounded, bounded)
	again := make([]signal.ScoredEvent, len(once))
	for i, res := range once {
		again[i] = signal.ScoredEvent{Event: res.Event, Score: res.Score}
	}
	twice := r.Merge(again, again)
	assert.Equal(t, ids(once), ids(twice))
	assert.Equal(t, []int64{1, 3, 2}, ids(once))
}

func TestMerge_Empty(t *testing.T) {
	r := newRanker(t)
	assert.Empty(t, r.Merge(nil, nil))
}
