// Package ranker fuses lexical and semantic result lists into one ranking.
package ranker

import (
	"fmt"
	"math"
	"sort"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// Config weights the two result lists. The weights must sum to 1.
type Config struct {
	LexicalWeight  float64 `koanf:"lexical_weight"`
	SemanticWeight float64 `koanf:"semantic_weight"`
}

// DefaultConfig favours exact keyword matches slightly over similarity.
func DefaultConfig() Config {
	return Config{LexicalWeight: 0.6, SemanticWeight: 0.4}
}

// Validate checks the weights.
func (c Config) Validate() error {
	if c.LexicalWeight < 0 || c.SemanticWeight < 0 {
		return fmt.Errorf("ranker weights must be >= 0")
	}
	if math.Abs(c.LexicalWeight+c.SemanticWeight-1) > 1e-9 {
		return fmt.Errorf("ranker weights must sum to 1, got %g", c.LexicalWeight+c.SemanticWeight)
	}
	return nil
}

// Result is one fused hit. LexicalScore and SemanticScore are the
// normalized component scores; zero when the event was absent from that list.
type Result struct {
	Event         signal.Event `json:"event"`
	Score         float64      `json:"score"`
	LexicalScore  float64      `json:"lexical_score"`
	SemanticScore float64      `json:"semantic_score"`
	InLexical     bool         `json:"in_lexical"`
	InSemantic    bool         `json:"in_semantic"`
}

// Ranker merges result lists. It is stateless and safe for concurrent use.
type Ranker struct {
	cfg Config
}

// New validates cfg and returns a Ranker.
func New(cfg Config) (*Ranker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ranker{cfg: cfg}, nil
}

// Config returns the ranker weights.
func (r *Ranker) Config() Config { return r.cfg }

// Merge normalizes each list independently and combines them. Lexical
// scores (negated bm25) have no fixed range, so that list is always min-max
// scaled; semantic similarities are bounded and pass through unless they
// fall outside [0,1]. An event
// present in both lists scores wL*l + wS*s; an event in only one list
// scores that list's weight times its normalized score. Output is ordered
// by score descending, then timestamp descending, then event id ascending,
// so the same inputs always produce the same ranking.
func (r *Ranker) Merge(lexical, semantic []signal.ScoredEvent) []Result {
	lex := normalize(lexical, false)
	sem := normalize(semantic, true)

	merged := make(map[int64]*Result, len(lex)+len(sem))
	for id, h := range lex {
		merged[id] = &Result{Event: h.Event, LexicalScore: h.Score, InLexical: true}
	}
	for id, h := range sem {
		res, ok := merged[id]
		if !ok {
			res = &Result{Event: h.Event}
			merged[id] = res
		}
		res.SemanticScore = h.Score
		res.InSemantic = true
	}

	out := make([]Result, 0, len(merged))
	for _, res := range merged {
		res.Score = r.cfg.LexicalWeight*res.LexicalScore + r.cfg.SemanticWeight*res.SemanticScore
		out = append(out, *res)
	}
	Sort(out)
	return out
}

// Sort orders results by score descending, timestamp descending and event
// id ascending.
func Sort(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Event.Timestamp.Equal(b.Event.Timestamp) {
			return a.Event.Timestamp.After(b.Event.Timestamp)
		}
		return a.Event.ID < b.Event.ID
	})
}

// normalize maps a list onto [0,1] keyed by event id. A bounded list whose
// scores already lie inside [0,1] is left as it is; everything else is
// min-max scaled, and a list whose scores are all equal maps to 1.
// Duplicate ids keep their best score.
func normalize(hits []signal.ScoredEvent, bounded bool) map[int64]signal.ScoredEvent {
	best := make(map[int64]signal.ScoredEvent, len(hits))
	for _, h := range hits {
		if math.IsNaN(h.Score) {
			continue
		}
		if prev, ok := best[h.Event.ID]; !ok || h.Score > prev.Score {
			best[h.Event.ID] = h
		}
	}
	if len(best) == 0 {
		return best
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, h := range best {
		lo = math.Min(lo, h.Score)
		hi = math.Max(hi, h.Score)
	}
	if bounded && lo >= 0 && hi <= 1 {
		return best
	}
	for id, h := range best {
		if hi == lo {
			h.Score = 1
		} else {
			h.Score = (h.Score - lo) / (hi - lo)
		}
		best[id] = h
	}
	return best
}
