// Package detector recognizes stuck behaviour in a window of events. Scan is
// a pure function of its input: the same events always yield the same
// patterns, so results can be recomputed at any time and are never the
// source of truth.
package detector

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// Detector evaluates the configured rules. It holds no state between scans
// and is safe for concurrent use.
type Detector struct {
	cfg         Config
	frustration *regexp.Regexp
	status      []string
	commit      []string
}

// New validates cfg and compiles the frustration lexicon.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("detector config: %w", err)
	}
	d := &Detector{
		cfg:    cfg,
		status: normalizeCommands(cfg.CommitHesitation.StatusCommands),
		commit: normalizeCommands(cfg.CommitHesitation.CommitCommands),
	}
	if len(cfg.VoiceFrustration.Lexicon) > 0 {
		terms := make([]string, 0, len(cfg.VoiceFrustration.Lexicon))
		for _, t := range cfg.VoiceFrustration.Lexicon {
			if t = strings.TrimSpace(t); t != "" {
				terms = append(terms, regexp.QuoteMeta(t))
			}
		}
		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("compiling frustration lexicon: %w", err)
		}
		d.frustration = re
	}
	return d, nil
}

// Config returns the detector thresholds.
func (d *Detector) Config() Config { return d.cfg }

// Scan evaluates every rule over events and returns the patterns found,
// ordered by pattern type, then detection time, then subject. Events need
// not be sorted.
func (d *Detector) Scan(events []signal.Event) []signal.StuckPattern {
	sorted := make([]signal.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})

	var out []signal.StuckPattern
	out = append(out, d.repeatedErrors(sorted)...)
	out = append(out, d.commitHesitation(sorted)...)
	out = append(out, d.screenStagnation(sorted)...)
	out = append(out, d.circularFileActivity(sorted)...)
	out = append(out, d.voiceFrustration(sorted)...)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Type.Rank() != b.Type.Rank() {
			return a.Type.Rank() < b.Type.Rank()
		}
		if !a.DetectedAt.Equal(b.DetectedAt) {
			return a.DetectedAt.Before(b.DetectedAt)
		}
		return a.Subject < b.Subject
	})
	return out
}

func (d *Detector) repeatedErrors(events []signal.Event) []signal.StuckPattern {
	bySig := make(map[string][]signal.Event)
	var order []string
	for _, e := range events {
		tp, ok := e.Terminal()
		if !ok {
			continue
		}
		sig := ErrorSignature(tp)
		if sig == "" {
			continue
		}
		if _, seen := bySig[sig]; !seen {
			order = append(order, sig)
		}
		bySig[sig] = append(bySig[sig], e)
	}

	rule := d.cfg.RepeatedError
	var out []signal.StuckPattern
	for _, sig := range order {
		cluster := densest(bySig[sig], rule.Window)
		if len(cluster) < rule.MinOccurrences {
			continue
		}
		out = append(out, newPattern(signal.PatternRepeatedError, sig, cluster, saturate(len(cluster), rule.Saturation),
			fmt.Sprintf("The same error has appeared %d times in %s: %q. Read the full message or search for it before running the command again.",
				len(cluster), span(cluster), sig)))
	}
	return out
}

func (d *Detector) commitHesitation(events []signal.Event) []signal.StuckPattern {
	var (
		segments [][]signal.Event
		current  []signal.Event
	)
	for _, e := range events {
		if d.isCommit(e) {
			if len(current) > 0 {
				segments = append(segments, current)
			}
			current = nil
			continue
		}
		if tp, ok := e.Terminal(); ok && matchesCommand(tp.Command, d.status) {
			current = append(current, e)
		}
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}

	rule := d.cfg.CommitHesitation
	var best []signal.Event
	for _, seg := range segments {
		if c := densest(seg, rule.Window); len(c) >= len(best) {
			best = c
		}
	}
	if len(best) < rule.MinOccurrences {
		return nil
	}
	return []signal.StuckPattern{newPattern(signal.PatternCommitHesitation, "", best, saturate(len(best), rule.Saturation),
		fmt.Sprintf("You've checked git status %d times in %s without committing. Commit your uncommitted changes, even as a WIP commit, or stash them.",
			len(best), span(best)))}
}

func (d *Detector) screenStagnation(events []signal.Event) []signal.StuckPattern {
	rule := d.cfg.ScreenStagnation
	var (
		runStart, runEnd   signal.Event
		runText, lastTitle string
		found              bool
		first, last        signal.Event
		title              string
	)
	flush := func() {
		if runText == "" {
			return
		}
		if runEnd.Timestamp.Sub(runStart.Timestamp) >= rule.MinDuration {
			first, last, title, found = runStart, runEnd, lastTitle, true
		}
	}
	for _, e := range events {
		vp, ok := e.Vision()
		if !ok {
			continue
		}
		text := normalizeScreen(e.Text())
		if text == runText && text != "" {
			runEnd = e
			continue
		}
		flush()
		runStart, runEnd, runText, lastTitle = e, e, text, vp.WindowTitle
	}
	flush()
	if !found {
		return nil
	}

	gap := last.Timestamp.Sub(first.Timestamp)
	conf := float64(gap-rule.MinDuration) / float64(rule.SaturationDuration-rule.MinDuration)
	subject := title
	if subject == "" {
		subject = truncateRunes(normalizeScreen(first.Text()), 80)
	}
	return []signal.StuckPattern{newPattern(signal.PatternScreenStagnation, subject, []signal.Event{first, last}, clamp01(conf),
		fmt.Sprintf("The screen hasn't changed in %s. If you're stuck on the same thing, try explaining the problem out loud or take a short break.",
			roundDuration(gap)))}
}

func (d *Detector) circularFileActivity(events []signal.Event) []signal.StuckPattern {
	byPath := make(map[string][][]signal.Event)
	for _, e := range events {
		if d.isCommit(e) {
			for path, segs := range byPath {
				if n := len(segs); n > 0 && len(segs[n-1]) > 0 {
					byPath[path] = append(segs, nil)
				}
			}
			continue
		}
		fp, ok := e.File()
		if !ok || !slices.Contains(d.cfg.CircularFileActivity.Actions, fp.Action) {
			continue
		}
		segs := byPath[fp.Path]
		if len(segs) == 0 {
			segs = [][]signal.Event{nil}
		}
		segs[len(segs)-1] = append(segs[len(segs)-1], e)
		byPath[fp.Path] = segs
	}

	rule := d.cfg.CircularFileActivity
	var out []signal.StuckPattern
	for path, segs := range byPath {
		var best []signal.Event
		for _, seg := range segs {
			if c := densest(seg, rule.Window); len(c) >= len(best) {
				best = c
			}
		}
		if len(best) < rule.MinOccurrences {
			continue
		}
		out = append(out, newPattern(signal.PatternCircularFileActivity, path, best, saturate(len(best), rule.Saturation),
			fmt.Sprintf("You've gone back to %s %d times in %s. Write down what you're looking for in it before opening it again.",
				path, len(best), span(best))))
	}
	return out
}

func (d *Detector) voiceFrustration(events []signal.Event) []signal.StuckPattern {
	if d.frustration == nil {
		return nil
	}
	var hits []signal.Event
	for _, e := range events {
		if e.Source != signal.SourceAudioMic {
			continue
		}
		if d.frustration.MatchString(e.Text()) {
			hits = append(hits, e)
		}
	}
	rule := d.cfg.VoiceFrustration
	cluster := densest(hits, rule.Window)
	if len(cluster) < rule.MinOccurrences {
		return nil
	}
	latest := cluster[len(cluster)-1]
	subject := strings.ToLower(d.frustration.FindString(latest.Text()))
	return []signal.StuckPattern{newPattern(signal.PatternVoiceFrustration, subject, cluster, saturate(len(cluster), rule.Saturation),
		"You sound frustrated. Take a few minutes away from the screen, then restate the problem in one sentence.")}
}

func (d *Detector) isCommit(e signal.Event) bool {
	if fp, ok := e.File(); ok {
		return fp.Action == signal.FileCommit
	}
	if tp, ok := e.Terminal(); ok {
		return matchesCommand(tp.Command, d.commit)
	}
	return false
}

// Annotate returns copies of events tagged with the pattern types whose
// evidence they belong to, as "stuck:<pattern_type>". The inputs are not
// modified.
func Annotate(events []signal.Event, patterns []signal.StuckPattern) []signal.Event {
	tags := make(map[int64][]string)
	for _, p := range patterns {
		for _, id := range p.Evidence {
			tags[id] = append(tags[id], "stuck:"+string(p.Type))
		}
	}
	out := make([]signal.Event, len(events))
	for i, e := range events {
		if t, ok := tags[e.ID]; ok {
			out[i] = signal.WithTags(e, t...)
		} else {
			out[i] = signal.WithTags(e)
		}
	}
	return out
}

// Primary picks the pattern to lead with: highest confidence, then the
// more specific type, then the most recent.
func Primary(patterns []signal.StuckPattern) (signal.StuckPattern, bool) {
	if len(patterns) == 0 {
		return signal.StuckPattern{}, false
	}
	best := patterns[0]
	for _, p := range patterns[1:] {
		switch {
		case p.Confidence > best.Confidence:
			best = p
		case p.Confidence == best.Confidence && p.Type.Rank() < best.Type.Rank():
			best = p
		case p.Confidence == best.Confidence && p.Type == best.Type && p.DetectedAt.After(best.DetectedAt):
			best = p
		}
	}
	return best, true
}

// densest returns the largest run of events (sorted by time) that fits in
// window. Ties go to the most recent run.
func densest(events []signal.Event, window time.Duration) []signal.Event {
	if len(events) == 0 {
		return nil
	}
	bestI, bestJ := 0, 0
	i := 0
	for j := range events {
		for events[j].Timestamp.Sub(events[i].Timestamp) > window {
			i++
		}
		if j-i >= bestJ-bestI {
			bestI, bestJ = i, j
		}
	}
	return events[bestI : bestJ+1]
}

func newPattern(t signal.PatternType, subject string, evidence []signal.Event, confidence float64, suggestion string) signal.StuckPattern {
	ids := make([]int64, len(evidence))
	for i, e := range evidence {
		ids[i] = e.ID
	}
	return signal.StuckPattern{
		Type:       t,
		Subject:    subject,
		Evidence:   ids,
		Confidence: confidence,
		DetectedAt: evidence[len(evidence)-1].Timestamp,
		Suggestion: suggestion,
	}
}

func saturate(n, saturation int) float64 {
	return clamp01(float64(n) / float64(saturation))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func span(events []signal.Event) string {
	return roundDuration(events[len(events)-1].Timestamp.Sub(events[0].Timestamp)).String()
}

func roundDuration(d time.Duration) time.Duration {
	if d < time.Minute {
		return d.Round(time.Second)
	}
	return d.Round(time.Minute)
}

func normalizeScreen(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
