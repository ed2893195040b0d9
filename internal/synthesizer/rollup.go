package synthesizer

import (
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/detector"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

const (
	maxTitles     = 5
	maxTouched    = 20
	maxRecentCmds = 5
	maxTextRunes  = 500
)

// bySource splits events by source, keeping time order.
func bySource(events []signal.Event) map[signal.Source][]signal.Event {
	out := make(map[signal.Source][]signal.Event)
	for _, e := range events {
		out[e.Source] = append(out[e.Source], e)
	}
	return out
}

// since returns the suffix of events (sorted by time) at or after t.
func since(events []signal.Event, t time.Time) []signal.Event {
	i := sort.Search(len(events), func(i int) bool { return !events[i].Timestamp.Before(t) })
	return events[i:]
}

func screenRollup(events []signal.Event) *ScreenRollup {
	if len(events) == 0 {
		return nil
	}
	r := &ScreenRollup{Captures: len(events)}
	var prev string
	for i, e := range events {
		vp, _ := e.Vision()
		text := strings.Join(strings.Fields(vp.Text), " ")
		if i == 0 || text != prev {
			r.LastChange = e.Timestamp
		}
		prev = text
		if vp.WindowTitle != "" {
			r.WindowTitles = appendRecent(r.WindowTitles, vp.WindowTitle, maxTitles)
		}
		r.LatestText = truncate(vp.Text, maxTextRunes)
		r.LastCapture = e.Timestamp
	}
	return r
}

func voiceRollup(events []signal.Event) *VoiceRollup {
	if len(events) == 0 {
		return nil
	}
	r := &VoiceRollup{Segments: len(events)}
	parts := make([]string, 0, len(events))
	seen := make(map[signal.Speaker]bool)
	for _, e := range events {
		ap, _ := e.Audio()
		parts = append(parts, ap.Text)
		sp := ap.Speaker
		if sp == "" {
			sp = signal.SpeakerUnknown
		}
		if !seen[sp] {
			seen[sp] = true
			r.Speakers = append(r.Speakers, sp)
		}
	}
	r.Transcript = truncateTail(strings.Join(parts, " "), maxTextRunes*2)
	return r
}

func fileRollup(events []signal.Event) *FileRollup {
	if len(events) == 0 {
		return nil
	}
	r := &FileRollup{Events: len(events), Touched: []string{}}
	for _, e := range events {
		fp, _ := e.File()
		if fp.Action == signal.FileCommit {
			r.Commits = append(r.Commits, CommitSummary{
				Hash:         fp.CommitHash,
				Message:      fp.Message,
				FilesChanged: fp.FilesChanged,
				At:           e.Timestamp,
			})
			r.PendingChanges = 0
			continue
		}
		r.Touched = appendRecent(r.Touched, fp.Path, maxTouched)
		switch fp.Action {
		case signal.FileCreate, signal.FileModify, signal.FileDelete:
			r.PendingChanges++
		}
	}
	return r
}

func terminalRollup(events []signal.Event) *TerminalRollup {
	if len(events) == 0 {
		return nil
	}
	r := &TerminalRollup{Commands: len(events), Recent: []string{}}
	for _, e := range events {
		tp, _ := e.Terminal()
		if tp.Failed() {
			r.Failures++
			r.LastFailure = tp.Command
		}
		r.Recent = append(r.Recent, tp.Command)
	}
	if len(r.Recent) > maxRecentCmds {
		r.Recent = r.Recent[len(r.Recent)-maxRecentCmds:]
	}
	return r
}

func clipboardRollup(events []signal.Event) *ClipboardRollup {
	if len(events) == 0 {
		return nil
	}
	cp, _ := events[len(events)-1].Clipboard()
	return &ClipboardRollup{Items: len(events), Latest: truncate(cp.Text, maxTextRunes)}
}

func callRollup(events []signal.Event) *CallRollup {
	if len(events) == 0 {
		return nil
	}
	r := &CallRollup{Segments: len(events)}
	seen := make(map[string]bool)
	for _, e := range events {
		ap, _ := e.Audio()
		if ap.CallID != "" && !seen[ap.CallID] {
			seen[ap.CallID] = true
			r.CallIDs = append(r.CallIDs, ap.CallID)
		}
	}
	return r
}

// activeWork derives the focus of attention from the latest events of
// each kind.
func activeWork(src map[signal.Source][]signal.Event) ActiveWork {
	var w ActiveWork
	if fs := src[signal.SourceFilesystem]; len(fs) > 0 {
		for i := len(fs) - 1; i >= 0; i-- {
			if fp, _ := fs[i].File(); fp.Action != signal.FileCommit && fp.Action != signal.FileDelete {
				w.ActiveFile = fp.Path
				break
			}
		}
	}
	if ts := src[signal.SourceTerminal]; len(ts) > 0 {
		last, _ := ts[len(ts)-1].Terminal()
		w.LastCommand = last.Command
		w.Cwd = last.Cwd
		for i := len(ts) - 1; i >= 0; i-- {
			tp, _ := ts[i].Terminal()
			if line := detector.ErrorLine(tp); line != "" {
				w.ActiveError = line
				break
			}
		}
	}
	if vs := src[signal.SourceVision]; len(vs) > 0 {
		vp, _ := vs[len(vs)-1].Vision()
		w.WindowTitle = vp.WindowTitle
	}
	return w
}

func (w *ActiveWork) summarize() {
	var parts []string
	switch {
	case w.ActiveFile != "":
		parts = append(parts, "editing "+w.ActiveFile)
	case w.WindowTitle != "":
		parts = append(parts, "viewing "+w.WindowTitle)
	}
	if w.Branch != "" {
		parts = append(parts, "on branch "+w.Branch)
	}
	if w.ActiveError != "" {
		parts = append(parts, "last error: "+truncate(w.ActiveError, 120))
	} else if w.LastCommand != "" {
		parts = append(parts, "last command: "+w.LastCommand)
	}
	if len(parts) == 0 {
		w.Summary = "No recent activity"
		return
	}
	s := strings.Join(parts, "; ")
	w.Summary = strings.ToUpper(s[:1]) + s[1:]

	switch {
	case w.Branch != "" && w.Branch != "main" && w.Branch != "master" && w.Branch != "detached":
		w.Task = w.Branch
	case w.ActiveFile != "":
		w.Task = w.ActiveFile
	default:
		w.Task = w.WindowTitle
	}
}

// appendRecent moves v to the front, keeping at most n unique values.
func appendRecent(list []string, v string, n int) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, v)
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func truncateTail(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "…" + string(r[len(r)-n:])
}
