package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	ctxhttp "github.com/fyrsmithlabs/contextengine/internal/http"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const maxLine = 100

func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
}

func partialNote(b *strings.Builder, complete bool, degraded []string) {
	if complete {
		return
	}
	note := "partial result"
	if len(degraded) > 0 {
		note += ": " + strings.Join(degraded, "; ")
	}
	b.WriteString(warnStyle.Render(note) + "\n")
}

func renderHealth(h ctxhttp.HealthResponse, server string) string {
	var b strings.Builder
	status := okStyle.Render(h.Status)
	if h.Status != "ok" {
		status = errStyle.Render(h.Status)
	}
	field(&b, "status", status)
	field(&b, "server", server)

	sources := make([]signal.Source, 0, len(h.LastSeen))
	for src := range h.LastSeen {
		sources = append(sources, src)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	stale := make(map[signal.Source]bool, len(h.Stale))
	for _, s := range h.Stale {
		stale[s] = true
	}
	for _, src := range sources {
		ts := h.LastSeen[src].Local().Format(time.DateTime)
		if stale[src] {
			ts = warnStyle.Render(ts + " (stale)")
		}
		field(&b, string(src), ts)
	}
	return b.String()
}

func renderSnapshot(s synthesizer.Snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Current context") + " " + labelStyle.Render(string(s.Depth)) + "\n")

	aw := s.ActiveWork
	field(&b, "doing", aw.Summary)
	field(&b, "task", aw.Task)
	field(&b, "file", aw.ActiveFile)
	field(&b, "branch", aw.Branch)
	field(&b, "command", aw.LastCommand)
	if aw.ActiveError != "" {
		field(&b, "error", errStyle.Render(truncate(aw.ActiveError, maxLine)))
	}
	field(&b, "window", aw.WindowTitle)

	ra := s.RecentActivity
	if t := ra.Terminal; t != nil {
		field(&b, "terminal", fmt.Sprintf("%d commands, %d failed", t.Commands, t.Failures))
	}
	if f := ra.Files; f != nil {
		field(&b, "files", fmt.Sprintf("%d touched, %d commits, %d pending", len(f.Touched), len(f.Commits), f.PendingChanges))
	}
	if v := ra.Last5MinVoice; v != nil {
		field(&b, "voice", truncate(v.Transcript, maxLine))
	}
	if c := ra.Calls; c != nil {
		field(&b, "calls", strings.Join(c.CallIDs, ", "))
	}

	if len(s.Patterns) > 0 {
		b.WriteString(errStyle.Render("Stuck patterns") + "\n")
		for _, p := range s.Patterns {
			b.WriteString("  " + patternLine(p) + "\n")
		}
	}
	if len(s.Suggestions) > 0 {
		b.WriteString(titleStyle.Render("Suggestions") + "\n")
		for _, sg := range s.Suggestions {
			b.WriteString("  - " + sg + "\n")
		}
	}
	if len(s.Related) > 0 {
		b.WriteString(titleStyle.Render("Related") + "\n")
		for _, r := range s.Related {
			b.WriteString("  " + eventLine(r.Event) + "\n")
		}
	}
	partialNote(&b, s.Complete, s.Degraded)
	return b.String()
}

func patternLine(p signal.StuckPattern) string {
	line := fmt.Sprintf("%s (%.0f%%)", p.Type, p.Confidence*100)
	if p.Subject != "" {
		line += " " + truncate(p.Subject, 60)
	}
	return line
}

func renderStuck(r synthesizer.StuckReport) string {
	var b strings.Builder
	if !r.IsStuck {
		b.WriteString(okStyle.Render("Not stuck.") + "\n")
		partialNote(&b, r.Complete, r.Degraded)
		return b.String()
	}
	b.WriteString(errStyle.Render("Looks stuck") + "\n")
	for _, p := range r.Patterns {
		b.WriteString("  " + patternLine(p) + "\n")
	}
	if r.Suggestion != "" {
		b.WriteString(boxStyle.Render(r.Suggestion) + "\n")
	}
	partialNote(&b, r.Complete, r.Degraded)
	return b.String()
}

func renderAction(a synthesizer.Action) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(a.Action) + "\n")
	field(&b, "why", a.Reasoning)
	field(&b, "pattern", a.Pattern)
	partialNote(&b, a.Complete, nil)
	return b.String()
}

func renderSearch(r search.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render(fmt.Sprintf("%d result(s)", len(r.Results))), labelStyle.Render(string(r.Mode)))
	for _, res := range r.Results {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%.2f", res.Score)), eventLine(res.Event))
	}
	partialNote(&b, r.Complete, r.Degraded)
	return b.String()
}

func renderEvents(events []signal.Event, complete bool) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(eventLine(e) + "\n")
	}
	if len(events) == 0 {
		b.WriteString(labelStyle.Render("no events") + "\n")
	}
	partialNote(&b, complete, nil)
	return b.String()
}

func eventLine(e signal.Event) string {
	text := strings.Join(strings.Fields(e.Text()), " ")
	return fmt.Sprintf("%s %-12s %s",
		labelStyle.Render(e.Timestamp.Local().Format(time.TimeOnly)),
		string(e.Source),
		truncate(text, maxLine),
	)
}

func renderSession(st *session.State) string {
	if st == nil {
		return labelStyle.Render("No saved session.") + "\n"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Session "+st.SessionID) + " " + labelStyle.Render(st.SavedAt.Local().Format(time.DateTime)) + "\n")
	field(&b, "task", st.ActiveTask)
	field(&b, "status", string(st.TaskStatus))
	field(&b, "commit", st.LastCommit)
	field(&b, "trigger", string(st.Trigger))
	for _, d := range st.DecisionsMade {
		field(&b, "decision", d)
	}
	for _, bl := range st.Blockers {
		field(&b, "blocker", warnStyle.Render(bl))
	}
	if st.ResumePrompt != "" {
		b.WriteString(boxStyle.Render(st.ResumePrompt) + "\n")
	}
	return b.String()
}

// truncate shortens s to maxLen runes, marking the cut.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
