package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// TaskStatus is the progress of the active task.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "not_started"
	StatusInProgress TaskStatus = "in_progress"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusBlocked, StatusCompleted:
		return true
	}
	return false
}

// Trigger records why a state was saved.
type Trigger string

const (
	TriggerExplicit       Trigger = "explicit"
	TriggerIdleTimeout    Trigger = "idle_timeout"
	TriggerLargeCommit    Trigger = "large_commit"
	TriggerTaskTransition Trigger = "task_transition"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerExplicit, TriggerIdleTimeout, TriggerLargeCommit, TriggerTaskTransition:
		return true
	}
	return false
}

// State is one saved snapshot of a work session.
type State struct {
	// RecordID identifies this record; assigned on save.
	RecordID string `json:"record_id"`

	// SessionID groups records of the same logical session.
	SessionID string `json:"session_id"`

	ActiveTask    string     `json:"active_task"`
	TaskStatus    TaskStatus `json:"task_status"`
	FilesChanged  []string   `json:"files_changed"`
	LastCommit    string     `json:"last_commit,omitempty"`
	DecisionsMade []string   `json:"decisions_made"`
	Blockers      []string   `json:"blockers"`

	// ResumePrompt is the text to hand back on resume. Generated from the
	// other fields when left empty.
	ResumePrompt string `json:"resume_prompt"`

	SuggestedNext []string `json:"suggested_next,omitempty"`
	Trigger       Trigger  `json:"trigger"`

	// SavedAt is assigned on save.
	SavedAt time.Time `json:"saved_at"`
}

func (s *State) normalize() {
	if s.TaskStatus == "" {
		s.TaskStatus = StatusInProgress
	}
	if s.Trigger == "" {
		s.Trigger = TriggerExplicit
	}
	if s.FilesChanged == nil {
		s.FilesChanged = []string{}
	}
	if s.DecisionsMade == nil {
		s.DecisionsMade = []string{}
	}
	if s.Blockers == nil {
		s.Blockers = []string{}
	}
}

func (s State) validate() error {
	if !s.TaskStatus.Valid() {
		return signal.Invalid("task_status", "unknown status %q", s.TaskStatus)
	}
	if !s.Trigger.Valid() {
		return signal.Invalid("trigger", "unknown trigger %q", s.Trigger)
	}
	return nil
}

// ResumePrompt builds the resume text for s.
func ResumePrompt(s State) string {
	var b strings.Builder
	task := s.ActiveTask
	if task == "" {
		task = "an unnamed task"
	}
	fmt.Fprintf(&b, "You were working on %s (%s).", task, strings.ReplaceAll(string(s.TaskStatus), "_", " "))
	if len(s.FilesChanged) > 0 {
		fmt.Fprintf(&b, " Files changed: %s.", strings.Join(limit(s.FilesChanged, 10), ", "))
	}
	if s.LastCommit != "" {
		fmt.Fprintf(&b, " Last commit: %s.", s.LastCommit)
	}
	if len(s.DecisionsMade) > 0 {
		fmt.Fprintf(&b, " Decisions: %s.", strings.Join(s.DecisionsMade, "; "))
	}
	if len(s.Blockers) > 0 {
		fmt.Fprintf(&b, " Blocked on: %s.", strings.Join(s.Blockers, "; "))
	}
	if len(s.SuggestedNext) > 0 {
		fmt.Fprintf(&b, " Next: %s", s.SuggestedNext[0])
		if !strings.HasSuffix(s.SuggestedNext[0], ".") {
			b.WriteString(".")
		}
	}
	return b.String()
}

func limit(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	out := append([]string{}, items[:n]...)
	return append(out, fmt.Sprintf("and %d more", len(items)-n))
}
