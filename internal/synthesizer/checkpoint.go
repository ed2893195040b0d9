package synthesizer

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/session"
)

// CheckpointTrigger decides whether snap warrants an automatic session
// save given the last saved state (nil on cold start) and the time of the
// most recent event from any producer. Large commits win over task
// transitions, which win over idleness.
func (s *Synthesizer) CheckpointTrigger(snap Snapshot, last *session.State, lastActivity time.Time) (session.Trigger, bool) {
	var savedAt time.Time
	if last != nil {
		savedAt = last.SavedAt
	}

	if files := snap.RecentActivity.Files; files != nil {
		for _, c := range files.Commits {
			if c.At.After(savedAt) && c.FilesChanged >= s.cfg.LargeCommitFiles {
				return session.TriggerLargeCommit, true
			}
		}
	}

	if last != nil && last.ActiveTask != "" && snap.ActiveWork.Task != "" && snap.ActiveWork.Task != last.ActiveTask {
		return session.TriggerTaskTransition, true
	}

	if !lastActivity.IsZero() && lastActivity.After(savedAt) && snap.SnapshotTime.Sub(lastActivity) >= s.cfg.IdleTimeout {
		return session.TriggerIdleTimeout, true
	}
	return "", false
}

// DraftSession turns a snapshot into a session record ready to save.
func DraftSession(snap Snapshot, sessionID string) session.State {
	st := session.State{
		SessionID:     sessionID,
		ActiveTask:    snap.ActiveWork.Task,
		TaskStatus:    session.StatusInProgress,
		FilesChanged:  []string{},
		DecisionsMade: []string{},
		Blockers:      []string{},
		SuggestedNext: append([]string(nil), snap.Suggestions...),
	}
	if snap.ActiveWork.Summary == "" || snap.ActiveWork.Task == "" {
		st.TaskStatus = session.StatusNotStarted
	}

	switch {
	case snap.Repo != nil && len(snap.Repo.ChangedFiles) > 0:
		st.FilesChanged = append(st.FilesChanged, snap.Repo.ChangedFiles...)
	case snap.RecentActivity.Files != nil:
		st.FilesChanged = append(st.FilesChanged, snap.RecentActivity.Files.Touched...)
	}

	if files := snap.RecentActivity.Files; files != nil && len(files.Commits) > 0 {
		c := files.Commits[len(files.Commits)-1]
		st.LastCommit = commitLabel(c.Hash, c.Message)
	} else if snap.Repo != nil && snap.Repo.Head != "" {
		st.LastCommit = commitLabel(snap.Repo.Head, snap.Repo.HeadMessage)
	}

	if snap.Signals.Stuck {
		st.TaskStatus = session.StatusBlocked
		for _, p := range snap.Patterns {
			if p.Subject != "" {
				st.Blockers = append(st.Blockers, fmt.Sprintf("%s: %s", p.Type, p.Subject))
			} else {
				st.Blockers = append(st.Blockers, string(p.Type))
			}
		}
	}
	return st
}

func commitLabel(hash, message string) string {
	if len(hash) > 7 {
		hash = hash[:7]
	}
	if message == "" {
		return hash
	}
	return hash + " " + truncate(message, 72)
}
