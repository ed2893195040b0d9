package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/contextengine/internal/session"
)

var (
	sessionID        string
	sessionTask      string
	sessionStatus    string
	sessionFiles     []string
	sessionCommit    string
	sessionDecisions []string
	sessionBlockers  []string
	sessionNext      []string
	sessionPrompt    string
	historyLimit     int
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionSaveCmd, sessionResumeCmd, sessionHistoryCmd)

	sessionCmd.PersistentFlags().StringVar(&sessionID, "session", "", "session id (default: server default)")

	f := sessionSaveCmd.Flags()
	f.StringVarP(&sessionTask, "task", "t", "", "what you are working on")
	f.StringVar(&sessionStatus, "status", "", "not_started, in_progress, blocked or completed")
	f.StringSliceVar(&sessionFiles, "file", nil, "files changed")
	f.StringVar(&sessionCommit, "commit", "", "last commit")
	f.StringArrayVar(&sessionDecisions, "decision", nil, "decision made (repeatable)")
	f.StringArrayVar(&sessionBlockers, "blocker", nil, "open blocker (repeatable)")
	f.StringArrayVar(&sessionNext, "next", nil, "suggested next step (repeatable)")
	f.StringVar(&sessionPrompt, "prompt", "", "resume prompt (generated when empty)")
	_ = sessionSaveCmd.MarkFlagRequired("task")

	sessionHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "records to show")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Save and resume work sessions",
}

var sessionSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Checkpoint the current task",
	Long: `Save the current task, decisions and blockers so the work can be
resumed later.

Examples:
  ctxd session save --task "migrate auth to OIDC" --blocker "waiting on client id"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		saved, err := newClient().SaveSession(cmd.Context(), session.State{
			SessionID:     sessionID,
			ActiveTask:    sessionTask,
			TaskStatus:    session.TaskStatus(sessionStatus),
			FilesChanged:  sessionFiles,
			LastCommit:    sessionCommit,
			DecisionsMade: sessionDecisions,
			Blockers:      sessionBlockers,
			SuggestedNext: sessionNext,
			ResumePrompt:  sessionPrompt,
			Trigger:       session.TriggerExplicit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), saved)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved session %s (%s)\n", saved.SessionID, saved.RecordID)
		return nil
	},
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Show the last saved session and its resume prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().LastSession(cmd.Context(), sessionID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), st)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderSession(st))
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List saved records for a session, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().SessionHistory(cmd.Context(), sessionID, historyLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), h)
		}
		for i := range h.Sessions {
			st := h.Sessions[i]
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-10s %s\n",
				st.SavedAt.Local().Format("2006-01-02 15:04"), st.Trigger, st.TaskStatus, truncate(st.ActiveTask, 60))
		}
		if len(h.Sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no saved records")
		}
		return nil
	},
}
