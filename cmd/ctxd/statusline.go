package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

var (
	// statuslineInterval is the polling interval for periodic updates
	statuslineInterval time.Duration
	// statuslineOnce runs once and exits
	statuslineOnce bool
)

func init() {
	rootCmd.AddCommand(statuslineCmd)
	statuslineCmd.Flags().DurationVar(&statuslineInterval, "interval", 5*time.Second, "polling interval")
	statuslineCmd.Flags().BoolVar(&statuslineOnce, "once", false, "print once and exit")
}

var statuslineCmd = &cobra.Command{
	Use:   "statusline",
	Short: "Print a one-line status for shell prompts and editors",
	Long: `Print a compact status line: daemon health, the active file and
whether you look stuck. Runs continuously unless --once is set.

Examples:
  # tmux status-right
  ctxd statusline --once`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		emit := func() {
			fmt.Fprintln(cmd.OutOrStdout(), statusLine(cmd.Context(), client))
		}
		emit()
		if statuslineOnce {
			return nil
		}
		ticker := time.NewTicker(statuslineInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-ticker.C:
				emit()
			}
		}
	},
}

func statusLine(ctx context.Context, client *apiClient) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := client.Health(ctx); err != nil {
		return errStyle.Render("● ctx down")
	}
	snap, err := client.Context(ctx, string(synthesizer.DepthQuick))
	if err != nil {
		return warnStyle.Render("● ctx ?")
	}
	return formatStatus(snap)
}

func formatStatus(snap synthesizer.Snapshot) string {
	parts := []string{okStyle.Render("● ctx")}
	if f := snap.ActiveWork.ActiveFile; f != "" {
		parts = append(parts, truncate(f, 40))
	}
	if snap.Signals.FailingCommand {
		parts = append(parts, warnStyle.Render("cmd failing"))
	}
	if snap.Signals.UncommittedChanges {
		parts = append(parts, "uncommitted")
	}
	if len(snap.Patterns) > 0 {
		parts = append(parts, errStyle.Render("stuck: "+string(snap.Patterns[0].Type)))
	}
	return strings.Join(parts, " | ")
}
