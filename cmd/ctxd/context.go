package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	contextDepth  string
	searchMode    string
	searchSources []string
	searchSince   time.Duration
	searchLimit   int
	windowMinutes int
	windowSources []string
)

func init() {
	rootCmd.AddCommand(contextCmd, stuckCmd, suggestCmd, searchCmd, windowCmd)

	contextCmd.Flags().StringVarP(&contextDepth, "depth", "d", "quick", "snapshot depth: quick, full or deep")

	searchCmd.Flags().StringVarP(&searchMode, "mode", "m", "", "retrieval mode: hybrid, lexical or semantic")
	searchCmd.Flags().StringSliceVarP(&searchSources, "sources", "s", nil, "restrict to sources (comma separated)")
	searchCmd.Flags().DurationVar(&searchSince, "since", 0, "only events newer than this (e.g. 2h)")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum results")

	windowCmd.Flags().IntVarP(&windowMinutes, "minutes", "m", 5, "window length in minutes")
	windowCmd.Flags().StringSliceVarP(&windowSources, "sources", "s", nil, "restrict to sources (comma separated)")
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Show what you are working on right now",
	Long: `Show a snapshot of current activity: active file and error, recent
commands and commits, and any stuck patterns.

Examples:
  ctxd context
  ctxd context --depth deep`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newClient().Context(cmd.Context(), contextDepth)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), snap)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderSnapshot(snap))
		return nil
	},
}

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "Check whether you look stuck",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := newClient().Stuck(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), rep)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderStuck(rep))
		return nil
	},
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest the next action",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newClient().Suggest(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), a)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderAction(a))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search captured activity",
	Long: `Search everything captured so far with ranked keyword and semantic
matching.

Examples:
  ctxd search "connection refused"
  ctxd search --sources terminal,file --since 2h migration`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient().Search(cmd.Context(), strings.Join(args, " "), searchParams{
			Mode:    searchMode,
			Sources: searchSources,
			Since:   searchSince,
			Limit:   searchLimit,
		}, time.Now())
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderSearch(resp))
		return nil
	},
}

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "List raw events from the last few minutes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := newClient().Window(cmd.Context(), windowMinutes, windowSources)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd.OutOrStdout(), w)
		}
		fmt.Fprint(cmd.OutOrStdout(), renderEvents(w.Events, w.Complete))
		return nil
	},
}
