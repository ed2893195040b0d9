package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var (
	termCommand  string
	termOutput   string
	termExitCode int
	termCwd      string
	appendTags   []string
)

func init() {
	rootCmd.AddCommand(appendCmd)
	appendCmd.AddCommand(appendTerminalCmd)

	appendCmd.PersistentFlags().StringSliceVar(&appendTags, "tag", nil, "tags to attach")

	appendTerminalCmd.Flags().StringVar(&termCommand, "command", "", "command line that ran")
	appendTerminalCmd.Flags().StringVar(&termOutput, "output", "", "captured output (use - to read stdin)")
	appendTerminalCmd.Flags().IntVar(&termExitCode, "exit-code", -1, "exit status (omitted when negative)")
	appendTerminalCmd.Flags().StringVar(&termCwd, "cwd", "", "working directory (default current)")
	_ = appendTerminalCmd.MarkFlagRequired("command")
}

var appendCmd = &cobra.Command{
	Use:   "append [file]",
	Short: "Record an event from a JSON file or stdin",
	Long: `Record one event. The event is read as JSON from a file or stdin and
must carry timestamp, source and payload; the timestamp defaults to now.

Examples:
  echo '{"source":"clipboard","payload":{"text":"kubectl get pods"}}' | ctxd append -
  ctxd append event.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) == 0 || args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		e, err := parseEvent(data, time.Now())
		if err != nil {
			return err
		}
		e.Tags = append(e.Tags, appendTags...)
		return sendEvent(cmd, e)
	},
}

var appendTerminalCmd = &cobra.Command{
	Use:   "terminal",
	Short: "Record a shell command (for prompt hooks)",
	Long: `Record a finished shell command. Intended for a precmd/PROMPT_COMMAND
hook.

Example (zsh):
  precmd() { ctxd append terminal --command "$(fc -ln -1)" --exit-code $? }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		output := termOutput
		if output == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read output: %w", err)
			}
			output = string(data)
		}
		cwd := termCwd
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		e := terminalEvent(termCommand, output, termExitCode, cwd, time.Now())
		e.Tags = appendTags
		return sendEvent(cmd, e)
	},
}

// parseEvent decodes a producer event, filling a missing timestamp.
func parseEvent(data []byte, now time.Time) (signal.Event, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return signal.Event{}, fmt.Errorf("invalid event JSON: %w", err)
	}
	if _, ok := raw["timestamp"]; !ok {
		ts, _ := json.Marshal(now.UTC())
		raw["timestamp"] = ts
	}
	filled, err := json.Marshal(raw)
	if err != nil {
		return signal.Event{}, err
	}
	var e signal.Event
	if err := json.Unmarshal(filled, &e); err != nil {
		return signal.Event{}, err
	}
	if err := e.Validate(); err != nil {
		return signal.Event{}, err
	}
	return e, nil
}

func terminalEvent(command, output string, exitCode int, cwd string, now time.Time) signal.Event {
	p := signal.TerminalPayload{Command: command, Output: output, Cwd: cwd}
	if exitCode >= 0 {
		p.ExitCode = &exitCode
	}
	return signal.Event{Timestamp: now.UTC(), Source: signal.SourceTerminal, Payload: p}
}

func sendEvent(cmd *cobra.Command, e signal.Event) error {
	stored, err := newClient().Append(cmd.Context(), e)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(cmd.OutOrStdout(), stored)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %s event %d\n", stored.Source, stored.ID)
	return nil
}
