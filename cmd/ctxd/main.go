// Package main implements the ctxd CLI for querying and feeding a running
// contextd daemon over its HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the contextd HTTP server
	serverURL string
	// authToken is sent as a bearer token when set
	authToken string
	// jsonOutput prints raw JSON instead of styled text
	jsonOutput bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ctxd",
	Short: "CLI for the contextd context engine",
	Long: `ctxd is a command-line interface for the contextd daemon.
It shows what you are working on, whether you look stuck, searches your
captured activity, records events and saves or resumes work sessions.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CONTEXTENGINE_URL", "http://localhost:9090"), "contextd server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("CONTEXTENGINE_SERVER_AUTH_TOKEN"), "bearer token for the API")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check contextd server health and producer heartbeats",
	Long: `Check the health of the contextd daemon and when each producer last
reported.

Examples:
  # Check health
  ctxd health

  # Check health on a different server
  ctxd health --server http://localhost:8080`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	health, err := newClient().Health(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(cmd.OutOrStdout(), health)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderHealth(health, serverURL))
	return nil
}

func newClient() *apiClient {
	return newAPIClient(serverURL, authToken)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
