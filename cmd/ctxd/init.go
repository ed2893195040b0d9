package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/contextengine/internal/config"
)

var (
	forceInit bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing config file")
}

// starterConfig only names the settings people usually change; everything
// else keeps its compiled default.
const starterConfig = `# contextengine configuration. Environment variables override these
# values, e.g. CONTEXTENGINE_SERVER_PORT=9191 or
# CONTEXTENGINE_STORE_SEMANTIC__BACKEND=qdrant.
server:
  host: 127.0.0.1
  port: 9090

logging:
  level: info
  format: json

store:
  path: ~/.local/share/contextengine/events.db
  semantic:
    backend: chromem

embeddings:
  provider: fastembed
  model: BAAI/bge-small-en-v1.5

watcher:
  enabled: false
  roots: []

bus:
  enabled: false
  url: nats://127.0.0.1:4222
`

// initCmd writes a starter configuration
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Create ~/.config/contextengine/config.yaml with commonly changed
settings. The file is created with 0600 permissions.

Examples:
  ctxd init
  ctxd init --force`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := config.EnsureConfigDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(path); err == nil && !forceInit {
		cmd.Printf("Config already exists at: %s\n", path)
		cmd.Println("Use --force to overwrite.")
		return nil
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if _, err := config.Load(path); err != nil {
		return fmt.Errorf("written config does not load: %w", err)
	}
	cmd.Printf("Wrote config to: %s\n", path)
	return nil
}
