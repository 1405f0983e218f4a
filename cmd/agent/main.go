// Command agent runs the personal assistant: a local chat UI, an optional
// Telegram bot, and the task scheduler around a single coordinator.
package main

import (
	"fmt"
	"os"

	"nanoagent/internal/config"
	"nanoagent/internal/logging"

	"github.com/spf13/cobra"
)

// Set by the linker.
var version = "dev"

// app holds the global flags.
type app struct {
	configPath string
	dataDir    string
	envFile    string
	headless   bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "agent",
		Short: "Personal assistant with a local chat UI, a Telegram bot and scheduled tasks",
		Long: `agent runs a conversational assistant backed by an LLM.

Messages from the local chat and from Telegram are queued and answered one at
a time. The assistant can run shell commands, read and write files in a
per-conversation workspace, fetch web pages, keep notes in MEMORY.md and
schedule prompts to run later.

Run without arguments to start the interactive chat.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAgent(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath(), "Config file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "Data directory (overrides config)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Environment file loaded before the config")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.Flags().BoolVar(&a.headless, "headless", false, "Use plain stdin/stdout instead of the TUI")

	root.AddCommand(
		a.initCmd(),
		a.tasksCmd(),
		a.configCmd(),
		a.sessionCmd(),
		versionCmd(),
	)
	return root
}

// loadConfig loads the env file and the YAML config and starts logging.
func (a *app) loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if a.verbose {
		level = "debug"
	}
	if err := logging.Initialize(logging.Options{
		Dir:        cfg.LogsDir(),
		Level:      level,
		JSON:       cfg.Logging.Format == "json",
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s\n", version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
