package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"nanoagent/internal/config"
	"nanoagent/internal/logging"
	"nanoagent/internal/scheduler"
	"nanoagent/internal/store"
	"nanoagent/internal/types"
	"nanoagent/internal/workspace"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// openStore loads the config and opens the database for a maintenance command.
func (a *app) openStore() (*config.Config, *store.LocalStore, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewLocalStore(cfg.DatabasePath())
	if err != nil {
		logging.CloseAll()
		return nil, nil, err
	}
	return cfg, st, nil
}

// withStore runs fn against an open store and closes everything afterwards.
func (a *app) withStore(fn func(cfg *config.Config, st *store.LocalStore) error) error {
	cfg, st, err := a.openStore()
	if err != nil {
		return err
	}
	defer logging.CloseAll()
	defer st.Close()
	return fn(cfg, st)
}

// =============================================================================
// init
// =============================================================================

func (a *app) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if _, err := os.Stat(a.configPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", a.configPath)
			} else {
				cfg := config.DefaultConfig()
				if a.dataDir != "" {
					cfg.DataDir = a.dataDir
				}
				if err := cfg.Save(a.configPath); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote %s\n", a.configPath)
			}

			return a.withStore(func(cfg *config.Config, st *store.LocalStore) error {
				dir, err := workspace.New(cfg.WorkspaceDir()).Ensure(types.MainGroup)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Database: %s\nWorkspace: %s\n", cfg.DatabasePath(), dir)
				if !cfg.IsConfigured() {
					fmt.Fprintln(out, "Set ANTHROPIC_API_KEY or OPENAI_API_KEY, or run: agent config set api_key <key>")
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

// =============================================================================
// tasks
// =============================================================================

func (a *app) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
				tasks, err := st.ListTasks()
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No scheduled tasks.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTasks(tasks))
				return nil
			})
		},
	}

	setEnabled := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
					if err := st.SetTaskEnabled(args[0], enabled); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Task %s %sd\n", args[0], use)
					return nil
				})
			},
		}
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
				if err := st.DeleteTask(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s deleted\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, setEnabled("enable", "Enable a task", true), setEnabled("disable", "Disable a task", false), del)
	return cmd
}

func renderTasks(tasks []types.Task) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		status := "enabled"
		if !t.Enabled {
			status = "disabled"
		}
		if _, err := scheduler.ParseSchedule(t.Schedule); err != nil {
			status = "invalid"
		}
		lastRun := "never"
		if t.LastRun != nil {
			lastRun = t.LastRun.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{t.ID, string(t.GroupID), t.Schedule, status, lastRun, firstLine(t.Prompt, 40)})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "GROUP", "SCHEDULE", "STATUS", "LAST RUN", "PROMPT").
		Rows(rows...).
		Render()
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + "…"
	}
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

// =============================================================================
// config
// =============================================================================

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write the persistent backend settings",
		Long: `The backend settings (provider, api_key, base_url, model, max_tokens,
assistant_name) are kept in the database and read before every request, so
changes apply to the next message without a restart.`,
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
				v, err := st.GetConfig(args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s is not set", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !knownKey(args[0]) {
				return fmt.Errorf("unknown key %q (valid: %s)", args[0], strings.Join(knownKeys(), ", "))
			}
			return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
				if err := st.SetConfig(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print all settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
				all, err := st.ListConfig()
				if err != nil {
					return err
				}
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", k, displayValue(k, all[k]))
				}
				return nil
			})
		},
	}

	cmd.AddCommand(get, set, list)
	return cmd
}

func knownKeys() []string {
	keys := make([]string, 0, 6)
	for k := range config.DefaultConfig().BackendSettings() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func knownKey(key string) bool {
	for _, k := range knownKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// displayValue masks secrets.
func displayValue(key, value string) string {
	if key != config.KeyAPIKey {
		return value
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "…" + value[len(value)-4:]
}

// =============================================================================
// session
// =============================================================================

func (a *app) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage conversation history",
	}

	clearCmd := &cobra.Command{
		Use:   "clear [group]",
		Short: "Delete a group's stored messages (default " + string(types.MainGroup) + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := types.MainGroup
			if len(args) == 1 {
				group = types.GroupID(args[0])
			}
			return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
				if err := st.ClearGroupMessages(group); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared history for %s\n", group)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List groups with stored history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(_ *config.Config, st *store.LocalStore) error {
				groups, err := st.ListGroups()
				if err != nil {
					return err
				}
				for _, g := range groups {
					fmt.Fprintln(cmd.OutOrStdout(), g)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(clearCmd, list)
	return cmd
}
