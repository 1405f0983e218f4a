package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	// Core settings
	Name          string `yaml:"name"`
	AssistantName string `yaml:"assistant_name"`
	DataDir       string `yaml:"data_dir"`

	// LLM backend
	LLM LLMConfig `yaml:"llm"`

	// Conversation behaviour
	Agent AgentConfig `yaml:"agent"`

	// Task scheduler
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Channels
	Telegram TelegramConfig `yaml:"telegram"`

	// Tool limits
	Tools ToolsConfig `yaml:"tools"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model backend.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // anthropic, openai
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
	Timeout   string `yaml:"timeout"`
}

// AgentConfig configures the coordinator.
type AgentConfig struct {
	// Number of stored messages sent to the model per invocation.
	ContextWindow int `yaml:"context_window"`
}

// SchedulerConfig configures the task scheduler.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
}

// TelegramConfig configures the polling bot channel.
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Token        string  `yaml:"token"`
	AllowedChats []int64 `yaml:"allowed_chats"`
	PollTimeout  int     `yaml:"poll_timeout"` // seconds
}

// ToolsConfig configures tool limits.
type ToolsConfig struct {
	BashTimeout   string `yaml:"bash_timeout"`
	FetchMaxBytes int    `yaml:"fetch_max_bytes"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	Categories map[string]bool `yaml:"categories"`
}

// ValidProviders lists the supported backend protocols.
var ValidProviders = []string{"anthropic", "openai"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:          "nanoagent",
		AssistantName: "Andy",
		DataDir:       defaultDataDir(),

		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Timeout:   "120s",
		},

		Agent: AgentConfig{
			ContextWindow: 50,
		},

		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: "60s",
		},

		Telegram: TelegramConfig{
			PollTimeout: 30,
		},

		Tools: ToolsConfig{
			BashTimeout:   "30s",
			FetchMaxBytes: 20000,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nanoagent"
	}
	return filepath.Join(home, ".nanoagent")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error. Existing variables are not overwritten.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if the file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// API key from environment, later entries win
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}

	if v := os.Getenv("AGENT_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("AGENT_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("AGENT_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LLM.MaxTokens = n
		}
	}
	if v := os.Getenv("AGENT_ASSISTANT_NAME"); v != "" {
		c.AssistantName = v
	}
	if v := os.Getenv("AGENT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AGENT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		c.Telegram.Token = token
		c.Telegram.Enabled = true
	}
}

// Validate validates the configuration. A missing API key is not an error
// here; the coordinator reports it per message.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if strings.TrimSpace(c.AssistantName) == "" {
		return fmt.Errorf("assistant_name must not be empty")
	}
	if c.Agent.ContextWindow <= 0 {
		return fmt.Errorf("agent.context_window must be positive, got %d", c.Agent.ContextWindow)
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled but no token configured (set TELEGRAM_BOT_TOKEN)")
	}
	return nil
}

// IsConfigured reports whether the backend has a credential.
func (c *Config) IsConfigured() bool {
	return c.LLM.APIKey != ""
}

// GetLLMTimeout returns the backend HTTP timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSchedulerInterval returns the scheduler tick interval.
func (c *Config) GetSchedulerInterval() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.Interval)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// GetBashTimeout returns the default bash tool timeout.
func (c *Config) GetBashTimeout() time.Duration {
	d, err := time.ParseDuration(c.Tools.BashTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DatabasePath is the SQLite file under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "agent.db")
}

// WorkspaceDir is the root of the per-group workspaces.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.DataDir, "groups")
}

// LogsDir is where agent.log is written.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// BackendSettings returns the keyed settings the coordinator reads from the
// config store.
func (c *Config) BackendSettings() map[string]string {
	return map[string]string{
		KeyProvider:      c.LLM.Provider,
		KeyAPIKey:        c.LLM.APIKey,
		KeyBaseURL:       c.LLM.BaseURL,
		KeyModel:         c.LLM.Model,
		KeyMaxTokens:     strconv.Itoa(c.LLM.MaxTokens),
		KeyAssistantName: c.AssistantName,
	}
}

// Keys of the persistent keyed configuration store.
const (
	KeyProvider      = "provider"
	KeyAPIKey        = "api_key"
	KeyBaseURL       = "base_url"
	KeyModel         = "model"
	KeyMaxTokens     = "max_tokens"
	KeyAssistantName = "assistant_name"
)
