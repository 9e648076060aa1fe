package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSecret is returned by RequireServeSecrets.
var ErrMissingSecret = errors.New("required secret not configured")

// Config holds all ouroboros configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	DataDir string `yaml:"data_dir"`
	RepoDir string `yaml:"repo_dir"`

	// Budget cap in currency units (e.g. USD)
	TotalBudget float64 `yaml:"total_budget"`
	Currency    string  `yaml:"currency"`

	// LLM providers and model profiles
	LLM LLMConfig `yaml:"llm"`

	// Supervisor and orchestrator limits
	Limits LimitsConfig `yaml:"limits"`

	// Branch protocol
	Branches BranchConfig `yaml:"branches"`

	// Chat surface, GitHub remote and optional tools
	Chat     ChatConfig     `yaml:"chat"`
	GitHub   GitHubConfig   `yaml:"github"`
	Research ResearchConfig `yaml:"research"`
	Browser  BrowserConfig  `yaml:"browser"`

	// Memory store
	Memory MemoryConfig `yaml:"memory"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BranchConfig names the three branches.
type BranchConfig struct {
	Main    string `yaml:"main"`
	Working string `yaml:"working"`
	Stable  string `yaml:"stable"`
	// Boot overrides the branch selected at boot; empty means automatic.
	Boot string `yaml:"boot"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:     "ouroboros",
		DataDir:  "data",
		RepoDir:  ".",
		Currency: "USD",

		LLM: DefaultLLMConfig(),

		Limits: LimitsConfig{
			Workers:        5,
			QueueSize:      64,
			MaxIterations:  50,
			ToolTimeout:    "120s",
			PanicTimeout:   "5s",
			DrainTimeout:   "60s",
			MaxRetries:     3,
			RetryBaseDelay: "1s",
			MaxToolOutput:  50000,
		},

		Branches: BranchConfig{
			Main:    "main",
			Working: "ouroboros",
			Stable:  "ouroboros-stable",
		},

		Chat: ChatConfig{
			PollTimeout:    "30s",
			AllowStrangers: true,
		},

		Research: ResearchConfig{
			FetchTimeout: "30s",
			SearchModel:  "gpt-4.1-mini",
		},

		Browser: BrowserConfig{
			Enabled:  false,
			Headless: true,
			Timeout:  "60s",
		},

		Memory: MemoryConfig{
			DatabaseFile:   "memory.db",
			RecentMessages: 20,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load loads configuration from a YAML file and applies the environment
// overlay. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file. Secrets are never written.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks structural settings.
func (c *Config) Validate() error {
	if c.Limits.Workers < 1 {
		return fmt.Errorf("limits.workers must be >= 1")
	}
	if c.Limits.QueueSize < 1 {
		return fmt.Errorf("limits.queue_size must be >= 1")
	}
	if c.Limits.MaxIterations < 1 {
		return fmt.Errorf("limits.max_iterations must be >= 1")
	}
	if c.TotalBudget < 0 {
		return fmt.Errorf("total_budget must be >= 0")
	}
	b := c.Branches
	if b.Main == "" || b.Working == "" || b.Stable == "" {
		return fmt.Errorf("branches.main, branches.working and branches.stable are required")
	}
	if b.Main == b.Working || b.Main == b.Stable || b.Working == b.Stable {
		return fmt.Errorf("branch names must be distinct")
	}
	if b.Boot != "" && b.Boot != b.Working && b.Boot != b.Stable {
		return fmt.Errorf("branches.boot must be %q or %q", b.Working, b.Stable)
	}
	return c.LLM.Validate()
}

// RequireServeSecrets checks the secrets the long-running agent needs.
func (c *Config) RequireServeSecrets() error {
	var missing []string
	if c.LLM.ActiveKey() == "" {
		switch c.LLM.Provider {
		case ProviderGemini:
			missing = append(missing, "GEMINI_API_KEY")
		default:
			missing = append(missing, "OPENROUTER_API_KEY")
		}
	}
	if c.Chat.TelegramToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.TotalBudget <= 0 {
		missing = append(missing, "TOTAL_BUDGET")
	}
	if c.GitHub.Token == "" {
		missing = append(missing, "GITHUB_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingSecret, missing)
	}
	return nil
}

// DatabasePath returns the memory database path.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Memory.DatabaseFile) {
		return c.Memory.DatabaseFile
	}
	return filepath.Join(c.DataDir, c.Memory.DatabaseFile)
}

// DriveDir is the agent's writable scratch area outside the repo.
func (c *Config) DriveDir() string {
	return filepath.Join(c.DataDir, "drive")
}

// LogDir is where log files and the audit trail go.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetToolTimeout returns the default per-tool timeout.
func (c *Config) GetToolTimeout() time.Duration {
	return parseDuration(c.Limits.ToolTimeout, 120*time.Second)
}

// GetPanicTimeout bounds how long panic waits for tasks to stop.
func (c *Config) GetPanicTimeout() time.Duration {
	return parseDuration(c.Limits.PanicTimeout, 5*time.Second)
}

// GetDrainTimeout bounds graceful shutdown and restart.
func (c *Config) GetDrainTimeout() time.Duration {
	return parseDuration(c.Limits.DrainTimeout, 60*time.Second)
}

// GetPollTimeout returns the chat long-poll timeout.
func (c *Config) GetPollTimeout() time.Duration {
	return parseDuration(c.Chat.PollTimeout, 30*time.Second)
}

// GetRetryBaseDelay returns the first backoff delay for model retries.
func (c *Config) GetRetryBaseDelay() time.Duration {
	return parseDuration(c.Limits.RetryBaseDelay, time.Second)
}

// GetFetchTimeout returns the web_fetch timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Research.FetchTimeout, 30*time.Second)
}

// GetBrowserTimeout returns the browse_page timeout.
func (c *Config) GetBrowserTimeout() time.Duration {
	return parseDuration(c.Browser.Timeout, 60*time.Second)
}
