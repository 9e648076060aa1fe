package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Environment variables read by the overlay.
const (
	EnvOpenRouterKey = "OPENROUTER_API_KEY"
	EnvGeminiKey     = "GEMINI_API_KEY"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvAnthropicKey  = "ANTHROPIC_API_KEY"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvTotalBudget   = "TOTAL_BUDGET"
	EnvGitHubToken   = "GITHUB_TOKEN"
	EnvGitHubUser    = "GITHUB_USER"
	EnvGitHubRepo    = "GITHUB_REPO"
	EnvWorkers       = "OUROBOROS_WORKERS"
	EnvModel         = "OUROBOROS_MODEL"
	EnvModelCode     = "OUROBOROS_MODEL_CODE"
	EnvDataDir       = "OUROBOROS_DATA_DIR"
	EnvRepoDir       = "OUROBOROS_REPO_DIR"
	EnvBootBranch    = "OUROBOROS_BOOT_BRANCH"
)

var envKeys = []string{
	EnvOpenRouterKey, EnvGeminiKey, EnvOpenAIKey, EnvAnthropicKey,
	EnvTelegramToken, EnvTotalBudget, EnvGitHubToken, EnvGitHubUser, EnvGitHubRepo,
	EnvWorkers, EnvModel, EnvModelCode, EnvDataDir, EnvRepoDir, EnvBootBranch,
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// applyEnvOverrides overlays environment variables on the file settings.
// Secrets only ever come from the environment.
func (c *Config) applyEnvOverrides() error {
	v := newEnv()

	c.LLM.OpenRouterKey = v.GetString(EnvOpenRouterKey)
	c.LLM.GeminiKey = v.GetString(EnvGeminiKey)
	c.LLM.AnthropicKey = v.GetString(EnvAnthropicKey)
	c.Research.OpenAIKey = v.GetString(EnvOpenAIKey)
	c.Chat.TelegramToken = v.GetString(EnvTelegramToken)
	c.GitHub.Token = v.GetString(EnvGitHubToken)

	// Gemini-only deployments need no provider setting.
	if c.LLM.OpenRouterKey == "" && c.LLM.GeminiKey != "" {
		c.LLM.Provider = ProviderGemini
	}

	if s := v.GetString(EnvTotalBudget); s != "" {
		var budget float64
		if _, err := fmt.Sscanf(s, "%g", &budget); err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTotalBudget, s, err)
		}
		c.TotalBudget = budget
	}
	if s := v.GetString(EnvWorkers); s != "" {
		n := v.GetInt(EnvWorkers)
		if n < 1 {
			return fmt.Errorf("invalid %s %q", EnvWorkers, s)
		}
		c.Limits.Workers = n
	}
	if s := v.GetString(EnvGitHubUser); s != "" {
		c.GitHub.User = s
	}
	if s := v.GetString(EnvGitHubRepo); s != "" {
		c.GitHub.Repo = s
	}
	if s := v.GetString(EnvDataDir); s != "" {
		c.DataDir = s
	}
	if s := v.GetString(EnvRepoDir); s != "" {
		c.RepoDir = s
	}
	if s := v.GetString(EnvBootBranch); s != "" {
		c.Branches.Boot = s
	}
	if s := v.GetString(EnvModel); s != "" {
		c.setProfileModel("general", s)
	}
	if s := v.GetString(EnvModelCode); s != "" {
		c.setProfileModel("code", s)
	}
	return nil
}

func (c *Config) setProfileModel(name, model string) {
	if c.LLM.Profiles == nil {
		c.LLM.Profiles = map[string]ProfileConfig{}
	}
	p := c.LLM.Profiles[name]
	p.Model = model
	c.LLM.Profiles[name] = p
}
