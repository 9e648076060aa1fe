package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.Limits.Workers)
	assert.Equal(t, 64, cfg.Limits.QueueSize)
	assert.Equal(t, 50, cfg.Limits.MaxIterations)
	assert.Equal(t, "main", cfg.Branches.Main)
	assert.Equal(t, "ouroboros", cfg.Branches.Working)
	assert.Equal(t, "ouroboros-stable", cfg.Branches.Stable)
	assert.Equal(t, 120*time.Second, cfg.GetToolTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetPanicTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Limits, cfg.Limits)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
total_budget: 25
limits:
  workers: 2
  tool_timeout: 30s
branches:
  main: trunk
  working: agent
  stable: agent-stable
llm:
  provider: openrouter
  profiles:
    general:
      model: some/model
      input_per_mtok: 1
      output_per_mtok: 2
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.TotalBudget)
	assert.Equal(t, 2, cfg.Limits.Workers)
	assert.Equal(t, 64, cfg.Limits.QueueSize, "unset fields keep defaults")
	assert.Equal(t, 30*time.Second, cfg.GetToolTimeout())
	assert.Equal(t, "agent", cfg.Branches.Working)
	assert.Equal(t, "some/model", cfg.LLM.Profiles["general"].Model)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("limits: [oops"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveNeverWritesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.OpenRouterKey = "sk-secret"
	cfg.Chat.TelegramToken = "tg-secret"
	cfg.GitHub.Token = "gh-secret"

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, cfg.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Limits.Workers = 0 }},
		{"zero queue", func(c *Config) { c.Limits.QueueSize = 0 }},
		{"same branches", func(c *Config) { c.Branches.Stable = c.Branches.Working }},
		{"boot on main", func(c *Config) { c.Branches.Boot = "main" }},
		{"bad provider", func(c *Config) { c.LLM.Provider = "zai" }},
		{"no general profile", func(c *Config) { delete(c.LLM.Profiles, "general") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRequireServeSecrets(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.RequireServeSecrets()
	require.ErrorIs(t, err, ErrMissingSecret)
	for _, key := range []string{"OPENROUTER_API_KEY", "TELEGRAM_BOT_TOKEN", "TOTAL_BUDGET", "GITHUB_TOKEN"} {
		assert.Contains(t, err.Error(), key)
	}

	cfg.LLM.OpenRouterKey = "k"
	cfg.Chat.TelegramToken = "t"
	cfg.TotalBudget = 10
	cfg.GitHub.Token = "g"
	assert.NoError(t, cfg.RequireServeSecrets())
}

func TestGitHubRemoteURL(t *testing.T) {
	assert.Empty(t, GitHubConfig{Token: "t"}.RemoteURL())
	assert.Equal(t, "https://me:t@github.com/me/ouro.git", GitHubConfig{Token: "t", User: "me", Repo: "ouro"}.RemoteURL())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { changes <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-done)
}
