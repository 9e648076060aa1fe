package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestEnvOverrides_Secrets(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvOpenRouterKey, "or-key")
	t.Setenv(EnvTelegramToken, "tg")
	t.Setenv(EnvGitHubToken, "gh")
	t.Setenv(EnvOpenAIKey, "oa")

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnvOverrides())

	assert.Equal(t, "or-key", cfg.LLM.ActiveKey())
	assert.Equal(t, ProviderOpenRouter, cfg.LLM.Provider)
	assert.Equal(t, "tg", cfg.Chat.TelegramToken)
	assert.Equal(t, "gh", cfg.GitHub.Token)
	assert.True(t, cfg.Research.SearchEnabled())
}

func TestEnvOverrides_GeminiOnlySelectsGemini(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvGeminiKey, "gm")

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnvOverrides())
	assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	assert.Equal(t, "gm", cfg.LLM.ActiveKey())
}

func TestEnvOverrides_Numbers(t *testing.T) {
	t.Run("budget and workers", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvTotalBudget, "12.5")
		t.Setenv(EnvWorkers, "3")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, 12.5, cfg.TotalBudget)
		assert.Equal(t, 3, cfg.Limits.Workers)
	})

	t.Run("invalid budget", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvTotalBudget, "lots")
		assert.Error(t, DefaultConfig().applyEnvOverrides())
	})

	t.Run("invalid workers", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(EnvWorkers, "0")
		assert.Error(t, DefaultConfig().applyEnvOverrides())
	})
}

func TestEnvOverrides_PathsAndModels(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDataDir, "/var/ouro")
	t.Setenv(EnvRepoDir, "/src/ouro")
	t.Setenv(EnvBootBranch, "ouroboros-stable")
	t.Setenv(EnvModel, "google/gemini-2.5-pro")
	t.Setenv(EnvModelCode, "anthropic/claude-opus-4")
	t.Setenv(EnvGitHubUser, "me")
	t.Setenv(EnvGitHubRepo, "ouro")

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnvOverrides())
	assert.Equal(t, "/var/ouro", cfg.DataDir)
	assert.Equal(t, "/src/ouro", cfg.RepoDir)
	assert.Equal(t, "ouroboros-stable", cfg.Branches.Boot)
	assert.Equal(t, "google/gemini-2.5-pro", cfg.LLM.Profiles["general"].Model)
	assert.Equal(t, 3.0, cfg.LLM.Profiles["general"].InputPerMTok, "pricing survives a model override")
	assert.Equal(t, "anthropic/claude-opus-4", cfg.LLM.Profiles["code"].Model)
	assert.Equal(t, "/var/ouro/memory.db", cfg.DatabasePath())
	assert.Equal(t, "me", cfg.GitHub.User)
}
