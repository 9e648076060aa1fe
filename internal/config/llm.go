package config

import "fmt"

// Provider names.
const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
)

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{ProviderOpenRouter, ProviderGemini}

// LLMConfig configures model providers and named profiles.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openrouter, gemini
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	OpenRouterKey string `yaml:"-"`
	GeminiKey     string `yaml:"-"`
	AnthropicKey  string `yaml:"-"`

	// Profiles keyed by name: general, code, review.
	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

// ProfileConfig is a model with its pricing, per million tokens.
type ProfileConfig struct {
	Provider        string  `yaml:"provider"` // empty means LLMConfig.Provider
	Model           string  `yaml:"model"`
	InputPerMTok    float64 `yaml:"input_per_mtok"`
	OutputPerMTok   float64 `yaml:"output_per_mtok"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
}

// DefaultLLMConfig returns provider defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider: ProviderOpenRouter,
		BaseURL:  "https://openrouter.ai/api/v1",
		Timeout:  "10m",
		Profiles: map[string]ProfileConfig{
			"general": {Model: "anthropic/claude-sonnet-4", InputPerMTok: 3, OutputPerMTok: 15, MaxOutputTokens: 8192},
			"code":    {Model: "anthropic/claude-sonnet-4", InputPerMTok: 3, OutputPerMTok: 15, MaxOutputTokens: 16384},
			"review":  {Model: "openai/gpt-5", InputPerMTok: 1.25, OutputPerMTok: 10, MaxOutputTokens: 4000},
		},
	}
}

// ActiveKey returns the API key for the configured provider.
func (c LLMConfig) ActiveKey() string {
	return c.KeyFor(c.Provider)
}

// KeyFor returns the API key for provider.
func (c LLMConfig) KeyFor(provider string) string {
	switch provider {
	case ProviderGemini:
		return c.GeminiKey
	case ProviderOpenRouter:
		return c.OpenRouterKey
	}
	return ""
}

// ProfileProvider resolves the provider of a profile.
func (c LLMConfig) ProfileProvider(p ProfileConfig) string {
	if p.Provider != "" {
		return p.Provider
	}
	return c.Provider
}

// Validate checks provider names and that a general profile exists.
func (c LLMConfig) Validate() error {
	if !validProvider(c.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.Provider, ValidProviders)
	}
	if _, ok := c.Profiles["general"]; !ok {
		return fmt.Errorf("llm.profiles.general is required")
	}
	for name, p := range c.Profiles {
		if p.Model == "" {
			return fmt.Errorf("llm.profiles.%s.model is empty", name)
		}
		if p.Provider != "" && !validProvider(p.Provider) {
			return fmt.Errorf("llm.profiles.%s: invalid provider %s", name, p.Provider)
		}
	}
	return nil
}

func validProvider(p string) bool {
	for _, v := range ValidProviders {
		if p == v {
			return true
		}
	}
	return false
}
