package config

// ChatConfig configures the Telegram surface.
type ChatConfig struct {
	TelegramToken string `yaml:"-"`
	PollTimeout   string `yaml:"poll_timeout"`
	// AllowStrangers lets non-owner chats submit plain-text tasks.
	AllowStrangers bool `yaml:"allow_strangers"`
}

// GitHubConfig configures the push remote.
type GitHubConfig struct {
	Token string `yaml:"-"`
	User  string `yaml:"user"`
	Repo  string `yaml:"repo"`
}

// RemoteURL returns the authenticated https remote, or "" when incomplete.
func (g GitHubConfig) RemoteURL() string {
	if g.Token == "" || g.User == "" || g.Repo == "" {
		return ""
	}
	return "https://" + g.User + ":" + g.Token + "@github.com/" + g.User + "/" + g.Repo + ".git"
}

// ResearchConfig configures web_fetch and web_search.
type ResearchConfig struct {
	OpenAIKey    string `yaml:"-"`
	SearchModel  string `yaml:"search_model"`
	FetchTimeout string `yaml:"fetch_timeout"`
}

// SearchEnabled reports whether web_search can be offered.
func (r ResearchConfig) SearchEnabled() bool {
	return r.OpenAIKey != ""
}

// BrowserConfig configures browse_page.
type BrowserConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Headless bool   `yaml:"headless"`
	Timeout  string `yaml:"timeout"`
	// Bin overrides the browser executable; empty lets rod download one.
	Bin string `yaml:"bin"`
}
