package research

import (
	"net/http"
	"time"

	"ouroboros/internal/tools"
)

// Config selects and configures the research tools.
type Config struct {
	FetchTimeout time.Duration
	// OpenAIKey enables web_search when set.
	OpenAIKey   string
	SearchModel string
	BaseURL     string
	Client      *http.Client
}

// RegisterAll registers web_fetch, and web_search when a key is configured.
func RegisterAll(registry *tools.Registry, cfg Config) error {
	all := []*tools.Tool{
		WebFetchTool(NewFetcher(cfg.Client, cfg.FetchTimeout)),
	}
	if cfg.OpenAIKey != "" {
		all = append(all, WebSearchTool(NewSearcher(cfg.Client, cfg.OpenAIKey, cfg.SearchModel, cfg.BaseURL)))
	}
	for _, tool := range all {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
