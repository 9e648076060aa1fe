package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ouroboros/internal/logging"
	"ouroboros/internal/tools"
)

const (
	defaultSearchModel   = "gpt-4.1"
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	searchTimeout        = 120 * time.Second
)

// ErrEmptySearchResult is returned when the model produced no text.
var ErrEmptySearchResult = errors.New("web search returned no text")

// Searcher answers queries through the OpenAI Responses API with the
// web_search tool enabled.
type Searcher struct {
	client  *http.Client
	apiKey  string
	model   string
	baseURL string
}

// NewSearcher creates a searcher. Empty model and baseURL use defaults.
func NewSearcher(client *http.Client, apiKey, model, baseURL string) *Searcher {
	if client == nil {
		client = http.DefaultClient
	}
	if model == "" {
		model = defaultSearchModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &Searcher{client: client, apiKey: apiKey, model: model, baseURL: strings.TrimRight(baseURL, "/")}
}

// WebSearchTool returns web_search.
func WebSearchTool(s *Searcher) *tools.Tool {
	return &tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return a summarized answer with sources",
		Category:    tools.CategoryResearch,
		Timeout:     searchTimeout,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			return s.Search(ctx, query)
		},
		Schema: tools.ToolSchema{
			Required: []string{"query"},
			Properties: map[string]tools.Property{
				"query": {Type: "string", Description: "What to search for"},
			},
		},
	}
}

type responsesRequest struct {
	Model string           `json:"model"`
	Tools []map[string]any `json:"tools"`
	Input string           `json:"input"`
}

type responsesReply struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Search runs one query.
func (s *Searcher) Search(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	logging.ToolsDebug("web_search: model=%s query=%q", s.model, query)

	body, err := json.Marshal(responsesRequest{
		Model: s.model,
		Tools: []map[string]any{{"type": "web_search"}},
		Input: query,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("web search request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	var reply responsesReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("HTTP %d: unreadable response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if reply.Error != nil && reply.Error.Message != "" {
			msg = reply.Error.Message
		}
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}

	var parts []string
	for _, item := range reply.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	if len(parts) == 0 {
		logging.ToolsWarn("web_search: no output_text for %q", query)
		return "", ErrEmptySearchResult
	}
	answer := strings.Join(parts, "\n\n")
	logging.Tools("web_search: %d chars", len(answer))
	return answer, nil
}
