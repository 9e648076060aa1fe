package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ouroboros/internal/budget"
	"ouroboros/internal/logging"
	"ouroboros/internal/tools"
)

// OpenRouterConfig configures the OpenAI-compatible chat completions client.
type OpenRouterConfig struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	SiteName string
	Retry    RetryPolicy
}

// DefaultOpenRouterConfig returns sensible defaults.
func DefaultOpenRouterConfig(apiKey string) OpenRouterConfig {
	return OpenRouterConfig{
		APIKey:   apiKey,
		BaseURL:  "https://openrouter.ai/api/v1",
		Timeout:  10 * time.Minute,
		SiteName: "ouroboros",
		Retry:    DefaultRetryPolicy,
	}
}

// OpenRouterClient talks to OpenRouter (or any OpenAI-compatible endpoint).
type OpenRouterClient struct {
	cfg        OpenRouterConfig
	httpClient *http.Client
}

// NewOpenRouterClient creates a client.
func NewOpenRouterClient(cfg OpenRouterConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterConfig("").BaseURL
	}
	return &OpenRouterClient{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type orMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []orToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type orToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type orTool struct {
	Type     string     `json:"type"`
	Function orFunction `json:"function"`
}

type orFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type orRequest struct {
	Model     string          `json:"model"`
	Messages  []orMessage     `json:"messages"`
	Tools     []orTool        `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Usage     map[string]bool `json:"usage,omitempty"`
}

type orResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      orMessage `json:"message"`
		FinishReason string    `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		Cost             *float64 `json:"cost"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Complete implements Client.
func (c *OpenRouterClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("openrouter: API key not configured")
	}
	body, err := json.Marshal(toOpenRouterRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var parsed orResponse
	err = Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("X-Title", c.cfg.SiteName)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &APIError{Provider: "openrouter", StatusCode: resp.StatusCode, Body: string(data)}
		}
		parsed = orResponse{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if parsed.Error != nil {
			// errors in a 200 body are upstream provider hiccups
			return &APIError{Provider: "openrouter", StatusCode: http.StatusBadGateway, Body: parsed.Error.Message}
		}
		return nil
	})
	if err != nil {
		logging.APIError("[OpenRouter] model=%s: %v", req.Model, err)
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openrouter: no completion returned")
	}
	return fromOpenRouterResponse(parsed), nil
}

func toOpenRouterRequest(req Request) orRequest {
	out := orRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Usage:     map[string]bool{"include": true},
	}
	if req.System != "" {
		out.Messages = append(out.Messages, orMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		om := orMessage{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case RoleTool:
			om.ToolCallID = m.ToolCallID
			om.Name = m.ToolName
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				var otc orToolCall
				otc.ID = tc.ID
				otc.Type = "function"
				otc.Function.Name = tc.Name
				args, _ := json.Marshal(tc.Args)
				otc.Function.Arguments = string(args)
				om.ToolCalls = append(om.ToolCalls, otc)
			}
		}
		out.Messages = append(out.Messages, om)
	}
	for _, s := range req.Tools {
		out.Tools = append(out.Tools, orTool{
			Type:     "function",
			Function: orFunction{Name: s.Name, Description: s.Description, Parameters: s.Parameters},
		})
	}
	return out
}

func fromOpenRouterResponse(parsed orResponse) *Response {
	choice := parsed.Choices[0]
	resp := &Response{
		Text:       strings.TrimSpace(choice.Message.Content),
		StopReason: choice.FinishReason,
		Model:      parsed.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				logging.APIWarn("[OpenRouter] tool %s: unparseable arguments: %v", tc.Function.Name, err)
				args = nil
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, tools.Call{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	if parsed.Usage != nil {
		resp.Usage.InputTokens = parsed.Usage.PromptTokens
		resp.Usage.OutputTokens = parsed.Usage.CompletionTokens
		if parsed.Usage.Cost != nil {
			resp.Usage.Cost = budget.FromUnits(*parsed.Usage.Cost)
			resp.Usage.CostReported = true
		}
	}
	return resp
}
