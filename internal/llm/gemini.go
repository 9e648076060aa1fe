package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"ouroboros/internal/logging"
	"ouroboros/internal/tools"
)

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	retry  RetryPolicy
}

// NewGeminiClient creates a Gemini client for the given API key.
func NewGeminiClient(ctx context.Context, apiKey string, retry RetryPolicy) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{client: client, retry: retry}, nil
}

// Complete implements Client.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	contents := toGeminiContents(req.Messages)
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, s := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 s.Name,
				Description:          s.Description,
				ParametersJsonSchema: s.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var resp *genai.GenerateContentResponse
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		var err error
		resp, err = c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
		if err != nil {
			var apiErr genai.APIError
			if errors.As(err, &apiErr) {
				return &APIError{Provider: "gemini", StatusCode: apiErr.Code, Body: apiErr.Message}
			}
			return err
		}
		return nil
	})
	if err != nil {
		logging.APIError("[Gemini] model=%s: %v", req.Model, err)
		return nil, err
	}
	return fromGeminiResponse(resp, req.Model), nil
}

func toGeminiContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			if native, ok := m.native.(*genai.Content); ok && native != nil {
				out = append(out, native)
				continue
			}
			parts := make([]*genai.Part, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args}})
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
		case RoleTool:
			part := genai.NewPartFromFunctionResponse(m.ToolName, map[string]any{"output": m.Content})
			part.FunctionResponse.ID = m.ToolCallID
			// consecutive tool results travel in one user turn
			if n := len(out); n > 0 && out[n-1].Role == string(genai.RoleUser) && isFunctionResponses(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return out
}

func isFunctionResponses(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(c.Parts) > 0
}

func fromGeminiResponse(resp *genai.GenerateContentResponse, model string) *Response {
	out := &Response{Model: model, Text: resp.Text()}
	for i, fc := range resp.FunctionCalls() {
		id := fc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out.ToolCalls = append(out.ToolCalls, tools.Call{ID: id, Name: fc.Name, Args: fc.Args})
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.StopReason = string(resp.Candidates[0].FinishReason)
		out.native = resp.Candidates[0].Content
	}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out
}
