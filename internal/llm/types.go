// Package llm is the model-facing side of the control plane: provider
// clients, named model profiles, retry with backoff, and the meter that gates
// every priced call on the budget ledger.
package llm

import (
	"context"

	"ouroboros/internal/budget"
	"ouroboros/internal/tools"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string

	// ToolCalls is set on assistant turns that request tools.
	ToolCalls []tools.Call

	// ToolCallID and ToolName are set on tool-result turns.
	ToolCallID string
	ToolName   string

	// native keeps the provider's own representation of an assistant turn so
	// it can be replayed verbatim (Gemini thought signatures need this).
	native any
}

// Request is one model invocation.
type Request struct {
	// Profile names the model profile; empty means the default profile.
	Profile string
	// Model is filled in by the Router from the profile.
	Model     string
	System    string
	Messages  []Message
	Tools     []tools.Schema
	MaxTokens int
}

// Usage is the token and cost accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         budget.Micros
	// CostReported is true when Cost came from the provider rather than
	// from profile pricing.
	CostReported bool
}

// Response is the model's answer: final text, tool calls, or both.
type Response struct {
	Text       string
	ToolCalls  []tools.Call
	StopReason string
	Model      string
	Usage      Usage

	native any
}

// AssistantMessage converts the response into the turn to append to the
// conversation.
func (r *Response) AssistantMessage() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   r.Text,
		ToolCalls: r.ToolCalls,
		native:    r.native,
	}
}

// Client is anything that can complete a Request.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
