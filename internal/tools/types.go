// Package tools is the open capability set the model can invoke.
//
// A tool is a name, a parameter schema and an execute function. Tool modules
// (core, git, shell, control, research, browser) each expose RegisterAll and
// never touch the Registry's dispatch logic.
package tools

import (
	"context"
	"time"
)

// ToolCategory groups tools for listings and logs.
type ToolCategory string

const (
	CategoryRepo     ToolCategory = "/repo"
	CategoryDrive    ToolCategory = "/drive"
	CategoryGit      ToolCategory = "/git"
	CategoryShell    ToolCategory = "/shell"
	CategoryControl  ToolCategory = "/control"
	CategoryResearch ToolCategory = "/research"
	CategoryBrowser  ToolCategory = "/browser"
	CategoryGeneral  ToolCategory = "/general"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// JSONSchema renders the schema as a JSON-schema object suitable for model
// tool declarations.
func (s ToolSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		props[name] = prop
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// ExecuteFunc is the signature for tool execution.
// Returns the result string and any error.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool defines one capability.
type Tool struct {
	// Name is the unique identifier the model calls the tool by.
	Name string

	// Description is advertised to the model.
	Description string

	Category ToolCategory

	Execute ExecuteFunc

	Schema ToolSchema

	// MutatesRepo marks tools that write the repository working tree or its
	// branches. The Registry runs them under the repository writer lock.
	MutatesRepo bool

	// Commits marks the commit tool, the only repo-mutating tool an
	// evolution task may run in the commit step.
	Commits bool

	// Timeout overrides the registry default when non-zero.
	Timeout time.Duration
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Schema is the advertised shape of one tool.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Call is a model-issued request to invoke a tool.
type Call struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Status is the outcome class of a tool call.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the structured outcome of a Call. It is always handed back to
// the model, including on failure.
type Result struct {
	CallID     string `json:"call_id"`
	ToolName   string `json:"tool_name"`
	Status     Status `json:"status"`
	Payload    string `json:"payload"`
	DurationMs int64  `json:"duration_ms"`

	// Panicked is set when the tool itself panicked.
	Panicked bool `json:"-"`
	// MutatesRepo mirrors the tool's flag so callers can tell a fault in the
	// commit/deploy path from an ordinary tool fault.
	MutatesRepo bool `json:"-"`
}

// IsSuccess returns true if the tool executed without error.
func (r Result) IsSuccess() bool {
	return r.Status == StatusOK
}
