// Package control provides the tools through which a running task talks to
// the supervisor: restart, promotion, background tasks, reviews, chat
// history and the agent's own scratchpad and identity.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ouroboros/internal/memory"
	"ouroboros/internal/tools"
)

// Supervisor is the control surface these tools call into.
type Supervisor interface {
	RequestRestart(ctx context.Context, info tools.TaskInfo, reason string) (string, error)
	PromoteToStable(ctx context.Context, info tools.TaskInfo, reason string) (string, error)
	ScheduleTask(ctx context.Context, info tools.TaskInfo, description, profile string) (string, error)
	CancelTask(ctx context.Context, info tools.TaskInfo, id string) error
	RequestReview(ctx context.Context, info tools.TaskInfo, reason string) (string, error)
	EvolutionStatus() string
}

// Memory is the chat log and key-value store.
type Memory interface {
	History(ctx context.Context, q memory.HistoryQuery) ([]memory.ChatMessage, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// ErrNoTask is returned when a control tool runs outside a task.
var ErrNoTask = errors.New("control tools must run inside a task")

// maxMemoryValue caps scratchpad and identity size.
const maxMemoryValue = 64 * 1024

func taskInfo(ctx context.Context) (tools.TaskInfo, error) {
	info, ok := tools.TaskInfoFrom(ctx)
	if !ok {
		return tools.TaskInfo{}, ErrNoTask
	}
	return info, nil
}

func reasonArg(args map[string]any) string {
	r, _ := args["reason"].(string)
	return strings.TrimSpace(r)
}

func reasonSchema(desc string) tools.ToolSchema {
	return tools.ToolSchema{
		Required: []string{"reason"},
		Properties: map[string]tools.Property{
			"reason": {Type: "string", Description: desc},
		},
	}
}

// RequestRestartTool returns request_restart.
func RequestRestartTool(s Supervisor) *tools.Tool {
	return &tools.Tool{
		Name:        "request_restart",
		Description: "Restart the agent from the working branch after in-flight tasks finish. Evolution tasks must commit and push first.",
		Category:    tools.CategoryControl,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			info, err := taskInfo(ctx)
			if err != nil {
				return "", err
			}
			return s.RequestRestart(ctx, info, reasonArg(args))
		},
		Schema: reasonSchema("Why the restart is needed"),
	}
}

// PromoteTool returns promote_to_stable. It holds the repository lock.
func PromoteTool(s Supervisor) *tools.Tool {
	return &tools.Tool{
		Name:        "promote_to_stable",
		Description: "Promote the working branch to stable. Refused unless the working head passed smoke_test and bible_check in the same evolution cycle.",
		Category:    tools.CategoryControl,
		MutatesRepo: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			info, err := taskInfo(ctx)
			if err != nil {
				return "", err
			}
			return s.PromoteToStable(ctx, info, reasonArg(args))
		},
		Schema: reasonSchema("What the promoted state contains"),
	}
}

// ScheduleTaskTool returns schedule_task.
func ScheduleTaskTool(s Supervisor) *tools.Tool {
	return &tools.Tool{
		Name:        "schedule_task",
		Description: "Queue a background task; its result is sent to the chat. Returns the task id.",
		Category:    tools.CategoryControl,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			info, err := taskInfo(ctx)
			if err != nil {
				return "", err
			}
			desc, _ := args["description"].(string)
			if strings.TrimSpace(desc) == "" {
				return "", fmt.Errorf("description is required")
			}
			profile, _ := args["profile"].(string)
			id, err := s.ScheduleTask(ctx, info, desc, profile)
			if err != nil {
				return "", err
			}
			return "Scheduled task " + id, nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"description"},
			Properties: map[string]tools.Property{
				"description": {Type: "string", Description: "What the task should do"},
				"profile": {
					Type:        "string",
					Description: "Model profile (general, code, review)",
					Enum:        []any{"general", "code", "review"},
				},
			},
		},
	}
}

// CancelTaskTool returns cancel_task.
func CancelTaskTool(s Supervisor) *tools.Tool {
	return &tools.Tool{
		Name:        "cancel_task",
		Description: "Cancel a queued or running task by id",
		Category:    tools.CategoryControl,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			info, err := taskInfo(ctx)
			if err != nil {
				return "", err
			}
			id, _ := args["task_id"].(string)
			if err := s.CancelTask(ctx, info, strings.TrimSpace(id)); err != nil {
				return "", err
			}
			return "Cancelled " + id, nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"task_id"},
			Properties: map[string]tools.Property{
				"task_id": {Type: "string", Description: "Task id"},
			},
		},
	}
}

// RequestReviewTool returns request_review.
func RequestReviewTool(s Supervisor) *tools.Tool {
	return &tools.Tool{
		Name:        "request_review",
		Description: "Start a full review of the repository and drive. The report goes to the chat.",
		Category:    tools.CategoryControl,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			info, err := taskInfo(ctx)
			if err != nil {
				return "", err
			}
			return s.RequestReview(ctx, info, reasonArg(args))
		},
		Schema: reasonSchema("What the review should focus on"),
	}
}

// EvolutionStatusTool returns evolution_status.
func EvolutionStatusTool(s Supervisor) *tools.Tool {
	return &tools.Tool{
		Name:        "evolution_status",
		Description: "Show the evolution controller state: enabled, cycle, step, gate record",
		Category:    tools.CategoryControl,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return s.EvolutionStatus(), nil
		},
	}
}

// ChatHistoryTool returns chat_history.
func ChatHistoryTool(m Memory) *tools.Tool {
	return &tools.Tool{
		Name:        "chat_history",
		Description: "Read earlier chat messages, oldest first. Supports paging and substring search.",
		Category:    tools.CategoryControl,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			info, _ := tools.TaskInfoFrom(ctx)
			q := memory.HistoryQuery{ChatID: info.ChatID}
			if n, ok := args["count"].(int); ok {
				q.Count = n
			}
			if n, ok := args["offset"].(int); ok {
				q.Offset = n
			}
			q.Search, _ = args["search"].(string)

			msgs, err := m.History(ctx, q)
			if err != nil {
				return "", err
			}
			if len(msgs) == 0 {
				return "no messages", nil
			}
			return memory.FormatHistory(msgs), nil
		},
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"count":  {Type: "integer", Description: "How many messages (default 100)", Default: 100},
				"offset": {Type: "integer", Description: "Skip this many of the newest messages", Default: 0},
				"search": {Type: "string", Description: "Only messages containing this text"},
			},
		},
	}
}

func memoryTool(m Memory, name, key, what string) *tools.Tool {
	return &tools.Tool{
		Name:        name,
		Description: fmt.Sprintf("Replace your %s. It is included in every task's context.", what),
		Category:    tools.CategoryControl,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			content, _ := args["content"].(string)
			if len(content) > maxMemoryValue {
				return "", fmt.Errorf("%s too large: %d bytes (max %d)", what, len(content), maxMemoryValue)
			}
			if err := m.Set(ctx, key, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("OK: %s updated (%d chars)", what, len(content)), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"content"},
			Properties: map[string]tools.Property{
				"content": {Type: "string", Description: "Full new " + what},
			},
		},
	}
}

// ScratchpadTool returns update_scratchpad.
func ScratchpadTool(m Memory) *tools.Tool {
	return memoryTool(m, "update_scratchpad", memory.KeyScratchpad, "scratchpad")
}

// IdentityTool returns update_identity.
func IdentityTool(m Memory) *tools.Tool {
	return memoryTool(m, "update_identity", memory.KeyIdentity, "identity")
}

// RegisterAll registers the control tools. m may be nil, which leaves out
// the memory tools.
func RegisterAll(registry *tools.Registry, s Supervisor, m Memory) error {
	all := []*tools.Tool{
		RequestRestartTool(s),
		PromoteTool(s),
		ScheduleTaskTool(s),
		CancelTaskTool(s),
		RequestReviewTool(s),
		EvolutionStatusTool(s),
	}
	if m != nil {
		all = append(all, ChatHistoryTool(m), ScratchpadTool(m), IdentityTool(m))
	}
	for _, tool := range all {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
