// Package orchestrator runs one task's model/tool loop: assemble context,
// reserve budget, call the model, execute the requested tools, repeat until
// a final answer or a hard stop.
package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ouroboros/internal/budget"
	"ouroboros/internal/tools"
)

// =============================================================================
// TASK STATE
// =============================================================================

// State is the lifecycle state of a task.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateAwaitingModel
	StateExecutingTools
	StateDone
	StateBudgetExhausted
	StateCancelled
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateBudgetExhausted:
		return "budget_exhausted"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether s ends the task.
func (s State) Terminal() bool {
	return s >= StateDone
}

// =============================================================================
// TASK AND OUTCOME
// =============================================================================

// Task is a unit of work handed to a worker.
type Task struct {
	ID      string
	ChatID  int64
	Kind    tools.TaskKind
	Payload string
	// Profile selects the model profile; empty means general.
	Profile string
	// Step is the evolution step for KindEvolution tasks.
	Step       string
	EnqueuedAt time.Time
}

// NewTask creates a task with a fresh ID.
func NewTask(chatID int64, kind tools.TaskKind, payload string) Task {
	return Task{
		ID:         uuid.NewString()[:8],
		ChatID:     chatID,
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
}

// Info returns the TaskInfo tools see for this task.
func (t Task) Info() tools.TaskInfo {
	return tools.TaskInfo{TaskID: t.ID, ChatID: t.ChatID, Kind: t.Kind, Step: t.Step}
}

// Outcome is the terminal result of running a task.
type Outcome struct {
	TaskID     string
	State      State
	Answer     string
	Iterations int
	ToolCalls  int
	Cost       budget.Micros
	Err        error
	// DeployFault is set when a repo-mutating tool crashed; the supervisor
	// treats it as a fault in the self-modification path.
	DeployFault bool
	// Pushed is set when the task pushed a commit.
	Pushed bool
}

var (
	// ErrIterationLimit is returned when a task exceeds its model-call cap.
	ErrIterationLimit = errors.New("iteration limit reached")

	// ErrDeployFault marks a crash in a repo-mutating tool.
	ErrDeployFault = errors.New("repository-mutating tool crashed")
)
