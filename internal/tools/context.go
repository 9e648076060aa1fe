package tools

import (
	"context"
	"sync/atomic"
)

// TaskKind says who created a task.
type TaskKind string

const (
	KindUser      TaskKind = "user"
	KindScheduled TaskKind = "scheduled"
	KindEvolution TaskKind = "evolution"
	KindReview    TaskKind = "review"
)

// CommitStep is the evolution step in which evolution tasks may commit.
const CommitStep = "commit"

type contextKey struct{}

// TaskInfo describes the task a tool call runs under.
type TaskInfo struct {
	TaskID string
	ChatID int64
	Kind   TaskKind
	// Step is the evolution step for KindEvolution tasks.
	Step string

	pushed *atomic.Bool
}

// WithTaskInfo attaches info to ctx.
func WithTaskInfo(ctx context.Context, info TaskInfo) context.Context {
	if info.pushed == nil {
		info.pushed = new(atomic.Bool)
	}
	return context.WithValue(ctx, contextKey{}, info)
}

// TaskInfoFrom returns the TaskInfo attached to ctx, if any.
func TaskInfoFrom(ctx context.Context) (TaskInfo, bool) {
	info, ok := ctx.Value(contextKey{}).(TaskInfo)
	return info, ok
}

// MarkPushed records that this task pushed a commit.
func (t TaskInfo) MarkPushed() {
	if t.pushed != nil {
		t.pushed.Store(true)
	}
}

// Pushed reports whether this task pushed a commit.
func (t TaskInfo) Pushed() bool {
	return t.pushed != nil && t.pushed.Load()
}
