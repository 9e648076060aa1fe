package tools

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"ouroboros/internal/logging"
)

// Locker is the repository writer lock. Lock must return when ctx is done.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock()
}

const (
	defaultTimeout   = 120 * time.Second
	defaultMaxOutput = 50000
)

// Registry holds all available tools and dispatches calls to them.
// It is thread-safe and supports registration at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	repoLock       Locker
	defaultTimeout time.Duration
	maxOutput      int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRepoLock serializes MutatesRepo tools on lock.
func WithRepoLock(lock Locker) RegistryOption {
	return func(r *Registry) { r.repoLock = lock }
}

// WithDefaultTimeout sets the per-call timeout for tools without their own.
func WithDefaultTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithMaxOutput truncates tool payloads longer than n characters.
func WithMaxOutput(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// NewRegistry creates a new empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:          make(map[string]*Tool),
		defaultTimeout: defaultTimeout,
		maxOutput:      defaultMaxOutput,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool

	logging.ToolsDebug("Registered tool: %s (category=%s, mutates_repo=%v)", tool.Name, tool.Category, tool.MutatesRepo)
	return nil
}

// MustRegister registers a tool and panics on error.
// Use this for static tool registration at init time.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Unregister removes a tool. It reports whether the tool existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ListSchemas returns the advertised schema of every tool, sorted by name.
func (r *Registry) ListSchemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Schema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Schema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema.JSONSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MutatesRepo reports whether the named tool is repository-mutating.
// Unknown tools report false.
func (r *Registry) MutatesRepo(name string) bool {
	t := r.Get(name)
	return t != nil && t.MutatesRepo
}

// Execute dispatches call by exact name. It never returns a Go error: unknown
// tools, invalid arguments, tool errors, tool panics and cancellation all come
// back as a Result with StatusError so the model can react.
func (r *Registry) Execute(ctx context.Context, call Call) Result {
	tool := r.Get(call.Name)
	if tool == nil {
		logging.ToolsWarn("Unknown tool requested: %s", call.Name)
		return Result{
			CallID:   call.ID,
			ToolName: call.Name,
			Status:   StatusError,
			Payload:  fmt.Sprintf("%v: %s. Available: %s", ErrToolNotFound, call.Name, strings.Join(r.Names(), ", ")),
		}
	}
	return r.ExecuteTool(ctx, tool, call)
}

// ExecuteTool runs a specific tool for call.
func (r *Registry) ExecuteTool(ctx context.Context, tool *Tool, call Call) Result {
	start := time.Now()
	res := Result{CallID: call.ID, ToolName: tool.Name, MutatesRepo: tool.MutatesRepo}

	args, err := validateArgs(tool, call.Args)
	if err != nil {
		res.Status = StatusError
		res.Payload = fmt.Sprintf("TOOL_ARG_ERROR (%s): %v", tool.Name, err)
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	if err := checkCommitStep(ctx, tool); err != nil {
		res.Status = StatusError
		res.Payload = fmt.Sprintf("TOOL_ERROR (%s): %v", tool.Name, err)
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	unlock := func() {}
	if tool.MutatesRepo && r.repoLock != nil {
		if err := r.repoLock.Lock(ctx); err != nil {
			res.Status = StatusError
			res.Payload = fmt.Sprintf("TOOL_ERROR (%s): %v: waiting for repository lock: %v", tool.Name, ErrToolCancelled, err)
			res.DurationMs = time.Since(start).Milliseconds()
			return res
		}
		unlock = r.repoLock.Unlock
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.ToolsDebug("Executing tool: %s", tool.Name)

	type outcome struct {
		out      string
		err      error
		panicked bool
	}
	done := make(chan outcome, 1)
	go func() {
		// The lock is held until the tool really returns, even when the
		// caller has already given up on it.
		defer unlock()
		defer func() {
			if p := recover(); p != nil {
				logging.ToolsError("Tool %s panicked: %v\n%s", tool.Name, p, debug.Stack())
				done <- outcome{err: fmt.Errorf("%w: %v", ErrToolPanic, p), panicked: true}
			}
		}()
		out, err := tool.Execute(callCtx, args)
		done <- outcome{out: out, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-callCtx.Done():
		if ctx.Err() == nil {
			o = outcome{err: fmt.Errorf("%w: timed out after %v", ErrToolCancelled, timeout)}
		} else {
			o = outcome{err: fmt.Errorf("%w: %v", ErrToolCancelled, ctx.Err())}
		}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Panicked = o.panicked
	if o.err != nil {
		res.Status = StatusError
		res.Payload = fmt.Sprintf("TOOL_ERROR (%s): %v", tool.Name, o.err)
		if o.out != "" {
			res.Payload += "\n" + o.out
		}
		logging.ToolsDebug("Tool %s failed in %dms: %v", tool.Name, res.DurationMs, o.err)
	} else {
		res.Status = StatusOK
		res.Payload = o.out
		logging.ToolsDebug("Tool %s completed in %dms", tool.Name, res.DurationMs)
	}
	res.Payload = truncate(res.Payload, r.maxOutput)
	return res
}

// checkCommitStep refuses tree edits in an evolution commit step, so the
// committed tree is the one smoke_test and bible_check passed.
func checkCommitStep(ctx context.Context, tool *Tool) error {
	if !tool.MutatesRepo || tool.Commits {
		return nil
	}
	info, ok := TaskInfoFrom(ctx)
	if !ok || info.Kind != KindEvolution || info.Step != CommitStep {
		return nil
	}
	logging.ToolsWarn("Refused %s in evolution commit step (task %s)", tool.Name, info.TaskID)
	return fmt.Errorf("%w: %s is not allowed", ErrCommitStepMutation, tool.Name)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n...[truncated, %d chars total]", len(s))
}
