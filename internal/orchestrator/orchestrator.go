package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ouroboros/internal/budget"
	"ouroboros/internal/llm"
	"ouroboros/internal/logging"
	"ouroboros/internal/tools"
)

// ToolExecutor is the part of the tool registry the loop needs.
type ToolExecutor interface {
	ListSchemas() []tools.Schema
	Execute(ctx context.Context, call tools.Call) tools.Result
	MutatesRepo(name string) bool
}

// ContextProvider assembles the system prompt and prior turns for a task.
type ContextProvider interface {
	BuildContext(ctx context.Context, task Task) (system string, history []llm.Message, err error)
}

// StateFunc observes state transitions.
type StateFunc func(taskID string, s State)

// Config bounds the loop.
type Config struct {
	MaxIterations int
	// MaxParallelTools caps concurrent read-only tool calls within one turn.
	MaxParallelTools int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{MaxIterations: 50, MaxParallelTools: 4}
}

// Orchestrator runs tasks. It is safe for concurrent use by many workers.
type Orchestrator struct {
	client   llm.Client
	meter    *llm.Meter
	registry ToolExecutor
	context  ContextProvider
	cfg      Config
	onState  StateFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithContextProvider sets the context source; without one a task starts
// from its payload alone.
func WithContextProvider(p ContextProvider) Option {
	return func(o *Orchestrator) { o.context = p }
}

// WithStateFunc registers a state observer.
func WithStateFunc(fn StateFunc) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// WithConfig overrides the limits.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// New creates an orchestrator. Every model call goes through meter.
func New(client llm.Client, meter *llm.Meter, registry ToolExecutor, opts ...Option) *Orchestrator {
	o := &Orchestrator{client: client, meter: meter, registry: registry, cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxIterations <= 0 {
		o.cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if o.cfg.MaxParallelTools <= 0 {
		o.cfg.MaxParallelTools = 1
	}
	return o
}

func (o *Orchestrator) setState(task Task, s State) {
	logging.OrchestratorDebug("task %s -> %s", task.ID, s)
	if o.onState != nil {
		o.onState(task.ID, s)
	}
}

// Run drives task to a terminal state. Cancellation of ctx is observed
// before every model call, during tool execution and after every turn.
func (o *Orchestrator) Run(ctx context.Context, task Task) Outcome {
	info := task.Info()
	ctx = tools.WithTaskInfo(ctx, info)
	// WithTaskInfo allocates the push flag; read it back from ctx.
	info, _ = tools.TaskInfoFrom(ctx)

	out := Outcome{TaskID: task.ID}
	finish := func(s State, err error) Outcome {
		out.State = s
		out.Err = err
		out.Pushed = info.Pushed()
		o.setState(task, s)
		logging.Orchestrator("task %s finished: %s after %d iterations, %d tool calls, cost %s",
			task.ID, s, out.Iterations, out.ToolCalls, out.Cost)
		return out
	}

	o.setState(task, StateRunning)

	var system string
	var messages []llm.Message
	if o.context != nil {
		var err error
		system, messages, err = o.context.BuildContext(ctx, task)
		if err != nil {
			return finish(StateFailed, fmt.Errorf("build context: %w", err))
		}
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: task.Payload})
	schemas := o.registry.ListSchemas()

	for out.Iterations < o.cfg.MaxIterations {
		if ctx.Err() != nil {
			return finish(StateCancelled, ctx.Err())
		}

		req := llm.Request{Profile: task.Profile, System: system, Messages: messages, Tools: schemas}
		reservation, err := o.meter.Reserve(req)
		if err != nil {
			logging.BudgetWarn("task %s: %v", task.ID, err)
			return finish(StateBudgetExhausted, err)
		}

		out.Iterations++
		o.setState(task, StateAwaitingModel)
		resp, err := o.client.Complete(ctx, req)
		out.Cost += o.meter.Settle(ctx, reservation, resp, err)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StateCancelled, ctx.Err())
			}
			return finish(StateFailed, fmt.Errorf("model call: %w", err))
		}

		messages = append(messages, resp.AssistantMessage())
		if len(resp.ToolCalls) == 0 {
			out.Answer = resp.Text
			return finish(StateDone, nil)
		}

		o.setState(task, StateExecutingTools)
		results := o.executeCalls(ctx, resp.ToolCalls)
		out.ToolCalls += len(results)
		for _, r := range results {
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    r.Payload,
				ToolCallID: r.CallID,
				ToolName:   r.ToolName,
			})
		}
		if ctx.Err() != nil {
			return finish(StateCancelled, ctx.Err())
		}
		for _, r := range results {
			if r.Panicked && r.MutatesRepo {
				out.DeployFault = true
				return finish(StateFailed, fmt.Errorf("%w: %s: %s", ErrDeployFault, r.ToolName, r.Payload))
			}
		}
		o.setState(task, StateRunning)
	}

	return finish(StateFailed, fmt.Errorf("%w: %d model calls without a final answer", ErrIterationLimit, o.cfg.MaxIterations))
}

// executeCalls runs one turn's tool calls. Runs of consecutive read-only
// calls execute concurrently; repo-mutating calls execute one at a time in
// order. Results keep the order of calls.
func (o *Orchestrator) executeCalls(ctx context.Context, calls []tools.Call) []tools.Result {
	results := make([]tools.Result, len(calls))
	for i := 0; i < len(calls); {
		if ctx.Err() != nil {
			for j := i; j < len(calls); j++ {
				results[j] = cancelledResult(calls[j], ctx.Err())
			}
			break
		}
		if o.registry.MutatesRepo(calls[i].Name) {
			results[i] = o.execute(ctx, calls[i])
			i++
			continue
		}

		j := i
		for j < len(calls) && !o.registry.MutatesRepo(calls[j].Name) {
			j++
		}
		if j-i == 1 {
			results[i] = o.execute(ctx, calls[i])
		} else {
			var g errgroup.Group
			g.SetLimit(o.cfg.MaxParallelTools)
			for k := i; k < j; k++ {
				g.Go(func() error {
					results[k] = o.execute(ctx, calls[k])
					return nil
				})
			}
			_ = g.Wait()
		}
		i = j
	}
	return results
}

func (o *Orchestrator) execute(ctx context.Context, call tools.Call) tools.Result {
	start := time.Now()
	r := o.registry.Execute(ctx, call)
	if r.CallID == "" {
		r.CallID = call.ID
	}
	if !r.IsSuccess() {
		logging.Audit(logging.AuditEvent{
			Type:    toolAuditType(r),
			TaskID:  taskID(ctx),
			Message: call.Name,
			Fields:  map[string]interface{}{"duration_ms": time.Since(start).Milliseconds()},
		})
	}
	return r
}

func toolAuditType(r tools.Result) logging.AuditEventType {
	if r.Panicked {
		return logging.AuditToolPanic
	}
	return logging.AuditToolError
}

func taskID(ctx context.Context) string {
	info, _ := tools.TaskInfoFrom(ctx)
	return info.TaskID
}

func cancelledResult(call tools.Call, err error) tools.Result {
	return tools.Result{
		CallID:   call.ID,
		ToolName: call.Name,
		Status:   tools.StatusError,
		Payload:  fmt.Sprintf("TOOL_ERROR (%s): %v: %v", call.Name, tools.ErrToolCancelled, err),
	}
}

// IsBudgetExhausted reports whether err came from a refused reservation.
func IsBudgetExhausted(err error) bool {
	return errors.Is(err, budget.ErrExhausted)
}
