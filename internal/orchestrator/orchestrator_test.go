package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ouroboros/internal/budget"
	"ouroboros/internal/llm"
	"ouroboros/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedClient answers each call with the next step of its script.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []func(req llm.Request) (*llm.Response, error)
	requests []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	i := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if i >= len(c.steps) {
		return &llm.Response{Text: "out of script"}, nil
	}
	return c.steps[i](req)
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func answer(text string) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, Usage: llm.Usage{CostReported: true}}, nil
	}
}

func callTools(calls ...tools.Call) func(llm.Request) (*llm.Response, error) {
	return func(llm.Request) (*llm.Response, error) {
		return &llm.Response{ToolCalls: calls, Usage: llm.Usage{CostReported: true}}, nil
	}
}

func newMeter(capUnits, perCall float64) *llm.Meter {
	ledger := budget.NewLedger(budget.FromUnits(capUnits))
	catalog := llm.NewCatalog(llm.ProfileGeneral, llm.Profile{Name: llm.ProfileGeneral, Provider: "fake", Model: "m"})
	return llm.NewMeter(ledger, catalog, llm.WithEstimator(func(llm.Request, llm.Profile) budget.Micros {
		return budget.FromUnits(perCall)
	}))
}

func newRegistry(t *testing.T, ts ...*tools.Tool) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(tools.WithDefaultTimeout(5 * time.Second))
	for _, tool := range ts {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func echoTool() *tools.Tool {
	return &tools.Tool{
		Name:        "echo",
		Description: "echo text",
		Category:    tools.CategoryGeneral,
		Schema: tools.ToolSchema{
			Required:   []string{"text"},
			Properties: map[string]tools.Property{"text": {Type: "string", Description: "text"}},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func TestRunFinalAnswer(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){answer("hello")}}
	o := New(client, newMeter(10, 0.01), newRegistry(t, echoTool()))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "hi"))
	require.Equal(t, StateDone, out.State, "err: %v", out.Err)
	assert.Equal(t, "hello", out.Answer)
	assert.Equal(t, 1, out.Iterations)

	require.Len(t, client.requests, 1)
	assert.Equal(t, "hi", client.requests[0].Messages[0].Content)
	assert.Len(t, client.requests[0].Tools, 1)
}

func TestRunToolRoundTrip(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		callTools(tools.Call{ID: "c1", Name: "echo", Args: map[string]any{"text": "ping"}}),
		answer("done"),
	}}
	o := New(client, newMeter(10, 0.01), newRegistry(t, echoTool()))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "go"))
	require.Equal(t, StateDone, out.State)
	assert.Equal(t, 1, out.ToolCalls)

	second := client.requests[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "ping", last.Content)
}

func TestUnknownToolDoesNotCrash(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		callTools(tools.Call{ID: "c1", Name: "no_such_tool"}),
		answer("recovered"),
	}}
	o := New(client, newMeter(10, 0.01), newRegistry(t, echoTool()))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "go"))
	require.Equal(t, StateDone, out.State)
	assert.Equal(t, "recovered", out.Answer)

	msgs := client.requests[1].Messages
	assert.Contains(t, msgs[len(msgs)-1].Content, "tool not found")
}

func TestBudgetExhaustedSkipsModel(t *testing.T) {
	meter := newMeter(10, 3)
	client := &scriptedClient{}
	for i := 0; i < 5; i++ {
		client.steps = append(client.steps, func(llm.Request) (*llm.Response, error) {
			return &llm.Response{Text: "ok", Usage: llm.Usage{Cost: budget.FromUnits(3), CostReported: true}}, nil
		})
	}
	o := New(client, meter, newRegistry(t))

	var states []State
	for i := 0; i < 5; i++ {
		states = append(states, o.Run(context.Background(), NewTask(1, tools.KindUser, "task")).State)
	}

	assert.Equal(t, []State{StateDone, StateDone, StateDone, StateBudgetExhausted, StateBudgetExhausted}, states)
	assert.Equal(t, 3, client.calls(), "exhausted tasks must not reach the model")
	assert.Equal(t, budget.FromUnits(9), meter.Ledger().Snapshot().Spent)
}

func TestBudgetExhaustedMidTask(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return &llm.Response{
				ToolCalls: []tools.Call{{ID: "c", Name: "echo", Args: map[string]any{"text": "x"}}},
				Usage:     llm.Usage{Cost: budget.FromUnits(8), CostReported: true},
			}, nil
		},
		answer("unreachable"),
	}}
	o := New(client, newMeter(10, 3), newRegistry(t, echoTool()))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "go"))
	assert.Equal(t, StateBudgetExhausted, out.State)
	assert.True(t, IsBudgetExhausted(out.Err))
	assert.Equal(t, 1, client.calls())
	assert.Equal(t, budget.FromUnits(8), out.Cost)
}

func TestIterationCap(t *testing.T) {
	loop := callTools(tools.Call{ID: "c", Name: "echo", Args: map[string]any{"text": "again"}})
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){loop, loop, loop, loop}}
	o := New(client, newMeter(10, 0.01), newRegistry(t, echoTool()), WithConfig(Config{MaxIterations: 3}))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "go"))
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrIterationLimit)
	assert.Equal(t, 3, client.calls())
}

func TestCancelMidTool(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	block := &tools.Tool{
		Name:        "block",
		Description: "blocks until released",
		Category:    tools.CategoryGeneral,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			close(started)
			<-release
			return "late", nil
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		callTools(tools.Call{ID: "c", Name: "block"}),
	}}
	o := New(client, newMeter(10, 0.01), newRegistry(t, block))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- o.Run(ctx, NewTask(1, tools.KindUser, "go")) }()

	<-started
	cancel()
	select {
	case out := <-done:
		assert.Equal(t, StateCancelled, out.State)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not observe cancellation while a tool was running")
	}
}

func TestModelErrorFails(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		func(llm.Request) (*llm.Response, error) {
			return nil, &llm.APIError{Provider: "fake", StatusCode: 400, Body: "bad"}
		},
	}}
	meter := newMeter(10, 1)
	o := New(client, meter, newRegistry(t))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "go"))
	assert.Equal(t, StateFailed, out.State)
	var apiErr *llm.APIError
	assert.True(t, errors.As(out.Err, &apiErr))
	snap := meter.Ledger().Snapshot()
	assert.Zero(t, snap.Spent, "failed calls are not charged")
	assert.Zero(t, snap.Reserved)
}

func TestMutatingToolPanicIsDeployFault(t *testing.T) {
	bad := &tools.Tool{
		Name:        "write_and_die",
		Description: "panics",
		Category:    tools.CategoryRepo,
		MutatesRepo: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			panic("disk on fire")
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		callTools(tools.Call{ID: "c", Name: "write_and_die"}),
		answer("unreachable"),
	}}
	o := New(client, newMeter(10, 0.01), newRegistry(t, bad))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "go"))
	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.DeployFault)
	assert.ErrorIs(t, out.Err, ErrDeployFault)
}

func TestReadOnlyToolsRunConcurrentlyMutatingSerially(t *testing.T) {
	var active, maxActive, mutActive, maxMut int32
	track := func(cur, peak *int32) func() {
		n := atomic.AddInt32(cur, 1)
		for {
			old := atomic.LoadInt32(peak)
			if n <= old || atomic.CompareAndSwapInt32(peak, old, n) {
				break
			}
		}
		return func() { atomic.AddInt32(cur, -1) }
	}
	read := &tools.Tool{
		Name: "read", Description: "r", Category: tools.CategoryRepo,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			defer track(&active, &maxActive)()
			time.Sleep(50 * time.Millisecond)
			return "r", nil
		},
	}
	write := &tools.Tool{
		Name: "write", Description: "w", Category: tools.CategoryRepo, MutatesRepo: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			defer track(&mutActive, &maxMut)()
			time.Sleep(10 * time.Millisecond)
			return "w", nil
		},
	}
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){
		callTools(
			tools.Call{ID: "1", Name: "read"}, tools.Call{ID: "2", Name: "read"}, tools.Call{ID: "3", Name: "read"},
			tools.Call{ID: "4", Name: "write"}, tools.Call{ID: "5", Name: "write"},
		),
		answer("ok"),
	}}
	o := New(client, newMeter(10, 0.01), newRegistry(t, read, write))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "go"))
	require.Equal(t, StateDone, out.State)
	assert.Greater(t, atomic.LoadInt32(&maxActive), int32(1), "read-only calls should overlap")
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxMut))

	msgs := client.requests[1].Messages
	var ids []string
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			ids = append(ids, m.ToolCallID)
		}
	}
	assert.Equal(t, "1,2,3,4,5", strings.Join(ids, ","), "results keep call order")
}

type staticContext struct{ system string }

func (s staticContext) BuildContext(ctx context.Context, task Task) (string, []llm.Message, error) {
	return s.system, []llm.Message{{Role: llm.RoleUser, Content: "earlier"}, {Role: llm.RoleAssistant, Content: "reply"}}, nil
}

func TestContextProviderAndStateObserver(t *testing.T) {
	client := &scriptedClient{steps: []func(llm.Request) (*llm.Response, error){answer("ok")}}
	var mu sync.Mutex
	var seen []State
	o := New(client, newMeter(10, 0.01), newRegistry(t),
		WithContextProvider(staticContext{system: "you are ouroboros"}),
		WithStateFunc(func(_ string, s State) { mu.Lock(); seen = append(seen, s); mu.Unlock() }))

	out := o.Run(context.Background(), NewTask(1, tools.KindUser, "now"))
	require.Equal(t, StateDone, out.State)

	req := client.requests[0]
	assert.Equal(t, "you are ouroboros", req.System)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "now", req.Messages[2].Content)
	assert.Equal(t, []State{StateRunning, StateAwaitingModel, StateDone}, seen)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "budget_exhausted", StateBudgetExhausted.String())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateExecutingTools.Terminal())
}
