package evolution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ouroboros/internal/budget"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeRepo tracks a head and the uncommitted edits in the tree.
type fakeRepo struct {
	mu            sync.Mutex
	head          string
	n             int
	dirty         []string
	discards      int
	lock          *fakeLock
	lockedDiscard bool
}

func (r *fakeRepo) HeadSHA(ctx context.Context, branch string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, nil
}

func (r *fakeRepo) Discard(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = nil
	r.discards++
	r.lockedDiscard = r.lock != nil && r.lock.held
	return nil
}

func (r *fakeRepo) edit(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = append(r.dirty, name)
}

func (r *fakeRepo) commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	r.head = fmt.Sprintf("%040d", r.n)
	r.dirty = nil
}

func (r *fakeRepo) tree() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dirty...)
}

type fakeLock struct {
	held bool
}

func (l *fakeLock) Lock(ctx context.Context) error {
	l.held = true
	return nil
}

func (l *fakeLock) Unlock() { l.held = false }

// fakeRunner answers each step from a table; the commit step moves the head.
type fakeRunner struct {
	mu      sync.Mutex
	repo    *fakeRepo
	answers map[string]string
	states  map[string]orchestrator.State
	commits bool
	hook    func(task orchestrator.Task)
	tasks   []orchestrator.Task
}

func newRunner(repo *fakeRepo) *fakeRunner {
	return &fakeRunner{
		repo:    repo,
		commits: true,
		answers: map[string]string{
			"smoke_test":  "tests pass\nVERDICT: PASS",
			"bible_check": "VERDICT: PASS",
		},
		states: map[string]orchestrator.State{},
	}
}

func (r *fakeRunner) RunStep(ctx context.Context, task orchestrator.Task) orchestrator.Outcome {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	hook := r.hook
	answer, ok := r.answers[task.Step]
	if !ok {
		answer = task.Step + " done"
	}
	state, ok := r.states[task.Step]
	if !ok {
		state = orchestrator.StateDone
	}
	r.mu.Unlock()

	if hook != nil {
		hook(task)
	}
	if task.Step == "commit" && r.commits && state == orchestrator.StateDone {
		r.repo.commit()
	}
	out := orchestrator.Outcome{TaskID: task.ID, State: state, Answer: answer}
	if state == orchestrator.StateBudgetExhausted {
		out.Err = budget.ErrExhausted
	}
	return out
}

func (r *fakeRunner) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		out = append(out, t.Step)
	}
	return out
}

func TestCycleOrderAndGateRecord(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	c := NewController(runner, repo, "ouroboros")
	c.state.Enabled = true

	require.NoError(t, c.RunCycle(context.Background()))
	assert.Equal(t, []string{"evaluate", "choose", "implement", "smoke_test", "bible_check", "commit"}, runner.steps())

	for _, task := range runner.tasks {
		assert.Equal(t, tools.KindEvolution, task.Kind)
	}
	assert.Contains(t, runner.tasks[1].Payload, "evaluate done", "each step sees the previous answer")

	s := c.Snapshot()
	assert.Equal(t, 2, s.Cycle)
	assert.Equal(t, StepEvaluate, s.Step)
	require.NotNil(t, s.Gate)
	assert.Equal(t, 1, s.Gate.Cycle)
	assert.NoError(t, c.CanPromote(repo.head))
	assert.ErrorIs(t, c.CanPromote("base"), ErrGateNotPassed)
}

func TestGateFailureAbortsWithoutCommit(t *testing.T) {
	for _, gate := range []string{"smoke_test", "bible_check"} {
		t.Run(gate, func(t *testing.T) {
			repo := &fakeRepo{head: "base"}
			runner := newRunner(repo)
			runner.answers[gate] = "something broke\nVERDICT: FAIL"
			c := NewController(runner, repo, "ouroboros")
			c.state.Enabled = true

			err := c.RunCycle(context.Background())
			assert.ErrorIs(t, err, ErrGateFailed)
			assert.NotContains(t, runner.steps(), "commit")
			assert.Equal(t, "base", repo.head)

			s := c.Snapshot()
			assert.Equal(t, 2, s.Cycle)
			assert.Equal(t, StepEvaluate, s.Step)
			assert.Equal(t, 1, s.Failed)
			assert.Nil(t, s.Gate)
			assert.ErrorIs(t, c.CanPromote(repo.head), ErrGateNotPassed)
		})
	}
}

func TestAbortedCycleLeavesCleanTree(t *testing.T) {
	for _, gate := range []string{"smoke_test", "bible_check"} {
		t.Run(gate, func(t *testing.T) {
			repo := &fakeRepo{head: "base"}
			runner := newRunner(repo)
			runner.answers[gate] = "VERDICT: FAIL"
			runner.hook = func(task orchestrator.Task) {
				if task.Step == "implement" {
					repo.edit("failed_gate.go")
				}
			}
			lock := &fakeLock{}
			repo.lock = lock
			c := NewController(runner, repo, "ouroboros", WithRepoLock(lock))
			c.state.Enabled = true

			require.ErrorIs(t, c.RunCycle(context.Background()), ErrGateFailed)
			assert.Empty(t, repo.tree(), "rejected edits must not survive the cycle")
			assert.Equal(t, 1, repo.discards)
			assert.True(t, repo.lockedDiscard)
			assert.False(t, lock.held)

			// The next cycle commits only its own edits.
			runner.answers[gate] = "VERDICT: PASS"
			runner.hook = nil
			require.NoError(t, c.RunCycle(context.Background()))
			assert.Equal(t, 1, repo.discards)
			require.NotNil(t, c.Snapshot().Gate)
		})
	}
}

func TestAbortBeforeImplementKeepsTree(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	repo.edit("owner_edit.go")
	runner := newRunner(repo)
	runner.states["choose"] = orchestrator.StateFailed
	c := NewController(runner, repo, "ouroboros")
	c.state.Enabled = true

	require.ErrorIs(t, c.RunCycle(context.Background()), ErrStepFailed)
	assert.Equal(t, []string{"owner_edit.go"}, repo.tree())
	assert.Zero(t, repo.discards)
}

func TestMissingVerdictFailsGate(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	runner.answers["smoke_test"] = "looks fine to me"
	c := NewController(runner, repo, "ouroboros")
	c.state.Enabled = true

	assert.ErrorIs(t, c.RunCycle(context.Background()), ErrGateFailed)
}

func TestFailedStepAborts(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	runner.states["implement"] = orchestrator.StateFailed
	c := NewController(runner, repo, "ouroboros")
	c.state.Enabled = true

	assert.ErrorIs(t, c.RunCycle(context.Background()), ErrStepFailed)
	assert.Equal(t, []string{"evaluate", "choose", "implement"}, runner.steps())
	assert.Equal(t, 2, c.Snapshot().Cycle)
}

func TestCommitWithoutNewHeadRecordsNoGate(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	runner.commits = false
	c := NewController(runner, repo, "ouroboros")
	c.state.Enabled = true

	require.NoError(t, c.RunCycle(context.Background()))
	assert.Nil(t, c.Snapshot().Gate)
}

func TestGateFromEarlierCycleDoesNotCoverLaterHead(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	c := NewController(runner, repo, "ouroboros")
	c.state.Enabled = true
	require.NoError(t, c.RunCycle(context.Background()))

	// a later commit outside a gated cycle
	repo.commit()
	assert.ErrorIs(t, c.CanPromote(repo.head), ErrGateNotPassed)
}

func TestStopTakesEffectAtStepBoundary(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	c := NewController(runner, repo, "ouroboros")

	inImplement := make(chan struct{})
	release := make(chan struct{})
	runner.hook = func(task orchestrator.Task) {
		if task.Step == "implement" {
			close(inImplement)
			<-release
		}
	}

	require.True(t, c.Start(context.Background()))
	<-inImplement
	c.Stop()
	assert.True(t, c.Snapshot().Running, "the running step is not interrupted")
	close(release)
	c.Wait()

	assert.Equal(t, []string{"evaluate", "choose", "implement"}, runner.steps())
	s := c.Snapshot()
	assert.False(t, s.Enabled)
	assert.False(t, s.Running)
	assert.Equal(t, StepSmokeTest, s.Step)
	assert.Equal(t, 1, s.Cycle)
}

func TestBudgetExhaustionStopsLoop(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	runner.states["choose"] = orchestrator.StateBudgetExhausted

	var mu sync.Mutex
	var reports []string
	c := NewController(runner, repo, "ouroboros", WithNotifier(func(s string) {
		mu.Lock()
		reports = append(reports, s)
		mu.Unlock()
	}))

	c.Start(context.Background())
	done := make(chan struct{})
	go func() { c.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop on budget exhaustion")
	}
	assert.False(t, c.Snapshot().Enabled)
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, reports[len(reports)-1], "budget exhausted")
}

func TestStartIsIdempotent(t *testing.T) {
	repo := &fakeRepo{head: "base"}
	runner := newRunner(repo)
	release := make(chan struct{})
	runner.hook = func(orchestrator.Task) { <-release }
	c := NewController(runner, repo, "ouroboros")

	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, c.Start(ctx))
	assert.False(t, c.Start(ctx))
	c.Stop()
	cancel()
	close(release)
	c.Wait()
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"VERDICT: PASS", true},
		{"analysis...\n**VERDICT: PASS**", true},
		{"verdict: pass", true},
		{"VERDICT: FAIL", false},
		{"VERDICT: PASS\nwait, no\nVERDICT: FAIL", false},
		{"I think it passes", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseVerdict(tt.in), "%q", tt.in)
	}
}
