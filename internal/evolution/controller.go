// Package evolution drives the self-improvement cycle: evaluate, choose,
// implement, smoke_test, bible_check, commit. The two gates must pass before
// anything is committed, and only a cycle whose gates passed can be promoted
// to the stable branch.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ouroboros/internal/llm"
	"ouroboros/internal/logging"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/tools"
)

var (
	// ErrGateNotPassed is returned by CanPromote when the working head is not
	// the commit of a cycle whose gates passed.
	ErrGateNotPassed = errors.New("no passed safety gate for the current working head")

	// ErrGateFailed aborts a cycle.
	ErrGateFailed = errors.New("safety gate failed")

	// ErrStepFailed aborts a cycle when a step task did not finish.
	ErrStepFailed = errors.New("evolution step did not complete")

	// ErrStopped is returned when the controller was disabled mid-cycle.
	ErrStopped = errors.New("evolution stopped")
)

// Runner executes a step task to completion, normally through the
// supervisor's worker pool.
type Runner interface {
	RunStep(ctx context.Context, task orchestrator.Task) orchestrator.Outcome
}

// WorkTree is the repository surface the controller needs.
type WorkTree interface {
	HeadSHA(ctx context.Context, branch string) (string, error)
	// Discard drops uncommitted changes and untracked files.
	Discard(ctx context.Context) error
}

// discardTimeout bounds the cleanup of an aborted cycle, which may run after
// the cycle's context was cancelled.
const discardTimeout = 30 * time.Second

// GateRecord is the commit produced by a cycle whose gates both passed.
type GateRecord struct {
	Cycle int
	SHA   string
}

// State is a snapshot of the controller. It lives in memory only.
type State struct {
	Enabled   bool
	Running   bool
	Step      Step
	Cycle     int
	Passed    int
	Failed    int
	LastError string
	Gate      *GateRecord
}

// Controller runs evolution cycles.
type Controller struct {
	runner  Runner
	repo    WorkTree
	lock    tools.Locker
	working string
	chatID  int64
	pause   time.Duration
	notify  func(string)

	mu      sync.Mutex
	state   State
	stopped chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithNotifier receives one-line progress reports.
func WithNotifier(fn func(string)) Option {
	return func(c *Controller) { c.notify = fn }
}

// WithCyclePause waits between cycles.
func WithCyclePause(d time.Duration) Option {
	return func(c *Controller) { c.pause = d }
}

// WithChatID tags step tasks with the chat that reports go to.
func WithChatID(id int64) Option {
	return func(c *Controller) { c.chatID = id }
}

// WithRepoLock holds lock while an aborted cycle's edits are discarded.
func WithRepoLock(lock tools.Locker) Option {
	return func(c *Controller) { c.lock = lock }
}

// NewController creates a controller. working is the branch commits land on.
func NewController(runner Runner, repo WorkTree, working string, opts ...Option) *Controller {
	c := &Controller{runner: runner, repo: repo, working: working, state: State{Cycle: 1}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.Gate != nil {
		g := *s.Gate
		s.Gate = &g
	}
	return s
}

// Start enables evolution and starts the cycle loop if it is not running.
// It reports whether a new loop was started.
func (c *Controller) Start(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Enabled = true
	if c.state.Running {
		select {
		case <-c.stopped:
			c.stopped = make(chan struct{})
		default:
		}
		return false
	}
	c.state.Running = true
	c.stopped = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop(ctx)
	}()
	logging.Evolution("evolution enabled at cycle %d", c.state.Cycle)
	return true
}

// Stop disables evolution. The running step finishes; the loop exits at the
// next step boundary.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Enabled {
		logging.Evolution("evolution stop requested during %s", c.state.Step)
	}
	c.state.Enabled = false
	if c.stopped != nil {
		select {
		case <-c.stopped:
		default:
			close(c.stopped)
		}
	}
}

// Wait blocks until the loop has exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Enabled
}

func (c *Controller) loop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.state.Running = false
		c.mu.Unlock()
		logging.Evolution("evolution loop exited")
	}()

	for c.enabled() && ctx.Err() == nil {
		err := c.RunCycle(ctx)
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			return
		}
		if orchestrator.IsBudgetExhausted(err) {
			c.Stop()
			c.report("Evolution stopped: budget exhausted.")
			return
		}
		if c.pause > 0 {
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			t := time.NewTimer(c.pause)
			select {
			case <-ctx.Done():
			case <-stopped:
			case <-t.C:
			}
			t.Stop()
		}
	}
}

// RunCycle runs the remaining steps of the current cycle. A gate failure or
// an unfinished step aborts the cycle without committing, moves the cycle
// counter on and resets to evaluate. Disabling the controller stops it
// before the next step starts.
func (c *Controller) RunCycle(ctx context.Context) error {
	c.mu.Lock()
	cycle := c.state.Cycle
	step := c.state.Step
	c.mu.Unlock()

	var previous string
	var headBefore string
	for {
		if !c.enabled() {
			return ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if step == StepCommit {
			head, err := c.repo.HeadSHA(ctx, c.working)
			if err != nil {
				return c.abort(ctx, cycle, step, fmt.Errorf("read %s head: %w", c.working, err))
			}
			headBefore = head
		}

		c.mu.Lock()
		c.state.Step = step
		c.mu.Unlock()

		task := orchestrator.NewTask(c.chatID, tools.KindEvolution, stepPayload(step, cycle, previous))
		task.Step = step.String()
		if step == StepImplement || step == StepCommit {
			task.Profile = llm.ProfileCode
		}

		logging.Evolution("cycle %d: running %s (task %s)", cycle, step, task.ID)
		out := c.runner.RunStep(ctx, task)
		logging.Audit(logging.AuditEvent{
			Type:    logging.AuditEvolutionStep,
			TaskID:  task.ID,
			Message: step.String(),
			Fields:  map[string]interface{}{"cycle": cycle, "state": out.State.String()},
		})

		if out.State != orchestrator.StateDone {
			if out.State == orchestrator.StateCancelled {
				c.resetStep()
				c.discard(ctx, cycle, step)
				return fmt.Errorf("%w: %s cancelled", ErrStopped, step)
			}
			err := fmt.Errorf("%w: %s ended %s", ErrStepFailed, step, out.State)
			if out.Err != nil {
				err = fmt.Errorf("%w: %w", err, out.Err)
			}
			return c.abort(ctx, cycle, step, err)
		}

		if step.IsGate() && !ParseVerdict(out.Answer) {
			return c.abort(ctx, cycle, step, fmt.Errorf("%w: %s", ErrGateFailed, step))
		}

		if step == StepCommit {
			return c.completeCycle(ctx, cycle, headBefore)
		}

		previous = out.Answer
		step, _ = step.next()
		c.mu.Lock()
		c.state.Step = step
		c.mu.Unlock()
	}
}

func (c *Controller) completeCycle(ctx context.Context, cycle int, headBefore string) error {
	headAfter, err := c.repo.HeadSHA(ctx, c.working)
	if err != nil {
		return c.abort(ctx, cycle, StepCommit, fmt.Errorf("read %s head: %w", c.working, err))
	}

	c.mu.Lock()
	c.state.Step = StepEvaluate
	c.state.Cycle++
	c.state.Passed++
	c.state.LastError = ""
	committed := headAfter != "" && headAfter != headBefore
	if committed {
		c.state.Gate = &GateRecord{Cycle: cycle, SHA: headAfter}
	}
	c.mu.Unlock()

	if committed {
		logging.Audit(logging.AuditEvent{
			Type:    logging.AuditGatePassed,
			Message: headAfter,
			Fields:  map[string]interface{}{"cycle": cycle},
		})
		c.report(fmt.Sprintf("Evolution cycle %d committed %s (gates passed).", cycle, short(headAfter)))
	} else {
		c.discard(ctx, cycle, StepCommit)
		c.report(fmt.Sprintf("Evolution cycle %d finished without a commit.", cycle))
	}
	logging.Audit(logging.AuditEvent{Type: logging.AuditEvolutionCycle, Message: "passed", Fields: map[string]interface{}{"cycle": cycle}})
	return nil
}

func (c *Controller) abort(ctx context.Context, cycle int, step Step, err error) error {
	c.mu.Lock()
	c.state.Step = StepEvaluate
	c.state.Cycle++
	c.state.Failed++
	c.state.LastError = err.Error()
	c.mu.Unlock()

	logging.EvolutionWarn("cycle %d aborted at %s: %v", cycle, step, err)
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditEvolutionCycle,
		Message: "aborted",
		Fields:  map[string]interface{}{"cycle": cycle, "step": step.String(), "error": err.Error()},
	})
	c.discard(ctx, cycle, step)
	c.report(fmt.Sprintf("Evolution cycle %d aborted at %s: %v", cycle, step, err))
	return err
}

// discard drops the working tree edits of a cycle that ended without a
// commit, so a later cycle's commit cannot pick them up. Cycles that ended
// before implement made no edits and leave the tree alone.
func (c *Controller) discard(ctx context.Context, cycle int, step Step) {
	if step < StepImplement {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	if c.lock != nil {
		if err := c.lock.Lock(ctx); err != nil {
			logging.EvolutionWarn("cycle %d: edits not discarded, repository lock: %v", cycle, err)
			return
		}
		defer c.lock.Unlock()
	}
	if err := c.repo.Discard(ctx); err != nil {
		logging.EvolutionWarn("cycle %d: discard uncommitted edits: %v", cycle, err)
		return
	}
	logging.Evolution("cycle %d: discarded uncommitted edits after %s", cycle, step)
}

func (c *Controller) resetStep() {
	c.mu.Lock()
	c.state.Step = StepEvaluate
	c.mu.Unlock()
}

// CanPromote returns nil only when sha is the commit of a cycle whose
// smoke_test and bible_check both passed.
func (c *Controller) CanPromote(sha string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Gate == nil {
		return ErrGateNotPassed
	}
	if c.state.Gate.SHA != sha {
		return fmt.Errorf("%w: head %s, last gated commit %s (cycle %d)",
			ErrGateNotPassed, short(sha), short(c.state.Gate.SHA), c.state.Gate.Cycle)
	}
	return nil
}

func (c *Controller) report(msg string) {
	if c.notify != nil {
		c.notify(msg)
	}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
