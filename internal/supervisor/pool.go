package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"ouroboros/internal/logging"
	"ouroboros/internal/orchestrator"
)

// =============================================================================
// TASK QUEUE AND WORKER POOL
// =============================================================================
//
// The pool admits tasks into one bounded FIFO queue and runs them on a fixed
// number of workers. Every running task's context derives from the pool's
// current generation; Panic cancels the generation, which unblocks every
// model call and tool execution at once, and closes admission until Resume.

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrQueueFull is returned when the queue cannot take another task.
	ErrQueueFull = errors.New("task queue is full")

	// ErrNotAccepting is returned after panic or during a restart.
	ErrNotAccepting = errors.New("task queue is closed")

	// ErrUnknownTask is returned by Cancel for an id that is neither queued
	// nor running.
	ErrUnknownTask = errors.New("no such task")

	// ErrWorkerCrashed marks an outcome produced by crash containment.
	ErrWorkerCrashed = errors.New("worker crashed")
)

// RunFunc runs one task to a terminal outcome.
type RunFunc func(ctx context.Context, task orchestrator.Task) orchestrator.Outcome

// DoneFunc receives every terminal outcome, including tasks cancelled while
// still queued.
type DoneFunc func(task orchestrator.Task, outcome orchestrator.Outcome, crashed bool)

// PoolConfig configures the pool.
type PoolConfig struct {
	Workers   int // Concurrent tasks (N)
	QueueSize int // Queued tasks beyond the running ones
}

// DefaultPoolConfig returns the defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 5, QueueSize: 64}
}

// job is a task plus its bookkeeping.
type job struct {
	task       orchestrator.Task
	generation int
	state      orchestrator.State
	worker     int
	startedAt  time.Time
	cancelled  bool
	cancel     context.CancelFunc
	done       chan orchestrator.Outcome
}

// TaskView is a read-only view of a queued or running task.
type TaskView struct {
	ID      string
	Kind    string
	Step    string
	State   orchestrator.State
	Worker  int
	Elapsed time.Duration
}

// PoolStats is a snapshot for status reports.
type PoolStats struct {
	Accepting  bool
	Workers    int
	Queued     int
	QueueCap   int
	Running    []TaskView
	Peak       int
	Completed  int64
	Crashed    int64
	Rejected   int64
	Generation int
}

// Pool is the bounded task queue and its workers.
type Pool struct {
	mu sync.Mutex

	config PoolConfig
	run    RunFunc
	onDone DoneFunc

	queue   chan *job
	jobs    map[string]*job
	running int
	peak    int

	accepting  bool
	generation int
	genCtx     context.Context
	genCancel  context.CancelFunc

	started  bool
	stopCh   chan struct{}
	workerWg sync.WaitGroup

	completed int64
	crashed   int64
	rejected  int64
}

// NewPool creates a pool. Zero config values take the defaults.
func NewPool(cfg PoolConfig, run RunFunc, onDone DoneFunc) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	p := &Pool{
		config:    cfg,
		run:       run,
		onDone:    onDone,
		queue:     make(chan *job, cfg.QueueSize),
		jobs:      make(map[string]*job),
		accepting: true,
		stopCh:    make(chan struct{}),
	}
	p.genCtx, p.genCancel = context.WithCancel(context.Background())
	return p
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.config.Workers; i++ {
		p.workerWg.Add(1)
		go p.worker(i + 1)
	}
	logging.Supervisor("Worker pool started: %d workers, queue %d", p.config.Workers, p.config.QueueSize)
}

// Stop cancels everything and waits for the workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.accepting = false
	p.genCancel()
	close(p.stopCh)
	p.mu.Unlock()

	p.workerWg.Wait()
	p.drainQueued("pool stopped")
	logging.Supervisor("Worker pool stopped")
}

// Submit admits a task in FIFO order. It never blocks.
func (p *Pool) Submit(task orchestrator.Task) error {
	_, err := p.submit(task)
	return err
}

func (p *Pool) submit(task orchestrator.Task) (*job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.accepting {
		p.rejected++
		return nil, ErrNotAccepting
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	j := &job{
		task:       task,
		generation: p.generation,
		state:      orchestrator.StateQueued,
		done:       make(chan orchestrator.Outcome, 1),
	}
	select {
	case p.queue <- j:
	default:
		p.rejected++
		return nil, fmt.Errorf("%w (%d queued)", ErrQueueFull, len(p.queue))
	}
	p.jobs[task.ID] = j

	logging.SupervisorDebug("Queued task %s (%s), depth %d", task.ID, task.Kind, len(p.queue))
	logging.Audit(logging.AuditEvent{
		Type:   logging.AuditTaskQueued,
		TaskID: task.ID,
		Fields: map[string]interface{}{"kind": string(task.Kind), "step": task.Step},
	})
	return j, nil
}

// Wait submits task and blocks until it finishes or ctx ends. If ctx ends
// first the task is cancelled and its outcome still awaited.
func (p *Pool) Wait(ctx context.Context, task orchestrator.Task) orchestrator.Outcome {
	j, err := p.submit(task)
	if err != nil {
		return orchestrator.Outcome{TaskID: task.ID, State: orchestrator.StateFailed, Err: err}
	}
	select {
	case out := <-j.done:
		return out
	case <-ctx.Done():
		_ = p.Cancel(task.ID)
		return <-j.done
	}
}

// Cancel cancels one queued or running task.
func (p *Pool) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	j.cancelled = true
	if j.cancel != nil {
		j.cancel()
	}
	logging.Supervisor("Task %s cancelled", id)
	return nil
}

// Panic cancels every running task, drops the queue and closes admission.
// It returns the number of tasks that were running or queued.
func (p *Pool) Panic() int {
	p.mu.Lock()
	n := len(p.jobs)
	p.accepting = false
	p.genCancel()
	p.generation++
	p.genCtx, p.genCancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.drainQueued("panic")
	logging.SupervisorWarn("PANIC: cancelled %d tasks, queue closed", n)
	return n
}

// Resume reopens admission.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepting = true
}

// Close stops admission without cancelling anything.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepting = false
}

// GenerationContext returns the context that panic cancels. Work run
// outside the queue (reviews) derives from it.
func (p *Pool) GenerationContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.genCtx
}

// Drain waits until nothing is queued or running, or ctx ends.
func (p *Pool) Drain(ctx context.Context) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		p.mu.Lock()
		n := len(p.jobs)
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// SetState records a task's orchestrator state for status reports.
func (p *Pool) SetState(taskID string, s orchestrator.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j, ok := p.jobs[taskID]; ok {
		j.state = s
	}
}

// Stats returns a snapshot.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{
		Accepting:  p.accepting,
		Workers:    p.config.Workers,
		Queued:     len(p.queue),
		QueueCap:   p.config.QueueSize,
		Peak:       p.peak,
		Completed:  p.completed,
		Crashed:    p.crashed,
		Rejected:   p.rejected,
		Generation: p.generation,
	}
	now := time.Now()
	for _, j := range p.jobs {
		if j.worker == 0 {
			continue
		}
		st.Running = append(st.Running, TaskView{
			ID:      j.task.ID,
			Kind:    string(j.task.Kind),
			Step:    j.task.Step,
			State:   j.state,
			Worker:  j.worker,
			Elapsed: now.Sub(j.startedAt),
		})
	}
	sort.Slice(st.Running, func(a, b int) bool { return st.Running[a].Worker < st.Running[b].Worker })
	return st
}

// -----------------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------------

func (p *Pool) worker(id int) {
	defer p.workerWg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.queue:
			p.runJob(id, j)
		}
	}
}

func (p *Pool) runJob(worker int, j *job) {
	p.mu.Lock()
	if j.cancelled || j.generation != p.generation {
		p.mu.Unlock()
		p.finish(j, cancelledOutcome(j.task, "cancelled before start"), false)
		return
	}
	ctx, cancel := context.WithCancel(p.genCtx)
	j.cancel = cancel
	j.worker = worker
	j.startedAt = time.Now()
	j.state = orchestrator.StateRunning
	p.running++
	if p.running > p.peak {
		p.peak = p.running
	}
	p.mu.Unlock()

	logging.Supervisor("Worker %d started task %s (%s)", worker, j.task.ID, j.task.Kind)
	logging.Audit(logging.AuditEvent{
		Type:   logging.AuditTaskStarted,
		TaskID: j.task.ID,
		Fields: map[string]interface{}{"worker": worker, "queued_ms": j.startedAt.Sub(j.task.EnqueuedAt).Milliseconds()},
	})

	outcome, crashed := p.contain(ctx, worker, j.task)
	cancel()

	p.mu.Lock()
	p.running--
	p.mu.Unlock()
	p.finish(j, outcome, crashed)
}

// contain runs the task and turns a crash into a Failed outcome so the
// worker slot survives.
func (p *Pool) contain(ctx context.Context, worker int, task orchestrator.Task) (out orchestrator.Outcome, crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.SupervisorError("Worker %d crashed on task %s: %v\n%s", worker, task.ID, r, debug.Stack())
			logging.Audit(logging.AuditEvent{
				Type:    logging.AuditTaskCrashed,
				TaskID:  task.ID,
				Message: fmt.Sprint(r),
				Fields:  map[string]interface{}{"worker": worker},
			})
			out = orchestrator.Outcome{
				TaskID: task.ID,
				State:  orchestrator.StateFailed,
				Err:    fmt.Errorf("%w: %v", ErrWorkerCrashed, r),
			}
			crashed = true
		}
	}()
	return p.run(ctx, task), false
}

func (p *Pool) finish(j *job, outcome orchestrator.Outcome, crashed bool) {
	if outcome.TaskID == "" {
		outcome.TaskID = j.task.ID
	}
	auditType := logging.AuditTaskFinished
	if outcome.State == orchestrator.StateCancelled {
		auditType = logging.AuditTaskCancelled
	}
	logging.Audit(logging.AuditEvent{
		Type:   auditType,
		TaskID: j.task.ID,
		Fields: map[string]interface{}{
			"state":      outcome.State.String(),
			"iterations": outcome.Iterations,
			"cost":       outcome.Cost.String(),
		},
	})

	j.done <- outcome
	if p.onDone != nil {
		p.onDone(j.task, outcome, crashed)
	}

	// Removed last so Drain returns only after the outcome was reported.
	p.mu.Lock()
	delete(p.jobs, j.task.ID)
	p.completed++
	if crashed {
		p.crashed++
	}
	p.mu.Unlock()
}

func (p *Pool) drainQueued(reason string) {
	for {
		select {
		case j := <-p.queue:
			p.finish(j, cancelledOutcome(j.task, reason), false)
		default:
			return
		}
	}
}

func cancelledOutcome(task orchestrator.Task, reason string) orchestrator.Outcome {
	return orchestrator.Outcome{
		TaskID: task.ID,
		State:  orchestrator.StateCancelled,
		Err:    fmt.Errorf("%w: %s", context.Canceled, reason),
	}
}
