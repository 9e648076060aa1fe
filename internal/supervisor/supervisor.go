// Package supervisor is the process-wide control plane: the chat ingress
// loop, the worker pool, privileged commands, owner identity, crash
// containment and the restart and promotion paths.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ouroboros/internal/budget"
	"ouroboros/internal/chat"
	"ouroboros/internal/evolution"
	"ouroboros/internal/logging"
	"ouroboros/internal/memory"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/repo"
	"ouroboros/internal/state"
	"ouroboros/internal/tools"
)

var (
	// ErrRestartBeforePush rejects a restart requested by an evolution task
	// that has not pushed its commit.
	ErrRestartBeforePush = errors.New("evolution tasks must push before requesting a restart")

	// ErrRestartInProgress is returned while a restart is draining.
	ErrRestartInProgress = errors.New("a restart is already in progress")

	// ErrReviewUnavailable is returned when no review engine is wired.
	ErrReviewUnavailable = errors.New("review is not available")

	// ErrNoExecutor is returned when a task runs before SetExecutor.
	ErrNoExecutor = errors.New("no task executor configured")
)

// Repo is the repository surface the supervisor needs.
type Repo interface {
	HeadSHA(ctx context.Context, branch string) (string, error)
	Promote(ctx context.Context) (string, error)
	Discard(ctx context.Context) error
	Branches() repo.Branches
}

// Deployer re-execs the process from a branch. Restart returns only on
// failure when it really re-execs.
type Deployer interface {
	Restart(ctx context.Context, branch, reason string) error
}

// Reviewer produces a review report for a reason string.
type Reviewer interface {
	Review(ctx context.Context, reason string) (string, error)
}

// History records chat turns.
type History interface {
	AppendMessage(ctx context.Context, m memory.ChatMessage) error
}

// Config configures the supervisor.
type Config struct {
	Pool           PoolConfig
	PanicTimeout   time.Duration // Bound on waiting for cancelled tasks after panic
	DrainTimeout   time.Duration // Graceful restart drain before cancelling
	AllowStrangers bool          // Route non-owner plain messages as tasks
	BootBranch     string        // Reported in status
	EvolutionPause time.Duration // Pause between evolution cycles
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Pool:           DefaultPoolConfig(),
		PanicTimeout:   5 * time.Second,
		DrainTimeout:   60 * time.Second,
		AllowStrangers: true,
	}
}

// Deps are the collaborators. Channel, Store, Ledger and Repo are required.
type Deps struct {
	Channel  chat.Channel
	Store    *state.Store
	Ledger   *budget.Ledger
	Repo     Repo
	// RepoLock is the repository writer lock shared with the Tool Registry.
	RepoLock tools.Locker
	Deployer Deployer
	Reviewer Reviewer
	History  History
}

// Supervisor owns control authority over the running agent.
type Supervisor struct {
	cfg  Config
	deps Deps

	pool *Pool
	evo  *evolution.Controller
	exec atomic.Pointer[RunFunc]

	mu        sync.Mutex
	owner     int64
	committed map[string]bool
	reviews   map[string]time.Time
	runCtx    context.Context

	restarting atomic.Bool
	bg         sync.WaitGroup
}

// New creates a supervisor. The owner is read from the state store.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Channel == nil || deps.Store == nil || deps.Ledger == nil || deps.Repo == nil {
		return nil, errors.New("supervisor: channel, store, ledger and repo are required")
	}
	def := DefaultConfig()
	if cfg.PanicTimeout <= 0 {
		cfg.PanicTimeout = def.PanicTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	st, err := deps.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("supervisor: load state: %w", err)
	}

	s := &Supervisor{
		cfg:       cfg,
		deps:      deps,
		owner:     st.OwnerChatID,
		committed: make(map[string]bool),
		reviews:   make(map[string]time.Time),
		runCtx:    context.Background(),
	}
	s.pool = NewPool(cfg.Pool, s.runTask, s.onDone)
	evoOpts := []evolution.Option{
		evolution.WithNotifier(s.notifyOwner),
		evolution.WithCyclePause(cfg.EvolutionPause),
		evolution.WithChatID(st.OwnerChatID),
	}
	if deps.RepoLock != nil {
		evoOpts = append(evoOpts, evolution.WithRepoLock(deps.RepoLock))
	}
	s.evo = evolution.NewController(s, deps.Repo, deps.Repo.Branches().Working, evoOpts...)
	return s, nil
}

// SetExecutor sets the function that runs tasks, normally
// orchestrator.Run. It must be called before Run.
func (s *Supervisor) SetExecutor(run RunFunc) {
	s.exec.Store(&run)
}

// TaskState records orchestrator state changes; pass it to
// orchestrator.WithStateFunc.
func (s *Supervisor) TaskState(taskID string, st orchestrator.State) {
	s.pool.SetState(taskID, st)
}

// Evolution returns the evolution controller.
func (s *Supervisor) Evolution() *evolution.Controller { return s.evo }

// Pool returns the worker pool.
func (s *Supervisor) Pool() *Pool { return s.pool }

// Owner returns the registered owner chat, or 0.
func (s *Supervisor) Owner() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Run starts the workers and the ingress loop. It returns when ctx ends,
// after cancelling in-flight work.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.pool.Start()
	defer s.shutdown()

	logging.Supervisor("Ingress loop started")
	backoff := time.Second
	for {
		msgs, err := s.deps.Channel.Receive(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logging.SupervisorWarn("Receive failed: %v (retrying in %s)", err, backoff)
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, m := range msgs {
			s.HandleMessage(ctx, m)
		}
	}
}

func (s *Supervisor) shutdown() {
	logging.Supervisor("Shutting down")
	s.evo.Stop()
	s.pool.Stop()
	s.evo.Wait()
	s.bg.Wait()
	s.persistSpend()
}

// =============================================================================
// INGRESS
// =============================================================================

// HandleMessage routes one inbound message: privileged commands are handled
// here, everything else becomes a task.
func (s *Supervisor) HandleMessage(ctx context.Context, msg chat.Message) {
	s.remember(ctx, msg.ChatID, memory.DirectionIn, msg.Username, msg.Text, "")
	isOwner := s.ensureOwner(msg)

	if cmd, arg, ok := parseCommand(msg.Text); ok {
		s.handleCommand(ctx, msg, cmd, arg, isOwner)
		return
	}

	if !isOwner && !s.cfg.AllowStrangers {
		s.unauthorized(ctx, msg, "task", "This agent only takes tasks from its owner.")
		return
	}

	task := orchestrator.NewTask(msg.ChatID, tools.KindUser, msg.Text)
	if err := s.pool.Submit(task); err != nil {
		logging.SupervisorWarn("Rejected message from %d: %v", msg.ChatID, err)
		logging.Audit(logging.AuditEvent{Type: logging.AuditTaskRejected, TaskID: task.ID, Message: err.Error()})
		s.send(ctx, msg.ChatID, "Task rejected: "+err.Error())
	}
}

// ensureOwner registers the first sender ever as owner and reports whether
// msg comes from the owner.
func (s *Supervisor) ensureOwner(msg chat.Message) bool {
	s.mu.Lock()
	if s.owner != 0 {
		isOwner := s.owner == msg.ChatID
		s.mu.Unlock()
		return isOwner
	}
	s.owner = msg.ChatID
	s.mu.Unlock()

	if _, err := s.deps.Store.Update(func(st *state.State) { st.OwnerChatID = msg.ChatID }); err != nil {
		logging.SupervisorError("Persist owner: %v", err)
	}
	logging.Supervisor("Owner registered: chat %d (%s)", msg.ChatID, msg.Username)
	logging.Audit(logging.AuditEvent{
		Type:   logging.AuditOwnerRegistered,
		Fields: map[string]interface{}{"chat_id": msg.ChatID, "username": msg.Username},
	})
	return true
}

func (s *Supervisor) unauthorized(ctx context.Context, msg chat.Message, what, reply string) {
	logging.SupervisorWarn("Unauthorized %s from chat %d (%s)", what, msg.ChatID, msg.Username)
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditUnauthorized,
		Message: what,
		Fields:  map[string]interface{}{"chat_id": msg.ChatID, "username": msg.Username},
	})
	s.send(ctx, msg.ChatID, reply)
}

// =============================================================================
// TASK EXECUTION AND OUTCOMES
// =============================================================================

func (s *Supervisor) runTask(ctx context.Context, task orchestrator.Task) orchestrator.Outcome {
	run := s.exec.Load()
	if run == nil {
		return orchestrator.Outcome{TaskID: task.ID, State: orchestrator.StateFailed, Err: ErrNoExecutor}
	}
	return (*run)(ctx, task)
}

// RunStep runs an evolution step through the queue and waits for it.
func (s *Supervisor) RunStep(ctx context.Context, task orchestrator.Task) orchestrator.Outcome {
	return s.pool.Wait(ctx, task)
}

func (s *Supervisor) onDone(task orchestrator.Task, out orchestrator.Outcome, crashed bool) {
	s.persistSpend()

	s.mu.Lock()
	committed := s.committed[task.ID]
	delete(s.committed, task.ID)
	owner := s.owner
	s.mu.Unlock()

	ctx := s.context()
	chatID := task.ChatID
	if chatID == 0 {
		chatID = owner
	}

	if task.Kind != tools.KindEvolution || crashed {
		s.send(ctx, chatID, formatOutcome(task, out))
	}
	if out.State == orchestrator.StateBudgetExhausted {
		logging.Audit(logging.AuditEvent{Type: logging.AuditBudgetExhausted, TaskID: task.ID})
		if owner != 0 && owner != chatID {
			s.send(ctx, owner, fmt.Sprintf("Budget exhausted while running task %s.", task.ID))
		}
	}

	if out.DeployFault || (crashed && committed) {
		reason := fmt.Sprintf("task %s failed in the self-modification path: %v", task.ID, out.Err)
		s.fallbackToStable(reason)
	}
}

func formatOutcome(task orchestrator.Task, out orchestrator.Outcome) string {
	switch out.State {
	case orchestrator.StateDone:
		if strings.TrimSpace(out.Answer) == "" {
			return fmt.Sprintf("Task %s done (%s).", task.ID, out.Cost)
		}
		return out.Answer
	case orchestrator.StateBudgetExhausted:
		return fmt.Sprintf("Task %s stopped: budget exhausted.", task.ID)
	case orchestrator.StateCancelled:
		return fmt.Sprintf("Task %s cancelled.", task.ID)
	default:
		return fmt.Sprintf("Task %s failed: %v", task.ID, out.Err)
	}
}

func (s *Supervisor) persistSpend() {
	spent := int64(s.deps.Ledger.Snapshot().Spent)
	if _, err := s.deps.Store.Update(func(st *state.State) { st.SpentMicros = spent }); err != nil {
		logging.SupervisorWarn("Persist spend: %v", err)
	}
}

// OnCommit records commits made by tasks; a later crash of the same task is
// treated as a fault in the self-modification path.
func (s *Supervisor) OnCommit(ctx context.Context, sha string, info tools.TaskInfo) {
	s.mu.Lock()
	s.committed[info.TaskID] = true
	s.mu.Unlock()
	if _, err := s.deps.Store.Update(func(st *state.State) { st.LastCommitSHA = sha }); err != nil {
		logging.SupervisorWarn("Persist commit: %v", err)
	}
}

// =============================================================================
// CHAT OUTPUT
// =============================================================================

func (s *Supervisor) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

func (s *Supervisor) send(ctx context.Context, chatID int64, text string) {
	if chatID == 0 || strings.TrimSpace(text) == "" {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.deps.Channel.Send(sctx, chatID, text); err != nil {
		logging.SupervisorWarn("Send to %d failed: %v", chatID, err)
		return
	}
	s.remember(sctx, chatID, memory.DirectionOut, "agent", text, "")
}

func (s *Supervisor) notifyOwner(text string) {
	s.send(s.context(), s.Owner(), text)
}

func (s *Supervisor) remember(ctx context.Context, chatID int64, dir, author, text, taskID string) {
	if s.deps.History == nil {
		return
	}
	err := s.deps.History.AppendMessage(ctx, memory.ChatMessage{
		ChatID:    chatID,
		Direction: dir,
		Author:    author,
		Text:      text,
		TaskID:    taskID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		logging.MemoryWarn("append chat message: %v", err)
	}
}
