package supervisor

import (
	"context"
	"fmt"
	"strings"

	"ouroboros/internal/chat"
	"ouroboros/internal/logging"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/tools"
)

// Privileged commands.
const (
	CmdPanic   = "panic"
	CmdRestart = "restart"
	CmdStatus  = "status"
	CmdReview  = "review"
	CmdEvolve  = "evolve"
)

var commands = map[string]bool{
	CmdPanic:   true,
	CmdRestart: true,
	CmdStatus:  true,
	CmdReview:  true,
	CmdEvolve:  true,
}

// parseCommand recognizes "/name [arg]" for the privileged command set.
// Anything else, including unknown slash words, is an ordinary message.
func parseCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.SplitN(text[1:], " ", 2)
	name := strings.ToLower(fields[0])
	// Telegram appends @botname in groups.
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if !commands[name] {
		return "", "", false
	}
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return name, arg, true
}

func (s *Supervisor) handleCommand(ctx context.Context, msg chat.Message, cmd, arg string, isOwner bool) {
	logging.Supervisor("Command /%s from chat %d", cmd, msg.ChatID)
	if cmd != CmdStatus && !isOwner {
		s.unauthorized(ctx, msg, "/"+cmd, fmt.Sprintf("Only the owner can use /%s.", cmd))
		return
	}

	switch cmd {
	case CmdStatus:
		s.send(ctx, msg.ChatID, s.StatusReport(ctx))
	case CmdPanic:
		s.send(ctx, msg.ChatID, s.Panic())
	case CmdRestart:
		if err := s.startRestart(s.deps.Repo.Branches().Working, "owner requested restart", msg.ChatID); err != nil {
			s.send(ctx, msg.ChatID, "Restart refused: "+err.Error())
		}
	case CmdReview:
		reason := arg
		if reason == "" {
			reason = "owner requested review"
		}
		id, err := s.startReview(msg.ChatID, reason)
		if err != nil {
			s.send(ctx, msg.ChatID, "Review refused: "+err.Error())
			return
		}
		s.send(ctx, msg.ChatID, fmt.Sprintf("Review %s started.", id))
	case CmdEvolve:
		s.send(ctx, msg.ChatID, s.evolve(arg))
	}
}

// Panic cancels every in-flight task and tool execution, stops evolution and
// closes the queue. The process keeps running; /restart reopens the queue.
func (s *Supervisor) Panic() string {
	n := s.pool.Panic()
	s.evo.Stop()
	logging.Audit(logging.AuditEvent{
		Type:   logging.AuditPanic,
		Fields: map[string]interface{}{"cancelled": n},
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PanicTimeout)
	defer cancel()
	if err := s.pool.Drain(ctx); err != nil {
		logging.SupervisorError("Tasks still running %s after panic", s.cfg.PanicTimeout)
		return fmt.Sprintf("PANIC: cancelled %d task(s), some still unwinding. Queue closed; /restart to resume.", n)
	}
	return fmt.Sprintf("PANIC: cancelled %d task(s). Queue closed; /restart to resume.", n)
}

func (s *Supervisor) evolve(arg string) string {
	switch strings.ToLower(arg) {
	case "stop", "off":
		s.evo.Stop()
		return "Evolution will stop at the next step boundary."
	case "", "start", "on":
		if !s.pool.Stats().Accepting {
			return "Queue is closed; /restart first."
		}
		if !s.evo.Start(s.context()) {
			return "Evolution already running."
		}
		snap := s.evo.Snapshot()
		return fmt.Sprintf("Evolution started at cycle %d (%s).", snap.Cycle, snap.Step)
	default:
		return "Usage: /evolve or /evolve stop"
	}
}

// startRestart drains the queue in the background and re-execs from branch.
func (s *Supervisor) startRestart(branch, reason string, chatID int64) error {
	if !s.restarting.CompareAndSwap(false, true) {
		return ErrRestartInProgress
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.restarting.Store(false)
		s.restart(branch, reason, chatID)
	}()
	return nil
}

func (s *Supervisor) restart(branch, reason string, chatID int64) {
	logging.Supervisor("Restart onto %s: %s", branch, reason)
	s.evo.Stop()
	s.pool.Close()

	ctx, cancel := context.WithTimeout(s.context(), s.cfg.DrainTimeout)
	err := s.pool.Drain(ctx)
	cancel()
	if err != nil {
		logging.SupervisorWarn("Drain timed out after %s, cancelling the rest", s.cfg.DrainTimeout)
		s.pool.Panic()
		pctx, pcancel := context.WithTimeout(context.Background(), s.cfg.PanicTimeout)
		_ = s.pool.Drain(pctx)
		pcancel()
	}

	if s.deps.Deployer == nil {
		s.pool.Resume()
		s.send(s.context(), chatID, "Queue drained and resumed; this process cannot re-exec itself.")
		return
	}

	s.persistSpend()
	s.send(s.context(), chatID, fmt.Sprintf("Restarting from %s: %s", branch, reason))
	if err := s.deps.Deployer.Restart(s.context(), branch, reason); err != nil {
		logging.SupervisorError("Restart failed: %v", err)
		s.send(s.context(), chatID, "Restart failed: "+err.Error())
	}
	s.pool.Resume()
}

// fallbackToStable restarts from stable after a fault in the commit or
// deploy path.
func (s *Supervisor) fallbackToStable(reason string) {
	stable := s.deps.Repo.Branches().Stable
	logging.SupervisorError("Deploy-path fault, falling back to %s: %s", stable, reason)
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditRestart,
		Message: "fallback to stable",
		Fields:  map[string]interface{}{"reason": reason},
	})
	if err := s.startRestart(stable, reason, s.Owner()); err != nil {
		logging.SupervisorWarn("Fallback restart not started: %v", err)
	}
}

// startReview runs a review outside the FIFO queue. Panic cancels it.
func (s *Supervisor) startReview(chatID int64, reason string) (string, error) {
	if s.deps.Reviewer == nil {
		return "", ErrReviewUnavailable
	}
	if !s.pool.Stats().Accepting {
		return "", ErrNotAccepting
	}
	task := orchestrator.NewTask(chatID, tools.KindReview, reason)
	ctx := tools.WithTaskInfo(s.pool.GenerationContext(), task.Info())

	s.mu.Lock()
	s.reviews[task.ID] = task.EnqueuedAt
	s.mu.Unlock()

	logging.Audit(logging.AuditEvent{Type: logging.AuditTaskStarted, TaskID: task.ID, Message: "review"})
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.reviews, task.ID)
			s.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				logging.SupervisorError("Review %s crashed: %v", task.ID, r)
				logging.Audit(logging.AuditEvent{Type: logging.AuditTaskCrashed, TaskID: task.ID, Message: fmt.Sprint(r)})
				s.send(s.context(), chatID, fmt.Sprintf("Review %s crashed: %v", task.ID, r))
			}
		}()

		report, err := s.deps.Reviewer.Review(ctx, reason)
		s.persistSpend()
		switch {
		case ctx.Err() != nil:
			s.send(s.context(), chatID, fmt.Sprintf("Review %s cancelled.", task.ID))
		case err != nil:
			s.send(s.context(), chatID, fmt.Sprintf("Review %s failed: %v", task.ID, err))
		default:
			s.send(s.context(), chatID, report)
		}
		logging.Audit(logging.AuditEvent{Type: logging.AuditTaskFinished, TaskID: task.ID, Message: "review"})
	}()
	return task.ID, nil
}
