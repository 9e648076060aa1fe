package supervisor

import (
	"context"
	"fmt"
	"time"

	"ouroboros/internal/logging"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/state"
	"ouroboros/internal/tools"
)

// RequestRestart records what the next boot should run and schedules a
// graceful restart onto working. Evolution tasks must have pushed first.
func (s *Supervisor) RequestRestart(ctx context.Context, info tools.TaskInfo, reason string) (string, error) {
	if info.Kind == tools.KindEvolution && !info.Pushed() {
		return "", ErrRestartBeforePush
	}
	if s.restarting.Load() {
		return "", ErrRestartInProgress
	}
	working := s.deps.Repo.Branches().Working
	sha, err := s.deps.Repo.HeadSHA(ctx, working)
	if err != nil {
		return "", fmt.Errorf("read %s head: %w", working, err)
	}
	if _, err := s.deps.Store.Update(func(st *state.State) {
		st.PendingRestart = &state.PendingRestart{
			ExpectedSHA: sha,
			Branch:      working,
			Reason:      reason,
			RequestedAt: time.Now(),
		}
	}); err != nil {
		return "", err
	}

	chatID := info.ChatID
	if chatID == 0 {
		chatID = s.Owner()
	}
	if err := s.startRestart(working, reason, chatID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Restart onto %s at %s scheduled; it runs once in-flight tasks finish.", working, short(sha)), nil
}

// PromoteToStable moves stable to the working head. It is refused unless
// that head is the commit of a cycle whose smoke_test and bible_check passed.
// The caller holds the repository lock.
func (s *Supervisor) PromoteToStable(ctx context.Context, info tools.TaskInfo, reason string) (string, error) {
	working := s.deps.Repo.Branches().Working
	head, err := s.deps.Repo.HeadSHA(ctx, working)
	if err != nil {
		return "", fmt.Errorf("read %s head: %w", working, err)
	}
	if err := s.evo.CanPromote(head); err != nil {
		logging.SupervisorWarn("Promotion of %s denied: %v", short(head), err)
		logging.Audit(logging.AuditEvent{
			Type:    logging.AuditPromotionDenied,
			TaskID:  info.TaskID,
			Message: err.Error(),
			Fields:  map[string]interface{}{"sha": head},
		})
		return "", err
	}

	sha, err := s.deps.Repo.Promote(ctx)
	if err != nil {
		return "", fmt.Errorf("promote: %w", err)
	}
	if _, err := s.deps.Store.Update(func(st *state.State) { st.StableSHA = sha }); err != nil {
		logging.SupervisorWarn("Persist stable sha: %v", err)
	}
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditPromotion,
		TaskID:  info.TaskID,
		Message: reason,
		Fields:  map[string]interface{}{"sha": sha},
	})
	s.notifyOwner(fmt.Sprintf("Promoted %s to %s: %s", short(sha), s.deps.Repo.Branches().Stable, reason))
	return fmt.Sprintf("Promoted %s to %s.", short(sha), s.deps.Repo.Branches().Stable), nil
}

// ScheduleTask queues a background task on behalf of a running task.
func (s *Supervisor) ScheduleTask(ctx context.Context, info tools.TaskInfo, description, profile string) (string, error) {
	chatID := info.ChatID
	if chatID == 0 {
		chatID = s.Owner()
	}
	task := orchestrator.NewTask(chatID, tools.KindScheduled, description)
	task.Profile = profile
	if err := s.pool.Submit(task); err != nil {
		return "", err
	}
	logging.Supervisor("Task %s scheduled by %s", task.ID, info.TaskID)
	return task.ID, nil
}

// CancelTask cancels a queued or running task by id.
func (s *Supervisor) CancelTask(ctx context.Context, info tools.TaskInfo, id string) error {
	if id == info.TaskID {
		return fmt.Errorf("task %s cannot cancel itself", id)
	}
	return s.pool.Cancel(id)
}

// RequestReview starts a review outside the queue.
func (s *Supervisor) RequestReview(ctx context.Context, info tools.TaskInfo, reason string) (string, error) {
	chatID := info.ChatID
	if chatID == 0 {
		chatID = s.Owner()
	}
	id, err := s.startReview(chatID, reason)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Review %s started; the report goes to the chat.", id), nil
}

// EvolutionStatus describes the evolution controller.
func (s *Supervisor) EvolutionStatus() string {
	return formatEvolution(s.evo.Snapshot())
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
