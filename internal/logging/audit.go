package logging

import (
	"time"

	"go.uber.org/zap"
)

// AuditEventType names a control-plane event written to events.jsonl.
type AuditEventType string

const (
	// Task lifecycle
	AuditTaskQueued    AuditEventType = "task_queued"
	AuditTaskStarted   AuditEventType = "task_started"
	AuditTaskFinished  AuditEventType = "task_finished"
	AuditTaskRejected  AuditEventType = "task_rejected"
	AuditTaskCrashed   AuditEventType = "task_crashed"
	AuditTaskCancelled AuditEventType = "task_cancelled"

	// Budget
	AuditBudgetExhausted AuditEventType = "budget_exhausted"
	AuditBudgetOverrun   AuditEventType = "budget_overrun"

	// Tools
	AuditToolError AuditEventType = "tool_error"
	AuditToolPanic AuditEventType = "tool_panic"

	// Evolution and branch protocol
	AuditEvolutionStep   AuditEventType = "evolution_step"
	AuditEvolutionCycle  AuditEventType = "evolution_cycle"
	AuditGatePassed      AuditEventType = "gate_passed"
	AuditPromotion       AuditEventType = "promotion"
	AuditPromotionDenied AuditEventType = "promotion_denied"

	// Process control
	AuditOwnerRegistered AuditEventType = "owner_registered"
	AuditUnauthorized    AuditEventType = "unauthorized_command"
	AuditPanic           AuditEventType = "panic"
	AuditRestart         AuditEventType = "restart"
	AuditBoot            AuditEventType = "boot"
)

// AuditEvent is one structured control-plane event.
type AuditEvent struct {
	Type    AuditEventType
	TaskID  string
	Message string
	Fields  map[string]interface{}
}

// Audit writes an event to the audit sink. Without a log dir it is a no-op.
func Audit(ev AuditEvent) {
	mu.RLock()
	a := audit
	mu.RUnlock()

	fields := make([]zap.Field, 0, len(ev.Fields)+3)
	fields = append(fields, zap.Int64("ts_ms", time.Now().UnixMilli()))
	if ev.TaskID != "" {
		fields = append(fields, zap.String("task_id", ev.TaskID))
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("msg", ev.Message))
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	a.Info(string(ev.Type), fields...)
}
