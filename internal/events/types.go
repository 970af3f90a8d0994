package events

import "time"

// Event type constants for the orchestrator's event streams.
const (
	TypeStateChange       = "state_change"
	TypeWorkflowReset     = "workflow_reset"
	TypeAgentHealth       = "agent_health"
	TypeHealthCheck       = "health_check_completed"
	TypeAgentRestart      = "agent_restart"
	TypeRecoveryOutcome   = "recovery_outcome"
	TypeUserNotification  = "user_notification"
	TypeContextPressure   = "context_pressure"
	TypeContextMaintained = "context_maintained"
	TypeCheckpointCreated = "checkpoint_created"
	TypeRollback          = "rollback"
)

// StateChangeEvent is emitted on every committed workflow transition.
type StateChangeEvent struct {
	BaseEvent
	PreviousState string         `json:"previous_state"`
	NewState      string         `json:"new_state"`
	Trigger       string         `json:"trigger,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// NewStateChangeEvent creates a state change event.
func NewStateChangeEvent(sessionID, previous, next, trigger string, ctx map[string]any) StateChangeEvent {
	return StateChangeEvent{
		BaseEvent:     NewBaseEvent(TypeStateChange, sessionID),
		PreviousState: previous,
		NewState:      next,
		Trigger:       trigger,
		Context:       ctx,
	}
}

// WorkflowResetEvent is emitted when the state machine is reset.
type WorkflowResetEvent struct {
	BaseEvent
	Reason string `json:"reason,omitempty"`
}

// NewWorkflowResetEvent creates a workflow reset event.
func NewWorkflowResetEvent(sessionID, reason string) WorkflowResetEvent {
	return WorkflowResetEvent{
		BaseEvent: NewBaseEvent(TypeWorkflowReset, sessionID),
		Reason:    reason,
	}
}

// HealthEventKind enumerates agent health transitions.
type HealthEventKind string

const (
	HealthKindHealthy           HealthEventKind = "agent_healthy"
	HealthKindUnhealthy         HealthEventKind = "agent_unhealthy"
	HealthKindRecovering        HealthEventKind = "agent_recovering"
	HealthKindRestartAttempt    HealthEventKind = "agent_restart_attempt"
	HealthKindRestartSuccess    HealthEventKind = "agent_restart_success"
	HealthKindRestartFailed     HealthEventKind = "agent_restart_failed"
	HealthKindMaxRestartsReached HealthEventKind = "agent_max_restarts_reached"
)

// AgentHealthEvent reports a health transition for one agent.
type AgentHealthEvent struct {
	BaseEvent
	Kind    HealthEventKind `json:"kind"`
	AgentID string          `json:"agent_id"`
	Detail  string          `json:"detail,omitempty"`
}

// NewAgentHealthEvent creates an agent health event.
func NewAgentHealthEvent(sessionID string, kind HealthEventKind, agentID, detail string) AgentHealthEvent {
	return AgentHealthEvent{
		BaseEvent: NewBaseEvent(TypeAgentHealth, sessionID),
		Kind:      kind,
		AgentID:   agentID,
		Detail:    detail,
	}
}

// HealthCheckEvent summarizes one completed monitor sweep.
type HealthCheckEvent struct {
	BaseEvent
	Checked   int `json:"checked"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// NewHealthCheckEvent creates a health check completion event.
func NewHealthCheckEvent(sessionID string, checked, healthy, unhealthy int) HealthCheckEvent {
	return HealthCheckEvent{
		BaseEvent: NewBaseEvent(TypeHealthCheck, sessionID),
		Checked:   checked,
		Healthy:   healthy,
		Unhealthy: unhealthy,
	}
}

// RecoveryOutcomeEvent reports the result of one ERM recovery run.
type RecoveryOutcomeEvent struct {
	BaseEvent
	ErrorID   string `json:"error_id"`
	ErrorType string `json:"error_type"`
	Strategy  string `json:"strategy"`
	Success   bool   `json:"success"`
	Attempts  int    `json:"attempts"`
	Detail    string `json:"detail,omitempty"`
}

// NewRecoveryOutcomeEvent creates a recovery outcome event.
func NewRecoveryOutcomeEvent(sessionID, errorID, errorType, strategy string, success bool, attempts int, detail string) RecoveryOutcomeEvent {
	return RecoveryOutcomeEvent{
		BaseEvent: NewBaseEvent(TypeRecoveryOutcome, sessionID),
		ErrorID:   errorID,
		ErrorType: errorType,
		Strategy:  strategy,
		Success:   success,
		Attempts:  attempts,
		Detail:    detail,
	}
}

// NotificationAction is an action offered to the user with a notification.
type NotificationAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// UserNotificationEvent surfaces a user-visible failure or decision point.
type UserNotificationEvent struct {
	BaseEvent
	Severity      string               `json:"severity"`
	Title         string               `json:"title"`
	Message       string               `json:"message"`
	RequireAction bool                 `json:"require_action"`
	Actions       []NotificationAction `json:"actions,omitempty"`
	Timeout       time.Duration        `json:"timeout,omitempty"`
}

// NewUserNotificationEvent creates a user notification event.
func NewUserNotificationEvent(sessionID, severity, title, message string, requireAction bool) UserNotificationEvent {
	return UserNotificationEvent{
		BaseEvent:     NewBaseEvent(TypeUserNotification, sessionID),
		Severity:      severity,
		Title:         title,
		Message:       message,
		RequireAction: requireAction,
	}
}

// ContextPressureEvent reports context window usage crossing a threshold.
type ContextPressureEvent struct {
	BaseEvent
	Level       string  `json:"level"` // warning, critical, limit_exceeded
	TotalTokens int     `json:"total_tokens"`
	MaxTokens   int     `json:"max_tokens"`
	Usage       float64 `json:"usage"`
}

// NewContextPressureEvent creates a context pressure event.
func NewContextPressureEvent(sessionID, level string, total, max int) ContextPressureEvent {
	usage := 0.0
	if max > 0 {
		usage = float64(total) / float64(max)
	}
	return ContextPressureEvent{
		BaseEvent:   NewBaseEvent(TypeContextPressure, sessionID),
		Level:       level,
		TotalTokens: total,
		MaxTokens:   max,
		Usage:       usage,
	}
}

// ContextMaintainedEvent reports a completed compression or archival pass.
type ContextMaintainedEvent struct {
	BaseEvent
	Operation   string `json:"operation"` // compression_performed, archival_performed
	ItemsTouched int   `json:"items_touched"`
	TokensSaved  int   `json:"tokens_saved"`
}

// NewContextMaintainedEvent creates a context maintenance event.
func NewContextMaintainedEvent(sessionID, operation string, items, tokensSaved int) ContextMaintainedEvent {
	return ContextMaintainedEvent{
		BaseEvent:    NewBaseEvent(TypeContextMaintained, sessionID),
		Operation:    operation,
		ItemsTouched: items,
		TokensSaved:  tokensSaved,
	}
}

// CheckpointCreatedEvent reports a new checkpoint.
type CheckpointCreatedEvent struct {
	BaseEvent
	CheckpointID string `json:"checkpoint_id"`
	State        string `json:"state"`
	Name         string `json:"name,omitempty"`
}

// NewCheckpointCreatedEvent creates a checkpoint creation event.
func NewCheckpointCreatedEvent(sessionID, checkpointID, state, name string) CheckpointCreatedEvent {
	return CheckpointCreatedEvent{
		BaseEvent:    NewBaseEvent(TypeCheckpointCreated, sessionID),
		CheckpointID: checkpointID,
		State:        state,
		Name:         name,
	}
}

// RollbackEvent carries everything consumers need to re-apply a restored
// checkpoint to the state machine. The bridge never reaches into the
// machine's internals.
type RollbackEvent struct {
	BaseEvent
	CheckpointID  string         `json:"checkpoint_id"`
	RestoredState string         `json:"restored_state"`
	Context       map[string]any `json:"context,omitempty"`
	ArtifactRefs  []string       `json:"artifact_refs,omitempty"`
	AgentRefs     []string       `json:"agent_refs,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}

// NewRollbackEvent creates a rollback event.
func NewRollbackEvent(sessionID, checkpointID, restoredState string) RollbackEvent {
	return RollbackEvent{
		BaseEvent:     NewBaseEvent(TypeRollback, sessionID),
		CheckpointID:  checkpointID,
		RestoredState: restoredState,
	}
}
