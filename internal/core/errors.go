package core

import (
	"fmt"
)

// ErrorCategory classifies orchestrator errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input or message shape
	ErrCatTransition ErrorCategory = "transition" // Illegal workflow transition
	ErrCatLifecycle  ErrorCategory = "lifecycle"  // Pause/resume/retry from wrong state
	ErrCatAdmission  ErrorCategory = "admission"  // Agent pool capacity exceeded
	ErrCatRouting    ErrorCategory = "routing"    // Unknown target, delivery failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatState      ErrorCategory = "state"      // State corruption or conflict
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatDisposed   ErrorCategory = "disposed"   // Component already disposed
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError is the structured error type used across the orchestrator.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]any
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches on category and code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && (t.Code == "" || e.Code == t.Code)
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ErrInvalidTransition reports an illegal workflow state transition.
func ErrInvalidTransition(from, to string, valid []string) *DomainError {
	return &DomainError{
		Category: ErrCatTransition,
		Code:     "invalid_transition",
		Message:  fmt.Sprintf("cannot transition from %s to %s (valid targets: %v)", from, to, valid),
	}
}

// ErrInvalidLifecycleOp reports a pause/resume/retry called from the wrong state.
func ErrInvalidLifecycleOp(op, state string) *DomainError {
	return &DomainError{
		Category: ErrCatLifecycle,
		Code:     "invalid_lifecycle_op",
		Message:  fmt.Sprintf("cannot %s while in %s", op, state),
	}
}

// ErrInvalidMessage reports a message failing field validation.
func ErrInvalidMessage(field, reason string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     "invalid_message",
		Message:  fmt.Sprintf("invalid message: field %q %s", field, reason),
	}
}

// ErrUnknownTarget reports routing to an agent the pool does not know.
func ErrUnknownTarget(agentID string) *DomainError {
	return &DomainError{
		Category: ErrCatRouting,
		Code:     "unknown_target",
		Message:  fmt.Sprintf("unknown message target %q", agentID),
	}
}

// ErrMaxAgents reports agent pool admission refusal.
func ErrMaxAgents(limit int) *DomainError {
	return &DomainError{
		Category: ErrCatAdmission,
		Code:     "max_agents",
		Message:  fmt.Sprintf("maximum concurrent agents reached (%d)", limit),
	}
}

// ErrDuplicateAgent reports a spawn with an already-registered agent id.
func ErrDuplicateAgent(agentID string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     "duplicate_agent",
		Message:  fmt.Sprintf("agent %q already exists", agentID),
	}
}

// ErrDisposed reports an operation on a disposed component.
func ErrDisposed(component string) *DomainError {
	return &DomainError{
		Category: ErrCatDisposed,
		Code:     "disposed",
		Message:  fmt.Sprintf("%s has been disposed", component),
	}
}

// ErrTimeout reports an operation that ran out of time.
func ErrTimeout(op string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      "timeout",
		Message:   fmt.Sprintf("%s timed out", op),
		Retryable: true,
	}
}

// ErrNotFound reports a missing resource.
func ErrNotFound(kind, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     "not_found",
		Message:  fmt.Sprintf("%s %q not found", kind, id),
	}
}

// ErrInternal reports an unexpected internal failure.
func ErrInternal(message string) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     "internal",
		Message:  message,
	}
}
