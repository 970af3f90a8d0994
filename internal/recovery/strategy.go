package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
)

// ErrorType is the closed set of failure classes the recovery manager
// understands.
type ErrorType string

const (
	ErrTypeAgentFailure       ErrorType = "agent_failure"
	ErrTypeAgentTimeout       ErrorType = "agent_timeout"
	ErrTypeAgentUnhealthy     ErrorType = "agent_unhealthy"
	ErrTypeTaskExecution      ErrorType = "task_execution_error"
	ErrTypeMessageDelivery    ErrorType = "message_delivery_error"
	ErrTypeCheckpoint         ErrorType = "checkpoint_error"
	ErrTypeResourceExhausted  ErrorType = "resource_exhausted"
	ErrTypeRateLimitExceeded  ErrorType = "rate_limit_exceeded"
	ErrTypeProvider           ErrorType = "provider_error"
	ErrTypeValidation         ErrorType = "validation_error"
	ErrTypeUnknown            ErrorType = "unknown_error"
)

// Severity classifies the impact of a failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityFor is the fixed fallback map applied when a caller does not
// supply a severity.
func severityFor(t ErrorType) Severity {
	switch t {
	case ErrTypeAgentFailure, ErrTypeAgentUnhealthy, ErrTypeProvider, ErrTypeCheckpoint:
		return SeverityHigh
	case ErrTypeResourceExhausted:
		return SeverityCritical
	case ErrTypeRateLimitExceeded, ErrTypeValidation:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// ErrorContext is the immutable input to HandleError.
type ErrorContext struct {
	ErrorID        string             `json:"error_id"`
	Type           ErrorType          `json:"error_type"`
	Severity       Severity           `json:"severity,omitempty"`
	Message        string             `json:"message,omitempty"`
	AgentID        string             `json:"agent_id,omitempty"`
	SessionID      string             `json:"session_id,omitempty"`
	WorkflowState  string             `json:"workflow_state,omitempty"`
	MessageContext *core.AgentMessage `json:"message_context,omitempty"`
	RetryCount     int                `json:"retry_count"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// StrategyType names the recovery actions.
type StrategyType string

const (
	StrategyRetry               StrategyType = "retry"
	StrategyReassign            StrategyType = "reassign"
	StrategyRollback            StrategyType = "rollback"
	StrategyRestartAgent        StrategyType = "restart_agent"
	StrategyGracefulDegradation StrategyType = "graceful_degradation"
	StrategyAbort               StrategyType = "abort"
	StrategyNotifyUser          StrategyType = "notify_user"
)

// ConditionOp is a comparison operator in a strategy condition.
type ConditionOp string

const (
	OpEquals      ConditionOp = "equals"
	OpNotEquals   ConditionOp = "not_equals"
	OpGreaterThan ConditionOp = "greater_than"
	OpLessThan    ConditionOp = "less_than"
	OpIn          ConditionOp = "in"
	OpNotIn       ConditionOp = "not_in"
)

// Condition gates a strategy on a field of the error context. Field is one
// of error_type, severity, retry_count, agent_status, or a metadata key.
type Condition struct {
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
	Value any         `json:"value"`
}

// Hook runs before or after a strategy attempt.
type Hook func(ctx context.Context, ec *ErrorContext) error

// Strategy is one declarative recovery step.
type Strategy struct {
	Type               StrategyType
	MaxAttempts        int
	Delay              time.Duration
	ExponentialBackoff bool
	MaxDelay           time.Duration
	Multiplier         float64
	Conditions         []Condition
	PreferredRole      string
	CustomBehavior     string
	PreAction          Hook
	PostAction         func(ctx context.Context, ec *ErrorContext, success bool)
}

// defaultStrategy is used when an error type has no configured list.
func defaultStrategy() Strategy {
	return Strategy{
		Type:               StrategyRetry,
		MaxAttempts:        3,
		Delay:              time.Second,
		ExponentialBackoff: true,
		MaxDelay:           30 * time.Second,
	}
}

// defaultStrategies is the built-in per-type strategy table.
func defaultStrategies() map[ErrorType][]Strategy {
	return map[ErrorType][]Strategy{
		ErrTypeAgentFailure: {
			{Type: StrategyRestartAgent, MaxAttempts: 2, Delay: time.Second},
			{Type: StrategyReassign, MaxAttempts: 1},
		},
		ErrTypeAgentTimeout: {
			{Type: StrategyRetry, MaxAttempts: 3, Delay: time.Second, ExponentialBackoff: true, MaxDelay: 30 * time.Second},
		},
		ErrTypeAgentUnhealthy: {
			{Type: StrategyRestartAgent, MaxAttempts: 3, Delay: 5 * time.Second, ExponentialBackoff: true, MaxDelay: 30 * time.Second},
		},
		ErrTypeTaskExecution: {
			{Type: StrategyRetry, MaxAttempts: 3, Delay: time.Second, ExponentialBackoff: true, MaxDelay: 30 * time.Second},
			{Type: StrategyRollback, MaxAttempts: 1},
		},
		ErrTypeMessageDelivery: {
			{Type: StrategyRetry, MaxAttempts: 3, Delay: 500 * time.Millisecond, ExponentialBackoff: true, MaxDelay: 30 * time.Second},
		},
		ErrTypeCheckpoint: {
			{Type: StrategyNotifyUser, MaxAttempts: 1},
		},
		ErrTypeResourceExhausted: {
			{Type: StrategyGracefulDegradation, MaxAttempts: 1},
		},
		ErrTypeRateLimitExceeded: {
			{Type: StrategyRetry, MaxAttempts: 5, Delay: time.Second, ExponentialBackoff: true, MaxDelay: time.Minute},
		},
		ErrTypeProvider: {
			{Type: StrategyRetry, MaxAttempts: 3, Delay: 2 * time.Second, ExponentialBackoff: true, MaxDelay: 30 * time.Second},
		},
		ErrTypeValidation: {
			{Type: StrategyNotifyUser, MaxAttempts: 1},
		},
		ErrTypeUnknown: {
			{Type: StrategyRollback, MaxAttempts: 1},
			{Type: StrategyNotifyUser, MaxAttempts: 1},
		},
	}
}

// fallbackChain maps an exhausted strategy to the ordered alternatives
// tried when fallbacks are enabled.
func fallbackChain(t StrategyType) []StrategyType {
	switch t {
	case StrategyRetry:
		return []StrategyType{StrategyReassign, StrategyRollback, StrategyNotifyUser}
	case StrategyReassign:
		return []StrategyType{StrategyRollback, StrategyNotifyUser}
	case StrategyRollback:
		return []StrategyType{StrategyNotifyUser}
	case StrategyRestartAgent:
		return []StrategyType{StrategyReassign, StrategyRollback}
	case StrategyGracefulDegradation, StrategyAbort:
		return []StrategyType{StrategyNotifyUser}
	default:
		return nil
	}
}

// matches evaluates one condition against the error context. agentStatus is
// the failing agent's current pool status, empty when unknown.
func (c Condition) matches(ec *ErrorContext, agentStatus string) bool {
	var actual any
	switch c.Field {
	case "error_type":
		actual = string(ec.Type)
	case "severity":
		actual = string(ec.Severity)
	case "retry_count":
		actual = ec.RetryCount
	case "agent_status":
		actual = agentStatus
	default:
		if ec.Metadata != nil {
			actual = ec.Metadata[c.Field]
		}
	}

	switch c.Op {
	case OpEquals:
		return equalValues(actual, c.Value)
	case OpNotEquals:
		return !equalValues(actual, c.Value)
	case OpGreaterThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case OpIn:
		return containsValue(c.Value, actual)
	case OpNotIn:
		return !containsValue(c.Value, actual)
	default:
		return false
	}
}

func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func containsValue(list any, v any) bool {
	switch items := list.(type) {
	case []any:
		for _, item := range items {
			if equalValues(item, v) {
				return true
			}
		}
	case []string:
		for _, item := range items {
			if equalValues(item, v) {
				return true
			}
		}
	case []int:
		for _, item := range items {
			if equalValues(item, v) {
				return true
			}
		}
	}
	return false
}

// backoffDelay computes the sleep before attempt (1-based).
func backoffDelay(s Strategy, attempt int) time.Duration {
	if s.Delay <= 0 {
		return 0
	}
	if !s.ExponentialBackoff {
		return s.Delay
	}
	multiplier := s.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	d := float64(s.Delay)
	for i := 1; i < attempt; i++ {
		d *= multiplier
	}
	max := s.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	if time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}
