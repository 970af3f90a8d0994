// Package recovery converts raw failures into bounded, observable recovery
// attempts. Strategies are declarative per error type; repeated failures on
// the same key are gated by a circuit breaker.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/logging"
)

// AgentPool is the pool surface the recovery manager drives.
type AgentPool interface {
	GetAgent(agentID string) (*core.AgentInstance, bool)
	GetActiveAgents() []*core.AgentInstance
	GetActiveAgentCount() int
	Restart(ctx context.Context, agentID string) (string, error)
	Pause(ctx context.Context, agentID string) error
	Terminate(ctx context.Context, agentID string) error
}

// RollbackOutcome reports a completed checkpoint rollback.
type RollbackOutcome struct {
	CheckpointID  string
	RestoredState string
	Warnings      []string
}

// Rollbacker restores the latest checkpoint. Implemented by the checkpoint
// bridge.
type Rollbacker interface {
	RollbackToLatest(ctx context.Context) (*RollbackOutcome, error)
}

// Result describes the outcome of one HandleError call. The manager never
// returns an error to its caller; failures are encoded here.
type Result struct {
	Success        bool         `json:"success"`
	Strategy       StrategyType `json:"strategy"`
	Attempts       int          `json:"attempts"`
	NewAgentID     string       `json:"new_agent_id,omitempty"`
	CheckpointID   string       `json:"checkpoint_id,omitempty"`
	RestoredState  string       `json:"restored_state,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
	Degraded       bool         `json:"degraded,omitempty"`
	Aborted        bool         `json:"aborted,omitempty"`
	Notified       bool         `json:"notified,omitempty"`
	ShortCircuited bool         `json:"short_circuited,omitempty"`
	Message        string       `json:"message,omitempty"`
	Err            error        `json:"-"`
}

// Config tunes the recovery manager.
type Config struct {
	Enabled                   bool
	EnableFallbacks           bool
	EnableGracefulDegradation bool
	MaxErrorHistory           int
	MaxConcurrentAgents       int
	Breaker                   BreakerConfig
}

// DefaultConfig returns the default recovery configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		EnableFallbacks:           true,
		EnableGracefulDegradation: true,
		MaxErrorHistory:           100,
		MaxConcurrentAgents:       4,
		Breaker:                   DefaultBreakerConfig(),
	}
}

// Stats aggregates recovery activity.
type Stats struct {
	TotalErrors                    int64               `json:"total_errors"`
	ErrorsByType                   map[ErrorType]int64 `json:"errors_by_type"`
	ErrorsBySeverity               map[Severity]int64  `json:"errors_by_severity"`
	TotalRecoveryAttempts          int64               `json:"total_recovery_attempts"`
	SuccessfulRecoveries           int64               `json:"successful_recoveries"`
	FailedRecoveries               int64               `json:"failed_recoveries"`
	CircuitBreakerOpens            int64               `json:"circuit_breaker_opens"`
	GracefulDegradationActivations int64               `json:"graceful_degradation_activations"`
	UserNotificationsSent          int64               `json:"user_notifications_sent"`
	LastErrorAt                    time.Time           `json:"last_error_at,omitempty"`
}

// Manager is the error recovery manager.
type Manager struct {
	mu         sync.Mutex
	cfg        Config
	pool       AgentPool
	dispatcher core.MessageDispatcher
	rollbacker Rollbacker
	bus        *events.Bus
	logger     *logging.Logger
	sessionID  string

	strategies map[ErrorType][]Strategy
	breakers   *BreakerSet
	stats      Stats
	history    []ErrorContext
	disposed   bool
	stopCh     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithPool wires the agent pool.
func WithPool(pool AgentPool) Option {
	return func(m *Manager) { m.pool = pool }
}

// WithDispatcher wires the message router.
func WithDispatcher(d core.MessageDispatcher) Option {
	return func(m *Manager) { m.dispatcher = d }
}

// WithRollbacker wires the checkpoint bridge.
func WithRollbacker(r Rollbacker) Option {
	return func(m *Manager) { m.rollbacker = r }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a recovery manager.
func New(sessionID string, cfg Config, bus *events.Bus, opts ...Option) *Manager {
	if cfg.MaxErrorHistory <= 0 {
		cfg.MaxErrorHistory = DefaultConfig().MaxErrorHistory
	}
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = DefaultConfig().MaxConcurrentAgents
	}
	m := &Manager{
		cfg:        cfg,
		bus:        bus,
		logger:     logging.NewNop(),
		sessionID:  sessionID,
		strategies: defaultStrategies(),
		breakers:   NewBreakerSet(cfg.Breaker),
		stats: Stats{
			ErrorsByType:     make(map[ErrorType]int64),
			ErrorsBySeverity: make(map[Severity]int64),
		},
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetStrategies replaces the strategy list for one error type.
func (m *Manager) SetStrategies(t ErrorType, strategies []Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[t] = strategies
}

// HandleError runs recovery for one failure. It never returns an error;
// the Result carries the outcome.
func (m *Manager) HandleError(ctx context.Context, ec ErrorContext) *Result {
	if ec.ErrorID == "" {
		ec.ErrorID = uuid.NewString()
	}
	if ec.OccurredAt.IsZero() {
		ec.OccurredAt = time.Now()
	}
	if ec.Severity == "" {
		ec.Severity = severityFor(ec.Type)
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return &Result{Success: false, Message: "recovery manager disposed"}
	}
	if !m.cfg.Enabled {
		m.mu.Unlock()
		return &Result{Success: false, Message: "recovery disabled by configuration"}
	}
	m.stats.TotalErrors++
	m.stats.ErrorsByType[ec.Type]++
	m.stats.ErrorsBySeverity[ec.Severity]++
	m.stats.LastErrorAt = ec.OccurredAt
	m.history = append([]ErrorContext{ec}, m.history...)
	if len(m.history) > m.cfg.MaxErrorHistory {
		m.history = m.history[:m.cfg.MaxErrorHistory]
	}
	degrade := m.cfg.EnableGracefulDegradation
	m.mu.Unlock()

	key := ec.AgentID
	if key == "" {
		key = string(ec.Type)
	}

	if !m.breakers.Allow(key) {
		m.logger.Warn("circuit breaker open, short-circuiting recovery",
			"key", key, "error_type", ec.Type)
		res := &Result{ShortCircuited: true, Message: fmt.Sprintf("circuit breaker open for %q", key)}
		if degrade {
			res.Strategy = StrategyGracefulDegradation
			res.Degraded = true
			m.mu.Lock()
			m.stats.GracefulDegradationActivations++
			m.mu.Unlock()
		} else {
			res.Strategy = StrategyAbort
		}
		return res
	}

	strategy := m.selectStrategy(&ec)
	result := m.runStrategy(ctx, strategy, &ec)

	if !result.Success && m.cfg.EnableFallbacks {
		for _, fbType := range fallbackChain(strategy.Type) {
			fb := Strategy{Type: fbType, MaxAttempts: 1, PreferredRole: strategy.PreferredRole}
			fbResult := m.runStrategy(ctx, fb, &ec)
			fbResult.Attempts += result.Attempts
			result = fbResult
			if result.Success {
				break
			}
		}
	}

	if result.Success {
		m.breakers.RecordSuccess(key)
	} else {
		m.breakers.RecordFailure(key)
	}

	m.mu.Lock()
	if result.Success {
		m.stats.SuccessfulRecoveries++
	} else {
		m.stats.FailedRecoveries++
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.NewRecoveryOutcomeEvent(m.sessionID, ec.ErrorID, string(ec.Type),
			string(result.Strategy), result.Success, result.Attempts, result.Message))
	}
	return result
}

// selectStrategy picks the first strategy whose conditions match; the first
// entry when none match; the global default when the type has no list.
func (m *Manager) selectStrategy(ec *ErrorContext) Strategy {
	m.mu.Lock()
	list := m.strategies[ec.Type]
	m.mu.Unlock()
	if len(list) == 0 {
		return defaultStrategy()
	}

	agentStatus := ""
	if m.pool != nil && ec.AgentID != "" {
		if agent, ok := m.pool.GetAgent(ec.AgentID); ok {
			agentStatus = string(agent.Status)
		}
	}

	for _, s := range list {
		all := true
		for _, c := range s.Conditions {
			if !c.matches(ec, agentStatus) {
				all = false
				break
			}
		}
		if all {
			return s
		}
	}
	return list[0]
}

// runStrategy executes one strategy with its retry loop and backoff.
func (m *Manager) runStrategy(ctx context.Context, s Strategy, ec *ErrorContext) *Result {
	res := &Result{Strategy: s.Type}
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		m.mu.Lock()
		m.stats.TotalRecoveryAttempts++
		m.mu.Unlock()
		res.Attempts = attempt

		err := m.attempt(ctx, s, ec, attempt, res)
		if s.PostAction != nil {
			s.PostAction(ctx, ec, err == nil)
		}
		if err == nil {
			res.Success = true
			m.logger.Info("recovery succeeded", "error_id", ec.ErrorID,
				"strategy", s.Type, "attempt", attempt)
			return res
		}
		lastErr = err
		m.logger.Warn("recovery attempt failed", "error_id", ec.ErrorID,
			"strategy", s.Type, "attempt", attempt, "error", err)

		if attempt < maxAttempts {
			if !m.sleep(ctx, backoffDelay(s, attempt)) {
				break
			}
		}
	}

	res.Err = lastErr
	if lastErr != nil {
		res.Message = lastErr.Error()
	}
	return res
}

// attempt runs preAction plus the strategy action once.
func (m *Manager) attempt(ctx context.Context, s Strategy, ec *ErrorContext, attempt int, res *Result) error {
	if s.PreAction != nil {
		if err := s.PreAction(ctx, ec); err != nil {
			return fmt.Errorf("pre-action: %w", err)
		}
	}

	switch s.Type {
	case StrategyRetry:
		return m.doRetry(ctx, ec, attempt)
	case StrategyReassign:
		return m.doReassign(ctx, s, ec, res)
	case StrategyRollback:
		return m.doRollback(ctx, res)
	case StrategyRestartAgent:
		return m.doRestartAgent(ctx, ec, res)
	case StrategyGracefulDegradation:
		return m.doDegrade(ctx, s, res)
	case StrategyAbort:
		return m.doAbort(ctx, res)
	case StrategyNotifyUser:
		return m.doNotify(ec, res)
	default:
		return fmt.Errorf("unknown strategy type %q", s.Type)
	}
}

func (m *Manager) doRetry(ctx context.Context, ec *ErrorContext, attempt int) error {
	if m.dispatcher == nil {
		return fmt.Errorf("no message dispatcher for retry")
	}
	if ec.MessageContext == nil {
		return fmt.Errorf("no message context for retry")
	}
	msg := *ec.MessageContext
	msg.ID = fmt.Sprintf("%s_retry_%d", ec.MessageContext.ID, attempt)
	msg.Timestamp = time.Now()
	return m.dispatcher.RouteMessage(ctx, msg)
}

func (m *Manager) doReassign(ctx context.Context, s Strategy, ec *ErrorContext, res *Result) error {
	if m.pool == nil {
		return fmt.Errorf("no agent pool for reassign")
	}
	var candidate *core.AgentInstance
	for _, agent := range m.pool.GetActiveAgents() {
		if agent.AgentID == ec.AgentID {
			continue
		}
		if s.PreferredRole != "" && agent.Role == s.PreferredRole {
			candidate = agent
			break
		}
		if candidate == nil {
			candidate = agent
		}
	}
	if candidate == nil {
		return fmt.Errorf("no active agent available for reassignment")
	}

	if ec.MessageContext != nil && m.dispatcher != nil {
		msg := *ec.MessageContext
		msg.ID = ec.MessageContext.ID + "_reassigned"
		msg.To = candidate.AgentID
		msg.Timestamp = time.Now()
		if err := m.dispatcher.RouteMessage(ctx, msg); err != nil {
			return fmt.Errorf("reassign delivery to %s: %w", candidate.AgentID, err)
		}
	}
	res.NewAgentID = candidate.AgentID
	return nil
}

func (m *Manager) doRollback(ctx context.Context, res *Result) error {
	if m.rollbacker == nil {
		return fmt.Errorf("no checkpoint service for rollback")
	}
	outcome, err := m.rollbacker.RollbackToLatest(ctx)
	if err != nil {
		return err
	}
	res.CheckpointID = outcome.CheckpointID
	res.RestoredState = outcome.RestoredState
	res.Warnings = outcome.Warnings
	return nil
}

func (m *Manager) doRestartAgent(ctx context.Context, ec *ErrorContext, res *Result) error {
	if m.pool == nil {
		return fmt.Errorf("no agent pool for restart")
	}
	if ec.AgentID == "" {
		return fmt.Errorf("no agent id for restart")
	}
	newID, err := m.pool.Restart(ctx, ec.AgentID)
	if err != nil {
		return err
	}
	res.NewAgentID = newID
	return nil
}

func (m *Manager) doDegrade(ctx context.Context, s Strategy, res *Result) error {
	res.Degraded = true
	m.mu.Lock()
	m.stats.GracefulDegradationActivations++
	target := m.cfg.MaxConcurrentAgents
	m.mu.Unlock()

	if s.CustomBehavior != "" && s.CustomBehavior != "reduce_parallelism" {
		res.Message = s.CustomBehavior
		return nil
	}
	if m.pool == nil {
		return nil
	}
	active := m.pool.GetActiveAgents()
	excess := len(active) - target
	for i := 0; i < excess && i < len(active); i++ {
		if err := m.pool.Pause(ctx, active[i].AgentID); err != nil {
			m.logger.Warn("degradation pause failed", "agent_id", active[i].AgentID, "error", err)
		}
	}
	return nil
}

func (m *Manager) doAbort(ctx context.Context, res *Result) error {
	res.Aborted = true
	if m.pool == nil {
		return nil
	}
	for _, agent := range m.pool.GetActiveAgents() {
		if err := m.pool.Terminate(ctx, agent.AgentID); err != nil {
			m.logger.Warn("abort terminate failed", "agent_id", agent.AgentID, "error", err)
		}
	}
	return nil
}

func (m *Manager) doNotify(ec *ErrorContext, res *Result) error {
	res.Notified = true
	m.mu.Lock()
	m.stats.UserNotificationsSent++
	m.mu.Unlock()

	if m.bus != nil {
		title := fmt.Sprintf("Recovery required: %s", ec.Type)
		message := ec.Message
		if message == "" {
			message = fmt.Sprintf("error %s could not be recovered automatically", ec.ErrorID)
		}
		m.bus.PublishPriority(events.NewUserNotificationEvent(m.sessionID,
			string(ec.Severity), title, message, ec.Severity == SeverityCritical))
	}
	return nil
}

// sleep waits for d, aborting on context cancellation or dispose. Returns
// false when the wait was aborted.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}

// BreakerStatus returns the breaker view for one key.
func (m *Manager) BreakerStatus(key string) BreakerStatus {
	return m.breakers.Status(key)
}

// Breakers returns every known breaker status.
func (m *Manager) Breakers() []BreakerStatus {
	return m.breakers.AllStatuses()
}

// GetStats returns a copy of the aggregate statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stats
	out.CircuitBreakerOpens = m.breakers.Opens()
	out.ErrorsByType = make(map[ErrorType]int64, len(m.stats.ErrorsByType))
	for k, v := range m.stats.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	out.ErrorsBySeverity = make(map[Severity]int64, len(m.stats.ErrorsBySeverity))
	for k, v := range m.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}

// GetErrorHistory returns up to limit entries, newest first. limit <= 0
// returns everything retained.
func (m *Manager) GetErrorHistory(limit int) []ErrorContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ErrorContext, n)
	copy(out, m.history[:n])
	return out
}

// Dispose stops the manager. In-flight backoff sleeps are aborted.
// Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	close(m.stopCh)
}
