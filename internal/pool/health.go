package pool

import (
	"context"
	"sync"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/logging"
)

// HealthConfig tunes the periodic health monitor.
type HealthConfig struct {
	CheckInterval         time.Duration
	PingTimeout           time.Duration
	UnresponsiveThreshold time.Duration
	FailureThreshold      int
	RecoveryThreshold     int
	AutoRestart           bool
	MaxRestartAttempts    int
	RestartCooldown       time.Duration
}

// DefaultHealthConfig returns the default monitor tuning.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:         30 * time.Second,
		PingTimeout:           5 * time.Second,
		UnresponsiveThreshold: 2 * time.Minute,
		FailureThreshold:      3,
		RecoveryThreshold:     2,
		AutoRestart:           true,
		MaxRestartAttempts:    3,
		RestartCooldown:       time.Minute,
	}
}

// PoolOps is the narrow pool surface the monitor drives. The concrete
// Manager implements it; tests substitute fakes.
type PoolOps interface {
	SendPing(ctx context.Context, agentID string) error
	GetLastActivity(agentID string) (time.Time, bool)
	RestartAgent(ctx context.Context, agentID string) (string, error)
	SetHealthStatus(agentID string, status core.HealthStatus)
}

type agentHealth struct {
	agentID              string
	status               core.HealthStatus
	consecutiveFailures  int
	consecutiveSuccesses int
	lastPingAt           time.Time
	lastPongAt           time.Time
	restartAttempts      int
	lastRestartAt        time.Time
}

// HealthMonitor pings registered agents on an interval and tracks the
// healthy/unhealthy/recovering transitions. An unhealthy agent is
// restarted automatically up to MaxRestartAttempts when AutoRestart is on.
type HealthMonitor struct {
	mu        sync.Mutex
	cfg       HealthConfig
	pool      PoolOps
	bus       *events.Bus
	logger    *logging.Logger
	sessionID string

	agents  map[string]*agentHealth
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	stopped bool
}

// NewHealthMonitor creates a monitor. Start begins the sweep loop.
func NewHealthMonitor(sessionID string, cfg HealthConfig, pool PoolOps, bus *events.Bus, logger *logging.Logger) *HealthMonitor {
	def := DefaultHealthConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.UnresponsiveThreshold <= 0 {
		cfg.UnresponsiveThreshold = def.UnresponsiveThreshold
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = def.RecoveryThreshold
	}
	if cfg.MaxRestartAttempts <= 0 {
		cfg.MaxRestartAttempts = def.MaxRestartAttempts
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = def.RestartCooldown
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HealthMonitor{
		cfg:       cfg,
		pool:      pool,
		bus:       bus,
		logger:    logger,
		sessionID: sessionID,
		agents:    make(map[string]*agentHealth),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the periodic sweep loop. Idempotent.
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.loop()
}

func (h *HealthMonitor) loop() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Sweep()
		case <-h.stopCh:
			return
		}
	}
}

// Stop halts the sweep loop and waits for it to exit. Idempotent.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	started := h.started
	h.mu.Unlock()

	close(h.stopCh)
	if started {
		<-h.doneCh
	}
}

// Register starts tracking an agent. Health begins as unknown and is
// settled by the first sweep or pong.
func (h *HealthMonitor) Register(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.agents[agentID]; exists {
		return
	}
	h.agents[agentID] = &agentHealth{
		agentID:    agentID,
		status:     core.HealthUnknown,
		lastPongAt: time.Now(),
	}
}

// Unregister stops tracking an agent.
func (h *HealthMonitor) Unregister(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.agents, agentID)
}

// RecordPong notes a liveness reply.
func (h *HealthMonitor) RecordPong(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hs, ok := h.agents[agentID]; ok {
		hs.lastPongAt = time.Now()
	}
}

// RecordActivity treats any observed agent output as a liveness signal.
func (h *HealthMonitor) RecordActivity(agentID string) {
	h.RecordPong(agentID)
}

// GetStatus returns the monitor's current verdict for an agent.
func (h *HealthMonitor) GetStatus(agentID string) (core.HealthStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hs, ok := h.agents[agentID]
	if !ok {
		return core.HealthUnknown, false
	}
	return hs.status, true
}

// HealthSnapshot is a point-in-time view of one tracked agent.
type HealthSnapshot struct {
	AgentID             string            `json:"agent_id"`
	Status              core.HealthStatus `json:"status"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	RestartAttempts     int               `json:"restart_attempts"`
	LastPongAt          time.Time         `json:"last_pong_at"`
}

// Snapshot returns the current view of every tracked agent.
func (h *HealthMonitor) Snapshot() []HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HealthSnapshot, 0, len(h.agents))
	for _, hs := range h.agents {
		out = append(out, HealthSnapshot{
			AgentID:             hs.agentID,
			Status:              hs.status,
			ConsecutiveFailures: hs.consecutiveFailures,
			RestartAttempts:     hs.restartAttempts,
			LastPongAt:          hs.lastPongAt,
		})
	}
	return out
}

// Sweep runs one full health check pass. Each agent is probed once per
// sweep; at most one failure is counted per agent per sweep.
func (h *HealthMonitor) Sweep() {
	now := time.Now()

	h.mu.Lock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	checked, healthy, unhealthy := 0, 0, 0
	var restarts []string

	for _, id := range ids {
		alive := h.probe(id, now)
		checked++

		h.mu.Lock()
		hs, ok := h.agents[id]
		if !ok {
			h.mu.Unlock()
			continue
		}
		transition := h.applyResultLocked(hs, alive)
		status := hs.status
		wantRestart := transition == core.HealthUnhealthy && h.shouldRestartLocked(hs, now)
		h.mu.Unlock()

		if status == core.HealthHealthy {
			healthy++
		} else if status == core.HealthUnhealthy {
			unhealthy++
		}
		if transition != "" {
			h.pool.SetHealthStatus(id, transition)
			h.emitTransition(id, transition)
		}
		if wantRestart {
			restarts = append(restarts, id)
		}
	}

	for _, id := range restarts {
		h.restart(id)
	}

	if h.bus != nil {
		h.bus.Publish(events.NewHealthCheckEvent(h.sessionID, checked, healthy, unhealthy))
	}
}

// probe pings the agent and decides whether it looked alive this round.
// A failed send counts immediately; a ping from a previous round that was
// never answered counts as a miss; prolonged silence counts as a miss.
func (h *HealthMonitor) probe(agentID string, now time.Time) bool {
	h.mu.Lock()
	hs, ok := h.agents[agentID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	lastPing := hs.lastPingAt
	lastPong := hs.lastPongAt
	h.mu.Unlock()

	missed := !lastPing.IsZero() && lastPong.Before(lastPing) && now.Sub(lastPing) >= h.cfg.PingTimeout

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PingTimeout)
	err := h.pool.SendPing(ctx, agentID)
	cancel()
	if err != nil {
		h.logger.Debug("ping failed", "agent_id", agentID, "error", err)
		return false
	}

	h.mu.Lock()
	if hs, ok := h.agents[agentID]; ok {
		hs.lastPingAt = now
	}
	h.mu.Unlock()

	if missed {
		return false
	}
	if lastActivity, ok := h.pool.GetLastActivity(agentID); ok && !lastActivity.IsZero() {
		if now.Sub(lastActivity) > h.cfg.UnresponsiveThreshold {
			return false
		}
	}
	return true
}

// applyResultLocked folds one check result into the agent's streak counters
// and returns the new status when it changed.
func (h *HealthMonitor) applyResultLocked(hs *agentHealth, alive bool) core.HealthStatus {
	if alive {
		hs.consecutiveFailures = 0
		hs.consecutiveSuccesses++
		switch hs.status {
		case core.HealthUnknown:
			hs.status = core.HealthHealthy
			return core.HealthHealthy
		case core.HealthUnhealthy:
			hs.status = core.HealthRecovering
			hs.consecutiveSuccesses = 1
			return core.HealthRecovering
		case core.HealthRecovering:
			if hs.consecutiveSuccesses >= h.cfg.RecoveryThreshold {
				hs.status = core.HealthHealthy
				hs.restartAttempts = 0
				return core.HealthHealthy
			}
		}
		return ""
	}

	hs.consecutiveSuccesses = 0
	hs.consecutiveFailures++
	switch hs.status {
	case core.HealthRecovering:
		hs.status = core.HealthUnhealthy
		return core.HealthUnhealthy
	case core.HealthHealthy, core.HealthUnknown:
		if hs.consecutiveFailures >= h.cfg.FailureThreshold {
			hs.status = core.HealthUnhealthy
			return core.HealthUnhealthy
		}
	}
	return ""
}

func (h *HealthMonitor) shouldRestartLocked(hs *agentHealth, now time.Time) bool {
	if !h.cfg.AutoRestart {
		return false
	}
	if hs.restartAttempts >= h.cfg.MaxRestartAttempts {
		return false
	}
	if !hs.lastRestartAt.IsZero() && now.Sub(hs.lastRestartAt) < h.cfg.RestartCooldown {
		return false
	}
	return true
}

func (h *HealthMonitor) emitTransition(agentID string, status core.HealthStatus) {
	if h.bus == nil {
		return
	}
	var kind events.HealthEventKind
	switch status {
	case core.HealthHealthy:
		kind = events.HealthKindHealthy
	case core.HealthUnhealthy:
		kind = events.HealthKindUnhealthy
	case core.HealthRecovering:
		kind = events.HealthKindRecovering
	default:
		return
	}
	h.bus.Publish(events.NewAgentHealthEvent(h.sessionID, kind, agentID, ""))
}

// restart attempts an automatic restart of an unhealthy agent.
func (h *HealthMonitor) restart(agentID string) {
	h.mu.Lock()
	hs, ok := h.agents[agentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	hs.restartAttempts++
	hs.lastRestartAt = time.Now()
	attempt := hs.restartAttempts
	h.mu.Unlock()

	if h.bus != nil {
		h.bus.Publish(events.NewAgentHealthEvent(h.sessionID, events.HealthKindRestartAttempt, agentID, ""))
	}
	h.logger.Info("restarting unhealthy agent", "agent_id", agentID, "attempt", attempt)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	newID, err := h.pool.RestartAgent(ctx, agentID)
	if err != nil {
		h.logger.Warn("agent restart failed", "agent_id", agentID, "attempt", attempt, "error", err)
		if h.bus != nil {
			h.bus.Publish(events.NewAgentHealthEvent(h.sessionID, events.HealthKindRestartFailed, agentID, err.Error()))
			if attempt >= h.cfg.MaxRestartAttempts {
				h.bus.PublishPriority(events.NewAgentHealthEvent(h.sessionID, events.HealthKindMaxRestartsReached, agentID, ""))
			}
		}
		return
	}

	// Restart re-registers under a fresh agent id; carry the attempt count
	// forward so the cap spans the whole lineage.
	h.mu.Lock()
	if fresh, ok := h.agents[newID]; ok {
		fresh.restartAttempts = attempt
		fresh.lastRestartAt = time.Now()
	}
	h.mu.Unlock()

	if h.bus != nil {
		h.bus.Publish(events.NewAgentHealthEvent(h.sessionID, events.HealthKindRestartSuccess, agentID, newID))
	}
}
