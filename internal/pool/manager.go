// Package pool supervises agent worker processes: spawning, status
// tracking, pause/resume/terminate/restart, and health monitoring.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/logging"
)

// Config tunes the pool.
type Config struct {
	MaxConcurrentAgents int
	Health              HealthConfig
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: 4,
		Health:              DefaultHealthConfig(),
	}
}

// MessageSink receives agent-originated messages (typically the router's
// HandleIncomingMessage).
type MessageSink func(msg core.AgentMessage)

// Manager owns every AgentInstance and its spawn config. The concurrency
// limit counts only ready and busy agents.
type Manager struct {
	mu        sync.Mutex
	cfg       Config
	runtime   core.ProcessRuntime
	locks     core.FileLockService
	roles     core.RoleRegistry
	bus       *events.Bus
	logger    *logging.Logger
	sessionID string

	agents   map[string]*core.AgentInstance
	configs  map[string]core.AgentSpawnConfig
	bySession map[string]string // runtime session id -> agent id

	sink     MessageSink
	health   *HealthMonitor
	disposed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLockService wires the external file-lock service.
func WithLockService(locks core.FileLockService) Option {
	return func(m *Manager) { m.locks = locks }
}

// WithRoleRegistry wires provider/mode resolution for spawn configs.
func WithRoleRegistry(roles core.RoleRegistry) Option {
	return func(m *Manager) { m.roles = roles }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a pool manager and starts its health monitor.
func NewManager(sessionID string, cfg Config, runtime core.ProcessRuntime, bus *events.Bus, opts ...Option) *Manager {
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = DefaultConfig().MaxConcurrentAgents
	}
	m := &Manager{
		cfg:       cfg,
		runtime:   runtime,
		bus:       bus,
		logger:    logging.NewNop(),
		sessionID: sessionID,
		agents:    make(map[string]*core.AgentInstance),
		configs:   make(map[string]core.AgentSpawnConfig),
		bySession: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.health = NewHealthMonitor(sessionID, cfg.Health, m, bus, m.logger)
	m.health.Start()
	return m
}

// SetMessageSink installs the handler for agent-originated messages.
func (m *Manager) SetMessageSink(sink MessageSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Health returns the pool's health monitor.
func (m *Manager) Health() *HealthMonitor { return m.health }

// Spawn admits and starts a new agent. The admission check and the
// registration are one atomic decision.
func (m *Manager) Spawn(ctx context.Context, cfg core.AgentSpawnConfig) (string, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return "", core.ErrDisposed("agent pool")
	}
	if _, exists := m.agents[cfg.AgentID]; exists {
		m.mu.Unlock()
		return "", core.ErrDuplicateAgent(cfg.AgentID)
	}
	if m.activeCountLocked() >= m.cfg.MaxConcurrentAgents {
		m.mu.Unlock()
		return "", core.ErrMaxAgents(m.cfg.MaxConcurrentAgents)
	}

	if m.roles != nil {
		if cfg.ProviderProfile == "" {
			if profile, err := m.roles.GetProviderProfileForRole(cfg.Role); err == nil {
				cfg.ProviderProfile = profile.ID
			}
		}
		if cfg.Mode == "" {
			if mode, err := m.roles.GetModeForRole(cfg.Role); err == nil {
				cfg.Mode = mode
			}
		}
	}

	now := time.Now()
	instance := &core.AgentInstance{
		AgentID:         cfg.AgentID,
		Role:            cfg.Role,
		Mode:            cfg.Mode,
		ProviderProfile: cfg.ProviderProfile,
		Status:          core.AgentStatusSpawning,
		HealthStatus:    core.HealthUnknown,
		SpawnedAt:       now,
		LastActivityAt:  now,
	}
	m.agents[cfg.AgentID] = instance
	m.configs[cfg.AgentID] = cfg
	m.mu.Unlock()

	m.health.Register(cfg.AgentID)

	sessionID, err := m.runtime.SpawnProcess(ctx, cfg.Workspace, cfg.Task, cfg, m.onRuntimeEvent)
	if err != nil {
		m.health.Unregister(cfg.AgentID)
		m.mu.Lock()
		delete(m.agents, cfg.AgentID)
		delete(m.configs, cfg.AgentID)
		m.mu.Unlock()
		return "", core.ErrInternal("spawn failed for agent "+cfg.AgentID).WithCause(err)
	}

	m.mu.Lock()
	if agent, ok := m.agents[cfg.AgentID]; ok {
		agent.SessionID = sessionID
		m.bySession[sessionID] = cfg.AgentID
	}
	m.mu.Unlock()

	m.logger.Info("agent spawned", "agent_id", cfg.AgentID, "role", cfg.Role, "session_id", sessionID)
	return cfg.AgentID, nil
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, agent := range m.agents {
		if agent.Status.IsActive() {
			count++
		}
	}
	return count
}

// onRuntimeEvent drives the agent event machine from runtime stream events.
func (m *Manager) onRuntimeEvent(sessionID string, event core.RuntimeEvent) {
	m.mu.Lock()
	agentID, ok := m.bySession[sessionID]
	if !ok {
		// Session not mapped yet (event raced the spawn return); match by
		// pending spawn when possible.
		for id, agent := range m.agents {
			if agent.SessionID == "" && agent.Status == core.AgentStatusSpawning {
				agentID, ok = id, true
				agent.SessionID = sessionID
				m.bySession[sessionID] = id
				break
			}
		}
	}
	if !ok {
		m.mu.Unlock()
		return
	}
	agent := m.agents[agentID]
	agent.LastActivityAt = time.Now()

	var sink MessageSink
	var incoming *core.AgentMessage
	switch event.Type {
	case core.StreamEventSessionCreated:
		agent.Status = core.AgentStatusReady
		agent.HealthStatus = core.HealthHealthy
		agent.SessionID = sessionID
	case core.StreamEventComplete:
		agent.Status = core.AgentStatusReady
	case core.StreamEventError:
		agent.Status = core.AgentStatusError
		agent.HealthStatus = core.HealthUnhealthy
		agent.LastError = event.Error
	case core.StreamEventInterrupted:
		agent.Status = core.AgentStatusStopped
	case core.StreamEventMessage:
		if event.Message != nil {
			sink = m.sink
			incoming = event.Message
		}
	case core.StreamEventPong:
		// Handled below, outside the lock.
	}
	m.mu.Unlock()

	switch event.Type {
	case core.StreamEventSessionCreated:
		m.health.RecordActivity(agentID)
	case core.StreamEventError:
		m.releaseLocks(agentID)
		m.logger.Warn("agent errored", "agent_id", agentID, "error", event.Error)
	case core.StreamEventInterrupted:
		m.releaseLocks(agentID)
		m.logger.Info("agent interrupted", "agent_id", agentID)
	case core.StreamEventPong:
		m.HandlePong(agentID)
	case core.StreamEventMessage:
		if sink != nil && incoming != nil {
			sink(*incoming)
		}
	}
}

func (m *Manager) releaseLocks(agentID string) {
	if m.locks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := m.locks.ReleaseAllLocksForAgent(ctx, agentID); err != nil {
		m.logger.Warn("releasing agent locks failed", "agent_id", agentID, "error", err)
	} else if n > 0 {
		m.logger.Debug("released agent locks", "agent_id", agentID, "count", n)
	}
}

func (m *Manager) sendControl(ctx context.Context, agentID string, msgType core.RuntimeMessageType) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound("agent", agentID)
	}
	sessionID := agent.SessionID
	m.mu.Unlock()

	if sessionID == "" {
		return core.ErrInternal("agent " + agentID + " has no session")
	}
	return m.runtime.SendMessage(ctx, sessionID, core.RuntimeMessage{Type: msgType})
}

// Terminate releases the agent's locks and signals shutdown.
func (m *Manager) Terminate(ctx context.Context, agentID string) error {
	m.mu.Lock()
	if _, ok := m.agents[agentID]; !ok {
		m.mu.Unlock()
		return core.ErrNotFound("agent", agentID)
	}
	m.mu.Unlock()

	m.releaseLocks(agentID)
	if err := m.sendControl(ctx, agentID, core.RuntimeMsgShutdown); err != nil {
		m.logger.Warn("shutdown signal failed", "agent_id", agentID, "error", err)
	}

	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok {
		agent.Status = core.AgentStatusStopped
	}
	m.mu.Unlock()

	m.health.Unregister(agentID)
	return nil
}

// Pause suspends an agent. Only legal from ready or busy.
func (m *Manager) Pause(ctx context.Context, agentID string) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound("agent", agentID)
	}
	if !agent.Status.IsActive() {
		status := agent.Status
		m.mu.Unlock()
		return core.ErrInvalidLifecycleOp("pause agent", string(status))
	}
	m.mu.Unlock()

	if err := m.sendControl(ctx, agentID, core.RuntimeMsgPause); err != nil {
		return err
	}

	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok {
		agent.Status = core.AgentStatusPaused
	}
	m.mu.Unlock()
	return nil
}

// Resume reactivates a paused agent.
func (m *Manager) Resume(ctx context.Context, agentID string) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return core.ErrNotFound("agent", agentID)
	}
	if agent.Status != core.AgentStatusPaused {
		status := agent.Status
		m.mu.Unlock()
		return core.ErrInvalidLifecycleOp("resume agent", string(status))
	}
	m.mu.Unlock()

	if err := m.sendControl(ctx, agentID, core.RuntimeMsgResume); err != nil {
		return err
	}

	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok {
		agent.Status = core.AgentStatusReady
	}
	m.mu.Unlock()
	return nil
}

// Restart tears the agent down and re-spawns it from the stored config
// under a fresh agent id.
func (m *Manager) Restart(ctx context.Context, agentID string) (string, error) {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return "", core.ErrNotFound("agent", agentID)
	}
	cfg, hasCfg := m.configs[agentID]
	if !hasCfg {
		m.mu.Unlock()
		return "", core.ErrInternal("no stored spawn config for agent " + agentID)
	}
	restartAttempts := agent.RestartAttempts
	sessionID := agent.SessionID
	m.mu.Unlock()

	m.releaseLocks(agentID)
	if sessionID != "" {
		if err := m.runtime.SendMessage(ctx, sessionID, core.RuntimeMessage{Type: core.RuntimeMsgShutdown}); err != nil {
			m.logger.Debug("shutdown before restart failed", "agent_id", agentID, "error", err)
		}
	}
	m.health.Unregister(agentID)

	m.mu.Lock()
	delete(m.agents, agentID)
	delete(m.configs, agentID)
	if sessionID != "" {
		delete(m.bySession, sessionID)
	}
	m.mu.Unlock()

	cfg.AgentID = fmt.Sprintf("%s_%d", cfg.Role, time.Now().UnixMilli())
	newID, err := m.Spawn(ctx, cfg)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if fresh, ok := m.agents[newID]; ok {
		fresh.RestartAttempts = restartAttempts + 1
	}
	m.mu.Unlock()

	m.logger.Info("agent restarted", "old_agent_id", agentID, "new_agent_id", newID)
	return newID, nil
}

// GetAgent returns a copy of the agent's instance record.
func (m *Manager) GetAgent(agentID string) (*core.AgentInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := *agent
	return &cp, true
}

// GetAllAgents returns copies of every tracked agent.
func (m *Manager) GetAllAgents() []*core.AgentInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.AgentInstance, 0, len(m.agents))
	for _, agent := range m.agents {
		cp := *agent
		out = append(out, &cp)
	}
	return out
}

// GetActiveAgents returns copies of the ready and busy agents.
func (m *Manager) GetActiveAgents() []*core.AgentInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.AgentInstance
	for _, agent := range m.agents {
		if agent.Status.IsActive() {
			cp := *agent
			out = append(out, &cp)
		}
	}
	return out
}

// GetActiveAgentCount returns the number of ready and busy agents.
func (m *Manager) GetActiveAgentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCountLocked()
}

// GetAgentsByHealthStatus filters agents by health.
func (m *Manager) GetAgentsByHealthStatus(status core.HealthStatus) []*core.AgentInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.AgentInstance
	for _, agent := range m.agents {
		if agent.HealthStatus == status {
			cp := *agent
			out = append(out, &cp)
		}
	}
	return out
}

// AgentHasFileLocks reports whether the agent holds any file locks.
func (m *Manager) AgentHasFileLocks(agentID string) bool {
	if m.locks == nil {
		return false
	}
	return m.locks.AgentHasLocks(agentID)
}

// GetAgentFileLocks lists the agent's held locks.
func (m *Manager) GetAgentFileLocks(agentID string) []core.FileLock {
	if m.locks == nil {
		return nil
	}
	return m.locks.GetLocksForAgent(agentID)
}

// SendToAgent delivers an agent message over the agent's IPC session.
// Implements core.AgentLookup for the router.
func (m *Manager) SendToAgent(ctx context.Context, agentID string, msg core.AgentMessage) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return core.ErrUnknownTarget(agentID)
	}
	sessionID := agent.SessionID
	m.mu.Unlock()

	if sessionID == "" {
		return core.ErrInternal("agent " + agentID + " has no session")
	}
	return m.runtime.SendMessage(ctx, sessionID, core.RuntimeMessage{
		Type:    core.RuntimeMsgAgentMessage,
		Message: &msg,
	})
}

// SendPing pings an agent over its IPC session. Called by the monitor.
func (m *Manager) SendPing(ctx context.Context, agentID string) error {
	return m.sendControl(ctx, agentID, core.RuntimeMsgPing)
}

// GetLastActivity returns the agent's last observed activity time.
func (m *Manager) GetLastActivity(agentID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return time.Time{}, false
	}
	return agent.LastActivityAt, true
}

// RestartAgent implements the monitor's restart callback.
func (m *Manager) RestartAgent(ctx context.Context, agentID string) (string, error) {
	return m.Restart(ctx, agentID)
}

// SetHealthStatus records the monitor's verdict on the instance.
func (m *Manager) SetHealthStatus(agentID string, status core.HealthStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[agentID]; ok {
		agent.HealthStatus = status
	}
}

// MarkBusy flips a ready agent to busy while it works on a dispatch.
func (m *Manager) MarkBusy(agentID string, busy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return
	}
	if busy && agent.Status == core.AgentStatusReady {
		agent.Status = core.AgentStatusBusy
	} else if !busy && agent.Status == core.AgentStatusBusy {
		agent.Status = core.AgentStatusReady
	}
}

// MarkError flags an agent as failed and releases its locks.
func (m *Manager) MarkError(agentID, reason string) {
	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok {
		agent.Status = core.AgentStatusError
		agent.HealthStatus = core.HealthUnhealthy
		agent.LastError = reason
	}
	m.mu.Unlock()
	m.releaseLocks(agentID)
}

// HandlePong records a liveness reply from an agent.
func (m *Manager) HandlePong(agentID string) {
	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok {
		agent.LastActivityAt = time.Now()
	}
	m.mu.Unlock()
	m.health.RecordPong(agentID)
}

// AgentRefs returns checkpoint-ready references for all agents.
func (m *Manager) AgentRefs() []core.AgentRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.AgentRef, 0, len(m.agents))
	for _, agent := range m.agents {
		out = append(out, core.AgentRef{AgentID: agent.AgentID, Role: agent.Role, Status: agent.Status})
	}
	return out
}

// Dispose stops the monitor, releases all locks, and terminates every
// live agent best effort. Idempotent.
func (m *Manager) Dispose(ctx context.Context) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	agents := make([]*core.AgentInstance, 0, len(m.agents))
	for _, agent := range m.agents {
		cp := *agent
		agents = append(agents, &cp)
	}
	m.mu.Unlock()

	m.health.Stop()

	for _, agent := range agents {
		m.releaseLocks(agent.AgentID)
		if agent.SessionID != "" {
			// Fire and forget.
			if err := m.runtime.SendMessage(ctx, agent.SessionID, core.RuntimeMessage{Type: core.RuntimeMsgShutdown}); err != nil {
				m.logger.Debug("dispose shutdown failed", "agent_id", agent.AgentID, "error", err)
			}
		}
	}

	m.mu.Lock()
	m.agents = make(map[string]*core.AgentInstance)
	m.configs = make(map[string]core.AgentSpawnConfig)
	m.bySession = make(map[string]string)
	m.sink = nil
	m.mu.Unlock()
}
