package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
)

// fakeRuntime is an in-memory ProcessRuntime. Spawned sessions immediately
// report session_created unless holdReady is set.
type fakeRuntime struct {
	mu        sync.Mutex
	seq       int
	handlers  map[string]core.RuntimeEventHandler
	sent      map[string][]core.RuntimeMessage
	holdReady bool
	spawnErr  error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		handlers: make(map[string]core.RuntimeEventHandler),
		sent:     make(map[string][]core.RuntimeMessage),
	}
}

func (f *fakeRuntime) SpawnProcess(ctx context.Context, workspace, task string, config core.AgentSpawnConfig, onEvent core.RuntimeEventHandler) (string, error) {
	f.mu.Lock()
	if f.spawnErr != nil {
		err := f.spawnErr
		f.mu.Unlock()
		return "", err
	}
	f.seq++
	sessionID := fmt.Sprintf("sess-%d", f.seq)
	f.handlers[sessionID] = onEvent
	hold := f.holdReady
	f.mu.Unlock()

	if !hold {
		onEvent(sessionID, core.RuntimeEvent{Type: core.StreamEventSessionCreated, SessionID: sessionID, Timestamp: time.Now()})
	}
	return sessionID, nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, sessionID string, msg core.RuntimeMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[sessionID]; !ok {
		return errors.New("no such session")
	}
	f.sent[sessionID] = append(f.sent[sessionID], msg)
	return nil
}

func (f *fakeRuntime) emit(sessionID string, event core.RuntimeEvent) {
	f.mu.Lock()
	handler := f.handlers[sessionID]
	f.mu.Unlock()
	if handler != nil {
		event.SessionID = sessionID
		handler(sessionID, event)
	}
}

func (f *fakeRuntime) sentTypes(sessionID string) []core.RuntimeMessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.RuntimeMessageType
	for _, msg := range f.sent[sessionID] {
		out = append(out, msg.Type)
	}
	return out
}

// fakeLocks tracks per-agent locks and release calls.
type fakeLocks struct {
	mu       sync.Mutex
	locks    map[string][]core.FileLock
	released map[string]int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{
		locks:    make(map[string][]core.FileLock),
		released: make(map[string]int),
	}
}

func (f *fakeLocks) AcquireLock(ctx context.Context, req core.LockRequest) (*core.FileLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lock := core.FileLock{LockID: fmt.Sprintf("lock-%d", len(f.locks[req.AgentID])+1), FilePath: req.FilePath, AgentID: req.AgentID, Mode: req.Mode, AcquiredAt: time.Now()}
	f.locks[req.AgentID] = append(f.locks[req.AgentID], lock)
	return &lock, nil
}

func (f *fakeLocks) ReleaseLock(ctx context.Context, lockID string) error { return nil }

func (f *fakeLocks) ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.locks[agentID])
	delete(f.locks, agentID)
	f.released[agentID]++
	return n, nil
}

func (f *fakeLocks) GetLocksForAgent(agentID string) []core.FileLock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.FileLock(nil), f.locks[agentID]...)
}

func (f *fakeLocks) AgentHasLocks(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locks[agentID]) > 0
}

func (f *fakeLocks) GetLockStatus(filePath string) (*core.FileLock, bool) { return nil, false }

func (f *fakeLocks) Subscribe(handler func(core.LockEvent)) func() { return func() {} }

func (f *fakeLocks) releaseCount(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[agentID]
}

func newTestManager(t *testing.T, maxAgents int, rt *fakeRuntime, locks core.FileLockService) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrentAgents = maxAgents
	// Keep the background sweep out of unit tests.
	cfg.Health.CheckInterval = time.Hour
	var opts []Option
	if locks != nil {
		opts = append(opts, WithLockService(locks))
	}
	m := NewManager("session-1", cfg, rt, nil, opts...)
	t.Cleanup(func() { m.Dispose(context.Background()) })
	return m
}

func spawnCfg(id, role string) core.AgentSpawnConfig {
	return core.AgentSpawnConfig{AgentID: id, Role: role, Mode: "code", ProviderProfile: "default", Workspace: "/tmp/ws", Task: "do the thing"}
}

func TestManager_SpawnBecomesReady(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, 4, rt, nil)

	id, err := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	agent, ok := m.GetAgent(id)
	if !ok {
		t.Fatalf("agent not tracked")
	}
	if agent.Status != core.AgentStatusReady {
		t.Fatalf("expected ready, got %s", agent.Status)
	}
	if agent.HealthStatus != core.HealthHealthy {
		t.Fatalf("expected healthy, got %s", agent.HealthStatus)
	}
	if agent.SessionID == "" {
		t.Fatalf("session id not recorded")
	}
}

func TestManager_AdmissionControl(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, 1, rt, nil)

	if _, err := m.Spawn(context.Background(), spawnCfg("a1", core.RoleArchitect)); err != nil {
		t.Fatalf("first spawn failed: %v", err)
	}

	_, err := m.Spawn(context.Background(), spawnCfg("a2", core.RolePrimaryCoder))
	if !errors.Is(err, &core.DomainError{Category: core.ErrCatAdmission}) {
		t.Fatalf("expected admission error, got %v", err)
	}
	if n := m.GetActiveAgentCount(); n != 1 {
		t.Fatalf("expected 1 active agent, got %d", n)
	}

	// A stopped agent frees its slot.
	agent, _ := m.GetAgent("a1")
	rt.emit(agent.SessionID, core.RuntimeEvent{Type: core.StreamEventInterrupted})
	if _, err := m.Spawn(context.Background(), spawnCfg("a2", core.RolePrimaryCoder)); err != nil {
		t.Fatalf("spawn after slot freed failed: %v", err)
	}
}

func TestManager_DuplicateAgentID(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, 4, rt, nil)

	if _, err := m.Spawn(context.Background(), spawnCfg("a1", core.RoleArchitect)); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	_, err := m.Spawn(context.Background(), spawnCfg("a1", core.RoleArchitect))
	if !errors.Is(err, &core.DomainError{Category: core.ErrCatState, Code: "duplicate_agent"}) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestManager_SpawnFailureRollsBack(t *testing.T) {
	rt := newFakeRuntime()
	rt.spawnErr = errors.New("exec: not found")
	m := newTestManager(t, 4, rt, nil)

	if _, err := m.Spawn(context.Background(), spawnCfg("a1", core.RoleArchitect)); err == nil {
		t.Fatalf("expected spawn error")
	}
	if _, ok := m.GetAgent("a1"); ok {
		t.Fatalf("failed spawn left agent registered")
	}

	// The slot must be reusable after the failure.
	rt.spawnErr = nil
	if _, err := m.Spawn(context.Background(), spawnCfg("a1", core.RoleArchitect)); err != nil {
		t.Fatalf("respawn failed: %v", err)
	}
}

func TestManager_ErrorEventReleasesLocks(t *testing.T) {
	rt := newFakeRuntime()
	locks := newFakeLocks()
	m := newTestManager(t, 4, rt, locks)

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	_, _ = locks.AcquireLock(context.Background(), core.LockRequest{FilePath: "main.go", AgentID: id, Mode: core.LockModeWrite})

	agent, _ := m.GetAgent(id)
	rt.emit(agent.SessionID, core.RuntimeEvent{Type: core.StreamEventError, Error: "provider crashed"})

	agent, _ = m.GetAgent(id)
	if agent.Status != core.AgentStatusError {
		t.Fatalf("expected error status, got %s", agent.Status)
	}
	if agent.LastError != "provider crashed" {
		t.Fatalf("error not recorded: %q", agent.LastError)
	}
	if locks.AgentHasLocks(id) {
		t.Fatalf("locks not released on error")
	}
}

func TestManager_TerminateReleasesLocksAndSignalsShutdown(t *testing.T) {
	rt := newFakeRuntime()
	locks := newFakeLocks()
	m := newTestManager(t, 4, rt, locks)

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	_, _ = locks.AcquireLock(context.Background(), core.LockRequest{FilePath: "main.go", AgentID: id, Mode: core.LockModeWrite})
	agent, _ := m.GetAgent(id)

	if err := m.Terminate(context.Background(), id); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if locks.AgentHasLocks(id) {
		t.Fatalf("locks not released on terminate")
	}
	types := rt.sentTypes(agent.SessionID)
	if len(types) == 0 || types[len(types)-1] != core.RuntimeMsgShutdown {
		t.Fatalf("expected shutdown message, got %v", types)
	}
	agent, _ = m.GetAgent(id)
	if agent.Status != core.AgentStatusStopped {
		t.Fatalf("expected stopped, got %s", agent.Status)
	}
}

func TestManager_PauseResume(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, 4, rt, nil)

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))

	if err := m.Pause(context.Background(), id); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	agent, _ := m.GetAgent(id)
	if agent.Status != core.AgentStatusPaused {
		t.Fatalf("expected paused, got %s", agent.Status)
	}
	// A paused agent does not occupy a slot.
	if n := m.GetActiveAgentCount(); n != 0 {
		t.Fatalf("paused agent counted as active: %d", n)
	}

	// Pausing a paused agent is a lifecycle error.
	if err := m.Pause(context.Background(), id); err == nil {
		t.Fatalf("expected lifecycle error on double pause")
	}

	if err := m.Resume(context.Background(), id); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	agent, _ = m.GetAgent(id)
	if agent.Status != core.AgentStatusReady {
		t.Fatalf("expected ready, got %s", agent.Status)
	}

	if err := m.Resume(context.Background(), id); err == nil {
		t.Fatalf("expected lifecycle error on resume of ready agent")
	}

	types := rt.sentTypes(agent.SessionID)
	if len(types) != 2 || types[0] != core.RuntimeMsgPause || types[1] != core.RuntimeMsgResume {
		t.Fatalf("unexpected control messages: %v", types)
	}
}

func TestManager_RestartPreservesConfigAndCountsAttempts(t *testing.T) {
	rt := newFakeRuntime()
	locks := newFakeLocks()
	m := newTestManager(t, 4, rt, locks)

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	_, _ = locks.AcquireLock(context.Background(), core.LockRequest{FilePath: "main.go", AgentID: id, Mode: core.LockModeWrite})

	newID, err := m.Restart(context.Background(), id)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if newID == id {
		t.Fatalf("restart reused the old agent id")
	}
	if _, ok := m.GetAgent(id); ok {
		t.Fatalf("old agent still tracked after restart")
	}
	if locks.releaseCount(id) == 0 {
		t.Fatalf("restart did not release the old agent's locks")
	}

	fresh, ok := m.GetAgent(newID)
	if !ok {
		t.Fatalf("restarted agent not tracked")
	}
	if fresh.Role != core.RolePrimaryCoder || fresh.Mode != "code" {
		t.Fatalf("spawn config not preserved: %+v", fresh)
	}
	if fresh.RestartAttempts != 1 {
		t.Fatalf("expected 1 restart attempt, got %d", fresh.RestartAttempts)
	}
}

func TestManager_SendToAgent(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, 4, rt, nil)

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	agent, _ := m.GetAgent(id)

	msg := core.NewMessage(core.MessageTypeNotification, "orchestrator", id, core.MessagePayload{
		Kind:         core.PayloadKindNotification,
		Notification: &core.NotificationPayload{Event: "plan_approved"},
	})
	if err := m.SendToAgent(context.Background(), id, msg); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	sent := rt.sentTypes(agent.SessionID)
	if len(sent) != 1 || sent[0] != core.RuntimeMsgAgentMessage {
		t.Fatalf("unexpected runtime traffic: %v", sent)
	}

	if err := m.SendToAgent(context.Background(), "ghost", msg); err == nil {
		t.Fatalf("expected unknown target error")
	}
}

func TestManager_IncomingMessagesReachSink(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, 4, rt, nil)

	var mu sync.Mutex
	var got []core.AgentMessage
	m.SetMessageSink(func(msg core.AgentMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	agent, _ := m.GetAgent(id)

	inbound := core.NewMessage(core.MessageTypeStatus, id, "orchestrator", core.MessagePayload{
		Kind:   core.PayloadKindStatus,
		Status: &core.StatusPayload{Status: "working"},
	})
	rt.emit(agent.SessionID, core.RuntimeEvent{Type: core.StreamEventMessage, Message: &inbound})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].From != id {
		t.Fatalf("sink did not receive the message: %+v", got)
	}
}

func TestManager_CompleteReturnsAgentToReady(t *testing.T) {
	rt := newFakeRuntime()
	m := newTestManager(t, 4, rt, nil)

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	m.MarkBusy(id, true)
	agent, _ := m.GetAgent(id)
	if agent.Status != core.AgentStatusBusy {
		t.Fatalf("expected busy, got %s", agent.Status)
	}

	rt.emit(agent.SessionID, core.RuntimeEvent{Type: core.StreamEventComplete})
	agent, _ = m.GetAgent(id)
	if agent.Status != core.AgentStatusReady {
		t.Fatalf("expected ready after complete, got %s", agent.Status)
	}
}

func TestManager_DisposeIdempotentAndRejectsSpawn(t *testing.T) {
	rt := newFakeRuntime()
	locks := newFakeLocks()
	m := newTestManager(t, 4, rt, locks)

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	_, _ = locks.AcquireLock(context.Background(), core.LockRequest{FilePath: "main.go", AgentID: id, Mode: core.LockModeWrite})

	m.Dispose(context.Background())
	m.Dispose(context.Background())

	if locks.AgentHasLocks(id) {
		t.Fatalf("dispose did not release locks")
	}
	if _, err := m.Spawn(context.Background(), spawnCfg("a2", core.RoleArchitect)); !errors.Is(err, &core.DomainError{Category: core.ErrCatDisposed}) {
		t.Fatalf("expected disposed error, got %v", err)
	}
	if len(m.GetAllAgents()) != 0 {
		t.Fatalf("agents survived dispose")
	}
}

func TestManager_HealthEventsOnHealthChange(t *testing.T) {
	bus := events.New(100)
	defer bus.Close()
	rt := newFakeRuntime()
	cfg := DefaultConfig()
	cfg.Health.CheckInterval = time.Hour
	m := NewManager("session-1", cfg, rt, bus)
	defer m.Dispose(context.Background())

	id, _ := m.Spawn(context.Background(), spawnCfg("coder-1", core.RolePrimaryCoder))
	m.SetHealthStatus(id, core.HealthUnhealthy)
	agent, _ := m.GetAgent(id)
	if agent.HealthStatus != core.HealthUnhealthy {
		t.Fatalf("health status not applied")
	}
}
