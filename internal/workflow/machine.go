package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/logging"
)

// persistTimeout bounds best-effort state saves.
const persistTimeout = 5 * time.Second

// Machine is the workflow state machine. All transitions are serialized;
// observers always see a consistent snapshot.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	state     State
	// pausedFrom is set exclusively by pause_requested and cleared by
	// resume_requested.
	pausedFrom *State
	ctx        Context
	history    []HistoryEntry
	bus        *events.Bus
	storage    core.StorageAdapter
	logger     *logging.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithStorage enables best-effort persistence through the adapter.
func WithStorage(adapter core.StorageAdapter) Option {
	return func(m *Machine) { m.storage = adapter }
}

// WithLogger sets the machine's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine creates a state machine in IDLE for the given session.
func NewMachine(sessionID string, bus *events.Bus, opts ...Option) *Machine {
	m := &Machine{
		sessionID: sessionID,
		state:     StateIdle,
		bus:       bus,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartTask begins a new task. Only legal from IDLE.
func (m *Machine) StartTask(userTask string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return core.ErrInvalidLifecycleOp("start task", m.state.String())
	}
	m.ctx.UserTask = userTask
	return m.commit(TriggerStartTask, StatePlanning, nil)
}

// Transition moves the machine to target if the transition table allows
// it. When trigger is empty, any trigger reaching target from the current
// state is accepted.
func (m *Machine) Transition(target State, trigger Trigger, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(target, trigger, metadata)
}

func (m *Machine) transitionLocked(target State, trigger Trigger, metadata map[string]any) error {
	if !ValidState(target) {
		return core.ErrInvalidTransition(m.state.String(), target.String(), stateStrings(validTargetsFrom(m.state)))
	}
	if trigger == "" {
		found := false
		for _, t := range triggersFor(m.state, target) {
			trigger = t
			found = true
			break
		}
		if !found {
			return core.ErrInvalidTransition(m.state.String(), target.String(), stateStrings(validTargetsFrom(m.state)))
		}
	} else if to, ok := validEdge(m.state, trigger); !ok || to != target {
		return core.ErrInvalidTransition(m.state.String(), target.String(), stateStrings(validTargetsFrom(m.state)))
	}
	return m.commit(trigger, target, metadata)
}

// triggersFor lists triggers that move from one state to another.
func triggersFor(from, to State) []Trigger {
	var out []Trigger
	for trigger, target := range transitions[from] {
		if target == to {
			out = append(out, trigger)
		}
	}
	if from.IsActive() {
		switch to {
		case StatePaused:
			out = append(out, TriggerPauseRequested)
		case StateIdle:
			out = append(out, TriggerCancelRequested)
		case StateError:
			out = append(out, TriggerErrorOccurred)
		}
	}
	return out
}

// commit applies side effects, records history, persists, and emits the
// state change. Caller holds the lock.
func (m *Machine) commit(trigger Trigger, target State, metadata map[string]any) error {
	previous := m.state

	switch trigger {
	case TriggerPauseRequested:
		from := previous
		m.pausedFrom = &from
	case TriggerResumeRequested:
		m.pausedFrom = nil
	case TriggerRetryRequested:
		m.ctx.RetryCount++
		m.ctx.ErrorMessage = ""
	case TriggerErrorOccurred:
		if metadata != nil {
			if msg, ok := metadata["error"].(string); ok {
				m.ctx.ErrorMessage = msg
			}
		}
	case TriggerCancelRequested:
		m.ctx = Context{}
		m.pausedFrom = nil
	}

	m.state = target
	m.appendHistory(HistoryEntry{
		State:     target,
		Timestamp: time.Now(),
		Trigger:   trigger,
		Metadata:  metadata,
	})
	m.persistLocked()

	if m.bus != nil {
		snapshot := m.ctx.clone()
		m.bus.Publish(events.NewStateChangeEvent(
			m.sessionID,
			previous.String(),
			target.String(),
			string(trigger),
			map[string]any{
				"user_task":    snapshot.UserTask,
				"current_step": snapshot.CurrentStep,
				"retry_count":  snapshot.RetryCount,
				"artifact_ids": snapshot.ArtifactIDs,
				"agent_ids":    snapshot.AgentIDs,
			},
		))
	}

	m.logger.Debug("workflow transition",
		"session", m.sessionID,
		"from", previous.String(),
		"to", target.String(),
		"trigger", string(trigger),
	)
	return nil
}

func (m *Machine) appendHistory(entry HistoryEntry) {
	m.history = append(m.history, entry)
	if len(m.history) > MaxHistoryEntries {
		m.history = m.history[len(m.history)-MaxHistoryEntries:]
	}
}

// Pause suspends an active workflow.
func (m *Machine) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsActive() {
		return core.ErrInvalidLifecycleOp("pause", m.state.String())
	}
	return m.commit(TriggerPauseRequested, StatePaused, nil)
}

// Resume returns a paused workflow to the state recorded at pause time.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused || m.pausedFrom == nil {
		return core.ErrInvalidLifecycleOp("resume", m.state.String())
	}
	return m.commit(TriggerResumeRequested, *m.pausedFrom, nil)
}

// Cancel aborts the workflow and clears its context.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return core.ErrInvalidLifecycleOp("cancel", m.state.String())
	}
	if m.state == StatePaused {
		// A paused workflow can still be cancelled.
		return m.commit(TriggerCancelRequested, StateIdle, nil)
	}
	if _, ok := validEdge(m.state, TriggerCancelRequested); !ok {
		return core.ErrInvalidLifecycleOp("cancel", m.state.String())
	}
	return m.commit(TriggerCancelRequested, StateIdle, nil)
}

// Retry restarts planning after an error. Only legal from ERROR.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateError {
		return core.ErrInvalidLifecycleOp("retry", m.state.String())
	}
	return m.commit(TriggerRetryRequested, StatePlanning, nil)
}

// Fail records an error and moves the workflow to ERROR.
func (m *Machine) Fail(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.IsActive() {
		return core.ErrInvalidLifecycleOp("fail", m.state.String())
	}
	return m.commit(TriggerErrorOccurred, StateError, map[string]any{"error": message})
}

// HandleArtifactCreated selects the canonical next state for an artifact
// produced in the current state.
func (m *Machine) HandleArtifactCreated(artifactType core.ArtifactType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type edge struct {
		trigger Trigger
		target  State
	}
	var e *edge
	switch {
	case m.state == StatePlanning && artifactType == core.ArtifactImplementationPlan:
		e = &edge{TriggerPlanCreated, StatePlanReview}
	case m.state == StatePlanRevision && artifactType == core.ArtifactImplementationPlan:
		e = &edge{TriggerPlanRevised, StatePlanReview}
	case m.state == StateStructureCreation && artifactType == core.ArtifactPseudocode:
		e = &edge{TriggerStructureDone, StateCodeImplementation}
	case m.state == StateCodeImplementation && artifactType == core.ArtifactCode:
		e = &edge{TriggerCodeDone, StateCodeReview}
	case m.state == StateCodeFixing && artifactType == core.ArtifactCode:
		e = &edge{TriggerCodeFixed, StateCodeReview}
	case m.state == StateDocumentation && artifactType == core.ArtifactDocumentation:
		e = &edge{TriggerDocsComplete, StateTesting}
	}
	if e == nil {
		return core.ErrInvalidTransition(m.state.String(), string(artifactType), stateStrings(validTargetsFrom(m.state)))
	}
	return m.commit(e.trigger, e.target, map[string]any{"artifact_type": string(artifactType)})
}

// HandlePlanReview applies the outcome of a plan review.
func (m *Machine) HandlePlanReview(approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if approved {
		return m.transitionLocked(StateStructureCreation, TriggerPlanApproved, nil)
	}
	return m.transitionLocked(StatePlanRevision, TriggerPlanNeedsWork, nil)
}

// HandleCodeReview applies the outcome of a code review.
func (m *Machine) HandleCodeReview(approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if approved {
		return m.transitionLocked(StateDocumentation, TriggerCodeApproved, nil)
	}
	return m.transitionLocked(StateCodeFixing, TriggerCodeNeedsFixes, nil)
}

// HandleTestResults applies the outcome of the testing phase.
func (m *Machine) HandleTestResults(passed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if passed {
		return m.transitionLocked(StateCompleted, TriggerTestsPassed, nil)
	}
	return m.transitionLocked(StateCodeFixing, TriggerTestsFailed, nil)
}

// AddArtifact records an artifact id in the workflow context. Duplicate
// ids are ignored.
func (m *Machine) AddArtifact(artifactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.ArtifactIDs = addUnique(m.ctx.ArtifactIDs, artifactID)
	m.persistLocked()
}

// AddAgent records an agent id in the workflow context.
func (m *Machine) AddAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.AgentIDs = addUnique(m.ctx.AgentIDs, agentID)
	m.persistLocked()
}

// SetSteps updates step accounting.
func (m *Machine) SetSteps(current, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.CurrentStep = current
	m.ctx.TotalSteps = total
}

// SetMetadata stores a metadata entry in the workflow context.
func (m *Machine) SetMetadata(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Metadata == nil {
		m.ctx.Metadata = make(map[string]any)
	}
	m.ctx.Metadata[key] = value
}

// GetState returns the current state.
func (m *Machine) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetPreviousState returns the state recorded by the last pause, if any.
func (m *Machine) GetPreviousState() (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pausedFrom == nil {
		return "", false
	}
	return *m.pausedFrom, true
}

// GetContext returns a read-only copy of the workflow context.
func (m *Machine) GetContext() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx.clone()
}

// GetHistory returns up to limit most recent history entries, oldest
// first. limit <= 0 returns the full retained history.
func (m *Machine) GetHistory(limit int) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// GetProgress returns coarse completion progress, or -1 while paused or
// in error.
func (m *Machine) GetProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ProgressFor(m.state)
}

// CanTransitionTo reports whether any trigger reaches target from the
// current state.
func (m *Machine) CanTransitionTo(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StatePaused && m.pausedFrom != nil && target == *m.pausedFrom {
		return true
	}
	for _, t := range validTargetsFrom(m.state) {
		if t == target {
			return true
		}
	}
	return false
}

// GetValidTransitions lists the states reachable from the current state.
func (m *Machine) GetValidTransitions() []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := validTargetsFrom(m.state)
	if m.state == StatePaused && m.pausedFrom != nil {
		targets = append(targets, *m.pausedFrom)
	}
	return targets
}

// IsActive reports whether the workflow is running a phase.
func (m *Machine) IsActive() bool { return m.GetState().IsActive() }

// IsPaused reports whether the workflow is paused.
func (m *Machine) IsPaused() bool { return m.GetState() == StatePaused }

// HasError reports whether the workflow is in the error state.
func (m *Machine) HasError() bool { return m.GetState() == StateError }

// IsTerminalState reports whether the workflow is at rest.
func (m *Machine) IsTerminalState() bool { return m.GetState().IsTerminal() }

// Reset returns the machine to IDLE and clears context and history.
func (m *Machine) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateIdle
	m.pausedFrom = nil
	m.ctx = Context{}
	m.history = nil
	m.persistLocked()

	if m.bus != nil {
		m.bus.Publish(events.NewWorkflowResetEvent(m.sessionID, reason))
	}
}

// Snapshot is the persisted form of the machine.
type Snapshot struct {
	Version    int            `json:"version"`
	SessionID  string         `json:"session_id"`
	State      State          `json:"state"`
	PausedFrom *State         `json:"paused_from,omitempty"`
	Context    Context        `json:"context"`
	History    []HistoryEntry `json:"history"`
	SavedAt    time.Time      `json:"saved_at"`
}

const snapshotVersion = 1

// TakeSnapshot returns a copy of the machine's full state.
func (m *Machine) TakeSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	history := make([]HistoryEntry, len(m.history))
	copy(history, m.history)
	return Snapshot{
		Version:    snapshotVersion,
		SessionID:  m.sessionID,
		State:      m.state,
		PausedFrom: m.pausedFrom,
		Context:    m.ctx.clone(),
		History:    history,
		SavedAt:    time.Now(),
	}
}

// ApplySnapshot replaces the machine's state from a snapshot. Used by the
// checkpoint rollback path.
func (m *Machine) ApplySnapshot(snap Snapshot) error {
	if !ValidState(snap.State) {
		return core.ErrInternal("snapshot carries unknown state " + string(snap.State))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = snap.State
	m.pausedFrom = snap.PausedFrom
	m.ctx = snap.Context.clone()
	m.history = append([]HistoryEntry(nil), snap.History...)
	m.persistLocked()
	return nil
}

func (m *Machine) storageKey() string {
	return "workflow_state:" + m.sessionID
}

// persistLocked writes the snapshot through the storage adapter. Best
// effort: failures are logged, never surfaced.
func (m *Machine) persistLocked() {
	if m.storage == nil {
		return
	}
	data, err := json.Marshal(m.snapshotLocked())
	if err != nil {
		m.logger.Warn("marshal workflow snapshot failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.storage.SetItem(ctx, m.storageKey(), string(data)); err != nil {
		m.logger.Warn("persist workflow snapshot failed", "error", err)
	}
}

// Restore loads the persisted snapshot, if present.
func (m *Machine) Restore(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}
	value, ok, err := m.storage.GetItem(ctx, m.storageKey())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err != nil {
		return core.ErrInternal("corrupt workflow snapshot").WithCause(err)
	}
	return m.ApplySnapshot(snap)
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}
