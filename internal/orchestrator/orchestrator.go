// Package orchestrator composes the workflow machine, agent pool, message
// router, recovery manager, checkpoint bridge, and context monitor into the
// supervisor a user task enters through.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tandem-ai/tandem/internal/checkpoint"
	"github.com/tandem-ai/tandem/internal/contextmon"
	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/logging"
	"github.com/tandem-ai/tandem/internal/pool"
	"github.com/tandem-ai/tandem/internal/recovery"
	"github.com/tandem-ai/tandem/internal/router"
	"github.com/tandem-ai/tandem/internal/workflow"
)

// supervisorID is the router address the orchestrator subscribes under.
// Agents send artifacts and status updates to this address.
const supervisorID = "orchestrator"

// Config tunes the orchestrator itself; subsystem tuning lives in Subsystems.
type Config struct {
	Workspace   string
	TaskTimeout time.Duration
	AutoApprove bool
}

// DefaultConfig returns the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Workspace:   ".",
		TaskTimeout: 5 * time.Minute,
	}
}

// Collaborators are the externally owned ports the orchestrator composes.
// Runtime, Storage, and Artifacts are required.
type Collaborators struct {
	Runtime   core.ProcessRuntime
	Storage   core.StorageAdapter
	Locks     core.FileLockService
	Artifacts core.ArtifactStore
	Roles     core.RoleRegistry
}

// Subsystems carries per-subsystem configuration. Zero values fall back to
// each subsystem's defaults.
type Subsystems struct {
	Pool       pool.Config
	Router     router.Config
	Recovery   recovery.Config
	Checkpoint checkpoint.Config
	Bridge     checkpoint.BridgeConfig
	Context    contextmon.Config
}

// phaseSpec names the role that drives a workflow state and the action the
// dispatched request carries.
type phaseSpec struct {
	role   string
	action string
}

// phasePlan maps every agent-driven state to its phase. States absent here
// (IDLE, PAUSED, ERROR, COMPLETED) dispatch nothing.
var phasePlan = map[workflow.State]phaseSpec{
	workflow.StatePlanning:           {role: core.RoleArchitect, action: "create_plan"},
	workflow.StatePlanRevision:       {role: core.RoleArchitect, action: "revise_plan"},
	workflow.StatePlanReview:         {role: core.RoleCodeSceptic, action: "review_plan"},
	workflow.StateStructureCreation:  {role: core.RolePrimaryCoder, action: "create_structure"},
	workflow.StateCodeImplementation: {role: core.RolePrimaryCoder, action: "implement_code"},
	workflow.StateCodeReview:         {role: core.RoleCodeSceptic, action: "review_code"},
	workflow.StateCodeFixing:         {role: core.RoleDebugger, action: "fix_code"},
	workflow.StateDocumentation:      {role: core.RoleDocWriter, action: "write_documentation"},
	workflow.StateTesting:            {role: core.RoleDebugger, action: "run_tests"},
}

// Orchestrator is the session supervisor.
type Orchestrator struct {
	sessionID string
	cfg       Config
	logger    *logging.Logger
	bus       *events.Bus
	ownedBus  bool

	machine     *workflow.Machine
	agents      *pool.Manager
	router      *router.Router
	recovery    *recovery.Manager
	checkpoints *checkpoint.Service
	bridge      *checkpoint.Bridge
	contextMon  *contextmon.Monitor
	artifacts   core.ArtifactStore

	mu           sync.Mutex
	agentsByRole map[string]string
	taskTimer    *time.Timer
	disposed     bool

	eventSub <-chan events.Event
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator's logger. Subsystems share it.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithBus injects an externally owned event bus. The orchestrator will not
// close it on dispose.
func WithBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
		o.ownedBus = false
	}
}

// New builds and starts an orchestrator for one session.
func New(sessionID string, cfg Config, sub Subsystems, collab Collaborators, opts ...Option) (*Orchestrator, error) {
	if collab.Runtime == nil {
		return nil, core.ErrInternal("orchestrator requires a process runtime")
	}
	if collab.Storage == nil {
		return nil, core.ErrInternal("orchestrator requires a storage adapter")
	}
	if collab.Artifacts == nil {
		return nil, core.ErrInternal("orchestrator requires an artifact store")
	}
	def := DefaultConfig()
	if cfg.Workspace == "" {
		cfg.Workspace = def.Workspace
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	o := &Orchestrator{
		sessionID:    sessionID,
		cfg:          cfg,
		logger:       logging.NewNop(),
		ownedBus:     true,
		artifacts:    collab.Artifacts,
		agentsByRole: make(map[string]string),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = events.New(256)
	}

	o.machine = workflow.NewMachine(sessionID, o.bus,
		workflow.WithStorage(collab.Storage),
		workflow.WithLogger(o.logger))

	poolOpts := []pool.Option{pool.WithLogger(o.logger)}
	if collab.Locks != nil {
		poolOpts = append(poolOpts, pool.WithLockService(collab.Locks))
	}
	if collab.Roles != nil {
		poolOpts = append(poolOpts, pool.WithRoleRegistry(collab.Roles))
	}
	o.agents = pool.NewManager(sessionID, sub.Pool, collab.Runtime, o.bus, poolOpts...)

	routerOpts := []router.Option{router.WithLogger(o.logger)}
	if collab.Locks != nil {
		routerOpts = append(routerOpts, router.WithLockService(collab.Locks))
	}
	o.router = router.New(sub.Router, o.agents, routerOpts...)
	o.agents.SetMessageSink(o.router.HandleIncomingMessage)

	svc, err := checkpoint.NewService(sub.Checkpoint, collab.Storage, o.bus, o.logger)
	if err != nil {
		return nil, err
	}
	o.checkpoints = svc
	o.bridge = checkpoint.NewBridge(sessionID, sub.Bridge, svc, o.machine, o, o.bus, o.logger)

	if sub.Recovery.MaxConcurrentAgents <= 0 {
		sub.Recovery.MaxConcurrentAgents = sub.Pool.MaxConcurrentAgents
	}
	o.recovery = recovery.New(sessionID, sub.Recovery, o.bus,
		recovery.WithPool(o.agents),
		recovery.WithDispatcher(o.router),
		recovery.WithRollbacker(&rollbackAdapter{bridge: o.bridge, machine: o.machine}),
		recovery.WithLogger(o.logger))

	o.contextMon = contextmon.New(sessionID, sub.Context, o.bus)

	if err := o.router.Subscribe(supervisorID, o.handleAgentMessage, router.SubscriptionFilter{}); err != nil {
		return nil, err
	}
	o.bridge.Start()

	o.eventSub = o.bus.Subscribe(events.TypeStateChange, events.TypeAgentHealth)
	go o.eventLoop()

	return o, nil
}

// SessionID returns the session this orchestrator supervises.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Machine exposes the workflow state machine.
func (o *Orchestrator) Machine() *workflow.Machine { return o.machine }

// Pool exposes the agent pool manager.
func (o *Orchestrator) Pool() *pool.Manager { return o.agents }

// Router exposes the message router.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Recovery exposes the error recovery manager.
func (o *Orchestrator) Recovery() *recovery.Manager { return o.recovery }

// Checkpoints exposes the checkpoint service.
func (o *Orchestrator) Checkpoints() *checkpoint.Service { return o.checkpoints }

// ContextMonitor exposes the context window monitor.
func (o *Orchestrator) ContextMonitor() *contextmon.Monitor { return o.contextMon }

// Bus exposes the event bus for additional subscribers.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// StartTask begins a new workflow for the given user task. The machine must
// be idle.
func (o *Orchestrator) StartTask(ctx context.Context, task string) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return core.ErrDisposed("orchestrator")
	}
	o.mu.Unlock()

	if err := o.machine.StartTask(task); err != nil {
		return err
	}

	o.contextMon.AddItem(contextmon.Item{
		ID:       "user-task",
		Type:     contextmon.ItemUserTask,
		Priority: 100,
	}, task)

	o.armTaskTimer()
	o.logger.Info("task started", "session_id", o.sessionID)
	return nil
}

// Pause suspends the workflow and every active agent.
func (o *Orchestrator) Pause(ctx context.Context) error {
	if err := o.machine.Pause(); err != nil {
		return err
	}
	o.stopTaskTimer()
	for _, agent := range o.agents.GetActiveAgents() {
		if err := o.agents.Pause(ctx, agent.AgentID); err != nil {
			o.logger.Warn("pausing agent failed", "agent_id", agent.AgentID, "error", err)
		}
	}
	return nil
}

// Resume continues a paused workflow.
func (o *Orchestrator) Resume(ctx context.Context) error {
	for _, agent := range o.agents.GetActiveAgents() {
		if agent.Status != core.AgentStatusPaused {
			continue
		}
		if err := o.agents.Resume(ctx, agent.AgentID); err != nil {
			o.logger.Warn("resuming agent failed", "agent_id", agent.AgentID, "error", err)
		}
	}
	if err := o.machine.Resume(); err != nil {
		return err
	}
	o.armTaskTimer()
	return nil
}

// Cancel aborts the workflow and terminates all agents.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.stopTaskTimer()
	for _, agent := range o.agents.GetActiveAgents() {
		if err := o.agents.Terminate(ctx, agent.AgentID); err != nil {
			o.logger.Warn("terminating agent failed", "agent_id", agent.AgentID, "error", err)
		}
	}
	return o.machine.Cancel()
}

// SubmitPlanReview feeds a plan review verdict into the workflow.
func (o *Orchestrator) SubmitPlanReview(approved bool) error {
	return o.machine.HandlePlanReview(approved)
}

// SubmitCodeReview feeds a code review verdict into the workflow.
func (o *Orchestrator) SubmitCodeReview(approved bool) error {
	return o.machine.HandleCodeReview(approved)
}

// SubmitTestResults feeds a test outcome into the workflow.
func (o *Orchestrator) SubmitTestResults(passed bool) error {
	if passed {
		o.stopTaskTimer()
	}
	return o.machine.HandleTestResults(passed)
}

// CreateCheckpoint takes a named checkpoint of the current workflow state.
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, name, description string) (*checkpoint.Checkpoint, error) {
	return o.bridge.CreateNamed(ctx, name, description)
}

// RollbackToLatest restores the most recent checkpoint and re-applies its
// snapshot to the workflow machine.
func (o *Orchestrator) RollbackToLatest(ctx context.Context) (*recovery.RollbackOutcome, error) {
	adapter := &rollbackAdapter{bridge: o.bridge, machine: o.machine}
	return adapter.RollbackToLatest(ctx)
}

// RollbackToCheckpoint restores a specific checkpoint by id.
func (o *Orchestrator) RollbackToCheckpoint(ctx context.Context, id string) (*recovery.RollbackOutcome, error) {
	adapter := &rollbackAdapter{bridge: o.bridge, machine: o.machine}
	return adapter.rollback(ctx, func(ctx context.Context) (*checkpoint.RestoreResult, error) {
		return o.bridge.RollbackToCheckpoint(ctx, id)
	})
}

// Status aggregates the observable state of every subsystem.
type Status struct {
	SessionID string                  `json:"session_id"`
	State     workflow.State          `json:"state"`
	Progress  int                     `json:"progress"`
	Agents    []core.AgentInstance    `json:"agents"`
	Router    router.Stats            `json:"router"`
	Recovery  recovery.Stats          `json:"recovery"`
	Context   contextmon.Stats        `json:"context"`
	Workflow  []workflow.HistoryEntry `json:"history,omitempty"`
}

// Status returns a point-in-time view across subsystems.
func (o *Orchestrator) Status() *Status {
	agents := o.agents.GetActiveAgents()
	instances := make([]core.AgentInstance, 0, len(agents))
	for _, a := range agents {
		instances = append(instances, *a)
	}
	return &Status{
		SessionID: o.sessionID,
		State:     o.machine.GetState(),
		Progress:  o.machine.GetProgress(),
		Agents:    instances,
		Router:    o.router.GetStats(),
		Recovery:  o.recovery.GetStats(),
		Context:   o.contextMon.GetStats(),
		Workflow:  o.machine.GetHistory(20),
	}
}

// ArtifactRefs implements checkpoint.RefProvider.
func (o *Orchestrator) ArtifactRefs(ctx context.Context) []core.ArtifactSummaryRef {
	refs, err := o.artifacts.GetAllSummaries(ctx)
	if err != nil {
		o.logger.Warn("collecting artifact refs failed", "error", err)
		return nil
	}
	return refs
}

// AgentRefs implements checkpoint.RefProvider.
func (o *Orchestrator) AgentRefs() []core.AgentRef {
	return o.agents.AgentRefs()
}

// Dispose shuts the orchestrator and all owned subsystems down. Idempotent.
func (o *Orchestrator) Dispose(ctx context.Context) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	timer := o.taskTimer
	o.taskTimer = nil
	o.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	close(o.stopCh)
	o.bus.Unsubscribe(o.eventSub)
	<-o.doneCh

	o.bridge.Stop()
	o.router.Unsubscribe(supervisorID)

	var g errgroup.Group
	g.Go(func() error { o.recovery.Dispose(); return nil })
	g.Go(func() error { o.router.Dispose(); return nil })
	g.Go(func() error { o.agents.Dispose(ctx); return nil })
	_ = g.Wait()

	if o.ownedBus {
		o.bus.Close()
	}
	o.logger.Info("orchestrator disposed", "session_id", o.sessionID)
}

// eventLoop consumes workflow and health events until dispose.
func (o *Orchestrator) eventLoop() {
	defer close(o.doneCh)
	for {
		select {
		case ev, ok := <-o.eventSub:
			if !ok {
				return
			}
			o.handleEvent(ev)
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) handleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.StateChangeEvent:
		o.onStateChange(e)
	case events.AgentHealthEvent:
		o.onHealthEvent(e)
	}
}

func (o *Orchestrator) onStateChange(ev events.StateChangeEvent) {
	state := workflow.State(ev.NewState)

	o.contextMon.AddItem(contextmon.Item{
		ID:       "workflow-state",
		Type:     contextmon.ItemWorkflowState,
		Priority: 100,
	}, string(state))

	if state.IsTerminal() {
		o.stopTaskTimer()
	}
	if spec, ok := phasePlan[state]; ok {
		go o.dispatchPhase(state, spec)
	}
}

// dispatchPhase ensures an agent for the phase's role exists and routes the
// phase request to it. Failures are funneled through the recovery manager,
// never surfaced to the event loop.
func (o *Orchestrator) dispatchPhase(state workflow.State, spec phaseSpec) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agentID, err := o.ensureAgent(ctx, spec.role)
	if err != nil {
		o.logger.Warn("phase dispatch failed at spawn",
			"state", state, "role", spec.role, "error", err)
		o.recovery.HandleError(ctx, recovery.ErrorContext{
			Type:          recovery.ErrTypeAgentFailure,
			Message:       err.Error(),
			SessionID:     o.sessionID,
			WorkflowState: string(state),
		})
		return
	}

	task := o.machine.GetContext().UserTask
	msg := core.RequestMessage(supervisorID, agentID, spec.action, task)
	if err := o.router.RouteMessage(ctx, msg); err != nil {
		o.logger.Warn("phase dispatch failed at route",
			"state", state, "agent_id", agentID, "error", err)
		o.recovery.HandleError(ctx, recovery.ErrorContext{
			Type:           recovery.ErrTypeMessageDelivery,
			Message:        err.Error(),
			AgentID:        agentID,
			SessionID:      o.sessionID,
			WorkflowState:  string(state),
			MessageContext: &msg,
		})
		return
	}
	o.agents.MarkBusy(agentID, true)
	o.logger.Debug("phase dispatched", "state", state, "agent_id", agentID, "action", spec.action)
}

// ensureAgent returns the live agent for the role, spawning one if needed.
func (o *Orchestrator) ensureAgent(ctx context.Context, role string) (string, error) {
	o.mu.Lock()
	if id, ok := o.agentsByRole[role]; ok {
		if agent, live := o.agents.GetAgent(id); live && agent.Status.IsActive() {
			o.mu.Unlock()
			return id, nil
		}
		delete(o.agentsByRole, role)
	}
	o.mu.Unlock()

	cfg := core.AgentSpawnConfig{
		AgentID:     role + "-" + uuid.NewString()[:8],
		Role:        role,
		Workspace:   o.cfg.Workspace,
		SessionID:   o.sessionID,
		AutoApprove: o.cfg.AutoApprove,
	}
	id, err := o.agents.Spawn(ctx, cfg)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	o.agentsByRole[role] = id
	o.mu.Unlock()
	o.machine.AddAgent(id)
	return id, nil
}

func (o *Orchestrator) onHealthEvent(ev events.AgentHealthEvent) {
	switch ev.Kind {
	case events.HealthKindUnhealthy:
		o.recovery.HandleError(context.Background(), recovery.ErrorContext{
			Type:          recovery.ErrTypeAgentUnhealthy,
			Message:       ev.Detail,
			AgentID:       ev.AgentID,
			SessionID:     o.sessionID,
			WorkflowState: string(o.machine.GetState()),
		})
	case events.HealthKindMaxRestartsReached:
		o.agents.MarkError(ev.AgentID, "agent exhausted restart attempts")
		o.recovery.HandleError(context.Background(), recovery.ErrorContext{
			Type:          recovery.ErrTypeAgentFailure,
			Message:       "agent exhausted restart attempts",
			AgentID:       ev.AgentID,
			SessionID:     o.sessionID,
			WorkflowState: string(o.machine.GetState()),
		})
	}
}

// handleAgentMessage is the router subscription for messages addressed to
// the supervisor.
func (o *Orchestrator) handleAgentMessage(msg core.AgentMessage) {
	switch msg.Payload.Kind {
	case core.PayloadKindArtifact:
		o.onArtifact(msg)
	case core.PayloadKindError:
		o.onAgentError(msg)
	case core.PayloadKindStatus:
		o.onAgentStatus(msg)
	default:
		o.logger.Debug("unhandled supervisor message", "type", msg.Type, "from", msg.From)
	}
}

func (o *Orchestrator) onArtifact(msg core.AgentMessage) {
	p := msg.Payload.Artifact
	if p == nil {
		return
	}
	// The artifact closes out the agent's dispatched phase work.
	o.agents.MarkBusy(msg.From, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	artifactType := core.ArtifactType(p.ArtifactType)
	artifactID := p.ArtifactID
	if artifactID == "" && p.Summary != "" {
		role := msg.From
		if agent, ok := o.agents.GetAgent(msg.From); ok {
			role = agent.Role
		}
		id, err := o.artifacts.CreateArtifact(ctx, artifactType, msg.From, role, p.Summary, nil)
		if err != nil {
			o.logger.Warn("storing artifact failed", "from", msg.From, "error", err)
		} else {
			artifactID = id
		}
	}
	if artifactID != "" {
		o.machine.AddArtifact(artifactID)
		o.contextMon.AddItem(contextmon.Item{
			ID:           "artifact:" + artifactID,
			Type:         contextmon.ItemArtifactSummary,
			Priority:     60,
			Compressible: true,
			Archivable:   true,
			ReferenceID:  artifactID,
		}, p.Summary)
		o.contextMon.EnforceBudget()
	}

	if err := o.machine.HandleArtifactCreated(artifactType); err != nil {
		o.logger.Warn("artifact did not advance workflow",
			"artifact_type", p.ArtifactType, "state", o.machine.GetState(), "error", err)
	}
}

func (o *Orchestrator) onAgentError(msg core.AgentMessage) {
	p := msg.Payload.Error
	if p == nil {
		return
	}
	o.agents.MarkBusy(msg.From, false)
	o.recovery.HandleError(context.Background(), recovery.ErrorContext{
		Type:           recovery.ErrTypeTaskExecution,
		Message:        p.Message,
		AgentID:        msg.From,
		SessionID:      o.sessionID,
		WorkflowState:  string(o.machine.GetState()),
		MessageContext: &msg,
	})
}

func (o *Orchestrator) onAgentStatus(msg core.AgentMessage) {
	p := msg.Payload.Status
	if p == nil {
		return
	}
	o.contextMon.AddItem(contextmon.Item{
		ID:           "agent-status:" + msg.From,
		Type:         contextmon.ItemAgentStatus,
		Priority:     40,
		Compressible: true,
		Archivable:   true,
	}, p.Status+" "+p.Activity)
}

func (o *Orchestrator) armTaskTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	if o.taskTimer != nil {
		o.taskTimer.Stop()
	}
	o.taskTimer = time.AfterFunc(o.cfg.TaskTimeout, o.onTaskTimeout)
}

func (o *Orchestrator) stopTaskTimer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.taskTimer != nil {
		o.taskTimer.Stop()
		o.taskTimer = nil
	}
}

// onTaskTimeout fires when a task exceeds its deadline while the workflow
// is still active.
func (o *Orchestrator) onTaskTimeout() {
	state := o.machine.GetState()
	if !state.IsActive() {
		return
	}

	var agentID string
	o.mu.Lock()
	if spec, ok := phasePlan[state]; ok {
		agentID = o.agentsByRole[spec.role]
	}
	o.mu.Unlock()

	o.logger.Warn("task deadline exceeded", "state", state, "agent_id", agentID)
	o.recovery.HandleError(context.Background(), recovery.ErrorContext{
		Type:          recovery.ErrTypeAgentTimeout,
		Message:       "task exceeded its deadline",
		AgentID:       agentID,
		SessionID:     o.sessionID,
		WorkflowState: string(state),
	})
}

// rollbackAdapter implements recovery.Rollbacker on top of the checkpoint
// bridge, re-applying the restored snapshot to the workflow machine. The
// bridge itself never mutates the machine.
type rollbackAdapter struct {
	bridge  *checkpoint.Bridge
	machine *workflow.Machine
}

func (a *rollbackAdapter) RollbackToLatest(ctx context.Context) (*recovery.RollbackOutcome, error) {
	return a.rollback(ctx, a.bridge.RollbackToLatest)
}

func (a *rollbackAdapter) rollback(ctx context.Context, restore func(context.Context) (*checkpoint.RestoreResult, error)) (*recovery.RollbackOutcome, error) {
	result, err := restore(ctx)
	if err != nil {
		return nil, err
	}

	snap := workflow.Snapshot{
		State:   result.State,
		History: result.History,
	}
	if result.Context != nil {
		snap.Context = *result.Context
	}
	if err := a.machine.ApplySnapshot(snap); err != nil {
		return nil, err
	}

	outcome := &recovery.RollbackOutcome{
		RestoredState: string(result.State),
		Warnings:      result.Warnings,
	}
	if result.Checkpoint != nil {
		outcome.CheckpointID = result.Checkpoint.ID
	}
	return outcome, nil
}
