package checkpoint

import (
	"context"
	"sync"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/events"
	"github.com/tandem-ai/tandem/internal/logging"
	"github.com/tandem-ai/tandem/internal/workflow"
)

// RefProvider supplies the artifact and agent references captured in a
// checkpoint. Implemented by the orchestrator.
type RefProvider interface {
	ArtifactRefs(ctx context.Context) []core.ArtifactSummaryRef
	AgentRefs() []core.AgentRef
}

// BridgeConfig tunes automatic checkpointing.
type BridgeConfig struct {
	AutoCheckpoint       bool
	AutoCheckpointStates []workflow.State
}

// DefaultBridgeConfig checkpoints at the states where meaningful work has
// just been committed.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		AutoCheckpoint: true,
		AutoCheckpointStates: []workflow.State{
			workflow.StatePlanReview,
			workflow.StateStructureCreation,
			workflow.StateCodeReview,
			workflow.StateDocumentation,
			workflow.StateTesting,
			workflow.StateCompleted,
		},
	}
}

// Bridge connects the checkpoint service to the workflow machine: it takes
// automatic checkpoints on state changes and re-emits restores as rollback
// events. It never mutates the machine; consumers apply restored state.
type Bridge struct {
	mu        sync.Mutex
	cfg       BridgeConfig
	svc       *Service
	machine   *workflow.Machine
	refs      RefProvider
	bus       *events.Bus
	logger    *logging.Logger
	sessionID string

	autoStates map[workflow.State]bool
	sub        <-chan events.Event
	doneCh     chan struct{}
	started    bool
	stopped    bool
}

// NewBridge creates a checkpoint bridge.
func NewBridge(sessionID string, cfg BridgeConfig, svc *Service, machine *workflow.Machine, refs RefProvider, bus *events.Bus, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.NewNop()
	}
	autoStates := make(map[workflow.State]bool, len(cfg.AutoCheckpointStates))
	for _, st := range cfg.AutoCheckpointStates {
		autoStates[st] = true
	}
	return &Bridge{
		cfg:        cfg,
		svc:        svc,
		machine:    machine,
		refs:       refs,
		bus:        bus,
		logger:     logger,
		sessionID:  sessionID,
		autoStates: autoStates,
		doneCh:     make(chan struct{}),
	}
}

// Start begins watching state changes for auto-checkpointing. Idempotent.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started || b.stopped || b.bus == nil || !b.cfg.AutoCheckpoint {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.sub = b.bus.Subscribe(events.TypeStateChange)
	sub := b.sub
	b.mu.Unlock()

	go func() {
		defer close(b.doneCh)
		for ev := range sub {
			change, ok := ev.(events.StateChangeEvent)
			if !ok {
				continue
			}
			state := workflow.State(change.NewState)
			if !b.autoStates[state] {
				continue
			}
			if _, err := b.CreateNamed(context.Background(), "Auto-checkpoint: "+change.NewState, ""); err != nil {
				b.logger.Warn("auto-checkpoint failed", "state", change.NewState, "error", err)
			}
		}
	}()
}

// Stop unsubscribes and waits for the watcher to exit. Idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	sub := b.sub
	b.mu.Unlock()

	if started {
		b.bus.Unsubscribe(sub)
		<-b.doneCh
	}
}

// CreateNamed takes a checkpoint of the machine's current state.
func (b *Bridge) CreateNamed(ctx context.Context, name, description string) (*Checkpoint, error) {
	in := CreateInput{
		Name:        name,
		Description: description,
		Workflow:    b.machine.TakeSnapshot(),
	}
	if b.refs != nil {
		in.ArtifactRefs = b.refs.ArtifactRefs(ctx)
		in.AgentRefs = b.refs.AgentRefs()
	}
	return b.svc.Create(ctx, in)
}

// RollbackToLatest restores the most recent active checkpoint.
func (b *Bridge) RollbackToLatest(ctx context.Context) (*RestoreResult, error) {
	cp, err := b.svc.GetLatest(ctx, b.sessionID)
	if err != nil {
		return nil, err
	}
	return b.RollbackToCheckpoint(ctx, cp.ID)
}

// RollbackToState restores the newest checkpoint taken at the given state.
func (b *Bridge) RollbackToState(ctx context.Context, state workflow.State) (*RestoreResult, error) {
	cps, err := b.svc.GetForState(ctx, b.sessionID, state)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, core.ErrNotFound("checkpoint at state", string(state))
	}
	return b.RollbackToCheckpoint(ctx, cps[0].ID)
}

// RollbackToCheckpoint restores a specific checkpoint and emits the
// rollback event consumers re-apply to the machine.
func (b *Bridge) RollbackToCheckpoint(ctx context.Context, id string) (*RestoreResult, error) {
	result, err := b.svc.Restore(ctx, id, RestoreOptions{})
	if err != nil {
		return nil, err
	}

	if b.bus != nil {
		ev := events.NewRollbackEvent(b.sessionID, id, string(result.State))
		ev.Warnings = result.Warnings
		if result.Context != nil {
			ev.Context = map[string]any{
				"user_task":     result.Context.UserTask,
				"current_step":  result.Context.CurrentStep,
				"total_steps":   result.Context.TotalSteps,
				"error_message": result.Context.ErrorMessage,
				"retry_count":   result.Context.RetryCount,
			}
		}
		for _, ref := range result.ArtifactRefs {
			ev.ArtifactRefs = append(ev.ArtifactRefs, ref.ArtifactID)
		}
		for _, ref := range result.AgentRefs {
			ev.AgentRefs = append(ev.AgentRefs, ref.AgentID)
		}
		b.bus.PublishPriority(ev)
	}

	b.logger.Info("rollback completed", "checkpoint_id", id, "restored_state", result.State)
	return result, nil
}
