package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tandem-ai/tandem/internal/adapters/state"
	"github.com/tandem-ai/tandem/internal/artifacts"
	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/pool"
	"github.com/tandem-ai/tandem/internal/recovery"
	"github.com/tandem-ai/tandem/internal/workflow"
)

// fakeRuntime mirrors the pool's in-memory runtime: spawned sessions report
// session_created immediately and keep their event handler for later emits.
type fakeRuntime struct {
	mu       sync.Mutex
	seq      int
	handlers map[string]core.RuntimeEventHandler
	sent     map[string][]core.RuntimeMessage
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		handlers: make(map[string]core.RuntimeEventHandler),
		sent:     make(map[string][]core.RuntimeMessage),
	}
}

func (f *fakeRuntime) SpawnProcess(ctx context.Context, workspace, task string, config core.AgentSpawnConfig, onEvent core.RuntimeEventHandler) (string, error) {
	f.mu.Lock()
	f.seq++
	sessionID := fmt.Sprintf("sess-%d", f.seq)
	f.handlers[sessionID] = onEvent
	f.mu.Unlock()

	onEvent(sessionID, core.RuntimeEvent{Type: core.StreamEventSessionCreated, SessionID: sessionID, Timestamp: time.Now()})
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

func (f *fakeRuntime) sentAgentMessages(sessionID string) []core.AgentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.AgentMessage
	for _, msg := range f.sent[sessionID] {
		if msg.Type == core.RuntimeMsgAgentMessage && msg.Message != nil {
			out = append(out, *msg.Message)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, rt *fakeRuntime) *Orchestrator {
	t.Helper()
	o, err := New("session-1",
		Config{Workspace: t.TempDir(), TaskTimeout: time.Minute},
		Subsystems{
			Pool:     pool.Config{MaxConcurrentAgents: 8},
			Recovery: recovery.DefaultConfig(),
		},
		Collaborators{
			Runtime:   rt,
			Storage:   state.NewMemoryAdapter(),
			Artifacts: artifacts.NewStore(),
		})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	quietRecovery(o)
	t.Cleanup(func() { o.Dispose(context.Background()) })
	return o
}

// quietRecovery replaces backoff-heavy strategies so tests run instantly.
func quietRecovery(o *Orchestrator) {
	for _, errType := range []recovery.ErrorType{
		recovery.ErrTypeTaskExecution,
		recovery.ErrTypeAgentTimeout,
		recovery.ErrTypeAgentFailure,
		recovery.ErrTypeMessageDelivery,
	} {
		o.Recovery().SetStrategies(errType, []recovery.Strategy{
			{Type: recovery.StrategyNotifyUser, MaxAttempts: 1},
		})
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// agentForRole finds the live agent spawned for a role.
func agentForRole(o *Orchestrator, role string) (*core.AgentInstance, bool) {
	for _, agent := range o.Pool().GetActiveAgents() {
		if agent.Role == role {
			return agent, true
		}
	}
	return nil, false
}

// deliverArtifact emits an artifact message from the role's agent session.
func deliverArtifact(t *testing.T, o *Orchestrator, rt *fakeRuntime, role string, artifactType core.ArtifactType, summary string) {
	t.Helper()
	agent, ok := agentForRole(o, role)
	if !ok {
		t.Fatalf("no live agent for role %s", role)
	}
	msg := core.NewMessage(core.MessageTypeArtifact, agent.AgentID, "orchestrator", core.MessagePayload{
		Kind:     core.PayloadKindArtifact,
		Artifact: &core.ArtifactPayload{ArtifactType: string(artifactType), Summary: summary},
	})
	rt.emit(agent.SessionID, core.RuntimeEvent{Type: core.StreamEventMessage, Message: &msg, Timestamp: time.Now()})
}

func TestStartTask_DispatchesPlanningAgent(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "Implement auth"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if got := o.Machine().GetState(); got != workflow.StatePlanning {
		t.Fatalf("expected PLANNING, got %s", got)
	}

	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})

	agent, _ := agentForRole(o, core.RoleArchitect)
	waitFor(t, "create_plan request", func() bool {
		for _, msg := range rt.sentAgentMessages(agent.SessionID) {
			if msg.Payload.Request != nil && msg.Payload.Request.Action == "create_plan" {
				return msg.Payload.Request.Task == "Implement auth"
			}
		}
		return false
	})
}

func TestDispatch_MarksAgentBusyUntilArtifact(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "task"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})

	waitFor(t, "architect to be marked busy after dispatch", func() bool {
		agent, ok := agentForRole(o, core.RoleArchitect)
		return ok && agent.Status == core.AgentStatusBusy
	})

	deliverArtifact(t, o, rt, core.RoleArchitect, core.ArtifactImplementationPlan, "plan")
	waitFor(t, "architect to return to ready after its artifact", func() bool {
		agent, ok := agentForRole(o, core.RoleArchitect)
		return ok && agent.Status == core.AgentStatusReady
	})
}

func TestStartTask_RejectsWhenNotIdle(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "first"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := o.StartTask(context.Background(), "second"); err == nil {
		t.Fatal("second start should fail while a task is running")
	}
}

func TestHappyPath_FullWorkflow(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "Implement auth"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})

	deliverArtifact(t, o, rt, core.RoleArchitect, core.ArtifactImplementationPlan, "Auth plan: token issuance and middleware")
	if got := o.Machine().GetState(); got != workflow.StatePlanReview {
		t.Fatalf("after plan artifact expected PLAN_REVIEW, got %s", got)
	}

	if err := o.SubmitPlanReview(true); err != nil {
		t.Fatalf("plan review: %v", err)
	}
	waitFor(t, "primary coder spawn", func() bool {
		_, ok := agentForRole(o, core.RolePrimaryCoder)
		return ok
	})

	deliverArtifact(t, o, rt, core.RolePrimaryCoder, core.ArtifactPseudocode, "Module layout and handler stubs")
	if got := o.Machine().GetState(); got != workflow.StateCodeImplementation {
		t.Fatalf("after pseudocode expected CODE_IMPLEMENTATION, got %s", got)
	}

	deliverArtifact(t, o, rt, core.RolePrimaryCoder, core.ArtifactCode, "Auth middleware implementation")
	if got := o.Machine().GetState(); got != workflow.StateCodeReview {
		t.Fatalf("after code expected CODE_REVIEW, got %s", got)
	}

	if err := o.SubmitCodeReview(true); err != nil {
		t.Fatalf("code review: %v", err)
	}
	waitFor(t, "doc writer spawn", func() bool {
		_, ok := agentForRole(o, core.RoleDocWriter)
		return ok
	})

	deliverArtifact(t, o, rt, core.RoleDocWriter, core.ArtifactDocumentation, "Auth module usage guide")
	if got := o.Machine().GetState(); got != workflow.StateTesting {
		t.Fatalf("after docs expected TESTING, got %s", got)
	}

	if err := o.SubmitTestResults(true); err != nil {
		t.Fatalf("test results: %v", err)
	}
	if got := o.Machine().GetState(); got != workflow.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	if got := o.Machine().GetProgress(); got != 100 {
		t.Fatalf("expected progress 100, got %d", got)
	}

	// Artifacts were stored and recorded in the workflow context.
	wctx := o.Machine().GetContext()
	if len(wctx.ArtifactIDs) != 4 {
		t.Fatalf("expected 4 artifact ids in context, got %d", len(wctx.ArtifactIDs))
	}
	refs := o.ArtifactRefs(context.Background())
	if len(refs) != 4 {
		t.Fatalf("expected 4 stored artifacts, got %d", len(refs))
	}
}

func TestPlanRejection_LoopsThroughRevision(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "task"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})
	deliverArtifact(t, o, rt, core.RoleArchitect, core.ArtifactImplementationPlan, "first draft")

	if err := o.SubmitPlanReview(false); err != nil {
		t.Fatalf("plan rejection: %v", err)
	}
	if got := o.Machine().GetState(); got != workflow.StatePlanRevision {
		t.Fatalf("expected PLAN_REVISION, got %s", got)
	}

	deliverArtifact(t, o, rt, core.RoleArchitect, core.ArtifactImplementationPlan, "revised draft")
	if got := o.Machine().GetState(); got != workflow.StatePlanReview {
		t.Fatalf("expected PLAN_REVIEW after revision, got %s", got)
	}
	if err := o.SubmitPlanReview(true); err != nil {
		t.Fatalf("plan approval: %v", err)
	}
	if got := o.Machine().GetState(); got != workflow.StateStructureCreation {
		t.Fatalf("expected STRUCTURE_CREATION, got %s", got)
	}
}

func TestAgentErrorReachesRecovery(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "task"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})

	agent, _ := agentForRole(o, core.RoleArchitect)
	msg := core.NewMessage(core.MessageTypeError, agent.AgentID, "orchestrator", core.MessagePayload{
		Kind:  core.PayloadKindError,
		Error: &core.ErrorPayload{Message: "provider returned 500"},
	})
	rt.emit(agent.SessionID, core.RuntimeEvent{Type: core.StreamEventMessage, Message: &msg, Timestamp: time.Now()})

	waitFor(t, "recovery to record the error", func() bool {
		return o.Recovery().GetStats().ErrorsByType[recovery.ErrTypeTaskExecution] >= 1
	})
}

func TestTaskTimeout_RaisesAgentTimeout(t *testing.T) {
	rt := newFakeRuntime()
	o, err := New("session-t",
		Config{Workspace: t.TempDir(), TaskTimeout: 30 * time.Millisecond},
		Subsystems{
			Pool:     pool.Config{MaxConcurrentAgents: 8},
			Recovery: recovery.DefaultConfig(),
		},
		Collaborators{
			Runtime:   rt,
			Storage:   state.NewMemoryAdapter(),
			Artifacts: artifacts.NewStore(),
		})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	quietRecovery(o)
	defer o.Dispose(context.Background())

	if err := o.StartTask(context.Background(), "slow task"); err != nil {
		t.Fatalf("start task: %v", err)
	}

	waitFor(t, "timeout to reach recovery", func() bool {
		return o.Recovery().GetStats().ErrorsByType[recovery.ErrTypeAgentTimeout] >= 1
	})
}

func TestCheckpointRollback_RestoresMachineState(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "task"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	cp, err := o.CreateCheckpoint(context.Background(), "before review", "")
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})
	deliverArtifact(t, o, rt, core.RoleArchitect, core.ArtifactImplementationPlan, "plan")
	if got := o.Machine().GetState(); got != workflow.StatePlanReview {
		t.Fatalf("expected PLAN_REVIEW, got %s", got)
	}

	outcome, err := o.RollbackToCheckpoint(context.Background(), cp.ID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if outcome.RestoredState != string(workflow.StatePlanning) {
		t.Fatalf("expected restored state PLANNING, got %s", outcome.RestoredState)
	}
	if got := o.Machine().GetState(); got != workflow.StatePlanning {
		t.Fatalf("machine should be back in PLANNING, got %s", got)
	}
	if task := o.Machine().GetContext().UserTask; task != "task" {
		t.Fatalf("restored context lost the user task: %q", task)
	}
}

func TestPauseAndResume(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "task"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})

	if err := o.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := o.Machine().GetState(); got != workflow.StatePaused {
		t.Fatalf("expected PAUSED, got %s", got)
	}

	if err := o.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := o.Machine().GetState(); got != workflow.StatePlanning {
		t.Fatalf("expected PLANNING after resume, got %s", got)
	}
}

func TestStatus_AggregatesSubsystems(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	if err := o.StartTask(context.Background(), "task"); err != nil {
		t.Fatalf("start task: %v", err)
	}
	waitFor(t, "architect spawn", func() bool {
		_, ok := agentForRole(o, core.RoleArchitect)
		return ok
	})

	st := o.Status()
	if st.SessionID != "session-1" {
		t.Fatalf("unexpected session id %q", st.SessionID)
	}
	if st.State != workflow.StatePlanning {
		t.Fatalf("unexpected state %s", st.State)
	}
	if len(st.Agents) == 0 {
		t.Fatal("status should list the spawned agent")
	}
	if st.Context.ItemCount == 0 {
		t.Fatal("context monitor should track the user task")
	}
}

func TestDispose_Idempotent(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrchestrator(t, rt)

	o.Dispose(context.Background())
	o.Dispose(context.Background())

	if err := o.StartTask(context.Background(), "task"); err == nil {
		t.Fatal("start after dispose should fail")
	}
}
