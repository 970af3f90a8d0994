package workflow

import "testing"

func TestValidEdge_Closure(t *testing.T) {
	// Every canonical edge resolves; a sample of unlisted pairs fails.
	cases := []struct {
		from    State
		trigger Trigger
		to      State
	}{
		{StateIdle, TriggerStartTask, StatePlanning},
		{StatePlanning, TriggerPlanCreated, StatePlanReview},
		{StatePlanReview, TriggerPlanApproved, StateStructureCreation},
		{StatePlanReview, TriggerPlanNeedsWork, StatePlanRevision},
		{StatePlanRevision, TriggerPlanRevised, StatePlanReview},
		{StateStructureCreation, TriggerStructureDone, StateCodeImplementation},
		{StateCodeImplementation, TriggerCodeDone, StateCodeReview},
		{StateCodeReview, TriggerCodeApproved, StateDocumentation},
		{StateCodeReview, TriggerCodeNeedsFixes, StateCodeFixing},
		{StateCodeFixing, TriggerCodeFixed, StateCodeReview},
		{StateDocumentation, TriggerDocsComplete, StateTesting},
		{StateTesting, TriggerTestsPassed, StateCompleted},
		{StateTesting, TriggerTestsFailed, StateCodeFixing},
		{StateError, TriggerRetryRequested, StatePlanning},
		{StateError, TriggerCancelRequested, StateIdle},
		{StateCompleted, TriggerCancelRequested, StateIdle},
	}
	for _, c := range cases {
		to, ok := validEdge(c.from, c.trigger)
		if !ok || to != c.to {
			t.Errorf("edge %s --%s--> expected %s, got %s (%v)", c.from, c.trigger, c.to, to, ok)
		}
	}

	invalid := []struct {
		from    State
		trigger Trigger
	}{
		{StateIdle, TriggerPlanCreated},
		{StateIdle, TriggerPauseRequested},
		{StatePlanning, TriggerTestsPassed},
		{StateCompleted, TriggerStartTask},
		{StateError, TriggerPlanCreated},
		{StatePaused, TriggerPlanCreated},
	}
	for _, c := range invalid {
		if _, ok := validEdge(c.from, c.trigger); ok {
			t.Errorf("edge %s --%s--> should be invalid", c.from, c.trigger)
		}
	}
}

func TestValidEdge_StructuralEdges(t *testing.T) {
	for _, s := range AllStates() {
		if !s.IsActive() {
			continue
		}
		if to, ok := validEdge(s, TriggerPauseRequested); !ok || to != StatePaused {
			t.Errorf("pause from %s should reach PAUSED", s)
		}
		if to, ok := validEdge(s, TriggerCancelRequested); !ok || to != StateIdle {
			t.Errorf("cancel from %s should reach IDLE", s)
		}
		if to, ok := validEdge(s, TriggerErrorOccurred); !ok || to != StateError {
			t.Errorf("error from %s should reach ERROR", s)
		}
	}
}

func TestProgress_MonotoneOnHappyPath(t *testing.T) {
	happy := []State{
		StateIdle, StatePlanning, StatePlanReview, StateStructureCreation,
		StateCodeImplementation, StateCodeReview, StateDocumentation,
		StateTesting, StateCompleted,
	}
	last := -1
	for _, s := range happy {
		p := ProgressFor(s)
		if p < last {
			t.Errorf("progress decreased at %s: %d < %d", s, p, last)
		}
		last = p
	}
	if ProgressFor(StateCompleted) != 100 {
		t.Errorf("COMPLETED should be 100")
	}
	if ProgressFor(StatePaused) != -1 || ProgressFor(StateError) != -1 {
		t.Errorf("PAUSED and ERROR should report -1")
	}
}

func TestParseState(t *testing.T) {
	if _, err := ParseState("PLANNING"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseState("NOT_A_STATE"); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}
