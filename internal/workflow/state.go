// Package workflow implements the orchestration workflow state machine:
// the single source of truth for where a task is in its lifecycle and
// which transitions are legal.
package workflow

import "fmt"

// State enumerates the workflow lifecycle states.
type State string

const (
	StateIdle               State = "IDLE"
	StatePlanning           State = "PLANNING"
	StatePlanReview         State = "PLAN_REVIEW"
	StatePlanRevision       State = "PLAN_REVISION"
	StateStructureCreation  State = "STRUCTURE_CREATION"
	StateCodeImplementation State = "CODE_IMPLEMENTATION"
	StateCodeReview         State = "CODE_REVIEW"
	StateCodeFixing         State = "CODE_FIXING"
	StateDocumentation      State = "DOCUMENTATION"
	StateTesting            State = "TESTING"
	StateCompleted          State = "COMPLETED"
	StatePaused             State = "PAUSED"
	StateError              State = "ERROR"
)

// AllStates returns the closed set of workflow states.
func AllStates() []State {
	return []State{
		StateIdle, StatePlanning, StatePlanReview, StatePlanRevision,
		StateStructureCreation, StateCodeImplementation, StateCodeReview,
		StateCodeFixing, StateDocumentation, StateTesting,
		StateCompleted, StatePaused, StateError,
	}
}

// ValidState reports whether s is a known state.
func ValidState(s State) bool {
	switch s {
	case StateIdle, StatePlanning, StatePlanReview, StatePlanRevision,
		StateStructureCreation, StateCodeImplementation, StateCodeReview,
		StateCodeFixing, StateDocumentation, StateTesting,
		StateCompleted, StatePaused, StateError:
		return true
	default:
		return false
	}
}

// ParseState converts a string to a State with validation.
func ParseState(s string) (State, error) {
	st := State(s)
	if !ValidState(st) {
		return "", fmt.Errorf("invalid workflow state: %s", s)
	}
	return st, nil
}

// String returns the string representation of the state.
func (s State) String() string { return string(s) }

// IsActive reports whether the state is part of a running workflow.
// Paused, error, and terminal states are not active.
func (s State) IsActive() bool {
	switch s {
	case StatePlanning, StatePlanReview, StatePlanRevision,
		StateStructureCreation, StateCodeImplementation, StateCodeReview,
		StateCodeFixing, StateDocumentation, StateTesting:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the workflow has reached a resting state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateIdle
}

// Trigger names the cause of a transition.
type Trigger string

const (
	TriggerStartTask      Trigger = "start_task"
	TriggerPlanCreated    Trigger = "plan_created"
	TriggerPlanApproved   Trigger = "plan_approved"
	TriggerPlanNeedsWork  Trigger = "plan_needs_revision"
	TriggerPlanRevised    Trigger = "plan_revised"
	TriggerStructureDone  Trigger = "structure_created"
	TriggerCodeDone       Trigger = "code_implemented"
	TriggerCodeApproved   Trigger = "code_approved"
	TriggerCodeNeedsFixes Trigger = "code_needs_fixes"
	TriggerCodeFixed      Trigger = "code_fixed"
	TriggerDocsComplete   Trigger = "documentation_complete"
	TriggerTestsPassed    Trigger = "tests_passed"
	TriggerTestsFailed    Trigger = "tests_failed"
	TriggerErrorOccurred  Trigger = "error_occurred"
	TriggerRetryRequested Trigger = "retry_requested"
	TriggerPauseRequested Trigger = "pause_requested"
	TriggerResumeRequested Trigger = "resume_requested"
	TriggerCancelRequested Trigger = "cancel_requested"
)

// transitions is the canonical edge table. Pause, resume, cancel, and
// error edges are handled structurally in validTargets since they apply
// to whole classes of states.
var transitions = map[State]map[Trigger]State{
	StateIdle: {
		TriggerStartTask: StatePlanning,
	},
	StatePlanning: {
		TriggerPlanCreated: StatePlanReview,
	},
	StatePlanReview: {
		TriggerPlanApproved:  StateStructureCreation,
		TriggerPlanNeedsWork: StatePlanRevision,
	},
	StatePlanRevision: {
		TriggerPlanRevised: StatePlanReview,
	},
	StateStructureCreation: {
		TriggerStructureDone: StateCodeImplementation,
	},
	StateCodeImplementation: {
		TriggerCodeDone: StateCodeReview,
	},
	StateCodeReview: {
		TriggerCodeApproved:   StateDocumentation,
		TriggerCodeNeedsFixes: StateCodeFixing,
	},
	StateCodeFixing: {
		TriggerCodeFixed: StateCodeReview,
	},
	StateDocumentation: {
		TriggerDocsComplete: StateTesting,
	},
	StateTesting: {
		TriggerTestsPassed: StateCompleted,
		TriggerTestsFailed: StateCodeFixing,
	},
	StateError: {
		TriggerRetryRequested:  StatePlanning,
		TriggerCancelRequested: StateIdle,
	},
	StateCompleted: {
		TriggerCancelRequested: StateIdle,
	},
}

// validEdge resolves (from, trigger) to a target state.
func validEdge(from State, trigger Trigger) (State, bool) {
	// Structural edges first: pause/cancel from any active state, error
	// from any active state, resume handled by the machine (needs the
	// recorded previous state).
	if from.IsActive() {
		switch trigger {
		case TriggerPauseRequested:
			return StatePaused, true
		case TriggerCancelRequested:
			return StateIdle, true
		case TriggerErrorOccurred:
			return StateError, true
		}
	}
	if edges, ok := transitions[from]; ok {
		if to, ok := edges[trigger]; ok {
			return to, true
		}
	}
	return "", false
}

// validTargetsFrom lists the distinct states reachable from a state.
func validTargetsFrom(from State) []State {
	seen := make(map[State]bool)
	var targets []State
	add := func(s State) {
		if !seen[s] {
			seen[s] = true
			targets = append(targets, s)
		}
	}
	for _, to := range transitions[from] {
		add(to)
	}
	if from.IsActive() {
		add(StatePaused)
		add(StateIdle)
		add(StateError)
	}
	if from == StatePaused {
		// Resume target depends on the recorded previous state; the
		// machine reports it, this table cannot.
		add(StateIdle)
	}
	return targets
}

// progressByState is the fixed coarse progress mapping. Monotone
// non-decreasing along any happy path.
var progressByState = map[State]int{
	StateIdle:               0,
	StatePlanning:           10,
	StatePlanRevision:       15,
	StatePlanReview:         20,
	StateStructureCreation:  30,
	StateCodeImplementation: 45,
	StateCodeFixing:         50,
	StateCodeReview:         60,
	StateDocumentation:      75,
	StateTesting:            90,
	StateCompleted:          100,
}

// ProgressFor returns the progress percentage for a state, or -1 for
// paused and error states.
func ProgressFor(s State) int {
	if s == StatePaused || s == StateError {
		return -1
	}
	if p, ok := progressByState[s]; ok {
		return p
	}
	return 0
}
