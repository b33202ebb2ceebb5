package pipeline

import "fmt"

// State is one phase of a pipeline's lifecycle.
type State string

const (
	StateReceivedTask          State = "received_task"
	StateAnalyzingTask         State = "analyzing_task"
	StateSelectingInstructions State = "selecting_instructions"
	StateGeneratingSkills      State = "generating_skills"
	StatePlanning              State = "planning"
	StatePlanReady             State = "plan_ready"
	StatePlanRevisionRequired  State = "plan_revision_required"
	StateReadyForExecution     State = "ready_for_execution"
	StateExecuting             State = "executing"
	StateVerifying             State = "verifying"
	StateVerificationPassed    State = "verification_passed"
	StateVerificationFailed    State = "verification_failed"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
	StateGaveUp                State = "gave_up"
)

// InvalidTransitionError means the requested edge is not in the transition
// table. The pipeline state is left unchanged.
type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid pipeline transition: %s -> %s", e.From, e.To)
}

// transitions enumerates every legal (from, to) edge, including the
// short-circuit paths past the resource-synthesis phases and the loop-backs
// out of verification.
var transitions = map[State]map[State]struct{}{
	StateReceivedTask: {
		StateAnalyzingTask: {},
	},
	StateAnalyzingTask: {
		StateSelectingInstructions: {},
		StatePlanning:              {}, // resource synthesis skipped
		StateFailed:                {},
	},
	StateSelectingInstructions: {
		StateGeneratingSkills: {},
		StatePlanning:         {}, // skill generation skipped
		StateFailed:           {},
	},
	StateGeneratingSkills: {
		StatePlanning: {},
		StateFailed:   {},
	},
	StatePlanning: {
		StatePlanning:             {}, // in-phase replanning
		StatePlanReady:            {},
		StatePlanRevisionRequired: {},
		StateFailed:               {},
		StateGaveUp:               {},
	},
	StatePlanReady: {
		StateReadyForExecution:    {},
		StatePlanRevisionRequired: {},
		StateFailed:               {},
	},
	StatePlanRevisionRequired: {
		StatePlanning: {},
		StateFailed:   {},
		StateGaveUp:   {},
	},
	StateReadyForExecution: {
		StateExecuting: {},
		StateFailed:    {},
		StateGaveUp:    {},
	},
	StateExecuting: {
		StateVerifying: {},
		StateFailed:    {},
		StateGaveUp:    {},
	},
	StateVerifying: {
		StateVerificationPassed: {},
		StateVerificationFailed: {},
		StateCompleted:          {},
		StatePlanning:           {}, // replan
		StateReadyForExecution:  {}, // iterate
		StateFailed:             {},
		StateGaveUp:             {},
	},
	StateVerificationPassed: {
		StateCompleted: {},
	},
	StateVerificationFailed: {
		StateReadyForExecution: {}, // iterate
		StatePlanning:          {}, // replan
		StateFailed:            {},
		StateGaveUp:            {},
	},
	StateCompleted: {},
	StateFailed:    {},
	StateGaveUp:    {},
}

// Apply validates the (from, to) edge against the transition table. It
// returns the new state or an *InvalidTransitionError; no transition is ever
// applied partially.
func Apply(from, to State) (State, error) {
	allowed, ok := transitions[from]
	if !ok {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	if _, ok := transitions[to]; !ok {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	if _, ok := allowed[to]; !ok {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	return to, nil
}

// IsTerminal reports whether state has no outgoing edges.
func IsTerminal(state State) bool {
	return len(transitions[state]) == 0 && len(transitions) != 0 && validState(state)
}

func validState(state State) bool {
	_, ok := transitions[state]
	return ok
}

// PhaseName is the human-readable name used in notifications and reports.
func PhaseName(state State) string {
	switch state {
	case StateReceivedTask:
		return "Received task"
	case StateAnalyzingTask:
		return "Analyzing task"
	case StateSelectingInstructions:
		return "Selecting instructions"
	case StateGeneratingSkills:
		return "Generating skills"
	case StatePlanning:
		return "Planning"
	case StatePlanReady:
		return "Plan ready"
	case StatePlanRevisionRequired:
		return "Plan revision required"
	case StateReadyForExecution:
		return "Ready for execution"
	case StateExecuting:
		return "Executing"
	case StateVerifying:
		return "Verifying"
	case StateVerificationPassed:
		return "Verification passed"
	case StateVerificationFailed:
		return "Verification failed"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateGaveUp:
		return "Gave up"
	default:
		return string(state)
	}
}
