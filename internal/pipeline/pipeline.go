package pipeline

import (
	"time"
)

// StepRole identifies which worker a step drives.
type StepRole string

const (
	RolePlan   StepRole = "plan"
	RoleBuild  StepRole = "build"
	RoleVerify StepRole = "verify"
)

// StepStatus tracks a step's progress within the current iteration.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Step is one worker-backed stage of a pipeline. Output holds the worker's
// final text from the turn that completed the step.
type Step struct {
	Role        StepRole   `json:"role"`
	Status      StepStatus `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DecisionKind is the verdict the decision loop acts on after each
// verification pass.
type DecisionKind string

const (
	DecisionComplete DecisionKind = "complete"
	DecisionIterate  DecisionKind = "iterate"
	DecisionReplan   DecisionKind = "replan"
	DecisionGiveUp   DecisionKind = "give_up"
)

// Decision is the interpreted outcome of a verification step.
type Decision struct {
	Kind        DecisionKind `json:"kind"`
	Summary     string       `json:"summary,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Issues      []string     `json:"issues,omitempty"`
	Suggestions []string     `json:"suggestions,omitempty"`
}

// IterationRecord is an append-only audit entry. It is written before the
// decision is acted on, so the trail survives even if acting on the decision
// crashes the process.
type IterationRecord struct {
	Iteration int       `json:"iteration"`
	Decision  Decision  `json:"decision"`
	At        time.Time `json:"at"`
}

// Pipeline is one supervised plan/build/verify run. It is mutated only by
// the engine's decision loop; readers get snapshots via Engine.Get.
type Pipeline struct {
	ID               string            `json:"id"`
	Request          string            `json:"request"`
	Dir              string            `json:"dir"`
	State            State             `json:"state"`
	Steps            []*Step           `json:"steps"`
	CurrentIteration int               `json:"current_iteration"`
	MaxIterations    int               `json:"max_iterations"` // 0 means unbounded
	History          []IterationRecord `json:"history"`
	Outcome          string            `json:"outcome,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

// step returns the pipeline's step for role. The three steps are created at
// submission time, so the lookup cannot miss in practice.
func (p *Pipeline) step(role StepRole) *Step {
	for _, s := range p.Steps {
		if s.Role == role {
			return s
		}
	}
	s := &Step{Role: role, Status: StepPending}
	p.Steps = append(p.Steps, s)
	return s
}

// transition moves the pipeline along one table edge.
func (p *Pipeline) transition(to State) error {
	next, err := Apply(p.State, to)
	if err != nil {
		return err
	}
	p.State = next
	return nil
}

// snapshot deep-copies the pipeline for lock-free readers.
func (p *Pipeline) snapshot() Pipeline {
	out := *p
	out.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		c := *s
		out.Steps[i] = &c
	}
	out.History = append([]IterationRecord(nil), p.History...)
	return out
}
