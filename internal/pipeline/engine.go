package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ClancyDennis/claude-commander/internal/events"
	"github.com/ClancyDennis/claude-commander/internal/worker"
)

// Event names emitted on the bus as a pipeline progresses.
const (
	EventStepStatus    = "pipeline.step_status"
	EventStepCompleted = "pipeline.step_completed"
	EventCompleted     = "pipeline.completed"
)

// ReasonMaxIterations is the failure outcome recorded when the iteration
// budget runs out.
const ReasonMaxIterations = "max_iterations_reached"

// ErrPipelineNotFound is returned for lookups of ids the engine does not
// know about.
var ErrPipelineNotFound = errors.New("pipeline not found")

// WorkerPool is the slice of the supervisor the engine drives. Satisfied by
// *worker.Supervisor.
type WorkerPool interface {
	Spawn(workingDir string, opts worker.SpawnOptions) (string, error)
	SendInput(id, text string) error
	Stop(id string) error
	WaitTurn(ctx context.Context, id string) (worker.TurnOutcome, error)
}

// Options configures a pipeline engine.
type Options struct {
	// Model passed through to every spawned worker. Empty uses the
	// supervisor's default.
	Model string
	// MaxIterations caps the decision loop when Submit is called with 0.
	MaxIterations int
}

// Engine owns the pipeline table and runs the plan/build/verify decision
// loop against a worker pool.
type Engine struct {
	mu        sync.Mutex
	pipelines map[string]*Pipeline
	pool      WorkerPool
	bus       events.Emitter
	logger    *slog.Logger
	opts      Options
}

func NewEngine(pool WorkerPool, bus events.Emitter, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pipelines: make(map[string]*Pipeline),
		pool:      pool,
		bus:       bus,
		logger:    logger,
		opts:      opts,
	}
}

// NewID mints a pipeline id. Callers that need the id before Submit (to set
// up a working directory, say) mint it here and pass it in.
func NewID() string {
	return ulid.Make().String()
}

// Submit registers a new pipeline in the received_task state. An empty id
// gets a fresh one. maxIterations of 0 falls back to the engine's configured
// budget; the budget counts build/verify passes, so 1 means no retries at
// all.
func (e *Engine) Submit(id, request, dir string, maxIterations int) *Pipeline {
	if id == "" {
		id = NewID()
	}
	if maxIterations <= 0 {
		maxIterations = e.opts.MaxIterations
	}
	p := &Pipeline{
		ID:               id,
		Request:          request,
		Dir:              dir,
		State:            StateReceivedTask,
		CurrentIteration: 1,
		MaxIterations:    maxIterations,
		CreatedAt:        time.Now(),
		Steps: []*Step{
			{Role: RolePlan, Status: StepPending},
			{Role: RoleBuild, Status: StepPending},
			{Role: RoleVerify, Status: StepPending},
		},
	}

	e.mu.Lock()
	e.pipelines[p.ID] = p
	e.mu.Unlock()

	e.logger.Info("pipeline submitted", "pipeline", p.ID, "dir", dir, "max_iterations", maxIterations)
	return p
}

// Get returns a snapshot of the pipeline.
func (e *Engine) Get(id string) (Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pipelines[id]
	if !ok {
		return Pipeline{}, ErrPipelineNotFound
	}
	return p.snapshot(), nil
}

// List returns snapshots of every known pipeline.
func (e *Engine) List() []Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pipeline, 0, len(e.pipelines))
	for _, p := range e.pipelines {
		out = append(out, p.snapshot())
	}
	return out
}

// Run drives the pipeline to a terminal state. It returns an error only for
// structural problems (bad transitions, context cancellation, worker spawn
// failures); verdict-driven outcomes, including running out of iterations,
// end the pipeline normally with Outcome set.
func (e *Engine) Run(ctx context.Context, p *Pipeline) error {
	if err := e.advance(p, StateAnalyzingTask); err != nil {
		return err
	}
	// No instruction selection or skill generation yet; the table keeps the
	// short-circuit edge so the analysis phase goes straight to planning.
	if err := e.advance(p, StatePlanning); err != nil {
		return err
	}

	carry := ""
	for {
		plan, err := e.runStep(ctx, p, RolePlan, planPrompt(p.Request, carry))
		if err != nil {
			return e.fail(p, err)
		}
		if err := e.advance(p, StatePlanReady); err != nil {
			return err
		}
		if err := e.advance(p, StateReadyForExecution); err != nil {
			return err
		}

		replan := false
		for !replan {
			if err := e.advance(p, StateExecuting); err != nil {
				return err
			}
			build, err := e.runStep(ctx, p, RoleBuild, buildPrompt(p.Request, plan, carry))
			if err != nil {
				return e.fail(p, err)
			}

			if err := e.advance(p, StateVerifying); err != nil {
				return err
			}
			verify, err := e.runStep(ctx, p, RoleVerify, verifyPrompt(p.Request, plan, build))
			if err != nil {
				return e.fail(p, err)
			}

			decision := interpretVerdict(verify)
			e.record(p, decision)

			switch decision.Kind {
			case DecisionComplete:
				if err := e.advance(p, StateVerificationPassed); err != nil {
					return err
				}
				return e.finish(p, StateCompleted, decision)

			case DecisionGiveUp:
				return e.finish(p, StateGaveUp, decision)

			case DecisionIterate, DecisionReplan:
				if err := e.advance(p, StateVerificationFailed); err != nil {
					return err
				}
				if p.MaxIterations > 0 && p.CurrentIteration >= p.MaxIterations {
					decision.Reason = ReasonMaxIterations
					return e.finish(p, StateFailed, decision)
				}

				e.mu.Lock()
				p.CurrentIteration++
				carry = carryFeedback(carry, len(p.History), decision)
				e.mu.Unlock()

				if decision.Kind == DecisionReplan {
					e.resetSteps(p, RolePlan, RoleBuild, RoleVerify)
					if err := e.advance(p, StatePlanning); err != nil {
						return err
					}
					replan = true
				} else {
					e.resetSteps(p, RoleBuild, RoleVerify)
					if err := e.advance(p, StateReadyForExecution); err != nil {
						return err
					}
				}
			}
		}
	}
}

// runStep spawns a fresh worker in the pipeline's directory, sends it the
// prompt, and waits for a completed turn. The worker is stopped before the
// step returns, so at most one worker per pipeline runs at a time.
func (e *Engine) runStep(ctx context.Context, p *Pipeline, role StepRole, prompt string) (string, error) {
	id, err := e.pool.Spawn(p.Dir, worker.SpawnOptions{Model: e.opts.Model})
	if err != nil {
		e.markStep(p, role, func(s *Step) {
			s.Status = StepFailed
			s.Error = err.Error()
		})
		return "", fmt.Errorf("spawning %s worker: %w", role, err)
	}
	defer e.pool.Stop(id)

	now := time.Now()
	e.markStep(p, role, func(s *Step) {
		s.Status = StepRunning
		s.WorkerID = id
		s.StartedAt = &now
		s.Output = ""
		s.Error = ""
		s.CompletedAt = nil
	})

	if err := e.pool.SendInput(id, prompt); err != nil {
		e.markStep(p, role, func(s *Step) {
			s.Status = StepFailed
			s.Error = err.Error()
		})
		return "", fmt.Errorf("sending %s prompt: %w", role, err)
	}

	out, err := e.pool.WaitTurn(ctx, id)
	if err != nil {
		// The worker can disappear between SendInput and WaitTurn if it
		// crashes hard; treat that the same as an observed crash.
		if errors.Is(err, worker.ErrWorkerNotFound) {
			err = fmt.Errorf("%s worker exited before completing its turn", role)
		}
		e.markStep(p, role, func(s *Step) {
			s.Status = StepFailed
			s.Error = err.Error()
		})
		return "", err
	}
	if out.Crashed {
		err := fmt.Errorf("%s worker crashed: %s", role, out.Err)
		e.markStep(p, role, func(s *Step) {
			s.Status = StepFailed
			s.Error = err.Error()
		})
		return "", err
	}
	if out.Failed {
		err := fmt.Errorf("%s worker turn failed: %s", role, firstNonEmpty(out.Err, out.Text))
		e.markStep(p, role, func(s *Step) {
			s.Status = StepFailed
			s.Error = err.Error()
		})
		return "", err
	}

	done := time.Now()
	e.markStep(p, role, func(s *Step) {
		s.Status = StepCompleted
		s.Output = out.Text
		s.CompletedAt = &done
	})
	e.emit(EventStepCompleted, events.Payload{
		"pipeline": p.ID,
		"role":     string(role),
		"worker":   id,
		"output":   out.Text,
	})
	return out.Text, nil
}

// record appends the iteration's decision to the audit trail before the loop
// acts on it.
func (e *Engine) record(p *Pipeline, d Decision) {
	e.mu.Lock()
	p.History = append(p.History, IterationRecord{
		Iteration: p.CurrentIteration,
		Decision:  d,
		At:        time.Now(),
	})
	e.mu.Unlock()

	e.logger.Info("pipeline decision",
		"pipeline", p.ID,
		"iteration", p.CurrentIteration,
		"decision", string(d.Kind),
		"reason", d.Reason)
}

func (e *Engine) advance(p *Pipeline, to State) error {
	e.mu.Lock()
	err := p.transition(to)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.emit(EventStepStatus, events.Payload{
		"pipeline": p.ID,
		"state":    string(to),
		"phase":    PhaseName(to),
	})
	return nil
}

func (e *Engine) markStep(p *Pipeline, role StepRole, fn func(*Step)) {
	e.mu.Lock()
	s := p.step(role)
	fn(s)
	status := s.Status
	e.mu.Unlock()

	e.emit(EventStepStatus, events.Payload{
		"pipeline": p.ID,
		"role":     string(role),
		"status":   string(status),
	})
}

func (e *Engine) resetSteps(p *Pipeline, roles ...StepRole) {
	e.mu.Lock()
	for _, role := range roles {
		s := p.step(role)
		s.Status = StepPending
		s.WorkerID = ""
		s.Output = ""
		s.Error = ""
		s.StartedAt = nil
		s.CompletedAt = nil
	}
	e.mu.Unlock()
}

// finish moves the pipeline to a terminal state and records the outcome.
func (e *Engine) finish(p *Pipeline, to State, d Decision) error {
	if err := e.advance(p, to); err != nil {
		return err
	}

	now := time.Now()
	e.mu.Lock()
	p.CompletedAt = &now
	switch {
	case to == StateCompleted:
		p.Outcome = firstNonEmpty(d.Summary, "completed")
	default:
		p.Outcome = firstNonEmpty(d.Reason, string(to))
	}
	outcome := p.Outcome
	e.mu.Unlock()

	e.emit(EventCompleted, events.Payload{
		"pipeline":    p.ID,
		"state":       string(to),
		"outcome":     outcome,
		"decision":    string(d.Kind),
		"reason":      d.Reason,
		"issues":      d.Issues,
		"suggestions": d.Suggestions,
	})
	e.logger.Info("pipeline finished", "pipeline", p.ID, "state", string(to), "outcome", outcome)
	return nil
}

// fail ends the pipeline after a structural error (spawn failure, crash,
// cancellation). The error is still returned to the caller.
func (e *Engine) fail(p *Pipeline, cause error) error {
	if err := e.finish(p, StateFailed, Decision{Kind: DecisionGiveUp, Reason: cause.Error()}); err != nil {
		e.logger.Error("finalizing failed pipeline", "pipeline", p.ID, "error", err)
	}
	return cause
}

func (e *Engine) emit(name string, payload events.Payload) {
	if e.bus != nil {
		e.bus.Emit(name, payload)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
