// Package models defines the core domain types shared across the
// orchestrator: plans, plan steps, subjects, events, and the queue wire
// messages.
package models

import (
	"regexp"
	"time"
)

// MaxGoalLength is the maximum accepted length of a plan goal, in bytes,
// after trimming.
const MaxGoalLength = 2048

var (
	// planIDPattern accepts the canonical plan-<uuid-v4> form and the legacy
	// short form plan-<8..64 hex>.
	planIDPattern = regexp.MustCompile(`(?i)^plan-(?:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}|[0-9a-f]{8,64})$`)

	// stepIDPattern bounds step identifiers to a filesystem- and
	// header-safe alphabet.
	stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)
)

// ValidPlanID reports whether id is an acceptable plan identifier.
func ValidPlanID(id string) bool {
	return planIDPattern.MatchString(id)
}

// ValidStepID reports whether id is an acceptable step identifier.
func ValidStepID(id string) bool {
	return stepIDPattern.MatchString(id)
}

// PlanStepState is the lifecycle state of a single plan step.
type PlanStepState string

// Plan step lifecycle states.
const (
	StepStateQueued          PlanStepState = "queued"
	StepStateRunning         PlanStepState = "running"
	StepStateWaitingApproval PlanStepState = "waiting_approval"
	StepStateCompleted       PlanStepState = "completed"
	StepStateFailed          PlanStepState = "failed"
	StepStateRejected        PlanStepState = "rejected"
	StepStateDeadLettered    PlanStepState = "dead_lettered"
)

// Terminal reports whether the state ends the step's lifecycle.
func (s PlanStepState) Terminal() bool {
	switch s {
	case StepStateCompleted, StepStateFailed, StepStateRejected, StepStateDeadLettered:
		return true
	}
	return false
}

// Valid reports whether s is a known step state.
func (s PlanStepState) Valid() bool {
	switch s {
	case StepStateQueued, StepStateRunning, StepStateWaitingApproval,
		StepStateCompleted, StepStateFailed, StepStateRejected, StepStateDeadLettered:
		return true
	}
	return false
}

// PlanStep is a single capability-gated tool invocation within a plan.
type PlanStep struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Tool             string         `json:"tool"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capability_label,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
	ApprovalRequired bool           `json:"approval_required,omitempty"`
}

// Clone returns a deep copy of the step. Labels and the opaque maps are
// copied so callers cannot mutate stored values.
func (p PlanStep) Clone() PlanStep {
	out := p
	if p.Labels != nil {
		out.Labels = append([]string(nil), p.Labels...)
	}
	out.Input = cloneMap(p.Input)
	out.Metadata = cloneMap(p.Metadata)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Plan is an ordered sequence of agent steps produced from a user goal.
// Immutable after creation except through step transitions.
type Plan struct {
	ID        string     `json:"id"`
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps"`
	Owner     *Subject   `json:"owner,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Step returns the plan step with the given id, or false if absent.
func (p *Plan) Step(stepID string) (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return PlanStep{}, false
}
