package models

import "time"

// PersistedStep is the durable per-step row keyed by (plan_id, step_id).
// Rows exist only while the step is non-terminal; the terminal transition
// deletes the row (the plan metadata keeps a summary of past steps).
type PersistedStep struct {
	ID             string          `json:"id"`
	PlanID         string          `json:"plan_id"`
	TraceID        string          `json:"trace_id,omitempty"`
	Step           PlanStep        `json:"step"`
	State          PlanStepState   `json:"state"`
	Summary        string          `json:"summary,omitempty"`
	Output         map[string]any  `json:"output,omitempty"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Approvals      map[string]bool `json:"approvals,omitempty"`
	Subject        *Subject        `json:"subject,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone deep-copies the row so store callers cannot mutate persisted values.
func (p *PersistedStep) Clone() *PersistedStep {
	if p == nil {
		return nil
	}
	out := *p
	out.Step = p.Step.Clone()
	out.Output = cloneMap(p.Output)
	out.Subject = p.Subject.Clone()
	if p.Approvals != nil {
		out.Approvals = make(map[string]bool, len(p.Approvals))
		for k, v := range p.Approvals {
			out.Approvals[k] = v
		}
	}
	return &out
}

// StepMetadata is the per-step entry retained in PlanMetadata after the
// step row itself is gone.
type StepMetadata struct {
	Step      PlanStep  `json:"step"`
	CreatedAt time.Time `json:"created_at"`
	Attempt   int       `json:"attempt"`
	Subject   *Subject  `json:"subject,omitempty"`
}

// PlanMetadata is the durable per-plan row tracking step order and
// progress. NextStepIndex points at the first step not yet released.
type PlanMetadata struct {
	PlanID             string         `json:"plan_id"`
	TraceID            string         `json:"trace_id,omitempty"`
	Steps              []StepMetadata `json:"steps"`
	NextStepIndex      int            `json:"next_step_index"`
	LastCompletedIndex int            `json:"last_completed_index"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Clone deep-copies the metadata row.
func (m *PlanMetadata) Clone() *PlanMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Steps = make([]StepMetadata, len(m.Steps))
	for i, s := range m.Steps {
		out.Steps[i] = StepMetadata{
			Step:      s.Step.Clone(),
			CreatedAt: s.CreatedAt,
			Attempt:   s.Attempt,
			Subject:   s.Subject.Clone(),
		}
	}
	return &out
}

// StepIndex returns the position of stepID in the metadata step list, or -1.
func (m *PlanMetadata) StepIndex(stepID string) int {
	for i, s := range m.Steps {
		if s.Step.ID == stepID {
			return i
		}
	}
	return -1
}
