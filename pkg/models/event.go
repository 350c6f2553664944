package models

// EventTypePlanStep is the event name carried by every plan step event.
const EventTypePlanStep = "plan.step"

// EventStep is the step snapshot embedded in a PlanStepEvent.
type EventStep struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Tool             string         `json:"tool"`
	State            PlanStepState  `json:"state"`
	Capability       string         `json:"capability,omitempty"`
	CapabilityLabel  string         `json:"capability_label,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	TimeoutSeconds   int            `json:"timeout_seconds,omitempty"`
	ApprovalRequired bool           `json:"approval_required,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
}

// PlanStepEvent is the unit published on the event bus and streamed to SSE
// subscribers. Seq is assigned by the bus on publish and is strictly
// increasing per plan; consumers use it to reconcile replayed history with
// the live stream.
type PlanStepEvent struct {
	Event   string    `json:"event"`
	Seq     uint64    `json:"seq,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
	PlanID  string    `json:"plan_id"`
	Step    EventStep `json:"step"`
}

// NewPlanStepEvent builds an event from a step and its current state.
// Labels are cloned on publish per the event bus contract.
func NewPlanStepEvent(planID, traceID string, step PlanStep, state PlanStepState, summary string, output map[string]any) PlanStepEvent {
	return PlanStepEvent{
		Event:   EventTypePlanStep,
		TraceID: traceID,
		PlanID:  planID,
		Step: EventStep{
			ID:               step.ID,
			Action:           step.Action,
			Tool:             step.Tool,
			State:            state,
			Capability:       step.Capability,
			CapabilityLabel:  step.CapabilityLabel,
			Labels:           append([]string(nil), step.Labels...),
			TimeoutSeconds:   step.TimeoutSeconds,
			ApprovalRequired: step.ApprovalRequired,
			Summary:          summary,
			Output:           cloneMap(output),
		},
	}
}

// Clone returns a copy with its own label slice and output map.
func (e PlanStepEvent) Clone() PlanStepEvent {
	out := e
	if e.Step.Labels != nil {
		out.Step.Labels = append([]string(nil), e.Step.Labels...)
	}
	out.Step.Output = cloneMap(e.Step.Output)
	return out
}
