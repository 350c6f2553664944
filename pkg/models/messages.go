package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue header names shared by every broker transport.
const (
	HeaderTraceID        = "trace-id"
	HeaderIdempotencyKey = "x-idempotency-key"
	HeaderAttempts       = "x-attempts"
	HeaderDeadLetter     = "dead_letter_reason"
)

// CompletionKeyPrefix marks idempotency keys of completion messages.
const CompletionKeyPrefix = "complete:"

// StepIdempotencyKey derives the deterministic dedup token for a step.
// Retry attempts of the same step reuse the same key.
func StepIdempotencyKey(planID, stepID string) string {
	return planID + ":" + stepID
}

// CompletionIdempotencyKey derives the dedup token for a step's completion
// message.
func CompletionIdempotencyKey(planID, stepID string) string {
	return CompletionKeyPrefix + StepIdempotencyKey(planID, stepID)
}

// StepTaskMessage is the payload published on the step topic.
type StepTaskMessage struct {
	PlanID    string   `json:"plan_id"`
	StepID    string   `json:"step_id"`
	Step      PlanStep `json:"step"`
	Attempt   int      `json:"attempt"`
	TraceID   string   `json:"trace_id,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Subject   *Subject `json:"subject,omitempty"`
}

// Encode serializes the message for broker publication.
func (m *StepTaskMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding step task message: %w", err)
	}
	return data, nil
}

// DecodeStepTaskMessage parses a step task payload and validates the
// identifiers a forged or corrupted message could carry.
func DecodeStepTaskMessage(data []byte) (*StepTaskMessage, error) {
	var msg StepTaskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding step task message: %w", err)
	}
	if !ValidPlanID(msg.PlanID) {
		return nil, fmt.Errorf("step task message: invalid plan id %q", msg.PlanID)
	}
	if !ValidStepID(msg.StepID) {
		return nil, fmt.Errorf("step task message: invalid step id %q", msg.StepID)
	}
	return &msg, nil
}

// StepCompletionMessage is the payload published on the completions topic
// when a tool invocation reaches a terminal (or running) state.
type StepCompletionMessage struct {
	PlanID     string          `json:"plan_id"`
	StepID     string          `json:"step_id"`
	State      PlanStepState   `json:"state"`
	Summary    string          `json:"summary,omitempty"`
	Output     map[string]any  `json:"output,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
	Approvals  map[string]bool `json:"approvals,omitempty"`
}

// Encode serializes the message for broker publication.
func (m *StepCompletionMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding completion message: %w", err)
	}
	return data, nil
}

// DecodeStepCompletionMessage parses a completion payload.
func DecodeStepCompletionMessage(data []byte) (*StepCompletionMessage, error) {
	var msg StepCompletionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding completion message: %w", err)
	}
	if !ValidPlanID(msg.PlanID) {
		return nil, fmt.Errorf("completion message: invalid plan id %q", msg.PlanID)
	}
	if !ValidStepID(msg.StepID) {
		return nil, fmt.Errorf("completion message: invalid step id %q", msg.StepID)
	}
	if !msg.State.Valid() {
		return nil, fmt.Errorf("completion message: unknown state %q", msg.State)
	}
	return &msg, nil
}
