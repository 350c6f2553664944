package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidPlanID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"plan-123e4567-e89b-42d3-a456-426614174000", true},
		{"plan-abc12345", true},
		{"PLAN-ABC12345", true}, // case-insensitive
		{"plan-" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", true},
		{"plan-abc1234", false},  // 7 hex, too short
		{"plan-xyz12345", false}, // non-hex
		{"run-abc12345", false},
		{"", false},
		{"plan-", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidPlanID(tt.id), "id=%q", tt.id)
	}
}

func TestValidStepID(t *testing.T) {
	assert.True(t, ValidStepID("step-1"))
	assert.True(t, ValidStepID("a.b_c-D"))
	assert.False(t, ValidStepID(""))
	assert.False(t, ValidStepID("has space"))
	assert.False(t, ValidStepID(string(make([]byte, 65))))
}

func TestStepStateTerminal(t *testing.T) {
	for _, s := range []PlanStepState{StepStateCompleted, StepStateFailed, StepStateRejected, StepStateDeadLettered} {
		assert.True(t, s.Terminal(), "state=%s", s)
	}
	for _, s := range []PlanStepState{StepStateQueued, StepStateRunning, StepStateWaitingApproval} {
		assert.False(t, s.Terminal(), "state=%s", s)
	}
}

func TestStepTaskMessageRoundTrip(t *testing.T) {
	msg := &StepTaskMessage{
		PlanID:  "plan-abc12345",
		StepID:  "step-1",
		Step:    PlanStep{ID: "step-1", Action: "write file", Tool: "fs.write", Capability: "tool.write", Labels: []string{"fs"}},
		Attempt: 2,
		TraceID: "trace-1",
		Subject: &Subject{SessionID: "sess-1", TenantID: "t1"},
	}
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeStepTaskMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeStepTaskMessageRejectsForgedIDs(t *testing.T) {
	_, err := DecodeStepTaskMessage([]byte(`{"plan_id":"not-a-plan","step_id":"s"}`))
	assert.Error(t, err)

	_, err = DecodeStepTaskMessage([]byte(`{"plan_id":"plan-abc12345","step_id":"bad step"}`))
	assert.Error(t, err)

	_, err = DecodeStepTaskMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeStepCompletionMessage(t *testing.T) {
	msg := &StepCompletionMessage{
		PlanID:  "plan-abc12345",
		StepID:  "step-1",
		State:   StepStateCompleted,
		Summary: "done",
		Attempt: 1,
	}
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeStepCompletionMessage(data)
	require.NoError(t, err)
	assert.Equal(t, StepStateCompleted, decoded.State)

	_, err = DecodeStepCompletionMessage([]byte(`{"plan_id":"plan-abc12345","step_id":"s","state":"exploded"}`))
	assert.Error(t, err)
}

func TestIdempotencyKeys(t *testing.T) {
	assert.Equal(t, "plan-abc12345:step-1", StepIdempotencyKey("plan-abc12345", "step-1"))
	assert.Equal(t, "complete:plan-abc12345:step-1", CompletionIdempotencyKey("plan-abc12345", "step-1"))
}

func TestPlanStepCloneIsolation(t *testing.T) {
	step := PlanStep{ID: "s", Labels: []string{"a"}, Input: map[string]any{"k": "v"}}
	clone := step.Clone()
	clone.Labels[0] = "b"
	clone.Input["k"] = "mutated"

	assert.Equal(t, "a", step.Labels[0])
	assert.Equal(t, "v", step.Input["k"])
}
