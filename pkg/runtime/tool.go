package runtime

import (
	"context"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

// ToolRequest is one tool invocation issued by the step worker.
type ToolRequest struct {
	PlanID  string
	StepID  string
	Tool    string
	Input   map[string]any
	Timeout time.Duration
	TraceID string
}

// ToolEvent is one element of the tool agent's event stream. State is
// running for progress events; completed or failed ends the stream.
type ToolEvent struct {
	State      models.PlanStepState
	Summary    string
	Output     map[string]any
	OccurredAt time.Time
}

// ToolAgent executes a tool invocation and streams progress events on the
// returned channel. The channel is closed after the terminal event. A
// returned error (including ctx expiry) is retryable; permanent failures
// are reported as a terminal failed event instead.
type ToolAgent interface {
	Invoke(ctx context.Context, req ToolRequest) (<-chan ToolEvent, error)
}

// EchoToolAgent is the built-in agent for single-tenant dev mode: it
// completes every invocation immediately, echoing the input.
type EchoToolAgent struct{}

// Invoke implements ToolAgent.
func (EchoToolAgent) Invoke(_ context.Context, req ToolRequest) (<-chan ToolEvent, error) {
	ch := make(chan ToolEvent, 1)
	ch <- ToolEvent{
		State:      models.StepStateCompleted,
		Summary:    "echoed " + req.Tool,
		Output:     req.Input,
		OccurredAt: time.Now(),
	}
	close(ch)
	return ch, nil
}
