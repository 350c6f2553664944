package sse

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

func TestQuota_PerIPCap(t *testing.T) {
	q := NewQuota(2, 0)

	rel1, ok := q.Acquire("10.0.0.1", "")
	require.True(t, ok)
	_, ok = q.Acquire("10.0.0.1", "")
	require.True(t, ok)

	_, ok = q.Acquire("10.0.0.1", "")
	assert.False(t, ok)

	// Another ip is unaffected.
	_, ok = q.Acquire("10.0.0.2", "")
	assert.True(t, ok)

	rel1()
	_, ok = q.Acquire("10.0.0.1", "")
	assert.True(t, ok)
}

func TestQuota_PerSubjectCap(t *testing.T) {
	q := NewQuota(0, 1)

	rel, ok := q.Acquire("10.0.0.1", "user-1")
	require.True(t, ok)

	// Same subject from another ip still capped.
	_, ok = q.Acquire("10.0.0.2", "user-1")
	assert.False(t, ok)

	rel()
	_, ok = q.Acquire("10.0.0.2", "user-1")
	assert.True(t, ok)
}

func TestQuota_ReleaseIdempotent(t *testing.T) {
	q := NewQuota(1, 1)

	rel, ok := q.Acquire("10.0.0.1", "user-1")
	require.True(t, ok)
	rel()
	rel()

	ips, subjects := q.InUse()
	assert.Zero(t, ips)
	assert.Zero(t, subjects)
}

func testEvent(planID, stepID string, state models.PlanStepState, summary string) models.PlanStepEvent {
	return models.NewPlanStepEvent(planID, "trace-1", models.PlanStep{
		ID:     stepID,
		Action: "invoke",
		Tool:   "search",
	}, state, summary, nil)
}

func TestStreamer_ReplaysHistoryAndForwardsLive(t *testing.T) {
	eventBus := bus.New()
	streamer := NewStreamer(eventBus, time.Hour, nil)

	eventBus.Publish(testEvent("plan-aaaaaaaa", "step-1", models.StepStateRunning, ""))
	eventBus.Publish(testEvent("plan-aaaaaaaa", "step-1", models.StepStateCompleted, "done"))

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	released := false
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = streamer.Stream(ctx, rec, "plan-aaaaaaaa", func() { released = true })
	}()

	// Wait for the live subscription, then publish one more event.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && eventBus.SubscriberCount("plan-aaaaaaaa") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, eventBus.SubscriberCount("plan-aaaaaaaa"))
	eventBus.Publish(testEvent("plan-aaaaaaaa", "step-2", models.StepStateRunning, ""))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(rec.Body.String(), "step-2") {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	wg.Wait()

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	// History frames precede the live frame.
	first := strings.Index(body, `"step-1"`)
	live := strings.Index(body, `"step-2"`)
	assert.GreaterOrEqual(t, first, 0)
	assert.Greater(t, live, first)
	assert.Contains(t, body, "event: plan.step\n")
	assert.True(t, released)
}

func TestStreamer_StartupRacePublishSeenExactlyOnce(t *testing.T) {
	eventBus := bus.New()
	streamer := NewStreamer(eventBus, time.Hour, nil)

	eventBus.Publish(testEvent("plan-ffffffff", "step-00", models.StepStateRunning, ""))

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = streamer.Stream(ctx, rec, "plan-ffffffff", func() {})
	}()

	// Publish while the stream is attaching: each event lands in history,
	// the live channel, or both. The sequence filter must surface every one
	// exactly once.
	for i := 1; i <= 8; i++ {
		eventBus.Publish(testEvent("plan-ffffffff", fmt.Sprintf("step-%02d", i), models.StepStateRunning, ""))
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && eventBus.SubscriberCount("plan-ffffffff") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	eventBus.Publish(testEvent("plan-ffffffff", "step-end", models.StepStateCompleted, ""))

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(rec.Body.String(), "step-end") {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	body := rec.Body.String()
	for i := 0; i <= 8; i++ {
		assert.Equal(t, 1, strings.Count(body, fmt.Sprintf(`"step-%02d"`, i)), "step-%02d", i)
	}
	assert.Equal(t, 1, strings.Count(body, `"step-end"`))
}

func TestStreamer_EventsIsolatedPerPlan(t *testing.T) {
	eventBus := bus.New()
	streamer := NewStreamer(eventBus, time.Hour, nil)

	eventBus.Publish(testEvent("plan-bbbbbbbb", "step-1", models.StepStateRunning, ""))
	eventBus.Publish(testEvent("plan-cccccccc", "other-step", models.StepStateRunning, ""))

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := streamer.Stream(ctx, rec, "plan-bbbbbbbb", func() {})
	require.NoError(t, err)

	assert.Contains(t, rec.Body.String(), `"step-1"`)
	assert.NotContains(t, rec.Body.String(), "other-step")
}

func TestStreamer_KeepAlive(t *testing.T) {
	eventBus := bus.New()
	streamer := NewStreamer(eventBus, 10*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := streamer.Stream(ctx, rec, "plan-dddddddd", func() {})
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), ": keep-alive\n\n")
}

// stallingWriter blocks every write after the response headers until
// unblocked, simulating a client that stops reading.
type stallingWriter struct {
	*httptest.ResponseRecorder
	gate    chan struct{}
	started bool
}

func (w *stallingWriter) Write(p []byte) (int, error) {
	if w.started {
		<-w.gate
	}
	w.started = true
	return w.ResponseRecorder.Write(p)
}

func TestStreamer_SlowConsumerDropClosesStream(t *testing.T) {
	eventBus := bus.New(bus.WithSubscriberBuffer(1))
	streamer := NewStreamer(eventBus, time.Hour, nil)

	w := &stallingWriter{ResponseRecorder: httptest.NewRecorder(), gate: make(chan struct{})}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- streamer.Stream(ctx, w, "plan-eeeeeeee", func() {})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && eventBus.SubscriberCount("plan-eeeeeeee") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, eventBus.SubscriberCount("plan-eeeeeeee"))

	// With the socket stalled, flooding fills the per-connection queue and
	// the subscriber buffer; the bus drops the subscriber.
	for i := 0; i < frameBuffer+16; i++ {
		eventBus.Publish(testEvent("plan-eeeeeeee", "step-1", models.StepStateRunning, "spam"))
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && eventBus.SubscriberCount("plan-eeeeeeee") > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, eventBus.SubscriberCount("plan-eeeeeeee"))

	// Unstall the socket so the stream can observe the drop and finish.
	close(w.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after slow consumer drop")
	}
}
