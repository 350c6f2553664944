package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

func stepEvent(planID, stepID string, state models.PlanStepState) models.PlanStepEvent {
	return models.NewPlanStepEvent(planID, "trace-1",
		models.PlanStep{ID: stepID, Action: "act", Tool: "tool"}, state, "", nil)
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []models.PlanStepState
	done := make(chan struct{})

	sub := b.Subscribe("plan-abc12345", func(e models.PlanStepEvent) {
		mu.Lock()
		got = append(got, e.Step.State)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateQueued))
	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateRunning))
	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateCompleted))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.PlanStepState{
		models.StepStateQueued, models.StepStateRunning, models.StepStateCompleted,
	}, got)
}

func TestSubscribersAreIsolatedByPlan(t *testing.T) {
	b := New()

	received := make(chan models.PlanStepEvent, 1)
	sub := b.Subscribe("plan-aaaa1111", func(e models.PlanStepEvent) { received <- e })
	defer sub.Unsubscribe()

	b.Publish(stepEvent("plan-bbbb2222", "s1", models.StepStateQueued))

	select {
	case e := <-received:
		t.Fatalf("unexpected cross-plan delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryBoundKeepsNewest(t *testing.T) {
	b := New(WithHistoryLimit(3))

	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		b.Publish(stepEvent("plan-abc12345", id, models.StepStateQueued))
	}

	history := b.GetHistory("plan-abc12345")
	require.Len(t, history, 3)
	assert.Equal(t, "s3", history[0].Step.ID)
	assert.Equal(t, "s4", history[1].Step.ID)
	assert.Equal(t, "s5", history[2].Step.ID)
}

func TestPublishAssignsPerPlanSequence(t *testing.T) {
	b := New()

	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateQueued))
	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateRunning))
	b.Publish(stepEvent("plan-other999", "s1", models.StepStateQueued))

	history := b.GetHistory("plan-abc12345")
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[0].Seq)
	assert.Equal(t, uint64(2), history[1].Seq)

	other := b.GetHistory("plan-other999")
	require.Len(t, other, 1)
	assert.Equal(t, uint64(1), other[0].Seq)

	// Clearing a plan resets its counter.
	b.ClearPlanHistory("plan-abc12345")
	b.Publish(stepEvent("plan-abc12345", "s2", models.StepStateQueued))
	history = b.GetHistory("plan-abc12345")
	require.Len(t, history, 1)
	assert.Equal(t, uint64(1), history[0].Seq)
}

func TestGetLatestStepEvent(t *testing.T) {
	b := New()

	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateQueued))
	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateRunning))
	b.Publish(stepEvent("plan-abc12345", "s2", models.StepStateQueued))

	e, ok := b.GetLatestStepEvent("plan-abc12345", "s1")
	require.True(t, ok)
	assert.Equal(t, models.StepStateRunning, e.Step.State)

	_, ok = b.GetLatestStepEvent("plan-abc12345", "missing")
	assert.False(t, ok)
}

func TestSlowConsumerIsDroppedWithoutBlockingOthers(t *testing.T) {
	b := New(WithSubscriberBuffer(1))

	// The slow subscriber never drains: its handler blocks forever.
	block := make(chan struct{})
	slow := b.Subscribe("plan-abc12345", func(models.PlanStepEvent) { <-block })
	defer close(block)

	var mu sync.Mutex
	var fastCount int
	fast := b.Subscribe("plan-abc12345", func(models.PlanStepEvent) {
		mu.Lock()
		fastCount++
		mu.Unlock()
	})
	defer fast.Unsubscribe()

	// First event parks the slow handler, second fills its buffer, third
	// overflows it.
	for i := 0; i < 3; i++ {
		b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateRunning))
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, DropCauseSlowConsumer, slow.Cause())

	// Publication continues for the healthy subscriber.
	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateCompleted))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fastCount == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("plan-abc12345", func(models.PlanStepEvent) {})

	sub.Unsubscribe()
	sub.Unsubscribe()

	assert.Equal(t, DropCauseUnsubscribed, sub.Cause())
	assert.Equal(t, 0, b.SubscriberCount("plan-abc12345"))
}

func TestClearPlanHistory(t *testing.T) {
	b := New()
	b.Publish(stepEvent("plan-abc12345", "s1", models.StepStateQueued))
	b.ClearPlanHistory("plan-abc12345")
	assert.Empty(t, b.GetHistory("plan-abc12345"))
}

func TestPublishedEventIsClonedFromCaller(t *testing.T) {
	b := New()
	event := stepEvent("plan-abc12345", "s1", models.StepStateQueued)
	event.Step.Labels = []string{"original"}

	b.Publish(event)
	event.Step.Labels[0] = "mutated"

	history := b.GetHistory("plan-abc12345")
	require.Len(t, history, 1)
	assert.Equal(t, "original", history[0].Step.Labels[0])
}
