package runtime

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/dedup"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/state"
)

type fixture struct {
	runtime *Runtime
	adapter *queue.MemoryAdapter
	store   state.Store
	dedup   dedup.Service
	bus     *bus.Bus
}

// toolFunc adapts a function to the ToolAgent interface.
type toolFunc func(ctx context.Context, req ToolRequest) (<-chan ToolEvent, error)

func (f toolFunc) Invoke(ctx context.Context, req ToolRequest) (<-chan ToolEvent, error) {
	return f(ctx, req)
}

func failingAgent(msg string) ToolAgent {
	return toolFunc(func(context.Context, ToolRequest) (<-chan ToolEvent, error) {
		return nil, errors.New(msg)
	})
}

func newFixture(t *testing.T, agent ToolAgent, maxAttempts int) *fixture {
	t.Helper()
	ctx := context.Background()

	d := dedup.NewMemoryService(time.Minute)
	t.Cleanup(d.Close)

	adapter := queue.NewMemoryAdapter(queue.MemoryAdapterConfig{
		Dedup:             d,
		Metrics:           queue.NewMetrics(prometheus.NewRegistry()),
		MaxAttempts:       maxAttempts,
		DefaultRetryDelay: time.Millisecond,
	})
	t.Cleanup(func() { _ = adapter.Close() })
	require.NoError(t, adapter.Connect(ctx))

	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0)
	eventBus := bus.New()

	r := New(Config{
		MaxAttempts: maxAttempts,
		Backoff:     BackoffConfig{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
	}, adapter, store, d, eventBus, policy.NewRuleEnforcer(policy.RunModeDevelopment, nil), agent, nil)
	require.NoError(t, r.Start(ctx))

	return &fixture{runtime: r, adapter: adapter, store: store, dedup: d, bus: eventBus}
}

func twoStepPlan(approvalOnFirst bool) *models.Plan {
	return &models.Plan{
		ID:   "plan-aaaaaaaa",
		Goal: "check service health",
		Steps: []models.PlanStep{
			{
				ID:               "step-1",
				Action:           "invoke",
				Tool:             "search",
				Capability:       "tools:search",
				Input:            map[string]any{"query": "uptime"},
				ApprovalRequired: approvalOnFirst,
			},
			{
				ID:         "step-2",
				Action:     "invoke",
				Tool:       "report",
				Capability: "tools:report",
				Input:      map[string]any{"format": "text"},
			},
		},
	}
}

func waitForState(t *testing.T, f *fixture, planID, stepID string, want models.PlanStepState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := f.bus.GetLatestStepEvent(planID, stepID); ok && ev.Step.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	ev, ok := f.bus.GetLatestStepEvent(planID, stepID)
	t.Fatalf("step %s never reached %s (latest: %v, found=%v)", stepID, want, ev.Step.State, ok)
}

func TestRuntime_SubmitRunsStepsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, EchoToolAgent{}, 3)
	plan := twoStepPlan(false)

	require.NoError(t, f.runtime.Submit(ctx, plan, "trace-1", "req-1", &models.Subject{TenantID: "acme", UserID: "u-1"}))

	waitForState(t, f, plan.ID, "step-2", models.StepStateCompleted)

	history := f.bus.GetHistory(plan.ID)
	var ordered []string
	for _, ev := range history {
		ordered = append(ordered, ev.Step.ID+":"+string(ev.Step.State))
	}
	assert.Equal(t, []string{
		"step-1:running",
		"step-1:completed",
		"step-2:running",
		"step-2:completed",
	}, ordered)

	// Terminal rows are purged and keys released.
	_, err := f.store.GetEntry(ctx, plan.ID, "step-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	reserved, err := f.dedup.IsReserved(ctx, models.StepIdempotencyKey(plan.ID, "step-1"))
	require.NoError(t, err)
	assert.False(t, reserved)

	meta, err := f.store.GetPlanMetadata(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.LastCompletedIndex)
	assert.Equal(t, 2, meta.NextStepIndex)
}

func TestRuntime_CompletionKeysReleasedAfterFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, EchoToolAgent{}, 3)
	plan := twoStepPlan(false)

	require.NoError(t, f.runtime.Submit(ctx, plan, "trace-1", "", &models.Subject{TenantID: "acme"}))
	waitForState(t, f, plan.ID, "step-2", models.StepStateCompleted)

	// The completion consumer settles its own reservation on ack; the ack
	// races the terminal event, so poll briefly.
	for _, stepID := range []string{"step-1", "step-2"} {
		key := models.CompletionIdempotencyKey(plan.ID, stepID)
		deadline := time.Now().Add(2 * time.Second)
		for {
			reserved, err := f.dedup.IsReserved(ctx, key)
			require.NoError(t, err)
			if !reserved {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("completion key %s still reserved after plan finished", key)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRuntime_ApprovalGateParksStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, EchoToolAgent{}, 3)
	plan := twoStepPlan(true)

	require.NoError(t, f.runtime.Submit(ctx, plan, "trace-1", "", &models.Subject{TenantID: "acme"}))

	waitForState(t, f, plan.ID, "step-1", models.StepStateWaitingApproval)
	ev, ok := f.bus.GetLatestStepEvent(plan.ID, "step-1")
	require.True(t, ok)
	assert.Equal(t, "Awaiting approval", ev.Step.Summary)

	// Parked, not enqueued.
	assert.Equal(t, int64(0), f.adapter.GetQueueDepth(ctx, "plan.steps"))

	require.NoError(t, f.runtime.ResolveApproval(ctx, plan.ID, "step-1", DecisionApprove, "Approved: looks safe"))
	waitForState(t, f, plan.ID, "step-2", models.StepStateCompleted)
}

func TestRuntime_RejectionCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, EchoToolAgent{}, 3)
	plan := twoStepPlan(true)

	require.NoError(t, f.runtime.Submit(ctx, plan, "trace-1", "", &models.Subject{TenantID: "acme"}))
	waitForState(t, f, plan.ID, "step-1", models.StepStateWaitingApproval)

	require.NoError(t, f.runtime.ResolveApproval(ctx, plan.ID, "step-1", DecisionReject, "Rejected: too risky"))

	ev, ok := f.bus.GetLatestStepEvent(plan.ID, "step-1")
	require.True(t, ok)
	assert.Equal(t, models.StepStateRejected, ev.Step.State)
	assert.Equal(t, "Rejected: too risky", ev.Step.Summary)

	ev, ok = f.bus.GetLatestStepEvent(plan.ID, "step-2")
	require.True(t, ok)
	assert.Equal(t, models.StepStateRejected, ev.Step.State)
	assert.Equal(t, "cancelled: upstream rejected", ev.Step.Summary)

	// Both rows purged, keys released.
	for _, stepID := range []string{"step-1", "step-2"} {
		_, err := f.store.GetEntry(ctx, plan.ID, stepID)
		assert.ErrorIs(t, err, state.ErrNotFound)
		reserved, err := f.dedup.IsReserved(ctx, models.StepIdempotencyKey(plan.ID, stepID))
		require.NoError(t, err)
		assert.False(t, reserved)
	}
}

func TestRuntime_ResolveApprovalConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, EchoToolAgent{}, 3)
	plan := twoStepPlan(true)

	require.NoError(t, f.runtime.Submit(ctx, plan, "trace-1", "", &models.Subject{TenantID: "acme"}))
	waitForState(t, f, plan.ID, "step-1", models.StepStateWaitingApproval)

	// step-2 is queued, not waiting for approval.
	err := f.runtime.ResolveApproval(ctx, plan.ID, "step-2", DecisionApprove, "")
	assert.ErrorIs(t, err, ErrConflict)

	err = f.runtime.ResolveApproval(ctx, plan.ID, "missing", DecisionApprove, "")
	assert.ErrorIs(t, err, ErrNotFound)

	// Repeated resolution after the terminal transition conflicts too.
	require.NoError(t, f.runtime.ResolveApproval(ctx, plan.ID, "step-1", DecisionReject, "Rejected"))
	err = f.runtime.ResolveApproval(ctx, plan.ID, "step-1", DecisionReject, "Rejected")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRuntime_FailingToolDeadLettersAtCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingAgent("tool exploded"), 2)
	plan := &models.Plan{
		ID:    "plan-bbbbbbbb",
		Goal:  "doomed",
		Steps: []models.PlanStep{{ID: "step-1", Action: "invoke", Tool: "search"}},
	}

	require.NoError(t, f.runtime.Submit(ctx, plan, "trace-1", "", nil))

	waitForState(t, f, plan.ID, "step-1", models.StepStateDeadLettered)

	dead := f.adapter.DeadMessages("plan.steps")
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "tool exploded")

	_, err := f.store.GetEntry(ctx, plan.ID, "step-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	reserved, err := f.dedup.IsReserved(ctx, models.StepIdempotencyKey(plan.ID, "step-1"))
	require.NoError(t, err)
	assert.False(t, reserved)
}

func TestRuntime_PolicyDenialFailsStep(t *testing.T) {
	ctx := context.Background()

	d := dedup.NewMemoryService(time.Minute)
	t.Cleanup(d.Close)
	adapter := queue.NewMemoryAdapter(queue.MemoryAdapterConfig{
		Dedup:   d,
		Metrics: queue.NewMetrics(prometheus.NewRegistry()),
	})
	t.Cleanup(func() { _ = adapter.Close() })
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0)
	eventBus := bus.New()
	enforcer := policy.NewRuleEnforcer(policy.RunModeDevelopment, []policy.Rule{
		{Capability: "tools:deploy", Roles: []string{"operator"}},
	})

	r := New(Config{}, adapter, store, d, eventBus, enforcer, EchoToolAgent{}, nil)
	require.NoError(t, r.Start(ctx))
	f := &fixture{runtime: r, adapter: adapter, store: store, dedup: d, bus: eventBus}

	plan := &models.Plan{
		ID:   "plan-cccccccc",
		Goal: "deploy",
		Steps: []models.PlanStep{
			{ID: "step-1", Action: "invoke", Tool: "deploy", Capability: "tools:deploy"},
		},
	}
	require.NoError(t, r.Submit(ctx, plan, "trace-1", "", &models.Subject{TenantID: "acme", Roles: []string{"viewer"}}))

	waitForState(t, f, plan.ID, "step-1", models.StepStateFailed)
	ev, _ := eventBus.GetLatestStepEvent(plan.ID, "step-1")
	assert.Contains(t, ev.Step.Summary, "denied")

	reserved, err := d.IsReserved(ctx, models.StepIdempotencyKey(plan.ID, "step-1"))
	require.NoError(t, err)
	assert.False(t, reserved)
}

func TestRuntime_ForgedCompletionDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, EchoToolAgent{}, 3)

	forged := models.StepCompletionMessage{
		PlanID: "plan-dddddddd",
		StepID: "step-1",
		State:  models.StepStateCompleted,
	}
	payload, err := forged.Encode()
	require.NoError(t, err)
	require.NoError(t, f.adapter.Enqueue(ctx, "plan.completions", payload, queue.EnqueueOptions{}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.adapter.DeadMessages("plan.completions")) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	dead := f.adapter.DeadMessages("plan.completions")
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "forged completion")
}

func TestRuntime_RecoverReenqueuesActiveSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, EchoToolAgent{}, 3)

	planID := "plan-eeeeeeee"
	step := models.PlanStep{ID: "step-1", Action: "invoke", Tool: "search"}
	require.NoError(t, f.store.RememberPlanMetadata(ctx, &models.PlanMetadata{
		PlanID:             planID,
		Steps:              []models.StepMetadata{{Step: step}},
		NextStepIndex:      1,
		LastCompletedIndex: -1,
	}))
	require.NoError(t, f.store.RememberStep(ctx, planID, step, "trace-1", state.RememberOptions{
		InitialState:   models.StepStateQueued,
		IdempotencyKey: models.StepIdempotencyKey(planID, "step-1"),
	}))

	require.NoError(t, f.runtime.Recover(ctx))
	waitForState(t, f, planID, "step-1", models.StepStateCompleted)
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}

	assert.Equal(t, 500*time.Millisecond, cfg.Delay(0))
	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 30*time.Second, cfg.Delay(20))

	jittered := BackoffConfig{Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := jittered.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}
