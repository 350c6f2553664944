package services

import (
	"context"
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
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/runtime"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/state"
)

type serviceFixture struct {
	service *PlanService
	runtime *runtime.Runtime
	store   state.Store
	bus     *bus.Bus
}

func newServiceFixture(t *testing.T, enforcer policy.Enforcer, planner Planner) *serviceFixture {
	t.Helper()
	ctx := context.Background()

	d := dedup.NewMemoryService(time.Minute)
	t.Cleanup(d.Close)

	adapter := queue.NewMemoryAdapter(queue.MemoryAdapterConfig{
		Dedup:             d,
		Metrics:           queue.NewMetrics(prometheus.NewRegistry()),
		MaxAttempts:       3,
		DefaultRetryDelay: time.Millisecond,
	})
	t.Cleanup(func() { _ = adapter.Close() })
	require.NoError(t, adapter.Connect(ctx))

	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0)
	eventBus := bus.New()

	if enforcer == nil {
		enforcer = policy.NewRuleEnforcer(policy.RunModeDevelopment, nil)
	}

	rt := runtime.New(runtime.Config{
		MaxAttempts: 3,
		Backoff:     runtime.BackoffConfig{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
	}, adapter, store, d, eventBus, enforcer, runtime.EchoToolAgent{}, nil)
	require.NoError(t, rt.Start(ctx))

	svc := NewPlanService(rt, store, eventBus, enforcer, planner, nil, policy.RunModeDevelopment)
	return &serviceFixture{service: svc, runtime: rt, store: store, bus: eventBus}
}

func waitForStepState(t *testing.T, f *serviceFixture, planID, stepID string, want models.PlanStepState) {
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

func owner() *models.Subject {
	return &models.Subject{SessionID: "sess-owner", TenantID: "acme", UserID: "u-1", Email: "dev@example.com"}
}

func TestPlanService_CreatePlanRunsPlannedSteps(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, NewTemplatePlanner([]StepTemplate{
		{Tool: "search", Action: "Search for context"},
		{Tool: "report", Action: "Summarize findings"},
	}))

	plan, err := f.service.CreatePlan(ctx, CreatePlanInput{
		Goal:    "  check service health  ",
		Subject: owner(),
		TraceID: "trace-1",
	})
	require.NoError(t, err)
	assert.True(t, models.ValidPlanID(plan.ID))
	assert.Equal(t, "check service health", plan.Goal)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "step-1", plan.Steps[0].ID)
	assert.Equal(t, "search", plan.Steps[0].Tool)

	waitForStepState(t, f, plan.ID, "step-2", models.StepStateCompleted)
}

func TestPlanService_CreatePlanValidatesGoal(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	_, err := f.service.CreatePlan(ctx, CreatePlanInput{Goal: "   "})
	issues, ok := AsValidationErrors(err)
	require.True(t, ok)
	assert.Equal(t, "goal", issues[0].Path)

	long := make([]byte, models.MaxGoalLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.service.CreatePlan(ctx, CreatePlanInput{Goal: string(long)})
	issues, ok = AsValidationErrors(err)
	require.True(t, ok)
	assert.Contains(t, issues[0].Message, "exceeds")
}

func TestPlanService_CreatePlanValidatesExplicitSteps(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	_, err := f.service.CreatePlan(ctx, CreatePlanInput{
		Goal: "deploy",
		Steps: []StepInput{
			{ID: "step-1", Tool: "deploy"},
			{ID: "step-1", Tool: ""},
			{ID: "bad id!", Tool: "verify"},
		},
	})
	issues, ok := AsValidationErrors(err)
	require.True(t, ok)
	require.Len(t, issues, 3)
	assert.Equal(t, "steps.1.id", issues[0].Path)
	assert.Equal(t, "steps.1.tool", issues[1].Path)
	assert.Equal(t, "steps.2.id", issues[2].Path)
}

func TestPlanService_CreatePlanDeniedByPolicy(t *testing.T) {
	ctx := context.Background()
	enforcer := policy.NewRuleEnforcer(policy.RunModeDevelopment, []policy.Rule{
		{Capability: "plan.create", Roles: []string{"operator"}},
	})
	f := newServiceFixture(t, enforcer, nil)

	_, err := f.service.CreatePlan(ctx, CreatePlanInput{
		Goal:    "deploy",
		Subject: &models.Subject{TenantID: "acme", UserID: "u-2", Roles: []string{"viewer"}},
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestPlanService_GetPlanEventsEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	plan, err := f.service.CreatePlan(ctx, CreatePlanInput{Goal: "inspect", Subject: owner()})
	require.NoError(t, err)
	waitForStepState(t, f, plan.ID, "step-1", models.StepStateCompleted)

	events, err := f.service.GetPlanEvents(ctx, plan.ID, owner())
	require.NoError(t, err)
	assert.NotEmpty(t, events)

	// Same session id matches even when the other identity fields differ.
	_, err = f.service.GetPlanEvents(ctx, plan.ID, &models.Subject{SessionID: "sess-owner"})
	assert.NoError(t, err)

	_, err = f.service.GetPlanEvents(ctx, plan.ID, &models.Subject{TenantID: "acme", UserID: "u-9"})
	require.ErrorIs(t, err, ErrForbidden)
	assert.Contains(t, err.Error(), "subject does not match plan owner")

	_, err = f.service.GetPlanEvents(ctx, "plan-missing", owner())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPlanService_OwnerlessPlanIsOpen(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	plan, err := f.service.CreatePlan(ctx, CreatePlanInput{Goal: "local run"})
	require.NoError(t, err)
	waitForStepState(t, f, plan.ID, "step-1", models.StepStateCompleted)

	_, err = f.service.GetPlanEvents(ctx, plan.ID, nil)
	assert.NoError(t, err)
}

func TestPlanService_ResolveApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	plan, err := f.service.CreatePlan(ctx, CreatePlanInput{
		Goal:    "restart prod",
		Subject: owner(),
		Steps: []StepInput{
			{ID: "step-1", Tool: "restart", Capability: "tools:restart", ApprovalRequired: true},
			{ID: "step-2", Tool: "verify"},
		},
	})
	require.NoError(t, err)
	waitForStepState(t, f, plan.ID, "step-1", models.StepStateWaitingApproval)

	// Non-owner may not resolve.
	err = f.service.ResolveApproval(ctx, ApprovalInput{
		PlanID:   plan.ID,
		StepID:   "step-1",
		Decision: runtime.DecisionApprove,
		Subject:  &models.Subject{TenantID: "other", UserID: "u-9"},
	})
	assert.ErrorIs(t, err, ErrForbidden)

	// Step not awaiting approval conflicts.
	err = f.service.ResolveApproval(ctx, ApprovalInput{
		PlanID:   plan.ID,
		StepID:   "step-2",
		Decision: runtime.DecisionApprove,
		Subject:  owner(),
	})
	require.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "step is not awaiting approval")

	// Unknown step.
	err = f.service.ResolveApproval(ctx, ApprovalInput{
		PlanID:   plan.ID,
		StepID:   "step-9",
		Decision: runtime.DecisionApprove,
		Subject:  owner(),
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.service.ResolveApproval(ctx, ApprovalInput{
		PlanID:    plan.ID,
		StepID:    "step-1",
		Decision:  runtime.DecisionApprove,
		Rationale: "change window open",
		Subject:   owner(),
	})
	require.NoError(t, err)

	waitForStepState(t, f, plan.ID, "step-2", models.StepStateCompleted)

	var sawApproved bool
	for _, ev := range f.bus.GetHistory(plan.ID) {
		if ev.Step.ID == "step-1" && ev.Step.Summary == "Approved: change window open" {
			sawApproved = true
		}
	}
	assert.True(t, sawApproved, "expected approval summary in history")
}

func TestPlanService_ResolveApprovalReject(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, nil, nil)

	plan, err := f.service.CreatePlan(ctx, CreatePlanInput{
		Goal:    "wipe cache",
		Subject: owner(),
		Steps: []StepInput{
			{ID: "step-1", Tool: "wipe", ApprovalRequired: true},
			{ID: "step-2", Tool: "verify"},
		},
	})
	require.NoError(t, err)
	waitForStepState(t, f, plan.ID, "step-1", models.StepStateWaitingApproval)

	err = f.service.ResolveApproval(ctx, ApprovalInput{
		PlanID:    plan.ID,
		StepID:    "step-1",
		Decision:  runtime.DecisionReject,
		Rationale: "too risky",
		Subject:   owner(),
	})
	require.NoError(t, err)

	waitForStepState(t, f, plan.ID, "step-1", models.StepStateRejected)
	waitForStepState(t, f, plan.ID, "step-2", models.StepStateRejected)

	ev, ok := f.bus.GetLatestStepEvent(plan.ID, "step-1")
	require.True(t, ok)
	assert.Equal(t, "Rejected: too risky", ev.Step.Summary)
}

func TestApprovalSummary(t *testing.T) {
	assert.Equal(t, "Approved", approvalSummary(runtime.DecisionApprove, ""))
	assert.Equal(t, "Approved: ok", approvalSummary(runtime.DecisionApprove, "ok"))
	assert.Equal(t, "Rejected", approvalSummary(runtime.DecisionReject, ""))
	assert.Equal(t, "Rejected: no", approvalSummary(runtime.DecisionReject, "no"))
}
