package cleanup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/state"
)

func newSweepFixture(t *testing.T) (*state.FileStore, *bus.Bus) {
	t.Helper()
	store := state.NewFileStore(filepath.Join(t.TempDir(), "state.json"), 0)
	t.Cleanup(func() { _ = store.Close() })
	return store, bus.New()
}

func rememberPlan(t *testing.T, store state.Store, planID string) {
	t.Helper()
	step := models.PlanStep{ID: "step-1", Action: "run", Tool: "execute"}
	err := store.RememberPlanMetadata(context.Background(), &models.PlanMetadata{
		PlanID:             planID,
		Steps:              []models.StepMetadata{{Step: step, CreatedAt: time.Now()}},
		NextStepIndex:      1,
		LastCompletedIndex: 0,
	})
	require.NoError(t, err)
}

func TestSweepPurgesExpiredFinishedPlans(t *testing.T) {
	store, eventBus := newSweepFixture(t)
	ctx := context.Background()

	rememberPlan(t, store, "plan-finished")
	eventBus.Publish(models.NewPlanStepEvent("plan-finished", "trace-1",
		models.PlanStep{ID: "step-1", Tool: "execute"}, models.StepStateCompleted, "done", nil))

	rememberPlan(t, store, "plan-active")
	require.NoError(t, store.RememberStep(ctx, "plan-active",
		models.PlanStep{ID: "step-1", Tool: "execute"}, "trace-2", state.RememberOptions{
			InitialState: models.StepStateRunning,
		}))

	svc := NewService(store, eventBus, 1, time.Hour)
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	svc.Sweep(ctx)

	metas, err := store.ListPlanMetadata(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "plan-active", metas[0].PlanID)
	assert.Empty(t, eventBus.GetHistory("plan-finished"))
}

func TestSweepKeepsFreshPlans(t *testing.T) {
	store, eventBus := newSweepFixture(t)
	ctx := context.Background()

	rememberPlan(t, store, "plan-recent")

	svc := NewService(store, eventBus, 1, time.Hour)
	svc.Sweep(ctx)

	metas, err := store.ListPlanMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestSweepDisabledWhenRetentionZero(t *testing.T) {
	store, eventBus := newSweepFixture(t)
	ctx := context.Background()

	rememberPlan(t, store, "plan-kept")

	svc := NewService(store, eventBus, 0, time.Hour)
	svc.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }
	svc.Sweep(ctx)
	svc.Start(ctx)
	svc.Stop()

	metas, err := store.ListPlanMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, metas, 1)
}

func TestStartAndStop(t *testing.T) {
	store, eventBus := newSweepFixture(t)
	ctx := context.Background()

	rememberPlan(t, store, "plan-old")

	svc := NewService(store, eventBus, 1, 10*time.Millisecond)
	svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	svc.Start(ctx)
	defer svc.Stop()

	require.Eventually(t, func() bool {
		metas, err := store.ListPlanMetadata(ctx)
		return err == nil && len(metas) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
