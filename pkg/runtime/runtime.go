// Package runtime drives the plan step state machine: it submits plans,
// dispatches step work over the queue adapter, consumes tool completions,
// resolves approvals, and recovers in-flight steps after a restart.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/dedup"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/state"
)

var (
	// ErrNotFound is returned when the plan or step does not exist.
	ErrNotFound = errors.New("plan step not found")

	// ErrConflict is returned when an approval targets a step that is not
	// awaiting approval.
	ErrConflict = errors.New("step not awaiting approval")

	// ErrEnqueueFailed is returned when the initial publish of a plan's
	// first step fails and the submission was rolled back.
	ErrEnqueueFailed = errors.New("step enqueue failed")
)

// Decision is an approval resolution.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// cancelledSummary marks steps short-circuited by an upstream rejection.
const cancelledSummary = "cancelled: upstream rejected"

// Config holds the runtime tunables.
type Config struct {
	StepQueue       string
	CompletionQueue string
	MaxAttempts     int
	Backoff         BackoffConfig
}

// Runtime wires the queue adapter, state store, dedup service, event bus,
// policy enforcer, and tool agent into the plan execution engine.
type Runtime struct {
	cfg     Config
	queue   queue.Adapter
	store   state.Store
	dedup   dedup.Service
	bus     *bus.Bus
	policy  policy.Enforcer
	agent   ToolAgent
	logger  *slog.Logger
	started bool
}

// New creates a runtime. Start must be called to attach the consumers.
func New(cfg Config, q queue.Adapter, store state.Store, d dedup.Service, b *bus.Bus, enforcer policy.Enforcer, agent ToolAgent, logger *slog.Logger) *Runtime {
	if cfg.StepQueue == "" {
		cfg.StepQueue = "plan.steps"
	}
	if cfg.CompletionQueue == "" {
		cfg.CompletionQueue = "plan.completions"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:    cfg,
		queue:  q,
		store:  store,
		dedup:  d,
		bus:    b,
		policy: enforcer,
		agent:  agent,
		logger: logger.With("component", "runtime"),
	}
}

// Start attaches the step and completion consumers.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if err := r.queue.Consume(ctx, r.cfg.StepQueue, r.handleStepDelivery); err != nil {
		return fmt.Errorf("attaching step consumer: %w", err)
	}
	if err := r.queue.Consume(ctx, r.cfg.CompletionQueue, r.handleCompletionDelivery); err != nil {
		return fmt.Errorf("attaching completion consumer: %w", err)
	}
	r.started = true
	return nil
}

// Health is the runtime snapshot surfaced by the readiness endpoint.
type Health struct {
	Started              bool  `json:"started"`
	StepQueueDepth       int64 `json:"step_queue_depth"`
	CompletionQueueDepth int64 `json:"completion_queue_depth"`
}

// Health reports consumer status and queue backlogs.
func (r *Runtime) Health(ctx context.Context) Health {
	return Health{
		Started:              r.started,
		StepQueueDepth:       r.queue.GetQueueDepth(ctx, r.cfg.StepQueue),
		CompletionQueueDepth: r.queue.GetQueueDepth(ctx, r.cfg.CompletionQueue),
	}
}

// Submit persists the plan and releases its first executable step.
// On any failure after persistence the submission is rolled back: rows are
// forgotten and reserved dedup keys released.
func (r *Runtime) Submit(ctx context.Context, plan *models.Plan, traceID, requestID string, subject *models.Subject) error {
	unlock := r.store.LockPlan(plan.ID)
	defer unlock()

	now := time.Now()
	meta := &models.PlanMetadata{
		PlanID:             plan.ID,
		TraceID:            traceID,
		NextStepIndex:      0,
		LastCompletedIndex: -1,
	}
	for _, step := range plan.Steps {
		meta.Steps = append(meta.Steps, models.StepMetadata{
			Step:      step.Clone(),
			CreatedAt: now,
			Subject:   subject.Clone(),
		})
	}
	if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
		return fmt.Errorf("persisting plan metadata: %w", err)
	}

	persisted := make([]string, 0, len(plan.Steps))
	fail := func(cause error) error {
		r.rollbackSubmit(ctx, plan.ID, persisted)
		return cause
	}

	for _, step := range plan.Steps {
		err := r.store.RememberStep(ctx, plan.ID, step, traceID, state.RememberOptions{
			InitialState:   models.StepStateQueued,
			IdempotencyKey: models.StepIdempotencyKey(plan.ID, step.ID),
			Attempt:        0,
			CreatedAt:      now,
			Subject:        subject,
		})
		if err != nil {
			return fail(fmt.Errorf("persisting step %q: %w", step.ID, err))
		}
		persisted = append(persisted, step.ID)
	}

	if err := r.releaseNextLocked(ctx, plan.ID, traceID, requestID); err != nil {
		return fail(err)
	}
	return nil
}

// rollbackSubmit undoes a partial submission: step rows, metadata, and any
// dedup keys reserved for the plan.
func (r *Runtime) rollbackSubmit(ctx context.Context, planID string, stepIDs []string) {
	for _, stepID := range stepIDs {
		key := models.StepIdempotencyKey(planID, stepID)
		if err := r.dedup.Release(ctx, key); err != nil {
			r.logger.Warn("rollback failed to release idempotency key", "key", key, "error", err)
		}
		if err := r.store.ForgetStep(ctx, planID, stepID); err != nil {
			r.logger.Warn("rollback failed to forget step", "plan_id", planID, "step_id", stepID, "error", err)
		}
	}
	if err := r.store.ForgetPlanMetadata(ctx, planID); err != nil {
		r.logger.Warn("rollback failed to forget plan metadata", "plan_id", planID, "error", err)
	}
}

// ReleaseNext advances the plan under its lock. Exposed for callers outside
// the consumer paths (which already hold the lock).
func (r *Runtime) ReleaseNext(ctx context.Context, planID, traceID, requestID string) error {
	unlock := r.store.LockPlan(planID)
	defer unlock()
	return r.releaseNextLocked(ctx, planID, traceID, requestID)
}

// releaseNextLocked scans the plan's steps from next_step_index and releases
// the first executable one: enqueue if it is plainly queued, or park it in
// waiting_approval if the step requires an approval not yet granted. The
// caller holds the plan lock.
func (r *Runtime) releaseNextLocked(ctx context.Context, planID, traceID, requestID string) error {
	meta, err := r.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("loading plan metadata: %w", err)
	}

	for meta.NextStepIndex < len(meta.Steps) {
		idx := meta.NextStepIndex
		stepMeta := meta.Steps[idx]

		// Only release when every predecessor has completed.
		if idx > meta.LastCompletedIndex+1 {
			return nil
		}

		entry, err := r.store.GetEntry(ctx, planID, stepMeta.Step.ID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				// Row already gone: the step terminated out of band.
				meta.NextStepIndex = idx + 1
				if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
					return fmt.Errorf("advancing plan metadata: %w", err)
				}
				continue
			}
			return fmt.Errorf("loading step row: %w", err)
		}

		switch entry.State {
		case models.StepStateWaitingApproval, models.StepStateRunning:
			return nil
		case models.StepStateQueued:
		default:
			return nil
		}

		if stepMeta.Step.ApprovalRequired && !entry.Approvals[stepMeta.Step.Capability] {
			if err := r.store.SetState(ctx, planID, stepMeta.Step.ID, models.StepStateWaitingApproval, state.SetStateOptions{}); err != nil {
				return fmt.Errorf("parking step for approval: %w", err)
			}
			r.bus.Publish(models.NewPlanStepEvent(planID, traceID, stepMeta.Step, models.StepStateWaitingApproval, "Awaiting approval", nil))
			meta.NextStepIndex = idx + 1
			if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
				return fmt.Errorf("advancing plan metadata: %w", err)
			}
			return nil
		}

		if err := r.enqueueStep(ctx, planID, stepMeta.Step, entry, traceID, requestID, false); err != nil {
			return err
		}
		meta.NextStepIndex = idx + 1
		if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
			return fmt.Errorf("advancing plan metadata: %w", err)
		}
		return nil
	}
	return nil
}

// enqueueStep publishes the step task message. A Duplicate response means
// the step is already in flight and is not an error.
func (r *Runtime) enqueueStep(ctx context.Context, planID string, step models.PlanStep, entry *models.PersistedStep, traceID, requestID string, skipDedup bool) error {
	msg := models.StepTaskMessage{
		PlanID:    planID,
		StepID:    step.ID,
		Step:      step,
		Attempt:   entry.Attempt,
		TraceID:   traceID,
		RequestID: requestID,
		Subject:   entry.Subject,
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	err = r.queue.Enqueue(ctx, r.cfg.StepQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: entry.IdempotencyKey,
		Headers:        map[string]string{models.HeaderTraceID: traceID},
		SkipDedup:      skipDedup,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}
	return nil
}

// handleStepDelivery is the step topic worker.
func (r *Runtime) handleStepDelivery(ctx context.Context, d *queue.Delivery) error {
	msg, err := models.DecodeStepTaskMessage(d.Payload)
	if err != nil {
		// Poison message: ack so it cannot loop.
		r.logger.Error("dropping unparseable step message", "error", err)
		return d.Ack()
	}
	logger := r.logger.With("plan_id", msg.PlanID, "step_id", msg.StepID, "trace_id", msg.TraceID)

	entry, err := r.store.GetEntry(ctx, msg.PlanID, msg.StepID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			if r.knownStep(ctx, msg.PlanID, msg.StepID) {
				// Late redelivery for a step that already terminated.
				logger.Info("ignoring step message for terminated step")
				return d.Ack()
			}
			logger.Warn("dead-lettering step message for unknown step")
			return d.DeadLetter("forged step message: no persisted step")
		}
		return fmt.Errorf("loading step row: %w", err)
	}
	if entry.State != models.StepStateQueued && entry.State != models.StepStateRunning {
		logger.Info("ignoring step message in state", "state", entry.State)
		return d.Ack()
	}

	// Capability gate before any side effects.
	if decision := r.policy.EnforcePlanStep(entry.Step, entry.Subject); !decision.Allow {
		reason := "capability denied"
		if len(decision.Deny) > 0 {
			reason = decision.Deny[0].Reason
		}
		logger.Warn("step denied by policy", "reason", reason)
		r.bus.Publish(models.NewPlanStepEvent(msg.PlanID, entry.TraceID, entry.Step, models.StepStateFailed, "denied: "+reason, nil))
		if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, models.StepStateFailed, state.SetStateOptions{}); err != nil {
			return fmt.Errorf("failing denied step: %w", err)
		}
		if err := r.dedup.Release(ctx, entry.IdempotencyKey); err != nil {
			logger.Warn("failed to release idempotency key", "error", err)
		}
		return d.Ack()
	}

	attempt := d.Attempts
	r.bus.Publish(models.NewPlanStepEvent(msg.PlanID, entry.TraceID, entry.Step, models.StepStateRunning, "", nil))
	if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, models.StepStateRunning, state.SetStateOptions{Attempt: &attempt}); err != nil {
		return fmt.Errorf("marking step running: %w", err)
	}

	final, err := r.invokeTool(ctx, msg, entry)
	if err != nil {
		if attempt+1 >= r.cfg.MaxAttempts {
			logger.Error("step failed at attempt cap, dead-lettering", "attempts", attempt, "error", err)
			r.bus.Publish(models.NewPlanStepEvent(msg.PlanID, entry.TraceID, entry.Step, models.StepStateDeadLettered, err.Error(), nil))
			if serr := r.store.SetState(ctx, msg.PlanID, msg.StepID, models.StepStateDeadLettered, state.SetStateOptions{}); serr != nil {
				logger.Error("failed to persist dead-lettered state", "error", serr)
			}
			return d.DeadLetter(err.Error())
		}
		logger.Warn("step attempt failed, retrying", "attempts", attempt, "error", err)
		return d.Retry(r.cfg.Backoff.Delay(attempt).Milliseconds())
	}

	completion := models.StepCompletionMessage{
		PlanID:     msg.PlanID,
		StepID:     msg.StepID,
		State:      final.State,
		Summary:    final.Summary,
		Output:     final.Output,
		Attempt:    attempt,
		RequestID:  msg.RequestID,
		TraceID:    entry.TraceID,
		OccurredAt: final.OccurredAt,
		Approvals:  entry.Approvals,
	}
	payload, err := completion.Encode()
	if err != nil {
		return err
	}
	err = r.queue.Enqueue(ctx, r.cfg.CompletionQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: models.CompletionIdempotencyKey(msg.PlanID, msg.StepID),
		Headers:        map[string]string{models.HeaderTraceID: entry.TraceID},
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		return fmt.Errorf("publishing completion: %w", err)
	}
	return d.Ack()
}

// knownStep reports whether the plan metadata records the step, which
// distinguishes a late redelivery from a forged message.
func (r *Runtime) knownStep(ctx context.Context, planID, stepID string) bool {
	meta, err := r.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		return false
	}
	return meta.StepIndex(stepID) >= 0
}

// invokeTool runs the tool agent and consumes its event stream, publishing
// progress events until the terminal one.
func (r *Runtime) invokeTool(ctx context.Context, msg *models.StepTaskMessage, entry *models.PersistedStep) (ToolEvent, error) {
	timeout := time.Duration(entry.Step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events, err := r.agent.Invoke(toolCtx, ToolRequest{
		PlanID:  msg.PlanID,
		StepID:  msg.StepID,
		Tool:    entry.Step.Tool,
		Input:   entry.Step.Input,
		Timeout: timeout,
		TraceID: entry.TraceID,
	})
	if err != nil {
		return ToolEvent{}, fmt.Errorf("invoking tool %q: %w", entry.Step.Tool, err)
	}

	for {
		select {
		case <-toolCtx.Done():
			return ToolEvent{}, fmt.Errorf("tool %q timed out: %w", entry.Step.Tool, toolCtx.Err())
		case ev, ok := <-events:
			if !ok {
				return ToolEvent{}, fmt.Errorf("tool %q closed its event stream without a terminal event", entry.Step.Tool)
			}
			if ev.State.Terminal() {
				return ev, nil
			}
			r.bus.Publish(models.NewPlanStepEvent(msg.PlanID, entry.TraceID, entry.Step, models.StepStateRunning, ev.Summary, ev.Output))
		}
	}
}

// handleCompletionDelivery is the completions topic consumer. A completion
// is accepted only when the persisted step exists, is non-terminal, and its
// idempotency key is still reserved; anything else is forged.
func (r *Runtime) handleCompletionDelivery(ctx context.Context, d *queue.Delivery) error {
	msg, err := models.DecodeStepCompletionMessage(d.Payload)
	if err != nil {
		r.logger.Error("dropping unparseable completion message", "error", err)
		r.releaseCompletionKey(ctx, d.Headers[models.HeaderIdempotencyKey])
		return d.Ack()
	}
	logger := r.logger.With("plan_id", msg.PlanID, "step_id", msg.StepID, "state", msg.State)

	unlock := r.store.LockPlan(msg.PlanID)
	defer unlock()

	entry, err := r.store.GetEntry(ctx, msg.PlanID, msg.StepID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			logger.Warn("dead-lettering completion for unknown or terminated step")
			return d.DeadLetter("forged completion: no persisted step")
		}
		return fmt.Errorf("loading step row: %w", err)
	}
	reserved, err := r.dedup.IsReserved(ctx, entry.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("checking idempotency key: %w", err)
	}
	if !reserved {
		logger.Warn("dead-lettering completion with unreserved idempotency key")
		return d.DeadLetter("forged completion: idempotency key not reserved")
	}

	summary := msg.Summary
	if err := r.store.SetState(ctx, msg.PlanID, msg.StepID, msg.State, state.SetStateOptions{
		Summary: &summary,
		Output:  msg.Output,
	}); err != nil {
		return fmt.Errorf("persisting completion state: %w", err)
	}
	r.bus.Publish(models.NewPlanStepEvent(msg.PlanID, entry.TraceID, entry.Step, msg.State, msg.Summary, msg.Output))

	if msg.State.Terminal() {
		if err := r.dedup.Release(ctx, entry.IdempotencyKey); err != nil {
			logger.Warn("failed to release idempotency key", "error", err)
		}
	}

	if msg.State == models.StepStateCompleted {
		if err := r.advanceCompleted(ctx, msg.PlanID, msg.StepID, entry.TraceID, msg.RequestID); err != nil {
			logger.Error("failed to advance plan after completion", "error", err)
		}
	}
	r.releaseCompletionKey(ctx, models.CompletionIdempotencyKey(msg.PlanID, msg.StepID))
	return d.Ack()
}

// releaseCompletionKey settles the completion delivery's own reservation on
// ack. Dead-lettered deliveries are released by the adapter.
func (r *Runtime) releaseCompletionKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := r.dedup.Release(ctx, key); err != nil {
		r.logger.Warn("failed to release completion idempotency key", "key", key, "error", err)
	}
}

// advanceCompleted records the completed index and releases the next step.
// Caller holds the plan lock.
func (r *Runtime) advanceCompleted(ctx context.Context, planID, stepID, traceID, requestID string) error {
	meta, err := r.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading plan metadata: %w", err)
	}
	if idx := meta.StepIndex(stepID); idx > meta.LastCompletedIndex {
		meta.LastCompletedIndex = idx
		if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
			return fmt.Errorf("recording completed index: %w", err)
		}
	}
	return r.releaseNextLocked(ctx, planID, traceID, requestID)
}

// ResolveApproval applies an approve or reject decision to a step parked in
// waiting_approval.
func (r *Runtime) ResolveApproval(ctx context.Context, planID, stepID string, decision Decision, summary string) error {
	unlock := r.store.LockPlan(planID)
	defer unlock()

	entry, err := r.store.GetEntry(ctx, planID, stepID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("loading step row: %w", err)
	}
	if entry.State != models.StepStateWaitingApproval {
		return ErrConflict
	}

	switch decision {
	case DecisionApprove:
		if err := r.store.RecordApproval(ctx, planID, stepID, entry.Step.Capability, true); err != nil {
			return fmt.Errorf("recording approval: %w", err)
		}
		if err := r.store.SetState(ctx, planID, stepID, models.StepStateQueued, state.SetStateOptions{Summary: &summary}); err != nil {
			return fmt.Errorf("requeueing approved step: %w", err)
		}
		// A step parked before its first enqueue has no reservation yet;
		// a re-approved retry already holds one. Either way the key must
		// be reserved before the dedup-bypassing publish.
		if _, err := r.dedup.TryReserve(ctx, entry.IdempotencyKey); err != nil {
			return fmt.Errorf("reserving idempotency key: %w", err)
		}
		if err := r.enqueueStep(ctx, planID, entry.Step, entry, entry.TraceID, "", true); err != nil {
			return err
		}
		r.bus.Publish(models.NewPlanStepEvent(planID, entry.TraceID, entry.Step, models.StepStateQueued, summary, nil))
		return nil

	case DecisionReject:
		if err := r.store.RecordApproval(ctx, planID, stepID, entry.Step.Capability, false); err != nil {
			return fmt.Errorf("recording rejection: %w", err)
		}
		if err := r.store.SetState(ctx, planID, stepID, models.StepStateRejected, state.SetStateOptions{}); err != nil {
			return fmt.Errorf("rejecting step: %w", err)
		}
		r.bus.Publish(models.NewPlanStepEvent(planID, entry.TraceID, entry.Step, models.StepStateRejected, summary, nil))
		if err := r.dedup.Release(ctx, entry.IdempotencyKey); err != nil {
			r.logger.Warn("failed to release idempotency key", "key", entry.IdempotencyKey, "error", err)
		}
		return r.cascadeRejection(ctx, planID, stepID, entry.TraceID)

	default:
		return fmt.Errorf("unknown decision %q", decision)
	}
}

// cascadeRejection short-circuits every step after the rejected one.
// Caller holds the plan lock.
func (r *Runtime) cascadeRejection(ctx context.Context, planID, rejectedStepID, traceID string) error {
	meta, err := r.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading plan metadata: %w", err)
	}
	start := meta.StepIndex(rejectedStepID)
	if start < 0 {
		return nil
	}

	for i := start + 1; i < len(meta.Steps); i++ {
		step := meta.Steps[i].Step
		entry, err := r.store.GetEntry(ctx, planID, step.ID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			return fmt.Errorf("loading step row: %w", err)
		}
		if entry.State != models.StepStateQueued && entry.State != models.StepStateWaitingApproval {
			continue
		}
		if err := r.store.SetState(ctx, planID, step.ID, models.StepStateRejected, state.SetStateOptions{}); err != nil {
			return fmt.Errorf("cancelling step %q: %w", step.ID, err)
		}
		r.bus.Publish(models.NewPlanStepEvent(planID, traceID, step, models.StepStateRejected, cancelledSummary, nil))
		if err := r.dedup.Release(ctx, entry.IdempotencyKey); err != nil {
			r.logger.Warn("failed to release idempotency key", "key", entry.IdempotencyKey, "error", err)
		}
	}

	meta.NextStepIndex = len(meta.Steps)
	if err := r.store.RememberPlanMetadata(ctx, meta); err != nil {
		return fmt.Errorf("finalizing plan metadata: %w", err)
	}
	return nil
}

// Recover rehydrates in-flight steps after a restart: queued and running
// rows have their dedup keys re-reserved and are re-enqueued; steps parked
// in waiting_approval are left idle.
func (r *Runtime) Recover(ctx context.Context) error {
	rows, err := r.store.ListActiveSteps(ctx)
	if err != nil {
		return fmt.Errorf("listing active steps: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		if row.State != models.StepStateQueued && row.State != models.StepStateRunning {
			continue
		}
		if _, err := r.dedup.TryReserve(ctx, row.IdempotencyKey); err != nil {
			r.logger.Warn("recovery failed to re-reserve idempotency key",
				"key", row.IdempotencyKey, "error", err)
		}
		if err := r.enqueueStep(ctx, row.PlanID, row.Step, row, row.TraceID, "", true); err != nil {
			r.logger.Error("recovery failed to re-enqueue step",
				"plan_id", row.PlanID, "step_id", row.Step.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		r.logger.Info("recovered in-flight steps", "count", recovered)
	}
	return nil
}
