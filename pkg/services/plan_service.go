// Package services holds the domain-level operations behind the HTTP
// handlers: plan creation, event access with ownership checks, and
// approval resolution.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/audit"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/runtime"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/state"
)

// CapabilityApprove gates the approval endpoints.
const CapabilityApprove = "plan.approve"

// MaxRationaleLength bounds the approval rationale, in bytes, after
// trimming.
const MaxRationaleLength = 2000

// PlanService implements plan creation, history access, and approvals.
type PlanService struct {
	runtime  *runtime.Runtime
	store    state.Store
	bus      *bus.Bus
	enforcer policy.Enforcer
	planner  Planner
	audit    *audit.Logger
	runMode  string
}

// NewPlanService wires the service. All dependencies are required.
func NewPlanService(rt *runtime.Runtime, store state.Store, eventBus *bus.Bus, enforcer policy.Enforcer, planner Planner, auditLog *audit.Logger, runMode string) *PlanService {
	if rt == nil {
		panic("NewPlanService: runtime must not be nil")
	}
	if store == nil {
		panic("NewPlanService: store must not be nil")
	}
	if eventBus == nil {
		panic("NewPlanService: eventBus must not be nil")
	}
	if enforcer == nil {
		panic("NewPlanService: enforcer must not be nil")
	}
	if planner == nil {
		planner = NewTemplatePlanner(nil)
	}
	if auditLog == nil {
		auditLog = audit.New(nil)
	}
	return &PlanService{
		runtime:  rt,
		store:    store,
		bus:      eventBus,
		enforcer: enforcer,
		planner:  planner,
		audit:    auditLog,
		runMode:  runMode,
	}
}

// StepInput is an explicitly supplied plan step.
type StepInput struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Tool             string         `json:"tool"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capability_label"`
	Labels           []string       `json:"labels"`
	Input            map[string]any `json:"input"`
	TimeoutSeconds   int            `json:"timeout_seconds"`
	ApprovalRequired bool           `json:"approval_required"`
}

// CreatePlanInput is the domain-level plan creation request, transformed
// from the HTTP request by the handler.
type CreatePlanInput struct {
	Goal      string
	Steps     []StepInput
	Subject   *models.Subject
	TraceID   string
	RequestID string
	Agent     string
}

// CreatePlan validates the goal, plans or adopts the steps, enforces the
// creation capability, and submits the plan to the runtime.
func (s *PlanService) CreatePlan(ctx context.Context, input CreatePlanInput) (*models.Plan, error) {
	goal := strings.TrimSpace(input.Goal)
	if goal == "" {
		return nil, NewValidationError("goal", "goal is required")
	}
	if len(goal) > models.MaxGoalLength {
		return nil, NewValidationError("goal", fmt.Sprintf("goal exceeds %d characters", models.MaxGoalLength))
	}

	steps, err := s.resolveSteps(ctx, goal, input.Steps)
	if err != nil {
		return nil, err
	}

	decision := s.enforcer.EnforceHTTPAction(policy.HTTPAction{
		Action:               "plan.create",
		RequiredCapabilities: []string{"plan.create"},
		Agent:                input.Agent,
		TraceID:              input.TraceID,
		Subject:              input.Subject,
		RunMode:              s.runMode,
	})
	if !decision.Allow {
		s.audit.Record(audit.Event{
			Name:    "plan.create",
			Outcome: audit.OutcomeDenied,
			Subject: input.Subject,
			TraceID: input.TraceID,
			Details: map[string]any{"deny": decision.Deny},
		})
		return nil, denyError(decision)
	}

	plan := &models.Plan{
		ID:        "plan-" + uuid.New().String(),
		Goal:      goal,
		Steps:     steps,
		Owner:     input.Subject.Clone(),
		TraceID:   input.TraceID,
		CreatedAt: time.Now(),
	}

	if err := s.runtime.Submit(ctx, plan, input.TraceID, input.RequestID, input.Subject); err != nil {
		s.audit.Record(audit.Event{
			Name:    "plan.create",
			Outcome: audit.OutcomeFailure,
			Target:  plan.ID,
			Subject: input.Subject,
			TraceID: input.TraceID,
		})
		if errors.Is(err, runtime.ErrEnqueueFailed) {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return nil, err
	}

	s.audit.Record(audit.Event{
		Name:    "plan.create",
		Outcome: audit.OutcomeSuccess,
		Target:  plan.ID,
		Subject: input.Subject,
		TraceID: input.TraceID,
		Details: map[string]any{"steps": len(plan.Steps)},
	})
	return plan, nil
}

// resolveSteps validates explicit steps or falls back to the planner.
func (s *PlanService) resolveSteps(ctx context.Context, goal string, inputs []StepInput) ([]models.PlanStep, error) {
	if len(inputs) == 0 {
		steps, err := s.planner.PlanSteps(ctx, goal)
		if err != nil {
			return nil, fmt.Errorf("planning steps: %w", err)
		}
		if len(steps) == 0 {
			return nil, NewValidationError("goal", "no steps could be planned for this goal")
		}
		return steps, nil
	}

	var issues ValidationErrors
	seen := make(map[string]bool, len(inputs))
	steps := make([]models.PlanStep, 0, len(inputs))
	for i, in := range inputs {
		path := fmt.Sprintf("steps.%d", i)
		if !models.ValidStepID(in.ID) {
			issues = append(issues, &ValidationError{Path: path + ".id", Message: "step id must be 1-64 chars of [A-Za-z0-9._-]"})
		} else if seen[in.ID] {
			issues = append(issues, &ValidationError{Path: path + ".id", Message: "duplicate step id"})
		}
		seen[in.ID] = true
		if strings.TrimSpace(in.Tool) == "" {
			issues = append(issues, &ValidationError{Path: path + ".tool", Message: "tool is required"})
		}
		steps = append(steps, models.PlanStep{
			ID:               in.ID,
			Action:           in.Action,
			Tool:             in.Tool,
			Capability:       in.Capability,
			CapabilityLabel:  in.CapabilityLabel,
			Labels:           append([]string(nil), in.Labels...),
			Input:            in.Input,
			TimeoutSeconds:   in.TimeoutSeconds,
			ApprovalRequired: in.ApprovalRequired,
		})
	}
	if len(issues) > 0 {
		return nil, issues
	}
	return steps, nil
}

// GetPlanEvents returns the plan's event history after verifying the
// requester against the plan owner.
func (s *PlanService) GetPlanEvents(ctx context.Context, planID string, requester *models.Subject) ([]models.PlanStepEvent, error) {
	if err := s.AuthorizeSubject(ctx, planID, requester); err != nil {
		return nil, err
	}
	return s.bus.GetHistory(planID), nil
}

// AuthorizeSubject verifies that requester may act on the plan, per the
// owner-binding predicate. Used by the history, stream, and approval paths.
func (s *PlanService) AuthorizeSubject(ctx context.Context, planID string, requester *models.Subject) error {
	owner, err := s.planOwner(ctx, planID)
	if err != nil {
		return err
	}
	if owner == nil {
		// Plans created without a session (single-tenant dev mode) are
		// open to any caller of the same deployment.
		return nil
	}
	if !models.SubjectsMatch(owner, requester) {
		return fmt.Errorf("%w: subject does not match plan owner", ErrForbidden)
	}
	return nil
}

// planOwner loads the owner subject snapshot from the plan metadata.
func (s *PlanService) planOwner(ctx context.Context, planID string) (*models.Subject, error) {
	meta, err := s.store.GetPlanMetadata(ctx, planID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: plan %s", ErrNotFound, planID)
		}
		return nil, fmt.Errorf("loading plan metadata: %w", err)
	}
	if len(meta.Steps) == 0 {
		return nil, nil
	}
	return meta.Steps[0].Subject, nil
}

// ApprovalInput is one approval resolution request.
type ApprovalInput struct {
	PlanID    string
	StepID    string
	Decision  runtime.Decision
	Rationale string
	Subject   *models.Subject
	TraceID   string
}

// ResolveApproval applies an operator decision to a step awaiting
// approval.
func (s *PlanService) ResolveApproval(ctx context.Context, input ApprovalInput) error {
	rationale := strings.TrimSpace(input.Rationale)
	if len(rationale) > MaxRationaleLength {
		return NewValidationError("rationale", fmt.Sprintf("rationale exceeds %d characters", MaxRationaleLength))
	}

	if err := s.AuthorizeSubject(ctx, input.PlanID, input.Subject); err != nil {
		if errors.Is(err, ErrForbidden) {
			s.recordApprovalAudit(input, audit.OutcomeDenied)
			return fmt.Errorf("%w: approval subject mismatch", ErrForbidden)
		}
		return err
	}

	decision := s.enforcer.EnforceHTTPAction(policy.HTTPAction{
		Action:               "plan.approve",
		RequiredCapabilities: []string{CapabilityApprove},
		TraceID:              input.TraceID,
		Subject:              input.Subject,
		RunMode:              s.runMode,
	})
	if !decision.Allow {
		s.recordApprovalAudit(input, audit.OutcomeDenied)
		return denyError(decision)
	}

	// Check the current state via the bus first; fall back to the store.
	if ev, ok := s.bus.GetLatestStepEvent(input.PlanID, input.StepID); ok {
		if ev.Step.State != models.StepStateWaitingApproval {
			return fmt.Errorf("%w: step is not awaiting approval", ErrConflict)
		}
	} else if _, err := s.store.GetEntry(ctx, input.PlanID, input.StepID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: step %s", ErrNotFound, input.StepID)
		}
		return fmt.Errorf("loading step row: %w", err)
	}

	summary := approvalSummary(input.Decision, rationale)
	if err := s.runtime.ResolveApproval(ctx, input.PlanID, input.StepID, input.Decision, summary); err != nil {
		switch {
		case errors.Is(err, runtime.ErrNotFound):
			return fmt.Errorf("%w: step %s", ErrNotFound, input.StepID)
		case errors.Is(err, runtime.ErrConflict):
			return fmt.Errorf("%w: step is not awaiting approval", ErrConflict)
		default:
			s.recordApprovalAudit(input, audit.OutcomeFailure)
			return err
		}
	}

	s.recordApprovalAudit(input, audit.OutcomeSuccess)
	return nil
}

func (s *PlanService) recordApprovalAudit(input ApprovalInput, outcome string) {
	name := "plan.step.approve"
	if input.Decision == runtime.DecisionReject {
		name = "plan.step.reject"
	}
	s.audit.Record(audit.Event{
		Name:       name,
		Outcome:    outcome,
		Target:     input.PlanID + "/" + input.StepID,
		Capability: CapabilityApprove,
		Subject:    input.Subject,
		TraceID:    input.TraceID,
		Details:    map[string]any{"decision": string(input.Decision)},
	})
}

// approvalSummary composes the event summary for an approval decision.
func approvalSummary(decision runtime.Decision, rationale string) string {
	switch decision {
	case runtime.DecisionReject:
		if rationale == "" {
			return "Rejected"
		}
		return "Rejected: " + rationale
	default:
		if rationale == "" {
			return "Approved"
		}
		return "Approved: " + rationale
	}
}

// denyError folds policy deny reasons into a forbidden error.
func denyError(decision policy.Decision) error {
	if len(decision.Deny) > 0 {
		return fmt.Errorf("%w: %s", ErrForbidden, decision.Deny[0].Reason)
	}
	return ErrForbidden
}

// PlanExists reports whether the plan has persisted metadata.
func (s *PlanService) PlanExists(ctx context.Context, planID string) (bool, error) {
	_, err := s.store.GetPlanMetadata(ctx, planID)
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
