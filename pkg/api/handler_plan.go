package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/audit"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/ratelimit"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/runtime"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/services"
)

// createPlanHandler handles POST /plan.
func (s *Server) createPlanHandler(c *echo.Context) error {
	if err := s.checkRateLimit(c, "plan"); err != nil {
		return err
	}

	var req CreatePlanRequest
	if err := c.Bind(&req); err != nil {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "request body is not valid JSON")
	}

	plan, err := s.plans.CreatePlan(requestContextOf(c), services.CreatePlanInput{
		Goal:      req.Goal,
		Steps:     req.Steps,
		Subject:   subjectFrom(c),
		TraceID:   traceID(c),
		RequestID: requestID(c),
		Agent:     req.Agent,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, &PlanResponse{
		Plan:      plan,
		RequestID: requestID(c),
		TraceID:   traceID(c),
	})
}

// planEventsHandler handles GET /plan/:id/events. The representation is
// negotiated on Accept: text/event-stream streams, anything else gets the
// JSON history snapshot.
func (s *Server) planEventsHandler(c *echo.Context) error {
	planID := c.Param("id")
	if !models.ValidPlanID(planID) {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid plan id")
	}

	subject := subjectFrom(c)
	if strings.Contains(c.Request().Header.Get("Accept"), "text/event-stream") {
		return s.streamPlanEvents(c, planID)
	}

	events, err := s.plans.GetPlanEvents(requestContextOf(c), planID, subject)
	if err != nil {
		s.auditAccessFailure(c, "plan.events", planID, err)
		return mapServiceError(err)
	}

	h := c.Response().Header()
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, &EventsResponse{
		PlanID:    planID,
		Events:    events,
		RequestID: requestID(c),
		TraceID:   traceID(c),
	})
}

func (s *Server) streamPlanEvents(c *echo.Context, planID string) error {
	subject := subjectFrom(c)
	if err := s.plans.AuthorizeSubject(requestContextOf(c), planID, subject); err != nil {
		s.auditAccessFailure(c, "plan.events.stream", planID, err)
		return mapServiceError(err)
	}

	release, ok := s.quota.Acquire(clientIP(c), subjectKey(subject))
	if !ok {
		s.audit.Record(audit.Event{
			Name:    "plan.events.stream",
			Outcome: audit.OutcomeDenied,
			Target:  planID,
			Subject: subject,
			TraceID: traceID(c),
			Details: map[string]any{"reason": "sse quota exhausted", "ip": audit.HashIdentity(clientIP(c))},
		})
		return newAPIError(http.StatusTooManyRequests, CodeTooManyRequests, "stream quota exhausted")
	}

	return s.streamer.Stream(requestContextOf(c), c.Response(), planID, release)
}

// approveStepHandler handles POST /plan/:id/steps/:stepId/approve. The body
// decision is honoured, so an operator can post decision=reject here.
func (s *Server) approveStepHandler(c *echo.Context) error {
	return s.resolveApproval(c, false)
}

// rejectStepHandler handles POST /plan/:id/steps/:stepId/reject. The reject
// route forces the decision.
func (s *Server) rejectStepHandler(c *echo.Context) error {
	return s.resolveApproval(c, true)
}

func (s *Server) resolveApproval(c *echo.Context, forceReject bool) error {
	planID := c.Param("id")
	stepID := c.Param("stepId")
	if !models.ValidPlanID(planID) {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid plan id")
	}
	if !models.ValidStepID(stepID) {
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "invalid step id")
	}

	var req ApprovalRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "request body is not valid JSON")
		}
	}

	decision := runtime.DecisionApprove
	switch {
	case forceReject:
		decision = runtime.DecisionReject
	case req.Decision == "" || req.Decision == string(runtime.DecisionApprove):
	case req.Decision == string(runtime.DecisionReject):
		decision = runtime.DecisionReject
	default:
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest,
			`decision must be "approve" or "reject"`)
	}

	err := s.plans.ResolveApproval(requestContextOf(c), services.ApprovalInput{
		PlanID:    planID,
		StepID:    stepID,
		Decision:  decision,
		Rationale: req.Rationale,
		Subject:   subjectFrom(c),
		TraceID:   traceID(c),
	})
	if err != nil {
		s.auditAccessFailure(c, "plan.step."+string(decision), planID+"/"+stepID, err)
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// checkRateLimit evaluates the endpoint bucket and renders 429 with
// retryAfterMs on denial. Backend errors fail open.
func (s *Server) checkRateLimit(c *echo.Context, endpoint string) error {
	subject := subjectFrom(c)
	ip := clientIP(c)
	identity := ratelimit.Identity(subjectKey(subject), c.Request().Header.Get("X-Agent-Name"), ip)

	res, err := s.limiter.Check(requestContextOf(c), endpoint, identity, ip)
	if err != nil {
		s.logger.Warn("rate limit backend error, allowing request", "endpoint", endpoint, "error", err)
		return nil
	}
	if res.Allowed {
		return nil
	}

	s.audit.Record(audit.Event{
		Name:    endpoint + ".rate_limited",
		Outcome: audit.OutcomeDenied,
		Subject: subject,
		TraceID: traceID(c),
		Details: map[string]any{"ip": audit.HashIdentity(ip)},
	})
	retryAfter := res.RetryAfter.Milliseconds()
	apiErr := newAPIError(http.StatusTooManyRequests, CodeTooManyRequests, "rate limit exceeded")
	apiErr.Body.RetryAfterMS = &retryAfter
	return apiErr
}

// auditAccessFailure records denied and failed per-plan operations.
func (s *Server) auditAccessFailure(c *echo.Context, name, target string, err error) {
	apiErr := mapServiceError(err)
	outcome := audit.OutcomeFailure
	switch apiErr.Status {
	case http.StatusForbidden, http.StatusUnauthorized:
		outcome = audit.OutcomeDenied
	case http.StatusNotFound, http.StatusConflict, http.StatusBadRequest:
		return
	}
	s.audit.Record(audit.Event{
		Name:    name,
		Outcome: outcome,
		Target:  target,
		Subject: subjectFrom(c),
		TraceID: traceID(c),
		Details: map[string]any{"ip": audit.HashIdentity(clientIP(c))},
	})
}

// subjectKey is the identity string used for quotas and rate limits.
func subjectKey(subject *models.Subject) string {
	if subject == nil {
		return ""
	}
	if subject.UserID != "" {
		return subject.TenantID + "/" + subject.UserID
	}
	return subject.SessionID
}
