package api

import "github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/services"

// CreatePlanRequest is the body of POST /plan. Steps are optional; when
// omitted the configured planner decomposes the goal.
type CreatePlanRequest struct {
	Goal  string               `json:"goal"`
	Steps []services.StepInput `json:"steps,omitempty"`
	Agent string               `json:"agent,omitempty"`
}

// ApprovalRequest is the body of the approve and reject endpoints.
// Decision defaults to "approve"; the reject endpoint forces "reject"
// regardless of the body.
type ApprovalRequest struct {
	Decision  string `json:"decision,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}
