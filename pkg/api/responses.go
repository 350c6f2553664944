package api

import "github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"

// PlanResponse is returned by POST /plan.
type PlanResponse struct {
	Plan      *models.Plan `json:"plan"`
	RequestID string       `json:"requestId"`
	TraceID   string       `json:"traceId"`
}

// EventsResponse is the JSON rendering of GET /plan/:id/events.
type EventsResponse struct {
	PlanID    string                 `json:"planId"`
	Events    []models.PlanStepEvent `json:"events"`
	RequestID string                 `json:"requestId"`
	TraceID   string                 `json:"traceId"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is returned by GET /readyz.
type ReadyResponse struct {
	Status        string                 `json:"status"`
	Timestamp     string                 `json:"timestamp"`
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	Version       string                 `json:"version"`
	RequestID     string                 `json:"requestId"`
	TraceID       string                 `json:"traceId"`
	Details       map[string]CheckStatus `json:"details"`
}

// CheckStatus is one readiness check result.
type CheckStatus struct {
	Status string `json:"status"`
}
