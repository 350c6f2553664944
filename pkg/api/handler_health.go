package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/version"
)

const (
	statusOK       = "ok"
	statusReady    = "ready"
	statusDegraded = "degraded"
)

// healthHandler handles GET /healthz. Liveness only: no dependency checks,
// safe for unauthenticated access.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &HealthResponse{Status: statusOK})
}

// readyHandler handles GET /readyz. Reports queue consumer status; a server
// whose consumers never attached is degraded so the orchestrator stops
// routing traffic to it.
func (s *Server) readyHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	health := s.runtime.Health(reqCtx)

	status := statusReady
	queueStatus := statusOK
	httpStatus := http.StatusOK
	if !health.Started {
		status = statusDegraded
		queueStatus = statusDegraded
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &ReadyResponse{
		Status:        status,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Version:       version.GitCommit,
		RequestID:     requestID(c),
		TraceID:       traceID(c),
		Details: map[string]CheckStatus{
			"queue": {Status: queueStatus},
		},
	})
}
