// Package api exposes the orchestrator's HTTP surface: plan submission,
// event history and streaming, approvals, and operational endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/audit"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/config"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/ratelimit"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/runtime"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/services"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/session"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/sse"
)

// Server is the HTTP server.
type Server struct {
	echo           *echo.Echo
	cfg            *config.Config
	plans          *services.PlanService
	sessions       session.Store
	runtime        *runtime.Runtime
	streamer       *sse.Streamer
	quota          *sse.Quota
	limiter        *ratelimit.Limiter
	audit          *audit.Logger
	logger         *slog.Logger
	trustedProxies []*net.IPNet
	startedAt      time.Time

	httpServer *http.Server
}

// NewServer wires the HTTP server. All dependencies are required except
// audit and logger, which fall back to defaults.
func NewServer(
	cfg *config.Config,
	plans *services.PlanService,
	sessions session.Store,
	rt *runtime.Runtime,
	streamer *sse.Streamer,
	quota *sse.Quota,
	limiter *ratelimit.Limiter,
	auditLog *audit.Logger,
	logger *slog.Logger,
) (*Server, error) {
	trusted, err := ParseTrustedProxyCIDRs(cfg.Server.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parsing trusted proxies: %w", err)
	}
	if auditLog == nil {
		auditLog = audit.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		echo:           echo.New(),
		cfg:            cfg,
		plans:          plans,
		sessions:       sessions,
		runtime:        rt,
		streamer:       streamer,
		quota:          quota,
		limiter:        limiter,
		audit:          auditLog,
		logger:         logger.With("component", "api"),
		trustedProxies: trusted,
		startedAt:      time.Now(),
	}

	s.echo.HTTPErrorHandler = s.handleError
	s.registerMiddleware()
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerMiddleware() {
	s.echo.Use(
		requestContext(),
		securityHeaders(),
		corsAllowlist(s.cfg.Server.CORS.AllowedOrigins),
		s.resolveClientIP(),
		s.accessLog(),
		bodyLimits(s.cfg.Server.RequestLimits.JSONBytes, s.cfg.Server.RequestLimits.URLEncodedBytes),
		s.bindSession(),
	)
}

func (s *Server) registerRoutes() {
	s.echo.POST("/plan", s.createPlanHandler)
	s.echo.GET("/plan/:id/events", s.planEventsHandler)
	s.echo.POST("/plan/:id/steps/:stepId/approve", s.approveStepHandler)
	s.echo.POST("/plan/:id/steps/:stepId/reject", s.rejectStepHandler)

	s.echo.GET("/healthz", s.healthHandler)
	s.echo.GET("/readyz", s.readyHandler)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
