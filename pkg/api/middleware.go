package api

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/session"
)

// Context keys set by the middleware chain.
const (
	ctxKeyRequestID = "request_id"
	ctxKeyTraceID   = "trace_id"
	ctxKeySubject   = "subject"
	ctxKeyClientIP  = "client_ip"
)

// inboundIDPattern bounds request and trace ids a proxy may supply.
var inboundIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{8,128}$`)

// requestContext assigns request and trace ids, honouring well-formed
// inbound headers, and echoes both on the response.
func requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			requestID := c.Request().Header.Get("X-Request-Id")
			if !inboundIDPattern.MatchString(requestID) {
				requestID = uuid.New().String()
			}
			traceID := c.Request().Header.Get("X-Trace-Id")
			if !inboundIDPattern.MatchString(traceID) {
				traceID = uuid.New().String()
			}

			c.Set(ctxKeyRequestID, requestID)
			c.Set(ctxKeyTraceID, traceID)
			h := c.Response().Header()
			h.Set("X-Request-Id", requestID)
			h.Set("X-Trace-Id", traceID)
			return next(c)
		}
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// corsAllowlist handles cross-origin requests against a fixed origin
// allowlist. Untrusted origins receive no Access-Control headers at all.
func corsAllowlist(allowedOrigins []string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin == "" {
				return next(c)
			}

			h := c.Response().Header()
			h.Add("Vary", "Origin")
			if allowed[origin] {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id, X-Trace-Id")
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// bodyLimits rejects oversized request bodies before handlers read them.
// The limit depends on the declared content type.
func bodyLimits(jsonBytes, urlEncodedBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Method == http.MethodGet {
				return next(c)
			}

			limit := jsonBytes
			if strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
				limit = urlEncodedBytes
			}
			if req.ContentLength > limit {
				return newAPIError(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "request body too large").
					withDetails(map[string]any{"limit": limit})
			}
			// Chunked bodies have no declared length; enforce while reading.
			req.Body = http.MaxBytesReader(c.Response(), req.Body, limit)
			return next(c)
		}
	}
}

// accessLog emits one structured line per request.
func (s *Server) accessLog() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			status := 0
			if resp, _ := echo.UnwrapResponse(c.Response()); resp != nil {
				status = resp.Status
			}
			s.logger.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"client_ip", clientIP(c),
				"request_id", requestID(c),
				"trace_id", traceID(c))
			return err
		}
	}
}

// resolveClientIP stores the proxy-aware client ip in the request context.
func (s *Server) resolveClientIP() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			c.Set(ctxKeyClientIP, ClientIP(c.Request(), s.trustedProxies))
			return next(c)
		}
	}
}

// bindSession resolves the caller's session into a subject. With OIDC
// enabled, requests without a valid session are rejected; health, readiness,
// and metrics endpoints stay open.
func (s *Server) bindSession() echo.MiddlewareFunc {
	open := map[string]bool{
		"/healthz": true,
		"/readyz":  true,
		"/metrics": true,
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if open[c.Request().URL.Path] {
				return next(c)
			}

			id := session.ExtractSessionID(c.Request(), s.cfg.Auth.OIDC.Session.CookieName)
			if id != "" {
				rec, err := s.sessions.Get(c.Request().Context(), id)
				if err == nil {
					c.Set(ctxKeySubject, session.ToPlanSubject(rec))
					return next(c)
				}
				if err != session.ErrNotFound {
					return err
				}
			}

			if s.cfg.Auth.OIDC.Enabled {
				return newAPIError(http.StatusUnauthorized, CodeUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

func requestID(c *echo.Context) string {
	if v, ok := c.Get(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func traceID(c *echo.Context) string {
	if v, ok := c.Get(ctxKeyTraceID).(string); ok {
		return v
	}
	return ""
}

func clientIP(c *echo.Context) string {
	if v, ok := c.Get(ctxKeyClientIP).(string); ok {
		return v
	}
	return ""
}

func subjectFrom(c *echo.Context) *models.Subject {
	if v, ok := c.Get(ctxKeySubject).(*models.Subject); ok {
		return v
	}
	return nil
}

// requestContextOf returns the request's context for service calls.
func requestContextOf(c *echo.Context) context.Context {
	return c.Request().Context()
}
