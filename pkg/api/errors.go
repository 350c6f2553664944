package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/services"
)

// Error codes of the uniform error envelope.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodePayloadTooLarge    = "payload_too_large"
	CodeTooManyRequests    = "too_many_requests"
	CodeUpstreamError      = "upstream_error"
	CodeConfigurationError = "configuration_error"
)

// ErrorBody is the uniform error envelope returned on every failure.
type ErrorBody struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	RetryAfterMS *int64         `json:"retryAfterMs,omitempty"`
}

// apiError carries an HTTP status alongside the envelope.
type apiError struct {
	Status int
	Body   ErrorBody
}

func (e *apiError) Error() string {
	return e.Body.Code + ": " + e.Body.Message
}

func newAPIError(status int, code, message string) *apiError {
	return &apiError{Status: status, Body: ErrorBody{Code: code, Message: message}}
}

func (e *apiError) withDetails(details map[string]any) *apiError {
	e.Body.Details = details
	return e
}

// mapServiceError maps service-layer errors to the envelope. Scenario
// messages are stable: clients match on them.
func mapServiceError(err error) *apiError {
	if issues, ok := services.AsValidationErrors(err); ok {
		fields := make([]map[string]string, 0, len(issues))
		for _, issue := range issues {
			fields = append(fields, map[string]string{
				"path":    issue.Path,
				"message": issue.Message,
			})
		}
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, "request validation failed").
			withDetails(map[string]any{"issues": fields})
	}
	switch {
	case errors.Is(err, services.ErrUnauthorized):
		return newAPIError(http.StatusUnauthorized, CodeUnauthorized, "authentication required")
	case errors.Is(err, services.ErrForbidden):
		msg := "forbidden"
		if cause := errors.Unwrap(err); cause != nil {
			msg = trimErrorPrefix(err.Error(), services.ErrForbidden.Error())
		}
		return newAPIError(http.StatusForbidden, CodeForbidden, msg)
	case errors.Is(err, services.ErrNotFound):
		return newAPIError(http.StatusNotFound, CodeNotFound, "resource not found")
	case errors.Is(err, services.ErrConflict):
		return newAPIError(http.StatusConflict, CodeConflict, "step is not awaiting approval")
	case errors.Is(err, services.ErrUpstream):
		return newAPIError(http.StatusBadGateway, CodeUpstreamError, "message broker unavailable")
	}

	slog.Error("Unexpected service error", "error", err)
	return newAPIError(http.StatusInternalServerError, CodeConfigurationError, "internal server error")
}

// trimErrorPrefix strips "<sentinel>: " from a wrapped error string so the
// envelope message reads cleanly.
func trimErrorPrefix(full, sentinel string) string {
	prefix := sentinel + ": "
	if len(full) > len(prefix) && full[:len(prefix)] == prefix {
		return full[len(prefix):]
	}
	return full
}

// handleError is the echo error handler: every error leaves the server as
// the uniform envelope.
func (s *Server) handleError(c *echo.Context, err error) {
	if resp, _ := echo.UnwrapResponse(c.Response()); resp != nil && resp.Committed {
		return
	}

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		var httpErr *echo.HTTPError
		var coder echo.HTTPStatusCoder
		switch {
		case errors.As(err, &httpErr):
			apiErr = fromStatus(httpErr.Code, httpErr.Message)
		case errors.As(err, &coder):
			// Echo's own sentinel errors (route miss, 405) carry only a
			// status code.
			apiErr = fromStatus(coder.StatusCode(), "")
		default:
			apiErr = mapServiceError(err)
		}
	}

	if writeErr := c.JSON(apiErr.Status, apiErr.Body); writeErr != nil {
		s.logger.Debug("failed to write error response", "error", writeErr)
	}
}

// fromStatus folds echo's own errors (404 route misses, 405, bind failures)
// into the envelope.
func fromStatus(status int, message string) *apiError {
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusNotFound:
		return newAPIError(http.StatusNotFound, CodeNotFound, "path not found")
	case http.StatusMethodNotAllowed:
		return newAPIError(http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
	case http.StatusBadRequest:
		return newAPIError(http.StatusBadRequest, CodeInvalidRequest, message)
	case http.StatusRequestEntityTooLarge:
		return newAPIError(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, message)
	default:
		return newAPIError(status, CodeConfigurationError, message)
	}
}
