package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a plan or step does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned on a state-machine violation, e.g. approving
	// a step that is not awaiting approval.
	ErrConflict = errors.New("conflicting state")

	// ErrForbidden is returned on subject mismatch or capability denial.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized is returned when enterprise mode requires a session
	// and none is present.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstream is returned when the broker or a provider failed.
	ErrUpstream = errors.New("upstream failure")
)

// ValidationError is one structured validation issue.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error at '%s': %s", e.Path, e.Message)
}

// NewValidationError creates a single-issue validation error.
func NewValidationError(path, message string) error {
	return &ValidationError{Path: path, Message: message}
}

// ValidationErrors aggregates issues from one request.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors, first: %s", len(e), e[0].Error())
}

// AsValidationErrors extracts structured issues from err, if any.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var many ValidationErrors
	if errors.As(err, &many) {
		return many, true
	}
	var one *ValidationError
	if errors.As(err, &one) {
		return ValidationErrors{one}, true
	}
	return nil, false
}
