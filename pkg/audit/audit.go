// Package audit emits structured audit events for security-relevant
// actions. Caller identities are hashed before logging so audit trails can
// be shipped without leaking PII.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

// Outcomes of an audited action.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Event is one audited action.
type Event struct {
	Name       string
	Outcome    string
	Target     string
	Capability string
	Subject    *models.Subject
	TraceID    string
	Details    map[string]any
}

// Logger writes audit events as structured log lines on a dedicated
// audit logger.
type Logger struct {
	logger *slog.Logger
}

// New creates an audit logger on top of base.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{logger: base.With("log_type", "audit")}
}

// HashIdentity returns a stable non-reversible token for an identity
// string. Empty input stays empty so absent identities are visible as such.
func HashIdentity(identity string) string {
	if identity == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(identity))
	return "sha256:" + hex.EncodeToString(sum[:])[:32]
}

// Record emits the event.
func (l *Logger) Record(ev Event) {
	attrs := []any{
		"event", ev.Name,
		"outcome", ev.Outcome,
	}
	if ev.Target != "" {
		attrs = append(attrs, "target", ev.Target)
	}
	if ev.Capability != "" {
		attrs = append(attrs, "capability", ev.Capability)
	}
	if ev.TraceID != "" {
		attrs = append(attrs, "trace_id", ev.TraceID)
	}
	if ev.Subject != nil {
		attrs = append(attrs,
			"subject_user", HashIdentity(ev.Subject.UserID),
			"subject_email", HashIdentity(ev.Subject.Email),
			"subject_session", HashIdentity(ev.Subject.SessionID),
			"tenant_id", ev.Subject.TenantID,
		)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	switch ev.Outcome {
	case OutcomeDenied, OutcomeFailure:
		l.logger.Warn("audit", attrs...)
	default:
		l.logger.Info("audit", attrs...)
	}
}
