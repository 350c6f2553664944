package audit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

func TestHashIdentity(t *testing.T) {
	first := HashIdentity("dev@example.com")
	second := HashIdentity("dev@example.com")
	other := HashIdentity("other@example.com")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.NotContains(t, first, "dev@example.com")
	assert.Contains(t, first, "sha256:")

	assert.Empty(t, HashIdentity(""))
}

func TestLogger_RecordHashesSubject(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	logger.Record(Event{
		Name:       "plan.step.approve",
		Outcome:    OutcomeSuccess,
		Target:     "plan-aaaaaaaa/step-1",
		Capability: "plan.approve",
		TraceID:    "trace-1",
		Subject: &models.Subject{
			SessionID: "session-xyz",
			TenantID:  "acme",
			UserID:    "u-1",
			Email:     "dev@example.com",
		},
		Details: map[string]any{"decision": "approve"},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "audit", line["log_type"])
	assert.Equal(t, "plan.step.approve", line["event"])
	assert.Equal(t, "success", line["outcome"])
	assert.Equal(t, "plan-aaaaaaaa/step-1", line["target"])
	assert.Equal(t, "approve", line["decision"])
	assert.Equal(t, "acme", line["tenant_id"])

	raw := buf.String()
	assert.NotContains(t, raw, "dev@example.com")
	assert.NotContains(t, raw, "session-xyz")
	assert.Contains(t, line["subject_email"], "sha256:")
}

func TestLogger_DeniedLogsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.New(slog.NewJSONHandler(&buf, nil)))

	logger.Record(Event{Name: "events.stream", Outcome: OutcomeDenied})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
}
