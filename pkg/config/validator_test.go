package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return Default()
}

func TestValidator_DefaultsAreValid(t *testing.T) {
	assert.NoError(t, NewValidator(validConfig()).ValidateAll())
}

func TestValidator_EnterpriseRequiresSecureCookies(t *testing.T) {
	cfg := validConfig()
	cfg.RunMode = "enterprise"
	cfg.Auth.SecureCookies = false

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secure cookies must be enabled when run mode is enterprise")

	cfg.Auth.SecureCookies = true
	assert.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidator_RejectsBadEnums(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "run mode",
			mutate: func(c *Config) { c.RunMode = "staging" },
			want:   "run_mode",
		},
		{
			name:   "messaging type",
			mutate: func(c *Config) { c.Messaging.Type = "kafka" },
			want:   "messaging.type",
		},
		{
			name:   "plan state backend",
			mutate: func(c *Config) { c.PlanState.Backend = "mysql" },
			want:   "plan_state.backend",
		},
		{
			name:   "dedupe provider",
			mutate: func(c *Config) { c.Dedupe.Provider = "etcd" },
			want:   "dedupe.provider",
		},
		{
			name:   "rate limit backend provider",
			mutate: func(c *Config) { c.Server.RateLimits.Backend.Provider = "dynamo" },
			want:   "rate_limits.backend.provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidator_BackendSpecificRequirements(t *testing.T) {
	cfg := validConfig()
	cfg.Messaging.Type = "amqp"
	cfg.Messaging.AMQP.URL = ""
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "messaging.amqp.url")

	cfg = validConfig()
	cfg.PlanState.Backend = "postgres"
	cfg.PlanState.DSN = ""
	err = NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan_state.dsn")

	cfg = validConfig()
	cfg.Dedupe.Provider = "shared_kv"
	cfg.Dedupe.RedisAddr = ""
	err = NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedupe.redis_addr")
}

func TestValidator_TrustedProxyCIDRs(t *testing.T) {
	cfg := validConfig()
	cfg.Server.TrustedProxyCIDRs = []string{"10.0.0.0/8", "fd00::/8"}
	assert.NoError(t, NewValidator(cfg).ValidateAll())

	// Bare addresses pass; the server widens them to /32 or /128.
	cfg.Server.TrustedProxyCIDRs = []string{"10.1.2.3", "fd00::1"}
	assert.NoError(t, NewValidator(cfg).ValidateAll())

	cfg.Server.TrustedProxyCIDRs = []string{"10.0.0.0/8", "not-a-cidr"}
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted_proxy_cidrs[1]")
}

func TestValidator_RateLimitWindows(t *testing.T) {
	cfg := validConfig()
	cfg.Server.RateLimits.Plan = RateLimitRule{WindowMS: 0, MaxRequests: 5}
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limits.plan.window_ms")

	// Disabled rule may leave the window unset.
	cfg.Server.RateLimits.Plan = RateLimitRule{WindowMS: 0, MaxRequests: 0}
	assert.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidator_SSESettings(t *testing.T) {
	cfg := validConfig()
	cfg.Server.SSEKeepAliveMS = 0
	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sse_keep_alive_ms")
}
