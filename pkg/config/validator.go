package config

import (
	"fmt"
	"net/netip"
)

// ConfigValidator validates configuration with clear error messages.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, failing fast at the first
// error.
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateRunMode(); err != nil {
		return err
	}
	if err := v.validateMessaging(); err != nil {
		return err
	}
	if err := v.validatePlanState(); err != nil {
		return err
	}
	if err := v.validateDedupe(); err != nil {
		return err
	}
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateAuth(); err != nil {
		return err
	}
	if err := v.validateRuntime(); err != nil {
		return err
	}
	return nil
}

func (v *ConfigValidator) validateRunMode() error {
	switch v.cfg.RunMode {
	case "development", "enterprise":
		return nil
	default:
		return NewValidationError("run_mode", fmt.Sprintf("must be 'development' or 'enterprise', got '%s'", v.cfg.RunMode))
	}
}

func (v *ConfigValidator) validateMessaging() error {
	m := v.cfg.Messaging
	switch m.Type {
	case "memory":
	case "amqp":
		if m.AMQP.URL == "" {
			return NewValidationError("messaging.amqp.url", "required for messaging type 'amqp'")
		}
		if m.AMQP.Prefetch < 1 {
			return NewValidationError("messaging.amqp.prefetch", "must be at least 1")
		}
	case "log_based":
		if m.LogBased.URL == "" {
			return NewValidationError("messaging.log_based.url", "required for messaging type 'log_based'")
		}
		if m.LogBased.Partitions < 1 {
			return NewValidationError("messaging.log_based.partitions", "must be at least 1")
		}
	default:
		return NewValidationError("messaging.type", fmt.Sprintf("must be 'amqp', 'log_based', or 'memory', got '%s'", m.Type))
	}
	return nil
}

func (v *ConfigValidator) validatePlanState() error {
	p := v.cfg.PlanState
	switch p.Backend {
	case "file":
		if p.Path == "" {
			return NewValidationError("plan_state.path", "required for backend 'file'")
		}
	case "postgres":
		if p.DSN == "" {
			return NewValidationError("plan_state.dsn", "required for backend 'postgres'")
		}
	default:
		return NewValidationError("plan_state.backend", fmt.Sprintf("must be 'file' or 'postgres', got '%s'", p.Backend))
	}
	if p.RetentionMS < 0 {
		return NewValidationError("plan_state.retention_ms", "must be 0 (disabled) or positive")
	}
	return nil
}

func (v *ConfigValidator) validateDedupe() error {
	d := v.cfg.Dedupe
	switch d.Provider {
	case "memory":
	case "shared_kv":
		if d.RedisAddr == "" {
			return NewValidationError("dedupe.redis_addr", "required for provider 'shared_kv'")
		}
	default:
		return NewValidationError("dedupe.provider", fmt.Sprintf("must be 'memory' or 'shared_kv', got '%s'", d.Provider))
	}
	if d.TTLSeconds < 1 {
		return NewValidationError("dedupe.ttl_seconds", "must be at least 1")
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server.port", "must be between 1 and 65535")
	}
	if s.SSEKeepAliveMS < 1 {
		return NewValidationError("server.sse_keep_alive_ms", "must be at least 1")
	}
	if s.SSEQuotas.PerIP < 1 {
		return NewValidationError("server.sse_quotas.per_ip", "must be at least 1")
	}
	if s.SSEQuotas.PerSubject < 1 {
		return NewValidationError("server.sse_quotas.per_subject", "must be at least 1")
	}
	if s.RequestLimits.JSONBytes < 1 {
		return NewValidationError("server.request_limits.json_bytes", "must be at least 1")
	}
	if s.RequestLimits.URLEncodedBytes < 1 {
		return NewValidationError("server.request_limits.url_encoded_bytes", "must be at least 1")
	}

	rules := map[string]RateLimitRule{
		"plan":      s.RateLimits.Plan,
		"chat":      s.RateLimits.Chat,
		"auth":      s.RateLimits.Auth,
		"remote_fs": s.RateLimits.RemoteFS,
	}
	for name, rule := range rules {
		if rule.MaxRequests > 0 && rule.WindowMS < 1 {
			return NewValidationError(
				fmt.Sprintf("server.rate_limits.%s.window_ms", name),
				"must be at least 1 when max_requests is set")
		}
		if rule.MaxRequests < 0 {
			return NewValidationError(
				fmt.Sprintf("server.rate_limits.%s.max_requests", name),
				"must be 0 (unlimited) or positive")
		}
	}

	switch s.RateLimits.Backend.Provider {
	case "memory":
	case "shared_kv":
		if s.RateLimits.Backend.RedisAddr == "" {
			return NewValidationError("server.rate_limits.backend.redis_addr", "required for provider 'shared_kv'")
		}
	default:
		return NewValidationError("server.rate_limits.backend.provider",
			fmt.Sprintf("must be 'memory' or 'shared_kv', got '%s'", s.RateLimits.Backend.Provider))
	}

	// Bare addresses are accepted and widened to single-host networks when
	// the server parses the list.
	for i, cidr := range s.TrustedProxyCIDRs {
		if _, err := netip.ParsePrefix(cidr); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(cidr); err != nil {
			return NewValidationError(
				fmt.Sprintf("server.trusted_proxy_cidrs[%d]", i),
				fmt.Sprintf("invalid CIDR or IP '%s'", cidr))
		}
	}

	return nil
}

func (v *ConfigValidator) validateAuth() error {
	a := v.cfg.Auth
	if v.cfg.RunMode == "enterprise" && !a.SecureCookies {
		return NewValidationError("auth.secure_cookies", "secure cookies must be enabled when run mode is enterprise")
	}
	if a.OIDC.Enabled {
		if a.OIDC.Session.CookieName == "" {
			return NewValidationError("auth.oidc.session.cookie_name", "required when OIDC is enabled")
		}
		if a.OIDC.Session.TTLSeconds < 1 {
			return NewValidationError("auth.oidc.session.ttl_seconds", "must be at least 1")
		}
	}
	return nil
}

func (v *ConfigValidator) validateRuntime() error {
	r := v.cfg.Runtime
	if r.MaxAttempts < 1 {
		return NewValidationError("runtime.max_attempts", "must be at least 1")
	}
	if r.Backoff.BaseMS < 1 {
		return NewValidationError("runtime.backoff.base_ms", "must be at least 1")
	}
	if r.Backoff.MaxMS < r.Backoff.BaseMS {
		return NewValidationError("runtime.backoff.max_ms", "must be at least base_ms")
	}
	if r.Backoff.Multiplier < 1 {
		return NewValidationError("runtime.backoff.multiplier", "must be at least 1")
	}
	return nil
}
