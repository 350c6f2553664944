// Package config loads, merges, and validates the orchestrator's YAML
// configuration. User-provided YAML is merged over built-in defaults with
// {{.VAR}} environment expansion applied first.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the YAML file at path (missing file falls back to defaults)
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate all configuration
func Initialize(ctx context.Context, path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"run_mode", cfg.RunMode,
		"messaging", cfg.Messaging.Type,
		"plan_state", cfg.PlanState.Backend,
		"dedupe", cfg.Dedupe.Provider)

	return cfg, nil
}

func load(_ context.Context, path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Configuration file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, &LoadError{File: path, Err: err}
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("%w: %v", ErrInvalidYAML, err)}
	}

	// Non-zero user values override defaults; unset fields keep them.
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, &LoadError{File: path, Err: fmt.Errorf("merging configuration: %w", err)}
	}

	// mergo cannot flip booleans back to false; read enable flags
	// directly from the user document where they were set explicitly.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err == nil {
		applyExplicitBools(cfg, raw)
	}

	return cfg, nil
}

// applyExplicitBools copies boolean fields that the user document sets
// explicitly, so `enabled: false` can override a true default.
func applyExplicitBools(cfg *Config, raw map[string]any) {
	if v, ok := lookupBool(raw, "auth", "oidc", "enabled"); ok {
		cfg.Auth.OIDC.Enabled = v
	}
	if v, ok := lookupBool(raw, "auth", "secure_cookies"); ok {
		cfg.Auth.SecureCookies = v
	}
	if v, ok := lookupBool(raw, "observability", "tracing", "enabled"); ok {
		cfg.Observability.Tracing.Enabled = v
	}
}

func lookupBool(raw map[string]any, path ...string) (bool, bool) {
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false, false
		}
		current, ok = m[key]
		if !ok {
			return false, false
		}
	}
	v, ok := current.(bool)
	return v, ok
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

// SSEKeepAlive returns the keep-alive interval as a duration.
func (c *Config) SSEKeepAlive() time.Duration {
	return time.Duration(c.Server.SSEKeepAliveMS) * time.Millisecond
}

// PlanStateRetention returns the state retention window; zero disables
// purging.
func (c *Config) PlanStateRetention() time.Duration {
	return time.Duration(c.PlanState.RetentionMS) * time.Millisecond
}

// DedupeTTL returns the idempotency-key reservation lifetime.
func (c *Config) DedupeTTL() time.Duration {
	return time.Duration(c.Dedupe.TTLSeconds) * time.Second
}

// ListenAddr returns the host:port pair the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Window returns the rule's sliding window as a duration.
func (r RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}
