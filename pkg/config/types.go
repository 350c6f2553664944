package config

// Config is the fully resolved orchestrator configuration: user YAML merged
// over built-in defaults, environment variables expanded, validated.
type Config struct {
	// RunMode is "development" or "enterprise". Enterprise requires an
	// authenticated subject on every request and secure session cookies.
	RunMode string `yaml:"run_mode"`

	Messaging     MessagingConfig     `yaml:"messaging"`
	PlanState     PlanStateConfig     `yaml:"plan_state"`
	Dedupe        DedupeConfig        `yaml:"dedupe"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Retention     RetentionConfig     `yaml:"retention"`
	Observability ObservabilityConfig `yaml:"observability"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Planner       PlannerConfig       `yaml:"planner"`
	Policy        PolicyConfig        `yaml:"policy"`
}

// MessagingConfig selects and configures the queue transport.
type MessagingConfig struct {
	// Type is one of "amqp", "log_based", "memory".
	Type     string         `yaml:"type"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	LogBased LogBasedConfig `yaml:"log_based"`
}

// AMQPConfig holds broker-queue transport settings.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Prefetch int    `yaml:"prefetch"`
}

// LogBasedConfig holds log-transport (JetStream) settings.
type LogBasedConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	ConsumerGroup string `yaml:"consumer_group"`
	Partitions    int    `yaml:"partitions"`
}

// PlanStateConfig selects and configures the step-state store.
type PlanStateConfig struct {
	// Backend is "file" or "postgres".
	Backend string `yaml:"backend"`
	// Path is the state file location for the file backend.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
	// RetentionMS purges rows idle longer than this; 0 disables purging.
	RetentionMS int64 `yaml:"retention_ms"`
}

// DedupeConfig selects the idempotency-key reservation provider.
type DedupeConfig struct {
	// Provider is "memory" or "shared_kv".
	Provider   string `yaml:"provider"`
	RedisAddr  string `yaml:"redis_addr"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// ServerConfig holds the HTTP listener and per-connection limits.
type ServerConfig struct {
	Host              string              `yaml:"host"`
	Port              int                 `yaml:"port"`
	SSEKeepAliveMS    int64               `yaml:"sse_keep_alive_ms"`
	SSEQuotas         SSEQuotasConfig     `yaml:"sse_quotas"`
	RateLimits        RateLimitsConfig    `yaml:"rate_limits"`
	CORS              CORSConfig          `yaml:"cors"`
	TrustedProxyCIDRs []string            `yaml:"trusted_proxy_cidrs"`
	RequestLimits     RequestLimitsConfig `yaml:"request_limits"`
}

// SSEQuotasConfig caps concurrent event-stream connections.
type SSEQuotasConfig struct {
	PerIP      int `yaml:"per_ip"`
	PerSubject int `yaml:"per_subject"`
}

// RateLimitRule is one sliding-window rule. MaxRequests 0 disables the rule.
type RateLimitRule struct {
	WindowMS    int64 `yaml:"window_ms"`
	MaxRequests int   `yaml:"max_requests"`
}

// RateLimitsConfig holds the per-endpoint rate limit rules and the counter
// backend.
type RateLimitsConfig struct {
	Plan     RateLimitRule          `yaml:"plan"`
	Chat     RateLimitRule          `yaml:"chat"`
	Auth     RateLimitRule          `yaml:"auth"`
	RemoteFS RateLimitRule          `yaml:"remote_fs"`
	Backend  RateLimitBackendConfig `yaml:"backend"`
}

// RateLimitBackendConfig selects where rate-limit counters live.
type RateLimitBackendConfig struct {
	// Provider is "memory" or "shared_kv".
	Provider  string `yaml:"provider"`
	RedisAddr string `yaml:"redis_addr"`
}

// CORSConfig holds the cross-origin allowlist.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RequestLimitsConfig bounds request body sizes, in bytes.
type RequestLimitsConfig struct {
	JSONBytes       int64 `yaml:"json_bytes"`
	URLEncodedBytes int64 `yaml:"url_encoded_bytes"`
}

// AuthConfig holds session and OIDC settings.
type AuthConfig struct {
	OIDC          OIDCConfig `yaml:"oidc"`
	SecureCookies bool       `yaml:"secure_cookies"`
}

// OIDCConfig holds the OIDC session binding settings.
type OIDCConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Session     SessionYAMLConfig `yaml:"session"`
	TenantClaim string            `yaml:"tenant_claim"`
}

// SessionYAMLConfig names the session cookie and its lifetime.
type SessionYAMLConfig struct {
	CookieName string `yaml:"cookie_name"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// RetentionConfig controls background cleanup of finished plan artifacts.
type RetentionConfig struct {
	PlanArtifactsDays int `yaml:"plan_artifacts_days"`
}

// ObservabilityConfig holds tracing exporter settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RuntimeConfig tunes step execution.
type RuntimeConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes the retry delay curve for failed steps.
type BackoffConfig struct {
	BaseMS     int64   `yaml:"base_ms"`
	MaxMS      int64   `yaml:"max_ms"`
	Multiplier float64 `yaml:"multiplier"`
}

// PlannerConfig holds the step templates the built-in planner instantiates
// for each goal. Empty means a single generic execute step.
type PlannerConfig struct {
	Steps []PlanStepTemplate `yaml:"steps"`
}

// PlanStepTemplate is one configured planner step shape.
type PlanStepTemplate struct {
	Tool             string   `yaml:"tool"`
	Action           string   `yaml:"action"`
	Capability       string   `yaml:"capability"`
	CapabilityLabel  string   `yaml:"capability_label"`
	Labels           []string `yaml:"labels"`
	TimeoutSeconds   int      `yaml:"timeout_seconds"`
	ApprovalRequired bool     `yaml:"approval_required"`
}

// PolicyConfig holds capability rules for the embedded enforcer.
type PolicyConfig struct {
	Rules []CapabilityRule `yaml:"rules"`
}

// CapabilityRule grants a capability to subjects holding any listed role or
// scope.
type CapabilityRule struct {
	Capability string   `yaml:"capability"`
	Roles      []string `yaml:"roles"`
	Scopes     []string `yaml:"scopes"`
}
