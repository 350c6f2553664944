// Orchestrator server — provides the plan HTTP API, manages queue
// consumers, and drives plan step execution.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/api"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/audit"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/cleanup"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/config"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/dedup"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/ratelimit"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/runtime"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/services"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/session"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/sse"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/state"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("CONFIG_PATH", "./config/orchestrator.yaml"),
		"Path to configuration file")
	flag.Parse()

	// Load .env from the working directory
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"error", err)
	}

	slog.Info("Starting orchestrator",
		"version", version.Full(),
		"config", *configPath)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize dedup provider
	var dedupService dedup.Service
	switch cfg.Dedupe.Provider {
	case "shared_kv":
		client := redis.NewClient(&redis.Options{Addr: cfg.Dedupe.RedisAddr})
		defer func() {
			if err := client.Close(); err != nil {
				slog.Error("Error closing dedup redis client", "error", err)
			}
		}()
		dedupService = dedup.NewRedisService(client, cfg.DedupeTTL())
	default:
		memory := dedup.NewMemoryService(cfg.DedupeTTL())
		defer memory.Close()
		dedupService = memory
	}
	slog.Info("Dedup provider initialized", "provider", cfg.Dedupe.Provider)

	// 3. Initialize queue adapter
	metrics := queue.NewMetrics(prometheus.DefaultRegisterer)
	var adapter queue.Adapter
	switch cfg.Messaging.Type {
	case "amqp":
		adapter = queue.NewAMQPAdapter(queue.AMQPAdapterConfig{
			URL:         cfg.Messaging.AMQP.URL,
			Prefetch:    cfg.Messaging.AMQP.Prefetch,
			MaxAttempts: cfg.Runtime.MaxAttempts,
			Dedup:       dedupService,
			Metrics:     metrics,
		})
	case "log_based":
		adapter = queue.NewNatsLogAdapter(queue.NatsLogAdapterConfig{
			URL:           cfg.Messaging.LogBased.URL,
			Stream:        cfg.Messaging.LogBased.Stream,
			ConsumerGroup: cfg.Messaging.LogBased.ConsumerGroup,
			Partitions:    cfg.Messaging.LogBased.Partitions,
			MaxAttempts:   cfg.Runtime.MaxAttempts,
			Dedup:         dedupService,
			Metrics:       metrics,
		})
	default:
		adapter = queue.NewMemoryAdapter(queue.MemoryAdapterConfig{
			Dedup:       dedupService,
			Metrics:     metrics,
			MaxAttempts: cfg.Runtime.MaxAttempts,
		})
	}
	if err := adapter.Connect(ctx); err != nil {
		slog.Error("Failed to connect queue adapter",
			"type", cfg.Messaging.Type, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			slog.Error("Error closing queue adapter", "error", err)
		}
	}()
	slog.Info("Queue adapter connected", "type", cfg.Messaging.Type)

	// 4. Initialize plan state store
	var store state.Store
	switch cfg.PlanState.Backend {
	case "postgres":
		store, err = state.NewPostgresStore(ctx, state.PostgresConfig{
			DSN:       cfg.PlanState.DSN,
			Retention: cfg.PlanStateRetention(),
		})
		if err != nil {
			slog.Error("Failed to connect plan state store", "error", err)
			os.Exit(1)
		}
	default:
		store = state.NewFileStore(cfg.PlanState.Path, cfg.PlanStateRetention())
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing plan state store", "error", err)
		}
	}()
	slog.Info("Plan state store initialized", "backend", cfg.PlanState.Backend)

	// 5. Initialize domain services
	eventBus := bus.New()
	auditLog := audit.New(nil)

	rules := make([]policy.Rule, 0, len(cfg.Policy.Rules))
	for _, r := range cfg.Policy.Rules {
		rules = append(rules, policy.Rule{
			Capability: r.Capability,
			Roles:      r.Roles,
			Scopes:     r.Scopes,
		})
	}
	enforcer := policy.NewRuleEnforcer(cfg.RunMode, rules)

	templates := make([]services.StepTemplate, 0, len(cfg.Planner.Steps))
	for _, s := range cfg.Planner.Steps {
		templates = append(templates, services.StepTemplate{
			Tool:             s.Tool,
			Action:           s.Action,
			Capability:       s.Capability,
			CapabilityLabel:  s.CapabilityLabel,
			Labels:           s.Labels,
			TimeoutSeconds:   s.TimeoutSeconds,
			ApprovalRequired: s.ApprovalRequired,
		})
	}
	planner := services.NewTemplatePlanner(templates)

	// 6. Start the plan runtime and recover in-flight steps
	rt := runtime.New(runtime.Config{
		MaxAttempts: cfg.Runtime.MaxAttempts,
		Backoff: runtime.BackoffConfig{
			Base:       time.Duration(cfg.Runtime.Backoff.BaseMS) * time.Millisecond,
			Max:        time.Duration(cfg.Runtime.Backoff.MaxMS) * time.Millisecond,
			Multiplier: cfg.Runtime.Backoff.Multiplier,
			Jitter:     true,
		},
	}, adapter, store, dedupService, eventBus, enforcer, runtime.EchoToolAgent{}, nil)
	if err := rt.Start(ctx); err != nil {
		slog.Error("Failed to start runtime", "error", err)
		os.Exit(1)
	}
	if err := rt.Recover(ctx); err != nil {
		slog.Error("Failed to recover in-flight steps", "error", err)
		os.Exit(1)
	}

	planService := services.NewPlanService(rt, store, eventBus, enforcer, planner, auditLog, cfg.RunMode)

	// 7. Start retention cleanup
	cleanupService := cleanup.NewService(store, eventBus, cfg.Retention.PlanArtifactsDays, 0)
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	// 8. Initialize HTTP infrastructure
	var limiterBackend ratelimit.Backend
	switch cfg.Server.RateLimits.Backend.Provider {
	case "shared_kv":
		client := redis.NewClient(&redis.Options{Addr: cfg.Server.RateLimits.Backend.RedisAddr})
		defer func() {
			if err := client.Close(); err != nil {
				slog.Error("Error closing rate limit redis client", "error", err)
			}
		}()
		limiterBackend = ratelimit.NewRedisBackend(client)
	default:
		limiterBackend = ratelimit.NewMemoryBackend()
	}
	limiter := ratelimit.New(limiterBackend, map[string]ratelimit.Limit{
		"plan":      {Window: cfg.Server.RateLimits.Plan.Window(), Max: cfg.Server.RateLimits.Plan.MaxRequests},
		"chat":      {Window: cfg.Server.RateLimits.Chat.Window(), Max: cfg.Server.RateLimits.Chat.MaxRequests},
		"auth":      {Window: cfg.Server.RateLimits.Auth.Window(), Max: cfg.Server.RateLimits.Auth.MaxRequests},
		"remote_fs": {Window: cfg.Server.RateLimits.RemoteFS.Window(), Max: cfg.Server.RateLimits.RemoteFS.MaxRequests},
	})

	sessions := session.NewMemoryStore()
	quota := sse.NewQuota(cfg.Server.SSEQuotas.PerIP, cfg.Server.SSEQuotas.PerSubject)
	streamer := sse.NewStreamer(eventBus, cfg.SSEKeepAlive(), nil)

	httpServer, err := api.NewServer(cfg, planService, sessions, rt, streamer, quota, limiter, auditLog, nil)
	if err != nil {
		slog.Error("Failed to create HTTP server", "error", err)
		os.Exit(1)
	}

	// 9. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.ListenAddr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Orchestrator started successfully",
		"run_mode", cfg.RunMode,
		"messaging", cfg.Messaging.Type,
		"plan_state", cfg.PlanState.Backend)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown. The HTTP server drains first so no new plans
	// arrive while the queue adapter and stores close behind it.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
