// Package cleanup provides data retention for finished plan artifacts.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/state"
)

// defaultInterval is the sweep cadence when none is configured.
const defaultInterval = time.Hour

// Service periodically removes plan metadata and event history for plans
// that finished longer ago than the retention window. Plans with live step
// rows are never touched. All operations are idempotent.
type Service struct {
	store     state.Store
	bus       *bus.Bus
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. retentionDays <= 0 disables the
// sweep entirely.
func NewService(store state.Store, eventBus *bus.Bus, retentionDays int, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		store:     store,
		bus:       eventBus,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		now:       time.Now,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.retention <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention", s.retention,
		"interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes expired finished-plan artifacts once. Exported so boot code
// and tests can force a pass.
func (s *Service) Sweep(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)

	metas, err := s.store.ListPlanMetadata(ctx)
	if err != nil {
		slog.Error("Retention: listing plan metadata failed", "error", err)
		return
	}

	active, err := s.activePlans(ctx)
	if err != nil {
		slog.Error("Retention: listing active steps failed", "error", err)
		return
	}

	var removed int
	for _, meta := range metas {
		if meta.UpdatedAt.After(cutoff) {
			continue
		}
		if active[meta.PlanID] {
			continue
		}
		if err := s.store.ForgetPlanMetadata(ctx, meta.PlanID); err != nil {
			slog.Error("Retention: purging plan metadata failed",
				"plan_id", meta.PlanID, "error", err)
			continue
		}
		s.bus.ClearPlanHistory(meta.PlanID)
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: purged finished plans", "count", removed)
	}
}

func (s *Service) activePlans(ctx context.Context) (map[string]bool, error) {
	steps, err := s.store.ListActiveSteps(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(steps))
	for _, step := range steps {
		out[step.PlanID] = true
	}
	return out, nil
}
