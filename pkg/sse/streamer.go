package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/bus"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

// frameBuffer bounds the per-connection write queue. When the queue and the
// bus subscriber buffer both fill, the bus drops the subscriber with cause
// slow_consumer and the stream closes.
const frameBuffer = 32

// Streamer replays plan history and forwards live events as SSE frames.
type Streamer struct {
	bus       *bus.Bus
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewStreamer creates a streamer. keepAlive below 1ms is clamped to 1ms.
func NewStreamer(b *bus.Bus, keepAlive time.Duration, logger *slog.Logger) *Streamer {
	if keepAlive < time.Millisecond {
		keepAlive = time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{bus: b, keepAlive: keepAlive, logger: logger.With("component", "sse")}
}

// Stream writes the event stream for planID until the client disconnects or
// the subscriber is dropped. release is the quota slot release and is called
// exactly once on every exit path.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, planID string, release func()) error {
	defer release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames := make(chan models.PlanStepEvent, frameBuffer)
	quit := make(chan struct{})
	defer close(quit)

	// Subscribe before snapshotting history so an event published between
	// the two shows up at least once; the sequence filter below drops the
	// duplicate delivery.
	sub := s.bus.Subscribe(planID, func(ev models.PlanStepEvent) {
		select {
		case frames <- ev:
		case <-quit:
		}
	})
	defer sub.Unsubscribe()

	var lastReplayed uint64
	for _, ev := range s.bus.GetHistory(planID) {
		if err := writeEvent(w, flusher, ev); err != nil {
			s.logger.Debug("history replay write failed", "plan_id", planID, "error", err)
			return err
		}
		lastReplayed = ev.Seq
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			if sub.Cause() == bus.DropCauseSlowConsumer {
				s.logger.Warn("closing stream for slow consumer", "plan_id", planID)
				writeErrorFrame(w, flusher, "stream closed: slow consumer")
			}
			return nil
		case ev := <-frames:
			if ev.Seq != 0 && ev.Seq <= lastReplayed {
				continue
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				s.logger.Debug("live write failed", "plan_id", planID, "error", err)
				return err
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev models.PlanStepEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", models.EventTypePlanStep, data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	flusher.Flush()
	return nil
}

// writeErrorFrame emits a sanitized error frame. Best effort: the socket
// may already be gone.
func writeErrorFrame(w http.ResponseWriter, flusher http.Flusher, message string) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload); err != nil {
		return
	}
	flusher.Flush()
}
