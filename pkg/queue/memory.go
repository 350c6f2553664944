package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/dedup"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

const memoryTransport = "memory"

// memoryQueueCapacity bounds each in-process queue.
const memoryQueueCapacity = 4096

type memoryMessage struct {
	payload  []byte
	headers  map[string]string
	attempts int
}

type memoryQueue struct {
	ch      chan memoryMessage
	delayed int
}

// DeadMessage is a dead-lettered payload retained for inspection.
type DeadMessage struct {
	Payload []byte
	Headers map[string]string
	Reason  string
}

// MemoryAdapter is the in-process broker used in single-node deployments
// and tests. Per-queue FIFO, bounded buffers, retry by requeue.
type MemoryAdapter struct {
	dedup             dedup.Service
	metrics           *Metrics
	logger            *slog.Logger
	maxAttempts       int
	defaultRetryDelay time.Duration

	mu     sync.Mutex
	queues map[string]*memoryQueue
	dead   map[string][]DeadMessage
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// MemoryAdapterConfig configures the in-process variant.
type MemoryAdapterConfig struct {
	Dedup             dedup.Service
	Metrics           *Metrics
	Logger            *slog.Logger
	MaxAttempts       int
	DefaultRetryDelay time.Duration
}

// NewMemoryAdapter creates an in-process adapter.
func NewMemoryAdapter(cfg MemoryAdapterConfig) *MemoryAdapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retryDelay := cfg.DefaultRetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &MemoryAdapter{
		dedup:             cfg.Dedup,
		metrics:           cfg.Metrics,
		logger:            logger.With("component", "queue", "transport", memoryTransport),
		maxAttempts:       maxAttempts,
		defaultRetryDelay: retryDelay,
		queues:            make(map[string]*memoryQueue),
		dead:              make(map[string][]DeadMessage),
		stopCh:            make(chan struct{}),
	}
}

// Connect implements Adapter. The in-process variant has no broker to dial.
func (a *MemoryAdapter) Connect(_ context.Context) error { return nil }

// Close implements Adapter.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.stopCh)
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}

// Enqueue implements Adapter.
func (a *MemoryAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	if opts.IdempotencyKey != "" && !opts.SkipDedup && a.dedup != nil {
		reserved, err := a.dedup.TryReserve(ctx, opts.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("%w: reserving idempotency key: %v", ErrPublishFailed, err)
		}
		if !reserved {
			return ErrDuplicate
		}
	}

	headers := copyHeaders(opts.Headers)
	if opts.IdempotencyKey != "" {
		headers[models.HeaderIdempotencyKey] = opts.IdempotencyKey
	}
	msg := memoryMessage{
		payload:  append([]byte(nil), payload...),
		headers:  headers,
		attempts: headerAttempts(headers),
	}

	if err := a.deliver(queue, msg, time.Duration(opts.DelayMS)*time.Millisecond); err != nil {
		if opts.IdempotencyKey != "" && !opts.SkipDedup && a.dedup != nil {
			if relErr := a.dedup.Release(ctx, opts.IdempotencyKey); relErr != nil {
				a.logger.Warn("failed to release idempotency key after publish failure",
					"key", opts.IdempotencyKey, "error", relErr)
			}
		}
		return err
	}

	a.metrics.observeEnqueue(queue, memoryTransport)
	return nil
}

// deliver places msg on the queue, optionally after delay.
func (a *MemoryAdapter) deliver(queue string, msg memoryMessage, delay time.Duration) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	q := a.ensureQueueLocked(queue)

	if delay <= 0 {
		select {
		case q.ch <- msg:
			a.mu.Unlock()
			return nil
		default:
			a.mu.Unlock()
			return fmt.Errorf("%w: queue %q full", ErrPublishFailed, queue)
		}
	}

	q.delayed++
	a.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		a.mu.Lock()
		q.delayed--
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ch <- msg:
		default:
			a.logger.Warn("dropping delayed message, queue full", "queue", queue)
		}
	})
	// Stop outstanding timers on close so tests do not leak goroutines.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-a.stopCh
		timer.Stop()
	}()
	return nil
}

func (a *MemoryAdapter) ensureQueueLocked(queue string) *memoryQueue {
	q, ok := a.queues[queue]
	if !ok {
		q = &memoryQueue{ch: make(chan memoryMessage, memoryQueueCapacity)}
		a.queues[queue] = q
	}
	return q
}

// Consume implements Adapter.
func (a *MemoryAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	q := a.ensureQueueLocked(queue)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			case msg := <-q.ch:
				a.handleDelivery(ctx, queue, msg, handler)
			}
		}
	}()
	return nil
}

func (a *MemoryAdapter) handleDelivery(ctx context.Context, queue string, msg memoryMessage, handler Handler) {
	d := &Delivery{
		Payload:  msg.payload,
		Attempts: msg.attempts,
		Headers:  msg.headers,
		ack: func() error {
			a.metrics.observeAck(queue, memoryTransport)
			return nil
		},
		retry: func(delayMS int64) error {
			a.metrics.observeRetry(queue, memoryTransport)
			return a.requeue(queue, msg, delayMS)
		},
		deadLetter: func(reason string) error {
			a.metrics.observeDeadLetter(queue, memoryTransport)
			return a.deadLetter(ctx, queue, msg, reason)
		},
	}

	err := handler(ctx, d)
	if d.settled {
		return
	}
	if err == nil {
		_ = d.Ack()
		return
	}
	if msg.attempts+1 >= a.maxAttempts {
		a.logger.Warn("handler failed at attempt cap, dead-lettering",
			"queue", queue, "attempts", msg.attempts, "error", err)
		_ = d.DeadLetter(err.Error())
		return
	}
	a.logger.Warn("handler failed, retrying", "queue", queue, "attempts", msg.attempts, "error", err)
	_ = d.Retry(a.defaultRetryDelay.Milliseconds())
}

// requeue republishes msg on the same queue with the attempt counter
// incremented. The idempotency key stays reserved.
func (a *MemoryAdapter) requeue(queue string, msg memoryMessage, delayMS int64) error {
	next := memoryMessage{
		payload:  msg.payload,
		headers:  copyHeaders(msg.headers),
		attempts: msg.attempts + 1,
	}
	next.headers[models.HeaderAttempts] = strconv.Itoa(next.attempts)
	return a.deliver(queue, next, time.Duration(delayMS)*time.Millisecond)
}

// deadLetter moves msg to the queue's dead-letter sibling and releases its
// idempotency key.
func (a *MemoryAdapter) deadLetter(ctx context.Context, queue string, msg memoryMessage, reason string) error {
	headers := copyHeaders(msg.headers)
	headers[models.HeaderDeadLetter] = reason

	a.mu.Lock()
	dlq := deadLetterQueue(queue)
	a.dead[dlq] = append(a.dead[dlq], DeadMessage{
		Payload: msg.payload,
		Headers: headers,
		Reason:  reason,
	})
	a.mu.Unlock()

	if key := headers[models.HeaderIdempotencyKey]; key != "" && a.dedup != nil {
		if err := a.dedup.Release(ctx, key); err != nil {
			a.logger.Warn("failed to release idempotency key on dead-letter",
				"key", key, "error", err)
		}
	}
	return nil
}

// GetQueueDepth implements Adapter. Includes delayed messages not yet
// visible to consumers.
func (a *MemoryAdapter) GetQueueDepth(_ context.Context, queue string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.metrics.resetQueue(queue, memoryTransport)
		return 0
	}
	q, ok := a.queues[queue]
	if !ok {
		a.metrics.setDepth(queue, memoryTransport, 0, true)
		return 0
	}
	depth := int64(len(q.ch) + q.delayed)
	a.metrics.setDepth(queue, memoryTransport, depth, true)
	return depth
}

// DeadMessages returns the dead-letter contents of queue's sibling.
func (a *MemoryAdapter) DeadMessages(queue string) []DeadMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := a.dead[deadLetterQueue(queue)]
	out := make([]DeadMessage, len(msgs))
	copy(out, msgs)
	return out
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
