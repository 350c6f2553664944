package queue

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/dedup"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

const natsTransport = "nats"

// NatsLogAdapterConfig configures the log-based broker variant.
type NatsLogAdapterConfig struct {
	URL               string
	Stream            string
	ConsumerGroup     string
	Partitions        int
	MaxAttempts       int
	DefaultRetryDelay time.Duration
	Dedup             dedup.Service
	Metrics           *Metrics
	Logger            *slog.Logger
}

// NatsLogAdapter maps queues onto JetStream subjects partitioned as
// "<stream>.<queue>.p<N>". One durable consumer per partition forms the
// consumer group; ordering is guaranteed per partition. Depth is the sum of
// per-partition lags, each clamped to zero.
type NatsLogAdapter struct {
	cfg    NatsLogAdapterConfig
	logger *slog.Logger

	mu        sync.Mutex
	nc        *nats.Conn
	js        jetstream.JetStream
	stream    jetstream.Stream
	consumers map[string][]jetstream.Consumer
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewNatsLogAdapter creates a log-based adapter. Connect must be called
// before use.
func NewNatsLogAdapter(cfg NatsLogAdapterConfig) *NatsLogAdapter {
	if cfg.Stream == "" {
		cfg.Stream = "ORCHESTRATOR"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "orchestrator"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NatsLogAdapter{
		cfg:       cfg,
		logger:    logger.With("component", "queue", "transport", natsTransport),
		consumers: make(map[string][]jetstream.Consumer),
		stopCh:    make(chan struct{}),
	}
}

// Connect implements Adapter.
func (a *NatsLogAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.nc != nil {
		return nil
	}

	var nc *nats.Conn
	policy := backoff.WithContext(newConnectBackoff(), ctx)
	err := backoff.Retry(func() error {
		var dialErr error
		nc, dialErr = nats.Connect(a.cfg.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if dialErr != nil {
			a.logger.Warn("broker connect attempt failed", "error", dialErr)
		}
		return dialErr
	}, policy)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("creating jetstream context: %w", err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      a.cfg.Stream,
		Subjects:  []string{a.cfg.Stream + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("creating stream %q: %w", a.cfg.Stream, err)
	}

	a.nc = nc
	a.js = js
	a.stream = stream
	return nil
}

func newConnectBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 2 * time.Minute
	return policy
}

// Close implements Adapter.
func (a *NatsLogAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.stopCh)
	nc := a.nc
	a.nc = nil
	a.mu.Unlock()

	a.wg.Wait()
	if nc != nil {
		nc.Close()
	}
	return nil
}

// queueToken sanitizes a queue name into a subject token.
func queueToken(queue string) string {
	return strings.ReplaceAll(queue, ".", "_")
}

// partitionSubject is the subject for one partition of a queue.
func (a *NatsLogAdapter) partitionSubject(queue string, partition int) string {
	return fmt.Sprintf("%s.%s.p%d", a.cfg.Stream, queueToken(queue), partition)
}

// partitionFor hashes key onto a partition so retries of the same step land
// on the same ordered log.
func (a *NatsLogAdapter) partitionFor(key string, payload []byte) int {
	h := fnv.New32a()
	if key != "" {
		_, _ = h.Write([]byte(key))
	} else {
		_, _ = h.Write(payload)
	}
	return int(h.Sum32() % uint32(a.cfg.Partitions))
}

// Enqueue implements Adapter.
func (a *NatsLogAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	a.mu.Lock()
	js := a.js
	closed := a.closed
	a.mu.Unlock()
	if closed || js == nil {
		return ErrClosed
	}

	if opts.IdempotencyKey != "" && !opts.SkipDedup && a.cfg.Dedup != nil {
		reserved, err := a.cfg.Dedup.TryReserve(ctx, opts.IdempotencyKey)
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
	subject := a.partitionSubject(queue, a.partitionFor(opts.IdempotencyKey, payload))

	publish := func() error {
		return a.publish(ctx, js, subject, payload, headers)
	}
	if opts.DelayMS > 0 {
		a.schedule(time.Duration(opts.DelayMS)*time.Millisecond, queue, publish)
		a.cfg.Metrics.observeEnqueue(queue, natsTransport)
		return nil
	}

	if err := publish(); err != nil {
		if opts.IdempotencyKey != "" && !opts.SkipDedup && a.cfg.Dedup != nil {
			if relErr := a.cfg.Dedup.Release(ctx, opts.IdempotencyKey); relErr != nil {
				a.logger.Warn("failed to release idempotency key after publish failure",
					"key", opts.IdempotencyKey, "error", relErr)
			}
		}
		return err
	}
	a.cfg.Metrics.observeEnqueue(queue, natsTransport)
	return nil
}

func (a *NatsLogAdapter) publish(ctx context.Context, js jetstream.JetStream, subject string, payload []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if _, err := js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// schedule runs publish after delay. JetStream has no native delayed
// delivery, so the hop is process-local.
func (a *NatsLogAdapter) schedule(delay time.Duration, queue string, publish func() error) {
	timer := time.AfterFunc(delay, func() {
		if err := publish(); err != nil {
			a.logger.Error("delayed publish failed", "queue", queue, "error", err)
		}
	})
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-a.stopCh
		timer.Stop()
	}()
}

// Consume implements Adapter. One fetch loop per partition.
func (a *NatsLogAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	a.mu.Lock()
	stream := a.stream
	closed := a.closed
	a.mu.Unlock()
	if closed || stream == nil {
		return ErrClosed
	}

	token := queueToken(queue)
	var consumers []jetstream.Consumer
	for p := 0; p < a.cfg.Partitions; p++ {
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       fmt.Sprintf("%s-%s-p%d", a.cfg.ConsumerGroup, token, p),
			FilterSubject: a.partitionSubject(queue, p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       2 * time.Minute,
			MaxDeliver:    -1,
		})
		if err != nil {
			return fmt.Errorf("creating consumer for %q partition %d: %w", queue, p, err)
		}
		consumers = append(consumers, consumer)

		a.wg.Add(1)
		go a.fetchLoop(ctx, queue, consumer, handler)
	}

	a.mu.Lock()
	a.consumers[queue] = consumers
	a.mu.Unlock()
	return nil
}

func (a *NatsLogAdapter) fetchLoop(ctx context.Context, queue string, consumer jetstream.Consumer, handler Handler) {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		for msg := range msgs.Messages() {
			a.handleDelivery(ctx, queue, msg, handler)
		}
	}
}

func (a *NatsLogAdapter) handleDelivery(ctx context.Context, queue string, msg jetstream.Msg, handler Handler) {
	headers := make(map[string]string)
	for k := range msg.Headers() {
		headers[k] = msg.Headers().Get(k)
	}
	attempts := headerAttempts(headers)

	d := &Delivery{
		Payload:  msg.Data(),
		Attempts: attempts,
		Headers:  headers,
		ack: func() error {
			if err := msg.Ack(); err != nil {
				return fmt.Errorf("acking delivery: %w", err)
			}
			a.cfg.Metrics.observeAck(queue, natsTransport)
			return nil
		},
		retry: func(delayMS int64) error {
			a.mu.Lock()
			js := a.js
			a.mu.Unlock()
			if js == nil {
				return ErrClosed
			}
			next := copyHeaders(headers)
			next[models.HeaderAttempts] = strconv.Itoa(attempts + 1)
			subject := msg.Subject()
			publish := func() error {
				return a.publish(context.Background(), js, subject, msg.Data(), next)
			}
			if delayMS > 0 {
				a.schedule(time.Duration(delayMS)*time.Millisecond, queue, publish)
			} else if err := publish(); err != nil {
				_ = msg.Nak()
				return err
			}
			a.cfg.Metrics.observeRetry(queue, natsTransport)
			return msg.Ack()
		},
		deadLetter: func(reason string) error {
			a.mu.Lock()
			js := a.js
			a.mu.Unlock()
			if js == nil {
				return ErrClosed
			}
			next := copyHeaders(headers)
			next[models.HeaderDeadLetter] = reason
			subject := fmt.Sprintf("%s.%s.p0", a.cfg.Stream, queueToken(deadLetterQueue(queue)))
			if err := a.publish(ctx, js, subject, msg.Data(), next); err != nil {
				_ = msg.Nak()
				return err
			}
			a.cfg.Metrics.observeDeadLetter(queue, natsTransport)
			if key := headers[models.HeaderIdempotencyKey]; key != "" && a.cfg.Dedup != nil {
				if err := a.cfg.Dedup.Release(ctx, key); err != nil {
					a.logger.Warn("failed to release idempotency key on dead-letter",
						"key", key, "error", err)
				}
			}
			return msg.Ack()
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
	if attempts+1 >= a.cfg.MaxAttempts {
		a.logger.Warn("handler failed at attempt cap, dead-lettering",
			"queue", queue, "attempts", attempts, "error", err)
		_ = d.DeadLetter(err.Error())
		return
	}
	a.logger.Warn("handler failed, retrying", "queue", queue, "attempts", attempts, "error", err)
	_ = d.Retry(a.cfg.DefaultRetryDelay.Milliseconds())
}

// computePartitionLag derives consumer lag from the partition's high
// watermark and committed offset. A consumer that raced ahead of the
// watermark reads as zero, never negative. A committed offset below zero
// means the group has not committed yet and also reads as zero.
func computePartitionLag(highWatermark, committedOffset int64) int64 {
	if committedOffset < 0 {
		return 0
	}
	lag := highWatermark - committedOffset
	if lag < 0 {
		return 0
	}
	return lag
}

// GetQueueDepth implements Adapter. Depth is the sum over partitions of
// high watermark minus committed offset.
func (a *NatsLogAdapter) GetQueueDepth(ctx context.Context, queue string) int64 {
	a.mu.Lock()
	consumers := a.consumers[queue]
	closed := a.closed
	a.mu.Unlock()
	if closed || len(consumers) == 0 {
		a.cfg.Metrics.resetQueue(queue, natsTransport)
		return 0
	}

	var total int64
	for p, consumer := range consumers {
		info, err := consumer.Info(ctx)
		if err != nil {
			a.logger.Warn("consumer info probe failed", "queue", queue, "partition", p, "error", err)
			a.cfg.Metrics.resetQueue(queue, natsTransport)
			return 0
		}
		high := int64(info.Delivered.Stream) + int64(info.NumPending)
		committed := int64(info.AckFloor.Stream)
		lag := computePartitionLag(high, committed)
		a.cfg.Metrics.setPartitionLag(queue, strconv.Itoa(p), natsTransport, lag)
		total += lag
	}

	a.cfg.Metrics.setDepth(queue, natsTransport, total, false)
	a.cfg.Metrics.setLag(queue, natsTransport, total)
	return total
}
