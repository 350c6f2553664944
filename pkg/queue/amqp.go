package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/dedup"
	"github.com/JudgeZ/AI-Agent-Tool-sub003/pkg/models"
)

const amqpTransport = "amqp"

// AMQPAdapterConfig configures the AMQP broker variant.
type AMQPAdapterConfig struct {
	URL               string
	Prefetch          int
	MaxAttempts       int
	DefaultRetryDelay time.Duration
	Dedup             dedup.Service
	Metrics           *Metrics
	Logger            *slog.Logger
}

// AMQPAdapter speaks to an AMQP 0.9.1 broker. Queues are durable, acks are
// manual, retry republishes to the same queue with the attempt counter
// incremented, delays hop through a per-delay TTL queue, and the dead-letter
// sibling is "<queue>.dead".
type AMQPAdapter struct {
	cfg    AMQPAdapterConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	declared  map[string]bool
	consumers []pendingConsumer
	connected bool
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type pendingConsumer struct {
	queue   string
	handler Handler
	ctx     context.Context
}

// NewAMQPAdapter creates an AMQP adapter. Connect must be called before use.
func NewAMQPAdapter(cfg AMQPAdapterConfig) *AMQPAdapter {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
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
	return &AMQPAdapter{
		cfg:      cfg,
		logger:   logger.With("component", "queue", "transport", amqpTransport),
		declared: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Connect implements Adapter. It dials the broker and starts the reconnect
// watcher.
func (a *AMQPAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.connected {
		return nil
	}
	if err := a.dialLocked(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.watchConnection()
	return nil
}

// dialLocked opens the connection and channel. Caller holds a.mu.
func (a *AMQPAdapter) dialLocked(_ context.Context) error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("setting prefetch: %w", err)
	}

	a.conn = conn
	a.ch = ch
	a.connected = true
	a.declared = make(map[string]bool)
	return nil
}

// watchConnection reconnects with exponential backoff after a broker drop.
// Enqueues are refused while disconnected; consumers are re-registered after
// each successful reconnect.
func (a *AMQPAdapter) watchConnection() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-a.stopCh:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return
			}
			a.logger.Warn("broker connection lost", "error", amqpErr)
		}

		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 30 * time.Second
		policy.MaxElapsedTime = 0

		err := backoff.Retry(func() error {
			select {
			case <-a.stopCh:
				return backoff.Permanent(ErrClosed)
			default:
			}
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.closed {
				return backoff.Permanent(ErrClosed)
			}
			if err := a.dialLocked(context.Background()); err != nil {
				a.logger.Warn("reconnect attempt failed", "error", err)
				return err
			}
			return nil
		}, policy)
		if err != nil {
			return
		}

		a.logger.Info("broker reconnected")
		a.mu.Lock()
		consumers := append([]pendingConsumer(nil), a.consumers...)
		a.mu.Unlock()
		for _, c := range consumers {
			if err := a.startConsumer(c); err != nil {
				a.logger.Error("failed to restart consumer after reconnect",
					"queue", c.queue, "error", err)
			}
		}
	}
}

// Close implements Adapter.
func (a *AMQPAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	close(a.stopCh)
	ch, conn := a.ch, a.conn
	a.ch, a.conn = nil, nil
	a.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	a.wg.Wait()
	return nil
}

// channel returns the live channel or ErrClosed while disconnected.
func (a *AMQPAdapter) channel() (*amqp.Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.connected || a.ch == nil {
		return nil, ErrClosed
	}
	return a.ch, nil
}

// ensureQueue declares the durable queue and its dead-letter sibling once.
func (a *AMQPAdapter) ensureQueue(ch *amqp.Channel, queue string) error {
	a.mu.Lock()
	done := a.declared[queue]
	a.mu.Unlock()
	if done {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring queue %q: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(deadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter queue for %q: %w", queue, err)
	}

	a.mu.Lock()
	a.declared[queue] = true
	a.mu.Unlock()
	return nil
}

// delayQueue declares a TTL hop queue that dead-letters expired messages
// back onto the target queue via the default exchange.
func (a *AMQPAdapter) delayQueue(ch *amqp.Channel, queue string, delayMS int64) (string, error) {
	name := fmt.Sprintf("%s.delay.%d", queue, delayMS)
	_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             delayMS,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	})
	if err != nil {
		return "", fmt.Errorf("declaring delay queue %q: %w", name, err)
	}
	return name, nil
}

// Enqueue implements Adapter.
func (a *AMQPAdapter) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	ch, err := a.channel()
	if err != nil {
		return err
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

	if err := a.publish(ctx, ch, queue, payload, headers, opts.DelayMS); err != nil {
		if opts.IdempotencyKey != "" && !opts.SkipDedup && a.cfg.Dedup != nil {
			if relErr := a.cfg.Dedup.Release(ctx, opts.IdempotencyKey); relErr != nil {
				a.logger.Warn("failed to release idempotency key after publish failure",
					"key", opts.IdempotencyKey, "error", relErr)
			}
		}
		return err
	}

	a.cfg.Metrics.observeEnqueue(queue, amqpTransport)
	return nil
}

func (a *AMQPAdapter) publish(ctx context.Context, ch *amqp.Channel, queue string, payload []byte, headers map[string]string, delayMS int64) error {
	if err := a.ensureQueue(ch, queue); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	routingKey := queue
	if delayMS > 0 {
		hop, err := a.delayQueue(ch, queue, delayMS)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPublishFailed, err)
		}
		routingKey = hop
	}

	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	err := ch.PublishWithContext(ctx, "", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      table,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// Consume implements Adapter.
func (a *AMQPAdapter) Consume(ctx context.Context, queue string, handler Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	c := pendingConsumer{queue: queue, handler: handler, ctx: ctx}
	a.consumers = append(a.consumers, c)
	a.mu.Unlock()

	return a.startConsumer(c)
}

func (a *AMQPAdapter) startConsumer(c pendingConsumer) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	if err := a.ensureQueue(ch, c.queue); err != nil {
		return err
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consumer on %q: %w", c.queue, err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.stopCh:
				return
			case <-c.ctx.Done():
				return
			case msg, ok := <-deliveries:
				if !ok {
					return
				}
				a.handleDelivery(c.ctx, c.queue, msg, c.handler)
			}
		}
	}()
	return nil
}

func (a *AMQPAdapter) handleDelivery(ctx context.Context, queue string, msg amqp.Delivery, handler Handler) {
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	attempts := headerAttempts(headers)

	d := &Delivery{
		Payload:  msg.Body,
		Attempts: attempts,
		Headers:  headers,
		ack: func() error {
			if err := msg.Ack(false); err != nil {
				return fmt.Errorf("acking delivery: %w", err)
			}
			a.cfg.Metrics.observeAck(queue, amqpTransport)
			return nil
		},
		retry: func(delayMS int64) error {
			ch, err := a.channel()
			if err != nil {
				return err
			}
			next := copyHeaders(headers)
			next[models.HeaderAttempts] = strconv.Itoa(attempts + 1)
			if err := a.publish(ctx, ch, queue, msg.Body, next, delayMS); err != nil {
				_ = msg.Nack(false, true)
				return err
			}
			a.cfg.Metrics.observeRetry(queue, amqpTransport)
			return msg.Ack(false)
		},
		deadLetter: func(reason string) error {
			ch, err := a.channel()
			if err != nil {
				return err
			}
			next := copyHeaders(headers)
			next[models.HeaderDeadLetter] = reason
			if err := a.publish(ctx, ch, deadLetterQueue(queue), msg.Body, next, 0); err != nil {
				_ = msg.Nack(false, true)
				return err
			}
			a.cfg.Metrics.observeDeadLetter(queue, amqpTransport)
			if key := headers[models.HeaderIdempotencyKey]; key != "" && a.cfg.Dedup != nil {
				if err := a.cfg.Dedup.Release(ctx, key); err != nil {
					a.logger.Warn("failed to release idempotency key on dead-letter",
						"key", key, "error", err)
				}
			}
			return msg.Ack(false)
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

// GetQueueDepth implements Adapter. For AMQP lag equals depth, so the lag
// gauge mirrors the depth gauge.
func (a *AMQPAdapter) GetQueueDepth(_ context.Context, queue string) int64 {
	a.mu.Lock()
	conn := a.conn
	connected := a.connected && !a.closed
	a.mu.Unlock()
	if !connected || conn == nil {
		a.cfg.Metrics.resetQueue(queue, amqpTransport)
		return 0
	}

	// A passive declare on a missing queue closes its channel, so the
	// probe uses a throwaway channel instead of the shared one.
	ch, err := conn.Channel()
	if err != nil {
		a.cfg.Metrics.resetQueue(queue, amqpTransport)
		return 0
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		a.logger.Warn("queue depth probe failed", "queue", queue, "error", err)
		a.cfg.Metrics.resetQueue(queue, amqpTransport)
		return 0
	}
	depth := int64(q.Messages)
	a.cfg.Metrics.setDepth(queue, amqpTransport, depth, true)
	return depth
}
