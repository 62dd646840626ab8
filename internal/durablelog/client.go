package durablelog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/chatrelay/internal/domain"
	"github.com/nfrund/chatrelay/internal/wire"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultQueueSize      = 1024
	DefaultAppendTimeout  = 10 * time.Second
)

// Client publishes messages to the durable log without blocking the caller.
// Messages are appended one at a time in submission order.
type Client struct {
	appender Appender
	origin   string

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	appendTimeout  time.Duration
	newID          func() string
	tracer         trace.Tracer

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	origin         string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	appendTimeout  time.Duration
	queueSize      int
	newID          func() string
	tracer         trace.Tracer
}

// WithOrigin sets the instance id stamped on every record.
func WithOrigin(origin string) ClientOption {
	return func(c *clientConfig) {
		c.origin = origin
	}
}

// WithMaxAttempts bounds the number of append attempts per message, the
// first one included.
func WithMaxAttempts(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between attempts.
func WithBackoff(initial, maxDelay time.Duration) ClientOption {
	return func(c *clientConfig) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if maxDelay > 0 {
			c.maxBackoff = maxDelay
		}
	}
}

// WithAppendTimeout bounds a single append attempt.
func WithAppendTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.appendTimeout = d
		}
	}
}

// WithQueueSize sets how many messages may wait for the worker.
func WithQueueSize(n int) ClientOption {
	return func(c *clientConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithIDGenerator replaces the record id generator.
func WithIDGenerator(fn func() string) ClientOption {
	return func(c *clientConfig) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithTracer records a span for every append.
func WithTracer(t trace.Tracer) ClientOption {
	return func(c *clientConfig) {
		if t != nil {
			c.tracer = t
		}
	}
}

// NewClient starts the append worker. Close must be called to stop it.
func NewClient(appender Appender, opts ...ClientOption) *Client {
	cfg := clientConfig{
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		appendTimeout:  DefaultAppendTimeout,
		queueSize:      DefaultQueueSize,
		newID:          func() string { return uuid.NewString() },
		tracer:         noop.NewTracerProvider().Tracer("chatrelay-durablelog"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		appender:       appender,
		origin:         cfg.origin,
		maxAttempts:    cfg.maxAttempts,
		initialBackoff: cfg.initialBackoff,
		maxBackoff:     cfg.maxBackoff,
		appendTimeout:  cfg.appendTimeout,
		newID:          cfg.newID,
		tracer:         cfg.tracer,
		queue:          make(chan domain.Message, cfg.queueSize),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		logger:         slog.Default().With("component", "durablelog"),
	}
	go c.run()
	return c
}

// Publish queues msg for appending and returns immediately. When the queue
// is full the message is dropped from the durability path.
func (c *Client) Publish(msg domain.Message) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		c.dropped.Add(1)
		c.logger.Warn("Durable log client closed, message not persisted", "sender_id", msg.Identity)
		return
	}

	select {
	case c.queue <- msg:
	default:
		c.dropped.Add(1)
		c.logger.Warn("Durable log queue full, message not persisted", "sender_id", msg.Identity, "queue_size", cap(c.queue))
	}
}

// Published returns how many messages the log acknowledged.
func (c *Client) Published() int64 { return c.published.Load() }

// Failed returns how many messages were given up on after retrying.
func (c *Client) Failed() int64 { return c.failed.Load() }

// Dropped returns how many messages never reached the worker.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Close stops accepting messages and waits for the queue to drain. If ctx
// expires first, in-flight retries are canceled and Close returns without
// waiting for the worker, which fails the remaining messages on its own. The
// appender is closed in both cases.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	var drainErr error
	select {
	case <-c.done:
	case <-ctx.Done():
		c.cancel()
		drainErr = ctx.Err()
		c.logger.Warn("Durable log drain deadline passed, abandoning queued messages", "queued", len(c.queue))
	}
	c.cancel()

	return errors.Join(drainErr, c.appender.Close())
}

func (c *Client) run() {
	defer close(c.done)
	for msg := range c.queue {
		if err := c.deliver(msg); err != nil {
			c.failed.Add(1)
			c.logger.Error("Dropping message from durable log", "sender_id", msg.Identity, "error", err)
			continue
		}
		c.published.Add(1)
	}
}

// deliver encodes msg and appends it, retrying with exponential backoff.
func (c *Client) deliver(msg domain.Message) error {
	value, err := wire.Encode(msg)
	if err != nil {
		return &PublishError{Err: err}
	}
	rec := Record{ID: c.newID(), Origin: c.origin, Value: value}

	ctx, span := c.tracer.Start(c.ctx, "durablelog.append",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message_id", rec.ID),
			attribute.String("chatrelay.origin", rec.Origin),
			attribute.Int("messaging.message_payload_size_bytes", len(rec.Value)),
		),
	)
	defer span.End()

	attempts := 0
	var ack Ack
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.appendTimeout)
		defer cancel()
		a, err := c.appender.Append(attemptCtx, rec)
		if err != nil {
			return err
		}
		ack = a
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		c.logger.Warn("Durable log append failed, retrying",
			"message_id", rec.ID,
			"attempt", attempts,
			"retry_in", wait,
			"error", err,
		)
	})
	span.SetAttributes(attribute.Int("chatrelay.append_attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return &PublishError{RecordID: rec.ID, Attempts: attempts, Err: err}
	}

	span.SetAttributes(
		attribute.Int("messaging.kafka.partition", int(ack.Partition)),
		attribute.Int64("messaging.offset", ack.Offset),
	)
	c.logger.Debug("Message persisted", "message_id", rec.ID, "partition", ack.Partition, "offset", ack.Offset)
	return nil
}
