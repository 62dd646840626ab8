package durablelog

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nfrund/chatrelay/internal/domain"
	"github.com/nfrund/chatrelay/internal/wire"
)

// DefaultDedupeWindow is how many record ids a Follower remembers.
const DefaultDedupeWindow = 4096

// Follower replays records produced by other relay instances into the local
// broadcast path. Records from its own origin are skipped because they were
// already broadcast when they were ingested.
type Follower struct {
	sub     Subscriber
	origin  string
	deliver func(domain.Message) error
	seen    *lru.Cache
	tracer  trace.Tracer
	logger  *slog.Logger
}

// FollowerOption configures a Follower.
type FollowerOption func(*Follower)

// WithFollowerTracer records a consumer span for every replayed record.
func WithFollowerTracer(t trace.Tracer) FollowerOption {
	return func(f *Follower) {
		if t != nil {
			f.tracer = t
		}
	}
}

// NewFollower creates a Follower that hands decoded messages to deliver.
func NewFollower(sub Subscriber, origin string, deliver func(domain.Message) error, window int, opts ...FollowerOption) (*Follower, error) {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	seen, err := lru.New(window)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	f := &Follower{
		sub:     sub,
		origin:  origin,
		deliver: deliver,
		seen:    seen,
		tracer:  noop.NewTracerProvider().Tracer("chatrelay-durablelog"),
		logger:  slog.Default().With("component", "follower", "origin", origin),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Run consumes the log until ctx is canceled.
func (f *Follower) Run(ctx context.Context) error {
	f.logger.Info("Replay follower started")
	defer f.logger.Info("Replay follower stopped")
	return f.sub.Subscribe(ctx, f.handle)
}

func (f *Follower) handle(ctx context.Context, rec Record) error {
	if rec.Origin == f.origin {
		return nil
	}
	if rec.ID != "" && f.seen.Contains(rec.ID) {
		f.logger.Debug("Skipping duplicate record", "message_id", rec.ID)
		return nil
	}

	_, span := f.tracer.Start(ctx, "durablelog.replay",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message_id", rec.ID),
			attribute.String("chatrelay.origin", rec.Origin),
			attribute.Int("messaging.message_payload_size_bytes", len(rec.Value)),
		),
	)
	defer span.End()

	msg, err := wire.DecodeRecord(rec.Value)
	if err != nil {
		// A bad record is skipped so it cannot stall the subscription.
		f.logger.Warn("Skipping undecodable record", "message_id", rec.ID, "error", err)
		span.SetStatus(codes.Error, "undecodable record")
		return nil
	}
	if err := f.deliver(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "deliver failed")
		return err
	}
	// Only delivered records count as seen, so a redelivery after a failed
	// attempt gets through.
	if rec.ID != "" {
		f.seen.Add(rec.ID, struct{}{})
	}
	return nil
}
