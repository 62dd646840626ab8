package durablelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// JetStreamOptions configures the NATS JetStream backend.
type JetStreamOptions struct {
	URL     string
	Subject string
	// Stream is created over Subject when it does not exist yet. Leave empty
	// when the stream is provisioned elsewhere.
	Stream string
	Name   string
}

// JetStreamLog appends to and subscribes on a JetStream subject.
type JetStreamLog struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	logger  *slog.Logger
}

// NewJetStreamLog connects to NATS and makes sure the stream exists.
func NewJetStreamLog(opts JetStreamOptions) (*JetStreamLog, error) {
	if opts.URL == "" {
		return nil, errors.New("nats: no url configured")
	}
	if opts.Subject == "" {
		return nil, errors.New("nats: no subject configured")
	}
	name := opts.Name
	if name == "" {
		name = "chatrelay"
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	if opts.Stream != "" {
		if _, err := js.StreamInfo(opts.Stream); err != nil {
			if !errors.Is(err, nats.ErrStreamNotFound) {
				nc.Close()
				return nil, fmt.Errorf("lookup stream %s: %w", opts.Stream, err)
			}
			if _, err := js.AddStream(&nats.StreamConfig{
				Name:     opts.Stream,
				Subjects: []string{opts.Subject},
			}); err != nil {
				nc.Close()
				return nil, fmt.Errorf("create stream %s: %w", opts.Stream, err)
			}
		}
	}

	return &JetStreamLog{
		nc:      nc,
		js:      js,
		subject: opts.Subject,
		logger:  slog.Default().With("component", "durablelog", "backend", "nats", "subject", opts.Subject),
	}, nil
}

// Append publishes rec and waits for the stream acknowledgement. The record
// id doubles as the JetStream message id, so a retried append of the same
// record is stored once.
func (l *JetStreamLog) Append(ctx context.Context, rec Record) (Ack, error) {
	msg := nats.NewMsg(l.subject)
	msg.Data = rec.Value
	msg.Header.Set(nats.MsgIdHdr, rec.ID)
	msg.Header.Set(HeaderMessageID, rec.ID)
	msg.Header.Set(HeaderOrigin, rec.Origin)

	ack, err := l.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return Ack{}, fmt.Errorf("jetstream publish to %s: %w", l.subject, err)
	}
	return Ack{Offset: int64(ack.Sequence)}, nil
}

// NewSubscriber returns the log itself. Subscriptions use ephemeral push
// consumers, so no group is registered with the server.
func (l *JetStreamLog) NewSubscriber(string) (Subscriber, error) {
	return l, nil
}

// Subscribe delivers messages published after the call until ctx is done.
func (l *JetStreamLog) Subscribe(ctx context.Context, handler Handler) error {
	sub, err := l.js.Subscribe(l.subject, func(m *nats.Msg) {
		rec := Record{
			ID:     m.Header.Get(HeaderMessageID),
			Origin: m.Header.Get(HeaderOrigin),
			Value:  append([]byte(nil), m.Data...),
		}
		if err := handler(ctx, rec); err != nil {
			l.logger.Warn("Record handler failed", "message_id", rec.ID, "error", err)
		}
		if err := m.Ack(); err != nil {
			l.logger.Debug("JetStream ack failed", "error", err)
		}
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("jetstream subscribe to %s: %w", l.subject, err)
	}

	<-ctx.Done()
	return sub.Unsubscribe()
}

func (l *JetStreamLog) Close() error {
	if l.nc.IsClosed() {
		return nil
	}
	return l.nc.Drain()
}
