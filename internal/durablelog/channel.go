package durablelog

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// ChannelLog is an in-process log backed by watermill's GoChannel. It keeps
// records in memory only and is meant for development and tests.
type ChannelLog struct {
	ch     *gochannel.GoChannel
	topic  string
	next   atomic.Int64
	logger *slog.Logger
}

// NewChannelLog creates an empty in-memory log for topic.
func NewChannelLog(topic string) *ChannelLog {
	ch := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
			// Keeps delivery in append order.
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewStdLogger(false, false),
	)
	return &ChannelLog{
		ch:     ch,
		topic:  topic,
		logger: slog.Default().With("component", "durablelog", "backend", "memory", "topic", topic),
	}
}

// Append publishes rec to the subscribers that are currently attached.
func (l *ChannelLog) Append(ctx context.Context, rec Record) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	wmMsg := message.NewMessage(rec.ID, rec.Value)
	wmMsg.Metadata.Set(HeaderOrigin, rec.Origin)

	if err := l.ch.Publish(l.topic, wmMsg); err != nil {
		return Ack{}, err
	}
	return Ack{Offset: l.next.Add(1) - 1}, nil
}

// NewSubscriber returns the log itself.
func (l *ChannelLog) NewSubscriber(string) (Subscriber, error) {
	return l, nil
}

// Subscribe delivers records appended after the call until ctx is done or
// the log is closed.
func (l *ChannelLog) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := l.ch.Subscribe(ctx, l.topic)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case wmMsg, ok := <-messages:
			if !ok {
				return nil
			}
			rec := Record{
				ID:     wmMsg.UUID,
				Origin: wmMsg.Metadata.Get(HeaderOrigin),
				Value:  wmMsg.Payload,
			}
			if err := handler(ctx, rec); err != nil {
				l.logger.Warn("Record handler failed", "message_id", rec.ID, "error", err)
			}
			// Nack would make GoChannel redeliver forever.
			wmMsg.Ack()
		}
	}
}

func (l *ChannelLog) Close() error {
	return l.ch.Close()
}
