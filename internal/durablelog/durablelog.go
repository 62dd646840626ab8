// Package durablelog persists broadcast messages to an append-only log
// (Kafka, NATS JetStream or an in-memory channel) and reads them back for
// replay on other relay instances.
//
// The broadcast path never waits on the log. Publishing goes through Client,
// which queues messages and appends them from a single worker with bounded
// retry.
package durablelog

import (
	"context"
	"fmt"
)

// Header names attached to every record. The record value carries only the
// outbound wire JSON.
const (
	HeaderMessageID = "message-id"
	HeaderOrigin    = "origin"
)

// Record is one entry in the durable log.
type Record struct {
	// ID uniquely identifies the record so retried appends can be detected.
	ID string
	// Origin is the instance id of the relay that produced the record.
	Origin string
	// Value is the outbound wire JSON of the message.
	Value []byte
}

// Ack is the position the log assigned to an appended record.
type Ack struct {
	Partition int32
	Offset    int64
}

// Appender writes records to a log backend.
type Appender interface {
	// Append blocks until the backend acknowledged the record or failed.
	Append(ctx context.Context, rec Record) (Ack, error)
	Close() error
}

// Handler processes a record read back from the log.
type Handler func(ctx context.Context, rec Record) error

// Subscriber reads records that are appended after the subscription starts.
type Subscriber interface {
	// Subscribe blocks until the context is canceled or an irrecoverable
	// error occurs.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Backend is an Appender that can also open subscriptions on the same log.
type Backend interface {
	Appender
	// NewSubscriber opens a subscription under the given consumer group.
	NewSubscriber(groupID string) (Subscriber, error)
}

// PublishError reports a message that could not be appended after every
// retry was spent.
type PublishError struct {
	RecordID string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("append record %s failed after %d attempt(s): %v", e.RecordID, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
