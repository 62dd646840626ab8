package durablelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shopify/sarama"
)

// KafkaOptions configures the Kafka backend.
type KafkaOptions struct {
	Brokers  []string
	Topic    string
	Version  string
	ClientID string
	// Timeout bounds broker dials, reads and writes. Zero uses
	// DefaultAppendTimeout.
	Timeout time.Duration
}

// fixedPartitioner keeps every record of this producer on partition 0 so the
// log preserves submission order.
type fixedPartitioner struct{}

func newFixedPartitioner(string) sarama.Partitioner { return fixedPartitioner{} }

func (fixedPartitioner) Partition(*sarama.ProducerMessage, int32) (int32, error) { return 0, nil }

func (fixedPartitioner) RequiresConsistency() bool { return true }

// NewKafkaConfig builds the sarama configuration shared by the producer and
// the consumer group.
func NewKafkaConfig(opts KafkaOptions) (*sarama.Config, error) {
	cfg := sarama.NewConfig()

	version := sarama.V2_1_0_0
	if opts.Version != "" {
		v, err := sarama.ParseKafkaVersion(opts.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version %q: %w", opts.Version, err)
		}
		version = v
	}
	// Record headers need the 0.11 message format.
	if !version.IsAtLeast(sarama.V0_11_0_0) {
		return nil, fmt.Errorf("kafka version %s does not support record headers", version)
	}
	cfg.Version = version

	if opts.ClientID != "" {
		cfg.ClientID = opts.ClientID
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultAppendTimeout
	}
	cfg.Net.DialTimeout = timeout
	cfg.Net.ReadTimeout = timeout
	cfg.Net.WriteTimeout = timeout
	cfg.Metadata.Retry.Max = 1
	cfg.Metadata.Timeout = timeout

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = newFixedPartitioner

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Group.Rebalance.Timeout = 30 * time.Second

	return cfg, nil
}

// KafkaAppender appends records to a Kafka topic through a synchronous
// producer.
type KafkaAppender struct {
	producer sarama.SyncProducer
	topic    string
	opts     KafkaOptions
	config   *sarama.Config
}

// NewKafkaAppender connects a synchronous producer to the configured brokers.
func NewKafkaAppender(opts KafkaOptions) (*KafkaAppender, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	cfg, err := NewKafkaConfig(opts)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(opts.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	a := newKafkaAppender(producer, opts.Topic)
	a.opts = opts
	a.config = cfg
	return a, nil
}

func newKafkaAppender(producer sarama.SyncProducer, topic string) *KafkaAppender {
	return &KafkaAppender{producer: producer, topic: topic}
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

// Append sends rec and waits for all in-sync replicas to acknowledge it, or
// for ctx to end. A send abandoned on ctx may still reach the broker; the
// record id header lets readers drop the duplicate of a later retry.
func (a *KafkaAppender) Append(ctx context.Context, rec Record) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	msg := &sarama.ProducerMessage{
		Topic: a.topic,
		Value: sarama.ByteEncoder(rec.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte(rec.ID)},
			{Key: []byte(HeaderOrigin), Value: []byte(rec.Origin)},
		},
	}

	done := make(chan sendResult, 1)
	go func() {
		partition, offset, err := a.producer.SendMessage(msg)
		done <- sendResult{partition: partition, offset: offset, err: err}
	}()

	select {
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("kafka send to %s: %w", a.topic, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return Ack{}, fmt.Errorf("kafka send to %s: %w", a.topic, res.err)
		}
		return Ack{Partition: res.partition, Offset: res.offset}, nil
	}
}

// NewSubscriber opens a consumer group on the same brokers and topic.
func (a *KafkaAppender) NewSubscriber(groupID string) (Subscriber, error) {
	if a.config == nil {
		return nil, errors.New("kafka: appender was not created from options")
	}
	return NewKafkaSubscriber(a.opts, groupID)
}

func (a *KafkaAppender) Close() error {
	return a.producer.Close()
}

// KafkaSubscriber consumes a topic through a consumer group, starting at the
// newest offset.
type KafkaSubscriber struct {
	group  sarama.ConsumerGroup
	topic  string
	logger *slog.Logger
}

// NewKafkaSubscriber joins groupID on the configured brokers.
func NewKafkaSubscriber(opts KafkaOptions, groupID string) (*KafkaSubscriber, error) {
	cfg, err := NewKafkaConfig(opts)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(opts.Brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return &KafkaSubscriber{
		group:  group,
		topic:  opts.Topic,
		logger: slog.Default().With("component", "durablelog", "backend", "kafka", "group", groupID),
	}, nil
}

// Subscribe consumes until ctx is canceled. Consume returns on every
// rebalance, so it is called in a loop.
func (s *KafkaSubscriber) Subscribe(ctx context.Context, handler Handler) error {
	go func() {
		for err := range s.group.Errors() {
			s.logger.Warn("Kafka consumer error", "error", err)
		}
	}()

	h := &consumerGroupHandler{handler: handler, logger: s.logger}
	for {
		if err := s.group.Consume(ctx, []string{s.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			s.logger.Error("Kafka consume failed", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *KafkaSubscriber) Close() error {
	return s.group.Close()
}

type consumerGroupHandler struct {
	handler Handler
	logger  *slog.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := recordFromKafka(msg)
			if err := h.handler(sess.Context(), rec); err != nil {
				h.logger.Warn("Record handler failed",
					"topic", msg.Topic,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}

func recordFromKafka(msg *sarama.ConsumerMessage) Record {
	rec := Record{Value: msg.Value}
	for _, hdr := range msg.Headers {
		if hdr == nil {
			continue
		}
		switch string(hdr.Key) {
		case HeaderMessageID:
			rec.ID = string(hdr.Value)
		case HeaderOrigin:
			rec.Origin = string(hdr.Value)
		}
	}
	return rec
}
