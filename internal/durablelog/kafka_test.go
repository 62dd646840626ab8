package durablelog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKafkaConfig(t *testing.T) {
	cfg, err := NewKafkaConfig(KafkaOptions{Version: "2.1.0", ClientID: "relay-a"})
	require.NoError(t, err)

	assert.Equal(t, sarama.V2_1_0_0, cfg.Version)
	assert.Equal(t, "relay-a", cfg.ClientID)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.OffsetNewest, cfg.Consumer.Offsets.Initial)
	assert.Equal(t, DefaultAppendTimeout, cfg.Net.DialTimeout)

	p := cfg.Producer.Partitioner("chat-room")
	partition, err := p.Partition(&sarama.ProducerMessage{}, 12)
	require.NoError(t, err)
	assert.Equal(t, int32(0), partition)
}

func TestNewKafkaConfig_RejectsVersionsWithoutHeaders(t *testing.T) {
	_, err := NewKafkaConfig(KafkaOptions{Version: "0.10.2.0"})
	assert.Error(t, err)

	_, err = NewKafkaConfig(KafkaOptions{Version: "not-a-version"})
	assert.Error(t, err)
}

func TestNewKafkaAppender_RequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaAppender(KafkaOptions{Topic: "chat-room"})
	assert.Error(t, err)

	_, err = NewKafkaAppender(KafkaOptions{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	cfg, err := NewKafkaConfig(KafkaOptions{})
	require.NoError(t, err)
	return mocks.NewSyncProducer(t, cfg)
}

func TestKafkaAppender_SendsValueUnchanged(t *testing.T) {
	producer := newMockProducer(t)
	value := []byte(`{"sender_id":"u1","username":"Alice","text":"hello","timestamp":"2024-05-01T10:00:00Z"}`)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(got []byte) error {
		if string(got) != string(value) {
			return fmt.Errorf("unexpected value %s", got)
		}
		return nil
	})

	a := newKafkaAppender(producer, "chat-room")
	_, err := a.Append(context.Background(), Record{ID: "rec-1", Origin: "relay-a", Value: value})
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestKafkaAppender_WrapsSendErrors(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	a := newKafkaAppender(producer, "chat-room")
	_, err := a.Append(context.Background(), Record{ID: "rec-1", Value: []byte(`{}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sarama.ErrNotEnoughReplicas))
	require.NoError(t, a.Close())
}

func TestKafkaAppender_CanceledContext(t *testing.T) {
	producer := newMockProducer(t)
	a := newKafkaAppender(producer, "chat-room")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Append(ctx, Record{ID: "rec-1", Value: []byte(`{}`)})
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, a.Close())
}

func TestKafkaAppender_WorksBehindClient(t *testing.T) {
	producer := newMockProducer(t)
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)
	producer.ExpectSendMessageAndSucceed()

	c := NewClient(newKafkaAppender(producer, "chat-room"), WithBackoff(1, 1))
	c.Publish(testMessage(1))
	closeClient(t, c)

	assert.Equal(t, int64(1), c.Published())
}

func TestRecordFromKafka(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Value: []byte(`{"text":"hi"}`),
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte("rec-1")},
			nil,
			{Key: []byte("unrelated"), Value: []byte("x")},
			{Key: []byte(HeaderOrigin), Value: []byte("relay-b")},
		},
	}

	rec := recordFromKafka(msg)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "relay-b", rec.Origin)
	assert.Equal(t, msg.Value, rec.Value)
}

func TestNewKafkaConfig_TimeoutsFollowOptions(t *testing.T) {
	cfg, err := NewKafkaConfig(KafkaOptions{Timeout: 750 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.Net.DialTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Net.ReadTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Net.WriteTimeout)
}

// stalledProducer holds every send until released, like a producer stuck
// dialing an unreachable broker.
type stalledProducer struct {
	release chan struct{}
}

func (p *stalledProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	return 0, 0, nil
}

func (p *stalledProducer) SendMessages([]*sarama.ProducerMessage) error {
	<-p.release
	return nil
}

func (p *stalledProducer) Close() error { return nil }

func TestKafkaAppender_AppendReturnsWhenContextEnds(t *testing.T) {
	producer := &stalledProducer{release: make(chan struct{})}
	defer close(producer.release)
	a := newKafkaAppender(producer, "chat-room")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Append(ctx, Record{ID: "rec-1", Value: []byte(`{}`)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_CloseBoundedWithStalledKafka(t *testing.T) {
	producer := &stalledProducer{release: make(chan struct{})}
	defer close(producer.release)

	c := NewClient(newKafkaAppender(producer, "chat-room"),
		WithAppendTimeout(100*time.Millisecond),
		WithBackoff(time.Millisecond, time.Millisecond),
	)
	c.Publish(testMessage(1))
	c.Publish(testMessage(2))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
