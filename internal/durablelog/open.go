package durablelog

import (
	"fmt"
	"log/slog"
	"strings"
)

// Supported backend names.
const (
	BackendMemory = "memory"
	BackendKafka  = "kafka"
	BackendNATS   = "nats"
)

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Kafka     KafkaOptions
	JetStream JetStreamOptions
	// MemoryTopic names the in-process topic of the memory backend.
	MemoryTopic string
}

// Open connects the configured backend.
func Open(opts Options) (Backend, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = BackendMemory
	}
	slog.Info("Opening durable log", "backend", backend)

	switch backend {
	case BackendMemory:
		topic := opts.MemoryTopic
		if topic == "" {
			topic = "chat-room"
		}
		return NewChannelLog(topic), nil
	case BackendKafka:
		a, err := NewKafkaAppender(opts.Kafka)
		if err != nil {
			return nil, err
		}
		return a, nil
	case BackendNATS:
		l, err := NewJetStreamLog(opts.JetStream)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown durable log backend %q", opts.Backend)
	}
}
