package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer delivers outbox batches through a single shared writer. Messages
// carry their topic individually, so one connection pool serves every event
// stream the service emits.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Producer for the given brokers.
func NewProducer(brokers []string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Snappy,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// WriteMessages writes the batch to topic. Messages keyed by session ID land
// on the same partition, which keeps per-session event order.
func (p *Producer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writer.WriteMessages(ctx, stampTopic(topic, msgs)...)
}

// stampTopic sets the topic on every message. The shared writer has no topic
// of its own, so each message must carry one.
func stampTopic(topic string, msgs []kafka.Message) []kafka.Message {
	stamped := make([]kafka.Message, len(msgs))
	for i, msg := range msgs {
		msg.Topic = topic
		stamped[i] = msg
	}
	return stamped
}

// Close releases the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
