package scheduler

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// ReminderTopic carries reminder events for the push-delivery pipeline.
const ReminderTopic = "safety_reminders"

// ReminderWriter is the producer surface the notifier needs.
type ReminderWriter interface {
	WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error
}

// KafkaNotifier publishes reminders to Kafka, keyed by session so a
// follow-up never overtakes its midpoint on the consumer side.
type KafkaNotifier struct {
	writer ReminderWriter
}

// NewKafkaNotifier constructs a KafkaNotifier.
func NewKafkaNotifier(writer ReminderWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

// Publish implements Notifier.
func (n *KafkaNotifier) Publish(ctx context.Context, reminder Reminder) error {
	payload, err := json.Marshal(reminder)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, ReminderTopic, kafka.Message{
		Key:   []byte(reminder.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "reminder_kind", Value: []byte(reminder.Kind)},
		},
	})
}
