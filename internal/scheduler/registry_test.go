package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/safewalk/internal/domain"
)

func TestRegistryArmTracksSession(t *testing.T) {
	notifier := newRecordingNotifier()
	registry := NewRegistry(notifier, staticState(SessionState{Status: domain.StatusActive}))

	registry.Arm(activeSession(time.Hour))
	require.True(t, registry.Armed("session-1"))
	require.False(t, registry.Armed("session-2"))
}

func TestRegistryCancelStopsPendingReminders(t *testing.T) {
	notifier := newRecordingNotifier()
	registry := NewRegistry(notifier, staticState(SessionState{Status: domain.StatusActive}))

	registry.Arm(activeSession(60 * time.Millisecond))
	registry.Cancel("session-1")
	require.False(t, registry.Armed("session-1"))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, notifier.count())
}

func TestRegistryRearmReusesScheduler(t *testing.T) {
	notifier := newRecordingNotifier()
	registry := NewRegistry(notifier, staticState(SessionState{Status: domain.StatusActive}))

	registry.Arm(activeSession(50 * time.Millisecond))
	// moving the deadline out replaces the earlier cycle
	registry.Arm(activeSession(time.Hour))

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, notifier.count())
	require.True(t, registry.Armed("session-1"))
}

func TestRegistryShutdownCancelsAll(t *testing.T) {
	notifier := newRecordingNotifier()
	registry := NewRegistry(notifier, staticState(SessionState{Status: domain.StatusActive}))

	first := activeSession(time.Hour)
	second := activeSession(time.Hour)
	second.ID = "session-2"
	registry.Arm(first)
	registry.Arm(second)

	registry.Shutdown()
	require.False(t, registry.Armed("session-1"))
	require.False(t, registry.Armed("session-2"))
}

type capturingWriter struct {
	topic string
	msgs  []kafka.Message
}

func (w *capturingWriter) WriteMessages(_ context.Context, topic string, msgs ...kafka.Message) error {
	w.topic = topic
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaNotifierPublishesKeyedReminder(t *testing.T) {
	writer := &capturingWriter{}
	notifier := NewKafkaNotifier(writer)

	reminder := Reminder{SessionID: "session-1", Kind: KindMidpoint, Title: "Tout va bien ?"}
	require.NoError(t, notifier.Publish(context.Background(), reminder))

	require.Equal(t, ReminderTopic, writer.topic)
	require.Len(t, writer.msgs, 1)
	require.Equal(t, []byte("session-1"), writer.msgs[0].Key)
	require.Equal(t, "reminder_kind", writer.msgs[0].Headers[0].Key)

	var decoded Reminder
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &decoded))
	require.Equal(t, reminder.SessionID, decoded.SessionID)
	require.Equal(t, reminder.Kind, decoded.Kind)
}
