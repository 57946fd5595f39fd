package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	sessions map[string]Session
	events   []string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{sessions: make(map[string]Session)}
}

func (m *memoryRepo) Create(ctx context.Context, session Session) error {
	m.sessions[session.ID] = session
	m.events = append(m.events, EventSessionStarted)
	return nil
}

func (m *memoryRepo) Get(ctx context.Context, sessionID string) (*Session, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (m *memoryRepo) Save(ctx context.Context, session Session, eventType string) error {
	m.sessions[session.ID] = session
	m.events = append(m.events, eventType)
	return nil
}

func (m *memoryRepo) Upsert(ctx context.Context, session Session) error {
	m.sessions[session.ID] = session
	return nil
}

func (m *memoryRepo) Patch(ctx context.Context, sessionID string, patch SessionPatch) (*Session, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.Deadline != nil {
		session.Deadline = *patch.Deadline
	}
	m.sessions[sessionID] = session
	return &session, nil
}

func (m *memoryRepo) ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Session, *Cursor, error) {
	return nil, nil, nil
}

func startSession(t *testing.T, svc *Service, limitIn, tolerance time.Duration) *Session {
	t.Helper()
	session, err := svc.Start(context.Background(), StartInput{
		UserID:    "user-1",
		FirstName: "Emma",
		LimitTime: time.Now().Add(limitIn),
		Tolerance: tolerance,
		Contacts:  []Contact{{Name: "Paul", Phone: "+33612345678"}},
	})
	require.NoError(t, err)
	return session
}

func TestStartComputesDeadlineFromTolerance(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)

	limit := time.Now().Add(2 * time.Minute)
	session, err := svc.Start(context.Background(), StartInput{
		UserID:    "user-1",
		LimitTime: limit,
		Tolerance: 15 * time.Minute,
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, session.Status)
	require.Equal(t, limit.UTC().Add(15*time.Minute), session.Deadline)
	require.False(t, session.Deadline.Before(session.LimitTime))
	require.False(t, session.LimitTime.Before(session.StartedAt.Add(-time.Second)))
}

func TestStartDefaultsTolerance(t *testing.T) {
	svc := NewService(newMemoryRepo())
	session := startSession(t, svc, time.Hour, 0)
	require.Equal(t, DefaultTolerance, session.Tolerance)
	require.Equal(t, session.LimitTime.Add(DefaultTolerance), session.Deadline)
}

func TestConfirmCheckInIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo)
	session := startSession(t, svc, time.Hour, 15*time.Minute)

	first, err := svc.ConfirmCheckIn(context.Background(), session.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, StatusCheckedIn, first.Status)
	require.True(t, first.CheckInConfirmed)
	// tolerance window cancelled
	require.Equal(t, first.LimitTime, first.Deadline)

	second, err := svc.ConfirmCheckIn(context.Background(), session.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, first.Status, second.Status)
	require.Equal(t, first.CheckInConfirmedAt, second.CheckInConfirmedAt)

	// only one checked_in event was recorded
	count := 0
	for _, ev := range repo.events {
		if ev == EventSessionCheckedIn {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestExtendLimitIsThree(t *testing.T) {
	svc := NewService(newMemoryRepo())
	session := startSession(t, svc, time.Hour, 15*time.Minute)
	baseDeadline := session.Deadline

	for i := 1; i <= MaxExtensions; i++ {
		extended, err := svc.Extend(context.Background(), session.ID, "user-1", 15)
		require.NoError(t, err)
		require.Equal(t, i, extended.ExtensionsCount)
		require.Equal(t, StatusActive, extended.Status)
	}

	_, err := svc.Extend(context.Background(), session.ID, "user-1", 15)
	require.ErrorIs(t, err, ErrExtensionLimit)

	current, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, MaxExtensions, current.ExtensionsCount)
	require.Equal(t, baseDeadline.Add(45*time.Minute), current.Deadline)
	require.False(t, current.Deadline.Before(current.LimitTime))
}

func TestTerminalSessionsRejectTransitions(t *testing.T) {
	svc := NewService(newMemoryRepo())
	session := startSession(t, svc, time.Hour, 15*time.Minute)

	_, err := svc.Cancel(context.Background(), session.ID, "user-1")
	require.NoError(t, err)

	_, err = svc.ConfirmCheckIn(context.Background(), session.ID, "user-1")
	require.ErrorIs(t, err, ErrSessionTerminal)

	_, err = svc.Extend(context.Background(), session.ID, "user-1", 15)
	require.ErrorIs(t, err, ErrSessionTerminal)

	_, err = svc.Complete(context.Background(), session.ID, "user-1")
	require.ErrorIs(t, err, ErrSessionTerminal)
}

func TestOwnershipEnforced(t *testing.T) {
	svc := NewService(newMemoryRepo())
	session := startSession(t, svc, time.Hour, 15*time.Minute)

	_, err := svc.ConfirmCheckIn(context.Background(), session.ID, "somebody-else")
	require.ErrorIs(t, err, ErrNotSessionOwner)
}

func TestSyncRequiresCoreFields(t *testing.T) {
	svc := NewService(newMemoryRepo())

	err := svc.Sync(context.Background(), Session{ID: "s-1", UserID: "user-1"})
	require.Error(t, err)

	err = svc.Sync(context.Background(), Session{
		ID:        "s-1",
		UserID:    "user-1",
		LimitTime: time.Now(),
		Deadline:  time.Now().Add(15 * time.Minute),
	})
	require.NoError(t, err)
}

func TestGetMissingSession(t *testing.T) {
	svc := NewService(newMemoryRepo())
	_, err := svc.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}
