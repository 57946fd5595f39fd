// Package domain defines the business logic for the safewalk session service.
package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when a session cannot be located.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal indicates a transition was attempted on a completed or cancelled session.
	ErrSessionTerminal = errors.New("session is in a terminal state")
	// ErrExtensionLimit indicates the session already used all of its extensions.
	ErrExtensionLimit = errors.New("extension limit reached")
	// ErrInvalidTransition indicates the requested transition is not legal from the current status.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrNotSessionOwner is returned when a caller operates on a session it does not own.
	ErrNotSessionOwner = errors.New("session belongs to another user")
)

// Event types recorded to the outbox alongside session transitions.
const (
	EventSessionStarted   = "session.started"
	EventSessionCheckedIn = "session.checked_in"
	EventSessionExtended  = "session.extended"
	EventSessionEnded     = "session.ended"
)

// SessionPatch carries optional fields for a partial server-sync update.
// Nil pointers leave the corresponding column untouched.
type SessionPatch struct {
	Status             *Status
	Deadline           *time.Time
	EndedAt            *time.Time
	AlertSentAt        *time.Time
	CheckInConfirmed   *bool
	CheckInConfirmedAt *time.Time
	ExtensionsCount    *int
	Note               *string
	LastLocation       *Location
}

// Cursor models the keyset pagination token for session history.
type Cursor struct {
	StartedAt time.Time
	ID        string
}

// SessionRepository captures persistence operations used by the service.
type SessionRepository interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, session Session, eventType string) error
	Upsert(ctx context.Context, session Session) error
	Patch(ctx context.Context, sessionID string, patch SessionPatch) (*Session, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Session, *Cursor, error)
}

// Service orchestrates the session state machine over a repository.
type Service struct {
	repo SessionRepository
	now  func() time.Time
}

// NewService constructs a Service.
func NewService(repo SessionRepository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StartInput captures the payload for starting an outing.
type StartInput struct {
	UserID        string
	FirstName     string
	LimitTime     time.Time
	Tolerance     time.Duration
	Note          string
	ShareLocation bool
	Location      *Location
	Contacts      []Contact
}

// Start creates a new active session with deadline = limitTime + tolerance.
func (s *Service) Start(ctx context.Context, input StartInput) (*Session, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, errors.New("user id is required")
	}
	if input.LimitTime.IsZero() {
		return nil, errors.New("limit time is required")
	}
	tolerance := input.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	now := s.now().UTC()
	session := Session{
		ID:            uuid.NewString(),
		UserID:        input.UserID,
		FirstName:     input.FirstName,
		StartedAt:     now,
		LimitTime:     input.LimitTime.UTC(),
		Tolerance:     tolerance,
		Deadline:      input.LimitTime.UTC().Add(tolerance),
		Status:        StatusActive,
		Note:          input.Note,
		ShareLocation: input.ShareLocation,
		LastLocation:  input.Location,
		Contacts:      input.Contacts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.Create(ctx, session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Get fetches a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Sync upserts a full session record mirrored from a client.
func (s *Service) Sync(ctx context.Context, session Session) error {
	if session.ID == "" || session.UserID == "" || session.LimitTime.IsZero() || session.Deadline.IsZero() {
		return errors.New("id, userId, limitTime and deadline are required")
	}
	session.UpdatedAt = s.now().UTC()
	return s.repo.Upsert(ctx, session)
}

// Update applies a partial patch to an existing session.
func (s *Service) Update(ctx context.Context, sessionID string, patch SessionPatch) (*Session, error) {
	session, err := s.repo.Patch(ctx, sessionID, patch)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ConfirmCheckIn records the user's safety confirmation. Idempotent: a second
// confirmation returns the already checked-in session unchanged. The deadline
// collapses back to the stated limit time, cancelling the tolerance window.
func (s *Service) ConfirmCheckIn(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusCheckedIn {
		return session, nil
	}
	if session.Status.Terminal() {
		return nil, ErrSessionTerminal
	}
	if session.Status != StatusActive && session.Status != StatusExtended {
		return nil, ErrInvalidTransition
	}

	now := s.now().UTC()
	session.Status = StatusCheckedIn
	session.CheckInConfirmed = true
	session.CheckInConfirmedAt = &now
	session.Deadline = session.LimitTime
	session.UpdatedAt = now

	if err := s.repo.Save(ctx, *session, EventSessionCheckedIn); err != nil {
		return nil, err
	}
	return session, nil
}

// Extend pushes the deadline out by the given number of minutes. Rejected
// with ErrExtensionLimit once the session used its three extensions.
func (s *Service) Extend(ctx context.Context, sessionID, userID string, minutes int) (*Session, error) {
	if minutes <= 0 {
		return nil, errors.New("minutes must be > 0")
	}
	session, err := s.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, ErrSessionTerminal
	}
	if session.Status != StatusActive && session.Status != StatusExtended {
		return nil, ErrInvalidTransition
	}
	if session.ExtensionsCount >= MaxExtensions {
		return nil, ErrExtensionLimit
	}

	now := s.now().UTC()
	session.ExtensionsCount++
	session.Deadline = session.Deadline.Add(time.Duration(minutes) * time.Minute)
	// extended sessions return to active with the recalculated deadline
	session.Status = StatusActive
	session.UpdatedAt = now

	if err := s.repo.Save(ctx, *session, EventSessionExtended); err != nil {
		return nil, err
	}
	return session, nil
}

// Complete terminates the session normally.
func (s *Service) Complete(ctx context.Context, sessionID, userID string) (*Session, error) {
	return s.end(ctx, sessionID, userID, StatusCompleted)
}

// Cancel terminates the session without completion.
func (s *Service) Cancel(ctx context.Context, sessionID, userID string) (*Session, error) {
	return s.end(ctx, sessionID, userID, StatusCancelled)
}

func (s *Service) end(ctx context.Context, sessionID, userID string, terminal Status) (*Session, error) {
	session, err := s.owned(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, ErrSessionTerminal
	}

	now := s.now().UTC()
	session.Status = terminal
	session.EndedAt = &now
	session.UpdatedAt = now

	if err := s.repo.Save(ctx, *session, EventSessionEnded); err != nil {
		return nil, err
	}
	return session, nil
}

// ListByUser fetches session history with cursor pagination.
func (s *Service) ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]Session, *Cursor, error) {
	return s.repo.ListByUser(ctx, userID, cursor, limit)
}

func (s *Service) owned(ctx context.Context, sessionID, userID string) (*Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if userID != "" && session.UserID != userID {
		return nil, ErrNotSessionOwner
	}
	return session, nil
}
