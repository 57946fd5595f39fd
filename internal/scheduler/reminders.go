// Package scheduler arms per-session check-in reminders.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"example.com/safewalk/internal/domain"
)

// Kind distinguishes the two reminders of one armed cycle.
type Kind string

const (
	KindMidpoint Kind = "midpoint"
	KindFollowup Kind = "followup"
)

// DefaultFollowupDelay separates the follow-up reminder from the midpoint one.
const DefaultFollowupDelay = 10 * time.Minute

// Reminder is a local notification pushed to the session owner.
type Reminder struct {
	SessionID string `json:"sessionId"`
	Kind      Kind   `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// Notifier delivers reminders. Delivery mechanics (push tokens, APNs/FCM)
// live behind this interface.
type Notifier interface {
	Publish(ctx context.Context, reminder Reminder) error
}

// SessionState is the minimal view of a session re-checked at fire time.
type SessionState struct {
	Status           domain.Status
	CheckInConfirmed bool
}

// Remindable reports whether reminders may still fire for this state.
func (s SessionState) Remindable() bool {
	return (s.Status == domain.StatusActive || s.Status == domain.StatusExtended) && !s.CheckInConfirmed
}

// StateFunc resolves the current state of a session. It is consulted when a
// timer fires, not only when it is scheduled, closing the race between a
// state transition and an in-flight reminder.
type StateFunc func(ctx context.Context, sessionID string) (SessionState, error)

// ReminderScheduler owns the two reminder timers of a single session. Every
// exit transition must call Cancel; a deadline change re-arms via Arm.
type ReminderScheduler struct {
	notifier      Notifier
	state         StateFunc
	followupDelay time.Duration
	now           func() time.Time
	logger        *log.Logger

	mu         sync.Mutex
	generation uint64
	midpoint   *time.Timer
	followup   *time.Timer
}

// Option configures optional scheduler behaviour.
type Option func(*ReminderScheduler)

// WithFollowupDelay overrides the gap between the two reminders.
func WithFollowupDelay(d time.Duration) Option {
	return func(s *ReminderScheduler) {
		s.followupDelay = d
	}
}

// WithClock overrides the scheduler clock. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *ReminderScheduler) {
		s.now = now
	}
}

// WithLogger overrides the logger used to report delivery errors.
func WithLogger(logger *log.Logger) Option {
	return func(s *ReminderScheduler) {
		s.logger = logger
	}
}

// NewReminderScheduler constructs a scheduler for one session lifecycle.
func NewReminderScheduler(notifier Notifier, state StateFunc, opts ...Option) *ReminderScheduler {
	s := &ReminderScheduler{
		notifier:      notifier,
		state:         state,
		followupDelay: DefaultFollowupDelay,
		now:           time.Now,
		logger:        log.New(log.Writer(), "[reminders] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm schedules the midpoint reminder at now + (deadline − now)/2 and
// replaces any previously armed cycle. Sessions whose deadline already
// passed arm nothing.
func (s *ReminderScheduler) Arm(session domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	gen := s.generation

	delay := session.Deadline.Sub(s.now()) / 2
	if delay <= 0 {
		return
	}

	s.midpoint = time.AfterFunc(delay, func() {
		s.fireMidpoint(gen, session.ID)
	})
}

// Cancel clears both outstanding timers. Reminders already in flight abort
// against the bumped generation.
func (s *ReminderScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *ReminderScheduler) cancelLocked() {
	s.generation++
	if s.midpoint != nil {
		s.midpoint.Stop()
		s.midpoint = nil
	}
	if s.followup != nil {
		s.followup.Stop()
		s.followup = nil
	}
}

func (s *ReminderScheduler) fireMidpoint(gen uint64, sessionID string) {
	if s.stale(gen) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := s.state(ctx, sessionID)
	if err != nil {
		s.logger.Printf("midpoint state check failed for %s: %v", sessionID, err)
		return
	}
	if !state.Remindable() {
		return
	}

	if err := s.notifier.Publish(ctx, Reminder{
		SessionID: sessionID,
		Kind:      KindMidpoint,
		Title:     "Tout va bien ?",
		Body:      "Confirme que tu vas bien ou ajoute 15 minutes",
	}); err != nil {
		s.logger.Printf("midpoint reminder failed for %s: %v", sessionID, err)
	}

	s.mu.Lock()
	if gen == s.generation {
		s.followup = time.AfterFunc(s.followupDelay, func() {
			s.fireFollowup(gen, sessionID)
		})
	}
	s.mu.Unlock()
}

func (s *ReminderScheduler) fireFollowup(gen uint64, sessionID string) {
	if s.stale(gen) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := s.state(ctx, sessionID)
	if err != nil {
		s.logger.Printf("followup state check failed for %s: %v", sessionID, err)
		return
	}
	if !state.Remindable() {
		return
	}

	if err := s.notifier.Publish(ctx, Reminder{
		SessionID: sessionID,
		Kind:      KindFollowup,
		Title:     "On confirme que tout va bien ?",
		Body:      "Réponds rapidement pour éviter une alerte",
	}); err != nil {
		s.logger.Printf("followup reminder failed for %s: %v", sessionID, err)
	}
}

func (s *ReminderScheduler) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.generation
}
