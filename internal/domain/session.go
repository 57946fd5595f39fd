package domain

import "time"

// Status represents the lifecycle state of a tracked outing.
type Status string

const (
	StatusActive    Status = "active"
	StatusExtended  Status = "extended"
	StatusCheckedIn Status = "checked_in"
	StatusOverdue   Status = "overdue"
	StatusAlerted   Status = "alerted"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// MaxExtensions caps how many times a single session may push its deadline.
const MaxExtensions = 3

// DefaultTolerance is the grace window added to the stated return time when
// the caller does not provide one.
const DefaultTolerance = 15 * time.Minute

// Contact is an emergency contact alerted when a session goes overdue.
type Contact struct {
	Name  string
	Phone string
}

// Location is the last position reported for a session.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Session is the canonical outing record stored in PostgreSQL. Deadline is
// always LimitTime plus Tolerance until a check-in collapses it back to
// LimitTime or an extension pushes it further out.
type Session struct {
	ID                 string
	UserID             string
	FirstName          string
	StartedAt          time.Time
	LimitTime          time.Time
	Tolerance          time.Duration
	Deadline           time.Time
	Status             Status
	Note               string
	ExtensionsCount    int
	CheckInConfirmed   bool
	CheckInConfirmedAt *time.Time
	AlertSentAt        *time.Time
	EndedAt            *time.Time
	LastLocation       *Location
	ShareLocation      bool
	Contacts           []Contact
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Alertable reports whether the sweep may still dispatch an alert for the
// session. AlertSentAt acts as the single-writer idempotence gate.
func (s *Session) Alertable() bool {
	return s.AlertSentAt == nil && !s.Status.Terminal()
}
