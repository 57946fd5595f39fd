package scheduler

import (
	"sync"

	"example.com/safewalk/internal/domain"
)

// Registry keeps one reminder scheduler per live session. The API layer arms
// it on start and extend and cancels it on any exit transition.
type Registry struct {
	notifier Notifier
	state    StateFunc
	opts     []Option

	mu     sync.Mutex
	active map[string]*ReminderScheduler
}

// NewRegistry constructs a Registry. Options are applied to every scheduler
// it creates.
func NewRegistry(notifier Notifier, state StateFunc, opts ...Option) *Registry {
	return &Registry{
		notifier: notifier,
		state:    state,
		opts:     opts,
		active:   make(map[string]*ReminderScheduler),
	}
}

// Arm schedules reminders for the session, replacing any cycle already armed
// for it. Called on start and whenever the deadline moves.
func (r *Registry) Arm(session domain.Session) {
	if r == nil {
		return
	}
	r.mu.Lock()
	sched, ok := r.active[session.ID]
	if !ok {
		sched = NewReminderScheduler(r.notifier, r.state, r.opts...)
		r.active[session.ID] = sched
	}
	r.mu.Unlock()

	sched.Arm(session)
}

// Cancel stops any pending reminders for the session and forgets it.
func (r *Registry) Cancel(sessionID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	sched, ok := r.active[sessionID]
	if ok {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()

	if ok {
		sched.Cancel()
	}
}

// Armed reports whether a reminder cycle is tracked for the session.
func (r *Registry) Armed(sessionID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// Shutdown cancels every armed session.
func (r *Registry) Shutdown() {
	if r == nil {
		return
	}
	r.mu.Lock()
	scheds := make([]*ReminderScheduler, 0, len(r.active))
	for id, sched := range r.active {
		scheds = append(scheds, sched)
		delete(r.active, id)
	}
	r.mu.Unlock()

	for _, sched := range scheds {
		sched.Cancel()
	}
}
