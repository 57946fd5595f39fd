// Package timer renders deadline countdowns for session displays.
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// imminentWindow is how close to the deadline the countdown flags an
// imminent alert (5 minutes).
const imminentWindow = 300

// Snapshot is one observation of the countdown.
type Snapshot struct {
	Remaining       time.Duration
	RemainingSecs   int
	DisplayText     string
	IsExpired       bool
	IsAlertImminent bool
	Percentage      float64
}

// Countdown tracks time remaining to a deadline and fires edge-triggered
// callbacks when the alert window opens and when the deadline passes.
// Percentage progress is computed from the session's true start time, not
// inferred backward from the remaining duration.
type Countdown struct {
	startedAt time.Time
	deadline  time.Time

	onImminent func()
	onExpired  func()

	mu           sync.Mutex
	imminentSent bool
	expiredSent  bool
}

// NewCountdown constructs a countdown over [startedAt, deadline].
func NewCountdown(startedAt, deadline time.Time, onImminent, onExpired func()) *Countdown {
	return &Countdown{
		startedAt:  startedAt,
		deadline:   deadline,
		onImminent: onImminent,
		onExpired:  onExpired,
	}
}

// At computes the snapshot for an arbitrary instant without side effects.
func (c *Countdown) At(now time.Time) Snapshot {
	remaining := c.deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	secs := int(remaining / time.Second)

	return Snapshot{
		Remaining:       remaining,
		RemainingSecs:   secs,
		DisplayText:     formatRemaining(secs),
		IsExpired:       secs == 0,
		IsAlertImminent: secs > 0 && secs <= imminentWindow,
		Percentage:      c.percentage(now),
	}
}

// Observe computes the snapshot for now and fires pending callbacks at most
// once each.
func (c *Countdown) Observe(now time.Time) Snapshot {
	snap := c.At(now)

	c.mu.Lock()
	fireImminent := snap.IsAlertImminent && !c.imminentSent
	if fireImminent {
		c.imminentSent = true
	}
	fireExpired := snap.IsExpired && !c.expiredSent
	if fireExpired {
		c.expiredSent = true
	}
	c.mu.Unlock()

	if fireImminent && c.onImminent != nil {
		c.onImminent()
	}
	if fireExpired && c.onExpired != nil {
		c.onExpired()
	}
	return snap
}

// Run recomputes the countdown once per second and pushes each snapshot to
// subscribe, stopping when the context is cancelled or the deadline passed.
func (c *Countdown) Run(ctx context.Context, subscribe func(Snapshot)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		snap := c.Observe(time.Now())
		if subscribe != nil {
			subscribe(snap)
		}
		if snap.IsExpired {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Countdown) percentage(now time.Time) float64 {
	total := c.deadline.Sub(c.startedAt)
	if total <= 0 {
		return 100
	}
	elapsed := now.Sub(c.startedAt)
	pct := float64(elapsed) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// formatRemaining renders HH:MM:SS restantes above one hour, MM:SS below.
func formatRemaining(secs int) string {
	hours := secs / 3600
	minutes := (secs % 3600) / 60
	seconds := secs % 60

	if hours > 0 {
		return fmt.Sprintf("%02d:%02d:%02d restantes", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d restantes", minutes, seconds)
}
