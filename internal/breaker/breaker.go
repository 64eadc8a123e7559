// Package breaker halts a job after a run of consecutive fetch failures.
//
// It guards the single active job's fetch strategy rather than a specific
// endpoint: a streak of throttling or network failures means the source is
// pushing back, so the job backs off for a cooldown before trying again.
package breaker

import "time"

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Breaker is owned by the goroutine driving the job and is not safe for
// concurrent use.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	probe     bool

	state    State
	failures int
	openedAt time.Time
	trips    int
}

// New returns a closed breaker. With probe set, a breaker whose cooldown
// has elapsed moves to half-open and lets a single trial outcome decide
// between closing and re-opening.
func New(threshold int, cooldown time.Duration, probe bool) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, probe: probe, state: Closed}
}

// RecordOutcome updates the failure streak and reports whether this
// outcome tripped the breaker. A breaker that is already open never trips
// again for the same streak.
func (b *Breaker) RecordOutcome(success bool, now time.Time) bool {
	if success {
		b.failures = 0
		if b.state == HalfOpen {
			b.state = Closed
		}
		return false
	}

	b.failures++
	switch b.state {
	case Open:
		return false
	case HalfOpen:
		b.trip(now)
		return true
	}
	if b.failures >= b.threshold {
		b.trip(now)
		return true
	}
	return false
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.trips++
}

// ShouldWait reports whether the breaker is open and how much of the
// cooldown is left. A zero duration with true means the cooldown has
// elapsed and the caller should Recover.
func (b *Breaker) ShouldWait(now time.Time) (time.Duration, bool) {
	if b.state != Open {
		return 0, false
	}
	remaining := b.openedAt.Add(b.cooldown).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Recover is called once the cooldown has elapsed. Without probing the
// breaker closes and the streak is cleared; with probing it goes
// half-open and keeps the streak so one more failure re-opens it.
func (b *Breaker) Recover() {
	if b.state != Open {
		return
	}
	if b.probe {
		b.state = HalfOpen
		return
	}
	b.state = Closed
	b.failures = 0
}

func (b *Breaker) State() State             { return b.state }
func (b *Breaker) ConsecutiveFailures() int { return b.failures }
func (b *Breaker) OpenedAt() time.Time      { return b.openedAt }
func (b *Breaker) Trips() int               { return b.trips }
func (b *Breaker) Threshold() int           { return b.threshold }
func (b *Breaker) Cooldown() time.Duration  { return b.cooldown }
func (b *Breaker) Probing() bool            { return b.state == HalfOpen }

// Restore rebuilds breaker state from persisted job fields.
func (b *Breaker) Restore(open bool, failures int, openedAt time.Time, trips int) {
	b.failures = failures
	b.trips = trips
	b.openedAt = openedAt
	switch {
	case open:
		b.state = Open
	case b.probe && failures >= b.threshold:
		b.state = HalfOpen
	default:
		b.state = Closed
	}
}
