// Package ratelimit paces outbound fetches: jittered inter-request delays,
// rolling hourly and daily quotas, and an optional time-of-day window.
//
// The limiter holds no timers. Every decision takes the current time as an
// argument and counter resets are derived from stored reset timestamps, so
// state restored after a process restart behaves exactly like state that
// never left memory.
package ratelimit

import (
	"fmt"
	"math/rand/v2"
	"time"

	"harvest/internal/config"
)

// jitterFraction is the +/- spread applied on top of the sampled delay.
const jitterFraction = 0.10

// Window is a daily time-of-day range evaluated on the wall clock of Loc.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// Config holds the limiter settings.
type Config struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxPerHour int
	MaxPerDay  int
	Window     *Window
	// Loc is the reference zone for the window and the hour/day boundaries.
	Loc *time.Location
}

// FromConfig converts the YAML throttle section.
func FromConfig(t config.ThrottleConfig) (Config, error) {
	loc, err := time.LoadLocation(t.Window.Timezone)
	if err != nil {
		return Config{}, fmt.Errorf("load timezone %q: %w", t.Window.Timezone, err)
	}
	cfg := Config{
		MinDelay:   t.MinDelay(),
		MaxDelay:   t.MaxDelay(),
		MaxPerHour: t.MaxPerHour,
		MaxPerDay:  t.MaxPerDay,
		Loc:        loc,
	}
	if t.Window.Enabled {
		start, err := config.ParseClock(t.Window.Start)
		if err != nil {
			return Config{}, err
		}
		end, err := config.ParseClock(t.Window.End)
		if err != nil {
			return Config{}, err
		}
		cfg.Window = &Window{Start: start, End: end}
	}
	return cfg, nil
}

// Counters is the persisted quota state.
type Counters struct {
	Hourly        int
	HourlyResetAt time.Time
	Daily         int
	DailyResetAt  time.Time
}

// Limiter is not safe for concurrent use; it belongs to the single
// goroutine driving a job.
type Limiter struct {
	cfg          Config
	rnd          *rand.Rand
	counters     Counters
	lastDispatch time.Time
}

// New builds a limiter. A nil rnd uses a randomly seeded source.
func New(cfg Config, rnd *rand.Rand) *Limiter {
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Limiter{cfg: cfg, rnd: rnd}
}

// Config returns the effective settings.
func (l *Limiter) Config() Config { return l.cfg }

// NextDelay samples uniformly from [MinDelay, MaxDelay].
func (l *Limiter) NextDelay() time.Duration {
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(l.rnd.Int64N(int64(span)+1))
}

// Delay returns how long to wait from now before the next dispatch: a
// sampled delay with +/-10% jitter, never allowing the dispatch to land
// closer than MinDelay to the previous one.
func (l *Limiter) Delay(now time.Time) time.Duration {
	base := l.NextDelay()
	factor := 1 - jitterFraction + 2*jitterFraction*l.rnd.Float64()
	d := time.Duration(float64(base) * factor)

	if !l.lastDispatch.IsZero() {
		earliest := l.lastDispatch.Add(l.cfg.MinDelay)
		if now.Add(d).Before(earliest) {
			d = earliest.Sub(now)
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// MarkDispatched records the moment a fetch was actually sent. Earlier
// times than the one already recorded are ignored.
func (l *Limiter) MarkDispatched(at time.Time) {
	if at.After(l.lastDispatch) {
		l.lastDispatch = at
	}
}

// LastDispatch is the most recent dispatch time, zero before the first.
func (l *Limiter) LastDispatch() time.Time { return l.lastDispatch }

// Tick resets the hourly and daily counters when now has crossed into a
// new hour or day since the stored reset. It reports whether anything
// was reset.
func (l *Limiter) Tick(now time.Time) bool {
	reset := false
	if l.counters.HourlyResetAt.IsZero() || l.counters.HourlyResetAt.Before(l.hourStart(now)) {
		if !l.counters.HourlyResetAt.IsZero() {
			reset = true
		}
		l.counters.Hourly = 0
		l.counters.HourlyResetAt = now
	}
	if l.counters.DailyResetAt.IsZero() || l.counters.DailyResetAt.Before(l.dayStart(now)) {
		if !l.counters.DailyResetAt.IsZero() {
			reset = true
		}
		l.counters.Daily = 0
		l.counters.DailyResetAt = now
	}
	return reset
}

// RecordRequest counts one outbound request against both quotas.
func (l *Limiter) RecordRequest(now time.Time) {
	l.Tick(now)
	l.counters.Hourly++
	l.counters.Daily++
}

func (l *Limiter) HourlyExhausted() bool {
	return l.cfg.MaxPerHour > 0 && l.counters.Hourly >= l.cfg.MaxPerHour
}

func (l *Limiter) DailyExhausted() bool {
	return l.cfg.MaxPerDay > 0 && l.counters.Daily >= l.cfg.MaxPerDay
}

// Remaining returns how many requests both quotas still allow, or -1
// when neither quota is configured.
func (l *Limiter) Remaining() int {
	rem := -1
	if l.cfg.MaxPerHour > 0 {
		rem = max(l.cfg.MaxPerHour-l.counters.Hourly, 0)
	}
	if l.cfg.MaxPerDay > 0 {
		d := max(l.cfg.MaxPerDay-l.counters.Daily, 0)
		if rem < 0 || d < rem {
			rem = d
		}
	}
	return rem
}

// UntilNextHour is the time left in the current hour window.
func (l *Limiter) UntilNextHour(now time.Time) time.Duration {
	return l.hourStart(now).Add(time.Hour).Sub(now)
}

// UntilNextDay is the time left until the next daily boundary.
func (l *Limiter) UntilNextDay(now time.Time) time.Duration {
	t := now.In(l.cfg.Loc)
	next := time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, l.cfg.Loc)
	return next.Sub(now)
}

// WindowEnforced reports whether a time-of-day window is configured.
func (l *Limiter) WindowEnforced() bool { return l.cfg.Window != nil }

// IsWithinWindow reports whether now falls inside the allowed window.
// Without a window every instant is allowed.
func (l *Limiter) IsWithinWindow(now time.Time) bool {
	w := l.cfg.Window
	if w == nil || w.Start == w.End {
		return true
	}
	off := wallOffset(now.In(l.cfg.Loc))
	if w.Start < w.End {
		return off >= w.Start && off < w.End
	}
	return off >= w.Start || off < w.End
}

// TimeUntilWindowOpens returns zero when inside the window, otherwise the
// time until the window next starts on the local wall clock.
func (l *Limiter) TimeUntilWindowOpens(now time.Time) time.Duration {
	if l.IsWithinWindow(now) {
		return 0
	}
	t := now.In(l.cfg.Loc)
	h := int(l.cfg.Window.Start / time.Hour)
	m := int((l.cfg.Window.Start % time.Hour) / time.Minute)
	open := time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, l.cfg.Loc)
	if !open.After(now) {
		open = time.Date(t.Year(), t.Month(), t.Day()+1, h, m, 0, 0, l.cfg.Loc)
	}
	return open.Sub(now)
}

// Counters returns the quota state for persistence.
func (l *Limiter) Counters() Counters { return l.counters }

// Restore loads quota state previously returned by Counters.
func (l *Limiter) Restore(c Counters) { l.counters = c }

func (l *Limiter) hourStart(now time.Time) time.Time {
	t := now.In(l.cfg.Loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, l.cfg.Loc)
}

func (l *Limiter) dayStart(now time.Time) time.Time {
	t := now.In(l.cfg.Loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, l.cfg.Loc)
}

func wallOffset(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}
