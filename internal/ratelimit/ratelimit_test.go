package ratelimit

import (
	"math/rand/v2"
	"testing"
	"time"

	"harvest/internal/config"
)

func seeded() *rand.Rand { return rand.New(rand.NewPCG(1, 2)) }

func TestNextDelay_WithinBounds(t *testing.T) {
	l := New(Config{MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second}, seeded())
	for i := 0; i < 1000; i++ {
		d := l.NextDelay()
		if d < 2*time.Second || d > 5*time.Second {
			t.Fatalf("NextDelay() = %v, outside [2s, 5s]", d)
		}
	}
}

func TestNextDelay_FixedWhenMinEqualsMax(t *testing.T) {
	l := New(Config{MinDelay: time.Second, MaxDelay: time.Second}, seeded())
	if d := l.NextDelay(); d != time.Second {
		t.Fatalf("NextDelay() = %v, want 1s", d)
	}
}

func TestDelay_NeverBelowMinDelayBetweenDispatches(t *testing.T) {
	configs := []Config{
		{MinDelay: 0, MaxDelay: 0},
		{MinDelay: time.Second, MaxDelay: time.Second},
		{MinDelay: time.Second, MaxDelay: 3 * time.Second},
		{MinDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		{MinDelay: 7 * time.Second, MaxDelay: 7*time.Second + time.Nanosecond},
	}
	for _, cfg := range configs {
		rnd := seeded()
		l := New(cfg, rnd)
		now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		l.MarkDispatched(now)
		prev := now

		for i := 0; i < 500; i++ {
			// Simulate the fetch itself taking a variable amount of time.
			now = prev.Add(time.Duration(rnd.Int64N(int64(cfg.MinDelay) + 1)))
			dispatch := now.Add(l.Delay(now))
			if gap := dispatch.Sub(prev); gap < cfg.MinDelay {
				t.Fatalf("config %+v: dispatches %v apart, want >= %v", cfg, gap, cfg.MinDelay)
			}
			l.MarkDispatched(dispatch)
			prev = dispatch
		}
	}
}

func TestMarkDispatched_KeepsLatest(t *testing.T) {
	l := New(Config{MinDelay: time.Second, MaxDelay: time.Second}, seeded())
	if !l.LastDispatch().IsZero() {
		t.Fatalf("expected no dispatch yet")
	}
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	l.MarkDispatched(now)
	l.MarkDispatched(now.Add(-time.Minute))
	if !l.LastDispatch().Equal(now) {
		t.Fatalf("earlier dispatch moved the floor back: %s", l.LastDispatch())
	}
	if d := l.Delay(now); d < time.Second {
		t.Fatalf("delay right after a dispatch = %s, want at least 1s", d)
	}
}

func TestDelay_JitterStaysWithinTenPercent(t *testing.T) {
	l := New(Config{MinDelay: 10 * time.Second, MaxDelay: 10 * time.Second}, seeded())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sawBelow, sawAbove := false, false
	for i := 0; i < 200; i++ {
		d := l.Delay(now)
		if d < 9*time.Second || d > 11*time.Second {
			t.Fatalf("Delay() = %v, outside [9s, 11s]", d)
		}
		sawBelow = sawBelow || d < 10*time.Second
		sawAbove = sawAbove || d > 10*time.Second
	}
	if !sawBelow || !sawAbove {
		t.Fatalf("expected jitter on both sides of the base delay")
	}
}

func TestTick_ResetsOncePerHourBoundary(t *testing.T) {
	l := New(Config{MaxPerHour: 3}, seeded())
	base := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

	l.RecordRequest(base)
	l.RecordRequest(base.Add(time.Minute))
	l.RecordRequest(base.Add(2 * time.Minute))
	if !l.HourlyExhausted() {
		t.Fatalf("expected hourly quota exhausted after 3 requests")
	}

	if l.Tick(base.Add(40 * time.Minute)) {
		t.Fatalf("no reset expected inside the same hour")
	}

	boundary := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !l.Tick(boundary) {
		t.Fatalf("expected reset at the hour boundary")
	}
	if l.HourlyExhausted() || l.Counters().Hourly != 0 {
		t.Fatalf("expected hourly counter reset, got %+v", l.Counters())
	}

	l.RecordRequest(boundary.Add(time.Minute))
	if l.Tick(boundary.Add(59 * time.Minute)) {
		t.Fatalf("counter must not reset twice within one hour")
	}
	if l.Counters().Hourly != 1 {
		t.Fatalf("expected 1 request in the new hour, got %d", l.Counters().Hourly)
	}
}

func TestTick_ResetSurvivesRestart(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	first := New(Config{MaxPerDay: 10, Loc: loc}, seeded())
	evening := time.Date(2026, 3, 1, 22, 0, 0, 0, loc)
	for i := 0; i < 10; i++ {
		first.RecordRequest(evening.Add(time.Duration(i) * time.Minute))
	}
	saved := first.Counters()

	// Same day, new process: still exhausted.
	second := New(Config{MaxPerDay: 10, Loc: loc}, seeded())
	second.Restore(saved)
	second.Tick(evening.Add(90 * time.Minute))
	if !second.DailyExhausted() {
		t.Fatalf("expected daily quota to remain exhausted after restart on the same day")
	}

	// Next day, another new process: reset exactly once.
	third := New(Config{MaxPerDay: 10, Loc: loc}, seeded())
	third.Restore(second.Counters())
	morning := time.Date(2026, 3, 2, 0, 5, 0, 0, loc)
	if !third.Tick(morning) {
		t.Fatalf("expected daily reset after crossing midnight")
	}
	third.RecordRequest(morning)
	third.Tick(morning.Add(time.Hour))
	if third.Counters().Daily != 1 {
		t.Fatalf("expected 1 request today, got %d", third.Counters().Daily)
	}
}

func TestRemaining(t *testing.T) {
	l := New(Config{MaxPerHour: 5, MaxPerDay: 3}, seeded())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.RecordRequest(now)
	if got := l.Remaining(); got != 2 {
		t.Fatalf("Remaining() = %d, want 2", got)
	}
	if got := New(Config{}, seeded()).Remaining(); got != -1 {
		t.Fatalf("Remaining() without quotas = %d, want -1", got)
	}
}

func TestUntilNextHourAndDay(t *testing.T) {
	l := New(Config{}, seeded())
	now := time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC)
	if got := l.UntilNextHour(now); got != 15*time.Minute {
		t.Fatalf("UntilNextHour = %v, want 15m", got)
	}
	if got := l.UntilNextDay(now); got != 13*time.Hour+15*time.Minute {
		t.Fatalf("UntilNextDay = %v, want 13h15m", got)
	}
}

func TestWindow_PlainAndWrapping(t *testing.T) {
	plain := New(Config{Window: &Window{Start: 9 * time.Hour, End: 17 * time.Hour}}, seeded())
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if plain.IsWithinWindow(day.Add(8 * time.Hour)) {
		t.Fatalf("08:00 should be outside 09:00-17:00")
	}
	if !plain.IsWithinWindow(day.Add(9 * time.Hour)) {
		t.Fatalf("09:00 should be inside 09:00-17:00")
	}
	if plain.IsWithinWindow(day.Add(17 * time.Hour)) {
		t.Fatalf("17:00 should be outside 09:00-17:00")
	}
	if got := plain.TimeUntilWindowOpens(day.Add(8 * time.Hour)); got != time.Hour {
		t.Fatalf("TimeUntilWindowOpens(08:00) = %v, want 1h", got)
	}
	if got := plain.TimeUntilWindowOpens(day.Add(18 * time.Hour)); got != 15*time.Hour {
		t.Fatalf("TimeUntilWindowOpens(18:00) = %v, want 15h", got)
	}

	wrap := New(Config{Window: &Window{Start: 22 * time.Hour, End: 6 * time.Hour}}, seeded())
	if !wrap.IsWithinWindow(day.Add(23 * time.Hour)) {
		t.Fatalf("23:00 should be inside 22:00-06:00")
	}
	if !wrap.IsWithinWindow(day.Add(5 * time.Hour)) {
		t.Fatalf("05:00 should be inside 22:00-06:00")
	}
	if wrap.IsWithinWindow(day.Add(12 * time.Hour)) {
		t.Fatalf("12:00 should be outside 22:00-06:00")
	}
	if got := wrap.TimeUntilWindowOpens(day.Add(12 * time.Hour)); got != 10*time.Hour {
		t.Fatalf("TimeUntilWindowOpens(12:00) = %v, want 10h", got)
	}
}

func TestWindow_FollowsDaylightSaving(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	l := New(Config{Window: &Window{Start: 9 * time.Hour, End: 17 * time.Hour}, Loc: loc}, seeded())

	// 07:30 UTC is 08:30 CET in winter (outside) and 09:30 CEST in summer (inside).
	winter := time.Date(2026, 1, 15, 7, 30, 0, 0, time.UTC)
	summer := time.Date(2026, 7, 15, 7, 30, 0, 0, time.UTC)
	if l.IsWithinWindow(winter) {
		t.Fatalf("07:30 UTC in January should be outside a 09:00 Berlin window")
	}
	if !l.IsWithinWindow(summer) {
		t.Fatalf("07:30 UTC in July should be inside a 09:00 Berlin window")
	}
}

func TestFromConfig(t *testing.T) {
	cfg, err := FromConfig(config.ThrottleConfig{
		MinDelayMs: 1000,
		MaxDelayMs: 2000,
		MaxPerHour: 10,
		Window:     config.WindowConfig{Enabled: true, Start: "06:00", End: "22:30", Timezone: "UTC"},
	})
	if err != nil {
		t.Fatalf("FromConfig error: %v", err)
	}
	if cfg.Window == nil || cfg.Window.End != 22*time.Hour+30*time.Minute {
		t.Fatalf("unexpected window: %+v", cfg.Window)
	}
	if cfg.MinDelay != time.Second || cfg.MaxDelay != 2*time.Second {
		t.Fatalf("unexpected delays: %v %v", cfg.MinDelay, cfg.MaxDelay)
	}
}
