package health

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"harvest/internal/model"
)

var now = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

func runningJob() *model.Job {
	return &model.Job{
		ID:             uuid.New(),
		Status:         model.JobRunning,
		TotalItems:     100,
		Processed:      10,
		Succeeded:      9,
		Failed:         1,
		AvgItemMs:      500,
		HourlyRequests: 12,
		HourlyResetAt:  now.Add(-10 * time.Minute),
		DailyRequests:  40,
		DailyResetAt:   now.Add(-5 * time.Hour),
	}
}

func TestCompute_NoJobIsStopped(t *testing.T) {
	s := Compute(nil, now, Thresholds{})
	if s.Status != Stopped {
		t.Fatalf("expected stopped, got %s", s.Status)
	}
	if s.SuccessRate != 100 {
		t.Fatalf("expected 100%% success rate with nothing processed, got %v", s.SuccessRate)
	}
}

func TestCompute_Classification(t *testing.T) {
	th := Thresholds{LowSuccessRate: 0.8}

	cases := []struct {
		name   string
		mutate func(j *model.Job)
		want   Status
		text   string
	}{
		{"healthy", func(j *model.Job) {}, Healthy, ""},
		{"breaker open", func(j *model.Job) { j.CircuitOpen = true }, Critical, "circuit breaker open"},
		{"failed", func(j *model.Job) { j.Status = model.JobFailed; j.Error = "db down" }, Critical, "job failed: db down"},
		{"paused window", func(j *model.Job) { j.Status = model.JobPaused; j.Reason = model.PauseWindow }, Degraded, "outside allowed window"},
		{"paused quota", func(j *model.Job) { j.Status = model.JobPaused; j.Reason = model.PauseDailyQuota }, Degraded, "daily quota exhausted"},
		{"low rate", func(j *model.Job) { j.Succeeded = 5; j.Failed = 5 }, Degraded, "low success rate"},
		{"completed", func(j *model.Job) { j.Status = model.JobCompleted }, Stopped, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := runningJob()
			tc.mutate(j)
			s := Compute(j, now, th)
			if s.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, s.Status)
			}
			if tc.text == "" {
				return
			}
			all := strings.Join(append(append([]string{}, s.Warnings...), s.Errors...), "|")
			if !strings.Contains(all, tc.text) {
				t.Fatalf("expected %q in warnings/errors, got %q", tc.text, all)
			}
		})
	}
}

func TestCompute_SuccessRateAndETA(t *testing.T) {
	j := runningJob()
	s := Compute(j, now, Thresholds{LowSuccessRate: 0.8, MeanDelay: 1500 * time.Millisecond})

	if s.SuccessRate != 90 {
		t.Fatalf("expected 90%% success rate, got %v", s.SuccessRate)
	}
	// 90 remaining items at 0.5s fetch + 1.5s delay each.
	if s.ETASeconds != 180 {
		t.Fatalf("expected eta 180s, got %d", s.ETASeconds)
	}
	if s.ETA == nil || !s.ETA.Equal(now.Add(180*time.Second)) {
		t.Fatalf("unexpected eta timestamp %v", s.ETA)
	}
}

func TestCompute_RequestCountersRespectBoundaries(t *testing.T) {
	j := runningJob()
	j.HourlyResetAt = now.Add(-2 * time.Hour)
	j.DailyResetAt = now.Add(-24 * time.Hour)

	s := Compute(j, now, Thresholds{})
	if s.RequestsLastHour != 0 || s.RequestsLastDay != 0 {
		t.Fatalf("expected stale counters to read as zero, got hour=%d day=%d", s.RequestsLastHour, s.RequestsLastDay)
	}

	j = runningJob()
	s = Compute(j, now, Thresholds{MaxPerHour: 13})
	if s.RequestsLastHour != 12 || s.RequestsLastDay != 40 {
		t.Fatalf("unexpected counters hour=%d day=%d", s.RequestsLastHour, s.RequestsLastDay)
	}
	if !strings.Contains(strings.Join(s.Warnings, "|"), "approaching hourly quota") {
		t.Fatalf("expected hourly quota warning, got %v", s.Warnings)
	}
}

func TestCompute_ListsRecentErrors(t *testing.T) {
	j := runningJob()
	j.RecentErrors = []string{"a", "b", "c", "d"}

	s := Compute(j, now, Thresholds{})
	if len(s.Errors) != 3 || s.Errors[0] != "b" || s.Errors[2] != "d" {
		t.Fatalf("expected last three errors, got %v", s.Errors)
	}
}

type failingSink struct{}

func (failingSink) Publish(context.Context, Snapshot) error { return errors.New("sink down") }

func TestReporterTickPublishes(t *testing.T) {
	mem := NewMemorySink()
	j := runningJob()
	r := NewReporter(func(ctx context.Context) Snapshot {
		return Compute(j, now, Thresholds{})
	}, MultiSink{mem, MetricsSink{}}, time.Second, nil)

	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	got, ok := mem.Latest()
	if !ok {
		t.Fatalf("expected snapshot in memory sink")
	}
	if got.JobID != j.ID.String() {
		t.Fatalf("unexpected job id %q", got.JobID)
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	mem := NewMemorySink()
	err := MultiSink{failingSink{}, mem}.Publish(context.Background(), Idle(now))
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if _, ok := mem.Latest(); !ok {
		t.Fatalf("expected remaining sinks to receive the snapshot")
	}
}

func TestRedisSink(t *testing.T) {
	url := os.Getenv("HARVEST_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HARVEST_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	prefix := "harvest:test:" + uuid.NewString()
	j := runningJob()
	if err := NewRedisSink(rdb, prefix, time.Minute).Publish(ctx, Compute(j, now, Thresholds{})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	raw, err := rdb.Get(ctx, prefix+":job:"+j.ID.String()).Bytes()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Processed != 10 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}
