// Package health derives point-in-time snapshots of the active job and
// publishes them to monitoring surfaces.
package health

import (
	"fmt"
	"math"
	"time"

	"harvest/internal/model"
)

type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded"
	Critical Status = "critical"
	Stopped  Status = "stopped"
)

// maxListedErrors bounds how many recent item errors a snapshot carries.
const maxListedErrors = 3

// hourlyWarnFraction is the share of the hourly quota after which a
// snapshot warns that the quota is nearly used up.
const hourlyWarnFraction = 0.9

// Thresholds carries the settings a snapshot is judged against.
type Thresholds struct {
	// LowSuccessRate is the low-water mark as a fraction in [0,1].
	LowSuccessRate float64
	MaxPerHour     int
	MaxPerDay      int
	// MeanDelay is the expected pause between dispatches, used for the ETA.
	MeanDelay time.Duration
	// Loc is the zone hour and day boundaries are evaluated in.
	Loc *time.Location
}

// Snapshot is the derived health view of one job.
type Snapshot struct {
	Status      Status            `json:"status"`
	JobID       string            `json:"jobId,omitempty"`
	JobStatus   model.JobStatus   `json:"jobStatus,omitempty"`
	PauseReason model.PauseReason `json:"pauseReason,omitempty"`

	SuccessRate      float64    `json:"successRate"`
	AvgLatencyMs     float64    `json:"avgLatencyMs"`
	RequestsLastHour int        `json:"requestsLastHour"`
	RequestsLastDay  int        `json:"requestsLastDay"`
	ETASeconds       int64      `json:"etaSeconds"`
	ETA              *time.Time `json:"eta,omitempty"`

	BreakerOpen         bool `json:"breakerOpen"`
	ConsecutiveFailures int  `json:"consecutiveFailures"`
	CircuitTrips        int  `json:"circuitTrips"`

	TotalItems   int `json:"totalItems"`
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	CurrentBatch int `json:"currentBatch"`
	TotalBatches int `json:"totalBatches"`

	Warnings    []string  `json:"warnings"`
	Errors      []string  `json:"errors"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Idle is the snapshot reported while no job exists.
func Idle(now time.Time) Snapshot {
	return Snapshot{
		Status:      Stopped,
		SuccessRate: 100,
		Warnings:    []string{},
		Errors:      []string{},
		GeneratedAt: now,
	}
}

// Compute derives a snapshot from job. A nil job yields the idle snapshot.
func Compute(job *model.Job, now time.Time, th Thresholds) Snapshot {
	if job == nil {
		return Idle(now)
	}
	loc := th.Loc
	if loc == nil {
		loc = time.UTC
	}

	s := Snapshot{
		JobID:               job.ID.String(),
		JobStatus:           job.Status,
		PauseReason:         job.Reason,
		SuccessRate:         SuccessRate(job.Succeeded, job.Processed),
		AvgLatencyMs:        round2(job.AvgItemMs),
		BreakerOpen:         job.CircuitOpen,
		ConsecutiveFailures: job.ConsecutiveFailures,
		CircuitTrips:        job.CircuitTrips,
		TotalItems:          job.TotalItems,
		Processed:           job.Processed,
		Succeeded:           job.Succeeded,
		Failed:              job.Failed,
		Skipped:             job.Skipped,
		CurrentBatch:        job.CurrentBatch,
		TotalBatches:        job.TotalBatches,
		Warnings:            []string{},
		Errors:              []string{},
		GeneratedAt:         now,
	}

	t := now.In(loc)
	hourStart := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	if !job.HourlyResetAt.Before(hourStart) {
		s.RequestsLastHour = job.HourlyRequests
	}
	if !job.DailyResetAt.Before(dayStart) {
		s.RequestsLastDay = job.DailyRequests
	}

	if !job.Status.Terminal() {
		perItem := time.Duration(job.AvgItemMs*float64(time.Millisecond)) + th.MeanDelay
		eta := time.Duration(job.Remaining()) * perItem
		s.ETASeconds = int64(math.Ceil(eta.Seconds()))
		at := now.Add(eta)
		s.ETA = &at
	}

	lowRate := job.Processed > 0 && s.SuccessRate < th.LowSuccessRate*100

	if job.CircuitOpen {
		msg := "circuit breaker open"
		if job.CircuitOpenedAt != nil {
			msg = fmt.Sprintf("circuit breaker open since %s", job.CircuitOpenedAt.UTC().Format(time.RFC3339))
		}
		s.Errors = append(s.Errors, msg)
	}
	if job.Status == model.JobFailed {
		msg := "job failed"
		if job.Error != "" {
			msg += ": " + job.Error
		}
		s.Errors = append(s.Errors, msg)
	}
	switch job.Reason {
	case model.PauseWindow:
		s.Warnings = append(s.Warnings, "outside allowed window")
	case model.PauseDailyQuota:
		s.Warnings = append(s.Warnings, "daily quota exhausted")
	case model.PauseManual:
		s.Warnings = append(s.Warnings, "paused by operator")
	}
	if lowRate {
		s.Warnings = append(s.Warnings, fmt.Sprintf("low success rate: %.1f%%", s.SuccessRate))
	}
	if th.MaxPerHour > 0 && float64(s.RequestsLastHour) >= hourlyWarnFraction*float64(th.MaxPerHour) {
		s.Warnings = append(s.Warnings, fmt.Sprintf("approaching hourly quota: %d/%d", s.RequestsLastHour, th.MaxPerHour))
	}
	if !job.CircuitOpen && job.ConsecutiveFailures > 0 {
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d consecutive failures", job.ConsecutiveFailures))
	}
	if n := len(job.RecentErrors); n > 0 {
		from := max(n-maxListedErrors, 0)
		s.Errors = append(s.Errors, job.RecentErrors[from:]...)
	}

	switch {
	case job.CircuitOpen || job.Status == model.JobFailed:
		s.Status = Critical
	case job.Status == model.JobCompleted || job.Status == model.JobStopped:
		s.Status = Stopped
	case job.Status == model.JobPaused || lowRate:
		s.Status = Degraded
	default:
		s.Status = Healthy
	}
	return s
}

// SuccessRate returns succeeded/processed as a percentage, 100 when
// nothing has been processed yet.
func SuccessRate(succeeded, processed int) float64 {
	if processed <= 0 {
		return 100
	}
	return round2(float64(succeeded) / float64(processed) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
