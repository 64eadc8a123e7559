package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job is the durable aggregate for one harvest run over a list of item
// identifiers.
type Job struct {
	ID     uuid.UUID   `json:"id"`
	Status JobStatus   `json:"status"`
	Reason PauseReason `json:"pauseReason,omitempty"`
	Error  string      `json:"error,omitempty"`

	TotalItems int `json:"totalItems"`
	Processed  int `json:"processed"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`

	BatchSize    int `json:"batchSize"`
	MaxAttempts  int `json:"maxAttempts"`
	CurrentBatch int `json:"currentBatch"`
	TotalBatches int `json:"totalBatches"`

	CreatedAt      time.Time  `json:"createdAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	PausedAt       *time.Time `json:"pausedAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`

	AvgItemMs     float64  `json:"avgItemMs"`
	TotalRequests int64    `json:"totalRequests"`
	RecentErrors  []string `json:"recentErrors,omitempty"`

	ConsecutiveFailures int        `json:"consecutiveFailures"`
	CircuitOpen         bool       `json:"circuitOpen"`
	CircuitOpenedAt     *time.Time `json:"circuitOpenedAt,omitempty"`
	CircuitTrips        int        `json:"circuitTrips"`

	HourlyRequests int       `json:"hourlyRequests"`
	HourlyResetAt  time.Time `json:"hourlyResetAt"`
	DailyRequests  int       `json:"dailyRequests"`
	DailyResetAt   time.Time `json:"dailyResetAt"`
}

// TotalBatchesFor returns ceil(total / batchSize).
func TotalBatchesFor(total, batchSize int) int {
	if batchSize <= 0 || total <= 0 {
		return 0
	}
	return (total + batchSize - 1) / batchSize
}

// Remaining is the number of items that have not reached a final state.
func (j *Job) Remaining() int {
	if r := j.TotalItems - j.Processed; r > 0 {
		return r
	}
	return 0
}

// Consistent reports whether the processed counter matches its parts.
func (j *Job) Consistent() bool {
	return j.Processed == j.Succeeded+j.Failed+j.Skipped
}

// PushError appends msg to RecentErrors, keeping at most limit entries.
func (j *Job) PushError(msg string, limit int) {
	if limit <= 0 {
		return
	}
	j.RecentErrors = append(j.RecentErrors, msg)
	if over := len(j.RecentErrors) - limit; over > 0 {
		j.RecentErrors = append([]string(nil), j.RecentErrors[over:]...)
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j Job) Clone() Job {
	out := j
	out.RecentErrors = append([]string(nil), j.RecentErrors...)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.PausedAt = cloneTime(j.PausedAt)
	out.LastActivityAt = cloneTime(j.LastActivityAt)
	out.CircuitOpenedAt = cloneTime(j.CircuitOpenedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProgressRecord tracks one item identifier within a job.
type ProgressRecord struct {
	JobID       uuid.UUID       `json:"jobId"`
	Item        string          `json:"item"`
	Ordinal     int             `json:"ordinal"`
	Status      ItemStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}
