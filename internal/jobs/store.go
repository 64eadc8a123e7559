package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"harvest/internal/model"
)

var (
	ErrJobActive     = errors.New("a job is already active")
	ErrNoActiveJob   = errors.New("no active job")
	ErrJobNotFound   = errors.New("job not found")
	ErrNotResumable  = errors.New("job cannot be resumed")
	ErrInvalidConfig = errors.New("invalid job configuration")
	ErrPersistence   = errors.New("persistence failure")
	ErrNoItems       = errors.New("no items to process")
	ErrTooManyItems  = errors.New("too many items")
)

// Claim is one leased item handed to the control loop.
type Claim struct {
	Item     string
	Ordinal  int
	Attempts int
}

// Outcome is the result of one fetch attempt. Status is ItemPending when
// the failure will be retried.
type Outcome struct {
	Status   model.ItemStatus
	Duration time.Duration
	Error    string
	Result   json.RawMessage
	At       time.Time
}

// ItemCounts are the authoritative per-status item totals of a job.
type ItemCounts struct {
	Total     int
	Pending   int
	Succeeded int
	Failed    int
	Skipped   int
}

// Processed is the number of items in a final state.
func (c ItemCounts) Processed() int { return c.Succeeded + c.Failed + c.Skipped }

// Store persists jobs and their per-item progress.
type Store interface {
	// CreateJob inserts the job and one pending item per identifier in a
	// single transaction.
	CreateJob(ctx context.Context, job *model.Job, items []string) error
	LoadJob(ctx context.Context, id uuid.UUID) (*model.Job, error)
	UpdateJobCounters(ctx context.Context, job *model.Job) error

	// ClaimNextBatch leases up to size pending items whose attempts are
	// below the job's max attempts, ordered by attempts then ordinal.
	ClaimNextBatch(ctx context.Context, jobID uuid.UUID, size int, now time.Time) ([]Claim, error)
	// RecordOutcome stores the outcome, increments attempts and clears
	// the lease in one statement.
	RecordOutcome(ctx context.Context, jobID uuid.UUID, item string, out Outcome) error
	ReleaseClaims(ctx context.Context, jobID uuid.UUID) error
	CountItems(ctx context.Context, jobID uuid.UUID) (ItemCounts, error)

	// LatestResumable returns the newest job a previous process left
	// mid-run, or ErrJobNotFound.
	LatestResumable(ctx context.Context) (*model.Job, error)
	DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error)
}
