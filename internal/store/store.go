// Package store is the Postgres implementation of jobs.Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"harvest/internal/jobs"
	"harvest/internal/model"
)

// neverExpires stands in for a claim TTL of zero.
const neverExpires = 100 * 365 * 24 * time.Hour

// Store wraps access to the database through a shared *sql.DB.
type Store struct {
	DB       *sql.DB
	claimTTL time.Duration
}

var _ jobs.Store = (*Store)(nil)

// New creates a Store on a shared, pooled *sql.DB. Claims older than
// claimTTL are treated as abandoned.
func New(database *sql.DB, claimTTL time.Duration) *Store {
	if claimTTL <= 0 {
		claimTTL = neverExpires
	}
	return &Store{DB: database, claimTTL: claimTTL}
}

// Open opens a pgx-backed pool for dsn.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

const jobColumns = `id, status, pause_reason, error, total_items, processed, succeeded, failed, skipped,
	batch_size, max_attempts, current_batch, total_batches, created_at, started_at, completed_at,
	paused_at, last_activity_at, avg_item_ms, total_requests, recent_errors, consecutive_failures,
	circuit_open, circuit_opened_at, circuit_trips, hourly_requests, hourly_reset_at,
	daily_requests, daily_reset_at`

// CreateJob inserts the job row and its items in one transaction.
func (s *Store) CreateJob(ctx context.Context, job *model.Job, items []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO harvest_jobs (id, status, total_items, batch_size, max_attempts, total_batches, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, string(job.Status), job.TotalItems, job.BatchSize, job.MaxAttempts, job.TotalBatches, job.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO harvest_job_items (job_id, item, ordinal)
		SELECT $1, t.item, t.ord
		FROM unnest($2::text[]) WITH ORDINALITY AS t(item, ord)`,
		job.ID, pq.Array(items),
	)
	if err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != int64(len(items)) {
		return fmt.Errorf("insert items: wrote %d of %d rows", n, len(items))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM harvest_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	return job, err
}

func (s *Store) UpdateJobCounters(ctx context.Context, job *model.Job) error {
	recent, err := jsonColumn(job.RecentErrors)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE harvest_jobs SET
			status = $2, pause_reason = $3, error = $4,
			total_items = $5, processed = $6, succeeded = $7, failed = $8, skipped = $9,
			current_batch = $10, started_at = $11, completed_at = $12, paused_at = $13,
			last_activity_at = $14, avg_item_ms = $15, total_requests = $16, recent_errors = $17,
			consecutive_failures = $18, circuit_open = $19, circuit_opened_at = $20, circuit_trips = $21,
			hourly_requests = $22, hourly_reset_at = $23, daily_requests = $24, daily_reset_at = $25
		WHERE id = $1`,
		job.ID, string(job.Status), string(job.Reason), job.Error,
		job.TotalItems, job.Processed, job.Succeeded, job.Failed, job.Skipped,
		job.CurrentBatch, nullTime(job.StartedAt), nullTime(job.CompletedAt), nullTime(job.PausedAt),
		nullTime(job.LastActivityAt), job.AvgItemMs, job.TotalRequests, recent,
		job.ConsecutiveFailures, job.CircuitOpen, nullTime(job.CircuitOpenedAt), job.CircuitTrips,
		job.HourlyRequests, zeroNull(job.HourlyResetAt), job.DailyRequests, zeroNull(job.DailyResetAt),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, job.ID)
	}
	return nil
}

// ClaimNextBatch leases pending items with SKIP LOCKED so a second
// claimant of the same job never receives the same rows.
func (s *Store) ClaimNextBatch(ctx context.Context, jobID uuid.UUID, size int, now time.Time) ([]jobs.Claim, error) {
	if size <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		UPDATE harvest_job_items AS i
		SET claimed_at = $3
		FROM (
			SELECT ji.item
			FROM harvest_job_items ji
			JOIN harvest_jobs j ON j.id = ji.job_id
			WHERE ji.job_id = $1
			  AND ji.status = 'pending'
			  AND ji.attempts < j.max_attempts
			  AND (ji.claimed_at IS NULL OR ji.claimed_at < $4)
			ORDER BY ji.attempts, ji.ordinal
			LIMIT $2
			FOR UPDATE OF ji SKIP LOCKED
		) AS c
		WHERE i.job_id = $1 AND i.item = c.item
		RETURNING i.item, i.ordinal, i.attempts`,
		jobID, size, now, now.Add(-s.claimTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	defer rows.Close()

	var claims []jobs.Claim
	for rows.Next() {
		var c jobs.Claim
		if err := rows.Scan(&c.Item, &c.Ordinal, &c.Attempts); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(claims, func(a, b int) bool {
		if claims[a].Attempts != claims[b].Attempts {
			return claims[a].Attempts < claims[b].Attempts
		}
		return claims[a].Ordinal < claims[b].Ordinal
	})
	return claims, nil
}

func (s *Store) RecordOutcome(ctx context.Context, jobID uuid.UUID, item string, out jobs.Outcome) error {
	var completed sql.NullTime
	if out.Status != model.ItemPending {
		completed = sql.NullTime{Time: out.At, Valid: true}
	}
	result := pqtype.NullRawMessage{RawMessage: out.Result, Valid: len(out.Result) > 0}

	res, err := s.DB.ExecContext(ctx, `
		UPDATE harvest_job_items
		SET status = $3, attempts = attempts + 1, last_error = $4, duration_ms = $5,
		    completed_at = $6, result = $7, claimed_at = NULL
		WHERE job_id = $1 AND item = $2`,
		jobID, item, string(out.Status), out.Error, out.Duration.Milliseconds(), completed, result,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record outcome: item %q not found in job %s", item, jobID)
	}
	return nil
}

func (s *Store) ReleaseClaims(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE harvest_job_items SET claimed_at = NULL WHERE job_id = $1 AND claimed_at IS NOT NULL`, jobID)
	if err != nil {
		return fmt.Errorf("release claims: %w", err)
	}
	return nil
}

func (s *Store) CountItems(ctx context.Context, jobID uuid.UUID) (jobs.ItemCounts, error) {
	var c jobs.ItemCounts
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COUNT(*) FILTER (WHERE status = 'skipped')
		FROM harvest_job_items
		WHERE job_id = $1`, jobID,
	).Scan(&c.Total, &c.Pending, &c.Succeeded, &c.Failed, &c.Skipped)
	if err != nil {
		return jobs.ItemCounts{}, fmt.Errorf("count items: %w", err)
	}
	return c, nil
}

// LatestResumable returns the newest job left running, pending, or in an
// automatic pause.
func (s *Store) LatestResumable(ctx context.Context) (*model.Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM harvest_jobs
		WHERE status IN ('pending', 'running')
		   OR (status = 'paused' AND pause_reason IN ('window', 'daily_quota'))
		ORDER BY created_at DESC
		LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	return job, err
}

// DeleteExpiredJobs removes finished jobs that ended before cutoff. Item
// rows go with them through the foreign key cascade.
func (s *Store) DeleteExpiredJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM harvest_jobs
		WHERE status IN ('completed', 'failed', 'stopped')
		  AND COALESCE(completed_at, created_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks database connectivity for deep health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                                            model.Job
		status, reason                               string
		started, completed, paused, active, openedAt sql.NullTime
		hourlyReset, dailyReset                      sql.NullTime
		recent                                       pqtype.NullRawMessage
	)
	err := row.Scan(
		&j.ID, &status, &reason, &j.Error, &j.TotalItems, &j.Processed, &j.Succeeded, &j.Failed, &j.Skipped,
		&j.BatchSize, &j.MaxAttempts, &j.CurrentBatch, &j.TotalBatches, &j.CreatedAt, &started, &completed,
		&paused, &active, &j.AvgItemMs, &j.TotalRequests, &recent, &j.ConsecutiveFailures,
		&j.CircuitOpen, &openedAt, &j.CircuitTrips, &j.HourlyRequests, &hourlyReset,
		&j.DailyRequests, &dailyReset,
	)
	if err != nil {
		return nil, err
	}

	j.Status = model.JobStatus(status)
	j.Reason = model.PauseReason(reason)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.PausedAt = timePtr(paused)
	j.LastActivityAt = timePtr(active)
	j.CircuitOpenedAt = timePtr(openedAt)
	if hourlyReset.Valid {
		j.HourlyResetAt = hourlyReset.Time
	}
	if dailyReset.Valid {
		j.DailyResetAt = dailyReset.Time
	}
	if recent.Valid && len(recent.RawMessage) > 0 {
		if err := json.Unmarshal(recent.RawMessage, &j.RecentErrors); err != nil {
			return nil, fmt.Errorf("decode recent_errors: %w", err)
		}
	}
	return &j, nil
}

func jsonColumn(v []string) (pqtype.NullRawMessage, error) {
	if len(v) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("encode recent_errors: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func zeroNull(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
