// Package memstore is an in-process job store. It backs the orchestrator
// in tests and in single-node deployments without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"harvest/internal/jobs"
	"harvest/internal/model"
)

type item struct {
	rec       model.ProgressRecord
	claimedAt *time.Time
}

// Store implements jobs.Store in memory.
type Store struct {
	claimTTL time.Duration

	mu    sync.Mutex
	jobs  map[uuid.UUID]*model.Job
	items map[uuid.UUID][]*item
}

var _ jobs.Store = (*Store)(nil)

// New returns an empty store. Claims older than claimTTL may be claimed
// again; zero means claims never expire.
func New(claimTTL time.Duration) *Store {
	return &Store{
		claimTTL: claimTTL,
		jobs:     make(map[uuid.UUID]*model.Job),
		items:    make(map[uuid.UUID][]*item),
	}
}

func (s *Store) CreateJob(_ context.Context, job *model.Job, identifiers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	list := make([]*item, 0, len(identifiers))
	seen := make(map[string]struct{}, len(identifiers))
	for i, id := range identifiers {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate item %q", id)
		}
		seen[id] = struct{}{}
		list = append(list, &item{rec: model.ProgressRecord{
			JobID:   job.ID,
			Item:    id,
			Ordinal: i + 1,
			Status:  model.ItemPending,
		}})
	}
	j := job.Clone()
	s.jobs[job.ID] = &j
	s.items[job.ID] = list
	return nil
}

func (s *Store) LoadJob(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	out := j.Clone()
	return &out, nil
}

func (s *Store) UpdateJobCounters(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, job.ID)
	}
	j := job.Clone()
	j.CreatedAt = cur.CreatedAt
	s.jobs[job.ID] = &j
	return nil
}

func (s *Store) ClaimNextBatch(_ context.Context, jobID uuid.UUID, size int, now time.Time) ([]jobs.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if size <= 0 {
		return nil, nil
	}

	var eligible []*item
	for _, it := range s.items[jobID] {
		if it.rec.Status != model.ItemPending || it.rec.Attempts >= j.MaxAttempts {
			continue
		}
		if it.claimedAt != nil && (s.claimTTL <= 0 || now.Sub(*it.claimedAt) < s.claimTTL) {
			continue
		}
		eligible = append(eligible, it)
	}
	sort.SliceStable(eligible, func(a, b int) bool {
		if eligible[a].rec.Attempts != eligible[b].rec.Attempts {
			return eligible[a].rec.Attempts < eligible[b].rec.Attempts
		}
		return eligible[a].rec.Ordinal < eligible[b].rec.Ordinal
	})
	if len(eligible) > size {
		eligible = eligible[:size]
	}

	claims := make([]jobs.Claim, 0, len(eligible))
	for _, it := range eligible {
		at := now
		it.claimedAt = &at
		claims = append(claims, jobs.Claim{Item: it.rec.Item, Ordinal: it.rec.Ordinal, Attempts: it.rec.Attempts})
	}
	return claims, nil
}

func (s *Store) RecordOutcome(_ context.Context, jobID uuid.UUID, identifier string, out jobs.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items[jobID] {
		if it.rec.Item != identifier {
			continue
		}
		it.rec.Status = out.Status
		it.rec.Attempts++
		it.rec.LastError = out.Error
		it.rec.DurationMs = out.Duration.Milliseconds()
		it.rec.Result = append([]byte(nil), out.Result...)
		it.rec.CompletedAt = nil
		if out.Status != model.ItemPending {
			at := out.At
			it.rec.CompletedAt = &at
		}
		it.claimedAt = nil
		return nil
	}
	return fmt.Errorf("item %q not found in job %s", identifier, jobID)
}

func (s *Store) ReleaseClaims(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items[jobID] {
		it.claimedAt = nil
	}
	return nil
}

func (s *Store) CountItems(_ context.Context, jobID uuid.UUID) (jobs.ItemCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return jobs.ItemCounts{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	var c jobs.ItemCounts
	for _, it := range s.items[jobID] {
		c.Total++
		switch it.rec.Status {
		case model.ItemPending:
			c.Pending++
		case model.ItemSuccess:
			c.Succeeded++
		case model.ItemFailed:
			c.Failed++
		case model.ItemSkipped:
			c.Skipped++
		}
	}
	return c, nil
}

func (s *Store) LatestResumable(_ context.Context) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.Job
	for _, j := range s.jobs {
		if !interrupted(j) {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, jobs.ErrJobNotFound
	}
	out := latest.Clone()
	return &out, nil
}

func (s *Store) DeleteExpiredJobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if !j.Status.Terminal() {
			continue
		}
		ref := j.CreatedAt
		if j.CompletedAt != nil {
			ref = *j.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

// Items returns a copy of the job's progress records in ordinal order.
func (s *Store) Items(jobID uuid.UUID) []model.ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProgressRecord, 0, len(s.items[jobID]))
	for _, it := range s.items[jobID] {
		rec := it.rec
		rec.Result = append([]byte(nil), it.rec.Result...)
		out = append(out, rec)
	}
	return out
}

// interrupted reports whether the loop, not an operator, last held the
// job: it was mid-run or sitting in an automatic pause.
func interrupted(j *model.Job) bool {
	switch j.Status {
	case model.JobPending, model.JobRunning:
		return true
	case model.JobPaused:
		return j.Reason == model.PauseWindow || j.Reason == model.PauseDailyQuota
	}
	return false
}
