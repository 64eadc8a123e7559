// Package jobs drives a harvest job: it persists the item list, claims
// batches, paces fetches through the rate limiter and the circuit
// breaker, and checkpoints progress so a job survives restarts.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"harvest/internal/config"
	"harvest/internal/fetch"
	"harvest/internal/health"
	"harvest/internal/model"
	"harvest/internal/ratelimit"
)

// Orchestrator runs at most one job at a time.
type Orchestrator struct {
	root    context.Context
	cfg     *config.Config
	store   Store
	fetcher fetch.Fetcher
	clock   Clock
	rnd     *rand.Rand
	logger  *slog.Logger

	mu     sync.Mutex
	active *Handle
	wg     sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(c Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithRand fixes the source used for delay sampling.
func WithRand(r *rand.Rand) Option { return func(o *Orchestrator) { o.rnd = r } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New builds an orchestrator. Runs live until root is cancelled, not
// until the context of the call that started them ends.
func New(root context.Context, cfg *config.Config, st Store, f fetch.Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		root:    root,
		cfg:     cfg,
		store:   st,
		fetcher: f,
		clock:   realClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start persists a new job over items and begins processing it.
// Duplicate and blank identifiers are dropped.
func (o *Orchestrator) Start(ctx context.Context, items []string) (*Handle, error) {
	lcfg, err := o.limiterConfig()
	if err != nil {
		return nil, err
	}

	items = normalizeItems(items)
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	if limit := o.cfg.Job.MaxItems; limit > 0 && len(items) > limit {
		return nil, fmt.Errorf("%w: %d items exceeds the limit of %d", ErrTooManyItems, len(items), limit)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && o.active.live() {
		return nil, fmt.Errorf("%w: %s", ErrJobActive, o.active.ID())
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := &model.Job{
		ID:           id,
		Status:       model.JobPending,
		TotalItems:   len(items),
		BatchSize:    o.cfg.Job.BatchSize,
		MaxAttempts:  o.cfg.Job.MaxAttempts,
		TotalBatches: model.TotalBatchesFor(len(items), o.cfg.Job.BatchSize),
		CreatedAt:    o.clock.Now(),
	}
	if err := o.store.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("%w: create job: %w", ErrPersistence, err)
	}
	o.logger.Info("job_created", "job_id", job.ID, "items", job.TotalItems, "batches", job.TotalBatches)

	return o.launch(job, lcfg), nil
}

// Resume wakes a paused live run, or reloads the job from the store and
// starts a new run for it.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID) (*Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h := o.active; h != nil && h.live() {
		if id != uuid.Nil && h.ID() != id {
			return nil, fmt.Errorf("%w: %s", ErrJobActive, h.ID())
		}
		h.Resume()
		return h, nil
	}
	if id == uuid.Nil {
		return nil, ErrNoActiveJob
	}

	lcfg, err := o.limiterConfig()
	if err != nil {
		return nil, err
	}
	job, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Resumable() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotResumable, id, job.Status)
	}
	return o.launch(job, lcfg), nil
}

// ResumeInterrupted picks up the newest job that a previous process left
// mid-run. It returns nil when there is nothing to resume.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context) (*Handle, error) {
	job, err := o.store.LatestResumable(ctx)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.logger.Info("job_resume_on_boot", "job_id", job.ID, "status", job.Status)
	return o.Resume(ctx, job.ID)
}

// Pause asks the live run to pause. uuid.Nil addresses whichever job is
// live.
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID) (model.Job, error) {
	if h := o.live(id); h != nil {
		h.Pause()
		return h.Snapshot(), nil
	}
	if id == uuid.Nil {
		return model.Job{}, ErrNoActiveJob
	}
	job, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if job.Status == model.JobPaused {
		return *job, nil
	}
	return model.Job{}, fmt.Errorf("%w: job %s is %s", ErrNoActiveJob, id, job.Status)
}

// Stop asks the live run to stop. A job that is not live but was left
// unfinished is marked stopped directly in the store.
func (o *Orchestrator) Stop(ctx context.Context, id uuid.UUID) (model.Job, error) {
	// Held across the store write so a concurrent Resume cannot launch the
	// job between the liveness check and the update.
	o.mu.Lock()
	defer o.mu.Unlock()
	if h := o.active; h != nil && h.live() && (id == uuid.Nil || h.ID() == id) {
		h.Stop()
		return h.Snapshot(), nil
	}
	if id == uuid.Nil {
		return model.Job{}, ErrNoActiveJob
	}

	job, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	switch job.Status {
	case model.JobStopped:
		return *job, nil
	case model.JobPending, model.JobRunning, model.JobPaused:
	default:
		return model.Job{}, fmt.Errorf("%w: job %s is %s", ErrNoActiveJob, id, job.Status)
	}
	now := o.clock.Now()
	job.Status = model.JobStopped
	job.Reason = model.PauseNone
	job.CompletedAt = &now
	job.LastActivityAt = &now
	if err := o.store.UpdateJobCounters(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("%w: stop job: %w", ErrPersistence, err)
	}
	o.logger.Info("job_stopped", "job_id", job.ID, "live", false)
	return *job, nil
}

// Job returns the live view of a running job or the stored record.
func (o *Orchestrator) Job(ctx context.Context, id uuid.UUID) (model.Job, error) {
	if h := o.current(id); h != nil {
		return h.Snapshot(), nil
	}
	if id == uuid.Nil {
		return model.Job{}, ErrNoActiveJob
	}
	job, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	return *job, nil
}

// Status returns the health snapshot of a job. uuid.Nil reports on the
// most recent run of this process, or the idle snapshot when there is
// none.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (health.Snapshot, error) {
	now := o.clock.Now()
	if id == uuid.Nil {
		return o.Current(ctx), nil
	}
	job, err := o.Job(ctx, id)
	if err != nil {
		return health.Snapshot{}, err
	}
	return health.Compute(&job, now, o.Thresholds()), nil
}

// Current is the snapshot source for the health reporter.
func (o *Orchestrator) Current(context.Context) health.Snapshot {
	now := o.clock.Now()
	h := o.current(uuid.Nil)
	if h == nil {
		return health.Idle(now)
	}
	job := h.Snapshot()
	return health.Compute(&job, now, o.Thresholds())
}

// Active returns the live run, or nil.
func (o *Orchestrator) Active() *Handle {
	return o.live(uuid.Nil)
}

// Wait blocks until every run goroutine has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Thresholds are the health settings derived from the config.
func (o *Orchestrator) Thresholds() health.Thresholds {
	t := o.cfg.Throttle
	loc, err := time.LoadLocation(t.Window.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return health.Thresholds{
		LowSuccessRate: o.cfg.Health.LowSuccessRate,
		MaxPerHour:     t.MaxPerHour,
		MaxPerDay:      t.MaxPerDay,
		MeanDelay:      (t.MinDelay() + t.MaxDelay()) / 2,
		Loc:            loc,
	}
}

func (o *Orchestrator) limiterConfig() (ratelimit.Config, error) {
	if err := o.cfg.ValidateJob(); err != nil {
		return ratelimit.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	lcfg, err := ratelimit.FromConfig(o.cfg.Throttle)
	if err != nil {
		return ratelimit.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return lcfg, nil
}

// launch must be called with o.mu held.
func (o *Orchestrator) launch(job *model.Job, lcfg ratelimit.Config) *Handle {
	h := newHandle(job)
	o.active = h
	r := newRun(o, h, job, lcfg)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		h.finish(r.execute(o.root))
	}()
	return h
}

// live returns the running handle when it matches id.
func (o *Orchestrator) live(id uuid.UUID) *Handle {
	h := o.current(id)
	if h == nil || !h.live() {
		return nil
	}
	return h
}

// current returns the most recent handle, live or finished, when it
// matches id.
func (o *Orchestrator) current(id uuid.UUID) *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := o.active
	if h == nil || (id != uuid.Nil && h.ID() != id) {
		return nil
	}
	return h
}

func normalizeItems(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
