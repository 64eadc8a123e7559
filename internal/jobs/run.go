package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"harvest/internal/breaker"
	"harvest/internal/fetch"
	"harvest/internal/metrics"
	"harvest/internal/model"
	"harvest/internal/ratelimit"
)

// exitTimeout bounds the final checkpoint written after shutdown.
const exitTimeout = 5 * time.Second

// errInterrupted ends a batch early without failing the job.
var errInterrupted = errors.New("interrupted")

// run is the state of one pass of the control loop over a job. Only the
// goroutine executing it touches these fields.
type run struct {
	o       *Orchestrator
	h       *Handle
	job     *model.Job
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	logger  *slog.Logger

	sinceCheckpoint int
}

func newRun(o *Orchestrator, h *Handle, job *model.Job, lcfg ratelimit.Config) *run {
	bc := o.cfg.Breaker
	return &run{
		o:       o,
		h:       h,
		job:     job,
		limiter: ratelimit.New(lcfg, o.rnd),
		breaker: breaker.New(bc.Threshold, bc.Cooldown(), bc.HalfOpenProbe),
		logger:  o.logger.With("job_id", job.ID),
	}
}

func (r *run) execute(ctx context.Context) error {
	if err := r.prepare(ctx); err != nil {
		return r.fail(ctx, err)
	}
	for {
		done, err := r.step(ctx)
		if err != nil {
			return r.fail(ctx, err)
		}
		if done {
			return nil
		}
	}
}

// prepare drops leases left by a previous process, reloads the job and
// moves it to running.
func (r *run) prepare(ctx context.Context) error {
	if err := r.o.store.ReleaseClaims(ctx, r.job.ID); err != nil {
		return persistErr("release claims", err)
	}
	if err := r.reload(ctx); err != nil {
		return err
	}

	from := r.job.Status
	now := r.o.clock.Now()
	r.job.Status = model.JobRunning
	r.job.Reason = model.PauseNone
	r.job.PausedAt = nil
	r.job.CompletedAt = nil
	r.job.Error = ""
	if r.job.StartedAt == nil {
		r.job.StartedAt = &now
	}
	r.job.LastActivityAt = &now
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.logger.Info("job_started", "from", from, "processed", r.job.Processed, "total", r.job.TotalItems)
	return nil
}

// reload replaces the in-memory job with the stored one and rebuilds the
// limiter and breaker from it. Item counters come from the item rows.
func (r *run) reload(ctx context.Context) error {
	job, err := r.o.store.LoadJob(ctx, r.job.ID)
	if err != nil {
		return persistErr("load job", err)
	}
	counts, err := r.o.store.CountItems(ctx, job.ID)
	if err != nil {
		return persistErr("count items", err)
	}
	job.TotalItems = counts.Total
	job.Succeeded = counts.Succeeded
	job.Failed = counts.Failed
	job.Skipped = counts.Skipped
	job.Processed = counts.Processed()
	r.job = job

	r.limiter.Restore(ratelimit.Counters{
		Hourly:        job.HourlyRequests,
		HourlyResetAt: job.HourlyResetAt,
		Daily:         job.DailyRequests,
		DailyResetAt:  job.DailyResetAt,
	})
	var openedAt time.Time
	if job.CircuitOpenedAt != nil {
		openedAt = *job.CircuitOpenedAt
	}
	r.breaker.Restore(job.CircuitOpen, job.ConsecutiveFailures, openedAt, job.CircuitTrips)
	// The last recorded activity is never earlier than the last dispatch,
	// so the delay floor holds across runs of the same job.
	if job.LastActivityAt != nil {
		r.limiter.MarkDispatched(*job.LastActivityAt)
	}
	r.limiter.Tick(r.o.clock.Now())
	r.sync()
	r.h.publish(r.job)
	return nil
}

// step runs one pass of the gate sequence. It reports done when the run
// goroutine should exit.
func (r *run) step(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		r.exitCheckpoint(ctx)
		r.logger.Info("job_interrupted", "processed", r.job.Processed)
		return true, nil
	}

	switch r.h.control() {
	case controlStop:
		return true, r.finish(ctx, model.JobStopped)
	case controlPause:
		return false, r.pauseManual(ctx)
	}

	now := r.o.clock.Now()
	r.limiter.Tick(now)

	if r.limiter.WindowEnforced() && !r.limiter.IsWithinWindow(now) {
		return false, r.autoPause(ctx, model.PauseWindow, r.limiter.TimeUntilWindowOpens(now))
	}
	if r.limiter.DailyExhausted() {
		return false, r.autoPause(ctx, model.PauseDailyQuota, r.limiter.UntilNextDay(now))
	}
	if r.job.Status == model.JobPaused {
		// An automatic pause whose reason no longer holds.
		if err := r.setRunning(ctx); err != nil {
			return false, err
		}
	}
	if r.limiter.HourlyExhausted() {
		d := r.limiter.UntilNextHour(now)
		r.logger.Info("hourly_quota_wait", "wait", d.String(), "hourly", r.limiter.Counters().Hourly)
		metrics.RecordWait("hourly_quota", d.Seconds())
		r.sleep(ctx, d)
		return false, nil
	}
	if wait, open := r.breaker.ShouldWait(now); open {
		if wait > 0 {
			r.logger.Info("breaker_wait", "wait", wait.String(), "failures", r.breaker.ConsecutiveFailures())
			metrics.RecordWait("breaker", wait.Seconds())
			if !r.sleep(ctx, wait) {
				return false, nil
			}
		}
		r.breaker.Recover()
		r.logger.Info("breaker_recovered", "state", r.breaker.State())
		return false, r.checkpoint(ctx)
	}

	size := r.job.BatchSize
	if rem := r.limiter.Remaining(); rem >= 0 && rem < size {
		size = rem
	}
	if r.breaker.Probing() {
		size = 1
	}
	claims, err := r.o.store.ClaimNextBatch(ctx, r.job.ID, size, now)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, persistErr("claim batch", err)
	}
	if len(claims) == 0 {
		return true, r.finish(ctx, model.JobCompleted)
	}
	return false, r.processBatch(ctx, claims)
}

func (r *run) processBatch(ctx context.Context, claims []Claim) error {
	r.job.CurrentBatch++
	r.logger.Info("batch_claimed", "batch", r.job.CurrentBatch, "size", len(claims), "first", claims[0].Item)

	for i, c := range claims {
		if !r.limiter.LastDispatch().IsZero() {
			d := r.limiter.Delay(r.o.clock.Now())
			if d > 0 && !r.sleep(ctx, d) {
				return r.abandon(ctx, "interrupted")
			}
		}
		if ctx.Err() != nil || r.h.control() != controlNone {
			return r.abandon(ctx, "interrupted")
		}
		if r.limiter.WindowEnforced() && !r.limiter.IsWithinWindow(r.o.clock.Now()) {
			return r.abandon(ctx, "window_closed")
		}

		tripped, err := r.processItem(ctx, c)
		if errors.Is(err, errInterrupted) {
			return r.abandon(ctx, "interrupted")
		}
		if err != nil {
			return err
		}
		if tripped {
			r.logger.Warn("breaker_tripped",
				"failures", r.breaker.ConsecutiveFailures(),
				"trips", r.breaker.Trips(),
				"abandoned", len(claims)-i-1)
			metrics.RecordBreakerTrip()
			return r.abandon(ctx, "breaker_tripped")
		}

		r.sinceCheckpoint++
		if every := r.o.cfg.Job.CheckpointEvery; every > 0 && r.sinceCheckpoint >= every {
			if err := r.checkpoint(ctx); err != nil {
				r.logger.Warn("checkpoint_failed", "error", err)
			}
		}
	}
	return r.checkpoint(ctx)
}

// processItem fetches one claimed item and records the outcome. It
// reports whether the outcome tripped the breaker.
func (r *run) processItem(ctx context.Context, c Claim) (bool, error) {
	start := r.o.clock.Now()
	r.limiter.MarkDispatched(start)
	r.limiter.RecordRequest(start)

	rec, ferr := r.o.fetcher.Fetch(ctx, c.Item)
	end := r.o.clock.Now()
	dur := end.Sub(start)

	r.job.TotalRequests++
	r.job.AvgItemMs += (float64(dur.Milliseconds()) - r.job.AvgItemMs) / float64(r.job.TotalRequests)
	r.job.LastActivityAt = &end

	if ferr != nil && ctx.Err() != nil {
		return false, errInterrupted
	}

	out := Outcome{Duration: dur, At: end}
	label := "success"
	ok := true
	switch {
	case ferr == nil:
		out.Status = model.ItemSuccess
		payload, err := json.Marshal(rec)
		if err != nil {
			return false, fmt.Errorf("encode record %s: %w", c.Item, err)
		}
		out.Result = payload
	case errors.Is(ferr, fetch.ErrNotAvailable) || fetch.KindOf(ferr).NotAvailable():
		out.Status = model.ItemSkipped
		out.Error = ferr.Error()
		label = "skipped"
	default:
		kind := fetch.KindOf(ferr)
		ok = false
		label = string(kind)
		out.Error = ferr.Error()
		out.Status = model.ItemPending
		if c.Attempts+1 >= r.job.MaxAttempts {
			out.Status = model.ItemFailed
		}
		r.job.PushError(fmt.Sprintf("%s: %s: %s", c.Item, kind, ferr), r.o.cfg.Job.RecentErrors)
		r.logger.Warn("item_failed",
			"item", c.Item,
			"kind", kind,
			"attempt", c.Attempts+1,
			"final", out.Status == model.ItemFailed,
			"error", ferr)
	}

	if err := r.o.store.RecordOutcome(ctx, r.job.ID, c.Item, out); err != nil {
		if ctx.Err() != nil {
			return false, errInterrupted
		}
		return false, persistErr("record outcome", err)
	}
	metrics.RecordFetch(label, dur.Milliseconds())

	switch out.Status {
	case model.ItemSuccess:
		r.job.Succeeded++
		r.job.Processed++
	case model.ItemSkipped:
		r.job.Skipped++
		r.job.Processed++
	case model.ItemFailed:
		r.job.Failed++
		r.job.Processed++
	}

	tripped := r.breaker.RecordOutcome(ok, end)
	r.sync()
	r.h.publish(r.job)
	return tripped, nil
}

// abandon releases the rest of the batch and checkpoints.
func (r *run) abandon(ctx context.Context, reason string) error {
	if ctx.Err() != nil {
		// step writes the exit checkpoint.
		return nil
	}
	if err := r.o.store.ReleaseClaims(ctx, r.job.ID); err != nil {
		return persistErr("release claims", err)
	}
	r.logger.Info("batch_abandoned", "reason", reason, "batch", r.job.CurrentBatch)
	return r.checkpoint(ctx)
}

func (r *run) pauseManual(ctx context.Context) error {
	if r.job.Status != model.JobPaused || r.job.Reason != model.PauseManual {
		if err := r.setPaused(ctx, model.PauseManual); err != nil {
			return err
		}
		r.logger.Info("job_paused", "reason", model.PauseManual, "processed", r.job.Processed)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-r.h.signal:
	}
	if r.h.control() != controlNone {
		return nil
	}

	// The process may have restarted or the store may have been edited
	// while the job sat paused.
	if err := r.reload(ctx); err != nil {
		return err
	}
	r.logger.Info("job_resumed", "processed", r.job.Processed)
	return r.setRunning(ctx)
}

func (r *run) autoPause(ctx context.Context, reason model.PauseReason, d time.Duration) error {
	if r.job.Status != model.JobPaused || r.job.Reason != reason {
		if err := r.setPaused(ctx, reason); err != nil {
			return err
		}
		r.logger.Info("job_auto_paused", "reason", reason, "wait", d.String())
		metrics.RecordWait(string(reason), d.Seconds())
	}
	if !r.sleep(ctx, d) {
		return nil
	}
	r.limiter.Tick(r.o.clock.Now())
	r.logger.Info("job_auto_resumed", "reason", reason)
	return r.setRunning(ctx)
}

func (r *run) setPaused(ctx context.Context, reason model.PauseReason) error {
	if r.job.Status != model.JobPaused {
		if err := r.transition(model.JobPaused); err != nil {
			return err
		}
		now := r.o.clock.Now()
		r.job.PausedAt = &now
	}
	r.job.Reason = reason
	return r.checkpoint(ctx)
}

func (r *run) setRunning(ctx context.Context) error {
	if r.job.Status == model.JobRunning {
		return nil
	}
	if err := r.transition(model.JobRunning); err != nil {
		return err
	}
	r.job.Reason = model.PauseNone
	r.job.PausedAt = nil
	return r.checkpoint(ctx)
}

// finish moves the job to a terminal state and writes it.
func (r *run) finish(ctx context.Context, status model.JobStatus) error {
	if status == model.JobStopped && r.job.Status == model.JobPaused {
		r.job.Reason = model.PauseNone
	}
	if err := r.transition(status); err != nil {
		return err
	}
	if status == model.JobCompleted {
		counts, err := r.o.store.CountItems(ctx, r.job.ID)
		if err != nil {
			return persistErr("count items", err)
		}
		r.job.Succeeded = counts.Succeeded
		r.job.Failed = counts.Failed
		r.job.Skipped = counts.Skipped
		r.job.Processed = counts.Processed()
	}
	now := r.o.clock.Now()
	r.job.CompletedAt = &now
	r.job.LastActivityAt = &now
	r.job.Reason = model.PauseNone
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.logger.Info("job_"+string(status),
		"processed", r.job.Processed,
		"succeeded", r.job.Succeeded,
		"failed", r.job.Failed,
		"skipped", r.job.Skipped,
		"requests", r.job.TotalRequests)
	return nil
}

// fail marks the job failed. Shutdown is not a failure: the job stays
// running so the next process picks it up.
func (r *run) fail(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		r.exitCheckpoint(ctx)
		return nil
	}
	r.logger.Error("job_failed", "error", cause)

	now := r.o.clock.Now()
	r.job.Status = model.JobFailed
	r.job.Reason = model.PauseNone
	r.job.Error = cause.Error()
	r.job.CompletedAt = &now
	r.job.LastActivityAt = &now
	r.sync()
	r.h.publish(r.job)
	if err := r.o.store.UpdateJobCounters(ctx, r.job); err != nil {
		r.logger.Warn("job_failed_not_persisted", "error", err)
	}
	return cause
}

func (r *run) transition(to model.JobStatus) error {
	if !model.CanTransition(r.job.Status, to) {
		return fmt.Errorf("job %s: illegal transition %s -> %s", r.job.ID, r.job.Status, to)
	}
	r.job.Status = to
	return nil
}

// checkpoint writes the job counters.
func (r *run) checkpoint(ctx context.Context) error {
	r.sync()
	if err := r.o.store.UpdateJobCounters(ctx, r.job); err != nil {
		return persistErr("update job", err)
	}
	r.sinceCheckpoint = 0
	r.h.publish(r.job)
	return nil
}

// exitCheckpoint saves progress after the run context is gone.
func (r *run) exitCheckpoint(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitTimeout)
	defer cancel()
	if err := r.o.store.ReleaseClaims(ctx, r.job.ID); err != nil {
		r.logger.Warn("release_claims_failed", "error", err)
	}
	if err := r.checkpoint(ctx); err != nil {
		r.logger.Warn("checkpoint_failed", "error", err)
	}
}

// sync copies limiter and breaker state into the job.
func (r *run) sync() {
	c := r.limiter.Counters()
	r.job.HourlyRequests = c.Hourly
	r.job.HourlyResetAt = c.HourlyResetAt
	r.job.DailyRequests = c.Daily
	r.job.DailyResetAt = c.DailyResetAt

	r.job.ConsecutiveFailures = r.breaker.ConsecutiveFailures()
	r.job.CircuitTrips = r.breaker.Trips()
	r.job.CircuitOpen = r.breaker.State() == breaker.Open
	r.job.CircuitOpenedAt = nil
	if at := r.breaker.OpenedAt(); !at.IsZero() && r.job.CircuitOpen {
		r.job.CircuitOpenedAt = &at
	}
}

// sleep waits for d on the clock. It returns false when a control signal
// or shutdown cut the wait short; signals that leave no control request
// pending do not shorten it.
func (r *run) sleep(ctx context.Context, d time.Duration) bool {
	deadline := r.o.clock.Now().Add(d)
	for {
		remaining := deadline.Sub(r.o.clock.Now())
		if remaining <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.h.signal:
			if r.h.control() != controlNone {
				return false
			}
		case <-r.o.clock.After(remaining):
			return true
		}
	}
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
