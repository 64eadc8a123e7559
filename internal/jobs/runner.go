package jobs

import (
	"context"
	"log/slog"
	"time"

	"harvest/internal/config"
)

// RetentionRunner periodically removes expired jobs. It encapsulates the
// cleanup interval so the server only has to start it.
type RetentionRunner struct {
	cfg    *config.Config
	store  Store
	clock  Clock
	logger *slog.Logger
}

// NewRetentionRunner constructs a RetentionRunner with the given
// configuration and store.
func NewRetentionRunner(cfg *config.Config, st Store, logger *slog.Logger) *RetentionRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionRunner{cfg: cfg, store: st, clock: realClock{}, logger: logger}
}

// Start runs the cleanup loop in the current goroutine until ctx is
// done. Callers typically run this in its own goroutine.
func (r *RetentionRunner) Start(ctx context.Context) {
	if !r.cfg.Retention.Enabled {
		return
	}

	interval := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *RetentionRunner) sweep(ctx context.Context) {
	stats, err := CleanupExpiredJobs(ctx, r.cfg, r.store, r.clock.Now())
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("retention_cleanup_failed", "error", err)
		}
		return
	}
	if stats.JobsDeleted > 0 {
		r.logger.Info("retention_cleanup", "jobs_deleted", stats.JobsDeleted, "days", r.cfg.Retention.Days)
	}
}
