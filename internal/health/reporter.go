package health

import (
	"context"
	"log/slog"
	"time"
)

// Source produces the current snapshot.
type Source func(ctx context.Context) Snapshot

// Reporter recomputes a snapshot on a fixed interval and publishes it.
type Reporter struct {
	source   Source
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

func NewReporter(source Source, sink Sink, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{source: source, sink: sink, interval: interval, logger: logger}
}

// Tick computes and publishes one snapshot.
func (r *Reporter) Tick(ctx context.Context) (Snapshot, error) {
	s := r.source(ctx)
	err := r.sink.Publish(ctx, s)
	return s, err
}

// Run publishes immediately and then on every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if s, err := r.Tick(ctx); err != nil {
			r.logger.Warn("health_publish_failed", "error", err, "status", s.Status, "job_id", s.JobID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
