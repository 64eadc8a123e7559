package jobs

import (
	"context"
	"time"

	"harvest/internal/config"
	"harvest/internal/metrics"
)

// RetentionStats captures the number of records deleted by TTL cleanup.
type RetentionStats struct {
	JobsDeleted int64 `json:"jobsDeleted"`
}

// CleanupExpiredJobs deletes finished jobs older than the retention
// window together with their item rows, so that the database does not
// grow without bound.
func CleanupExpiredJobs(ctx context.Context, cfg *config.Config, st Store, now time.Time) (RetentionStats, error) {
	var stats RetentionStats
	if cfg.Retention.Days <= 0 {
		return stats, nil
	}

	cutoff := now.AddDate(0, 0, -cfg.Retention.Days)
	n, err := st.DeleteExpiredJobs(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	stats.JobsDeleted = n
	metrics.RecordRetentionJobs(n)
	return stats, nil
}
