package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"harvest/internal/metrics"
)

// Sink receives every snapshot the reporter computes.
type Sink interface {
	Publish(ctx context.Context, s Snapshot) error
}

// MemorySink keeps the latest snapshot for in-process readers such as the
// control API.
type MemorySink struct {
	mu     sync.RWMutex
	latest Snapshot
	set    bool
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Publish(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = s
	m.set = true
	return nil
}

// Latest returns the most recent snapshot and whether one was published.
func (m *MemorySink) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.set
}

// RedisSink stores the snapshot under "<prefix>:current" and
// "<prefix>:job:<id>" with a TTL, and publishes it on "<prefix>:events".
type RedisSink struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisSink(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisSink {
	return &RedisSink{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *RedisSink) Publish(ctx context.Context, s Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.prefix+":current", payload, r.ttl)
	if s.JobID != "" {
		pipe.Set(ctx, r.prefix+":job:"+s.JobID, payload, r.ttl)
	}
	pipe.Publish(ctx, r.prefix+":events", payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish snapshot to redis: %w", err)
	}
	return nil
}

// MetricsSink mirrors snapshots into the /metrics gauges.
type MetricsSink struct{}

func (MetricsSink) Publish(_ context.Context, s Snapshot) error {
	breaker := 0.0
	if s.BreakerOpen {
		breaker = 1
	}
	metrics.SetJobGauges(string(s.Status), map[string]float64{
		"total_items":        float64(s.TotalItems),
		"processed":          float64(s.Processed),
		"succeeded":          float64(s.Succeeded),
		"failed":             float64(s.Failed),
		"skipped":            float64(s.Skipped),
		"success_rate":       s.SuccessRate,
		"avg_latency_ms":     s.AvgLatencyMs,
		"requests_last_hour": float64(s.RequestsLastHour),
		"requests_last_day":  float64(s.RequestsLastDay),
		"eta_seconds":        float64(s.ETASeconds),
		"breaker_open":       breaker,
	})
	return nil
}

// MultiSink fans a snapshot out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, s Snapshot) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
