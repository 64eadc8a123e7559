package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the control API and the job loop.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	fetchesTotal  = make(map[string]int64)
	fetchMsSum    int64
	fetchMsCount  int64
	breakerTrips  int64
	waitsTotal    = make(map[string]int64)
	waitSecondsAt = make(map[string]float64)

	retentionJobsDeleted int64

	jobGauges = make(map[string]float64)
	jobHealth string
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordFetch counts one fetch attempt by outcome ("success", "skipped",
// or the failure kind) and records its duration.
func RecordFetch(outcome string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()
	fetchesTotal[outcome]++
	fetchMsSum += durationMs
	fetchMsCount++
}

// RecordBreakerTrip counts circuit breaker trips.
func RecordBreakerTrip() {
	mu.Lock()
	defer mu.Unlock()
	breakerTrips++
}

// RecordWait counts a throttling wait by reason and accumulates its
// planned length.
func RecordWait(reason string, seconds float64) {
	mu.Lock()
	defer mu.Unlock()
	waitsTotal[reason]++
	waitSecondsAt[reason] += seconds
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

// SetJobGauges replaces the gauges describing the active job.
func SetJobGauges(health string, values map[string]float64) {
	mu.Lock()
	defer mu.Unlock()
	jobHealth = health
	jobGauges = make(map[string]float64, len(values))
	for k, v := range values {
		jobGauges[k] = v
	}
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP harvest_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE harvest_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		fmt.Fprintf(&b, "harvest_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP harvest_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE harvest_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP harvest_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE harvest_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "harvest_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "harvest_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	// Fetch metrics
	b.WriteString("# HELP harvest_fetches_total Fetch attempts by outcome\n")
	b.WriteString("# TYPE harvest_fetches_total counter\n")
	for _, o := range sortedKeys(fetchesTotal) {
		fmt.Fprintf(&b, "harvest_fetches_total{outcome=\"%s\"} %d\n", o, fetchesTotal[o])
	}
	b.WriteString("# HELP harvest_fetch_duration_ms_sum Total fetch duration in milliseconds\n")
	b.WriteString("# TYPE harvest_fetch_duration_ms_sum counter\n")
	fmt.Fprintf(&b, "harvest_fetch_duration_ms_sum %d\n", fetchMsSum)
	b.WriteString("# HELP harvest_fetch_duration_ms_count Fetch count for latency metric\n")
	b.WriteString("# TYPE harvest_fetch_duration_ms_count counter\n")
	fmt.Fprintf(&b, "harvest_fetch_duration_ms_count %d\n", fetchMsCount)

	b.WriteString("# HELP harvest_breaker_trips_total Circuit breaker trips\n")
	b.WriteString("# TYPE harvest_breaker_trips_total counter\n")
	fmt.Fprintf(&b, "harvest_breaker_trips_total %d\n", breakerTrips)

	b.WriteString("# HELP harvest_waits_total Throttling waits by reason\n")
	b.WriteString("# TYPE harvest_waits_total counter\n")
	for _, r := range sortedKeys(waitsTotal) {
		fmt.Fprintf(&b, "harvest_waits_total{reason=\"%s\"} %d\n", r, waitsTotal[r])
	}
	b.WriteString("# HELP harvest_wait_seconds_total Planned throttling wait time by reason\n")
	b.WriteString("# TYPE harvest_wait_seconds_total counter\n")
	var reasons []string
	for r := range waitSecondsAt {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&b, "harvest_wait_seconds_total{reason=\"%s\"} %g\n", r, waitSecondsAt[r])
	}

	// Retention metrics
	b.WriteString("# HELP harvest_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE harvest_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "harvest_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	// Active job gauges
	if jobHealth != "" {
		b.WriteString("# HELP harvest_job_health Health classification of the active job\n")
		b.WriteString("# TYPE harvest_job_health gauge\n")
		fmt.Fprintf(&b, "harvest_job_health{status=\"%s\"} 1\n", jobHealth)
	}
	var gauges []string
	for g := range jobGauges {
		gauges = append(gauges, g)
	}
	sort.Strings(gauges)
	for _, g := range gauges {
		fmt.Fprintf(&b, "# TYPE harvest_job_%s gauge\n", g)
		fmt.Fprintf(&b, "harvest_job_%s %g\n", g, jobGauges[g])
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
