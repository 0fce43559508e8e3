package api

import "sync/atomic"

// stats is a small in-process rollup feeding GetMetrics. It is
// intentionally separate from the Prometheus series on /metrics: GetMetrics
// answers "how is the service doing right now" for a single RPC caller,
// not a scrape target.
type stats struct {
	totalExecutions int64
	successes       int64
	totalDurationMs int64
}

func (s *stats) record(success bool, durationMs int64) {
	atomic.AddInt64(&s.totalExecutions, 1)
	if success {
		atomic.AddInt64(&s.successes, 1)
	}
	atomic.AddInt64(&s.totalDurationMs, durationMs)
}

func (s *stats) snapshot() (total, successes int64, avgDurationMs float64) {
	total = atomic.LoadInt64(&s.totalExecutions)
	successes = atomic.LoadInt64(&s.successes)
	durationSum := atomic.LoadInt64(&s.totalDurationMs)
	if total == 0 {
		return 0, 0, 0
	}
	return total, successes, float64(durationSum) / float64(total)
}

// systemHealth classifies success rate per spec §6's GetMetrics thresholds.
func systemHealth(successRate float64, total int64) string {
	if total == 0 {
		return "healthy"
	}
	switch {
	case successRate > 0.95:
		return "healthy"
	case successRate > 0.8:
		return "degraded"
	default:
		return "unhealthy"
	}
}
