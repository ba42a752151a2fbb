package llm

import (
	"slices"
	"sync"
	"time"
)

// StatsSnapshot aggregates recent model call latencies.
type StatsSnapshot struct {
	Count    int     `json:"count"`
	Failures int     `json:"failures"`
	MinMs    int64   `json:"min_ms"`
	MaxMs    int64   `json:"max_ms"`
	AvgMs    float64 `json:"avg_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
}

type latencySample struct {
	at  time.Time
	ms  int64
	err bool
}

// LatencyStats keeps call latencies for a rolling window.
type LatencyStats struct {
	mu      sync.Mutex
	window  time.Duration
	samples []latencySample
	now     func() time.Time
}

func NewLatencyStats(window time.Duration) *LatencyStats {
	if window <= 0 {
		window = time.Hour
	}
	return &LatencyStats{window: window, now: time.Now}
}

// Record adds a successful call. Negative durations count as zero.
func (s *LatencyStats) Record(ms int64) { s.add(ms, false) }

// RecordFailure counts a failed call; it does not affect percentiles.
func (s *LatencyStats) RecordFailure() { s.add(0, true) }

func (s *LatencyStats) add(ms int64, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.expire(now)
	s.samples = append(s.samples, latencySample{at: now, ms: max(ms, 0), err: failed})
}

func (s *LatencyStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	s.expire(s.now())
	var snap StatsSnapshot
	values := make([]int64, 0, len(s.samples))
	for _, sm := range s.samples {
		if sm.err {
			snap.Failures++
			continue
		}
		values = append(values, sm.ms)
	}
	s.mu.Unlock()

	if len(values) == 0 {
		return snap
	}
	slices.Sort(values)
	var sum int64
	for _, v := range values {
		sum += v
	}
	snap.Count = len(values)
	snap.MinMs = values[0]
	snap.MaxMs = values[len(values)-1]
	snap.AvgMs = float64(sum) / float64(len(values))
	snap.P50Ms = interpolate(values, 50)
	snap.P95Ms = interpolate(values, 95)
	snap.P99Ms = interpolate(values, 99)
	return snap
}

// expire drops samples older than the window. Samples are appended in time
// order, so the expired ones form a prefix.
func (s *LatencyStats) expire(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.samples) && s.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = slices.Delete(s.samples, 0, i)
	}
}

// interpolate returns the pct-th percentile of sorted values using linear
// interpolation between closest ranks.
func interpolate(sorted []int64, pct float64) float64 {
	pos := float64(len(sorted)-1) * pct / 100
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return float64(sorted[len(sorted)-1])
	}
	frac := pos - float64(lo)
	return float64(sorted[lo]) + frac*float64(sorted[lo+1]-sorted[lo])
}
