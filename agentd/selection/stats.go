package selection

import (
	"sync"
	"time"
)

// histogramBuckets is the consistent confidence partition: half-open buckets
// except the last, which includes 1.0.
var histogramBuckets = []string{"0.0-0.3", "0.3-0.5", "0.5-0.7", "0.7-0.9", "0.9-1.0"}

// Stats collects tool-selection telemetry.
type Stats struct {
	mu sync.RWMutex

	total         int64
	byMethod      map[string]int64
	fallbackCount int64

	confidenceSum float64
	latencySum    time.Duration

	toolFrequency map[string]int64
	histogram     map[string]int64
}

// NewStats creates an empty stats collector.
func NewStats() *Stats {
	return &Stats{
		byMethod:      make(map[string]int64),
		toolFrequency: make(map[string]int64),
		histogram:     make(map[string]int64),
	}
}

// Record tracks one completed selection.
func (s *Stats) Record(method string, avgConfidence float64, latency time.Duration, tools []ScoredTool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.byMethod[method]++
	s.confidenceSum += avgConfidence
	s.latencySum += latency
	for _, t := range tools {
		s.toolFrequency[t.Name]++
	}
	s.histogram[bucketFor(avgConfidence)]++
}

// RecordFallback increments the heuristic-fallback counter.
func (s *Stats) RecordFallback() {
	s.mu.Lock()
	s.fallbackCount++
	s.mu.Unlock()
}

func bucketFor(confidence float64) string {
	switch {
	case confidence < 0.3:
		return histogramBuckets[0]
	case confidence < 0.5:
		return histogramBuckets[1]
	case confidence < 0.7:
		return histogramBuckets[2]
	case confidence < 0.9:
		return histogramBuckets[3]
	default:
		return histogramBuckets[4]
	}
}

// StatsSummary is a point-in-time snapshot of selection telemetry.
type StatsSummary struct {
	Total         int64            `json:"total"`
	ByMethod      map[string]int64 `json:"by_method"`
	FallbackCount int64            `json:"fallback_count"`
	AvgConfidence float64          `json:"avg_confidence"`
	AvgLatency    time.Duration    `json:"avg_latency"`
	ToolFrequency map[string]int64 `json:"tool_frequency"`
	Histogram     map[string]int64 `json:"confidence_histogram"`
}

// Snapshot returns a copy of the collected stats.
func (s *Stats) Snapshot() StatsSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := StatsSummary{
		Total:         s.total,
		ByMethod:      make(map[string]int64, len(s.byMethod)),
		FallbackCount: s.fallbackCount,
		ToolFrequency: make(map[string]int64, len(s.toolFrequency)),
		Histogram:     make(map[string]int64, len(s.histogram)),
	}
	if s.total > 0 {
		summary.AvgConfidence = s.confidenceSum / float64(s.total)
		summary.AvgLatency = s.latencySum / time.Duration(s.total)
	}
	for k, v := range s.byMethod {
		summary.ByMethod[k] = v
	}
	for k, v := range s.toolFrequency {
		summary.ToolFrequency[k] = v
	}
	for k, v := range s.histogram {
		summary.Histogram[k] = v
	}
	return summary
}
