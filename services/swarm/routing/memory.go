// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"sort"
	"sync"
	"time"
)

// ringSize bounds the history kept per (node, task type, model) bucket.
const ringSize = 200

// minSamples is the count below which a bucket reports insufficient
// data and the router falls back to live metrics.
const minSamples = 5

// PerformanceRecord is one completed (or cancelled) inference call.
type PerformanceRecord struct {
	NodeURL    string
	TaskType   TaskType
	Model      string
	DurationMS float64
	Success    bool
	// Cancelled marks hedging losers. Cancelled records are kept for
	// audit but excluded from failure-rate math.
	Cancelled bool
	Timestamp time.Time
}

// BucketStats is the aggregate view of one bucket.
type BucketStats struct {
	Count       int
	P50MS       float64
	P95MS       float64
	SuccessRate float64
	// Sufficient is false while Count < 5; consumers must not trust
	// the percentiles then.
	Sufficient bool
}

// MemorySummary is the fleet-wide rollup for the dashboard.
type MemorySummary struct {
	TotalRecords int
	ByTaskType   map[TaskType]int
	ByModel      map[string]int
	// Buckets with enough samples to influence routing.
	LearnedBuckets int
}

type bucketKey struct {
	nodeURL  string
	taskType TaskType
	model    string
}

// ring is a fixed-size circular buffer of records.
type ring struct {
	records [ringSize]PerformanceRecord
	next    int
	full    bool
}

func (r *ring) add(rec PerformanceRecord) {
	r.records[r.next] = rec
	r.next = (r.next + 1) % ringSize
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) all() []PerformanceRecord {
	n := r.next
	if r.full {
		n = ringSize
	}
	out := make([]PerformanceRecord, n)
	copy(out, r.records[:n])
	return out
}

// PerformanceMemory is the rolling per-(node, task type, model) history
// that feeds adaptive routing. In-memory only: a restart forgets
// everything and the router re-learns from live traffic.
//
// Thread Safety: one mutex guards all buckets; every operation under it
// is O(bucket). Always inject an instance; there is no package global.
type PerformanceMemory struct {
	mu      sync.Mutex
	buckets map[bucketKey]*ring
}

// NewPerformanceMemory creates an empty memory.
func NewPerformanceMemory() *PerformanceMemory {
	return &PerformanceMemory{buckets: make(map[bucketKey]*ring)}
}

// Record appends one sample. Timestamp defaults to now when zero.
func (m *PerformanceMemory) Record(rec PerformanceRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	key := bucketKey{rec.NodeURL, rec.TaskType, rec.Model}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.buckets[key]
	if !ok {
		r = &ring{}
		m.buckets[key] = r
	}
	r.add(rec)
}

// Query aggregates one bucket. Sufficient is false below 5 samples.
// Cancelled records count toward Count but not toward SuccessRate.
func (m *PerformanceMemory) Query(nodeURL string, taskType TaskType, model string) BucketStats {
	m.mu.Lock()
	r, ok := m.buckets[bucketKey{nodeURL, taskType, model}]
	if !ok {
		m.mu.Unlock()
		return BucketStats{}
	}
	records := r.all()
	m.mu.Unlock()

	return aggregate(records)
}

func aggregate(records []PerformanceRecord) BucketStats {
	stats := BucketStats{Count: len(records)}
	if stats.Count == 0 {
		return stats
	}

	durations := make([]float64, 0, len(records))
	completed, succeeded := 0, 0
	for _, rec := range records {
		if rec.Cancelled {
			continue
		}
		durations = append(durations, rec.DurationMS)
		completed++
		if rec.Success {
			succeeded++
		}
	}
	sort.Float64s(durations)
	stats.P50MS = percentile(durations, 0.50)
	stats.P95MS = percentile(durations, 0.95)
	if completed > 0 {
		stats.SuccessRate = float64(succeeded) / float64(completed)
	}
	stats.Sufficient = len(durations) >= minSamples
	return stats
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}

// ObservedThroughput estimates tokens/s for a (task type, model) pair
// across the whole fleet from the p50 of every node's bucket. Returns 0
// when no bucket has enough samples.
func (m *PerformanceMemory) ObservedThroughput(taskType TaskType, model string, outputTokens float64) float64 {
	if outputTokens <= 0 {
		return 0
	}

	m.mu.Lock()
	var durations []float64
	for key, r := range m.buckets {
		if key.taskType != taskType || key.model != model {
			continue
		}
		for _, rec := range r.all() {
			if !rec.Cancelled && rec.Success {
				durations = append(durations, rec.DurationMS)
			}
		}
	}
	m.mu.Unlock()

	if len(durations) < minSamples {
		return 0
	}
	sort.Float64s(durations)
	p50 := percentile(durations, 0.50)
	if p50 <= 0 {
		return 0
	}
	return outputTokens / (p50 / 1000)
}

// Summary rolls the memory up for the dashboard routing block.
func (m *PerformanceMemory) Summary() MemorySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MemorySummary{
		ByTaskType: make(map[TaskType]int),
		ByModel:    make(map[string]int),
	}
	for key, r := range m.buckets {
		records := r.all()
		s.TotalRecords += len(records)
		s.ByTaskType[key.taskType] += len(records)
		s.ByModel[key.model] += len(records)
		if len(records) >= minSamples {
			s.LearnedBuckets++
		}
	}
	return s
}
