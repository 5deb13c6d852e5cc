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
	"sync"
	"testing"
)

func record(node string, durMS float64, success bool) PerformanceRecord {
	return PerformanceRecord{
		NodeURL:    node,
		TaskType:   TaskGeneration,
		Model:      "llama3.1:8b",
		DurationMS: durMS,
		Success:    success,
	}
}

func TestMemoryInsufficientBelowFiveSamples(t *testing.T) {
	m := NewPerformanceMemory()
	for i := 0; i < 4; i++ {
		m.Record(record("http://a:11434", 100, true))
	}
	stats := m.Query("http://a:11434", TaskGeneration, "llama3.1:8b")
	if stats.Sufficient {
		t.Error("4 samples reported sufficient")
	}
	if stats.Count != 4 {
		t.Errorf("count = %d, want 4", stats.Count)
	}

	m.Record(record("http://a:11434", 100, true))
	if !m.Query("http://a:11434", TaskGeneration, "llama3.1:8b").Sufficient {
		t.Error("5 samples not reported sufficient")
	}
}

func TestMemoryPercentilesAndSuccessRate(t *testing.T) {
	m := NewPerformanceMemory()
	for i := 1; i <= 10; i++ {
		m.Record(record("http://a:11434", float64(i*100), i <= 8))
	}
	stats := m.Query("http://a:11434", TaskGeneration, "llama3.1:8b")
	if stats.P50MS < 400 || stats.P50MS > 600 {
		t.Errorf("p50 = %v, want near 500", stats.P50MS)
	}
	if stats.P95MS < 900 {
		t.Errorf("p95 = %v, want near the top of the range", stats.P95MS)
	}
	if stats.SuccessRate != 0.8 {
		t.Errorf("success rate = %v, want 0.8", stats.SuccessRate)
	}
}

func TestMemoryCancelledExcludedFromRates(t *testing.T) {
	m := NewPerformanceMemory()
	for i := 0; i < 5; i++ {
		m.Record(record("http://a:11434", 100, true))
	}
	// Hedging losers: cancelled, not failures.
	for i := 0; i < 5; i++ {
		rec := record("http://a:11434", 100, false)
		rec.Cancelled = true
		m.Record(rec)
	}
	stats := m.Query("http://a:11434", TaskGeneration, "llama3.1:8b")
	if stats.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0 with losers excluded", stats.SuccessRate)
	}
	if stats.Count != 10 {
		t.Errorf("count = %d, want 10 (cancelled still counted)", stats.Count)
	}
}

func TestMemoryRingBound(t *testing.T) {
	m := NewPerformanceMemory()
	for i := 0; i < ringSize*2; i++ {
		m.Record(record("http://a:11434", 100, true))
	}
	stats := m.Query("http://a:11434", TaskGeneration, "llama3.1:8b")
	if stats.Count != ringSize {
		t.Errorf("count = %d, want ring bound %d", stats.Count, ringSize)
	}
}

func TestMemoryRingKeepsNewest(t *testing.T) {
	m := NewPerformanceMemory()
	// Fill with slow failures, then overwrite the whole ring with fast
	// successes; the aggregate must reflect only the second wave.
	for i := 0; i < ringSize; i++ {
		m.Record(record("http://a:11434", 5000, false))
	}
	for i := 0; i < ringSize; i++ {
		m.Record(record("http://a:11434", 50, true))
	}
	stats := m.Query("http://a:11434", TaskGeneration, "llama3.1:8b")
	if stats.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0 after overwrite", stats.SuccessRate)
	}
	if stats.P50MS != 50 {
		t.Errorf("p50 = %v, want 50 after overwrite", stats.P50MS)
	}
}

func TestMemorySummary(t *testing.T) {
	m := NewPerformanceMemory()
	for i := 0; i < 6; i++ {
		m.Record(record("http://a:11434", 100, true))
	}
	m.Record(PerformanceRecord{NodeURL: "http://b:11434", TaskType: TaskChat, Model: "mistral:7b", DurationMS: 80, Success: true})

	s := m.Summary()
	if s.TotalRecords != 7 {
		t.Errorf("total = %d, want 7", s.TotalRecords)
	}
	if s.ByTaskType[TaskGeneration] != 6 || s.ByTaskType[TaskChat] != 1 {
		t.Errorf("by task type = %v", s.ByTaskType)
	}
	if s.LearnedBuckets != 1 {
		t.Errorf("learned buckets = %d, want 1", s.LearnedBuckets)
	}
}

func TestMemoryConcurrentRecord(t *testing.T) {
	m := NewPerformanceMemory()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Record(record("http://a:11434", 100, true))
			}
		}()
	}
	wg.Wait()
	if got := m.Query("http://a:11434", TaskGeneration, "llama3.1:8b").Count; got != ringSize {
		t.Errorf("count = %d, want %d", got, ringSize)
	}
}
