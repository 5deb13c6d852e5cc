// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MergeStrategy selects how fan-out results are combined.
type MergeStrategy string

const (
	// MergeCollect returns results in task order, no combination.
	MergeCollect MergeStrategy = "collect"
	// MergeDeep deep-merges the JSON outputs; arrays concatenate and
	// dedupe, conflicting scalars keep the highest-priority agent's.
	MergeDeep MergeStrategy = "merge"
	// MergeVote majority-votes on one nominated field.
	MergeVote MergeStrategy = "vote"
	// MergeBest keeps the single highest-quality result.
	MergeBest MergeStrategy = "best"
)

// defaultPoolSize bounds fan-out concurrency when the caller does not.
const defaultPoolSize = 10

var executorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "agent",
	Name:      "executor_runs_total",
	Help:      "Parallel fan-outs by merge strategy.",
}, []string{"strategy"})

// RunStats summarizes one fan-out.
type RunStats struct {
	WallClockMS  float64
	TotalTaskMS  float64
	SpeedupFactor float64
	Succeeded    int
	Failed       int
}

// Outcome is a completed fan-out: per-task results in submission order,
// the strategy's merged document, and timing stats.
type Outcome struct {
	Results []Result
	Merged  map[string]any
	Stats   RunStats
}

// ParallelExecutor fans tasks across the fleet. Each task routes
// independently; one task failing never cancels its peers, only the
// caller's deadline does.
type ParallelExecutor struct {
	Runtime  *Runtime
	PoolSize int
	// VoteField is the envelope data key MergeVote counts. Defaults to
	// "answer".
	VoteField string
	Logger    *slog.Logger
}

// NewParallelExecutor wires an executor over a runtime.
func NewParallelExecutor(rt *Runtime, logger *slog.Logger) *ParallelExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParallelExecutor{Runtime: rt, PoolSize: defaultPoolSize, VoteField: "answer", Logger: logger}
}

// Run executes the tasks with bounded concurrency min(len, pool) and
// merges per the strategy.
func (e *ParallelExecutor) Run(ctx context.Context, tasks []Task, strategy MergeStrategy) (*Outcome, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("parallel run: no tasks")
	}
	executorRunsTotal.WithLabelValues(string(strategy)).Inc()

	pool := e.PoolSize
	if pool <= 0 {
		pool = defaultPoolSize
	}
	if pool > len(tasks) {
		pool = len(tasks)
	}

	start := time.Now()
	results := make([]Result, len(tasks))
	sem := make(chan struct{}, pool)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.Runtime.Execute(ctx, task)
		}()
	}
	wg.Wait()
	wall := time.Since(start)

	stats := RunStats{WallClockMS: float64(wall.Milliseconds())}
	for _, res := range results {
		stats.TotalTaskMS += res.DurationMS
		if res.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
	if stats.WallClockMS > 0 {
		stats.SpeedupFactor = stats.TotalTaskMS / stats.WallClockMS
	}

	outcome := &Outcome{Results: results, Stats: stats}
	switch strategy {
	case MergeCollect, "":
		// Results already in task order; nothing to combine.
	case MergeDeep:
		outcome.Merged = e.deepMerge(tasks, results)
	case MergeVote:
		outcome.Merged = e.vote(results)
	case MergeBest:
		outcome.Merged = e.best(results)
	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	e.Logger.Debug("parallel run complete",
		slog.Int("tasks", len(tasks)),
		slog.String("strategy", string(strategy)),
		slog.Float64("speedup", stats.SpeedupFactor),
	)
	return outcome, nil
}

// deepMerge folds the successful JSON outputs together in ascending
// task priority, so the highest-priority agent's scalars win conflicts.
func (e *ParallelExecutor) deepMerge(tasks []Task, results []Result) map[string]any {
	type prioritized struct {
		priority int
		data     map[string]any
	}
	var docs []prioritized
	for i, res := range results {
		if !res.Success || res.Envelope.Format != FormatJSON {
			continue
		}
		docs = append(docs, prioritized{tasks[i].Priority, res.Envelope.Data})
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].priority < docs[j].priority })

	merged := make(map[string]any)
	for _, doc := range docs {
		mergeInto(merged, doc.data)
	}
	return merged
}

func mergeInto(dst, src map[string]any) {
	for key, sv := range src {
		dv, exists := dst[key]
		if !exists {
			dst[key] = sv
			continue
		}
		switch sTyped := sv.(type) {
		case map[string]any:
			if dTyped, ok := dv.(map[string]any); ok {
				mergeInto(dTyped, sTyped)
				continue
			}
			dst[key] = sv
		case []any:
			if dTyped, ok := dv.([]any); ok {
				dst[key] = dedupeConcat(dTyped, sTyped)
				continue
			}
			dst[key] = sv
		default:
			// Scalar conflict: later (higher-priority) writer wins.
			dst[key] = sv
		}
	}
}

func dedupeConcat(a, b []any) []any {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, v := range append(append([]any(nil), a...), b...) {
		key := fmt.Sprintf("%v", v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// vote majority-votes on the nominated field across successful results.
// Ties break on the static priority of the node that produced the vote.
func (e *ParallelExecutor) vote(results []Result) map[string]any {
	field := e.VoteField
	if field == "" {
		field = "answer"
	}

	counts := make(map[string]int)
	bestPriority := make(map[string]int)
	for _, res := range results {
		if !res.Success || res.Envelope.Format != FormatJSON {
			continue
		}
		v, ok := res.Envelope.Data[field]
		if !ok {
			continue
		}
		key := fmt.Sprintf("%v", v)
		counts[key]++
		if p := e.nodePriority(res.NodeURL); p > bestPriority[key] {
			bestPriority[key] = p
		}
	}
	if len(counts) == 0 {
		return map[string]any{"field": field, "winner": nil, "votes": 0}
	}

	var winner string
	for key := range counts {
		if winner == "" {
			winner = key
			continue
		}
		switch {
		case counts[key] > counts[winner]:
			winner = key
		case counts[key] == counts[winner] && bestPriority[key] > bestPriority[winner]:
			winner = key
		case counts[key] == counts[winner] && bestPriority[key] == bestPriority[winner] && key < winner:
			// Fully tied: deterministic pick.
			winner = key
		}
	}
	return map[string]any{"field": field, "winner": winner, "votes": counts[winner], "tally": counts}
}

func (e *ParallelExecutor) nodePriority(nodeURL string) int {
	if e.Runtime == nil || e.Runtime.Balancer == nil || e.Runtime.Balancer.Registry == nil {
		return 0
	}
	if node, ok := e.Runtime.Balancer.Registry.NodeByURL(nodeURL); ok {
		return node.Priority
	}
	return 0
}

// best keeps the single highest-quality result: structured beats text,
// then the richest narrative wins.
func (e *ParallelExecutor) best(results []Result) map[string]any {
	bestIdx := -1
	bestScore := -1.0
	for i, res := range results {
		if !res.Success {
			continue
		}
		score := 0.0
		if res.Envelope.Format == FormatJSON {
			score += 0.5
		}
		narrative := ExtractNarrative(res.Envelope.Data)
		score += float64(len(narrative)) / 10000
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return nil
	}
	return results[bestIdx].Envelope.Data
}
