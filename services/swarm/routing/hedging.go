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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Adaptive hedge thresholds. Hedging doubles backend work, so it is
// reserved for important requests on an idle fleet.
const (
	hedgePriorityMin  = 7    // priority at or above this may hedge
	hedgeLoadMax      = 0.5  // fleet load below this may hedge
	noHedgePriority   = 5    // below this, never hedge
	noHedgeLoad       = 0.7  // above this, never hedge
	hedgeFanout       = 2    // k when hedging engages
)

var hedgeRacesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "routing",
	Name:      "hedge_races_total",
	Help:      "Hedged races by outcome.",
}, []string{"outcome"})

// Attempt runs one request against one node and returns its raw result.
// Implementations must honor ctx cancellation promptly: a losing branch
// is cancelled the moment a winner returns.
type Attempt func(ctx context.Context, nodeURL string) (any, error)

// HedgingExecutor races the same logical request across the top-k nodes
// and keeps the first success. Losers are recorded as cancelled so they
// never pollute failure rates.
type HedgingExecutor struct {
	Memory *PerformanceMemory
	Logger *slog.Logger
}

// NewHedgingExecutor wires an executor. Memory may be nil.
func NewHedgingExecutor(mem *PerformanceMemory, logger *slog.Logger) *HedgingExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HedgingExecutor{Memory: mem, Logger: logger}
}

// ChooseK picks the fan-out adaptively:
//
//	force            → 2
//	load > 0.7       → 1
//	priority < 5     → 1
//	priority ≥ 7 and load < 0.5 → 2
//	otherwise        → 1
func (h *HedgingExecutor) ChooseK(priority int, fleetLoad float64, force bool) int {
	if force {
		return hedgeFanout
	}
	if fleetLoad > noHedgeLoad || priority < noHedgePriority {
		return 1
	}
	if priority >= hedgePriorityMin && fleetLoad < hedgeLoadMax {
		return hedgeFanout
	}
	return 1
}

type raceOutcome struct {
	nodeURL  string
	result   any
	err      error
	duration time.Duration
}

// Race launches attempt on up to k of the given nodes (best first) and
// returns the first success along with the winning node URL. Every
// launched branch produces exactly one PerformanceRecord: the winner as
// a success, losers as cancelled, outright failures as failures.
func (h *HedgingExecutor) Race(ctx context.Context, nodes []string, attempt Attempt, k int, total time.Duration, taskType TaskType, model string) (any, string, error) {
	if len(nodes) == 0 {
		return nil, "", fmt.Errorf("hedged race: no candidate nodes")
	}
	if k < 1 {
		k = 1
	}
	if k > len(nodes) {
		k = len(nodes)
	}

	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	outcomes := make(chan raceOutcome, k)
	for _, node := range nodes[:k] {
		go func() {
			start := time.Now()
			result, err := attempt(ctx, node)
			outcomes <- raceOutcome{node, result, err, time.Since(start)}
		}()
	}

	var lastErr error
	for i := 0; i < k; i++ {
		select {
		case out := <-outcomes:
			if out.err == nil {
				cancel() // losers see cancellation immediately
				h.record(out, taskType, model, true, false)
				h.drainLosers(outcomes, k-i-1, taskType, model)
				hedgeRacesTotal.WithLabelValues("won").Inc()
				if k > 1 {
					h.Logger.Debug("hedge race won",
						slog.String("node", out.nodeURL),
						slog.Duration("duration", out.duration),
					)
				}
				return out.result, out.nodeURL, nil
			}
			// Losing to cancellation is bookkeeping, not failure.
			cancelled := ctx.Err() != nil && i > 0
			h.record(out, taskType, model, false, cancelled)
			lastErr = out.err
		case <-ctx.Done():
			hedgeRacesTotal.WithLabelValues("timeout").Inc()
			return nil, "", fmt.Errorf("hedged race timed out after %s: %w", total, ctx.Err())
		}
	}
	hedgeRacesTotal.WithLabelValues("failed").Inc()
	return nil, "", fmt.Errorf("all %d hedged attempts failed: %w", k, lastErr)
}

// drainLosers collects the remaining branches in the background and
// records them as cancelled, so Race can return without waiting.
func (h *HedgingExecutor) drainLosers(outcomes chan raceOutcome, remaining int, taskType TaskType, model string) {
	if remaining <= 0 {
		return
	}
	go func() {
		for i := 0; i < remaining; i++ {
			out := <-outcomes
			h.record(out, taskType, model, false, true)
		}
	}()
}

func (h *HedgingExecutor) record(out raceOutcome, taskType TaskType, model string, success, cancelled bool) {
	if h.Memory == nil {
		return
	}
	h.Memory.Record(PerformanceRecord{
		NodeURL:    out.nodeURL,
		TaskType:   taskType,
		Model:      model,
		DurationMS: float64(out.duration.Milliseconds()),
		Success:    success,
		Cancelled:  cancelled,
	})
}
