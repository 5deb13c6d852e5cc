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
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
)

// Scoring weights. One named set; scattered literals are how the weights
// drift apart between call sites.
const (
	scoreBase = 50.0

	// GPU capability match when the task requires one.
	scoreGPUBonus   = 25.0
	scoreGPUPenalty = 25.0

	// Success rate contributes 20·(rate−0.5), clamped to ±10.
	scoreSuccessWeight = 20.0
	scoreSuccessClamp  = 10.0

	// Latency penalty: avg_ms/50, capped at 20. Replaced by the memory
	// p50 once a bucket has enough samples.
	scoreLatencyDivisor = 50.0
	scoreLatencyCap     = 20.0

	// Load penalty: 20·load_score.
	scoreLoadWeight = 20.0

	// Priority bonus: 2·(node priority − fleet average priority).
	scorePriorityWeight = 2.0
)

var (
	routeDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "routing",
		Name:      "decisions_total",
		Help:      "Routing decisions by task type.",
	}, []string{"task_type"})

	routeScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarm",
		Subsystem: "routing",
		Name:      "decision_score",
		Help:      "Score of the chosen node.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	}, []string{"task_type"})
)

// Decision is the router's output: the chosen node, why, and the ordered
// fallbacks to try if it fails.
type Decision struct {
	NodeURL   string
	Score     float64
	Reasoning string
	Timestamp time.Time
	// Fallbacks holds every other healthy node, best first. Its length
	// is always len(healthy hosts) − 1 at decision time.
	Fallbacks []string
	Context   TaskContext
}

// IntelligentRouter scores node snapshots against a TaskContext. It is
// stateless between calls except for the injected memory.
type IntelligentRouter struct {
	Memory *PerformanceMemory
	Bus    *events.Bus
	Logger *slog.Logger
}

// NewIntelligentRouter wires a router. Memory may be nil (no historical
// substitution); bus may be nil (no events).
func NewIntelligentRouter(mem *PerformanceMemory, bus *events.Bus, logger *slog.Logger) *IntelligentRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntelligentRouter{Memory: mem, Bus: bus, Logger: logger}
}

type scoredHost struct {
	host  cluster.Snapshot
	score float64
	notes []string
}

// Select picks the best healthy host for the context.
//
// Outputs:
//
//	*Decision - Chosen node plus ordered fallbacks and reasoning.
//	error     - Wrapped cluster.ErrNoHealthyNodes when no host is usable.
func (r *IntelligentRouter) Select(ctx context.Context, tc TaskContext, hosts []cluster.Snapshot) (*Decision, error) {
	_, span := otel.Tracer("swarm.routing").Start(ctx, "IntelligentRouter.Select")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_type", string(tc.TaskType)),
		attribute.Bool("requires_gpu", tc.RequiresGPU),
		attribute.Int("candidates", len(hosts)),
	)

	healthy := hosts[:0:0]
	var prioritySum float64
	for _, h := range hosts {
		if !h.Metrics.IsHealthy {
			continue
		}
		healthy = append(healthy, h)
		prioritySum += float64(h.Priority)
	}
	if len(healthy) == 0 {
		err := fmt.Errorf("routing %s task: %w", tc.TaskType, cluster.ErrNoHealthyNodes)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no healthy hosts")
		return nil, err
	}
	avgPriority := prioritySum / float64(len(healthy))

	scored := make([]scoredHost, 0, len(healthy))
	for _, h := range healthy {
		scored = append(scored, r.score(tc, h, avgPriority))
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].host.Priority != scored[j].host.Priority {
			return scored[i].host.Priority > scored[j].host.Priority
		}
		return scored[i].host.URL < scored[j].host.URL
	})

	winner := scored[0]
	fallbacks := make([]string, 0, len(scored)-1)
	for _, s := range scored[1:] {
		fallbacks = append(fallbacks, s.host.URL)
	}

	decision := &Decision{
		NodeURL:   winner.host.URL,
		Score:     winner.score,
		Reasoning: fmt.Sprintf("%s (%.1f): %s", winner.host.URL, winner.score, strings.Join(winner.notes, ", ")),
		Timestamp: time.Now(),
		Fallbacks: fallbacks,
		Context:   tc,
	}

	routeDecisionsTotal.WithLabelValues(string(tc.TaskType)).Inc()
	routeScore.WithLabelValues(string(tc.TaskType)).Observe(winner.score)
	span.SetAttributes(
		attribute.String("chosen", decision.NodeURL),
		attribute.Float64("score", decision.Score),
	)
	r.Logger.Debug("routing decision",
		slog.String("node", decision.NodeURL),
		slog.Float64("score", decision.Score),
		slog.String("task_type", string(tc.TaskType)),
		slog.Int("fallbacks", len(fallbacks)),
	)
	if r.Bus != nil {
		r.Bus.Publish(events.Event{
			Component: "router",
			Level:     events.LevelInfo,
			Type:      events.TypeRouteDecision,
			Message:   decision.Reasoning,
			Details: map[string]any{
				"node":      decision.NodeURL,
				"score":     decision.Score,
				"task_type": string(tc.TaskType),
				"fallbacks": len(fallbacks),
			},
		})
	}
	return decision, nil
}

func (r *IntelligentRouter) score(tc TaskContext, h cluster.Snapshot, avgPriority float64) scoredHost {
	s := scoredHost{host: h}
	score := scoreBase
	note := func(format string, args ...any) {
		s.notes = append(s.notes, fmt.Sprintf(format, args...))
	}

	if tc.RequiresGPU {
		if h.Capabilities.HasGPU {
			score += scoreGPUBonus
			note("gpu +%.0f", scoreGPUBonus)
		} else {
			score -= scoreGPUPenalty
			note("no gpu -%.0f", scoreGPUPenalty)
		}
	}

	successRate := h.SuccessRate
	latencyMS := h.Metrics.AvgLatencyMS

	// With enough history for this exact (node, task, model) bucket,
	// trust the memory over the node's overall averages.
	if r.Memory != nil {
		if stats := r.Memory.Query(h.URL, tc.TaskType, tc.ModelPreference); stats.Sufficient {
			successRate = stats.SuccessRate
			latencyMS = stats.P50MS
			note("memory n=%d", stats.Count)
		}
	}

	successDelta := scoreSuccessWeight * (successRate - 0.5)
	if successDelta > scoreSuccessClamp {
		successDelta = scoreSuccessClamp
	} else if successDelta < -scoreSuccessClamp {
		successDelta = -scoreSuccessClamp
	}
	score += successDelta
	note("success %+.1f", successDelta)

	latencyPenalty := latencyMS / scoreLatencyDivisor
	if latencyPenalty > scoreLatencyCap {
		latencyPenalty = scoreLatencyCap
	}
	score -= latencyPenalty
	note("latency -%.1f", latencyPenalty)

	loadPenalty := scoreLoadWeight * h.LoadScore
	score -= loadPenalty
	note("load -%.1f", loadPenalty)

	priorityBonus := scorePriorityWeight * (float64(h.Priority) - avgPriority)
	score += priorityBonus
	if priorityBonus != 0 {
		note("priority %+.1f", priorityBonus)
	}

	s.score = score
	return s
}
