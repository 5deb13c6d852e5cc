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

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
)

// LoadBalancer is the routing facade the agent runtime talks to: one
// call in (payload + priority), one placement out, one record back per
// completed inference.
type LoadBalancer struct {
	Registry *cluster.Registry
	Analyzer *Analyzer
	Router   *IntelligentRouter
	Memory   *PerformanceMemory
	Hedging  *HedgingExecutor
	Hybrid   *HybridRouter
	Patterns *PatternCache

	logger *slog.Logger
}

// NewLoadBalancer assembles the full routing stack over a registry.
// coordinator and patterns may be nil (no RPC tier / no persistence).
func NewLoadBalancer(reg *cluster.Registry, coordinator *Coordinator, patterns *PatternCache, bus *events.Bus, logger *slog.Logger) *LoadBalancer {
	if logger == nil {
		logger = slog.Default()
	}
	mem := NewPerformanceMemory()
	return &LoadBalancer{
		Registry: reg,
		Analyzer: &Analyzer{Memory: mem},
		Router:   NewIntelligentRouter(mem, bus, logger),
		Memory:   mem,
		Hedging:  NewHedgingExecutor(mem, logger),
		Hybrid:   NewHybridRouter(reg, coordinator, logger),
		Patterns: patterns,
		logger:   logger,
	}
}

// RouteRequest analyzes the payload and picks a placement. Large models
// route to the sharding coordinator (Ollama request shape preserved);
// everything else goes through intelligent node scoring.
func (lb *LoadBalancer) RouteRequest(ctx context.Context, p Payload, priority int) (*Decision, error) {
	tc := lb.Analyzer.Analyze(p, priority)

	path, err := lb.Hybrid.Route(ctx, p.Model)
	if err != nil {
		return nil, err
	}
	if path.Path == PathCluster {
		return &Decision{
			NodeURL: path.Endpoint,
			Score:   scoreBase,
			Reasoning: fmt.Sprintf("%s: %dB model sharded over RPC cluster",
				path.Endpoint, path.Profile.ParameterBillions),
			Timestamp: time.Now(),
			Context:   tc,
		}, nil
	}

	hosts := lb.snapshots()
	return lb.Router.Select(ctx, tc, hosts)
}

// RecordPerformance closes the loop for one completed call: exactly one
// memory record, one node metric update, and (on success) one pattern
// observation.
func (lb *LoadBalancer) RecordPerformance(d *Decision, duration time.Duration, success bool, callErr error) {
	lb.Memory.Record(PerformanceRecord{
		NodeURL:    d.NodeURL,
		TaskType:   d.Context.TaskType,
		Model:      d.Context.ModelPreference,
		DurationMS: float64(duration.Milliseconds()),
		Success:    success,
	})
	if node, ok := lb.Registry.NodeByURL(d.NodeURL); ok {
		node.RecordOutcome(duration, success, callErr)
	}
	if success {
		lb.Patterns.Observe(d.Context.TaskType, d.Context.ModelPreference,
			d.NodeURL, float64(duration.Milliseconds()))
	}
}

// FleetLoad is the mean load score of the healthy nodes, used by the
// hedging k decision. An empty fleet reports fully loaded.
func (lb *LoadBalancer) FleetLoad() float64 {
	healthy := lb.Registry.HealthyNodes()
	if len(healthy) == 0 {
		return 1.0
	}
	var sum float64
	for _, n := range healthy {
		sum += n.LoadScore()
	}
	return sum / float64(len(healthy))
}

// HedgeK picks the hedging fan-out for a priority at the current fleet
// load.
func (lb *LoadBalancer) HedgeK(priority int, force bool) int {
	return lb.Hedging.ChooseK(priority, lb.FleetLoad(), force)
}

func (lb *LoadBalancer) snapshots() []cluster.Snapshot {
	nodes := lb.Registry.Nodes()
	out := make([]cluster.Snapshot, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	return out
}
