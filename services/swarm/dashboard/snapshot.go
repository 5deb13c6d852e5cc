// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dashboard exposes the fleet's state over HTTP: a pull-based
// snapshot, node management routes, and a WebSocket event stream.
package dashboard

import (
	"time"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

// Host status values. Degraded means healthy but slow or flaky.
const (
	HostHealthy  = "healthy"
	HostDegraded = "degraded"
	HostOffline  = "offline"
)

// Degradation thresholds.
const (
	degradedLatencyMS   = 1000.0
	degradedSuccessRate = 0.9
)

// HostReport is one node's line in the snapshot.
type HostReport struct {
	Host        string  `json:"host"`
	Status      string  `json:"status"`
	LatencyMS   float64 `json:"latency_ms"`
	SuccessRate float64 `json:"success_rate"`
	Load        float64 `json:"load"`
	GPUMB       int     `json:"gpu_mb"`
}

// RPCHostReport is one sharding backend's line.
type RPCHostReport struct {
	Cluster string `json:"cluster"`
	Backend string `json:"backend"`
	Model   string `json:"model"`
	Layers  int    `json:"layers"`
	Status  string `json:"status"`
}

// Alert flags a host needing attention.
type Alert struct {
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the full dashboard state, assembled on demand. Refresh is
// strictly pull-based; nothing in the core runs a timer for it.
type Snapshot struct {
	Status struct {
		Healthy        bool `json:"healthy"`
		AvailableHosts int  `json:"available_hosts"`
		TotalHosts     int  `json:"total_hosts"`
	} `json:"status"`
	Performance struct {
		AvgLatencyMS     float64 `json:"avg_latency_ms"`
		AvgSuccessRate   float64 `json:"avg_success_rate"`
		TotalGPUMemoryMB int     `json:"total_gpu_memory_mb"`
	} `json:"performance"`
	Hosts    []HostReport    `json:"hosts"`
	RPCHosts []RPCHostReport `json:"rpc_hosts"`
	Alerts   []Alert         `json:"alerts"`
	Routing  struct {
		PatternsAvailable int `json:"patterns_available"`
		TaskTypesLearned  int `json:"task_types_learned"`
	} `json:"routing"`
}

// Collector assembles snapshots from the live registry and routing
// state. Patterns may be nil.
type Collector struct {
	Registry *cluster.Registry
	Patterns *routing.PatternCache
}

// Snapshot builds one point-in-time view of the fleet.
func (c *Collector) Snapshot() Snapshot {
	var snap Snapshot
	now := time.Now()

	nodes := c.Registry.Nodes()
	snap.Status.TotalHosts = len(nodes)

	var latencySum, successSum float64
	var measured int
	for _, node := range nodes {
		ns := node.Snapshot()
		report := HostReport{
			Host:        ns.URL,
			Status:      hostStatus(ns),
			LatencyMS:   ns.Metrics.AvgLatencyMS,
			SuccessRate: ns.SuccessRate,
			Load:        ns.LoadScore,
			GPUMB:       ns.Capabilities.GPUMemoryMB,
		}
		snap.Hosts = append(snap.Hosts, report)

		if report.Status != HostOffline {
			snap.Status.AvailableHosts++
			snap.Performance.TotalGPUMemoryMB += ns.Capabilities.GPUMemoryMB
		}
		if ns.Metrics.TotalRequests > 0 {
			latencySum += ns.Metrics.AvgLatencyMS
			successSum += ns.SuccessRate
			measured++
		}

		switch report.Status {
		case HostOffline:
			snap.Alerts = append(snap.Alerts, Alert{
				Severity:  "critical",
				Message:   "host offline: " + ns.URL,
				Timestamp: now,
			})
		case HostDegraded:
			snap.Alerts = append(snap.Alerts, Alert{
				Severity:  "warning",
				Message:   "host degraded: " + ns.URL,
				Timestamp: now,
			})
		}
	}
	snap.Status.Healthy = snap.Status.AvailableHosts > 0
	if measured > 0 {
		snap.Performance.AvgLatencyMS = latencySum / float64(measured)
		snap.Performance.AvgSuccessRate = successSum / float64(measured)
	}

	for _, cl := range c.Registry.Clusters() {
		status := HostHealthy
		if !cl.Healthy() {
			status = HostOffline
		}
		for _, b := range cl.Backends {
			snap.RPCHosts = append(snap.RPCHosts, RPCHostReport{
				Cluster: cl.Name,
				Backend: b.Addr(),
				Model:   cl.Model,
				Layers:  b.Layers,
				Status:  status,
			})
		}
	}

	snap.Routing.PatternsAvailable = len(c.Patterns.Patterns())
	snap.Routing.TaskTypesLearned = c.Patterns.TaskTypesLearned()
	return snap
}

func hostStatus(ns cluster.Snapshot) string {
	if !ns.Metrics.IsHealthy {
		return HostOffline
	}
	if ns.Metrics.AvgLatencyMS > degradedLatencyMS || ns.SuccessRate < degradedSuccessRate {
		return HostDegraded
	}
	return HostHealthy
}
