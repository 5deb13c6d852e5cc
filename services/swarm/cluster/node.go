// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cluster owns the backend fleet: individual Ollama nodes, RPC
// sharding clusters, the registry that holds both, CIDR discovery, and
// node-list persistence.
//
// Thread Safety:
//
//	Node metric mutation is serialized by the node's own lock; registry
//	membership changes are serialized by the registry lock. Callers never
//	need additional synchronization.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// latencyEMAAlpha is the smoothing factor for the rolling average latency.
// Higher values weight recent samples more heavily.
const latencyEMAAlpha = 0.3

// maxAcceptableLatencyMS normalizes the latency component of the load
// score: anything at or above 10s counts as fully loaded.
const maxAcceptableLatencyMS = 10000.0

// Capabilities describes the hardware behind one Ollama endpoint. Filled
// best-effort by ProbeCapabilities; zero values mean "unknown".
type Capabilities struct {
	HasGPU        bool     `json:"has_gpu"`
	GPUCount      int      `json:"gpu_count"`
	GPUMemoryMB   int      `json:"gpu_memory_mb"`
	CPUCount      int      `json:"cpu_count"`
	TotalMemoryMB int      `json:"total_memory_mb"`
	ModelsLoaded  []string `json:"models_loaded"`
}

// Metrics is the mutable per-node request bookkeeping. All fields are
// guarded by the owning node's lock; read them through Snapshot.
type Metrics struct {
	TotalRequests   int64     `json:"total_requests"`
	FailedRequests  int64     `json:"failed_requests"`
	AvgLatencyMS    float64   `json:"avg_latency_ms"`
	LastLatencyMS   float64   `json:"last_latency_ms"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	LastError       string    `json:"last_error,omitempty"`
}

// Snapshot is an immutable copy of a node's identity, capabilities, and
// metrics taken at one instant. The router scores snapshots, never live
// nodes, so scoring holds no locks.
type Snapshot struct {
	URL          string
	Name         string
	Priority     int
	Capabilities Capabilities
	Metrics      Metrics
	LoadScore    float64
	SuccessRate  float64
}

// Node is one Ollama-API-compatible HTTP endpoint.
//
// Identity is the canonical URL (scheme+host+port, no trailing slash);
// the registry additionally dedupes by resolved IP. Name and Priority
// are static after construction.
type Node struct {
	URL      string
	Name     string
	Priority int

	mu      sync.Mutex
	caps    Capabilities
	metrics Metrics

	client *http.Client
}

// NewNode creates a node for the given Ollama URL. The node starts
// healthy; the first failed probe flips it. An empty name defaults to
// the URL.
func NewNode(url, name string, priority int) *Node {
	url = strings.TrimRight(url, "/")
	if name == "" {
		name = url
	}
	return &Node{
		URL:      url,
		Name:     name,
		Priority: priority,
		metrics:  Metrics{IsHealthy: true},
		client:   &http.Client{},
	}
}

// tagsResponse is the shape of GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// psResponse is the shape of GET /api/ps (running models).
type psResponse struct {
	Models []struct {
		Name     string `json:"name"`
		Size     int64  `json:"size"`
		SizeVRAM int64  `json:"size_vram"`
	} `json:"models"`
}

// ProbeHealth checks the node by fetching /api/tags.
//
// On success it records the probe latency, refreshes the loaded model
// list, and marks the node healthy. On any failure it marks the node
// unhealthy and caches the error string. Probe errors are never fatal.
//
// Outputs:
//
//	bool - True if the node answered with HTTP 200.
func (n *Node) ProbeHealth(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var tags tagsResponse
	err := n.getJSON(ctx, "/api/tags", &tags)
	elapsed := time.Since(start)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics.LastHealthCheck = time.Now()
	if err != nil {
		n.metrics.IsHealthy = false
		n.metrics.LastError = err.Error()
		return false
	}

	n.metrics.IsHealthy = true
	n.metrics.LastError = ""
	n.metrics.LastLatencyMS = float64(elapsed.Milliseconds())
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	n.caps.ModelsLoaded = models
	return true
}

// ProbeCapabilities fills GPU/CPU fields best-effort from /api/ps: a
// model resident in VRAM implies a GPU. Fields keep conservative
// defaults when the probe fails; the error is not surfaced.
func (n *Node) ProbeCapabilities(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ps psResponse
	err := n.getJSON(ctx, "/api/ps", &ps)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.caps.CPUCount == 0 {
		n.caps.CPUCount = 4
	}
	if n.caps.TotalMemoryMB == 0 {
		n.caps.TotalMemoryMB = 8192
	}
	if err != nil {
		return false
	}
	for _, m := range ps.Models {
		if m.SizeVRAM > 0 {
			n.caps.HasGPU = true
			if n.caps.GPUCount == 0 {
				n.caps.GPUCount = 1
			}
			vramMB := int(m.SizeVRAM / (1024 * 1024))
			if vramMB > n.caps.GPUMemoryMB {
				n.caps.GPUMemoryMB = vramMB
			}
		}
	}
	return true
}

// RecordOutcome folds one completed inference into the node metrics:
// request counters plus the latency EMA. Called exactly once per
// completed call.
func (n *Node) RecordOutcome(duration time.Duration, success bool, err error) {
	ms := float64(duration.Milliseconds())

	n.mu.Lock()
	defer n.mu.Unlock()
	n.metrics.TotalRequests++
	if !success {
		n.metrics.FailedRequests++
		if err != nil {
			n.metrics.LastError = err.Error()
		}
	}
	n.metrics.LastLatencyMS = ms
	if n.metrics.AvgLatencyMS == 0 {
		n.metrics.AvgLatencyMS = ms
	} else {
		n.metrics.AvgLatencyMS = latencyEMAAlpha*ms + (1-latencyEMAAlpha)*n.metrics.AvgLatencyMS
	}
}

// SetCapabilities overrides the probed capabilities. Used by operators
// who know the hardware better than the heuristics do.
func (n *Node) SetCapabilities(caps Capabilities) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.caps = caps
}

// Healthy reports the current health flag.
func (n *Node) Healthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.metrics.IsHealthy
}

// LoadScore computes the derived load in [0,1], lower is better:
// 0.5·failure_rate + 0.5·min(avg_latency/10s, 1). Unhealthy nodes score
// the maximum 1.0 so they sort last everywhere.
func (n *Node) LoadScore() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loadScoreLocked()
}

func (n *Node) loadScoreLocked() float64 {
	if !n.metrics.IsHealthy {
		return 1.0
	}
	var failureRate float64
	if n.metrics.TotalRequests > 0 {
		failureRate = float64(n.metrics.FailedRequests) / float64(n.metrics.TotalRequests)
	}
	latency := n.metrics.AvgLatencyMS / maxAcceptableLatencyMS
	if latency > 1 {
		latency = 1
	}
	return 0.5*failureRate + 0.5*latency
}

// Snapshot copies the node state for lock-free consumption by the
// router and the dashboard.
func (n *Node) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	caps := n.caps
	caps.ModelsLoaded = append([]string(nil), n.caps.ModelsLoaded...)

	successRate := 1.0
	if n.metrics.TotalRequests > 0 {
		successRate = float64(n.metrics.TotalRequests-n.metrics.FailedRequests) /
			float64(n.metrics.TotalRequests)
	}
	return Snapshot{
		URL:          n.URL,
		Name:         n.Name,
		Priority:     n.Priority,
		Capabilities: caps,
		Metrics:      n.metrics,
		LoadScore:    n.loadScoreLocked(),
		SuccessRate:  successRate,
	}
}

// HasModel reports whether the node's last probe saw the given model tag.
func (n *Node) HasModel(model string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.caps.ModelsLoaded {
		if m == model {
			return true
		}
	}
	return false
}

func (n *Node) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.URL+path, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s%s: %w", n.URL, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s%s: status %d", n.URL, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
