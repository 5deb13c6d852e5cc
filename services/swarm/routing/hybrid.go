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
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
)

// ErrNoCapacity means the model is too large for any single node and no
// RPC sharding cluster can take it. Fatal for the current request.
var ErrNoCapacity = errors.New("no capacity for model")

// Path is the backend tier a request is sent to.
type Path string

const (
	// PathOllama routes to a single node from the pool.
	PathOllama Path = "ollama"
	// PathCluster routes through the RPC sharding coordinator.
	PathCluster Path = "cluster"
)

// Parameter-count boundaries for path selection, in billions.
const (
	singleNodeMaxParams = 13
	shardedMinParams    = 70
)

var hybridPathTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "routing",
	Name:      "hybrid_path_total",
	Help:      "Path selections by tier.",
}, []string{"path"})

// HybridRouter decides, per model, between the Ollama pool and the RPC
// sharding tier, and keeps the coordinator alive for the latter.
type HybridRouter struct {
	Registry    *cluster.Registry
	Coordinator *Coordinator
	Logger      *slog.Logger
}

// NewHybridRouter wires a hybrid router. Coordinator may be nil when no
// RPC tier is configured; large models then fail with ErrNoCapacity.
func NewHybridRouter(reg *cluster.Registry, coord *Coordinator, logger *slog.Logger) *HybridRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRouter{Registry: reg, Coordinator: coord, Logger: logger}
}

// PathDecision is the hybrid routing result. For PathCluster, Endpoint
// holds the ready coordinator's base URL; for PathOllama it is empty
// and node selection proceeds through the intelligent router.
type PathDecision struct {
	Path     Path
	Endpoint string
	Profile  ModelProfile
}

// Route classifies the model and, for the cluster path, ensures the
// coordinator is serving it.
//
// Rules by parameter count:
//
//	≤13B        - Ollama pool.
//	14–70B      - Ollama when one node's GPU memory covers the estimate,
//	              else the cluster.
//	>70B        - cluster only; ErrNoCapacity without one.
func (h *HybridRouter) Route(ctx context.Context, model string) (*PathDecision, error) {
	profile := ProfileFor(model)

	useCluster := false
	switch {
	case profile.ParameterBillions <= singleNodeMaxParams:
		useCluster = false
	case profile.ParameterBillions <= shardedMinParams:
		useCluster = !h.anyNodeFits(profile)
	default:
		useCluster = true
	}

	if !useCluster {
		hybridPathTotal.WithLabelValues(string(PathOllama)).Inc()
		return &PathDecision{Path: PathOllama, Profile: profile}, nil
	}

	cl := h.Registry.ClusterForModel(model)
	if cl == nil || h.Coordinator == nil {
		if profile.ParameterBillions > shardedMinParams {
			return nil, fmt.Errorf("model %s (%dB) needs sharding: %w",
				model, profile.ParameterBillions, ErrNoCapacity)
		}
		// Medium model, no cluster: fall back to the pool and let a big
		// node struggle rather than refuse.
		h.Logger.Warn("no sharding cluster for medium model, using pool",
			slog.String("model", model),
			slog.Int("params_b", profile.ParameterBillions),
		)
		hybridPathTotal.WithLabelValues(string(PathOllama)).Inc()
		return &PathDecision{Path: PathOllama, Profile: profile}, nil
	}

	if err := h.Coordinator.EnsureModel(ctx, model, cl); err != nil {
		return nil, fmt.Errorf("preparing cluster path for %s: %w", model, err)
	}
	hybridPathTotal.WithLabelValues(string(PathCluster)).Inc()
	return &PathDecision{
		Path:     PathCluster,
		Endpoint: h.Coordinator.URL(),
		Profile:  profile,
	}, nil
}

// anyNodeFits reports whether some healthy node's GPU memory covers the
// model's estimated footprint.
func (h *HybridRouter) anyNodeFits(profile ModelProfile) bool {
	needMB := int(profile.EstimatedMemoryGB * 1024)
	for _, n := range h.Registry.HealthyNodes() {
		caps := n.Snapshot().Capabilities
		if caps.HasGPU && caps.GPUMemoryMB >= needMB {
			return true
		}
	}
	return false
}
