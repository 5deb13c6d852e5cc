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
	"testing"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
)

func TestHybridSmallModelUsesPool(t *testing.T) {
	h := NewHybridRouter(cluster.NewRegistry(nil, nil), nil, nil)
	d, err := h.Route(context.Background(), "llama3.1:8b")
	if err != nil {
		t.Fatal(err)
	}
	if d.Path != PathOllama {
		t.Errorf("8B path = %q, want ollama", d.Path)
	}
}

func TestHybridLargeModelWithoutClusterFails(t *testing.T) {
	h := NewHybridRouter(cluster.NewRegistry(nil, nil), nil, nil)
	_, err := h.Route(context.Background(), "llama3.1:405b")
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}
}

func TestHybridMediumModelFallsBackToPool(t *testing.T) {
	// 70B wants the cluster (no node fits it) but none exists; the
	// router degrades to the pool instead of refusing outright.
	h := NewHybridRouter(cluster.NewRegistry(nil, nil), nil, nil)
	d, err := h.Route(context.Background(), "llama3.1:70b")
	if err != nil {
		t.Fatal(err)
	}
	if d.Path != PathOllama {
		t.Errorf("medium-model fallback path = %q, want ollama", d.Path)
	}
}

func TestResolveGGUFMissingManifest(t *testing.T) {
	_, err := ResolveGGUF(t.TempDir(), "llama3.1:70b")
	if err == nil {
		t.Fatal("resolution against an empty store succeeded")
	}
}

func TestPatternCacheObserveAndScan(t *testing.T) {
	cache, err := OpenPatternCache(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	cache.Observe(TaskGeneration, "llama3.1:8b", "http://a:11434", 120)
	cache.Observe(TaskGeneration, "llama3.1:8b", "http://a:11434", 140)
	cache.Observe(TaskChat, "mistral:7b", "http://b:11434", 90)

	patterns := cache.Patterns()
	if len(patterns) != 2 {
		t.Fatalf("patterns = %d, want 2", len(patterns))
	}
	if cache.TaskTypesLearned() != 2 {
		t.Errorf("task types learned = %d, want 2", cache.TaskTypesLearned())
	}

	for _, p := range patterns {
		if p.TaskType == TaskGeneration {
			if p.BestNodeURL != "http://a:11434" || p.SampleCount != 2 {
				t.Errorf("generation pattern = %+v", p)
			}
			if p.AvgLatencyMS != 130 {
				t.Errorf("avg latency = %v, want 130", p.AvgLatencyMS)
			}
		}
	}
}

func TestPatternCacheBetterNodeTakesOver(t *testing.T) {
	cache, err := OpenPatternCache(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	cache.Observe(TaskGeneration, "m", "http://slow:11434", 1000)
	cache.Observe(TaskGeneration, "m", "http://fast:11434", 100)

	patterns := cache.Patterns()
	if len(patterns) != 1 {
		t.Fatalf("patterns = %d, want 1", len(patterns))
	}
	if patterns[0].BestNodeURL != "http://fast:11434" {
		t.Errorf("best node = %s, want the faster one", patterns[0].BestNodeURL)
	}
}

func TestNilPatternCacheIsSafe(t *testing.T) {
	var cache *PatternCache
	cache.Observe(TaskGeneration, "m", "http://a:11434", 100)
	if cache.Patterns() != nil {
		t.Error("nil cache returned patterns")
	}
	if err := cache.Close(); err != nil {
		t.Error(err)
	}
}

func TestCoordinatorInitialStateAndStop(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{Host: "127.0.0.1", Port: 18099}, nil, nil)
	if c.State() != CoordinatorIdle {
		t.Errorf("initial state = %q, want idle", c.State())
	}
	if c.URL() != "http://127.0.0.1:18099" {
		t.Errorf("URL = %q", c.URL())
	}
	// Stopping a never-started coordinator is a clean no-op transition.
	c.Stop()
	if c.State() != CoordinatorStopped {
		t.Errorf("state after stop = %q, want stopped", c.State())
	}
}
