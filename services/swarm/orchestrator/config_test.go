// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
)

func TestLoadConfigMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	if err := os.WriteFile(path, []byte("model: llama3.1:8b\npool_size: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "llama3.1:8b" || cfg.PoolSize != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset fields keep defaults.
	if cfg.TimeoutSeconds != 300 || cfg.CoordinatorIdleMinutes != 10 {
		t.Errorf("defaults not inherited: %+v", cfg)
	}
	if cfg.Timeout() != 300*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout())
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.yaml")
	if err := os.WriteFile(path, []byte("model: llama3.2\npool_size: 500\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("out-of-range pool_size accepted")
	}

	if err := os.WriteFile(path, []byte("pool_size: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("missing model accepted")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

// Writing the watched node list pulls new nodes into the registry.
func TestWatchNodesFileReloads(t *testing.T) {
	srv := fakeWorker(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.json")
	if err := os.WriteFile(path, []byte(`{"nodes": []}`), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := cluster.NewRegistry(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- WatchNodesFile(ctx, path, reg, nil) }()

	// Give the watcher a moment to arm before the write.
	time.Sleep(100 * time.Millisecond)
	nodeList := fmt.Sprintf(`{"nodes": [{"url": %q, "name": "w", "priority": 5}]}`, srv.URL)
	if err := os.WriteFile(path, []byte(nodeList), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for len(reg.Nodes()) == 0 {
		select {
		case <-deadline:
			t.Fatal("registry never picked up the new node")
		case <-time.After(25 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("watcher exit = %v", err)
	}
}
