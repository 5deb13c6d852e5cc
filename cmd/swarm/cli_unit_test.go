// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.New("bad flag"), exitUserError},
		{cluster.ErrNoHealthyNodes, exitNoBackend},
		{fmt.Errorf("routing: %w", cluster.ErrNoHealthyNodes), exitNoBackend},
		{fmt.Errorf("model too large: %w", routing.ErrNoCapacity), exitNoBackend},
	}
	for _, tc := range cases {
		if got := exitCodeFor(tc.err); got != tc.want {
			t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestLoadEffectiveConfigFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	if err := os.WriteFile(path, []byte("model: llama3.2\npool_size: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	configPath = path
	modelFlag = "llama3.1:8b"
	nodesFile = filepath.Join(dir, "nodes.json")
	defer func() { configPath, modelFlag, nodesFile = "", "", "" }()

	cfg, err := loadEffectiveConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "llama3.1:8b" {
		t.Errorf("model = %q, flag should win over file", cfg.Model)
	}
	if cfg.PoolSize != 8 {
		t.Errorf("pool_size = %d, want 8 from file", cfg.PoolSize)
	}
	if cfg.NodesFile != nodesFile {
		t.Errorf("nodes_file = %q", cfg.NodesFile)
	}
}

func TestLoadEffectiveConfigDefaultsWithoutFile(t *testing.T) {
	configPath, modelFlag, nodesFile = "", "", ""
	cfg, err := loadEffectiveConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model == "" || cfg.PoolSize == 0 || cfg.ListenAddr == "" {
		t.Errorf("incomplete defaults: %+v", cfg)
	}
}
