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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/orchestrator"
)

// loadEffectiveConfig resolves the service config: file when --config is
// given, defaults otherwise, then flag overrides on top.
func loadEffectiveConfig() (orchestrator.Config, error) {
	cfg := orchestrator.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = orchestrator.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
	}
	if nodesFile != "" {
		cfg.NodesFile = nodesFile
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	return cfg, nil
}

// newLogger builds the process logger. Debug mode lowers the level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// seedRegistry fills the registry from the persisted node list and any
// --node flags. Unreachable --node URLs fail the command; a missing
// nodes file is just an empty fleet.
func seedRegistry(reg *cluster.Registry, path string, logger *slog.Logger) error {
	ctx := context.Background()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			added, err := reg.LoadConfig(ctx, path)
			if err != nil {
				return fmt.Errorf("loading node list: %w", err)
			}
			logger.Info("node list loaded", slog.String("path", path), slog.Int("nodes", added))
		}
	}
	for _, url := range nodeURLs {
		if _, err := reg.AddNode(ctx, url, "", 5); err != nil {
			return fmt.Errorf("adding node %s: %w", url, err)
		}
	}
	return nil
}

// buildFleet assembles a registry for a one-shot run and fails fast when
// nothing is reachable.
func buildFleet(ctx context.Context, bus *events.Bus, path string, logger *slog.Logger) (*cluster.Registry, error) {
	reg := cluster.NewRegistry(bus, logger)
	if path == "" && len(nodeURLs) == 0 {
		path = defaultNodesFile()
	}
	if err := seedRegistry(reg, path, logger); err != nil {
		return nil, err
	}
	if len(reg.Nodes()) == 0 {
		return nil, fmt.Errorf("no workers configured (use --node or --nodes): %w",
			cluster.ErrNoHealthyNodes)
	}
	reg.HealthCheckAll(ctx)
	if len(reg.HealthyNodes()) == 0 {
		return nil, fmt.Errorf("all %d workers unreachable: %w",
			len(reg.Nodes()), cluster.ErrNoHealthyNodes)
	}
	return reg, nil
}

// defaultNodesFile is where the CLI persists the fleet between runs.
func defaultNodesFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".swarm", "nodes.json")
}
