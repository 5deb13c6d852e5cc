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
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
)

// Config is the service-level YAML configuration.
type Config struct {
	// Model is the default inference model for all agents.
	Model string `yaml:"model" validate:"required"`
	// PoolSize bounds parallel fan-out.
	PoolSize int `yaml:"pool_size" validate:"gte=1,lte=64"`
	// TimeoutSeconds is the default per-agent call timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=1,lte=3600"`
	// CoordinatorIdleMinutes stops an unused sharding coordinator.
	CoordinatorIdleMinutes int `yaml:"coordinator_idle_minutes" validate:"gte=1"`
	// NodesFile is the persisted node list, watched for changes.
	NodesFile string `yaml:"nodes_file"`
	// RedisAddr mirrors events to Redis pub/sub when set.
	RedisAddr string `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	// RAGEndpoint points at the optional document collaborator.
	RAGEndpoint string `yaml:"rag_endpoint" validate:"omitempty,url"`
	// ListenAddr is the dashboard/API bind address.
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Model:                  "llama3.2",
		PoolSize:               10,
		TimeoutSeconds:         300,
		CoordinatorIdleMinutes: 10,
		ListenAddr:             "0.0.0.0:8080",
	}
}

// LoadConfig reads and validates a YAML config file. Missing fields
// inherit defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Timeout returns the configured per-call timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CoordinatorIdle returns the coordinator idle-stop window.
func (c Config) CoordinatorIdle() time.Duration {
	return time.Duration(c.CoordinatorIdleMinutes) * time.Minute
}

// WatchNodesFile reloads the registry's node list whenever the file
// changes, until the context ends. Blocks; run it in its own goroutine.
func WatchNodesFile(ctx context.Context, path string, reg *cluster.Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch
	// placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			added, err := reg.LoadConfig(ctx, path)
			if err != nil {
				logger.Warn("node list reload failed",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("node list reloaded",
				slog.String("path", path),
				slog.Int("nodes_added", added),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("node list watcher error", slog.String("error", err.Error()))
		}
	}
}
