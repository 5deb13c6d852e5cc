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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
)

// ErrCoordinatorFailed means the llama-server subprocess could not be
// started or never became healthy. The state machine parks in Failed;
// the next request may retry with a fresh Start.
var ErrCoordinatorFailed = errors.New("coordinator failed")

// CoordinatorState is one step of the subprocess lifecycle.
type CoordinatorState string

const (
	CoordinatorIdle     CoordinatorState = "idle"
	CoordinatorStarting CoordinatorState = "starting"
	CoordinatorReady    CoordinatorState = "ready"
	CoordinatorServing  CoordinatorState = "serving"
	CoordinatorStopping CoordinatorState = "stopping"
	CoordinatorStopped  CoordinatorState = "stopped"
	CoordinatorFailed   CoordinatorState = "failed"
)

// Coordinator defaults.
const (
	defaultCoordinatorPort = 18080
	defaultIdleTimeout     = 10 * time.Minute
	defaultStartTimeout    = 120 * time.Second
	defaultGPULayers       = 99
	defaultCtxSize         = 8192
	healthPollInterval     = 2 * time.Second
)

// CoordinatorConfig tunes one coordinator instance.
type CoordinatorConfig struct {
	Host        string
	Port        int
	IdleTimeout time.Duration
	// ModelStore is the Ollama model directory holding manifests/ and
	// blobs/. Defaults to ~/.ollama/models.
	ModelStore string
	GPULayers  int
	CtxSize    int
	// Binary overrides the llama-server executable path.
	Binary string
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = defaultCoordinatorPort
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ModelStore == "" {
		home, _ := os.UserHomeDir()
		c.ModelStore = filepath.Join(home, ".ollama", "models")
	}
	if c.GPULayers == 0 {
		c.GPULayers = defaultGPULayers
	}
	if c.CtxSize == 0 {
		c.CtxSize = defaultCtxSize
	}
	if c.Binary == "" {
		c.Binary = "llama-server"
	}
}

// Coordinator fronts one RPC sharding cluster with a llama-server
// subprocess that exposes an Ollama-shaped HTTP API. One coordinator
// serves one model at a time; switching models restarts the process.
//
// Thread Safety: all lifecycle transitions are serialized by the
// coordinator lock.
type Coordinator struct {
	cfg    CoordinatorConfig
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.Mutex
	state     CoordinatorState
	model     string
	cmd       *exec.Cmd
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewCoordinator creates an idle coordinator. Nothing is spawned until
// EnsureModel.
func NewCoordinator(cfg CoordinatorConfig, bus *events.Bus, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, bus: bus, logger: logger, state: CoordinatorIdle}
}

// State reports the current lifecycle state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the coordinator's Ollama-shaped HTTP base URL.
func (c *Coordinator) URL() string {
	return fmt.Sprintf("http://%s:%d", c.cfg.Host, c.cfg.Port)
}

// EnsureModel makes the coordinator serve the given model over the
// cluster's RPC backends, starting or restarting the subprocess as
// needed, and returns once it is Ready. Every call refreshes the idle
// timer.
func (c *Coordinator) EnsureModel(ctx context.Context, model string, cl *cluster.Cluster) error {
	c.mu.Lock()
	if c.model == model && (c.state == CoordinatorReady || c.state == CoordinatorServing) {
		c.touchLocked()
		c.mu.Unlock()
		return nil
	}
	// Wrong model or cold state: (re)start.
	if c.cmd != nil {
		c.stopLocked("model switch")
	}
	c.state = CoordinatorStarting
	c.model = model
	c.mu.Unlock()

	c.publish(events.LevelInfo, events.TypeCoordinatorStart,
		fmt.Sprintf("starting coordinator for %s", model),
		map[string]any{"model": model, "backends": cl.RPCAddrs()})

	ggufPath, err := ResolveGGUF(c.cfg.ModelStore, model)
	if err != nil {
		c.fail(fmt.Errorf("resolving GGUF for %s: %w", model, err))
		return fmt.Errorf("%w: %v", ErrCoordinatorFailed, err)
	}

	profile := ProfileFor(model)
	if profile.TransformerLayers > 0 {
		if err := cl.AssignLayers(profile.TransformerLayers); err != nil {
			c.fail(err)
			return fmt.Errorf("%w: %v", ErrCoordinatorFailed, err)
		}
	}

	cmd := exec.Command(c.cfg.Binary,
		"--model", ggufPath,
		"--host", c.cfg.Host,
		"--port", strconv.Itoa(c.cfg.Port),
		"--rpc", cl.RPCAddrs(),
		"--gpu-layers", strconv.Itoa(c.cfg.GPULayers),
		"--ctx-size", strconv.Itoa(c.cfg.CtxSize),
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		c.fail(fmt.Errorf("spawning %s: %w", c.cfg.Binary, err))
		return fmt.Errorf("%w: %v", ErrCoordinatorFailed, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	// Reap the process whenever it exits so it never zombies.
	go func() { cmd.Wait() }()

	if err := c.awaitHealthy(ctx); err != nil {
		c.mu.Lock()
		c.stopLocked("failed health wait")
		c.mu.Unlock()
		c.fail(err)
		return fmt.Errorf("%w: %v", ErrCoordinatorFailed, err)
	}

	c.mu.Lock()
	c.state = CoordinatorReady
	c.touchLocked()
	c.mu.Unlock()

	c.logger.Info("coordinator ready",
		slog.String("model", model),
		slog.String("url", c.URL()),
		slog.String("backends", cl.RPCAddrs()),
	)
	c.publish(events.LevelInfo, events.TypeModelLoad,
		fmt.Sprintf("model %s sharded across %d backends", model, len(cl.Backends)),
		map[string]any{"model": model, "gguf": ggufPath})
	return nil
}

// MarkServing flags an in-flight request; MarkIdle returns to Ready and
// re-arms the idle timer.
func (c *Coordinator) MarkServing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CoordinatorReady {
		c.state = CoordinatorServing
	}
	c.touchLocked()
}

// MarkIdle transitions Serving back to Ready.
func (c *Coordinator) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CoordinatorServing {
		c.state = CoordinatorReady
	}
	c.touchLocked()
}

// Stop terminates the subprocess. Safe on any state.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked("explicit stop")
}

func (c *Coordinator) touchLocked() {
	c.lastUsed = time.Now()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, c.idleStop)
}

// idleStop fires when no request has touched the coordinator for the
// idle timeout. Serving requests push the timer forward, so a fire with
// state Serving means the timer raced a request and must yield.
func (c *Coordinator) idleStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CoordinatorReady {
		return
	}
	if time.Since(c.lastUsed) < c.cfg.IdleTimeout {
		return
	}
	c.logger.Info("coordinator idle timeout", slog.String("model", c.model))
	c.stopLocked("idle timeout")
}

func (c *Coordinator) stopLocked(reason string) {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.cmd == nil || c.cmd.Process == nil {
		c.state = CoordinatorStopped
		return
	}
	c.state = CoordinatorStopping
	c.cmd.Process.Kill()
	c.cmd = nil
	c.state = CoordinatorStopped

	// Bus publish is non-blocking and the bus never calls back into the
	// coordinator, so publishing under c.mu is safe.
	c.publish(events.LevelInfo, events.TypeCoordinatorStop,
		"coordinator stopped: "+reason,
		map[string]any{"model": c.model, "reason": reason})
}

func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	c.state = CoordinatorFailed
	c.mu.Unlock()
	c.logger.Error("coordinator failed",
		slog.String("model", c.model),
		slog.String("error", err.Error()),
	)
	c.publish(events.LevelError, events.TypeCoordinatorStop,
		"coordinator failed: "+err.Error(),
		map[string]any{"model": c.model})
}

// awaitHealthy polls /api/tags until the subprocess answers or the
// start timeout expires.
func (c *Coordinator) awaitHealthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStartTimeout)
	defer cancel()

	client := &http.Client{Timeout: healthPollInterval}
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	url := c.URL() + "/api/tags"
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("coordinator never became healthy: %w", ctx.Err())
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

func (c *Coordinator) publish(level events.Level, typ, msg string, details map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Component: "coordinator",
		Level:     level,
		Type:      typ,
		Message:   msg,
		Details:   details,
	})
}

// ollamaManifest is the subset of an Ollama model manifest needed to
// locate the GGUF weights blob.
type ollamaManifest struct {
	Layers []struct {
		MediaType string `json:"mediaType"`
		Digest    string `json:"digest"`
	} `json:"layers"`
}

// ResolveGGUF maps an Ollama model tag to the GGUF blob path inside an
// Ollama model store: the tag's manifest names the weights layer by
// digest, and the blob file is that digest with ':' replaced by '-'.
func ResolveGGUF(store, model string) (string, error) {
	name, tag := model, "latest"
	if i := strings.LastIndexByte(model, ':'); i >= 0 {
		name, tag = model[:i], model[i+1:]
	}

	manifestPath := filepath.Join(store, "manifests", "registry.ollama.ai", "library", name, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("reading manifest for %s: %w", model, err)
	}
	var manifest ollamaManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("parsing manifest for %s: %w", model, err)
	}

	for _, layer := range manifest.Layers {
		if layer.MediaType != "application/vnd.ollama.image.model" {
			continue
		}
		blob := filepath.Join(store, "blobs", strings.ReplaceAll(layer.Digest, ":", "-"))
		if _, err := os.Stat(blob); err != nil {
			return "", fmt.Errorf("weights blob for %s missing: %w", model, err)
		}
		return blob, nil
	}
	return "", fmt.Errorf("manifest for %s has no model layer", model)
}
