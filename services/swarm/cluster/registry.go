// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
)

// Sentinel errors for fleet membership and selection.
var (
	// ErrNodeUnreachable means a node failed its admission probe.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrNoHealthyNodes means selection found an empty healthy set.
	ErrNoHealthyNodes = errors.New("no healthy nodes available")
	// ErrNodeNotFound means the given URL is not registered.
	ErrNodeNotFound = errors.New("node not found")
)

// defaultProbeTimeout bounds admission and sweep probes.
const defaultProbeTimeout = 5 * time.Second

var (
	registryNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarm",
		Subsystem: "cluster",
		Name:      "nodes",
		Help:      "Registered nodes by health state.",
	}, []string{"state"})

	registryHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "cluster",
		Name:      "health_checks_total",
		Help:      "Node health probes by outcome.",
	}, []string{"outcome"})
)

// Registry is the authoritative view of the fleet: standalone Ollama
// nodes keyed by canonical URL, plus RPC sharding clusters.
//
// Dedup is by resolved IP and port, so http://localhost:11434 and
// http://127.0.0.1:11434 are the same node. DNS answers are cached for
// the registry's lifetime; fleets are small and node hostnames stable.
//
// Thread Safety: safe for concurrent use. The registry lock covers
// membership only; node metrics stay under each node's own lock.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.Mutex
	nodes    map[string]*Node // canonical URL -> node
	byIPPort map[string]*Node // resolved ip:port -> node
	clusters map[string]*Cluster
	dnsCache map[string]string // hostname -> resolved IP

	// lookupIP is swappable for tests.
	lookupIP func(host string) ([]net.IP, error)
}

// NewRegistry creates an empty registry. A nil bus disables event
// publication; a nil logger falls back to slog.Default().
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		bus:      bus,
		nodes:    make(map[string]*Node),
		byIPPort: make(map[string]*Node),
		clusters: make(map[string]*Cluster),
		dnsCache: make(map[string]string),
		lookupIP: net.LookupIP,
	}
}

// AddNode admits an Ollama endpoint into the fleet.
//
// The node is probed before admission; an unreachable endpoint returns
// ErrNodeUnreachable and is not registered. If the resolved ip:port is
// already registered, the existing node is returned with a warning
// event instead of creating a duplicate.
func (r *Registry) AddNode(ctx context.Context, rawURL, name string, priority int) (*Node, error) {
	canonical, ipPort, err := r.canonicalize(rawURL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.byIPPort[ipPort]; ok {
		r.mu.Unlock()
		r.logger.Warn("duplicate node registration",
			slog.String("url", canonical),
			slog.String("existing", existing.URL),
			slog.String("resolved", ipPort),
		)
		r.publish("registry", events.LevelWarning, "duplicate_node",
			fmt.Sprintf("node %s already registered as %s", canonical, existing.URL),
			map[string]any{"url": canonical, "existing": existing.URL})
		return existing, nil
	}
	r.mu.Unlock()

	node := NewNode(canonical, name, priority)
	if !node.ProbeHealth(ctx, defaultProbeTimeout) {
		registryHealthChecks.WithLabelValues("unreachable").Inc()
		return nil, fmt.Errorf("adding node %s: %w", canonical, ErrNodeUnreachable)
	}
	node.ProbeCapabilities(ctx, defaultProbeTimeout)
	registryHealthChecks.WithLabelValues("healthy").Inc()

	r.mu.Lock()
	// Re-check: a concurrent AddNode may have won the race during the probe.
	if existing, ok := r.byIPPort[ipPort]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.nodes[canonical] = node
	r.byIPPort[ipPort] = node
	r.mu.Unlock()

	r.updateNodeGauges()
	snap := node.Snapshot()
	r.logger.Info("node registered",
		slog.String("url", canonical),
		slog.Bool("has_gpu", snap.Capabilities.HasGPU),
		slog.Int("models", len(snap.Capabilities.ModelsLoaded)),
	)
	r.publish("registry", events.LevelInfo, events.TypeNodeHealthy,
		"node registered", map[string]any{"url": canonical})
	return node, nil
}

// RemoveNode drops a node by URL. Returns ErrNodeNotFound if absent.
func (r *Registry) RemoveNode(rawURL string) error {
	canonical, ipPort, err := r.canonicalize(rawURL)
	if err != nil {
		return err
	}

	r.mu.Lock()
	node, ok := r.nodes[canonical]
	if !ok {
		// The caller may hold an alias URL; fall back to the resolved key.
		if node, ok = r.byIPPort[ipPort]; ok {
			canonical = node.URL
		}
	}
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("removing %s: %w", rawURL, ErrNodeNotFound)
	}
	delete(r.nodes, canonical)
	for key, n := range r.byIPPort {
		if n == node {
			delete(r.byIPPort, key)
		}
	}
	r.mu.Unlock()

	r.updateNodeGauges()
	r.logger.Info("node removed", slog.String("url", canonical))
	return nil
}

// Nodes returns all registered nodes, ordered by URL for determinism.
func (r *Registry) Nodes() []*Node {
	r.mu.Lock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// HealthyNodes returns the nodes whose last probe succeeded.
func (r *Registry) HealthyNodes() []*Node {
	all := r.Nodes()
	out := all[:0]
	for _, n := range all {
		if n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// GPUNodes returns the healthy nodes with a detected GPU.
func (r *Registry) GPUNodes() []*Node {
	var out []*Node
	for _, n := range r.HealthyNodes() {
		if n.Snapshot().Capabilities.HasGPU {
			out = append(out, n)
		}
	}
	return out
}

// NodeByURL looks up a node by canonical URL.
func (r *Registry) NodeByURL(rawURL string) (*Node, bool) {
	canonical, ipPort, err := r.canonicalize(rawURL)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[canonical]; ok {
		return n, true
	}
	n, ok := r.byIPPort[ipPort]
	return n, ok
}

// HealthCheckAll probes every node and cluster in parallel and publishes
// health transition events. It never returns an error: individual probe
// failures are the point of the sweep.
func (r *Registry) HealthCheckAll(ctx context.Context) {
	nodes := r.Nodes()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, node := range nodes {
		g.Go(func() error {
			was := node.Healthy()
			now := node.ProbeHealth(ctx, defaultProbeTimeout)
			if now {
				registryHealthChecks.WithLabelValues("healthy").Inc()
			} else {
				registryHealthChecks.WithLabelValues("unhealthy").Inc()
			}
			if was != now {
				typ := events.TypeNodeHealthy
				level := events.LevelInfo
				msg := "node recovered"
				if !now {
					typ = events.TypeNodeUnhealthy
					level = events.LevelWarning
					msg = "node went unhealthy"
				}
				r.logger.Log(ctx, slogLevel(level), msg, slog.String("url", node.URL))
				r.publish("registry", level, typ, msg, map[string]any{"url": node.URL})
			}
			return nil
		})
	}

	for _, cl := range r.Clusters() {
		g.Go(func() error {
			was := cl.Healthy()
			err := cl.CheckHealth(ctx)
			if (err == nil) != was {
				typ := events.TypeRPCConnect
				level := events.LevelInfo
				msg := "rpc cluster reachable"
				if err != nil {
					typ = events.TypeRPCDisconnect
					level = events.LevelWarning
					msg = "rpc cluster lost a backend"
				}
				r.publish("rpc_backend", level, typ, msg,
					map[string]any{"cluster": cl.Name, "backends": cl.RPCAddrs()})
			}
			return nil
		})
	}
	g.Wait()
	r.updateNodeGauges()
}

// CreateCluster registers an RPC sharding cluster. Name collisions
// replace the previous definition.
func (r *Registry) CreateCluster(name, model string, backends []RPCBackend) (*Cluster, error) {
	cl, err := NewCluster(name, model, backends)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.clusters[name] = cl
	r.mu.Unlock()
	r.logger.Info("rpc cluster registered",
		slog.String("name", name),
		slog.String("model", model),
		slog.Int("backends", len(backends)),
	)
	return cl, nil
}

// Clusters returns all registered clusters, ordered by name.
func (r *Registry) Clusters() []*Cluster {
	r.mu.Lock()
	out := make([]*Cluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClusterForModel returns the first healthy cluster suitable for the
// model, or nil.
func (r *Registry) ClusterForModel(model string) *Cluster {
	for _, c := range r.Clusters() {
		if c.Healthy() && c.SuitableFor(model) {
			return c
		}
	}
	return nil
}

// WorkerForModel picks a backend for the model. With preferCluster set,
// a healthy suitable cluster wins over any node. Among nodes, ones that
// already have the model loaded are preferred; ties break on load score.
// Returns (node, nil) or (nil, cluster); ErrNoHealthyNodes when the
// fleet has neither.
func (r *Registry) WorkerForModel(model string, preferCluster bool) (*Node, *Cluster, error) {
	if preferCluster {
		if cl := r.ClusterForModel(model); cl != nil {
			return nil, cl, nil
		}
	}

	healthy := r.HealthyNodes()
	if len(healthy) == 0 {
		if cl := r.ClusterForModel(model); cl != nil {
			return nil, cl, nil
		}
		return nil, nil, fmt.Errorf("selecting worker for %s: %w", model, ErrNoHealthyNodes)
	}

	var best *Node
	bestScore := 0.0
	bestHasModel := false
	for _, n := range healthy {
		has := n.HasModel(model)
		score := n.LoadScore()
		switch {
		case best == nil,
			has && !bestHasModel,
			has == bestHasModel && score < bestScore:
			best, bestScore, bestHasModel = n, score, has
		}
	}
	return best, nil, nil
}

// nodeConfig is the persisted node-list entry. Metrics and capabilities
// are runtime state and deliberately excluded.
type nodeConfig struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type fleetConfig struct {
	Nodes []nodeConfig `json:"nodes"`
}

// SaveConfig writes the node list as JSON. Only identity fields are
// persisted; health and metrics are re-learned on load.
func (r *Registry) SaveConfig(path string) error {
	cfg := fleetConfig{}
	for _, n := range r.Nodes() {
		cfg.Nodes = append(cfg.Nodes, nodeConfig{URL: n.URL, Name: n.Name, Priority: n.Priority})
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding node config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing node config %s: %w", path, err)
	}
	r.logger.Info("node config saved", slog.String("path", path), slog.Int("nodes", len(cfg.Nodes)))
	return nil
}

// LoadConfig reads a node list written by SaveConfig and admits each
// entry through AddNode. Unreachable entries are logged and skipped;
// the first parse error aborts. Returns the number of nodes admitted.
func (r *Registry) LoadConfig(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading node config %s: %w", path, err)
	}
	var cfg fleetConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parsing node config %s: %w", path, err)
	}

	added := 0
	for _, nc := range cfg.Nodes {
		if _, err := r.AddNode(ctx, nc.URL, nc.Name, nc.Priority); err != nil {
			r.logger.Warn("skipping configured node",
				slog.String("url", nc.URL),
				slog.String("error", err.Error()),
			)
			continue
		}
		added++
	}
	return added, nil
}

// canonicalize normalizes a node URL and resolves its dedup key.
// The scheme defaults to http and the port to 11434.
func (r *Registry) canonicalize(rawURL string) (canonical, ipPort string, err error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("invalid node URL %q", rawURL)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "11434"
	}
	canonical = fmt.Sprintf("%s://%s", u.Scheme, net.JoinHostPort(host, port))

	ip := host
	if net.ParseIP(host) == nil {
		r.mu.Lock()
		cached, ok := r.dnsCache[host]
		r.mu.Unlock()
		if ok {
			ip = cached
		} else {
			ips, lookupErr := r.lookupIP(host)
			if lookupErr != nil || len(ips) == 0 {
				// Unresolvable hostnames fall back to name-based dedup.
				ip = host
			} else {
				ip = ips[0].String()
				r.mu.Lock()
				r.dnsCache[host] = ip
				r.mu.Unlock()
			}
		}
	}
	return canonical, net.JoinHostPort(ip, port), nil
}

func (r *Registry) publish(component string, level events.Level, typ, msg string, details map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Component: component,
		Level:     level,
		Type:      typ,
		Message:   msg,
		Details:   details,
	})
}

func (r *Registry) updateNodeGauges() {
	healthy, unhealthy := 0, 0
	for _, n := range r.Nodes() {
		if n.Healthy() {
			healthy++
		} else {
			unhealthy++
		}
	}
	registryNodes.WithLabelValues("healthy").Set(float64(healthy))
	registryNodes.WithLabelValues("unhealthy").Set(float64(unhealthy))
}

func slogLevel(l events.Level) slog.Level {
	switch l {
	case events.LevelDebug:
		return slog.LevelDebug
	case events.LevelWarning:
		return slog.LevelWarn
	case events.LevelError, events.LevelCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
