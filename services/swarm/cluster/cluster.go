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
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// rpcProbeTimeout bounds the TCP reachability check of a single RPC
// backend during a cluster health sweep.
const rpcProbeTimeout = 2 * time.Second

// RPCBackend is one llama.cpp rpc-server endpoint participating in a
// sharded model. Layers is the number of transformer layers assigned to
// this backend; zero means "not yet assigned".
type RPCBackend struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Layers int    `json:"layers"`
}

// Addr returns the host:port dial address.
func (b RPCBackend) Addr() string {
	return net.JoinHostPort(b.Host, fmt.Sprintf("%d", b.Port))
}

// Cluster groups two or more RPC backends that jointly serve one large
// model via layer sharding. A cluster is healthy only when every backend
// is reachable: losing one shard makes the whole model unusable.
type Cluster struct {
	Name     string
	Model    string
	Backends []RPCBackend

	mu          sync.Mutex
	healthy     bool
	lastChecked time.Time
}

// NewCluster builds a cluster over the given backends. At least two
// backends are required; sharding across one host is pointless and the
// single-node path handles that model anyway.
func NewCluster(name, model string, backends []RPCBackend) (*Cluster, error) {
	if name == "" {
		return nil, fmt.Errorf("cluster name must not be empty")
	}
	if len(backends) < 2 {
		return nil, fmt.Errorf("cluster %q: need at least 2 RPC backends, got %d", name, len(backends))
	}
	return &Cluster{
		Name:     name,
		Model:    model,
		Backends: append([]RPCBackend(nil), backends...),
	}, nil
}

// SuitableFor reports whether this cluster serves the given model. An
// empty cluster model means the cluster takes any model (operator
// choice); otherwise matching is by exact tag or shared base name
// (the part before ':').
func (c *Cluster) SuitableFor(model string) bool {
	if c.Model == "" {
		return true
	}
	if c.Model == model {
		return true
	}
	return baseName(c.Model) == baseName(model)
}

func baseName(model string) string {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		return model[:i]
	}
	return model
}

// AssignLayers partitions totalLayers across the backends. With no
// explicit assignment the split is even, the remainder going to the
// first backends. Pre-set Layers values are treated as an explicit
// assignment and only validated against the total.
func (c *Cluster) AssignLayers(totalLayers int) error {
	if totalLayers <= 0 {
		return fmt.Errorf("cluster %q: total layers must be positive, got %d", c.Name, totalLayers)
	}

	explicit := 0
	for _, b := range c.Backends {
		explicit += b.Layers
	}
	if explicit > 0 {
		if explicit != totalLayers {
			return fmt.Errorf("cluster %q: explicit layer assignment sums to %d, model has %d",
				c.Name, explicit, totalLayers)
		}
		return nil
	}

	per := totalLayers / len(c.Backends)
	rem := totalLayers % len(c.Backends)
	for i := range c.Backends {
		c.Backends[i].Layers = per
		if i < rem {
			c.Backends[i].Layers++
		}
	}
	return nil
}

// CheckHealth dials every backend in parallel. The cluster is healthy
// only if all of them accept a TCP connection. The first unreachable
// backend's error is returned.
func (c *Cluster) CheckHealth(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range c.Backends {
		addr := b.Addr()
		g.Go(func() error {
			d := net.Dialer{Timeout: rpcProbeTimeout}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("rpc backend %s unreachable: %w", addr, err)
			}
			conn.Close()
			return nil
		})
	}
	err := g.Wait()

	c.mu.Lock()
	c.healthy = err == nil
	c.lastChecked = time.Now()
	c.mu.Unlock()
	return err
}

// Healthy reports the result of the last CheckHealth. A cluster that has
// never been checked reports false.
func (c *Cluster) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// LastChecked returns when the cluster was last health-checked.
func (c *Cluster) LastChecked() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastChecked
}

// RPCAddrs returns the comma-joined backend list in the form the
// llama-server --rpc flag expects.
func (c *Cluster) RPCAddrs() string {
	addrs := make([]string, len(c.Backends))
	for i, b := range c.Backends {
		addrs[i] = b.Addr()
	}
	return strings.Join(addrs, ",")
}
