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
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DiscoverOptions tunes a CIDR sweep. Zero values pick the defaults.
type DiscoverOptions struct {
	// Port is the Ollama port to probe. Default 11434.
	Port int
	// MaxWorkers bounds the parallel TCP probes. Default 64.
	MaxWorkers int
	// ProbesPerSecond rate-limits probe dials so a sweep does not look
	// like a port scan to the local network. Default 256.
	ProbesPerSecond int
	// DialTimeout is the per-address TCP timeout. Default 500ms.
	DialTimeout time.Duration
}

func (o *DiscoverOptions) applyDefaults() {
	if o.Port == 0 {
		o.Port = 11434
	}
	if o.MaxWorkers == 0 {
		o.MaxWorkers = 64
	}
	if o.ProbesPerSecond == 0 {
		o.ProbesPerSecond = 256
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 500 * time.Millisecond
	}
}

// LocalIP returns the machine's outbound IPv4 address, found by opening
// a UDP socket toward a public resolver. No packet is sent; the kernel
// just picks the route. Falls back to 127.0.0.1.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// ExpandCIDR lists every host address in the given CIDR block, excluding
// the network and broadcast addresses for blocks wider than /31.
func ExpandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parsing CIDR %q: %w", cidr, err)
	}

	var hosts []string
	for addr := ip.Mask(ipnet.Mask); ipnet.Contains(addr); incIP(addr) {
		hosts = append(hosts, addr.String())
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > 1 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// Discover sweeps a CIDR block for Ollama endpoints and admits every
// responder through AddNode. A cheap TCP dial filters dead addresses
// before the HTTP probe, so an empty subnet finishes fast.
//
// Outputs:
//
//	[]*Node - The nodes admitted by this sweep (duplicates excluded).
//	error   - Only for an invalid CIDR; per-host failures are expected.
func (r *Registry) Discover(ctx context.Context, cidr string, opts DiscoverOptions) ([]*Node, error) {
	opts.applyDefaults()
	hosts, err := ExpandCIDR(cidr)
	if err != nil {
		return nil, err
	}

	r.logger.Info("discovery sweep started",
		slog.String("cidr", cidr),
		slog.Int("hosts", len(hosts)),
		slog.Int("port", opts.Port),
	)
	start := time.Now()

	limiter := rate.NewLimiter(rate.Limit(opts.ProbesPerSecond), opts.MaxWorkers)
	reachable := make(chan string, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxWorkers)
	for _, host := range hosts {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", opts.Port))
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil // context cancelled, stop quietly
			}
			d := net.Dialer{Timeout: opts.DialTimeout}
			conn, err := d.DialContext(gctx, "tcp", addr)
			if err != nil {
				return nil
			}
			conn.Close()
			reachable <- addr
			return nil
		})
	}
	g.Wait()
	close(reachable)

	var found []*Node
	before := len(r.Nodes())
	for addr := range reachable {
		node, err := r.AddNode(ctx, "http://"+addr, "", 0)
		if err != nil {
			// A TCP listener that is not Ollama; common on dev machines.
			r.logger.Debug("discovery candidate rejected",
				slog.String("addr", addr),
				slog.String("error", err.Error()),
			)
			continue
		}
		found = append(found, node)
	}

	r.logger.Info("discovery sweep finished",
		slog.String("cidr", cidr),
		slog.Int("found", len(found)),
		slog.Int("new", len(r.Nodes())-before),
		slog.Duration("elapsed", time.Since(start)),
	)
	return found, nil
}
