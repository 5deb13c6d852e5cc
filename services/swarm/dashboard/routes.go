// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dashboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

// Handlers serves the swarm management API.
type Handlers struct {
	Registry  *cluster.Registry
	Balancer  *routing.LoadBalancer
	Collector *Collector
	Bus       *events.Bus
	Logger    *slog.Logger

	client *http.Client
}

// NewHandlers wires the API handlers. Bus may be nil; the events route
// then reports unavailable.
func NewHandlers(reg *cluster.Registry, lb *routing.LoadBalancer, collector *Collector, bus *events.Bus, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		Registry:  reg,
		Balancer:  lb,
		Collector: collector,
		Bus:       bus,
		Logger:    logger,
		client:    &http.Client{},
	}
}

// RegisterRoutes registers all /v1/swarm/* endpoints.
//
//	GET    /v1/swarm/health    - Liveness plus healthy-node count
//	GET    /v1/swarm/snapshot  - Full dashboard snapshot
//	GET    /v1/swarm/nodes     - List registered nodes
//	POST   /v1/swarm/nodes     - Register a node {url, name?, priority?}
//	DELETE /v1/swarm/nodes     - Remove a node (?url=)
//	POST   /v1/swarm/discover  - Scan a CIDR {cidr} for nodes
//	POST   /v1/swarm/generate  - Routed generate passthrough
//	GET    /v1/swarm/events    - WebSocket event stream (?channel=)
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	swarm := rg.Group("/swarm")
	{
		swarm.GET("/health", h.HandleHealth)
		swarm.GET("/snapshot", h.HandleSnapshot)

		swarm.GET("/nodes", h.HandleListNodes)
		swarm.POST("/nodes", h.HandleAddNode)
		swarm.DELETE("/nodes", h.HandleRemoveNode)
		swarm.POST("/discover", h.HandleDiscover)

		swarm.POST("/generate", h.HandleGenerate)
		swarm.GET("/events", h.HandleEvents)
	}
}

func (h *Handlers) HandleHealth(c *gin.Context) {
	healthy := len(h.Registry.HealthyNodes())
	status := http.StatusOK
	if healthy == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":        "ok",
		"healthy_nodes": healthy,
		"total_nodes":   len(h.Registry.Nodes()),
	})
}

func (h *Handlers) HandleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.Collector.Snapshot())
}

func (h *Handlers) HandleListNodes(c *gin.Context) {
	nodes := h.Registry.Nodes()
	out := make([]cluster.Snapshot, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"nodes": out})
}

func (h *Handlers) HandleAddNode(c *gin.Context) {
	var req struct {
		URL      string `json:"url" binding:"required"`
		Name     string `json:"name"`
		Priority int    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	node, err := h.Registry.AddNode(c.Request.Context(), req.URL, req.Name, req.Priority)
	if err != nil {
		status := http.StatusBadGateway
		if !errors.Is(err, cluster.ErrNodeUnreachable) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, node.Snapshot())
}

func (h *Handlers) HandleRemoveNode(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url query parameter required"})
		return
	}
	if err := h.Registry.RemoveNode(url); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cluster.ErrNodeNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) HandleDiscover(c *gin.Context) {
	var req struct {
		CIDR string `json:"cidr" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	found, err := h.Registry.Discover(c.Request.Context(), req.CIDR, cluster.DiscoverOptions{})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	urls := make([]string, 0, len(found))
	for _, n := range found {
		urls = append(urls, n.URL)
	}
	c.JSON(http.StatusOK, gin.H{"discovered": urls})
}

// HandleGenerate routes one generate request through the intelligent
// router and proxies it to the chosen node, preserving the Ollama
// request shape.
func (h *Handlers) HandleGenerate(c *gin.Context) {
	var payload routing.Payload
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || json.Unmarshal(body, &payload) != nil || payload.Model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generate request"})
		return
	}

	decision, err := h.Balancer.RouteRequest(c.Request.Context(), payload, 5)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, routing.ErrNoCapacity) {
			status = http.StatusInsufficientStorage
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		decision.NodeURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.Balancer.RecordPerformance(decision, time.Since(start), false, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "node": decision.NodeURL})
		return
	}
	defer resp.Body.Close()
	h.Balancer.RecordPerformance(decision, time.Since(start), resp.StatusCode == http.StatusOK, nil)

	c.Header("X-Swarm-Node", decision.NodeURL)
	c.DataFromReader(resp.StatusCode, resp.ContentLength, "application/json", resp.Body, nil)
}
