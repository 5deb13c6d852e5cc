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
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
)

// Flag values for nodes subcommands.
var (
	nodeName     string
	nodePriority int
	savePath     string
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage the worker fleet",
}

var nodesAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Register a worker node",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesAdd,
}

var nodesRemoveCmd = &cobra.Command{
	Use:   "remove [url]",
	Short: "Remove a worker node",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesRemove,
}

var nodesDiscoverCmd = &cobra.Command{
	Use:   "discover [cidr]",
	Short: "Scan a subnet for Ollama workers",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesDiscover,
}

var nodesHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every registered node and print status",
	RunE:  runNodesHealth,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the registered fleet",
	RunE:  runNodesList,
}

var nodesSaveCmd = &cobra.Command{
	Use:   "save [path]",
	Short: "Write the fleet to a node-list file",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesSave,
}

var nodesLoadCmd = &cobra.Command{
	Use:   "load [path]",
	Short: "Merge a node-list file into the fleet",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesLoad,
}

func init() {
	nodesAddCmd.Flags().StringVar(&nodeName, "name", "", "display name")
	nodesAddCmd.Flags().IntVar(&nodePriority, "priority", 5, "static priority 1-10, higher preferred")
	nodesDiscoverCmd.Flags().StringVar(&savePath, "save", "", "write discovered fleet to this file")

	nodesCmd.AddCommand(nodesAddCmd)
	nodesCmd.AddCommand(nodesRemoveCmd)
	nodesCmd.AddCommand(nodesDiscoverCmd)
	nodesCmd.AddCommand(nodesHealthCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesSaveCmd)
	nodesCmd.AddCommand(nodesLoadCmd)
}

// saveFleet persists the node list, creating the directory on first use.
func saveFleet(reg *cluster.Registry, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := reg.SaveConfig(path); err != nil {
		return fmt.Errorf("saving node list: %w", err)
	}
	return nil
}

// openFleet loads the persisted node list for a one-shot subcommand.
func openFleet(ctx context.Context) (*cluster.Registry, string, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, "", err
	}
	path := cfg.NodesFile
	if path == "" {
		path = defaultNodesFile()
	}
	reg := cluster.NewRegistry(events.NewBus(newLogger()), newLogger())
	if path != "" {
		// A missing file just means an empty fleet.
		if _, err := reg.LoadConfig(ctx, path); err != nil {
			newLogger().Debug("node list not loaded: " + err.Error())
		}
	}
	return reg, path, nil
}

func runNodesAdd(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reg, path, err := openFleet(ctx)
	if err != nil {
		return err
	}
	node, err := reg.AddNode(ctx, args[0], nodeName, nodePriority)
	if err != nil {
		return err
	}
	snap := node.Snapshot()
	fmt.Printf("added %s (%s, %d models)\n", snap.URL, snap.Name, len(snap.Capabilities.ModelsLoaded))
	if path != "" {
		if err := saveFleet(reg, path); err != nil {
			return err
		}
		fmt.Printf("saved fleet to %s\n", path)
	}
	return nil
}

func runNodesRemove(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reg, path, err := openFleet(ctx)
	if err != nil {
		return err
	}
	if err := reg.RemoveNode(args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	if path != "" {
		if err := saveFleet(reg, path); err != nil {
			return err
		}
	}
	return nil
}

func runNodesDiscover(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reg, path, err := openFleet(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scanning %s ...\n", args[0])
	found, err := reg.Discover(ctx, args[0], cluster.DiscoverOptions{})
	if err != nil {
		return err
	}
	for _, n := range found {
		fmt.Printf("  found %s (%s)\n", n.URL, n.Name)
	}
	fmt.Printf("%d new node(s)\n", len(found))

	if savePath != "" {
		path = savePath
	}
	if path != "" && len(found) > 0 {
		if err := saveFleet(reg, path); err != nil {
			return err
		}
		fmt.Printf("saved fleet to %s\n", path)
	}
	return nil
}

func runNodesList(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reg, path, err := openFleet(ctx)
	if err != nil {
		return err
	}
	nodes := reg.Nodes()
	if len(nodes) == 0 {
		fmt.Println("no nodes registered")
		return nil
	}
	for _, n := range nodes {
		snap := n.Snapshot()
		fmt.Printf("  %s (%s) priority=%d models=%d\n",
			snap.URL, snap.Name, snap.Priority, len(snap.Capabilities.ModelsLoaded))
	}
	fmt.Printf("%d node(s), list at %s\n", len(nodes), path)
	return nil
}

func runNodesSave(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reg, _, err := openFleet(ctx)
	if err != nil {
		return err
	}
	if err := saveFleet(reg, args[0]); err != nil {
		return err
	}
	fmt.Printf("saved %d node(s) to %s\n", len(reg.Nodes()), args[0])
	return nil
}

func runNodesLoad(_ *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reg, path, err := openFleet(ctx)
	if err != nil {
		return err
	}
	added, err := reg.LoadConfig(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("admitted %d node(s) from %s\n", added, args[0])
	if path != "" && added > 0 {
		if err := saveFleet(reg, path); err != nil {
			return err
		}
	}
	return nil
}

func runNodesHealth(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reg, _, err := openFleet(ctx)
	if err != nil {
		return err
	}
	nodes := reg.Nodes()
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes registered: %w", cluster.ErrNoHealthyNodes)
	}
	reg.HealthCheckAll(ctx)

	healthy := 0
	for _, n := range nodes {
		snap := n.Snapshot()
		status := "DOWN"
		if snap.Metrics.IsHealthy {
			status = "UP"
			healthy++
		}
		gpu := ""
		if snap.Capabilities.HasGPU {
			gpu = fmt.Sprintf(" gpu=%dMB", snap.Capabilities.GPUMemoryMB)
		}
		fmt.Printf("  %-5s %s (%s) models=%d%s\n",
			status, snap.URL, snap.Name, len(snap.Capabilities.ModelsLoaded), gpu)
	}
	fmt.Printf("%d/%d healthy\n", healthy, len(nodes))
	if healthy == 0 {
		return cluster.ErrNoHealthyNodes
	}
	return nil
}
