// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command swarm is the Aleutian Swarm CLI: a distributed inference
// orchestrator spanning Ollama workers and llama.cpp RPC sharding
// clusters.
//
// Usage:
//
//	swarm serve --config swarm.yaml
//	swarm run "What causes tides?" --model llama3.1:8b
//	swarm run "Write a short story about lighthouses" --longform
//	swarm nodes add http://192.168.1.10:11434
//	swarm nodes discover 192.168.1.0/24
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

// Exit codes. SIGINT follows the shell convention of 128+signal.
const (
	exitOK        = 0
	exitUserError = 1
	exitNoBackend = 2
	exitInterrupt = 130
)

// Global flag values shared by subcommands.
var (
	configPath string
	nodesFile  string
	nodeURLs   []string
	modelFlag  string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Distributed inference across Ollama nodes and RPC clusters",
	Long: `Aleutian Swarm pools consumer machines into one inference fleet.
Small models fan out across Ollama workers; models too large for any
single node are layer-sharded across llama.cpp RPC backends.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&nodesFile, "nodes", "", "persisted node list (JSON)")
	rootCmd.PersistentFlags().StringArrayVar(&nodeURLs, "node", nil, "worker URL (repeatable)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "inference model override")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "verbose logging and gin debug mode")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(nodesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps failures to stable exit codes so scripts can
// distinguish "you asked wrong" from "the fleet is down".
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, cluster.ErrNoHealthyNodes), errors.Is(err, routing.ErrNoCapacity):
		return exitNoBackend
	default:
		return exitUserError
	}
}
