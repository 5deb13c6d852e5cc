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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/orchestrator"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/workflow"
)

// Flag values for the run command.
var (
	strategyFlag     string
	collabFlag       bool
	refineRounds     int
	longformFlag     bool
	timeoutFlag      time.Duration
	qualityFlag      bool
	qualityThreshold float64
	qualityRetries   int
	jsonOutput       bool
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run a query across the fleet and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunCommand,
}

func init() {
	runCmd.Flags().StringVar(&strategyFlag, "strategy", "auto", "auto|single|parallel|multi|gpu")
	runCmd.Flags().BoolVar(&collabFlag, "collab", false, "sequential research-critique-edit workflow")
	runCmd.Flags().IntVar(&refineRounds, "refine", 1, "refinement rounds for --collab")
	runCmd.Flags().BoolVar(&longformFlag, "longform", false, "chunked long-form generation")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 5*time.Minute, "overall run timeout")
	runCmd.Flags().BoolVar(&qualityFlag, "quality", false, "grade the output and retry below threshold")
	runCmd.Flags().Float64Var(&qualityThreshold, "quality-threshold", workflow.DefaultQualityThreshold, "minimum passing score")
	runCmd.Flags().IntVar(&qualityRetries, "quality-retries", workflow.DefaultQualityRetries, "retries below threshold")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full report as JSON")
}

func runRunCommand(_ *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		// Give in-flight output a moment, then force the interrupt code.
		time.Sleep(200 * time.Millisecond)
		os.Exit(exitInterrupt)
	}()

	bus := events.NewBus(logger)
	defer bus.Close()

	reg, err := buildFleet(ctx, bus, cfg.NodesFile, logger)
	if err != nil {
		return err
	}
	lb := routing.NewLoadBalancer(reg, nil, nil, bus, logger)

	rag := workflow.NewRAGFromEnv(logger)
	if cfg.RAGEndpoint != "" {
		rag.Endpoint = cfg.RAGEndpoint
	}
	orch := orchestrator.New(reg, lb, rag, bus, logger)

	opts := orchestrator.RunOptions{
		Model:            cfg.Model,
		Strategy:         orchestrator.Strategy(strategyFlag),
		Collaborative:    collabFlag,
		RefinementRounds: refineRounds,
		Timeout:          timeoutFlag,
		QualityVoting:    qualityFlag,
		QualityThreshold: qualityThreshold,
		QualityRetries:   qualityRetries,
	}

	var report *orchestrator.RunReport
	if longformFlag {
		report, err = orch.RunLongform(ctx, query, opts)
	} else {
		report, err = orch.Run(ctx, query, opts)
	}
	if err != nil {
		if ctx.Err() == context.Canceled {
			os.Exit(exitInterrupt)
		}
		return err
	}

	printReport(report)
	return nil
}

func printReport(report *orchestrator.RunReport) {
	if jsonOutput {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Println(report.FinalOutput)
	fmt.Printf("\n[%s | %s | %d agents | %.0fms]\n",
		report.Pipeline, report.Strategy, report.AgentCount, report.DurationMS)
	for _, attr := range report.Attribution {
		fmt.Printf("  %-12s %s (%.0fms)\n", attr.Agent, attr.NodeURL, attr.DurationMS)
	}
	if report.Workflow != nil {
		for _, pt := range report.Workflow.PhaseTimings {
			fmt.Printf("  phase %-18s %.0fms\n", pt.Phase, pt.DurationMS)
		}
		if report.Workflow.QualityScore > 0 {
			fmt.Printf("  quality %.2f (passed: %v)\n",
				report.Workflow.QualityScore, report.Workflow.QualityPassed)
		}
	}
}
