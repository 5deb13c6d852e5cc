// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator is the top of the stack: it owns the agent
// roster for a query, picks an execution strategy, runs the agents
// through the fleet, and assembles the pipeline report.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/agent"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/workflow"
)

// Strategy selects how the agent roster is placed on the fleet.
type Strategy string

const (
	// StrategyAuto picks a strategy from fleet shape and task count.
	StrategyAuto Strategy = "auto"
	// StrategySingle runs all agents sequentially on one node.
	StrategySingle Strategy = "single"
	// StrategyParallel runs agents concurrently on one node.
	StrategyParallel Strategy = "parallel"
	// StrategyMulti spreads agents across nodes via routing.
	StrategyMulti Strategy = "multi"
	// StrategyGPU pins all agents to the best GPU node.
	StrategyGPU Strategy = "gpu"
)

var orchestratorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "swarm",
	Subsystem: "orchestrator",
	Name:      "runs_total",
	Help:      "Pipeline runs by strategy and outcome.",
}, []string{"strategy", "outcome"})

// RunOptions tune one pipeline run. Zero values take defaults.
type RunOptions struct {
	Model    string
	Strategy Strategy
	// Collaborative switches to the sequential
	// Research -> Critic -> Editor workflow instead of fan-out.
	Collaborative    bool
	RefinementRounds int
	Timeout          time.Duration
	// QualityVoting grades the collaborative output and retries below
	// Threshold.
	QualityVoting    bool
	QualityThreshold float64
	QualityRetries   int
}

// NodeAttribution records which node served which agent.
type NodeAttribution struct {
	Agent      string  `json:"agent"`
	NodeURL    string  `json:"node"`
	DurationMS float64 `json:"duration_ms"`
}

// RunReport is the pipeline envelope returned to callers:
// {pipeline, agent_count, agents, outputs} plus placement and metrics.
type RunReport struct {
	Pipeline    string                 `json:"pipeline"`
	AgentCount  int                    `json:"agent_count"`
	Agents      []string               `json:"agents"`
	Outputs     []agent.Envelope       `json:"outputs"`
	FinalOutput string                 `json:"final_output"`
	Merged      map[string]any         `json:"merged,omitempty"`
	Attribution []NodeAttribution      `json:"node_attribution"`
	Strategy    Strategy               `json:"strategy"`
	DurationMS  float64                `json:"total_duration_ms"`
	Workflow    *workflow.CollabResult `json:"-"`
}

// Orchestrator wires the whole stack behind one Run call.
type Orchestrator struct {
	Registry *cluster.Registry
	Balancer *routing.LoadBalancer
	Runtime  *agent.Runtime
	Executor *agent.ParallelExecutor
	Longform *workflow.LongformEngine
	Bus      *events.Bus
	Logger   *slog.Logger
}

// New assembles an orchestrator over a registry and balancer. rag may
// be nil.
func New(reg *cluster.Registry, lb *routing.LoadBalancer, rag *workflow.RAGCollaborator, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	rt := agent.NewRuntime(lb, bus, logger)
	exec := agent.NewParallelExecutor(rt, logger)
	return &Orchestrator{
		Registry: reg,
		Balancer: lb,
		Runtime:  rt,
		Executor: exec,
		Longform: workflow.NewLongformEngine(rt, exec, rag, "", logger),
		Bus:      bus,
		Logger:   logger,
	}
}

// Run executes the default Researcher/Critic/Editor roster for a query.
func (o *Orchestrator) Run(ctx context.Context, query string, opts RunOptions) (*RunReport, error) {
	ctx, span := otel.Tracer("swarm.orchestrator").Start(ctx, "Orchestrator.Run")
	defer span.End()

	if opts.Collaborative {
		report, err := o.runCollaborative(ctx, query, opts)
		o.count("collaborative", err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "collaborative run failed")
		}
		return report, err
	}

	strategy := opts.Strategy
	if strategy == "" || strategy == StrategyAuto {
		strategy = o.pickStrategy()
	}
	span.SetAttributes(attribute.String("strategy", string(strategy)))
	o.Logger.Info("pipeline run", slog.String("strategy", string(strategy)))

	tasks, roster, err := o.buildTasks(query, opts, strategy)
	if err != nil {
		o.count(string(strategy), err)
		return nil, err
	}

	pool := o.Executor.PoolSize
	if strategy == StrategySingle {
		o.Executor.PoolSize = 1
	}
	start := time.Now()
	outcome, err := o.Executor.Run(ctx, tasks, agent.MergeCollect)
	o.Executor.PoolSize = pool
	o.count(string(strategy), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fan-out failed")
		return nil, err
	}

	report := &RunReport{
		Pipeline:   "swarm-parallel",
		AgentCount: len(tasks),
		Agents:     roster,
		Strategy:   strategy,
		DurationMS: float64(time.Since(start).Milliseconds()),
	}
	for _, res := range outcome.Results {
		report.Outputs = append(report.Outputs, res.Envelope)
		report.Attribution = append(report.Attribution, NodeAttribution{
			Agent:      res.Envelope.Agent,
			NodeURL:    res.NodeURL,
			DurationMS: res.DurationMS,
		})
	}
	// The Editor runs last in the roster; its narrative is the answer.
	last := outcome.Results[len(outcome.Results)-1]
	report.FinalOutput = agent.ExtractNarrative(last.Envelope.Data)
	return report, nil
}

// RunLongform executes the chunked long-form engine for a query.
func (o *Orchestrator) RunLongform(ctx context.Context, query string, opts RunOptions) (*RunReport, error) {
	o.Longform.Model = opts.Model
	start := time.Now()
	result, err := o.Longform.Generate(ctx, query)
	o.count("longform", err)
	if err != nil {
		return nil, err
	}
	return &RunReport{
		Pipeline:    "swarm-longform",
		AgentCount:  len(result.Chunks),
		Agents:      []string{"Researcher", "Editor"},
		FinalOutput: result.Output,
		Strategy:    StrategyMulti,
		DurationMS:  float64(time.Since(start).Milliseconds()),
	}, nil
}

func (o *Orchestrator) runCollaborative(ctx context.Context, query string, opts RunOptions) (*RunReport, error) {
	w := workflow.NewCollaborativeWorkflow(o.Runtime, o.Registry, opts.Model, o.Logger)
	if opts.RefinementRounds > 0 {
		w.RefinementRounds = opts.RefinementRounds
	}
	if opts.QualityVoting {
		voter := workflow.NewQualityVoter(o.Runtime, opts.Model, o.Logger)
		if opts.QualityThreshold > 0 {
			voter.Threshold = opts.QualityThreshold
		}
		if opts.QualityRetries > 0 {
			voter.MaxRetries = opts.QualityRetries
		}
		w.Quality = voter
	}

	start := time.Now()
	result, err := w.Run(ctx, query)
	if err != nil {
		return nil, err
	}
	report := &RunReport{
		Pipeline:    "swarm-collaborative",
		AgentCount:  len(result.History),
		Agents:      []string{"Researcher", "Critic", "Editor"},
		FinalOutput: result.FinalOutput,
		Strategy:    "collaborative",
		DurationMS:  float64(time.Since(start).Milliseconds()),
		Workflow:    result,
	}
	for _, res := range result.History {
		report.Outputs = append(report.Outputs, res.Envelope)
		report.Attribution = append(report.Attribution, NodeAttribution{
			Agent:      res.Envelope.Agent,
			NodeURL:    res.NodeURL,
			DurationMS: res.DurationMS,
		})
	}
	return report, nil
}

// buildTasks lays the default roster out per the strategy. Single,
// parallel, and gpu strategies pin every task to one chosen node; multi
// leaves placement to the router.
func (o *Orchestrator) buildTasks(query string, opts RunOptions, strategy Strategy) ([]agent.Task, []string, error) {
	roles := []agent.Role{agent.Researcher, agent.Critic, agent.Editor}
	roster := make([]string, len(roles))

	pin := ""
	switch strategy {
	case StrategySingle, StrategyParallel:
		node, _, err := o.Registry.WorkerForModel(opts.Model, false)
		if err != nil {
			return nil, nil, fmt.Errorf("choosing node: %w", err)
		}
		pin = node.URL
	case StrategyGPU:
		gpus := o.Registry.GPUNodes()
		if len(gpus) == 0 {
			return nil, nil, fmt.Errorf("gpu strategy: %w", cluster.ErrNoHealthyNodes)
		}
		best := gpus[0]
		for _, n := range gpus[1:] {
			if n.LoadScore() < best.LoadScore() {
				best = n
			}
		}
		pin = best.URL
	}

	tasks := make([]agent.Task, len(roles))
	for i, role := range roles {
		roster[i] = role.Name
		tasks[i] = agent.Task{
			Role:    role,
			Input:   query,
			Model:   opts.Model,
			Timeout: opts.Timeout,
			NodeURL: pin,
		}
	}
	return tasks, roster, nil
}

// pickStrategy chooses a placement from the fleet shape: spread over
// many nodes when available, favor a GPU when only one node has it.
func (o *Orchestrator) pickStrategy() Strategy {
	healthy := o.Registry.HealthyNodes()
	gpus := o.Registry.GPUNodes()
	switch {
	case len(healthy) >= 2:
		return StrategyMulti
	case len(gpus) >= 1:
		return StrategyGPU
	case len(healthy) == 1:
		return StrategyParallel
	default:
		return StrategySingle
	}
}

func (o *Orchestrator) count(strategy string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	orchestratorRuns.WithLabelValues(strategy, outcome).Inc()
}
