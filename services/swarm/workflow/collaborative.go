// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow composes agent calls into multi-phase pipelines: the
// sequential collaborative workflow (Research -> Critic -> Editor with
// refinement and quality voting) and the long-form engine (chunked
// generation with mutually exclusive focus areas plus synthesis).
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/agent"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
)

// PhaseTiming records where one pipeline phase ran and for how long.
type PhaseTiming struct {
	Phase      string  `json:"phase"`
	NodeURL    string  `json:"node_url"`
	DurationMS float64 `json:"duration_ms"`
}

// CollabResult is a completed collaborative run.
type CollabResult struct {
	FinalOutput      string
	History          []agent.Result
	PhaseTimings     []PhaseTiming
	RefinementRounds int
	QualityPassed    bool
	QualityScore     float64
	QualityScores    []QualityScore
}

// CollaborativeWorkflow runs the sequential Research -> Critic -> Editor
// pipeline. Research strictly precedes critique, critique strictly
// precedes editing; refinement rounds repeat Critic -> Editor, each
// round on a distinct node when the fleet allows it.
type CollaborativeWorkflow struct {
	Runtime  *agent.Runtime
	Registry *cluster.Registry
	// Quality enables voting on the final output; nil skips it.
	Quality *QualityVoter
	Model   string
	// RefinementRounds repeats Critic -> Editor after the first edit.
	RefinementRounds int
	Logger           *slog.Logger
}

// NewCollaborativeWorkflow wires the pipeline with one refinement round.
func NewCollaborativeWorkflow(rt *agent.Runtime, reg *cluster.Registry, model string, logger *slog.Logger) *CollaborativeWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollaborativeWorkflow{
		Runtime:          rt,
		Registry:         reg,
		Model:            model,
		RefinementRounds: 1,
		Logger:           logger,
	}
}

// Run executes the full pipeline for one query.
func (w *CollaborativeWorkflow) Run(ctx context.Context, query string) (*CollabResult, error) {
	ctx, span := otel.Tracer("swarm.workflow").Start(ctx, "CollaborativeWorkflow.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("refinement_rounds", w.RefinementRounds))

	out := &CollabResult{RefinementRounds: w.RefinementRounds, QualityPassed: true}

	research, err := w.phase(ctx, out, "research", agent.Task{
		Role:  agent.Researcher,
		Input: query,
		Model: w.Model,
	})
	if err != nil {
		return nil, err
	}

	critique, err := w.phase(ctx, out, "critique", agent.Task{
		Role:  agent.Critic,
		Input: asJSON(research.Envelope.Data),
		Model: w.Model,
	})
	if err != nil {
		return nil, err
	}

	edit, err := w.phase(ctx, out, "edit", agent.Task{
		Role:  agent.Editor,
		Input: editorInput(query, research, critique),
		Model: w.Model,
	})
	if err != nil {
		return nil, err
	}

	// Refinement rounds rotate across healthy nodes so successive
	// critiques never hit the same KV cache.
	nodes := w.Registry.HealthyNodes()
	for round := 0; round < w.RefinementRounds; round++ {
		pin := ""
		if len(nodes) >= 2 {
			pin = nodes[round%len(nodes)].URL
		}
		phase := fmt.Sprintf("refine-%d", round+1)

		roundCritique, err := w.phase(ctx, out, phase+"-critique", agent.Task{
			Role:    agent.Critic,
			Input:   asJSON(edit.Envelope.Data),
			Model:   w.Model,
			NodeURL: pin,
		})
		if err != nil {
			w.Logger.Warn("refinement critique failed, keeping current edit",
				slog.Int("round", round+1), slog.String("error", err.Error()))
			break
		}
		refined, err := w.phase(ctx, out, phase+"-edit", agent.Task{
			Role:    agent.Editor,
			Input:   refinementInput(query, edit, roundCritique),
			Model:   w.Model,
			NodeURL: pin,
		})
		if err != nil {
			w.Logger.Warn("refinement edit failed, keeping current edit",
				slog.Int("round", round+1), slog.String("error", err.Error()))
			break
		}
		edit = refined
	}

	out.FinalOutput = agent.ExtractNarrative(edit.Envelope.Data)

	if w.Quality != nil {
		w.runQualityLoop(ctx, out, query, edit)
	}
	return out, nil
}

// runQualityLoop votes on the final output and re-edits with feedback
// until it passes or the retry budget runs out.
func (w *CollaborativeWorkflow) runQualityLoop(ctx context.Context, out *CollabResult, query string, edit agent.Result) {
	passed, score, scores := w.Quality.Evaluate(ctx, query, out.FinalOutput)
	out.QualityPassed, out.QualityScore, out.QualityScores = passed, score, scores

	for retry := 1; !out.QualityPassed && retry <= w.Quality.MaxRetries; retry++ {
		feedback := w.Quality.ImprovementFeedback(query, out.FinalOutput, out.QualityScores)
		improved, err := w.phase(ctx, out, fmt.Sprintf("quality-retry-%d", retry), agent.Task{
			Role:  agent.Editor,
			Input: feedback,
			Model: w.Model,
		})
		if err != nil {
			w.Logger.Warn("quality retry failed", slog.Int("retry", retry),
				slog.String("error", err.Error()))
			return
		}
		edit = improved
		out.FinalOutput = agent.ExtractNarrative(edit.Envelope.Data)
		out.QualityPassed, out.QualityScore, out.QualityScores =
			w.Quality.Evaluate(ctx, query, out.FinalOutput)
	}
}

// phase runs one agent task, appending its result and timing.
func (w *CollaborativeWorkflow) phase(ctx context.Context, out *CollabResult, name string, task agent.Task) (agent.Result, error) {
	start := time.Now()
	res := w.Runtime.Execute(ctx, task)
	out.History = append(out.History, res)
	out.PhaseTimings = append(out.PhaseTimings, PhaseTiming{
		Phase:      name,
		NodeURL:    res.NodeURL,
		DurationMS: float64(time.Since(start).Milliseconds()),
	})
	if !res.Success {
		return res, fmt.Errorf("%s phase failed: %s", name, res.Envelope.Error)
	}
	w.Logger.Debug("phase complete",
		slog.String("phase", name),
		slog.String("node", res.NodeURL),
	)
	return res, nil
}

func editorInput(query string, research, critique agent.Result) string {
	return fmt.Sprintf("Original question: %s\n\nResearch findings:\n%s\n\nCritical review:\n%s",
		query, asJSON(research.Envelope.Data), asJSON(critique.Envelope.Data))
}

func refinementInput(query string, edit, critique agent.Result) string {
	return fmt.Sprintf("Original question: %s\n\nCurrent answer:\n%s\n\nReviewer feedback to address:\n%s",
		query, asJSON(edit.Envelope.Data), asJSON(critique.Envelope.Data))
}

func asJSON(data map[string]any) string {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}
