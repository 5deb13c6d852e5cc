// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/agent"
)

// Quality voting defaults. Two scorers (a Researcher and a Critic
// persona) grade the final answer; the average must clear the threshold
// or the output goes back for another refinement.
const (
	DefaultQualityThreshold = 0.7
	DefaultQualityRetries   = 2
	fallbackQualityScore    = 0.5
)

// QualityScore is one voter's grade.
type QualityScore struct {
	Agent     string   `json:"agent"`
	Score     float64  `json:"score"`
	Reasoning string   `json:"reasoning"`
	Issues    []string `json:"issues"`
}

// QualityVoter grades workflow output with multiple agents and
// averages the scores.
type QualityVoter struct {
	Runtime    *agent.Runtime
	Model      string
	Threshold  float64
	MaxRetries int
	Logger     *slog.Logger
}

// NewQualityVoter builds a voter with the default threshold and retry
// budget.
func NewQualityVoter(rt *agent.Runtime, model string, logger *slog.Logger) *QualityVoter {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityVoter{
		Runtime:    rt,
		Model:      model,
		Threshold:  DefaultQualityThreshold,
		MaxRetries: DefaultQualityRetries,
		Logger:     logger,
	}
}

var qualitySchema = agent.Schema{
	"score":     agent.FieldNumber,
	"reasoning": agent.FieldString,
	"issues":    agent.FieldList,
}

const qualitySystemPrompt = "You are a quality evaluation agent. Your role is to objectively assess " +
	"the quality of answers based on accuracy, completeness, clarity, structure, and depth. " +
	"Provide scores in JSON format with score (0.0-1.0), reasoning, and issues list."

// Evaluate grades the output with both voting personas and averages.
//
// Outputs:
//
//	bool           - True when the aggregate clears the threshold.
//	float64        - The aggregate (mean) score.
//	[]QualityScore - The individual grades, one per voter.
func (q *QualityVoter) Evaluate(ctx context.Context, query, output string) (bool, float64, []QualityScore) {
	voters := []string{"Researcher", "Critic"}
	scores := make([]QualityScore, 0, len(voters))
	var sum float64
	for _, name := range voters {
		score := q.scoreOnce(ctx, name, query, output)
		scores = append(scores, score)
		sum += score.Score
		q.Logger.Info("quality vote",
			slog.String("agent", name),
			slog.Float64("score", score.Score),
			slog.String("reasoning", score.Reasoning),
		)
	}
	aggregate := sum / float64(len(scores))
	passed := aggregate >= q.Threshold
	if passed {
		q.Logger.Info("quality check passed",
			slog.Float64("score", aggregate),
			slog.Float64("threshold", q.Threshold),
		)
	} else {
		q.Logger.Warn("quality check failed",
			slog.Float64("score", aggregate),
			slog.Float64("threshold", q.Threshold),
		)
	}
	return passed, aggregate, scores
}

func (q *QualityVoter) scoreOnce(ctx context.Context, voterName, query, output string) QualityScore {
	role := agent.CustomRole(voterName+"-QA", qualitySystemPrompt, qualitySchema, 0)
	res := q.Runtime.Execute(ctx, agent.Task{
		Role:  role,
		Input: buildEvaluationPrompt(query, output),
		Model: q.Model,
	})
	if !res.Success || res.Envelope.Format != agent.FormatJSON {
		return QualityScore{
			Agent:     voterName,
			Score:     fallbackQualityScore,
			Reasoning: "Unable to parse evaluation",
			Issues:    []string{"Parse error"},
		}
	}

	data := res.Envelope.Data
	score := numberAt(data, "score", fallbackQualityScore)
	if score < 0 {
		score = 0
	} else if score > 1 {
		score = 1
	}
	reasoning, _ := data["reasoning"].(string)
	if reasoning == "" {
		reasoning = "No reasoning provided"
	}
	return QualityScore{
		Agent:     voterName,
		Score:     score,
		Reasoning: reasoning,
		Issues:    stringsAt(data, "issues"),
	}
}

// ImprovementFeedback turns failed quality scores into a refinement
// prompt that names every distinct issue the voters raised.
func (q *QualityVoter) ImprovementFeedback(query, output string, scores []QualityScore) string {
	var sum float64
	seen := make(map[string]struct{})
	var issues []string
	for _, s := range scores {
		sum += s.Score
		for _, issue := range s.Issues {
			if _, dup := seen[issue]; dup {
				continue
			}
			seen[issue] = struct{}{}
			issues = append(issues, issue)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "QUALITY ASSURANCE FEEDBACK\n\nOriginal Query: %s\n\n", query)
	fmt.Fprintf(&b, "Current Answer Quality: BELOW THRESHOLD\n")
	fmt.Fprintf(&b, "- Aggregate Score: %.2f/1.0\n", sum/float64(len(scores)))
	fmt.Fprintf(&b, "- Required Threshold: %.2f/1.0\n\nAgent Evaluations:\n", q.Threshold)
	for _, s := range scores {
		fmt.Fprintf(&b, "\n%s (%.2f/1.0): %s", s.Agent, s.Score, s.Reasoning)
	}
	if len(issues) > 0 {
		b.WriteString("\n\nIdentified Issues:\n")
		for _, issue := range issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	fmt.Fprintf(&b, "\nRevise the answer to address every issue above. Previous answer:\n\n%s", output)
	return b.String()
}

func buildEvaluationPrompt(query, output string) string {
	return fmt.Sprintf(`Evaluate the quality of this answer to the original query.

Original Query:
%s

Final Answer:
%s

Rate the answer on a scale of 0.0 to 1.0 based on:
1. Accuracy and correctness
2. Completeness - does it fully answer the query?
3. Clarity and readability
4. Structure and organization
5. Depth and detail

Provide your evaluation in JSON format with:
- score (float 0.0 to 1.0)
- reasoning (string explaining the score)
- issues (list of specific problems found, empty list if none)`, query, output)
}

func numberAt(data map[string]any, key string, fallback float64) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

func stringsAt(data map[string]any, key string) []string {
	raw, _ := data[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
