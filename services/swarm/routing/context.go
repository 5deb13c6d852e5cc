// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing turns a request payload into a placement: analyze the
// task, score the healthy nodes, decide Ollama pool versus RPC sharding
// cluster, and learn from every completed call.
package routing

import (
	"strings"
)

// TaskType classifies what kind of inference a payload asks for.
type TaskType string

const (
	TaskGeneration     TaskType = "generation"
	TaskSummarization  TaskType = "summarization"
	TaskClassification TaskType = "classification"
	TaskExtraction     TaskType = "extraction"
	TaskEmbedding      TaskType = "embedding"
	TaskChat           TaskType = "chat"
	TaskAnalysis       TaskType = "analysis"
)

// Complexity buckets drive GPU need and duration estimates.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Message is one chat turn in an Ollama-shaped payload.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Payload is the analyzable subset of an inference request.
type Payload struct {
	Model    string    `json:"model"`
	Prompt   string    `json:"prompt,omitempty"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// TaskContext is the analyzer's output: immutable per-request metadata
// the router scores against.
type TaskContext struct {
	TaskType              TaskType
	Complexity            Complexity
	EstimatedInputTokens  int
	EstimatedOutputTokens int
	EstimatedDurationMS   float64
	RequiresGPU           bool
	ModelPreference       string
	Priority              int // 1..10, default 5
}

// Token and duration estimation constants. Character-to-token ratio and
// the CPU/GPU throughput fallbacks are deliberately rough; the memory
// supplies real throughput once history accumulates.
const (
	charsPerToken        = 3.5
	classificationTokens = 32
	summarizationRatio   = 0.3
	generationRatio      = 2.0
	cpuTokensPerSecond   = 15.0
	gpuTokensPerSecond   = 60.0

	// gpuOutputThreshold: outputs at or past this size want a GPU even
	// for medium complexity.
	gpuOutputThreshold = 256
	// gpuParamThreshold: models at or past this parameter count (in
	// billions) want a GPU regardless of the task.
	gpuParamThreshold = 13

	lowComplexityChars    = 200
	mediumComplexityChars = 2000

	defaultPriority = 5
)

// Analyzer derives a TaskContext from a payload. It performs no I/O;
// the optional memory only refines the duration estimate.
type Analyzer struct {
	Memory *PerformanceMemory
}

// Analyze computes the TaskContext for one request. Deterministic for
// the same payload, priority, and memory state.
func (a *Analyzer) Analyze(p Payload, priority int) TaskContext {
	if priority < 1 || priority > 10 {
		priority = defaultPriority
	}

	text := p.Prompt
	if text == "" {
		var b strings.Builder
		for _, m := range p.Messages {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		text = b.String()
	}
	scan := strings.ToLower(text + " " + p.System)

	taskType := classifyTask(p, scan)
	complexity := classifyComplexity(len(text), scan)
	inputTokens := int(float64(len(text)) / charsPerToken)
	outputTokens := estimateOutput(taskType, inputTokens)

	profile := ProfileFor(p.Model)
	requiresGPU := complexity == ComplexityHigh ||
		outputTokens >= gpuOutputThreshold ||
		profile.ParameterBillions >= gpuParamThreshold

	return TaskContext{
		TaskType:              taskType,
		Complexity:            complexity,
		EstimatedInputTokens:  inputTokens,
		EstimatedOutputTokens: outputTokens,
		EstimatedDurationMS:   a.estimateDuration(taskType, p.Model, outputTokens, requiresGPU),
		RequiresGPU:           requiresGPU,
		ModelPreference:       p.Model,
		Priority:              priority,
	}
}

func classifyTask(p Payload, scan string) TaskType {
	if strings.Contains(strings.ToLower(p.Model), "embed") {
		return TaskEmbedding
	}
	switch {
	case strings.Contains(scan, "summarize"), strings.Contains(scan, "summary of"):
		return TaskSummarization
	case strings.Contains(scan, "classify"), strings.Contains(scan, "categorize"):
		return TaskClassification
	case strings.Contains(scan, "extract"):
		return TaskExtraction
	case strings.Contains(scan, "analyze"), strings.Contains(scan, "analysis"):
		return TaskAnalysis
	}
	if len(p.Messages) > 0 {
		return TaskChat
	}
	return TaskGeneration
}

func classifyComplexity(inputLen int, scan string) Complexity {
	c := ComplexityLow
	switch {
	case inputLen > mediumComplexityChars:
		c = ComplexityHigh
	case inputLen > lowComplexityChars:
		c = ComplexityMedium
	}
	// Analytical keywords bump the bucket one step.
	if strings.Contains(scan, "analyze") || strings.Contains(scan, "detailed") {
		switch c {
		case ComplexityLow:
			c = ComplexityMedium
		case ComplexityMedium:
			c = ComplexityHigh
		}
	}
	return c
}

func estimateOutput(t TaskType, inputTokens int) int {
	switch t {
	case TaskSummarization:
		return int(float64(inputTokens) * summarizationRatio)
	case TaskClassification:
		return classificationTokens
	case TaskEmbedding:
		return 0
	default:
		return int(float64(inputTokens) * generationRatio)
	}
}

// estimateDuration multiplies the output estimate by a throughput: the
// fleet-wide observed tokens/s for this (task, model) when the memory
// has one, else the CPU or GPU fallback.
func (a *Analyzer) estimateDuration(t TaskType, model string, outputTokens int, gpu bool) float64 {
	tps := cpuTokensPerSecond
	if gpu {
		tps = gpuTokensPerSecond
	}
	if a.Memory != nil {
		if observed := a.Memory.ObservedThroughput(t, model, float64(outputTokens)); observed > 0 {
			tps = observed
		}
	}
	if outputTokens == 0 {
		return 0
	}
	return float64(outputTokens) / tps * 1000
}
