// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"strings"
	"testing"
)

func TestAnalyzeTaskTypes(t *testing.T) {
	a := &Analyzer{}
	tests := []struct {
		name    string
		payload Payload
		want    TaskType
	}{
		{"summarize keyword", Payload{Model: "llama3.1:8b", Prompt: "Summarize this article for me"}, TaskSummarization},
		{"classify keyword", Payload{Model: "llama3.1:8b", Prompt: "Classify the sentiment of this review"}, TaskClassification},
		{"extract keyword", Payload{Model: "llama3.1:8b", Prompt: "Extract all dates from the text"}, TaskExtraction},
		{"analyze keyword", Payload{Model: "llama3.1:8b", Prompt: "Analyze the tradeoffs here"}, TaskAnalysis},
		{"embedding model tag", Payload{Model: "nomic-embed-text", Prompt: "hello"}, TaskEmbedding},
		{"messages imply chat", Payload{Model: "llama3.1:8b", Messages: []Message{{Role: "user", Content: "hi"}}}, TaskChat},
		{"plain prompt", Payload{Model: "llama3.1:8b", Prompt: "Write a poem about the sea"}, TaskGeneration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Analyze(tt.payload, 5)
			if got.TaskType != tt.want {
				t.Errorf("task type = %q, want %q", got.TaskType, tt.want)
			}
		})
	}
}

func TestAnalyzeComplexityBuckets(t *testing.T) {
	a := &Analyzer{}

	short := a.Analyze(Payload{Model: "llama3.2:3b", Prompt: "hi"}, 5)
	if short.Complexity != ComplexityLow {
		t.Errorf("short prompt complexity = %q, want low", short.Complexity)
	}

	medium := a.Analyze(Payload{Model: "llama3.2:3b", Prompt: strings.Repeat("w ", 200)}, 5)
	if medium.Complexity != ComplexityMedium {
		t.Errorf("medium prompt complexity = %q, want medium", medium.Complexity)
	}

	long := a.Analyze(Payload{Model: "llama3.2:3b", Prompt: strings.Repeat("w ", 1500)}, 5)
	if long.Complexity != ComplexityHigh {
		t.Errorf("long prompt complexity = %q, want high", long.Complexity)
	}

	// "detailed" bumps a low-bucket prompt to medium.
	bumped := a.Analyze(Payload{Model: "llama3.2:3b", Prompt: "Give a detailed answer"}, 5)
	if bumped.Complexity != ComplexityMedium {
		t.Errorf("keyword bump complexity = %q, want medium", bumped.Complexity)
	}
}

func TestAnalyzeOutputDefaults(t *testing.T) {
	a := &Analyzer{}

	classify := a.Analyze(Payload{Model: "llama3.1:8b", Prompt: "Classify this short text"}, 5)
	if classify.EstimatedOutputTokens != classificationTokens {
		t.Errorf("classification output = %d, want %d", classify.EstimatedOutputTokens, classificationTokens)
	}

	embed := a.Analyze(Payload{Model: "nomic-embed-text", Prompt: "some text"}, 5)
	if embed.EstimatedOutputTokens != 0 {
		t.Errorf("embedding output = %d, want 0", embed.EstimatedOutputTokens)
	}
	if embed.EstimatedDurationMS != 0 {
		t.Errorf("embedding duration = %v, want 0", embed.EstimatedDurationMS)
	}

	// Summarization shrinks, generation expands.
	prompt := strings.Repeat("word ", 300)
	sum := a.Analyze(Payload{Model: "llama3.1:8b", Prompt: "Summarize: " + prompt}, 5)
	gen := a.Analyze(Payload{Model: "llama3.1:8b", Prompt: "Continue: " + prompt}, 5)
	if sum.EstimatedOutputTokens >= sum.EstimatedInputTokens {
		t.Error("summarization output not smaller than input")
	}
	if gen.EstimatedOutputTokens <= gen.EstimatedInputTokens {
		t.Error("generation output not larger than input")
	}
}

func TestAnalyzeGPUNeed(t *testing.T) {
	a := &Analyzer{}

	big := a.Analyze(Payload{Model: "llama3.1:70b", Prompt: "hi"}, 5)
	if !big.RequiresGPU {
		t.Error("70B model did not require GPU")
	}

	small := a.Analyze(Payload{Model: "llama3.2:3b", Prompt: "Classify this"}, 5)
	if small.RequiresGPU {
		t.Error("tiny classification required GPU")
	}

	longOut := a.Analyze(Payload{Model: "llama3.2:3b", Prompt: strings.Repeat("w ", 300)}, 5)
	if !longOut.RequiresGPU {
		t.Error("large generation output did not require GPU")
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	a := &Analyzer{}
	p := Payload{Model: "llama3.1:8b", Prompt: "Summarize the history of Go"}
	first := a.Analyze(p, 7)
	for i := 0; i < 5; i++ {
		if got := a.Analyze(p, 7); got != first {
			t.Fatalf("analyze not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestAnalyzePriorityClamp(t *testing.T) {
	a := &Analyzer{}
	if got := a.Analyze(Payload{Model: "m", Prompt: "p"}, 0).Priority; got != defaultPriority {
		t.Errorf("priority 0 mapped to %d, want default %d", got, defaultPriority)
	}
	if got := a.Analyze(Payload{Model: "m", Prompt: "p"}, 11).Priority; got != defaultPriority {
		t.Errorf("priority 11 mapped to %d, want default %d", got, defaultPriority)
	}
}

func TestProfileForTableAndSuffix(t *testing.T) {
	tests := []struct {
		model      string
		wantParams int
		wantShard  bool
	}{
		{"llama3.1:8b", 8, false},
		{"LLAMA3.1:70B", 70, true},  // case-insensitive table hit
		{"llama3.2", 3, false},      // base-name hit
		{"codellama:13b", 13, false},
		{"unknownmodel:34b", 34, false},
		{"totally-unknown", 8, false}, // default
		{"giant:405b", 405, true},
	}
	for _, tt := range tests {
		p := ProfileFor(tt.model)
		if p.ParameterBillions != tt.wantParams {
			t.Errorf("ProfileFor(%q) params = %d, want %d", tt.model, p.ParameterBillions, tt.wantParams)
		}
		if p.RequiresSharding != tt.wantShard {
			t.Errorf("ProfileFor(%q) sharding = %v, want %v", tt.model, p.RequiresSharding, tt.wantShard)
		}
	}
}
