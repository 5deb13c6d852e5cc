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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/agent"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

// unionOutput satisfies the Researcher, Critic, and Editor schemas at
// once; extra fields are tolerated by validation.
const unionOutput = `{
	"key_facts": ["f"], "context": "background context", "topics": ["t"],
	"issues": ["i"], "strengths": ["s"], "suggestions": ["g"], "severity": "low",
	"summary": "the summary", "key_points": ["k"],
	"detailed_explanation": "The detailed explanation of this part.",
	"examples": ["e"], "practical_applications": ["p"]
}`

// fakeFleetNode serves the Ollama surface, mapping each generate prompt
// through reply.
func fakeFleetNode(t *testing.T, reply func(prompt string) string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models": [{"name": "llama3.2:3b"}]}`)
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models": []}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"response": reply(body.Prompt), "done": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestStack(t *testing.T, servers ...*httptest.Server) (*agent.Runtime, *cluster.Registry) {
	t.Helper()
	reg := cluster.NewRegistry(nil, nil)
	for i, srv := range servers {
		if _, err := reg.AddNode(context.Background(), srv.URL, fmt.Sprintf("node-%d", i), 5); err != nil {
			t.Fatalf("adding %s: %v", srv.URL, err)
		}
	}
	lb := routing.NewLoadBalancer(reg, nil, nil, nil, nil)
	return agent.NewRuntime(lb, nil, nil), reg
}

func TestClassifyContent(t *testing.T) {
	engine := &LongformEngine{MaxChunks: DefaultMaxChunks}
	cases := []struct {
		query      string
		wantType   ContentType
		wantChunks int
	}{
		{"Explain quantum entanglement", ContentResearch, 5},
		{"Write a story about a dragon and a lighthouse", ContentStorytelling, 3},
		{"Analyze the tradeoffs between REST and gRPC", ContentAnalysis, 4},
		{"Discuss the pros and cons of remote work", ContentDiscussion, 4},
		{"How to brew coffee, step by step", ContentExplanation, 4},
		{"birds", ContentGeneral, 2},
	}
	for _, tc := range cases {
		gotType, gotChunks, confidence := engine.ClassifyContent(tc.query)
		if gotType != tc.wantType || gotChunks != tc.wantChunks {
			t.Errorf("ClassifyContent(%q) = %s/%d, want %s/%d",
				tc.query, gotType, gotChunks, tc.wantType, tc.wantChunks)
		}
		if confidence <= 0 || confidence > 1 {
			t.Errorf("ClassifyContent(%q) confidence = %v", tc.query, confidence)
		}
	}
}

// A research query fans out five chunks whose prompts carry distinct
// focus areas from the research table, in order.
func TestLongformResearchFocusCoverage(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	reply := func(prompt string) string {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return unionOutput
	}
	srv := fakeFleetNode(t, reply)
	rt, _ := newTestStack(t, srv)
	engine := NewLongformEngine(rt, agent.NewParallelExecutor(rt, nil), nil, "llama3.2:3b", nil)

	result, err := engine.Generate(context.Background(), "Explain quantum entanglement")
	if err != nil {
		t.Fatal(err)
	}
	if result.ContentType != ContentResearch {
		t.Errorf("content type = %s", result.ContentType)
	}
	if len(result.Chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(result.Chunks))
	}
	wantAreas := []string{"mathematical formalism", "empirical evidence", "applications", "frontiers"}
	if len(result.FocusUsed) != len(wantAreas) {
		t.Fatalf("focus areas used = %v", result.FocusUsed)
	}
	for i, area := range wantAreas {
		if result.FocusUsed[i] != area {
			t.Errorf("focus[%d] = %q, want %q", i, result.FocusUsed[i], area)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, area := range wantAreas {
		found := false
		for _, p := range prompts {
			if strings.Contains(p, "Focus EXCLUSIVELY on "+area) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("no chunk prompt focused on %q", area)
		}
	}
	// Later chunks quote the chunk-1 preview and demand fresh content.
	coherent := 0
	for _, p := range prompts {
		if strings.Contains(p, "zero overlap with Part 1") {
			coherent++
		}
	}
	if coherent != 4 {
		t.Errorf("%d prompts carried the zero-overlap directive, want 4", coherent)
	}
	if result.Output == "" {
		t.Error("empty final output")
	}
}

// When the synthesis pass produces nothing, the engine falls back to
// concatenation with part headers.
func TestLongformSynthesisFallback(t *testing.T) {
	reply := func(prompt string) string {
		if strings.Contains(prompt, "Combine the following parts") {
			return ""
		}
		return unionOutput
	}
	srv := fakeFleetNode(t, reply)
	rt, _ := newTestStack(t, srv)
	engine := NewLongformEngine(rt, agent.NewParallelExecutor(rt, nil), nil, "llama3.2:3b", nil)

	result, err := engine.Generate(context.Background(), "Explain quantum entanglement")
	if err != nil {
		t.Fatal(err)
	}
	if result.Synthesized {
		t.Error("empty synthesis reported as synthesized")
	}
	for part := 1; part <= 5; part++ {
		header := fmt.Sprintf("## Part %d", part)
		if !strings.Contains(result.Output, header) {
			t.Errorf("fallback output missing %q", header)
		}
	}
}

func TestLongformSingleChunkSkipsSynthesis(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	reply := func(string) string {
		mu.Lock()
		calls++
		mu.Unlock()
		return unionOutput
	}
	srv := fakeFleetNode(t, reply)
	rt, _ := newTestStack(t, srv)
	engine := NewLongformEngine(rt, agent.NewParallelExecutor(rt, nil), nil, "llama3.2:3b", nil)
	engine.MaxChunks = 1

	result, err := engine.Generate(context.Background(), "birds")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Chunks) != 1 || result.Synthesized {
		t.Errorf("chunks=%d synthesized=%v", len(result.Chunks), result.Synthesized)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("generate called %d times, want 1", calls)
	}
}
