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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
)

// RAG collaborator defaults. The collaborator is an external document
// service reached over HTTP; when no endpoint is configured the engine
// runs without enrichment.
const (
	defaultEmbeddingModel = "mxbai-embed-large"
	defaultTopK           = 15
	defaultMinSimilarity  = 0.3
	defaultContextTokens  = 2000
	ragCharsPerToken      = 3.5
)

// Environment keys for RAG configuration.
const (
	EnvRAGEndpoint   = "SWARM_RAG_ENDPOINT"
	EnvRAGOllamaURL  = "SWARM_RAG_OLLAMA_URL"
	EnvRAGEmbedModel = "SWARM_RAG_EMBED_MODEL"
)

// DocumentChunk is one retrievable excerpt from the document service.
type DocumentChunk struct {
	Text      string    `json:"text"`
	DocName   string    `json:"doc_name"`
	Embedding []float64 `json:"embedding"`

	similarity float64
}

// RAGCollaborator enriches research queries with excerpts from an
// external document index: embed the query through Ollama, rank the
// service's chunks by cosine similarity, and prepend the best ones up
// to the context budget.
type RAGCollaborator struct {
	Endpoint         string
	OllamaURL        string
	EmbeddingModel   string
	TopK             int
	MinSimilarity    float64
	MaxContextTokens int
	Logger           *slog.Logger

	client *http.Client
}

// NewRAGFromEnv builds the collaborator from environment configuration.
// Returns a disabled collaborator when no endpoint is set.
func NewRAGFromEnv(logger *slog.Logger) *RAGCollaborator {
	if logger == nil {
		logger = slog.Default()
	}
	ollamaURL := os.Getenv(EnvRAGOllamaURL)
	if ollamaURL == "" {
		ollamaURL = "http://localhost:11434"
	}
	embedModel := os.Getenv(EnvRAGEmbedModel)
	if embedModel == "" {
		embedModel = defaultEmbeddingModel
	}
	return &RAGCollaborator{
		Endpoint:         strings.TrimRight(os.Getenv(EnvRAGEndpoint), "/"),
		OllamaURL:        strings.TrimRight(ollamaURL, "/"),
		EmbeddingModel:   embedModel,
		TopK:             defaultTopK,
		MinSimilarity:    defaultMinSimilarity,
		MaxContextTokens: defaultContextTokens,
		Logger:           logger,
		client:           &http.Client{},
	}
}

// Enabled reports whether a document service is configured.
func (r *RAGCollaborator) Enabled() bool {
	return r != nil && r.Endpoint != ""
}

// Enhance returns the query enriched with relevant document excerpts
// and the source document names. Any retrieval failure degrades to the
// original query.
func (r *RAGCollaborator) Enhance(ctx context.Context, query string) (string, []string) {
	if !r.Enabled() {
		return query, nil
	}
	chunks, err := r.relevantChunks(ctx, query)
	if err != nil {
		r.Logger.Warn("document retrieval failed, continuing without context",
			slog.String("error", err.Error()))
		return query, nil
	}
	if len(chunks) == 0 {
		r.Logger.Info("no relevant documents found, using query as-is")
		return query, nil
	}

	contextText, sources := formatContext(chunks, r.MaxContextTokens)
	if contextText == "" {
		return query, nil
	}
	enhanced := fmt.Sprintf(`Research topic: %s

Relevant document excerpts:

%s

Using the document excerpts above where relevant, research the topic. Cite sources when drawing on excerpt content.`,
		query, contextText)
	r.Logger.Info("query enhanced with document context",
		slog.Int("chunks", len(chunks)),
		slog.Int("sources", len(sources)),
	)
	return enhanced, sources
}

// relevantChunks embeds the query and ranks the service's chunks.
func (r *RAGCollaborator) relevantChunks(ctx context.Context, query string) ([]DocumentChunk, error) {
	queryVec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Endpoint+"/api/chunks", nil)
	if err != nil {
		return nil, fmt.Errorf("building chunks request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s/api/chunks: %w", r.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s/api/chunks: status %d", r.Endpoint, resp.StatusCode)
	}

	var payload struct {
		Chunks []DocumentChunk `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding chunks: %w", err)
	}

	var ranked []DocumentChunk
	for _, c := range payload.Chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(queryVec, c.Embedding)
		if sim < r.MinSimilarity {
			continue
		}
		c.similarity = sim
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].similarity > ranked[j].similarity })
	if len(ranked) > r.TopK {
		ranked = ranked[:r.TopK]
	}
	return ranked, nil
}

func (r *RAGCollaborator) embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{
		"model":  r.EmbeddingModel,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.OllamaURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s/api/embeddings: %w", r.OllamaURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POST %s/api/embeddings: status %d", r.OllamaURL, resp.StatusCode)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding from %s", r.EmbeddingModel)
	}
	return out.Embedding, nil
}

// formatContext concatenates chunks under the token budget, newest
// highest-similarity first, and collects source names.
func formatContext(chunks []DocumentChunk, maxTokens int) (string, []string) {
	var parts []string
	seen := make(map[string]struct{})
	var sources []string
	used := 0
	for _, c := range chunks {
		formatted := fmt.Sprintf("[Source: %s, Relevance: %.2f]\n%s", c.DocName, c.similarity, c.Text)
		tokens := int(float64(len(formatted)) / ragCharsPerToken)
		if used+tokens > maxTokens {
			break
		}
		parts = append(parts, formatted)
		used += tokens
		if _, dup := seen[c.DocName]; !dup {
			seen[c.DocName] = struct{}{}
			sources = append(sources, c.DocName)
		}
	}
	return strings.Join(parts, "\n\n---\n\n"), sources
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
