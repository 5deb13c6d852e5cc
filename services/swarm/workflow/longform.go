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
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/agent"
)

// ContentType is the long-form query class that selects the focus-area
// table and the writing agent.
type ContentType string

const (
	ContentResearch     ContentType = "research"
	ContentAnalysis     ContentType = "analysis"
	ContentExplanation  ContentType = "explanation"
	ContentDiscussion   ContentType = "discussion"
	ContentStorytelling ContentType = "storytelling"
	ContentGeneral      ContentType = "general"
)

// DefaultMaxChunks bounds a long-form run. Five parts covers everything
// short of a book chapter.
const DefaultMaxChunks = 5

// chunkPreviewChars is how much of chunk 1 later chunks see for
// coherence.
const chunkPreviewChars = 200

// focusAreas maps each content type to its mutually exclusive chunk
// assignments. Chunk i uses entry i-1; chunk 1 implicitly owns the
// first entry by covering the full query.
var focusAreas = map[ContentType][]string{
	ContentResearch: {
		"fundamentals",
		"mathematical formalism",
		"empirical evidence",
		"applications",
		"frontiers",
	},
	ContentAnalysis: {
		"overview",
		"strengths",
		"weaknesses",
		"comparative assessment",
		"implications",
	},
	ContentExplanation: {
		"overview",
		"process",
		"pitfalls",
		"advanced considerations",
		"examples",
	},
	ContentDiscussion: {
		"arguments",
		"counter-arguments",
		"evidence",
		"synthesis",
		"conclusions",
	},
	ContentGeneral: {
		"core concepts",
		"details and mechanisms",
		"practical applications",
		"limitations",
		"future directions",
	},
}

// chunkWeight scales chunks_needed by how much ground each content
// type usually has to cover.
var chunkWeight = map[ContentType]float64{
	ContentResearch:     1.0,
	ContentAnalysis:     0.8,
	ContentExplanation:  0.8,
	ContentDiscussion:   0.8,
	ContentStorytelling: 0.6,
	ContentGeneral:      0.4,
}

var contentKeywords = map[ContentType][]string{
	ContentStorytelling: {"story", "tale", "fiction", "narrative about", "once upon", "write a scene"},
	ContentAnalysis:     {"analyze", "analysis", "compare", "evaluate", "assess", "critique"},
	ContentDiscussion:   {"discuss", "debate", "pros and cons", "argue", "perspectives on"},
	ContentExplanation:  {"how to", "tutorial", "guide", "walk me through", "step by step"},
	ContentResearch:     {"explain", "research", "why", "how does", "what is", "theory", "quantum", "science"},
}

// LongformResult is a completed long-form generation.
type LongformResult struct {
	Output      string
	ContentType ContentType
	Confidence  float64
	Chunks      []string
	FocusUsed   []string
	Sources     []string
	Synthesized bool
}

// LongformEngine generates multi-chunk content without cross-chunk
// repetition: each chunk past the first is assigned a focus area no
// other chunk owns, then an editor pass stitches the parts together.
type LongformEngine struct {
	Runtime  *agent.Runtime
	Executor *agent.ParallelExecutor
	// RAG enriches research queries when configured; nil or disabled
	// skips enrichment.
	RAG       *RAGCollaborator
	Model     string
	MaxChunks int
	Logger    *slog.Logger
}

// NewLongformEngine wires the engine with the default chunk cap.
func NewLongformEngine(rt *agent.Runtime, exec *agent.ParallelExecutor, rag *RAGCollaborator, model string, logger *slog.Logger) *LongformEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LongformEngine{
		Runtime:   rt,
		Executor:  exec,
		RAG:       rag,
		Model:     model,
		MaxChunks: DefaultMaxChunks,
		Logger:    logger,
	}
}

// ClassifyContent detects the content type of a query and how many
// chunks it warrants.
//
// Outputs:
//
//	ContentType - The detected class; general when nothing matches.
//	int         - chunks_needed in 1..max.
//	float64     - Classifier confidence in 0..1.
func (e *LongformEngine) ClassifyContent(query string) (ContentType, int, float64) {
	maxChunks := e.MaxChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	lower := strings.ToLower(query)

	detected := ContentGeneral
	matches := 0
	// Check in specificity order; storytelling and analysis cues are
	// stronger signals than the broad research keywords.
	for _, ct := range []ContentType{ContentStorytelling, ContentAnalysis, ContentDiscussion, ContentExplanation, ContentResearch} {
		hits := 0
		for _, kw := range contentKeywords[ct] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > 0 {
			detected = ct
			matches = hits
			break
		}
	}

	chunks := int(math.Round(chunkWeight[detected] * float64(maxChunks)))
	if chunks < 1 {
		chunks = 1
	}
	if chunks > maxChunks {
		chunks = maxChunks
	}

	confidence := 0.5 + 0.15*float64(matches)
	if detected == ContentGeneral {
		confidence = 0.3
	}
	if confidence > 0.95 {
		confidence = 0.95
	}
	return detected, chunks, confidence
}

// Generate runs the full long-form pipeline: classify, optionally
// enrich, write chunk 1, fan out the focused chunks, synthesize.
func (e *LongformEngine) Generate(ctx context.Context, query string) (*LongformResult, error) {
	ctx, span := otel.Tracer("swarm.workflow").Start(ctx, "LongformEngine.Generate")
	defer span.End()

	contentType, chunksNeeded, confidence := e.ClassifyContent(query)
	span.SetAttributes(
		attribute.String("content_type", string(contentType)),
		attribute.Int("chunks", chunksNeeded),
	)
	e.Logger.Info("long-form generation",
		slog.String("content_type", string(contentType)),
		slog.Int("chunks", chunksNeeded),
		slog.Float64("confidence", confidence),
	)

	result := &LongformResult{ContentType: contentType, Confidence: confidence}

	workingQuery := query
	if contentType == ContentResearch && e.RAG.Enabled() {
		workingQuery, result.Sources = e.RAG.Enhance(ctx, query)
	}

	writer := agent.Researcher
	if contentType == ContentStorytelling {
		writer = agent.Storyteller
	}

	first := e.Runtime.Execute(ctx, agent.Task{
		ID:    "longform-chunk-1",
		Role:  writer,
		Input: workingQuery,
		Model: e.Model,
	})
	if !first.Success {
		return nil, fmt.Errorf("initial chunk failed: %s", first.Envelope.Error)
	}
	firstNarrative := agent.ExtractNarrative(first.Envelope.Data)
	result.Chunks = append(result.Chunks, firstNarrative)

	if chunksNeeded > 1 {
		if err := e.generateFocusedChunks(ctx, result, query, firstNarrative, writer, chunksNeeded); err != nil {
			return nil, err
		}
	}

	e.synthesize(ctx, result, query, writer)
	return result, nil
}

// generateFocusedChunks fans out chunks 2..N, each owning one focus
// area. Chunk 1 must complete first: later prompts quote its preview.
func (e *LongformEngine) generateFocusedChunks(ctx context.Context, result *LongformResult, query, firstNarrative string, writer agent.Role, chunksNeeded int) error {
	areas := focusAreas[result.ContentType]
	if areas == nil {
		areas = focusAreas[ContentGeneral]
	}
	preview := firstNarrative
	if len(preview) > chunkPreviewChars {
		preview = preview[:chunkPreviewChars]
	}

	var tasks []agent.Task
	for i := 2; i <= chunksNeeded; i++ {
		area := areas[(i-1)%len(areas)]
		result.FocusUsed = append(result.FocusUsed, area)
		tasks = append(tasks, agent.Task{
			ID:    fmt.Sprintf("longform-chunk-%d", i),
			Role:  writer,
			Input: buildChunkPrompt(query, preview, area, i),
			Model: e.Model,
		})
	}

	outcome, err := e.Executor.Run(ctx, tasks, agent.MergeCollect)
	if err != nil {
		return fmt.Errorf("chunk fan-out: %w", err)
	}
	for _, res := range outcome.Results {
		if !res.Success {
			e.Logger.Warn("chunk failed, continuing with remaining parts",
				slog.String("task_id", res.TaskID),
				slog.String("error", res.Envelope.Error),
			)
			continue
		}
		result.Chunks = append(result.Chunks, agent.ExtractNarrative(res.Envelope.Data))
	}
	return nil
}

// buildChunkPrompt frames one focused continuation chunk.
func buildChunkPrompt(query, preview, area string, part int) string {
	return fmt.Sprintf(`You are writing Part %d of a longer work on: %s

Part 1 began:
"%s..."

Focus EXCLUSIVELY on %s.
Write ENTIRELY NEW content with zero overlap with Part 1 or any other part.
Be specific and technical; concrete detail over generalities.`,
		part, query, preview, area)
}

// synthesize stitches the chunks into one document through an editing
// pass, falling back to plain concatenation when the pass yields
// nothing.
func (e *LongformEngine) synthesize(ctx context.Context, result *LongformResult, query string, writer agent.Role) {
	concatenated := concatenateParts(result.Chunks)
	if len(result.Chunks) == 1 {
		result.Output = result.Chunks[0]
		return
	}

	synthesizer := agent.Editor
	if result.ContentType == ContentStorytelling {
		synthesizer = writer
	}
	prompt := fmt.Sprintf(`Combine the following parts into one coherent document answering: %s

Remove any duplicated transitions, keep every part's unique content, and smooth the seams.

%s`, query, concatenated)

	res := e.Runtime.Execute(ctx, agent.Task{
		ID:    "longform-synthesis",
		Role:  synthesizer,
		Input: prompt,
		Model: e.Model,
	})
	if res.Success {
		if synthesized := agent.ExtractNarrative(res.Envelope.Data); synthesized != "" {
			result.Output = synthesized
			result.Synthesized = true
			return
		}
	}
	e.Logger.Warn("synthesis returned nothing, falling back to concatenation")
	result.Output = concatenated
}

func concatenateParts(chunks []string) string {
	var b strings.Builder
	for i, chunk := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Part %d\n\n%s", i+1, chunk)
	}
	return b.String()
}
