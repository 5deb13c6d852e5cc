// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON means no parseable JSON object could be recovered from the
// model output, even after repair heuristics.
var ErrNoJSON = errors.New("no JSON found in model output")

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*([{\\[].*?[}\\]])\\s*```")

	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	doubledQuoteRe  = regexp.MustCompile(`"{2,}`)
)

// ExtractJSON recovers a JSON object (or array) from raw model output.
//
// Strategies, in order: direct parse; fenced code blocks; the outermost
// balanced braces or brackets; each of those again after repair
// heuristics (trailing commas stripped, single quotes doubled, bare
// keys quoted, doubled quotes collapsed).
//
// Idempotent on its own output: extracting from the serialized result
// of a successful extraction yields the same value.
func ExtractJSON(text string) (map[string]any, error) {
	candidates := candidateSlices(text)
	for _, c := range candidates {
		if m, ok := tryParse(c); ok {
			return m, nil
		}
	}
	// Second pass with heuristic repair.
	for _, c := range candidates {
		if m, ok := tryParse(RepairJSON(c)); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %d candidate spans tried", ErrNoJSON, len(candidates))
}

// candidateSlices lists the substrings worth parsing, most specific
// first.
func candidateSlices(text string) []string {
	var out []string
	trimmed := strings.TrimSpace(text)
	if trimmed != "" {
		out = append(out, trimmed)
	}
	for _, m := range fencedJSONRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	if span := balancedSpan(text, '{', '}'); span != "" {
		out = append(out, span)
	}
	if span := balancedSpan(text, '[', ']'); span != "" {
		out = append(out, span)
	}
	return out
}

// balancedSpan returns the first balanced open..close region, tracking
// string literals so braces inside values do not miscount.
func balancedSpan(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// RepairJSON applies the lexical fix-ups that cover the common model
// mistakes. Safe to apply to already-valid JSON in practice, but only
// called on text that failed a clean parse.
func RepairJSON(s string) string {
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "'", `"`)
	s = bareKeyRe.ReplaceAllString(s, `$1"$2":`)
	s = doubledQuoteRe.ReplaceAllString(s, `"`)
	return s
}

func tryParse(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	switch s[0] {
	case '{':
		var m map[string]any
		if dec.Decode(&m) == nil && m != nil {
			return m, true
		}
	case '[':
		// A bare array is wrapped so callers always get an object.
		var arr []any
		if dec.Decode(&arr) == nil {
			return map[string]any{"items": arr}, true
		}
	}
	return nil, false
}
