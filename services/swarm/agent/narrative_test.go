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
	"strings"
	"testing"
)

func TestExtractNarrativePriorityKeys(t *testing.T) {
	data := map[string]any{
		"summary": "the summary",
		"story":   "once upon a time",
		"labels":  []any{"x"},
	}
	// story outranks summary.
	if got := ExtractNarrative(data); got != "once upon a time" {
		t.Errorf("got %q", got)
	}
}

func TestExtractNarrativeDescendsNestedData(t *testing.T) {
	data := map[string]any{
		"data": map[string]any{"detailed_explanation": "the long answer"},
	}
	if got := ExtractNarrative(data); got != "the long answer" {
		t.Errorf("got %q", got)
	}
}

func TestExtractNarrativeLongestStringFallback(t *testing.T) {
	prose := strings.Repeat("substantial prose ", 10)
	data := map[string]any{
		"verdict":  "ok",
		"analysis": prose,
	}
	if got := ExtractNarrative(data); got != prose {
		t.Errorf("got %q", got)
	}
}

func TestExtractNarrativeAnyStringLastResort(t *testing.T) {
	if got := ExtractNarrative(map[string]any{"verdict": "ok"}); got != "ok" {
		t.Errorf("got %q", got)
	}
}

func TestExtractNarrativeEmpty(t *testing.T) {
	if got := ExtractNarrative(nil); got != "" {
		t.Errorf("got %q", got)
	}
	if got := ExtractNarrative(map[string]any{"n": 3.0, "list": []any{"a"}}); got != "" {
		t.Errorf("got %q", got)
	}
}
