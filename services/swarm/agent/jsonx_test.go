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
	"reflect"
	"testing"
)

func TestExtractJSONDirect(t *testing.T) {
	m, err := ExtractJSON(`{"summary": "short", "count": 3}`)
	if err != nil {
		t.Fatal(err)
	}
	if m["summary"] != "short" {
		t.Errorf("summary = %v", m["summary"])
	}
}

func TestExtractJSONFencedBlock(t *testing.T) {
	raw := "Here is the result you asked for:\n```json\n{\"topics\": [\"a\", \"b\"]}\n```\nHope that helps!"
	m, err := ExtractJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	topics, ok := m["topics"].([]any)
	if !ok || len(topics) != 2 {
		t.Errorf("topics = %v", m["topics"])
	}
}

func TestExtractJSONEmbeddedInProse(t *testing.T) {
	raw := `Sure! The analysis is {"severity": "low", "note": "braces like } inside strings are fine"} as requested.`
	m, err := ExtractJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if m["severity"] != "low" {
		t.Errorf("severity = %v", m["severity"])
	}
}

func TestExtractJSONRepairsCommonMistakes(t *testing.T) {
	cases := map[string]string{
		"trailing comma": `{"a": 1, "b": 2,}`,
		"single quotes":  `{'a': 1, 'b': 2}`,
		"bare keys":      `{a: 1, b: 2}`,
	}
	for name, raw := range cases {
		m, err := ExtractJSON(raw)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if len(m) != 2 {
			t.Errorf("%s: got %v", name, m)
		}
	}
}

func TestExtractJSONWrapsBareArray(t *testing.T) {
	m, err := ExtractJSON(`["x", "y", "z"]`)
	if err != nil {
		t.Fatal(err)
	}
	items, ok := m["items"].([]any)
	if !ok || len(items) != 3 {
		t.Errorf("items = %v", m["items"])
	}
}

// Extraction must be a fixed point: re-extracting from the serialized
// result of a successful extraction yields the same value.
func TestExtractJSONIdempotent(t *testing.T) {
	raws := []string{
		`{"a": {"b": [1, 2]}, "c": "text"}`,
		"```json\n{'k': 'v',}\n```",
	}
	for _, raw := range raws {
		first, err := ExtractJSON(raw)
		if err != nil {
			t.Fatal(err)
		}
		serialized, err := json.Marshal(first)
		if err != nil {
			t.Fatal(err)
		}
		second, err := ExtractJSON(string(serialized))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Errorf("not idempotent:\nfirst  %v\nsecond %v", first, second)
		}
	}
}

func TestExtractJSONNone(t *testing.T) {
	_, err := ExtractJSON("I am sorry, I cannot produce structured output.")
	if !errors.Is(err, ErrNoJSON) {
		t.Errorf("err = %v, want ErrNoJSON", err)
	}
}
