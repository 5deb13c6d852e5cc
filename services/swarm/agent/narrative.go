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

import "strings"

// narrativeKeys is the priority order for pulling display prose out of
// an agent envelope. Earlier keys are the fields roles are prompted to
// put their main output in.
var narrativeKeys = []string{
	"data",
	"story",
	"detailed_explanation",
	"context",
	"final_output",
	"summary",
	"content",
	"narrative",
}

// minSubstantialNarrative is the length below which a string value is
// considered a label rather than prose.
const minSubstantialNarrative = 50

// ExtractNarrative pulls the best human-readable prose from structured
// agent output.
//
// Resolution order: the priority keys above; then the longest string
// value over 50 characters anywhere in the map; then any non-empty
// string value. Nested objects under a priority key are descended into.
// Returns "" when the data holds no prose at all.
func ExtractNarrative(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}

	for _, key := range narrativeKeys {
		v, ok := data[key]
		if !ok {
			continue
		}
		switch typed := v.(type) {
		case string:
			if strings.TrimSpace(typed) != "" {
				return typed
			}
		case map[string]any:
			if s := ExtractNarrative(typed); s != "" {
				return s
			}
		}
	}

	// Fall back to the longest substantial string anywhere.
	var longest string
	for _, v := range data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if len(s) > len(longest) {
			longest = s
		}
	}
	if len(longest) >= minSubstantialNarrative {
		return longest
	}

	// Last resort: any non-empty string value.
	if strings.TrimSpace(longest) != "" {
		return longest
	}
	return ""
}
