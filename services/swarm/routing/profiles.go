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
	"regexp"
	"strconv"
	"strings"
)

// ModelProfile describes a model's resource footprint for path selection
// (single node vs. RPC sharding cluster).
type ModelProfile struct {
	Name               string
	ParameterBillions  int
	EstimatedMemoryGB  float64
	RequiresSharding   bool
	TransformerLayers  int
}

// modelProfiles is the built-in sizing table keyed by normalized tag.
// Kept as data so new models are one line, not a code change. Lookup
// falls back to the base name, then to suffix parsing.
var modelProfiles = map[string]ModelProfile{
	// Small: fit any single node.
	"llama3.2":    {"llama3.2", 3, 2.5, false, 32},
	"llama3.2:3b": {"llama3.2:3b", 3, 2.5, false, 32},
	"phi":         {"phi", 3, 1.5, false, 32},
	"phi3":        {"phi3", 4, 2.0, false, 32},
	"gemma:7b":    {"gemma:7b", 7, 5.0, false, 28},
	"mistral:7b":  {"mistral:7b", 7, 5.0, false, 32},
	"llama2:7b":   {"llama2:7b", 7, 5.0, false, 32},
	"llama3:8b":   {"llama3:8b", 8, 6.0, false, 32},
	"llama3.1:8b": {"llama3.1:8b", 8, 6.0, false, 32},
	"llama2:13b":  {"llama2:13b", 13, 9.0, false, 40},

	// Medium: a large single GPU may hold them, otherwise shard.
	"llama2:70b":   {"llama2:70b", 70, 40.0, true, 80},
	"llama3:70b":   {"llama3:70b", 70, 40.0, true, 80},
	"llama3.1:70b": {"llama3.1:70b", 70, 40.0, true, 80},
	"mixtral:8x7b": {"mixtral:8x7b", 47, 26.0, true, 32},
	"qwen2.5:72b":  {"qwen2.5:72b", 72, 42.0, true, 80},

	// Large: sharding is mandatory.
	"llama3.1:405b": {"llama3.1:405b", 405, 230.0, true, 126},
	"mixtral:8x22b": {"mixtral:8x22b", 141, 80.0, true, 56},
}

// paramSuffixRe matches a parameter-count marker anywhere in a tag,
// e.g. ":70b", "-13b", "8x7b" (the multiplier form is handled first).
var (
	paramSuffixRe = regexp.MustCompile(`(\d+)b`)
	paramMoERe    = regexp.MustCompile(`(\d+)x(\d+)b`)
)

// defaultParamBillions is assumed when a tag carries no size marker.
const defaultParamBillions = 8

// memoryGBPerBillion is the rough fp16-with-overhead footprint used when
// estimating unknown models.
const memoryGBPerBillion = 0.6

// ProfileFor returns the sizing profile for a model tag. Known tags use
// the table; unknown tags are estimated from the size marker in the
// name, defaulting to 8B.
func ProfileFor(model string) ModelProfile {
	key := strings.ToLower(strings.TrimSpace(model))
	if p, ok := modelProfiles[key]; ok {
		return p
	}
	if base, _, found := strings.Cut(key, ":"); found {
		if p, ok := modelProfiles[base]; ok {
			return p
		}
	}
	return estimateProfile(key)
}

func estimateProfile(model string) ModelProfile {
	params := defaultParamBillions
	if m := paramMoERe.FindStringSubmatch(model); m != nil {
		experts, _ := strconv.Atoi(m[1])
		per, _ := strconv.Atoi(m[2])
		// MoE weight sharing: total is less than experts×size.
		params = int(float64(experts*per) * 0.85)
	} else if m := paramSuffixRe.FindStringSubmatch(model); m != nil {
		params, _ = strconv.Atoi(m[1])
	}

	layers := params
	if layers < 32 {
		layers = 32
	}
	return ModelProfile{
		Name:              model,
		ParameterBillions: params,
		EstimatedMemoryGB: float64(params) * memoryGBPerBillion,
		RequiresSharding:  params > 70,
		TransformerLayers: layers,
	}
}
