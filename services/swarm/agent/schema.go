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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// FieldType is the primitive kind a schema field must hold.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldList   FieldType = "list"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldObject FieldType = "object"
)

// Schema maps required field names to their expected primitive types.
// Extra fields in the data are tolerated; schemas state the minimum.
type Schema map[string]FieldType

// ValidationError is one schema violation, addressed by JSON Pointer so
// the repair prompt can reference it directly.
type ValidationError struct {
	Path     string
	Message  string
	Expected FieldType
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks required fields and primitive types.
func (s Schema) Validate(data map[string]any) []ValidationError {
	var errs []ValidationError
	for field, want := range s {
		v, ok := data[field]
		if !ok {
			errs = append(errs, ValidationError{
				Path:     "/" + field,
				Message:  "missing required field: " + field,
				Expected: want,
			})
			continue
		}
		if !typeMatches(v, want) {
			errs = append(errs, ValidationError{
				Path:     "/" + field,
				Message:  fmt.Sprintf("type mismatch: expected %s, got %T", want, v),
				Expected: want,
			})
		}
	}
	return errs
}

func typeMatches(v any, want FieldType) bool {
	switch want {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldList:
		_, ok := v.([]any)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, json.Number:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// maxRepairAttempts bounds the patch loop. Three rounds recovers nearly
// everything a model will ever fix; past that the output degrades to
// text format instead of looping.
const maxRepairAttempts = 3

// RepairFunc asks the model that produced the invalid JSON for a fix.
// It receives the repair prompt and returns the model's raw response,
// which must contain an RFC 6902 patch array.
type RepairFunc func(ctx context.Context, prompt string) (string, error)

// RepairLoop validates data against the schema and, while invalid, asks
// the model for a JSON Patch and applies it.
//
// Outputs:
//
//	map[string]any - The final document: fully valid on success, the
//	                 best-effort last state when attempts run out.
//	bool           - True when the final document validates.
func RepairLoop(ctx context.Context, data map[string]any, schema Schema, repair RepairFunc, logger *slog.Logger) (map[string]any, bool) {
	if logger == nil {
		logger = slog.Default()
	}

	errs := schema.Validate(data)
	if len(errs) == 0 {
		return data, true
	}

	current := data
	for attempt := 1; attempt <= maxRepairAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		prompt := buildRepairPrompt(current, errs, schema, attempt)
		response, err := repair(ctx, prompt)
		if err != nil {
			logger.Warn("repair call failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		patched, err := applyPatch(current, response)
		if err != nil {
			logger.Warn("patch application failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		current = patched

		errs = schema.Validate(current)
		if len(errs) == 0 {
			logger.Debug("schema repaired", slog.Int("attempt", attempt))
			return current, true
		}
		logger.Debug("repair attempt reduced errors",
			slog.Int("attempt", attempt),
			slog.Int("remaining", len(errs)),
		)
	}
	return current, false
}

// applyPatch extracts the patch array from the model response and
// applies it to the document.
func applyPatch(doc map[string]any, response string) (map[string]any, error) {
	patchText := strings.TrimSpace(response)
	if i := strings.IndexByte(patchText, '['); i >= 0 {
		if span := balancedSpan(patchText[i:], '[', ']'); span != "" {
			patchText = span
		}
	}
	// A single bare operation object is tolerated and wrapped.
	if strings.HasPrefix(patchText, "{") {
		patchText = "[" + patchText + "]"
	}

	patch, err := jsonpatch.DecodePatch([]byte(patchText))
	if err != nil {
		return nil, fmt.Errorf("decoding patch: %w", err)
	}
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	patchedBytes, err := patch.Apply(docBytes)
	if err != nil {
		return nil, fmt.Errorf("applying patch: %w", err)
	}
	var patched map[string]any
	if err := json.Unmarshal(patchedBytes, &patched); err != nil {
		return nil, fmt.Errorf("unmarshaling patched document: %w", err)
	}
	return patched, nil
}

func buildRepairPrompt(current map[string]any, errs []ValidationError, schema Schema, attempt int) string {
	currentJSON, _ := json.MarshalIndent(current, "", "  ")
	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")

	var errList strings.Builder
	for _, e := range errs {
		fmt.Fprintf(&errList, "- %s\n", e.String())
	}

	return fmt.Sprintf(`The following JSON has validation errors:

Current JSON:
%s

Validation Errors:
%s
Expected Schema:
%s

Generate a JSON Patch (RFC 6902) to fix these validation errors.

Your response must be ONLY a valid JSON array of patch operations.
Use operations: add, remove, replace, move, copy, test

Example format:
[
  {"op": "add", "path": "/missing_field", "value": "some value"},
  {"op": "replace", "path": "/wrong_field", "value": "corrected value"}
]

Attempt %d/%d. Provide the JSON Patch now:`,
		currentJSON, errList.String(), schemaJSON, attempt, maxRepairAttempts)
}
