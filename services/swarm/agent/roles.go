// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent executes role-typed LLM calls against the fleet: build
// the payload, route it, extract and validate the JSON, repair what the
// model got wrong, and record how the node performed.
//
// Roles are data. A role is a system prompt, an expected schema, and a
// timeout; there are no per-role code paths. Adding a role is a new
// Role value, not new logic.
package agent

import (
	"fmt"
	"time"
)

// Default per-call timeouts. The Editor synthesizes long documents and
// gets double time.
const (
	DefaultTimeout = 300 * time.Second
	EditorTimeout  = 600 * time.Second
)

// Role is the complete definition of one agent type.
type Role struct {
	Name         string
	SystemPrompt string
	Schema       Schema
	Timeout      time.Duration
	// PromptPrefix frames the user input, e.g. "Research and extract
	// key information from the following:".
	PromptPrefix string
}

// BuildPrompt wraps the user input in the role's framing.
func (r Role) BuildPrompt(input string) string {
	if r.PromptPrefix == "" {
		return input
	}
	return fmt.Sprintf("%s\n\n%s\n\nProvide output as JSON.", r.PromptPrefix, input)
}

// Researcher extracts facts, context, and topics from the input.
var Researcher = Role{
	Name: "Researcher",
	SystemPrompt: "You are a research agent. Your role is to extract key facts, " +
		"gather relevant context, and identify important topics from the input. " +
		"Provide comprehensive background information in JSON format with fields: " +
		"key_facts (list), context (string), topics (list).",
	Schema: Schema{
		"key_facts": FieldList,
		"context":   FieldString,
		"topics":    FieldList,
	},
	Timeout:      DefaultTimeout,
	PromptPrefix: "Research and extract key information from the following:",
}

// Critic reviews prior output for errors, gaps, and redundancy.
var Critic = Role{
	Name: "Critic",
	SystemPrompt: "You are a critical reviewer. Examine the given material for factual " +
		"errors, logical gaps, redundancy, and unclear passages. Be specific and " +
		"constructive. Provide output in JSON format with fields: " +
		"issues (list), strengths (list), suggestions (list), severity (string).",
	Schema: Schema{
		"issues":      FieldList,
		"strengths":   FieldList,
		"suggestions": FieldList,
		"severity":    FieldString,
	},
	Timeout:      DefaultTimeout,
	PromptPrefix: "Critically review the following material:",
}

// Editor synthesizes research into a structured final answer.
var Editor = Role{
	Name: "Editor",
	SystemPrompt: "You are a technical editor. Synthesize research into a clear, " +
		"well-structured answer. Be thorough but concise - quality over quantity. " +
		"Eliminate redundancy while preserving key information. " +
		"Use proper formatting for equations and math notation. " +
		"Avoid repetition - if a concept is mentioned, explain it once clearly " +
		"rather than restating. Target 500-800 words for detailed_explanation.",
	Schema: Schema{
		"summary":                FieldString,
		"key_points":             FieldList,
		"detailed_explanation":   FieldString,
		"examples":               FieldList,
		"practical_applications": FieldList,
	},
	Timeout:      EditorTimeout,
	PromptPrefix: "Synthesize this research into a clear, comprehensive answer:",
}

// Storyteller produces narrative prose instead of analytical structure.
var Storyteller = Role{
	Name: "Storyteller",
	SystemPrompt: "You are a master storyteller. Write engaging, vivid narrative prose " +
		"with strong imagery and pacing. Stay consistent with any established " +
		"characters, setting, and tone. Provide output in JSON format with fields: " +
		"story (string), themes (list).",
	Schema: Schema{
		"story":  FieldString,
		"themes": FieldList,
	},
	Timeout:      DefaultTimeout,
	PromptPrefix: "Continue or create the following story:",
}

// CustomRole builds a caller-defined role. Zero timeout takes the
// default.
func CustomRole(name, systemPrompt string, schema Schema, timeout time.Duration) Role {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return Role{
		Name:         name,
		SystemPrompt: systemPrompt,
		Schema:       schema,
		Timeout:      timeout,
	}
}
