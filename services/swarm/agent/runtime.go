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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

// maxFallbackAttempts bounds how many nodes one call will try: the
// primary plus up to two fallbacks.
const maxFallbackAttempts = 3

var (
	agentCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "agent",
		Name:      "calls_total",
		Help:      "Agent calls by role and status.",
	}, []string{"role", "status"})

	agentCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "swarm",
		Subsystem: "agent",
		Name:      "call_duration_seconds",
		Help:      "End-to-end agent call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	}, []string{"role"})
)

// Status of an agent result envelope.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Format of the data in an envelope.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Task is one unit of agent work.
type Task struct {
	// ID defaults to "<role>-<uuid>" when empty.
	ID       string
	Role     Role
	Input    string
	Model    string
	Priority int
	// Timeout overrides the role default when non-zero.
	Timeout time.Duration
	// ForceHedge races the call on two nodes regardless of load.
	ForceHedge bool
	// NodeURL pins the task to one node, bypassing routing. Used by
	// workflows that must place successive rounds on distinct nodes.
	NodeURL string
}

// Envelope is the public shape of every agent output:
// {agent, status, format, data}. Text format means JSON recovery was
// exhausted and data holds {"content": raw}.
type Envelope struct {
	Agent  string         `json:"agent"`
	Status string         `json:"status"`
	Format string         `json:"format"`
	Data   map[string]any `json:"data"`
	Error  string         `json:"error,omitempty"`
}

// Result is one completed task with its placement and timing.
type Result struct {
	TaskID     string
	NodeURL    string
	DurationMS float64
	Success    bool
	Envelope   Envelope
	Raw        string
}

// generateRequest is the Ollama /api/generate body.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

// generateResponse is the subset of the Ollama reply the runtime reads.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Runtime executes agent tasks against the fleet through the load
// balancer. One Runtime serves all roles.
type Runtime struct {
	Balancer *routing.LoadBalancer
	Bus      *events.Bus
	Logger   *slog.Logger

	client *http.Client
}

// NewRuntime wires an agent runtime. Bus may be nil.
func NewRuntime(lb *routing.LoadBalancer, bus *events.Bus, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		Balancer: lb,
		Bus:      bus,
		Logger:   logger,
		client:   &http.Client{},
	}
}

// Execute runs one task end to end: route, call, extract, validate,
// repair, wrap. It never panics the workflow: unrecoverable failures
// come back as an error-status envelope.
func (r *Runtime) Execute(ctx context.Context, task Task) Result {
	if task.ID == "" {
		task.ID = fmt.Sprintf("%s-%s", strings.ToLower(task.Role.Name), uuid.NewString()[:8])
	}
	timeout := task.Timeout
	if timeout == 0 {
		timeout = task.Role.Timeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	ctx, span := otel.Tracer("swarm.agent").Start(ctx, "Runtime.Execute",
		oteltrace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("role", task.Role.Name),
			attribute.String("model", task.Model),
		),
	)
	defer span.End()

	start := time.Now()
	r.publish(events.LevelInfo, events.TypeAgentStart, task.Role.Name+" started",
		map[string]any{"task_id": task.ID, "model": task.Model})

	payload := routing.Payload{
		Model:  task.Model,
		Prompt: task.Role.BuildPrompt(task.Input),
		System: task.Role.SystemPrompt,
	}

	if task.NodeURL != "" {
		raw, err := r.callNode(ctx, task.NodeURL, payload, timeout)
		if node, ok := r.Balancer.Registry.NodeByURL(task.NodeURL); ok {
			node.RecordOutcome(time.Since(start), err == nil, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pinned node failed")
			return r.finish(task, task.NodeURL, start, Envelope{
				Agent:  task.Role.Name,
				Status: StatusError,
				Format: FormatText,
				Data:   map[string]any{"content": ""},
				Error:  err.Error(),
			}, "")
		}
		envelope := r.shape(ctx, task, raw, task.NodeURL, payload.Model, timeout)
		return r.finish(task, task.NodeURL, start, envelope, raw)
	}

	decision, err := r.Balancer.RouteRequest(ctx, payload, task.Priority)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		return r.finish(task, "", start, Envelope{
			Agent:  task.Role.Name,
			Status: StatusError,
			Format: FormatText,
			Data:   map[string]any{"content": ""},
			Error:  err.Error(),
		}, "")
	}

	raw, nodeURL, callErr := r.callWithFallbacks(ctx, decision, payload, timeout, task)
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "all backends failed")
		return r.finish(task, nodeURL, start, Envelope{
			Agent:  task.Role.Name,
			Status: StatusError,
			Format: FormatText,
			Data:   map[string]any{"content": ""},
			Error:  callErr.Error(),
		}, "")
	}

	envelope := r.shape(ctx, task, raw, nodeURL, payload.Model, timeout)
	return r.finish(task, nodeURL, start, envelope, raw)
}

// callWithFallbacks tries the decision's primary then its fallbacks,
// recording one performance sample per attempt. With hedging engaged it
// instead races the top candidates; the hedging executor then owns the
// memory accounting and only the winner's node metrics are updated here.
func (r *Runtime) callWithFallbacks(ctx context.Context, decision *routing.Decision, payload routing.Payload, timeout time.Duration, task Task) (string, string, error) {
	candidates := append([]string{decision.NodeURL}, decision.Fallbacks...)
	if len(candidates) > maxFallbackAttempts {
		candidates = candidates[:maxFallbackAttempts]
	}

	if k := r.Balancer.HedgeK(task.Priority, task.ForceHedge); k > 1 && len(candidates) > 1 {
		result, winner, err := r.Balancer.Hedging.Race(ctx, candidates,
			func(ctx context.Context, nodeURL string) (any, error) {
				return r.callNode(ctx, nodeURL, payload, timeout)
			},
			k, timeout, decision.Context.TaskType, payload.Model)
		if err != nil {
			return "", "", err
		}
		if node, ok := r.Balancer.Registry.NodeByURL(winner); ok {
			node.RecordOutcome(time.Since(decision.Timestamp), true, nil)
		}
		return result.(string), winner, nil
	}

	var lastErr error
	for _, nodeURL := range candidates {
		attemptStart := time.Now()
		raw, err := r.callNode(ctx, nodeURL, payload, timeout)
		attempt := *decision
		attempt.NodeURL = nodeURL
		r.Balancer.RecordPerformance(&attempt, time.Since(attemptStart), err == nil, err)
		if err == nil {
			return raw, nodeURL, nil
		}
		lastErr = err
		r.Logger.Warn("backend attempt failed, trying fallback",
			slog.String("node", nodeURL),
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		if ctx.Err() != nil {
			break
		}
	}
	return "", "", fmt.Errorf("all %d backend attempts failed: %w", len(candidates), lastErr)
}

// callNode POSTs one generate request. A rejection mentioning the
// format parameter is retried once without it; some servers predate
// structured output.
func (r *Runtime) callNode(ctx context.Context, nodeURL string, payload routing.Payload, timeout time.Duration) (string, error) {
	raw, err := r.post(ctx, nodeURL, generateRequest{
		Model:  payload.Model,
		Prompt: payload.Prompt,
		System: payload.System,
		Stream: false,
		Format: "json",
	}, timeout)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "format") {
		raw, err = r.post(ctx, nodeURL, generateRequest{
			Model:  payload.Model,
			Prompt: payload.Prompt,
			System: payload.System,
			Stream: false,
		}, timeout)
	}
	return raw, err
}

func (r *Runtime) post(ctx context.Context, nodeURL string, reqBody generateRequest, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding generate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST %s/api/generate: %w", nodeURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("POST %s/api/generate: status %d: %s",
			nodeURL, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var gen generateResponse
	if err := json.Unmarshal(respBody, &gen); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	return gen.Response, nil
}

// shape extracts and validates the JSON, running the patch-repair loop
// against the same node and model, and degrades to text format when
// everything fails.
func (r *Runtime) shape(ctx context.Context, task Task, raw, nodeURL, model string, timeout time.Duration) Envelope {
	data, err := ExtractJSON(raw)
	if err != nil {
		r.Logger.Warn("no JSON in agent output, degrading to text",
			slog.String("task_id", task.ID),
			slog.String("node", nodeURL),
		)
		return Envelope{
			Agent:  task.Role.Name,
			Status: StatusSuccess,
			Format: FormatText,
			Data:   map[string]any{"content": raw},
		}
	}

	if len(task.Role.Schema) == 0 {
		return Envelope{Agent: task.Role.Name, Status: StatusSuccess, Format: FormatJSON, Data: data}
	}

	repair := func(ctx context.Context, prompt string) (string, error) {
		return r.callNode(ctx, nodeURL, routing.Payload{Model: model, Prompt: prompt}, timeout)
	}
	repaired, valid := RepairLoop(ctx, data, task.Role.Schema, repair, r.Logger)
	if valid {
		return Envelope{Agent: task.Role.Name, Status: StatusSuccess, Format: FormatJSON, Data: repaired}
	}

	// Repair exhausted: best-effort partial, flagged but not fatal.
	return Envelope{
		Agent:  task.Role.Name,
		Status: StatusSuccess,
		Format: FormatJSON,
		Data:   repaired,
		Error:  "schema validation incomplete after repair",
	}
}

func (r *Runtime) finish(task Task, nodeURL string, start time.Time, envelope Envelope, raw string) Result {
	elapsed := time.Since(start)
	agentCallsTotal.WithLabelValues(task.Role.Name, envelope.Status).Inc()
	agentCallDuration.WithLabelValues(task.Role.Name).Observe(elapsed.Seconds())
	r.publish(events.LevelInfo, events.TypeAgentFinish, task.Role.Name+" finished",
		map[string]any{
			"task_id":     task.ID,
			"node":        nodeURL,
			"status":      envelope.Status,
			"duration_ms": elapsed.Milliseconds(),
		})
	return Result{
		TaskID:     task.ID,
		NodeURL:    nodeURL,
		DurationMS: float64(elapsed.Milliseconds()),
		Success:    envelope.Status == StatusSuccess,
		Envelope:   envelope,
		Raw:        raw,
	}
}

func (r *Runtime) publish(level events.Level, typ, msg string, details map[string]any) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(events.Event{
		Component: "agent",
		Level:     level,
		Type:      typ,
		Message:   msg,
		Details:   details,
	})
}
