// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the structured, best-effort pub/sub channel over
// which routing decisions, health transitions, and coordinator lifecycle
// events flow. Producers never block: the bus drops the oldest event when
// its bounded queue overflows, and slow subscribers lose events rather than
// stalling the fleet.
//
// Thread Safety:
//
//	All exported types in this package are safe for concurrent use.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Level is the severity of an event.
type Level string

// Event severity levels.
const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Logical channels events are routed to. A subscriber picks one channel;
// ChannelAllLogs receives every event regardless of origin.
const (
	ChannelAllLogs     = "all_logs"
	ChannelCoordinator = "coordinator"
	ChannelRPCBackends = "rpc_backends"
	ChannelMetrics     = "metrics"
	ChannelRaw         = "raw"
)

// Well-known event types emitted by the core.
const (
	TypeRouteDecision    = "route_decision"
	TypeAgentStart       = "agent_start"
	TypeAgentFinish      = "agent_finish"
	TypeNodeHealthy      = "node_healthy"
	TypeNodeUnhealthy    = "node_unhealthy"
	TypeCoordinatorStart = "coordinator.start"
	TypeCoordinatorStop  = "coordinator.stop"
	TypeRPCConnect       = "rpc.connect"
	TypeRPCDisconnect    = "rpc.disconnect"
	TypeModelLoad        = "model.load"
	TypeMetricSnapshot   = "metric.snapshot"
)

// defaultQueueSize bounds the bus queue. Oldest events are dropped on
// overflow so producers never block.
const defaultQueueSize = 10000

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls more than this far behind loses events.
const subscriberBuffer = 256

var (
	busPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events accepted by the bus, by channel.",
	}, []string{"channel"})

	busDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "swarm",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped on back-pressure: queue (bus overflow) or subscriber (slow consumer).",
	}, []string{"reason"})
)

// Event is one structured pub/sub record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Type      string         `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
}

// JSON renders the event as a single JSON object. Marshal failures return
// an empty object; events are best-effort by contract.
func (e Event) JSON() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Channel returns the logical channel this event belongs to, derived from
// the emitting component.
func (e Event) Channel() string {
	switch e.Component {
	case "coordinator":
		return ChannelCoordinator
	case "rpc_backend":
		return ChannelRPCBackends
	case "metrics":
		return ChannelMetrics
	case "raw":
		return ChannelRaw
	default:
		return ChannelAllLogs
	}
}

// Subscription is a live attachment to the bus. Events arrives on C until
// Cancel is called; after Cancel, C is closed.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Cancel detaches the subscription from the bus and closes C.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Bus fans structured events out to in-process subscribers and optional
// sinks (see Sink). Publish is non-blocking: when the internal queue is
// full, the oldest queued event is discarded.
//
// The bus must be injected into producers; it never holds references to
// them (see the dashboard bridge for the subscriber side).
type Bus struct {
	queue  chan Event
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]*busSubscriber
	nextID int
	sinks  []Sink
	closed bool
	done   chan struct{}
}

// Sink receives every event accepted by the bus. Sinks must not block;
// the Redis publisher is the canonical implementation.
type Sink interface {
	Emit(ev Event)
}

type busSubscriber struct {
	ch      chan Event
	channel string
}

// NewBus creates a bus with the default queue bound and starts its
// dispatch goroutine. Close releases it.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		queue:  make(chan Event, defaultQueueSize),
		logger: logger,
		subs:   make(map[int]*busSubscriber),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish enqueues an event. Never blocks: on a full queue the oldest
// event is dropped to make room.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	busPublishedTotal.WithLabelValues(ev.Channel()).Inc()

	for {
		select {
		case b.queue <- ev:
			return
		default:
		}
		// Queue full: discard the oldest and retry once. A concurrent
		// dispatch may have drained in between, so loop.
		select {
		case <-b.queue:
			busDroppedTotal.WithLabelValues("queue").Inc()
		default:
		}
	}
}

// Subscribe attaches a consumer to a logical channel. ChannelAllLogs
// receives everything. The returned subscription's channel is buffered;
// events beyond the buffer are dropped for that subscriber only.
func (b *Bus) Subscribe(channel string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &busSubscriber{ch: make(chan Event, subscriberBuffer), channel: channel}
	b.subs[id] = sub

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			once.Do(func() {
				// Close under the bus lock so deliver never sends on a
				// closed channel.
				b.mu.Lock()
				delete(b.subs, id)
				close(sub.ch)
				b.mu.Unlock()
			})
		},
	}
}

// AddSink registers an external sink (e.g. the Redis publisher).
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Close stops the dispatch goroutine. Pending queued events are discarded.
// Subscriptions must be cancelled by their owners.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

func (b *Bus) deliver(ev Event) {
	channel := ev.Channel()

	b.mu.Lock()
	for _, sub := range b.subs {
		if sub.channel != ChannelAllLogs && sub.channel != channel {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			busDroppedTotal.WithLabelValues("subscriber").Inc()
		}
	}
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, s := range sinks {
		s.Emit(ev)
	}
}
