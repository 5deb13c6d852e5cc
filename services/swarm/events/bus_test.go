// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversToChannelSubscriber(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(ChannelCoordinator)
	defer sub.Cancel()

	bus.Publish(Event{
		Component: "coordinator",
		Level:     LevelInfo,
		Type:      TypeCoordinatorStart,
		Message:   "coordinator started",
	})

	select {
	case ev := <-sub.C:
		if ev.Type != TypeCoordinatorStart {
			t.Errorf("event type = %q, want %q", ev.Type, TypeCoordinatorStart)
		}
		if ev.Timestamp.IsZero() {
			t.Error("bus did not stamp the event timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestBusAllLogsReceivesEveryChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(ChannelAllLogs)
	defer sub.Cancel()

	components := []string{"coordinator", "rpc_backend", "metrics", "registry"}
	for _, c := range components {
		bus.Publish(Event{Component: c, Level: LevelInfo, Type: "t", Message: "m"})
	}

	received := 0
	deadline := time.After(2 * time.Second)
	for received < len(components) {
		select {
		case <-sub.C:
			received++
		case <-deadline:
			t.Fatalf("received %d events, want %d", received, len(components))
		}
	}
}

func TestBusChannelSubscriberFiltersOtherChannels(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(ChannelMetrics)
	defer sub.Cancel()

	bus.Publish(Event{Component: "registry", Type: TypeNodeHealthy, Message: "up"})
	bus.Publish(Event{Component: "metrics", Type: TypeMetricSnapshot, Message: "snap"})

	select {
	case ev := <-sub.C:
		if ev.Type != TypeMetricSnapshot {
			t.Errorf("metrics subscriber received %q", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("metrics subscriber never received its event")
	}

	select {
	case ev := <-sub.C:
		t.Errorf("unexpected second event on metrics channel: %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus(nil)
	bus.Close() // dispatcher stopped: queue fills and must drop oldest

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultQueueSize*2; i++ {
			bus.Publish(Event{Component: "registry", Message: "flood"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
}

func TestBusConcurrentPublishAndCancel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Publish(Event{Component: "registry", Message: "m"})
			}
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(ChannelAllLogs)
			for j := 0; j < 10; j++ {
				select {
				case <-sub.C:
				case <-time.After(5 * time.Millisecond):
				}
			}
			sub.Cancel()
			sub.Cancel() // double cancel must be safe
		}()
	}
	wg.Wait()
}

func TestEventJSONRoundTrip(t *testing.T) {
	ev := Event{
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Component: "router",
		Level:     LevelInfo,
		Type:      TypeRouteDecision,
		Message:   "routed",
		Details:   map[string]any{"score": 87.5, "node": "http://10.0.0.2:11434"},
	}
	got := string(ev.JSON())
	if got == "{}" {
		t.Fatal("JSON() returned empty object for a valid event")
	}
	for _, want := range []string{`"component":"router"`, `"event_type":"route_decision"`} {
		if !strings.Contains(got, want) {
			t.Errorf("JSON() = %s, missing %s", got, want)
		}
	}
}
