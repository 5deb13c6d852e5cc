// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianSwarm/services/swarm/cluster"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/events"
	"github.com/AleutianAI/AleutianSwarm/services/swarm/routing"
)

func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models": [{"name": "llama3.2:3b"}]}`)
	})
	mux.HandleFunc("/api/ps", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"models": []}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": "pong", "done": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAPI(t *testing.T, bus *events.Bus, servers ...*httptest.Server) (*gin.Engine, *cluster.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := cluster.NewRegistry(bus, nil)
	for i, srv := range servers {
		if _, err := reg.AddNode(context.Background(), srv.URL, fmt.Sprintf("node-%d", i), 5); err != nil {
			t.Fatal(err)
		}
	}
	lb := routing.NewLoadBalancer(reg, nil, nil, nil, nil)
	h := NewHandlers(reg, lb, &Collector{Registry: reg}, bus, nil)

	router := gin.New()
	RegisterRoutes(router.Group("/v1"), h)
	return router, reg
}

func mustNode(t *testing.T, reg *cluster.Registry, url string) *cluster.Node {
	t.Helper()
	node, ok := reg.NodeByURL(url)
	if !ok {
		t.Fatalf("node %s not registered", url)
	}
	return node
}

func TestSnapshotClassifiesHosts(t *testing.T) {
	fast := fakeOllama(t)
	slow := fakeOllama(t)
	dead := fakeOllama(t)

	reg := cluster.NewRegistry(nil, nil)
	for _, srv := range []*httptest.Server{fast, slow, dead} {
		if _, err := reg.AddNode(context.Background(), srv.URL, "", 5); err != nil {
			t.Fatal(err)
		}
	}
	mustNode(t, reg, fast.URL).RecordOutcome(100*time.Millisecond, true, nil)
	mustNode(t, reg, slow.URL).RecordOutcome(2*time.Second, true, nil)
	deadNode := mustNode(t, reg, dead.URL)
	dead.Close()
	deadNode.ProbeHealth(context.Background(), 200*time.Millisecond)

	snap := (&Collector{Registry: reg}).Snapshot()

	if snap.Status.TotalHosts != 3 || snap.Status.AvailableHosts != 2 {
		t.Errorf("hosts = %d/%d, want 2/3",
			snap.Status.AvailableHosts, snap.Status.TotalHosts)
	}
	if !snap.Status.Healthy {
		t.Error("fleet reported unhealthy with two available hosts")
	}

	statuses := map[string]string{}
	for _, h := range snap.Hosts {
		statuses[h.Host] = h.Status
	}
	if statuses[fast.URL] != HostHealthy {
		t.Errorf("fast host = %s", statuses[fast.URL])
	}
	if statuses[slow.URL] != HostDegraded {
		t.Errorf("slow host = %s", statuses[slow.URL])
	}
	if statuses[dead.URL] != HostOffline {
		t.Errorf("dead host = %s", statuses[dead.URL])
	}

	var critical, warning int
	for _, a := range snap.Alerts {
		switch a.Severity {
		case "critical":
			critical++
			if !strings.Contains(a.Message, dead.URL) {
				t.Errorf("critical alert = %q", a.Message)
			}
		case "warning":
			warning++
		}
	}
	if critical != 1 || warning != 1 {
		t.Errorf("alerts = %d critical / %d warning, want 1/1", critical, warning)
	}

	// Averages cover only hosts that served traffic.
	if got := snap.Performance.AvgLatencyMS; got != 1050 {
		t.Errorf("avg latency = %v, want 1050", got)
	}
}

func TestSnapshotRPCHosts(t *testing.T) {
	reg := cluster.NewRegistry(nil, nil)
	_, err := reg.CreateCluster("big", "llama3.1:70b", []cluster.RPCBackend{
		{Host: "10.0.0.1", Port: 50052, Layers: 40},
		{Host: "10.0.0.2", Port: 50052, Layers: 40},
	})
	if err != nil {
		t.Fatal(err)
	}

	snap := (&Collector{Registry: reg}).Snapshot()
	if len(snap.RPCHosts) != 2 {
		t.Fatalf("rpc hosts = %d, want 2", len(snap.RPCHosts))
	}
	for _, rh := range snap.RPCHosts {
		if rh.Cluster != "big" || rh.Model != "llama3.1:70b" || rh.Layers != 40 {
			t.Errorf("rpc host = %+v", rh)
		}
		// Never probed: the cluster starts unhealthy.
		if rh.Status != HostOffline {
			t.Errorf("status = %s, want offline", rh.Status)
		}
	}
}

func TestHealthRoute(t *testing.T) {
	router, _ := newAPI(t, nil, fakeOllama(t))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/swarm/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	empty, _ := newAPI(t, nil)
	w = httptest.NewRecorder()
	empty.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/swarm/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("empty fleet status = %d", w.Code)
	}
}

func TestNodeManagementRoutes(t *testing.T) {
	router, _ := newAPI(t, nil)
	srv := fakeOllama(t)

	body := strings.NewReader(fmt.Sprintf(`{"url": %q, "name": "w1"}`, srv.URL))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/swarm/nodes", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d: %s", w.Code, w.Body)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/swarm/nodes", nil))
	var listed struct {
		Nodes []cluster.Snapshot `json:"nodes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Nodes) != 1 || listed.Nodes[0].Name != "w1" {
		t.Errorf("nodes = %+v", listed.Nodes)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/swarm/nodes?url="+srv.URL, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("remove status = %d", w.Code)
	}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/swarm/nodes?url="+srv.URL, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("second remove status = %d", w.Code)
	}
}

func TestAddNodeUnreachable(t *testing.T) {
	router, _ := newAPI(t, nil)
	body := strings.NewReader(`{"url": "http://127.0.0.1:1"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/swarm/nodes", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestGeneratePassthrough(t *testing.T) {
	router, _ := newAPI(t, nil, fakeOllama(t))

	body := strings.NewReader(`{"model": "llama3.2:3b", "prompt": "ping"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/swarm/generate", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	if w.Header().Get("X-Swarm-Node") == "" {
		t.Error("missing node attribution header")
	}
	var resp struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "pong" {
		t.Errorf("response = %q", resp.Response)
	}
}

func TestGenerateEmptyFleet(t *testing.T) {
	router, _ := newAPI(t, nil)
	body := strings.NewReader(`{"model": "llama3.2:3b", "prompt": "ping"}`)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/swarm/generate", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestEventsWebSocketStream(t *testing.T) {
	bus := events.NewBus(nil)
	defer bus.Close()
	router, _ := newAPI(t, bus)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/swarm/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Let the subscription attach before publishing.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(events.Event{
		Component: "router",
		Level:     events.LevelInfo,
		Message:   "routed to node-0",
		Type:      events.TypeRouteDecision,
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Message != "routed to node-0" || ev.Type != events.TypeRouteDecision {
		t.Errorf("event = %+v", ev)
	}
}
