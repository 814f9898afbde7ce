// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xread/internal/creds"
)

func getMap(t *testing.T, base string, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(base + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, out
}

// TestRoot_ServiceBanner checks the service banner the root path answers
// with.
func TestRoot_ServiceBanner(t *testing.T) {
	env := newEnv(t, &fakeFetcher{})

	resp, body := getMap(t, env.ts.URL, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["name"] != "xread" || body["status"] != "running" {
		t.Fatalf("unexpected banner: %v", body)
	}
}

// TestHealth_PassiveFlags verifies the load-balancer health payload:
// guest pool size plus per-backend connectivity flags, with no active
// probing.
func TestHealth_PassiveFlags(t *testing.T) {
	env := newEnv(t, &fakeFetcher{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		g := &creds.Guest{GuestToken: "gt", CSRFToken: "csrf", CreatedAt: time.Now()}
		if err := env.guests.Add(ctx, g); err != nil {
			t.Fatalf("seeding guest: %v", err)
		}
	}

	resp, body := getMap(t, env.ts.URL, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy, got %v", body["status"])
	}
	if body["pool_size"] != float64(2) {
		t.Fatalf("expected pool_size 2, got %v", body["pool_size"])
	}
	if body["cache_redis"] != true {
		t.Fatalf("expected cache_redis true, got %v", body["cache_redis"])
	}
	// No L2 is wired and the sink has no backend.
	if body["cache_typesense"] != false || body["cache_clickhouse"] != false {
		t.Fatalf("expected typesense/clickhouse false, got %v", body)
	}
}

// TestDebugHealth_ActiveProbes runs the operator health check: redis
// answers its ping, the unwired backends report their failure reason.
func TestDebugHealth_ActiveProbes(t *testing.T) {
	env := newEnv(t, &fakeFetcher{})

	resp, body := getMap(t, env.ts.URL, "/debug/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	backends, ok := body["backends"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing backends map: %v", body)
	}
	redisProbe := backends["redis"].(map[string]interface{})
	if redisProbe["ok"] != true {
		t.Fatalf("expected redis probe ok, got %v", redisProbe)
	}
	for _, name := range []string{"typesense", "clickhouse"} {
		probe := backends[name].(map[string]interface{})
		if probe["ok"] != false {
			t.Fatalf("expected %s probe to fail, got %v", name, probe)
		}
		if reason, _ := probe["error"].(string); reason == "" {
			t.Fatalf("expected %s probe to carry a reason, got %v", name, probe)
		}
	}
}

// TestPoolStats_Sections checks every pool surface shows up in the stats
// payload with its own keys.
func TestPoolStats_Sections(t *testing.T) {
	env := newEnv(t, &fakeFetcher{})
	if err := env.guests.Add(context.Background(), &creds.Guest{GuestToken: "gt", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("seeding guest: %v", err)
	}

	resp, body := getMap(t, env.ts.URL, "/v1/pool/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	guests, ok := body["guests"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing guests section: %v", body)
	}
	if guests["size"] != float64(1) {
		t.Fatalf("expected guest pool size 1, got %v", guests["size"])
	}
	accounts := body["accounts"].(map[string]interface{})
	if accounts["total"] != float64(0) {
		t.Fatalf("expected zero accounts, got %v", accounts["total"])
	}
	sessions := body["sessions"].(map[string]interface{})
	if sessions["warm_sessions"] != float64(0) {
		t.Fatalf("expected zero warm sessions, got %v", sessions["warm_sessions"])
	}
	egress := body["egress"].(map[string]interface{})
	if egress["count"] != float64(0) {
		t.Fatalf("expected zero egresses, got %v", egress["count"])
	}
	analyticsStats := body["analytics"].(map[string]interface{})
	if analyticsStats["available"] != false {
		t.Fatalf("expected analytics unavailable, got %v", analyticsStats)
	}
	if body["coalesce_in_flight"] != float64(0) {
		t.Fatalf("expected no in-flight builds, got %v", body["coalesce_in_flight"])
	}
}

// TestMetricsRoute ensures the router exposes /metrics with a 200
// response.
func TestMetricsRoute(t *testing.T) {
	env := newEnv(t, &fakeFetcher{})

	resp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct == "" {
		t.Fatalf("/metrics missing Content-Type header")
	}
}

// TestBodyLimit rejects oversized request bodies before they reach a
// handler.
func TestBodyLimit(t *testing.T) {
	h := maxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("under")))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 under the limit, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("way over limit")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 over the limit, got %d", w.Code)
	}
}
