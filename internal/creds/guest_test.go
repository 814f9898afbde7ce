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

package creds

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestHealthScore_FreshCredential(t *testing.T) {
	now := time.Now()
	g := &Guest{GuestToken: "g1", CreatedAt: now}

	if s := healthScore(g, true, now, time.Hour); !almostEqual(s, 1.0) {
		t.Fatalf("fresh successful credential must score 1.0, got %v", s)
	}
	if s := healthScore(g, false, now, time.Hour); !almostEqual(s, 0.8) {
		t.Fatalf("fresh failed credential must score 0.8, got %v", s)
	}
}

func TestHealthScore_AgeDecay(t *testing.T) {
	now := time.Now()
	g := &Guest{GuestToken: "g1", CreatedAt: now.Add(-30 * time.Minute)}

	// Half the TTL consumed: half the 0.3 penalty applied.
	if s := healthScore(g, true, now, time.Hour); !almostEqual(s, 0.85) {
		t.Fatalf("expected 0.85 at half TTL, got %v", s)
	}
	if s := healthScore(g, false, now, time.Hour); !almostEqual(s, 0.65) {
		t.Fatalf("expected 0.65 at half TTL after failure, got %v", s)
	}
}

func TestHealthScore_Floor(t *testing.T) {
	now := time.Now()
	g := &Guest{GuestToken: "g1", CreatedAt: now.Add(-3 * time.Hour)}

	if s := healthScore(g, false, now, time.Hour); !almostEqual(s, 0.1) {
		t.Fatalf("score must floor at 0.1, got %v", s)
	}
}

func TestGuest_ExpiredAndExhausted(t *testing.T) {
	now := time.Now()
	g := &Guest{GuestToken: "g1", CreatedAt: now.Add(-61 * time.Minute), RequestCount: 399}

	if !g.Expired(now, time.Hour) {
		t.Fatal("credential past the TTL must be expired")
	}
	if g.Expired(now, 2*time.Hour) {
		t.Fatal("credential within the TTL must not be expired")
	}
	if g.Exhausted(400) {
		t.Fatal("399 requests with a 400 budget is not exhausted")
	}
	g.RequestCount = 400
	if !g.Exhausted(400) {
		t.Fatal("400 requests with a 400 budget is exhausted")
	}
	if g.Exhausted(0) {
		t.Fatal("a zero budget disables exhaustion")
	}
}
