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

package upstream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// TestSelector_DirectWhenEmpty verifies that a selector with no configured
// identities always yields the direct (empty) egress.
func TestSelector_DirectWhenEmpty(t *testing.T) {
	s := NewSelector("", "", RotateRoundRobin, zerolog.Nop())

	if s.HasEgresses() {
		t.Fatal("expected no egresses configured")
	}
	for i := 0; i < 3; i++ {
		if got := s.Pick(); got != "" {
			t.Fatalf("Pick() = %q, want direct", got)
		}
	}
}

// TestSelector_ParseCSV verifies that a comma-separated proxy list is split
// and trimmed.
func TestSelector_ParseCSV(t *testing.T) {
	s := NewSelector("", "http://p1:8080, http://p2:8080 ,http://p3:8080", RotateRoundRobin, zerolog.Nop())

	if got := s.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
}

// TestSelector_ParseFile verifies that a proxy list can be loaded from a
// file, skipping blank lines and comments.
func TestSelector_ParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	content := "# pool A\nhttp://p1:8080\n\nsocks5://p2:1080\n  # trailing comment\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write proxy file: %v", err)
	}

	s := NewSelector("", path, RotateRandom, zerolog.Nop())
	if got := s.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
}

// TestSelector_SingleJoinsList verifies that a single proxy URL and a list
// are merged into one rotation.
func TestSelector_SingleJoinsList(t *testing.T) {
	s := NewSelector("http://solo:8080", "http://p1:8080,http://p2:8080", RotateRoundRobin, zerolog.Nop())

	if got := s.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	if got := s.Pick(); got != "http://solo:8080" {
		t.Fatalf("first Pick() = %q, want the single URL first", got)
	}
}

// TestSelector_RoundRobin verifies that round_robin cycles identities in
// order and wraps around.
func TestSelector_RoundRobin(t *testing.T) {
	s := NewSelector("", "http://a,http://b,http://c", RotateRoundRobin, zerolog.Nop())

	want := []string{"http://a", "http://b", "http://c", "http://a"}
	for i, w := range want {
		if got := s.Pick(); got != w {
			t.Fatalf("Pick() #%d = %q, want %q", i, got, w)
		}
	}
}

// TestSelector_HealthPrefersHealthy verifies that health rotation draws
// from the best-scoring slice of the pool.
func TestSelector_HealthPrefersHealthy(t *testing.T) {
	s := NewSelector("", "http://good,http://bad1,http://bad2", RotateHealth, zerolog.Nop())

	s.Report("http://good", true)
	for i := 0; i < 5; i++ {
		s.Report("http://bad1", false)
		s.Report("http://bad2", false)
	}

	// Top third of three identities is exactly one slot, so the healthy
	// one must win every time.
	for i := 0; i < 10; i++ {
		if got := s.Pick(); got != "http://good" {
			t.Fatalf("Pick() #%d = %q, want http://good", i, got)
		}
	}
}

// TestSelector_RemovesFailingIdentity verifies that an identity is dropped
// once it exceeds the failure limit with a low success ratio.
func TestSelector_RemovesFailingIdentity(t *testing.T) {
	s := NewSelector("", "http://flaky,http://steady", RotateRoundRobin, zerolog.Nop())

	for i := 0; i < 11; i++ {
		s.Report("http://flaky", false)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("Count() after removal = %d, want 1", got)
	}
	for i := 0; i < 4; i++ {
		if got := s.Pick(); got != "http://steady" {
			t.Fatalf("Pick() = %q, want the surviving identity", got)
		}
	}
}

// TestSelector_SuccessesKeepIdentityAlive verifies that a mostly-healthy
// identity survives occasional failures.
func TestSelector_SuccessesKeepIdentityAlive(t *testing.T) {
	s := NewSelector("", "http://sturdy", RotateRoundRobin, zerolog.Nop())

	for i := 0; i < 50; i++ {
		s.Report("http://sturdy", true)
	}
	for i := 0; i < 12; i++ {
		s.Report("http://sturdy", false)
	}
	if got := s.Count(); got != 1 {
		t.Fatalf("Count() = %d, want healthy identity retained", got)
	}
}

// TestSelector_Stats verifies the aggregate snapshot.
func TestSelector_Stats(t *testing.T) {
	s := NewSelector("", "http://a,http://b", RotateRandom, zerolog.Nop())
	s.Report("http://a", true)
	s.Report("http://a", true)
	s.Report("http://b", false)

	st := s.Stats()
	if st["count"] != 2 {
		t.Fatalf("count = %v, want 2", st["count"])
	}
	if st["total_requests"] != 3 {
		t.Fatalf("total_requests = %v, want 3", st["total_requests"])
	}
}
