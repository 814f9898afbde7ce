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

package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPAddr != ":8000" {
		t.Fatalf("expected default HTTP addr :8000, got %q", cfg.HTTPAddr)
	}
	if cfg.SWRThreshold != 30*time.Second {
		t.Fatalf("expected SWR threshold 30s, got %v", cfg.SWRThreshold)
	}
	if cfg.TTLTweet != 1800*time.Second {
		t.Fatalf("expected tweet TTL 1800s, got %v", cfg.TTLTweet)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Fatalf("expected flush interval 5s, got %v", cfg.FlushInterval)
	}
	if cfg.SessionPoolSize != 8 {
		t.Fatalf("expected session pool size 8, got %d", cfg.SessionPoolSize)
	}
	if cfg.GuestMaxRequests != 400 {
		t.Fatalf("expected guest max requests 400, got %d", cfg.GuestMaxRequests)
	}
	if cfg.CoalesceCrossProcess {
		t.Fatalf("cross-process coalescing should default off")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("TTL_SEARCH", "90s")
	t.Setenv("SWR_THRESHOLD", "45")
	t.Setenv("L2_ENABLED", "false")
	t.Setenv("SESSION_POOL_SIZE", "3")
	t.Setenv("PROXY_ROTATION", "health")

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("expected HTTP addr override, got %q", cfg.HTTPAddr)
	}
	if cfg.TTLSearch != 90*time.Second {
		t.Fatalf("expected duration-string TTL override, got %v", cfg.TTLSearch)
	}
	if cfg.SWRThreshold != 45*time.Second {
		t.Fatalf("expected bare-seconds SWR override, got %v", cfg.SWRThreshold)
	}
	if cfg.L2Enabled {
		t.Fatalf("expected L2 disabled")
	}
	if cfg.SessionPoolSize != 3 {
		t.Fatalf("expected session pool size 3, got %d", cfg.SessionPoolSize)
	}
	if cfg.ProxyRotation != "health" {
		t.Fatalf("expected rotation health, got %q", cfg.ProxyRotation)
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("SESSION_POOL_SIZE", "not-a-number")
	t.Setenv("TTL_TWEET", "sideways")
	t.Setenv("L2_ENABLED", "maybe")

	cfg := Load()
	if cfg.SessionPoolSize != 8 {
		t.Fatalf("expected fallback pool size 8, got %d", cfg.SessionPoolSize)
	}
	if cfg.TTLTweet != 1800*time.Second {
		t.Fatalf("expected fallback tweet TTL, got %v", cfg.TTLTweet)
	}
	if !cfg.L2Enabled {
		t.Fatalf("expected fallback L2 enabled=true")
	}
}

func TestTTLFor_Kinds(t *testing.T) {
	cfg := Load()
	cases := map[string]time.Duration{
		"tweet":        cfg.TTLTweet,
		"tweet_detail": cfg.TTLTweetDetail,
		"profile":      cfg.TTLProfile,
		"user_tweets":  cfg.TTLUserTweets,
		"social":       cfg.TTLSocial,
		"search":       cfg.TTLSearch,
		"mystery":      cfg.TTLSearch,
	}
	for kind, want := range cases {
		if got := cfg.TTLFor(kind); got != want {
			t.Fatalf("kind %q: expected %v, got %v", kind, want, got)
		}
	}
}
