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

// Package creds manages the credentials the upstream client draws from:
// a pool of short-lived guest credentials ranked by health, and a pool of
// operator-supplied authenticated accounts rotated round-robin with
// cooldowns. A background minter keeps the guest pool at its target size.
package creds

import (
	"context"
	"time"
)

// Guest is one minted guest credential: the activation token, a generated
// CSRF token and the session cookies captured during minting. A credential
// is pinned to the egress identity it was minted through.
type Guest struct {
	GuestToken   string            `json:"guest_token"`
	CSRFToken    string            `json:"csrf_token"`
	CreatedAt    time.Time         `json:"created_at"`
	Cookies      map[string]string `json:"cookies,omitempty"`
	RequestCount int               `json:"request_count"`
	Egress       string            `json:"egress,omitempty"`
	Health       float64           `json:"health"`
}

// Age returns how long ago the credential was minted.
func (g *Guest) Age(now time.Time) time.Duration {
	return now.Sub(g.CreatedAt)
}

// Expired reports whether the credential has outlived the guest token TTL.
func (g *Guest) Expired(now time.Time, ttl time.Duration) bool {
	return g.Age(now) > ttl
}

// Exhausted reports whether the credential has served its request budget.
func (g *Guest) Exhausted(maxRequests int) bool {
	return maxRequests > 0 && g.RequestCount >= maxRequests
}

// healthScore recomputes the pool ranking of a credential after a request.
// The score starts at 1.0 (0.8 after a failed request) and decays linearly
// with age up to a 0.3 penalty at the TTL, floored at 0.1.
func healthScore(g *Guest, ok bool, now time.Time, ttl time.Duration) float64 {
	base := 1.0
	if !ok {
		base -= 0.2
	}
	score := base
	if ttl > 0 {
		score -= g.Age(now).Seconds() / ttl.Seconds() * 0.3
	}
	if score < 0.1 {
		score = 0.1
	}
	return score
}

// PoolStats is a snapshot of the guest pool.
type PoolStats struct {
	Size      int     `json:"size"`
	AvgHealth float64 `json:"avg_health"`
	MinHealth float64 `json:"min_health"`
	MaxHealth float64 `json:"max_health"`
	Minted    uint64  `json:"minted"`
	Retired   uint64  `json:"retired"`
}

// Map renders the snapshot for the stats endpoint and the KPI reporter.
func (s PoolStats) Map() map[string]interface{} {
	return map[string]interface{}{
		"size":       s.Size,
		"avg_health": s.AvgHealth,
		"min_health": s.MinHealth,
		"max_health": s.MaxHealth,
		"minted":     s.Minted,
		"retired":    s.Retired,
	}
}

// GuestPool hands out the healthiest credential first. Take returns
// (nil, nil) when the pool is empty; callers then mint inline. Release
// re-ranks a used credential, silently retiring it when it has expired
// or exhausted its request budget.
type GuestPool interface {
	Add(ctx context.Context, g *Guest) error
	Take(ctx context.Context) (*Guest, error)
	Release(ctx context.Context, g *Guest, ok bool) error
	Size(ctx context.Context) int
	Stats(ctx context.Context) PoolStats
}
