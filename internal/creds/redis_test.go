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
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedisPool(t *testing.T) (*RedisPool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisPool(rdb, time.Hour, 400, zerolog.Nop()), mr
}

func TestRedisPool_AddTakeRoundTrip(t *testing.T) {
	pool, _ := newTestRedisPool(t)
	ctx := context.Background()

	in := &Guest{
		GuestToken: "tok-1",
		CSRFToken:  "csrf-1",
		CreatedAt:  time.Now(),
		Cookies:    map[string]string{"gt": "tok-1"},
		Egress:     "http://proxy-a:8080",
	}
	if err := pool.Add(ctx, in); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	out, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if out == nil || out.GuestToken != "tok-1" || out.CSRFToken != "csrf-1" {
		t.Fatalf("credential not preserved: %+v", out)
	}
	if out.Egress != "http://proxy-a:8080" || out.Cookies["gt"] != "tok-1" {
		t.Fatalf("egress pin or cookies lost: %+v", out)
	}
	if n := pool.Size(ctx); n != 0 {
		t.Fatalf("take must remove the credential, size=%d", n)
	}
}

func TestRedisPool_TakeHealthiestFirst(t *testing.T) {
	pool, _ := newTestRedisPool(t)
	ctx := context.Background()
	now := time.Now()

	pool.Add(ctx, &Guest{GuestToken: "low", CreatedAt: now, Health: 0.3})
	pool.Add(ctx, &Guest{GuestToken: "high", CreatedAt: now, Health: 0.9})

	g, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if g == nil || g.GuestToken != "high" {
		t.Fatalf("expected highest-ranked credential, got %+v", g)
	}
}

func TestRedisPool_TakeEmpty(t *testing.T) {
	pool, _ := newTestRedisPool(t)

	g, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("empty take must not error: %v", err)
	}
	if g != nil {
		t.Fatalf("expected nil on empty pool, got %+v", g)
	}
}

func TestRedisPool_TakeSkipsExpiredPayload(t *testing.T) {
	pool, mr := newTestRedisPool(t)
	ctx := context.Background()

	// An almost-expired credential: its payload key carries the short
	// remaining TTL and vanishes before the rank entry does.
	pool.Add(ctx, &Guest{GuestToken: "dying", CreatedAt: time.Now().Add(-59 * time.Minute), Health: 0.9})
	pool.Add(ctx, &Guest{GuestToken: "fresh", CreatedAt: time.Now(), Health: 0.5})
	mr.FastForward(2 * time.Minute)

	g, err := pool.Take(ctx)
	if err != nil {
		t.Fatalf("take failed: %v", err)
	}
	if g == nil || g.GuestToken != "fresh" {
		t.Fatalf("expected stale rank entry to be skipped, got %+v", g)
	}
}

func TestRedisPool_ReleaseReRanksByOutcome(t *testing.T) {
	pool, _ := newTestRedisPool(t)
	ctx := context.Background()
	now := time.Now()

	g := &Guest{GuestToken: "tok", CreatedAt: now, RequestCount: 1}
	if err := pool.Release(ctx, g, false); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	st := pool.Stats(ctx)
	if st.Size != 1 {
		t.Fatalf("released credential must re-enter the pool: %+v", st)
	}
	if st.MaxHealth > 0.81 || st.MaxHealth < 0.79 {
		t.Fatalf("failure release must rank near 0.8, got %v", st.MaxHealth)
	}
}

func TestRedisPool_ReleaseRetiresExhausted(t *testing.T) {
	pool, _ := newTestRedisPool(t)
	ctx := context.Background()

	g := &Guest{GuestToken: "spent", CreatedAt: time.Now(), RequestCount: 400}
	if err := pool.Release(ctx, g, true); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if n := pool.Size(ctx); n != 0 {
		t.Fatalf("exhausted credential must be retired, size=%d", n)
	}
	if st := pool.Stats(ctx); st.Retired != 1 {
		t.Fatalf("expected 1 retired, got %+v", st)
	}
}

func TestRedisPool_SharedAcrossClients(t *testing.T) {
	_, mr := newTestRedisPool(t)

	// Two pool handles over the same backend see each other's credentials,
	// which is the point of the redis backend.
	rdbA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdbA.Close(); rdbB.Close() })
	poolA := NewRedisPool(rdbA, time.Hour, 400, zerolog.Nop())
	poolB := NewRedisPool(rdbB, time.Hour, 400, zerolog.Nop())

	ctx := context.Background()
	poolA.Add(ctx, &Guest{GuestToken: "shared", CreatedAt: time.Now()})

	g, err := poolB.Take(ctx)
	if err != nil {
		t.Fatalf("take from second handle failed: %v", err)
	}
	if g == nil || g.GuestToken != "shared" {
		t.Fatalf("credential not visible across handles: %+v", g)
	}
}

func TestRedisPool_BackendDown(t *testing.T) {
	pool, mr := newTestRedisPool(t)
	mr.Close()

	if err := pool.Add(context.Background(), &Guest{GuestToken: "x", CreatedAt: time.Now()}); err == nil {
		t.Fatal("add against a dead backend must error")
	}
	if _, err := pool.Take(context.Background()); err == nil {
		t.Fatal("take against a dead backend must error")
	}
	if n := pool.Size(context.Background()); n != 0 {
		t.Fatalf("size against a dead backend degrades to 0, got %d", n)
	}
}
