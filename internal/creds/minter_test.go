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
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// countingMint fabricates credentials and counts calls; it can be toggled
// to fail without restarting the minter.
type countingMint struct {
	calls int64
	fail  atomic.Bool
}

func (c *countingMint) mint(ctx context.Context) (*Guest, error) {
	n := atomic.AddInt64(&c.calls, 1)
	if c.fail.Load() {
		return nil, errors.New("activation refused")
	}
	return &Guest{GuestToken: fmt.Sprintf("tok-%d", n), CSRFToken: "csrf", CreatedAt: time.Now()}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestMinter_FillNow(t *testing.T) {
	pool := NewMemoryPool(time.Hour, 400)
	cm := &countingMint{}
	m := NewMinter(pool, cm.mint, 10, 3, time.Hour, zerolog.Nop())

	if added := m.FillNow(context.Background(), 5); added != 5 {
		t.Fatalf("expected 5 minted, got %d", added)
	}
	if n := pool.Size(context.Background()); n != 5 {
		t.Fatalf("expected pool size 5, got %d", n)
	}
}

func TestMinter_FillNowPartialFailure(t *testing.T) {
	pool := NewMemoryPool(time.Hour, 400)
	cm := &countingMint{}
	cm.fail.Store(true)
	m := NewMinter(pool, cm.mint, 10, 2, time.Hour, zerolog.Nop())

	if added := m.FillNow(context.Background(), 4); added != 0 {
		t.Fatalf("failed mints must not count, got %d", added)
	}
	if got := atomic.LoadInt64(&cm.calls); got != 4 {
		t.Fatalf("every mint must still be attempted, got %d calls", got)
	}
}

func TestMinter_TopUpCapsAtWorkerCount(t *testing.T) {
	pool := NewMemoryPool(time.Hour, 400)
	cm := &countingMint{}
	m := NewMinter(pool, cm.mint, 10, 3, time.Hour, zerolog.Nop())

	m.topUp()
	if n := pool.Size(context.Background()); n != 3 {
		t.Fatalf("one cycle mints at most the worker count, got %d", n)
	}
	m.topUp()
	if n := pool.Size(context.Background()); n != 6 {
		t.Fatalf("next cycle continues the top-up, got %d", n)
	}
}

func TestMinter_TopUpNoopAtTarget(t *testing.T) {
	pool := NewMemoryPool(time.Hour, 400)
	cm := &countingMint{}
	m := NewMinter(pool, cm.mint, 2, 5, time.Hour, zerolog.Nop())

	m.FillNow(context.Background(), 2)
	before := atomic.LoadInt64(&cm.calls)
	m.topUp()
	if got := atomic.LoadInt64(&cm.calls); got != before {
		t.Fatalf("full pool must not mint, calls went %d -> %d", before, got)
	}
}

func TestMinter_BackgroundLoopReachesTarget(t *testing.T) {
	pool := NewMemoryPool(time.Hour, 400)
	cm := &countingMint{}
	m := NewMinter(pool, cm.mint, 4, 2, 10*time.Millisecond, zerolog.Nop())

	m.Start()
	defer m.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return pool.Size(context.Background()) >= 4
	})
}

func TestMinter_StopIsIdempotent(t *testing.T) {
	pool := NewMemoryPool(time.Hour, 400)
	cm := &countingMint{}
	m := NewMinter(pool, cm.mint, 2, 1, 10*time.Millisecond, zerolog.Nop())

	m.Start()
	m.Stop()
	m.Stop()
}
