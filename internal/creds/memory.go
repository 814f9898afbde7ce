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
	"container/heap"
	"context"
	"sync"
	"time"
)

// guestHeap is a max-heap on credential health.
type guestHeap []*Guest

func (h guestHeap) Len() int            { return len(h) }
func (h guestHeap) Less(i, j int) bool  { return h[i].Health > h[j].Health }
func (h guestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *guestHeap) Push(x interface{}) { *h = append(*h, x.(*Guest)) }
func (h *guestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	g := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return g
}

// MemoryPool is the in-process guest pool for single-instance deployments.
// Safe for concurrent use.
type MemoryPool struct {
	mu      sync.Mutex
	heap    guestHeap
	ttl     time.Duration
	maxReqs int
	minted  uint64
	retired uint64

	now func() time.Time
}

// NewMemoryPool builds an empty in-memory pool. ttl bounds credential
// lifetime; maxRequests bounds how many calls a credential may serve
// before retirement (0 disables the budget).
func NewMemoryPool(ttl time.Duration, maxRequests int) *MemoryPool {
	return &MemoryPool{ttl: ttl, maxReqs: maxRequests, now: time.Now}
}

// Add inserts a freshly minted credential.
func (p *MemoryPool) Add(_ context.Context, g *Guest) error {
	if g.Health == 0 {
		g.Health = 1.0
	}
	p.mu.Lock()
	heap.Push(&p.heap, g)
	p.minted++
	p.mu.Unlock()
	return nil
}

// Take pops the healthiest credential, dropping any expired ones it finds
// on the way. Returns (nil, nil) when the pool is empty.
func (p *MemoryPool) Take(_ context.Context) (*Guest, error) {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.heap.Len() > 0 {
		g := heap.Pop(&p.heap).(*Guest)
		if g.Expired(now, p.ttl) {
			p.retired++
			continue
		}
		return g, nil
	}
	return nil, nil
}

// Release re-ranks a used credential and reinserts it, or retires it when
// it has expired or run through its request budget.
func (p *MemoryPool) Release(_ context.Context, g *Guest, ok bool) error {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.Expired(now, p.ttl) || g.Exhausted(p.maxReqs) {
		p.retired++
		return nil
	}
	g.Health = healthScore(g, ok, now, p.ttl)
	heap.Push(&p.heap, g)
	return nil
}

// Size returns the number of pooled credentials.
func (p *MemoryPool) Size(_ context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heap.Len()
}

// Stats snapshots the pool.
func (p *MemoryPool) Stats(_ context.Context) PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStats{Size: p.heap.Len(), Minted: p.minted, Retired: p.retired}
	if st.Size == 0 {
		return st
	}
	min, max, sum := p.heap[0].Health, p.heap[0].Health, 0.0
	for _, g := range p.heap {
		if g.Health < min {
			min = g.Health
		}
		if g.Health > max {
			max = g.Health
		}
		sum += g.Health
	}
	st.AvgHealth = sum / float64(st.Size)
	st.MinHealth = min
	st.MaxHealth = max
	return st
}
