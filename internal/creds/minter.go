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
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/telemetry"
)

// mintTimeout bounds one guest activation round-trip.
const mintTimeout = 30 * time.Second

// MintFunc mints one guest credential against the upstream. The upstream
// client provides it; each call draws its own egress identity.
type MintFunc func(ctx context.Context) (*Guest, error)

// Minter keeps the guest pool topped up to its target size, minting at
// most workers credentials per cycle so a cold start cannot stampede the
// activation endpoint.
type Minter struct {
	pool     GuestPool
	mint     MintFunc
	target   int
	workers  int
	interval time.Duration
	log      zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewMinter wires a minter. It does nothing until Start.
func NewMinter(pool GuestPool, mint MintFunc, target, workers int, interval time.Duration, log zerolog.Logger) *Minter {
	if workers < 1 {
		workers = 1
	}
	return &Minter{
		pool:     pool,
		mint:     mint,
		target:   target,
		workers:  workers,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start launches the background top-up loop.
func (m *Minter) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
}

// Stop halts the loop and waits for any in-flight mints to finish.
func (m *Minter) Stop() {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return
	}
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Minter) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.topUp()
		case <-m.stopChan:
			return
		}
	}
}

// topUp mints one wave of credentials, capped at the worker count; the
// next tick continues if the pool is still short.
func (m *Minter) topUp() {
	ctx := context.Background()
	need := m.target - m.pool.Size(ctx)
	if need <= 0 {
		m.publishGauge(ctx)
		return
	}
	if need > m.workers {
		need = m.workers
	}
	added := m.FillNow(ctx, need)
	if added < need {
		m.log.Warn().Int("wanted", need).Int("minted", added).Msg("guest mint cycle fell short")
	}
	m.publishGauge(ctx)
}

// FillNow mints up to n credentials with bounded parallelism and adds
// them to the pool. It returns the number actually added. Used by the
// background loop and for the inline fill at startup.
func (m *Minter) FillNow(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}
	var added int64
	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			mctx, cancel := context.WithTimeout(ctx, mintTimeout)
			defer cancel()
			g, err := m.mint(mctx)
			if err != nil {
				telemetry.ObserveMint(false)
				m.log.Warn().Err(err).Msg("guest mint failed")
				return
			}
			if err := m.pool.Add(ctx, g); err != nil {
				telemetry.ObserveMint(false)
				m.log.Warn().Err(err).Msg("minted credential could not be pooled")
				return
			}
			telemetry.ObserveMint(true)
			atomic.AddInt64(&added, 1)
		}()
	}
	wg.Wait()
	return int(added)
}

func (m *Minter) publishGauge(ctx context.Context) {
	st := m.pool.Stats(ctx)
	telemetry.SetGuestPool(st.Size, st.AvgHealth)
}
