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

// Package cache implements the tiered record cache: an L1 envelope store on
// Redis, an L2 full-text index on Typesense and the manager that arbitrates
// between them, the single-flight coalescer and the live upstream build.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope wraps every L1 value. StoredAt is unix seconds with fractional
// precision; freshness is derived from it, never from the remaining TTL,
// because a record is served up to its TTL even while a revalidation runs.
type Envelope struct {
	Data     json.RawMessage `json:"data"`
	StoredAt float64         `json:"stored_at"`
}

// Age returns how long ago the envelope was written.
func (e *Envelope) Age(now time.Time) time.Duration {
	stored := time.Unix(0, int64(e.StoredAt*float64(time.Second)))
	return now.Sub(stored)
}

// Fresh reports whether the envelope is younger than the revalidation
// threshold.
func (e *Envelope) Fresh(now time.Time, threshold time.Duration) bool {
	return e.Age(now) < threshold
}

// Item is one element of a batched write. Each element carries its own TTL;
// the batch is pipelined, not transactional.
type Item struct {
	Key  string
	Data json.RawMessage
	TTL  time.Duration
}

// Store is the L1 contract. A miss is (nil, nil); errors mean the backend
// itself failed. Implementations must treat an undecodable stored value as
// a miss, never as a hard error.
type Store interface {
	Get(ctx context.Context, key string) (*Envelope, error)
	Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error
	MGet(ctx context.Context, keys []string) ([]*Envelope, error)
	BatchSet(ctx context.Context, items []Item) error

	// TryLock and ReleaseLock implement the advisory lock used by the
	// cross-process coalescer. WaitForKey polls until key appears or the
	// timeout elapses, returning nil on timeout.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	WaitForKey(ctx context.Context, key string, timeout, interval time.Duration) (*Envelope, error)

	Ping(ctx context.Context) error
}
