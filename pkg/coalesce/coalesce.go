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

// Package coalesce deduplicates concurrent identical work: at most one
// build per key runs at any instant, and every concurrent caller for that
// key receives the single result. It wraps golang.org/x/sync/singleflight
// with two behaviors the engine relies on:
//
//   - The build runs on a context detached from the initiating caller, so
//     a cancelled waiter never cancels the build other waiters depend on.
//   - A caller can still abandon its own wait through its context; the
//     in-flight build keeps running for everyone else.
//
// Registrations are removed when the build completes, success or failure,
// so callers arriving after a failure rebuild instead of inheriting it.
// Callers that joined during the flight share its outcome, including the
// error.
package coalesce

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group coalesces builds producing values of type T. The zero value is
// ready to use.
type Group[T any] struct {
	sf       singleflight.Group
	inFlight atomic.Int64
}

// Do executes build under single-flight semantics for key.
//
// The returned bool is true when this caller was coalesced onto a build
// started by someone else. ctx cancels only this caller's wait; the build
// itself proceeds on a detached context that preserves ctx's values.
func (g *Group[T]) Do(ctx context.Context, key string, build func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	// Values (loggers, trace ids) travel with the build; cancellation
	// does not.
	buildCtx := context.WithoutCancel(ctx)

	ran := false
	ch := g.sf.DoChan(key, func() (interface{}, error) {
		ran = true
		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		return build(buildCtx)
	})

	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case res := <-ch:
		// ran is only ever written by this call's own closure; for a
		// coalesced caller the closure never executes.
		coalesced := !ran
		if res.Err != nil {
			return zero, coalesced, res.Err
		}
		return res.Val.(T), coalesced, nil
	}
}

// InFlight reports how many builds are currently executing across all
// keys. Exposed for gauges.
func (g *Group[T]) InFlight() int64 { return g.inFlight.Load() }

// Forget drops the registration for key so the next Do starts a fresh
// build even if one is still running. Used only at shutdown.
func (g *Group[T]) Forget(key string) { g.sf.Forget(key) }
