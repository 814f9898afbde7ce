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

package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/records"
	"xread/internal/telemetry"
	"xread/internal/xerr"
	"xread/pkg/coalesce"
)

// Origin reports where a served value came from.
type Origin string

const (
	// OriginLive is a freshly built value (cache miss or forced bypass).
	OriginLive Origin = "live"
	// OriginCache is a fresh L1 hit.
	OriginCache Origin = "cache"
	// OriginStale is an L1 hit older than the revalidation threshold,
	// served while a detached refresh runs.
	OriginStale Origin = "stale"
	// OriginIndex is a first-page search answered from L2 and hydrated
	// out of per-record L1 entries.
	OriginIndex Origin = "index"
)

// Hit reports whether the origin avoided a live upstream build.
func (o Origin) Hit() bool { return o != OriginLive }

// searchCoverageFloor is the minimum fraction of L2-returned ids that must
// hydrate from L1 before an index answer is served; below it the page would
// be visibly thinned, so the manager builds live instead.
const searchCoverageFloor = 0.8

// BuildFunc produces a record live from the upstream. It must honor ctx.
type BuildFunc func(ctx context.Context) (json.RawMessage, error)

// SearchPage is the value cached under a search key.
type SearchPage struct {
	Tweets     []records.Tweet `json:"tweets"`
	NextCursor string          `json:"next_cursor"`
}

// SearchBuildFunc produces a search page live from the upstream.
type SearchBuildFunc func(ctx context.Context) (SearchPage, error)

// SearchQuery identifies one search page.
type SearchQuery struct {
	Query   string
	Product string
	Count   int
	Cursor  string
}

func (q SearchQuery) key() string {
	return Key(KindSearch, q.Query, q.Product, strconv.Itoa(q.Count), q.Cursor)
}

// Indexer is the manager's view of L2.
type Indexer interface {
	Available() bool
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Upsert(ctx context.Context, tweets []records.Tweet) error
}

// Recorder is the manager's view of the analytics sink. Both methods are
// buffered fire-and-forget on the implementation side.
type Recorder interface {
	RecordTweets(tweets []records.Tweet)
	RecordSearch(query, product string, resultCount int, cacheHit bool, elapsed time.Duration)
}

// ManagerConfig carries the tunables the manager needs. Zero durations are
// not defaulted here; config.Load supplies them.
type ManagerConfig struct {
	SWRThreshold time.Duration
	TTLSearch    time.Duration
	TTLTweet     time.Duration

	// CrossProcess enables the advisory-lock build gate for multi-instance
	// deployments. The local coalescer always runs regardless.
	CrossProcess bool
	LockTTL      time.Duration
	WaitTimeout  time.Duration
	WaitInterval time.Duration
}

// Manager arbitrates between L1, L2 and the live upstream build. It owns
// stale-while-revalidate, single-flight coalescing, search hydration and
// the search write-through fan-out.
type Manager struct {
	store Store
	index Indexer
	rec   Recorder
	cfg   ManagerConfig

	log      zerolog.Logger
	degraded zerolog.Logger

	group       coalesce.Group[json.RawMessage]
	searchGroup coalesce.Group[SearchPage]

	// refreshing guards against piling up detached refreshes for the same
	// key while one is already running.
	refreshing sync.Map
	detached   sync.WaitGroup
}

// NewManager wires the manager. index and rec may be nil; the corresponding
// tiers are then skipped.
func NewManager(store Store, index Indexer, rec Recorder, cfg ManagerConfig, log zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		index: index,
		rec:   rec,
		cfg:   cfg,
		log:   log,
		// Backend outages repeat on every request; sample the noise.
		degraded: log.Sample(&zerolog.BurstSampler{Burst: 3, Period: 30 * time.Second}),
	}
}

// Close waits for all detached refresh and index tasks to finish. Call
// during shutdown, after the HTTP listener has drained.
func (m *Manager) Close() {
	m.detached.Wait()
}

// InFlight returns the number of builds currently running or awaited.
func (m *Manager) InFlight() int64 {
	return m.group.InFlight() + m.searchGroup.InFlight()
}

// GetOrFetch is the generic cache-aside read. fresh forces a live build
// (still coalesced) that writes through L1.
func (m *Manager) GetOrFetch(ctx context.Context, key string, ttl time.Duration, build BuildFunc, fresh bool) (json.RawMessage, Origin, error) {
	kind := kindOfKey(key)

	if fresh {
		data, err := m.doBuild(ctx, key, build)
		if err != nil {
			telemetry.ObserveBuildError(kind, xerr.KindOf(err).String())
			return nil, OriginLive, err
		}
		m.writeL1(ctx, key, data, ttl)
		telemetry.ObserveCacheRead(kind, string(OriginLive))
		return data, OriginLive, nil
	}

	if env := m.l1Get(ctx, key); env != nil {
		if env.Fresh(time.Now(), m.cfg.SWRThreshold) {
			telemetry.ObserveCacheRead(kind, string(OriginCache))
			return env.Data, OriginCache, nil
		}
		m.spawnRefresh(ctx, key, ttl, build)
		telemetry.ObserveCacheRead(kind, string(OriginStale))
		return env.Data, OriginStale, nil
	}

	if m.cfg.CrossProcess {
		if data, origin, handled, err := m.buildCrossProcess(ctx, key, ttl, build); handled {
			if err != nil {
				telemetry.ObserveBuildError(kind, xerr.KindOf(err).String())
				return nil, OriginLive, err
			}
			telemetry.ObserveCacheRead(kind, string(origin))
			return data, origin, nil
		}
	}

	data, err := m.doBuild(ctx, key, build)
	if err != nil {
		telemetry.ObserveBuildError(kind, xerr.KindOf(err).String())
		return nil, OriginLive, err
	}
	m.writeL1(ctx, key, data, ttl)
	telemetry.ObserveCacheRead(kind, string(OriginLive))
	return data, OriginLive, nil
}

// doBuild runs one coalesced build and republishes the in-flight gauge as
// the flight ends.
func (m *Manager) doBuild(ctx context.Context, key string, build BuildFunc) (json.RawMessage, error) {
	data, _, err := m.group.Do(ctx, key, build)
	telemetry.SetCoalesceInFlight(m.InFlight())
	return data, err
}

// buildCrossProcess runs the advisory-lock protocol: the lock winner builds
// and writes; losers poll the cache key and only build themselves when the
// winner never publishes within the wait budget.
func (m *Manager) buildCrossProcess(ctx context.Context, key string, ttl time.Duration, build BuildFunc) (json.RawMessage, Origin, bool, error) {
	lockKey := "lock:" + key

	acquired, err := m.store.TryLock(ctx, lockKey, m.cfg.LockTTL)
	if err != nil {
		// L1 down: the local path handles it.
		return nil, "", false, nil
	}
	if acquired {
		data, err := m.doBuild(ctx, key, build)
		if err != nil {
			_ = m.store.ReleaseLock(ctx, lockKey)
			return nil, "", true, err
		}
		m.writeL1(ctx, key, data, ttl)
		_ = m.store.ReleaseLock(ctx, lockKey)
		return data, OriginLive, true, nil
	}

	env, err := m.store.WaitForKey(ctx, key, m.cfg.WaitTimeout, m.cfg.WaitInterval)
	if err != nil || env == nil {
		// Builder crashed or is slow; fall through to a local build.
		return nil, "", false, nil
	}
	return env.Data, OriginCache, true, nil
}

// SearchOrFetch is the search read path: L1 page cache, then L2 hydration
// for first pages, then a live build with full write-through.
func (m *Manager) SearchOrFetch(ctx context.Context, q SearchQuery, build SearchBuildFunc, fresh bool) ([]records.Tweet, string, Origin, error) {
	key := q.key()
	start := time.Now()

	if fresh {
		page, err := m.buildSearch(ctx, key, build)
		if err != nil {
			return nil, "", OriginLive, err
		}
		m.recordSearch(q, len(page.Tweets), false, start)
		telemetry.ObserveCacheRead(KindSearch, string(OriginLive))
		return page.Tweets, page.NextCursor, OriginLive, nil
	}

	if env := m.l1Get(ctx, key); env != nil {
		var page SearchPage
		if err := json.Unmarshal(env.Data, &page); err == nil {
			m.recordSearch(q, len(page.Tweets), true, start)
			if env.Fresh(time.Now(), m.cfg.SWRThreshold) {
				telemetry.ObserveCacheRead(KindSearch, string(OriginCache))
				return page.Tweets, page.NextCursor, OriginCache, nil
			}
			m.spawnSearchRefresh(ctx, key, build)
			telemetry.ObserveCacheRead(KindSearch, string(OriginStale))
			return page.Tweets, page.NextCursor, OriginStale, nil
		}
	}

	// L2 answers first pages only: the index has no cursor model.
	if q.Cursor == "" && m.index != nil && m.index.Available() {
		if tweets, ok := m.hydrateFromIndex(ctx, q.Query, q.Count); ok {
			if payload, err := json.Marshal(SearchPage{Tweets: tweets}); err == nil {
				m.writeL1(ctx, key, payload, m.cfg.TTLSearch)
			}
			m.recordSearch(q, len(tweets), true, start)
			telemetry.ObserveCacheRead(KindSearch, string(OriginIndex))
			return tweets, "", OriginIndex, nil
		}
	}

	page, err := m.buildSearch(ctx, key, build)
	if err != nil {
		return nil, "", OriginLive, err
	}
	m.recordSearch(q, len(page.Tweets), false, start)
	telemetry.ObserveCacheRead(KindSearch, string(OriginLive))
	return page.Tweets, page.NextCursor, OriginLive, nil
}

func (m *Manager) buildSearch(ctx context.Context, key string, build SearchBuildFunc) (SearchPage, error) {
	page, _, err := m.searchGroup.Do(ctx, key, build)
	telemetry.SetCoalesceInFlight(m.InFlight())
	if err != nil {
		telemetry.ObserveBuildError(KindSearch, xerr.KindOf(err).String())
		return SearchPage{}, err
	}
	m.writeThroughSearch(context.WithoutCancel(ctx), key, page)
	return page, nil
}

// hydrateFromIndex resolves L2 ids against the per-record L1 entries. The
// hydrated page is only served when coverage clears the floor.
func (m *Manager) hydrateFromIndex(ctx context.Context, query string, count int) ([]records.Tweet, bool) {
	ids, err := m.index.Search(ctx, query, count)
	if err != nil {
		m.degraded.Warn().Err(err).Msg("l2 search failed; skipping index tier")
		return nil, false
	}
	if len(ids) == 0 {
		return nil, false
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(KindTweet, id)
	}
	envs, err := m.store.MGet(ctx, keys)
	if err != nil {
		m.degraded.Warn().Err(err).Msg("l1 hydration mget failed; skipping index tier")
		return nil, false
	}

	tweets := make([]records.Tweet, 0, len(ids))
	for _, env := range envs {
		if env == nil {
			continue
		}
		var t records.Tweet
		if err := json.Unmarshal(env.Data, &t); err != nil || t.ID == "" {
			continue
		}
		tweets = append(tweets, t)
	}
	if float64(len(tweets)) < float64(len(ids))*searchCoverageFloor {
		return nil, false
	}
	return tweets, true
}

// writeThroughSearch fans a built page out to every tier: the page itself
// under the search key, each tweet under its own key for later hydration,
// the L2 index asynchronously, and the analytics buffer.
func (m *Manager) writeThroughSearch(ctx context.Context, key string, page SearchPage) {
	if payload, err := json.Marshal(page); err == nil {
		m.writeL1(ctx, key, payload, m.cfg.TTLSearch)
	}

	if len(page.Tweets) == 0 {
		return
	}

	items := make([]Item, 0, len(page.Tweets))
	for i := range page.Tweets {
		t := &page.Tweets[i]
		if t.ID == "" {
			continue
		}
		raw, err := json.Marshal(t)
		if err != nil {
			continue
		}
		items = append(items, Item{Key: Key(KindTweet, t.ID), Data: raw, TTL: m.cfg.TTLTweet})
	}
	if len(items) > 0 {
		if err := m.store.BatchSet(ctx, items); err != nil {
			m.degraded.Warn().Err(err).Msg("per-tweet write-through failed")
		}
	}

	if m.index != nil && m.index.Available() {
		m.detached.Add(1)
		go func() {
			defer m.detached.Done()
			if err := m.index.Upsert(ctx, page.Tweets); err != nil {
				m.degraded.Warn().Err(err).Msg("l2 upsert failed")
			}
		}()
	}

	if m.rec != nil {
		m.rec.RecordTweets(page.Tweets)
	}
}

// spawnRefresh starts one detached revalidation for a stale key. The caller
// has already been answered; failures are logged, never surfaced.
func (m *Manager) spawnRefresh(ctx context.Context, key string, ttl time.Duration, build BuildFunc) {
	if _, running := m.refreshing.LoadOrStore(key, struct{}{}); running {
		return
	}
	bctx := context.WithoutCancel(ctx)
	m.detached.Add(1)
	go func() {
		defer m.detached.Done()
		defer m.refreshing.Delete(key)
		data, err := build(bctx)
		if err != nil {
			m.log.Warn().Str("key", key).Err(err).Msg("stale refresh failed")
			return
		}
		m.writeL1(bctx, key, data, ttl)
	}()
}

func (m *Manager) spawnSearchRefresh(ctx context.Context, key string, build SearchBuildFunc) {
	if _, running := m.refreshing.LoadOrStore(key, struct{}{}); running {
		return
	}
	bctx := context.WithoutCancel(ctx)
	m.detached.Add(1)
	go func() {
		defer m.detached.Done()
		defer m.refreshing.Delete(key)
		page, err := build(bctx)
		if err != nil {
			m.log.Warn().Str("key", key).Err(err).Msg("stale search refresh failed")
			return
		}
		m.writeThroughSearch(bctx, key, page)
	}()
}

// l1Get reads L1, degrading an unavailable backend to a miss.
func (m *Manager) l1Get(ctx context.Context, key string) *Envelope {
	env, err := m.store.Get(ctx, key)
	if err != nil {
		m.degraded.Warn().Err(err).Msg("l1 read failed; treating as miss")
		return nil
	}
	return env
}

// writeL1 writes through to L1, degrading an unavailable backend to a
// logged skip. The caller still serves the built value.
func (m *Manager) writeL1(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) {
	if err := m.store.Set(ctx, key, data, ttl); err != nil {
		m.degraded.Warn().Err(err).Msg("l1 write failed; value served uncached")
	}
}

func (m *Manager) recordSearch(q SearchQuery, resultCount int, cacheHit bool, start time.Time) {
	if m.rec == nil {
		return
	}
	m.rec.RecordSearch(q.Query, q.Product, resultCount, cacheHit, time.Since(start))
}

func kindOfKey(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}
