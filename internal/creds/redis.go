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
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"xread/internal/xerr"
)

const (
	redisRankKey    = "guests:v1:pool"
	redisCredPrefix = "guests:v1:cred:"
)

// takeScript atomically pops the highest-ranked credential and claims its
// payload. Ranked entries whose payload has expired are skipped.
const takeScript = `
while true do
  local popped = redis.call('ZPOPMAX', KEYS[1])
  if #popped == 0 then
    return false
  end
  local payload = redis.call('GETDEL', ARGV[1] .. popped[1])
  if payload then
    return payload
  end
end`

// RedisPool is the shared guest pool for multi-instance deployments.
// Credentials are ranked in a sorted set scored by health; each payload
// lives under its own key with the remaining credential TTL, so expiry
// retires credentials without a sweeper.
type RedisPool struct {
	rdb     *redis.Client
	ttl     time.Duration
	maxReqs int
	log     zerolog.Logger

	// Process-local lifetime counters; sizes come from the backend.
	minted  uint64
	retired uint64

	now func() time.Time
}

// NewRedisPool builds a pool over an existing client. The caller owns the
// client lifecycle.
func NewRedisPool(rdb *redis.Client, ttl time.Duration, maxRequests int, log zerolog.Logger) *RedisPool {
	return &RedisPool{rdb: rdb, ttl: ttl, maxReqs: maxRequests, log: log, now: time.Now}
}

func (p *RedisPool) Add(ctx context.Context, g *Guest) error {
	if g.Health == 0 {
		g.Health = 1.0
	}
	if err := p.put(ctx, g); err != nil {
		return err
	}
	atomic.AddUint64(&p.minted, 1)
	return nil
}

// put writes the payload key with the remaining credential TTL and ranks
// the token by health.
func (p *RedisPool) put(ctx context.Context, g *Guest) error {
	const op = "creds.pool.put"
	payload, err := json.Marshal(g)
	if err != nil {
		return xerr.New(xerr.Unknown, op, err)
	}
	remaining := p.ttl - g.Age(p.now())
	if remaining < time.Second {
		remaining = time.Second
	}
	pipe := p.rdb.Pipeline()
	pipe.Set(ctx, redisCredPrefix+g.GuestToken, payload, remaining)
	pipe.ZAdd(ctx, redisRankKey, redis.Z{Score: g.Health, Member: g.GuestToken})
	if _, err := pipe.Exec(ctx); err != nil {
		return xerr.New(xerr.CacheUnavailable, op, err)
	}
	return nil
}

func (p *RedisPool) Take(ctx context.Context) (*Guest, error) {
	const op = "creds.pool.take"
	res, err := p.rdb.Eval(ctx, takeScript, []string{redisRankKey}, redisCredPrefix).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, xerr.New(xerr.CacheUnavailable, op, err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var g Guest
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		// Unreadable payload: drop it and report empty.
		p.log.Warn().Err(err).Msg("dropping undecodable guest credential")
		atomic.AddUint64(&p.retired, 1)
		return nil, nil
	}
	if g.Expired(p.now(), p.ttl) {
		atomic.AddUint64(&p.retired, 1)
		return p.Take(ctx)
	}
	return &g, nil
}

func (p *RedisPool) Release(ctx context.Context, g *Guest, ok bool) error {
	now := p.now()
	if g.Expired(now, p.ttl) || g.Exhausted(p.maxReqs) {
		atomic.AddUint64(&p.retired, 1)
		return nil
	}
	g.Health = healthScore(g, ok, now, p.ttl)
	// Take claimed the payload, so releasing is a plain re-insert.
	return p.put(ctx, g)
}

func (p *RedisPool) Size(ctx context.Context) int {
	n, err := p.rdb.ZCard(ctx, redisRankKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

func (p *RedisPool) Stats(ctx context.Context) PoolStats {
	st := PoolStats{
		Minted:  atomic.LoadUint64(&p.minted),
		Retired: atomic.LoadUint64(&p.retired),
	}
	members, err := p.rdb.ZRangeWithScores(ctx, redisRankKey, 0, -1).Result()
	if err != nil || len(members) == 0 {
		return st
	}
	st.Size = len(members)
	min, max, sum := members[0].Score, members[0].Score, 0.0
	for _, m := range members {
		if m.Score < min {
			min = m.Score
		}
		if m.Score > max {
			max = m.Score
		}
		sum += m.Score
	}
	st.AvgHealth = sum / float64(st.Size)
	st.MinHealth = min
	st.MaxHealth = max
	return st
}
