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
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"xread/internal/xerr"
)

// RedisStore is the L1 implementation of Store.
type RedisStore struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisStore parses a redis:// URL and returns a store whose dial, read
// and write timeouts are all bounded by connectTimeout. Connectivity is not
// verified here; callers Ping at startup and degrade open on failure.
func NewRedisStore(url string, connectTimeout time.Duration, log zerolog.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, xerr.New(xerr.Config, "cache.redis", err)
	}
	opt.DialTimeout = connectTimeout
	opt.ReadTimeout = connectTimeout
	opt.WriteTimeout = connectTimeout
	return &RedisStore{rdb: redis.NewClient(opt), log: log}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and by
// callers that share one connection pool across components.
func NewRedisStoreFromClient(rdb *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, log: log}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Envelope, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, xerr.New(xerr.CacheUnavailable, "cache.get", err)
	}
	return s.decode(key, raw), nil
}

// decode turns stored bytes into an envelope. Undecodable values count as
// misses so a format change can never poison reads.
func (s *RedisStore) decode(key string, raw []byte) *Envelope {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Debug().Str("key", key).Err(err).Msg("discarding undecodable cache value")
		return nil
	}
	return &env
}

func (s *RedisStore) Set(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	raw, err := encodeEnvelope(data, unixNow())
	if err != nil {
		return xerr.New(xerr.Unknown, "cache.set", err)
	}
	if err := s.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return xerr.New(xerr.CacheUnavailable, "cache.set", err)
	}
	return nil
}

func encodeEnvelope(data json.RawMessage, storedAt float64) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(Envelope{Data: data, StoredAt: storedAt})
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) ([]*Envelope, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerr.New(xerr.CacheUnavailable, "cache.mget", err)
	}
	out := make([]*Envelope, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = s.decode(keys[i], []byte(str))
	}
	return out, nil
}

func (s *RedisStore) BatchSet(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	now := unixNow()
	pipe := s.rdb.Pipeline()
	for _, it := range items {
		raw, err := encodeEnvelope(it.Data, now)
		if err != nil {
			return xerr.New(xerr.Unknown, "cache.batch_set", err)
		}
		pipe.Set(ctx, it.Key, raw, it.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerr.New(xerr.CacheUnavailable, "cache.batch_set", err)
	}
	return nil
}

func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, xerr.New(xerr.CacheUnavailable, "cache.try_lock", err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return xerr.New(xerr.CacheUnavailable, "cache.release_lock", err)
	}
	return nil
}

func (s *RedisStore) WaitForKey(ctx context.Context, key string, timeout, interval time.Duration) (*Envelope, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		env, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if env != nil {
			return env, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return xerr.New(xerr.CacheUnavailable, "cache.ping", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
