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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"xread/internal/xerr"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStoreFromClient(rdb, zerolog.Nop()), mr
}

func TestRedisStore_SetGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"id":"777","text":"hello"}`)
	if err := store.Set(ctx, "tweet:v1:777", payload, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	env, err := store.Get(ctx, "tweet:v1:777")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if env == nil {
		t.Fatal("expected envelope, got miss")
	}
	if string(env.Data) != string(payload) {
		t.Fatalf("payload not preserved byte-for-byte: %s", env.Data)
	}
	if age := env.Age(time.Now()); age < 0 || age > 5*time.Second {
		t.Fatalf("unexpected envelope age %v", age)
	}
	if !env.Fresh(time.Now(), 30*time.Second) {
		t.Fatal("just-written envelope must be fresh")
	}
}

func TestRedisStore_GetMiss(t *testing.T) {
	store, _ := newTestStore(t)

	env, err := store.Get(context.Background(), "tweet:v1:nope")
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if env != nil {
		t.Fatalf("expected nil envelope, got %+v", env)
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "profile:v1:jack", json.RawMessage(`{"id":"12"}`), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	mr.FastForward(61 * time.Second)

	env, err := store.Get(ctx, "profile:v1:jack")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if env != nil {
		t.Fatal("expected expiry after TTL")
	}
}

func TestRedisStore_UndecodableValueIsMiss(t *testing.T) {
	store, mr := newTestStore(t)

	mr.Set("tweet:v1:garbage", "not json at all")
	env, err := store.Get(context.Background(), "tweet:v1:garbage")
	if err != nil {
		t.Fatalf("undecodable value must degrade to a miss, got error: %v", err)
	}
	if env != nil {
		t.Fatalf("expected miss, got %+v", env)
	}
}

func TestRedisStore_MGetPreservesOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "tweet:v1:1", json.RawMessage(`{"id":"1"}`), time.Minute)
	store.Set(ctx, "tweet:v1:3", json.RawMessage(`{"id":"3"}`), time.Minute)

	envs, err := store.MGet(ctx, []string{"tweet:v1:1", "tweet:v1:2", "tweet:v1:3"})
	if err != nil {
		t.Fatalf("mget failed: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(envs))
	}
	if envs[0] == nil || string(envs[0].Data) != `{"id":"1"}` {
		t.Fatalf("slot 0 wrong: %+v", envs[0])
	}
	if envs[1] != nil {
		t.Fatalf("slot 1 must be a miss, got %+v", envs[1])
	}
	if envs[2] == nil || string(envs[2].Data) != `{"id":"3"}` {
		t.Fatalf("slot 2 wrong: %+v", envs[2])
	}
}

func TestRedisStore_MGetEmptyKeys(t *testing.T) {
	store, _ := newTestStore(t)

	envs, err := store.MGet(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty mget must not error: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("expected no results, got %d", len(envs))
	}
}

func TestRedisStore_BatchSetPerItemTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	items := []Item{
		{Key: "tweet:v1:10", Data: json.RawMessage(`{"id":"10"}`), TTL: 30 * time.Minute},
		{Key: "tweet:v1:11", Data: json.RawMessage(`{"id":"11"}`), TTL: time.Minute},
	}
	if err := store.BatchSet(ctx, items); err != nil {
		t.Fatalf("batch set failed: %v", err)
	}

	for _, it := range items {
		env, err := store.Get(ctx, it.Key)
		if err != nil || env == nil {
			t.Fatalf("%s not readable after batch set: %v", it.Key, err)
		}
	}
	if ttl := mr.TTL("tweet:v1:10"); ttl != 30*time.Minute {
		t.Fatalf("expected 30m TTL, got %v", ttl)
	}
	if ttl := mr.TTL("tweet:v1:11"); ttl != time.Minute {
		t.Fatalf("expected 1m TTL, got %v", ttl)
	}

	if err := store.BatchSet(ctx, nil); err != nil {
		t.Fatalf("empty batch must be a no-op: %v", err)
	}
}

func TestRedisStore_TryLockRelease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.TryLock(ctx, "lock:search:v1:abc", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("first lock must succeed: ok=%v err=%v", ok, err)
	}
	ok, err = store.TryLock(ctx, "lock:search:v1:abc", 10*time.Second)
	if err != nil || ok {
		t.Fatalf("second lock must fail while held: ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseLock(ctx, "lock:search:v1:abc"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, err = store.TryLock(ctx, "lock:search:v1:abc", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("lock must be reacquirable after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisStore_LockExpiresOnItsOwn(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if ok, _ := store.TryLock(ctx, "lock:k", 10*time.Second); !ok {
		t.Fatal("first lock must succeed")
	}
	mr.FastForward(11 * time.Second)
	if ok, _ := store.TryLock(ctx, "lock:k", 10*time.Second); !ok {
		t.Fatal("lock must be reacquirable after its TTL: builder crash protection")
	}
}

func TestRedisStore_WaitForKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		store.Set(ctx, "search:v1:abc", json.RawMessage(`{"tweets":[]}`), time.Minute)
	}()

	env, err := store.WaitForKey(ctx, "search:v1:abc", 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if env == nil {
		t.Fatal("expected envelope once the key was written")
	}
}

func TestRedisStore_WaitForKeyTimeout(t *testing.T) {
	store, _ := newTestStore(t)

	start := time.Now()
	env, err := store.WaitForKey(context.Background(), "search:v1:never", 60*time.Millisecond, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("timeout must not error: %v", err)
	}
	if env != nil {
		t.Fatalf("expected nil on timeout, got %+v", env)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait did not respect timeout, took %v", elapsed)
	}
}

func TestRedisStore_BackendDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	if err := store.Ping(context.Background()); !xerr.IsKind(err, xerr.CacheUnavailable) {
		t.Fatalf("expected CacheUnavailable, got %v", err)
	}
	if _, err := store.Get(context.Background(), "tweet:v1:1"); !xerr.IsKind(err, xerr.CacheUnavailable) {
		t.Fatalf("expected CacheUnavailable from get, got %v", err)
	}
}
