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

// Package main provides the entry point for the xread API server.
//
// This binary wires the whole read pipeline together and owns its lifecycle:
// 1. Load configuration from the environment and set up logging.
// 2. Connect the cache tiers (Redis L1, optional Typesense L2) and the
//    ClickHouse analytics sink, degrading open when a backend is down.
// 3. Build the upstream stack: egress selector, session pool, transaction
//    generator, account pool, guest pool, and the GraphQL client.
// 4. Start background workers (guest minter, analytics sink, stats reporter)
//    and the HTTP server, then prewarm sessions and guests off the hot path.
// 5. On SIGINT/SIGTERM, drain the HTTP server first and then stop the
//    workers so in-flight refreshes and buffered analytics rows are flushed.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"xread/internal/analytics"
	"xread/internal/api"
	"xread/internal/cache"
	"xread/internal/config"
	"xread/internal/creds"
	"xread/internal/telemetry"
	"xread/internal/upstream"
)

func main() {
	// 1. Configuration and logging. A .env file is convenience for local
	// runs (non-fatal; production won't have one).
	_ = godotenv.Load()
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.LogFormat == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx := context.Background()

	// 2. L1 cache (Redis). A failed ping is not fatal: every read path can
	// fall through to a live build, so we log and keep going.
	opt, err := redis.ParseURL(cfg.L1URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid L1_URL")
	}
	opt.DialTimeout = cfg.CacheConnectTimeout
	opt.ReadTimeout = cfg.CacheConnectTimeout
	opt.WriteTimeout = cfg.CacheConnectTimeout
	rdb := redis.NewClient(opt)
	store := cache.NewRedisStoreFromClient(rdb, logger)

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.CacheConnectTimeout)
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable; responses degrade to live builds")
	}
	pingCancel()

	// 3. L2 cache (Typesense). Optional tier behind the search path; a
	// failed connect just leaves it unavailable.
	var l2 *cache.Typesense
	if cfg.L2Enabled {
		l2 = cache.NewTypesense(cfg.L2Protocol, cfg.L2Host, cfg.L2Port, cfg.L2APIKey, cfg.CacheConnectTimeout, logger)
		l2Ctx, l2Cancel := context.WithTimeout(ctx, cfg.CacheConnectTimeout)
		if err := l2.Connect(l2Ctx); err != nil {
			logger.Warn().Err(err).Msg("typesense unavailable; search runs without the index tier")
		}
		l2Cancel()
	}

	// 4. Analytics (ClickHouse). Opt-in via ANALYTICS_HOST; the sink is
	// always constructed so callers never nil-check it.
	var db analytics.Inserter
	if cfg.AnalyticsHost != "" {
		chCtx, chCancel := context.WithTimeout(ctx, cfg.CacheConnectTimeout)
		conn, err := analytics.Connect(chCtx, analytics.Options{
			Host:        cfg.AnalyticsHost,
			Port:        cfg.AnalyticsPort,
			Database:    cfg.AnalyticsDatabase,
			Username:    cfg.AnalyticsUser,
			Password:    cfg.AnalyticsPassword,
			DialTimeout: cfg.CacheConnectTimeout,
		})
		chCancel()
		if err != nil {
			logger.Warn().Err(err).Msg("clickhouse unavailable; analytics disabled")
		} else {
			db = conn
		}
	}
	sink := analytics.NewSink(db, cfg.FlushInterval, logger)
	if db != nil && cfg.AnalyticsBootstrap {
		if err := sink.Bootstrap(ctx, cfg.AnalyticsInitSQLPath); err != nil {
			logger.Warn().Err(err).Msg("analytics bootstrap failed")
		}
	}
	sink.Start()

	// 5. Upstream stack: egress rotation, warmed TLS sessions, and the
	// transaction-id generator (material fetched in the background).
	egress := upstream.NewSelector(cfg.ProxyURL, cfg.ProxyList, cfg.ProxyRotation, logger)
	sessions := upstream.NewSessionPool(cfg.SessionPoolSize, logger)
	txn := upstream.NewTxnGenerator(upstream.TxnOptions{TTL: cfg.TxnTTL}, logger)
	txn.Start()

	// 6. Credentials: operator accounts (optional) and the guest pool that
	// carries most of the traffic.
	accounts, err := creds.LoadAccounts(cfg.AccountsJSON, cfg.AccountsFile, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("accounts config invalid; continuing guest-only")
		accounts = creds.NewAccountPool(nil, logger)
	}

	var guests creds.GuestPool
	if cfg.GuestPoolBackend == "redis" {
		guests = creds.NewRedisPool(rdb, cfg.GuestTokenTTL, cfg.GuestMaxRequests, logger)
	} else {
		guests = creds.NewMemoryPool(cfg.GuestTokenTTL, cfg.GuestMaxRequests)
	}

	client := upstream.NewClient(upstream.ClientOptions{
		GuestTTL:         cfg.GuestTokenTTL,
		GuestMaxRequests: cfg.GuestMaxRequests,
	}, guests, accounts, sessions, egress, txn, logger)

	minter := creds.NewMinter(guests, client.MintGuest, cfg.GuestPoolTarget, cfg.MintWorkers, cfg.MintInterval, logger)
	minter.Start()

	// 7. Cache manager ties the tiers together. The index is only handed
	// over when L2 is configured so the nil check inside stays meaningful.
	var index cache.Indexer
	if l2 != nil {
		index = l2
	}
	mgr := cache.NewManager(store, index, sink, cache.ManagerConfig{
		SWRThreshold: cfg.SWRThreshold,
		TTLSearch:    cfg.TTLSearch,
		TTLTweet:     cfg.TTLTweet,
		CrossProcess: cfg.CoalesceCrossProcess,
		LockTTL:      cfg.CoalesceLockTTL,
		WaitTimeout:  cfg.CoalesceWaitTimeout,
		WaitInterval: cfg.CoalesceWaitInterval,
	}, logger)

	// 8. Periodic stats logging (disabled when the interval is zero).
	reporter := telemetry.NewReporter(cfg.StatsLogInterval, logger)
	reporter.Register("guest_pool", func() map[string]interface{} {
		return guests.Stats(context.Background()).Map()
	})
	reporter.Register("accounts", accounts.Stats)
	reporter.Register("sessions", sessions.Stats)
	reporter.Register("egress", egress.Stats)
	reporter.Register("analytics", sink.Stats)
	reporter.Start()

	// 9. HTTP server.
	srv := api.NewServer(cfg, api.Deps{
		Cache:    mgr,
		Fetch:    client,
		Guests:   guests,
		Accounts: accounts,
		Sessions: sessions,
		Egress:   egress,
		L1:       store,
		L2:       l2,
		Sink:     sink,
	}, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 10. Prewarm off the hot path: TLS sessions for the default egress and
	// each account's pinned egress, plus a first batch of guests when the
	// pool starts empty. The session pool caps each bucket itself.
	go func() {
		warmCtx, warmCancel := context.WithTimeout(context.Background(), time.Minute)
		defer warmCancel()
		sessions.Prewarm(warmCtx, egress.Pick(), cfg.SessionPoolSize)
		for _, a := range accounts.Accounts() {
			if a.Egress != "" {
				sessions.Prewarm(warmCtx, a.Egress, cfg.MaxSessionsPerAccount)
			}
		}
		if guests.Size(warmCtx) == 0 {
			minter.FillNow(warmCtx, min(cfg.GuestPoolTarget, 5))
		}
	}()

	// 11. Serve until signalled.
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("xread api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")

	// 12. Drain the listener first so no new work arrives, then stop the
	// background workers. The manager waits for detached refreshes and the
	// sink flushes buffered rows before returning.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	minter.Stop()
	reporter.Stop()
	mgr.Close()
	sink.Close()
	sessions.CloseAll()
	_ = rdb.Close()

	logger.Info().Msg("stopped")
}
