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

// Package api implements the public read surface: the chi router, the
// response envelope and the handlers that join the cache manager to the
// upstream client. Every data endpoint follows the same path — parse the
// fresh flag, build the cache key, hand a live-build closure to the
// manager and wrap whatever comes back in the envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"xread/internal/analytics"
	"xread/internal/cache"
	"xread/internal/config"
	"xread/internal/creds"
	"xread/internal/upstream"
)

const (
	serviceName    = "xread"
	serviceVersion = "0.1.0"

	// The surface is GET-only; the body cap is a backstop against junk
	// uploads tying up the listener.
	maxBodyBytes = 1 << 20

	// Bound for the active backend checks behind /debug/health.
	probeTimeout = 2 * time.Second
)

// Deps carries everything the server serves from. Cache and Fetch are
// required; the rest may be nil and the related health and stats fields
// degrade to "absent".
type Deps struct {
	Cache    *cache.Manager
	Fetch    Fetcher
	Guests   creds.GuestPool
	Accounts *creds.AccountPool
	Sessions *upstream.SessionPool
	Egress   *upstream.Selector
	L1       *cache.RedisStore
	L2       *cache.Typesense
	Sink     *analytics.Sink
}

// Server handles the HTTP requests for the read API.
type Server struct {
	cfg      *config.Config
	cache    *cache.Manager
	fetch    Fetcher
	guests   creds.GuestPool
	accounts *creds.AccountPool
	sessions *upstream.SessionPool
	egress   *upstream.Selector
	l1       *cache.RedisStore
	l2       *cache.Typesense
	sink     *analytics.Sink
	log      zerolog.Logger
}

// NewServer creates and configures a new API server.
func NewServer(cfg *config.Config, d Deps, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		cache:    d.Cache,
		fetch:    d.Fetch,
		guests:   d.Guests,
		accounts: d.Accounts,
		sessions: d.Sessions,
		egress:   d.Egress,
		l1:       d.L1,
		l2:       d.L2,
		sink:     d.Sink,
		log:      log,
	}
}

// Router returns the configured chi router with the full middleware chain
// and all routes mounted. CORS must run first so preflight responses
// succeed.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(maxBody(maxBodyBytes))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/debug/health", s.handleDebugHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/users/{username}", s.handleUserByUsername)
		r.Get("/users/id/{userID}", s.handleUserByID)
		r.Get("/users/{userID}/tweets", s.handleUserTweets)
		r.Get("/users/{userID}/followers", s.handleFollowers)
		r.Get("/users/{userID}/following", s.handleFollowing)
		r.Get("/tweets/{tweetID}", s.handleTweet)
		r.Get("/tweets/{tweetID}/detail", s.handleTweetDetail)
		r.Get("/search", s.handleSearch)
		r.Get("/pool/stats", s.handlePoolStats)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("req_id", chimw.GetReqID(r.Context())).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// maxBody returns middleware that limits the request body size.
func maxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    serviceName,
		"version": serviceVersion,
		"status":  "running",
	})
}

// handleHealth reports the passive connectivity flags. It never probes a
// backend, so it stays cheap enough for load-balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"pool_size":        s.poolSize(r.Context()),
		"cache_redis":      s.l1 != nil,
		"cache_typesense":  s.l2 != nil && s.l2.Available(),
		"cache_clickhouse": s.sink != nil && s.sink.Available(),
	})
}

// handleDebugHealth runs one active check against every cache backend.
// Slow by design; meant for operators, not load balancers.
func (s *Server) handleDebugHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	backends := make(map[string]interface{}, 3)
	if s.l1 != nil {
		backends["redis"] = probeEntry(s.l1.Ping(ctx))
	} else {
		backends["redis"] = probeEntry(errors.New("not connected"))
	}
	if s.l2 != nil {
		if s.l2.Healthy(ctx) {
			backends["typesense"] = probeEntry(nil)
		} else {
			backends["typesense"] = probeEntry(errors.New("health check failed"))
		}
	} else {
		backends["typesense"] = probeEntry(errors.New("disabled"))
	}
	if s.sink != nil {
		backends["clickhouse"] = probeEntry(s.sink.Ping(ctx))
	} else {
		backends["clickhouse"] = probeEntry(errors.New("disabled"))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"pool_size": s.poolSize(r.Context()),
		"backends":  backends,
	})
}

// handlePoolStats reports credential, session and egress pool state.
func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	if s.guests == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "pool not initialized",
		})
		return
	}
	stats := map[string]interface{}{
		"guests": s.guests.Stats(r.Context()).Map(),
	}
	if s.accounts != nil {
		stats["accounts"] = s.accounts.Stats()
	}
	if s.sessions != nil {
		stats["sessions"] = s.sessions.Stats()
	}
	if s.egress != nil {
		stats["egress"] = s.egress.Stats()
	}
	if s.sink != nil {
		stats["analytics"] = s.sink.Stats()
	}
	if s.cache != nil {
		stats["coalesce_in_flight"] = s.cache.InFlight()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) poolSize(ctx context.Context) int {
	if s.guests == nil {
		return 0
	}
	return s.guests.Size(ctx)
}

func probeEntry(err error) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{"ok": false, "error": err.Error()}
	}
	return map[string]interface{}{"ok": true}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
