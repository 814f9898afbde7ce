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

// Package config builds the single immutable configuration record the
// service is constructed from. All values come from the environment
// (main loads a .env file first via godotenv); components receive the
// record explicitly and never read process-wide variables themselves.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once at startup and passed by pointer; it is never
// mutated afterwards.
type Config struct {
	// HTTP surface
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "console"

	// L1 key/value store
	L1URL string

	// L2 search index
	L2Enabled  bool
	L2Host     string
	L2Port     int
	L2Protocol string
	L2APIKey   string

	// Analytics sink
	AnalyticsHost        string
	AnalyticsPort        int
	AnalyticsUser        string
	AnalyticsPassword    string
	AnalyticsDatabase    string
	AnalyticsBootstrap   bool
	AnalyticsInitSQLPath string

	// Shared connect timeout for L1/L2/analytics
	CacheConnectTimeout time.Duration

	// Per-kind L1 TTLs
	TTLSearch      time.Duration
	TTLTweet       time.Duration
	TTLTweetDetail time.Duration
	TTLProfile     time.Duration
	TTLUserTweets  time.Duration
	TTLSocial      time.Duration

	// Freshness cutoff: a hit older than this is served stale while a
	// background refresh runs.
	SWRThreshold time.Duration

	// Analytics flush cadence
	FlushInterval time.Duration

	// Cross-process build coordination over L1
	CoalesceCrossProcess bool
	CoalesceLockTTL      time.Duration
	CoalesceWaitTimeout  time.Duration
	CoalesceWaitInterval time.Duration

	// Egress identities
	ProxyURL      string
	ProxyList     string // csv of proxy URLs, or a file path
	ProxyRotation string // random | round_robin | health

	// Sessions
	SessionPoolSize       int
	MaxSessionsPerAccount int

	// Operator-supplied account credentials
	AccountsJSON string
	AccountsFile string

	// Guest credential pool
	GuestPoolBackend string // memory | redis
	GuestPoolTarget  int
	GuestTokenTTL    time.Duration
	GuestMaxRequests int
	MintInterval     time.Duration
	MintWorkers      int

	// Transaction-token material refresh bound
	TxnTTL time.Duration

	// Periodic KPI logging; 0 disables.
	StatsLogInterval time.Duration
}

// Load reads the full configuration from the environment, applying the
// documented defaults for anything unset.
func Load() *Config {
	return &Config{
		HTTPAddr:  envStr("HTTP_ADDR", ":8000"),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "json"),

		L1URL: envStr("L1_URL", "redis://localhost:6379"),

		L2Enabled:  envBool("L2_ENABLED", true),
		L2Host:     envStr("L2_HOST", "localhost"),
		L2Port:     envInt("L2_PORT", 8108),
		L2Protocol: envStr("L2_PROTOCOL", "http"),
		L2APIKey:   envStr("L2_API_KEY", ""),

		AnalyticsHost:        envStr("ANALYTICS_HOST", ""),
		AnalyticsPort:        envInt("ANALYTICS_PORT", 9000),
		AnalyticsUser:        envStr("ANALYTICS_USER", "default"),
		AnalyticsPassword:    envStr("ANALYTICS_PASSWORD", ""),
		AnalyticsDatabase:    envStr("ANALYTICS_DATABASE", "xread"),
		AnalyticsBootstrap:   envBool("ANALYTICS_BOOTSTRAP", false),
		AnalyticsInitSQLPath: envStr("ANALYTICS_INIT_SQL_PATH", ""),

		CacheConnectTimeout: envDur("CACHE_CONNECT_TIMEOUT", 3*time.Second),

		TTLSearch:      envDur("TTL_SEARCH", 60*time.Second),
		TTLTweet:       envDur("TTL_TWEET", 1800*time.Second),
		TTLTweetDetail: envDur("TTL_TWEET_DETAIL", 300*time.Second),
		TTLProfile:     envDur("TTL_PROFILE", 60*time.Second),
		TTLUserTweets:  envDur("TTL_USER_TWEETS", 120*time.Second),
		TTLSocial:      envDur("TTL_SOCIAL", 120*time.Second),

		SWRThreshold:  envDur("SWR_THRESHOLD", 30*time.Second),
		FlushInterval: envDur("CH_FLUSH_INTERVAL", 5*time.Second),

		CoalesceCrossProcess: envBool("COALESCE_CROSS_PROCESS", false),
		CoalesceLockTTL:      envDur("COALESCE_LOCK_TTL", 10*time.Second),
		CoalesceWaitTimeout:  envDur("COALESCE_WAIT_TIMEOUT", 8*time.Second),
		CoalesceWaitInterval: envDur("COALESCE_WAIT_INTERVAL", 50*time.Millisecond),

		ProxyURL:      envStr("PROXY_URL", ""),
		ProxyList:     envStr("PROXY_LIST", ""),
		ProxyRotation: envStr("PROXY_ROTATION", "round_robin"),

		SessionPoolSize:       envInt("SESSION_POOL_SIZE", 8),
		MaxSessionsPerAccount: envInt("MAX_SESSIONS_PER_ACCOUNT", 10),

		AccountsJSON: envStr("ACCOUNTS_JSON", ""),
		AccountsFile: envStr("ACCOUNTS_FILE", ""),

		GuestPoolBackend: envStr("GUEST_POOL_BACKEND", "memory"),
		GuestPoolTarget:  envInt("GUEST_POOL_TARGET", 10),
		GuestTokenTTL:    envDur("GUEST_TOKEN_TTL", 3600*time.Second),
		GuestMaxRequests: envInt("GUEST_MAX_REQUESTS", 400),
		MintInterval:     envDur("MINT_INTERVAL", 30*time.Second),
		MintWorkers:      envInt("MINT_WORKERS", 5),

		TxnTTL: envDur("TXN_TTL", 2*time.Hour),

		StatsLogInterval: envDur("STATS_LOG_INTERVAL", 0),
	}
}

// TTLFor returns the L1 TTL for a cache key kind. Unknown kinds fall back
// to the search TTL, the shortest one.
func (c *Config) TTLFor(kind string) time.Duration {
	switch kind {
	case "tweet":
		return c.TTLTweet
	case "tweet_detail":
		return c.TTLTweetDetail
	case "profile":
		return c.TTLProfile
	case "user_tweets":
		return c.TTLUserTweets
	case "social":
		return c.TTLSocial
	default:
		return c.TTLSearch
	}
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// envDur accepts either a Go duration string ("45s", "2h") or a bare
// number of seconds, matching how the options were set historically.
func envDur(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
