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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"xread/internal/cache"
	"xread/internal/records"
	"xread/internal/xerr"
)

const (
	defaultPageSize = 20
	// The upstream rejects pages larger than this, so the API clamps
	// rather than forwarding a request that is guaranteed to fail.
	maxPageSize = 40

	// Edge cache policy for non-empty search pages: cache five minutes,
	// serve stale five more while revalidating.
	edgeCacheControl = "public, max-age=300, stale-while-revalidate=300"
)

// Fetcher is the live-build surface behind the read endpoints.
// *upstream.Client implements it; handler tests script a fake.
type Fetcher interface {
	UserByScreenName(ctx context.Context, username string) (*records.UserProfile, error)
	UserByID(ctx context.Context, userID string) (*records.UserProfile, error)
	TweetByID(ctx context.Context, tweetID string) (*records.Tweet, error)
	TweetDetail(ctx context.Context, tweetID string) (*records.TweetThread, error)
	UserTweets(ctx context.Context, userID string, count int, cursor string) (*records.Timeline, error)
	Search(ctx context.Context, query, product string, count int, cursor string) (*records.Timeline, error)
	Followers(ctx context.Context, userID string, count int, cursor string) (*records.UserListing, error)
	Following(ctx context.Context, userID string, count int, cursor string) (*records.UserListing, error)
}

// APIResponse is the uniform envelope every JSON data endpoint answers
// with, success or failure.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   *string     `json:"error"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries per-request serving facts. Count and NextCursor appear on
// list endpoints only.
type Meta struct {
	ResponseTimeMS float64 `json:"response_time_ms"`
	CacheHit       bool    `json:"cache_hit"`
	CacheLayer     string  `json:"cache_layer"`
	Count          *int    `json:"count,omitempty"`
	NextCursor     string  `json:"next_cursor,omitempty"`
}

func newMeta(start time.Time, origin cache.Origin) *Meta {
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	return &Meta{
		ResponseTimeMS: math.Round(ms*10) / 10,
		CacheHit:       origin.Hit(),
		CacheLayer:     string(origin),
	}
}

func (m *Meta) withPage(count int, next string) *Meta {
	m.Count = &count
	m.NextCursor = next
	return m
}

// timelinePage is the shape cached under user_tweets keys.
type timelinePage struct {
	Tweets     []records.Tweet `json:"tweets"`
	NextCursor string          `json:"next_cursor"`
}

// listingPage is the shape cached under social keys.
type listingPage struct {
	Users      []records.UserSummary `json:"users"`
	NextCursor string                `json:"next_cursor"`
}

// threadPage is the shape cached under tweet_detail keys and returned as
// the data member verbatim.
type threadPage struct {
	Tweet      *records.Tweet  `json:"tweet"`
	Replies    []records.Tweet `json:"replies"`
	ReplyCount int             `json:"reply_count"`
}

func (s *Server) handleUserByUsername(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	start := time.Now()
	key := cache.Key(cache.KindProfile, strings.ToLower(username))

	build := func(ctx context.Context) (json.RawMessage, error) {
		u, err := s.fetch.UserByScreenName(ctx, username)
		if err != nil {
			return nil, err
		}
		return json.Marshal(u)
	}
	data, origin, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.TTLFor(cache.KindProfile), build, parseFresh(r))
	if err != nil {
		s.fail(w, err, fmt.Sprintf("User @%s not found", username))
		return
	}
	s.ok(w, data, newMeta(start, origin))
}

func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	start := time.Now()
	key := cache.Key(cache.KindProfile, userID)

	build := func(ctx context.Context) (json.RawMessage, error) {
		u, err := s.fetch.UserByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(u)
	}
	data, origin, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.TTLFor(cache.KindProfile), build, parseFresh(r))
	if err != nil {
		s.fail(w, err, fmt.Sprintf("User %s not found", userID))
		return
	}
	s.ok(w, data, newMeta(start, origin))
}

func (s *Server) handleTweet(w http.ResponseWriter, r *http.Request) {
	tweetID := chi.URLParam(r, "tweetID")
	start := time.Now()
	key := cache.Key(cache.KindTweet, tweetID)

	build := func(ctx context.Context) (json.RawMessage, error) {
		t, err := s.fetch.TweetByID(ctx, tweetID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(t)
	}
	data, origin, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.TTLFor(cache.KindTweet), build, parseFresh(r))
	if err != nil {
		s.fail(w, err, fmt.Sprintf("Tweet %s not found", tweetID))
		return
	}
	s.ok(w, data, newMeta(start, origin))
}

func (s *Server) handleTweetDetail(w http.ResponseWriter, r *http.Request) {
	tweetID := chi.URLParam(r, "tweetID")
	start := time.Now()
	key := cache.Key(cache.KindTweetDetail, tweetID)

	build := func(ctx context.Context) (json.RawMessage, error) {
		thread, err := s.fetch.TweetDetail(ctx, tweetID)
		if err != nil {
			return nil, err
		}
		replies := thread.Replies
		if replies == nil {
			replies = []records.Tweet{}
		}
		return json.Marshal(threadPage{
			Tweet:      thread.Tweet,
			Replies:    replies,
			ReplyCount: len(replies),
		})
	}
	data, origin, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.TTLFor(cache.KindTweetDetail), build, parseFresh(r))
	if err != nil {
		s.fail(w, err, fmt.Sprintf("Tweet %s not found", tweetID))
		return
	}
	s.ok(w, data, newMeta(start, origin))
}

func (s *Server) handleUserTweets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	count := parseCount(r)
	cursor := r.URL.Query().Get("cursor")
	start := time.Now()
	key := cache.Key(cache.KindUserTweets, userID, strconv.Itoa(count), cursor)

	build := func(ctx context.Context) (json.RawMessage, error) {
		tl, err := s.fetch.UserTweets(ctx, userID, count, cursor)
		if err != nil {
			return nil, err
		}
		tweets := tl.Tweets
		if tweets == nil {
			tweets = []records.Tweet{}
		}
		return json.Marshal(timelinePage{Tweets: tweets, NextCursor: tl.NextCursor})
	}
	data, origin, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.TTLFor(cache.KindUserTweets), build, parseFresh(r))
	if err != nil {
		s.fail(w, err, "")
		return
	}

	var page timelinePage
	if err := json.Unmarshal(data, &page); err != nil {
		s.fail(w, xerr.New(xerr.Unknown, "api.user_tweets", err), "")
		return
	}
	if page.Tweets == nil {
		page.Tweets = []records.Tweet{}
	}
	s.ok(w, page.Tweets, newMeta(start, origin).withPage(len(page.Tweets), page.NextCursor))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		msg := "q is required"
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Error: &msg})
		return
	}
	product := r.URL.Query().Get("product")
	if product == "" {
		product = "Top"
	}
	count := parseCount(r)
	cursor := r.URL.Query().Get("cursor")
	fresh := parseFresh(r)
	start := time.Now()

	build := func(ctx context.Context) (cache.SearchPage, error) {
		tl, err := s.fetch.Search(ctx, q, product, count, cursor)
		if err != nil {
			return cache.SearchPage{}, err
		}
		tweets := tl.Tweets
		if tweets == nil {
			tweets = []records.Tweet{}
		}
		return cache.SearchPage{Tweets: tweets, NextCursor: tl.NextCursor}, nil
	}
	query := cache.SearchQuery{Query: q, Product: product, Count: count, Cursor: cursor}
	tweets, next, origin, err := s.cache.SearchOrFetch(r.Context(), query, build, fresh)
	if err != nil {
		s.fail(w, err, "")
		return
	}
	if tweets == nil {
		tweets = []records.Tweet{}
	}

	h := w.Header()
	h.Set("X-Cache-Layer", string(origin))
	if origin.Hit() {
		h.Set("X-Cache-Hit", "1")
	} else {
		h.Set("X-Cache-Hit", "0")
	}
	// Edge caching keeps popular queries warm at the CDN. fresh bypasses
	// it, and empty pages are never worth pinning for five minutes.
	switch {
	case fresh:
		h.Set("Cache-Control", "no-store")
	case len(tweets) > 0:
		h.Set("Cache-Control", edgeCacheControl)
		h.Set("CDN-Cache-Control", edgeCacheControl)
	default:
		h.Set("Cache-Control", "no-store")
	}
	s.ok(w, tweets, newMeta(start, origin).withPage(len(tweets), next))
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	s.handleSocial(w, r, "followers", s.fetch.Followers)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	s.handleSocial(w, r, "following", s.fetch.Following)
}

// handleSocial serves the follower and following listings, which differ
// only in direction.
func (s *Server) handleSocial(w http.ResponseWriter, r *http.Request, direction string,
	fetch func(ctx context.Context, userID string, count int, cursor string) (*records.UserListing, error)) {

	userID := chi.URLParam(r, "userID")
	count := parseCount(r)
	cursor := r.URL.Query().Get("cursor")
	start := time.Now()
	key := cache.Key(cache.KindSocial, direction, userID, strconv.Itoa(count), cursor)

	build := func(ctx context.Context) (json.RawMessage, error) {
		listing, err := fetch(ctx, userID, count, cursor)
		if err != nil {
			return nil, err
		}
		users := listing.Users
		if users == nil {
			users = []records.UserSummary{}
		}
		return json.Marshal(listingPage{Users: users, NextCursor: listing.NextCursor})
	}
	data, origin, err := s.cache.GetOrFetch(r.Context(), key, s.cfg.TTLFor(cache.KindSocial), build, parseFresh(r))
	if err != nil {
		s.fail(w, err, fmt.Sprintf("User %s not found", userID))
		return
	}

	var page listingPage
	if err := json.Unmarshal(data, &page); err != nil {
		s.fail(w, xerr.New(xerr.Unknown, "api."+direction, err), "")
		return
	}
	if page.Users == nil {
		page.Users = []records.UserSummary{}
	}
	s.ok(w, page.Users, newMeta(start, origin).withPage(len(page.Users), page.NextCursor))
}

func (s *Server) ok(w http.ResponseWriter, data interface{}, meta *Meta) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data, Meta: meta})
}

// fail renders the error envelope. notFound, when non-empty, replaces the
// raw error text on 404s so clients see a stable message instead of the
// upstream chain.
func (s *Server) fail(w http.ResponseWriter, err error, notFound string) {
	status := xerr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusNotFound && notFound != "" {
		msg = notFound
	}
	if status >= 500 {
		s.log.Warn().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, APIResponse{Success: false, Error: &msg})
}

// parseFresh reads the cache-bypass flag. Truthy spellings match what
// operators actually send.
func parseFresh(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("fresh"))) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// parseCount reads the page-size parameter, defaulting to 20 and clamping
// to the upstream's per-page ceiling.
func parseCount(r *http.Request) int {
	v := r.URL.Query().Get("count")
	if v == "" {
		return defaultPageSize
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
