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

// Package analytics is the buffered ClickHouse sink for tweet engagement
// rows and search-query logs. Enqueues are cheap in-memory appends; a
// background loop flushes batches on a fixed cadence. The sink degrades
// to a no-op when the backend is not connected, so callers never need
// conditional wiring.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/records"
	"xread/internal/telemetry"
	"xread/internal/xerr"
)

const (
	defaultFlushInterval = 5 * time.Second
	flushTimeout         = 10 * time.Second
)

// Sink buffers analytics rows and flushes them in batches. A failed
// insert logs and drops its batch; analytics rows are never worth
// blocking or retrying the serving path for.
type Sink struct {
	interval time.Duration
	log      zerolog.Logger

	mu             sync.Mutex
	db             Inserter
	tweets         []TweetRow
	queries        []QueryRow
	flushedTweets  uint64
	flushedQueries uint64

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
	started  bool
}

// NewSink wires a sink over db. A nil db disables the sink entirely.
func NewSink(db Inserter, interval time.Duration, log zerolog.Logger) *Sink {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Sink{
		db:       db,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Bootstrap ensures the required tables exist. With an empty path the
// built-in DDL runs; otherwise the SQL file at path is executed statement
// by statement.
func (s *Sink) Bootstrap(ctx context.Context, initSQLPath string) error {
	db := s.inserter()
	if db == nil {
		return nil
	}

	stmts := AllSchemas()
	if initSQLPath != "" {
		var err error
		if stmts, err = loadInitSQL(initSQLPath); err != nil {
			return err
		}
	}
	for _, stmt := range stmts {
		if err := db.Exec(ctx, stmt); err != nil {
			return xerr.Newf(xerr.CacheUnavailable, "analytics.bootstrap", "schema statement failed: %v", err)
		}
	}
	s.log.Info().Int("statements", len(stmts)).Msg("analytics schema ensured")
	return nil
}

// Start launches the background flush loop. A disabled sink stays idle.
func (s *Sink) Start() {
	if s.inserter() == nil {
		return
	}
	s.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Close stops the loop, drains the buffers once and closes the backend.
// Enqueues after Close are no-ops.
func (s *Sink) Close() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}
	if s.started {
		close(s.stopChan)
		s.wg.Wait()
	} else {
		s.flush()
	}

	s.mu.Lock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.mu.Unlock()
}

// Available reports whether the backend is connected.
func (s *Sink) Available() bool {
	return s.inserter() != nil
}

// Ping checks backend connectivity for health reporting.
func (s *Sink) Ping(ctx context.Context) error {
	db := s.inserter()
	if db == nil {
		return xerr.Newf(xerr.CacheUnavailable, "analytics.sink", "backend not connected")
	}
	return db.Ping(ctx)
}

// RecordTweets buffers engagement rows for every tweet with an id.
func (s *Sink) RecordTweets(tweets []records.Tweet) {
	if len(tweets) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return
	}
	for i := range tweets {
		t := &tweets[i]
		if t.ID == "" {
			continue
		}
		s.tweets = append(s.tweets, tweetRow(t))
	}
}

// RecordSearch buffers one search-query log row.
func (s *Sink) RecordSearch(query, product string, resultCount int, cacheHit bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return
	}
	s.queries = append(s.queries, QueryRow{
		Query:          query,
		Product:        product,
		ResultCount:    uint32(resultCount),
		CacheHit:       boolByte(cacheHit),
		ResponseTimeMS: elapsed.Seconds() * 1000,
	})
}

// Stats snapshots buffer depth and flush totals for the periodic report.
func (s *Sink) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"available":        s.db != nil,
		"buffered_tweets":  len(s.tweets),
		"buffered_queries": len(s.queries),
		"flushed_tweets":   s.flushedTweets,
		"flushed_queries":  s.flushedQueries,
	}
}

func (s *Sink) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopChan:
			s.flush()
			return
		}
	}
}

// flush swaps the buffers out under the lock and inserts outside it.
func (s *Sink) flush() {
	s.mu.Lock()
	db := s.db
	tweets := s.tweets
	queries := s.queries
	s.tweets = nil
	s.queries = nil
	s.mu.Unlock()
	if db == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if len(tweets) > 0 {
		err := db.InsertTweets(ctx, tweets)
		telemetry.ObserveAnalyticsFlush("tweets", len(tweets), err)
		if err != nil {
			s.log.Warn().Err(err).Int("rows", len(tweets)).Msg("tweet flush failed, batch dropped")
		} else {
			s.mu.Lock()
			s.flushedTweets += uint64(len(tweets))
			s.mu.Unlock()
		}
	}

	if len(queries) > 0 {
		err := db.InsertQueries(ctx, queries)
		telemetry.ObserveAnalyticsFlush("search_queries", len(queries), err)
		if err != nil {
			s.log.Warn().Err(err).Int("rows", len(queries)).Msg("search-query flush failed, batch dropped")
		} else {
			s.mu.Lock()
			s.flushedQueries += uint64(len(queries))
			s.mu.Unlock()
		}
	}
}

func (s *Sink) inserter() Inserter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func tweetRow(t *records.Tweet) TweetRow {
	return TweetRow{
		TweetID:        t.ID,
		AuthorID:       t.AuthorID,
		AuthorUsername: t.AuthorUsername,
		Text:           t.Text,
		Likes:          uint32(t.LikeCount),
		Retweets:       uint32(t.RetweetCount),
		Replies:        uint32(t.ReplyCount),
		Quotes:         uint32(t.QuoteCount),
		Views:          uint64(t.ViewCount),
		Bookmarks:      uint32(t.BookmarkCount),
		IsReply:        boolByte(t.IsReply),
		IsRetweet:      boolByte(t.IsRetweet),
		IsQuote:        boolByte(t.IsQuote),
		Language:       t.Language,
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
