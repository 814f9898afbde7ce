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

package analytics

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"xread/internal/xerr"
)

// TweetRow is one buffered row for the tweets table. Field types mirror
// the column types so batch appends need no conversion.
type TweetRow struct {
	TweetID        string
	AuthorID       string
	AuthorUsername string
	Text           string
	Likes          uint32
	Retweets       uint32
	Replies        uint32
	Quotes         uint32
	Views          uint64
	Bookmarks      uint32
	IsReply        uint8
	IsRetweet      uint8
	IsQuote        uint8
	Language       string
}

// QueryRow is one buffered row for the search_queries table.
type QueryRow struct {
	Query          string
	Product        string
	ResultCount    uint32
	CacheHit       uint8
	ResponseTimeMS float64
}

// Inserter is the sink's view of the analytics database.
type Inserter interface {
	InsertTweets(ctx context.Context, rows []TweetRow) error
	InsertQueries(ctx context.Context, rows []QueryRow) error
	Exec(ctx context.Context, stmt string) error
	Ping(ctx context.Context) error
	Close() error
}

// Options locate the ClickHouse backend.
type Options struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// Connect opens a native-protocol connection and verifies it with a ping.
func Connect(ctx context.Context, opts Options) (Inserter, error) {
	const op = "analytics.connect"
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: opts.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, xerr.Newf(xerr.CacheUnavailable, op, "open: %v", err)
	}

	pctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := conn.Ping(pctx); err != nil {
		conn.Close()
		return nil, xerr.Newf(xerr.CacheUnavailable, op, "ping: %v", err)
	}
	return &chConn{conn: conn}, nil
}

const (
	insertTweetsStmt = `INSERT INTO tweets (tweet_id, author_id, author_username, text, ` +
		`likes, retweets, replies, quotes, views, bookmarks, ` +
		`is_reply, is_retweet, is_quote, language)`
	insertQueriesStmt = `INSERT INTO search_queries (query, product, result_count, cache_hit, response_time_ms)`
)

// chConn adapts a native driver connection to the Inserter seam.
type chConn struct {
	conn driver.Conn
}

func (c *chConn) InsertTweets(ctx context.Context, rows []TweetRow) error {
	batch, err := c.conn.PrepareBatch(ctx, insertTweetsStmt)
	if err != nil {
		return err
	}
	for i := range rows {
		r := &rows[i]
		if err := batch.Append(
			r.TweetID, r.AuthorID, r.AuthorUsername, r.Text,
			r.Likes, r.Retweets, r.Replies, r.Quotes, r.Views, r.Bookmarks,
			r.IsReply, r.IsRetweet, r.IsQuote, r.Language,
		); err != nil {
			batch.Abort()
			return err
		}
	}
	return batch.Send()
}

func (c *chConn) InsertQueries(ctx context.Context, rows []QueryRow) error {
	batch, err := c.conn.PrepareBatch(ctx, insertQueriesStmt)
	if err != nil {
		return err
	}
	for i := range rows {
		r := &rows[i]
		if err := batch.Append(r.Query, r.Product, r.ResultCount, r.CacheHit, r.ResponseTimeMS); err != nil {
			batch.Abort()
			return err
		}
	}
	return batch.Send()
}

func (c *chConn) Exec(ctx context.Context, stmt string) error {
	return c.conn.Exec(ctx, stmt)
}

func (c *chConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *chConn) Close() error {
	return c.conn.Close()
}
