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
	"os"
	"strings"

	"xread/internal/xerr"
)

// TweetsSchema is the DDL for the tweet engagement table. Every tweet the
// service writes through lands here; re-observations of the same tweet
// replace the previous row so engagement numbers converge to the latest
// fetch.
const TweetsSchema = `
CREATE TABLE IF NOT EXISTS tweets (
    tweet_id        String,
    author_id       String,
    author_username String,
    text            String,

    -- engagement counters from the latest observation
    likes           UInt32,
    retweets        UInt32,
    replies         UInt32,
    quotes          UInt32,
    views           UInt64,
    bookmarks       UInt32,

    is_reply        UInt8,
    is_retweet      UInt8,
    is_quote        UInt8,
    language        String,

    recorded_at     DateTime DEFAULT now()
)
ENGINE = ReplacingMergeTree(recorded_at)
ORDER BY tweet_id;
`

// SearchQueriesSchema is the DDL for the search analytics log. One row per
// served search, hit or miss.
const SearchQueriesSchema = `
CREATE TABLE IF NOT EXISTS search_queries (
    query            String,
    product          String,
    result_count     UInt32,
    cache_hit        UInt8,
    response_time_ms Float64,

    recorded_at      DateTime DEFAULT now()
)
ENGINE = MergeTree()
ORDER BY (recorded_at, query);
`

// AllSchemas returns all DDL statements in creation order.
func AllSchemas() []string {
	return []string{
		TweetsSchema,
		SearchQueriesSchema,
	}
}

// loadInitSQL reads an operator-supplied schema file and splits it into
// statements: comment and blank lines are dropped, then the remainder is
// split on ";".
func loadInitSQL(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.Newf(xerr.Config, "analytics.schema", "read init sql: %v", err)
	}

	kept := make([]string, 0, 64)
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, s := range strings.Split(strings.Join(kept, "\n"), ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts, nil
}
