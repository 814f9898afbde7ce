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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/records"
	"xread/internal/xerr"
)

const tweetsCollection = "tweets"

type collectionField struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Facet bool   `json:"facet,omitempty"`
	Sort  bool   `json:"sort,omitempty"`
}

type collectionSchema struct {
	Name            string            `json:"name"`
	Fields          []collectionField `json:"fields"`
	TokenSeparators []string          `json:"token_separators,omitempty"`
}

// tweetsSchema mirrors the denormalised subset the index carries per record.
// @ and # are token separators so handles and hashtags match inside text.
var tweetsSchema = collectionSchema{
	Name: tweetsCollection,
	Fields: []collectionField{
		{Name: "id", Type: "string"},
		{Name: "text", Type: "string"},
		{Name: "author_username", Type: "string", Facet: true},
		{Name: "author_name", Type: "string"},
		{Name: "author_id", Type: "string", Facet: true},
		{Name: "created_at_ts", Type: "int64", Sort: true},
		{Name: "like_count", Type: "int32", Sort: true},
		{Name: "retweet_count", Type: "int32", Sort: true},
		{Name: "view_count", Type: "int64", Sort: true},
		{Name: "language", Type: "string", Facet: true},
		{Name: "is_reply", Type: "bool"},
		{Name: "is_retweet", Type: "bool"},
		{Name: "is_quote", Type: "bool"},
	},
	TokenSeparators: []string{"@", "#"},
}

// indexDoc is the upserted document shape. Field names are part of the
// collection schema above.
type indexDoc struct {
	ID             string `json:"id"`
	Text           string `json:"text"`
	AuthorUsername string `json:"author_username"`
	AuthorName     string `json:"author_name"`
	AuthorID       string `json:"author_id"`
	CreatedAtTS    int64  `json:"created_at_ts"`
	LikeCount      int    `json:"like_count"`
	RetweetCount   int    `json:"retweet_count"`
	ViewCount      int    `json:"view_count"`
	Language       string `json:"language"`
	IsReply        bool   `json:"is_reply"`
	IsRetweet      bool   `json:"is_retweet"`
	IsQuote        bool   `json:"is_quote"`
}

func docFromTweet(t *records.Tweet) indexDoc {
	return indexDoc{
		ID:             t.ID,
		Text:           t.Text,
		AuthorUsername: t.AuthorUsername,
		AuthorName:     t.AuthorName,
		AuthorID:       t.AuthorID,
		CreatedAtTS:    t.CreatedAtUnix(),
		LikeCount:      t.LikeCount,
		RetweetCount:   t.RetweetCount,
		ViewCount:      t.ViewCount,
		Language:       t.Language,
		IsReply:        t.IsReply,
		IsRetweet:      t.IsRetweet,
		IsQuote:        t.IsQuote,
	}
}

// Typesense is the L2 full-text index client. All methods are best-effort
// from the manager's point of view: the index accelerates first-page search
// and is never required for correctness.
type Typesense struct {
	baseURL   string
	apiKey    string
	hc        *http.Client
	log       zerolog.Logger
	available atomic.Bool
}

// NewTypesense builds a client for protocol://host:port. Requests share one
// http.Client bounded by timeout.
func NewTypesense(protocol, host string, port int, apiKey string, timeout time.Duration, log zerolog.Logger) *Typesense {
	return &Typesense{
		baseURL: fmt.Sprintf("%s://%s:%d", protocol, host, port),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Connect probes /health and, when reachable, ensures the tweets collection
// exists. An unreachable index leaves the client in the unavailable state;
// the manager then skips L2 entirely.
func (t *Typesense) Connect(ctx context.Context) error {
	if !t.Healthy(ctx) {
		t.available.Store(false)
		return xerr.Newf(xerr.CacheUnavailable, "cache.l2", "search index unreachable at %s", t.baseURL)
	}
	if err := t.EnsureCollection(ctx); err != nil {
		t.available.Store(false)
		return err
	}
	t.available.Store(true)
	return nil
}

// Available reports whether the last Connect succeeded.
func (t *Typesense) Available() bool { return t.available.Load() }

// Healthy probes the index health endpoint.
func (t *Typesense) Healthy(ctx context.Context) bool {
	resp, err := t.do(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// EnsureCollection creates the tweets collection when absent. Safe to call
// on every startup; an already-existing collection (200 on lookup, or 409
// on a create race) is success.
func (t *Typesense) EnsureCollection(ctx context.Context) error {
	const op = "cache.l2.ensure"

	resp, err := t.do(ctx, http.MethodGet, "/collections/"+tweetsCollection, nil, "")
	if err != nil {
		return xerr.New(xerr.CacheUnavailable, op, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(tweetsSchema)
	if err != nil {
		return xerr.New(xerr.Unknown, op, err)
	}
	resp, err = t.do(ctx, http.MethodPost, "/collections", bytes.NewReader(body), "application/json")
	if err != nil {
		return xerr.New(xerr.CacheUnavailable, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusConflict:
		return nil
	default:
		return xerr.Newf(xerr.CacheUnavailable, op, "collection create failed: status %d", resp.StatusCode)
	}
}

// Upsert batch-imports tweets as newline-delimited JSON with action=upsert,
// so re-indexing a tweet refreshes its engagement counts in place.
func (t *Typesense) Upsert(ctx context.Context, tweets []records.Tweet) error {
	const op = "cache.l2.upsert"

	if !t.Available() || len(tweets) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range tweets {
		if tweets[i].ID == "" {
			continue
		}
		if err := enc.Encode(docFromTweet(&tweets[i])); err != nil {
			return xerr.New(xerr.Unknown, op, err)
		}
	}
	if buf.Len() == 0 {
		return nil
	}

	path := "/collections/" + tweetsCollection + "/documents/import?action=upsert"
	resp, err := t.do(ctx, http.MethodPost, path, &buf, "text/plain")
	if err != nil {
		return xerr.New(xerr.CacheUnavailable, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return xerr.Newf(xerr.CacheUnavailable, op, "import failed: status %d", resp.StatusCode)
	}
	return nil
}

// Search returns record ids ranked by text match then like count. Only the
// first page is ever requested; the index has no cursor model.
func (t *Typesense) Search(ctx context.Context, query string, limit int) ([]string, error) {
	const op = "cache.l2.search"

	if !t.Available() {
		return nil, nil
	}
	params := url.Values{
		"q":        {query},
		"query_by": {"text,author_username,author_name"},
		"sort_by":  {"_text_match:desc,like_count:desc"},
		"per_page": {strconv.Itoa(limit)},
	}
	path := "/collections/" + tweetsCollection + "/documents/search?" + params.Encode()
	resp, err := t.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, xerr.New(xerr.CacheUnavailable, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, xerr.Newf(xerr.CacheUnavailable, op, "search failed: status %d", resp.StatusCode)
	}

	var out struct {
		Hits []struct {
			Document struct {
				ID string `json:"id"`
			} `json:"document"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, xerr.New(xerr.CacheUnavailable, op, err)
	}
	ids := make([]string, 0, len(out.Hits))
	for _, h := range out.Hits {
		ids = append(ids, h.Document.ID)
	}
	return ids, nil
}

func (t *Typesense) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-TYPESENSE-API-KEY", t.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return t.hc.Do(req)
}
