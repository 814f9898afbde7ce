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

package upstream

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/creds"
	"xread/internal/records"
	"xread/internal/telemetry"
	"xread/internal/xerr"
)

const (
	defaultGraphQLBase = "https://api.x.com/graphql"
	defaultActivateURL = "https://api.x.com/1.1/guest/activate.json"

	defaultReadTimeout      = 15 * time.Second
	defaultGuestTTL         = time.Hour
	defaultGuestMaxRequests = 400

	responseLimit = 16 << 20
)

// ClientOptions configure the GraphQL client. Zero values pick the
// production origin and its usual timeouts.
type ClientOptions struct {
	GraphQLBase      string
	ActivateURL      string
	ReadTimeout      time.Duration
	GuestTTL         time.Duration
	GuestMaxRequests int
}

func (o *ClientOptions) withDefaults() {
	if o.GraphQLBase == "" {
		o.GraphQLBase = defaultGraphQLBase
	}
	if o.ActivateURL == "" {
		o.ActivateURL = defaultActivateURL
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.GuestTTL <= 0 {
		o.GuestTTL = defaultGuestTTL
	}
	if o.GuestMaxRequests == 0 {
		o.GuestMaxRequests = defaultGuestMaxRequests
	}
}

// Client issues GraphQL reads against the origin, drawing credentials
// from the guest and account pools and connections from the session pool.
// Auth-gated operations run on accounts first and fall back to guests;
// everything else runs on guests and falls back to accounts only when no
// guest can be minted.
type Client struct {
	opts     ClientOptions
	guests   creds.GuestPool
	accounts *creds.AccountPool
	sessions *SessionPool
	egress   *Selector
	txn      *TxnGenerator
	log      zerolog.Logger
}

// NewClient wires the client. accounts, egress and txn may be nil; the
// corresponding behaviors (auth routing, proxy rotation, the transaction
// header) simply switch off.
func NewClient(opts ClientOptions, guests creds.GuestPool, accounts *creds.AccountPool, sessions *SessionPool, egress *Selector, txn *TxnGenerator, log zerolog.Logger) *Client {
	opts.withDefaults()
	return &Client{
		opts:     opts,
		guests:   guests,
		accounts: accounts,
		sessions: sessions,
		egress:   egress,
		txn:      txn,
		log:      log,
	}
}

// ── typed operations ────────────────────────────────────────

// UserByScreenName looks up a profile by handle.
func (c *Client) UserByScreenName(ctx context.Context, username string) (*records.UserProfile, error) {
	raw, err := c.do(ctx, userByScreenNameRequest(username))
	if err != nil {
		return nil, err
	}
	return records.ParseUserProfile(raw)
}

// UserByID looks up a profile by numeric id.
func (c *Client) UserByID(ctx context.Context, userID string) (*records.UserProfile, error) {
	raw, err := c.do(ctx, userByIDRequest(userID))
	if err != nil {
		return nil, err
	}
	return records.ParseUserProfile(raw)
}

// TweetByID fetches a single tweet.
func (c *Client) TweetByID(ctx context.Context, tweetID string) (*records.Tweet, error) {
	raw, err := c.do(ctx, tweetByIDRequest(tweetID))
	if err != nil {
		return nil, err
	}
	return records.ParseTweet(raw)
}

// TweetDetail fetches a tweet with its reply thread. When the detail
// operation fails (it is auth-gated), the call degrades to a bare tweet
// lookup with no replies rather than failing the request.
func (c *Client) TweetDetail(ctx context.Context, tweetID string) (*records.TweetThread, error) {
	raw, err := c.do(ctx, tweetDetailRequest(tweetID))
	if err == nil {
		return records.ParseTweetThread(raw, tweetID)
	}
	c.log.Debug().Err(err).Str("tweet_id", tweetID).Msg("tweet detail unavailable, falling back to single lookup")
	tweet, ferr := c.TweetByID(ctx, tweetID)
	if ferr != nil {
		return nil, ferr
	}
	return &records.TweetThread{Tweet: tweet}, nil
}

// UserTweets pages through a user's timeline.
func (c *Client) UserTweets(ctx context.Context, userID string, count int, cursor string) (*records.Timeline, error) {
	raw, err := c.do(ctx, userTweetsRequest(userID, count, cursor))
	if err != nil {
		return nil, err
	}
	return records.ParseUserTimeline(raw)
}

// Search runs a tweet search. product is Top, Latest, People, Photos or
// Videos.
func (c *Client) Search(ctx context.Context, query, product string, count int, cursor string) (*records.Timeline, error) {
	raw, err := c.do(ctx, searchRequest(query, product, count, cursor))
	if err != nil {
		return nil, err
	}
	return records.ParseSearchTimeline(raw)
}

// Followers pages through a user's followers.
func (c *Client) Followers(ctx context.Context, userID string, count int, cursor string) (*records.UserListing, error) {
	raw, err := c.do(ctx, followersRequest(userID, count, cursor))
	if err != nil {
		return nil, err
	}
	return records.ParseUserListing(raw)
}

// Following pages through the accounts a user follows.
func (c *Client) Following(ctx context.Context, userID string, count int, cursor string) (*records.UserListing, error) {
	raw, err := c.do(ctx, followingRequest(userID, count, cursor))
	if err != nil {
		return nil, err
	}
	return records.ParseUserListing(raw)
}

// ── request execution ───────────────────────────────────────

func (c *Client) do(ctx context.Context, r gqlRequest) (json.RawMessage, error) {
	const op = "upstream.client"

	queryID, ok := queryIDs[r.opName]
	if !ok {
		return nil, xerr.Newf(xerr.Config, op, "no query id for operation %q", r.opName)
	}
	varsJSON, err := json.Marshal(r.variables)
	if err != nil {
		return nil, xerr.New(xerr.Unknown, op, err)
	}

	params := url.Values{}
	params.Set("variables", string(varsJSON))
	params.Set("features", r.features)
	if r.fieldToggles != "" {
		params.Set("fieldToggles", r.fieldToggles)
	}
	endpoint := c.opts.GraphQLBase + "/" + queryID + "/" + r.opName
	fullURL := endpoint + "?" + params.Encode()
	txnPath := requestPath(endpoint)

	if r.preferAccount {
		if a := c.acquireAccount(); a != nil {
			return c.doWithAccount(ctx, fullURL, txnPath, r.opName, a)
		}
		return c.doWithGuest(ctx, fullURL, txnPath, r.opName)
	}

	raw, err := c.doWithGuest(ctx, fullURL, txnPath, r.opName)
	if err != nil && xerr.IsKind(err, xerr.CredentialsExhausted) {
		if a := c.acquireAccount(); a != nil {
			c.log.Debug().Str("operation", r.opName).Msg("guest pool exhausted, using account credential")
			return c.doWithAccount(ctx, fullURL, txnPath, r.opName, a)
		}
	}
	return raw, err
}

func (c *Client) acquireAccount() *creds.Account {
	if c.accounts == nil {
		return nil
	}
	return c.accounts.Acquire()
}

func (c *Client) doWithAccount(ctx context.Context, fullURL, txnPath, opName string, a *creds.Account) (json.RawMessage, error) {
	headers := accountHeaders(a)
	cookies := map[string]string{"auth_token": a.AuthToken, "ct0": a.CSRFToken}
	raw, _, err := c.exchange(ctx, fullURL, txnPath, opName, headers, cookies, a.Egress)
	c.accounts.Release(a, err)
	return raw, err
}

func (c *Client) doWithGuest(ctx context.Context, fullURL, txnPath, opName string) (json.RawMessage, error) {
	g, err := c.takeGuest(ctx)
	if err != nil {
		return nil, err
	}

	headers := guestHeaders(g)
	cookies := guestCookies(g)
	raw, status, err := c.exchange(ctx, fullURL, txnPath, opName, headers, cookies, g.Egress)
	if status == http.StatusOK {
		g.RequestCount++
	}

	// A rate-limited or blocked guest token is burned; re-pooling it
	// would just cycle the failure to the next caller.
	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		c.log.Warn().Int("status", status).Str("operation", opName).Msg("dropping burned guest credential")
		return raw, err
	}
	if relErr := c.guests.Release(ctx, g, err == nil); relErr != nil {
		c.log.Warn().Err(relErr).Msg("guest release failed")
	}
	return raw, err
}

// takeGuest pulls a healthy guest from the pool, discarding stale
// entries, and mints inline as the last resort.
func (c *Client) takeGuest(ctx context.Context) (*creds.Guest, error) {
	for i := 0; i < 3; i++ {
		g, err := c.guests.Take(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("guest pool unavailable, minting inline")
			break
		}
		if g == nil {
			break
		}
		if g.Expired(time.Now(), c.opts.GuestTTL) || g.Exhausted(c.opts.GuestMaxRequests) {
			continue
		}
		return g, nil
	}

	g, err := c.MintGuest(ctx)
	if err != nil {
		return nil, xerr.Newf(xerr.CredentialsExhausted, "upstream.client", "no guest credential available: %v", err)
	}
	return g, nil
}

// exchange runs one HTTP round-trip on a pooled session for the given
// egress. It reports the proxy outcome at the transport level and maps
// non-200 statuses to typed errors.
func (c *Client) exchange(ctx context.Context, fullURL, txnPath, opName string, headers, cookies map[string]string, egress string) (json.RawMessage, int, error) {
	const op = "upstream.client"

	session, err := c.sessions.Acquire(egress)
	if err != nil {
		return nil, 0, err
	}
	defer c.sessions.Release(session)

	ctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, 0, xerr.New(xerr.Unknown, op, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	if c.txn != nil {
		if id, terr := c.txn.Generate(ctx, http.MethodGet, txnPath); terr == nil {
			req.Header.Set("x-client-transaction-id", id)
		} else {
			c.log.Debug().Err(terr).Msg("transaction id unavailable, sending without")
		}
	}
	for k, v := range cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}

	start := time.Now()
	resp, err := session.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.reportEgress(egress, false)
		telemetry.ObserveUpstream(opName, 0, elapsed)
		return nil, 0, xerr.Newf(xerr.Transient, op, "%s request failed: %v", opName, err)
	}
	defer resp.Body.Close()
	c.reportEgress(egress, true)
	telemetry.ObserveUpstream(opName, resp.StatusCode, elapsed)

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, xerr.FromStatus(op, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, resp.StatusCode, xerr.Newf(xerr.Transient, op, "read %s response: %v", opName, err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) reportEgress(egress string, ok bool) {
	if c.egress != nil {
		c.egress.Report(egress, ok)
	}
}

// MintGuest activates a fresh guest credential on a rotated egress
// identity. The caller owns pooling it.
func (c *Client) MintGuest(ctx context.Context) (*creds.Guest, error) {
	const op = "upstream.mint"

	egress := ""
	if c.egress != nil {
		egress = c.egress.Pick()
	}
	session, err := c.sessions.Acquire(egress)
	if err != nil {
		return nil, err
	}
	defer c.sessions.Release(session)

	ctx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.ActivateURL, nil)
	if err != nil {
		return nil, xerr.New(xerr.Unknown, op, err)
	}
	req.Header.Set("authorization", "Bearer "+bearerToken)
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := session.Do(req)
	if err != nil {
		c.reportEgress(egress, false)
		return nil, xerr.Newf(xerr.Transient, op, "activate request failed: %v", err)
	}
	defer resp.Body.Close()
	c.reportEgress(egress, resp.StatusCode == http.StatusOK)
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, xerr.FromStatus(op, resp.StatusCode)
	}

	var out struct {
		GuestToken string `json:"guest_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, xerr.Newf(xerr.Transient, op, "decode activate response: %v", err)
	}
	if out.GuestToken == "" {
		return nil, xerr.Newf(xerr.Transient, op, "activate response carried no guest token")
	}

	cookies := make(map[string]string)
	if c.txn != nil {
		for k, v := range c.txn.HomepageCookies() {
			cookies[k] = v
		}
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == "__cf_bm" {
			cookies[ck.Name] = ck.Value
		}
	}

	csrf, err := randomHex(16)
	if err != nil {
		return nil, xerr.New(xerr.Unknown, op, err)
	}

	g := &creds.Guest{
		GuestToken: out.GuestToken,
		CSRFToken:  csrf,
		CreatedAt:  time.Now(),
		Cookies:    cookies,
		Egress:     egress,
		Health:     1.0,
	}
	c.log.Debug().Str("egress", statsKey(egress)).Msg("minted guest credential")
	return g, nil
}

// ── headers and cookies ─────────────────────────────────────

func commonHeaders() map[string]string {
	return map[string]string{
		"authorization":             "Bearer " + bearerToken,
		"x-twitter-active-user":     "yes",
		"x-twitter-client-language": "en",
		"content-type":              "application/json",
		"accept":                    "*/*",
		"accept-language":           "en-US,en;q=0.9",
		"origin":                    "https://x.com",
		"referer":                   "https://x.com/",
		"sec-fetch-dest":            "empty",
		"sec-fetch-mode":            "cors",
		"sec-fetch-site":            "same-site",
	}
}

func guestHeaders(g *creds.Guest) map[string]string {
	h := commonHeaders()
	h["x-guest-token"] = g.GuestToken
	h["x-csrf-token"] = g.CSRFToken
	return h
}

func accountHeaders(a *creds.Account) map[string]string {
	h := commonHeaders()
	h["x-twitter-auth-type"] = "OAuth2Session"
	h["x-csrf-token"] = a.CSRFToken
	return h
}

func guestCookies(g *creds.Guest) map[string]string {
	ck := map[string]string{
		"guest_id": "v1%3A" + g.GuestToken,
		"gt":       g.GuestToken,
		"ct0":      g.CSRFToken,
	}
	for k, v := range g.Cookies {
		ck[k] = v
	}
	return ck
}

// requestPath extracts the path component the transaction token signs.
func requestPath(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return u.Path
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := crand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
