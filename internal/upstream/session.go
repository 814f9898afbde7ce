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
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/telemetry"
	"xread/internal/xerr"
)

// TLS pre-warm target.
const (
	warmURL       = "https://api.x.com/"
	warmUserAgent = "Mozilla/5.0"
	warmTimeout   = 5 * time.Second
)

// Session owns one HTTP transport, so its DNS/TCP/TLS connection cache is
// never shared across egress identities. Sessions carry no cookie jar:
// credentials ride in explicit request headers, so nothing sticks to the
// connection between requests.
type Session struct {
	egress    string
	transport *http.Transport
	client    *http.Client
}

// NewSession builds a session for the given egress identity ("" = direct).
func NewSession(egress string) (*Session, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if egress != "" {
		proxyURL, err := url.Parse(egress)
		if err != nil {
			return nil, xerr.Newf(xerr.Config, "upstream.session", "invalid egress url %q: %v", egress, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &Session{
		egress:    egress,
		transport: transport,
		client:    &http.Client{Transport: transport},
	}, nil
}

// Egress returns the identity this session dials through ("" = direct).
func (s *Session) Egress() string { return s.egress }

// Do executes a request on this session's transport. Deadlines come from
// the request context.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

// warm performs the TLS handshake ahead of the first real request.
// Best-effort: a failed HEAD leaves the session usable, it just pays the
// handshake on first use.
func (s *Session) warm(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, warmTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", warmUserAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Close drops the session's idle connections.
func (s *Session) Close() {
	s.transport.CloseIdleConnections()
}

// SessionPool keeps warm sessions bucketed by egress identity, so a
// connection warmed through proxy A is never handed out for proxy B.
type SessionPool struct {
	mu         sync.Mutex
	buckets    map[string][]*Session
	max        int
	warmTarget string
	log        zerolog.Logger
}

// NewSessionPool caps each egress bucket at maxPerEgress sessions.
func NewSessionPool(maxPerEgress int, log zerolog.Logger) *SessionPool {
	if maxPerEgress < 1 {
		maxPerEgress = 1
	}
	return &SessionPool{
		buckets:    make(map[string][]*Session),
		max:        maxPerEgress,
		warmTarget: warmURL,
		log:        log,
	}
}

// Acquire pops a warm session for the egress, or builds a cold one when
// the bucket is empty. Cold sessions skip the pre-warm HEAD; the TLS
// handshake happens on the real request anyway.
func (p *SessionPool) Acquire(egress string) (*Session, error) {
	p.mu.Lock()
	bucket := p.buckets[egress]
	if n := len(bucket); n > 0 {
		s := bucket[0]
		p.buckets[egress] = bucket[1:]
		p.mu.Unlock()
		p.publishGauge()
		return s, nil
	}
	p.mu.Unlock()
	return NewSession(egress)
}

// Release returns a session to its bucket, closing it when the bucket is
// already full.
func (p *SessionPool) Release(s *Session) {
	if s == nil {
		return
	}
	p.mu.Lock()
	bucket := p.buckets[s.egress]
	if len(bucket) < p.max {
		p.buckets[s.egress] = append(bucket, s)
		p.mu.Unlock()
		p.publishGauge()
		return
	}
	p.mu.Unlock()
	s.Close()
}

// Prewarm builds up to count warm sessions for the egress and reports how
// many landed in the bucket. Warm-up failures are tolerated; the sessions
// are pooled anyway.
func (p *SessionPool) Prewarm(ctx context.Context, egress string, count int) int {
	added := 0
	for i := 0; i < count; i++ {
		s, err := NewSession(egress)
		if err != nil {
			p.log.Warn().Err(err).Str("egress", egress).Msg("prewarm: cannot build session")
			break
		}
		s.warm(ctx, p.warmTarget)
		p.mu.Lock()
		bucket := p.buckets[egress]
		if len(bucket) < p.max {
			p.buckets[egress] = append(bucket, s)
			added++
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()
		s.Close()
		break
	}
	if added > 0 {
		p.log.Info().Int("sessions", added).Str("egress", statsKey(egress)).Msg("pre-warmed sessions")
	}
	p.publishGauge()
	return added
}

// WarmCount returns the number of pooled sessions across all buckets.
func (p *SessionPool) WarmCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}

// CloseAll drains every bucket and closes the sessions.
func (p *SessionPool) CloseAll() {
	p.mu.Lock()
	var all []*Session
	for _, bucket := range p.buckets {
		all = append(all, bucket...)
	}
	p.buckets = make(map[string][]*Session)
	p.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	p.publishGauge()
}

// Stats snapshots the pool for the stats endpoint.
func (p *SessionPool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	buckets := make(map[string]int, len(p.buckets))
	total := 0
	for egress, bucket := range p.buckets {
		if len(bucket) == 0 {
			continue
		}
		buckets[statsKey(egress)] = len(bucket)
		total += len(bucket)
	}
	return map[string]interface{}{
		"warm_sessions":  total,
		"max_per_egress": p.max,
		"buckets":        buckets,
	}
}

func (p *SessionPool) publishGauge() {
	telemetry.SetWarmSessions(p.WarmCount())
}

// statsKey makes an egress identity safe to print: direct gets a name and
// proxy URLs (which may embed credentials) are truncated.
func statsKey(egress string) string {
	if egress == "" {
		return "direct"
	}
	if len(egress) > 40 {
		return egress[:40]
	}
	return egress
}
