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

package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/telemetry"
	"xread/internal/xerr"
)

// Cooldowns applied when the upstream pushes back on an account.
const (
	rateLimitCooldown = 15 * time.Minute
	forbiddenCooldown = time.Hour
)

// defaultAccountsFile is tried when neither the inline JSON nor an explicit
// file path is configured.
const defaultAccountsFile = "accounts.json"

// Account is one operator-supplied authenticated credential. Each account
// is pinned to its own egress identity so the upstream cannot correlate
// them. Mutable state is guarded by the owning pool's lock.
type Account struct {
	AuthToken string `json:"auth_token"`
	CSRFToken string `json:"ct0"`
	Label     string `json:"label"`
	Egress    string `json:"proxy"`

	requestCount  int
	lastUsed      time.Time
	cooldownUntil time.Time
	failures      int
}

// available reports whether the account is out of cooldown.
func (a *Account) available(now time.Time) bool {
	return !a.cooldownUntil.After(now)
}

// AccountPool rotates authenticated accounts round-robin, skipping any in
// cooldown. Safe for concurrent use.
type AccountPool struct {
	mu       sync.Mutex
	accounts []*Account
	index    int
	log      zerolog.Logger

	now func() time.Time
}

// NewAccountPool wraps a fixed account list.
func NewAccountPool(accounts []*Account, log zerolog.Logger) *AccountPool {
	return &AccountPool{accounts: accounts, log: log, now: time.Now}
}

// LoadAccounts resolves the account list in priority order: inline JSON,
// then an explicit file path, then the default file location. A missing
// source yields an empty pool, never an error; only malformed JSON fails.
func LoadAccounts(inlineJSON, filePath string, log zerolog.Logger) (*AccountPool, error) {
	const op = "creds.accounts.load"

	var raw []byte
	source := ""
	switch {
	case inlineJSON != "":
		raw = []byte(inlineJSON)
		source = "env"
	case filePath != "":
		b, err := os.ReadFile(filePath)
		if err != nil {
			log.Warn().Str("path", filePath).Err(err).Msg("accounts file unreadable")
			return NewAccountPool(nil, log), nil
		}
		raw = b
		source = filePath
	default:
		b, err := os.ReadFile(defaultAccountsFile)
		if err != nil {
			return NewAccountPool(nil, log), nil
		}
		raw = b
		source = defaultAccountsFile
	}

	var entries []*Account
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, xerr.New(xerr.Config, op, err)
	}

	accounts := make([]*Account, 0, len(entries))
	for _, a := range entries {
		if a == nil || a.AuthToken == "" || a.CSRFToken == "" {
			log.Warn().Str("label", labelOf(a)).Msg("skipping account with missing tokens")
			continue
		}
		if a.Label == "" {
			a.Label = fmt.Sprintf("account-%d", len(accounts)+1)
		}
		accounts = append(accounts, a)
	}
	if len(accounts) > 0 {
		log.Info().Int("accounts", len(accounts)).Str("source", source).Msg("loaded auth accounts")
	}
	return NewAccountPool(accounts, log), nil
}

func labelOf(a *Account) string {
	if a == nil {
		return ""
	}
	return a.Label
}

// HasAccounts reports whether any accounts are configured.
func (p *AccountPool) HasAccounts() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts) > 0
}

// Count returns the number of configured accounts.
func (p *AccountPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// AvailableCount returns how many accounts are currently out of cooldown.
func (p *AccountPool) AvailableCount() int {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availableLocked(now)
}

func (p *AccountPool) availableLocked(now time.Time) int {
	n := 0
	for _, a := range p.accounts {
		if a.available(now) {
			n++
		}
	}
	return n
}

// Accounts returns the configured accounts for session prewarming.
func (p *AccountPool) Accounts() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// Acquire returns the next account in rotation that is out of cooldown,
// or nil when every account is cooling down (or none are configured).
func (p *AccountPool) Acquire() *Account {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accounts) == 0 {
		return nil
	}
	for range p.accounts {
		a := p.accounts[p.index%len(p.accounts)]
		p.index++
		if a.available(now) {
			a.lastUsed = now
			return a
		}
	}
	return nil
}

// Release records the outcome of a request made with the account. A 429
// puts the account in a 15-minute cooldown, a 403 in a one-hour cooldown
// (the account may be suspended); any success resets the failure streak.
func (p *AccountPool) Release(a *Account, err error) {
	if a == nil {
		return
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	a.requestCount++
	if err == nil {
		a.failures = 0
	} else {
		a.failures++
		switch xerr.KindOf(err) {
		case xerr.RateLimited:
			a.cooldownUntil = now.Add(rateLimitCooldown)
			p.log.Warn().Str("account", a.Label).Time("until", a.cooldownUntil).Msg("account rate-limited, cooling down")
		case xerr.Forbidden:
			a.cooldownUntil = now.Add(forbiddenCooldown)
			p.log.Warn().Str("account", a.Label).Msg("account got 403, one hour cooldown")
		}
	}
	telemetry.SetAccountsAvailable(p.availableLocked(now))
}

// Stats snapshots the pool for the stats endpoint.
func (p *AccountPool) Stats() map[string]interface{} {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	available, cooling, totalReqs := 0, 0, 0
	perAccount := make([]map[string]interface{}, 0, len(p.accounts))
	for _, a := range p.accounts {
		if a.available(now) {
			available++
		} else {
			cooling++
		}
		totalReqs += a.requestCount
		perAccount = append(perAccount, map[string]interface{}{
			"label":     a.Label,
			"requests":  a.requestCount,
			"available": a.available(now),
			"has_proxy": a.Egress != "",
		})
	}
	return map[string]interface{}{
		"total":          len(p.accounts),
		"available":      available,
		"rate_limited":   cooling,
		"total_requests": totalReqs,
		"accounts":       perAccount,
	}
}
