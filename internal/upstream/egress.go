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

// Package upstream talks to the anti-bot GraphQL origin: egress identity
// rotation, a warm session pool bucketed per identity, transaction-token
// generation and the GraphQL client itself.
package upstream

import (
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Rotation modes for picking the next egress identity.
const (
	RotateRandom     = "random"
	RotateRoundRobin = "round_robin"
	RotateHealth     = "health"
)

// An identity is dropped once it has failed this often with a health score
// below the floor.
const (
	egressFailureLimit = 10
	egressHealthFloor  = 0.3
)

type egressState struct {
	url       string
	successes int
	failures  int
	lastUsed  time.Time
}

// health is the success ratio, optimistic before any data.
func (e *egressState) health() float64 {
	total := e.successes + e.failures
	if total == 0 {
		return 1.0
	}
	return float64(e.successes) / float64(total)
}

// Selector rotates outbound egress identities (proxy URLs). With none
// configured every pick is the direct identity, the empty string.
type Selector struct {
	mu       sync.Mutex
	egresses []*egressState
	rotation string
	index    int
	log      zerolog.Logger
}

// NewSelector builds a selector from a single URL and/or a list. The list
// is either comma-separated URLs or a path to a file with one URL per
// line; blank lines and #-comments are skipped.
func NewSelector(single, list, rotation string, log zerolog.Logger) *Selector {
	var urls []string
	if single != "" {
		urls = append(urls, single)
	}
	urls = append(urls, parseEgressList(list)...)

	s := &Selector{rotation: rotation, log: log}
	for _, u := range urls {
		s.egresses = append(s.egresses, &egressState{url: u})
	}
	if len(s.egresses) > 0 {
		log.Info().Int("egresses", len(s.egresses)).Str("rotation", rotation).Msg("egress identities configured")
	}
	return s
}

func parseEgressList(list string) []string {
	if list == "" {
		return nil
	}
	// A file path wins over inline CSV when it exists.
	if !strings.Contains(list, ",") {
		if raw, err := os.ReadFile(list); err == nil {
			var urls []string
			for _, line := range strings.Split(string(raw), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				urls = append(urls, line)
			}
			return urls
		}
	}
	var urls []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// HasEgresses reports whether any proxy identities are configured.
func (s *Selector) HasEgresses() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.egresses) > 0
}

// Count returns the number of live identities.
func (s *Selector) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.egresses)
}

// Pick returns the next egress identity, or "" for direct when none are
// configured.
func (s *Selector) Pick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.egresses) == 0 {
		return ""
	}

	var chosen *egressState
	switch s.rotation {
	case RotateRoundRobin:
		chosen = s.egresses[s.index%len(s.egresses)]
		s.index++
	case RotateHealth:
		ranked := make([]*egressState, len(s.egresses))
		copy(ranked, s.egresses)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].health() > ranked[j].health() })
		topN := len(ranked) / 3
		if topN < 1 {
			topN = 1
		}
		chosen = ranked[rand.Intn(topN)]
	default:
		chosen = s.egresses[rand.Intn(len(s.egresses))]
	}
	chosen.lastUsed = time.Now()
	return chosen.url
}

// Report records a request outcome for an identity. Direct requests are
// not tracked. An identity that keeps failing is removed from rotation.
func (s *Selector) Report(egress string, ok bool) {
	if egress == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.egresses {
		if e.url != egress {
			continue
		}
		if ok {
			e.successes++
			return
		}
		e.failures++
		if e.failures > egressFailureLimit && e.health() < egressHealthFloor {
			s.egresses = append(s.egresses[:i], s.egresses[i+1:]...)
			s.log.Warn().Str("egress", egress).Msg("removed unhealthy egress identity")
		}
		return
	}
}

// Stats snapshots the selector for the stats endpoint.
func (s *Selector) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.egresses) == 0 {
		return map[string]interface{}{"count": 0, "avg_health": 0.0, "total_requests": 0}
	}
	totalOK, totalFail, healthSum := 0, 0, 0.0
	for _, e := range s.egresses {
		totalOK += e.successes
		totalFail += e.failures
		healthSum += e.health()
	}
	successRate := 0.0
	if totalOK+totalFail > 0 {
		successRate = float64(totalOK) / float64(totalOK+totalFail)
	}
	return map[string]interface{}{
		"count":          len(s.egresses),
		"avg_health":     healthSum / float64(len(s.egresses)),
		"total_requests": totalOK + totalFail,
		"success_rate":   successRate,
	}
}
