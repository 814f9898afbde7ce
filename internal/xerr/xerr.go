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

// Package xerr defines the failure kinds shared across the serving engine.
// Pool-release decisions, retry behavior and HTTP status mapping all branch
// on the kind of an error, never on its message text.
package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure for the callers that must react to it.
type Kind int

const (
	// Unknown is the zero kind: an error that carries no classification.
	Unknown Kind = iota
	// Transient covers network timeouts, connection resets and upstream 5xx.
	// Not retried here; the next request draws a fresh credential.
	Transient
	// RateLimited is an upstream 429. Accounts cool down 15 minutes,
	// guest credentials are dropped from the pool.
	RateLimited
	// Forbidden is an upstream 403. Accounts cool down 60 minutes,
	// guest credentials are dropped.
	Forbidden
	// NotFound means the upstream reported the user/record as unavailable.
	NotFound
	// CacheUnavailable marks L1/L2/analytics as unreachable. Never fatal:
	// the engine degrades open.
	CacheUnavailable
	// CredentialsExhausted means no guest credential could be taken or
	// minted and no account is available.
	CredentialsExhausted
	// Config marks an invalid configuration value discovered at startup.
	// The affected component is disabled and the process continues.
	Config
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient_upstream"
	case RateLimited:
		return "rate_limited"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case CacheUnavailable:
		return "cache_unavailable"
	case CredentialsExhausted:
		return "credentials_exhausted"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Error is the concrete error carried through the engine. Op names the
// failing operation ("upstream.search", "cache.get"); Status holds the
// upstream HTTP status when one was observed.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Kind, e.Status)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an Error with a formatted message and no wrapped cause.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies an upstream HTTP status. 2xx has no error and must
// not be passed here.
func FromStatus(op string, status int) *Error {
	var k Kind
	switch {
	case status == http.StatusTooManyRequests:
		k = RateLimited
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		k = Forbidden
	case status == http.StatusNotFound:
		k = NotFound
	case status >= 500:
		k = Transient
	default:
		k = Unknown
	}
	return &Error{Kind: k, Op: op, Status: status}
}

// KindOf walks the chain and returns the classification of the outermost
// *Error, or Unknown when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// StatusOf returns the upstream HTTP status recorded in the chain, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// HTTPStatus maps a failure to the status the API layer should answer with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case RateLimited:
		return http.StatusTooManyRequests
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case CredentialsExhausted, CacheUnavailable:
		return http.StatusServiceUnavailable
	case Transient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
