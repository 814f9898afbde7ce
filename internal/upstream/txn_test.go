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
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// txnTestKey is shaped like a real verification key: 42 bytes, so a
// decoded token runs 1+42+4+16+1 = 64 bytes.
var txnTestKey = []byte("0123456789abcdef0123456789abcdef0123456789")

// txnTestFramePath carries two 11-value curve rows. The first row decodes
// to [100 200 150 250 120 300 80 10 190 20 30].
const txnTestFramePath = `M45 177 c100 200 150 250 120 300 80 10 190 20 30` +
	`C101 201 151 251 121 301 81 11 191 21 31`

func txnTestSVG() string {
	block := `<svg id="loading-x-anim" viewBox="0 0 100 100">` +
		`<path d="M 0 0"/><path d="` + txnTestFramePath + `"/></svg>`
	return strings.Repeat(block, 4)
}

// TestFloatToHex pins the fractional hex rendering, including the empty
// string for zero that the caller substitutes.
func TestFloatToHex(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, ""},
		{1, "1"},
		{10, "A"},
		{255, "FF"},
		{0.5, ".8"},
		{10.5, "A.8"},
	}
	for _, c := range cases {
		if got := floatToHex(c.in); got != c.want {
			t.Errorf("floatToHex(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

// TestRoundingHelpers verifies the two rounding modes the derivation
// mixes: script-style half-up and ties-to-even at two decimals.
func TestRoundingHelpers(t *testing.T) {
	if got := jsRound(2.5); got != 3 {
		t.Errorf("jsRound(2.5) = %v, want 3", got)
	}
	if got := jsRound(2.4); got != 2 {
		t.Errorf("jsRound(2.4) = %v, want 2", got)
	}
	if got := jsRound(-2.5); got != -2 {
		t.Errorf("jsRound(-2.5) = %v, want -2", got)
	}
	if got := round2(0.125); got != 0.12 {
		t.Errorf("round2(0.125) = %v, want 0.12", got)
	}
}

// TestSolveValue verifies range scaling at both edges and midpoint.
func TestSolveValue(t *testing.T) {
	if got := solveValue(255, 60, 360, true); got != 360 {
		t.Errorf("solveValue(255,60,360,floor) = %v, want 360", got)
	}
	if got := solveValue(0, -1, 1, false); got != -1 {
		t.Errorf("solveValue(0,-1,1) = %v, want -1", got)
	}
	if got := solveValue(127.5, 0, 1, false); got != 0.5 {
		t.Errorf("solveValue(127.5,0,1) = %v, want 0.5", got)
	}
}

// TestCubicValue checks the clamped edges and that the identity curve
// maps time onto itself.
func TestCubicValue(t *testing.T) {
	identity := []float64{1.0 / 3, 1.0 / 3, 2.0 / 3, 2.0 / 3}
	if got := cubicValue(identity, 0); got != 0 {
		t.Errorf("cubicValue(identity, 0) = %v, want 0", got)
	}
	if got := cubicValue(identity, 1); got != 1 {
		t.Errorf("cubicValue(identity, 1) = %v, want 1", got)
	}
	got := cubicValue(identity, 0.25)
	if diff := got - 0.25; diff > 0.001 || diff < -0.001 {
		t.Errorf("cubicValue(identity, 0.25) = %v, want ~0.25", got)
	}
}

// TestExtractVerificationKey accepts the meta tag with its attributes in
// either order.
func TestExtractVerificationKey(t *testing.T) {
	key, err := extractVerificationKey(`<meta name="twitter-site-verification" content="QUJD"/>`)
	if err != nil || key != "QUJD" {
		t.Fatalf("name-first order: key=%q err=%v", key, err)
	}
	key, err = extractVerificationKey(`<meta content="QUJD" name="twitter-site-verification"/>`)
	if err != nil || key != "QUJD" {
		t.Fatalf("content-first order: key=%q err=%v", key, err)
	}
	if _, err = extractVerificationKey(`<html><head></head></html>`); err == nil {
		t.Fatal("expected error when the meta tag is absent")
	}
}

// TestExtractOndemandURL resolves the script hash against the configured
// base.
func TestExtractOndemandURL(t *testing.T) {
	html := `{"ondemand.s":"abc123","other":"x"}`
	got, err := extractOndemandURL(html, "https://cdn.example/")
	if err != nil {
		t.Fatalf("extractOndemandURL: %v", err)
	}
	if want := "https://cdn.example/ondemand.s.abc123a.js"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}
	if _, err = extractOndemandURL(`{}`, "https://cdn.example/"); err == nil {
		t.Fatal("expected error when the hash is absent")
	}
}

// TestExtractKeyByteIndices pulls the parseInt call sites: the first index
// selects the frame row, the rest feed the frame-time product.
func TestExtractKeyByteIndices(t *testing.T) {
	script := `var x=parseInt(k[4], 16);f(parseInt(k[7], 16));q=parseInt(k[12], 16)*parseInt(k[1], 16);`
	rowSource, indices, err := extractKeyByteIndices(script)
	if err != nil {
		t.Fatalf("extractKeyByteIndices: %v", err)
	}
	if rowSource != 4 {
		t.Errorf("rowSource = %d, want 4", rowSource)
	}
	if len(indices) != 3 || indices[0] != 7 || indices[1] != 12 || indices[2] != 1 {
		t.Errorf("indices = %v, want [7 12 1]", indices)
	}

	if _, _, err = extractKeyByteIndices(`parseInt(k[4], 16)`); err == nil {
		t.Fatal("expected error with a single call site")
	}
}

// TestExtractFrameRows decodes the second path of the selected animation
// frame into integer rows.
func TestExtractFrameRows(t *testing.T) {
	rows, err := extractFrameRows(txnTestSVG(), 0)
	if err != nil {
		t.Fatalf("extractFrameRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	want := []int{100, 200, 150, 250, 120, 300, 80, 10, 190, 20, 30}
	if len(rows[0]) != len(want) {
		t.Fatalf("row 0 = %v, want %v", rows[0], want)
	}
	for i := range want {
		if rows[0][i] != want[i] {
			t.Fatalf("row 0 = %v, want %v", rows[0], want)
		}
	}
	if rows[1][0] != 101 || rows[1][10] != 31 {
		t.Fatalf("row 1 = %v", rows[1])
	}

	// The frame choice wraps around the number of blocks.
	if _, err := extractFrameRows(txnTestSVG(), 7); err != nil {
		t.Fatalf("wrapped frame choice: %v", err)
	}
	if _, err := extractFrameRows("<html></html>", 0); err == nil {
		t.Fatal("expected error when no frames are present")
	}
}

// TestDeriveAnimationKey pins the full derivation for a frame-time product
// that lands at time zero: the key renders the row's start color and the
// identity rotation matrix.
func TestDeriveAnimationKey(t *testing.T) {
	rows := [][]int{{100, 200, 150, 250, 120, 300, 80, 10, 190, 20, 30}}

	// keyBytes[0] is '0' (0x30), so row 48%16 = 0; the product indices map
	// to '1'%16 * '2'%16 = 2, rounding down to frame time 0.
	key, err := deriveAnimationKey(txnTestKey, rows, 0, []int{1, 2})
	if err != nil {
		t.Fatalf("deriveAnimationKey: %v", err)
	}
	if want := "64c896100100"; key != want {
		t.Fatalf("animation key = %q, want %q", key, want)
	}

	again, _ := deriveAnimationKey(txnTestKey, rows, 0, []int{1, 2})
	if again != key {
		t.Fatal("derivation is not deterministic")
	}

	if _, err := deriveAnimationKey(txnTestKey[:3], rows, 5, nil); err == nil {
		t.Fatal("expected error when the row source index exceeds the key")
	}
	if _, err := deriveAnimationKey([]byte{0x0f}, rows, 0, nil); err == nil {
		t.Fatal("expected error when the row index exceeds the frame")
	}
}

// TestTokenLayout decodes a generated token and checks every section:
// prefix byte, XORed key bytes, little-endian clock, digest and trailer.
func TestTokenLayout(t *testing.T) {
	m := &txnMaterial{keyBytes: txnTestKey, animationKey: "64c896100100"}
	now := time.Unix(1735689600, 0)
	const path = "/graphql/abc/UserByScreenName"

	tok := m.token(http.MethodGet, path, now, 0x5a)
	decoded, err := base64.RawStdEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("token is not raw base64: %v", err)
	}
	if len(decoded) != 1+len(txnTestKey)+4+16+1 {
		t.Fatalf("decoded length = %d, want %d", len(decoded), 1+len(txnTestKey)+4+16+1)
	}
	if decoded[0] != 0x5a {
		t.Fatalf("prefix byte = %#x, want 0x5a", decoded[0])
	}

	body := make([]byte, len(decoded)-1)
	for i, b := range decoded[1:] {
		body[i] = b ^ decoded[0]
	}
	if string(body[:len(txnTestKey)]) != string(txnTestKey) {
		t.Fatal("key bytes do not round-trip through the XOR")
	}

	elapsed := now.Unix() - txnEpochSeconds
	clock := body[len(txnTestKey) : len(txnTestKey)+4]
	got := int64(clock[0]) | int64(clock[1])<<8 | int64(clock[2])<<16 | int64(clock[3])<<24
	if got != elapsed {
		t.Fatalf("clock = %d, want %d", got, elapsed)
	}

	digest := sha256.Sum256([]byte(fmt.Sprintf("GET!%s!%d%s%s", path, elapsed, txnKeyword, m.animationKey)))
	if string(body[len(txnTestKey)+4:len(txnTestKey)+20]) != string(digest[:16]) {
		t.Fatal("digest section does not match the signed inputs")
	}
	if body[len(body)-1] != txnExtraByte {
		t.Fatalf("trailer = %#x, want %#x", body[len(body)-1], txnExtraByte)
	}

	if m.token(http.MethodGet, path, now, 0x5a) != tok {
		t.Fatal("token is not deterministic for fixed inputs")
	}
	other := m.token(http.MethodGet, path, now, 0x00)
	if other == tok {
		t.Fatal("different prefix bytes must not collide")
	}
}

// TestTxnGeneratorPipeline runs the full fetch-and-derive cycle against a
// stub origin: home page with verification key, frames and script hash,
// plus the ondemand script itself.
func TestTxnGeneratorPipeline(t *testing.T) {
	verification := base64.StdEncoding.EncodeToString(txnTestKey)
	var scriptHits int

	mux := http.NewServeMux()
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "guest_id_marketing", Value: "mk-1"})
		fmt.Fprintf(w, `<html><head><meta name="twitter-site-verification" content="%s"/></head>`+
			`<body><script>window.__S={"ondemand.s":"abc123"};</script>%s</body></html>`,
			verification, txnTestSVG())
	})
	mux.HandleFunc("/ondemand.s.abc123a.js", func(w http.ResponseWriter, r *http.Request) {
		scriptHits++
		fmt.Fprint(w, `(function(){var a=d();var r=parseInt(a[0], 16);x(parseInt(a[1], 16),parseInt(a[2], 16));})();`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gen := NewTxnGenerator(TxnOptions{
		HomeURL:    srv.URL + "/home",
		ScriptBase: srv.URL + "/",
		TTL:        time.Hour,
	}, zerolog.Nop())
	gen.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := gen.Generate(ctx, http.MethodGet, "/graphql/abc/UserByScreenName")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	decoded, err := base64.RawStdEncoding.DecodeString(id)
	if err != nil {
		t.Fatalf("token is not raw base64: %v", err)
	}
	if len(decoded) != 64 {
		t.Fatalf("decoded length = %d, want 64", len(decoded))
	}
	for i, kb := range txnTestKey {
		if decoded[1+i]^decoded[0] != kb {
			t.Fatalf("key byte %d does not round-trip", i)
		}
	}

	if !gen.Ready() {
		t.Fatal("generator not ready after successful Generate")
	}
	if scriptHits != 1 {
		t.Fatalf("script fetched %d times, want 1", scriptHits)
	}
	if got := gen.HomepageCookies()["guest_id_marketing"]; got != "mk-1" {
		t.Fatalf("homepage cookie = %q, want mk-1", got)
	}

	// The byte-index fixture reproduces the hand-derived key: row zero at
	// frame time zero.
	gen.mu.Lock()
	animKey := gen.material.animationKey
	gen.mu.Unlock()
	if animKey != "64c896100100" {
		t.Fatalf("animation key = %q, want 64c896100100", animKey)
	}

	// Material is fresh, so another Generate must not refetch.
	if _, err := gen.Generate(ctx, http.MethodGet, "/other"); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if scriptHits != 1 {
		t.Fatalf("script refetched while material was fresh (%d hits)", scriptHits)
	}
}

// TestTxnGeneratorOriginDown verifies Generate surfaces an error instead
// of hanging when the material cannot be fetched.
func TestTxnGeneratorOriginDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gen := NewTxnGenerator(TxnOptions{
		HomeURL:    srv.URL + "/home",
		ScriptBase: srv.URL + "/",
		TTL:        time.Hour,
	}, zerolog.Nop())
	gen.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := gen.Generate(ctx, http.MethodGet, "/x"); err == nil {
		t.Fatal("expected error when the origin serves no material")
	}
	if gen.Ready() {
		t.Fatal("generator claims readiness without material")
	}
}
