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
	"io"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"xread/internal/xerr"
)

// The transaction-id scheme anchors its clock to a fixed epoch and salts
// the digest with a keyword baked into the origin's client bundle.
const (
	txnEpochSeconds = 1682924400
	txnKeyword      = "obfiowerehiring"
	txnExtraByte    = 0x03
	txnTotalTime    = 4096.0

	defaultHomeURL    = "https://x.com"
	defaultScriptBase = "https://abs.twimg.com/responsive-web/client-web/"
	defaultTxnTTL     = 2 * time.Hour

	homeFetchTimeout   = 15 * time.Second
	scriptFetchTimeout = 30 * time.Second
	txnReadyWait       = 30 * time.Second

	txnFetchLimit = 8 << 20
)

var (
	verificationKeyRe    = regexp.MustCompile(`name="twitter-site-verification"[^>]*content="([^"]+)"`)
	verificationKeyAltRe = regexp.MustCompile(`content="([^"]+)"[^>]*name="twitter-site-verification"`)
	ondemandHashRe       = regexp.MustCompile(`"ondemand\.s":"(\w+)"`)
	keyByteIndexRe       = regexp.MustCompile(`\(\w\[(\d{1,2})\],\s*16\)`)
	pathTagRe            = regexp.MustCompile(`<path[^>]*\bd="([^"]+)"`)
	nonDigitRe           = regexp.MustCompile(`[^\d]+`)
)

// TxnOptions configure where the generator fetches its signing material.
type TxnOptions struct {
	// HomeURL serves the page carrying the verification key and the
	// animation frames. Defaults to the origin's home page.
	HomeURL string
	// ScriptBase is the prefix the ondemand script hash resolves under.
	ScriptBase string
	// TTL bounds how long fetched material is reused. The origin rotates
	// its keys slowly, so this can be generous.
	TTL time.Duration
}

// txnMaterial is one fetched-and-derived snapshot of signing inputs.
type txnMaterial struct {
	keyBytes     []byte
	animationKey string
	fetchedAt    time.Time
}

// TxnGenerator produces the x-client-transaction-id header the origin
// requires on GraphQL calls. Material is fetched once in the background
// and refreshed when its TTL lapses; Generate itself is pure arithmetic.
type TxnGenerator struct {
	opts TxnOptions
	log  zerolog.Logger

	mu       sync.Mutex
	material *txnMaterial
	cookies  map[string]string

	refreshMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
}

// NewTxnGenerator applies option defaults and returns an idle generator.
// Call Start to begin the background material fetch.
func NewTxnGenerator(opts TxnOptions, log zerolog.Logger) *TxnGenerator {
	if opts.HomeURL == "" {
		opts.HomeURL = defaultHomeURL
	}
	if opts.ScriptBase == "" {
		opts.ScriptBase = defaultScriptBase
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTxnTTL
	}
	return &TxnGenerator{
		opts:  opts,
		log:   log,
		ready: make(chan struct{}),
	}
}

// Start kicks off material fetching in the background so the first real
// request does not pay the cold-start cost.
func (g *TxnGenerator) Start() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), homeFetchTimeout+scriptFetchTimeout)
		defer cancel()
		if err := g.refresh(ctx); err != nil {
			g.log.Warn().Err(err).Msg("transaction material init failed")
		}
	}()
}

// Ready reports whether usable material is loaded.
func (g *TxnGenerator) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.material != nil
}

// MaterialAge returns how old the current material is, or zero when none
// has been fetched yet.
func (g *TxnGenerator) MaterialAge() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.material == nil {
		return 0
	}
	return time.Since(g.material.fetchedAt)
}

// HomepageCookies returns the cookies the home page handed out during the
// last material fetch. Guest minting reuses them and saves itself the
// extra round-trip.
func (g *TxnGenerator) HomepageCookies() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.cookies))
	for k, v := range g.cookies {
		out[k] = v
	}
	return out
}

// EnsureReady blocks until fresh material is available, waiting out an
// in-flight background init before refetching itself.
func (g *TxnGenerator) EnsureReady(ctx context.Context) error {
	if g.fresh() {
		return nil
	}

	select {
	case <-g.ready:
	case <-time.After(txnReadyWait):
	case <-ctx.Done():
		return ctx.Err()
	}
	if g.fresh() {
		return nil
	}
	return g.refresh(ctx)
}

// Generate signs one method+path pair. The caller decides what a failure
// means; requests remain sendable without the header.
func (g *TxnGenerator) Generate(ctx context.Context, method, path string) (string, error) {
	if err := g.EnsureReady(ctx); err != nil {
		return "", err
	}
	g.mu.Lock()
	m := g.material
	g.mu.Unlock()
	if m == nil {
		return "", xerr.Newf(xerr.Transient, "upstream.txn", "signing material unavailable")
	}
	return m.token(method, path, time.Now(), byte(rand.Intn(256))), nil
}

func (g *TxnGenerator) fresh() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.material != nil && time.Since(g.material.fetchedAt) < g.opts.TTL
}

func (g *TxnGenerator) signalReady() {
	g.readyOnce.Do(func() { close(g.ready) })
}

// refresh fetches the home page and the ondemand script on a throwaway
// direct session, then derives the animation key. The ready channel is
// closed whether or not the fetch worked, so waiters never hang on a
// failed init.
func (g *TxnGenerator) refresh(ctx context.Context) error {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	defer g.signalReady()
	if g.fresh() {
		return nil
	}

	session, err := NewSession("")
	if err != nil {
		return err
	}
	defer session.Close()

	home, homeCookies, err := g.fetch(ctx, session, g.opts.HomeURL, homeFetchTimeout)
	if err != nil {
		return err
	}

	key, err := extractVerificationKey(home)
	if err != nil {
		return err
	}
	keyBytes, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return xerr.Newf(xerr.Unknown, "upstream.txn", "verification key is not base64: %v", err)
	}
	if len(keyBytes) < 6 {
		return xerr.Newf(xerr.Unknown, "upstream.txn", "verification key too short")
	}

	scriptURL, err := extractOndemandURL(home, g.opts.ScriptBase)
	if err != nil {
		return err
	}
	script, _, err := g.fetch(ctx, session, scriptURL, scriptFetchTimeout)
	if err != nil {
		return err
	}
	rowSource, indices, err := extractKeyByteIndices(script)
	if err != nil {
		return err
	}

	rows, err := extractFrameRows(home, int(keyBytes[5])%4)
	if err != nil {
		return err
	}
	animationKey, err := deriveAnimationKey(keyBytes, rows, rowSource, indices)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.material = &txnMaterial{
		keyBytes:     keyBytes,
		animationKey: animationKey,
		fetchedAt:    time.Now(),
	}
	g.cookies = make(map[string]string, len(homeCookies))
	for _, ck := range homeCookies {
		g.cookies[ck.Name] = ck.Value
	}
	g.mu.Unlock()
	g.log.Info().Int("key_bytes", len(keyBytes)).Msg("transaction material refreshed")
	return nil
}

func (g *TxnGenerator) fetch(ctx context.Context, s *Session, url string, timeout time.Duration) (string, []*http.Cookie, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, xerr.Newf(xerr.Config, "upstream.txn", "build request for %s: %v", url, err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	resp, err := s.Do(req)
	if err != nil {
		return "", nil, xerr.Newf(xerr.Transient, "upstream.txn", "fetch %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, xerr.FromStatus("upstream.txn", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, txnFetchLimit))
	if err != nil {
		return "", nil, xerr.Newf(xerr.Transient, "upstream.txn", "read %s: %v", url, err)
	}
	return string(body), resp.Cookies(), nil
}

// token assembles one transaction id: key bytes, a 4-byte little-endian
// clock, the first 16 digest bytes and a marker byte, all XORed with a
// random prefix byte and base64ed without padding.
func (m *txnMaterial) token(method, path string, now time.Time, r byte) string {
	elapsed := (now.UnixMilli() - txnEpochSeconds*1000) / 1000
	timeBytes := []byte{byte(elapsed), byte(elapsed >> 8), byte(elapsed >> 16), byte(elapsed >> 24)}

	digest := sha256.Sum256([]byte(fmt.Sprintf("%s!%s!%d%s%s", method, path, elapsed, txnKeyword, m.animationKey)))

	payload := make([]byte, 0, len(m.keyBytes)+len(timeBytes)+16+1)
	payload = append(payload, m.keyBytes...)
	payload = append(payload, timeBytes...)
	payload = append(payload, digest[:16]...)
	payload = append(payload, txnExtraByte)

	out := make([]byte, len(payload)+1)
	out[0] = r
	for i, b := range payload {
		out[i+1] = b ^ r
	}
	return base64.RawStdEncoding.EncodeToString(out)
}

// ── material parsing ────────────────────────────────────────

func extractVerificationKey(html string) (string, error) {
	if m := verificationKeyRe.FindStringSubmatch(html); m != nil {
		return m[1], nil
	}
	if m := verificationKeyAltRe.FindStringSubmatch(html); m != nil {
		return m[1], nil
	}
	return "", xerr.Newf(xerr.Unknown, "upstream.txn", "verification key not found in home page")
}

func extractOndemandURL(html, scriptBase string) (string, error) {
	m := ondemandHashRe.FindStringSubmatch(html)
	if m == nil {
		return "", xerr.Newf(xerr.Unknown, "upstream.txn", "ondemand script hash not found in home page")
	}
	return scriptBase + "ondemand.s." + m[1] + "a.js", nil
}

// extractKeyByteIndices pulls the parseInt call sites out of the ondemand
// script. The first index selects the frame row, the rest multiply into
// the frame time.
func extractKeyByteIndices(script string) (int, []int, error) {
	matches := keyByteIndexRe.FindAllStringSubmatch(script, -1)
	if len(matches) < 2 {
		return 0, nil, xerr.Newf(xerr.Unknown, "upstream.txn", "key byte indices not found in ondemand script")
	}
	indices := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, nil, xerr.Newf(xerr.Unknown, "upstream.txn", "bad key byte index %q", m[1])
		}
		indices = append(indices, n)
	}
	return indices[0], indices[1:], nil
}

// extractFrameRows locates the loading animation SVGs, picks the variant
// the key bytes select, and decodes the second path's curve data into
// integer rows.
func extractFrameRows(html string, frameChoice int) ([][]int, error) {
	const marker = `id="loading-x-anim`
	var blocks []string
	rest := html
	for {
		i := strings.Index(rest, marker)
		if i < 0 {
			break
		}
		seg := rest[i:]
		end := strings.Index(seg, "</svg>")
		if end < 0 {
			end = len(seg)
		}
		blocks = append(blocks, seg[:end])
		rest = seg[end:]
	}
	if len(blocks) == 0 {
		return nil, xerr.Newf(xerr.Unknown, "upstream.txn", "animation frames not found in home page")
	}

	block := blocks[frameChoice%len(blocks)]
	paths := pathTagRe.FindAllStringSubmatch(block, -1)
	if len(paths) < 2 {
		return nil, xerr.Newf(xerr.Unknown, "upstream.txn", "animation frame path missing")
	}
	data := paths[1][1]
	if len(data) < 10 {
		return nil, xerr.Newf(xerr.Unknown, "upstream.txn", "animation frame path too short")
	}

	var rows [][]int
	for _, seg := range strings.Split(data[9:], "C") {
		fields := strings.Fields(nonDigitRe.ReplaceAllString(seg, " "))
		if len(fields) == 0 {
			continue
		}
		row := make([]int, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return nil, xerr.Newf(xerr.Unknown, "upstream.txn", "bad frame value %q", f)
			}
			row = append(row, n)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, xerr.Newf(xerr.Unknown, "upstream.txn", "animation frame has no rows")
	}
	return rows, nil
}

// ── animation key derivation ────────────────────────────────

// deriveAnimationKey condenses the selected frame row at a time offset
// dictated by the key bytes into the hex string the digest is salted with.
func deriveAnimationKey(keyBytes []byte, rows [][]int, rowSource int, indices []int) (string, error) {
	if rowSource >= len(keyBytes) {
		return "", xerr.Newf(xerr.Unknown, "upstream.txn", "row index out of key range")
	}
	rowIndex := int(keyBytes[rowSource]) % 16
	if rowIndex >= len(rows) {
		return "", xerr.Newf(xerr.Unknown, "upstream.txn", "frame row %d out of range (%d rows)", rowIndex, len(rows))
	}

	product := 1
	for _, idx := range indices {
		if idx >= len(keyBytes) {
			return "", xerr.Newf(xerr.Unknown, "upstream.txn", "frame time index out of key range")
		}
		product *= int(keyBytes[idx]) % 16
	}
	frameTime := jsRound(float64(product)/10) * 10
	targetTime := frameTime / txnTotalTime

	return animateRow(rows[rowIndex], targetTime)
}

// animateRow evaluates the frame row's cubic curve at the target time and
// renders the interpolated color and rotation matrix as condensed hex.
func animateRow(row []int, targetTime float64) (string, error) {
	if len(row) < 11 {
		return "", xerr.Newf(xerr.Unknown, "upstream.txn", "frame row too short (%d values)", len(row))
	}

	fromColor := [4]float64{float64(row[0]), float64(row[1]), float64(row[2]), 1}
	toColor := [4]float64{float64(row[3]), float64(row[4]), float64(row[5]), 1}
	toRotation := solveValue(float64(row[6]), 60, 360, true)

	curves := make([]float64, 0, len(row)-7)
	for i, v := range row[7:] {
		low := 0.0
		if i%2 == 1 {
			low = -1.0
		}
		curves = append(curves, solveValue(float64(v), low, 1.0, false))
	}
	val := cubicValue(curves, targetTime)

	var color [4]float64
	for i := range color {
		color[i] = interpolateNum(fromColor[i], toColor[i], val)
		if color[i] < 0 {
			color[i] = 0
		}
	}
	rotation := interpolateNum(0, toRotation, val)
	rad := rotation * math.Pi / 180
	matrix := [4]float64{math.Cos(rad), -math.Sin(rad), math.Sin(rad), math.Cos(rad)}

	parts := make([]string, 0, 9)
	for _, c := range color[:3] {
		parts = append(parts, strconv.FormatInt(int64(math.RoundToEven(c)), 16))
	}
	for _, v := range matrix {
		rounded := math.Abs(round2(v))
		h := floatToHex(rounded)
		switch {
		case strings.HasPrefix(h, "."):
			h = strings.ToLower("0" + h)
		case h == "":
			h = "0"
		}
		parts = append(parts, h)
	}
	parts = append(parts, "0", "0")

	key := strings.Join(parts, "")
	key = strings.ReplaceAll(key, ".", "")
	key = strings.ReplaceAll(key, "-", "")
	return key, nil
}

// solveValue scales a byte-range value onto [low, high].
func solveValue(value, low, high float64, floored bool) float64 {
	result := value*(high-low)/255 + low
	if floored {
		return math.Floor(result)
	}
	return round2(result)
}

// cubicValue evaluates a cubic bezier parameterized by four curve values
// at time t, bisecting on the x estimate.
func cubicValue(curves []float64, t float64) float64 {
	if len(curves) < 4 {
		return 0
	}
	if t <= 0 {
		gradient := 0.0
		if curves[0] > 0 {
			gradient = curves[1] / curves[0]
		} else if curves[1] == 0 && curves[2] > 0 {
			gradient = curves[3] / curves[2]
		}
		return gradient * t
	}
	if t >= 1 {
		gradient := 0.0
		if curves[2] < 1 {
			gradient = (curves[3] - 1) / (curves[2] - 1)
		} else if curves[2] == 1 && curves[0] < 1 {
			gradient = (curves[1] - 1) / (curves[0] - 1)
		}
		return 1 + gradient*(t-1)
	}

	start, end, mid := 0.0, 1.0, 0.0
	for i := 0; i < 60 && start < end; i++ {
		mid = (start + end) / 2
		xEst := bezierAxis(curves[0], curves[2], mid)
		if math.Abs(t-xEst) < 0.00001 {
			return bezierAxis(curves[1], curves[3], mid)
		}
		if xEst < t {
			start = mid
		} else {
			end = mid
		}
	}
	return bezierAxis(curves[1], curves[3], mid)
}

func bezierAxis(a, b, m float64) float64 {
	return 3*a*(1-m)*(1-m)*m + 3*b*(1-m)*m*m + m*m*m
}

func interpolateNum(from, to, f float64) float64 {
	return from*(1-f) + to*f
}

// jsRound rounds half away from zero toward positive infinity, matching
// the origin script's Math.round.
func jsRound(x float64) float64 {
	return math.Floor(x + 0.5)
}

// round2 rounds to two decimals, ties to even.
func round2(x float64) float64 {
	return math.RoundToEven(x*100) / 100
}

// floatToHex renders a non-negative float as hex digits, fraction
// included, with uppercase letter digits.
func floatToHex(x float64) string {
	quotient := int(x)
	fraction := x - float64(quotient)

	var out []byte
	for quotient > 0 {
		quotient = int(x / 16)
		remainder := int(x - float64(quotient)*16)
		if remainder > 9 {
			out = append([]byte{byte(remainder + 55)}, out...)
		} else {
			out = append([]byte{byte('0' + remainder)}, out...)
		}
		x = float64(quotient)
	}
	if fraction == 0 {
		return string(out)
	}
	out = append(out, '.')
	for fraction > 0 {
		fraction *= 16
		digit := int(fraction)
		fraction -= float64(digit)
		if digit > 9 {
			out = append(out, byte(digit+55))
		} else {
			out = append(out, byte('0'+digit))
		}
	}
	return string(out)
}
