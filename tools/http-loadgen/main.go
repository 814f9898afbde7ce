// http-loadgen is a tiny, dependency-free HTTP load generator tailored for the
// xread API. It reuses HTTP connections (keep-alive) and supports concurrency
// so smoke runs finish fast on Windows (Git Bash), Ubuntu (WSL), and macOS
// without relying on external tools.
//
// Modes:
//   - profile: GET /v1/users/{username}
//   - tweet:   GET /v1/tweets/{id}
//   - search:  GET /v1/search?q=...
//   - mixed:   deterministic rotation across the three
//
// The profile and tweet modes skew requests 80/20-ish between one hot key and
// a set of cold keys, which is what a cached read path sees in practice: the
// hot key settles into L1 while the cold tail keeps producing misses.
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8000 -mode=profile -user=jack -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8000 -mode=search -query=golang -n=2000 -c=8
//	http-loadgen -base=http://127.0.0.1:8000 -mode=mixed -n=9000 -c=16
//
// Notes:
//   - Prints a summary with throughput, status breakdown, cache hits observed
//     via the X-Cache-Hit header (search only), and latency percentiles.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeProfile modeType = "profile"
	modeTweet   modeType = "tweet"
	modeSearch  modeType = "search"
	modeMixed   modeType = "mixed"
)

func main() {
	var (
		base    = flag.String("base", "http://127.0.0.1:8000", "Base URL including scheme and host, e.g. http://127.0.0.1:8000")
		modeS   = flag.String("mode", string(modeProfile), "Mode: profile|tweet|search|mixed")
		user    = flag.String("user", "jack", "Hot username for profile mode")
		tweetID = flag.String("tweet_id", "20", "Hot tweet id for tweet mode")
		query   = flag.String("query", "golang", "Query for search mode")
		fresh   = flag.Bool("fresh", false, "Append fresh=true to bypass the cache (stresses the live path)")
		coldN   = flag.Int("cold_keys", 50, "Number of cold keys to round-robin behind the hot key")
		N       = flag.Int("n", 5000, "Total requests to send")
		conc    = flag.Int("c", 8, "Number of concurrent workers")
		// Deterministic skew: hotEvery=5 means 4/5 go to hot key, 1/5 to a cold key.
		hotEvery = flag.Int("hot_every", 5, "Skew period (4 of this period go to hot; minimum 2)")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	switch m {
	case modeProfile, modeTweet, modeSearch, modeMixed:
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want profile|tweet|search|mixed)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if *coldN <= 0 {
		fmt.Fprintln(os.Stderr, "-cold_keys must be > 0")
		os.Exit(2)
	}
	if *hotEvery < 2 { // at least 1 hot : 1 cold
		*hotEvery = 2
	}

	baseURL := strings.TrimRight(*base, "/")

	// pickKey applies the hot/cold skew for key-addressed endpoints.
	pickKey := func(hot string, i, id int) string {
		if ((i + id) % *hotEvery) != 0 {
			return hot
		}
		idx := ((i + id) % *coldN) + 1
		return fmt.Sprintf("%s-%d", hot, idx)
	}

	// buildURL maps one request slot to a concrete endpoint.
	buildURL := func(m modeType, i, id int) string {
		var u string
		switch m {
		case modeProfile:
			u = baseURL + "/v1/users/" + url.PathEscape(pickKey(*user, i, id))
		case modeTweet:
			u = baseURL + "/v1/tweets/" + url.PathEscape(pickKey(*tweetID, i, id))
		case modeSearch:
			u = baseURL + "/v1/search?" + url.Values{"q": {*query}}.Encode()
		}
		if *fresh {
			if strings.Contains(u, "?") {
				u += "&fresh=true"
			} else {
				u += "?fresh=true"
			}
		}
		return u
	}

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 10 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	var ok2xx, bad4xx, limited429, err5xx, netErr, cacheHits int64

	mixedModes := []modeType{modeProfile, modeTweet, modeSearch}

	worker := func(id, count int, lat *[]time.Duration) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			em := m
			if m == modeMixed {
				em = mixedModes[(i+id)%len(mixedModes)]
			}
			u := buildURL(em, i, id)
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			t0 := time.Now()
			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&netErr, 1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			// Drain and close body to enable connection reuse
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			*lat = append(*lat, time.Since(t0))

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				atomic.AddInt64(&limited429, 1)
			case resp.StatusCode >= 500:
				atomic.AddInt64(&err5xx, 1)
			case resp.StatusCode >= 400:
				atomic.AddInt64(&bad4xx, 1)
			default:
				atomic.AddInt64(&ok2xx, 1)
			}
			if resp.Header.Get("X-Cache-Hit") == "1" {
				atomic.AddInt64(&cacheHits, 1)
			}
		}
	}

	// Split N across conc workers; each keeps its own latency slice so the
	// hot loop never contends on a shared collector.
	per := *N / *conc
	rem := *N - per**conc
	lats := make([][]time.Duration, *conc)
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		lats[w] = make([]time.Duration, 0, count)
		go func(id, n int) {
			defer wg.Done()
			worker(id, n, &lats[id])
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}

	all := make([]time.Duration, 0, *N)
	for _, l := range lats {
		all = append(all, l...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	sent := ok2xx + bad4xx + limited429 + err5xx
	ops := float64(sent+netErr) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s\n",
		m, *N, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
	fmt.Printf("Status: 2xx=%d 4xx=%d 429=%d 5xx=%d errors=%d cache_hits=%d\n",
		ok2xx, bad4xx, limited429, err5xx, netErr, cacheHits)
	if len(all) > 0 {
		fmt.Printf("Latency: p50=%s p95=%s p99=%s max=%s\n",
			percentile(all, 0.50), percentile(all, 0.95), percentile(all, 0.99), all[len(all)-1].Truncate(time.Microsecond))
	}
}

// percentile returns the q-th percentile of a sorted latency slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx].Truncate(time.Microsecond)
}
