package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatsSource supplies a snapshot of component state for the periodic
// report. Implementations must be cheap and safe to call concurrently.
type StatsSource func() map[string]interface{}

// Reporter logs a KPI line plus per-component stats at a fixed interval.
// The KPI window is the reporting interval itself: each tick logs the cache
// hit ratio over reads served since the previous tick.
type Reporter struct {
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	sources map[string]StatsSource

	prevAll  int64
	prevHits int64

	stop chan struct{}
	done chan struct{}
}

// NewReporter builds a reporter. An interval of zero disables it: Start and
// Stop become no-ops so callers need no conditional wiring.
func NewReporter(interval time.Duration, log zerolog.Logger) *Reporter {
	return &Reporter{
		interval: interval,
		log:      log,
		sources:  make(map[string]StatsSource),
	}
}

// Register attaches a named stats source. Must be called before Start.
func (r *Reporter) Register(name string, fn StatsSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = fn
}

// Start launches the reporting loop.
func (r *Reporter) Start() {
	if r.interval <= 0 || r.stop != nil {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop()
}

// Stop terminates the loop and waits for it to exit.
func (r *Reporter) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
}

func (r *Reporter) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	all := servedAll.Load()
	hits := servedHits.Load()

	r.mu.Lock()
	dAll := all - r.prevAll
	dHits := hits - r.prevHits
	r.prevAll = all
	r.prevHits = hits
	names := make([]string, 0, len(r.sources))
	fns := make([]StatsSource, 0, len(r.sources))
	for name, fn := range r.sources {
		names = append(names, name)
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	ratio := 0.0
	if dAll > 0 {
		ratio = float64(dHits) / float64(dAll)
	}
	r.log.Info().
		Int64("served", dAll).
		Int64("cache_hits", dHits).
		Float64("hit_ratio", ratio).
		Msg("window kpis")

	for i, fn := range fns {
		stats := fn()
		if stats == nil {
			continue
		}
		r.log.Info().Fields(stats).Msg(names[i] + " stats")
	}
}
