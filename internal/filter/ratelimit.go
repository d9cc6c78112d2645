package filter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xtxerr/logfeed/internal/record"
)

// RateLimitFilter caps admitted records per service within a fixed window.
// Counters are the only mutable shared state in the filter chain and are
// guarded by the filter's own mutex. Only admitted records consume budget,
// which keeps the counters deterministic under short-circuit evaluation.
type RateLimitFilter struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	max     int
	windows map[string]*serviceWindow
}

type serviceWindow struct {
	startMs int64
	count   int
}

// NewRateLimitFilter creates a rate limiter admitting up to max records per
// service per window. A nil clk uses the wall clock.
func NewRateLimitFilter(max int, window time.Duration, clk clock.Clock) *RateLimitFilter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimitFilter{
		clock:   clk,
		window:  window,
		max:     max,
		windows: make(map[string]*serviceWindow),
	}
}

func (f *RateLimitFilter) Name() string { return "ratelimit" }

func (f *RateLimitFilter) Evaluate(r *record.LogRecord) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	nowMs := f.clock.Now().UnixMilli()
	windowMs := f.window.Milliseconds()

	w, ok := f.windows[r.Service]
	if !ok || nowMs-w.startMs >= windowMs {
		w = &serviceWindow{startMs: nowMs}
		f.windows[r.Service] = w
	}

	if w.count >= f.max {
		return Rejected(ReasonRateLimited)
	}
	w.count++
	return Admitted()
}

// Reset clears all windows. Intended for tests and admin tooling.
func (f *RateLimitFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = make(map[string]*serviceWindow)
}
