package replication

import (
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LagTracker maintains per-replica replication lag distributions using
// DDSketch, so quantiles stay cheap at any volume.
type LagTracker struct {
	mu       sync.Mutex
	accuracy float64
	sketches map[string]*ddsketch.DDSketch
	lastLag  map[string]time.Duration
}

// NewLagTracker creates a tracker with the given relative accuracy
// (0.01 = 1% error).
func NewLagTracker(accuracy float64) *LagTracker {
	if accuracy <= 0 {
		accuracy = 0.01
	}
	return &LagTracker{
		accuracy: accuracy,
		sketches: make(map[string]*ddsketch.DDSketch),
		lastLag:  make(map[string]time.Duration),
	}
}

// Observe records one replica ack lag.
func (t *LagTracker) Observe(replicaID string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[replicaID]
	if !ok {
		s, err := ddsketch.NewDefaultDDSketch(t.accuracy)
		if err != nil {
			return
		}
		sketch = s
		t.sketches[replicaID] = sketch
	}
	sketch.Add(lag.Seconds())
	t.lastLag[replicaID] = lag
}

// LagStats summarizes one replica's lag distribution.
type LagStats struct {
	Count int64
	Last  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Snapshot returns lag statistics per replica.
func (t *LagTracker) Snapshot() map[string]LagStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]LagStats, len(t.sketches))
	for id, sketch := range t.sketches {
		stats := LagStats{
			Count: int64(sketch.GetCount()),
			Last:  t.lastLag[id],
		}
		if qs, err := sketch.GetValuesAtQuantiles([]float64{0.5, 0.95, 0.99}); err == nil {
			stats.P50 = secondsToDuration(qs[0])
			stats.P95 = secondsToDuration(qs[1])
			stats.P99 = secondsToDuration(qs[2])
		}
		out[id] = stats
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
