// Package idgen implements the distributed record id generator.
//
// Ids are 63-bit integers composed of a 41-bit millisecond timestamp (relative
// to a fixed epoch), a 10-bit machine id, and a 12-bit per-millisecond
// sequence. Numeric ordering therefore matches creation-time ordering, and two
// generators with distinct machine ids can never collide. No coordination
// between instances is required; machine id uniqueness across the fleet is a
// provisioning concern.
package idgen

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/record"
)

const (
	machineBits  = 10
	sequenceBits = 12

	// MaxMachineID is the largest machine id the layout can hold.
	MaxMachineID = (1 << machineBits) - 1 // 1023

	// MaxSequence is the per-millisecond sequence budget.
	MaxSequence = (1 << sequenceBits) - 1 // 4095

	timestampShift = machineBits + sequenceBits
	machineShift   = sequenceBits

	// Epoch is the custom epoch (2020-01-01T00:00:00Z) in Unix milliseconds.
	// Using a recent epoch keeps 41 bits of timestamp good until ~2089.
	Epoch int64 = 1577836800000
)

// Options configures generator edge-case policy. Both behaviors are
// configurable because the right trade-off is deployment-specific.
type Options struct {
	// ClockTolerance is the maximum backward clock movement the generator
	// waits out before failing with ErrClockRegression.
	ClockTolerance time.Duration

	// SequenceWait is how long Next blocks for the clock to advance once the
	// per-millisecond sequence budget is exhausted. Past this, Next fails
	// with ErrSequenceExhausted. Zero means fail immediately.
	SequenceWait time.Duration

	// Clock is the time source. Defaults to the wall clock; tests inject a
	// mock.
	Clock clock.Clock
}

// DefaultOptions returns the documented default policy: wait out regressions
// up to 5ms, block up to 10ms on sequence exhaustion.
func DefaultOptions() Options {
	return Options{
		ClockTolerance: 5 * time.Millisecond,
		SequenceWait:   10 * time.Millisecond,
	}
}

// Generator produces unique, time-sortable record ids. The
// (lastMs, sequence) pair is owned exclusively by one Generator and protected
// by its own mutex; multiple generators in one process never share state.
type Generator struct {
	mu        sync.Mutex
	clock     clock.Clock
	machineID int64
	lastMs    int64
	sequence  int64
	opts      Options
}

// New creates a generator for the given machine id.
func New(machineID int64, opts Options) (*Generator, error) {
	if machineID < 0 || machineID > MaxMachineID {
		return nil, errors.Wrapf(errors.ErrInvalidMachineID, "machine id %d not in [0, %d]", machineID, MaxMachineID)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Generator{
		clock:     opts.Clock,
		machineID: machineID,
		lastMs:    -1,
		opts:      opts,
	}, nil
}

// MachineID returns the generator's machine id.
func (g *Generator) MachineID() int64 { return g.machineID }

// Next returns the next id. Ids from one generator are strictly increasing.
// Next may briefly block when the per-millisecond sequence budget is
// exhausted or when the clock has regressed within tolerance.
func (g *Generator) Next() (record.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now().UnixMilli()

	if now < g.lastMs {
		regression := time.Duration(g.lastMs-now) * time.Millisecond
		if regression > g.opts.ClockTolerance {
			return 0, errors.Wrapf(errors.ErrClockRegression,
				"clock moved back %v (tolerance %v)", regression, g.opts.ClockTolerance)
		}
		caught, err := g.waitUntil(g.lastMs, g.opts.ClockTolerance, errors.ErrClockRegression)
		if err != nil {
			return 0, err
		}
		now = caught
	}

	if now == g.lastMs {
		g.sequence++
		if g.sequence > MaxSequence {
			advanced, err := g.waitUntil(g.lastMs+1, g.opts.SequenceWait, errors.ErrSequenceExhausted)
			if err != nil {
				g.sequence = MaxSequence // budget stays spent until the clock moves
				return 0, err
			}
			now = advanced
			g.lastMs = now
			g.sequence = 0
		}
	} else {
		g.lastMs = now
		g.sequence = 0
	}

	return compose(now, g.machineID, g.sequence), nil
}

// waitUntil spins until the clock reaches at least targetMs, failing with
// sentinel once more than limit has elapsed. The mutex is held while waiting;
// waits are millisecond-scale by construction.
func (g *Generator) waitUntil(targetMs int64, limit time.Duration, sentinel error) (int64, error) {
	deadline := g.clock.Now().Add(limit)
	for {
		now := g.clock.Now()
		if ms := now.UnixMilli(); ms >= targetMs {
			return ms, nil
		}
		if !now.Before(deadline) {
			return 0, errors.Wrapf(sentinel, "waited %v for clock to reach %d", limit, targetMs)
		}
		g.clock.Sleep(50 * time.Microsecond)
	}
}

func compose(ms, machineID, seq int64) record.ID {
	return record.ID(((ms - Epoch) << timestampShift) | (machineID << machineShift) | seq)
}

// Split decomposes an id into its timestamp (Unix ms), machine id, and
// sequence.
func Split(id record.ID) (timestampMs, machineID, sequence int64) {
	v := int64(id)
	timestampMs = (v >> timestampShift) + Epoch
	machineID = (v >> machineShift) & MaxMachineID
	sequence = v & MaxSequence
	return
}

// Time returns the creation time embedded in an id.
func Time(id record.ID) time.Time {
	ms, _, _ := Split(id)
	return time.UnixMilli(ms)
}
