package replication

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/logging"
	"github.com/xtxerr/logfeed/internal/metrics"
	"github.com/xtxerr/logfeed/internal/record"
	"github.com/xtxerr/logfeed/internal/shard"
)

// HealthReporter receives replica failures that survived the retry ceiling.
// The core never escalates these to the ingestion caller; an external health
// collaborator decides what to do with them.
type HealthReporter interface {
	ReportReplicaFailure(replicaID string, recordID record.ID, err error)
}

// NopHealthReporter discards failure reports.
type NopHealthReporter struct{}

func (NopHealthReporter) ReportReplicaFailure(string, record.ID, error) {}

// Options configures retry behavior and lag tracking.
type Options struct {
	// MaxAttempts is the per-replica write attempt ceiling.
	MaxAttempts int

	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration

	// LagAccuracy is the DDSketch relative accuracy for lag quantiles.
	LagAccuracy float64

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock

	// Health receives post-ceiling replica failures. Defaults to a no-op.
	Health HealthReporter
}

// DefaultOptions returns the documented retry defaults: 3 attempts, 10ms
// base backoff.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
		LagAccuracy: 0.01,
	}
}

// Replicator commits records: primary synchronously, replicas asynchronously.
// Replica fan-out tasks are detached from the caller's context; a caller
// timeout cancels nothing past primary commit.
type Replicator struct {
	opts   Options
	clock  clock.Clock
	log    *slog.Logger
	lag    *LagTracker
	health HealthReporter

	mu     sync.Mutex
	closed bool
	group  *errgroup.Group
}

// New creates a replicator.
func New(opts Options) *Replicator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Health == nil {
		opts.Health = NopHealthReporter{}
	}
	return &Replicator{
		opts:   opts,
		clock:  opts.Clock,
		log:    logging.Component("replication"),
		lag:    NewLagTracker(opts.LagAccuracy),
		health: opts.Health,
	}
}

// Commit writes the record to the replica set's primary, then dispatches
// detached replica writes and returns. The returned receipt settles once
// every replica has acked or exhausted its retries.
//
// A primary failure returns ErrPrimaryWrite: the record was not stored and
// the caller must treat the submission as failed. ctx bounds only the primary
// write.
func (r *Replicator) Commit(ctx context.Context, rec *record.LogRecord, rs *shard.ReplicaSet) (*Receipt, error) {
	if rs == nil {
		return nil, errors.ErrNoReplicaSet
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.ErrReplicatorDown
	}
	if r.group == nil {
		r.group = &errgroup.Group{}
	}
	r.mu.Unlock()

	replicaIDs := make([]string, len(rs.Replicas))
	for i, rep := range rs.Replicas {
		replicaIDs[i] = rep.ID
	}
	receipt := newReceipt(rec.ID, rs.ID, replicaIDs)

	if err := rs.Primary.Append(ctx, rec); err != nil {
		receipt.fail()
		metrics.PrimaryWriteFailures.Inc()
		return receipt, errors.Wrapf(errors.ErrPrimaryWrite, "shard %s: %v", rs.ID, err)
	}
	receipt.markPrimary(r.clock.Now())

	if len(rs.Replicas) == 0 {
		receipt.settle()
		return receipt, nil
	}

	receipt.setState(StateReplicasInFlight)

	// Dispatch under the mutex: Close flips closed before it waits on the
	// group, so goroutines are never added to a group already being waited
	// on.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		for _, rep := range rs.Replicas {
			receipt.markReplica(rep.ID,
				errors.Wrapf(errors.ErrReplicatorDown, "replica %s not dispatched", rep.ID))
		}
		receipt.settle()
		return receipt, nil
	}
	var pending sync.WaitGroup
	pending.Add(len(rs.Replicas))
	for _, rep := range rs.Replicas {
		rep := rep
		r.group.Go(func() error {
			defer pending.Done()
			r.writeReplica(rep, rec, receipt)
			return nil
		})
	}
	r.group.Go(func() error {
		pending.Wait()
		receipt.setState(StateReplicasSettled)
		receipt.settle()
		return nil
	})
	r.mu.Unlock()

	return receipt, nil
}

// writeReplica attempts one replica write with bounded exponential backoff.
// It runs detached: context.Background, never the submission's context.
func (r *Replicator) writeReplica(rep shard.Replica, rec *record.LogRecord, receipt *Receipt) {
	ctx := context.Background()
	backoff := r.opts.BackoffBase

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.ReplicaRetries.WithLabelValues(rep.ID).Inc()
			r.clock.Sleep(backoff)
			backoff *= 2
		}

		if err := rep.Store.Append(ctx, rec); err != nil {
			lastErr = err
			continue
		}

		lag := r.clock.Now().Sub(receipt.CommittedAt)
		r.lag.Observe(rep.ID, lag)
		metrics.ReplicationLag.WithLabelValues(rep.ID).Observe(lag.Seconds())
		receipt.markReplica(rep.ID, nil)
		return
	}

	err := errors.Wrapf(lastErr, "replica %s gave up after %d attempts", rep.ID, r.opts.MaxAttempts)
	receipt.markReplica(rep.ID, err)
	metrics.ReplicaFailures.WithLabelValues(rep.ID).Inc()
	r.health.ReportReplicaFailure(rep.ID, rec.ID, err)
	r.log.Warn("replica write abandoned",
		"replica", rep.ID, "record", rec.ID.String(), "error", lastErr)
}

// LagSnapshot returns per-replica lag statistics.
func (r *Replicator) LagSnapshot() map[string]LagStats {
	return r.lag.Snapshot()
}

// Close drains in-flight replica writes and rejects further commits.
func (r *Replicator) Close() error {
	r.mu.Lock()
	r.closed = true
	group := r.group
	r.mu.Unlock()

	if group != nil {
		return group.Wait()
	}
	return nil
}
