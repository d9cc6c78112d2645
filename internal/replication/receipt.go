// Package replication propagates accepted records to a primary store
// synchronously and to replicas asynchronously with bounded retry.
//
// Per-record commits move through the states Pending → PrimaryCommitted →
// ReplicasInFlight → ReplicasSettled, terminating in Committed (primary
// succeeded) or Failed (primary write failed). Replica lag and failures are
// tracked for observability and never surface to the ingestion caller.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/xtxerr/logfeed/internal/record"
)

// State is the commit state of one record.
type State int

const (
	StatePending State = iota
	StatePrimaryCommitted
	StateReplicasInFlight
	StateReplicasSettled
	StateCommitted
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePrimaryCommitted:
		return "primary-committed"
	case StateReplicasInFlight:
		return "replicas-in-flight"
	case StateReplicasSettled:
		return "replicas-settled"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Receipt records the outcome of one commit: primary ack, per-replica acks,
// and any replica errors that survived the retry ceiling. It is bookkeeping
// for observability and retry accounting, never primary data.
type Receipt struct {
	mu sync.Mutex

	RecordID    record.ID
	ShardKey    string
	CommittedAt time.Time

	primaryAck  bool
	replicaAcks map[string]bool
	replicaErrs *multierror.Error
	state       State

	settled chan struct{}
}

func newReceipt(id record.ID, shardKey string, replicaIDs []string) *Receipt {
	acks := make(map[string]bool, len(replicaIDs))
	for _, rid := range replicaIDs {
		acks[rid] = false
	}
	return &Receipt{
		RecordID:    id,
		ShardKey:    shardKey,
		replicaAcks: acks,
		state:       StatePending,
		settled:     make(chan struct{}),
	}
}

// State returns the current commit state.
func (r *Receipt) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PrimaryAck reports whether the primary write succeeded.
func (r *Receipt) PrimaryAck() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primaryAck
}

// ReplicaAcks returns a copy of the per-replica ack map.
func (r *Receipt) ReplicaAcks() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.replicaAcks))
	for k, v := range r.replicaAcks {
		out[k] = v
	}
	return out
}

// ReplicaErr returns the accumulated replica failures (nil if all acked).
func (r *Receipt) ReplicaErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicaErrs.ErrorOrNil()
}

// WaitSettled blocks until replica fan-out has settled (all replicas acked or
// exhausted retries) or ctx expires. The primary commit is never waited on
// here; it completed before the receipt was returned.
func (r *Receipt) WaitSettled(ctx context.Context) error {
	select {
	case <-r.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Receipt) markPrimary(at time.Time) {
	r.mu.Lock()
	r.primaryAck = true
	r.CommittedAt = at
	r.state = StatePrimaryCommitted
	r.mu.Unlock()
}

func (r *Receipt) markReplica(id string, err error) {
	r.mu.Lock()
	if err == nil {
		r.replicaAcks[id] = true
	} else {
		r.replicaErrs = multierror.Append(r.replicaErrs, err)
	}
	r.mu.Unlock()
}

// settle marks the terminal Committed state and releases waiters.
func (r *Receipt) settle() {
	r.mu.Lock()
	r.state = StateCommitted
	r.mu.Unlock()
	close(r.settled)
}

// fail marks the terminal Failed state and releases waiters: a failed commit
// has no replica fan-out to wait for.
func (r *Receipt) fail() {
	r.mu.Lock()
	r.state = StateFailed
	r.mu.Unlock()
	close(r.settled)
}
