// Package shard maps records to storage partitions.
//
// A Router derives a ShardKey from a record's routing fields (service name
// and/or a truncated time bucket) and resolves it against a static
// Key→ReplicaSet topology fixed at startup. Routing is a pure function:
// identical records always land on the identical ReplicaSet.
package shard

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/record"
	"github.com/xtxerr/logfeed/internal/store"
)

// Policy selects how records are partitioned.
type Policy string

const (
	// PolicyService partitions by service name hash.
	PolicyService Policy = "service"
	// PolicyTime partitions by truncated timestamp bucket.
	PolicyTime Policy = "time"
	// PolicyHybrid partitions by service hash combined with the time bucket.
	PolicyHybrid Policy = "hybrid"
)

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyService, PolicyTime, PolicyHybrid:
		return Policy(s), nil
	default:
		return "", errors.NewInvalidValue("sharding policy", s, "must be service, time, or hybrid")
	}
}

// Key identifies a partition of the record space. Unused components are zero
// depending on the routing policy.
type Key struct {
	Service  string
	BucketMs int64
}

// String renders the key for logging and receipts.
func (k Key) String() string {
	switch {
	case k.Service != "" && k.BucketMs != 0:
		return fmt.Sprintf("%s@%d", k.Service, k.BucketMs)
	case k.Service != "":
		return k.Service
	default:
		return fmt.Sprintf("t@%d", k.BucketMs)
	}
}

// Replica is one named replica store.
type Replica struct {
	ID    string
	Store store.Store
}

// ReplicaSet is one primary plus its ordered replicas. Membership is static
// configuration; there is no dynamic reconfiguration.
type ReplicaSet struct {
	ID       string
	Primary  store.Store
	Replicas []Replica
}

// Router routes records to replica sets. Safe for concurrent use: all state
// is immutable after construction.
type Router struct {
	policy Policy
	bucket time.Duration
	sets   []*ReplicaSet
}

// NewRouter creates a router over the given static topology. bucket is the
// time-bucket width for the time and hybrid policies (ignored for service).
func NewRouter(policy Policy, bucket time.Duration, sets []*ReplicaSet) (*Router, error) {
	if len(sets) == 0 {
		return nil, errors.Wrap(errors.ErrNoReplicaSet, "empty topology")
	}
	if (policy == PolicyTime || policy == PolicyHybrid) && bucket <= 0 {
		return nil, errors.NewInvalidValue("time bucket", bucket, "must be positive")
	}
	return &Router{policy: policy, bucket: bucket, sets: sets}, nil
}

// Key derives the shard key for a record. Pure function of the routing
// fields.
func (r *Router) Key(rec *record.LogRecord) Key {
	var k Key
	if r.policy == PolicyService || r.policy == PolicyHybrid {
		k.Service = rec.Service
	}
	if r.policy == PolicyTime || r.policy == PolicyHybrid {
		k.BucketMs = rec.Timestamp().Truncate(r.bucket).UnixMilli()
	}
	return k
}

// Route resolves a record to its shard key and replica set.
func (r *Router) Route(rec *record.LogRecord) (Key, *ReplicaSet) {
	k := r.Key(rec)
	return k, r.sets[r.index(k)]
}

// index maps a key to a topology slot. The service component contributes a
// hash; the time component contributes the bucket ordinal, so adjacent
// buckets land on adjacent slots.
func (r *Router) index(k Key) int {
	var n uint64
	if k.Service != "" {
		n += xxhash.Sum64String(k.Service)
	}
	if k.BucketMs != 0 {
		n += uint64(k.BucketMs / r.bucket.Milliseconds())
	}
	return int(n % uint64(len(r.sets)))
}

// ReplicaSets returns the full topology, e.g. for retention sweeps.
func (r *Router) ReplicaSets() []*ReplicaSet {
	return r.sets
}

// Stores returns every distinct store in the topology (primaries first).
func (r *Router) Stores() []store.Store {
	seen := make(map[store.Store]struct{})
	var out []store.Store
	add := func(s store.Store) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, rs := range r.sets {
		add(rs.Primary)
	}
	for _, rs := range r.sets {
		for _, rep := range rs.Replicas {
			add(rep.Store)
		}
	}
	return out
}

// NewStaticTopology builds count replica sets, each with one primary and
// replicaCount replicas, using factory to create the stores. Store ids follow
// "shard-N-primary" / "shard-N-replica-M".
func NewStaticTopology(count, replicaCount int, factory func(id string) (store.Store, error)) ([]*ReplicaSet, error) {
	if count <= 0 {
		return nil, errors.NewInvalidValue("shard count", count, "must be positive")
	}
	sets := make([]*ReplicaSet, 0, count)
	for i := 0; i < count; i++ {
		primaryID := fmt.Sprintf("shard-%d-primary", i)
		primary, err := factory(primaryID)
		if err != nil {
			return nil, errors.Wrapf(err, "create %s", primaryID)
		}
		rs := &ReplicaSet{ID: fmt.Sprintf("shard-%d", i), Primary: primary}
		for j := 0; j < replicaCount; j++ {
			replicaID := fmt.Sprintf("shard-%d-replica-%d", i, j)
			s, err := factory(replicaID)
			if err != nil {
				return nil, errors.Wrapf(err, "create %s", replicaID)
			}
			rs.Replicas = append(rs.Replicas, Replica{ID: replicaID, Store: s})
		}
		sets = append(sets, rs)
	}
	return sets, nil
}
