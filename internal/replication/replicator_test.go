package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/record"
	"github.com/xtxerr/logfeed/internal/shard"
	"github.com/xtxerr/logfeed/internal/store"
)

// flakyStore fails the first failures appends, then delegates to an in-memory
// store.
type flakyStore struct {
	*store.Memory

	mu       sync.Mutex
	failures int
	attempts int
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{Memory: store.NewMemory(0), failures: failures}
}

func (s *flakyStore) Append(ctx context.Context, r *record.LogRecord) error {
	s.mu.Lock()
	s.attempts++
	fail := s.attempts <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.Wrap(errors.ErrWriteRejected, "transient")
	}
	return s.Memory.Append(ctx, r)
}

// downStore rejects every write.
type downStore struct {
	*store.Memory
}

func (s *downStore) Append(context.Context, *record.LogRecord) error {
	return errors.Wrap(errors.ErrWriteRejected, "backend down")
}

// recordingHealth captures post-ceiling replica failure reports.
type recordingHealth struct {
	mu      sync.Mutex
	reports []string
}

func (h *recordingHealth) ReportReplicaFailure(replicaID string, _ record.ID, _ error) {
	h.mu.Lock()
	h.reports = append(h.reports, replicaID)
	h.mu.Unlock()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.BackoffBase = time.Millisecond
	return opts
}

func commitRec(id record.ID) *record.LogRecord {
	return &record.LogRecord{
		ID:          id,
		TimestampMs: time.Now().UnixMilli(),
		Level:       record.LevelInfo,
		Service:     "api",
		Message:     "m",
	}
}

func TestReplicator_PrimaryVisibleImmediately(t *testing.T) {
	primary := store.NewMemory(0)
	replica := store.NewMemory(0)
	rs := &shard.ReplicaSet{
		ID:       "shard-0",
		Primary:  primary,
		Replicas: []shard.Replica{{ID: "r0", Store: replica}},
	}

	r := New(testOptions())
	defer r.Close()

	receipt, err := r.Commit(context.Background(), commitRec(1), rs)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !receipt.PrimaryAck() {
		t.Error("primary ack missing after successful commit")
	}

	// The primary read succeeds before the receipt settles.
	if _, err := primary.GetByID(context.Background(), 1); err != nil {
		t.Errorf("record not readable on primary right after Commit: %v", err)
	}
}

func TestReplicator_ReplicasConverge(t *testing.T) {
	primary := store.NewMemory(0)
	flaky := newFlakyStore(2) // recovers on the third attempt
	healthy := store.NewMemory(0)
	rs := &shard.ReplicaSet{
		ID:      "shard-0",
		Primary: primary,
		Replicas: []shard.Replica{
			{ID: "flaky", Store: flaky},
			{ID: "healthy", Store: healthy},
		},
	}

	r := New(testOptions())
	defer r.Close()

	receipt, err := r.Commit(context.Background(), commitRec(1), rs)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := receipt.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}

	if receipt.State() != StateCommitted {
		t.Errorf("state = %v, want committed", receipt.State())
	}
	if err := receipt.ReplicaErr(); err != nil {
		t.Errorf("replica errors after convergence: %v", err)
	}
	acks := receipt.ReplicaAcks()
	if !acks["flaky"] || !acks["healthy"] {
		t.Errorf("replica acks = %v", acks)
	}
	for _, s := range []store.Store{flaky, healthy} {
		if _, err := s.GetByID(context.Background(), 1); err != nil {
			t.Errorf("replica missing record after settle: %v", err)
		}
	}
}

func TestReplicator_PrimaryFailureRejectsCommit(t *testing.T) {
	rs := &shard.ReplicaSet{
		ID:       "shard-0",
		Primary:  &downStore{Memory: store.NewMemory(0)},
		Replicas: []shard.Replica{{ID: "r0", Store: store.NewMemory(0)}},
	}

	r := New(testOptions())
	defer r.Close()

	receipt, err := r.Commit(context.Background(), commitRec(1), rs)
	if !errors.Is(err, errors.ErrPrimaryWrite) {
		t.Fatalf("expected ErrPrimaryWrite, got %v", err)
	}
	if receipt.State() != StateFailed {
		t.Errorf("state = %v, want failed", receipt.State())
	}
	if receipt.PrimaryAck() {
		t.Error("failed commit must not carry a primary ack")
	}

	// Replicas were never dispatched.
	if _, err := rs.Replicas[0].Store.GetByID(context.Background(), 1); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("replica received a write despite primary failure: %v", err)
	}
}

func TestReplicator_RetryCeilingReportsHealth(t *testing.T) {
	health := &recordingHealth{}
	opts := testOptions()
	opts.Health = health

	down := &downStore{Memory: store.NewMemory(0)}
	rs := &shard.ReplicaSet{
		ID:       "shard-0",
		Primary:  store.NewMemory(0),
		Replicas: []shard.Replica{{ID: "dead", Store: down}},
	}

	r := New(opts)
	defer r.Close()

	receipt, err := r.Commit(context.Background(), commitRec(1), rs)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := receipt.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}

	// The commit itself stays committed: replica failures never surface to
	// the caller.
	if receipt.State() != StateCommitted {
		t.Errorf("state = %v, want committed", receipt.State())
	}
	if err := receipt.ReplicaErr(); !errors.Is(err, errors.ErrWriteRejected) {
		t.Errorf("expected accumulated replica error, got %v", err)
	}
	if acks := receipt.ReplicaAcks(); acks["dead"] {
		t.Error("dead replica should not be acked")
	}

	health.mu.Lock()
	defer health.mu.Unlock()
	if len(health.reports) != 1 || health.reports[0] != "dead" {
		t.Errorf("health reports = %v, want one for replica dead", health.reports)
	}
}

func TestReplicator_FailedCommitReleasesWaiters(t *testing.T) {
	rs := &shard.ReplicaSet{
		ID:       "shard-0",
		Primary:  &downStore{Memory: store.NewMemory(0)},
		Replicas: []shard.Replica{{ID: "r0", Store: store.NewMemory(0)}},
	}

	r := New(testOptions())
	defer r.Close()

	receipt, err := r.Commit(context.Background(), commitRec(1), rs)
	if !errors.Is(err, errors.ErrPrimaryWrite) {
		t.Fatalf("expected ErrPrimaryWrite, got %v", err)
	}

	// A failed commit has nothing in flight; waiting on it must return
	// promptly, not block until the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := receipt.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled on failed receipt: %v", err)
	}
	if receipt.State() != StateFailed {
		t.Errorf("state = %v, want failed", receipt.State())
	}
}

func TestReplicator_CloseConcurrentWithCommits(t *testing.T) {
	rs := &shard.ReplicaSet{
		ID:       "shard-0",
		Primary:  store.NewMemory(0),
		Replicas: []shard.Replica{{ID: "r0", Store: store.NewMemory(0)}},
	}

	r := New(testOptions())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		id := record.ID(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := r.Commit(context.Background(), commitRec(id), rs)
			if err != nil {
				if !errors.Is(err, errors.ErrReplicatorDown) {
					t.Errorf("Commit: %v", err)
				}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// Every returned receipt settles, even when Close raced the
			// dispatch.
			if err := receipt.WaitSettled(ctx); err != nil {
				t.Errorf("WaitSettled: %v", err)
			}
		}()
	}

	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	wg.Wait()

	if _, err := r.Commit(context.Background(), commitRec(99), rs); !errors.Is(err, errors.ErrReplicatorDown) {
		t.Errorf("Commit after Close: %v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StatePending:          "pending",
		StatePrimaryCommitted: "primary-committed",
		StateReplicasInFlight: "replicas-in-flight",
		StateReplicasSettled:  "replicas-settled",
		StateCommitted:        "committed",
		StateFailed:           "failed",
		State(42):             "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestReplicator_EmptyReplicaSetSettlesImmediately(t *testing.T) {
	rs := &shard.ReplicaSet{ID: "shard-0", Primary: store.NewMemory(0)}

	r := New(testOptions())
	defer r.Close()

	receipt, err := r.Commit(context.Background(), commitRec(1), rs)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if receipt.State() != StateCommitted {
		t.Errorf("state = %v, want committed with no replicas", receipt.State())
	}
	if err := receipt.WaitSettled(context.Background()); err != nil {
		t.Errorf("WaitSettled: %v", err)
	}
}

func TestReplicator_ClosedRejectsCommits(t *testing.T) {
	r := New(testOptions())
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rs := &shard.ReplicaSet{ID: "shard-0", Primary: store.NewMemory(0)}
	if _, err := r.Commit(context.Background(), commitRec(1), rs); !errors.Is(err, errors.ErrReplicatorDown) {
		t.Errorf("expected ErrReplicatorDown, got %v", err)
	}
}

func TestReplicator_NilReplicaSet(t *testing.T) {
	r := New(testOptions())
	defer r.Close()
	if _, err := r.Commit(context.Background(), commitRec(1), nil); !errors.Is(err, errors.ErrNoReplicaSet) {
		t.Errorf("expected ErrNoReplicaSet, got %v", err)
	}
}

func TestReplicator_LagSnapshot(t *testing.T) {
	rs := &shard.ReplicaSet{
		ID:       "shard-0",
		Primary:  store.NewMemory(0),
		Replicas: []shard.Replica{{ID: "r0", Store: store.NewMemory(0)}},
	}

	r := New(testOptions())
	defer r.Close()

	for i := record.ID(1); i <= 5; i++ {
		receipt, err := r.Commit(context.Background(), commitRec(i), rs)
		if err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := receipt.WaitSettled(ctx); err != nil {
			cancel()
			t.Fatalf("WaitSettled: %v", err)
		}
		cancel()
	}

	snap := r.LagSnapshot()
	stats, ok := snap["r0"]
	if !ok {
		t.Fatalf("no lag stats for r0: %v", snap)
	}
	if stats.Count != 5 {
		t.Errorf("lag count = %d, want 5", stats.Count)
	}
	if stats.P50 < 0 || stats.P99 < stats.P50 {
		t.Errorf("implausible quantiles: p50=%v p99=%v", stats.P50, stats.P99)
	}
}
