package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/filter"
	"github.com/xtxerr/logfeed/internal/idgen"
	"github.com/xtxerr/logfeed/internal/record"
	"github.com/xtxerr/logfeed/internal/replication"
	"github.com/xtxerr/logfeed/internal/shard"
	"github.com/xtxerr/logfeed/internal/store"
)

// rejectingStore refuses every write, simulating a dead primary.
type rejectingStore struct {
	*store.Memory
}

func (s *rejectingStore) Append(context.Context, *record.LogRecord) error {
	return errors.Wrap(errors.ErrWriteRejected, "backend down")
}

type fixture struct {
	pipeline *Pipeline
	primary  *store.Memory
	replica  *store.Memory
	repl     *replication.Replicator
}

// newFixture assembles a single-shard pipeline. primaryDown swaps in a store
// that rejects all writes.
func newFixture(t *testing.T, chain *filter.Chain, primaryDown bool) *fixture {
	t.Helper()

	gen, err := idgen.New(1, idgen.DefaultOptions())
	if err != nil {
		t.Fatalf("idgen.New: %v", err)
	}

	primary := store.NewMemory(0)
	replica := store.NewMemory(0)
	var primaryStore store.Store = primary
	if primaryDown {
		primaryStore = &rejectingStore{Memory: primary}
	}

	sets := []*shard.ReplicaSet{{
		ID:       "shard-0",
		Primary:  primaryStore,
		Replicas: []shard.Replica{{ID: "shard-0-replica-0", Store: replica}},
	}}
	router, err := shard.NewRouter(shard.PolicyService, 0, sets)
	if err != nil {
		t.Fatalf("shard.NewRouter: %v", err)
	}

	replOpts := replication.DefaultOptions()
	replOpts.BackoffBase = time.Millisecond
	repl := replication.New(replOpts)
	t.Cleanup(func() { repl.Close() })

	return &fixture{
		pipeline: New(gen, chain, router, repl, Options{}),
		primary:  primary,
		replica:  replica,
		repl:     repl,
	}
}

func rawRec(level record.Level, service, message string) record.RawRecord {
	return record.RawRecord{Level: level, Service: service, Message: message}
}

func TestPipeline_SubmitAccepted(t *testing.T) {
	f := newFixture(t, filter.NewChain(), false)

	out := f.pipeline.Submit(context.Background(), rawRec(record.LevelInfo, "api", "hello"))
	if out.Kind != OutcomeAccepted {
		t.Fatalf("outcome = %v (%v), want accepted", out.Kind, out.Err)
	}
	if out.ID == 0 {
		t.Error("accepted outcome carries no id")
	}
	if out.Receipt == nil || !out.Receipt.PrimaryAck() {
		t.Error("accepted outcome should carry a primary-acked receipt")
	}

	got, err := f.primary.GetByID(context.Background(), out.ID)
	if err != nil {
		t.Fatalf("record not on primary after accept: %v", err)
	}
	if got.Service != "api" || got.Message != "hello" {
		t.Errorf("stored record = %+v", got)
	}
	if got.TimestampMs == 0 {
		t.Error("zero producer timestamp should be stamped at submission")
	}
	if got.CorrelationID == "" {
		t.Error("absent correlation id should be filled in")
	}

	// Replica converges once the receipt settles.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := out.Receipt.WaitSettled(ctx); err != nil {
		t.Fatalf("WaitSettled: %v", err)
	}
	if _, err := f.replica.GetByID(context.Background(), out.ID); err != nil {
		t.Errorf("record not on replica after settle: %v", err)
	}
}

func TestPipeline_SubmitPreservesProducerFields(t *testing.T) {
	f := newFixture(t, filter.NewChain(), false)

	raw := record.RawRecord{
		Level:         record.LevelWarn,
		Service:       "billing",
		Message:       "slow",
		TimestampMs:   1700000000000,
		CorrelationID: "corr-7",
		Metadata:      map[string]string{"table": "invoices"},
	}
	out := f.pipeline.Submit(context.Background(), raw)
	if out.Kind != OutcomeAccepted {
		t.Fatalf("outcome = %v (%v)", out.Kind, out.Err)
	}

	got, err := f.primary.GetByID(context.Background(), out.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.TimestampMs != 1700000000000 || got.CorrelationID != "corr-7" {
		t.Errorf("producer fields not preserved: %+v", got)
	}
	if got.Metadata["table"] != "invoices" {
		t.Errorf("metadata not carried: %v", got.Metadata)
	}

	// The stored record does not alias the caller's metadata map.
	raw.Metadata["table"] = "mutated"
	if got.Metadata["table"] != "invoices" {
		t.Error("stored metadata aliases the caller's map")
	}
}

func TestPipeline_SubmitRejectedNeverStored(t *testing.T) {
	chain := filter.NewChain(&filter.LevelFilter{Threshold: record.LevelWarn})
	f := newFixture(t, chain, false)

	out := f.pipeline.Submit(context.Background(), rawRec(record.LevelInfo, "api", "chatty"))
	if out.Kind != OutcomeRejected {
		t.Fatalf("outcome = %v, want rejected", out.Kind)
	}
	if out.Reason != filter.ReasonBelowThreshold {
		t.Errorf("reason = %q", out.Reason)
	}

	s, err := f.primary.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.TotalRecords != 0 {
		t.Errorf("rejected record reached storage: %d records", s.TotalRecords)
	}
}

func TestPipeline_SubmitInvalidRecord(t *testing.T) {
	f := newFixture(t, filter.NewChain(), false)

	out := f.pipeline.Submit(context.Background(), rawRec(record.LevelInfo, "", "no service"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out.Kind)
	}
	if !errors.Is(out.Err, errors.ErrMissingField) {
		t.Errorf("err = %v, want ErrMissingField", out.Err)
	}
}

func TestPipeline_SubmitPrimaryFailure(t *testing.T) {
	f := newFixture(t, filter.NewChain(), true)

	out := f.pipeline.Submit(context.Background(), rawRec(record.LevelError, "api", "x"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out.Kind)
	}
	if !errors.Is(out.Err, errors.ErrPrimaryWrite) {
		t.Errorf("err = %v, want ErrPrimaryWrite", out.Err)
	}

	// Not partially visible anywhere.
	if _, err := f.primary.GetByID(context.Background(), out.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("failed submission visible on primary: %v", err)
	}
	if _, err := f.replica.GetByID(context.Background(), out.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("failed submission visible on replica: %v", err)
	}
}

func TestPipeline_SubmitCanceledContext(t *testing.T) {
	f := newFixture(t, filter.NewChain(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := f.pipeline.Submit(ctx, rawRec(record.LevelInfo, "api", "x"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out.Kind)
	}
	if !errors.Is(out.Err, errors.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", out.Err)
	}
}

func TestPipeline_SubmitRedactedCopyIsStored(t *testing.T) {
	redact, err := filter.NewContentFilter(filter.ContentRedact, []string{`secret-\w+`})
	if err != nil {
		t.Fatalf("NewContentFilter: %v", err)
	}
	f := newFixture(t, filter.NewChain(redact), false)

	out := f.pipeline.Submit(context.Background(), rawRec(record.LevelInfo, "api", "key secret-abc here"))
	if out.Kind != OutcomeAccepted {
		t.Fatalf("outcome = %v (%v)", out.Kind, out.Err)
	}

	got, err := f.primary.GetByID(context.Background(), out.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Message != "key [REDACTED] here" {
		t.Errorf("stored message = %q, want redacted copy", got.Message)
	}
}

func TestPipeline_SubmitBatch(t *testing.T) {
	chain := filter.NewChain(&filter.LevelFilter{Threshold: record.LevelInfo})
	f := newFixture(t, chain, false)

	raws := []record.RawRecord{
		rawRec(record.LevelInfo, "api", "ok-0"),
		rawRec(record.LevelDebug, "api", "too chatty"),
		rawRec(record.LevelError, "", "invalid"),
		rawRec(record.LevelWarn, "billing", "ok-1"),
	}
	outcomes := f.pipeline.SubmitBatch(context.Background(), raws)
	if len(outcomes) != len(raws) {
		t.Fatalf("got %d outcomes for %d inputs", len(outcomes), len(raws))
	}

	wantKinds := []OutcomeKind{OutcomeAccepted, OutcomeRejected, OutcomeFailed, OutcomeAccepted}
	for i, want := range wantKinds {
		if outcomes[i].Kind != want {
			t.Errorf("outcome[%d] = %v (%v), want %v", i, outcomes[i].Kind, outcomes[i].Err, want)
		}
	}

	snap := f.pipeline.Stats()
	if snap.Received != 4 || snap.Accepted != 2 || snap.Rejected != 1 || snap.Failed != 1 {
		t.Errorf("stats = %+v", snap)
	}

	s, err := f.primary.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.TotalRecords != 2 {
		t.Errorf("primary holds %d records, want 2", s.TotalRecords)
	}
}

func TestPipeline_BatchIDsAreUnique(t *testing.T) {
	f := newFixture(t, filter.NewChain(), false)

	raws := make([]record.RawRecord, 100)
	for i := range raws {
		raws[i] = rawRec(record.LevelInfo, "api", "m")
	}
	outcomes := f.pipeline.SubmitBatch(context.Background(), raws)

	seen := make(map[record.ID]struct{}, len(outcomes))
	for i, out := range outcomes {
		if out.Kind != OutcomeAccepted {
			t.Fatalf("outcome[%d] = %v (%v)", i, out.Kind, out.Err)
		}
		if _, dup := seen[out.ID]; dup {
			t.Fatalf("duplicate id %d in batch", out.ID)
		}
		seen[out.ID] = struct{}{}
	}
}
