// Package pipeline orchestrates ingestion: id assignment, admission
// filtering, shard routing, and replicated commit. It sequences the
// components and translates their errors; it carries no business logic of
// its own.
package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/filter"
	"github.com/xtxerr/logfeed/internal/idgen"
	"github.com/xtxerr/logfeed/internal/logging"
	"github.com/xtxerr/logfeed/internal/metrics"
	"github.com/xtxerr/logfeed/internal/record"
	"github.com/xtxerr/logfeed/internal/replication"
	"github.com/xtxerr/logfeed/internal/shard"
)

// OutcomeKind classifies a submission result.
type OutcomeKind int

const (
	// OutcomeAccepted means the record was admitted and primary-committed.
	OutcomeAccepted OutcomeKind = iota
	// OutcomeRejected means a filter stage refused admission. Expected and
	// non-exceptional; the record never touched storage.
	OutcomeRejected
	// OutcomeFailed means a component errored (generator, timeout, primary
	// write). The caller may retry; ids make retries deduplicable.
	OutcomeFailed
)

// String returns a human-readable kind name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one submission.
type Outcome struct {
	Kind    OutcomeKind
	ID      record.ID
	Reason  string
	Err     error
	Receipt *replication.Receipt
}

// Accepted constructs an accepted outcome.
func Accepted(id record.ID, receipt *replication.Receipt) Outcome {
	return Outcome{Kind: OutcomeAccepted, ID: id, Receipt: receipt}
}

// Rejected constructs a rejected outcome.
func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

// Failed constructs a failed outcome.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Stats holds pipeline counters.
type Stats struct {
	Received atomic.Int64
	Accepted atomic.Int64
	Rejected atomic.Int64
	Failed   atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Received int64
	Accepted int64
	Rejected int64
	Failed   int64
}

// Options configures the pipeline.
type Options struct {
	// BatchParallelism bounds concurrent submissions in SubmitBatch.
	BatchParallelism int

	// Clock is the time source for submission timestamps. Defaults to the
	// wall clock.
	Clock clock.Clock
}

// Pipeline is the sole ingestion entry point consumed by the transport layer.
type Pipeline struct {
	gen    *idgen.Generator
	chain  *filter.Chain
	router *shard.Router
	repl   *replication.Replicator
	clock  clock.Clock
	log    *slog.Logger
	opts   Options

	stats Stats
}

// New creates a pipeline over the given components.
func New(gen *idgen.Generator, chain *filter.Chain, router *shard.Router, repl *replication.Replicator, opts Options) *Pipeline {
	if opts.BatchParallelism <= 0 {
		opts.BatchParallelism = 8
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Pipeline{
		gen:    gen,
		chain:  chain,
		router: router,
		repl:   repl,
		clock:  opts.Clock,
		log:    logging.Component("pipeline"),
		opts:   opts,
	}
}

// Submit ingests one record: assign id → filter → route → commit. A caller
// timeout travels in ctx and bounds the path up to primary commit; replica
// fan-out is detached and unaffected. Primary commit is the sole visibility
// gate: a timed-out submission is never partially visible.
func (p *Pipeline) Submit(ctx context.Context, raw record.RawRecord) Outcome {
	p.stats.Received.Add(1)
	metrics.RecordsReceived.Inc()

	if err := raw.Validate(); err != nil {
		return p.failed(err)
	}
	if err := ctx.Err(); err != nil {
		return p.failed(errors.Wrap(errors.ErrTimeout, err.Error()))
	}

	id, err := p.gen.Next()
	if err != nil {
		return p.failed(err)
	}

	rec := p.materialize(id, raw)

	decision := p.chain.Evaluate(rec)
	if !decision.Admit {
		p.stats.Rejected.Add(1)
		return Rejected(decision.Reason)
	}
	if decision.Record != nil {
		rec = decision.Record
	}

	_, replicaSet := p.router.Route(rec)

	receipt, err := p.repl.Commit(ctx, rec, replicaSet)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Wrap(errors.ErrTimeout, err.Error())
		}
		return p.failed(err)
	}

	p.stats.Accepted.Add(1)
	metrics.RecordsAccepted.Inc()
	return Accepted(id, receipt)
}

// SubmitBatch ingests records concurrently (bounded) and returns one outcome
// per input, index-aligned. A failed record does not abort the batch.
func (p *Pipeline) SubmitBatch(ctx context.Context, raws []record.RawRecord) []Outcome {
	outcomes := make([]Outcome, len(raws))

	var g errgroup.Group
	g.SetLimit(p.opts.BatchParallelism)
	for i, raw := range raws {
		i, raw := i, raw
		g.Go(func() error {
			outcomes[i] = p.Submit(ctx, raw)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

// materialize freezes a raw record into an immutable LogRecord: id assigned,
// timestamp stamped if the producer left it zero, correlation id filled in if
// absent.
func (p *Pipeline) materialize(id record.ID, raw record.RawRecord) *record.LogRecord {
	ts := raw.TimestampMs
	if ts == 0 {
		ts = p.clock.Now().UnixMilli()
	}
	correlation := raw.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	var meta map[string]string
	if raw.Metadata != nil {
		meta = make(map[string]string, len(raw.Metadata))
		for k, v := range raw.Metadata {
			meta[k] = v
		}
	}
	return &record.LogRecord{
		ID:            id,
		TimestampMs:   ts,
		Level:         raw.Level,
		Service:       raw.Service,
		Message:       raw.Message,
		Metadata:      meta,
		CorrelationID: correlation,
	}
}

func (p *Pipeline) failed(err error) Outcome {
	p.stats.Failed.Add(1)
	metrics.RecordsFailed.Inc()
	p.log.Debug("submission failed", "error", err)
	return Failed(err)
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Snapshot {
	return Snapshot{
		Received: p.stats.Received.Load(),
		Accepted: p.stats.Accepted.Load(),
		Rejected: p.stats.Rejected.Load(),
		Failed:   p.stats.Failed.Load(),
	}
}

// Router exposes the topology for the query layer and retention sweeps.
func (p *Pipeline) Router() *shard.Router {
	return p.router
}
