// Package filter implements the ordered admission chain run on every record
// before storage.
//
// A Chain is an ordered sequence of Filter stages evaluated by a single loop
// with early return: the first rejecting stage determines the outcome and no
// later stage runs. All stages except the rate limiter are pure functions of
// the record plus static configuration; the rate limiter serializes access to
// its own counters.
package filter

import (
	"github.com/xtxerr/logfeed/internal/metrics"
	"github.com/xtxerr/logfeed/internal/record"
)

// Decision is the outcome of one filter stage (or of the whole chain).
// Reason is set iff Admit is false. Record is set when the stage admitted a
// rewritten copy (e.g. after redaction); the submitted record is never
// mutated.
type Decision struct {
	Admit  bool
	Reason string
	Record *record.LogRecord
}

// Admitted returns an admitting decision.
func Admitted() Decision {
	return Decision{Admit: true}
}

// AdmittedRewritten returns an admitting decision carrying a rewritten copy.
func AdmittedRewritten(r *record.LogRecord) Decision {
	return Decision{Admit: true, Record: r}
}

// Rejected returns a rejecting decision with the given reason.
func Rejected(reason string) Decision {
	return Decision{Admit: false, Reason: reason}
}

// Filter is one admission stage. Evaluate must be safe for concurrent use.
type Filter interface {
	// Name identifies the stage in rejection reporting.
	Name() string

	// Evaluate decides admission for a single record.
	Evaluate(r *record.LogRecord) Decision
}

// Chain is an ordered sequence of filter stages.
type Chain struct {
	stages []Filter
}

// NewChain creates a chain from the given stages, evaluated in order.
func NewChain(stages ...Filter) *Chain {
	return &Chain{stages: stages}
}

// Len returns the number of stages.
func (c *Chain) Len() int { return len(c.stages) }

// Evaluate runs the chain. It short-circuits at the first rejection and
// reports the rejecting stage's reason. Rewritten records propagate to later
// stages, so a redaction in stage k is what stage k+1 sees.
func (c *Chain) Evaluate(r *record.LogRecord) Decision {
	current := r
	rewritten := false

	for _, stage := range c.stages {
		d := stage.Evaluate(current)
		if !d.Admit {
			metrics.RecordsRejected.WithLabelValues(stage.Name(), d.Reason).Inc()
			return Decision{Admit: false, Reason: d.Reason}
		}
		if d.Record != nil {
			current = d.Record
			rewritten = true
		}
	}

	if rewritten {
		return AdmittedRewritten(current)
	}
	return Admitted()
}
