package filter

import (
	"fmt"
	"regexp"

	"github.com/xtxerr/logfeed/internal/record"
)

// Rejection reasons are stable strings: they surface in outcomes and as
// metric labels.
const (
	ReasonBelowThreshold   = "below threshold"
	ReasonServiceNotListed = "service not in allow list"
	ReasonServiceDenied    = "service denied"
	ReasonContentMatch     = "content matched blocked pattern"
	ReasonRateLimited      = "rate limit exceeded"
	ReasonNoBranchAdmitted = "no composite branch admitted"
)

// ============================================================================
// LevelFilter
// ============================================================================

// LevelFilter rejects records below a severity threshold.
type LevelFilter struct {
	Threshold record.Level
}

func (f *LevelFilter) Name() string { return "level" }

func (f *LevelFilter) Evaluate(r *record.LogRecord) Decision {
	if r.Level < f.Threshold {
		return Rejected(ReasonBelowThreshold)
	}
	return Admitted()
}

// ============================================================================
// ServiceFilter
// ============================================================================

// ServiceMode selects allow-list or deny-list semantics.
type ServiceMode int

const (
	// ServiceAllow admits only services in the set.
	ServiceAllow ServiceMode = iota
	// ServiceDeny rejects services in the set.
	ServiceDeny
)

// ServiceFilter admits or rejects by service name membership.
type ServiceFilter struct {
	mode     ServiceMode
	services map[string]struct{}
}

// NewServiceFilter creates a service filter over the given names.
func NewServiceFilter(mode ServiceMode, services []string) *ServiceFilter {
	set := make(map[string]struct{}, len(services))
	for _, s := range services {
		set[s] = struct{}{}
	}
	return &ServiceFilter{mode: mode, services: set}
}

func (f *ServiceFilter) Name() string { return "service" }

func (f *ServiceFilter) Evaluate(r *record.LogRecord) Decision {
	_, listed := f.services[r.Service]
	switch f.mode {
	case ServiceAllow:
		if !listed {
			return Rejected(ReasonServiceNotListed)
		}
	case ServiceDeny:
		if listed {
			return Rejected(ReasonServiceDenied)
		}
	}
	return Admitted()
}

// ============================================================================
// ContentFilter
// ============================================================================

// ContentAction selects what happens on a pattern match.
type ContentAction int

const (
	// ContentReject rejects the record outright.
	ContentReject ContentAction = iota
	// ContentRedact replaces matches with a placeholder on a copy of the
	// record and admits the copy.
	ContentRedact
)

// Redacted is the replacement written over matched content.
const Redacted = "[REDACTED]"

// ContentFilter matches message and metadata values against patterns,
// rejecting or redacting on match. Typical use is scrubbing secrets and PII
// markers before they reach storage.
type ContentFilter struct {
	action   ContentAction
	patterns []*regexp.Regexp
}

// NewContentFilter compiles the given patterns.
func NewContentFilter(action ContentAction, patterns []string) (*ContentFilter, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile content pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &ContentFilter{action: action, patterns: compiled}, nil
}

func (f *ContentFilter) Name() string { return "content" }

func (f *ContentFilter) Evaluate(r *record.LogRecord) Decision {
	matched := false
	for _, re := range f.patterns {
		if re.MatchString(r.Message) {
			matched = true
			break
		}
		for _, v := range r.Metadata {
			if re.MatchString(v) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}

	if !matched {
		return Admitted()
	}
	if f.action == ContentReject {
		return Rejected(ReasonContentMatch)
	}

	// Redact on a copy; the submitted record stays untouched.
	c := r.Clone()
	for _, re := range f.patterns {
		c.Message = re.ReplaceAllString(c.Message, Redacted)
		for k, v := range c.Metadata {
			c.Metadata[k] = re.ReplaceAllString(v, Redacted)
		}
	}
	return AdmittedRewritten(c)
}

// ============================================================================
// CompositeFilter
// ============================================================================

// CompositeOp selects AND or OR combination semantics.
type CompositeOp int

const (
	// CompositeAnd admits only if every child admits.
	CompositeAnd CompositeOp = iota
	// CompositeOr admits if any child admits.
	CompositeOr
)

// CompositeFilter combines child filters into a single stage. Composites nest:
// a CompositeFilter is itself a Filter and can appear anywhere in a chain.
type CompositeFilter struct {
	op       CompositeOp
	children []Filter
}

// NewCompositeFilter creates a composite over the given children.
func NewCompositeFilter(op CompositeOp, children ...Filter) *CompositeFilter {
	return &CompositeFilter{op: op, children: children}
}

func (f *CompositeFilter) Name() string { return "composite" }

func (f *CompositeFilter) Evaluate(r *record.LogRecord) Decision {
	switch f.op {
	case CompositeOr:
		for _, child := range f.children {
			if d := child.Evaluate(r); d.Admit {
				return d
			}
		}
		return Rejected(ReasonNoBranchAdmitted)
	default: // CompositeAnd
		current := r
		rewritten := false
		for _, child := range f.children {
			d := child.Evaluate(current)
			if !d.Admit {
				return d
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
}
