// Package store defines the abstract storage contract for durable append and
// indexed query, plus the interchangeable backends that satisfy it.
//
// Backends:
//   - Memory: the reference in-memory engine (B-tree primary index ordered by
//     (timestamp, id), hash indexes on (service, level) and correlation id).
//   - DuckDB: a SQL-backed engine over database/sql.
//
// Both return results in ascending (timestamp, id) order and deduplicate on
// record id, which makes producer retries with a pre-assigned id safe.
package store

import (
	"context"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/record"
)

// Store is the storage contract consumed by replication and the query layer.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append durably stores a record. Appending an id that already exists is
	// a no-op (idempotent retry). Fails with ErrWriteRejected when the medium
	// refuses the write.
	Append(ctx context.Context, r *record.LogRecord) error

	// Query returns records matching the predicate in ascending
	// (timestamp, id) order. An empty result is not an error; a malformed
	// predicate fails with ErrInvalidPredicate.
	Query(ctx context.Context, p Predicate, page Page) ([]*record.LogRecord, error)

	// GetByID returns the record with the given id, or ErrNotFound.
	GetByID(ctx context.Context, id record.ID) (*record.LogRecord, error)

	// DeleteBefore removes all records with timestamp strictly before
	// cutoffMs and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoffMs int64) (int, error)

	// Stats returns aggregate counts over stored records.
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}

// Predicate selects records. Zero-valued fields are inactive.
type Predicate struct {
	// StartMs/EndMs bound the timestamp range, inclusive. Zero means open.
	StartMs int64
	EndMs   int64

	// Service restricts to one service.
	Service string

	// Level restricts to one exact level (indexed together with Service).
	Level *record.Level

	// MinLevel drops records below the given severity as a final pass.
	MinLevel record.Level

	// CorrelationID restricts to one correlation id.
	CorrelationID string
}

// Validate rejects malformed predicates.
func (p Predicate) Validate() error {
	if p.StartMs != 0 && p.EndMs != 0 && p.StartMs > p.EndMs {
		return errors.Wrapf(errors.ErrInvalidPredicate,
			"start %d after end %d", p.StartMs, p.EndMs)
	}
	return nil
}

// Page controls result pagination. If Cursor is set it wins over Offset:
// results strictly after the cursor record (in (timestamp, id) order) are
// returned. Limit of zero means no limit.
type Page struct {
	Limit  int
	Offset int
	Cursor record.ID
}

// Stats are aggregate counts over stored records.
type Stats struct {
	TotalRecords int
	PerService   map[string]int
	PerLevel     map[record.Level]int
}

// ============================================================================
// Predicate constructors mirroring the common query paths
// ============================================================================

// ByService selects one service within an optional time range.
func ByService(service string, startMs, endMs int64) Predicate {
	return Predicate{Service: service, StartMs: startMs, EndMs: endMs}
}

// ByLevel selects one exact level within an optional time range.
func ByLevel(level record.Level, startMs, endMs int64) Predicate {
	return Predicate{Level: &level, StartMs: startMs, EndMs: endMs}
}

// ByCorrelation selects all records sharing a correlation id.
func ByCorrelation(correlationID string) Predicate {
	return Predicate{CorrelationID: correlationID}
}

// Recent selects records from the trailing window ending at nowMs.
func Recent(nowMs int64, windowMs int64) Predicate {
	return Predicate{StartMs: nowMs - windowMs, EndMs: nowMs}
}

// less orders records by (timestamp, id), the canonical result order.
func less(a, b *record.LogRecord) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs < b.TimestampMs
	}
	return a.ID < b.ID
}

// afterCursor reports whether r sorts strictly after the cursor position.
// The cursor's timestamp is recovered from the id itself (ids embed their
// creation time), so an arbitrary cursor does not need a store lookup.
func afterCursor(r *record.LogRecord, cursor record.ID, cursorMs int64) bool {
	if r.TimestampMs != cursorMs {
		return r.TimestampMs > cursorMs
	}
	return r.ID > cursor
}
