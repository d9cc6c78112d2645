package store

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/idgen"
	"github.com/xtxerr/logfeed/internal/record"
)

type svcLevelKey struct {
	service string
	level   record.Level
}

// Memory is the reference in-memory storage engine.
//
// The primary index is a B-tree ordered by (timestamp, id), which serves
// ascending range scans directly. Auxiliary hash indexes map (service, level)
// and correlation id to id sets; queries intersect the relevant sets, then
// walk the B-tree range to materialize results in order. One Memory instance
// backs one shard replica, so locking stays per-shard rather than global.
type Memory struct {
	mu sync.RWMutex

	// MaxRecords caps stored records; 0 means unlimited. Appends past the
	// cap fail with ErrWriteRejected.
	maxRecords int

	byTime        *btree.BTreeG[*record.LogRecord]
	byID          map[record.ID]*record.LogRecord
	bySvcLevel    map[svcLevelKey]map[record.ID]struct{}
	byCorrelation map[string]map[record.ID]struct{}

	closed bool
}

// NewMemory creates an in-memory store. maxRecords of zero means unbounded.
func NewMemory(maxRecords int) *Memory {
	return &Memory{
		maxRecords:    maxRecords,
		byTime:        btree.NewG[*record.LogRecord](32, less),
		byID:          make(map[record.ID]*record.LogRecord),
		bySvcLevel:    make(map[svcLevelKey]map[record.ID]struct{}),
		byCorrelation: make(map[string]map[record.ID]struct{}),
	}
}

// Append stores a record. Duplicate ids are ignored (idempotent retry).
func (m *Memory) Append(ctx context.Context, r *record.LogRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.ErrStoreClosed
	}
	if _, exists := m.byID[r.ID]; exists {
		return nil
	}
	if m.maxRecords > 0 && len(m.byID) >= m.maxRecords {
		return errors.Wrapf(errors.ErrWriteRejected, "capacity %d reached", m.maxRecords)
	}

	m.byID[r.ID] = r
	m.byTime.ReplaceOrInsert(r)

	slk := svcLevelKey{service: r.Service, level: r.Level}
	if m.bySvcLevel[slk] == nil {
		m.bySvcLevel[slk] = make(map[record.ID]struct{})
	}
	m.bySvcLevel[slk][r.ID] = struct{}{}

	if r.CorrelationID != "" {
		if m.byCorrelation[r.CorrelationID] == nil {
			m.byCorrelation[r.CorrelationID] = make(map[record.ID]struct{})
		}
		m.byCorrelation[r.CorrelationID][r.ID] = struct{}{}
	}

	return nil
}

// Query returns matching records in ascending (timestamp, id) order.
func (m *Memory) Query(ctx context.Context, p Predicate, page Page) ([]*record.LogRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.ErrStoreClosed
	}

	// Candidate set from the most selective hash index, nil meaning "all".
	candidates := m.candidateSet(p)
	if candidates != nil && len(candidates) == 0 {
		return []*record.LogRecord{}, nil
	}

	cursorMs := m.resolveCursorMs(page.Cursor)

	results := []*record.LogRecord{}
	skipped := 0

	iter := func(r *record.LogRecord) bool {
		if p.EndMs != 0 && r.TimestampMs > p.EndMs {
			return false
		}
		if !m.matches(r, p, candidates) {
			return true
		}
		if page.Cursor != 0 && !afterCursor(r, page.Cursor, cursorMs) {
			return true
		}
		if page.Cursor == 0 && skipped < page.Offset {
			skipped++
			return true
		}
		results = append(results, r)
		return page.Limit == 0 || len(results) < page.Limit
	}

	if p.StartMs != 0 {
		pivot := &record.LogRecord{TimestampMs: p.StartMs, ID: 0}
		m.byTime.AscendGreaterOrEqual(pivot, iter)
	} else {
		m.byTime.Ascend(iter)
	}

	return results, nil
}

// candidateSet intersects the applicable hash indexes. A nil result means no
// index applies and the time range alone drives the scan.
func (m *Memory) candidateSet(p Predicate) map[record.ID]struct{} {
	var sets []map[record.ID]struct{}

	if p.Service != "" && p.Level != nil {
		sets = append(sets, m.bySvcLevel[svcLevelKey{service: p.Service, level: *p.Level}])
	}
	if p.CorrelationID != "" {
		sets = append(sets, m.byCorrelation[p.CorrelationID])
	}
	if len(sets) == 0 {
		return nil
	}

	out := make(map[record.ID]struct{})
	for id := range emptyIfNil(sets[0]) {
		out[id] = struct{}{}
	}
	for _, s := range sets[1:] {
		s = emptyIfNil(s)
		for id := range out {
			if _, ok := s[id]; !ok {
				delete(out, id)
			}
		}
	}
	return out
}

func emptyIfNil(s map[record.ID]struct{}) map[record.ID]struct{} {
	if s == nil {
		return map[record.ID]struct{}{}
	}
	return s
}

// matches applies the remaining, non-indexed predicate fields.
func (m *Memory) matches(r *record.LogRecord, p Predicate, candidates map[record.ID]struct{}) bool {
	if candidates != nil {
		if _, ok := candidates[r.ID]; !ok {
			return false
		}
	}
	if p.Service != "" && r.Service != p.Service {
		return false
	}
	if p.Level != nil && r.Level != *p.Level {
		return false
	}
	if r.Level < p.MinLevel {
		return false
	}
	if p.CorrelationID != "" && r.CorrelationID != p.CorrelationID {
		return false
	}
	if p.StartMs != 0 && r.TimestampMs < p.StartMs {
		return false
	}
	if p.EndMs != 0 && r.TimestampMs > p.EndMs {
		return false
	}
	return true
}

// resolveCursorMs finds the timestamp to compare cursors at. Producer-supplied
// timestamps can differ from the id-embedded time, so a stored cursor record
// wins; otherwise the id's embedded time is used.
func (m *Memory) resolveCursorMs(cursor record.ID) int64 {
	if cursor == 0 {
		return 0
	}
	if r, ok := m.byID[cursor]; ok {
		return r.TimestampMs
	}
	return idgen.Time(cursor).UnixMilli()
}

// GetByID returns the record with the given id.
func (m *Memory) GetByID(ctx context.Context, id record.ID) (*record.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errors.ErrStoreClosed
	}
	r, ok := m.byID[id]
	if !ok {
		return nil, errors.NewNotFound(id)
	}
	return r, nil
}

// DeleteBefore removes records older than cutoffMs from all indexes.
func (m *Memory) DeleteBefore(ctx context.Context, cutoffMs int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.ErrStoreClosed
	}

	var expired []*record.LogRecord
	m.byTime.Ascend(func(r *record.LogRecord) bool {
		if r.TimestampMs >= cutoffMs {
			return false
		}
		expired = append(expired, r)
		return true
	})

	for _, r := range expired {
		m.byTime.Delete(r)
		delete(m.byID, r.ID)

		slk := svcLevelKey{service: r.Service, level: r.Level}
		delete(m.bySvcLevel[slk], r.ID)
		if len(m.bySvcLevel[slk]) == 0 {
			delete(m.bySvcLevel, slk)
		}
		if r.CorrelationID != "" {
			delete(m.byCorrelation[r.CorrelationID], r.ID)
			if len(m.byCorrelation[r.CorrelationID]) == 0 {
				delete(m.byCorrelation, r.CorrelationID)
			}
		}
	}

	return len(expired), nil
}

// Stats returns aggregate counts over stored records.
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		TotalRecords: len(m.byID),
		PerService:   make(map[string]int),
		PerLevel:     make(map[record.Level]int),
	}
	for k, ids := range m.bySvcLevel {
		s.PerService[k.service] += len(ids)
		s.PerLevel[k.level] += len(ids)
	}
	return s, nil
}

// Close marks the store closed. Subsequent operations fail with
// ErrStoreClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
