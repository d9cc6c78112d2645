package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/logfeed/internal/errors"
	"github.com/xtxerr/logfeed/internal/idgen"
	"github.com/xtxerr/logfeed/internal/record"
)

// DuckDB is a SQL-backed storage engine satisfying the same contract as the
// in-memory reference. Metadata is stored as a JSON column; the (timestamp,
// id) result order is enforced by the query itself.
type DuckDB struct {
	db *sql.DB
}

// NewDuckDB opens (or creates) a DuckDB-backed store at path. An empty path
// opens an in-memory database.
func NewDuckDB(path string) (*DuckDB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS logs (
			id             BIGINT PRIMARY KEY,
			ts_ms          BIGINT NOT NULL,
			level          INTEGER NOT NULL,
			service        VARCHAR NOT NULL,
			message        VARCHAR,
			metadata       VARCHAR,
			correlation_id VARCHAR
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logs table: %w", err)
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs (ts_ms, id)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_svc_level ON logs (service, level)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_correlation ON logs (correlation_id)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			db.Close()
			return nil, fmt.Errorf("create index: %w", err)
		}
	}

	return &DuckDB{db: db}, nil
}

// Append stores a record. Duplicate ids are ignored (idempotent retry).
func (d *DuckDB) Append(ctx context.Context, r *record.LogRecord) error {
	var meta string
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return errors.Wrap(err, "encode metadata")
		}
		meta = string(b)
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO logs (id, ts_ms, level, service, message, metadata, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		int64(r.ID), r.TimestampMs, int(r.Level), r.Service, r.Message, meta, r.CorrelationID,
	)
	if err != nil {
		return errors.Wrapf(errors.ErrWriteRejected, "duckdb insert: %v", err)
	}
	return nil
}

// Query returns matching records in ascending (timestamp, id) order.
func (d *DuckDB) Query(ctx context.Context, p Predicate, page Page) ([]*record.LogRecord, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if p.StartMs != 0 {
		where = append(where, "ts_ms >= ?")
		args = append(args, p.StartMs)
	}
	if p.EndMs != 0 {
		where = append(where, "ts_ms <= ?")
		args = append(args, p.EndMs)
	}
	if p.Service != "" {
		where = append(where, "service = ?")
		args = append(args, p.Service)
	}
	if p.Level != nil {
		where = append(where, "level = ?")
		args = append(args, int(*p.Level))
	}
	if p.MinLevel > record.LevelDebug {
		where = append(where, "level >= ?")
		args = append(args, int(p.MinLevel))
	}
	if p.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, p.CorrelationID)
	}
	if page.Cursor != 0 {
		cursorMs, err := d.resolveCursorMs(ctx, page.Cursor)
		if err != nil {
			return nil, err
		}
		where = append(where, "(ts_ms > ? OR (ts_ms = ? AND id > ?))")
		args = append(args, cursorMs, cursorMs, int64(page.Cursor))
	}

	q := "SELECT id, ts_ms, level, service, message, metadata, correlation_id FROM logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts_ms, id"
	if page.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", page.Limit)
	}
	if page.Cursor == 0 && page.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", page.Offset)
	}

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "duckdb query")
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (d *DuckDB) resolveCursorMs(ctx context.Context, cursor record.ID) (int64, error) {
	var ms int64
	err := d.db.QueryRowContext(ctx,
		"SELECT ts_ms FROM logs WHERE id = ?", int64(cursor)).Scan(&ms)
	if err == sql.ErrNoRows {
		return idgen.Time(cursor).UnixMilli(), nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "resolve cursor")
	}
	return ms, nil
}

func scanRecords(rows *sql.Rows) ([]*record.LogRecord, error) {
	results := []*record.LogRecord{}
	for rows.Next() {
		var (
			id, tsMs    int64
			level       int
			service     string
			message     sql.NullString
			meta        sql.NullString
			correlation sql.NullString
		)
		if err := rows.Scan(&id, &tsMs, &level, &service, &message, &meta, &correlation); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}

		r := &record.LogRecord{
			ID:            record.ID(id),
			TimestampMs:   tsMs,
			Level:         record.Level(level),
			Service:       service,
			Message:       message.String,
			CorrelationID: correlation.String,
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				return nil, errors.Wrap(err, "decode metadata")
			}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetByID returns the record with the given id.
func (d *DuckDB) GetByID(ctx context.Context, id record.ID) (*record.LogRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, ts_ms, level, service, message, metadata, correlation_id
		FROM logs WHERE id = ?`, int64(id))
	if err != nil {
		return nil, errors.Wrap(err, "duckdb get")
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NewNotFound(id)
	}
	return records[0], nil
}

// DeleteBefore removes records older than cutoffMs.
func (d *DuckDB) DeleteBefore(ctx context.Context, cutoffMs int64) (int, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM logs WHERE ts_ms < ?", cutoffMs)
	if err != nil {
		return 0, errors.Wrap(err, "duckdb delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil // driver may not report affected rows
	}
	return int(n), nil
}

// Stats returns aggregate counts over stored records.
func (d *DuckDB) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		PerService: make(map[string]int),
		PerLevel:   make(map[record.Level]int),
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT service, level, COUNT(*) FROM logs GROUP BY service, level")
	if err != nil {
		return Stats{}, errors.Wrap(err, "duckdb stats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			service string
			level   int
			count   int
		)
		if err := rows.Scan(&service, &level, &count); err != nil {
			return Stats{}, errors.Wrap(err, "scan stats")
		}
		s.PerService[service] += count
		s.PerLevel[record.Level(level)] += count
		s.TotalRecords += count
	}
	return s, rows.Err()
}

// Close closes the underlying database.
func (d *DuckDB) Close() error {
	return d.db.Close()
}
