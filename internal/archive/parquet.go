// Package archive writes expired log records to Parquet files before the
// retention sweep deletes them from live storage, giving a cheap cold tier
// queryable by any Parquet-aware tool.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/logfeed/internal/record"
)

// Options configures the archive writer.
type Options struct {
	// Compression algorithm: zstd, snappy, lz4, gzip, none.
	Compression string
}

// DefaultOptions returns zstd-compressed archives.
func DefaultOptions() Options {
	return Options{Compression: "zstd"}
}

func codec(name string) compress.Codec {
	switch name {
	case "snappy":
		return &parquet.Snappy
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	case "none", "":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// RecordRow is the Parquet shape of one log record. Metadata is flattened to
// a JSON string column.
type RecordRow struct {
	ID            int64  `parquet:"id"`
	TimestampMs   int64  `parquet:"timestamp_ms"`
	Level         string `parquet:"level,zstd"`
	Service       string `parquet:"service,zstd"`
	Message       string `parquet:"message,zstd"`
	Metadata      string `parquet:"metadata,optional,zstd"`
	CorrelationID string `parquet:"correlation_id,optional,zstd"`
}

// ToRow converts a LogRecord to its Parquet row.
func ToRow(r *record.LogRecord) RecordRow {
	row := RecordRow{
		ID:            int64(r.ID),
		TimestampMs:   r.TimestampMs,
		Level:         r.Level.String(),
		Service:       r.Service,
		Message:       r.Message,
		CorrelationID: r.CorrelationID,
	}
	if len(r.Metadata) > 0 {
		if b, err := json.Marshal(r.Metadata); err == nil {
			row.Metadata = string(b)
		}
	}
	return row
}

// FromRow converts a Parquet row back to a LogRecord.
func FromRow(row *RecordRow) (*record.LogRecord, error) {
	level, err := record.ParseLevel(row.Level)
	if err != nil {
		return nil, err
	}
	r := &record.LogRecord{
		ID:            record.ID(row.ID),
		TimestampMs:   row.TimestampMs,
		Level:         level,
		Service:       row.Service,
		Message:       row.Message,
		CorrelationID: row.CorrelationID,
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return r, nil
}

// Archiver writes record batches into a directory, one file per sweep.
type Archiver struct {
	dir  string
	opts Options
}

// NewArchiver creates an archiver rooted at dir.
func NewArchiver(dir string, opts Options) *Archiver {
	return &Archiver{dir: dir, opts: opts}
}

// Archive writes the records to a new Parquet file named after the sweep
// time and returns its path. An empty batch writes nothing.
func (a *Archiver) Archive(records []*record.LogRecord, sweepTime time.Time) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(a.dir, 0755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	name := fmt.Sprintf("%s.parquet", sweepTime.UTC().Format("2006-01-02_15-04-05"))
	path := filepath.Join(a.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}

	writer := parquet.NewGenericWriter[RecordRow](f,
		parquet.Compression(codec(a.opts.Compression)))

	rows := make([]RecordRow, len(records))
	for i, r := range records {
		rows[i] = ToRow(r)
	}

	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		return "", fmt.Errorf("write archive rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("close archive writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}

	return path, nil
}

// ReadFile loads all records from one archive file. Used by tooling and
// tests; live queries never touch the cold tier.
func ReadFile(path string) ([]*record.LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[RecordRow](f)
	defer reader.Close()

	var out []*record.LogRecord
	buf := make([]RecordRow, 128)
	for {
		n, err := reader.Read(buf)
		for i := 0; i < n; i++ {
			r, convErr := FromRow(&buf[i])
			if convErr != nil {
				return nil, convErr
			}
			out = append(out, r)
		}
		if err != nil {
			break
		}
	}
	return out, nil
}
