// Package record defines the core log record model flowing through the
// ingestion pipeline: severity levels, the immutable LogRecord, and the
// RawRecord as submitted by producers before an id is assigned.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/logfeed/internal/errors"
)

// Level is the severity of a log record. Levels are ordered:
// DEBUG < INFO < WARN < ERROR < FATAL.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the canonical upper-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelDebug, fmt.Errorf("unknown level %q: %w", s, errors.ErrInvalidRecord)
	}
}

// ID is a globally unique, time-sortable record identifier. Numeric order
// matches creation-time order; String produces a fixed-width decimal so that
// lexicographic and numeric comparison agree.
type ID int64

// String returns the fixed-width decimal form of the id.
func (id ID) String() string {
	return fmt.Sprintf("%020d", int64(id))
}

// LogRecord is a single structured log record. Once constructed by the
// pipeline it is immutable; filters that rewrite a record operate on a copy.
type LogRecord struct {
	ID            ID
	TimestampMs   int64
	Level         Level
	Service       string
	Message       string
	Metadata      map[string]string
	CorrelationID string
}

// Timestamp returns the record timestamp as a time.Time.
func (r *LogRecord) Timestamp() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// Clone returns a deep copy of the record. Used by redacting filters, which
// must never mutate the submitted record.
func (r *LogRecord) Clone() *LogRecord {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// RawRecord is a record as submitted by a producer, before the pipeline has
// assigned an id. TimestampMs may be zero, in which case the pipeline stamps
// it at submission time. CorrelationID may be empty, in which case the
// pipeline assigns one.
type RawRecord struct {
	Level         Level
	Service       string
	Message       string
	Metadata      map[string]string
	CorrelationID string
	TimestampMs   int64
}

// Validate checks that the raw record carries the required fields.
func (r *RawRecord) Validate() error {
	if r.Service == "" {
		return errors.NewMissingField("service")
	}
	if r.Level < LevelDebug || r.Level > LevelFatal {
		return fmt.Errorf("level %d out of range: %w", int(r.Level), errors.ErrInvalidRecord)
	}
	return nil
}
