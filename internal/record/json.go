package record

import (
	"fmt"

	"github.com/valyala/fastjson"

	"github.com/xtxerr/logfeed/internal/errors"
)

// Parser decodes producer-submitted JSON into RawRecords. The transport layer
// owns the bytes; this codec only understands the record shape. A Parser is
// safe for concurrent use (it pools fastjson parsers internally).
//
// Accepted shapes: a single object, or an array of objects for batches.
//
//	{"level":"WARN","service":"billing","message":"slow query",
//	 "metadata":{"table":"invoices"},"correlation_id":"...","timestamp_ms":0}
type Parser struct {
	pool fastjson.ParserPool
}

// ParseRaw decodes a single JSON object into a RawRecord.
func (p *Parser) ParseRaw(data []byte) (RawRecord, error) {
	fp := p.pool.Get()
	defer p.pool.Put(fp)

	v, err := fp.ParseBytes(data)
	if err != nil {
		return RawRecord{}, fmt.Errorf("parse record: %v: %w", err, errors.ErrInvalidRecord)
	}
	if v.Type() != fastjson.TypeObject {
		return RawRecord{}, fmt.Errorf("expected object, got %s: %w", v.Type(), errors.ErrInvalidRecord)
	}
	return rawFromValue(v)
}

// ParseRawBatch decodes a JSON array (or a single object) into RawRecords.
func (p *Parser) ParseRawBatch(data []byte) ([]RawRecord, error) {
	fp := p.pool.Get()
	defer p.pool.Put(fp)

	v, err := fp.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse batch: %v: %w", err, errors.ErrInvalidRecord)
	}

	if v.Type() != fastjson.TypeArray {
		raw, err := rawFromValue(v)
		if err != nil {
			return nil, err
		}
		return []RawRecord{raw}, nil
	}

	arr, _ := v.Array()
	raws := make([]RawRecord, 0, len(arr))
	for i, item := range arr {
		raw, err := rawFromValue(item)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d", i)
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

func rawFromValue(v *fastjson.Value) (RawRecord, error) {
	level, err := ParseLevel(string(v.GetStringBytes("level")))
	if err != nil {
		return RawRecord{}, err
	}

	raw := RawRecord{
		Level:         level,
		Service:       string(v.GetStringBytes("service")),
		Message:       string(v.GetStringBytes("message")),
		CorrelationID: string(v.GetStringBytes("correlation_id")),
		TimestampMs:   v.GetInt64("timestamp_ms"),
	}

	if meta := v.GetObject("metadata"); meta != nil {
		raw.Metadata = make(map[string]string)
		meta.Visit(func(key []byte, val *fastjson.Value) {
			if val.Type() == fastjson.TypeString {
				raw.Metadata[string(key)] = string(val.GetStringBytes())
			} else {
				raw.Metadata[string(key)] = val.String()
			}
		})
	}

	if err := raw.Validate(); err != nil {
		return RawRecord{}, err
	}
	return raw, nil
}
