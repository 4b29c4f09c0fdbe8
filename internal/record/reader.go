// Package record reads raw nested records, one JSON object per line.
package record

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedRecord marks a line that is not exactly one JSON object, or a
	// record whose fields cannot be cast to their target types. Lenient readers
	// skip and count it; strict readers fail on it.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrSkipThreshold is returned when the malformed share of a partition
	// exceeds Options.MaxSkipRate.
	ErrSkipThreshold = errors.New("malformed record rate above threshold")
)

// Record is one decoded input object. Numbers are json.Number.
type Record struct {
	Line   int
	Fields map[string]any
}

// Lookup resolves a dotted path ("a.b.c") through nested objects.
func (r Record) Lookup(path string) (any, bool) {
	var cur any = r.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Options control malformed-record handling.
type Options struct {
	// Strict fails on the first malformed record.
	Strict bool

	// MaxSkipRate, when > 0, fails the read if skipped/(read+skipped) exceeds it.
	// Ignored in strict mode.
	MaxSkipRate float64

	// OnSkip, if set, is called for every skipped line.
	OnSkip func(line int, err error)
}

// Stats counts what one Read saw.
type Stats struct {
	Read    int
	Skipped int
}

// Reader reads JSON-lines input.
type Reader struct {
	opts Options
}

// NewReader returns a Reader with opts.
func NewReader(opts Options) *Reader {
	return &Reader{opts: opts}
}

// Read decodes in line by line and calls fn for every record. Blank lines are
// ignored. Reading the same bytes again yields the same records.
//
// fn may return an error wrapping ErrMalformedRecord to reject a record it cannot
// map; that record is then handled like an undecodable line. Any other error from
// fn aborts the read.
func (r *Reader) Read(ctx context.Context, in io.Reader, fn func(Record) error) (Stats, error) {
	var st Stats
	br := bufio.NewReaderSize(in, 64*1024)

	skip := func(line int, err error) error {
		if r.opts.Strict {
			return fmt.Errorf("line %d: %w", line, err)
		}
		st.Skipped++
		if r.opts.OnSkip != nil {
			r.opts.OnSkip(line, err)
		}
		return nil
	}

	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		raw, readErr := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				rec, err := decodeLine(trimmed)
				if err != nil {
					if err := skip(line, err); err != nil {
						return st, err
					}
				} else {
					rec.Line = line
					if err := fn(rec); err != nil {
						if !errors.Is(err, ErrMalformedRecord) {
							return st, fmt.Errorf("line %d: %w", line, err)
						}
						if err := skip(line, err); err != nil {
							return st, err
						}
					} else {
						st.Read++
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return st, fmt.Errorf("read line %d: %w", line+1, readErr)
		}
	}

	if !r.opts.Strict && r.opts.MaxSkipRate > 0 {
		total := st.Read + st.Skipped
		if total > 0 && float64(st.Skipped)/float64(total) > r.opts.MaxSkipRate {
			return st, fmt.Errorf("%w: skipped %d of %d (max %.4f)", ErrSkipThreshold, st.Skipped, total, r.opts.MaxSkipRate)
		}
	}
	return st, nil
}

// decodeLine decodes exactly one JSON object from b.
func decodeLine(b []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if obj == nil {
		return Record{}, fmt.Errorf("%w: not a JSON object", ErrMalformedRecord)
	}
	if dec.More() {
		return Record{}, fmt.Errorf("%w: trailing data after object", ErrMalformedRecord)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Record{}, fmt.Errorf("%w: trailing data after object", ErrMalformedRecord)
	}
	return Record{Fields: obj}, nil
}
