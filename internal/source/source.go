// Package source discovers input partitions (files or objects) under a root
// location and opens them for reading.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrSourceUnavailable is returned when a root location cannot be listed or a
// partition cannot be opened. At the root it is fatal for the run.
var ErrSourceUnavailable = errors.New("source unavailable")

// Partition is one unit of input: a file under a local root or an S3 object.
type Partition struct {
	// Name is the file path or object key; it is also the partition's identity
	// in reports.
	Name string
	Size int64
}

// Source lists and opens partitions under a root.
//
// Discover returns partitions in a stable order (lexical by name) so that
// re-running over the same root processes partitions in the same order.
type Source interface {
	Root() string
	Discover(ctx context.Context) ([]Partition, error)
	Open(ctx context.Context, p Partition) (io.ReadCloser, error)
}

// Options configure New.
type Options struct {
	// Pattern is matched against the base name of each candidate (filepath.Match
	// syntax). Empty means "*.json".
	Pattern string

	// Region is the AWS region used for s3:// roots.
	Region string
}

func (o Options) pattern() string {
	if strings.TrimSpace(o.Pattern) == "" {
		return "*.json"
	}
	return o.Pattern
}

// New returns a Source for root: an S3 source for s3://bucket/prefix roots,
// otherwise a local directory source.
func New(root string, opts Options) (Source, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("source: empty root: %w", ErrSourceUnavailable)
	}
	if strings.HasPrefix(root, "s3://") {
		s, err := NewS3(root, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return NewLocal(root, opts), nil
}

func unavailable(root string, err error) error {
	return fmt.Errorf("source %s: %w: %w", root, ErrSourceUnavailable, err)
}
