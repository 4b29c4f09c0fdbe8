// Package load writes mapped candidate rows into a storage.Repository.
//
// Two loaders share one contract:
//   - Transactional upserts deduplicated rows batch by batch inside one
//     transaction per partition, recovering from constraint violations row by row.
//   - Staged bulk-loads raw-shaped rows into the staging pair and merges them into
//     the targets with set-based statements.
//
// Both produce the same table contents for the same input.
package load

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sparkify/internal/dedupe"
	"sparkify/internal/logging"
	"sparkify/internal/mapping"
	"sparkify/internal/schema"
	"sparkify/internal/storage"
)

// Reason is why a candidate row was not loaded.
type Reason string

const (
	ReasonMalformed  Reason = "malformed"
	ReasonMissingKey Reason = "missing_key"
	ReasonUnresolved Reason = "unresolved"
	ReasonAmbiguous  Reason = "ambiguous"
	ReasonConstraint Reason = "constraint_violation"
	ReasonDuplicate  Reason = "duplicate"
)

// DefaultBatchSize is the number of rows written per statement.
const DefaultBatchSize = 500

// Result counts what one partition load wrote and skipped.
type Result struct {
	Loaded  map[string]int64
	Skipped map[Reason]int64
}

// NewResult returns an empty Result.
func NewResult() Result {
	return Result{Loaded: map[string]int64{}, Skipped: map[Reason]int64{}}
}

func (r Result) load(table string, n int64) {
	if n > 0 {
		r.Loaded[table] += n
	}
}

func (r Result) skip(reason Reason, n int64) {
	if n > 0 {
		r.Skipped[reason] += n
	}
}

// Merge adds o's counts to r.
func (r Result) Merge(o Result) {
	for k, v := range o.Loaded {
		r.Loaded[k] += v
	}
	for k, v := range o.Skipped {
		r.Skipped[k] += v
	}
}

// Total returns the number of rows loaded across tables.
func (r Result) Total() int64 {
	var n int64
	for _, v := range r.Loaded {
		n += v
	}
	return n
}

// String renders counts in a stable order, e.g. "actor=3 play_event=2".
func (r Result) String() string {
	var parts []string
	for _, k := range sortedKeys(r.Loaded) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, r.Loaded[k]))
	}
	skipped := make(map[string]int64, len(r.Skipped))
	for k, v := range r.Skipped {
		skipped["skip_"+string(k)] = v
	}
	for _, k := range sortedKeys(skipped) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, skipped[k]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Loader writes one partition's candidates per call, in its own transaction.
type Loader interface {
	// EnsureTables creates every target (and staging) table.
	EnsureTables(ctx context.Context) error

	// LoadCatalog writes catalog_item and creator candidates.
	LoadCatalog(ctx context.Context, partition string, rows []mapping.CatalogRows) (Result, error)

	// PrepareFacts is called once before the event partitions of a run; the key
	// resolver sees the dimensions persisted at that point.
	PrepareFacts(ctx context.Context) error

	// LoadEvents writes actor, time_point and play_event candidates.
	LoadEvents(ctx context.Context, partition string, rows []mapping.EventRows) (Result, error)
}

// Options are shared by both loaders.
type Options struct {
	BatchSize   int
	ExactlyOnce bool
	Logger      logging.Printf
}

func (o Options) batchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// finish commits tx when err is nil and rolls it back otherwise.
func finish(ctx context.Context, tx storage.Tx, err error) error {
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("load: commit: %w", err)
	}
	return nil
}

func catalogCandidates(rows []mapping.CatalogRows) (items, creators []mapping.Row) {
	for _, r := range rows {
		if r.Item != nil {
			items = append(items, r.Item)
		}
		if r.Creator != nil {
			creators = append(creators, r.Creator)
		}
	}
	return items, creators
}

func eventCandidates(rows []mapping.EventRows) (actors, times, facts []mapping.Row) {
	for _, r := range rows {
		if r.Actor != nil {
			actors = append(actors, r.Actor)
		}
		if r.Time != nil {
			times = append(times, mapping.TimeRow(*r.Time))
		}
		if r.Fact != nil {
			facts = append(facts, r.Fact)
		}
	}
	return actors, times, facts
}

// dedupeRows applies the table's declared deduplication rule, if any.
func dedupeRows(table string, exactlyOnce bool, rows []mapping.Row) []mapping.Row {
	d, ok := schema.DedupeFor(table, exactlyOnce)
	if !ok {
		return rows
	}
	key := func(r mapping.Row) string {
		parts := make([]any, len(d.Key))
		for i, k := range d.Key {
			parts[i] = r[k]
		}
		return dedupe.Key(parts...)
	}
	var version func(mapping.Row) int64
	if d.Version != "" {
		version = func(r mapping.Row) int64 {
			v, _ := r[d.Version].(int64)
			return v
		}
	}
	return dedupe.Apply(d.Policy, rows, key, version)
}

func valuesOf(spec storage.TableSpec, rows []mapping.Row) [][]any {
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = schema.Values(spec, r)
	}
	return out
}
