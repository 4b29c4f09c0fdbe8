// Package pipeline sequences reader, mapper and loader over the input
// partitions and reports what each partition did.
//
// Partitions are processed one at a time, each in its own load transaction. A
// failing partition is logged and reported; the run continues with the next one
// and Run returns ErrPartitionsFailed at the end. An unreadable input root aborts
// the run.
//
// Dimensions are upserted on their natural keys, so reruns leave them as they
// were. Facts are delivered at least once: re-running over the same input appends
// every play_event again unless load.exactly_once is set, in which case
// event_key is unique and already-loaded events are skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"sparkify/internal/load"
	"sparkify/internal/logging"
	"sparkify/internal/mapping"
	"sparkify/internal/metrics"
	"sparkify/internal/record"
	"sparkify/internal/source"
)

// ErrPartitionsFailed is returned after a run in which at least one partition
// failed. The Summary is still complete.
var ErrPartitionsFailed = errors.New("one or more partitions failed")

// Phases.
const (
	PhaseCatalog = "catalog"
	PhaseEvents  = "events"
	PhaseColumn  = "columnar"
)

// PartitionReport is the outcome of one partition.
type PartitionReport struct {
	Phase     string
	Partition string

	// Attempted counts the records read; for events only those passing the
	// predicate.
	Attempted int
	Result    load.Result
	Err       error
	Duration  time.Duration
}

// Summary is the end-of-run report.
type Summary struct {
	RunID      string
	Partitions []PartitionReport
	Totals     load.Result
	Files      []string
}

func newSummary(runID string) Summary {
	return Summary{RunID: runID, Totals: load.NewResult()}
}

func (s *Summary) add(r PartitionReport) {
	s.Partitions = append(s.Partitions, r)
	if r.Err == nil {
		s.Totals.Merge(r.Result)
	}
}

func (s *Summary) merge(o Summary) {
	for _, r := range o.Partitions {
		s.add(r)
	}
	s.Files = append(s.Files, o.Files...)
}

// Failed returns the number of failed partitions.
func (s Summary) Failed() int {
	n := 0
	for _, r := range s.Partitions {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// OK returns the number of partitions that loaded.
func (s Summary) OK() int { return len(s.Partitions) - s.Failed() }

// Write renders the summary, one line per failed partition followed by totals.
func (s Summary) Write(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run=%s partitions_ok=%d partitions_failed=%d\n", s.RunID, s.OK(), s.Failed())
	for _, r := range s.Partitions {
		if r.Err != nil {
			fmt.Fprintf(&b, "failed phase=%s partition=%s err=%v\n", r.Phase, r.Partition, r.Err)
		}
	}
	tables := make([]string, 0, len(s.Totals.Loaded))
	for t := range s.Totals.Loaded {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		fmt.Fprintf(&b, "rows table=%s loaded=%d\n", t, s.Totals.Loaded[t])
	}
	reasons := make([]string, 0, len(s.Totals.Skipped))
	for r := range s.Totals.Skipped {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(&b, "skipped reason=%s rows=%d\n", r, s.Totals.Skipped[load.Reason(r)])
	}
	if len(s.Files) > 0 {
		fmt.Fprintf(&b, "files=%d\n", len(s.Files))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (s Summary) String() string {
	var b strings.Builder
	_ = s.Write(&b)
	return b.String()
}

// Driver runs the transactional and staged variants.
//
// A Driver does not remember earlier runs. Running it twice over the same
// partitions duplicates play_event rows unless the Loader was built with
// load.Options.ExactlyOnce.
type Driver struct {
	Loader  load.Loader
	Mapper  *mapping.Mapper
	Catalog source.Source
	Events  source.Source
	Reader  record.Options
	Logger  logging.Printf

	// RunID tags log lines and the summary. Empty means a new UUID per Driver.
	RunID string
}

func (d *Driver) runID() string {
	if d.RunID == "" {
		d.RunID = uuid.NewString()
	}
	return d.RunID
}

func (d *Driver) logf(format string, v ...any) {
	logging.With(d.Logger, "run", d.runID()).Printf(format, v...)
}

// Run loads every catalog partition, then every event partition.
//
// Fact delivery is at-least-once; see the package doc for rerun behaviour.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	sum := newSummary(d.runID())
	dims, err := d.LoadDimensions(ctx)
	sum.merge(dims)
	if err != nil && !errors.Is(err, ErrPartitionsFailed) {
		return sum, err
	}
	facts, err := d.LoadFacts(ctx)
	sum.merge(facts)
	if err != nil && !errors.Is(err, ErrPartitionsFailed) {
		return sum, err
	}
	return sum, d.finish(sum)
}

// LoadDimensions loads catalog_item and creator from the catalog partitions.
func (d *Driver) LoadDimensions(ctx context.Context) (Summary, error) {
	sum := newSummary(d.runID())
	if err := d.Loader.EnsureTables(ctx); err != nil {
		return sum, fmt.Errorf("pipeline: ensure tables: %w", err)
	}
	parts, err := d.discover(ctx, d.Catalog)
	if err != nil {
		return sum, err
	}
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.add(d.catalogPartition(ctx, p))
	}
	return sum, d.finish(sum)
}

// LoadFacts loads actor, time_point and play_event from the event partitions.
// The key resolver sees the dimensions persisted before the call.
func (d *Driver) LoadFacts(ctx context.Context) (Summary, error) {
	sum := newSummary(d.runID())
	if err := d.Loader.EnsureTables(ctx); err != nil {
		return sum, fmt.Errorf("pipeline: ensure tables: %w", err)
	}
	parts, err := d.discover(ctx, d.Events)
	if err != nil {
		return sum, err
	}
	if err := d.Loader.PrepareFacts(ctx); err != nil {
		return sum, fmt.Errorf("pipeline: prepare facts: %w", err)
	}
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.add(d.eventPartition(ctx, p))
	}
	return sum, d.finish(sum)
}

func (d *Driver) finish(sum Summary) error {
	if sum.Failed() > 0 {
		return fmt.Errorf("%w: %d of %d", ErrPartitionsFailed, sum.Failed(), len(sum.Partitions))
	}
	return nil
}

func (d *Driver) discover(ctx context.Context, src source.Source) ([]source.Partition, error) {
	start := time.Now()
	parts, err := src.Discover(ctx)
	metrics.RecordStep("discover", start, err)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	d.logf("stage=discover root=%s partitions=%d", src.Root(), len(parts))
	return parts, nil
}

func (d *Driver) catalogPartition(ctx context.Context, p source.Partition) PartitionReport {
	rep := PartitionReport{Phase: PhaseCatalog, Partition: p.Name, Result: load.NewResult()}
	var rows []mapping.CatalogRows
	rep.Err = d.read(ctx, d.Catalog, p, &rep, func(rec record.Record) error {
		r, err := d.Mapper.MapCatalog(rec)
		if err != nil {
			return err
		}
		rep.Attempted++
		countMissing(rep.Result, r.Missing)
		rows = append(rows, r)
		return nil
	})
	if rep.Err == nil {
		var res load.Result
		res, rep.Err = d.Loader.LoadCatalog(ctx, p.Name, rows)
		rep.Result.Merge(res)
	}
	return d.report(rep)
}

func (d *Driver) eventPartition(ctx context.Context, p source.Partition) PartitionReport {
	rep := PartitionReport{Phase: PhaseEvents, Partition: p.Name, Result: load.NewResult()}
	var rows []mapping.EventRows
	rep.Err = d.read(ctx, d.Events, p, &rep, func(rec record.Record) error {
		r, ok, err := d.Mapper.MapEvent(rec)
		if err != nil || !ok {
			return err
		}
		rep.Attempted++
		countMissing(rep.Result, r.Missing)
		rows = append(rows, r)
		return nil
	})
	if rep.Err == nil {
		var res load.Result
		res, rep.Err = d.Loader.LoadEvents(ctx, p.Name, rows)
		rep.Result.Merge(res)
	}
	return d.report(rep)
}

// read decodes one partition; malformed records are counted on rep.
func (d *Driver) read(ctx context.Context, src source.Source, p source.Partition, rep *PartitionReport, fn func(record.Record) error) error {
	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	rc, err := src.Open(ctx, p)
	if err != nil {
		return err
	}
	defer rc.Close()

	st, err := record.NewReader(d.Reader).Read(ctx, rc, fn)
	if st.Skipped > 0 {
		rep.Result.Skipped[load.ReasonMalformed] += int64(st.Skipped)
	}
	return err
}

func countMissing(res load.Result, tables []string) {
	if len(tables) > 0 {
		res.Skipped[load.ReasonMissingKey] += int64(len(tables))
	}
}

func (d *Driver) report(rep PartitionReport) PartitionReport {
	status := "ok"
	if rep.Err != nil {
		status = "failed"
		d.logf("stage=partition phase=%s partition=%s status=failed err=%v", rep.Phase, rep.Partition, rep.Err)
	} else {
		d.logf("stage=partition phase=%s partition=%s status=ok attempted=%d %s", rep.Phase, rep.Partition, rep.Attempted, rep.Result)
		for t, n := range rep.Result.Loaded {
			metrics.AddRows(t, "loaded", n)
		}
		for reason, n := range rep.Result.Skipped {
			metrics.AddRows(rep.Phase, string(reason), n)
		}
	}
	metrics.AddPartition(rep.Phase, status)
	return rep
}
