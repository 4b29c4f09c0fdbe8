package columnar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/errgroup"

	"sparkify/internal/dedupe"
	"sparkify/internal/load"
	"sparkify/internal/logging"
	"sparkify/internal/mapping"
	"sparkify/internal/record"
	"sparkify/internal/resolve"
	"sparkify/internal/schema"
	"sparkify/internal/source"
	"sparkify/internal/timepoint"
)

// Stats are the rows written per table, the rows skipped per reason and the
// files produced by one execution.
type Stats struct {
	load.Result
	Files []string
}

// Executor runs a Plan.
type Executor interface {
	Execute(ctx context.Context, p Plan) (Stats, error)
}

// LocalExecutor runs a plan in-process. Nodes of one layer run concurrently,
// bounded by Parallelism; a layer starts only after the previous one finished.
type LocalExecutor struct {
	Parallelism int

	// NodeID seeds the snowflake generator used by assign_ids (0..1023).
	NodeID int64

	Source source.Options
	Reader record.Options

	// Sink receives write nodes. Nil means NewSink(plan.Output, Source.Region).
	Sink Sink

	Logger logging.Printf
}

var _ Executor = (*LocalExecutor)(nil)

func (e *LocalExecutor) logf(format string, v ...any) {
	logging.OrDiscard(e.Logger).Printf(format, v...)
}

// run is the state of one Execute call.
type run struct {
	ids  *snowflake.Node
	sink Sink

	mu      sync.Mutex
	outputs map[string][]mapping.Row
	stats   Stats
}

func (r *run) skip(reason load.Reason, n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.stats.Skipped[reason] += int64(n)
	r.mu.Unlock()
}

func (r *run) input(id string) []mapping.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[id]
}

// Execute validates p and runs it layer by layer. The first failing node
// cancels the rest of its layer and the run.
func (e *LocalExecutor) Execute(ctx context.Context, p Plan) (Stats, error) {
	if err := p.Validate(); err != nil {
		return Stats{}, err
	}
	ids, err := snowflake.NewNode(e.NodeID)
	if err != nil {
		return Stats{}, fmt.Errorf("columnar: id generator: %w", err)
	}
	sink := e.Sink
	if sink == nil {
		if sink, err = NewSink(p.Output, e.Source.Region); err != nil {
			return Stats{}, err
		}
	}

	r := &run{
		ids:     ids,
		sink:    sink,
		outputs: make(map[string][]mapping.Row, len(p.Nodes)),
		stats:   Stats{Result: load.NewResult()},
	}

	limit := e.Parallelism
	if limit <= 0 {
		limit = 1
	}
	for depth, layer := range p.Layers() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, i := range layer {
			n := p.Nodes[i]
			g.Go(func() error {
				start := time.Now()
				out, err := e.runNode(gctx, r, p, n)
				if err != nil {
					return fmt.Errorf("columnar: node %s (%s): %w", n.ID, n.Op, err)
				}
				r.mu.Lock()
				r.outputs[n.ID] = out
				r.mu.Unlock()
				e.logf("stage=columnar node=%s op=%s layer=%d rows=%d duration=%s",
					n.ID, n.Op, depth, len(out), time.Since(start).Truncate(time.Millisecond))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return r.stats, err
		}
	}
	sort.Strings(r.stats.Files)
	return r.stats, nil
}

func (e *LocalExecutor) runNode(ctx context.Context, r *run, p Plan, n Node) ([]mapping.Row, error) {
	in := make([][]mapping.Row, len(n.Inputs))
	for i, id := range n.Inputs {
		in[i] = r.input(id)
	}

	switch n.Op {
	case OpScan:
		return e.scan(ctx, r, n)
	case OpFilter:
		return filter(n, in[0])
	case OpProject:
		return project(r, n, in[0])
	case OpDedupe:
		out := dedupeBy(n.Key, in[0])
		if n.Reason != "" {
			r.skip(load.Reason(n.Reason), len(in[0])-len(out))
		}
		return out, nil
	case OpLatest:
		version := func(row mapping.Row) int64 {
			v, _ := row[n.Version].(int64)
			return v
		}
		return dedupe.Apply(dedupe.MostRecent, in[0], keyFunc(n.Key), version), nil
	case OpDeriveTime:
		return deriveTime(n, in[0])
	case OpResolve:
		return resolveFacts(r, n, in[0], in[1], in[2])
	case OpAssignIDs:
		out := make([]mapping.Row, len(in[0]))
		for i, row := range in[0] {
			c := copyRow(row)
			c[n.Column] = r.ids.Generate().Int64()
			out[i] = c
		}
		return out, nil
	case OpWrite:
		return nil, e.write(ctx, r, p, n, in[0])
	}
	return nil, fmt.Errorf("unknown op %q", n.Op)
}

// scan reads every partition under n.Root. Rows are the raw decoded objects.
func (e *LocalExecutor) scan(ctx context.Context, r *run, n Node) ([]mapping.Row, error) {
	src, err := source.New(n.Root, e.Source)
	if err != nil {
		return nil, err
	}
	parts, err := src.Discover(ctx)
	if err != nil {
		return nil, err
	}

	reader := record.NewReader(e.Reader)
	var out []mapping.Row
	for _, part := range parts {
		rc, err := src.Open(ctx, part)
		if err != nil {
			return nil, err
		}
		st, err := reader.Read(ctx, rc, func(rec record.Record) error {
			out = append(out, mapping.Row(rec.Fields))
			return nil
		})
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", part.Name, err)
		}
		r.skip(load.ReasonMalformed, st.Skipped)
	}
	return out, nil
}

func filter(n Node, rows []mapping.Row) ([]mapping.Row, error) {
	pred, err := mapping.NewPredicate(n.Predicate, n.PredicateOptions)
	if err != nil {
		return nil, err
	}
	var out []mapping.Row
	for _, row := range rows {
		if pred(record.Record{Fields: row}) {
			out = append(out, row)
		}
	}
	return out, nil
}

// project maps raw rows through n.Map. Fact rows also get their event key.
func project(r *run, n Node, rows []mapping.Row) ([]mapping.Row, error) {
	var out []mapping.Row
	var malformed, missing int
	for _, raw := range rows {
		row, err := n.Map.Apply(record.Record{Fields: raw})
		if err != nil {
			if errors.Is(err, record.ErrMalformedRecord) {
				malformed++
				continue
			}
			return nil, err
		}
		if !n.Map.Complete(row) {
			missing++
			continue
		}
		if n.Map.Table == mapping.TablePlayEvent {
			row["event_key"] = mapping.EventKey(row)
		}
		out = append(out, row)
	}
	r.skip(load.ReasonMalformed, malformed)
	r.skip(load.ReasonMissingKey, missing)
	return out, nil
}

func keyFunc(cols []string) func(mapping.Row) string {
	return func(row mapping.Row) string {
		parts := make([]any, len(cols))
		for i, c := range cols {
			parts[i] = row[c]
		}
		return dedupe.Key(parts...)
	}
}

func dedupeBy(cols []string, rows []mapping.Row) []mapping.Row {
	return dedupe.Apply(dedupe.FirstOccurrence, rows, keyFunc(cols), nil)
}

// deriveTime emits one time_point row per raw row whose n.Field holds an
// epoch-millisecond timestamp.
func deriveTime(n Node, rows []mapping.Row) ([]mapping.Row, error) {
	tm := mapping.TableMap{
		Table:  mapping.TableTimePoint,
		Fields: []mapping.FieldMap{{Column: "ts", Path: n.Field, Type: mapping.TypeBigint}},
	}
	var out []mapping.Row
	for _, raw := range rows {
		row, err := tm.Apply(record.Record{Fields: raw})
		if err != nil {
			continue
		}
		if ts, ok := row["ts"].(int64); ok {
			out = append(out, mapping.TimeRow(timepoint.Derive(ts)))
		}
	}
	return out, nil
}

// resolveFacts sets item_id and creator_id on facts that match exactly one
// catalog entry and drops the rest.
func resolveFacts(r *run, n Node, facts, items, creators []mapping.Row) ([]mapping.Row, error) {
	m, err := resolve.New(n.Matcher, entriesOf(items, creators), n.Tolerance)
	if err != nil {
		return nil, err
	}
	var out []mapping.Row
	var unresolved, ambiguous int
	for _, f := range facts {
		title, okT := f["song_title"].(string)
		name, okN := f["artist_name"].(string)
		length, okL := f["length"].(float64)
		if !okT || !okN || !okL {
			unresolved++
			continue
		}
		res := m.Match(resolve.Candidate{Title: title, CreatorName: name, Duration: length})
		switch res.Outcome {
		case resolve.Matched:
			c := copyRow(f)
			c["item_id"] = res.ItemID
			c["creator_id"] = res.CreatorID
			out = append(out, c)
		case resolve.Ambiguous:
			ambiguous++
		default:
			unresolved++
		}
	}
	r.skip(load.ReasonUnresolved, unresolved)
	r.skip(load.ReasonAmbiguous, ambiguous)
	return out, nil
}

func entriesOf(items, creators []mapping.Row) []resolve.Entry {
	var its []resolve.Item
	for _, row := range items {
		title, okT := row["title"].(string)
		dur, okD := row["duration"].(float64)
		if !okT || !okD {
			continue
		}
		id, _ := row["item_id"].(string)
		creator, _ := row["creator_id"].(string)
		its = append(its, resolve.Item{ItemID: id, Title: title, CreatorID: creator, Duration: dur})
	}
	var crs []resolve.Creator
	for _, row := range creators {
		name, ok := row["name"].(string)
		if !ok {
			continue
		}
		id, _ := row["creator_id"].(string)
		crs = append(crs, resolve.Creator{CreatorID: id, Name: name})
	}
	return resolve.Build(its, crs)
}

func (e *LocalExecutor) write(ctx context.Context, r *run, p Plan, n Node, rows []mapping.Row) error {
	spec, ok := schema.Lookup(n.Table, p.ExactlyOnce)
	if !ok {
		return fmt.Errorf("unknown table %q", n.Table)
	}
	parts := partitionRows(n, rows)
	files, err := r.sink.WriteTable(ctx, spec, parts)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if len(rows) > 0 {
		r.stats.Loaded[n.Table] += int64(len(rows))
	}
	r.stats.Files = append(r.stats.Files, files...)
	r.mu.Unlock()
	return nil
}

func copyRow(row mapping.Row) mapping.Row {
	c := make(mapping.Row, len(row)+2)
	for k, v := range row {
		c[k] = v
	}
	return c
}
