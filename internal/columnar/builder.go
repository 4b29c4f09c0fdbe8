package columnar

import (
	"fmt"

	"sparkify/internal/config"
	"sparkify/internal/load"
	"sparkify/internal/mapping"
	"sparkify/internal/schema"
)

// Builder appends nodes to a plan. Each method returns the new node's id so
// calls can be chained into a graph; the first error is reported by Build.
type Builder struct {
	nodes []Node
	err   error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) add(n Node) string {
	for _, m := range b.nodes {
		if m.ID == n.ID && b.err == nil {
			b.err = fmt.Errorf("columnar: duplicate node id %q", n.ID)
		}
	}
	b.nodes = append(b.nodes, n)
	return n.ID
}

func (b *Builder) Scan(id, root string) string {
	return b.add(Node{ID: id, Op: OpScan, Root: root})
}

func (b *Builder) Filter(id, in, predicate string, opts config.Options) string {
	return b.add(Node{ID: id, Op: OpFilter, Inputs: []string{in}, Predicate: predicate, PredicateOptions: opts})
}

func (b *Builder) Project(id, in string, m mapping.TableMap) string {
	return b.add(Node{ID: id, Op: OpProject, Inputs: []string{in}, Map: &m, Table: m.Table})
}

// Dedupe keeps the first row per key. A non-empty reason counts the dropped rows.
func (b *Builder) Dedupe(id, in string, reason load.Reason, key ...string) string {
	return b.add(Node{ID: id, Op: OpDedupe, Inputs: []string{in}, Key: key, Reason: string(reason)})
}

func (b *Builder) Latest(id, in, version string, key ...string) string {
	return b.add(Node{ID: id, Op: OpLatest, Inputs: []string{in}, Key: key, Version: version})
}

func (b *Builder) DeriveTime(id, in, field string) string {
	return b.add(Node{ID: id, Op: OpDeriveTime, Inputs: []string{in}, Field: field})
}

func (b *Builder) Resolve(id, facts, items, creators, matcher string, tolerance float64) string {
	return b.add(Node{ID: id, Op: OpResolve, Inputs: []string{facts, items, creators}, Matcher: matcher, Tolerance: tolerance})
}

func (b *Builder) AssignIDs(id, in, column string) string {
	return b.add(Node{ID: id, Op: OpAssignIDs, Inputs: []string{in}, Column: column})
}

func (b *Builder) Write(id, in, table, partitionTime string, partitionBy ...string) string {
	return b.add(Node{ID: id, Op: OpWrite, Inputs: []string{in}, Table: table, PartitionBy: partitionBy, PartitionTime: partitionTime})
}

// Build validates and returns the plan.
func (b *Builder) Build(output string, exactlyOnce bool) (Plan, error) {
	if b.err != nil {
		return Plan{}, b.err
	}
	p := Plan{Output: output, ExactlyOnce: exactlyOnce, Nodes: append([]Node(nil), b.nodes...)}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// PlanOptions parameterize the Sparkify plan.
type PlanOptions struct {
	Catalog string
	Events  string
	Output  string

	Mapper           *mapping.Mapper
	Predicate        string
	PredicateOptions config.Options

	Matcher     string
	Tolerance   float64
	ExactlyOnce bool
}

// PlanFromConfig fills PlanOptions from the pipeline configuration.
func PlanFromConfig(cfg config.Pipeline, m *mapping.Mapper) PlanOptions {
	return PlanOptions{
		Catalog:          cfg.Source.Catalog,
		Events:           cfg.Source.Events,
		Output:           cfg.Columnar.Output,
		Mapper:           m,
		Predicate:        cfg.Mapping.EventPredicate,
		PredicateOptions: cfg.Mapping.PredicateOptions,
		Matcher:          cfg.Resolve.Matcher,
		Tolerance:        cfg.Resolve.DurationTolerance,
		ExactlyOnce:      cfg.Load.ExactlyOnce,
	}
}

// SparkifyPlan builds the full catalog and event transform. Facts depend on the
// deduplicated dimension outputs, so they are resolved after both exist.
func SparkifyPlan(o PlanOptions) (Plan, error) {
	if o.Mapper == nil {
		return Plan{}, fmt.Errorf("columnar: plan needs a mapper")
	}
	pred := o.Predicate
	if pred == "" {
		pred = "next_song"
	}
	rule := func(table string) schema.Dedupe {
		d, _ := schema.DedupeFor(table, o.ExactlyOnce)
		return d
	}

	b := NewBuilder()

	songs := b.Scan("scan_catalog", o.Catalog)
	items := b.Project("project_catalog_item", songs, o.Mapper.Map(mapping.TableCatalogItem))
	items = b.Dedupe("dedupe_catalog_item", items, "", rule(schema.CatalogItem).Key...)
	b.Write("write_catalog_item", items, schema.CatalogItem, "", "year", "creator_id")

	creators := b.Project("project_creator", songs, o.Mapper.Map(mapping.TableCreator))
	creators = b.Dedupe("dedupe_creator", creators, "", rule(schema.Creator).Key...)
	b.Write("write_creator", creators, schema.Creator, "")

	logs := b.Scan("scan_events", o.Events)
	plays := b.Filter("filter_events", logs, pred, o.PredicateOptions)

	ar := rule(schema.Actor)
	actors := b.Project("project_actor", plays, o.Mapper.Map(mapping.TableActor))
	actors = b.Latest("latest_actor", actors, ar.Version, ar.Key...)
	b.Write("write_actor", actors, schema.Actor, "")

	factMap := o.Mapper.Map(mapping.TablePlayEvent)
	times := b.DeriveTime("derive_time_point", plays, fieldPath(factMap, "ts"))
	times = b.Dedupe("dedupe_time_point", times, "", rule(schema.TimePoint).Key...)
	b.Write("write_time_point", times, schema.TimePoint, "", "year", "month")

	facts := b.Project("project_play_event", plays, factMap)
	if d, ok := schema.DedupeFor(schema.PlayEvent, o.ExactlyOnce); ok {
		facts = b.Dedupe("dedupe_play_event", facts, load.ReasonDuplicate, d.Key...)
	}
	facts = b.Resolve("resolve_play_event", facts, items, creators, o.Matcher, o.Tolerance)
	facts = b.AssignIDs("assign_play_id", facts, "play_id")
	b.Write("write_play_event", facts, schema.PlayEvent, "start_time", "year", "month")

	return b.Build(o.Output, o.ExactlyOnce)
}

// fieldPath returns the source path mapped to column, or column itself.
func fieldPath(m mapping.TableMap, column string) string {
	for _, f := range m.Fields {
		if f.Column == column {
			return f.Path
		}
	}
	return column
}
