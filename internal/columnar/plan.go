// Package columnar expresses the Sparkify transform as a graph of declarative
// operations and runs it into partitioned parquet files.
//
// A Plan only describes what to compute. LocalExecutor runs it in-process; the
// JSON form of a Plan can be handed to any other executor.
package columnar

import (
	"encoding/json"
	"fmt"

	"sparkify/internal/config"
	"sparkify/internal/mapping"
)

// Op is the kind of a plan node.
type Op string

const (
	OpScan       Op = "scan"        // read every record under Root
	OpFilter     Op = "filter"      // keep records accepted by Predicate
	OpProject    Op = "project"     // apply Map; incomplete rows are dropped
	OpDedupe     Op = "dedupe"      // first row per Key
	OpLatest     Op = "latest"      // highest Version per Key
	OpDeriveTime Op = "derive_time" // time_point rows from the epoch-ms at Field
	OpResolve    Op = "resolve"     // inputs: facts, items, creators
	OpAssignIDs  Op = "assign_ids"  // unique int64 in Column
	OpWrite      Op = "write"       // parquet files for Table
)

// arity is the number of inputs each op takes.
var arity = map[Op]int{
	OpScan:       0,
	OpFilter:     1,
	OpProject:    1,
	OpDedupe:     1,
	OpLatest:     1,
	OpDeriveTime: 1,
	OpResolve:    3,
	OpAssignIDs:  1,
	OpWrite:      1,
}

// Node is one operation. Only the fields relevant to Op are set.
type Node struct {
	ID     string   `json:"id"`
	Op     Op       `json:"op"`
	Inputs []string `json:"inputs,omitempty"`

	Root string `json:"root,omitempty"`

	Predicate        string         `json:"predicate,omitempty"`
	PredicateOptions config.Options `json:"predicate_options,omitempty"`

	Map *mapping.TableMap `json:"map,omitempty"`

	Key     []string `json:"key,omitempty"`
	Version string   `json:"version,omitempty"`
	// Reason, when set on a dedupe node, counts dropped rows as skipped.
	Reason string `json:"reason,omitempty"`

	Field string `json:"field,omitempty"`

	Matcher   string  `json:"matcher,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty"`

	Column string `json:"column,omitempty"`

	Table       string   `json:"table,omitempty"`
	PartitionBy []string `json:"partition_by,omitempty"`
	// PartitionTime names a timestamp column from which year and month partition
	// values are derived when the row has no such columns.
	PartitionTime string `json:"partition_time,omitempty"`
}

// Plan is a DAG of nodes in dependency order: every input precedes its consumer.
type Plan struct {
	Output      string `json:"output"`
	ExactlyOnce bool   `json:"exactly_once,omitempty"`
	Nodes       []Node `json:"nodes"`
}

// Validate checks ids, op arity and that inputs refer to earlier nodes, which
// also rules out cycles.
func (p Plan) Validate() error {
	if p.Output == "" {
		return fmt.Errorf("columnar: plan has no output")
	}
	seen := make(map[string]bool, len(p.Nodes))
	for i, n := range p.Nodes {
		if n.ID == "" {
			return fmt.Errorf("columnar: node %d has no id", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("columnar: duplicate node id %q", n.ID)
		}
		want, ok := arity[n.Op]
		if !ok {
			return fmt.Errorf("columnar: node %s: unknown op %q", n.ID, n.Op)
		}
		if len(n.Inputs) != want {
			return fmt.Errorf("columnar: node %s: %s takes %d inputs, got %d", n.ID, n.Op, want, len(n.Inputs))
		}
		for _, in := range n.Inputs {
			if !seen[in] {
				return fmt.Errorf("columnar: node %s: input %q is not defined before it", n.ID, in)
			}
		}
		if err := n.validate(); err != nil {
			return fmt.Errorf("columnar: node %s: %w", n.ID, err)
		}
		seen[n.ID] = true
	}
	return nil
}

func (n Node) validate() error {
	switch n.Op {
	case OpScan:
		if n.Root == "" {
			return fmt.Errorf("scan needs a root")
		}
	case OpFilter:
		if n.Predicate == "" {
			return fmt.Errorf("filter needs a predicate")
		}
	case OpProject:
		if n.Map == nil {
			return fmt.Errorf("project needs a field map")
		}
		return n.Map.Validate()
	case OpDedupe:
		if len(n.Key) == 0 {
			return fmt.Errorf("dedupe needs a key")
		}
	case OpLatest:
		if len(n.Key) == 0 || n.Version == "" {
			return fmt.Errorf("latest needs a key and a version")
		}
	case OpDeriveTime:
		if n.Field == "" {
			return fmt.Errorf("derive_time needs a field")
		}
	case OpAssignIDs:
		if n.Column == "" {
			return fmt.Errorf("assign_ids needs a column")
		}
	case OpWrite:
		if n.Table == "" {
			return fmt.Errorf("write needs a table")
		}
	}
	return nil
}

// Layers groups node indexes by depth. Nodes in one layer do not depend on each
// other; every node's inputs are in earlier layers. Call Validate first.
func (p Plan) Layers() [][]int {
	depth := make(map[string]int, len(p.Nodes))
	var layers [][]int
	for i, n := range p.Nodes {
		d := 0
		for _, in := range n.Inputs {
			if depth[in]+1 > d {
				d = depth[in] + 1
			}
		}
		depth[n.ID] = d
		for len(layers) <= d {
			layers = append(layers, nil)
		}
		layers[d] = append(layers[d], i)
	}
	return layers
}

// JSON renders the plan for hand-off to another executor.
func (p Plan) JSON() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}

// ParsePlan decodes and validates a plan produced by JSON.
func ParsePlan(b []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return Plan{}, fmt.Errorf("columnar: decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}
