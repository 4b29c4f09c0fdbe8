package mapping

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"sparkify/internal/config"
	"sparkify/internal/record"
)

// Predicate decides whether an event record yields fact candidates.
type Predicate func(rec record.Record) bool

// PredicateFactory builds a Predicate from its options.
type PredicateFactory func(opts config.Options) (Predicate, error)

var (
	predMu     sync.RWMutex
	predicates = map[string]PredicateFactory{}
)

// RegisterPredicate makes a predicate available by name. Registering the same
// name twice panics.
func RegisterPredicate(name string, f PredicateFactory) {
	predMu.Lock()
	defer predMu.Unlock()

	if name == "" || f == nil {
		panic("mapping: RegisterPredicate needs a name and a factory")
	}
	if _, exists := predicates[name]; exists {
		panic(fmt.Sprintf("mapping: predicate already registered: %q", name))
	}
	predicates[name] = f
}

// NewPredicate builds the named predicate.
func NewPredicate(name string, opts config.Options) (Predicate, error) {
	predMu.RLock()
	f := predicates[name]
	predMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("mapping: unknown event predicate %q (have %v)", name, PredicateNames())
	}
	return f(opts)
}

// PredicateNames lists registered predicates in sorted order.
func PredicateNames() []string {
	predMu.RLock()
	defer predMu.RUnlock()

	out := make([]string, 0, len(predicates))
	for k := range predicates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterPredicate("next_song", func(config.Options) (Predicate, error) {
		return fieldEquals("page", "NextSong"), nil
	})
	RegisterPredicate("field_equals", func(opts config.Options) (Predicate, error) {
		field := opts.String("field", "")
		if field == "" {
			return nil, fmt.Errorf("mapping: field_equals needs option \"field\"")
		}
		return fieldEquals(field, opts.String("value", "")), nil
	})
	RegisterPredicate("all", func(config.Options) (Predicate, error) {
		return func(record.Record) bool { return true }, nil
	})
}

func fieldEquals(path, want string) Predicate {
	return func(rec record.Record) bool {
		v, ok := rec.Lookup(path)
		if !ok {
			return false
		}
		switch t := v.(type) {
		case string:
			return t == want
		case json.Number:
			return t.String() == want
		case bool:
			return fmt.Sprint(t) == want
		}
		return false
	}
}
