// Package resolve maps a play event's (title, creator name, duration) triple to
// catalog and creator ids.
//
// Resolution failure is a normal outcome: a Result with NotFound or Ambiguous
// tells the caller to drop the fact row and count it.
package resolve

import (
	"fmt"
	"sort"
)

// Outcome classifies a Match.
type Outcome int

const (
	NotFound Outcome = iota
	Matched
	Ambiguous
)

func (o Outcome) String() string {
	switch o {
	case NotFound:
		return "not_found"
	case Matched:
		return "matched"
	case Ambiguous:
		return "ambiguous"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Candidate is the lookup triple carried by an event.
type Candidate struct {
	Title       string
	CreatorName string
	Duration    float64
}

// Result of matching one Candidate. ItemID and CreatorID are set only when
// Outcome is Matched.
type Result struct {
	Outcome   Outcome
	ItemID    string
	CreatorID string
}

// Matcher resolves candidates against a fixed index.
type Matcher interface {
	Match(c Candidate) Result
}

// SQLMatcher is a Matcher with a set-based equivalent that staged loads can run
// inside the warehouse.
type SQLMatcher interface {
	Matcher

	// JoinSQL returns a SELECT yielding one row per distinct lookup triple with
	// columns title, name, duration, item_id, creator_id, n. item_id and
	// creator_id are meaningful only where n = 1.
	JoinSQL(catalogTable, creatorTable string) string
}

// Item is a persisted catalog_item row as seen by the resolver.
type Item struct {
	ItemID    string
	Title     string
	CreatorID string
	Duration  float64
}

// Creator is a persisted creator row as seen by the resolver.
type Creator struct {
	CreatorID string
	Name      string
}

// Entry is one resolvable (item, creator) pair.
type Entry struct {
	ItemID      string
	CreatorID   string
	Title       string
	CreatorName string
	Duration    float64
}

// Build joins items to their creators. Items whose creator is unknown cannot be
// resolved and are left out. Entries are sorted by ItemID.
func Build(items []Item, creators []Creator) []Entry {
	names := make(map[string]string, len(creators))
	for _, c := range creators {
		names[c.CreatorID] = c.Name
	}
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		name, ok := names[it.CreatorID]
		if !ok {
			continue
		}
		out = append(out, Entry{
			ItemID:      it.ItemID,
			CreatorID:   it.CreatorID,
			Title:       it.Title,
			CreatorName: name,
			Duration:    it.Duration,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// outcomeOf reduces the entries that satisfied a candidate to a Result.
func outcomeOf(hits []Entry) Result {
	switch len(hits) {
	case 0:
		return Result{Outcome: NotFound}
	case 1:
		return Result{Outcome: Matched, ItemID: hits[0].ItemID, CreatorID: hits[0].CreatorID}
	}
	first := hits[0]
	for _, h := range hits[1:] {
		if h.ItemID != first.ItemID || h.CreatorID != first.CreatorID {
			return Result{Outcome: Ambiguous}
		}
	}
	return Result{Outcome: Matched, ItemID: first.ItemID, CreatorID: first.CreatorID}
}

// New returns the matcher registered as name ("exact" or "normalized"; empty
// means exact) over entries. tolerance only applies to the normalized matcher.
func New(name string, entries []Entry, tolerance float64) (Matcher, error) {
	switch name {
	case "", "exact":
		return NewExact(entries), nil
	case "normalized":
		return NewNormalized(entries, tolerance), nil
	}
	return nil, fmt.Errorf("resolve: unknown matcher %q", name)
}
