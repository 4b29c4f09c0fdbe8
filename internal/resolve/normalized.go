package resolve

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

type foldedKey struct {
	title string
	name  string
}

// Normalized matches case-, width- and diacritic-insensitively on title and
// creator name, and accepts durations within an absolute tolerance.
type Normalized struct {
	tolerance float64
	index     map[foldedKey][]Entry
}

// NewNormalized indexes entries for folded lookup. A negative tolerance is
// treated as zero.
func NewNormalized(entries []Entry, tolerance float64) *Normalized {
	if tolerance < 0 {
		tolerance = 0
	}
	idx := make(map[foldedKey][]Entry, len(entries))
	for _, e := range entries {
		k := foldedKey{title: Fold(e.Title), name: Fold(e.CreatorName)}
		idx[k] = append(idx[k], e)
	}
	return &Normalized{tolerance: tolerance, index: idx}
}

// Match implements Matcher.
func (n *Normalized) Match(c Candidate) Result {
	bucket := n.index[foldedKey{title: Fold(c.Title), name: Fold(c.CreatorName)}]
	var hits []Entry
	for _, e := range bucket {
		if math.Abs(e.Duration-c.Duration) <= n.tolerance {
			hits = append(hits, e)
		}
	}
	return outcomeOf(hits)
}

// Fold returns the comparison form of s: full-width forms narrowed, diacritics
// removed, case folded and inner whitespace collapsed.
func Fold(s string) string {
	t := transform.Chain(
		width.Fold,
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
		cases.Fold(),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}
