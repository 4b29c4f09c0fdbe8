package resolve

import (
	"strings"
	"testing"
)

func catalog() []Entry {
	return Build(
		[]Item{
			{ItemID: "S1", Title: "Tune", CreatorID: "A1", Duration: 200.5},
			{ItemID: "S2", Title: "Twin", CreatorID: "A2", Duration: 180},
			{ItemID: "S3", Title: "Twin", CreatorID: "A3", Duration: 180},
			{ItemID: "S4", Title: "Café Noir", CreatorID: "A4", Duration: 99.9},
			{ItemID: "S5", Title: "Orphan", CreatorID: "A9", Duration: 1},
		},
		[]Creator{
			{CreatorID: "A1", Name: "Band"},
			{CreatorID: "A2", Name: "Dup"},
			{CreatorID: "A3", Name: "Dup"},
			{CreatorID: "A4", Name: "Ｅｌｌｅ"},
		},
	)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	entries := catalog()
	if len(entries) != 4 {
		t.Fatalf("Build() len=%d, want 4 (orphan item excluded)", len(entries))
	}
	if entries[0].ItemID != "S1" || entries[0].CreatorName != "Band" {
		t.Fatalf("entries[0]=%+v", entries[0])
	}
}

func TestExact(t *testing.T) {
	t.Parallel()

	m := NewExact(catalog())
	tests := []struct {
		name string
		c    Candidate
		want Result
	}{
		{"match", Candidate{"Tune", "Band", 200.5}, Result{Outcome: Matched, ItemID: "S1", CreatorID: "A1"}},
		{"duration differs", Candidate{"Tune", "Band", 200.50001}, Result{Outcome: NotFound}},
		{"case differs", Candidate{"tune", "Band", 200.5}, Result{Outcome: NotFound}},
		{"unknown", Candidate{"Nope", "Band", 200.5}, Result{Outcome: NotFound}},
		{"ambiguous triple", Candidate{"Twin", "Dup", 180}, Result{Outcome: Ambiguous}},
		{"orphan item", Candidate{"Orphan", "", 1}, Result{Outcome: NotFound}},
	}
	for _, tc := range tests {
		if got := m.Match(tc.c); got != tc.want {
			t.Fatalf("%s: Match(%+v)=%+v, want %+v", tc.name, tc.c, got, tc.want)
		}
	}
}

func TestExact_JoinSQL(t *testing.T) {
	t.Parallel()

	var m SQLMatcher = NewExact(nil)
	q := m.JoinSQL("catalog_item", "creator")
	for _, want := range []string{"FROM catalog_item ci", "JOIN creator cr", "GROUP BY ci.title, cr.name, ci.duration", "COUNT(*) AS n"} {
		if !strings.Contains(q, want) {
			t.Fatalf("JoinSQL missing %q:\n%s", want, q)
		}
	}
}

func TestNormalized(t *testing.T) {
	t.Parallel()

	m := NewNormalized(catalog(), 0.01)
	tests := []struct {
		name string
		c    Candidate
		want Outcome
	}{
		{"case and spacing", Candidate{"  tune ", "BAND", 200.5}, Matched},
		{"within tolerance", Candidate{"Tune", "Band", 200.505}, Matched},
		{"outside tolerance", Candidate{"Tune", "Band", 200.6}, NotFound},
		{"diacritics and width", Candidate{"cafe  noir", "elle", 99.9}, Matched},
		{"still ambiguous", Candidate{"twin", "dup", 180}, Ambiguous},
	}
	for _, tc := range tests {
		if got := m.Match(tc.c).Outcome; got != tc.want {
			t.Fatalf("%s: Match(%+v)=%v, want %v", tc.name, tc.c, got, tc.want)
		}
	}
}

func TestFold(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Beyoncé":        "beyonce",
		"ＡＢＣ":            "abc",
		" Sigur   Rós ": "sigur ros",
		"STRASSE":        "strasse",
	}
	for in, want := range tests {
		if got := Fold(in); got != want {
			t.Fatalf("Fold(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()
	if Matched.String() != "matched" || NotFound.String() != "not_found" || Ambiguous.String() != "ambiguous" {
		t.Fatalf("unexpected outcome strings")
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "exact", "normalized"} {
		m, err := New(name, catalog(), 0.5)
		if err != nil {
			t.Fatalf("New(%q) err=%v", name, err)
		}
		if got := m.Match(Candidate{Title: "Tune", CreatorName: "Band", Duration: 200.5}); got.ItemID != "S1" {
			t.Fatalf("New(%q).Match()=%+v, want S1", name, got)
		}
	}
	if _, err := New("fuzzy", nil, 0); err == nil || !strings.Contains(err.Error(), "unknown matcher") {
		t.Fatalf("New(fuzzy) err=%v", err)
	}
}
