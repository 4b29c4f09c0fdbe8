package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sparkify/internal/mapping"
	"sparkify/internal/storage"
	"sparkify/internal/timepoint"
)

func TestSpecsValidate(t *testing.T) {
	t.Parallel()
	for _, exactlyOnce := range []bool{false, true} {
		for _, spec := range All(exactlyOnce) {
			require.NoError(t, spec.Validate(), spec.Name)
		}
	}
	require.Empty(t, PlayEventSpec(false).Key)
	require.Equal(t, storage.AppendOnly, PlayEventSpec(false).Policy)
	require.Equal(t, []string{"event_key"}, PlayEventSpec(true).Key)
	require.Equal(t, storage.InsertIgnore, PlayEventSpec(true).Policy)
}

func TestStagingRowsMatchSpecs(t *testing.T) {
	t.Parallel()

	c := CatalogStagingRow(1, mapping.CatalogRows{Item: mapping.Row{"item_id": "S1"}})
	require.Len(t, c, len(StagingCatalogSpec().InsertColumns()))
	require.Equal(t, int64(1), c[1], "item_ok")
	require.Equal(t, int64(0), c[7], "creator_ok")

	p := timepoint.Derive(1000000000000)
	e := EventStagingRow(2, mapping.EventRows{Time: &p, Fact: mapping.Row{"event_key": "k"}})
	cols := StagingEventsSpec().InsertColumns()
	require.Len(t, e, len(cols))

	byName := map[string]any{}
	for i, c := range cols {
		byName[c] = e[i]
	}
	require.Equal(t, int64(0), byName["actor_ok"])
	require.Equal(t, int64(1), byName["time_ok"])
	require.Equal(t, time.UnixMilli(1000000000000).UTC(), byName["start_time"])
	require.Equal(t, int64(6), byName["weekday"])
	require.Equal(t, int64(1), byName["fact_ok"])
	require.Equal(t, "k", byName["event_key"])
}

func TestMergesBuild(t *testing.T) {
	t.Parallel()

	staged := map[string]storage.TableSpec{StagingCatalog: StagingCatalogSpec(), StagingEvents: StagingEventsSpec()}
	for _, m := range append(CatalogMerges(), EventMerges()...) {
		st := staged[m.Staging]
		for _, src := range m.Source {
			_, ok := st.Column(src)
			require.True(t, ok, "%s source column %s not in %s", m.Target.Name, src, m.Staging)
		}
		_, err := storage.BuildMerge(m)
		require.NoError(t, err, m.Target.Name)
	}

	for target, src := range FactSource {
		_, ok := PlayEventSpec(false).Column(target)
		require.True(t, ok, target)
		_, ok = StagingEventsSpec().Column(src)
		require.True(t, ok, src)
	}
}

func TestDedupeFor(t *testing.T) {
	t.Parallel()

	d, ok := DedupeFor(Actor, false)
	require.True(t, ok)
	require.Equal(t, "level_ts", d.Version)

	_, ok = DedupeFor(PlayEvent, false)
	require.False(t, ok)
	d, ok = DedupeFor(PlayEvent, true)
	require.True(t, ok)
	require.Equal(t, []string{"event_key"}, d.Key)
}
