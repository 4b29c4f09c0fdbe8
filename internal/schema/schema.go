// Package schema declares the dimensional model as storage.TableSpecs, the
// staging pair used by staged loads, and how candidate rows map onto both.
package schema

import (
	"sparkify/internal/dedupe"
	"sparkify/internal/storage"
)

// Target and staging table names.
const (
	CatalogItem    = "catalog_item"
	Creator        = "creator"
	Actor          = "actor"
	TimePoint      = "time_point"
	PlayEvent      = "play_event"
	StagingCatalog = "staging_catalog"
	StagingEvents  = "staging_events"
)

func col(name string, typ storage.ColumnType) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ}
}

func null(name string, typ storage.ColumnType) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ, Nullable: true}
}

// CatalogItemSpec is the catalog dimension.
func CatalogItemSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: CatalogItem,
		Columns: []storage.ColumnSpec{
			col("item_id", storage.TypeText),
			col("title", storage.TypeText),
			col("creator_id", storage.TypeText),
			null("year", storage.TypeInt),
			col("duration", storage.TypeDouble),
		},
		Key:    []string{"item_id"},
		Policy: storage.InsertIgnore,
	}
}

// CreatorSpec is the creator dimension. Coordinates are nullable doubles.
func CreatorSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: Creator,
		Columns: []storage.ColumnSpec{
			col("creator_id", storage.TypeText),
			col("name", storage.TypeText),
			null("location", storage.TypeText),
			null("latitude", storage.TypeDouble),
			null("longitude", storage.TypeDouble),
		},
		Key:    []string{"creator_id"},
		Policy: storage.InsertIgnore,
	}
}

// ActorSpec is the actor dimension. level is overwritten only by events at least
// as recent as level_ts.
func ActorSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: Actor,
		Columns: []storage.ColumnSpec{
			col("actor_id", storage.TypeBigint),
			null("first_name", storage.TypeText),
			null("last_name", storage.TypeText),
			null("gender", storage.TypeText),
			null("level", storage.TypeText),
			col("level_ts", storage.TypeBigint),
		},
		Key:     []string{"actor_id"},
		Policy:  storage.InsertOrUpdate,
		Update:  []string{"level", "level_ts"},
		Version: "level_ts",
	}
}

// TimePointSpec is the time dimension.
func TimePointSpec() storage.TableSpec {
	return storage.TableSpec{
		Name: TimePoint,
		Columns: []storage.ColumnSpec{
			col("start_time", storage.TypeTimestamp),
			col("hour", storage.TypeInt),
			col("day", storage.TypeInt),
			col("week", storage.TypeInt),
			col("month", storage.TypeInt),
			col("year", storage.TypeInt),
			col("weekday", storage.TypeInt),
		},
		Key:    []string{"start_time"},
		Policy: storage.InsertOrReplace,
	}
}

// PlayEventSpec is the fact table. With exactlyOnce, event_key becomes a unique
// natural key and rows whose key is already stored are ignored.
func PlayEventSpec(exactlyOnce bool) storage.TableSpec {
	t := storage.TableSpec{
		Name: PlayEvent,
		Columns: []storage.ColumnSpec{
			col("play_id", storage.TypeSerial),
			col("start_time", storage.TypeTimestamp),
			col("actor_id", storage.TypeBigint),
			null("level", storage.TypeText),
			col("item_id", storage.TypeText),
			col("creator_id", storage.TypeText),
			null("session_id", storage.TypeBigint),
			null("location", storage.TypeText),
			null("user_agent", storage.TypeText),
			null("event_key", storage.TypeText),
		},
		Policy: storage.AppendOnly,
	}
	if exactlyOnce {
		t.Key = []string{"event_key"}
		t.Policy = storage.InsertIgnore
	}
	return t
}

// StagingCatalogSpec holds one row per catalog record. item_ok and creator_ok are
// 1 when the corresponding candidate row is complete.
func StagingCatalogSpec() storage.TableSpec {
	return staging(StagingCatalog,
		null("item_ok", storage.TypeInt),
		null("item_id", storage.TypeText),
		null("title", storage.TypeText),
		null("item_creator_id", storage.TypeText),
		null("year", storage.TypeInt),
		null("duration", storage.TypeDouble),
		null("creator_ok", storage.TypeInt),
		null("creator_id", storage.TypeText),
		null("creator_name", storage.TypeText),
		null("location", storage.TypeText),
		null("latitude", storage.TypeDouble),
		null("longitude", storage.TypeDouble),
	)
}

// StagingEventsSpec holds one row per event that passed the predicate.
func StagingEventsSpec() storage.TableSpec {
	return staging(StagingEvents,
		null("actor_ok", storage.TypeInt),
		null("actor_id", storage.TypeBigint),
		null("first_name", storage.TypeText),
		null("last_name", storage.TypeText),
		null("gender", storage.TypeText),
		null("actor_level", storage.TypeText),
		null("level_ts", storage.TypeBigint),
		null("time_ok", storage.TypeInt),
		null("start_time", storage.TypeTimestamp),
		null("hour", storage.TypeInt),
		null("day", storage.TypeInt),
		null("week", storage.TypeInt),
		null("month", storage.TypeInt),
		null("year", storage.TypeInt),
		null("weekday", storage.TypeInt),
		null("fact_ok", storage.TypeInt),
		null("play_start_time", storage.TypeTimestamp),
		null("play_actor_id", storage.TypeBigint),
		null("play_level", storage.TypeText),
		null("session_id", storage.TypeBigint),
		null("item_in_session", storage.TypeBigint),
		null("location", storage.TypeText),
		null("user_agent", storage.TypeText),
		null("song_title", storage.TypeText),
		null("artist_name", storage.TypeText),
		null("length", storage.TypeDouble),
		null("event_key", storage.TypeText),
	)
}

func staging(name string, cols ...storage.ColumnSpec) storage.TableSpec {
	return storage.TableSpec{
		Name:    name,
		Columns: append([]storage.ColumnSpec{col("seq", storage.TypeBigint)}, cols...),
		Policy:  storage.AppendOnly,
		Staging: true,
	}
}

// Targets returns the five target tables, dimensions first.
func Targets(exactlyOnce bool) []storage.TableSpec {
	return []storage.TableSpec{
		CatalogItemSpec(),
		CreatorSpec(),
		ActorSpec(),
		TimePointSpec(),
		PlayEventSpec(exactlyOnce),
	}
}

// All returns the target tables followed by the staging pair.
func All(exactlyOnce bool) []storage.TableSpec {
	return append(Targets(exactlyOnce), StagingCatalogSpec(), StagingEventsSpec())
}

// Dedupe is the in-memory deduplication rule for a target table.
type Dedupe struct {
	Policy dedupe.Policy
	// Key columns; Version is set for MostRecent.
	Key     []string
	Version string
}

// DedupeFor returns the rule for table. The fact table has no rule unless
// exactly-once delivery is on.
func DedupeFor(table string, exactlyOnce bool) (Dedupe, bool) {
	switch table {
	case CatalogItem:
		return Dedupe{Policy: dedupe.FirstOccurrence, Key: []string{"item_id"}}, true
	case Creator:
		return Dedupe{Policy: dedupe.FirstOccurrence, Key: []string{"creator_id"}}, true
	case Actor:
		return Dedupe{Policy: dedupe.MostRecent, Key: []string{"actor_id"}, Version: "level_ts"}, true
	case TimePoint:
		return Dedupe{Policy: dedupe.FirstOccurrence, Key: []string{"start_time"}}, true
	case PlayEvent:
		if exactlyOnce {
			return Dedupe{Policy: dedupe.FirstOccurrence, Key: []string{"event_key"}}, true
		}
	}
	return Dedupe{}, false
}

// Lookup returns the target or staging spec named name.
func Lookup(name string, exactlyOnce bool) (storage.TableSpec, bool) {
	for _, t := range All(exactlyOnce) {
		if t.Name == name {
			return t, true
		}
	}
	return storage.TableSpec{}, false
}
