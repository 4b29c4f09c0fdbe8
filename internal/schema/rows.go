package schema

import (
	"sparkify/internal/mapping"
	"sparkify/internal/storage"
	"sparkify/internal/timepoint"
)

// Values lays row out in spec.InsertColumns order. Columns missing from row are
// nil.
func Values(spec storage.TableSpec, row map[string]any) []any {
	cols := spec.InsertColumns()
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = row[c]
	}
	return out
}

// TimeValues returns the time_point values for p.
func TimeValues(p timepoint.Point) []any {
	return Values(TimePointSpec(), mapping.TimeRow(p))
}

func flag(ok bool) int64 {
	if ok {
		return 1
	}
	return 0
}

// CatalogStagingRow lays out one catalog record for staging_catalog.
func CatalogStagingRow(seq int64, c mapping.CatalogRows) []any {
	item, cr := c.Item, c.Creator
	return []any{
		seq,
		flag(item != nil), item["item_id"], item["title"], item["creator_id"], item["year"], item["duration"],
		flag(cr != nil), cr["creator_id"], cr["name"], cr["location"], cr["latitude"], cr["longitude"],
	}
}

// EventStagingRow lays out one passing event for staging_events.
func EventStagingRow(seq int64, e mapping.EventRows) []any {
	a, f := e.Actor, e.Fact
	tp := []any{nil, nil, nil, nil, nil, nil, nil}
	if e.Time != nil {
		tp = TimeValues(*e.Time)
	}
	row := []any{
		seq,
		flag(a != nil), a["actor_id"], a["first_name"], a["last_name"], a["gender"], a["level"], a["level_ts"],
		flag(e.Time != nil),
	}
	row = append(row, tp...)
	return append(row,
		flag(f != nil), f["start_time"], f["actor_id"], f["level"], f["session_id"], f["item_in_session"],
		f["location"], f["user_agent"], f["song_title"], f["artist_name"], f["length"], f["event_key"],
	)
}

// CatalogMerges are the staged merges of staging_catalog, in load order.
func CatalogMerges() []storage.Merge {
	return []storage.Merge{
		{
			Target:  CatalogItemSpec(),
			Staging: StagingCatalog,
			Source:  []string{"item_id", "title", "item_creator_id", "year", "duration"},
			Filter:  "item_ok = 1",
		},
		{
			Target:  CreatorSpec(),
			Staging: StagingCatalog,
			Source:  []string{"creator_id", "creator_name", "location", "latitude", "longitude"},
			Filter:  "creator_ok = 1",
		},
	}
}

// EventMerges are the staged dimension merges of staging_events. The fact insert
// needs key resolution and is built by the loader from FactSource.
func EventMerges() []storage.Merge {
	return []storage.Merge{
		{
			Target:  ActorSpec(),
			Staging: StagingEvents,
			Source:  []string{"actor_id", "first_name", "last_name", "gender", "actor_level", "level_ts"},
			Filter:  "actor_ok = 1",
		},
		{
			Target:  TimePointSpec(),
			Staging: StagingEvents,
			Source:  []string{"start_time", "hour", "day", "week", "month", "year", "weekday"},
			Filter:  "time_ok = 1",
		},
	}
}

// FactSource maps play_event columns to staging_events columns. item_id and
// creator_id are absent: they come from key resolution.
var FactSource = map[string]string{
	"start_time": "play_start_time",
	"actor_id":   "play_actor_id",
	"level":      "play_level",
	"session_id": "session_id",
	"location":   "location",
	"user_agent": "user_agent",
	"event_key":  "event_key",
}
