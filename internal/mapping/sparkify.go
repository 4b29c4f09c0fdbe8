package mapping

import (
	"fmt"
	"strings"

	"sparkify/internal/config"
	"sparkify/internal/record"
	"sparkify/internal/timepoint"
)

// Candidate table names produced by the mapper.
const (
	TableCatalogItem = "catalog_item"
	TableCreator     = "creator"
	TableActor       = "actor"
	TablePlayEvent   = "play_event"
	TableTimePoint   = "time_point"
)

// Defaults returns the built-in field maps for the song and log datasets.
func Defaults() map[string]TableMap {
	return map[string]TableMap{
		TableCatalogItem: {
			Table: TableCatalogItem,
			Fields: []FieldMap{
				{Column: "item_id", Path: "song_id", Type: TypeText, Transforms: []string{"trim"}},
				{Column: "title", Path: "title", Type: TypeText},
				{Column: "creator_id", Path: "artist_id", Type: TypeText, Transforms: []string{"trim"}},
				{Column: "year", Path: "year", Type: TypeInt, Transforms: []string{"zero_as_null"}},
				{Column: "duration", Path: "duration", Type: TypeDouble},
			},
			Required: []string{"item_id", "title", "creator_id", "duration"},
		},
		TableCreator: {
			Table: TableCreator,
			Fields: []FieldMap{
				{Column: "creator_id", Path: "artist_id", Type: TypeText, Transforms: []string{"trim"}},
				{Column: "name", Path: "artist_name", Type: TypeText},
				{Column: "location", Path: "artist_location", Type: TypeText, Transforms: []string{"blank_as_null"}},
				{Column: "latitude", Path: "artist_latitude", Type: TypeDouble},
				{Column: "longitude", Path: "artist_longitude", Type: TypeDouble},
			},
			Required: []string{"creator_id", "name"},
		},
		TableActor: {
			Table: TableActor,
			Fields: []FieldMap{
				{Column: "actor_id", Path: "userId", Type: TypeBigint},
				{Column: "first_name", Path: "firstName", Type: TypeText},
				{Column: "last_name", Path: "lastName", Type: TypeText},
				{Column: "gender", Path: "gender", Type: TypeText},
				{Column: "level", Path: "level", Type: TypeText, Transforms: []string{"trim", "lower"}},
				{Column: "level_ts", Path: "ts", Type: TypeBigint},
			},
			Required: []string{"actor_id", "level_ts"},
		},
		TablePlayEvent: {
			Table: TablePlayEvent,
			Fields: []FieldMap{
				{Column: "ts", Path: "ts", Type: TypeBigint},
				{Column: "start_time", Path: "ts", Type: TypeTimestampMS},
				{Column: "actor_id", Path: "userId", Type: TypeBigint},
				{Column: "level", Path: "level", Type: TypeText, Transforms: []string{"trim", "lower"}},
				{Column: "session_id", Path: "sessionId", Type: TypeBigint},
				{Column: "item_in_session", Path: "itemInSession", Type: TypeBigint},
				{Column: "location", Path: "location", Type: TypeText, Transforms: []string{"blank_as_null"}},
				{Column: "user_agent", Path: "userAgent", Type: TypeText, Transforms: []string{"blank_as_null"}},
				{Column: "song_title", Path: "song", Type: TypeText},
				{Column: "artist_name", Path: "artist", Type: TypeText},
				{Column: "length", Path: "length", Type: TypeDouble},
			},
			Required: []string{"ts", "start_time", "actor_id"},
		},
	}
}

// CatalogRows are the candidates produced by one catalog record. A nil row was
// dropped; its table is listed in Missing.
type CatalogRows struct {
	Item    Row
	Creator Row
	Missing []string
}

// EventRows are the candidates produced by one event record that passed the
// predicate.
type EventRows struct {
	Actor   Row
	Fact    Row
	Time    *timepoint.Point
	Missing []string
}

// Mapper applies the catalog and event table maps.
type Mapper struct {
	maps map[string]TableMap
	pred Predicate
}

// New returns a Mapper over maps (which must contain every candidate table)
// filtering events with pred.
func New(maps map[string]TableMap, pred Predicate) (*Mapper, error) {
	if pred == nil {
		return nil, fmt.Errorf("mapping: nil predicate")
	}
	for _, name := range []string{TableCatalogItem, TableCreator, TableActor, TablePlayEvent} {
		m, ok := maps[name]
		if !ok {
			return nil, fmt.Errorf("mapping: no field map for %s", name)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return &Mapper{maps: maps, pred: pred}, nil
}

// FromConfig builds a Mapper from the defaults, replacing the field lists of any
// table named in cfg.Tables. Required columns of the replaced table still apply.
func FromConfig(cfg config.MappingConfig) (*Mapper, error) {
	name := cfg.EventPredicate
	if name == "" {
		name = "next_song"
	}
	pred, err := NewPredicate(name, cfg.PredicateOptions)
	if err != nil {
		return nil, err
	}

	maps := Defaults()
	for _, tc := range cfg.Tables {
		m, ok := maps[tc.Table]
		if !ok {
			return nil, fmt.Errorf("mapping: cannot map unknown table %q", tc.Table)
		}
		m.Fields = m.Fields[:0:0]
		for _, fc := range tc.Fields {
			f := FieldMap{Column: fc.Column, Path: fc.Path, Type: Type(strings.ToLower(fc.Type))}
			if f.Type == "" {
				f.Type = TypeText
			}
			for _, tr := range strings.Split(fc.Transform, ",") {
				if tr = strings.TrimSpace(tr); tr != "" {
					f.Transforms = append(f.Transforms, tr)
				}
			}
			m.Fields = append(m.Fields, f)
		}
		maps[tc.Table] = m
	}
	return New(maps, pred)
}

// Map returns the table map in use for table.
func (m *Mapper) Map(table string) TableMap { return m.maps[table] }

// MapCatalog maps one catalog record.
func (m *Mapper) MapCatalog(rec record.Record) (CatalogRows, error) {
	var out CatalogRows
	var err error
	if out.Item, err = m.apply(TableCatalogItem, rec, &out.Missing); err != nil {
		return CatalogRows{}, err
	}
	if out.Creator, err = m.apply(TableCreator, rec, &out.Missing); err != nil {
		return CatalogRows{}, err
	}
	return out, nil
}

// MapEvent maps one event record. ok is false when the predicate rejects it.
// Time is derived from every passing event with a timestamp, whether or not the
// fact row survives.
func (m *Mapper) MapEvent(rec record.Record) (rows EventRows, ok bool, err error) {
	if !m.pred(rec) {
		return EventRows{}, false, nil
	}
	if rows.Actor, err = m.apply(TableActor, rec, &rows.Missing); err != nil {
		return EventRows{}, false, err
	}

	fact, err := m.maps[TablePlayEvent].Apply(rec)
	if err != nil {
		return EventRows{}, false, err
	}
	if ts, isTS := fact["ts"].(int64); isTS {
		p := timepoint.Derive(ts)
		rows.Time = &p
	} else {
		rows.Missing = append(rows.Missing, TableTimePoint)
	}
	if m.maps[TablePlayEvent].Complete(fact) {
		fact["event_key"] = EventKey(fact)
		rows.Fact = fact
	} else {
		rows.Missing = append(rows.Missing, TablePlayEvent)
	}
	return rows, true, nil
}

func (m *Mapper) apply(table string, rec record.Record, missing *[]string) (Row, error) {
	tm := m.maps[table]
	row, err := tm.Apply(rec)
	if err != nil {
		return nil, err
	}
	if !tm.Complete(row) {
		*missing = append(*missing, table)
		return nil, nil
	}
	return row, nil
}

// TimeRow renders p as a time_point row.
func TimeRow(p timepoint.Point) Row {
	return Row{
		"start_time": p.StartTime,
		"hour":       int64(p.Hour),
		"day":        int64(p.Day),
		"week":       int64(p.Week),
		"month":      int64(p.Month),
		"year":       int64(p.Year),
		"weekday":    int64(p.Weekday),
	}
}
