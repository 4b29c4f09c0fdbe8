// Package timepoint derives calendar attributes from an event timestamp.
package timepoint

import "time"

// Point is the time_point row for one instant. Every field is a pure function of
// StartTime.
type Point struct {
	StartTime time.Time // UTC, millisecond precision
	Hour      int
	Day       int
	Week      int // ISO 8601 week number
	Month     int
	Year      int
	Weekday   int // Monday=0 ... Sunday=6
}

// Derive returns the Point for an epoch-millisecond timestamp.
func Derive(ms int64) Point {
	return FromTime(time.UnixMilli(ms))
}

// FromTime returns the Point for t, normalised to UTC and truncated to the
// millisecond.
func FromTime(t time.Time) Point {
	t = t.UTC().Truncate(time.Millisecond)
	_, week := t.ISOWeek()
	return Point{
		StartTime: t,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		Month:     int(t.Month()),
		Year:      t.Year(),
		Weekday:   MondayFirst(t.Weekday()),
	}
}

// MondayFirst maps time.Weekday (Sunday=0) to Monday=0 ... Sunday=6.
func MondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}
