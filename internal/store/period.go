package store

import "time"

// microsPerSecond is the unit Cursor values are expressed in: the source
// firehose stamps cursors as microseconds since the Unix epoch.
const microsPerSecond = int64(time.Second / time.Microsecond)

// toTime converts a Cursor to its wall-clock instant.
func (c Cursor) toTime() time.Time {
	sec := int64(c) / microsPerSecond
	microRemainder := int64(c) % microsPerSecond
	return time.Unix(sec, microRemainder*int64(time.Microsecond)).UTC()
}

// cursorFromTime converts a wall-clock instant back to a Cursor. Used to
// compute bucket boundary keys, to resolve query instants, and to stamp the
// takeoff time; never to mint real event cursors.
func cursorFromTime(t time.Time) Cursor {
	return Cursor(t.Unix()*microsPerSecond + int64(t.Nanosecond())/1000)
}

// HourBucket truncates a Cursor down to the start of its UTC hour. Two
// cursors in the same hour always truncate to the same bucket, which is
// itself a valid (if synthetic) Cursor usable as a rollups key component.
func (c Cursor) HourBucket() Cursor {
	t := c.toTime()
	truncated := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	return cursorFromTime(truncated)
}

// WeekBucket truncates a Cursor down to the start (Monday 00:00 UTC) of
// its ISO-8601 week.
func (c Cursor) WeekBucket() Cursor {
	t := c.toTime()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	// time.Weekday: Sunday=0..Saturday=6; ISO weeks start Monday, so Sunday
	// is 6 days past the preceding Monday rather than 0.
	offset := (int(day.Weekday()) + 6) % 7
	monday := day.AddDate(0, 0, -offset)
	return cursorFromTime(monday)
}
