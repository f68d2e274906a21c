package prayertime

import "time"

// Clock is the display layout for prayer times.
const Clock = "15:04"

// Minute rounds t to the nearest whole minute. Computation keeps full
// precision; rounding happens here, at the display and alert boundary.
func Minute(t time.Time) time.Time { return t.Round(time.Minute) }

// Format renders t as HH:MM in loc (UTC when nil).
func Format(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return Minute(t).In(loc).Format(Clock)
}
