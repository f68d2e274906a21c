package prayertime

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	ErrInvalidCoordinates         = errors.New("invalid coordinates")
	ErrUnknownConvention          = errors.New("unknown convention")
	ErrInvalidOffsetConfiguration = errors.New("invalid offset configuration")
	ErrEmptyResults               = errors.New("no results to resolve")
	ErrMismatchedResults          = errors.New("results do not share date and location")
	ErrOrderViolation             = errors.New("prayer times are not strictly increasing")
	ErrUnknownPrayer              = errors.New("unknown prayer")
)

// Prayer identifies one of the five daily prayers, in canonical order.
type Prayer int

const (
	Fajr Prayer = iota
	Dhuhr
	Asr
	Maghrib
	Isha

	NumPrayers = 5
)

// Prayers lists the five prayers in chronological order.
var Prayers = [NumPrayers]Prayer{Fajr, Dhuhr, Asr, Maghrib, Isha}

var prayerNames = [NumPrayers]string{"fajr", "dhuhr", "asr", "maghrib", "isha"}

var prayerTitles = [NumPrayers]string{"Fajr", "Dhuhr", "Asr", "Maghrib", "Isha"}

// Common alternate spellings, including the Indonesian ones.
var prayerAliases = map[string]Prayer{
	"subuh":   Fajr,
	"shubuh":  Fajr,
	"fajar":   Fajr,
	"zuhr":    Dhuhr,
	"zuhur":   Dhuhr,
	"dzuhur":  Dhuhr,
	"dhuhur":  Dhuhr,
	"zhuhur":  Dhuhr,
	"ashar":   Asr,
	"asar":    Asr,
	"magrib":  Maghrib,
	"isya":    Isha,
	"isyak":   Isha,
	"ishaa":   Isha,
}

func (p Prayer) Valid() bool { return p >= Fajr && p <= Isha }

// String returns the lowercase canonical name ("fajr").
func (p Prayer) String() string {
	if !p.Valid() {
		return fmt.Sprintf("prayer(%d)", int(p))
	}
	return prayerNames[p]
}

// Title returns the display name ("Fajr").
func (p Prayer) Title() string {
	if !p.Valid() {
		return p.String()
	}
	return prayerTitles[p]
}

// ParsePrayer accepts canonical names and common alternate spellings, case-insensitively.
func ParsePrayer(s string) (Prayer, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	for i, n := range prayerNames {
		if n == k {
			return Prayer(i), nil
		}
	}
	if p, ok := prayerAliases[k]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPrayer, s)
}

// Coordinates is an immutable geographic position in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinates) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		c.Latitude < -90 || c.Latitude > 90 ||
		c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinates, c.Latitude, c.Longitude)
	}
	return nil
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%.4f,%.4f", c.Latitude, c.Longitude)
}

// Date is a civil calendar date without time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD): %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// In returns local midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// AddDays normalizes across month and year boundaries.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 12, 0, 0, 0, time.UTC))
}

// PrayerTimeSet holds the five instants of one solar day.
//
// Times and Confidence are arrays indexed by Prayer, so a PrayerTimeSet is a
// plain value: copying it never shares state with the original.
type PrayerTimeSet struct {
	Date       Date
	Location   Coordinates
	Convention string
	Times      [NumPrayers]time.Time
	Confidence [NumPrayers]float64

	// Sunrise is informational (display and night length); it is not a prayer.
	Sunrise time.Time
	// HighLatitude is set when a fallback rule replaced an undefined event.
	HighLatitude bool
}

func (s PrayerTimeSet) Time(p Prayer) time.Time {
	if !p.Valid() {
		return time.Time{}
	}
	return s.Times[p]
}

// CheckOrder verifies Fajr < Dhuhr < Asr < Maghrib < Isha.
func (s PrayerTimeSet) CheckOrder() error {
	for i := 1; i < NumPrayers; i++ {
		if !s.Times[i-1].Before(s.Times[i]) {
			return fmt.Errorf("%w: %s (%s) !< %s (%s)", ErrOrderViolation,
				Prayer(i-1), s.Times[i-1].Format(time.RFC3339), Prayer(i), s.Times[i].Format(time.RFC3339))
		}
	}
	return nil
}

// MinConfidence returns the lowest per-prayer confidence.
func (s PrayerTimeSet) MinConfidence() float64 {
	m := 1.0
	for _, c := range s.Confidence {
		if c < m {
			m = c
		}
	}
	return m
}

// Next returns the first prayer strictly after now.
func (s PrayerTimeSet) Next(now time.Time) (Prayer, time.Time, bool) {
	for _, p := range Prayers {
		if s.Times[p].After(now) {
			return p, s.Times[p], true
		}
	}
	return 0, time.Time{}, false
}
