package timetable

import (
	"slices"
	"time"

	"adzanbot/pkg/prayertime"
)

// Settings are the user's calculation preferences.
type Settings struct {
	// Conventions lists registry ids; more than one enables consensus.
	Conventions []string
	// AsrMethod overrides the conventions' Asr rule when set.
	AsrMethod   string
	Offsets     prayertime.OffsetSet
	CellSizeDeg float64
	// Language selects display names ("en" or "id").
	Language string
}

// astronomyEqual reports whether a and b compute the same raw sets.
func (s Settings) astronomyEqual(o Settings) bool {
	return slices.Equal(s.Conventions, o.Conventions) &&
		s.AsrMethod == o.AsrMethod &&
		s.CellSizeDeg == o.CellSizeDeg
}

// PrayerView is one row of the rendered timetable.
type PrayerView struct {
	Prayer     string    `json:"prayer"`
	Name       string    `json:"name"`
	At         time.Time `json:"at"`
	Time       string    `json:"time"`
	Completed  bool      `json:"completed"`
	Confidence float64   `json:"confidence"`
	Relative   string    `json:"relative"`
	Next       bool      `json:"next,omitempty"`
}

// View is what the UI renders for one day.
type View struct {
	Date         string       `json:"date"`
	Timezone     string       `json:"timezone"`
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	Place        string       `json:"place,omitempty"`
	Convention   string       `json:"convention"`
	Sunrise      string       `json:"sunrise"`
	HighLatitude bool         `json:"high_latitude,omitempty"`
	CacheHit     bool         `json:"cache_hit"`
	Prayers      []PrayerView `json:"prayers"`
	Next         *PrayerView  `json:"next,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// Prayer returns the row for p.
func (v View) Prayer(p prayertime.Prayer) (PrayerView, bool) {
	for _, pv := range v.Prayers {
		if pv.Prayer == p.String() {
			return pv, true
		}
	}
	return PrayerView{}, false
}
