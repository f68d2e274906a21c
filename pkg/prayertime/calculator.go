package prayertime

import (
	"fmt"
	"math"
	"time"
)

const (
	// Apparent altitude of the sun's upper limb at rise/set, with refraction.
	riseSetAltitude = -0.833 * deg2rad

	// Nearest latitude at which sunrise, sunset and Asr exist on every day of
	// the year. Polar locations borrow these events from it.
	referenceLatitude = 65.0
	referenceStep     = 5.0

	// Shortest spacing between sunrise, Dhuhr, Asr and sunset for a day to
	// count as solved. It exceeds the widest margin spread, so margins can
	// never reorder them.
	minEventGap = 20.0 / 60

	refinePasses = 2
)

// dayHours holds event times in hours from local mean midnight of the
// longitude-shifted Julian day. Values may exceed 24 (after midnight).
type dayHours struct {
	fajr, sunrise, dhuhr, asr, sunset, isha float64
}

var initialGuess = dayHours{fajr: 5, sunrise: 6, dhuhr: 12, asr: 13, sunset: 18, isha: 18}

// Compute returns the five prayer instants of date at coords under conv.
//
// It never returns an undefined time for valid coordinates: when an event
// does not exist (polar day or night, unreachable twilight) the convention's
// high-latitude rule supplies it. Confidence is 1.0 for every prayer.
func Compute(coords Coordinates, date Date, conv Convention) (PrayerTimeSet, error) {
	if err := coords.Validate(); err != nil {
		return PrayerTimeSet{}, err
	}
	if err := conv.validate(); err != nil {
		return PrayerTimeSet{}, err
	}
	if date.IsZero() {
		return PrayerTimeSet{}, fmt.Errorf("date required")
	}

	jd := julianDay(date) - coords.Longitude/(15*24)

	h, ok := solveDay(jd, coords.Latitude, conv)
	highLat := !ok
	for lat := clampLatitude(coords.Latitude); !ok; lat = towardEquator(lat) {
		h, ok = solveDay(jd, lat, conv)
	}

	// Night runs from sunset to the next sunrise.
	night := wrap(h.sunrise-h.sunset, 24)

	fajrPortion := conv.HighLat.nightPortion(conv.FajrAngle) * night
	if math.IsNaN(h.fajr) || h.sunrise-h.fajr > fajrPortion {
		h.fajr = h.sunrise - fajrPortion
		highLat = true
	}

	maghrib := h.sunset + conv.Margins[Maghrib]/60
	if conv.IshaIsFixed() {
		h.isha = maghrib + conv.IshaMinutes/60
		// Under the twilight-angle rule a fixed Isha takes the Fajr angle.
		limit := h.sunset + conv.HighLat.nightPortion(conv.FajrAngle)*night
		if h.isha > limit && limit > maghrib {
			h.isha = limit
			highLat = true
		}
	} else {
		ishaPortion := conv.HighLat.nightPortion(conv.IshaAngle) * night
		if math.IsNaN(h.isha) || h.isha-h.sunset > ishaPortion {
			h.isha = h.sunset + ishaPortion
			highLat = true
		}
	}

	raw := [NumPrayers]float64{
		h.fajr + conv.Margins[Fajr]/60,
		h.dhuhr + conv.Margins[Dhuhr]/60,
		h.asr + conv.Margins[Asr]/60,
		maghrib,
		h.isha,
	}
	if !conv.IshaIsFixed() {
		raw[Isha] += conv.Margins[Isha] / 60
	}

	base := time.Date(date.Year, date.Month, date.Day, 0, 0, 0, 0, time.UTC)
	shift := coords.Longitude / 15
	instant := func(hours float64) time.Time {
		return base.Add(time.Duration((hours - shift) * float64(time.Hour)))
	}

	set := PrayerTimeSet{
		Date:         date,
		Location:     coords,
		Convention:   conv.ID,
		Sunrise:      instant(h.sunrise),
		HighLatitude: highLat,
	}
	for _, p := range Prayers {
		set.Times[p] = instant(raw[p])
		set.Confidence[p] = 1
	}
	if err := set.CheckOrder(); err != nil {
		return PrayerTimeSet{}, fmt.Errorf("compute %s at %s on %s: %w", conv.ID, coords, date, err)
	}
	return set, nil
}

// solveDay evaluates every event at latitude lat (degrees), refining each
// event's sun position at its own day fraction. ok is false when sunrise,
// Dhuhr, Asr and sunset are not all defined and at least minEventGap apart.
func solveDay(jd, latDeg float64, conv Convention) (dayHours, bool) {
	lat := latDeg * deg2rad
	factor := conv.Asr.shadowFactor()
	cur := initialGuess
	for i := 0; i < refinePasses; i++ {
		g := cur.guesses()
		cur = dayHours{
			fajr:    hourAngleTime(jd, lat, -conv.FajrAngle*deg2rad, g.fajr/24, true),
			sunrise: hourAngleTime(jd, lat, riseSetAltitude, g.sunrise/24, true),
			dhuhr:   solarNoon(jd, g.dhuhr/24),
			asr:     asrTime(jd, lat, factor, g.asr/24),
			sunset:  hourAngleTime(jd, lat, riseSetAltitude, g.sunset/24, false),
			isha:    math.NaN(),
		}
		if !conv.IshaIsFixed() {
			cur.isha = hourAngleTime(jd, lat, -conv.IshaAngle*deg2rad, g.isha/24, false)
		}
	}
	ok := finite(cur.sunrise, cur.dhuhr, cur.asr, cur.sunset) &&
		cur.sunrise+minEventGap < cur.dhuhr &&
		cur.dhuhr+minEventGap < cur.asr &&
		cur.asr+minEventGap < cur.sunset
	return cur, ok
}

// guesses replaces undefined events with the initial guess so the next pass
// still has a day fraction to evaluate at.
func (d dayHours) guesses() dayHours {
	pick := func(v, def float64) float64 {
		if finite(v) {
			return v
		}
		return def
	}
	return dayHours{
		fajr:    pick(d.fajr, initialGuess.fajr),
		sunrise: pick(d.sunrise, initialGuess.sunrise),
		dhuhr:   pick(d.dhuhr, initialGuess.dhuhr),
		asr:     pick(d.asr, initialGuess.asr),
		sunset:  pick(d.sunset, initialGuess.sunset),
		isha:    pick(d.isha, initialGuess.isha),
	}
}

func clampLatitude(lat float64) float64 {
	return math.Max(-referenceLatitude, math.Min(referenceLatitude, lat))
}

// towardEquator moves lat one step closer to 0; the equator always solves.
func towardEquator(lat float64) float64 {
	switch {
	case lat > referenceStep:
		return lat - referenceStep
	case lat < -referenceStep:
		return lat + referenceStep
	default:
		return 0
	}
}
