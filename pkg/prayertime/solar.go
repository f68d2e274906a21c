package prayertime

import "math"

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi

	// j2000 is the Julian day of 2000-01-01 12:00 TT.
	j2000 = 2451545.0
)

// julianDay returns the Julian day number of d at 0h UT.
func julianDay(d Date) float64 {
	y, m := d.Year, int(d.Month)
	if m <= 2 {
		y--
		m += 12
	}
	a := math.Floor(float64(y) / 100)
	b := 2 - a + math.Floor(a/4)
	return math.Floor(365.25*float64(y+4716)) + math.Floor(30.6001*float64(m+1)) + float64(d.Day) + b - 1524.5
}

// sunPosition returns the solar declination (radians) and the equation of
// time (hours) at Julian day jd.
func sunPosition(jd float64) (decl, eqt float64) {
	n := jd - j2000
	g := wrap(357.529+0.98560028*n, 360) * deg2rad // mean anomaly
	q := wrap(280.459+0.98564736*n, 360)           // mean longitude, degrees
	l := wrap(q+1.915*math.Sin(g)+0.020*math.Sin(2*g), 360) * deg2rad
	e := (23.439 - 0.00000036*n) * deg2rad // obliquity of the ecliptic

	ra := math.Atan2(math.Cos(e)*math.Sin(l), math.Cos(l)) * rad2deg / 15
	eqt = q/15 - wrap(ra, 24)
	decl = math.Asin(math.Sin(e) * math.Sin(l))
	return decl, eqt
}

// wrap reduces a into [0, b).
func wrap(a, b float64) float64 {
	a -= b * math.Floor(a/b)
	if a < 0 {
		a += b
	}
	return a
}

// solarNoon returns local apparent noon in hours (longitude-free), evaluated
// at day fraction t.
func solarNoon(jd, t float64) float64 {
	_, eqt := sunPosition(jd + t)
	return wrap(12-eqt, 24)
}

// hourAngleTime returns the time (hours) at which the sun reaches altitude
// (radians) before (rising=true) or after solar noon. NaN when the sun never
// reaches that altitude on this day.
func hourAngleTime(jd, lat, altitude, t float64, rising bool) float64 {
	decl, _ := sunPosition(jd + t)
	cosH := (math.Sin(altitude) - math.Sin(lat)*math.Sin(decl)) / (math.Cos(lat) * math.Cos(decl))
	if math.IsNaN(cosH) || cosH < -1 || cosH > 1 {
		return math.NaN()
	}
	h := math.Acos(cosH) * rad2deg / 15
	noon := solarNoon(jd, t)
	if rising {
		return noon - h
	}
	return noon + h
}

// asrTime returns the afternoon time at which an object's shadow equals
// factor times its length plus its noon shadow.
func asrTime(jd, lat, factor, t float64) float64 {
	decl, _ := sunPosition(jd + t)
	altitude := math.Atan(1 / (factor + math.Tan(math.Abs(lat-decl))))
	return hourAngleTime(jd, lat, altitude, t, false)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
