package prayertime

import (
	"fmt"
	"math"
)

const (
	// Mean earth radius (IUGG).
	earthRadiusKm = 6371.0088

	// DefaultSignificantKm moves prayer times by well under a minute while
	// staying above consumer GPS noise.
	DefaultSignificantKm = 5.0

	// DefaultCellSizeDeg is roughly 5.5 km of latitude.
	DefaultCellSizeDeg = 0.05
)

// DistanceKm returns the great-circle (haversine) distance between a and b.
func DistanceKm(a, b Coordinates) float64 {
	lat1, lat2 := a.Latitude*deg2rad, b.Latitude*deg2rad
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * deg2rad

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(math.Min(1, h)))
}

// Detector decides whether a new reading moved far enough to matter. It is
// stateless; callers keep the last known location.
type Detector struct {
	ThresholdKm float64
}

func NewDetector(thresholdKm float64) Detector {
	if thresholdKm <= 0 {
		thresholdKm = DefaultSignificantKm
	}
	return Detector{ThresholdKm: thresholdKm}
}

// IsSignificant reports whether current is more than ThresholdKm from previous.
// It is symmetric in its arguments.
func (d Detector) IsSignificant(previous, current Coordinates) bool {
	th := d.ThresholdKm
	if th <= 0 {
		th = DefaultSignificantKm
	}
	return DistanceKm(previous, current) > th
}

// Cell is a quantized location used as a cache key component.
type Cell struct {
	Lat int
	Lon int
}

// CellFor snaps c to a grid of sizeDeg degrees. Non-positive sizes use
// DefaultCellSizeDeg.
func CellFor(c Coordinates, sizeDeg float64) Cell {
	if sizeDeg <= 0 {
		sizeDeg = DefaultCellSizeDeg
	}
	return Cell{
		Lat: int(math.Floor(c.Latitude / sizeDeg)),
		Lon: int(math.Floor(c.Longitude / sizeDeg)),
	}
}

func (c Cell) String() string { return fmt.Sprintf("%d:%d", c.Lat, c.Lon) }
