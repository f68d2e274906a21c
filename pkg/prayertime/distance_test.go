package prayertime

import (
	"math"
	"testing"
)

func TestDistanceKm(t *testing.T) {
	t.Parallel()
	a := Coordinates{Latitude: 0, Longitude: 0}
	b := Coordinates{Latitude: 1, Longitude: 0}
	want := earthRadiusKm * math.Pi / 180
	if got := DistanceKm(a, b); math.Abs(got-want) > 1e-6 {
		t.Fatalf("DistanceKm = %v, want %v", got, want)
	}
	if got := DistanceKm(a, a); got != 0 {
		t.Fatalf("DistanceKm(a, a) = %v", got)
	}
}

func TestIsSignificant(t *testing.T) {
	t.Parallel()
	jakarta := Coordinates{Latitude: -6.2, Longitude: 106.8167}
	tests := []struct {
		name string
		to   Coordinates
		want bool
	}{
		{name: "gps jitter", to: Coordinates{Latitude: -6.2003, Longitude: 106.8169}, want: false},
		{name: "across town", to: Coordinates{Latitude: -6.23, Longitude: 106.8167}, want: false},
		{name: "50km", to: Coordinates{Latitude: -6.2 - 50/111.195, Longitude: 106.8167}, want: true},
		{name: "antimeridian neighbours", to: Coordinates{Latitude: -6.2, Longitude: -73.0}, want: true},
	}
	d := NewDetector(0)
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := d.IsSignificant(jakarta, tt.to); got != tt.want {
				t.Fatalf("IsSignificant = %v, want %v", got, tt.want)
			}
			if d.IsSignificant(jakarta, tt.to) != d.IsSignificant(tt.to, jakarta) {
				t.Fatalf("IsSignificant is not symmetric")
			}
		})
	}
}

func TestIsSignificantSymmetricAcrossGrid(t *testing.T) {
	t.Parallel()
	d := Detector{ThresholdKm: 5}
	for lat := -89.0; lat <= 89; lat += 17.8 {
		for lon := -179.0; lon <= 179; lon += 35.8 {
			a := Coordinates{Latitude: lat, Longitude: lon}
			for _, step := range []float64{0.01, 0.04, 0.05, 0.2} {
				b := Coordinates{Latitude: lat + step/2, Longitude: lon - step}
				if d.IsSignificant(a, b) != d.IsSignificant(b, a) {
					t.Fatalf("asymmetric for %s %s", a, b)
				}
			}
		}
	}
}

func TestCellFor(t *testing.T) {
	t.Parallel()
	a := CellFor(Coordinates{Latitude: -6.2001, Longitude: 106.8167}, 0.05)
	b := CellFor(Coordinates{Latitude: -6.2004, Longitude: 106.8171}, 0.05)
	if a != b {
		t.Fatalf("jitter changed cell: %s vs %s", a, b)
	}
	if a != (Cell{Lat: -125, Lon: 2136}) {
		t.Fatalf("cell = %s", a)
	}
	far := CellFor(Coordinates{Latitude: -6.3, Longitude: 106.8167}, 0)
	if far == a {
		t.Fatalf("distinct locations share cell %s", a)
	}
}
