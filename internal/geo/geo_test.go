package geo

import (
	"math"
	"testing"

	"github.com/example/trip-coordinator/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestPathLength(t *testing.T) {
	// one degree of latitude is ~111.2 km
	path := []models.Position{{Lat: 0, Lng: 0}, {Lat: 0.5, Lng: 0}, {Lat: 1, Lng: 0}}
	got := PathLength(path)
	if math.Abs(got-111195) > 100 {
		t.Fatalf("expected ~111195m, got %f", got)
	}
	if PathLength(path[:1]) != 0 {
		t.Fatalf("single sample path must be 0")
	}
}

func TestValidCoord(t *testing.T) {
	cases := []struct {
		lat, lng float64
		ok       bool
	}{
		{12.97, 77.59, true},
		{-90, 180, true},
		{90.01, 0, false},
		{0, -180.5, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
	}
	for _, c := range cases {
		if got := ValidCoord(c.lat, c.lng); got != c.ok {
			t.Errorf("ValidCoord(%v,%v)=%v want %v", c.lat, c.lng, got, c.ok)
		}
	}
}
