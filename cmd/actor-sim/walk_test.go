package main

import (
	"math"
	"math/rand"
	"testing"

	"campuswatch/presence-server/internal/geo"
)

func TestOffsetDistance(t *testing.T) {
	start := geo.Point{Lat: 31.7085, Lng: 76.5262}
	for _, heading := range []float64{0, 90, 180, 270, 45} {
		got := geo.HaversineMeters(start, offset(start, heading, 10))
		if math.Abs(got-10) > 0.05 {
			t.Fatalf("heading %v: moved %.3f m, want 10", heading, got)
		}
	}
}

func TestWalkerStaysOnCampus(t *testing.T) {
	poly := geo.DefaultCampus()
	rng := rand.New(rand.NewSource(7))
	w := &walker{poly: poly, pos: randomStart(poly, rng), heading: 0, rng: rng}
	if !geo.Contains(w.pos, poly) {
		t.Fatalf("start %+v is off campus", w.pos)
	}
	for i := 0; i < 2000; i++ {
		w.step(25)
		if !geo.Contains(w.pos, poly) && geo.HaversineMeters(w.pos, geo.Snap(w.pos, poly)) > 0.01 {
			t.Fatalf("step %d left campus at %+v", i, w.pos)
		}
	}
}
