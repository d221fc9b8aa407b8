package main

import (
	"math"
	"math/rand"

	"campuswatch/presence-server/internal/geo"
)

// walker moves an actor around the campus, drifting its heading a little
// on every step and turning back when it reaches the boundary.
type walker struct {
	poly    geo.Polygon
	pos     geo.Point
	heading float64 // degrees clockwise from north
	rng     *rand.Rand
}

func (w *walker) step(meters float64) {
	w.heading = math.Mod(w.heading+(w.rng.Float64()-0.5)*60+360, 360)
	next := offset(w.pos, w.heading, meters)
	if !geo.Contains(next, w.poly) {
		next = geo.Snap(next, w.poly)
		w.heading = math.Mod(w.heading+180, 360)
	}
	w.pos = next
}

// offset moves p by meters along heading on a local flat-earth
// approximation, which is accurate at campus scale.
func offset(p geo.Point, heading, meters float64) geo.Point {
	rad := heading * math.Pi / 180
	dLat := meters * math.Cos(rad) / geo.EarthRadiusMeters
	dLng := meters * math.Sin(rad) / (geo.EarthRadiusMeters * math.Cos(p.Lat*math.Pi/180))
	return geo.Point{
		Lat: p.Lat + dLat*180/math.Pi,
		Lng: p.Lng + dLng*180/math.Pi,
	}
}

// randomStart picks a point inside poly by rejection sampling over its
// bounding box, falling back to the first vertex.
func randomStart(poly geo.Polygon, rng *rand.Rand) geo.Point {
	minLat, maxLat := poly[0].Lat, poly[0].Lat
	minLng, maxLng := poly[0].Lng, poly[0].Lng
	for _, v := range poly[1:] {
		minLat, maxLat = math.Min(minLat, v.Lat), math.Max(maxLat, v.Lat)
		minLng, maxLng = math.Min(minLng, v.Lng), math.Max(maxLng, v.Lng)
	}
	for i := 0; i < 1000; i++ {
		pt := geo.Point{
			Lat: minLat + rng.Float64()*(maxLat-minLat),
			Lng: minLng + rng.Float64()*(maxLng-minLng),
		}
		if geo.Contains(pt, poly) {
			return pt
		}
	}
	return poly[0]
}
