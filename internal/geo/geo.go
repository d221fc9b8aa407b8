// Package geo implements the campus geometry used by both the server and
// the map client: point-in-polygon, boundary snapping and great-circle
// distance.
//
// Polygon math runs directly on (lat, lng) degrees as if they were planar.
// At campus scale the error is negligible, and the map client performs the
// exact same computation, so boundary decisions agree bit for bit.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by HaversineMeters.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Polygon is an ordered ring of vertices. The ring may be open (last vertex
// differs from the first); the closing edge is implied.
type Polygon []Point

// ErrDegeneratePolygon is returned by Validate for rings that cannot bound
// an area.
var ErrDegeneratePolygon = errors.New("polygon needs at least three vertices")

// Validate rejects rings that are too short or carry non-finite coordinates.
// Self-intersecting rings are not detected.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return ErrDegeneratePolygon
	}
	for i, v := range p {
		if !finite(v.Lat) || !finite(v.Lng) {
			return fmt.Errorf("vertex %d is not finite", i)
		}
	}
	return nil
}

// Closed reports whether the last vertex repeats the first.
func (p Polygon) Closed() bool {
	if len(p) == 0 {
		return false
	}
	first, last := p[0], p[len(p)-1]
	return first.Lat == last.Lat && first.Lng == last.Lng
}

// Contains runs the even-odd ray casting test.
//
// An edge counts as crossed when exactly one of its endpoints lies strictly
// east of the point (half-open in longitude) and the point lies strictly
// south of the crossing latitude. As a consequence a point exactly on an
// edge is inside when the polygon interior lies toward increasing latitude
// or longitude from that edge, and outside otherwise. For the square
// (0,0),(0,2),(2,2),(2,0) the points (0,1) and (1,0) are inside while (2,1)
// and (1,2) are outside.
func Contains(pt Point, poly Polygon) bool {
	inside := false
	n := len(poly)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		latI, lngI := poly[i].Lat, poly[i].Lng
		latJ, lngJ := poly[j].Lat, poly[j].Lng
		if (lngI > pt.Lng) != (lngJ > pt.Lng) &&
			pt.Lat < (latJ-latI)*(pt.Lng-lngI)/(lngJ-lngI)+latI {
			inside = !inside
		}
	}
	return inside
}

// Snap returns pt unchanged when it is inside poly, otherwise the closest
// point on the polygon boundary. Distances compare squared planar degree
// offsets, never meters.
func Snap(pt Point, poly Polygon) Point {
	if len(poly) == 0 || Contains(pt, poly) {
		return pt
	}
	if len(poly) == 1 {
		return poly[0]
	}

	best, bestDist := closestOnSegment(pt, poly[0], poly[1])
	for i := 1; i < len(poly)-1; i++ {
		q, d := closestOnSegment(pt, poly[i], poly[i+1])
		if d < bestDist {
			best, bestDist = q, d
		}
	}
	if !poly.Closed() {
		q, d := closestOnSegment(pt, poly[len(poly)-1], poly[0])
		if d < bestDist {
			best = q
		}
	}
	return best
}

// closestOnSegment projects p onto segment ab with y=lat and x=lng.
func closestOnSegment(p, a, b Point) (Point, float64) {
	vx, vy := b.Lng-a.Lng, b.Lat-a.Lat
	wx, wy := p.Lng-a.Lng, p.Lat-a.Lat
	len2 := vx*vx + vy*vy
	if len2 == 0 {
		len2 = 1e-12
	}
	t := (wx*vx + wy*vy) / len2
	t = math.Max(0, math.Min(1, t))
	qx, qy := a.Lng+t*vx, a.Lat+t*vy
	dx, dy := p.Lng-qx, p.Lat-qy
	return Point{Lat: qy, Lng: qx}, dx*dx + dy*dy
}

// HaversineMeters is the great-circle distance between a and b.
func HaversineMeters(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(s))
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
