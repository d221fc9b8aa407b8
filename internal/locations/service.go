// Package locations implements location ingest and the presence queries on
// top of the presence store, the broadcaster and the campus fence.
package locations

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"campuswatch/presence-server/internal/geo"
	"campuswatch/presence-server/internal/model"
)

// DefaultNearRadius is used when a proximity query has no usable radius.
const DefaultNearRadius = 500.0

// ValidationError reports a malformed request. Nothing is stored when one
// is returned.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Store is the presence state the service reads and writes.
type Store interface {
	Upsert(model.LocationRecord)
	Get(actorID string) (model.LocationRecord, bool)
	Snapshot() []model.LocationRecord
}

// Publisher fans accepted records out to live subscribers.
type Publisher interface {
	Publish(model.LocationRecord)
}

// IngestInput is the device-supplied part of a location report.
type IngestInput struct {
	Lat      float64
	Lng      float64
	Heading  *float64
	Speed    *float64
	Accuracy *float64
}

// Service serializes writes so that the last event published for an actor
// always matches the record stored for it.
type Service struct {
	store Store
	pub   Publisher
	fence *geo.Fence
	now   func() time.Time

	writeMu sync.Mutex
}

// NewService wires the service. fence may be nil when no campus boundary is
// configured, in which case Geofence reports every point as inside.
func NewService(store Store, pub Publisher, fence *geo.Fence) *Service {
	return &Service{store: store, pub: pub, fence: fence, now: time.Now}
}

// ParseIngest decodes a JSON report body. Bodies that are not a JSON object
// are treated as empty, so they fail on the missing coordinates.
func ParseIngest(body []byte) (IngestInput, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		raw = nil
	}
	lat, latOK := number(raw["lat"])
	lng, lngOK := number(raw["lng"])
	if !latOK || !lngOK {
		return IngestInput{}, &ValidationError{Msg: "lat/lng required"}
	}
	return IngestInput{
		Lat:      lat,
		Lng:      lng,
		Heading:  optional(raw["heading"]),
		Speed:    optional(raw["speed"]),
		Accuracy: optional(raw["accuracy"]),
	}, nil
}

// Ingest stores a report for the verified caller and publishes it. Identity
// fields come only from id, never from the report. The returned record is
// the one stored.
func (s *Service) Ingest(_ context.Context, id model.Identity, in IngestInput) (model.LocationRecord, error) {
	if !finite(in.Lat) || !finite(in.Lng) {
		return model.LocationRecord{}, &ValidationError{Msg: "lat/lng required"}
	}
	if id.ActorID == "" {
		return model.LocationRecord{}, fmt.Errorf("ingest: empty actor id")
	}
	rec := model.LocationRecord{
		ActorID:     id.ActorID,
		DisplayName: id.DisplayName,
		Role:        id.Role,
		Latitude:    in.Lat,
		Longitude:   in.Lng,
		Heading:     finiteOrNil(in.Heading),
		Speed:       finiteOrNil(in.Speed),
		Accuracy:    finiteOrNil(in.Accuracy),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	rec.Timestamp = s.now().UnixMilli()
	s.store.Upsert(rec)
	s.pub.Publish(rec)
	return rec, nil
}

// List returns every live record, optionally filtered by role
// (case-insensitive), newest first.
func (s *Service) List(role string) []model.LocationRecord {
	role = strings.TrimSpace(role)
	all := s.store.Snapshot()
	out := all[:0]
	for _, rec := range all {
		if matchesRole(rec, role) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ActorID < out[j].ActorID
	})
	return out
}

// Get returns the record for actorID. Absence is not an error.
func (s *Service) Get(actorID string) (model.LocationRecord, bool) {
	return s.store.Get(actorID)
}

// Near returns the records within radius meters of (lat, lng), closest
// first, each annotated with its distance.
func (s *Service) Near(lat, lng, radius float64, role string) ([]model.NearbyRecord, error) {
	if !finite(lat) || !finite(lng) {
		return nil, &ValidationError{Msg: "lat and lng required"}
	}
	if !finite(radius) || radius <= 0 {
		radius = DefaultNearRadius
	}
	role = strings.TrimSpace(role)
	origin := geo.Point{Lat: lat, Lng: lng}

	out := make([]model.NearbyRecord, 0)
	for _, rec := range s.store.Snapshot() {
		if !matchesRole(rec, role) {
			continue
		}
		d := geo.HaversineMeters(origin, geo.Point{Lat: rec.Latitude, Lng: rec.Longitude})
		if d <= radius {
			out = append(out, model.NearbyRecord{LocationRecord: rec, Distance: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// Campus returns the configured boundary, or nil when there is none.
func (s *Service) Campus() geo.Polygon {
	if s.fence == nil {
		return nil
	}
	return s.fence.Polygon()
}

// Geofence classifies a point against the campus boundary and returns the
// closest point on campus.
func (s *Service) Geofence(lat, lng float64) (geo.Classification, error) {
	if !finite(lat) || !finite(lng) {
		return geo.Classification{}, &ValidationError{Msg: "lat and lng required"}
	}
	pt := geo.Point{Lat: lat, Lng: lng}
	if s.fence == nil {
		return geo.Classification{Inside: true, Snapped: pt}, nil
	}
	return s.fence.Classify(pt), nil
}

func matchesRole(rec model.LocationRecord, role string) bool {
	return role == "" || strings.EqualFold(string(rec.Role), role)
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || !finite(f) {
		return 0, false
	}
	return f, true
}

func optional(v any) *float64 {
	f, ok := number(v)
	if !ok {
		return nil
	}
	return &f
}

func finiteOrNil(v *float64) *float64 {
	if v == nil || !finite(*v) {
		return nil
	}
	c := *v
	return &c
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
