package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role categorizes an actor. It drives map icons and list filters.
type Role string

const (
	RoleStudent   Role = "student"
	RoleAmbulance Role = "ambulance"
	RoleDriver    Role = "driver"
	RoleGuard     Role = "guard"
	RoleFaculty   Role = "faculty"
)

var knownRoles = map[Role]struct{}{
	RoleStudent:   {},
	RoleAmbulance: {},
	RoleDriver:    {},
	RoleGuard:     {},
	RoleFaculty:   {},
}

// ParseRole validates a raw role claim. Only the identity layer calls it;
// the presence core trusts roles it is handed.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return r, nil
}

// Identity is the verified caller attached to a request by the auth layer.
type Identity struct {
	ActorID     string
	DisplayName string
	Role        Role
}

// LocationRecord is the latest known position of one actor.
type LocationRecord struct {
	ActorID     string   `json:"userId" cbor:"1,keyasint"`
	DisplayName string   `json:"name" cbor:"2,keyasint"`
	Role        Role     `json:"role" cbor:"3,keyasint"`
	Latitude    float64  `json:"lat" cbor:"4,keyasint"`
	Longitude   float64  `json:"lng" cbor:"5,keyasint"`
	Heading     *float64 `json:"heading" cbor:"6,keyasint"`
	Speed       *float64 `json:"speed" cbor:"7,keyasint"`
	Accuracy    *float64 `json:"accuracy" cbor:"8,keyasint"`
	Timestamp   int64    `json:"ts" cbor:"9,keyasint"`
}

// Clone returns a copy that shares no memory with r.
func (r LocationRecord) Clone() LocationRecord {
	out := r
	out.Heading = cloneFloat(r.Heading)
	out.Speed = cloneFloat(r.Speed)
	out.Accuracy = cloneFloat(r.Accuracy)
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// EventKind names the payload carried by an Event.
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventLocation EventKind = "location"
)

// Event is what subscribers receive: one snapshot on subscribe, then a
// location event for every accepted report.
type Event struct {
	Kind    EventKind
	Record  LocationRecord
	Records []LocationRecord
}

// SnapshotEvent wraps a full copy of the presence state.
func SnapshotEvent(records []LocationRecord) Event {
	if records == nil {
		records = []LocationRecord{}
	}
	return Event{Kind: EventSnapshot, Records: records}
}

// LocationEvent wraps a single accepted report.
func LocationEvent(rec LocationRecord) Event {
	return Event{Kind: EventLocation, Record: rec}
}

// MarshalJSON renders the {"type": ..., "data": ...} shape map clients expect.
func (e Event) MarshalJSON() ([]byte, error) {
	var data any
	switch e.Kind {
	case EventSnapshot:
		records := e.Records
		if records == nil {
			records = []LocationRecord{}
		}
		data = records
	case EventLocation:
		data = e.Record
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		Data any       `json:"data"`
	}{Type: e.Kind, Data: data})
}

// NearbyRecord is a LocationRecord annotated with its distance in meters
// from a proximity query point.
type NearbyRecord struct {
	LocationRecord
	Distance float64 `json:"distance"`
}

// IngestionError captures a location report that failed validation.
type IngestionError struct {
	ActorID   string `json:"userId"`
	Source    string `json:"source"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
	CreatedAt string `json:"createdAt,omitempty"`
}
