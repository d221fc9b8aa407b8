package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fence answers on/off campus questions for a fixed boundary.
type Fence struct {
	poly Polygon
}

// Classification is the server-side geofence verdict for one point.
type Classification struct {
	Inside  bool  `json:"inside"`
	Snapped Point `json:"snapped"`
}

// NewFence validates poly and keeps a private copy of it.
func NewFence(poly Polygon) (*Fence, error) {
	if err := poly.Validate(); err != nil {
		return nil, err
	}
	return &Fence{poly: append(Polygon(nil), poly...)}, nil
}

// Polygon returns a copy of the fence boundary.
func (f *Fence) Polygon() Polygon {
	return append(Polygon(nil), f.poly...)
}

// Classify tests pt against the boundary and clamps it when it is outside.
func (f *Fence) Classify(pt Point) Classification {
	if Contains(pt, f.poly) {
		return Classification{Inside: true, Snapped: pt}
	}
	return Classification{Inside: false, Snapped: Snap(pt, f.poly)}
}

// DefaultCampus is the campus boundary served when no file is configured.
func DefaultCampus() Polygon {
	return Polygon{
		{31.701142435233336, 76.52183491166852},
		{31.700896058360115, 76.5228150353501},
		{31.701066627033995, 76.52361695472655},
		{31.70133195545968, 76.52404018995327},
		{31.701313003454203, 76.52515396686454},
		{31.702336406195244, 76.52600043731803},
		{31.703321894460032, 76.52722559191955},
		{31.705027522483192, 76.52780475591368},
		{31.70517913234525, 76.52856212421466},
		{31.706012982155613, 76.52865122636723},
		{31.7073963982604, 76.52960907451103},
		{31.713612040610613, 76.5271587653047},
		{31.713934181448877, 76.52602271285576},
		{31.713972080298035, 76.52515396686454},
		{31.7127593094594, 76.52493121148228},
		{31.711982369804915, 76.5243965985652},
		{31.711527572839856, 76.524062465491},
		{31.711546522758226, 76.52359467918876},
		{31.710978023531126, 76.52314916842431},
		{31.71027686968536, 76.5228150353501},
		{31.709822064355592, 76.52272593319753},
		{31.709348306432304, 76.52225814689359},
		{31.709083000937625, 76.52210221812624},
		{31.708173376337953, 76.52257000443012},
		{31.706429904250257, 76.5235055770346},
		{31.703947295043434, 76.52270365765816},
		{31.702014225068837, 76.52283731088784},
		{31.701350907460608, 76.52199084043599},
		{31.701142435233336, 76.52183491166852},
	}
}

// LoadPolygon reads a campus boundary file. Files ending in .yaml or .yml
// hold a `vertices` list of [lat, lng] pairs; anything else is parsed as
// GeoJSON (Polygon geometry, Feature or FeatureCollection) whose first
// polygon's outer ring is used. GeoJSON positions are [lng, lat].
func LoadPolygon(path string) (Polygon, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read campus file: %w", err)
	}

	var poly Polygon
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		poly, err = ParseYAMLPolygon(raw)
	default:
		poly, err = ParseGeoJSONPolygon(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse campus file %s: %w", path, err)
	}
	if err := poly.Validate(); err != nil {
		return nil, fmt.Errorf("campus file %s: %w", path, err)
	}
	return poly, nil
}

type yamlCampus struct {
	Name     string      `yaml:"name"`
	Vertices [][]float64 `yaml:"vertices"`
}

// ParseYAMLPolygon decodes the YAML campus format.
func ParseYAMLPolygon(raw []byte) (Polygon, error) {
	var doc yamlCampus
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	poly := make(Polygon, 0, len(doc.Vertices))
	for i, v := range doc.Vertices {
		if len(v) != 2 {
			return nil, fmt.Errorf("vertex %d has %d coordinates, want [lat, lng]", i, len(v))
		}
		poly = append(poly, Point{Lat: v[0], Lng: v[1]})
	}
	return poly, nil
}

type geoJSONObject struct {
	Type        string            `json:"type"`
	Coordinates json.RawMessage   `json:"coordinates"`
	Geometry    *geoJSONObject    `json:"geometry"`
	Features    []json.RawMessage `json:"features"`
}

// ParseGeoJSONPolygon extracts the outer ring of the first polygon found.
func ParseGeoJSONPolygon(raw []byte) (Polygon, error) {
	var obj geoJSONObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	switch strings.ToLower(obj.Type) {
	case "featurecollection":
		for _, f := range obj.Features {
			if poly, err := ParseGeoJSONPolygon(f); err == nil {
				return poly, nil
			}
		}
		return nil, errors.New("no polygon feature found")
	case "feature":
		if obj.Geometry == nil {
			return nil, errors.New("feature has no geometry")
		}
		return ringFromGeometry(*obj.Geometry)
	default:
		return ringFromGeometry(obj)
	}
}

func ringFromGeometry(g geoJSONObject) (Polygon, error) {
	var ring [][]float64
	switch strings.ToLower(g.Type) {
	case "polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return nil, err
		}
		if len(rings) == 0 {
			return nil, errors.New("polygon has no rings")
		}
		ring = rings[0]
	case "multipolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err != nil {
			return nil, err
		}
		if len(polys) == 0 || len(polys[0]) == 0 {
			return nil, errors.New("multipolygon has no rings")
		}
		ring = polys[0][0]
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}

	poly := make(Polygon, 0, len(ring))
	for i, pos := range ring {
		if len(pos) < 2 {
			return nil, fmt.Errorf("position %d has %d coordinates", i, len(pos))
		}
		poly = append(poly, Point{Lat: pos[1], Lng: pos[0]})
	}
	return poly, nil
}
