package geo

import (
	"encoding/json"
	"fmt"
	"math"
)

// Position is a GeoJSON coordinate pair in [lon, lat] order.
type Position [2]float64

// Lon returns the longitude component.
func (p Position) Lon() float64 { return p[0] }

// Lat returns the latitude component.
func (p Position) Lat() float64 { return p[1] }

// Ring is a closed sequence of positions. Ring 0 of a polygon is the outer
// boundary; subsequent rings are holes.
type Ring []Position

// Polygon is one outer ring plus zero or more hole rings.
type Polygon []Ring

// Geometry is a decoded GeoJSON geometry. Only Polygon and MultiPolygon carry
// coordinates; every other type yields an empty Polygons slice and contains
// no points.
type Geometry struct {
	Type     string
	Polygons []Polygon
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// UnmarshalJSON decodes a GeoJSON geometry object.
func (g *Geometry) UnmarshalJSON(data []byte) error {
	var raw rawGeometry
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Type = raw.Type
	g.Polygons = nil

	switch raw.Type {
	case "Polygon":
		var poly Polygon
		if err := json.Unmarshal(raw.Coordinates, &poly); err != nil {
			return fmt.Errorf("polygon coordinates: %w", err)
		}
		g.Polygons = []Polygon{poly}
	case "MultiPolygon":
		if err := json.Unmarshal(raw.Coordinates, &g.Polygons); err != nil {
			return fmt.Errorf("multipolygon coordinates: %w", err)
		}
	}
	return nil
}

// MarshalJSON encodes the geometry back into GeoJSON form, so cached payloads
// round-trip unchanged.
func (g Geometry) MarshalJSON() ([]byte, error) {
	var coords any
	switch g.Type {
	case "Polygon":
		if len(g.Polygons) > 0 {
			coords = g.Polygons[0]
		} else {
			coords = Polygon{}
		}
	case "MultiPolygon":
		coords = g.Polygons
	default:
		coords = []any{}
	}
	return json.Marshal(struct {
		Type        string `json:"type"`
		Coordinates any    `json:"coordinates"`
	}{Type: g.Type, Coordinates: coords})
}

// pointInRing reports whether (lon, lat) is inside the ring using the even-odd
// rule. Winding direction does not matter. Boundary points follow the
// half-open convention of the crossing test: on an axis-aligned ring the
// lower and left edges count as inside, the upper and right edges as
// outside.
func pointInRing(lon, lat float64, ring Ring) bool {
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i].Lon(), ring[i].Lat()
		xj, yj := ring[j].Lon(), ring[j].Lat()
		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// PointInPolygon reports whether (lon, lat) is inside the polygon's outer ring
// and outside every hole ring.
func PointInPolygon(lon, lat float64, poly Polygon) bool {
	if len(poly) == 0 || !pointInRing(lon, lat, poly[0]) {
		return false
	}
	for _, hole := range poly[1:] {
		if pointInRing(lon, lat, hole) {
			return false
		}
	}
	return true
}

// PointInGeometry reports whether (lon, lat) is contained in the geometry.
// Geometry types other than Polygon and MultiPolygon never contain anything.
func PointInGeometry(lon, lat float64, g Geometry) bool {
	switch g.Type {
	case "Polygon", "MultiPolygon":
		for _, poly := range g.Polygons {
			if PointInPolygon(lon, lat, poly) {
				return true
			}
		}
	}
	return false
}

// BBox is an axis-aligned bounding box in degrees.
type BBox struct {
	MinLon, MinLat float64
	MaxLon, MaxLat float64
}

// Contains reports whether (lon, lat) falls inside the box, edges inclusive.
// It is a superset pre-filter for PointInGeometry, never a replacement.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon &&
		lat >= b.MinLat && lat <= b.MaxLat
}

// Expand grows the box by marginDeg on every side.
func (b BBox) Expand(marginDeg float64) BBox {
	return BBox{
		MinLon: b.MinLon - marginDeg,
		MinLat: b.MinLat - marginDeg,
		MaxLon: b.MaxLon + marginDeg,
		MaxLat: b.MaxLat + marginDeg,
	}
}

// Intersects reports whether the two boxes overlap.
func (b BBox) Intersects(o BBox) bool {
	return b.MinLon <= o.MaxLon && b.MaxLon >= o.MinLon &&
		b.MinLat <= o.MaxLat && b.MaxLat >= o.MinLat
}

func emptyBBox() BBox {
	return BBox{
		MinLon: math.Inf(1), MinLat: math.Inf(1),
		MaxLon: math.Inf(-1), MaxLat: math.Inf(-1),
	}
}

func (b *BBox) grow(lon, lat float64) {
	b.MinLon = math.Min(b.MinLon, lon)
	b.MinLat = math.Min(b.MinLat, lat)
	b.MaxLon = math.Max(b.MaxLon, lon)
	b.MaxLat = math.Max(b.MaxLat, lat)
}

// ComputeBBox returns the bounding box of all positions in the geometry.
func ComputeBBox(g Geometry) BBox {
	box := emptyBBox()
	for _, poly := range g.Polygons {
		for _, ring := range poly {
			for _, pos := range ring {
				box.grow(pos.Lon(), pos.Lat())
			}
		}
	}
	return box
}

// BBoxOfLatLon returns the bounding box of a path given as [lat, lon] pairs.
// Non-finite points are skipped.
func BBoxOfLatLon(coords [][2]float64) BBox {
	box := emptyBBox()
	for _, c := range coords {
		lat, lon := c[0], c[1]
		if !isFinite(lat) || !isFinite(lon) {
			continue
		}
		box.grow(lon, lat)
	}
	return box
}

// IsLikelyWGS84 checks that every coordinate lies within the valid
// longitude/latitude ranges. A projected CRS (meters) fails this immediately.
func IsLikelyWGS84(g Geometry) bool {
	box := ComputeBBox(g)
	return box.MinLon >= -180 && box.MaxLon <= 180 &&
		box.MinLat >= -90 && box.MaxLat <= 90
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
