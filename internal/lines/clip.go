// Package lines builds boundary-clipped bus line geometries from either a
// map-relation service (Overpass) or the static bundle's shapes, and owns the
// line-number and color helpers shared across the pipeline.
package lines

import "busmap/internal/geo"

// ClipToBoundary splits a raw path of [lat, lon] points into maximal runs of
// consecutive points inside the boundary. A point is inside when it passes
// the bbox pre-filter and the exact polygon test. Runs shorter than two
// points are discarded, so a path that dips outside and re-enters yields
// disjoint segments, never one that jumps the gap.
func ClipToBoundary(points [][2]float64, geom geo.Geometry, bbox geo.BBox) [][][2]float64 {
	var segments [][][2]float64
	var current [][2]float64

	for _, p := range points {
		lat, lon := p[0], p[1]
		inside := bbox.Contains(lon, lat) && geo.PointInGeometry(lon, lat, geom)
		if inside {
			current = append(current, [2]float64{lat, lon})
			continue
		}
		if len(current) >= 2 {
			segments = append(segments, current)
		}
		current = nil
	}
	if len(current) >= 2 {
		segments = append(segments, current)
	}
	return segments
}
