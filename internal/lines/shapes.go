package lines

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"busmap/internal/geo"
	"busmap/internal/gtfs"
)

type shapePoint struct {
	lat, lon float64
	seq      int
}

// buildFromShapes derives the line set from the static bundle: bus routes,
// their trips' shape references, and the shape point streams. Each shape is
// clipped once and emitted per associated route.
func (b *Builder) buildFromShapes(ctx context.Context, geom geo.Geometry) ([]Line, error) {
	routes, err := b.ingestor.RouteMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}

	// shape_id -> route_ids referencing it, bus routes only.
	shapeRoutes := make(map[string]map[string]struct{})
	err = gtfs.EachRow(ctx, b.ingestor, "trips.txt", func(row gtfs.TripRow) bool {
		if row.ShapeID == "" {
			return true
		}
		if _, ok := routes[row.RouteID]; !ok {
			return true
		}
		set, ok := shapeRoutes[row.ShapeID]
		if !ok {
			set = make(map[string]struct{})
			shapeRoutes[row.ShapeID] = set
		}
		set[row.RouteID] = struct{}{}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan trips: %w", err)
	}

	points := make(map[string][]shapePoint)
	err = gtfs.EachRow(ctx, b.ingestor, "shapes.txt", func(row gtfs.ShapeRow) bool {
		if _, ok := shapeRoutes[row.ShapeID]; !ok {
			return true
		}
		lat, errLat := strconv.ParseFloat(row.Lat, 64)
		lon, errLon := strconv.ParseFloat(row.Lon, 64)
		if errLat != nil || errLon != nil {
			return true
		}
		seq, _ := strconv.Atoi(row.Sequence)
		points[row.ShapeID] = append(points[row.ShapeID], shapePoint{lat: lat, lon: lon, seq: seq})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan shapes: %w", err)
	}

	bbox := geo.ComputeBBox(geom)
	shapeIDs := make([]string, 0, len(points))
	for id := range points {
		shapeIDs = append(shapeIDs, id)
	}
	sort.Strings(shapeIDs)

	var result []Line
	for _, shapeID := range shapeIDs {
		pts := points[shapeID]
		sort.Slice(pts, func(i, j int) bool { return pts[i].seq < pts[j].seq })

		coords := make([][2]float64, 0, len(pts))
		for _, p := range pts {
			coords = append(coords, [2]float64{p.lat, p.lon})
		}
		segments := ClipToBoundary(coords, geom, bbox)
		if len(segments) == 0 {
			continue
		}

		routeIDs := make([]string, 0, len(shapeRoutes[shapeID]))
		for id := range shapeRoutes[shapeID] {
			routeIDs = append(routeIDs, id)
		}
		sort.Strings(routeIDs)

		for _, routeID := range routeIDs {
			info := routes[routeID]
			color := info.Color
			if color == "" {
				color = ColorFromID(routeID)
			}
			textColor := info.TextColor
			if textColor == "" {
				textColor = "#ffffff"
			}
			name := info.ShortName
			if name == "" {
				name = info.LongName
			}
			for i, seg := range segments {
				result = append(result, Line{
					RouteID:      routeID,
					ShapeID:      shapeID,
					SegmentIndex: i,
					ShortName:    info.ShortName,
					LongName:     info.LongName,
					Name:         name,
					Color:        color,
					TextColor:    textColor,
					Coords:       seg,
				})
			}
		}
	}

	b.logger.Info("lines built from static bundle",
		"shapes", len(points), "segments", len(result))
	return result, nil
}
