package lines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"busmap/internal/geo"
)

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Tags     map[string]string `json:"tags"`
	Members  []overpassMember  `json:"members"`
	Geometry []overpassPoint   `json:"geometry"`
}

type overpassMember struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref"`
	Role string `json:"role"`
}

type overpassPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// buildFromOverpass queries bus route relations intersecting the boundary's
// bbox, walks their member ways and clips each way's point sequence.
func (b *Builder) buildFromOverpass(ctx context.Context, geom geo.Geometry) ([]Line, error) {
	bbox := geo.ComputeBBox(geom)
	query := fmt.Sprintf(`[out:json][timeout:25];
(
  relation["route"="bus"](%f,%f,%f,%f);
);
out body;
>;
out geom;
`, bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)

	b.metrics.Request("overpass")
	req, err := http.NewRequestWithContext(ctx, "POST", b.overpassURL,
		strings.NewReader("data="+url.QueryEscape(query)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		b.metrics.RequestError("overpass")
		return nil, fmt.Errorf("overpass request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.metrics.RequestError("overpass")
		return nil, fmt.Errorf("overpass status %d", resp.StatusCode)
	}

	var data overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode overpass response: %w", err)
	}

	ways := make(map[int64]overpassElement)
	var relations []overpassElement
	for _, el := range data.Elements {
		switch el.Type {
		case "way":
			if len(el.Geometry) > 0 {
				ways[el.ID] = el
			}
		case "relation":
			relations = append(relations, el)
		}
	}

	var result []Line
	for _, rel := range relations {
		tags := rel.Tags
		color := firstTag(tags, "colour", "colour:line", "route:colour")
		routeID := tags["ref"]
		if routeID == "" {
			routeID = strconv.FormatInt(rel.ID, 10)
		}
		name := firstTag(tags, "name", "ref")
		if name == "" {
			name = "Bus line"
		}

		for _, member := range rel.Members {
			if member.Type != "way" {
				continue
			}
			way, ok := ways[member.Ref]
			if !ok {
				continue
			}

			points := make([][2]float64, 0, len(way.Geometry))
			for _, p := range way.Geometry {
				points = append(points, [2]float64{p.Lat, p.Lon})
			}

			for i, seg := range ClipToBoundary(points, geom, bbox) {
				lineColor := color
				if lineColor == "" {
					lineColor = ColorFromID(routeID)
				}
				result = append(result, Line{
					RouteID:      routeID,
					RelationID:   rel.ID,
					SegmentIndex: i,
					ShortName:    tags["ref"],
					LongName:     tags["name"],
					Name:         name,
					Color:        lineColor,
					Coords:       seg,
				})
			}
		}
	}

	b.logger.Info("lines built from overpass",
		"relations", len(relations), "segments", len(result))
	return result, nil
}

func firstTag(tags map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := tags[k]; v != "" {
			return v
		}
	}
	return ""
}
