package lines

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"busmap/internal/cache"
	"busmap/internal/geo"
	"busmap/internal/gtfs"
	"busmap/internal/metrics"
)

// Line is one boundary-clipped segment of a bus route's geometry. A single
// upstream route can yield several Lines: one per clipped segment, one per
// route sharing a shape or way.
type Line struct {
	RouteID      string       `json:"routeId"`
	ShapeID      string       `json:"shapeId,omitempty"`
	RelationID   int64        `json:"relationId,omitempty"`
	SegmentIndex int          `json:"segmentIndex"`
	ShortName    string       `json:"shortName"`
	LongName     string       `json:"longName"`
	Name         string       `json:"name,omitempty"`
	Color        string       `json:"color"`
	TextColor    string       `json:"textColor,omitempty"`
	Coords       [][2]float64 `json:"coords"` // [lat, lon] pairs, length >= 2
}

// Set is the built line collection with the strategy that actually produced
// it ("overpass" or "gtfs").
type Set struct {
	Lines  []Line `json:"lines"`
	Source string `json:"source"`
}

// Builder constructs the boundary's line set from the configured source,
// falling back from Overpass to the static bundle when Overpass fails.
type Builder struct {
	source      string // configured preference
	overpassURL string
	ingestor    *gtfs.Ingestor
	cache       *cache.Persisted
	cacheKey    string
	ttl         time.Duration
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// NewBuilder creates a Builder. boundaryName scopes the cache key, so a
// reconfigured boundary never reads another boundary's lines.
func NewBuilder(source, overpassURL, boundaryName string, ingestor *gtfs.Ingestor, c *cache.Persisted, ttl time.Duration, mc *metrics.Collector, logger *slog.Logger) *Builder {
	return &Builder{
		source:      source,
		overpassURL: overpassURL,
		ingestor:    ingestor,
		cache:       c,
		cacheKey:    fmt.Sprintf("lines:%s:%s", boundaryName, source),
		ttl:         ttl,
		client:      &http.Client{Timeout: 60 * time.Second},
		logger:      logger,
		metrics:     mc,
	}
}

// Lines returns the cached line set for the boundary, building it on miss.
func (b *Builder) Lines(ctx context.Context, geom geo.Geometry) (*Set, error) {
	set, err := cache.GetOrPopulate(ctx, b.cache, b.cacheKey, b.ttl, func(ctx context.Context) (Set, error) {
		return b.build(ctx, geom)
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// build runs the configured strategy. Overpass failure degrades to the static
// bundle with a warning; bundle failure is final since it is the only
// authoritative fallback.
func (b *Builder) build(ctx context.Context, geom geo.Geometry) (Set, error) {
	if b.source == "overpass" {
		lines, err := b.buildFromOverpass(ctx, geom)
		if err == nil {
			return Set{Lines: lines, Source: "overpass"}, nil
		}
		b.logger.Warn("overpass failed, falling back to static bundle", "error", err)
	}

	lines, err := b.buildFromShapes(ctx, geom)
	if err != nil {
		return Set{}, err
	}
	return Set{Lines: lines, Source: "gtfs"}, nil
}
