// Package stops resolves the boundary's stop set from the national stop
// registry, falling back to the static bundle when the registry is down.
package stops

import (
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"busmap/internal/cache"
	"busmap/internal/geo"
	"busmap/internal/gtfs"
	"busmap/internal/metrics"
)

// Stop is a physical boarding point inside the boundary.
type Stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Result is the filtered stop set with the source that produced it
// ("registry" or "gtfs").
type Result struct {
	Stops  []Stop `json:"stops"`
	Source string `json:"source"`
}

// Resolver builds the boundary-filtered stop set.
type Resolver struct {
	registryURL string
	ingestor    *gtfs.Ingestor
	cache       *cache.Persisted
	cacheKey    string
	ttl         time.Duration
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// NewResolver creates a Resolver. boundaryName scopes the cache key.
func NewResolver(registryURL, boundaryName string, ingestor *gtfs.Ingestor, c *cache.Persisted, ttl time.Duration, mc *metrics.Collector, logger *slog.Logger) *Resolver {
	return &Resolver{
		registryURL: registryURL,
		ingestor:    ingestor,
		cache:       c,
		cacheKey:    "stops:" + boundaryName,
		ttl:         ttl,
		client:      &http.Client{Timeout: 2 * time.Minute},
		logger:      logger,
		metrics:     mc,
	}
}

// Stops returns the cached stop set for the boundary, building it on miss.
func (r *Resolver) Stops(ctx context.Context, geom geo.Geometry) (*Result, error) {
	res, err := cache.GetOrPopulate(ctx, r.cache, r.cacheKey, r.ttl, func(ctx context.Context) (Result, error) {
		return r.build(ctx, geom)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// build tries the registry first. Registry failure degrades to the static
// bundle's stops table with a warning; bundle failure is final.
func (r *Resolver) build(ctx context.Context, geom geo.Geometry) (Result, error) {
	stops, err := r.buildFromRegistry(ctx, geom)
	if err == nil {
		return Result{Stops: stops, Source: "registry"}, nil
	}
	r.logger.Warn("stop registry failed, falling back to static bundle", "error", err)

	stops, err = r.buildFromBundle(ctx, geom)
	if err != nil {
		return Result{}, err
	}
	return Result{Stops: stops, Source: "gtfs"}, nil
}

func (r *Resolver) buildFromRegistry(ctx context.Context, geom geo.Geometry) ([]Stop, error) {
	r.metrics.Request("stops")
	req, err := http.NewRequestWithContext(ctx, "GET", r.registryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.RequestError("stops")
		return nil, fmt.Errorf("download stop registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.metrics.RequestError("stops")
		return nil, fmt.Errorf("stop registry status %d", resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	bbox := geo.ComputeBBox(geom)
	var stops []Stop
	err = gtfs.DecodeCSV(gz, func(row gtfs.StopRow) bool {
		if s, ok := filterStop(row, geom, bbox); ok {
			stops = append(stops, s)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("parse stop registry: %w", err)
	}

	r.logger.Info("stops built from registry", "count", len(stops))
	return stops, nil
}

func (r *Resolver) buildFromBundle(ctx context.Context, geom geo.Geometry) ([]Stop, error) {
	bbox := geo.ComputeBBox(geom)
	var stops []Stop
	err := gtfs.EachRow(ctx, r.ingestor, "stops.txt", func(row gtfs.StopRow) bool {
		if s, ok := filterStop(row, geom, bbox); ok {
			stops = append(stops, s)
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("stops built from static bundle", "count", len(stops))
	return stops, nil
}

// filterStop keeps physical boarding points with finite coordinates inside
// the boundary. location_type empty or "0" is a boarding point; stations,
// entrances and generic nodes are skipped.
func filterStop(row gtfs.StopRow, geom geo.Geometry, bbox geo.BBox) (Stop, bool) {
	lat, errLat := strconv.ParseFloat(row.Lat, 64)
	lon, errLon := strconv.ParseFloat(row.Lon, 64)
	if errLat != nil || errLon != nil {
		return Stop{}, false
	}

	if lt := row.LocationType; lt != "" && lt != "0" {
		return Stop{}, false
	}

	if !bbox.Contains(lon, lat) || !geo.PointInGeometry(lon, lat, geom) {
		return Stop{}, false
	}

	return Stop{ID: row.StopID, Name: row.Name, Lat: lat, Lon: lon}, true
}
