// Package pipeline wires the data-fusion chain together: boundary first,
// then every derived entity (stops, lines, vehicles, departures) resolved
// against it through the shared caches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"busmap/internal/boundary"
	"busmap/internal/cache"
	"busmap/internal/config"
	"busmap/internal/departures"
	"busmap/internal/gtfs"
	"busmap/internal/lines"
	"busmap/internal/metrics"
	"busmap/internal/stoparea"
	"busmap/internal/stops"
	"busmap/internal/storage"
	"busmap/internal/vehicles"
)

// ErrStopNotFound means the requested stop is not part of the boundary's
// stop set.
var ErrStopNotFound = errors.New("stop not found")

// ErrNoStopArea means the stop could not be mapped to any stop area, so no
// departure board exists for it.
var ErrNoStopArea = errors.New("no stop area for stop")

// Pipeline owns the resolution chain and its caches.
type Pipeline struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Collector
	persisted *cache.Persisted
	memory    *cache.Memory

	boundaryResolver *boundary.Resolver
	ingestor         *gtfs.Ingestor
	stopResolver     *stops.Resolver
	lineBuilder      *lines.Builder
	areaResolver     *stoparea.Resolver
	provider         vehicles.Provider
	inference        *vehicles.Inference
	departures       *departures.Client

	boundaryKey string
}

// New assembles the pipeline from configuration. The vehicle provider is
// chosen here; everything else is fixed wiring.
func New(cfg *config.Config, db *storage.DB, mc *metrics.Collector, logger *slog.Logger) *Pipeline {
	persisted := cache.NewPersisted(db, mc, logger)
	memory := cache.NewMemory(mc)

	ingestor := gtfs.NewIngestor(cfg.GTFSStaticSource, cfg.DataDir, cfg.CacheTTL, persisted, db, mc, logger)
	builder := lines.NewBuilder(cfg.LinesSource, cfg.OverpassURL, cfg.BoundaryName, ingestor, persisted, cfg.CacheTTL, mc, logger)

	var provider vehicles.Provider
	if cfg.VehicleProvider == "gtfs-rt" {
		provider = vehicles.NewFeedProvider(cfg.VehiclePosSource, cfg.TripUpdatesSource, cfg.TripUpdatesTTL, ingestor, memory, mc, logger)
	} else {
		provider = vehicles.NewPollingProvider(cfg.PollBaseURL, cfg.UserAgent, cfg.PollBatchSize, cfg.LineListTTL, cfg.ActualsTTL, builder, memory, mc, logger)
	}

	return &Pipeline{
		cfg:       cfg,
		logger:    logger,
		metrics:   mc,
		persisted: persisted,
		memory:    memory,

		boundaryResolver: boundary.NewResolver(cfg.BoundarySource, cfg.BoundaryName, cfg.BoundaryCode, cfg.BoundaryVersions, cfg.BoundaryMaxScan, mc, logger),
		ingestor:         ingestor,
		stopResolver:     stops.NewResolver(cfg.StopsSource, cfg.BoundaryName, ingestor, persisted, cfg.CacheTTL, mc, logger),
		lineBuilder:      builder,
		areaResolver:     stoparea.NewResolver(cfg.PollBaseURL, cfg.UserAgent, cfg.BoundaryName, cfg.StopAreaRadiusM, ingestor, persisted, cfg.CacheTTL, cfg.StopAreasTTL, mc, logger),
		provider:         provider,
		inference:        vehicles.NewInference(cfg.InferenceRadiusM, cfg.LineIndexTTL, builder, memory, logger),
		departures:       departures.NewClient(cfg.PollBaseURL, cfg.UserAgent, cfg.DeparturesTTL, memory, mc, logger),

		boundaryKey: "boundary:" + cfg.BoundaryName + ":" + cfg.BoundaryCode,
	}
}

// Boundary resolves the configured boundary, cached under the long TTL.
func (p *Pipeline) Boundary(ctx context.Context) (*boundary.Feature, error) {
	f, err := cache.GetOrPopulate(ctx, p.persisted, p.boundaryKey, p.cfg.CacheTTL, func(ctx context.Context) (boundary.Feature, error) {
		f, err := p.boundaryResolver.Fetch(ctx)
		if err != nil {
			return boundary.Feature{}, err
		}
		return *f, nil
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Stops returns the boundary-filtered stop set.
func (p *Pipeline) Stops(ctx context.Context) (*stops.Result, error) {
	b, err := p.Boundary(ctx)
	if err != nil {
		return nil, err
	}
	return p.stopResolver.Stops(ctx, b.Geometry)
}

// Lines returns the boundary-clipped line set.
func (p *Pipeline) Lines(ctx context.Context) (*lines.Set, error) {
	b, err := p.Boundary(ctx)
	if err != nil {
		return nil, err
	}
	return p.lineBuilder.Lines(ctx, b.Geometry)
}

// Vehicles returns the current snapshot with inference applied.
func (p *Pipeline) Vehicles(ctx context.Context) (*vehicles.Snapshot, error) {
	b, err := p.Boundary(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := p.provider.Fetch(ctx, b.Geometry)
	if err != nil {
		return nil, err
	}
	p.inference.Apply(ctx, b.Geometry, snap)
	p.metrics.Snapshot(len(snap.Vehicles), snap.FeedTimestamp)
	return snap, nil
}

// VehicleSource reports which provider is serving snapshots.
func (p *Pipeline) VehicleSource() string {
	return p.provider.Source()
}

// StopDepartures resolves a stop to its stop area and returns the area's
// departure board together with the match details.
func (p *Pipeline) StopDepartures(ctx context.Context, stopID string) (*departures.Board, *stoparea.Match, error) {
	b, err := p.Boundary(ctx)
	if err != nil {
		return nil, nil, err
	}

	set, err := p.stopResolver.Stops(ctx, b.Geometry)
	if err != nil {
		return nil, nil, err
	}
	var stop *stops.Stop
	for i := range set.Stops {
		if set.Stops[i].ID == stopID {
			stop = &set.Stops[i]
			break
		}
	}
	if stop == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrStopNotFound, stopID)
	}

	match, err := p.areaResolver.Resolve(ctx, stop.ID, stop.Lat, stop.Lon, b.Geometry)
	if err != nil {
		return nil, nil, err
	}
	if match == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoStopArea, stopID)
	}

	board, err := p.departures.Board(ctx, match.Code)
	if err != nil {
		return nil, nil, err
	}
	return board, match, nil
}

// Warm resolves the long-lived entities once so the first page load after a
// deploy does not pay every upstream's latency.
func (p *Pipeline) Warm(ctx context.Context) error {
	start := time.Now()
	b, err := p.Boundary(ctx)
	if err != nil {
		return fmt.Errorf("warm boundary: %w", err)
	}
	if _, err := p.stopResolver.Stops(ctx, b.Geometry); err != nil {
		return fmt.Errorf("warm stops: %w", err)
	}
	if _, err := p.lineBuilder.Lines(ctx, b.Geometry); err != nil {
		return fmt.Errorf("warm lines: %w", err)
	}
	p.logger.Info("caches warmed", "boundary", b.Name, "took", time.Since(start).Round(time.Millisecond))
	return nil
}
