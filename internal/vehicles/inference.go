package vehicles

import (
	"context"
	"log/slog"
	"math"
	"time"

	"busmap/internal/cache"
	"busmap/internal/geo"
	"busmap/internal/lines"
)

// indexedLine pairs a clipped line with its precomputed bbox so the scan can
// reject most candidates without a distance computation.
type indexedLine struct {
	line lines.Line
	bbox geo.BBox
}

// Inference backfills line identity for vehicles the provider left blank by
// matching their position against the clipped line geometries.
type Inference struct {
	radiusM  float64
	indexTTL time.Duration
	lines    LineSource
	memory   *cache.Memory
	logger   *slog.Logger
}

// NewInference creates an inference engine matching within radiusM meters.
func NewInference(radiusM float64, indexTTL time.Duration, ls LineSource, memory *cache.Memory, logger *slog.Logger) *Inference {
	return &Inference{
		radiusM:  radiusM,
		indexTTL: indexTTL,
		lines:    ls,
		memory:   memory,
		logger:   logger,
	}
}

// Apply annotates, in place, every vehicle without a line number. Index
// build failure leaves the snapshot untouched; live positions beat complete
// labels.
func (e *Inference) Apply(ctx context.Context, geom geo.Geometry, snap *Snapshot) {
	if snap == nil {
		return
	}
	var index []indexedLine
	inferred := 0

	for i := range snap.Vehicles {
		v := &snap.Vehicles[i]
		if v.LineNumber != "" {
			continue
		}

		if index == nil {
			var err error
			index, err = e.index(ctx, geom)
			if err != nil {
				e.logger.Warn("line index unavailable, skipping inference", "error", err)
				return
			}
		}

		if match := e.nearestLine(v.Lat, v.Lon, index); match != nil {
			v.LineNumber = lines.NormalizeNumber(match.ShortName)
			if v.LineName == "" {
				v.LineName = match.LongName
			}
			if v.LineName == "" {
				v.LineName = match.Name
			}
			if v.RouteID == "" {
				v.RouteID = match.RouteID
			}
			v.Inferred = true
			inferred++
		}
	}

	if inferred > 0 {
		e.logger.Debug("line identity inferred", "vehicles", inferred)
	}
}

// nearestLine returns the closest line within the radius, nil when nothing
// qualifies. The candidate bbox is expanded by the latitude-corrected degree
// equivalent of the radius before overlap testing.
func (e *Inference) nearestLine(lat, lon float64, index []indexedLine) *lines.Line {
	latMargin := geo.MetersToDegrees(e.radiusM)
	lonMargin := geo.LonDegreesForMeters(e.radiusM, lat)

	var best *lines.Line
	bestDist := math.Inf(1)
	for i := range index {
		b := index[i].bbox
		if lon < b.MinLon-lonMargin || lon > b.MaxLon+lonMargin ||
			lat < b.MinLat-latMargin || lat > b.MaxLat+latMargin {
			continue
		}
		d := geo.DistancePointToPolylineMeters(lat, lon, index[i].line.Coords)
		if d < bestDist {
			bestDist = d
			best = &index[i].line
		}
	}
	if best == nil || bestDist > e.radiusM {
		return nil
	}
	return best
}

// index returns the bbox-augmented line index, rebuilt on its own TTL so a
// line-set refresh propagates without waiting for the persisted cache.
func (e *Inference) index(ctx context.Context, geom geo.Geometry) ([]indexedLine, error) {
	v, err := e.memory.GetOrPopulate(ctx, "inference:index", e.indexTTL, func(ctx context.Context) (any, error) {
		set, err := e.lines.Lines(ctx, geom)
		if err != nil {
			return nil, err
		}
		index := make([]indexedLine, 0, len(set.Lines))
		for _, line := range set.Lines {
			if len(line.Coords) < 2 || lines.NormalizeNumber(line.ShortName) == "" {
				continue
			}
			index = append(index, indexedLine{line: line, bbox: geo.BBoxOfLatLon(line.Coords)})
		}
		return index, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]indexedLine), nil
}
