// Package stoparea maintains the stop-to-stoparea index: the exact mapping
// mined from the static bundle's parent_station column, plus the realtime
// provider's area directory for nearest-neighbor fallback.
package stoparea

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"busmap/internal/cache"
	"busmap/internal/geo"
	"busmap/internal/gtfs"
	"busmap/internal/metrics"
	"busmap/internal/ovapi"
	"busmap/internal/storage"
)

// Area is one entry of the provider's stop-area directory.
type Area struct {
	Code string  `json:"code"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Name string  `json:"name,omitempty"`
	Town string  `json:"town,omitempty"`
}

// Index joins the two sources. ByStopID is authoritative; Areas backs the
// nearest-neighbor fallback and carries its own refresh timestamp because
// the directory goes stale much faster than the bundle mapping.
type Index struct {
	ByStopID       map[string]string `json:"byStopId"`
	Areas          []Area            `json:"areas"`
	AreasUpdatedAt time.Time         `json:"areasUpdatedAt"`
}

// Match is a resolved stop-area reference. Approximate marks a
// nearest-neighbor hit beyond the configured radius.
type Match struct {
	Code        string `json:"code"`
	DistanceM   int    `json:"distanceM"`
	Approximate bool   `json:"approximate"`
}

// Resolver builds and queries the stop-area index.
type Resolver struct {
	baseURL   string
	userAgent string
	radiusM   float64
	ingestor  *gtfs.Ingestor
	cache     *cache.Persisted
	cacheKey  string
	ttl       time.Duration // whole-index lifetime
	areasTTL  time.Duration // directory refresh interval
	client    *http.Client
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// NewResolver creates a Resolver. boundaryName scopes the cache key.
func NewResolver(baseURL, userAgent, boundaryName string, radiusM float64, ingestor *gtfs.Ingestor, c *cache.Persisted, ttl, areasTTL time.Duration, mc *metrics.Collector, logger *slog.Logger) *Resolver {
	return &Resolver{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		radiusM:   radiusM,
		ingestor:  ingestor,
		cache:     c,
		cacheKey:  "stopareas:" + boundaryName,
		ttl:       ttl,
		areasTTL:  areasTTL,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
		metrics:   mc,
	}
}

// Resolve maps a stop to its stop area. The exact bundle mapping wins with
// distance zero; otherwise the nearest directory entry is returned, marked
// approximate when it lies beyond the radius. Nil means no area is known.
func (r *Resolver) Resolve(ctx context.Context, stopID string, lat, lon float64, geom geo.Geometry) (*Match, error) {
	if stopID == "" {
		return nil, nil
	}
	idx, err := r.index(ctx, geom)
	if err != nil {
		return nil, err
	}

	if code, ok := idx.ByStopID[stopID]; ok && code != "" {
		return &Match{Code: code, DistanceM: 0, Approximate: false}, nil
	}

	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return nil, nil
	}
	return r.nearest(lat, lon, idx.Areas), nil
}

func (r *Resolver) nearest(lat, lon float64, areas []Area) *Match {
	var best *Area
	bestDist := math.Inf(1)
	for i := range areas {
		d := geo.DistanceBetweenPointsMeters(lat, lon, areas[i].Lat, areas[i].Lon)
		if d < bestDist {
			bestDist = d
			best = &areas[i]
		}
	}
	if best == nil || best.Code == "" {
		return nil
	}
	return &Match{
		Code:        best.Code,
		DistanceM:   int(math.Round(bestDist)),
		Approximate: bestDist > r.radiusM,
	}
}

// index returns the cached index, refreshing only the directory half when the
// bundle mapping is still fresh. The merge keeps the cached ByStopID so a
// directory refresh never loses the authoritative mapping.
func (r *Resolver) index(ctx context.Context, geom geo.Geometry) (*Index, error) {
	if idx := r.readFresh(ctx); idx != nil {
		if time.Since(idx.AreasUpdatedAt) < r.areasTTL {
			r.metrics.Hit("stopareas")
			return idx, nil
		}

		unlock := r.cache.Lock(r.cacheKey)
		defer unlock()
		if idx := r.readFresh(ctx); idx != nil && time.Since(idx.AreasUpdatedAt) < r.areasTTL {
			r.metrics.Hit("stopareas")
			return idx, nil
		}

		r.metrics.Miss("stopareas")
		rebuilt, err := r.build(ctx, geom)
		if err != nil {
			return nil, err
		}
		if len(idx.ByStopID) > 0 {
			rebuilt.ByStopID = idx.ByStopID
		}
		r.persist(ctx, rebuilt)
		return rebuilt, nil
	}

	unlock := r.cache.Lock(r.cacheKey)
	defer unlock()
	if idx := r.readFresh(ctx); idx != nil && time.Since(idx.AreasUpdatedAt) < r.areasTTL {
		r.metrics.Hit("stopareas")
		return idx, nil
	}

	r.metrics.Miss("stopareas")
	idx, err := r.build(ctx, geom)
	if err != nil {
		return nil, err
	}
	r.persist(ctx, idx)
	return idx, nil
}

// readFresh returns the cached index if the entry as a whole is within the
// index TTL, nil otherwise.
func (r *Resolver) readFresh(ctx context.Context) *Index {
	payload, fetchedAt, err := r.cache.Read(ctx, r.cacheKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNoEntry) {
			r.logger.Warn("stoparea index read failed", "error", err)
		}
		return nil
	}
	if time.Since(fetchedAt) >= r.ttl {
		return nil
	}
	var idx Index
	if err := json.Unmarshal(payload, &idx); err != nil {
		r.logger.Warn("stoparea index unreadable, rebuilding", "error", err)
		return nil
	}
	if idx.ByStopID == nil {
		return nil
	}
	return &idx
}

func (r *Resolver) persist(ctx context.Context, idx *Index) {
	payload, err := json.Marshal(idx)
	if err != nil {
		r.logger.Warn("stoparea index encode failed", "error", err)
		return
	}
	if err := r.cache.Write(ctx, r.cacheKey, payload); err != nil {
		r.logger.Warn("stoparea index write failed", "error", err)
	}
}

// build constructs a fresh index. The bundle mapping is required; the
// directory is best effort, a failure leaves Areas empty with a warning so
// exact matches keep working.
func (r *Resolver) build(ctx context.Context, geom geo.Geometry) (*Index, error) {
	byStopID := make(map[string]string)
	err := gtfs.EachRow(ctx, r.ingestor, "stops.txt", func(row gtfs.StopRow) bool {
		if row.StopID == "" {
			return true
		}
		if code := normalizeAreaCode(row.ParentStation); code != "" {
			byStopID[row.StopID] = code
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("build stop-area mapping: %w", err)
	}

	var areas []Area
	if fetched, err := r.fetchDirectory(ctx); err != nil {
		r.logger.Warn("stop-area directory unavailable", "error", err)
	} else {
		areas = r.filterToBoundary(fetched, geom)
	}

	r.logger.Info("stop-area index built", "mapped_stops", len(byStopID), "areas", len(areas))
	return &Index{ByStopID: byStopID, Areas: areas, AreasUpdatedAt: time.Now()}, nil
}

// directoryEntry's coordinates arrive as numbers or strings depending on the
// upstream; an entry with unusable ones is skipped, not fatal.
type directoryEntry struct {
	Latitude        ovapi.Float `json:"Latitude"`
	Longitude       ovapi.Float `json:"Longitude"`
	TimingPointName string      `json:"TimingPointName"`
	TimingPointTown string      `json:"TimingPointTown"`
}

func (r *Resolver) fetchDirectory(ctx context.Context) ([]Area, error) {
	r.metrics.Request("ovapi")
	req, err := http.NewRequestWithContext(ctx, "GET", r.baseURL+"/stopareacode/", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.RequestError("ovapi")
		return nil, fmt.Errorf("fetch stop-area directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.metrics.RequestError("ovapi")
		return nil, fmt.Errorf("stop-area directory status %d", resp.StatusCode)
	}

	var data map[string]*directoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode stop-area directory: %w", err)
	}

	areas := make([]Area, 0, len(data))
	for code, info := range data {
		if info == nil {
			continue
		}
		lat, okLat := info.Latitude.Value()
		lon, okLon := info.Longitude.Value()
		if !okLat || !okLon {
			continue
		}
		areas = append(areas, Area{
			Code: code,
			Lat:  lat,
			Lon:  lon,
			Name: info.TimingPointName,
			Town: info.TimingPointTown,
		})
	}
	return areas, nil
}

// filterToBoundary keeps areas inside the boundary bbox expanded by the match
// radius, so an area just across the border can still back a near-edge stop.
func (r *Resolver) filterToBoundary(areas []Area, geom geo.Geometry) []Area {
	bbox := geo.ComputeBBox(geom)
	margin := r.radiusM / geo.MetersPerDegree
	expanded := geo.BBox{
		MinLon: bbox.MinLon - margin,
		MaxLon: bbox.MaxLon + margin,
		MinLat: bbox.MinLat - margin,
		MaxLat: bbox.MaxLat + margin,
	}

	kept := areas[:0]
	for _, a := range areas {
		if expanded.Contains(a.Lon, a.Lat) {
			kept = append(kept, a)
		}
	}
	return kept
}

// normalizeAreaCode strips the "stoparea:" prefix some feeds carry on
// parent_station. Empty input stays empty.
func normalizeAreaCode(value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return ""
	}
	const prefix = "stoparea:"
	if len(raw) >= len(prefix) && strings.EqualFold(raw[:len(prefix)], prefix) {
		return raw[len(prefix):]
	}
	return raw
}
