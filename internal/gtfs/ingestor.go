package gtfs

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"busmap/internal/cache"
	"busmap/internal/metrics"
)

const (
	routeMapKey   = "gtfs:routes"
	tripMapKey    = "gtfs:trips"
	bundleETagKey = "gtfs:bundle_etag"
)

// MetadataStore keeps feed bookkeeping between runs and can drop cache
// entries derived from a replaced bundle. *storage.DB satisfies it.
type MetadataStore interface {
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error
	DeleteEntry(ctx context.Context, key string) error
}

// Ingestor keeps the static bundle zip fresh on disk and serves table streams
// and derived lookups from it.
type Ingestor struct {
	url     string
	zipPath string
	ttl     time.Duration
	client  *http.Client
	cache   *cache.Persisted
	meta    MetadataStore
	logger  *slog.Logger
	metrics *metrics.Collector

	mu sync.Mutex // serializes bundle downloads
}

// NewIngestor creates an Ingestor storing the bundle under dataDir. meta may
// be nil, which disables conditional downloads.
func NewIngestor(url, dataDir string, ttl time.Duration, c *cache.Persisted, meta MetadataStore, mc *metrics.Collector, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		url:     url,
		zipPath: filepath.Join(dataDir, "gtfs-static.zip"),
		ttl:     ttl,
		client:  &http.Client{Timeout: 5 * time.Minute},
		cache:   c,
		meta:    meta,
		logger:  logger,
		metrics: mc,
	}
}

// ensureBundle downloads the bundle zip unless a fresh copy already exists.
// Freshness is the file's age on disk against the configured TTL. A stale
// file is revalidated against the stored ETag first; a 304 restarts the TTL
// clock without a download.
func (g *Ingestor) ensureBundle(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	info, statErr := os.Stat(g.zipPath)
	if statErr == nil && time.Since(info.ModTime()) < g.ttl {
		return g.zipPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(g.zipPath), 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}

	g.metrics.Request("gtfs")
	req, err := http.NewRequestWithContext(ctx, "GET", g.url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if g.meta != nil && statErr == nil {
		if etag, err := g.meta.GetMetadata(ctx, bundleETagKey); err == nil && etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
	}

	g.logger.Info("downloading static bundle", "url", g.url)
	resp, err := g.client.Do(req)
	if err != nil {
		g.metrics.RequestError("gtfs")
		return "", fmt.Errorf("download static bundle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && statErr == nil {
		now := time.Now()
		if err := os.Chtimes(g.zipPath, now, now); err != nil {
			g.logger.Warn("bundle touch failed", "error", err)
		}
		g.logger.Info("static bundle unchanged upstream")
		return g.zipPath, nil
	}
	if resp.StatusCode != http.StatusOK {
		g.metrics.RequestError("gtfs")
		return "", fmt.Errorf("static bundle status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(g.zipPath), "gtfs-*.zip")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), g.zipPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("replace bundle: %w", err)
	}
	g.recordBundleChange(ctx, resp.Header.Get("ETag"))

	g.logger.Info("static bundle downloaded",
		"size_mb", fmt.Sprintf("%.1f", float64(written)/(1024*1024)))
	return g.zipPath, nil
}

// recordBundleChange stores the new bundle's validator and drops the lookups
// derived from the previous one. Best effort, the fresh bundle is already on
// disk.
func (g *Ingestor) recordBundleChange(ctx context.Context, etag string) {
	if g.meta == nil {
		return
	}
	if err := g.meta.SetMetadata(ctx, bundleETagKey, etag); err != nil {
		g.logger.Warn("bundle etag store failed", "error", err)
	}
	for _, key := range []string{routeMapKey, tripMapKey} {
		if err := g.meta.DeleteEntry(ctx, key); err != nil {
			g.logger.Warn("derived lookup invalidation failed", "key", key, "error", err)
		}
	}
}

// EachRow streams one named table from the bundle, calling fn for every row.
// fn returning false stops the stream. A missing table is ErrDataMissing.
func EachRow[T any](ctx context.Context, g *Ingestor, table string, fn func(T) bool) error {
	path, err := g.ensureBundle(ctx)
	if err != nil {
		return err
	}

	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer r.Close()

	var entry *zip.File
	for _, f := range r.File {
		if f.Name == table {
			entry = f
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrDataMissing, table)
	}

	stream, err := openCSVStream[T](entry)
	if err != nil {
		return err
	}
	defer stream.close()

	for {
		var row T
		err := stream.next(&row)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		if !fn(row) {
			return nil
		}
	}
}

// RouteMap returns the bus-route lookup keyed by route_id, built from
// routes.txt and persisted under the bundle TTL.
func (g *Ingestor) RouteMap(ctx context.Context) (map[string]RouteInfo, error) {
	return cache.GetOrPopulate(ctx, g.cache, routeMapKey, g.ttl, g.buildRouteMap)
}

func (g *Ingestor) buildRouteMap(ctx context.Context) (map[string]RouteInfo, error) {
	routes := make(map[string]RouteInfo)
	err := EachRow(ctx, g, "routes.txt", func(row RouteRow) bool {
		if row.RouteID == "" {
			return true
		}
		routeType, err := strconv.Atoi(row.Type)
		if err != nil || !IsBusType(routeType) {
			return true
		}
		info := RouteInfo{
			ShortName: row.ShortName,
			LongName:  row.LongName,
			Type:      routeType,
		}
		if row.Color != "" {
			info.Color = "#" + row.Color
		}
		if row.TextColor != "" {
			info.TextColor = "#" + row.TextColor
		}
		routes[row.RouteID] = info
		return true
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("route lookup built", "bus_routes", len(routes))
	return routes, nil
}

// TripMap returns the trip lookup keyed by trip_id, restricted to trips whose
// route passed the bus filter, with the route's names projected on.
func (g *Ingestor) TripMap(ctx context.Context) (map[string]TripInfo, error) {
	return cache.GetOrPopulate(ctx, g.cache, tripMapKey, g.ttl, g.buildTripMap)
}

func (g *Ingestor) buildTripMap(ctx context.Context) (map[string]TripInfo, error) {
	routes, err := g.RouteMap(ctx)
	if err != nil {
		return nil, err
	}

	trips := make(map[string]TripInfo)
	err = EachRow(ctx, g, "trips.txt", func(row TripRow) bool {
		if row.TripID == "" || row.RouteID == "" {
			return true
		}
		route, ok := routes[row.RouteID]
		if !ok {
			return true
		}
		trips[row.TripID] = TripInfo{
			RouteID:   row.RouteID,
			ShortName: route.ShortName,
			LongName:  route.LongName,
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("trip lookup built", "trips", len(trips))
	return trips, nil
}

// IsDataMissing reports whether err is a missing-table condition.
func IsDataMissing(err error) bool {
	return errors.Is(err, ErrDataMissing)
}
