// Package boundary resolves the single administrative polygon every other
// entity is filtered against. The upstream is a paginated feature directory
// queryable by version code and by start index.
package boundary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"busmap/internal/geo"
	"busmap/internal/metrics"
)

// ErrNotFound means no feature matched the configured name/code after both
// the version-ranked queries and the full pagination scan.
var ErrNotFound = errors.New("boundary not found")

// ErrGeometryMismatch means the winning feature's coordinates fall outside
// WGS84 ranges. Fatal; the source is serving a projected CRS.
var ErrGeometryMismatch = errors.New("boundary geometry CRS mismatch (expected lon/lat)")

// Feature is a resolved boundary with the properties the pipeline keys on.
type Feature struct {
	Name     string       `json:"name"`
	Code     string       `json:"code"`
	Version  int          `json:"version"`
	Geometry geo.Geometry `json:"geometry"`
}

const pageLimit = 1000

// Resolver queries the boundary directory for one named polygon.
type Resolver struct {
	baseURL  string
	name     string
	code     string
	versions []int
	maxScan  int
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Collector
}

// NewResolver creates a Resolver. versions are tried newest first; name and
// code follow the match rules of Matches.
func NewResolver(baseURL, name, code string, versions []int, maxScan int, mc *metrics.Collector, logger *slog.Logger) *Resolver {
	return &Resolver{
		baseURL:  baseURL,
		name:     normalizeName(name),
		code:     normalizeCode(code),
		versions: versions,
		maxScan:  maxScan,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		metrics:  mc,
	}
}

type featurePage struct {
	Features []rawFeature `json:"features"`
}

type rawFeature struct {
	Properties struct {
		Name    string      `json:"statnaam"`
		Code    string      `json:"statcode"`
		Version json.Number `json:"jaarcode"`
	} `json:"properties"`
	Geometry geo.Geometry `json:"geometry"`
}

func (f rawFeature) toFeature() Feature {
	version, _ := strconv.Atoi(f.Properties.Version.String())
	return Feature{
		Name:     f.Properties.Name,
		Code:     f.Properties.Code,
		Version:  version,
		Geometry: f.Geometry,
	}
}

// Fetch resolves the boundary. Version-scoped queries run newest to oldest;
// if none yields a match the full directory is paginated up to maxScan
// records. The highest-version match wins. The winning geometry must pass
// the WGS84 sanity check.
func (r *Resolver) Fetch(ctx context.Context) (*Feature, error) {
	best, err := r.fetchByVersions(ctx)
	if err != nil {
		return nil, err
	}
	if best == nil {
		best, err = r.fetchByPagination(ctx)
		if err != nil {
			return nil, err
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: name=%q code=%q", ErrNotFound, r.name, r.code)
	}
	if !geo.IsLikelyWGS84(best.Geometry) {
		return nil, ErrGeometryMismatch
	}
	r.logger.Info("boundary resolved", "name", best.Name, "code", best.Code, "version", best.Version)
	return best, nil
}

func (r *Resolver) fetchByVersions(ctx context.Context) (*Feature, error) {
	for _, version := range r.versions {
		page, err := r.fetchPage(ctx, url.Values{
			"jaarcode": {strconv.Itoa(version)},
		})
		if err != nil {
			// A failing version query is skipped, matching the
			// newest-to-oldest ranking: older snapshots may still work.
			r.logger.Warn("version query failed", "version", version, "error", err)
			continue
		}
		if best := selectBest(page.Features, r.name, r.code); best != nil {
			return best, nil
		}
	}
	return nil, nil
}

func (r *Resolver) fetchByPagination(ctx context.Context) (*Feature, error) {
	r.logger.Info("no versioned match, falling back to full pagination")
	start := 0
	for start < r.maxScan {
		page, err := r.fetchPage(ctx, url.Values{
			"startindex": {strconv.Itoa(start)},
		})
		if err != nil {
			return nil, err
		}
		if best := selectBest(page.Features, r.name, r.code); best != nil {
			return best, nil
		}
		if len(page.Features) == 0 {
			break
		}
		start += len(page.Features)
	}
	return nil, nil
}

func (r *Resolver) fetchPage(ctx context.Context, params url.Values) (*featurePage, error) {
	params.Set("f", "json")
	params.Set("limit", strconv.Itoa(pageLimit))
	params.Set("crs", "EPSG:4326")

	r.metrics.Request("boundary")
	req, err := http.NewRequestWithContext(ctx, "GET", r.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.metrics.RequestError("boundary")
		return nil, fmt.Errorf("boundary directory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.metrics.RequestError("boundary")
		return nil, fmt.Errorf("boundary directory status %d", resp.StatusCode)
	}

	var page featurePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode boundary page: %w", err)
	}
	return &page, nil
}
