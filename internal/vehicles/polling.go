package vehicles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"busmap/internal/cache"
	"busmap/internal/geo"
	"busmap/internal/lines"
	"busmap/internal/metrics"
	"busmap/internal/ovapi"
)

// LineSource yields the boundary's built line set. *lines.Builder satisfies
// it.
type LineSource interface {
	Lines(ctx context.Context, geom geo.Geometry) (*lines.Set, error)
}

// PollingProvider reads live positions from the JSON polling API. It narrows
// the national line directory down to lines that exist inside the boundary,
// then polls only those lines' actuals in batches.
type PollingProvider struct {
	baseURL     string
	userAgent   string
	batchSize   int
	lineListTTL time.Duration
	actualsTTL  time.Duration
	lines       LineSource
	memory      *cache.Memory
	client      *http.Client
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// NewPollingProvider creates a PollingProvider.
func NewPollingProvider(baseURL, userAgent string, batchSize int, lineListTTL, actualsTTL time.Duration, ls LineSource, memory *cache.Memory, mc *metrics.Collector, logger *slog.Logger) *PollingProvider {
	if batchSize < 1 {
		batchSize = 10
	}
	return &PollingProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		userAgent:   userAgent,
		batchSize:   batchSize,
		lineListTTL: lineListTTL,
		actualsTTL:  actualsTTL,
		lines:       ls,
		memory:      memory,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		metrics:     mc,
	}
}

func (p *PollingProvider) Source() string { return "polling" }

type lineListEntry struct {
	TransportType    string `json:"TransportType"`
	LinePublicNumber string `json:"LinePublicNumber"`
}

type lineActuals struct {
	Actuals map[string]pollActual `json:"Actuals"`
}

// pollActual keeps the fields the snapshot needs. Field matching is
// case-insensitive, which covers the feed's mixed latitude/Latitude naming,
// and the loosely typed fields decode tolerantly so one malformed actual
// cannot fail the batch.
type pollActual struct {
	Latitude              ovapi.Float  `json:"latitude"`
	Longitude             ovapi.Float  `json:"longitude"`
	LinePublicNumber      string       `json:"LinePublicNumber"`
	LinePlanningNumber    string       `json:"LinePlanningNumber"`
	LineName              string       `json:"LineName"`
	DestinationName50     string       `json:"DestinationName50"`
	JourneyNumber         ovapi.String `json:"JourneyNumber"`
	OperationDate         string       `json:"OperationDate"`
	DataOwnerCode         string       `json:"DataOwnerCode"`
	LastUpdateTimeStamp   string       `json:"LastUpdateTimeStamp"`
	ExpectedDepartureTime string       `json:"ExpectedDepartureTime"`
	ExpectedArrivalTime   string       `json:"ExpectedArrivalTime"`
}

// Fetch returns the live snapshot for the boundary. An empty local line set
// or an empty directory intersection yields an empty snapshot, not an error.
func (p *PollingProvider) Fetch(ctx context.Context, geom geo.Geometry) (*Snapshot, error) {
	local, err := p.localLineNumbers(ctx, geom)
	if err != nil {
		return nil, err
	}
	if len(local) == 0 {
		p.logger.Warn("no local line numbers, returning empty snapshot")
		return &Snapshot{Vehicles: []Vehicle{}}, nil
	}

	directory, err := p.lineDirectory(ctx)
	if err != nil {
		return nil, err
	}

	keys := selectLineKeys(directory, local)
	if len(keys) == 0 {
		p.logger.Warn("no directory lines match the boundary, returning empty snapshot")
		return &Snapshot{Vehicles: []Vehicle{}}, nil
	}
	sort.Strings(keys)

	actuals, err := p.actuals(ctx, keys)
	if err != nil {
		return nil, err
	}
	return parseActuals(actuals, geom), nil
}

// localLineNumbers collects the normalized public numbers of every built
// line, falling back to a purely numeric route id when a line has no usable
// short name.
func (p *PollingProvider) localLineNumbers(ctx context.Context, geom geo.Geometry) (map[string]struct{}, error) {
	set, err := p.lines.Lines(ctx, geom)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}

	numbers := make(map[string]struct{})
	for _, line := range set.Lines {
		if n := lines.NormalizeNumber(line.ShortName); n != "" {
			numbers[n] = struct{}{}
			continue
		}
		if n := lines.NormalizeNumber(line.RouteID); n != "" && lines.IsNumeric(n) {
			numbers[n] = struct{}{}
		}
	}
	return numbers, nil
}

func (p *PollingProvider) lineDirectory(ctx context.Context) (map[string]*lineListEntry, error) {
	v, err := p.memory.GetOrPopulate(ctx, "poll:linelist", p.lineListTTL, func(ctx context.Context) (any, error) {
		var directory map[string]*lineListEntry
		if err := p.getJSON(ctx, p.baseURL+"/line/", &directory); err != nil {
			return nil, err
		}
		return directory, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*lineListEntry), nil
}

// selectLineKeys keeps bus directory entries whose public number exists
// inside the boundary.
func selectLineKeys(directory map[string]*lineListEntry, local map[string]struct{}) []string {
	var keys []string
	for key, info := range directory {
		if info == nil {
			continue
		}
		if info.TransportType != "" && info.TransportType != "BUS" {
			continue
		}
		n := lines.NormalizeNumber(info.LinePublicNumber)
		if n == "" {
			continue
		}
		if _, ok := local[n]; !ok {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// actuals fetches live positions for the selected lines in batches, cached
// briefly under the composite key so concurrent map viewers share one poll.
func (p *PollingProvider) actuals(ctx context.Context, keys []string) (map[string]*lineActuals, error) {
	cacheKey := "poll:actuals:" + strings.Join(keys, ",")
	v, err := p.memory.GetOrPopulate(ctx, cacheKey, p.actualsTTL, func(ctx context.Context) (any, error) {
		merged := make(map[string]*lineActuals)
		for i := 0; i < len(keys); i += p.batchSize {
			end := i + p.batchSize
			if end > len(keys) {
				end = len(keys)
			}
			escaped := make([]string, 0, end-i)
			for _, k := range keys[i:end] {
				escaped = append(escaped, url.PathEscape(k))
			}

			var batch map[string]*lineActuals
			if err := p.getJSON(ctx, p.baseURL+"/line/"+strings.Join(escaped, ","), &batch); err != nil {
				return nil, err
			}
			for k, val := range batch {
				merged[k] = val
			}
		}
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*lineActuals), nil
}

func parseActuals(byLine map[string]*lineActuals, geom geo.Geometry) *Snapshot {
	bbox := geo.ComputeBBox(geom)
	snap := &Snapshot{Vehicles: []Vehicle{}}
	seen := make(map[string]struct{})

	for _, line := range byLine {
		if line == nil {
			continue
		}
		for actualKey, actual := range line.Actuals {
			lat, okLat := actual.Latitude.Value()
			lon, okLon := actual.Longitude.Value()
			if !okLat || !okLon {
				continue
			}
			if !bbox.Contains(lon, lat) || !geo.PointInGeometry(lon, lat, geom) {
				continue
			}

			id := actualKey
			if id == "" {
				id = joinNonEmpty("_", actual.DataOwnerCode, actual.JourneyNumber.String(), actual.OperationDate)
			}
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			lineNumber := lines.NormalizeNumber(actual.LinePublicNumber)
			if lineNumber == "" {
				lineNumber = lines.NormalizeNumber(actual.LinePlanningNumber)
			}
			lineName := actual.LineName
			if lineName == "" {
				lineName = actual.DestinationName50
			}

			ts := parseTime(actual.LastUpdateTimeStamp)
			if ts == 0 {
				ts = parseTime(actual.ExpectedDepartureTime)
			}
			if ts == 0 {
				ts = parseTime(actual.ExpectedArrivalTime)
			}
			if ts > snap.FeedTimestamp {
				snap.FeedTimestamp = ts
			}

			snap.Vehicles = append(snap.Vehicles, Vehicle{
				ID:         id,
				LineNumber: lineNumber,
				LineName:   lineName,
				TripID:     actual.JourneyNumber.String(),
				RouteID:    actual.LinePlanningNumber,
				Lat:        lat,
				Lon:        lon,
				Timestamp:  ts,
			})
		}
	}
	return snap
}

func (p *PollingProvider) getJSON(ctx context.Context, u string, out any) error {
	p.metrics.Request("lines-api")
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.RequestError("lines-api")
		return fmt.Errorf("polling request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.metrics.RequestError("lines-api")
		return fmt.Errorf("polling status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode polling response: %w", err)
	}
	return nil
}

// parseTime converts a feed timestamp string to unix seconds, zero when
// absent or unparseable. The feed mixes zoned and zone-less local times.
func parseTime(value string) int64 {
	if value == "" {
		return 0
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t.Unix()
		}
	}
	return 0
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
