package vehicles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	rt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"busmap/internal/cache"
	"busmap/internal/geo"
	"busmap/internal/gtfs"
	"busmap/internal/metrics"
)

// tripRef links a vehicle id to its trip as reported by the trip-updates
// feed, used when the position feed omits trip identity.
type tripRef struct {
	TripID  string
	RouteID string
}

// FeedProvider reads the binary position feed and resolves line identity
// through the trip-updates feed and the static lookups, in that order.
type FeedProvider struct {
	posURL     string
	updatesURL string
	updatesTTL time.Duration
	ingestor   *gtfs.Ingestor
	memory     *cache.Memory
	client     *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// NewFeedProvider creates a FeedProvider.
func NewFeedProvider(posURL, updatesURL string, updatesTTL time.Duration, ingestor *gtfs.Ingestor, memory *cache.Memory, mc *metrics.Collector, logger *slog.Logger) *FeedProvider {
	return &FeedProvider{
		posURL:     posURL,
		updatesURL: updatesURL,
		updatesTTL: updatesTTL,
		ingestor:   ingestor,
		memory:     memory,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		metrics:    mc,
	}
}

func (p *FeedProvider) Source() string { return "gtfs-rt" }

// Fetch downloads the position feed and returns boundary-filtered vehicles.
// Trip-updates failure degrades to static resolution only.
func (p *FeedProvider) Fetch(ctx context.Context, geom geo.Geometry) (*Snapshot, error) {
	routes, err := p.ingestor.RouteMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	trips, err := p.ingestor.TripMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trips: %w", err)
	}

	updates, err := p.tripUpdates(ctx)
	if err != nil {
		p.logger.Warn("trip updates unavailable", "error", err)
		updates = nil
	}

	feed, err := p.fetchFeed(ctx, p.posURL, "positions")
	if err != nil {
		return nil, err
	}

	bbox := geo.ComputeBBox(geom)
	snap := &Snapshot{Vehicles: []Vehicle{}}
	if ts := feed.GetHeader().GetTimestamp(); ts > 0 {
		snap.FeedTimestamp = int64(ts)
	}

	seen := make(map[string]struct{})
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		pos := vp.GetPosition()
		if vp == nil || pos == nil {
			continue
		}
		lat := float64(pos.GetLatitude())
		lon := float64(pos.GetLongitude())
		if !bbox.Contains(lon, lat) || !geo.PointInGeometry(lon, lat, geom) {
			continue
		}

		id := vp.GetVehicle().GetId()
		if id == "" {
			id = entity.GetId()
		}
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		tripID := vp.GetTrip().GetTripId()
		routeID := vp.GetTrip().GetRouteId()
		if ref, ok := updates[id]; ok {
			if tripID == "" {
				tripID = ref.TripID
			}
			if routeID == "" {
				routeID = ref.RouteID
			}
		}

		trip, hasTrip := trips[tripID]
		if routeID == "" && hasTrip {
			routeID = trip.RouteID
		}

		v := Vehicle{
			ID:      id,
			Label:   vp.GetVehicle().GetLabel(),
			TripID:  tripID,
			RouteID: routeID,
			Lat:     lat,
			Lon:     lon,
		}
		if pos.Bearing != nil {
			bearing := float64(pos.GetBearing())
			v.Bearing = &bearing
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			v.Timestamp = int64(ts)
		}

		if route, ok := routes[routeID]; ok {
			v.LineNumber = route.ShortName
			v.LineName = route.LongName
		} else if hasTrip {
			v.LineNumber = trip.ShortName
			v.LineName = trip.LongName
		}

		snap.Vehicles = append(snap.Vehicles, v)
	}

	return snap, nil
}

// tripUpdates returns the vehicle-to-trip mapping from the trip-updates
// feed, cached briefly since both feeds refresh on similar cadence.
func (p *FeedProvider) tripUpdates(ctx context.Context) (map[string]tripRef, error) {
	v, err := p.memory.GetOrPopulate(ctx, "rt:tripupdates", p.updatesTTL, func(ctx context.Context) (any, error) {
		feed, err := p.fetchFeed(ctx, p.updatesURL, "tripupdates")
		if err != nil {
			return nil, err
		}
		refs := make(map[string]tripRef)
		for _, entity := range feed.GetEntity() {
			tu := entity.GetTripUpdate()
			if tu == nil || tu.GetTrip() == nil {
				continue
			}
			id := tu.GetVehicle().GetId()
			if id == "" {
				continue
			}
			refs[id] = tripRef{
				TripID:  tu.GetTrip().GetTripId(),
				RouteID: tu.GetTrip().GetRouteId(),
			}
		}
		return refs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]tripRef), nil
}

func (p *FeedProvider) fetchFeed(ctx context.Context, url, source string) (*rt.FeedMessage, error) {
	p.metrics.Request(source)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.RequestError(source)
		return nil, fmt.Errorf("fetch %s feed: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.metrics.RequestError(source)
		return nil, fmt.Errorf("%s feed status %d", source, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s feed: %w", source, err)
	}

	feed := &rt.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parse %s feed: %w", source, err)
	}
	return feed, nil
}
