// Package vehicles produces live vehicle snapshots for the boundary from one
// of two providers: the binary realtime feed or the polling JSON API. The
// inference engine backfills line identity for vehicles the provider could
// not resolve.
package vehicles

import (
	"context"

	"busmap/internal/geo"
)

// Vehicle is one live vehicle inside the boundary. Inferred marks line
// identity recovered spatially rather than delivered by the feed.
type Vehicle struct {
	ID         string   `json:"id"`
	Label      string   `json:"label,omitempty"`
	LineNumber string   `json:"lineNumber,omitempty"`
	LineName   string   `json:"lineName,omitempty"`
	TripID     string   `json:"tripId,omitempty"`
	RouteID    string   `json:"routeId,omitempty"`
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	Bearing    *float64 `json:"bearing,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	Inferred   bool     `json:"inferred,omitempty"`
}

// Snapshot is one poll's worth of vehicles, deduplicated by ID.
type Snapshot struct {
	FeedTimestamp int64     `json:"feedTimestamp,omitempty"`
	Vehicles      []Vehicle `json:"vehicles"`
}

// Provider fetches a boundary-filtered vehicle snapshot.
type Provider interface {
	Fetch(ctx context.Context, geom geo.Geometry) (*Snapshot, error)
	Source() string
}
