// Package gtfs ingests the static transit bundle: it keeps the zip fresh on
// disk, streams tables out of it by name, and builds the bus-filtered route
// and trip lookups the rest of the pipeline resolves against.
package gtfs

import "errors"

// ErrDataMissing means a required table is absent from the bundle. It fails
// the calling operation, not the process.
var ErrDataMissing = errors.New("required table missing from static bundle")

// Row types map CSV columns via csv tags. Values stay strings at this layer;
// consumers parse what they need.

type RouteRow struct {
	RouteID   string `csv:"route_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Type      string `csv:"route_type"`
	Color     string `csv:"route_color"`
	TextColor string `csv:"route_text_color"`
}

type TripRow struct {
	TripID  string `csv:"trip_id"`
	RouteID string `csv:"route_id"`
	ShapeID string `csv:"shape_id"`
}

type StopRow struct {
	StopID        string `csv:"stop_id"`
	Name          string `csv:"stop_name"`
	Lat           string `csv:"stop_lat"`
	Lon           string `csv:"stop_lon"`
	LocationType  string `csv:"location_type"`
	ParentStation string `csv:"parent_station"`
}

type ShapeRow struct {
	ShapeID  string `csv:"shape_id"`
	Lat      string `csv:"shape_pt_lat"`
	Lon      string `csv:"shape_pt_lon"`
	Sequence string `csv:"shape_pt_sequence"`
}

// RouteInfo is the retained projection of a bus route.
type RouteInfo struct {
	ShortName string `json:"shortName"`
	LongName  string `json:"longName"`
	Color     string `json:"color,omitempty"`
	TextColor string `json:"textColor,omitempty"`
	Type      int    `json:"type"`
}

// TripInfo carries a trip's route identity, with the route's names projected
// on so a consumer holding only a trip reference still gets line identity.
type TripInfo struct {
	RouteID   string `json:"routeId"`
	ShortName string `json:"shortName"`
	LongName  string `json:"longName"`
}

// IsBusType reports whether a GTFS route_type is a bus: plain type 3 or the
// extended bus range 700-799.
func IsBusType(t int) bool {
	return t == 3 || (t >= 700 && t < 800)
}
