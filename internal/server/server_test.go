package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmap/internal/boundary"
	"busmap/internal/config"
	"busmap/internal/departures"
	"busmap/internal/lines"
	"busmap/internal/pipeline"
	"busmap/internal/stoparea"
	"busmap/internal/stops"
	"busmap/internal/vehicles"
)

// fakeService returns canned payloads or a configured error.
type fakeService struct {
	err error
}

func (f *fakeService) Boundary(context.Context) (*boundary.Feature, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &boundary.Feature{Name: "Enschede", Code: "GM0153", Version: 2026}, nil
}

func (f *fakeService) Stops(context.Context) (*stops.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stops.Result{Stops: []stops.Stop{{ID: "s1", Name: "Centraal", Lat: 52.2, Lon: 6.9}}, Source: "registry"}, nil
}

func (f *fakeService) Lines(context.Context) (*lines.Set, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &lines.Set{Lines: []lines.Line{{RouteID: "r1", ShortName: "9", Coords: [][2]float64{{52.2, 6.9}, {52.3, 6.9}}}}, Source: "overpass"}, nil
}

func (f *fakeService) Vehicles(context.Context) (*vehicles.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &vehicles.Snapshot{FeedTimestamp: 1700000000, Vehicles: []vehicles.Vehicle{{ID: "v1", LineNumber: "9", Lat: 52.2, Lon: 6.9}}}, nil
}

func (f *fakeService) VehicleSource() string { return "polling" }

func (f *fakeService) StopDepartures(_ context.Context, stopID string) (*departures.Board, *stoparea.Match, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return &departures.Board{StopAreaCode: "ensCS", Departures: []departures.Departure{{LineNumber: "9", Destination: "Wesselerbrink", Time: 1700000100}}},
		&stoparea.Match{Code: "ensCS", DistanceM: 12, Approximate: false}, nil
}

func testServer(svc Service) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(&config.Config{Port: 0, BoundaryName: "enschede"}, svc, nil, logger)
	return httptest.NewServer(s.Handler())
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv := testServer(&fakeService{})
	defer srv.Close()

	var body map[string]string
	resp := getJSON(t, srv.URL+"/api/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "polling", body["vehicleProvider"])
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestBoundaryEndpoint(t *testing.T) {
	srv := testServer(&fakeService{})
	defer srv.Close()

	var body boundary.Feature
	resp := getJSON(t, srv.URL+"/api/boundary", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Enschede", body.Name)
	assert.Equal(t, 2026, body.Version)
}

func TestStopsEndpoint(t *testing.T) {
	srv := testServer(&fakeService{})
	defer srv.Close()

	var body stops.Result
	resp := getJSON(t, srv.URL+"/api/stops", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "registry", body.Source)
	require.Len(t, body.Stops, 1)
	assert.Equal(t, "s1", body.Stops[0].ID)
}

func TestLinesEndpoint(t *testing.T) {
	srv := testServer(&fakeService{})
	defer srv.Close()

	var body lines.Set
	resp := getJSON(t, srv.URL+"/api/lines", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "overpass", body.Source)
	require.Len(t, body.Lines, 1)
}

func TestVehiclesEndpointNoStore(t *testing.T) {
	srv := testServer(&fakeService{})
	defer srv.Close()

	var body vehicles.Snapshot
	resp := getJSON(t, srv.URL+"/api/vehicles", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, int64(1700000000), body.FeedTimestamp)
}

func TestDeparturesEndpoint(t *testing.T) {
	srv := testServer(&fakeService{})
	defer srv.Close()

	var body struct {
		StopID     string                 `json:"stopId"`
		StopArea   stoparea.Match         `json:"stopArea"`
		Departures []departures.Departure `json:"departures"`
	}
	resp := getJSON(t, srv.URL+"/api/stops/s1/departures", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s1", body.StopID)
	assert.Equal(t, "ensCS", body.StopArea.Code)
	require.Len(t, body.Departures, 1)
	assert.Equal(t, "9", body.Departures[0].LineNumber)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		path   string
		status int
	}{
		{"stop not found", pipeline.ErrStopNotFound, "/api/stops/nope/departures", http.StatusNotFound},
		{"no stop area", pipeline.ErrNoStopArea, "/api/stops/s1/departures", http.StatusNotFound},
		{"boundary not found", boundary.ErrNotFound, "/api/boundary", http.StatusNotFound},
		{"geometry mismatch", boundary.ErrGeometryMismatch, "/api/boundary", http.StatusInternalServerError},
		{"upstream failure", context.DeadlineExceeded, "/api/vehicles", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(&fakeService{err: tt.err})
			defer srv.Close()

			var body map[string]string
			resp := getJSON(t, srv.URL+tt.path, &body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	srv := testServer(&fakeService{})
	defer srv.Close()

	resp := getJSON(t, srv.URL+"/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
