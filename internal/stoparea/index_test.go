package stoparea

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmap/internal/cache"
	"busmap/internal/geo"
	"busmap/internal/gtfs"
	"busmap/internal/storage"
)

type fakeStore struct {
	payload map[string][]byte
	written map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{payload: map[string][]byte{}, written: map[string]time.Time{}}
}

func (s *fakeStore) ReadEntry(_ context.Context, key string) ([]byte, time.Time, error) {
	p, ok := s.payload[key]
	if !ok {
		return nil, time.Time{}, storage.ErrNoEntry
	}
	return p, s.written[key], nil
}

func (s *fakeStore) WriteEntry(_ context.Context, key string, payload []byte) error {
	s.payload[key] = payload
	s.written[key] = time.Now()
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func unitSquare() geo.Geometry {
	ring := geo.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}
	return geo.Geometry{Type: "Polygon", Polygons: []geo.Polygon{{ring}}}
}

const stopsCSV = `stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station
s1,Centraal,0.5,0.5,0,stoparea:ensCS
s2,Markt,0.6,0.6,0,ensMKT
s3,Los,0.7,0.7,0,
`

func writeBundle(t *testing.T, c *cache.Persisted, tables map[string]string) *gtfs.Ingestor {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "gtfs-static.zip"))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range tables {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return gtfs.NewIngestor("http://unused.invalid/gtfs.zip", dir, 7*24*time.Hour, c, nil, nil, testLogger())
}

const directoryJSON = `{
	"ensCS": {"Latitude": 0.5, "Longitude": 0.5, "TimingPointName": "Centraal"},
	"near": {"Latitude": 0.70, "Longitude": 0.70, "TimingPointName": "Dichtbij"},
	"far": {"Latitude": 50, "Longitude": 50, "TimingPointName": "Elders"},
	"broken": {"Latitude": "abc", "Longitude": 0.1}
}`

func newResolver(t *testing.T, directoryBody string, status int) (*Resolver, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stopareacode/", r.URL.Path)
		if status != http.StatusOK {
			http.Error(w, "down", status)
			return
		}
		w.Write([]byte(directoryBody))
	}))
	t.Cleanup(srv.Close)

	c := cache.NewPersisted(newFakeStore(), nil, testLogger())
	ing := writeBundle(t, c, map[string]string{"stops.txt": stopsCSV})
	r := NewResolver(srv.URL, "busmap-test", "Enschede", 300, ing, c, 7*24*time.Hour, 24*time.Hour, nil, testLogger())
	return r, srv
}

func TestResolveExactMappingWins(t *testing.T) {
	r, _ := newResolver(t, directoryJSON, http.StatusOK)

	// Prefix stripped from parent_station.
	m, err := r.Resolve(context.Background(), "s1", 0.5, 0.5, unitSquare())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, &Match{Code: "ensCS", DistanceM: 0, Approximate: false}, m)

	// Bare code kept as is, and the exact map wins even with far coords.
	m, err = r.Resolve(context.Background(), "s2", 50, 50, unitSquare())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ensMKT", m.Code)
	assert.Zero(t, m.DistanceM)
}

func TestResolveNearestFallback(t *testing.T) {
	r, _ := newResolver(t, directoryJSON, http.StatusOK)

	// s3 has no parent_station; nearest directory entry is "near". The "far"
	// entry was dropped by the boundary filter, "broken" by coordinate
	// validation.
	m, err := r.Resolve(context.Background(), "s3", 0.7001, 0.7001, unitSquare())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "near", m.Code)
	assert.False(t, m.Approximate)
	assert.Less(t, m.DistanceM, 300)
}

func TestResolveApproximateBeyondRadius(t *testing.T) {
	r, _ := newResolver(t, directoryJSON, http.StatusOK)

	// Roughly 1.5 km from the "near" entry.
	m, err := r.Resolve(context.Background(), "s3", 0.71, 0.71, unitSquare())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "near", m.Code)
	assert.True(t, m.Approximate)
	assert.Greater(t, m.DistanceM, 300)
}

func TestDirectoryToleratesMalformedEntry(t *testing.T) {
	r, _ := newResolver(t, directoryJSON, http.StatusOK)

	// The "broken" entry carries a string latitude. It must be dropped on
	// its own without failing the directory fetch, so the query near its
	// (0, 0.1) position falls through to "ensCS" instead.
	m, err := r.Resolve(context.Background(), "s3", 0.1, 0.1, unitSquare())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ensCS", m.Code)
	assert.True(t, m.Approximate)
}

func TestResolveNoDirectory(t *testing.T) {
	r, _ := newResolver(t, "", http.StatusServiceUnavailable)

	// Exact matches still work when the directory is down.
	m, err := r.Resolve(context.Background(), "s1", 0.5, 0.5, unitSquare())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ensCS", m.Code)

	// No fallback candidates, so an unmapped stop resolves to nothing.
	m, err = r.Resolve(context.Background(), "s3", 0.7, 0.7, unitSquare())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestResolveEmptyStopID(t *testing.T) {
	r, _ := newResolver(t, directoryJSON, http.StatusOK)
	m, err := r.Resolve(context.Background(), "", 0.5, 0.5, unitSquare())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDirectoryRefreshKeepsMapping(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(directoryJSON))
	}))
	defer srv.Close()

	store := newFakeStore()
	c := cache.NewPersisted(store, nil, testLogger())
	ing := writeBundle(t, c, map[string]string{"stops.txt": stopsCSV})
	r := NewResolver(srv.URL, "busmap-test", "Enschede", 300, ing, c, 7*24*time.Hour, 24*time.Hour, nil, testLogger())

	_, err := r.Resolve(context.Background(), "s1", 0.5, 0.5, unitSquare())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Age the directory past its TTL while the index entry stays fresh.
	var idx Index
	payload, fetchedAt, err := store.ReadEntry(context.Background(), "stopareas:Enschede")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &idx))
	idx.AreasUpdatedAt = time.Now().Add(-25 * time.Hour)
	aged, err := json.Marshal(idx)
	require.NoError(t, err)
	store.payload["stopareas:Enschede"] = aged
	store.written["stopareas:Enschede"] = fetchedAt

	m, err := r.Resolve(context.Background(), "s1", 0.5, 0.5, unitSquare())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "ensCS", m.Code)
	assert.Equal(t, 2, calls)
}

func TestNormalizeAreaCode(t *testing.T) {
	assert.Equal(t, "ensCS", normalizeAreaCode("stoparea:ensCS"))
	assert.Equal(t, "ensCS", normalizeAreaCode("StopArea:ensCS"))
	assert.Equal(t, "ensCS", normalizeAreaCode(" ensCS "))
	assert.Equal(t, "", normalizeAreaCode("stoparea:"))
	assert.Equal(t, "", normalizeAreaCode(""))
}
