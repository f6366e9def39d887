package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
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
	"busmap/internal/storage"
)

// fakeStore is an in-memory cache.Store.
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

// fakeMeta is an in-memory MetadataStore.
type fakeMeta struct {
	values  map[string]string
	deleted []string
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{values: map[string]string{}}
}

func (m *fakeMeta) GetMetadata(_ context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *fakeMeta) SetMetadata(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *fakeMeta) DeleteEntry(_ context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return nil
}

// writeBundle creates a GTFS zip with the given tables in dir and returns an
// Ingestor pointed at it. The file is fresh, so no download is attempted.
func writeBundle(t *testing.T, tables map[string]string) *Ingestor {
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

	c := cache.NewPersisted(newFakeStore(), nil, testLogger())
	return NewIngestor("http://unused.invalid/gtfs.zip", dir, 7*24*time.Hour, c, nil, nil, testLogger())
}

const routesCSV = `route_id,route_short_name,route_long_name,route_type,route_color
1,9,Wesselerbrink - De Posten,3,ff0000
2,RT4,Tram line,0,
3,,Regio bus,704,
4,X1,Train,2,
`

const tripsCSV = `trip_id,route_id,service_id,shape_id
t1,1,wk,shp1
t2,2,wk,shp2
t3,3,wk,shp1
t4,missing,wk,shp3
`

func TestRouteMap_BusFilter(t *testing.T) {
	g := writeBundle(t, map[string]string{"routes.txt": routesCSV})

	routes, err := g.RouteMap(context.Background())
	require.NoError(t, err)

	assert.Len(t, routes, 2, "only type 3 and 700-range routes survive")
	assert.Equal(t, "9", routes["1"].ShortName)
	assert.Equal(t, "#ff0000", routes["1"].Color)
	assert.Equal(t, "", routes["3"].Color, "absent color stays empty")
	assert.NotContains(t, routes, "2")
	assert.NotContains(t, routes, "4")
}

func TestTripMap_ProjectsRouteNames(t *testing.T) {
	g := writeBundle(t, map[string]string{
		"routes.txt": routesCSV,
		"trips.txt":  tripsCSV,
	})

	trips, err := g.TripMap(context.Background())
	require.NoError(t, err)

	assert.Len(t, trips, 2)
	assert.Equal(t, "1", trips["t1"].RouteID)
	assert.Equal(t, "9", trips["t1"].ShortName)
	assert.Equal(t, "Wesselerbrink - De Posten", trips["t1"].LongName)
	assert.NotContains(t, trips, "t2", "trip of non-bus route dropped")
	assert.NotContains(t, trips, "t4", "trip of unknown route dropped")
}

func TestEachRow_MissingTable(t *testing.T) {
	g := writeBundle(t, map[string]string{"routes.txt": routesCSV})

	err := EachRow(context.Background(), g, "shapes.txt", func(ShapeRow) bool { return true })
	assert.ErrorIs(t, err, ErrDataMissing)
}

func TestEachRow_EarlyStop(t *testing.T) {
	g := writeBundle(t, map[string]string{"routes.txt": routesCSV})

	count := 0
	err := EachRow(context.Background(), g, "routes.txt", func(RouteRow) bool {
		count++
		return count < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func zipBytes(t *testing.T, tables map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range tables {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestBundleConditionalDownload(t *testing.T) {
	payload := zipBytes(t, map[string]string{"routes.txt": routesCSV})
	downloads, revalidations := 0, 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			revalidations++
			w.WriteHeader(http.StatusNotModified)
			return
		}
		downloads++
		w.Header().Set("ETag", `"v1"`)
		w.Write(payload)
	}))
	defer srv.Close()

	meta := newFakeMeta()
	c := cache.NewPersisted(newFakeStore(), nil, testLogger())
	// A nanosecond TTL forces a revalidation on every call.
	g := NewIngestor(srv.URL, t.TempDir(), time.Nanosecond, c, meta, nil, testLogger())

	routes, err := g.RouteMap(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, `"v1"`, meta.values["gtfs:bundle_etag"])
	assert.Equal(t, []string{"gtfs:routes", "gtfs:trips"}, meta.deleted,
		"replacing the bundle drops the derived lookups")

	// The on-disk copy is stale again; upstream answers 304 and the file
	// is reused without a second download.
	routes, err = g.RouteMap(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, 1, revalidations)
}

func TestIsBusType(t *testing.T) {
	tests := []struct {
		routeType int
		want      bool
	}{
		{3, true},
		{700, true},
		{799, true},
		{800, false},
		{0, false},
		{2, false},
	}
	for _, tt := range tests {
		if got := IsBusType(tt.routeType); got != tt.want {
			t.Errorf("IsBusType(%d) = %v, want %v", tt.routeType, got, tt.want)
		}
	}
}
