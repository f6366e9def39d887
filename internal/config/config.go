package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration from environment variables.
// The defaults target the Dutch open transit data landscape; every source
// can be repointed through its env var.
type Config struct {
	Port    int
	DataDir string // durable cache location
	DBPath  string // SQLite cache store

	// Boundary directory (paginated OGC-items-style endpoint).
	BoundarySource   string
	BoundaryName     string // matched against the name property, case-insensitive
	BoundaryCode     string // matched against the code property, exact
	BoundaryVersions []int  // version codes queried newest first
	BoundaryMaxScan  int    // pagination fallback record cap

	// Static feed and stop registry.
	GTFSStaticSource string
	StopsSource      string

	// Line geometry.
	OverpassURL string
	LinesSource string // "overpass" or "gtfs"

	// Live vehicles.
	VehicleProvider   string // "gtfs-rt" or "polling"
	VehiclePosSource  string
	TripUpdatesSource string

	// Polling API (line directory, live positions, stop areas, departures).
	PollBaseURL   string
	UserAgent     string
	PollBatchSize int

	// Stop-area matching.
	StopAreaRadiusM float64

	// Line inference.
	InferenceRadiusM float64

	// TTLs.
	CacheTTL       time.Duration // persisted entities (boundary, stops, lines, lookups)
	TripUpdatesTTL time.Duration
	LineListTTL    time.Duration
	ActualsTTL     time.Duration
	DeparturesTTL  time.Duration
	StopAreasTTL   time.Duration // candidate list refresh, independent of the index TTL
	LineIndexTTL   time.Duration // inference engine's line index
}

// Load reads configuration from the environment with defaults. A .env file in
// the working directory is honored when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:    envInt("BUSMAP_PORT", 8080),
		DataDir: envStr("BUSMAP_DATA_DIR", "./data"),
		DBPath:  envStr("BUSMAP_DB_PATH", "./data/busmap.db"),

		BoundarySource:   envStr("BUSMAP_BOUNDARY_SOURCE", "https://api.pdok.nl/cbs/gebiedsindelingen/ogc/v1/collections/gemeente_gegeneraliseerd/items"),
		BoundaryName:     envStr("BUSMAP_BOUNDARY_NAME", "enschede"),
		BoundaryCode:     envStr("BUSMAP_BOUNDARY_CODE", ""),
		BoundaryVersions: envInts("BUSMAP_BOUNDARY_VERSIONS", []int{2026, 2025, 2024, 2023}),
		BoundaryMaxScan:  envInt("BUSMAP_BOUNDARY_MAX_SCAN", 20000),

		GTFSStaticSource: envStr("BUSMAP_GTFS_URL", "https://gtfs.openov.nl/gtfs-rt/gtfs-openov-nl.zip"),
		StopsSource:      envStr("BUSMAP_STOPS_SOURCE", "https://data.openov.nl/haltes/stops.csv.gz"),

		OverpassURL: envStr("BUSMAP_OVERPASS_URL", "https://overpass-api.de/api/interpreter"),
		LinesSource: envStr("BUSMAP_LINES_SOURCE", "overpass"),

		VehicleProvider:   envStr("BUSMAP_VEHICLE_PROVIDER", "polling"),
		VehiclePosSource:  envStr("BUSMAP_VEHICLE_POS_SOURCE", "https://gtfs.openov.nl/gtfs-rt/vehiclePositions.pb"),
		TripUpdatesSource: envStr("BUSMAP_TRIP_UPDATES_SOURCE", "https://gtfs.openov.nl/gtfs-rt/tripUpdates.pb"),

		PollBaseURL:   envStr("BUSMAP_POLL_URL", "https://v0.ovapi.nl"),
		UserAgent:     envStr("BUSMAP_USER_AGENT", "busmap/1.0"),
		PollBatchSize: envInt("BUSMAP_POLL_BATCH_SIZE", 10),

		StopAreaRadiusM:  envFloat("BUSMAP_STOPAREA_RADIUS_M", 300),
		InferenceRadiusM: envFloat("BUSMAP_INFERENCE_RADIUS_M", 150),

		CacheTTL:       envDuration("BUSMAP_CACHE_TTL", 7*24*time.Hour),
		TripUpdatesTTL: envDuration("BUSMAP_TRIP_UPDATES_TTL", 20*time.Second),
		LineListTTL:    envDuration("BUSMAP_LINE_LIST_TTL", 10*time.Minute),
		ActualsTTL:     envDuration("BUSMAP_ACTUALS_TTL", 15*time.Second),
		DeparturesTTL:  envDuration("BUSMAP_DEPARTURES_TTL", 30*time.Second),
		StopAreasTTL:   envDuration("BUSMAP_STOPAREAS_TTL", 24*time.Hour),
		LineIndexTTL:   envDuration("BUSMAP_LINE_INDEX_TTL", 10*time.Minute),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envInts parses a comma-separated list of integers.
func envInts(key string, fallback []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
