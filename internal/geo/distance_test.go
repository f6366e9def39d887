package geo

import (
	"math"
	"testing"
)

func TestDistanceBetweenPoints(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantMeters             float64
		tolerance              float64
	}{
		{
			name: "same point returns zero",
			lat1: 52.2215, lon1: 6.8937,
			lat2: 52.2215, lon2: 6.8937,
			wantMeters: 0,
			tolerance:  0.001,
		},
		{
			name: "one degree of latitude",
			lat1: 52.0, lon1: 6.9,
			lat2: 53.0, lon2: 6.9,
			wantMeters: MetersPerDegree,
			tolerance:  1,
		},
		{
			name: "across town (~1.1 km east at 52N)",
			lat1: 52.2215, lon1: 6.8937,
			lat2: 52.2215, lon2: 6.9100,
			wantMeters: 1112,
			tolerance:  15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceBetweenPointsMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.wantMeters) > tt.tolerance {
				t.Errorf("DistanceBetweenPointsMeters() = %.1f m, want %.1f m (±%.0f)",
					got, tt.wantMeters, tt.tolerance)
			}
		})
	}
}

func TestDistanceBetweenPoints_NonFinite(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := DistanceBetweenPointsMeters(bad, 6.9, 52.2, 6.9); !math.IsInf(got, 1) {
			t.Errorf("non-finite input %v should yield +Inf, got %v", bad, got)
		}
	}
}

func TestDistanceBetweenPoints_Symmetry(t *testing.T) {
	a := DistanceBetweenPointsMeters(52.22, 6.89, 52.25, 6.95)
	b := DistanceBetweenPointsMeters(52.25, 6.95, 52.22, 6.89)
	if a != b {
		t.Errorf("not symmetric: %f != %f", a, b)
	}
}

func TestDistancePointToSegment(t *testing.T) {
	// Horizontal segment along lat=52.0 from lon 6.0 to 6.1.
	tests := []struct {
		name       string
		lat, lon   float64
		wantMeters float64
		tolerance  float64
	}{
		{"point on segment", 52.0, 6.05, 0, 0.001},
		{"point above midpoint", 52.01, 6.05, 0.01 * MetersPerDegree, 1},
		{"clamped to endpoint", 52.0, 6.2, DistanceBetweenPointsMeters(52.0, 6.2, 52.0, 6.1), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistancePointToSegmentMeters(tt.lat, tt.lon, 52.0, 6.0, 52.0, 6.1)
			if math.Abs(got-tt.wantMeters) > tt.tolerance {
				t.Errorf("DistancePointToSegmentMeters() = %.2f, want %.2f", got, tt.wantMeters)
			}
		})
	}
}

func TestDistancePointToPolyline(t *testing.T) {
	line := [][2]float64{{52.0, 6.0}, {52.0, 6.1}, {52.1, 6.1}}

	got := DistancePointToPolylineMeters(52.05, 6.1, line)
	if got > 1 {
		t.Errorf("point on second segment should be ~0, got %.2f", got)
	}

	if got := DistancePointToPolylineMeters(52.0, 6.0, [][2]float64{{52.0, 6.0}}); !math.IsInf(got, 1) {
		t.Errorf("single-point path should yield +Inf, got %v", got)
	}
	if got := DistancePointToPolylineMeters(52.0, 6.0, nil); !math.IsInf(got, 1) {
		t.Errorf("empty path should yield +Inf, got %v", got)
	}
}

func TestLonDegreesForMeters(t *testing.T) {
	// At 60N a meter spans twice the longitude degrees it does at the equator.
	eq := LonDegreesForMeters(1000, 0)
	north := LonDegreesForMeters(1000, 60)
	if math.Abs(north/eq-2) > 0.01 {
		t.Errorf("ratio at 60N = %f, want ~2", north/eq)
	}
}
