package geo

import "math"

// MetersPerDegree is the approximate length of one degree of latitude.
// All distances here use an equirectangular approximation: longitude deltas
// are scaled by cos(mean latitude) and degrees converted with this constant.
// Good to well under a percent at municipal scale; not geodesically exact.
const MetersPerDegree = 111_320

// DistanceBetweenPointsMeters returns the planar distance between two points.
// Any non-finite input yields +Inf.
func DistanceBetweenPointsMeters(lat1, lon1, lat2, lon2 float64) float64 {
	if !isFinite(lat1) || !isFinite(lon1) || !isFinite(lat2) || !isFinite(lon2) {
		return math.Inf(1)
	}
	cosLat := math.Cos((lat1 + lat2) / 2 * math.Pi / 180)
	dx := (lon2 - lon1) * cosLat
	dy := lat2 - lat1
	return math.Hypot(dx, dy) * MetersPerDegree
}

// DistancePointToSegmentMeters returns the planar distance from (lat, lon) to
// the segment (lat1, lon1)-(lat2, lon2).
func DistancePointToSegmentMeters(lat, lon, lat1, lon1, lat2, lon2 float64) float64 {
	cosLat := math.Cos((lat1 + lat2) / 2 * math.Pi / 180)
	ax := (lon - lon1) * cosLat
	ay := lat - lat1
	bx := (lon2 - lon1) * cosLat
	by := lat2 - lat1

	lenSq := bx*bx + by*by
	t := 0.0
	if lenSq > 0 {
		t = (ax*bx + ay*by) / lenSq
	}
	t = math.Max(0, math.Min(1, t))

	dx := ax - bx*t
	dy := ay - by*t
	return math.Hypot(dx, dy) * MetersPerDegree
}

// DistancePointToPolylineMeters returns the minimum planar distance from
// (lat, lon) to a path of [lat, lon] pairs. Paths shorter than two points
// yield +Inf.
func DistancePointToPolylineMeters(lat, lon float64, coords [][2]float64) float64 {
	if len(coords) < 2 {
		return math.Inf(1)
	}
	min := math.Inf(1)
	for i := 0; i < len(coords)-1; i++ {
		p1, p2 := coords[i], coords[i+1]
		d := DistancePointToSegmentMeters(lat, lon, p1[0], p1[1], p2[0], p2[1])
		if d < min {
			min = d
		}
	}
	return min
}

// MetersToDegrees converts a distance in meters to a latitude degree delta.
func MetersToDegrees(meters float64) float64 {
	return meters / MetersPerDegree
}

// LonDegreesForMeters converts a distance in meters to a longitude degree
// delta at the given latitude.
func LonDegreesForMeters(meters, lat float64) float64 {
	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat <= 0 {
		return meters / MetersPerDegree
	}
	return meters / MetersPerDegree / cosLat
}
