// Package geo provides the point-radius geofence primitive used when
// scoring GPS fixes.
package geo

import "math"

const earthRadiusMeters = 6371008.8

// DistanceMeters is the haversine great-circle distance between two points.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := (lat2 - lat1) * math.Pi / 180
	dλ := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dφ/2)*math.Sin(dφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Within reports whether a fix lies inside the circle, treating the fix's
// reported accuracy as extra radius.
func Within(centerLat, centerLon, radius, lat, lon, accuracy float64) bool {
	if accuracy < 0 || math.IsNaN(accuracy) {
		accuracy = 0
	}
	return DistanceMeters(centerLat, centerLon, lat, lon) <= radius+accuracy
}

// ValidCoordinate rejects NaN and out-of-range latitude/longitude.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
