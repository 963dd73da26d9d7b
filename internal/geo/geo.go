// Package geo implements the degree-space home geofence test shared by
// the Scout Sampler's at_home predicate and the Off-Peak Reconciler's
// HOME-schedule filter (§3, GLOSSARY "HOME schedule"). Grounded on
// tesla_scout_function.py's distance = sqrt(lat_diff^2 + lon_diff^2)
// compared directly against HOME_RADIUS in degrees, not a physical
// distance, so a ported home_radius value keeps its original meaning.
package geo

import "math"

// DegreeDistance is the Euclidean distance in degree-space between two
// lat/lon points.
func DegreeDistance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := lat1 - lat2
	dLon := lon1 - lon2
	return math.Sqrt(dLat*dLat + dLon*dLon)
}
