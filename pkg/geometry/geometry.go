// Package geometry holds the point and distance math shared by pixel
// derivation, track processing, and GPS marking. Spherical distances and
// angles are computed with github.com/golang/geo rather than a hand-rolled
// haversine, matching the spatial-math dependency used elsewhere in the
// retrieval pack for geo-aware services.
package geometry

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for all angle<->meters
// conversions in the engine. It matches the approximation spec.md uses for
// the exploration radius (20 / 6 371 000 rad).
const EarthRadiusMeters = 6371000.0

// Point is a WGS-84 latitude/longitude pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// LatLng returns the s2 representation of the point.
func (p Point) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lon)
}

// DistanceMeters returns the great-circle distance between two points on the
// WGS-84 ellipsoid approximation (spherical Earth of radius EarthRadiusMeters,
// per spec.md §4.5 step 3).
func DistanceMeters(a, b Point) float64 {
	angle := a.LatLng().Distance(b.LatLng())
	return float64(angle) * EarthRadiusMeters
}

// RadiansToMeters converts an angular distance to a linear one on the sphere.
func RadiansToMeters(rad float64) float64 {
	return rad * EarthRadiusMeters
}

// MetersToRadians converts a linear distance on the sphere to an angular one.
func MetersToRadians(meters float64) float64 {
	return meters / EarthRadiusMeters
}

// Lerp returns the point a fraction t of the way from a to b in plane
// lat/lon space. Pixel derivation subdivides short (<=15m) segments, where
// the flat-earth approximation used by the original engine is accurate
// enough; no geodesic interpolation is required at that scale.
func Lerp(a, b Point, t float64) Point {
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lon: a.Lon + (b.Lon-a.Lon)*t,
	}
}

// AngleBetween returns the angular separation between two points in radians.
func AngleBetween(a, b Point) s1.Angle {
	return a.LatLng().Distance(b.LatLng())
}

// SegmentizeFunc receives each point belonging to a segment's walk — its own
// start point p1 first (interior=false), then every interior subdivision
// point (interior=true) — together with its cumulative distance (meters)
// from the feature start.
type SegmentizeFunc func(p Point, distanceAlongFeatureM float64, interior bool)

// Segmentize walks the segment [p1,p2] and subdivides it into sub-segments no
// longer than stepMeters, emitting p1 itself followed by every interior
// subdivision point (i=0..N-1); p2 is never emitted here. For every edge but
// a polyline's last, the next edge's own p1 is the same point, so chaining
// Segmentize calls across a polyline covers every vertex except the final
// one, matching street_pixels_manager.cpp's push_back(prevPoint) plus
// per-segment subdivision walk.
//
// distanceSoFarM is the cumulative distance along the feature before p1;
// Segmentize returns the cumulative distance after p2 so callers can chain
// calls across an entire polyline.
func Segmentize(p1, p2 Point, stepMeters, distanceSoFarM float64, emit SegmentizeFunc) float64 {
	distMeters := DistanceMeters(p1, p2)
	n := int(math.Ceil(distMeters / stepMeters))
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n)
		emit(Lerp(p1, p2, t), distanceSoFarM+t*distMeters, i > 0)
	}
	return distanceSoFarM + distMeters
}
