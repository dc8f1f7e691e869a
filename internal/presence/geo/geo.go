// Package geo evaluates driver positions against the circular service area.
// Everything here is pure and safe for concurrent use.
package geo

import "math"

// EarthRadiusKm is the mean earth radius used by the spherical approximation.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is finite and inside the lat/lng ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return math.Abs(p.Lat) <= 90 && math.Abs(p.Lng) <= 180
}

// DistanceKm returns the great-circle distance between a and b using the
// haversine formula.
func DistanceKm(a, b Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Area is the service area: a center and a radius. It is a value type and is
// never mutated after startup.
type Area struct {
	Center   Point
	RadiusKm float64
}

// NewArea builds an Area.
func NewArea(lat, lng, radiusKm float64) Area {
	return Area{Center: Point{Lat: lat, Lng: lng}, RadiusKm: radiusKm}
}

// Contains reports whether p lies within the area (boundary inclusive).
func (a Area) Contains(p Point) bool {
	return DistanceKm(p, a.Center) <= a.RadiusKm
}
