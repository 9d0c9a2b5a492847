// Package geo holds the small amount of spherical math used for geofencing.
package geo

import "math"

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64
	Lng float64
}

// DistanceM returns the haversine distance between two points in meters.
func DistanceM(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// BoundingBox is an axis-aligned lat/lng rectangle used to prefilter SQL lookups.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoxAround returns a box that contains every point within radiusM of center.
func BoxAround(center Point, radiusM float64) BoundingBox {
	dLat := degrees(radiusM / earthRadiusM)
	cosLat := math.Cos(radians(center.Lat))
	dLng := 180.0
	if cosLat > 1e-9 {
		dLng = math.Min(180, degrees(radiusM/(earthRadiusM*cosLat)))
	}
	return BoundingBox{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLng: center.Lng - dLng,
		MaxLng: center.Lng + dLng,
	}
}

// Contains reports whether p lies inside the box.
func (b BoundingBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// Valid reports whether the coordinate is on the globe.
func Valid(p Point) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lng)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
