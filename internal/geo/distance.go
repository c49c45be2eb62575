package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

// kmPerDegree approximates the length of one degree of latitude.
const kmPerDegree = 111.0

// Point is a WGS-84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Valid reports whether p is a finite coordinate inside the usual ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Bounds is an inclusive latitude/longitude rectangle.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// Contains reports whether p lies inside b, edges included.
func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// Distance returns the great-circle (haversine) distance in km.
func Distance(p1, p2 Point) float64 {
	dLat := toRadians(p2.Lat - p1.Lat)
	dLng := toRadians(p2.Lng - p1.Lng)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(p1.Lat))*math.Cos(toRadians(p2.Lat))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// SearchBounds returns a rectangle that contains every point within
// radiusKm of center. It may include extra points but never drops one.
//
// The longitude span grows as the center approaches a pole. When it stops
// being meaningful (not finite, circle over a pole, rectangle across the
// antimeridian) the longitude filter is dropped entirely.
func SearchBounds(center Point, radiusKm float64) Bounds {
	latSpan := radiusKm / kmPerDegree
	cosLat := math.Cos(toRadians(center.Lat))
	lngSpan := radiusKm / (kmPerDegree * cosLat)

	// 111 km/deg under-covers longitude for wide circles at high latitude;
	// take the exact spherical extent when it is larger.
	if s := math.Sin(radiusKm/EarthRadiusKm) / cosLat; s < 1 {
		if exact := toDegrees(math.Asin(s)); exact > lngSpan {
			lngSpan = exact
		}
	} else {
		lngSpan = math.Inf(1)
	}

	b := Bounds{
		MinLat: center.Lat - latSpan,
		MaxLat: center.Lat + latSpan,
		MinLng: center.Lng - lngSpan,
		MaxLng: center.Lng + lngSpan,
	}

	if math.IsNaN(lngSpan) || math.IsInf(lngSpan, 0) || lngSpan >= 180 ||
		b.MinLat <= -90 || b.MaxLat >= 90 ||
		b.MinLng < -180 || b.MaxLng > 180 {
		b.MinLng = -180
		b.MaxLng = 180
	}
	return b
}

// ValidCoordinates is the spatial-validity rule for stored shelters: both
// coordinates present and neither exactly 0.0, the upstream "unknown"
// sentinel.
func ValidCoordinates(lat, lng *float64) bool {
	if lat == nil || lng == nil {
		return false
	}
	return *lat != 0.0 && *lng != 0.0
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }
