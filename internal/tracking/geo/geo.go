// Package geo holds the pure geometry used by trip tracking: haversine
// distances, encoded polylines and point-to-path distance. Nothing here keeps
// state.
package geo

import (
	"math"
	"strings"
)

// EarthRadiusM is the mean Earth radius used by every distance in this package.
const EarthRadiusM = 6_371_000.0

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a finite WGS-84 coordinate.
func (p Point) Valid() bool {
	return ValidCoordinates(p.Lat, p.Lng)
}

func ValidCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// DistanceMeters is the haversine great-circle distance. Callers validate
// coordinates; the result is never negative.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	if lat1 == lat2 && lng1 == lng2 {
		return 0
	}
	phi1 := toRad(lat1)
	phi2 := toRad(lat2)
	dPhi := toRad(lat2 - lat1)
	dLambda := toRad(lng2 - lng1)

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// Distance is DistanceMeters for two points.
func Distance(a, b Point) float64 {
	return DistanceMeters(a.Lat, a.Lng, b.Lat, b.Lng)
}

func IsWithinRadius(p, center Point, radiusKm float64) bool {
	return Distance(p, center) <= radiusKm*1000
}

// MinDistanceToPolyline returns the smallest distance in meters from p to
// any segment of path. A single-point path degenerates to point distance and
// an empty path yields +Inf.
func MinDistanceToPolyline(p Point, path []Point) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, path[0])
	}

	best := math.Inf(1)
	for i := 0; i+1 < len(path); i++ {
		d := Distance(p, projectOnSegment(p, path[i], path[i+1]))
		if d < best {
			best = d
		}
	}
	return best
}

// projectOnSegment clamps the parametric projection of p onto a-b to t in
// [0,1]. The projection runs in an equirectangular frame centred on p, which
// is accurate at the few-kilometre scale of a route segment.
func projectOnSegment(p, a, b Point) Point {
	k := math.Cos(toRad(p.Lat))
	ax, ay := (a.Lng-p.Lng)*k, a.Lat-p.Lat
	bx, by := (b.Lng-p.Lng)*k, b.Lat-p.Lat
	dx, dy := bx-ax, by-ay

	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return a
	}
	t := -(ax*dx + ay*dy) / lenSq
	t = math.Max(0, math.Min(1, t))

	return Point{
		Lat: a.Lat + t*(b.Lat-a.Lat),
		Lng: a.Lng + t*(b.Lng-a.Lng),
	}
}

// DecodePolyline decodes the 5-decimal encoded polyline format. Empty or
// malformed input yields an empty slice.
func DecodePolyline(encoded string) []Point {
	if encoded == "" {
		return []Point{}
	}

	var (
		points   []Point
		lat, lng int64
		i        int
	)
	for i < len(encoded) {
		dLat, next, ok := decodeValue(encoded, i)
		if !ok {
			return []Point{}
		}
		dLng, next, ok := decodeValue(encoded, next)
		if !ok {
			return []Point{}
		}
		i = next
		lat += dLat
		lng += dLng

		p := Point{Lat: float64(lat) / 1e5, Lng: float64(lng) / 1e5}
		if !p.Valid() {
			return []Point{}
		}
		points = append(points, p)
	}
	return points
}

// decodeValue reads one zig-zag varint starting at i.
func decodeValue(s string, i int) (int64, int, bool) {
	var result int64
	var shift uint
	for {
		if i >= len(s) || shift > 60 {
			return 0, i, false
		}
		b := int64(s[i]) - 63
		i++
		if b < 0 || b > 0x3f {
			return 0, i, false
		}
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), i, true
	}
	return result >> 1, i, true
}

// EncodePolyline is the inverse of DecodePolyline.
func EncodePolyline(path []Point) string {
	var sb strings.Builder
	var prevLat, prevLng int64
	for _, p := range path {
		lat := int64(math.Round(p.Lat * 1e5))
		lng := int64(math.Round(p.Lng * 1e5))
		encodeValue(&sb, lat-prevLat)
		encodeValue(&sb, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return sb.String()
}

func encodeValue(sb *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		sb.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	sb.WriteByte(byte(u + 63))
}

// Bearing is the initial great-circle course from a to b in degrees,
// clockwise from north, in [0, 360).
func Bearing(a, b Point) float64 {
	lat1, lat2 := toRad(a.Lat), toRad(b.Lat)
	dLng := toRad(b.Lng - a.Lng)
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
