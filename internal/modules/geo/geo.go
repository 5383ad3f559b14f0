// README: Pure geographic computation helpers: haversine distance and bounding boxes.
package geo

import "math"

const earthRadiusKm = 6371.0

// kmPerDegreeLat is the approximate north-south span of one degree of latitude.
const kmPerDegreeLat = 111.32

// minLngDegrees keeps the longitude span of a bounding box non-degenerate
// near the poles, where cos(lat) approaches zero.
const minLngDegrees = 1e-6

// HaversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// BBox is an axis-aligned bounding box in decimal degrees.
type BBox struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// BBoxFromCenter approximates the box enclosing a circle of radiusKm around
// the given center. Latitude degrees are treated as a constant 111.32 km;
// longitude degrees shrink with cos(lat).
func BBoxFromCenter(lat, lng, radiusKm float64) BBox {
	dLat := radiusKm / kmPerDegreeLat

	kmPerDegreeLng := kmPerDegreeLat * math.Cos(degreesToRadians(lat))
	dLng := minLngDegrees
	if kmPerDegreeLng > 0 {
		dLng = math.Max(radiusKm/kmPerDegreeLng, minLngDegrees)
	}

	return BBox{
		MinLat: lat - dLat,
		MaxLat: lat + dLat,
		MinLng: lng - dLng,
		MaxLng: lng + dLng,
	}
}

// Contains reports whether the point lies inside the box, bounds inclusive.
func (b BBox) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// sortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
