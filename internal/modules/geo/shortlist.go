// README: Two-phase radius shortlist: cheap bbox containment, then exact haversine.
package geo

import "presto/internal/types"

// Ranked pairs an item with its exact distance from the shortlist center.
type Ranked[T any] struct {
	Item       T
	DistanceKm float64
}

// ShortlistByRadius filters items to those within radiusKm of center and
// returns them sorted by distance ascending. The at accessor reports an
// item's position; items for which it returns false are skipped entirely
// rather than defaulted to (0, 0).
func ShortlistByRadius[T any](items []T, at func(T) (types.Point, bool), center types.Point, radiusKm float64) []Ranked[T] {
	box := BBoxFromCenter(center.Lat, center.Lng, radiusKm)

	out := make([]Ranked[T], 0, len(items))
	for _, item := range items {
		p, ok := at(item)
		if !ok {
			continue
		}
		if !box.Contains(p.Lat, p.Lng) {
			continue
		}
		d := HaversineKm(center.Lat, center.Lng, p.Lat, p.Lng)
		if d > radiusKm {
			continue
		}
		out = append(out, Ranked[T]{Item: item, DistanceKm: d})
	}

	sortByDistance(out, func(r Ranked[T]) float64 { return r.DistanceKm })
	return out
}
