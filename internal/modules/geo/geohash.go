// README: Standard base32 geohash encode/decode/neighbors (interleaved-bit).
package geo

import (
	"errors"
	"fmt"
	"strings"
)

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// DefaultPrecision yields cells of roughly 150 m, enough to bucket providers
// within a city district.
const DefaultPrecision = 7

// ErrBadHash is returned when a geohash contains a character outside the
// base32 alphabet or is empty.
var ErrBadHash = errors.New("malformed geohash")

// Cell is the decoded form of a geohash: the cell center plus half-width
// error bounds on each axis.
type Cell struct {
	Lat    float64
	Lng    float64
	LatErr float64
	LngErr float64
	Bounds BBox
}

// Encode returns the geohash of (lat, lng) at the given precision. Bits are
// interleaved starting with longitude, five bits per output character.
func Encode(lat, lng float64, precision int) string {
	if precision <= 0 {
		precision = DefaultPrecision
	}

	latMin, latMax := -90.0, 90.0
	lngMin, lngMax := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)

	evenBit := true // longitude first
	idx := 0
	bit := 0

	for sb.Len() < precision {
		if evenBit {
			mid := (lngMin + lngMax) / 2
			if lng >= mid {
				idx = idx*2 + 1
				lngMin = mid
			} else {
				idx = idx * 2
				lngMax = mid
			}
		} else {
			mid := (latMin + latMax) / 2
			if lat >= mid {
				idx = idx*2 + 1
				latMin = mid
			} else {
				idx = idx * 2
				latMax = mid
			}
		}
		evenBit = !evenBit

		bit++
		if bit == 5 {
			sb.WriteByte(base32[idx])
			bit = 0
			idx = 0
		}
	}

	return sb.String()
}

// Decode returns the cell described by the given geohash.
func Decode(hash string) (Cell, error) {
	if hash == "" {
		return Cell{}, fmt.Errorf("empty hash: %w", ErrBadHash)
	}

	latMin, latMax := -90.0, 90.0
	lngMin, lngMax := -180.0, 180.0

	evenBit := true
	for _, ch := range strings.ToLower(hash) {
		idx := strings.IndexRune(base32, ch)
		if idx < 0 {
			return Cell{}, fmt.Errorf("invalid character %q: %w", ch, ErrBadHash)
		}
		for n := 4; n >= 0; n-- {
			bit := (idx >> uint(n)) & 1
			if evenBit {
				mid := (lngMin + lngMax) / 2
				if bit == 1 {
					lngMin = mid
				} else {
					lngMax = mid
				}
			} else {
				mid := (latMin + latMax) / 2
				if bit == 1 {
					latMin = mid
				} else {
					latMax = mid
				}
			}
			evenBit = !evenBit
		}
	}

	c := Cell{
		Lat:    (latMin + latMax) / 2,
		Lng:    (lngMin + lngMax) / 2,
		LatErr: (latMax - latMin) / 2,
		LngErr: (lngMax - lngMin) / 2,
		Bounds: BBox{MinLat: latMin, MaxLat: latMax, MinLng: lngMin, MaxLng: lngMax},
	}
	return c, nil
}

// Neighbors returns the eight adjacent cells at the same precision, in
// N, NE, E, SE, S, SW, W, NW order. Each neighbor is computed by shifting the
// decoded center one cell-width and re-encoding; longitude wraps at ±180.
func Neighbors(hash string) ([]string, error) {
	c, err := Decode(hash)
	if err != nil {
		return nil, err
	}

	dLat := 2 * c.LatErr
	dLng := 2 * c.LngErr
	precision := len(hash)

	offsets := []struct{ dLat, dLng float64 }{
		{dLat, 0},      // N
		{dLat, dLng},   // NE
		{0, dLng},      // E
		{-dLat, dLng},  // SE
		{-dLat, 0},     // S
		{-dLat, -dLng}, // SW
		{0, -dLng},     // W
		{dLat, -dLng},  // NW
	}

	out := make([]string, 0, len(offsets))
	for _, o := range offsets {
		lat := clampLat(c.Lat + o.dLat)
		lng := wrapLng(c.Lng + o.dLng)
		out = append(out, Encode(lat, lng, precision))
	}
	return out, nil
}

func wrapLng(lng float64) float64 {
	if lng > 180 {
		return lng - 360
	}
	if lng < -180 {
		return lng + 360
	}
	return lng
}

func clampLat(lat float64) float64 {
	if lat > 90 {
		return 90
	}
	if lat < -90 {
		return -90
	}
	return lat
}
