// Package geo provides the distance and coarse-position helpers used by the
// proximity suggestion flow.
package geo

import "strings"

// DefaultPrecision is the geohash length used when a position is logged.
// Six characters is roughly a 1 km cell: enough to debug a suggestion
// without recording where a user is standing.
const DefaultPrecision = 6

const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash of a position at the given precision.
// A precision below 1 uses DefaultPrecision.
func Encode(lat, lng float64, precision int) string {
	if precision < 1 {
		precision = DefaultPrecision
	}

	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0

	var sb strings.Builder
	sb.Grow(precision)

	var ch byte
	bit := 0
	evenBit := true
	for sb.Len() < precision {
		if evenBit {
			mid := (lngLo + lngHi) / 2
			if lng > mid {
				ch |= 1 << (4 - bit)
				lngLo = mid
			} else {
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat > mid {
				ch |= 1 << (4 - bit)
				latLo = mid
			} else {
				latHi = mid
			}
		}
		evenBit = !evenBit

		if bit < 4 {
			bit++
			continue
		}
		sb.WriteByte(base32[ch])
		bit = 0
		ch = 0
	}

	return sb.String()
}
