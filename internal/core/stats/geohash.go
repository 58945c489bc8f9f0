package stats

const geohashBase32 = "0123456789bcdefghjkmnpqrstuvwxyz"

// MaxGeohashPrecision is the longest geohash EncodeGeohash produces.
const MaxGeohashPrecision = 12

// EncodeGeohash encodes a coordinate into a geohash of the given length,
// clamped to 1..MaxGeohashPrecision.
func EncodeGeohash(lat, lon float64, precision int) string {
	precision = max(1, min(precision, MaxGeohashPrecision))

	latRange := [2]float64{-90.0, 90.0}
	lonRange := [2]float64{-180.0, 180.0}

	hash := make([]byte, 0, precision)
	bits, ch := 0, 0
	evenBit := true

	for len(hash) < precision {
		if evenBit {
			mid := (lonRange[0] + lonRange[1]) / 2
			if lon >= mid {
				ch |= 1 << (4 - bits)
				lonRange[0] = mid
			} else {
				lonRange[1] = mid
			}
		} else {
			mid := (latRange[0] + latRange[1]) / 2
			if lat >= mid {
				ch |= 1 << (4 - bits)
				latRange[0] = mid
			} else {
				latRange[1] = mid
			}
		}
		evenBit = !evenBit

		bits++
		if bits == 5 {
			hash = append(hash, geohashBase32[ch])
			bits, ch = 0, 0
		}
	}
	return string(hash)
}

// GeohashPrefixes returns the geohash of a point at every precision from 1 to maxPrecision.
func GeohashPrefixes(lat, lon float64, maxPrecision int) []string {
	full := EncodeGeohash(lat, lon, maxPrecision)
	out := make([]string, len(full))
	for i := range full {
		out[i] = full[:i+1]
	}
	return out
}
