// Package random draws the randomized confirmation delays used by the
// conversion queue. Delays come from a geometric distribution so the gap
// between an ad interaction and its conversion confirmation is not a fixed,
// fingerprintable interval.
package random

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// Geometric returns a non-negative number of seconds drawn from a geometric
// distribution whose mean is mean. A mean <= 0 always yields 0.
//
// Randomness comes from crypto/rand; if the system source fails the draw
// falls back to the mean itself, rounded.
func Geometric(mean float64) uint64 {
	u, ok := uniform()
	if !ok {
		if mean <= 0 {
			return 0
		}
		return uint64(math.Round(mean))
	}
	return GeometricFrom(u, mean)
}

// GeometricFrom maps a uniform sample u in (0, 1] onto the geometric
// distribution with the given mean by inversion:
//
//	p = 1 / (1 + mean)
//	k = floor(ln(u) / ln(1 - p))
func GeometricFrom(u, mean float64) uint64 {
	if mean <= 0 || u >= 1 {
		return 0
	}
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	p := 1 / (1 + mean)
	k := math.Floor(math.Log(u) / math.Log1p(-p))
	if k < 0 || math.IsNaN(k) {
		return 0
	}
	if k >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(k)
}

// uniform returns a sample in (0, 1] with 53 bits of precision.
func uniform() (float64, bool) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, false
	}
	x := binary.BigEndian.Uint64(b[:]) >> 11
	return float64(x+1) / (1 << 53), true
}
