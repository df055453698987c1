package dsp

import (
	"math"
	"math/bits"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
)

// Log2Q is the fractional precision of log-magnitude values.
const Log2Q = 8

// log2Frac[i] = round(2^Log2Q * log2(1 + i/256)).
var log2Frac = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		t[i] = uint16(math.Floor(float64(1<<Log2Q)*math.Log2(1+float64(i)/256) + 0.5))
	}
	return t
}()

// log2Q8 returns log2(v) in Q8 for v > 0 and 0 for v == 0.
func log2Q8(v uint64) uint32 {
	if v == 0 {
		return 0
	}
	n := bits.Len64(v) - 1
	var idx uint64
	if n >= 8 {
		idx = (v >> uint(n-8)) & 0xFF
	} else {
		idx = (v << uint(8-n)) & 0xFF
	}
	return uint32(n)<<Log2Q + uint32(log2Frac[idx])
}

// Log2Abs32 writes log2(|x|) in Q8 for every input sample. The magnitude is
// taken from re^2 + im^2 so the result is half its log2.
func Log2Abs32(in []fixedpoint.Cmplx32, out []uint16) {
	for i, x := range in {
		re := int64(x.Re)
		im := int64(x.Im)
		p := uint64(re*re) + uint64(im*im)
		out[i] = uint16(log2Q8(p) >> 1)
	}
}

// Log2Abs16 is Log2Abs32 for 16-bit samples.
func Log2Abs16(in []fixedpoint.Cmplx16, out []uint16) {
	for i, x := range in {
		re := int64(x.Re)
		im := int64(x.Im)
		out[i] = uint16(log2Q8(uint64(re*re+im*im)) >> 1)
	}
}

// Accum16 adds in to acc element-wise with unsigned saturation.
func Accum16(in, acc []uint16) {
	for i := range in {
		acc[i] = fixedpoint.SatU16(int64(acc[i]) + int64(in[i]))
	}
}

// MagnitudeSquared writes re^2 + im^2 of every sample in single precision.
func MagnitudeSquared(in []fixedpoint.Cmplx32, out []float32) {
	for i, x := range in {
		re := float32(x.Re)
		im := float32(x.Im)
		out[i] = re*re + im*im
	}
}
