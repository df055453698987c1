package dsp

import (
	"math"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
)

// GenDftSinCosTable returns the n-entry Q15 table exp(-j*2*pi*i/n) used by
// DftSingleBin, and the half-bin rotation exp(-j*pi/n).
func GenDftSinCosTable(n int) (table []fixedpoint.Cmplx16, halfBin fixedpoint.Cmplx16) {
	q15 := func(v float64) int16 {
		r := int64(math.Floor(v + 0.5))
		if r >= OneQ15 {
			r = OneQ15 - 1
		}
		return int16(r)
	}
	table = make([]fixedpoint.Cmplx16, n)
	for i := range table {
		theta := 2 * math.Pi * float64(i) / float64(n)
		table[i] = fixedpoint.Cmplx16{
			Re: q15(OneQ15 * math.Cos(theta)),
			Im: q15(OneQ15 * -math.Sin(theta)),
		}
	}
	halfBin = fixedpoint.Cmplx16{
		Re: q15(OneQ15 * math.Cos(math.Pi/float64(n))),
		Im: q15(OneQ15 * -math.Sin(math.Pi/float64(n))),
	}
	return table, halfBin
}

// DftSingleBin evaluates a single DFT bin of 16-bit input using a table from
// GenDftSinCosTable. Each product is rounded back to the input scale before
// accumulation.
func DftSingleBin(in []fixedpoint.Cmplx16, table []fixedpoint.Cmplx16, bin int) fixedpoint.Cmplx32 {
	n := len(in)
	var re, im int64
	idx := 0
	for k := 0; k < n; k++ {
		c := table[idx]
		re += fixedpoint.RoundShift(int64(in[k].Re)*int64(c.Re)-int64(in[k].Im)*int64(c.Im), 15)
		im += fixedpoint.RoundShift(int64(in[k].Re)*int64(c.Im)+int64(in[k].Im)*int64(c.Re), 15)
		idx += bin
		if idx >= n {
			idx -= n
		}
	}
	return fixedpoint.Cmplx32{Re: fixedpoint.Sat32(re), Im: fixedpoint.Sat32(im)}
}
