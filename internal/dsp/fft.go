package dsp

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
)

// CheckFFTSize validates an FFT length for the fixed-point kernels.
func CheckFFTSize(n int) error {
	if n < 2 || !fixedpoint.IsPow2(n) {
		return fmt.Errorf("%w: fft size %d is not a power of two >= 2", ErrInvalidConfiguration, n)
	}
	return nil
}

// GenTwiddle16x16 returns the n/2 Q15 twiddles exp(-j*2*pi*k/n).
func GenTwiddle16x16(n int) []fixedpoint.Cmplx16 {
	tw := make([]fixedpoint.Cmplx16, n/2)
	for k := range tw {
		theta := 2 * math.Pi * float64(k) / float64(n)
		tw[k] = fixedpoint.Cmplx16{
			Re: int16(roundClamp(32767.5*math.Cos(theta), fixedpoint.MaxInt16)),
			Im: int16(roundClamp(-32767.5*math.Sin(theta), fixedpoint.MaxInt16)),
		}
	}
	return tw
}

// GenTwiddle32x32 returns the n/2 Q31 twiddles exp(-j*2*pi*k/n) scaled by
// scale (2147483647.5 for full range).
func GenTwiddle32x32(n int, scale float64) []fixedpoint.Cmplx32 {
	tw := make([]fixedpoint.Cmplx32, n/2)
	for k := range tw {
		theta := 2 * math.Pi * float64(k) / float64(n)
		tw[k] = fixedpoint.Cmplx32{
			Re: int32(roundClamp(scale*math.Cos(theta), fixedpoint.MaxInt32)),
			Im: int32(roundClamp(-scale*math.Sin(theta), fixedpoint.MaxInt32)),
		}
	}
	return tw
}

func roundClamp(v float64, max int64) int64 {
	r := int64(math.Floor(v + 0.5))
	if r > max {
		return max
	}
	if r < -max-1 {
		return -max - 1
	}
	return r
}

// FFT16x16Shifts is the number of divide-by-two steps FFT16x16 applies for
// an n-point transform: ceil(log4(n)) - 1.
func FFT16x16Shifts(n int) int {
	stages := fixedpoint.Log2(n)
	return (stages+1)/2 - 1
}

// FFT16x16 computes an n-point FFT of 16-bit complex input into out using
// Q15 twiddles from GenTwiddle16x16. Intermediate results are scaled by 1/2
// after every second radix-2 stage except the final pair, so the overall
// gain is n / 2^(ceil(log4 n)-1). in is not modified.
func FFT16x16(tw []fixedpoint.Cmplx16, in, out []fixedpoint.Cmplx16) {
	n := len(in)
	if len(out) != n || len(tw) < n/2 || !fixedpoint.IsPow2(n) {
		panic(fmt.Sprintf("dsp: fft16x16 size mismatch n=%d out=%d tw=%d", n, len(out), len(tw)))
	}
	bitReverseCopy(in, out)

	stages := fixedpoint.Log2(n)
	shifts := FFT16x16Shifts(n)
	for s := 0; s < stages; s++ {
		half := 1 << s
		step := n / (2 * half)
		var shift uint
		if s%2 == 1 && shifts > 0 {
			shift = 1
			shifts--
		}
		for start := 0; start < n; start += 2 * half {
			for k := 0; k < half; k++ {
				w := tw[k*step]
				a := out[start+k]
				b := out[start+k+half]
				tr := fixedpoint.RoundShift(int64(b.Re)*int64(w.Re)-int64(b.Im)*int64(w.Im), 15)
				ti := fixedpoint.RoundShift(int64(b.Re)*int64(w.Im)+int64(b.Im)*int64(w.Re), 15)
				out[start+k] = fixedpoint.Cmplx16{
					Re: fixedpoint.Sat16(fixedpoint.RoundShift(int64(a.Re)+tr, shift)),
					Im: fixedpoint.Sat16(fixedpoint.RoundShift(int64(a.Im)+ti, shift)),
				}
				out[start+k+half] = fixedpoint.Cmplx16{
					Re: fixedpoint.Sat16(fixedpoint.RoundShift(int64(a.Re)-tr, shift)),
					Im: fixedpoint.Sat16(fixedpoint.RoundShift(int64(a.Im)-ti, shift)),
				}
			}
		}
	}
}

// FFT32x32 computes an unscaled n-point FFT of 32-bit complex input into out
// using Q31 twiddles from GenTwiddle32x32. in is not modified.
func FFT32x32(tw []fixedpoint.Cmplx32, in, out []fixedpoint.Cmplx32) {
	n := len(in)
	if len(out) != n || len(tw) < n/2 || !fixedpoint.IsPow2(n) {
		panic(fmt.Sprintf("dsp: fft32x32 size mismatch n=%d out=%d tw=%d", n, len(out), len(tw)))
	}
	bitReverseCopy(in, out)

	stages := fixedpoint.Log2(n)
	for s := 0; s < stages; s++ {
		half := 1 << s
		step := n / (2 * half)
		for start := 0; start < n; start += 2 * half {
			for k := 0; k < half; k++ {
				t := out[start+k+half].MulQ31(tw[k*step])
				a := out[start+k]
				out[start+k] = a.Add(t)
				out[start+k+half] = a.Sub(t)
			}
		}
	}
}

func bitReverseCopy[T any](in, out []T) {
	n := len(in)
	if n == 1 {
		out[0] = in[0]
		return
	}
	shift := uint(64 - fixedpoint.Log2(n))
	for i := range in {
		j := int(bits.Reverse64(uint64(i)) >> shift)
		out[j] = in[i]
	}
}
