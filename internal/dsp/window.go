// Package dsp holds the fixed-point signal processing kernels of the radar
// data path: window generation and application, FFT twiddle tables, the
// 16-bit and 32-bit FFTs, the single-bin DFT and the log-magnitude helpers.
//
// Window tables are stored as half tables. A window of length N is
// symmetric, so only the first N/2 coefficients are generated and the
// windowing kernels read the table forwards for the first half of the input
// and backwards for the second half.
package dsp

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
)

// ErrInvalidConfiguration is returned for kernel sizes the fixed-point
// kernels cannot handle.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// WindowKind selects the window function.
type WindowKind int

const (
	Blackman WindowKind = iota
	Hanning
	Rectangular
)

func (k WindowKind) String() string {
	switch k {
	case Blackman:
		return "blackman"
	case Hanning:
		return "hanning"
	case Rectangular:
		return "rectangular"
	default:
		return fmt.Sprintf("window(%d)", int(k))
	}
}

const (
	// OneQ15 is 1.0 in Q15, used by 16-bit windows and twiddles.
	OneQ15 = 1 << 15
	// OneQ19 is 1.0 in Q19. A Q19 window applied with a 15-bit shift has a
	// gain of 2^4.
	OneQ19 = 1 << 19
)

// GenWindow generates genLength coefficients of a length-point window in a
// fixed-point format where oneQ represents 1.0. Values are clamped to oneQ-1.
func GenWindow(kind WindowKind, length, genLength int, oneQ int32) ([]int32, error) {
	if length < 2 || genLength <= 0 || genLength > length {
		return nil, fmt.Errorf("%w: window length %d, generated length %d", ErrInvalidConfiguration, length, genLength)
	}
	phi := 2 * math.Pi / float64(length-1)
	win := make([]int32, genLength)
	for i := range win {
		var w float64
		switch kind {
		case Blackman:
			w = 0.42 - 0.5*math.Cos(phi*float64(i)) + 0.08*math.Cos(2*phi*float64(i))
		case Hanning:
			w = 0.5 * (1 - math.Cos(phi*float64(i)))
		case Rectangular:
			win[i] = oneQ - 1
			continue
		default:
			return nil, fmt.Errorf("%w: unknown window kind %v", ErrInvalidConfiguration, kind)
		}
		v := int32(float64(oneQ)*w + 0.5)
		if v >= oneQ {
			v = oneQ - 1
		}
		win[i] = v
	}
	return win, nil
}

// GenWindow16 is GenWindow narrowed to int16 storage for Q15 windows.
func GenWindow16(kind WindowKind, length, genLength int) ([]int16, error) {
	w, err := GenWindow(kind, length, genLength, OneQ15)
	if err != nil {
		return nil, err
	}
	out := make([]int16, len(w))
	for i, v := range w {
		out[i] = int16(v)
	}
	return out, nil
}

// windowCoef returns the coefficient for sample i of an n-point window
// stored as a half table (len(half) == n/2) or as a full table.
func windowCoef[T int16 | int32](half []T, n, i int) T {
	if len(half) >= n {
		return half[i]
	}
	if i < n/2 {
		return half[i]
	}
	return half[n-1-i]
}

// Windowing16x16 applies a Q15 window to data in place.
func Windowing16x16(data []fixedpoint.Cmplx16, win []int16) {
	n := len(data)
	for i := range data {
		w := int64(windowCoef(win, n, i))
		data[i].Re = fixedpoint.Sat16(fixedpoint.RoundShift(int64(data[i].Re)*w, 15))
		data[i].Im = fixedpoint.Sat16(fixedpoint.RoundShift(int64(data[i].Im)*w, 15))
	}
}

// Windowing16x32 applies a 32-bit window to 16-bit input producing 32-bit
// output. With a Q19 window the output carries a gain of 2^4.
func Windowing16x32(in []fixedpoint.Cmplx16, win []int32, out []fixedpoint.Cmplx32) {
	n := len(in)
	for i := range in {
		w := int64(windowCoef(win, n, i))
		out[i].Re = fixedpoint.Sat32(fixedpoint.RoundShift(int64(in[i].Re)*w, 15))
		out[i].Im = fixedpoint.Sat32(fixedpoint.RoundShift(int64(in[i].Im)*w, 15))
	}
}
