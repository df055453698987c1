package dsp

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
)

func TestGenWindowValues(t *testing.T) {
	win, err := GenWindow(Hanning, 16, 8, OneQ15)
	if err != nil {
		t.Fatalf("GenWindow: %v", err)
	}
	if win[0] != 0 {
		t.Errorf("hanning[0] = %d, want 0", win[0])
	}
	for i := 1; i < len(win); i++ {
		if win[i] <= win[i-1] {
			t.Errorf("hanning half table should rise: win[%d]=%d win[%d]=%d", i-1, win[i-1], i, win[i])
		}
	}

	rect, err := GenWindow(Rectangular, 8, 4, OneQ19)
	if err != nil {
		t.Fatalf("GenWindow: %v", err)
	}
	for i, v := range rect {
		if v != OneQ19-1 {
			t.Errorf("rect[%d] = %d, want %d", i, v, OneQ19-1)
		}
	}

	black, err := GenWindow16(Blackman, 32, 16)
	if err != nil {
		t.Fatalf("GenWindow16: %v", err)
	}
	for i, v := range black {
		if int32(v) >= OneQ15 || v < 0 {
			t.Errorf("blackman[%d] = %d out of range", i, v)
		}
	}
}

func TestGenWindowInvalid(t *testing.T) {
	if _, err := GenWindow(Hanning, 1, 1, OneQ15); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
	if _, err := GenWindow(WindowKind(9), 16, 8, OneQ15); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration for unknown kind, got %v", err)
	}
}

// The half table applied symmetrically must agree with the full table to
// within one LSB.
func TestHalfWindowMatchesFullWindow(t *testing.T) {
	const n = 64
	half, _ := GenWindow16(Blackman, n, n/2)
	full, _ := GenWindow16(Blackman, n, n)

	rng := rand.New(rand.NewSource(7))
	a := make([]fixedpoint.Cmplx16, n)
	for i := range a {
		a[i] = fixedpoint.Cmplx16{Re: int16(rng.Intn(20000) - 10000), Im: int16(rng.Intn(20000) - 10000)}
	}
	b := append([]fixedpoint.Cmplx16(nil), a...)

	Windowing16x16(a, half)
	Windowing16x16(b, full)
	for i := range a {
		if d := math.Abs(float64(a[i].Re) - float64(b[i].Re)); d > 1 {
			t.Errorf("sample %d re: half=%d full=%d", i, a[i].Re, b[i].Re)
		}
		if d := math.Abs(float64(a[i].Im) - float64(b[i].Im)); d > 1 {
			t.Errorf("sample %d im: half=%d full=%d", i, a[i].Im, b[i].Im)
		}
	}
}

func TestWindowing16x32Gain(t *testing.T) {
	win, _ := GenWindow(Rectangular, 16, 8, OneQ19)
	in := make([]fixedpoint.Cmplx16, 16)
	for i := range in {
		in[i] = fixedpoint.Cmplx16{Re: 100, Im: -100}
	}
	out := make([]fixedpoint.Cmplx32, 16)
	Windowing16x32(in, win, out)
	for i, v := range out {
		// (100 * (2^19-1) + 2^14) >> 15 = 1600
		if v.Re != 1600 || v.Im != -1600 {
			t.Errorf("out[%d] = %+v, want {1600 -1600}", i, v)
		}
	}
}

func TestCheckFFTSize(t *testing.T) {
	for _, n := range []int{2, 16, 256} {
		if err := CheckFFTSize(n); err != nil {
			t.Errorf("CheckFFTSize(%d): %v", n, err)
		}
	}
	for _, n := range []int{0, 1, 48, 100} {
		if err := CheckFFTSize(n); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("CheckFFTSize(%d) = %v, want ErrInvalidConfiguration", n, err)
		}
	}
}

func reference(in []complex128) []complex128 {
	return fourier.NewCmplxFFT(len(in)).Coefficients(nil, in)
}

func TestFFT16x16Tone(t *testing.T) {
	const n = 64
	const bin = 5
	in := make([]fixedpoint.Cmplx16, n)
	for i := range in {
		ph := 2 * math.Pi * bin * float64(i) / n
		in[i] = fixedpoint.Cmplx16{Re: int16(math.Round(1000 * math.Cos(ph))), Im: int16(math.Round(1000 * math.Sin(ph)))}
	}
	out := make([]fixedpoint.Cmplx16, n)
	FFT16x16(GenTwiddle16x16(n), in, out)

	// gain n / 2^(ceil(log4 n)-1) = 64/4
	want := 1000.0 * n / float64(int(1)<<FFT16x16Shifts(n))
	if math.Abs(float64(out[bin].Re)-want) > 8 || math.Abs(float64(out[bin].Im)) > 8 {
		t.Errorf("peak bin = %+v, want ~%v", out[bin], want)
	}
	for k := range out {
		if k == bin {
			continue
		}
		if math.Abs(float64(out[k].Re)) > 8 || math.Abs(float64(out[k].Im)) > 8 {
			t.Errorf("leakage at bin %d: %+v", k, out[k])
		}
	}
}

func TestFFT16x16MatchesReference(t *testing.T) {
	for _, n := range []int{16, 32, 64, 128, 256} {
		rng := rand.New(rand.NewSource(int64(n)))
		in := make([]fixedpoint.Cmplx16, n)
		ref := make([]complex128, n)
		for i := range in {
			re := rng.Intn(2000) - 1000
			im := rng.Intn(2000) - 1000
			in[i] = fixedpoint.Cmplx16{Re: int16(re), Im: int16(im)}
			ref[i] = complex(float64(re), float64(im))
		}
		out := make([]fixedpoint.Cmplx16, n)
		FFT16x16(GenTwiddle16x16(n), in, out)

		scale := float64(int(1) << FFT16x16Shifts(n))
		tol := math.Max(8, float64(2*fixedpoint.Log2(n)))
		want := reference(ref)
		for k := range out {
			got := complex(float64(out[k].Re), float64(out[k].Im))
			if d := cmplx.Abs(got - want[k]/complex(scale, 0)); d > tol {
				t.Errorf("n=%d bin %d: got %v want %v (|diff|=%.2f)", n, k, got, want[k]/complex(scale, 0), d)
			}
		}
	}
}

func TestFFT32x32MatchesReference(t *testing.T) {
	for _, n := range []int{16, 64, 128} {
		rng := rand.New(rand.NewSource(int64(n) + 100))
		in := make([]fixedpoint.Cmplx32, n)
		ref := make([]complex128, n)
		for i := range in {
			re := rng.Intn(1<<21) - 1<<20
			im := rng.Intn(1<<21) - 1<<20
			in[i] = fixedpoint.Cmplx32{Re: int32(re), Im: int32(im)}
			ref[i] = complex(float64(re), float64(im))
		}
		out := make([]fixedpoint.Cmplx32, n)
		FFT32x32(GenTwiddle32x32(n, 2147483647.5), in, out)

		want := reference(ref)
		for k := range out {
			got := complex(float64(out[k].Re), float64(out[k].Im))
			if d := cmplx.Abs(got - want[k]); d > 64 {
				t.Errorf("n=%d bin %d: got %v want %v", n, k, got, want[k])
			}
		}
	}
}

func TestFFTSizeMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for mismatched sizes")
		}
	}()
	FFT32x32(GenTwiddle32x32(8, 2147483647.5), make([]fixedpoint.Cmplx32, 8), make([]fixedpoint.Cmplx32, 4))
}

func TestDftSingleBinMatchesReference(t *testing.T) {
	const n = 32
	table, halfBin := GenDftSinCosTable(n)
	if table[0].Re != OneQ15-1 || table[0].Im != 0 {
		t.Errorf("table[0] = %+v", table[0])
	}
	if halfBin.Re <= 0 || halfBin.Im >= 0 {
		t.Errorf("half bin rotation %+v should be in the fourth quadrant", halfBin)
	}

	rng := rand.New(rand.NewSource(3))
	in := make([]fixedpoint.Cmplx16, n)
	ref := make([]complex128, n)
	for i := range in {
		re := rng.Intn(4000) - 2000
		im := rng.Intn(4000) - 2000
		in[i] = fixedpoint.Cmplx16{Re: int16(re), Im: int16(im)}
		ref[i] = complex(float64(re), float64(im))
	}
	want := reference(ref)
	for _, bin := range []int{0, 1, 7, 16, 31} {
		got := DftSingleBin(in, table, bin)
		if d := cmplx.Abs(complex(float64(got.Re), float64(got.Im)) - want[bin]); d > 40 {
			t.Errorf("bin %d: got %+v want %v", bin, got, want[bin])
		}
	}
}

func TestLog2Abs(t *testing.T) {
	in := []fixedpoint.Cmplx32{
		{Re: 0, Im: 0},
		{Re: 1 << 10, Im: 0},
		{Re: 3, Im: 4},
		{Re: -70000, Im: 12345},
		{Re: fixedpoint.MinInt32, Im: fixedpoint.MinInt32},
	}
	out := make([]uint16, len(in))
	Log2Abs32(in, out)
	if out[0] != 0 {
		t.Errorf("log2abs(0) = %d, want 0", out[0])
	}
	if out[1] != 10<<Log2Q {
		t.Errorf("log2abs(1024) = %d, want %d", out[1], 10<<Log2Q)
	}
	for i := 2; i < len(in); i++ {
		mag := math.Hypot(float64(in[i].Re), float64(in[i].Im))
		want := 256 * math.Log2(mag)
		if math.Abs(float64(out[i])-want) > 2 {
			t.Errorf("log2abs(%+v) = %d, want ~%.1f", in[i], out[i], want)
		}
	}

	in16 := []fixedpoint.Cmplx16{{Re: 3, Im: 4}}
	out16 := make([]uint16, 1)
	Log2Abs16(in16, out16)
	if out16[0] != out[2] {
		t.Errorf("Log2Abs16 = %d, Log2Abs32 = %d", out16[0], out[2])
	}
}

func TestAccum16Saturates(t *testing.T) {
	acc := []uint16{65000, 10}
	Accum16([]uint16{1000, 5}, acc)
	if acc[0] != 0xFFFF || acc[1] != 15 {
		t.Errorf("acc = %v", acc)
	}
}

func TestMagnitudeSquared(t *testing.T) {
	out := make([]float32, 2)
	MagnitudeSquared([]fixedpoint.Cmplx32{{Re: 3, Im: 4}, {Re: -2, Im: 0}}, out)
	if out[0] != 25 || out[1] != 4 {
		t.Errorf("out = %v", out)
	}
}
