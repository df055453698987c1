// Package fixedpoint implements the saturating and rounding Q-format
// arithmetic shared by the DSP kernels.
//
// Rounding is always "add half then arithmetic shift right", which rounds
// ties toward positive infinity. Saturation clamps to the representable range
// of the destination width.
package fixedpoint

import "math/bits"

// Cmplx16 is a complex sample with 16-bit real and imaginary parts.
type Cmplx16 struct {
	Re int16
	Im int16
}

// Cmplx32 is a complex sample with 32-bit real and imaginary parts.
type Cmplx32 struct {
	Re int32
	Im int32
}

const (
	MaxInt16 = 1<<15 - 1
	MinInt16 = -1 << 15
	MaxInt32 = 1<<31 - 1
	MinInt32 = -1 << 31
)

// Sat16 clamps v into the int16 range.
func Sat16(v int64) int16 {
	if v > MaxInt16 {
		return MaxInt16
	}
	if v < MinInt16 {
		return MinInt16
	}
	return int16(v)
}

// Sat32 clamps v into the int32 range.
func Sat32(v int64) int32 {
	if v > MaxInt32 {
		return MaxInt32
	}
	if v < MinInt32 {
		return MinInt32
	}
	return int32(v)
}

// SatU16 clamps v into the uint16 range.
func SatU16(v int64) uint16 {
	if v > 0xFFFF {
		return 0xFFFF
	}
	if v < 0 {
		return 0
	}
	return uint16(v)
}

func AddSat16(a, b int16) int16 { return Sat16(int64(a) + int64(b)) }
func SubSat16(a, b int16) int16 { return Sat16(int64(a) - int64(b)) }
func AddSat32(a, b int32) int32 { return Sat32(int64(a) + int64(b)) }
func SubSat32(a, b int32) int32 { return Sat32(int64(a) - int64(b)) }

// RoundShift shifts v right by shift bits, rounding half up.
func RoundShift(v int64, shift uint) int64 {
	if shift == 0 {
		return v
	}
	return (v + int64(1)<<(shift-1)) >> shift
}

// MulQ15 multiplies two Q15 values and returns a rounded, saturated Q15 result.
func MulQ15(a, b int16) int16 {
	return Sat16(RoundShift(int64(a)*int64(b), 15))
}

// Add returns the saturating sum of two 16-bit complex samples.
func (c Cmplx16) Add(o Cmplx16) Cmplx16 {
	return Cmplx16{Re: AddSat16(c.Re, o.Re), Im: AddSat16(c.Im, o.Im)}
}

// Sub returns the saturating difference of two 16-bit complex samples.
func (c Cmplx16) Sub(o Cmplx16) Cmplx16 {
	return Cmplx16{Re: SubSat16(c.Re, o.Re), Im: SubSat16(c.Im, o.Im)}
}

// MulQ15 multiplies c by the Q15 coefficient w with rounding and saturation.
func (c Cmplx16) MulQ15(w Cmplx16) Cmplx16 {
	re := int64(c.Re)*int64(w.Re) - int64(c.Im)*int64(w.Im)
	im := int64(c.Re)*int64(w.Im) + int64(c.Im)*int64(w.Re)
	return Cmplx16{Re: Sat16(RoundShift(re, 15)), Im: Sat16(RoundShift(im, 15))}
}

// Add returns the saturating sum of two 32-bit complex samples.
func (c Cmplx32) Add(o Cmplx32) Cmplx32 {
	return Cmplx32{Re: AddSat32(c.Re, o.Re), Im: AddSat32(c.Im, o.Im)}
}

// Sub returns the saturating difference of two 32-bit complex samples.
func (c Cmplx32) Sub(o Cmplx32) Cmplx32 {
	return Cmplx32{Re: SubSat32(c.Re, o.Re), Im: SubSat32(c.Im, o.Im)}
}

// MulQ15 multiplies a 32-bit sample by a Q15 coefficient, keeping 32 bits.
func (c Cmplx32) MulQ15(w Cmplx16) Cmplx32 {
	re := int64(c.Re)*int64(w.Re) - int64(c.Im)*int64(w.Im)
	im := int64(c.Re)*int64(w.Im) + int64(c.Im)*int64(w.Re)
	return Cmplx32{Re: Sat32(RoundShift(re, 15)), Im: Sat32(RoundShift(im, 15))}
}

// MulQ31 multiplies a 32-bit sample by a Q31 coefficient, keeping 32 bits.
func (c Cmplx32) MulQ31(w Cmplx32) Cmplx32 {
	re := int64(c.Re)*int64(w.Re) - int64(c.Im)*int64(w.Im)
	im := int64(c.Re)*int64(w.Im) + int64(c.Im)*int64(w.Re)
	return Cmplx32{Re: Sat32(RoundShift(re, 31)), Im: Sat32(RoundShift(im, 31))}
}

// Widen converts a 16-bit complex sample to 32 bits.
func (c Cmplx16) Widen() Cmplx32 {
	return Cmplx32{Re: int32(c.Re), Im: int32(c.Im)}
}

// IsPow2 reports whether n is a positive power of two.
func IsPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Log2 returns floor(log2(n)) for n > 0.
func Log2(n int) int {
	return bits.Len(uint(n)) - 1
}

// Pow2RoundUp returns the smallest power of two >= x (1 for x == 0).
func Pow2RoundUp(x uint32) uint32 {
	if x <= 1 {
		return 1
	}
	return 1 << bits.Len32(x-1)
}
