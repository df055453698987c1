package fixedpoint

import "testing"

func TestSaturation(t *testing.T) {
	tests := []struct {
		name string
		got  int64
		want int64
	}{
		{"sat16 high", int64(Sat16(40000)), MaxInt16},
		{"sat16 low", int64(Sat16(-40000)), MinInt16},
		{"sat16 pass", int64(Sat16(-123)), -123},
		{"sat32 high", int64(Sat32(1 << 40)), MaxInt32},
		{"sat32 low", int64(Sat32(-(1 << 40))), MinInt32},
		{"satU16 negative", int64(SatU16(-5)), 0},
		{"satU16 high", int64(SatU16(70000)), 0xFFFF},
		{"add16", int64(AddSat16(30000, 10000)), MaxInt16},
		{"sub16", int64(SubSat16(-30000, 10000)), MinInt16},
		{"add32", int64(AddSat32(MaxInt32, 1)), MaxInt32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %d, want %d", tt.got, tt.want)
			}
		})
	}
}

func TestRoundShift(t *testing.T) {
	tests := []struct {
		v     int64
		shift uint
		want  int64
	}{
		{5, 0, 5},
		{3, 1, 2},
		{2, 1, 1},
		{-3, 1, -1},
		{-1, 1, 0},
		{1 << 14, 15, 1},
		{(1 << 14) - 1, 15, 0},
	}
	for _, tt := range tests {
		if got := RoundShift(tt.v, tt.shift); got != tt.want {
			t.Errorf("RoundShift(%d, %d) = %d, want %d", tt.v, tt.shift, got, tt.want)
		}
	}
}

func TestMulQ15(t *testing.T) {
	half := int16(1 << 14)
	if got := MulQ15(half, half); got != 1<<13 {
		t.Errorf("0.5*0.5 = %d, want %d", got, 1<<13)
	}
	if got := MulQ15(MinInt16, MinInt16); got != MaxInt16 {
		t.Errorf("-1*-1 should saturate to %d, got %d", MaxInt16, got)
	}
}

func TestComplexMul(t *testing.T) {
	// Multiply by j (0 + 1j) in Q15, approximated by 32767.
	j := Cmplx16{Re: 0, Im: MaxInt16}
	got := Cmplx16{Re: 1000, Im: 0}.MulQ15(j)
	if got.Re != 0 || got.Im != 1000 {
		t.Errorf("rotate by j: got %+v", got)
	}

	got32 := Cmplx32{Re: 1 << 20, Im: 0}.MulQ31(Cmplx32{Re: 0, Im: MaxInt32})
	if got32.Re != 0 || got32.Im != 1<<20 {
		t.Errorf("rotate32 by j: got %+v", got32)
	}

	got32q15 := Cmplx32{Re: 0, Im: 4000}.MulQ15(Cmplx16{Re: 1 << 14, Im: 0})
	if got32q15.Re != 0 || got32q15.Im != 2000 {
		t.Errorf("scale by 0.5: got %+v", got32q15)
	}
}

func TestPow2Helpers(t *testing.T) {
	for _, tt := range []struct {
		in   uint32
		want uint32
	}{{0, 1}, {1, 1}, {2, 2}, {3, 4}, {200, 256}, {256, 256}, {257, 512}} {
		if got := Pow2RoundUp(tt.in); got != tt.want {
			t.Errorf("Pow2RoundUp(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if !IsPow2(64) || IsPow2(48) || IsPow2(0) {
		t.Error("IsPow2 misclassified")
	}
	if Log2(64) != 6 || Log2(1) != 0 {
		t.Error("Log2 wrong")
	}
}
