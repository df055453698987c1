package cfar

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func floorWithPeak(n, peakIdx int, floor, peak uint16) []uint16 {
	v := make([]uint16, n)
	for i := range v {
		v[i] = floor
	}
	v[peakIdx] = peak
	return v
}

func configFor(mode AveragingMode, cyclic bool, scale uint16) Config {
	shift := uint8(3) // log2(winLen)
	if mode == CellAveraging {
		shift = 4 // log2(2*winLen)
	}
	return Config{AveragingMode: mode, WinLen: 8, GuardLen: 2, NoiseDivShift: shift, Cyclic: cyclic, ThresholdScale: scale}
}

func TestSinglePeakDetectedInEveryMode(t *testing.T) {
	const n = 64
	const floor, peak = 1000, 3000
	for _, mode := range []AveragingMode{CellAveraging, GreatestOf, SmallestOf} {
		for _, cyclic := range []bool{false, true} {
			// Include peaks at both edges so the one-sided and wrapped paths run.
			for _, peakIdx := range []int{0, 3, 30, 62, 63} {
				for _, scale := range []uint16{0, 100, 1999} {
					cfg := configFor(mode, cyclic, scale)
					if err := cfg.Validate(n); err != nil {
						t.Fatalf("Validate: %v", err)
					}
					out := make([]uint16, n)
					got := out[:Detect(floorWithPeak(n, peakIdx, floor, peak), cfg, out)]
					if diff := cmp.Diff([]uint16{uint16(peakIdx)}, got); diff != "" {
						t.Errorf("mode=%v cyclic=%v peak=%d scale=%d (-want +got):\n%s", mode, cyclic, peakIdx, scale, diff)
					}
				}
			}
		}
	}
}

func TestThresholdAboveRatioSuppresses(t *testing.T) {
	in := floorWithPeak(64, 20, 1000, 3000)
	out := make([]uint16, 64)
	for _, mode := range []AveragingMode{CellAveraging, GreatestOf, SmallestOf} {
		if n := Detect(in, configFor(mode, false, 2000), out); n != 0 {
			t.Errorf("mode %v: expected no detections at threshold == ratio, got %d", mode, n)
		}
	}
}

func TestCyclicWrapsWindows(t *testing.T) {
	// Cell 29 only lies inside the training window of index 1 when the
	// window wraps.
	in := floorWithPeak(32, 1, 1000, 1800)
	in[29] = 9000
	out := make([]uint16, 32)
	cfg := Config{AveragingMode: CellAveraging, WinLen: 4, GuardLen: 1, NoiseDivShift: 3, Cyclic: true, ThresholdScale: 200}

	got := out[:Detect(in, cfg, out)]
	for _, idx := range got {
		if idx == 1 {
			t.Errorf("index 1 should be masked by wrapped noise, got %v", got)
		}
	}

	cfg.Cyclic = false
	got = out[:Detect(in, cfg, out)]
	found := false
	for _, idx := range got {
		if idx == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("non-cyclic detector should see index 1, got %v", got)
	}
}

func TestDetectStopsWhenOutputFull(t *testing.T) {
	in := make([]uint16, 64)
	for i := 0; i < 64; i += 16 {
		in[i] = 5000
	}
	out := make([]uint16, 2)
	n := Detect(in, configFor(CellAveraging, true, 100), out)
	if n != 2 || out[0] != 0 || out[1] != 16 {
		t.Errorf("got n=%d out=%v", n, out)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		n    int
		want error
	}{
		{"ok", Config{WinLen: 8, GuardLen: 4, NoiseDivShift: 4}, 64, nil},
		{"bad mode", Config{AveragingMode: 7, WinLen: 8, NoiseDivShift: 3}, 64, ErrUnsupportedMode},
		{"zero window", Config{WinLen: 0, NoiseDivShift: 3}, 64, ErrInvalidConfig},
		{"span too big", Config{WinLen: 16, GuardLen: 4, NoiseDivShift: 5}, 32, ErrInvalidConfig},
		{"ca edge shift", Config{WinLen: 4, GuardLen: 1}, 32, ErrInvalidConfig},
		{"cyclic ca zero shift ok", Config{WinLen: 4, GuardLen: 1, Cyclic: true}, 32, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(tt.n)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnsupportedModePanics(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrUnsupportedMode) {
			t.Fatalf("expected ErrUnsupportedMode panic, got %v", r)
		}
	}()
	Detect(make([]uint16, 32), Config{AveragingMode: 9, WinLen: 4}, make([]uint16, 32))
}
