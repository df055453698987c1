// Package cfar implements the constant false alarm rate detectors used on
// the log-magnitude detection matrix.
//
// Inputs are log2 magnitudes, so the threshold is additive: a cell is a
// detection when its value exceeds (noise >> NoiseDivShift) + ThresholdScale,
// where noise is the sum of the training cells selected by the averaging
// mode. Guard cells adjacent to the cell under test are excluded.
package cfar

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedMode is reported for an averaging mode the detector does
	// not implement.
	ErrUnsupportedMode = errors.New("cfar: unsupported averaging mode")
	// ErrInvalidConfig covers window sizes that do not fit the input.
	ErrInvalidConfig = errors.New("cfar: invalid configuration")
)

// AveragingMode selects how the two training windows are combined.
type AveragingMode uint8

const (
	// CellAveraging sums both training windows.
	CellAveraging AveragingMode = iota
	// GreatestOf uses the larger of the two windows.
	GreatestOf
	// SmallestOf uses the smaller of the two windows.
	SmallestOf
)

func (m AveragingMode) String() string {
	switch m {
	case CellAveraging:
		return "CA"
	case GreatestOf:
		return "GO"
	case SmallestOf:
		return "SO"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Config parameterises one detection direction.
type Config struct {
	AveragingMode  AveragingMode
	WinLen         uint8
	GuardLen       uint8
	NoiseDivShift  uint8
	Cyclic         bool
	ThresholdScale uint16
}

// Validate checks the configuration against an input length n.
func (c Config) Validate(n int) error {
	if c.AveragingMode > SmallestOf {
		return fmt.Errorf("%w: %v", ErrUnsupportedMode, c.AveragingMode)
	}
	if c.WinLen == 0 {
		return fmt.Errorf("%w: window length must be positive", ErrInvalidConfig)
	}
	if span := 2*(int(c.WinLen)+int(c.GuardLen)) + 1; span > n {
		return fmt.Errorf("%w: window span %d exceeds %d cells", ErrInvalidConfig, span, n)
	}
	if c.AveragingMode == CellAveraging && !c.Cyclic && c.NoiseDivShift == 0 {
		return fmt.Errorf("%w: non-cyclic cell averaging needs a noise divisor shift of at least 1", ErrInvalidConfig)
	}
	return nil
}

// Detect runs the detector over in and writes the indices of detected cells
// to out in ascending order, returning how many were written. Detection stops
// when out is full. An unsupported averaging mode panics; configurations are
// expected to have passed Validate.
func Detect(in []uint16, cfg Config, out []uint16) int {
	if cfg.AveragingMode > SmallestOf {
		panic(fmt.Errorf("%w: %v", ErrUnsupportedMode, cfg.AveragingMode))
	}
	if cfg.Cyclic {
		return detectCyclic(in, cfg, out)
	}
	return detectLinear(in, cfg, out)
}

func combine(mode AveragingMode, left, right int) int {
	switch mode {
	case GreatestOf:
		return max(left, right)
	case SmallestOf:
		return min(left, right)
	default:
		return left + right
	}
}

// detectCyclic treats in as circular; every cell has both windows.
func detectCyclic(in []uint16, cfg Config, out []uint16) int {
	n := len(in)
	win := int(cfg.WinLen)
	guard := int(cfg.GuardLen)
	count := 0
	for i := 0; i < n && count < len(out); i++ {
		left, right := 0, 0
		for k := 1; k <= win; k++ {
			left += int(in[((i-guard-k)%n+n)%n])
			right += int(in[(i+guard+k)%n])
		}
		noise := combine(cfg.AveragingMode, left, right) >> cfg.NoiseDivShift
		if int(in[i]) > noise+int(cfg.ThresholdScale) {
			out[count] = uint16(i)
			count++
		}
	}
	return count
}

// detectLinear does not wrap. Cells near either edge use only the complete
// window on the far side; for cell averaging the single window is scaled
// up by one bit to keep the same normalisation.
func detectLinear(in []uint16, cfg Config, out []uint16) int {
	n := len(in)
	win := int(cfg.WinLen)
	guard := int(cfg.GuardLen)
	count := 0
	sum := func(from int) int {
		s := 0
		for k := from; k < from+win; k++ {
			s += int(in[k])
		}
		return s
	}
	for i := 0; i < n && count < len(out); i++ {
		hasLeft := i-guard-win >= 0
		hasRight := i+guard+win <= n-1
		var noise int
		switch {
		case hasLeft && hasRight:
			noise = combine(cfg.AveragingMode, sum(i-guard-win), sum(i+guard+1)) >> cfg.NoiseDivShift
		case hasRight:
			noise = oneSided(cfg, sum(i+guard+1))
		case hasLeft:
			noise = oneSided(cfg, sum(i-guard-win))
		default:
			continue
		}
		if int(in[i]) > noise+int(cfg.ThresholdScale) {
			out[count] = uint16(i)
			count++
		}
	}
	return count
}

func oneSided(cfg Config, s int) int {
	if cfg.AveragingMode == CellAveraging {
		return s >> (cfg.NoiseDivShift - 1)
	}
	return s >> cfg.NoiseDivShift
}
