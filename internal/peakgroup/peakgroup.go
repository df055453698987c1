// Package peakgroup suppresses duplicate detections around a single target
// by keeping only candidates that dominate their 3x3 range/Doppler
// neighbourhood.
//
// The kernel is laid out row-major with range as the row and Doppler as the
// column; index 4 is the cell under test:
//
//	0: r-1,d-1   1: r-1,d   2: r-1,d+1
//	3: r,  d-1   4: r,  d   5: r,  d+1
//	6: r+1,d-1   7: r+1,d   8: r+1,d+1
//
// Doppler neighbours wrap around the Doppler axis; range neighbours outside
// the valid range interval are zero.
package peakgroup

import (
	"errors"
	"fmt"
)

// MaxOutputObjects caps the grouped list.
const MaxOutputObjects = 100

// ErrUnknownScheme is returned for an unsupported grouping scheme.
var ErrUnknownScheme = errors.New("peakgroup: unknown scheme")

// Object is a detection candidate in range/Doppler index space.
type Object struct {
	RangeIdx   uint16
	DopplerIdx uint16
	PeakVal    uint16
}

// Scheme selects where neighbour values come from.
type Scheme uint8

const (
	// DetMatrixBased reads neighbours from the detection matrix whether or
	// not they were detected.
	DetMatrixBased Scheme = 1
	// CFARPeakBased only uses neighbours that are themselves candidates.
	CFARPeakBased Scheme = 2
)

func (s Scheme) String() string {
	switch s {
	case DetMatrixBased:
		return "det-matrix"
	case CFARPeakBased:
		return "cfar-peak"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// Config selects the grouping scheme, directions and the valid range-index
// interval.
type Config struct {
	Scheme             Scheme
	InRangeDirection   bool
	InDopplerDirection bool
	MinRangeIndex      uint16
	MaxRangeIndex      uint16
}

// Validate checks the configuration against the number of range bins.
func (c Config) Validate(numRangeBins int) error {
	if c.Scheme != DetMatrixBased && c.Scheme != CFARPeakBased {
		return fmt.Errorf("%w: %v", ErrUnknownScheme, c.Scheme)
	}
	if c.MinRangeIndex > c.MaxRangeIndex {
		return fmt.Errorf("peakgroup: min range index %d above max %d", c.MinRangeIndex, c.MaxRangeIndex)
	}
	if int(c.MaxRangeIndex) >= numRangeBins {
		return fmt.Errorf("peakgroup: max range index %d outside %d range bins", c.MaxRangeIndex, numRangeBins)
	}
	return nil
}

// mask returns the kernel indices compared against the centre.
func (c Config) mask() (start, step, end int, grouping bool) {
	switch {
	case c.InRangeDirection && c.InDopplerDirection:
		return 0, 1, 8, true
	case c.InRangeDirection:
		return 1, 3, 7, true
	case c.InDopplerDirection:
		return 3, 1, 5, true
	default:
		return 0, 0, 0, false
	}
}

func (c Config) inRange(r uint16) bool {
	return r >= c.MinRangeIndex && r <= c.MaxRangeIndex
}

// ungrouped copies the first MaxOutputObjects raw candidates that fall
// inside the valid range interval.
func ungrouped(dst, raw []Object, cfg Config) []Object {
	n := min(len(raw), MaxOutputObjects)
	for _, o := range raw[:n] {
		if cfg.inRange(o.RangeIdx) {
			dst = append(dst, o)
		}
	}
	return dst
}

func dominates(kernel *[9]uint16, start, step, end int) bool {
	for k := start; k <= end; k += step {
		if kernel[k] > kernel[4] {
			return false
		}
	}
	return true
}

// Group dispatches on cfg.Scheme. detMatrix is only read by the
// detection-matrix scheme.
func Group(dst, raw []Object, detMatrix []uint16, numRangeBins, numDopplerBins int, cfg Config) ([]Object, error) {
	switch cfg.Scheme {
	case DetMatrixBased:
		return ByDetMatrix(dst, raw, detMatrix, numRangeBins, numDopplerBins, cfg), nil
	case CFARPeakBased:
		return ByCFARPeaks(dst, raw, numDopplerBins, cfg), nil
	default:
		return dst, fmt.Errorf("%w: %v", ErrUnknownScheme, cfg.Scheme)
	}
}

// ByDetMatrix keeps each candidate that is not exceeded by any selected
// neighbour read from the numRangeBins x numDopplerBins detection matrix.
// Results are appended to dst.
func ByDetMatrix(dst, raw []Object, detMatrix []uint16, numRangeBins, numDopplerBins int, cfg Config) []Object {
	start, step, end, grouping := cfg.mask()
	if !grouping {
		return ungrouped(dst, raw, cfg)
	}
	count := 0
	for _, o := range raw {
		if !cfg.inRange(o.RangeIdx) {
			continue
		}
		var kernel [9]uint16
		r := int(o.RangeIdx)
		for row := 0; row < 3; row++ {
			rr := r + row - 1
			if row == 0 && (o.RangeIdx == cfg.MinRangeIndex || rr < 0) {
				continue
			}
			if row == 2 && (o.RangeIdx == cfg.MaxRangeIndex || rr >= numRangeBins) {
				continue
			}
			base := rr * numDopplerBins
			for col := 0; col < 3; col++ {
				d := wrap(int(o.DopplerIdx)+col-1, numDopplerBins)
				kernel[row*3+col] = detMatrix[base+d]
			}
		}
		if dominates(&kernel, start, step, end) {
			dst = append(dst, o)
			count++
			if count >= MaxOutputObjects {
				break
			}
		}
	}
	return dst
}

// ByCFARPeaks builds the kernel only from other candidates. raw must be in
// the order the range pass produces it: grouped by Doppler line in
// ascending order, ascending range within a line.
func ByCFARPeaks(dst, raw []Object, numDopplerBins int, cfg Config) []Object {
	start, step, end, grouping := cfg.mask()
	if !grouping {
		return ungrouped(dst, raw, cfg)
	}
	n := len(raw)
	count := 0
	for i, o := range raw {
		if !cfg.inRange(o.RangeIdx) {
			continue
		}
		var kernel [9]uint16
		kernel[4] = o.PeakVal
		r := int(o.RangeIdx)
		d := int(o.DopplerIdx)

		if i > 0 && int(raw[i-1].RangeIdx) == r-1 && raw[i-1].DopplerIdx == o.DopplerIdx {
			kernel[1] = raw[i-1].PeakVal
		}
		if i < n-1 && int(raw[i+1].RangeIdx) == r+1 && raw[i+1].DopplerIdx == o.DopplerIdx {
			kernel[7] = raw[i+1].PeakVal
		}

		// Left column: walk backwards until two Doppler lines below.
		stop := wrap(d-2, numDopplerBins)
		left := wrap(d-1, numDopplerBins)
		k := wrapList(i-1, n)
		for l := 0; l < n; l++ {
			c := raw[k]
			if int(c.DopplerIdx) == stop {
				break
			}
			if int(c.DopplerIdx) == left {
				switch int(c.RangeIdx) {
				case r + 1:
					kernel[6] = c.PeakVal
				case r:
					kernel[3] = c.PeakVal
				case r - 1:
					kernel[0] = c.PeakVal
				}
			}
			k = wrapList(k-1, n)
		}

		// Right column: walk forwards until two Doppler lines above.
		stop = wrap(d+2, numDopplerBins)
		right := wrap(d+1, numDopplerBins)
		k = wrapList(i+1, n)
		for l := 0; l < n; l++ {
			c := raw[k]
			if int(c.DopplerIdx) == stop {
				break
			}
			if int(c.DopplerIdx) == right {
				switch int(c.RangeIdx) {
				case r - 1:
					kernel[2] = c.PeakVal
				case r:
					kernel[5] = c.PeakVal
				case r + 1:
					kernel[8] = c.PeakVal
				}
			}
			k = wrapList(k+1, n)
		}

		if dominates(&kernel, start, step, end) {
			dst = append(dst, o)
			count++
			if count >= MaxOutputObjects {
				break
			}
		}
	}
	return dst
}

func wrap(x, n int) int {
	return ((x % n) + n) % n
}

func wrapList(x, n int) int {
	if x < 0 {
		return x + n
	}
	if x >= n {
		return x - n
	}
	return x
}
