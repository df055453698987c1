package datapath

import (
	"errors"
	"fmt"

	"github.com/banshee-data/mmwave.dsp/internal/cfar"
	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
	"github.com/banshee-data/mmwave.dsp/internal/peakgroup"
)

// ErrInvalidCalibration is returned for a DC range signature configuration
// the compensation cannot apply.
var ErrInvalidCalibration = errors.New("datapath: invalid dc range signature calibration")

// MultiObjBeamForming enables the search for a second azimuth peak.
type MultiObjBeamForming struct {
	Enabled bool
	// MultiPeakThrsScal is the fraction of the main peak's height a second
	// peak must exceed.
	MultiPeakThrsScal float32
}

// Validate checks the threshold range.
func (m MultiObjBeamForming) Validate() error {
	if m.Enabled && (m.MultiPeakThrsScal <= 0 || m.MultiPeakThrsScal > 1) {
		return fmt.Errorf("datapath: multi-peak threshold scale %v outside (0, 1]", m.MultiPeakThrsScal)
	}
	return nil
}

// CalibDCRangeSig configures DC range signature removal. Bins from
// NegativeBinIdx to PositiveBinIdx around zero range are averaged over
// NumAvgChirps chirps per transmit antenna, then subtracted.
type CalibDCRangeSig struct {
	Enabled        bool
	NegativeBinIdx int
	PositiveBinIdx int
	NumAvgChirps   int
}

// NumBins is the width of the compensated bin window.
func (c CalibDCRangeSig) NumBins() int { return c.PositiveBinIdx - c.NegativeBinIdx + 1 }

// Validate applies the limits of the mean table. Disabled calibration is
// always valid.
func (c CalibDCRangeSig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.NegativeBinIdx > 0 {
		return fmt.Errorf("%w: negative bin index %d must not be positive", ErrInvalidCalibration, c.NegativeBinIdx)
	}
	if c.PositiveBinIdx < 0 {
		return fmt.Errorf("%w: positive bin index %d must not be negative", ErrInvalidCalibration, c.PositiveBinIdx)
	}
	if c.NumBins() > memory.MaxDCBins {
		return fmt.Errorf("%w: %d bins exceed %d", ErrInvalidCalibration, c.NumBins(), memory.MaxDCBins)
	}
	if !fixedpoint.IsPow2(c.NumAvgChirps) {
		return fmt.Errorf("%w: numAvgChirps %d is not a power of two", ErrInvalidCalibration, c.NumAvgChirps)
	}
	return nil
}

// Config is everything the data path needs for one configuration epoch.
type Config struct {
	Profile             Profile
	CFARRange           cfar.Config
	CFARDoppler         cfar.Config
	PeakGrouping        peakgroup.Config
	MultiObjBeamForming MultiObjBeamForming
	CalibDCRangeSig     CalibDCRangeSig

	Layout     memory.Mode
	Capacities memory.Capacities // zero selects memory.DefaultCapacities
	Wait       dma.WaitStrategy  // nil selects dma.BlockingWait
}

// DefaultConfig returns tuning that matches the sensor's stock defaults for
// profile p.
func DefaultConfig(p Profile) Config {
	return Config{
		Profile: p,
		CFARRange: cfar.Config{
			AveragingMode:  cfar.CellAveraging,
			WinLen:         8,
			GuardLen:       4,
			NoiseDivShift:  4,
			ThresholdScale: 5120,
		},
		CFARDoppler: cfar.Config{
			AveragingMode:  cfar.CellAveraging,
			WinLen:         4,
			GuardLen:       2,
			NoiseDivShift:  3,
			Cyclic:         true,
			ThresholdScale: 5120,
		},
		PeakGrouping: peakgroup.Config{
			Scheme:             peakgroup.CFARPeakBased,
			InRangeDirection:   true,
			InDopplerDirection: true,
			MinRangeIndex:      1,
			MaxRangeIndex:      0, // resolved against the geometry
		},
		MultiObjBeamForming: MultiObjBeamForming{MultiPeakThrsScal: 0.5},
		CalibDCRangeSig: CalibDCRangeSig{
			NegativeBinIdx: -5,
			PositiveBinIdx: 8,
			NumAvgChirps:   256,
		},
	}
}

// validate checks every tuning struct against g and fills geometry
// dependent defaults.
func (c *Config) validate(g Geometry) error {
	// Range lines end at the sensor and at the maximum range; Doppler lines
	// are periodic.
	if c.CFARRange.Cyclic {
		return fmt.Errorf("range cfar: %w: range lines are not cyclic", cfar.ErrInvalidConfig)
	}
	if !c.CFARDoppler.Cyclic {
		return fmt.Errorf("doppler cfar: %w: doppler lines are always cyclic", cfar.ErrInvalidConfig)
	}
	if err := c.CFARRange.Validate(g.NumRangeBins); err != nil {
		return fmt.Errorf("range cfar: %w", err)
	}
	if err := c.CFARDoppler.Validate(g.NumDopplerBins); err != nil {
		return fmt.Errorf("doppler cfar: %w", err)
	}
	if c.PeakGrouping.MaxRangeIndex == 0 {
		c.PeakGrouping.MaxRangeIndex = uint16(g.NumRangeBins - 1)
	}
	if err := c.PeakGrouping.Validate(g.NumRangeBins); err != nil {
		return fmt.Errorf("peak grouping: %w", err)
	}
	if err := c.MultiObjBeamForming.Validate(); err != nil {
		return err
	}
	if err := c.CalibDCRangeSig.Validate(); err != nil {
		return err
	}
	if c.CalibDCRangeSig.Enabled && c.CalibDCRangeSig.PositiveBinIdx-c.CalibDCRangeSig.NegativeBinIdx >= g.NumRangeBins {
		return fmt.Errorf("%w: bin window wider than %d range bins", ErrInvalidCalibration, g.NumRangeBins)
	}
	return nil
}
