package datapath

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
)

// ErrInvalidProfile is returned when a profile cannot be turned into a
// frame geometry.
var ErrInvalidProfile = errors.New("datapath: invalid profile")

const (
	// SpeedOfLight in meters per second.
	SpeedOfLight = 3e8
	// NumAngleBins is the azimuth FFT size.
	NumAngleBins = 64
	// kernelMultiple is the length granularity of the windowing kernels.
	kernelMultiple = 16
)

// Profile is the front end's chirp and frame configuration.
type Profile struct {
	RxChannelEn       uint8   // bit mask of enabled receive antennas
	TxChannelEn       uint8   // bit mask of enabled transmit antennas
	NumAdcSamples     int     // complex samples per chirp per antenna
	ChirpStartIdx     int     // first chirp of the frame's chirp loop
	ChirpEndIdx       int     // last chirp of the frame's chirp loop
	NumLoops          int     // repetitions of the chirp loop per frame
	SampleRateKsps    float64 // ADC output sample rate
	FreqSlopeMHzPerUs float64 // chirp slope
	FramePeriodMs     float64

	// Chirp timing for the Doppler resolution. Zero leaves it unknown.
	StartFreqGHz  float64
	IdleTimeUs    float64
	RampEndTimeUs float64
}

// Geometry is the frame shape derived from a Profile.
type Geometry struct {
	NumAdcSamples      int
	NumRangeBins       int
	NumDopplerBins     int
	NumAngleBins       int
	NumRxAntennas      int
	NumTxAntennas      int
	NumChirpsPerFrame  int
	RangeResolution    float64 // meters per range bin
	DopplerResolution  float64 // meters per second per Doppler bin, zero when unknown
	XYZOutputQFormat   uint8   // fractional bits of the output coordinates
	Log2NumDopplerBins uint
}

// NumVirtualAntennas is NumRxAntennas * NumTxAntennas.
func (g Geometry) NumVirtualAntennas() int { return g.NumRxAntennas * g.NumTxAntennas }

// NumAzimuthTx is the number of transmitters in the azimuth array. With
// three transmitters the third chirp of each loop comes from the elevation
// transmitter, which sits above the array.
func (g Geometry) NumAzimuthTx() int { return min(g.NumTxAntennas, 2) }

// NumVirtualAntAzim is the number of virtual antennas fed to the azimuth
// FFT. They come first in the virtual antenna order.
func (g Geometry) NumVirtualAntAzim() int { return g.NumRxAntennas * g.NumAzimuthTx() }

// NumVirtualAntElev is the number of elevation virtual antennas.
func (g Geometry) NumVirtualAntElev() int { return g.NumVirtualAntennas() - g.NumVirtualAntAzim() }

// Dimensions returns the buffer planning dimensions.
func (g Geometry) Dimensions() memory.Dimensions {
	return memory.Dimensions{
		NumAdcSamples:  g.NumAdcSamples,
		NumRangeBins:   g.NumRangeBins,
		NumDopplerBins: g.NumDopplerBins,
		NumAngleBins:   g.NumAngleBins,
		NumRxAntennas:  g.NumRxAntennas,
		NumTxAntennas:  g.NumTxAntennas,
	}
}

// Geometry derives and validates the frame geometry.
func (p Profile) Geometry() (Geometry, error) {
	var g Geometry
	g.NumRxAntennas = bits.OnesCount8(p.RxChannelEn & 0x0F)
	g.NumTxAntennas = bits.OnesCount8(p.TxChannelEn & 0x07)
	if g.NumRxAntennas < 1 || g.NumRxAntennas > memory.MaxRxAntennas {
		return g, fmt.Errorf("%w: rx mask %#x enables %d antennas", ErrInvalidProfile, p.RxChannelEn, g.NumRxAntennas)
	}
	if g.NumTxAntennas < 1 || g.NumTxAntennas > memory.MaxTxAntennas {
		return g, fmt.Errorf("%w: tx mask %#x enables %d antennas", ErrInvalidProfile, p.TxChannelEn, g.NumTxAntennas)
	}
	if p.NumAdcSamples <= 0 || p.NumAdcSamples%kernelMultiple != 0 {
		return g, fmt.Errorf("%w: numAdcSamples %d is not a positive multiple of %d", ErrInvalidProfile, p.NumAdcSamples, kernelMultiple)
	}
	if p.ChirpEndIdx < p.ChirpStartIdx || p.ChirpStartIdx < 0 || p.NumLoops <= 0 {
		return g, fmt.Errorf("%w: chirps %d..%d x %d loops", ErrInvalidProfile, p.ChirpStartIdx, p.ChirpEndIdx, p.NumLoops)
	}
	g.NumAdcSamples = p.NumAdcSamples
	g.NumRangeBins = int(fixedpoint.Pow2RoundUp(uint32(p.NumAdcSamples)))
	g.NumChirpsPerFrame = (p.ChirpEndIdx - p.ChirpStartIdx + 1) * p.NumLoops
	if g.NumChirpsPerFrame%g.NumTxAntennas != 0 {
		return g, fmt.Errorf("%w: %d chirps per frame not divisible by %d tx antennas", ErrInvalidProfile, g.NumChirpsPerFrame, g.NumTxAntennas)
	}
	g.NumDopplerBins = g.NumChirpsPerFrame / g.NumTxAntennas
	if g.NumDopplerBins%kernelMultiple != 0 || !fixedpoint.IsPow2(g.NumDopplerBins) {
		return g, fmt.Errorf("%w: %d doppler bins must be a power of two and a multiple of %d", ErrInvalidProfile, g.NumDopplerBins, kernelMultiple)
	}
	g.Log2NumDopplerBins = uint(fixedpoint.Log2(g.NumDopplerBins))
	g.NumAngleBins = NumAngleBins

	if p.SampleRateKsps <= 0 || p.FreqSlopeMHzPerUs <= 0 {
		return g, fmt.Errorf("%w: sample rate %v ksps, slope %v MHz/us", ErrInvalidProfile, p.SampleRateKsps, p.FreqSlopeMHzPerUs)
	}
	g.RangeResolution = SpeedOfLight * p.SampleRateKsps * 1e3 /
		(2 * p.FreqSlopeMHzPerUs * 1e12 * float64(g.NumRangeBins))
	q := math.Ceil(math.Log2(16 / g.RangeResolution))
	if q < 0 || q > 15 {
		return g, fmt.Errorf("%w: range resolution %v m gives output Q format %v", ErrInvalidProfile, g.RangeResolution, q)
	}
	g.XYZOutputQFormat = uint8(q)

	if p.StartFreqGHz > 0 && p.IdleTimeUs+p.RampEndTimeUs > 0 {
		chirp := (p.IdleTimeUs + p.RampEndTimeUs) * 1e-6
		g.DopplerResolution = SpeedOfLight /
			(2 * p.StartFreqGHz * 1e9 * chirp * float64(g.NumDopplerBins*g.NumTxAntennas))
	}
	return g, nil
}

// SignedDopplerBin maps Doppler bin d of n to -n/2..n/2-1.
func SignedDopplerBin(d uint16, n int) int {
	if int(d) >= n/2 {
		return int(d) - n
	}
	return int(d)
}
