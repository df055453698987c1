package datapath

import (
	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/dsp"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
)

const sizeCmplx16 = 4

// ProcessChirp runs range processing for the chirp in the ADC buffer and
// moves the result into its radar cube slot. It reports whether the chirp
// was the last of the frame.
func (s *State) ProcessChirp() (lastOfFrame bool) {
	g := s.geom
	pp := s.chirpCount & 1
	out := dma.PingPong(dma.Ch1DOutPing, pp)

	// The fftOut1D half about to be overwritten is the source of the
	// transfer started two chirps ago.
	if s.chirpCount > 1 && s.dma.InFlight(out) {
		s.dma.Wait(out)
	}

	s.interChirp(pp)

	slot := g.NumDopplerBins*g.NumRxAntennas*s.txAntennaCount + s.dopplerBinCount
	s.dma.Retrigger(out, nil, dma.At(s.layout.Placement(memory.RadarCube), slot*sizeCmplx16))

	s.chirpCount++
	s.txAntennaCount++
	if s.txAntennaCount == g.NumTxAntennas {
		s.txAntennaCount = 0
		s.dopplerBinCount++
		if s.dopplerBinCount == g.NumDopplerBins {
			s.dopplerBinCount = 0
			s.chirpCount = 0
			return true
		}
	}
	return false
}

// WaitEndOfChirps waits for the last two cube transfers of the frame.
func (s *State) WaitEndOfChirps() {
	for _, ch := range []dma.ChannelID{dma.Ch1DOutPing, dma.Ch1DOutPong} {
		if s.dma.InFlight(ch) {
			s.dma.Wait(ch)
		}
	}
}

// interChirp windows and range-transforms every receive antenna into the
// pp half of fftOut1D, fetching antenna k+1 while antenna k is processed.
func (s *State) interChirp(pp int) {
	g := s.geom
	nr, na := g.NumRangeBins, g.NumAdcSamples
	adc := s.layout.Placement(memory.ADCBuf)

	s.dma.Retrigger(dma.Ch1DInPing, dma.At(adc, 0), nil)
	for ant := 0; ant < g.NumRxAntennas; ant++ {
		if ant < g.NumRxAntennas-1 {
			s.dma.Retrigger(dma.PingPong(dma.Ch1DInPing, ant+1), dma.At(adc, (ant+1)*na*sizeCmplx16), nil)
		}
		s.dma.Wait(dma.PingPong(dma.Ch1DInPing, ant))

		in := s.adcDataIn[(ant&1)*nr : (ant&1)*nr+nr]
		dsp.Windowing16x16(in[:na], s.window1D)
		clear(in[na:])
		base := pp*g.NumRxAntennas*nr + ant*nr
		dsp.FFT16x16(s.twiddle1D, in, s.fftOut1D[base:base+nr])
	}

	if s.cfg.CalibDCRangeSig.Enabled {
		s.dcRangeSignature(s.fftOut1D[pp*g.NumRxAntennas*nr : (pp+1)*g.NumRxAntennas*nr])
	}
}

// dcRangeSignature averages the bins around zero range over the first
// NumAvgChirps chirps of every transmit antenna, then subtracts the mean.
// The mean table has one slot per transmit interleave position.
func (s *State) dcRangeSignature(fft []fixedpoint.Cmplx16) {
	c := s.cfg.CalibDCRangeSig
	g := s.geom
	nr := g.NumRangeBins
	nb := c.NumBins()
	slotSize := g.NumRxAntennas * nb
	mean := s.dcMean[s.txAntennaCount*slotSize : (s.txAntennaCount+1)*slotSize]
	limit := c.NumAvgChirps * g.NumTxAntennas

	// bin maps the k-th compensated bin to its range index.
	bin := func(k int) int {
		if k <= c.PositiveBinIdx {
			return k
		}
		return nr + c.NegativeBinIdx + (k - c.PositiveBinIdx - 1)
	}

	if s.dcCalibCount < limit {
		if s.dcCalibCount == 0 {
			clear(s.dcMean[:g.NumTxAntennas*slotSize])
		}
		for ant := 0; ant < g.NumRxAntennas; ant++ {
			for k := 0; k < nb; k++ {
				x := fft[ant*nr+bin(k)]
				m := &mean[ant*nb+k]
				m.Re += int32(x.Re)
				m.Im += int32(x.Im)
			}
		}
		s.dcCalibCount++
		if s.dcCalibCount == limit {
			shift := fixedpoint.Log2(c.NumAvgChirps)
			for i := range s.dcMean[:g.NumTxAntennas*slotSize] {
				s.dcMean[i].Re >>= shift
				s.dcMean[i].Im >>= shift
			}
		}
		return
	}

	for ant := 0; ant < g.NumRxAntennas; ant++ {
		for k := 0; k < nb; k++ {
			x := &fft[ant*nr+bin(k)]
			m := mean[ant*nb+k]
			x.Re = fixedpoint.Sat16(int64(x.Re) - int64(m.Re))
			x.Im = fixedpoint.Sat16(int64(x.Im) - int64(m.Im))
		}
	}
}

// DCCalibrated reports whether the DC range signature mean is complete.
func (s *State) DCCalibrated() bool {
	return s.dcCalibCount >= s.cfg.CalibDCRangeSig.NumAvgChirps*s.geom.NumTxAntennas
}
