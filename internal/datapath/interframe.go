package datapath

import (
	"github.com/banshee-data/mmwave.dsp/internal/cfar"
	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/dsp"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
	"github.com/banshee-data/mmwave.dsp/internal/peakgroup"
)

// ProcessFrame runs the inter-frame chain over the completed radar cube:
// Doppler pass, range pass, peak grouping and angle estimation. It returns
// the number of reported objects.
func (s *State) ProcessFrame() int {
	numLines := s.dopplerPass()
	s.rangePass(numLines)
	s.group()
	s.estimatePositions()
	return s.numObjects
}

// dopplerPass transforms every (range, virtual antenna) row of the cube,
// accumulates log magnitudes per range bin into the detection matrix and
// flags Doppler lines with a CFAR hit. It returns the number of flagged
// lines.
func (s *State) dopplerPass() int {
	g := s.geom
	nr, nd, nv := g.NumRangeBins, g.NumDopplerBins, g.NumVirtualAntennas()
	cube := s.layout.Placement(memory.RadarCube)
	detMatrix := s.layout.Placement(memory.DetMatrix)
	heatShift := g.Log2NumDopplerBins + 4 // +4 for the Q19 window gain
	sumAbs := s.sumAbs[:nd]

	s.lines.Reset()
	numLines := 0
	last := nr*nv - 1

	s.dma.Retrigger(dma.Ch2DInPing, dma.At(cube, 0), nil)
	for r := 0; r < nr; r++ {
		for ant := 0; ant < nv; ant++ {
			k := r*nv + ant
			s.dma.Wait(dma.PingPong(dma.Ch2DInPing, k))
			if k < last {
				s.dma.Retrigger(dma.PingPong(dma.Ch2DInPing, k+1), dma.At(cube, (k+1)*nd*sizeCmplx16), nil)
			}

			pp := k & 1
			dsp.Windowing16x32(s.dstPingPong[pp*nd:pp*nd+nd], s.window2D, s.windowing2D[:nd])
			dsp.FFT32x32(s.twiddle2D, s.windowing2D[:nd], s.fftOut2D[:nd])

			s.heatMap[k].Re = int16(s.fftOut2D[0].Re >> heatShift)
			s.heatMap[k].Im = int16(s.fftOut2D[0].Im >> heatShift)

			dsp.Log2Abs32(s.fftOut2D[:nd], s.log2Abs[:nd])
			if ant == 0 {
				// sumAbs is the source of the previous row's matrix transfer.
				if r > 0 {
					s.dma.Wait(dma.ChDetMatrix)
				}
				copy(sumAbs, s.log2Abs[:nd])
			} else {
				dsp.Accum16(s.log2Abs[:nd], sumAbs)
			}
		}

		n := cfar.Detect(sumAbs, s.cfg.CFARDoppler, s.cfarIdx[:nd])
		for _, idx := range s.cfarIdx[:n] {
			if !s.lines.IsSet(int(idx)) {
				s.lines.Set(int(idx))
				numLines++
			}
		}
		s.dma.Retrigger(dma.ChDetMatrix, nil, dma.At(detMatrix, r*nd*2))
	}
	s.dma.Wait(dma.ChDetMatrix)
	return numLines
}

// rangePass runs range CFAR along every flagged Doppler line, fetching the
// next line's column while the current one is searched.
func (s *State) rangePass(numLines int) {
	g := s.geom
	nr := g.NumRangeBins
	detMatrix := s.layout.Placement(memory.DetMatrix)
	sumAbsRange := s.layout.Placement(memory.SumAbsRange)

	s.numRawObjects = 0
	if numLines == 0 {
		return
	}
	line := s.lines.Next()
	s.dma.Retrigger(dma.ChDetMatrix2, dma.At(detMatrix, line*2), dma.At(sumAbsRange, 0))
	for i := 0; i < numLines; i++ {
		s.dma.Wait(dma.ChDetMatrix2)
		next := line
		if i < numLines-1 {
			next = s.lines.Next()
			s.dma.Retrigger(dma.ChDetMatrix2, dma.At(detMatrix, next*2), dma.At(sumAbsRange, ((i+1)&1)*nr*2))
		}

		half := s.sumAbsRange[(i&1)*nr : (i&1)*nr+nr]
		n := cfar.Detect(half, s.cfg.CFARRange, s.cfarIdx[:nr])
		for _, idx := range s.cfarIdx[:n] {
			if s.numRawObjects == memory.MaxRawObjects {
				s.rawTruncated++
				continue
			}
			s.raw[s.numRawObjects] = peakgroup.Object{
				RangeIdx:   idx,
				DopplerIdx: uint16(line),
				PeakVal:    half[idx],
			}
			s.numRawObjects++
		}
		line = next
	}
}

// group reduces the raw candidates to the reported object list.
func (s *State) group() {
	g := s.geom
	out, err := peakgroup.Group(s.grouped[:0], s.raw[:s.numRawObjects], s.detMatrix,
		g.NumRangeBins, g.NumDopplerBins, s.cfg.PeakGrouping)
	if err != nil {
		panic(&Fault{Kind: FaultConfig, Msg: "peak grouping", Err: err})
	}
	for i, o := range out {
		s.objects[i] = DetectedObject{RangeIdx: o.RangeIdx, DopplerIdx: o.DopplerIdx, PeakVal: o.PeakVal}
		s.azimIdx[i] = 0
	}
	s.numObjects = len(out)
}
