package datapath

import (
	"math"

	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/dsp"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
)

// estimatePositions fills the coordinates of every grouped object. With a
// single virtual antenna there is no angle information and the object is
// placed on the boresight.
func (s *State) estimatePositions() {
	g := s.geom
	n := s.numObjects
	if g.NumVirtualAntAzim() == 1 {
		for i := 0; i < n; i++ {
			s.objects[i].X = 0
			s.objects[i].Y = toQ(float64(s.objects[i].RangeIdx)*g.RangeResolution, g.XYZOutputQFormat)
			s.objects[i].Z = 0
		}
		return
	}
	// Objects appended by the second-peak search already carry coordinates.
	for i := 0; i < n; i++ {
		s.azimuthSpectrum(s.objects[i].RangeIdx, s.objects[i].DopplerIdx)
		s.estimateXY(i)
	}
}

// azimuthSpectrum computes the azimuth power spectrum of one cube cell into
// magSqr. Each virtual antenna's Doppler row is reduced to the detected bin
// with a single-bin DFT.
func (s *State) azimuthSpectrum(rangeIdx, dopplerIdx uint16) {
	g := s.geom
	nd, nv, na := g.NumDopplerBins, g.NumVirtualAntennas(), g.NumAngleBins
	cube := s.layout.Placement(memory.RadarCube)
	row := int(rangeIdx) * nv

	clear(s.azimuthIn[:na])
	s.dma.Retrigger(dma.Ch3DInPing, dma.At(cube, row*nd*sizeCmplx16), nil)
	for ant := 0; ant < nv; ant++ {
		s.dma.Wait(dma.PingPong(dma.Ch3DInPing, ant))
		if ant < nv-1 {
			s.dma.Retrigger(dma.PingPong(dma.Ch3DInPing, ant+1), dma.At(cube, (row+ant+1)*nd*sizeCmplx16), nil)
		}
		pp := ant & 1
		s.azimuthIn[ant] = dsp.DftSingleBin(s.dstPingPong[pp*nd:pp*nd+nd], s.modCoefs, int(dopplerIdx))
	}

	// Antennas of later transmitters see the target later in the chirp
	// sequence; undo the Doppler phase advance. Elevation antennas are left
	// out of the azimuth FFT.
	nAz := g.NumVirtualAntAzim()
	for tx := 1; tx < g.NumAzimuthTx(); tx++ {
		rot := s.txDopplerCompensation(dopplerIdx, tx)
		for rx := 0; rx < g.NumRxAntennas; rx++ {
			a := &s.azimuthIn[tx*g.NumRxAntennas+rx]
			*a = a.MulQ15(rot)
		}
	}
	clear(s.azimuthIn[nAz:na])

	dsp.FFT32x32(s.azTwiddle, s.azimuthIn[:na], s.azimuthOut[:na])
	dsp.MagnitudeSquared(s.azimuthOut[:na], s.magSqr[:na])
}

// txDopplerCompensation is the rotation exp(-j*2*pi*d*tx/(nd*numTx)) that
// undoes the Doppler phase a target at signed Doppler bin d gathers between
// the first transmitter's chirp and transmitter tx's chirp.
func (s *State) txDopplerCompensation(dopplerIdx uint16, tx int) fixedpoint.Cmplx16 {
	g := s.geom
	if g.NumTxAntennas == 2 {
		return s.dopplerCompensation(dopplerIdx)
	}
	d := SignedDopplerBin(dopplerIdx, g.NumDopplerBins)
	theta := -2 * math.Pi * float64(d*tx) / float64(g.NumDopplerBins*g.NumTxAntennas)
	return fixedpoint.Cmplx16{Re: q15(math.Cos(theta)), Im: q15(math.Sin(theta))}
}

// dopplerCompensation is the half Doppler bin step of two transmitters,
// read from the DFT table: the entry at half the signed index, with the
// half-bin coefficient added for odd indices.
func (s *State) dopplerCompensation(dopplerIdx uint16) fixedpoint.Cmplx16 {
	nd := s.geom.NumDopplerBins
	idx := SignedDopplerBin(dopplerIdx, nd) / 2
	if idx < 0 {
		idx += nd
	}
	c := s.modCoefs[idx]
	if dopplerIdx&1 == 1 {
		c = c.MulQ15(s.halfBin)
	}
	return c
}

func q15(v float64) int16 {
	return fixedpoint.Sat16(int64(math.Floor(v*dsp.OneQ15 + 0.5)))
}

// estimateXY locates the azimuth peak for object i and writes its peak
// value and coordinates. With multi-object beam forming a sufficiently
// strong second peak outside the main lobe becomes a new object at the
// same range and Doppler.
func (s *State) estimateXY(i int) {
	g := s.geom
	na := g.NumAngleBins
	mag := s.magSqr[:na]

	idx, maxVal := 0, float32(0)
	for k, v := range mag {
		if v > maxVal {
			idx, maxVal = k, v
		}
	}
	s.placeObject(i, idx, maxVal)

	if !s.cfg.MultiObjBeamForming.Enabled {
		return
	}
	idx2, maxVal2 := secondPeak(mag, idx)
	if maxVal2 > maxVal*s.cfg.MultiObjBeamForming.MultiPeakThrsScal && s.numObjects < memory.MaxOutputObjects {
		j := s.numObjects
		s.numObjects++
		s.objects[j] = DetectedObject{RangeIdx: s.objects[i].RangeIdx, DopplerIdx: s.objects[i].DopplerIdx}
		s.placeObject(j, idx2, maxVal2)
	}
}

func (s *State) placeObject(i, azimIdx int, peak float32) {
	g := s.geom
	s.azimIdx[i] = uint8(azimIdx)
	s.objects[i].PeakVal = uint16(math.Sqrt(float64(peak / float32(g.NumRangeBins*g.NumAngleBins*g.NumDopplerBins))))
	x, y := xyFromAzimuth(s.objects[i].RangeIdx, azimIdx, g)
	s.objects[i].X = x
	s.objects[i].Y = y
	s.objects[i].Z = 0
}

// xyFromAzimuth converts a range bin and azimuth FFT bin to coordinates in
// the output Q format. The azimuth bin is a signed spatial frequency
// Wx = 2*k/numAngleBins, the sine of the arrival angle.
func xyFromAzimuth(rangeIdx uint16, azimIdx int, g Geometry) (x, y int16) {
	na := g.NumAngleBins
	sIdx := azimIdx
	if azimIdx > na/2-1 {
		sIdx = azimIdx - na
	}
	rng := float64(rangeIdx) * g.RangeResolution
	wx := 2 * float64(sIdx) / float64(na)
	xm := rng * wx
	var ym float64
	if t := rng*rng - xm*xm; t > 0 {
		ym = math.Sqrt(t)
	}
	return toQ(xm, g.XYZOutputQFormat), toQ(ym, g.XYZOutputQFormat)
}

// secondPeak walks down both flanks of the main lobe at peakIdx and returns
// the strongest bin of the remaining circular span.
func secondPeak(mag []float32, peakIdx int) (int, float32) {
	n := len(mag)
	mask := n - 1

	i := peakIdx
	left := (i + 1) & mask
	for k := n; mag[i] >= mag[left] && k > 0; k-- {
		i = (i + 1) & mask
		left = (left + 1) & mask
	}
	i = peakIdx
	right := (i - 1) & mask
	for k := n; mag[i] >= mag[right] && k > 0; k-- {
		i = (i - 1) & mask
		right = (right - 1) & mask
	}

	span := ((right - left) & mask) + 1
	idx, best := left, mag[left]
	for k := left; k < left+span; k++ {
		if v := mag[k&mask]; v > best {
			idx, best = k&mask, v
		}
	}
	return idx, best
}

// toQ rounds v to the nearest multiple of 2^-q, halves away from zero.
func toQ(v float64, q uint8) int16 {
	return fixedpoint.Sat16(int64(math.Round(v * float64(int(1)<<q))))
}
