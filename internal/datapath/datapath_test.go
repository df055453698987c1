package datapath

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.dsp/internal/cfar"
	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/dsp"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
	"github.com/banshee-data/mmwave.dsp/internal/peakgroup"
)

// testProfile is 2 rx x 2 tx, 64 range bins and 16 Doppler bins with a
// range resolution of 0.15625 m.
func testProfile() Profile {
	return Profile{
		RxChannelEn:       0x3,
		TxChannelEn:       0x5,
		NumAdcSamples:     64,
		ChirpStartIdx:     0,
		ChirpEndIdx:       1,
		NumLoops:          16,
		SampleRateKsps:    2000,
		FreqSlopeMHzPerUs: 30,
		FramePeriodMs:     50,
	}
}

func newTestState(t *testing.T, cfg Config) *State {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// target is a point reflector in bin units.
type target struct {
	rangeBin   float64
	dopplerBin float64
	sinAzim    float64
	amplitude  float64
}

// synthChirp returns the ADC samples of chirp c (0-based within the frame)
// for the targets plus low-level noise.
func synthChirp(g Geometry, c int, targets []target, rng *rand.Rand) []fixedpoint.Cmplx16 {
	out := make([]fixedpoint.Cmplx16, g.NumRxAntennas*g.NumAdcSamples)
	tx := c % g.NumTxAntennas
	for rx := 0; rx < g.NumRxAntennas; rx++ {
		v := tx*g.NumRxAntennas + rx
		for n := 0; n < g.NumAdcSamples; n++ {
			var re, im float64
			for _, tg := range targets {
				phi := 2*math.Pi*tg.rangeBin*float64(n)/float64(g.NumRangeBins) +
					2*math.Pi*tg.dopplerBin*float64(c)/float64(g.NumChirpsPerFrame) +
					math.Pi*tg.sinAzim*float64(v)
				re += tg.amplitude * math.Cos(phi)
				im += tg.amplitude * math.Sin(phi)
			}
			if rng != nil {
				re += rng.NormFloat64() * 8
				im += rng.NormFloat64() * 8
			}
			out[rx*g.NumAdcSamples+n] = fixedpoint.Cmplx16{
				Re: fixedpoint.Sat16(int64(math.Round(re))),
				Im: fixedpoint.Sat16(int64(math.Round(im))),
			}
		}
	}
	return out
}

// frameOutput is a copy of everything a frame reports.
type frameOutput struct {
	Objects   []DetectedObject
	AzimIdx   []uint8
	NumRaw    int
	DetMatrix []uint16
	HeatMap   []fixedpoint.Cmplx16
}

func runFrame(t *testing.T, s *State, chirps [][]fixedpoint.Cmplx16) frameOutput {
	t.Helper()
	for i, adc := range chirps {
		require.NoError(t, s.LoadChirp(adc))
		last := s.ProcessChirp()
		require.Equal(t, i == len(chirps)-1, last, "chirp %d", i)
	}
	s.WaitEndOfChirps()
	n := s.ProcessFrame()
	g := s.Geometry()
	return frameOutput{
		Objects:   append([]DetectedObject(nil), s.objects[:n]...),
		AzimIdx:   append([]uint8(nil), s.azimIdx[:n]...),
		NumRaw:    s.numRawObjects,
		DetMatrix: append([]uint16(nil), s.detMatrix[:g.NumRangeBins*g.NumDopplerBins]...),
		HeatMap:   append([]fixedpoint.Cmplx16(nil), s.heatMap[:g.NumRangeBins*g.NumVirtualAntennas()]...),
	}
}

func sceneChirps(g Geometry, targets []target, seed int64) [][]fixedpoint.Cmplx16 {
	rng := rand.New(rand.NewSource(seed))
	chirps := make([][]fixedpoint.Cmplx16, g.NumChirpsPerFrame)
	for c := range chirps {
		chirps[c] = synthChirp(g, c, targets, rng)
	}
	return chirps
}

func TestRecordSizesMatchLayout(t *testing.T) {
	assert.Equal(t, uintptr(memory.DetectedObjectSize), unsafe.Sizeof(DetectedObject{}))
	assert.Equal(t, uintptr(memory.RawObjectSize), unsafe.Sizeof(peakgroup.Object{}))
}

func TestSignedDopplerBin(t *testing.T) {
	for d, want := range map[uint16]int{0: 0, 1: 1, 7: 7, 8: -8, 15: -1} {
		assert.Equal(t, want, SignedDopplerBin(d, 16), "bin %d", d)
	}
}

func TestProfileGeometry(t *testing.T) {
	g, err := testProfile().Geometry()
	require.NoError(t, err)
	assert.Equal(t, 2, g.NumRxAntennas)
	assert.Equal(t, 2, g.NumTxAntennas)
	assert.Equal(t, 4, g.NumVirtualAntennas())
	assert.Equal(t, 64, g.NumRangeBins)
	assert.Equal(t, 32, g.NumChirpsPerFrame)
	assert.Equal(t, 16, g.NumDopplerBins)
	assert.Equal(t, uint(4), g.Log2NumDopplerBins)
	assert.Equal(t, NumAngleBins, g.NumAngleBins)
	assert.InDelta(t, 0.15625, g.RangeResolution, 1e-12)
	assert.Equal(t, uint8(7), g.XYZOutputQFormat)

	p := testProfile()
	p.NumAdcSamples = 80
	g, err = p.Geometry()
	require.NoError(t, err)
	assert.Equal(t, 128, g.NumRangeBins, "range bins round up to a power of two")
	assert.Zero(t, g.DopplerResolution, "unknown without chirp timing")

	p = testProfile()
	p.StartFreqGHz, p.IdleTimeUs, p.RampEndTimeUs = 77, 7, 58
	g, err = p.Geometry()
	require.NoError(t, err)
	assert.InDelta(t, 3e8/(2*77e9*65e-6*32), g.DopplerResolution, 1e-9)

	bad := []struct {
		name string
		edit func(*Profile)
	}{
		{"no rx", func(p *Profile) { p.RxChannelEn = 0 }},
		{"no tx", func(p *Profile) { p.TxChannelEn = 0 }},
		{"adc not multiple of 16", func(p *Profile) { p.NumAdcSamples = 40 }},
		{"doppler not multiple of 16", func(p *Profile) { p.NumLoops = 4 }},
		{"chirps not divisible by tx", func(p *Profile) { p.TxChannelEn = 0x7; p.ChirpEndIdx = 0 }},
		{"inverted chirp indices", func(p *Profile) { p.ChirpStartIdx = 2 }},
		{"zero slope", func(p *Profile) { p.FreqSlopeMHzPerUs = 0 }},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			p := testProfile()
			tc.edit(&p)
			_, err := p.Geometry()
			assert.True(t, errors.Is(err, ErrInvalidProfile), "got %v", err)
		})
	}
}

func TestCalibDCRangeSigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  CalibDCRangeSig
		ok   bool
	}{
		{"disabled ignores limits", CalibDCRangeSig{NegativeBinIdx: 4, NumAvgChirps: 3}, true},
		{"valid", CalibDCRangeSig{Enabled: true, NegativeBinIdx: -5, PositiveBinIdx: 8, NumAvgChirps: 256}, true},
		{"positive negative index", CalibDCRangeSig{Enabled: true, NegativeBinIdx: 1, PositiveBinIdx: 8, NumAvgChirps: 4}, false},
		{"window too wide", CalibDCRangeSig{Enabled: true, NegativeBinIdx: -16, PositiveBinIdx: 16, NumAvgChirps: 4}, false},
		{"avg not power of two", CalibDCRangeSig{Enabled: true, NegativeBinIdx: -1, PositiveBinIdx: 1, NumAvgChirps: 6}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidCalibration), "got %v", err)
			}
		})
	}
}

func TestNewRejectsInvalidTuning(t *testing.T) {
	cfg := DefaultConfig(testProfile())
	cfg.CFARRange.WinLen = 40
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig(testProfile())
	cfg.Capacities = memory.Capacities{16 << 10, 48 << 10, 4 << 10}
	_, err = New(cfg)
	assert.True(t, errors.Is(err, memory.ErrLayoutOverflow), "got %v", err)
}

func TestNewRejectsCFARWrapOnWrongAxis(t *testing.T) {
	cfg := DefaultConfig(testProfile())
	cfg.CFARRange.Cyclic = true
	_, err := New(cfg)
	assert.True(t, errors.Is(err, cfar.ErrInvalidConfig), "cyclic range cfar: got %v", err)

	cfg = DefaultConfig(testProfile())
	cfg.CFARDoppler.Cyclic = false
	_, err = New(cfg)
	assert.True(t, errors.Is(err, cfar.ErrInvalidConfig), "non-cyclic doppler cfar: got %v", err)
}

func TestModuloChain(t *testing.T) {
	cases := []struct {
		txMask  uint8
		endIdx  int
		loops   int
		chirps  int
		doppler int
	}{
		{0x1, 0, 16, 16, 16},
		{0x1, 0, 32, 32, 32},
		{0x5, 1, 16, 32, 16},
		{0x5, 3, 16, 64, 32},
		{0x7, 2, 16, 48, 16},
	}
	for _, tc := range cases {
		p := testProfile()
		p.TxChannelEn = tc.txMask
		p.ChirpEndIdx = tc.endIdx
		p.NumLoops = tc.loops
		s := newTestState(t, DefaultConfig(p))
		g := s.Geometry()
		require.Equal(t, tc.chirps, g.NumChirpsPerFrame)
		require.Equal(t, tc.doppler, g.NumDopplerBins)

		for frame := 0; frame < 2; frame++ {
			wraps := 0
			for c := 0; c < g.NumChirpsPerFrame; c++ {
				require.Equal(t, c, s.chirpCount)
				require.Equal(t, c%g.NumTxAntennas, s.txAntennaCount)
				require.Equal(t, c/g.NumTxAntennas, s.dopplerBinCount)
				if s.ProcessChirp() {
					wraps++
					assert.Equal(t, g.NumChirpsPerFrame-1, c, "wrap at last chirp")
				}
			}
			assert.Equal(t, 1, wraps)
			assert.Zero(t, s.chirpCount)
			assert.Zero(t, s.dopplerBinCount)
			assert.Zero(t, s.txAntennaCount)
			s.WaitEndOfChirps()
		}
	}
}

// rangeSpectrum computes the compensated-free range FFT of every receive
// antenna of adc with the state's tables.
func rangeSpectrum(s *State, adc []fixedpoint.Cmplx16) []fixedpoint.Cmplx16 {
	g := s.Geometry()
	nr, na := g.NumRangeBins, g.NumAdcSamples
	out := make([]fixedpoint.Cmplx16, g.NumRxAntennas*nr)
	in := make([]fixedpoint.Cmplx16, nr)
	for rx := 0; rx < g.NumRxAntennas; rx++ {
		clear(in)
		copy(in, adc[rx*na:(rx+1)*na])
		dsp.Windowing16x16(in[:na], s.window1D)
		dsp.FFT16x16(s.twiddle1D, in, out[rx*nr:(rx+1)*nr])
	}
	return out
}

func TestDCRangeSignatureConvergence(t *testing.T) {
	cfg := DefaultConfig(testProfile())
	cfg.CalibDCRangeSig = CalibDCRangeSig{Enabled: true, NegativeBinIdx: -2, PositiveBinIdx: 3, NumAvgChirps: 4}
	s := newTestState(t, cfg)
	g := s.Geometry()
	nr, nd, nv := g.NumRangeBins, g.NumDopplerBins, g.NumVirtualAntennas()

	adc := make([]fixedpoint.Cmplx16, g.NumRxAntennas*g.NumAdcSamples)
	for i := range adc {
		adc[i] = fixedpoint.Cmplx16{Re: 300, Im: -200}
		if i%2 == 1 {
			adc[i].Re += 40 // a little structure outside the DC bin
		}
	}
	want := rangeSpectrum(s, adc)
	window := []int{0, 1, 2, 3, nr - 2, nr - 1}

	limit := cfg.CalibDCRangeSig.NumAvgChirps * g.NumTxAntennas
	for c := 0; c < limit; c++ {
		assert.False(t, s.DCCalibrated())
		require.NoError(t, s.LoadChirp(adc))
		s.ProcessChirp()
	}
	require.True(t, s.DCCalibrated())

	nb := cfg.CalibDCRangeSig.NumBins()
	for tx := 0; tx < g.NumTxAntennas; tx++ {
		for rx := 0; rx < g.NumRxAntennas; rx++ {
			for k, bin := range window {
				m := s.dcMean[tx*g.NumRxAntennas*nb+rx*nb+k]
				x := want[rx*nr+bin]
				assert.Equal(t, fixedpoint.Cmplx32{Re: int32(x.Re), Im: int32(x.Im)}, m, "tx %d rx %d bin %d", tx, rx, bin)
			}
		}
	}

	// The next chirp (tx 0, Doppler slot limit/numTx) comes out compensated.
	require.NoError(t, s.LoadChirp(adc))
	s.ProcessChirp()
	s.WaitEndOfChirps()
	d := limit / g.NumTxAntennas
	inWindow := map[int]bool{}
	for _, b := range window {
		inWindow[b] = true
	}
	for rx := 0; rx < g.NumRxAntennas; rx++ {
		for r := 0; r < nr; r++ {
			got := s.radarCube[(r*nv+rx)*nd+d]
			if inWindow[r] {
				assert.Equal(t, fixedpoint.Cmplx16{}, got, "rx %d bin %d not compensated", rx, r)
			} else {
				assert.Equal(t, want[rx*nr+r], got, "rx %d bin %d changed", rx, r)
			}
		}
	}
}

func TestLayoutModesAgree(t *testing.T) {
	targets := []target{
		{rangeBin: 10, dopplerBin: 3, sinAzim: 0.25, amplitude: 1500},
		{rangeBin: 30, dopplerBin: 12, sinAzim: -0.5, amplitude: 1200},
	}
	var outputs []frameOutput
	for _, tc := range []struct {
		mode memory.Mode
		wait dma.WaitStrategy
	}{
		{memory.Overlay, dma.PollingWait{}},
		{memory.Safe, dma.BlockingWait{}},
		{memory.Overlay, dma.BlockingWait{}},
	} {
		cfg := DefaultConfig(testProfile())
		cfg.Layout = tc.mode
		cfg.Wait = tc.wait
		s := newTestState(t, cfg)
		chirps := sceneChirps(s.Geometry(), targets, 7)
		// Two frames, so stale data from the first must not leak.
		runFrame(t, s, chirps)
		outputs = append(outputs, runFrame(t, s, chirps))
	}

	for i := 1; i < len(outputs); i++ {
		if diff := cmp.Diff(outputs[0], outputs[i]); diff != "" {
			t.Fatalf("run %d differs from overlay/polling (-want +got):\n%s", i, diff)
		}
	}

	out := outputs[0]
	require.NotEmpty(t, out.Objects)
	found := false
	for i, o := range out.Objects {
		if o.RangeIdx == 10 && o.DopplerIdx == 3 {
			found = true
			assert.Equal(t, uint8(8), out.AzimIdx[i], "sin(azimuth) 0.25 is bin 8 of 64")
			// x = 10 * 0.15625 * 0.25 m in Q7.
			assert.Equal(t, int16(50), o.X)
			assert.Equal(t, int16(194), o.Y)
		}
	}
	assert.True(t, found, "target at range 10, doppler 3 not reported: %+v", out.Objects)
}

func TestSingleAntennaUsesBoresight(t *testing.T) {
	p := testProfile()
	p.RxChannelEn = 0x1
	p.TxChannelEn = 0x1
	p.ChirpEndIdx = 0
	s := newTestState(t, DefaultConfig(p))
	g := s.Geometry()
	require.Equal(t, 1, g.NumVirtualAntennas())

	out := runFrame(t, s, sceneChirps(g, []target{{rangeBin: 20, dopplerBin: 5, amplitude: 2000}}, 3))
	require.NotEmpty(t, out.Objects)
	for _, o := range out.Objects {
		assert.Zero(t, o.X)
		assert.Zero(t, o.Z)
		assert.Equal(t, toQ(float64(o.RangeIdx)*g.RangeResolution, g.XYZOutputQFormat), o.Y)
	}
}

func TestThreeTxBoresight(t *testing.T) {
	p := testProfile()
	p.TxChannelEn = 0x7
	p.ChirpEndIdx = 2
	s := newTestState(t, DefaultConfig(p))
	g := s.Geometry()
	require.Equal(t, 6, g.NumVirtualAntennas())
	require.Equal(t, 4, g.NumVirtualAntAzim())
	require.Equal(t, 2, g.NumVirtualAntElev())

	// An off-center Doppler bin puts a distinct phase on every transmitter.
	out := runFrame(t, s, sceneChirps(g, []target{{rangeBin: 20, dopplerBin: 7, amplitude: 1500}}, 5))
	found := false
	for i, o := range out.Objects {
		if o.RangeIdx == 20 && o.DopplerIdx == 7 {
			found = true
			assert.Zero(t, out.AzimIdx[i])
			assert.Zero(t, o.X)
			assert.Equal(t, toQ(20*g.RangeResolution, g.XYZOutputQFormat), o.Y)
		}
	}
	assert.True(t, found, "target at range 20, doppler 7 not reported: %+v", out.Objects)
}

func TestXYFromAzimuth(t *testing.T) {
	g := Geometry{NumAngleBins: 64, RangeResolution: 0.05, XYZOutputQFormat: 8}

	x, y := xyFromAzimuth(50, 16, g)
	// range 2.5 m, Wx = 2*16/64 = 0.5
	wantX := 2.5 * 0.5
	wantY := math.Sqrt(2.5*2.5 - wantX*wantX)
	assert.Equal(t, int16(math.Round(wantX*256)), x)
	assert.Equal(t, int16(math.Round(wantY*256)), y)

	// Bins in the upper half are negative spatial frequencies.
	x, _ = xyFromAzimuth(50, 48, g)
	assert.Equal(t, int16(-320), x)

	// Endfire: y clamps to zero.
	x, y = xyFromAzimuth(50, 32, g)
	assert.Equal(t, int16(-640), x)
	assert.Zero(t, y)
}

func TestSecondPeak(t *testing.T) {
	mag := make([]float32, 64)
	for i := range mag {
		mag[i] = 1
	}
	// Main lobe around 10, second lobe around 40.
	for i, v := range []float32{5, 20, 50, 20, 5} {
		mag[8+i] = v
	}
	for i, v := range []float32{3, 12, 30, 12, 3} {
		mag[38+i] = v
	}
	idx, val := secondPeak(mag, 10)
	assert.Equal(t, 40, idx)
	assert.Equal(t, float32(30), val)
}

func TestMultiObjectBeamForming(t *testing.T) {
	cfg := DefaultConfig(testProfile())
	cfg.MultiObjBeamForming = MultiObjBeamForming{Enabled: true, MultiPeakThrsScal: 0.3}
	s := newTestState(t, cfg)

	s.numObjects = 1
	s.objects[0] = DetectedObject{RangeIdx: 20, DopplerIdx: 4}
	mag := s.magSqr[:NumAngleBins]
	for i := range mag {
		mag[i] = 1
	}
	mag[5], mag[6], mag[7] = 400, 1000, 400
	mag[50], mag[51], mag[52] = 200, 600, 200

	s.estimateXY(0)
	require.Equal(t, 2, s.numObjects)
	assert.Equal(t, uint8(6), s.azimIdx[0])
	assert.Equal(t, uint8(51), s.azimIdx[1])
	assert.Equal(t, s.objects[0].RangeIdx, s.objects[1].RangeIdx)
	assert.Equal(t, s.objects[0].DopplerIdx, s.objects[1].DopplerIdx)
	assert.Greater(t, s.objects[0].X, int16(0))
	assert.Less(t, s.objects[1].X, int16(0))

	// Below the threshold nothing is added.
	s.numObjects = 1
	mag[51] = 250
	s.estimateXY(0)
	assert.Equal(t, 1, s.numObjects)
}

func TestDopplerCompensation(t *testing.T) {
	s := newTestState(t, DefaultConfig(testProfile()))
	nd := s.Geometry().NumDopplerBins

	assert.Equal(t, s.modCoefs[0], s.dopplerCompensation(0))
	assert.Equal(t, s.modCoefs[2], s.dopplerCompensation(4))
	assert.Equal(t, s.modCoefs[1].MulQ15(s.halfBin), s.dopplerCompensation(3))
	// Index nd-2 is -2: half of it is -1, which wraps to nd-1.
	assert.Equal(t, s.modCoefs[nd-1], s.dopplerCompensation(uint16(nd-2)))
}

func TestTxDopplerCompensation(t *testing.T) {
	s := newTestState(t, DefaultConfig(testProfile()))
	assert.Equal(t, s.dopplerCompensation(5), s.txDopplerCompensation(5, 1))

	p := testProfile()
	p.TxChannelEn = 0x7
	p.ChirpEndIdx = 2
	s = newTestState(t, DefaultConfig(p))
	nd := s.Geometry().NumDopplerBins
	for _, tc := range []struct {
		doppler uint16
		tx      int
	}{{0, 1}, {3, 1}, {3, 2}, {uint16(nd - 5), 2}} {
		d := float64(SignedDopplerBin(tc.doppler, nd))
		theta := -2 * math.Pi * d * float64(tc.tx) / float64(nd*3)
		got := s.txDopplerCompensation(tc.doppler, tc.tx)
		assert.InDelta(t, math.Cos(theta)*dsp.OneQ15, float64(got.Re), 1, "doppler %d tx %d", tc.doppler, tc.tx)
		assert.InDelta(t, math.Sin(theta)*dsp.OneQ15, float64(got.Im), 1, "doppler %d tx %d", tc.doppler, tc.tx)
	}
}

func TestRawObjectsAreTruncated(t *testing.T) {
	p := testProfile()
	p.RxChannelEn = 0x1
	p.TxChannelEn = 0x1
	p.NumAdcSamples = 256
	p.ChirpEndIdx = 0
	p.NumLoops = 32
	s := newTestState(t, DefaultConfig(p))
	g := s.Geometry()
	nr, nd := g.NumRangeBins, g.NumDopplerBins

	// Every other range cell of every Doppler line is a peak, which is about
	// twice as many detections as the raw list holds.
	for r := 0; r < nr; r++ {
		for d := 0; d < nd; d++ {
			v := uint16(100)
			if r%2 == 0 {
				v = 60000
			}
			s.detMatrix[r*nd+d] = v
		}
	}
	s.lines.Reset()
	for d := 0; d < nd; d++ {
		s.lines.Set(d)
	}
	s.rangePass(nd)
	assert.Equal(t, memory.MaxRawObjects, s.numRawObjects)
	assert.Positive(t, s.rawTruncated)
	assert.Equal(t, uint16(0), s.raw[0].DopplerIdx, "raw list is line-major")
}
