// Package datapath is the per-chirp and per-frame signal processing chain:
// range FFT with DC signature removal, Doppler FFT with log-magnitude
// accumulation, two-pass CFAR detection, peak grouping and azimuth
// estimation. All working buffers live in tiered memory arenas planned by
// package memory and are fed by the simulated DMA engine.
//
// A State is owned by exactly one goroutine, the processing task (see
// Task). Nothing in this package is safe for concurrent use except the
// Task's event entry points.
package datapath

import (
	"fmt"

	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/dopplerlines"
	"github.com/banshee-data/mmwave.dsp/internal/dsp"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
	"github.com/banshee-data/mmwave.dsp/internal/peakgroup"
)

// twiddle32Scale is the Q31 full-scale factor for 32-bit twiddles.
const twiddle32Scale = 2147483647.5

// DetectedObject is one reported detection. X, Y and Z are meters in the
// geometry's XYZOutputQFormat.
type DetectedObject struct {
	RangeIdx   uint16
	DopplerIdx uint16
	PeakVal    uint16
	X, Y, Z    int16
}

// State is the long-lived data path state for one configuration epoch.
type State struct {
	cfg    Config
	geom   Geometry
	layout *memory.Layout
	mem    *memory.Memory
	dma    *dma.Engine

	// tier A
	adcDataIn   []fixedpoint.Cmplx16
	dstPingPong []fixedpoint.Cmplx16
	fftOut2D    []fixedpoint.Cmplx32
	windowing2D []fixedpoint.Cmplx32
	log2Abs     []uint16
	sumAbs      []uint16
	raw         []peakgroup.Object
	azimuthIn   []fixedpoint.Cmplx32
	azimuthOut  []fixedpoint.Cmplx32
	magSqr      []float32

	// tier B
	fftOut1D    []fixedpoint.Cmplx16
	cfarIdx     []uint16
	sumAbsRange []uint16
	twiddle1D   []fixedpoint.Cmplx16
	window1D    []int16
	twiddle2D   []fixedpoint.Cmplx32
	window2D    []int32
	objects     []DetectedObject
	azimIdx     []uint8
	azTwiddle   []fixedpoint.Cmplx32
	modCoefs    []fixedpoint.Cmplx16
	halfBin     fixedpoint.Cmplx16
	dcMean      []fixedpoint.Cmplx32

	// tier C
	adcBuf    []fixedpoint.Cmplx16
	radarCube []fixedpoint.Cmplx16
	heatMap   []fixedpoint.Cmplx16
	detMatrix []uint16

	lines   *dopplerlines.Bitmap
	grouped [peakgroup.MaxOutputObjects]peakgroup.Object

	chirpCount      int
	txAntennaCount  int
	dopplerBinCount int
	dcCalibCount    int

	numRawObjects int
	numObjects    int
	rawTruncated  uint64
}

// New plans the memory layout for cfg, allocates the arenas, generates the
// FFT and window tables and configures the DMA channels. The returned
// State owns a DMA engine that Close releases.
func New(cfg Config) (*State, error) {
	g, err := cfg.Profile.Geometry()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(g); err != nil {
		return nil, err
	}
	for _, n := range []int{g.NumRangeBins, g.NumDopplerBins, g.NumAngleBins} {
		if err := dsp.CheckFFTSize(n); err != nil {
			return nil, err
		}
	}
	caps := cfg.Capacities
	if caps == (memory.Capacities{}) {
		caps = memory.DefaultCapacities
	}
	layout, err := memory.Plan(g.Dimensions(), cfg.Layout, caps)
	if err != nil {
		return nil, err
	}
	s := &State{
		cfg:    cfg,
		geom:   g,
		layout: layout,
		mem:    memory.New(caps),
	}
	s.bindViews()
	if err := s.genTables(); err != nil {
		return nil, err
	}
	s.dma = dma.NewEngine(s.mem, cfg.Wait)
	if err := s.configureChannels(); err != nil {
		s.dma.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the DMA engine.
func (s *State) Close() {
	s.dma.Close()
}

// Geometry returns the frame geometry.
func (s *State) Geometry() Geometry { return s.geom }

// Layout returns the memory plan.
func (s *State) Layout() *memory.Layout { return s.layout }

// Config returns the configuration the state was built from, with
// geometry-dependent defaults resolved.
func (s *State) Config() Config { return s.cfg }

// ChirpCount is the index of the next chirp within the frame.
func (s *State) ChirpCount() int { return s.chirpCount }

func (s *State) bindViews() {
	v16 := func(b memory.Buffer) []fixedpoint.Cmplx16 {
		return memory.View[fixedpoint.Cmplx16](s.mem, s.layout.Placement(b))
	}
	v32 := func(b memory.Buffer) []fixedpoint.Cmplx32 {
		return memory.View[fixedpoint.Cmplx32](s.mem, s.layout.Placement(b))
	}
	u16 := func(b memory.Buffer) []uint16 {
		return memory.View[uint16](s.mem, s.layout.Placement(b))
	}

	s.adcDataIn = v16(memory.ADCDataIn)
	s.dstPingPong = v16(memory.DstPingPong)
	s.fftOut2D = v32(memory.FFTOut2D)
	s.windowing2D = v32(memory.Windowing2D)
	s.log2Abs = u16(memory.Log2Abs)
	s.sumAbs = u16(memory.SumAbs)
	s.raw = memory.View[peakgroup.Object](s.mem, s.layout.Placement(memory.DetObj2DRaw))
	s.azimuthIn = v32(memory.AzimuthIn)
	s.azimuthOut = v32(memory.AzimuthOut)
	s.magSqr = memory.View[float32](s.mem, s.layout.Placement(memory.AzimuthMagSqr))

	s.fftOut1D = v16(memory.FFTOut1D)
	s.cfarIdx = u16(memory.CFARDetObjIndexBuf)
	s.sumAbsRange = u16(memory.SumAbsRange)
	s.twiddle1D = v16(memory.Twiddle1D)
	s.window1D = memory.View[int16](s.mem, s.layout.Placement(memory.Window1D))
	s.twiddle2D = v32(memory.Twiddle2D)
	s.window2D = memory.View[int32](s.mem, s.layout.Placement(memory.Window2D))
	s.objects = memory.View[DetectedObject](s.mem, s.layout.Placement(memory.DetObj2D))
	s.azimIdx = memory.View[uint8](s.mem, s.layout.Placement(memory.DetObjAzimIdx))
	s.azTwiddle = v32(memory.AzimuthTwiddle)
	s.modCoefs = v16(memory.AzimuthModCoefs)
	s.dcMean = v32(memory.DCRangeSigMean)

	s.adcBuf = v16(memory.ADCBuf)
	s.radarCube = v16(memory.RadarCube)
	s.heatMap = v16(memory.AzimuthStaticHeatMap)
	s.detMatrix = u16(memory.DetMatrix)

	s.lines = dopplerlines.Over(memory.View[uint32](s.mem, s.layout.Placement(memory.DopplerLineMask)))
}

func (s *State) genTables() error {
	g := s.geom
	win1D, err := dsp.GenWindow16(dsp.Blackman, g.NumAdcSamples, g.NumAdcSamples/2)
	if err != nil {
		return fmt.Errorf("range window: %w", err)
	}
	win2D, err := dsp.GenWindow(dsp.Hanning, g.NumDopplerBins, g.NumDopplerBins/2, dsp.OneQ19)
	if err != nil {
		return fmt.Errorf("doppler window: %w", err)
	}
	copy(s.window1D, win1D)
	copy(s.window2D, win2D)
	copy(s.twiddle1D, dsp.GenTwiddle16x16(g.NumRangeBins))
	copy(s.twiddle2D, dsp.GenTwiddle32x32(g.NumDopplerBins, twiddle32Scale))
	copy(s.azTwiddle, dsp.GenTwiddle32x32(g.NumAngleBins, twiddle32Scale))
	table, halfBin := dsp.GenDftSinCosTable(g.NumDopplerBins)
	copy(s.modCoefs, table)
	s.halfBin = halfBin
	return nil
}

// configureChannels programs every DMA channel for the geometry. Addresses
// that change per transfer are bound by Retrigger.
func (s *State) configureChannels() error {
	const c16 = 4
	g := s.geom
	nr, nd, nv, nrx := g.NumRangeBins, g.NumDopplerBins, g.NumVirtualAntennas(), g.NumRxAntennas
	pl := s.layout.Placement

	for id := 0; id < 2; id++ {
		chans := []struct {
			ch dma.ChannelID
			p  dma.Params
		}{
			{dma.PingPong(dma.Ch1DInPing, id), dma.Params{
				Dst:    dma.At(pl(memory.ADCDataIn), id*nr*c16),
				ACount: g.NumAdcSamples * c16,
				Queue:  0,
			}},
			// Transpose the chirp's [rx][range] block into the cube's
			// [range][virtual antenna][doppler] order.
			{dma.PingPong(dma.Ch1DOutPing, id), dma.Params{
				Src:        dma.At(pl(memory.FFTOut1D), id*nrx*nr*c16),
				ACount:     c16,
				BCount:     nr,
				CCount:     nrx,
				SrcBStride: c16,
				SrcCStride: nr * c16,
				DstBStride: nd * nv * c16,
				DstCStride: nd * c16,
				Queue:      1,
			}},
			{dma.PingPong(dma.Ch2DInPing, id), dma.Params{
				Dst:    dma.At(pl(memory.DstPingPong), id*nd*c16),
				ACount: nd * c16,
				Queue:  0,
			}},
			{dma.PingPong(dma.Ch3DInPing, id), dma.Params{
				Dst:    dma.At(pl(memory.DstPingPong), id*nd*c16),
				ACount: nd * c16,
				Queue:  0,
			}},
		}
		for _, c := range chans {
			if err := s.dma.Configure(c.ch, c.p); err != nil {
				return err
			}
		}
	}
	if err := s.dma.Configure(dma.ChDetMatrix, dma.Params{
		Src:    dma.At(pl(memory.SumAbs), 0),
		ACount: nd * 2,
		Queue:  1,
	}); err != nil {
		return err
	}
	// One Doppler column of the detection matrix into a contiguous range
	// vector.
	return s.dma.Configure(dma.ChDetMatrix2, dma.Params{
		ACount:     2,
		BCount:     nr,
		SrcBStride: nd * 2,
		DstBStride: 2,
		Queue:      1,
	})
}

// LoadChirp copies one chirp of ADC samples, NumAdcSamples per receive
// antenna in antenna order, into the ADC buffer.
func (s *State) LoadChirp(adc []fixedpoint.Cmplx16) error {
	want := s.geom.NumRxAntennas * s.geom.NumAdcSamples
	if len(adc) != want {
		return fmt.Errorf("datapath: chirp has %d samples, want %d", len(adc), want)
	}
	copy(s.adcBuf, adc)
	return nil
}

// resetFrame confirms outstanding cube transfers and rewinds the chirp
// counters, used when the sensor restarts.
func (s *State) resetFrame() {
	s.WaitEndOfChirps()
	s.chirpCount = 0
	s.txAntennaCount = 0
	s.dopplerBinCount = 0
	s.dcCalibCount = 0
}
