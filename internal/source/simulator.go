package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

// Target is a point reflector.
type Target struct {
	RangeM     float64 `json:"range_m" yaml:"range_m" mapstructure:"range_m"`
	DopplerBin float64 `json:"doppler_bin" yaml:"doppler_bin" mapstructure:"doppler_bin"` // signed radial velocity in Doppler bins
	AzimuthDeg float64 `json:"azimuth_deg" yaml:"azimuth_deg" mapstructure:"azimuth_deg"` // positive towards +X
	Amplitude  float64 `json:"amplitude" yaml:"amplitude" mapstructure:"amplitude"`       // ADC counts per antenna
}

// SimulatorConfig describes a synthetic scene.
type SimulatorConfig struct {
	Targets []Target
	// NoiseStd is the standard deviation of the complex Gaussian noise in
	// ADC counts.
	NoiseStd float64
	// Frames bounds the run; zero runs until ctx is done.
	Frames int
	// FramePeriod spaces frames; zero uses the profile's frame period and
	// a negative value runs flat out.
	FramePeriod time.Duration
	Seed        int64
	Clock       timeutil.Clock
}

// Simulator synthesises the beat signal of a set of point targets as seen
// by a TDM-MIMO front end.
type Simulator struct {
	cfg  SimulatorConfig
	geom datapath.Geometry
	rng  *rand.Rand

	// scratch, one entry per ADC sample
	phase, re, im, tone []float64
}

// NewSimulator builds a simulator for the frame shape of p.
func NewSimulator(p datapath.Profile, cfg SimulatorConfig) (*Simulator, error) {
	g, err := p.Geometry()
	if err != nil {
		return nil, err
	}
	for i, tg := range cfg.Targets {
		if tg.RangeM < 0 || tg.RangeM >= g.RangeResolution*float64(g.NumRangeBins) {
			return nil, fmt.Errorf("source: target %d at %.2f m is outside 0..%.2f m", i, tg.RangeM, g.RangeResolution*float64(g.NumRangeBins))
		}
		if math.Abs(tg.AzimuthDeg) >= 90 {
			return nil, fmt.Errorf("source: target %d azimuth %.1f deg is outside the field of view", i, tg.AzimuthDeg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.FramePeriod == 0 {
		cfg.FramePeriod = time.Duration(p.FramePeriodMs * float64(time.Millisecond))
	}
	n := g.NumAdcSamples
	return &Simulator{
		cfg:   cfg,
		geom:  g,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		phase: make([]float64, n),
		re:    make([]float64, n),
		im:    make([]float64, n),
		tone:  make([]float64, n),
	}, nil
}

// Geometry returns the simulated frame shape.
func (s *Simulator) Geometry() datapath.Geometry { return s.geom }

// Chirp returns the ADC samples of chirp c of a frame, receive antennas in
// order.
func (s *Simulator) Chirp(c int) []fixedpoint.Cmplx16 {
	g := s.geom
	out := make([]fixedpoint.Cmplx16, g.NumRxAntennas*g.NumAdcSamples)
	tx := c % g.NumTxAntennas
	for rx := 0; rx < g.NumRxAntennas; rx++ {
		v := tx*g.NumRxAntennas + rx
		for i := range s.re {
			s.re[i], s.im[i] = 0, 0
		}
		for _, tg := range s.cfg.Targets {
			rangeBin := tg.RangeM / g.RangeResolution
			step := 2 * math.Pi * rangeBin / float64(g.NumRangeBins)
			phi0 := 2*math.Pi*tg.DopplerBin*float64(c)/float64(g.NumChirpsPerFrame) +
				math.Pi*math.Sin(tg.AzimuthDeg*math.Pi/180)*float64(v)
			floats.Span(s.phase, phi0, phi0+step*float64(len(s.phase)-1))
			for i, p := range s.phase {
				s.tone[i] = math.Cos(p)
			}
			floats.AddScaled(s.re, tg.Amplitude, s.tone)
			for i, p := range s.phase {
				s.tone[i] = math.Sin(p)
			}
			floats.AddScaled(s.im, tg.Amplitude, s.tone)
		}
		base := rx * g.NumAdcSamples
		for i := range s.re {
			re, im := s.re[i], s.im[i]
			if s.cfg.NoiseStd > 0 {
				re += s.rng.NormFloat64() * s.cfg.NoiseStd
				im += s.rng.NormFloat64() * s.cfg.NoiseStd
			}
			out[base+i] = fixedpoint.Cmplx16{
				Re: fixedpoint.Sat16(int64(math.Round(re))),
				Im: fixedpoint.Sat16(int64(math.Round(im))),
			}
		}
	}
	return out
}

// Frame returns every chirp of one frame.
func (s *Simulator) Frame() [][]fixedpoint.Cmplx16 {
	chirps := make([][]fixedpoint.Cmplx16, s.geom.NumChirpsPerFrame)
	for c := range chirps {
		chirps[c] = s.Chirp(c)
	}
	return chirps
}

// Run implements Source. A static scene is synthesised once and replayed
// every frame; noise is drawn once per run.
func (s *Simulator) Run(ctx context.Context, sink Sink) error {
	frame := s.Frame()
	p := pacer{clock: s.cfg.Clock, period: s.cfg.FramePeriod}
	monitoring.Logf("[simulator] %d targets, %d chirps of %d x %d samples per frame",
		len(s.cfg.Targets), len(frame), s.geom.NumRxAntennas, s.geom.NumAdcSamples)
	for n := 0; s.cfg.Frames == 0 || n < s.cfg.Frames; n++ {
		if err := p.wait(ctx); err != nil {
			return err
		}
		if err := deliverFrame(ctx, sink, frame); err != nil {
			return err
		}
	}
	return nil
}
