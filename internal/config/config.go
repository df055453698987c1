package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/mmwave.dsp/internal/cfar"
	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/memory"
	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/peakgroup"
)

// DefaultConfigPath is the path to the canonical profile and tuning file.
const DefaultConfigPath = "config/mmwave.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the sensor configuration: the chirp profile, per-stage tuning
// and output selection. Every section is optional; the Get* methods fall
// back to defaults for sections that are not set. A section that is set is
// taken whole.
type Config struct {
	Profile             *ProfileConfig      `json:"profile,omitempty" yaml:"profile,omitempty"`
	CFARRange           *CFARConfig         `json:"cfar_range,omitempty" yaml:"cfar_range,omitempty"`
	CFARDoppler         *CFARConfig         `json:"cfar_doppler,omitempty" yaml:"cfar_doppler,omitempty"`
	PeakGrouping        *PeakGroupingConfig `json:"peak_grouping,omitempty" yaml:"peak_grouping,omitempty"`
	MultiObjBeamForming *MultiObjConfig     `json:"multi_obj_beam_forming,omitempty" yaml:"multi_obj_beam_forming,omitempty"`
	CalibDCRangeSig     *CalibDCConfig      `json:"calib_dc_range_sig,omitempty" yaml:"calib_dc_range_sig,omitempty"`
	GuiMonitor          *GuiMonitorConfig   `json:"gui_monitor,omitempty" yaml:"gui_monitor,omitempty"`

	Layout       *string `json:"layout,omitempty" yaml:"layout,omitempty"`     // overlay | safe
	DMAWait      *string `json:"dma_wait,omitempty" yaml:"dma_wait,omitempty"` // polling | blocking
	DataLogger   *string `json:"data_logger,omitempty" yaml:"data_logger,omitempty"`
	MaxPacketLen *int    `json:"max_packet_len,omitempty" yaml:"max_packet_len,omitempty"`
}

// ProfileConfig is the chirp profile.
type ProfileConfig struct {
	RxChannelEn       uint8   `json:"rx_channel_en" yaml:"rx_channel_en"`
	TxChannelEn       uint8   `json:"tx_channel_en" yaml:"tx_channel_en"`
	NumAdcSamples     int     `json:"num_adc_samples" yaml:"num_adc_samples"`
	ChirpStartIdx     int     `json:"chirp_start_idx" yaml:"chirp_start_idx"`
	ChirpEndIdx       int     `json:"chirp_end_idx" yaml:"chirp_end_idx"`
	NumLoops          int     `json:"num_loops" yaml:"num_loops"`
	SampleRateKsps    float64 `json:"sample_rate_ksps" yaml:"sample_rate_ksps"`
	FreqSlopeMHzPerUs float64 `json:"freq_slope_mhz_per_us" yaml:"freq_slope_mhz_per_us"`
	FramePeriodMs     float64 `json:"frame_period_ms" yaml:"frame_period_ms"`
	StartFreqGHz      float64 `json:"start_freq_ghz,omitempty" yaml:"start_freq_ghz,omitempty"`
	IdleTimeUs        float64 `json:"idle_time_us,omitempty" yaml:"idle_time_us,omitempty"`
	RampEndTimeUs     float64 `json:"ramp_end_time_us,omitempty" yaml:"ramp_end_time_us,omitempty"`
}

// CFARConfig tunes one CFAR direction. AverageMode is 0 (CA), 1 (GO) or
// 2 (SO).
type CFARConfig struct {
	AverageMode    uint8  `json:"average_mode" yaml:"average_mode"`
	WinLen         uint8  `json:"win_len" yaml:"win_len"`
	GuardLen       uint8  `json:"guard_len" yaml:"guard_len"`
	NoiseDivShift  uint8  `json:"noise_div_shift" yaml:"noise_div_shift"`
	Cyclic         bool   `json:"cyclic" yaml:"cyclic"`
	ThresholdScale uint16 `json:"threshold_scale" yaml:"threshold_scale"`
}

// PeakGroupingConfig tunes peak grouping. MaxRangeIndex 0 means the last
// range bin.
type PeakGroupingConfig struct {
	Scheme             uint8  `json:"scheme" yaml:"scheme"`
	InRangeDirection   bool   `json:"in_range_direction" yaml:"in_range_direction"`
	InDopplerDirection bool   `json:"in_doppler_direction" yaml:"in_doppler_direction"`
	MinRangeIndex      uint16 `json:"min_range_index" yaml:"min_range_index"`
	MaxRangeIndex      uint16 `json:"max_range_index" yaml:"max_range_index"`
}

// MultiObjConfig tunes second-peak azimuth detection.
type MultiObjConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	MultiPeakThrsScal float32 `json:"multi_peak_thrs_scal" yaml:"multi_peak_thrs_scal"`
}

// CalibDCConfig tunes DC range signature removal.
type CalibDCConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	NegativeBinIdx int  `json:"negative_bin_idx" yaml:"negative_bin_idx"`
	PositiveBinIdx int  `json:"positive_bin_idx" yaml:"positive_bin_idx"`
	NumAvgChirps   int  `json:"num_avg_chirps" yaml:"num_avg_chirps"`
}

// GuiMonitorConfig selects the per-frame output segments.
type GuiMonitorConfig struct {
	DetectedObjects     bool `json:"detected_objects" yaml:"detected_objects"`
	LogMagRange         bool `json:"log_mag_range" yaml:"log_mag_range"`
	NoiseProfile        bool `json:"noise_profile" yaml:"noise_profile"`
	RangeAzimuthHeatMap bool `json:"range_azimuth_heat_map" yaml:"range_azimuth_heat_map"`
	RangeDopplerHeatMap bool `json:"range_doppler_heat_map" yaml:"range_doppler_heat_map"`
	StatsInfo           bool `json:"stats_info" yaml:"stats_info"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyConfig returns a Config with every section unset.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultProfile is a two-transmitter, four-receiver profile with 256
// samples per chirp and 16 Doppler bins.
func DefaultProfile() ProfileConfig {
	return ProfileConfig{
		RxChannelEn:       0xF,
		TxChannelEn:       0x3,
		NumAdcSamples:     256,
		ChirpStartIdx:     0,
		ChirpEndIdx:       1,
		NumLoops:          16,
		SampleRateKsps:    6000,
		FreqSlopeMHzPerUs: 70,
		FramePeriodMs:     100,
		StartFreqGHz:      77,
		IdleTimeUs:        7,
		RampEndTimeUs:     58,
	}
}

// DefaultConfig returns a Config with every section set to its default.
func DefaultConfig() *Config {
	p := DefaultProfile()
	dp := datapath.DefaultConfig(p.datapath())
	rng, dop := fromCFAR(dp.CFARRange), fromCFAR(dp.CFARDoppler)
	pg := dp.PeakGrouping
	gui := GuiMonitorConfig{DetectedObjects: true, LogMagRange: true, StatsInfo: true}
	return &Config{
		Profile:     &p,
		CFARRange:   &rng,
		CFARDoppler: &dop,
		PeakGrouping: &PeakGroupingConfig{
			Scheme:             uint8(pg.Scheme),
			InRangeDirection:   pg.InRangeDirection,
			InDopplerDirection: pg.InDopplerDirection,
			MinRangeIndex:      pg.MinRangeIndex,
			MaxRangeIndex:      pg.MaxRangeIndex,
		},
		MultiObjBeamForming: &MultiObjConfig{
			Enabled:           dp.MultiObjBeamForming.Enabled,
			MultiPeakThrsScal: dp.MultiObjBeamForming.MultiPeakThrsScal,
		},
		CalibDCRangeSig: &CalibDCConfig{
			Enabled:        dp.CalibDCRangeSig.Enabled,
			NegativeBinIdx: dp.CalibDCRangeSig.NegativeBinIdx,
			PositiveBinIdx: dp.CalibDCRangeSig.PositiveBinIdx,
			NumAvgChirps:   dp.CalibDCRangeSig.NumAvgChirps,
		},
		GuiMonitor:   &gui,
		Layout:       ptrString("overlay"),
		DMAWait:      ptrString("blocking"),
		DataLogger:   ptrString("mssLogger"),
		MaxPacketLen: ptrInt(0),
	}
}

// LoadConfig loads a Config from a .json, .yaml or .yml file. Sections
// omitted from the file fall back to defaults, so partial files are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that can be checked without building the data
// path. Geometry dependent limits are checked by DataPath.
func (c *Config) Validate() error {
	if c.Layout != nil {
		if _, err := memory.ParseMode(*c.Layout); err != nil {
			return err
		}
	}
	if c.DMAWait != nil {
		if _, err := dma.ParseWaitStrategy(*c.DMAWait); err != nil {
			return err
		}
	}
	if c.DataLogger != nil && *c.DataLogger != "mssLogger" && *c.DataLogger != "dssLogger" {
		return fmt.Errorf("data_logger must be mssLogger or dssLogger, got %q", *c.DataLogger)
	}
	if c.MaxPacketLen != nil && *c.MaxPacketLen < 0 {
		return fmt.Errorf("max_packet_len must be non-negative, got %d", *c.MaxPacketLen)
	}
	for name, s := range map[string]*CFARConfig{"cfar_range": c.CFARRange, "cfar_doppler": c.CFARDoppler} {
		if s != nil && s.AverageMode > uint8(cfar.SmallestOf) {
			return fmt.Errorf("%s: average_mode must be 0, 1 or 2, got %d", name, s.AverageMode)
		}
	}
	if c.CFARRange != nil && c.CFARRange.Cyclic {
		return errors.New("cfar_range: cyclic must be false")
	}
	if c.CFARDoppler != nil && !c.CFARDoppler.Cyclic {
		return errors.New("cfar_doppler: cyclic must be true")
	}
	if c.PeakGrouping != nil {
		s := peakgroup.Scheme(c.PeakGrouping.Scheme)
		if s != peakgroup.DetMatrixBased && s != peakgroup.CFARPeakBased {
			return fmt.Errorf("peak_grouping: scheme must be 1 or 2, got %d", c.PeakGrouping.Scheme)
		}
	}
	if c.MultiObjBeamForming != nil {
		if err := c.GetMultiObjBeamForming().Validate(); err != nil {
			return err
		}
	}
	if c.CalibDCRangeSig != nil {
		if err := c.GetCalibDCRangeSig().Validate(); err != nil {
			return err
		}
	}
	if c.Profile != nil {
		if _, err := c.Profile.datapath().Geometry(); err != nil {
			return err
		}
	}
	return nil
}

func (p ProfileConfig) datapath() datapath.Profile {
	return datapath.Profile{
		RxChannelEn:       p.RxChannelEn,
		TxChannelEn:       p.TxChannelEn,
		NumAdcSamples:     p.NumAdcSamples,
		ChirpStartIdx:     p.ChirpStartIdx,
		ChirpEndIdx:       p.ChirpEndIdx,
		NumLoops:          p.NumLoops,
		SampleRateKsps:    p.SampleRateKsps,
		FreqSlopeMHzPerUs: p.FreqSlopeMHzPerUs,
		FramePeriodMs:     p.FramePeriodMs,
		StartFreqGHz:      p.StartFreqGHz,
		IdleTimeUs:        p.IdleTimeUs,
		RampEndTimeUs:     p.RampEndTimeUs,
	}
}

func (c CFARConfig) cfar() cfar.Config {
	return cfar.Config{
		AveragingMode:  cfar.AveragingMode(c.AverageMode),
		WinLen:         c.WinLen,
		GuardLen:       c.GuardLen,
		NoiseDivShift:  c.NoiseDivShift,
		Cyclic:         c.Cyclic,
		ThresholdScale: c.ThresholdScale,
	}
}

func fromCFAR(c cfar.Config) CFARConfig {
	return CFARConfig{
		AverageMode:    uint8(c.AveragingMode),
		WinLen:         c.WinLen,
		GuardLen:       c.GuardLen,
		NoiseDivShift:  c.NoiseDivShift,
		Cyclic:         c.Cyclic,
		ThresholdScale: c.ThresholdScale,
	}
}

// GetProfile returns the chirp profile or the default.
func (c *Config) GetProfile() datapath.Profile {
	if c.Profile == nil {
		return DefaultProfile().datapath()
	}
	return c.Profile.datapath()
}

// GetCFARRange returns the range CFAR tuning or the default.
func (c *Config) GetCFARRange() cfar.Config {
	if c.CFARRange == nil {
		return datapath.DefaultConfig(c.GetProfile()).CFARRange
	}
	return c.CFARRange.cfar()
}

// GetCFARDoppler returns the Doppler CFAR tuning or the default.
func (c *Config) GetCFARDoppler() cfar.Config {
	if c.CFARDoppler == nil {
		return datapath.DefaultConfig(c.GetProfile()).CFARDoppler
	}
	return c.CFARDoppler.cfar()
}

// GetPeakGrouping returns the peak grouping tuning or the default.
func (c *Config) GetPeakGrouping() peakgroup.Config {
	if c.PeakGrouping == nil {
		return datapath.DefaultConfig(c.GetProfile()).PeakGrouping
	}
	return peakgroup.Config{
		Scheme:             peakgroup.Scheme(c.PeakGrouping.Scheme),
		InRangeDirection:   c.PeakGrouping.InRangeDirection,
		InDopplerDirection: c.PeakGrouping.InDopplerDirection,
		MinRangeIndex:      c.PeakGrouping.MinRangeIndex,
		MaxRangeIndex:      c.PeakGrouping.MaxRangeIndex,
	}
}

// GetMultiObjBeamForming returns the multi-object tuning or the default.
func (c *Config) GetMultiObjBeamForming() datapath.MultiObjBeamForming {
	if c.MultiObjBeamForming == nil {
		return datapath.DefaultConfig(c.GetProfile()).MultiObjBeamForming
	}
	return datapath.MultiObjBeamForming{
		Enabled:           c.MultiObjBeamForming.Enabled,
		MultiPeakThrsScal: c.MultiObjBeamForming.MultiPeakThrsScal,
	}
}

// GetCalibDCRangeSig returns the DC calibration tuning or the default.
func (c *Config) GetCalibDCRangeSig() datapath.CalibDCRangeSig {
	if c.CalibDCRangeSig == nil {
		return datapath.DefaultConfig(c.GetProfile()).CalibDCRangeSig
	}
	return datapath.CalibDCRangeSig{
		Enabled:        c.CalibDCRangeSig.Enabled,
		NegativeBinIdx: c.CalibDCRangeSig.NegativeBinIdx,
		PositiveBinIdx: c.CalibDCRangeSig.PositiveBinIdx,
		NumAvgChirps:   c.CalibDCRangeSig.NumAvgChirps,
	}
}

// GetMonitorSelection returns the output segment selection or the default
// (objects, range profile and stats).
func (c *Config) GetMonitorSelection() output.MonitorSelection {
	if c.GuiMonitor == nil {
		return output.MonDetectedObjects | output.MonLogMagRange | output.MonStatsInfo
	}
	g := c.GuiMonitor
	return output.SelectionFromFlags(g.DetectedObjects, g.LogMagRange, g.NoiseProfile,
		g.RangeAzimuthHeatMap, g.RangeDopplerHeatMap, g.StatsInfo)
}

// GetLayout returns the memory layout mode or the default (overlay).
func (c *Config) GetLayout() memory.Mode {
	if c.Layout == nil {
		return memory.Overlay
	}
	m, err := memory.ParseMode(*c.Layout)
	if err != nil {
		return memory.Overlay // default on parse error
	}
	return m
}

// GetDMAWait returns the DMA wait strategy or the default (blocking).
func (c *Config) GetDMAWait() dma.WaitStrategy {
	if c.DMAWait == nil {
		return dma.BlockingWait{}
	}
	w, err := dma.ParseWaitStrategy(*c.DMAWait)
	if err != nil {
		return dma.BlockingWait{} // default on parse error
	}
	return w
}

// GetDataLogger returns the data logger name or the default (mssLogger).
func (c *Config) GetDataLogger() string {
	if c.DataLogger == nil {
		return "mssLogger"
	}
	return *c.DataLogger
}

// GetMaxPacketLen returns the output packet limit or the default (none).
func (c *Config) GetMaxPacketLen() int {
	if c.MaxPacketLen == nil {
		return 0
	}
	return *c.MaxPacketLen
}

// DataPath builds the data path configuration.
func (c *Config) DataPath() datapath.Config {
	dp := datapath.DefaultConfig(c.GetProfile())
	dp.CFARRange = c.GetCFARRange()
	dp.CFARDoppler = c.GetCFARDoppler()
	dp.PeakGrouping = c.GetPeakGrouping()
	dp.MultiObjBeamForming = c.GetMultiObjBeamForming()
	dp.CalibDCRangeSig = c.GetCalibDCRangeSig()
	dp.Layout = c.GetLayout()
	dp.Wait = c.GetDMAWait()
	return dp
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	if c.Profile != nil {
		v := *c.Profile
		out.Profile = &v
	}
	if c.CFARRange != nil {
		v := *c.CFARRange
		out.CFARRange = &v
	}
	if c.CFARDoppler != nil {
		v := *c.CFARDoppler
		out.CFARDoppler = &v
	}
	if c.PeakGrouping != nil {
		v := *c.PeakGrouping
		out.PeakGrouping = &v
	}
	if c.MultiObjBeamForming != nil {
		v := *c.MultiObjBeamForming
		out.MultiObjBeamForming = &v
	}
	if c.CalibDCRangeSig != nil {
		v := *c.CalibDCRangeSig
		out.CalibDCRangeSig = &v
	}
	if c.GuiMonitor != nil {
		v := *c.GuiMonitor
		out.GuiMonitor = &v
	}
	if c.Layout != nil {
		out.Layout = ptrString(*c.Layout)
	}
	if c.DMAWait != nil {
		out.DMAWait = ptrString(*c.DMAWait)
	}
	if c.DataLogger != nil {
		out.DataLogger = ptrString(*c.DataLogger)
	}
	if c.MaxPacketLen != nil {
		out.MaxPacketLen = ptrInt(*c.MaxPacketLen)
	}
	return &out
}
