package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrUnknownCommand is returned for a command name ParseCommand does not
	// know.
	ErrUnknownCommand = errors.New("config: unknown command")
	// ErrUsage is returned for a known command with the wrong arguments.
	ErrUsage = errors.New("config: invalid usage of the command")
)

// CommandKind separates sensor lifecycle commands from configuration
// commands.
type CommandKind int

const (
	// CmdConfigure changes the configuration.
	CmdConfigure CommandKind = iota
	// CmdSensorStart starts the sensor; Command.Reconfig, set unless the
	// command carries a 0, asks for the configuration to be reapplied first.
	CmdSensorStart
	// CmdSensorStop stops the sensor.
	CmdSensorStop
)

// Command is one parsed CLI line.
type Command struct {
	Kind     CommandKind
	Name     string
	Args     []string
	Reconfig bool

	apply func(*Config)
}

// Apply writes a configuration command's settings into cfg. Lifecycle
// commands leave cfg unchanged.
func (c *Command) Apply(cfg *Config) {
	if c.apply != nil {
		c.apply(cfg)
	}
}

type commandSpec struct {
	args  int // argument count excluding the name; -1 for sensorStart
	usage string
	parse func(a argParser, cmd *Command) error
}

const (
	usageSensorStart = "sensorStart [doReconfig(0|1)]"
	usageDataLogger  = "dataLogger <mssLogger|dssLogger>"
)

var commands = map[string]commandSpec{
	"sensorStart": {-1, usageSensorStart, parseSensorStart},
	"sensorStop":  {0, "sensorStop", parseSensorStop},
	"guiMonitor": {6, "guiMonitor <detectedObjects> <logMagRange> <noiseProfile> <rangeAzimuthHeatMap> <rangeDopplerHeatMap> <statsInfo>",
		parseGuiMonitor},
	"cfarCfg": {7, "cfarCfg <rangeOrDoppler(0|1)> <averageMode> <winLen> <guardLen> <noiseDivShift> <cyclicMode> <thresholdScale>",
		parseCfarCfg},
	"peakGrouping": {5, "peakGrouping <scheme> <inRangeDirection> <inDopplerDirection> <minRangeIndex> <maxRangeIndex>",
		parsePeakGrouping},
	"multiObjBeamForming": {2, "multiObjBeamForming <enabled> <threshold>", parseMultiObj},
	"calibDcRangeSig": {4, "calibDcRangeSig <enabled> <negativeBinIdx> <positiveBinIdx> <numAvgChirps>",
		parseCalibDC},
	"dataLogger": {1, usageDataLogger, parseDataLogger},
	"channelCfg": {3, "channelCfg <rxChannelEn> <txChannelEn> <cascading>", parseChannelCfg},
	"profileCfg": {14, "profileCfg <profileId> <startFreq> <idleTime> <adcStartTime> <rampEndTime> <txOutPower> <txPhaseShifter> <freqSlopeConst> <txStartTime> <numAdcSamples> <digOutSampleRate> <hpfCornerFreq1> <hpfCornerFreq2> <rxGain>",
		parseProfileCfg},
	"frameCfg": {7, "frameCfg <chirpStartIdx> <chirpEndIdx> <numLoops> <numFrames> <framePeriodicity> <triggerSelect> <frameTriggerDelay>",
		parseFrameCfg},
}

// ParseCommand parses one CLI line. Blank lines and lines starting with %
// return a nil command.
func ParseCommand(line string) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "%") {
		return nil, nil
	}
	name, args := fields[0], fields[1:]
	def, ok := commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	if def.args >= 0 && len(args) != def.args {
		return nil, fmt.Errorf("%w: %s", ErrUsage, def.usage)
	}
	cmd := &Command{Name: name, Args: args}
	if err := def.parse(argParser{name: name, args: args}, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ApplyScript parses every line of r and applies the configuration
// commands to cfg. Lifecycle commands are returned in order for the
// caller to act on.
func ApplyScript(r io.Reader, cfg *Config) ([]*Command, error) {
	var lifecycle []*Command
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		cmd, err := ParseCommand(sc.Text())
		if err != nil {
			return lifecycle, fmt.Errorf("line %d: %w", n, err)
		}
		if cmd == nil {
			continue
		}
		if cmd.Kind == CmdConfigure {
			cmd.Apply(cfg)
		} else {
			lifecycle = append(lifecycle, cmd)
		}
	}
	if err := sc.Err(); err != nil {
		return lifecycle, err
	}
	return lifecycle, cfg.Validate()
}

type argParser struct {
	name string
	args []string
}

func (a argParser) int(i int, bits int) (int64, error) {
	v, err := strconv.ParseInt(a.args[i], 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s argument %d %q: %v", ErrUsage, a.name, i+1, a.args[i], err)
	}
	return v, nil
}

func (a argParser) uint(i int, bits int) (uint64, error) {
	v, err := strconv.ParseUint(a.args[i], 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s argument %d %q: %v", ErrUsage, a.name, i+1, a.args[i], err)
	}
	return v, nil
}

func (a argParser) float(i int) (float64, error) {
	v, err := strconv.ParseFloat(a.args[i], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s argument %d %q: %v", ErrUsage, a.name, i+1, a.args[i], err)
	}
	return v, nil
}

func (a argParser) flag(i int) (bool, error) {
	v, err := a.uint(i, 8)
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("%w: %s argument %d must be 0 or 1", ErrUsage, a.name, i+1)
	}
	return v == 1, nil
}

// uints parses every argument as an unsigned integer of the given size.
func (a argParser) uints(bits int) ([]uint64, error) {
	out := make([]uint64, len(a.args))
	for i := range a.args {
		v, err := a.uint(i, bits)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseSensorStart(a argParser, cmd *Command) error {
	cmd.Kind = CmdSensorStart
	cmd.Reconfig = true
	switch len(a.args) {
	case 0:
	case 1:
		v, err := a.flag(0)
		if err != nil {
			return err
		}
		cmd.Reconfig = v
	default:
		return fmt.Errorf("%w: %s", ErrUsage, usageSensorStart)
	}
	return nil
}

func parseSensorStop(_ argParser, cmd *Command) error {
	cmd.Kind = CmdSensorStop
	return nil
}

func parseGuiMonitor(a argParser, cmd *Command) error {
	var f [6]bool
	for i := range f {
		v, err := a.flag(i)
		if err != nil {
			return err
		}
		f[i] = v
	}
	cmd.apply = func(c *Config) {
		c.GuiMonitor = &GuiMonitorConfig{
			DetectedObjects:     f[0],
			LogMagRange:         f[1],
			NoiseProfile:        f[2],
			RangeAzimuthHeatMap: f[3],
			RangeDopplerHeatMap: f[4],
			StatsInfo:           f[5],
		}
	}
	return nil
}

func parseCfarCfg(a argParser, cmd *Command) error {
	v, err := a.uints(16)
	if err != nil {
		return err
	}
	if v[0] > 1 {
		return fmt.Errorf("%w: cfarCfg direction must be 0 (range) or 1 (doppler)", ErrUsage)
	}
	for i := 1; i <= 5; i++ {
		if v[i] > 0xFF {
			return fmt.Errorf("%w: cfarCfg argument %d out of range", ErrUsage, i+1)
		}
	}
	if v[5] > 1 {
		return fmt.Errorf("%w: cfarCfg cyclicMode must be 0 or 1", ErrUsage)
	}
	if v[5] != v[0] {
		return fmt.Errorf("%w: cfarCfg cyclicMode must be 0 for range and 1 for doppler", ErrUsage)
	}
	s := CFARConfig{
		AverageMode:    uint8(v[1]),
		WinLen:         uint8(v[2]),
		GuardLen:       uint8(v[3]),
		NoiseDivShift:  uint8(v[4]),
		Cyclic:         v[5] == 1,
		ThresholdScale: uint16(v[6]),
	}
	doppler := v[0] == 1
	cmd.apply = func(c *Config) {
		v := s
		if doppler {
			c.CFARDoppler = &v
		} else {
			c.CFARRange = &v
		}
	}
	return nil
}

func parsePeakGrouping(a argParser, cmd *Command) error {
	scheme, err := a.uint(0, 8)
	if err != nil {
		return err
	}
	inRange, err := a.flag(1)
	if err != nil {
		return err
	}
	inDoppler, err := a.flag(2)
	if err != nil {
		return err
	}
	minIdx, err := a.uint(3, 16)
	if err != nil {
		return err
	}
	maxIdx, err := a.uint(4, 16)
	if err != nil {
		return err
	}
	s := PeakGroupingConfig{
		Scheme:             uint8(scheme),
		InRangeDirection:   inRange,
		InDopplerDirection: inDoppler,
		MinRangeIndex:      uint16(minIdx),
		MaxRangeIndex:      uint16(maxIdx),
	}
	cmd.apply = func(c *Config) {
		v := s
		c.PeakGrouping = &v
	}
	return nil
}

func parseMultiObj(a argParser, cmd *Command) error {
	on, err := a.flag(0)
	if err != nil {
		return err
	}
	thr, err := a.float(1)
	if err != nil {
		return err
	}
	s := MultiObjConfig{Enabled: on, MultiPeakThrsScal: float32(thr)}
	cfg := Config{MultiObjBeamForming: &s}
	if err := cfg.GetMultiObjBeamForming().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	cmd.apply = func(c *Config) {
		v := s
		c.MultiObjBeamForming = &v
	}
	return nil
}

func parseCalibDC(a argParser, cmd *Command) error {
	on, err := a.flag(0)
	if err != nil {
		return err
	}
	neg, err := a.int(1, 16)
	if err != nil {
		return err
	}
	pos, err := a.int(2, 16)
	if err != nil {
		return err
	}
	avg, err := a.uint(3, 16)
	if err != nil {
		return err
	}
	s := CalibDCConfig{Enabled: on, NegativeBinIdx: int(neg), PositiveBinIdx: int(pos), NumAvgChirps: int(avg)}
	// The CLI checks the window even when calibration is disabled.
	check := s
	check.Enabled = true
	cfg := Config{CalibDCRangeSig: &check}
	if err := cfg.GetCalibDCRangeSig().Validate(); err != nil {
		return err
	}
	cmd.apply = func(c *Config) {
		v := s
		c.CalibDCRangeSig = &v
	}
	return nil
}

func parseDataLogger(a argParser, cmd *Command) error {
	name := a.args[0]
	if name != "mssLogger" && name != "dssLogger" {
		return fmt.Errorf("%w: %s", ErrUsage, usageDataLogger)
	}
	cmd.apply = func(c *Config) { c.DataLogger = ptrString(name) }
	return nil
}

func ensureProfile(c *Config) *ProfileConfig {
	if c.Profile == nil {
		p := DefaultProfile()
		c.Profile = &p
	}
	return c.Profile
}

func parseChannelCfg(a argParser, cmd *Command) error {
	rx, err := a.uint(0, 8)
	if err != nil {
		return err
	}
	tx, err := a.uint(1, 8)
	if err != nil {
		return err
	}
	if _, err := a.uint(2, 8); err != nil {
		return err
	}
	cmd.apply = func(c *Config) {
		p := ensureProfile(c)
		p.RxChannelEn = uint8(rx)
		p.TxChannelEn = uint8(tx)
	}
	return nil
}

func parseProfileCfg(a argParser, cmd *Command) error {
	for i := range a.args {
		if _, err := a.float(i); err != nil {
			return err
		}
	}
	start, _ := a.float(1)
	idle, _ := a.float(2)
	rampEnd, _ := a.float(4)
	slope, _ := a.float(7)
	numAdc, err := a.uint(9, 16)
	if err != nil {
		return err
	}
	rate, _ := a.float(10)
	cmd.apply = func(c *Config) {
		p := ensureProfile(c)
		p.StartFreqGHz = start
		p.IdleTimeUs = idle
		p.RampEndTimeUs = rampEnd
		p.FreqSlopeMHzPerUs = slope
		p.NumAdcSamples = int(numAdc)
		p.SampleRateKsps = rate
	}
	return nil
}

func parseFrameCfg(a argParser, cmd *Command) error {
	start, err := a.uint(0, 8)
	if err != nil {
		return err
	}
	end, err := a.uint(1, 8)
	if err != nil {
		return err
	}
	loops, err := a.uint(2, 16)
	if err != nil {
		return err
	}
	if _, err := a.uint(3, 16); err != nil {
		return err
	}
	period, err := a.float(4)
	if err != nil {
		return err
	}
	cmd.apply = func(c *Config) {
		p := ensureProfile(c)
		p.ChirpStartIdx = int(start)
		p.ChirpEndIdx = int(end)
		p.NumLoops = int(loops)
		p.FramePeriodMs = period
	}
	return nil
}
