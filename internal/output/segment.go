// Package output turns processed frames into typed segments and the framed
// packet handed to transports.
package output

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
)

// ErrMalformed is returned when a segment or packet cannot be decoded.
var ErrMalformed = errors.New("output: malformed data")

// SegmentType tags a segment's payload.
type SegmentType uint32

const (
	DetectedPoints SegmentType = iota + 1
	RangeProfile
	NoiseProfile
	AzimuthStaticHeatMap
	RangeDopplerHeatMap
	Stats
)

func (t SegmentType) String() string {
	switch t {
	case DetectedPoints:
		return "detected-points"
	case RangeProfile:
		return "range-profile"
	case NoiseProfile:
		return "noise-profile"
	case AzimuthStaticHeatMap:
		return "azimuth-static-heat-map"
	case RangeDopplerHeatMap:
		return "range-doppler-heat-map"
	case Stats:
		return "stats"
	default:
		return fmt.Sprintf("segment(%d)", uint32(t))
	}
}

// Segment is one typed payload. Length is len(Data).
type Segment struct {
	Type   SegmentType
	Length uint32
	Data   []byte
}

func newSegment(t SegmentType, data []byte) Segment {
	return Segment{Type: t, Length: uint32(len(data)), Data: data}
}

// MonitorSelection chooses which segments are produced for each frame.
type MonitorSelection uint8

const (
	MonDetectedObjects MonitorSelection = 1 << iota
	MonLogMagRange
	MonNoiseProfile
	MonRangeAzimuthHeatMap
	MonRangeDopplerHeatMap
	MonStatsInfo

	MonAll = MonDetectedObjects | MonLogMagRange | MonNoiseProfile |
		MonRangeAzimuthHeatMap | MonRangeDopplerHeatMap | MonStatsInfo
)

// SelectionFromFlags builds a selection from the six guiMonitor flags in
// command order.
func SelectionFromFlags(detectedObjects, logMagRange, noiseProfile, rangeAzimuthHeatMap, rangeDopplerHeatMap, statsInfo bool) MonitorSelection {
	var m MonitorSelection
	for i, on := range []bool{detectedObjects, logMagRange, noiseProfile, rangeAzimuthHeatMap, rangeDopplerHeatMap, statsInfo} {
		if on {
			m |= 1 << i
		}
	}
	return m
}

// Has reports whether every bit of o is selected.
func (m MonitorSelection) Has(o MonitorSelection) bool { return m&o == o }

func (m MonitorSelection) String() string {
	if m == 0 {
		return "none"
	}
	names := []string{"objects", "range", "noise", "azimuth", "doppler", "stats"}
	var parts []string
	for i, n := range names {
		if m&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

const (
	objDescrSize = 4
	objSize      = 12
	// statsSize covers the six timing words and the three resource counters.
	statsSize = 9 * 4
)

// StatsInfo is the decoded stats segment. Times are in microseconds.
type StatsInfo struct {
	InterChirpProcessingMargin uint32
	InterFrameProcessingMargin uint32
	InterFrameProcessingTime   uint32
	TransmitOutputTime         uint32
	ActiveFrameCPULoad         uint32
	InterFrameCPULoad          uint32

	RawObjectsTruncated uint32
	LoggingSkips        uint32
	LoggingErrors       uint32
}

func micros(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	return uint32(d / time.Microsecond)
}

func sat32(v uint64) uint32 {
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(v)
}

func encodeObjects(objs []datapath.DetectedObject, qFormat uint8) []byte {
	b := make([]byte, objDescrSize+objSize*len(objs))
	binary.LittleEndian.PutUint16(b[0:], uint16(len(objs)))
	binary.LittleEndian.PutUint16(b[2:], uint16(qFormat))
	p := b[objDescrSize:]
	for _, o := range objs {
		binary.LittleEndian.PutUint16(p[0:], o.RangeIdx)
		binary.LittleEndian.PutUint16(p[2:], o.DopplerIdx)
		binary.LittleEndian.PutUint16(p[4:], o.PeakVal)
		binary.LittleEndian.PutUint16(p[6:], uint16(o.X))
		binary.LittleEndian.PutUint16(p[8:], uint16(o.Y))
		binary.LittleEndian.PutUint16(p[10:], uint16(o.Z))
		p = p[objSize:]
	}
	return b
}

// DecodeObjects decodes a DetectedPoints payload.
func DecodeObjects(data []byte) (objs []datapath.DetectedObject, qFormat uint8, err error) {
	if len(data) < objDescrSize {
		return nil, 0, fmt.Errorf("%w: object descriptor needs %d bytes, have %d", ErrMalformed, objDescrSize, len(data))
	}
	n := int(binary.LittleEndian.Uint16(data[0:]))
	qFormat = uint8(binary.LittleEndian.Uint16(data[2:]))
	if len(data) != objDescrSize+n*objSize {
		return nil, 0, fmt.Errorf("%w: %d objects need %d bytes, have %d", ErrMalformed, n, objDescrSize+n*objSize, len(data))
	}
	objs = make([]datapath.DetectedObject, n)
	p := data[objDescrSize:]
	for i := range objs {
		objs[i] = datapath.DetectedObject{
			RangeIdx:   binary.LittleEndian.Uint16(p[0:]),
			DopplerIdx: binary.LittleEndian.Uint16(p[2:]),
			PeakVal:    binary.LittleEndian.Uint16(p[4:]),
			X:          int16(binary.LittleEndian.Uint16(p[6:])),
			Y:          int16(binary.LittleEndian.Uint16(p[8:])),
			Z:          int16(binary.LittleEndian.Uint16(p[10:])),
		}
		p = p[objSize:]
	}
	return objs, qFormat, nil
}

func encodeUint16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return b
}

// DecodeUint16s decodes a profile or range-Doppler heat map payload.
func DecodeUint16s(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrMalformed, len(data))
	}
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return out, nil
}

// The heat map is stored imaginary part first, as the capture hardware
// writes it.
func encodeCmplx16(vs []fixedpoint.Cmplx16) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(b[4*i:], uint16(v.Im))
		binary.LittleEndian.PutUint16(b[4*i+2:], uint16(v.Re))
	}
	return b
}

// DecodeCmplx16 decodes an AzimuthStaticHeatMap payload.
func DecodeCmplx16(data []byte) ([]fixedpoint.Cmplx16, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", ErrMalformed, len(data))
	}
	out := make([]fixedpoint.Cmplx16, len(data)/4)
	for i := range out {
		out[i].Im = int16(binary.LittleEndian.Uint16(data[4*i:]))
		out[i].Re = int16(binary.LittleEndian.Uint16(data[4*i+2:]))
	}
	return out, nil
}

func encodeStats(s StatsInfo) []byte {
	b := make([]byte, statsSize)
	for i, v := range []uint32{
		s.InterChirpProcessingMargin, s.InterFrameProcessingMargin, s.InterFrameProcessingTime,
		s.TransmitOutputTime, s.ActiveFrameCPULoad, s.InterFrameCPULoad,
		s.RawObjectsTruncated, s.LoggingSkips, s.LoggingErrors,
	} {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// DecodeStats decodes a Stats payload.
func DecodeStats(data []byte) (StatsInfo, error) {
	if len(data) != statsSize {
		return StatsInfo{}, fmt.Errorf("%w: stats need %d bytes, have %d", ErrMalformed, statsSize, len(data))
	}
	w := func(i int) uint32 { return binary.LittleEndian.Uint32(data[4*i:]) }
	return StatsInfo{
		InterChirpProcessingMargin: w(0),
		InterFrameProcessingMargin: w(1),
		InterFrameProcessingTime:   w(2),
		TransmitOutputTime:         w(3),
		ActiveFrameCPULoad:         w(4),
		InterFrameCPULoad:          w(5),
		RawObjectsTruncated:        w(6),
		LoggingSkips:               w(7),
		LoggingErrors:              w(8),
	}, nil
}

// Meters converts an object's Q-format coordinates to meters.
func Meters(o datapath.DetectedObject, qFormat uint8) (x, y, z float64) {
	scale := 1 / float64(uint32(1)<<qFormat)
	return float64(o.X) * scale, float64(o.Y) * scale, float64(o.Z) * scale
}
