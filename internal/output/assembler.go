package output

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/version"
)

var (
	// ErrFrameShape is returned for a frame whose buffers do not match its
	// geometry.
	ErrFrameShape = errors.New("output: frame buffers do not match geometry")
	// ErrTooLarge is returned when the selected segments exceed the
	// assembler's packet limit.
	ErrTooLarge = errors.New("output: packet exceeds size limit")
)

// Diagnostics are the output-side counters reported in the stats segment.
type Diagnostics struct {
	LoggingSkips  uint64
	LoggingErrors uint64
}

// Assembler builds the segments selected by the monitor selection. It is
// safe to change the selection while frames are assembled; each frame sees
// one consistent selection.
type Assembler struct {
	sel atomic.Uint32
	// MaxPacketLen bounds the unpadded packet length; zero means no limit.
	MaxPacketLen int
	// Version is placed in every header.
	Version uint32
}

// NewAssembler returns an assembler producing sel.
func NewAssembler(sel MonitorSelection) *Assembler {
	a := &Assembler{Version: version.Word()}
	a.sel.Store(uint32(sel))
	return a
}

// Selection returns the current monitor selection.
func (a *Assembler) Selection() MonitorSelection { return MonitorSelection(a.sel.Load()) }

// SetSelection replaces the monitor selection.
func (a *Assembler) SetSelection(sel MonitorSelection) { a.sel.Store(uint32(sel)) }

// Assemble copies the selected outputs of f into a packet. The packet does
// not reference f's buffers.
func (a *Assembler) Assemble(f *datapath.Frame, diag Diagnostics) (*Packet, error) {
	g := f.Geometry
	nr, nd, nv := g.NumRangeBins, g.NumDopplerBins, g.NumVirtualAntennas()
	sel := a.Selection()

	if len(f.DetMatrix) < nr*nd {
		return nil, fmt.Errorf("%w: detection matrix has %d cells, want %d", ErrFrameShape, len(f.DetMatrix), nr*nd)
	}

	var segs []Segment
	if sel.Has(MonDetectedObjects) && len(f.Objects) > 0 {
		segs = append(segs, newSegment(DetectedPoints, encodeObjects(f.Objects, g.XYZOutputQFormat)))
	}
	if sel.Has(MonLogMagRange) {
		segs = append(segs, newSegment(RangeProfile, encodeUint16s(column(f.DetMatrix, nr, nd, 0))))
	}
	if sel.Has(MonNoiseProfile) {
		segs = append(segs, newSegment(NoiseProfile, encodeUint16s(column(f.DetMatrix, nr, nd, nd/2-1))))
	}
	if sel.Has(MonRangeAzimuthHeatMap) {
		if len(f.AzimuthStaticHeatMap) < nr*nv {
			return nil, fmt.Errorf("%w: heat map has %d cells, want %d", ErrFrameShape, len(f.AzimuthStaticHeatMap), nr*nv)
		}
		segs = append(segs, newSegment(AzimuthStaticHeatMap, encodeCmplx16(f.AzimuthStaticHeatMap[:nr*nv])))
	}
	if sel.Has(MonRangeDopplerHeatMap) {
		segs = append(segs, newSegment(RangeDopplerHeatMap, encodeUint16s(f.DetMatrix[:nr*nd])))
	}
	if sel.Has(MonStatsInfo) {
		segs = append(segs, newSegment(Stats, encodeStats(statsInfo(f, diag))))
	}

	if n := PacketLen(segs); a.MaxPacketLen > 0 && n > a.MaxPacketLen {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, n, a.MaxPacketLen)
	}

	return &Packet{
		Header: Header{
			Version:        a.Version,
			TotalPacketLen: uint32(alignUp(PacketLen(segs))),
			Platform:       Platform,
			FrameNumber:    f.Number,
			TimeCPUCycles:  uint32(f.Timestamp.UnixMicro()),
			NumDetectedObj: uint32(len(f.Objects)),
			NumTLVs:        uint32(len(segs)),
		},
		Segments:           segs,
		NumRangeBins:       nr,
		NumDopplerBins:     nd,
		NumVirtualAntennas: nv,
		DopplerResolution:  g.DopplerResolution,
	}, nil
}

// column extracts Doppler bin d of every range bin.
func column(m []uint16, nr, nd, d int) []uint16 {
	out := make([]uint16, nr)
	for r := range out {
		out[r] = m[r*nd+d]
	}
	return out
}

func statsInfo(f *datapath.Frame, diag Diagnostics) StatsInfo {
	t := f.Timing
	return StatsInfo{
		InterChirpProcessingMargin: micros(t.InterChirpProcessingMargin),
		InterFrameProcessingMargin: micros(t.InterFrameProcessingMargin),
		InterFrameProcessingTime:   micros(t.InterFrameProcessingTime),
		TransmitOutputTime:         micros(t.TransmitOutputTime),
		ActiveFrameCPULoad:         t.ActiveFrameCPULoad,
		InterFrameCPULoad:          t.InterFrameCPULoad,
		RawObjectsTruncated:        sat32(f.Counters.RawObjectsTruncated),
		LoggingSkips:               sat32(diag.LoggingSkips),
		LoggingErrors:              sat32(diag.LoggingErrors),
	}
}
