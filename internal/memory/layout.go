package memory

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLayoutOverflow is returned when a plan does not fit a tier.
var ErrLayoutOverflow = errors.New("memory: layout exceeds tier capacity")

// Alignment is the byte alignment of every placement.
const Alignment = 8

// Element sizes in bytes.
const (
	sizeCmplx16 = 4
	sizeCmplx32 = 8
	sizeUint16  = 2
	sizeInt16   = 2
	sizeInt32   = 4
	sizeFloat32 = 4
	sizeUint32  = 4
)

// Object capacities and the byte sizes of the object records stored in
// the arenas.
const (
	MaxRawObjects      = 2048
	MaxOutputObjects   = 100
	RawObjectSize      = 6
	DetectedObjectSize = 12

	// MaxTxAntennas, MaxRxAntennas and MaxDCBins bound the DC range
	// signature mean table.
	MaxTxAntennas = 3
	MaxRxAntennas = 4
	MaxDCBins     = 32
)

// Mode selects whether buffers with disjoint lifetimes share storage.
type Mode uint8

const (
	// Overlay lets buffers of stages that never run together share bytes.
	Overlay Mode = iota
	// Safe lays every buffer out sequentially.
	Safe
)

func (m Mode) String() string {
	switch m {
	case Overlay:
		return "overlay"
	case Safe:
		return "safe"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode converts "overlay" or "safe" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "overlay":
		return Overlay, nil
	case "safe":
		return Safe, nil
	default:
		return 0, fmt.Errorf("memory: unknown layout mode %q", s)
	}
}

// Buffer names a pipeline buffer.
type Buffer uint8

const (
	// L1
	ADCDataIn Buffer = iota
	DstPingPong
	FFTOut2D
	Windowing2D
	Log2Abs
	SumAbs
	DetObj2DRaw
	AzimuthIn
	AzimuthOut
	AzimuthMagSqr
	// L2
	FFTOut1D
	CFARDetObjIndexBuf
	DopplerLineMask
	SumAbsRange
	Twiddle1D
	Window1D
	Twiddle2D
	Window2D
	DetObj2D
	DetObjAzimIdx
	AzimuthTwiddle
	AzimuthModCoefs
	DCRangeSigMean
	// L3
	ADCBuf
	RadarCube
	AzimuthStaticHeatMap
	DetMatrix

	NumBuffers
)

var bufferNames = [NumBuffers]string{
	"adcDataIn", "dstPingPong", "fftOut2D", "windowingBuf2D", "log2Abs", "sumAbs",
	"detObj2DRaw", "azimuthIn", "azimuthOut", "azimuthMagSqr",
	"fftOut1D", "cfarDetObjIndexBuf", "dopplerLineMask", "sumAbsRange",
	"twiddle1D", "window1D", "twiddle2D", "window2D", "detObj2D", "detObj2dAzimIdx",
	"azimuthTwiddle", "azimuthModCoefs", "dcRangeSigMean",
	"adcBuf", "radarCube", "azimuthStaticHeatMap", "detMatrix",
}

func (b Buffer) String() string {
	if b < NumBuffers {
		return bufferNames[b]
	}
	return fmt.Sprintf("buffer(%d)", uint8(b))
}

// Stage is a bit set of processing stages during which a buffer holds
// live data.
type Stage uint16

const (
	StageChirp Stage = 1 << iota
	StageDopplerWindow
	StageDopplerLog
	StageRange
	StageGrouping
	StageAzimuth
	StageOutput
)

const stageDoppler = StageDopplerWindow | StageDopplerLog

// Stages returns the stages in which b is live. Two buffers may overlay
// only if their stage sets are disjoint.
func (b Buffer) Stages() Stage {
	switch b {
	case ADCDataIn, FFTOut1D, Twiddle1D, Window1D, DCRangeSigMean, ADCBuf:
		return StageChirp
	case DstPingPong:
		return stageDoppler | StageAzimuth
	case FFTOut2D, SumAbs, Twiddle2D, Window2D:
		return stageDoppler
	case Windowing2D:
		return StageDopplerWindow
	case Log2Abs:
		return StageDopplerLog
	case CFARDetObjIndexBuf, DopplerLineMask:
		return stageDoppler | StageRange
	case SumAbsRange:
		return StageRange
	case DetObj2DRaw:
		return StageRange | StageGrouping
	case AzimuthIn, AzimuthOut, AzimuthMagSqr, AzimuthTwiddle, AzimuthModCoefs, DetObjAzimIdx:
		return StageAzimuth
	case DetObj2D:
		return StageGrouping | StageAzimuth | StageOutput
	case RadarCube:
		return StageChirp | stageDoppler | StageAzimuth
	case AzimuthStaticHeatMap:
		return stageDoppler | StageOutput
	case DetMatrix:
		return stageDoppler | StageRange | StageGrouping | StageOutput
	default:
		return 0
	}
}

// Placement locates a buffer inside a tier.
type Placement struct {
	Tier   Tier
	Offset int
	Size   int
	Align  int
}

// End returns the first byte after the placement.
func (p Placement) End() int { return p.Offset + p.Size }

// Overlaps reports whether p and q share any byte.
func (p Placement) Overlaps(q Placement) bool {
	return p.Tier == q.Tier && p.Size > 0 && q.Size > 0 && p.Offset < q.End() && q.Offset < p.End()
}

// Dimensions is the frame geometry a layout is planned for.
type Dimensions struct {
	NumAdcSamples  int
	NumRangeBins   int
	NumDopplerBins int
	NumAngleBins   int
	NumRxAntennas  int
	NumTxAntennas  int
}

// NumVirtualAntennas is rx * tx.
func (d Dimensions) NumVirtualAntennas() int { return d.NumRxAntennas * d.NumTxAntennas }

// Sizes returns the byte size of every buffer for d.
func (d Dimensions) Sizes() [NumBuffers]int {
	var s [NumBuffers]int
	nr, nd, na := d.NumRangeBins, d.NumDopplerBins, d.NumAngleBins
	nv := d.NumVirtualAntennas()

	s[ADCDataIn] = 2 * nr * sizeCmplx16
	s[DstPingPong] = 2 * nd * sizeCmplx16
	s[FFTOut2D] = nd * sizeCmplx32
	s[Windowing2D] = nd * sizeCmplx32
	s[Log2Abs] = nd * sizeUint16
	s[SumAbs] = 2 * nd * sizeUint16
	s[DetObj2DRaw] = MaxRawObjects * RawObjectSize
	s[AzimuthIn] = na * sizeCmplx32
	s[AzimuthOut] = na * sizeCmplx32
	s[AzimuthMagSqr] = na * sizeFloat32

	s[FFTOut1D] = 2 * d.NumRxAntennas * nr * sizeCmplx16
	s[CFARDetObjIndexBuf] = max(nr, nd) * sizeUint16
	s[DopplerLineMask] = max(nd>>5, 1) * sizeUint32
	s[SumAbsRange] = 2 * nr * sizeUint16
	s[Twiddle1D] = nr / 2 * sizeCmplx16
	s[Window1D] = d.NumAdcSamples / 2 * sizeInt16
	s[Twiddle2D] = nd / 2 * sizeCmplx32
	s[Window2D] = nd / 2 * sizeInt32
	s[DetObj2D] = MaxOutputObjects * DetectedObjectSize
	s[DetObjAzimIdx] = MaxOutputObjects
	s[AzimuthTwiddle] = na / 2 * sizeCmplx32
	s[AzimuthModCoefs] = nd * sizeCmplx16
	s[DCRangeSigMean] = MaxTxAntennas * MaxRxAntennas * MaxDCBins * sizeCmplx32

	s[ADCBuf] = nr * nv * sizeCmplx16
	s[RadarCube] = nr * nd * nv * sizeCmplx16
	s[AzimuthStaticHeatMap] = nr * nv * sizeCmplx16
	s[DetMatrix] = nr * nd * sizeUint16
	return s
}

// Layout maps every buffer to its placement.
type Layout struct {
	Mode       Mode
	Dims       Dimensions
	Used       [NumTiers]int
	placements [NumBuffers]Placement
}

// Placement returns where b lives.
func (l *Layout) Placement(b Buffer) Placement { return l.placements[b] }

// Placements returns a copy of the whole table.
func (l *Layout) Placements() [NumBuffers]Placement { return l.placements }

// String renders per-tier usage for logs.
func (l *Layout) String() string {
	return fmt.Sprintf("%s layout: L1 %d B, L2 %d B, L3 %d B", l.Mode, l.Used[TierL1], l.Used[TierL2], l.Used[TierL3])
}

func alignUp(x int) int { return (x + Alignment - 1) &^ (Alignment - 1) }

// planner places buffers in one tier.
type planner struct {
	l     *Layout
	sizes [NumBuffers]int
	tier  Tier
	end   int
}

// at places b at the first aligned offset at or after from.
func (p *planner) at(b Buffer, from int) int {
	off := alignUp(from)
	p.l.placements[b] = Placement{Tier: p.tier, Offset: off, Size: p.sizes[b], Align: Alignment}
	end := off + p.sizes[b]
	p.end = max(p.end, end)
	return end
}

// next places b after everything placed so far in the tier.
func (p *planner) next(b Buffer) int { return p.at(b, p.end) }

// Plan computes the placement of every buffer for d. In Overlay mode the
// 1D chirp buffers, the Doppler pass buffers and the range/azimuth
// buffers share storage; in Safe mode nothing is shared. A plan that does
// not fit caps returns ErrLayoutOverflow.
func Plan(d Dimensions, mode Mode, caps Capacities) (*Layout, error) {
	l := &Layout{Mode: mode, Dims: d}
	sizes := d.Sizes()

	if mode == Safe {
		for t := TierL1; t < NumTiers; t++ {
			p := &planner{l: l, sizes: sizes, tier: t}
			for b := Buffer(0); b < NumBuffers; b++ {
				if tierOf(b) == t {
					p.next(b)
				}
			}
			l.Used[t] = p.end
		}
		return l, checkFit(l, caps)
	}

	// L1: adcDataIn | {dstPingPong + fftOut2D + (windowingBuf2D | log2Abs) + sumAbs}
	//     | {detObj2DRaw + azimuthIn + azimuthOut + azimuthMagSqr}
	l1 := &planner{l: l, sizes: sizes, tier: TierL1}
	l1.at(ADCDataIn, 0)
	ppEnd := l1.at(DstPingPong, 0)
	fftEnd := l1.at(FFTOut2D, ppEnd)
	winEnd := l1.at(Windowing2D, fftEnd)
	logEnd := l1.at(Log2Abs, fftEnd)
	l1.at(SumAbs, max(winEnd, logEnd))
	rawEnd := l1.at(DetObj2DRaw, 0)
	azEnd := l1.at(AzimuthIn, max(rawEnd, ppEnd))
	azEnd = l1.at(AzimuthOut, azEnd)
	l1.at(AzimuthMagSqr, azEnd)
	l.Used[TierL1] = l1.end

	// L2: fftOut1D | {cfarDetObjIndexBuf + dopplerLineMask + sumAbsRange},
	//     then the tables and per-frame object lists.
	l2 := &planner{l: l, sizes: sizes, tier: TierL2}
	fft1End := l2.at(FFTOut1D, 0)
	end := l2.at(CFARDetObjIndexBuf, 0)
	end = l2.at(DopplerLineMask, end)
	sarEnd := l2.at(SumAbsRange, end)
	l2.end = max(fft1End, sarEnd)
	for _, b := range []Buffer{Twiddle1D, Window1D, Twiddle2D, Window2D, DetObj2D,
		DetObjAzimIdx, AzimuthTwiddle, AzimuthModCoefs, DCRangeSigMean} {
		l2.next(b)
	}
	l.Used[TierL2] = l2.end

	l3 := &planner{l: l, sizes: sizes, tier: TierL3}
	for _, b := range []Buffer{ADCBuf, RadarCube, AzimuthStaticHeatMap, DetMatrix} {
		l3.next(b)
	}
	l.Used[TierL3] = l3.end

	return l, checkFit(l, caps)
}

func tierOf(b Buffer) Tier {
	switch {
	case b < FFTOut1D:
		return TierL1
	case b < ADCBuf:
		return TierL2
	default:
		return TierL3
	}
}

func checkFit(l *Layout, caps Capacities) error {
	for t := TierL1; t < NumTiers; t++ {
		if l.Used[t] > caps[t] {
			return fmt.Errorf("%w: %s needs %d bytes, capacity %d (%s)", ErrLayoutOverflow, t, l.Used[t], caps[t], l.Mode)
		}
	}
	return nil
}

// Conflicts lists pairs of buffers that share bytes while being live in a
// common stage. A valid layout has none.
func (l *Layout) Conflicts() [][2]Buffer {
	var out [][2]Buffer
	for a := Buffer(0); a < NumBuffers; a++ {
		for b := a + 1; b < NumBuffers; b++ {
			if a.Stages()&b.Stages() != 0 && l.placements[a].Overlaps(l.placements[b]) {
				out = append(out, [2]Buffer{a, b})
			}
		}
	}
	return out
}
