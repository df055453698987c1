package datapath

import (
	"errors"
	"fmt"

	"github.com/banshee-data/mmwave.dsp/internal/cfar"
	"github.com/banshee-data/mmwave.dsp/internal/dma"
	"github.com/banshee-data/mmwave.dsp/internal/dopplerlines"
)

// FaultKind classifies conditions that stop processing.
type FaultKind uint8

const (
	// FaultConfig is an invalid configuration discovered while running.
	FaultConfig FaultKind = iota + 1
	// FaultChirpTiming means a chirp arrived before the previous one was
	// processed.
	FaultChirpTiming
	// FaultFrameTiming means a frame started before the previous frame's
	// processing finished.
	FaultFrameTiming
	// FaultDMA is a transfer engine misuse or error.
	FaultDMA
	// FaultBitmap is an over-read of the Doppler-line bitmap.
	FaultBitmap
	// FaultInternal covers any other panic in the processing task.
	FaultInternal
)

func (k FaultKind) String() string {
	switch k {
	case FaultConfig:
		return "config"
	case FaultChirpTiming:
		return "chirp-timing"
	case FaultFrameTiming:
		return "frame-timing"
	case FaultDMA:
		return "dma"
	case FaultBitmap:
		return "bitmap"
	case FaultInternal:
		return "internal"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

// Fault is a fatal processing condition. Hot-path code panics with a
// *Fault; the task recovers it and hands it to the FaultHandler.
type Fault struct {
	Kind  FaultKind
	Msg   string
	Frame uint32
	Err   error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("datapath %s fault (frame %d): %s: %v", f.Kind, f.Frame, f.Msg, f.Err)
	}
	return fmt.Sprintf("datapath %s fault (frame %d): %s", f.Kind, f.Frame, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// FaultHandler is the supervisor hook notified when processing stops.
type FaultHandler interface {
	HandleFault(f *Fault)
}

// FaultHandlerFunc adapts a function to FaultHandler.
type FaultHandlerFunc func(f *Fault)

func (fn FaultHandlerFunc) HandleFault(f *Fault) { fn(f) }

func raise(kind FaultKind, format string, args ...any) {
	panic(&Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

// asFault converts a recovered panic value into a Fault.
func asFault(r any) *Fault {
	switch v := r.(type) {
	case *Fault:
		return v
	case *dma.Error:
		return &Fault{Kind: FaultDMA, Msg: "transfer engine", Err: v}
	case *dopplerlines.ExhaustedError:
		return &Fault{Kind: FaultBitmap, Msg: "doppler line bitmap", Err: v}
	case error:
		if errors.Is(v, cfar.ErrUnsupportedMode) {
			return &Fault{Kind: FaultConfig, Msg: "cfar", Err: v}
		}
		return &Fault{Kind: FaultInternal, Msg: "panic", Err: v}
	default:
		return &Fault{Kind: FaultInternal, Msg: fmt.Sprint(v)}
	}
}
