package datapath

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

var (
	// ErrNotStopped is returned by Reconfigure and Start when the sensor is
	// running.
	ErrNotStopped = errors.New("datapath: sensor is not stopped")
	// ErrBusy is returned when events are still queued.
	ErrBusy = errors.New("datapath: events pending")
)

// TaskState is the processing task's position in the frame cycle.
type TaskState int32

const (
	Idle TaskState = iota
	ChirpInFlight
	FrameInFlight
)

func (s TaskState) String() string {
	switch s {
	case Idle:
		return "idle"
	case ChirpInFlight:
		return "chirp-in-flight"
	case FrameInFlight:
		return "frame-in-flight"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Frame is one frame's output. Its slices view the data path's working
// memory and are only valid during FrameSink.ConsumeFrame.
type Frame struct {
	Number        uint32
	Timestamp     time.Time // frame start
	Geometry      Geometry
	Objects       []DetectedObject
	AzimuthIdx    []uint8
	NumRawObjects int
	// DetMatrix is NumRangeBins x NumDopplerBins log2 magnitudes in Q8.
	DetMatrix []uint16
	// AzimuthStaticHeatMap is the zero-Doppler bin per range bin and
	// virtual antenna.
	AzimuthStaticHeatMap []fixedpoint.Cmplx16
	Timing               TimingStats
	Counters             Counters
}

// FrameSink receives every processed frame.
type FrameSink interface {
	ConsumeFrame(f *Frame) error
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(f *Frame) error

func (fn FrameSinkFunc) ConsumeFrame(f *Frame) error { return fn(f) }

type eventKind uint8

const (
	evChirp eventKind = iota
	evFrameStart
)

type event struct {
	kind   eventKind
	at     time.Time
	number uint32
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithClock sets the clock used for timing statistics.
func WithClock(c timeutil.Clock) TaskOption {
	return func(t *Task) { t.clock = c }
}

// WithFaultHandler installs the supervisor notified when processing stops.
func WithFaultHandler(h FaultHandler) TaskOption {
	return func(t *Task) { t.faults = h }
}

// WithHistory sets how many inter-frame processing times are kept for
// Summary.
func WithHistory(n int) TaskOption {
	return func(t *Task) { t.history = NewFrameHistory(n) }
}

// Task is the processing task. ChirpAvailable and FrameStart are the
// hardware event entry points and may be called from any goroutine; all
// processing happens in Run.
type Task struct {
	st     atomic.Pointer[State]
	sink   FrameSink
	faults FaultHandler
	clock  timeutil.Clock

	state       atomic.Int32
	frameActive atomic.Bool
	stopped     atomic.Bool

	events   chan event
	pending  atomic.Int64
	progress chan struct{}

	fault      atomic.Pointer[Fault]
	faultOnce  sync.Once
	reportOnce sync.Once
	faulted    chan struct{}

	c       counters
	history *FrameHistory

	// owned by Run
	timing      timing
	frameNumber uint32
	frameStart  time.Time

	statsMu   sync.Mutex
	lastStats TimingStats
}

// NewTask returns a stopped task processing into st and delivering frames
// to sink.
func NewTask(st *State, sink FrameSink, opts ...TaskOption) *Task {
	t := &Task{
		sink:     sink,
		clock:    timeutil.RealClock{},
		events:   make(chan event, 4),
		progress: make(chan struct{}, 1),
		faulted:  make(chan struct{}),
		history:  NewFrameHistory(64),
	}
	t.st.Store(st)
	t.stopped.Store(true)
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the data path state.
func (t *Task) State() *State { return t.st.Load() }

// TaskState returns the current position in the frame cycle.
func (t *Task) TaskState() TaskState { return TaskState(t.state.Load()) }

// Counters returns a snapshot of the event counters.
func (t *Task) Counters() Counters { return t.c.snapshot() }

// Timing returns the statistics of the last processed frame.
func (t *Task) Timing() TimingStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.lastStats
}

// History summarises recent inter-frame processing times.
func (t *Task) History() DurationSummary { return t.history.Summary() }

// Fault returns the fault that stopped processing, if any.
func (t *Task) Fault() *Fault { return t.fault.Load() }

// Stopped reports whether the sensor is stopped.
func (t *Task) Stopped() bool { return t.stopped.Load() }

// Start resumes processing at a frame boundary.
func (t *Task) Start() error {
	if !t.stopped.Load() {
		return nil
	}
	if t.pending.Load() != 0 {
		return ErrBusy
	}
	t.st.Load().resetFrame()
	t.frameActive.Store(false)
	t.state.Store(int32(Idle))
	t.stopped.Store(false)
	monitoring.Logf("[datapath] sensor started")
	return nil
}

// Stop makes the task ignore chirp and frame events until Start.
func (t *Task) Stop() {
	if !t.stopped.Swap(true) {
		monitoring.Logf("[datapath] sensor stopped")
	}
}

// Reconfigure replaces the data path state with one built from cfg. The
// sensor must be stopped and idle.
func (t *Task) Reconfigure(cfg Config) error {
	if !t.stopped.Load() {
		return ErrNotStopped
	}
	if t.pending.Load() != 0 {
		return ErrBusy
	}
	st, err := New(cfg)
	if err != nil {
		return err
	}
	old := t.st.Swap(st)
	old.Close()
	g := st.Geometry()
	monitoring.Logf("[datapath] reconfigured: %d range x %d doppler bins, %d virtual antennas, %s layout",
		g.NumRangeBins, g.NumDopplerBins, g.NumVirtualAntennas(), cfg.Layout)
	return nil
}

// ChirpAvailable hands one chirp of ADC samples to the task. Chirps
// arriving while the sensor is stopped or outside a frame are counted and
// ignored. A chirp arriving before the previous chirp or frame finished
// processing stops the task with a timing fault, which is also returned.
func (t *Task) ChirpAvailable(adc []fixedpoint.Cmplx16) error {
	if f := t.fault.Load(); f != nil {
		return f
	}
	if t.stopped.Load() || !t.frameActive.Load() {
		t.c.chirpIntSkips.Add(1)
		return nil
	}
	if !t.state.CompareAndSwap(int32(Idle), int32(ChirpInFlight)) {
		kind := FaultChirpTiming
		msg := "chirp arrived before the previous chirp was processed"
		if TaskState(t.state.Load()) == FrameInFlight {
			kind = FaultFrameTiming
			msg = "chirp arrived during inter-frame processing"
		}
		f := &Fault{Kind: kind, Msg: msg, Frame: uint32(t.c.frameStartInts.Load())}
		t.fail(f)
		return f
	}
	if err := t.st.Load().LoadChirp(adc); err != nil {
		t.state.Store(int32(Idle))
		return err
	}
	t.c.chirpInts.Add(1)
	t.post(event{kind: evChirp, at: t.clock.Now()})
	return nil
}

// FrameStart signals the start of a frame.
func (t *Task) FrameStart() error {
	if f := t.fault.Load(); f != nil {
		return f
	}
	if t.stopped.Load() {
		t.c.frameIntSkips.Add(1)
		return nil
	}
	if !t.frameActive.CompareAndSwap(false, true) {
		f := &Fault{
			Kind:  FaultFrameTiming,
			Msg:   "frame started before the previous frame was processed",
			Frame: uint32(t.c.frameStartInts.Load()),
		}
		t.fail(f)
		return f
	}
	n := t.c.frameStartInts.Add(1)
	t.post(event{kind: evFrameStart, at: t.clock.Now(), number: uint32(n)})
	return nil
}

func (t *Task) post(ev event) {
	t.pending.Add(1)
	t.events <- ev
}

func (t *Task) fail(f *Fault) {
	t.faultOnce.Do(func() {
		t.fault.Store(f)
		close(t.faulted)
	})
}

// Run processes events until ctx is done or a fault stops the task. A
// fault is reported to the FaultHandler and returned, even when ctx is
// cancelled after the fault was raised.
func (t *Task) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if t.fault.Load() != nil {
				return t.report()
			}
			return ctx.Err()
		case <-t.faulted:
			return t.report()
		case ev := <-t.events:
			if t.fault.Load() != nil {
				return t.report()
			}
			if f := t.handle(ev); f != nil {
				t.fail(f)
				return t.report()
			}
			t.pending.Add(-1)
			select {
			case t.progress <- struct{}{}:
			default:
			}
		}
	}
}

// report notifies the FaultHandler of the fault once, however many times
// Run returns it.
func (t *Task) report() error {
	f := t.fault.Load()
	t.reportOnce.Do(func() {
		monitoring.Logf("[datapath] %v", f)
		if t.faults != nil {
			t.faults.HandleFault(f)
		}
	})
	return f
}

// WaitIdle blocks until every posted event has been processed.
func (t *Task) WaitIdle(ctx context.Context) error {
	for {
		if f := t.fault.Load(); f != nil {
			return f
		}
		if t.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.faulted:
		case <-t.progress:
		}
	}
}

func (t *Task) handle(ev event) (f *Fault) {
	defer func() {
		if r := recover(); r != nil {
			f = asFault(r)
			if f.Frame == 0 {
				f.Frame = t.frameNumber
			}
		}
	}()
	switch ev.kind {
	case evChirp:
		t.c.chirpEvents.Add(1)
		t.onChirp(ev)
	case evFrameStart:
		t.c.frameStartEvents.Add(1)
		t.onFrameStart(ev)
	}
	return nil
}

func (t *Task) onFrameStart(ev event) {
	st := t.st.Load()
	if n := st.ChirpCount(); n != 0 {
		raise(FaultFrameTiming, "frame %d started with %d chirps of the previous frame processed", ev.number, n)
	}
	t.timing.frameStarted(ev.at)
	t.frameNumber = ev.number
	t.frameStart = ev.at
}

func (t *Task) onChirp(ev event) {
	st := t.st.Load()
	t.timing.chirpArrived(ev.at, st.ChirpCount())

	start := t.clock.Now()
	last := st.ProcessChirp()
	t.timing.chirpDone(start, t.clock.Now())
	if !last {
		t.state.Store(int32(Idle))
		return
	}

	t.state.Store(int32(FrameInFlight))
	st.WaitEndOfChirps()

	start = t.clock.Now()
	n := st.ProcessFrame()
	end := t.clock.Now()
	t.timing.frameProcessed(start, end)
	t.history.Add(end.Sub(start))
	t.c.rawTruncated.Store(st.rawTruncated)

	frame := t.frame(st, n)
	sendStart := t.clock.Now()
	if err := t.sink.ConsumeFrame(frame); err != nil {
		t.c.outputErrors.Add(1)
		monitoring.Logf("[datapath] frame %d output: %v", t.frameNumber, err)
	}
	t.timing.interFrameEnd = t.clock.Now()
	t.timing.cur.TransmitOutputTime = t.timing.interFrameEnd.Sub(sendStart)
	t.c.framesProcessed.Add(1)
	monitoring.Debugf("[datapath] frame %d: %d objects (%d raw) in %v",
		t.frameNumber, n, st.numRawObjects, end.Sub(start))

	t.frameActive.Store(false)
	t.state.Store(int32(Idle))
}

func (t *Task) frame(st *State, n int) *Frame {
	t.statsMu.Lock()
	t.lastStats = t.timing.cur
	t.statsMu.Unlock()

	g := st.geom
	return &Frame{
		Number:               t.frameNumber,
		Timestamp:            t.frameStart,
		Geometry:             g,
		Objects:              st.objects[:n],
		AzimuthIdx:           st.azimIdx[:n],
		NumRawObjects:        st.numRawObjects,
		DetMatrix:            st.detMatrix[:g.NumRangeBins*g.NumDopplerBins],
		AzimuthStaticHeatMap: st.heatMap[:g.NumRangeBins*g.NumVirtualAntennas()],
		Timing:               t.timing.cur,
		Counters:             t.c.snapshot(),
	}
}
