package datapath

import (
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TimingStats are the processing margins and loads of the most recent
// frame. Loads are percentages.
type TimingStats struct {
	// InterChirpProcessingMargin is the smallest gap between the end of a
	// chirp's processing and the next chirp's arrival.
	InterChirpProcessingMargin    time.Duration
	InterChirpProcessingMarginMax time.Duration
	// InterFrameProcessingMargin is the gap between the end of the previous
	// frame's processing and the first chirp of this frame.
	InterFrameProcessingMargin time.Duration
	InterFrameProcessingTime   time.Duration
	// TransmitOutputTime is how long the previous frame's output handoff
	// took.
	TransmitOutputTime time.Duration
	ActiveFrameCPULoad uint32
	InterFrameCPULoad  uint32
}

// Counters are the task's event and resource counters.
type Counters struct {
	ChirpIntCounter      uint64 // chirp interrupts accepted
	FrameStartIntCounter uint64 // frame starts accepted, also the frame number
	ChirpIntSkips        uint64 // chirps ignored while stopped or between frames
	FrameIntSkips        uint64 // frame starts ignored while stopped
	ChirpEvents          uint64
	FrameStartEvents     uint64
	FramesProcessed      uint64
	RawObjectsTruncated  uint64
	OutputErrors         uint64
}

type counters struct {
	chirpInts, frameStartInts, chirpIntSkips, frameIntSkips atomic.Uint64
	chirpEvents, frameStartEvents, framesProcessed         atomic.Uint64
	rawTruncated, outputErrors                             atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		ChirpIntCounter:      c.chirpInts.Load(),
		FrameStartIntCounter: c.frameStartInts.Load(),
		ChirpIntSkips:        c.chirpIntSkips.Load(),
		FrameIntSkips:        c.frameIntSkips.Load(),
		ChirpEvents:          c.chirpEvents.Load(),
		FrameStartEvents:     c.frameStartEvents.Load(),
		FramesProcessed:      c.framesProcessed.Load(),
		RawObjectsTruncated:  c.rawTruncated.Load(),
		OutputErrors:         c.outputErrors.Load(),
	}
}

// timing tracks the margins of the frame in progress. It is owned by the
// processing task.
type timing struct {
	chirpEnd      time.Time
	interFrameEnd time.Time
	firstChirp    time.Time
	chirpBusy     time.Duration

	cur TimingStats
}

// chirpArrived updates the margins for a chirp that arrived at at with
// chirpIdx chirps of the frame already processed.
func (t *timing) chirpArrived(at time.Time, chirpIdx int) {
	switch chirpIdx {
	case 0:
		if !t.interFrameEnd.IsZero() {
			t.cur.InterFrameProcessingMargin = at.Sub(t.interFrameEnd)
		}
		t.firstChirp = at
		t.chirpBusy = 0
	case 1:
		m := at.Sub(t.chirpEnd)
		t.cur.InterChirpProcessingMargin = m
		t.cur.InterChirpProcessingMarginMax = m
	default:
		m := at.Sub(t.chirpEnd)
		t.cur.InterChirpProcessingMargin = min(t.cur.InterChirpProcessingMargin, m)
		t.cur.InterChirpProcessingMarginMax = max(t.cur.InterChirpProcessingMarginMax, m)
	}
}

func (t *timing) chirpDone(start, end time.Time) {
	t.chirpBusy += end.Sub(start)
	t.chirpEnd = end
}

// frameProcessed closes the active period and records the inter-frame
// processing time.
func (t *timing) frameProcessed(start, end time.Time) {
	t.cur.InterFrameProcessingTime = end.Sub(start)
	t.cur.ActiveFrameCPULoad = percent(t.chirpBusy, t.chirpEnd.Sub(t.firstChirp))
}

// frameStarted computes the load of the idle period that just ended.
func (t *timing) frameStarted(at time.Time) {
	if t.chirpEnd.IsZero() {
		return
	}
	t.cur.InterFrameCPULoad = percent(t.cur.InterFrameProcessingTime, at.Sub(t.chirpEnd))
}

func percent(busy, total time.Duration) uint32 {
	if total <= 0 {
		return 0
	}
	p := 100 * busy / total
	if p > 100 {
		p = 100
	}
	return uint32(p)
}

// DurationSummary summarises a window of durations.
type DurationSummary struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	Max    time.Duration
}

// FrameHistory is a fixed-size ring of recent inter-frame processing times.
// It is safe for concurrent use.
type FrameHistory struct {
	mu   sync.Mutex
	buf  []float64
	next int
	full bool
}

// NewFrameHistory keeps the last n samples.
func NewFrameHistory(n int) *FrameHistory {
	if n < 1 {
		n = 1
	}
	return &FrameHistory{buf: make([]float64, n)}
}

// Add records one duration.
func (h *FrameHistory) Add(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = float64(d)
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

// Summary returns the mean, standard deviation and maximum of the window.
func (h *FrameHistory) Summary() DurationSummary {
	h.mu.Lock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	xs := append([]float64(nil), h.buf[:n]...)
	h.mu.Unlock()

	if n == 0 {
		return DurationSummary{}
	}
	var sum DurationSummary
	sum.Count = n
	if n == 1 {
		sum.Mean = time.Duration(xs[0])
		sum.Max = sum.Mean
		return sum
	}
	mean, std := stat.MeanStdDev(xs, nil)
	sum.Mean = time.Duration(mean)
	sum.StdDev = time.Duration(std)
	for _, x := range xs {
		if d := time.Duration(x); d > sum.Max {
			sum.Max = d
		}
	}
	return sum
}
