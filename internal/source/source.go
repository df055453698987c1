// Package source produces chirps for the data path: a synthetic FMCW
// scene and a replay of DCA1000 raw ADC captures.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

// Sink receives the front end's interrupts. *datapath.Task implements it.
type Sink interface {
	FrameStart() error
	ChirpAvailable(adc []fixedpoint.Cmplx16) error
	// WaitIdle blocks until the sink has processed every posted event.
	WaitIdle(ctx context.Context) error
}

// Source drives a Sink until it runs out of frames or ctx is done.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// ErrShortCapture is returned when a capture ends before a single frame
// could be assembled.
var ErrShortCapture = errors.New("source: capture holds no complete frame")

// deliverFrame plays one frame of chirps into sink. Each chirp is handed
// over only once the previous one has been processed, as the front end
// paces chirps slower than the chirp processing time.
func deliverFrame(ctx context.Context, sink Sink, chirps [][]fixedpoint.Cmplx16) error {
	if err := sink.WaitIdle(ctx); err != nil {
		return err
	}
	if err := sink.FrameStart(); err != nil {
		return err
	}
	for _, adc := range chirps {
		if err := sink.WaitIdle(ctx); err != nil {
			return err
		}
		if err := sink.ChirpAvailable(adc); err != nil {
			return err
		}
	}
	return sink.WaitIdle(ctx)
}

// pacer spaces frames by period on clock. A zero period runs flat out.
type pacer struct {
	clock  timeutil.Clock
	period time.Duration
	next   time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	if p.period <= 0 {
		return ctx.Err()
	}
	now := p.clock.Now()
	if p.next.IsZero() {
		p.next = now
	}
	if d := p.next.Sub(now); d > 0 {
		t := p.clock.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
		}
	}
	p.next = p.next.Add(p.period)
	return nil
}
