package output

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
)

var (
	// ErrPublisherBusy is returned by a publisher that still holds the
	// previous packet.
	ErrPublisherBusy = errors.New("output: publisher busy")
	// ErrPartialPublish wraps the error of a fan-out where some publishers
	// took the packet. Those publishers still release it.
	ErrPartialPublish = errors.New("output: packet published to some transports only")
)

// Publisher takes ownership of an assembled packet. When Publish returns
// nil, or an error wrapping ErrPartialPublish, the publisher calls release
// once it is done with the packet; for any other error the caller releases.
type Publisher interface {
	Publish(p *Packet, release func()) error
}

// PublisherFunc is a synchronous Publisher: the packet is released as soon
// as the function returns.
type PublisherFunc func(p *Packet) error

func (fn PublisherFunc) Publish(p *Packet, release func()) error {
	if err := fn(p); err != nil {
		return err
	}
	release()
	return nil
}

// GateStats are the logging gate's counters.
type GateStats struct {
	Published     uint64
	LoggingSkips  uint64
	LoggingErrors uint64
}

// LoggingGate is the frame sink between the processing task and the
// transports. It holds a single logging buffer: a frame that completes
// while the previous packet is still being published is dropped and
// counted, never queued.
type LoggingGate struct {
	asm *Assembler
	pub Publisher

	available atomic.Bool
	published atomic.Uint64
	skips     atomic.Uint64
	errs      atomic.Uint64
}

// NewLoggingGate returns an open gate assembling with asm into pub.
func NewLoggingGate(asm *Assembler, pub Publisher) *LoggingGate {
	g := &LoggingGate{asm: asm, pub: pub}
	g.available.Store(true)
	return g
}

// ConsumeFrame implements datapath.FrameSink.
func (g *LoggingGate) ConsumeFrame(f *datapath.Frame) error {
	if !g.available.CompareAndSwap(true, false) {
		g.skips.Add(1)
		monitoring.Debugf("[output] frame %d dropped: logging buffer busy", f.Number)
		return nil
	}
	p, err := g.asm.Assemble(f, Diagnostics{LoggingSkips: g.skips.Load(), LoggingErrors: g.errs.Load()})
	if err != nil {
		g.errs.Add(1)
		g.Release()
		return err
	}
	if err := g.pub.Publish(p, g.Release); err != nil {
		g.errs.Add(1)
		if !errors.Is(err, ErrPartialPublish) {
			g.Release()
		}
		return err
	}
	g.published.Add(1)
	return nil
}

// Release marks the logging buffer available again.
func (g *LoggingGate) Release() { g.available.Store(true) }

// Available reports whether the next frame will be published.
func (g *LoggingGate) Available() bool { return g.available.Load() }

// Stats returns the gate counters.
func (g *LoggingGate) Stats() GateStats {
	return GateStats{
		Published:     g.published.Load(),
		LoggingSkips:  g.skips.Load(),
		LoggingErrors: g.errs.Load(),
	}
}

// Multi publishes every packet to each of pubs and releases it once all of
// them have. The first error is returned after every publisher was tried.
// If no publisher took the packet it is left to the caller; otherwise the
// error wraps ErrPartialPublish and release still comes from Multi.
func Multi(pubs ...Publisher) Publisher {
	return multi(pubs)
}

type multi []Publisher

func (m multi) Publish(p *Packet, release func()) error {
	var pending atomic.Int32
	pending.Store(int32(len(m)) + 1)
	done := func() {
		if pending.Add(-1) == 0 {
			release()
		}
	}
	var first error
	accepted := 0
	for _, pub := range m {
		var once sync.Once
		rel := func() { once.Do(done) }
		if err := pub.Publish(p, rel); err != nil {
			rel()
			if first == nil {
				first = err
			}
			continue
		}
		accepted++
	}
	if first != nil && accepted == 0 {
		return first
	}
	done()
	if first != nil {
		return fmt.Errorf("%w: %w", ErrPartialPublish, first)
	}
	return nil
}

// PacketWriter encodes packets to an io.Writer, such as the data UART, on
// its own goroutine, so the processing task never waits for the transport.
type PacketWriter struct {
	w    io.Writer
	jobs chan writeJob
	done chan struct{}

	written atomic.Uint64
	errs    atomic.Uint64
}

type writeJob struct {
	p       *Packet
	release func()
}

// NewPacketWriter starts a writer on w. Close stops it.
func NewPacketWriter(w io.Writer) *PacketWriter {
	pw := &PacketWriter{
		w:    w,
		jobs: make(chan writeJob, 1),
		done: make(chan struct{}),
	}
	go pw.run()
	return pw
}

// Publish queues p. Only one packet may be outstanding.
func (pw *PacketWriter) Publish(p *Packet, release func()) error {
	select {
	case pw.jobs <- writeJob{p: p, release: release}:
		return nil
	default:
		return ErrPublisherBusy
	}
}

func (pw *PacketWriter) run() {
	defer close(pw.done)
	for j := range pw.jobs {
		if err := EncodePacket(pw.w, j.p.Header, j.p.Segments); err != nil {
			pw.errs.Add(1)
			monitoring.Logf("[output] frame %d write: %v", j.p.Header.FrameNumber, err)
		} else {
			pw.written.Add(1)
		}
		j.release()
	}
}

// Written returns the number of packets written and failed writes.
func (pw *PacketWriter) Written() (ok, failed uint64) {
	return pw.written.Load(), pw.errs.Load()
}

// Close waits for the queued packet and stops the writer.
func (pw *PacketWriter) Close() error {
	close(pw.jobs)
	<-pw.done
	return nil
}
