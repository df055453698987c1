// Package dma simulates the transfer engine that moves blocks between the
// memory tiers while the processing task computes.
//
// Channels are configured once per configuration epoch with a three
// dimensional transfer shape (ACount bytes, BCount rows, CCount planes,
// each with its own source and destination stride). Start and Retrigger
// queue a transfer on one of two transfer-controller queues; Wait blocks
// the caller through the engine's WaitStrategy until it completes.
//
// Each channel allows a single outstanding transfer. Starting a channel
// whose previous transfer has not been confirmed by Wait is a programming
// error and panics with *Error, as does any transfer that would touch
// memory outside its tier.
package dma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mmwave.dsp/internal/memory"
)

// ChannelID names a logical transfer channel.
type ChannelID uint8

const (
	Ch1DInPing ChannelID = iota
	Ch1DInPong
	Ch1DOutPing
	Ch1DOutPong
	Ch2DInPing
	Ch2DInPong
	ChDetMatrix
	ChDetMatrix2
	Ch3DInPing
	Ch3DInPong

	NumChannels
)

var channelNames = [NumChannels]string{
	"1d-in-ping", "1d-in-pong", "1d-out-ping", "1d-out-pong",
	"2d-in-ping", "2d-in-pong", "det-matrix", "det-matrix-2",
	"3d-in-ping", "3d-in-pong",
}

func (c ChannelID) String() string {
	if c < NumChannels {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// PingPong selects the ping (even id) or pong (odd id) variant of a
// double-buffered channel given its ping channel.
func PingPong(ping ChannelID, id int) ChannelID {
	return ping + ChannelID(id&1)
}

// NumQueues is the number of transfer-controller queues.
const NumQueues = 2

// ErrInvalidParams is returned by Configure for malformed parameters.
var ErrInvalidParams = errors.New("dma: invalid channel parameters")

// Error is the panic value for run-time misuse of the engine.
type Error struct {
	Channel ChannelID
	Op      string
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dma: %s %s: %s", e.Op, e.Channel, e.Msg)
}

// Addr is a byte address inside a tier.
type Addr struct {
	Tier   memory.Tier
	Offset int
}

// At returns the address of a placement plus off bytes.
func At(p memory.Placement, off int) *Addr {
	return &Addr{Tier: p.Tier, Offset: p.Offset + off}
}

// Params describes a channel's transfer.
type Params struct {
	// Src and Dst may be nil and bound later by Retrigger.
	Src, Dst *Addr

	ACount int // contiguous bytes per element
	BCount int
	CCount int

	SrcBStride, DstBStride int
	SrcCStride, DstCStride int

	Queue int
	// OnComplete runs on the queue goroutine after the copy and before the
	// waiter is released.
	OnComplete func(ChannelID)
}

func (p *Params) normalize() error {
	if p.ACount <= 0 {
		return fmt.Errorf("%w: ACount %d", ErrInvalidParams, p.ACount)
	}
	if p.BCount == 0 {
		p.BCount = 1
	}
	if p.CCount == 0 {
		p.CCount = 1
	}
	if p.BCount < 0 || p.CCount < 0 {
		return fmt.Errorf("%w: negative counts B=%d C=%d", ErrInvalidParams, p.BCount, p.CCount)
	}
	if p.Queue < 0 || p.Queue >= NumQueues {
		return fmt.Errorf("%w: queue %d", ErrInvalidParams, p.Queue)
	}
	return nil
}

// Completion is the per-channel completion state a WaitStrategy observes.
type Completion struct {
	done atomic.Bool
	sem  chan struct{}
}

// Done reports whether the current transfer has finished.
func (c *Completion) Done() bool { return c.done.Load() }

// Signal returns a channel that receives once when the transfer finishes.
func (c *Completion) Signal() <-chan struct{} { return c.sem }

func (c *Completion) complete() {
	c.done.Store(true)
	select {
	case c.sem <- struct{}{}:
	default:
	}
}

func (c *Completion) reset() {
	c.done.Store(false)
	select {
	case <-c.sem:
	default:
	}
}

type channel struct {
	params     Params
	configured bool
	inFlight   bool // started and not yet confirmed by Wait; owned by the caller goroutine
	completion Completion
	transfers  atomic.Uint64
}

type request struct {
	id       ChannelID
	src, dst Addr
	params   Params
}

// Engine is the simulated DMA controller. Configure, Start, Retrigger and
// Wait must be called from a single goroutine, the processing task.
type Engine struct {
	mem    *memory.Memory
	wait   WaitStrategy
	chans  [NumChannels]channel
	queues [NumQueues]chan request
	wg     sync.WaitGroup
	once   sync.Once
}

// NewEngine starts an engine over mem. A nil strategy selects BlockingWait.
func NewEngine(mem *memory.Memory, wait WaitStrategy) *Engine {
	if wait == nil {
		wait = BlockingWait{}
	}
	e := &Engine{mem: mem, wait: wait}
	for i := range e.chans {
		e.chans[i].completion.sem = make(chan struct{}, 1)
	}
	for q := range e.queues {
		e.queues[q] = make(chan request, NumChannels)
		e.wg.Add(1)
		go e.run(e.queues[q])
	}
	return e
}

// Strategy returns the engine's wait strategy.
func (e *Engine) Strategy() WaitStrategy { return e.wait }

// Close stops the queue goroutines after draining queued transfers.
func (e *Engine) Close() {
	e.once.Do(func() {
		for _, q := range e.queues {
			close(q)
		}
	})
	e.wg.Wait()
}

func (e *Engine) run(q <-chan request) {
	defer e.wg.Done()
	for r := range q {
		e.copy(r)
		ch := &e.chans[r.id]
		ch.transfers.Add(1)
		if r.params.OnComplete != nil {
			r.params.OnComplete(r.id)
		}
		ch.completion.complete()
	}
}

func (e *Engine) copy(r request) {
	src := e.mem.Arena(r.src.Tier)
	dst := e.mem.Arena(r.dst.Tier)
	p := r.params
	for c := 0; c < p.CCount; c++ {
		for b := 0; b < p.BCount; b++ {
			so := r.src.Offset + b*p.SrcBStride + c*p.SrcCStride
			do := r.dst.Offset + b*p.DstBStride + c*p.DstCStride
			copy(dst[do:do+p.ACount], src[so:so+p.ACount])
		}
	}
}

// Configure sets up a channel. The channel must not have a transfer in
// flight.
func (e *Engine) Configure(id ChannelID, p Params) error {
	if id >= NumChannels {
		return fmt.Errorf("%w: unknown channel %d", ErrInvalidParams, id)
	}
	if err := p.normalize(); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	ch := &e.chans[id]
	if ch.inFlight {
		return fmt.Errorf("%w: %s reconfigured with a transfer in flight", ErrInvalidParams, id)
	}
	if p.Src != nil {
		src := *p.Src
		p.Src = &src
	}
	if p.Dst != nil {
		dst := *p.Dst
		p.Dst = &dst
	}
	ch.params = p
	ch.configured = true
	return nil
}

// Start queues a transfer with the channel's bound addresses. It does not
// block.
func (e *Engine) Start(id ChannelID) {
	e.start(id, "start")
}

// Retrigger rebinds the source and/or destination (nil keeps the current
// binding) and starts a transfer.
func (e *Engine) Retrigger(id ChannelID, src, dst *Addr) {
	ch := e.channel(id, "retrigger")
	if src != nil {
		s := *src
		ch.params.Src = &s
	}
	if dst != nil {
		d := *dst
		ch.params.Dst = &d
	}
	e.start(id, "retrigger")
}

func (e *Engine) channel(id ChannelID, op string) *channel {
	if id >= NumChannels {
		panic(&Error{Channel: id, Op: op, Msg: "unknown channel"})
	}
	ch := &e.chans[id]
	if !ch.configured {
		panic(&Error{Channel: id, Op: op, Msg: "channel not configured"})
	}
	return ch
}

func (e *Engine) start(id ChannelID, op string) {
	ch := e.channel(id, op)
	if ch.inFlight {
		panic(&Error{Channel: id, Op: op, Msg: "previous transfer not confirmed"})
	}
	p := ch.params
	if p.Src == nil || p.Dst == nil {
		panic(&Error{Channel: id, Op: op, Msg: "address not bound"})
	}
	if err := e.checkBounds(*p.Src, p.SrcBStride, p.SrcCStride, p); err != nil {
		panic(&Error{Channel: id, Op: op, Msg: "source " + err.Error()})
	}
	if err := e.checkBounds(*p.Dst, p.DstBStride, p.DstCStride, p); err != nil {
		panic(&Error{Channel: id, Op: op, Msg: "destination " + err.Error()})
	}
	ch.inFlight = true
	ch.completion.reset()
	e.queues[p.Queue] <- request{id: id, src: *p.Src, dst: *p.Dst, params: p}
}

func (e *Engine) checkBounds(a Addr, bStride, cStride int, p Params) error {
	if a.Tier >= memory.NumTiers {
		return fmt.Errorf("tier %d out of range", a.Tier)
	}
	lo, hi := a.Offset, a.Offset+p.ACount
	for _, off := range []int{(p.BCount - 1) * bStride, (p.CCount - 1) * cStride} {
		if off < 0 {
			lo += off
		} else {
			hi += off
		}
	}
	if lo < 0 || hi > e.mem.Capacity(a.Tier) {
		return fmt.Errorf("[%d, %d) outside %s (%d bytes)", lo, hi, a.Tier, e.mem.Capacity(a.Tier))
	}
	return nil
}

// Wait blocks until the channel's outstanding transfer has completed and
// confirms it. Waiting on a channel with nothing in flight panics.
func (e *Engine) Wait(id ChannelID) {
	ch := e.channel(id, "wait")
	if !ch.inFlight {
		panic(&Error{Channel: id, Op: "wait", Msg: "no transfer in flight"})
	}
	e.wait.WaitComplete(&ch.completion)
	ch.inFlight = false
}

// InFlight reports whether id has an unconfirmed transfer.
func (e *Engine) InFlight(id ChannelID) bool {
	return e.chans[id].inFlight
}

// Transfers returns how many transfers completed on id.
func (e *Engine) Transfers(id ChannelID) uint64 {
	return e.chans[id].transfers.Load()
}
