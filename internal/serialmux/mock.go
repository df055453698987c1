package serialmux

import (
	"bytes"
	"errors"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// FakePort is an in-memory UART. Reads drain what AddReadData queued and
// writes are kept for GetWrittenData.
type FakePort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bytes.Buffer
	written bytes.Buffer

	// BlockReads makes Read wait for data instead of returning io.EOF.
	BlockReads bool
	// ReadError and WriteError fail the next call once.
	ReadError  error
	WriteError error
	// Closed is set by Close.
	Closed bool
}

// NewFakePort returns an empty FakePort.
func NewFakePort() *FakePort {
	p := &FakePort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ReadError; err != nil {
		p.ReadError = nil
		return 0, err
	}
	for p.BlockReads && !p.Closed && p.pending.Len() == 0 {
		p.cond.Wait()
	}
	if p.Closed {
		return 0, errPortClosed
	}
	return p.pending.Read(b)
}

func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, errPortClosed
	}
	if err := p.WriteError; err != nil {
		p.WriteError = nil
		return 0, err
	}
	return p.written.Write(b)
}

func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.cond.Broadcast()
	return nil
}

// AddReadData queues bytes as if the host had sent them.
func (p *FakePort) AddReadData(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Write(b)
	p.cond.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (p *FakePort) GetWrittenData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

// OpenCall records one FakePortFactory.Open.
type OpenCall struct {
	Path string
	Opts PortOptions
}

// FakePortFactory hands out Port, or fails with Error.
type FakePortFactory struct {
	mu    sync.Mutex
	Port  SerialPorter
	Error error
	calls []OpenCall
}

// NewFakePortFactory returns a factory that opens port.
func NewFakePortFactory(port SerialPorter) *FakePortFactory {
	return &FakePortFactory{Port: port}
}

func (f *FakePortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open, or nil.
func (f *FakePortFactory) LastCall() *OpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	c := f.calls[len(f.calls)-1]
	return &c
}
