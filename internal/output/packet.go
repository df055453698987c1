package output

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// Platform identifies the device family in the packet header.
	Platform = 0xA1642
	// HeaderSize is the encoded header length including the magic word.
	HeaderSize = 36
	// SegmentAlign is the granularity of totalPacketLen.
	SegmentAlign = 32

	tlSize = 8
)

// Magic starts every packet.
var Magic = [4]uint16{0x0102, 0x0304, 0x0506, 0x0708}

var magicBytes = func() []byte {
	b := make([]byte, 8)
	for i, w := range Magic {
		binary.LittleEndian.PutUint16(b[2*i:], w)
	}
	return b
}()

// Header is the fixed packet header following the magic word.
type Header struct {
	Version        uint32
	TotalPacketLen uint32
	Platform       uint32
	FrameNumber    uint32
	TimeCPUCycles  uint32
	NumDetectedObj uint32
	NumTLVs        uint32
}

// Packet is one frame's output. Geometry is carried alongside for local
// consumers and is not part of the wire format.
type Packet struct {
	Header   Header
	Segments []Segment

	NumRangeBins       int
	NumDopplerBins     int
	NumVirtualAntennas int
	DopplerResolution  float64 // m/s per Doppler bin, zero when unknown
}

// Segment returns the first segment of type t.
func (p *Packet) Segment(t SegmentType) (Segment, bool) {
	for _, s := range p.Segments {
		if s.Type == t {
			return s, true
		}
	}
	return Segment{}, false
}

// PacketLen returns the unpadded encoded length of a packet with segs.
func PacketLen(segs []Segment) int {
	n := HeaderSize
	for _, s := range segs {
		n += tlSize + len(s.Data)
	}
	return n
}

func alignUp(n int) int {
	return (n + SegmentAlign - 1) / SegmentAlign * SegmentAlign
}

// EncodePacket writes the header, every segment as type-length-value and
// zero padding up to TotalPacketLen. TotalPacketLen and NumTLVs are
// computed from segs.
func EncodePacket(w io.Writer, h Header, segs []Segment) error {
	total := alignUp(PacketLen(segs))
	h.TotalPacketLen = uint32(total)
	h.NumTLVs = uint32(len(segs))

	buf := bytes.NewBuffer(make([]byte, 0, total))
	buf.Write(magicBytes)
	for _, v := range []uint32{h.Version, h.TotalPacketLen, h.Platform, h.FrameNumber, h.TimeCPUCycles, h.NumDetectedObj, h.NumTLVs} {
		_ = binary.Write(buf, binary.LittleEndian, v)
	}
	for _, s := range segs {
		if int(s.Length) != len(s.Data) {
			return fmt.Errorf("output: %s segment length %d does not match %d data bytes", s.Type, s.Length, len(s.Data))
		}
		_ = binary.Write(buf, binary.LittleEndian, uint32(s.Type))
		_ = binary.Write(buf, binary.LittleEndian, s.Length)
		buf.Write(s.Data)
	}
	buf.Write(make([]byte, total-buf.Len()))
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodePacket reads one packet. It expects the magic word at the current
// position.
func DecodePacket(r io.Reader) (*Packet, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	if !bytes.Equal(raw[:8], magicBytes) {
		return nil, fmt.Errorf("%w: bad magic % x", ErrMalformed, raw[:8])
	}
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(raw[8+4*i:]) }
	h := Header{
		Version:        word(0),
		TotalPacketLen: word(1),
		Platform:       word(2),
		FrameNumber:    word(3),
		TimeCPUCycles:  word(4),
		NumDetectedObj: word(5),
		NumTLVs:        word(6),
	}
	if h.TotalPacketLen < HeaderSize || h.TotalPacketLen%SegmentAlign != 0 {
		return nil, fmt.Errorf("%w: total length %d", ErrMalformed, h.TotalPacketLen)
	}
	body := make([]byte, h.TotalPacketLen-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated body: %v", ErrMalformed, err)
	}

	p := &Packet{Header: h, Segments: make([]Segment, 0, h.NumTLVs)}
	for i := uint32(0); i < h.NumTLVs; i++ {
		if len(body) < tlSize {
			return nil, fmt.Errorf("%w: segment %d header truncated", ErrMalformed, i)
		}
		t := SegmentType(binary.LittleEndian.Uint32(body[0:]))
		n := binary.LittleEndian.Uint32(body[4:])
		body = body[tlSize:]
		if uint32(len(body)) < n {
			return nil, fmt.Errorf("%w: %s segment needs %d bytes, have %d", ErrMalformed, t, n, len(body))
		}
		p.Segments = append(p.Segments, newSegment(t, body[:n:n]))
		body = body[n:]
	}
	return p, nil
}

// Reader decodes packets from a byte stream such as a UART, skipping any
// bytes before the next magic word.
type Reader struct {
	br *bufio.Reader
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next packet. After a malformed packet the following call
// resynchronises on the next magic word.
func (r *Reader) Next() (*Packet, error) {
	for {
		b, err := r.br.Peek(len(magicBytes))
		if err != nil {
			return nil, err
		}
		if bytes.Equal(b, magicBytes) {
			return DecodePacket(r.br)
		}
		if _, err := r.br.Discard(1); err != nil {
			return nil, err
		}
	}
}
