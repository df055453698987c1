package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

const (
	// DCA1000DataPort is the capture board's raw data UDP port.
	DCA1000DataPort = 4098
	// dca1000HeaderSize covers the sequence number and 48-bit byte count.
	dca1000HeaderSize = 10
)

// SampleOrder is the arrangement of 16-bit words in the raw ADC stream.
type SampleOrder int

const (
	// OrderTwoLane is the two-lane LVDS order of the xWR16xx:
	// I0 I1 Q0 Q1 for every pair of samples.
	OrderTwoLane SampleOrder = iota
	// OrderIQ is plain I Q pairs.
	OrderIQ
)

// ParseSampleOrder accepts "two-lane" and "iq".
func ParseSampleOrder(s string) (SampleOrder, error) {
	switch s {
	case "", "two-lane":
		return OrderTwoLane, nil
	case "iq":
		return OrderIQ, nil
	}
	return 0, fmt.Errorf("source: unknown sample order %q", s)
}

func (o SampleOrder) String() string {
	if o == OrderIQ {
		return "iq"
	}
	return "two-lane"
}

// PCAPConfig describes a DCA1000 capture replay.
type PCAPConfig struct {
	// Path is opened when Reader is nil.
	Path   string
	Reader io.Reader
	// Port selects the UDP destination port; zero means DCA1000DataPort.
	Port  int
	Order SampleOrder
	// Realtime replays frames with the spacing of their capture
	// timestamps; otherwise frames are delivered as fast as the sink
	// processes them.
	Realtime bool
	Clock    timeutil.Clock
}

// PCAPStats counts what a replay saw.
type PCAPStats struct {
	Packets    uint64 // UDP datagrams on the data port
	Ignored    uint64 // other traffic
	Malformed  uint64 // datagrams shorter than the header
	Duplicates uint64 // datagrams behind the stream position
	LostBytes  uint64 // gaps in the byte count
	Frames     uint64 // frames delivered
	Incomplete uint64 // frames dropped because bytes were missing
}

// PCAPSource replays the raw ADC stream of a DCA1000 capture. Frames are
// reassembled from the byte count carried in every datagram; a frame with
// missing bytes is dropped.
type PCAPSource struct {
	cfg  PCAPConfig
	geom datapath.Geometry

	packets, ignored, malformed, duplicates atomic.Uint64
	lostBytes, frames, incomplete           atomic.Uint64
}

// NewPCAPSource returns a replay for captures of profile p.
func NewPCAPSource(p datapath.Profile, cfg PCAPConfig) (*PCAPSource, error) {
	g, err := p.Geometry()
	if err != nil {
		return nil, err
	}
	if cfg.Reader == nil && cfg.Path == "" {
		return nil, errors.New("source: pcap replay needs a path or reader")
	}
	if cfg.Port == 0 {
		cfg.Port = DCA1000DataPort
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &PCAPSource{cfg: cfg, geom: g}, nil
}

// Stats returns the replay counters.
func (s *PCAPSource) Stats() PCAPStats {
	return PCAPStats{
		Packets:    s.packets.Load(),
		Ignored:    s.ignored.Load(),
		Malformed:  s.malformed.Load(),
		Duplicates: s.duplicates.Load(),
		LostBytes:  s.lostBytes.Load(),
		Frames:     s.frames.Load(),
		Incomplete: s.incomplete.Load(),
	}
}

func (s *PCAPSource) chirpBytes() int { return s.geom.NumRxAntennas * s.geom.NumAdcSamples * 4 }

func (s *PCAPSource) frameBytes() uint64 {
	return uint64(s.chirpBytes() * s.geom.NumChirpsPerFrame)
}

// Run implements Source. It returns nil at the end of the capture, or
// ErrShortCapture when no frame was complete.
func (s *PCAPSource) Run(ctx context.Context, sink Sink) error {
	in := s.cfg.Reader
	if in == nil {
		f, err := os.Open(s.cfg.Path)
		if err != nil {
			return fmt.Errorf("failed to open PCAP file %s: %w", s.cfg.Path, err)
		}
		defer f.Close()
		in = f
	}
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header: %w", err)
	}
	monitoring.Logf("[pcap] replaying udp port %d, %s order, %d bytes per frame", s.cfg.Port, s.cfg.Order, s.frameBytes())

	var (
		frameBytes = s.frameBytes()
		buf        = make([]byte, frameBytes)
		curFrame   = int64(-1)
		have       uint64
		delivered  bool
		next       uint64
		started    bool
		frameTS    time.Time
		firstTS    time.Time
		wallStart  time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read PCAP packet: %w", err)
		}
		payload, ok := s.udpPayload(data, r.LinkType())
		if !ok {
			s.ignored.Add(1)
			continue
		}
		s.packets.Add(1)
		if len(payload) < dca1000HeaderSize {
			s.malformed.Add(1)
			continue
		}
		count := uint64(binary.LittleEndian.Uint32(payload[4:])) | uint64(binary.LittleEndian.Uint16(payload[8:]))<<32
		raw := payload[dca1000HeaderSize:]
		switch {
		case !started:
			started = true
		case count < next:
			s.duplicates.Add(1)
			continue
		case count > next:
			s.lostBytes.Add(count - next)
		}
		next = count + uint64(len(raw))

		for len(raw) > 0 {
			f, off := int64(count/frameBytes), count%frameBytes
			if f != curFrame {
				if curFrame >= 0 && !delivered {
					s.incomplete.Add(1)
				}
				curFrame, have, delivered = f, 0, false
				frameTS = ci.Timestamp
			}
			n := min(uint64(len(raw)), frameBytes-off)
			copy(buf[off:], raw[:n])
			have += n
			raw, count = raw[n:], count+n
			if off+n < frameBytes {
				continue
			}
			if have < frameBytes {
				// the frame's tail arrived but bytes before it were lost
				continue
			}
			if s.cfg.Realtime {
				if firstTS.IsZero() {
					firstTS, wallStart = frameTS, s.cfg.Clock.Now()
				}
				if err := sleepUntil(ctx, s.cfg.Clock, wallStart.Add(frameTS.Sub(firstTS))); err != nil {
					return err
				}
			}
			if err := deliverFrame(ctx, sink, s.decodeFrame(buf)); err != nil {
				return err
			}
			s.frames.Add(1)
			delivered = true
		}
	}
	if curFrame >= 0 && !delivered {
		s.incomplete.Add(1)
	}

	st := s.Stats()
	monitoring.Logf("[pcap] replay complete: %d packets, %d frames, %d incomplete, %d bytes lost",
		st.Packets, st.Frames, st.Incomplete, st.LostBytes)
	if st.Frames == 0 {
		return ErrShortCapture
	}
	return nil
}

func (s *PCAPSource) udpPayload(data []byte, link layers.LinkType) ([]byte, bool) {
	pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || int(udp.DstPort) != s.cfg.Port {
		return nil, false
	}
	return udp.Payload, true
}

// decodeFrame splits a frame of raw bytes into chirps.
func (s *PCAPSource) decodeFrame(buf []byte) [][]fixedpoint.Cmplx16 {
	cb := s.chirpBytes()
	chirps := make([][]fixedpoint.Cmplx16, s.geom.NumChirpsPerFrame)
	for c := range chirps {
		chirps[c] = DecodeSamples(buf[c*cb:(c+1)*cb], s.cfg.Order)
	}
	return chirps
}

// DecodeSamples converts raw ADC bytes in the given order to complex
// samples. A trailing partial sample is ignored.
func DecodeSamples(b []byte, order SampleOrder) []fixedpoint.Cmplx16 {
	w := func(i int) int16 { return int16(binary.LittleEndian.Uint16(b[2*i:])) }
	out := make([]fixedpoint.Cmplx16, len(b)/4)
	switch order {
	case OrderIQ:
		for i := range out {
			out[i] = fixedpoint.Cmplx16{Re: w(2 * i), Im: w(2*i + 1)}
		}
	default:
		for i := 0; i+1 < len(out); i += 2 {
			out[i] = fixedpoint.Cmplx16{Re: w(2 * i), Im: w(2*i + 2)}
			out[i+1] = fixedpoint.Cmplx16{Re: w(2*i + 1), Im: w(2*i + 3)}
		}
	}
	return out
}

// EncodeSamples is the inverse of DecodeSamples.
func EncodeSamples(samples []fixedpoint.Cmplx16, order SampleOrder) []byte {
	b := make([]byte, 4*len(samples))
	put := func(i int, v int16) { binary.LittleEndian.PutUint16(b[2*i:], uint16(v)) }
	switch order {
	case OrderIQ:
		for i, v := range samples {
			put(2*i, v.Re)
			put(2*i+1, v.Im)
		}
	default:
		for i := 0; i+1 < len(samples); i += 2 {
			put(2*i, samples[i].Re)
			put(2*i+1, samples[i+1].Re)
			put(2*i+2, samples[i].Im)
			put(2*i+3, samples[i+1].Im)
		}
	}
	return b
}

func sleepUntil(ctx context.Context, clock timeutil.Clock, at time.Time) error {
	d := at.Sub(clock.Now())
	if d <= 0 {
		return ctx.Err()
	}
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
