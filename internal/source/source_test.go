package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/fixedpoint"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

func testProfile() datapath.Profile {
	return datapath.Profile{
		RxChannelEn:       0x3,
		TxChannelEn:       0x5,
		NumAdcSamples:     64,
		ChirpStartIdx:     0,
		ChirpEndIdx:       1,
		NumLoops:          16,
		SampleRateKsps:    2000,
		FreqSlopeMHzPerUs: 30,
		FramePeriodMs:     50,
	}
}

// smallProfile gives 2048-byte frames: 2 rx x 16 samples x 16 chirps.
func smallProfile() datapath.Profile {
	return datapath.Profile{
		RxChannelEn:       0x3,
		TxChannelEn:       0x1,
		NumAdcSamples:     16,
		ChirpStartIdx:     0,
		ChirpEndIdx:       0,
		NumLoops:          16,
		SampleRateKsps:    2000,
		FreqSlopeMHzPerUs: 30,
		FramePeriodMs:     50,
	}
}

type recordingSink struct {
	mu     sync.Mutex
	frames int
	chirps [][]fixedpoint.Cmplx16
}

func (r *recordingSink) FrameStart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames++
	return nil
}

func (r *recordingSink) ChirpAvailable(adc []fixedpoint.Cmplx16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chirps = append(r.chirps, append([]fixedpoint.Cmplx16(nil), adc...))
	return nil
}

func (r *recordingSink) WaitIdle(ctx context.Context) error { return ctx.Err() }

func TestNewSimulatorValidatesTargets(t *testing.T) {
	_, err := NewSimulator(testProfile(), SimulatorConfig{Targets: []Target{{RangeM: 100}}})
	assert.ErrorContains(t, err, "outside")
	_, err = NewSimulator(testProfile(), SimulatorConfig{Targets: []Target{{RangeM: 1, AzimuthDeg: 95}}})
	assert.ErrorContains(t, err, "field of view")
	_, err = NewSimulator(datapath.Profile{}, SimulatorConfig{})
	assert.ErrorIs(t, err, datapath.ErrInvalidProfile)
}

func TestSimulatorChirpIsATone(t *testing.T) {
	sim, err := NewSimulator(testProfile(), SimulatorConfig{
		Targets: []Target{{RangeM: 0, Amplitude: 1000}},
	})
	require.NoError(t, err)
	g := sim.Geometry()

	// A target at zero range and boresight is a constant on every antenna.
	adc := sim.Chirp(0)
	require.Len(t, adc, g.NumRxAntennas*g.NumAdcSamples)
	for i, s := range adc {
		require.Equal(t, fixedpoint.Cmplx16{Re: 1000}, s, "sample %d", i)
	}

	sim, err = NewSimulator(testProfile(), SimulatorConfig{
		Targets: []Target{{RangeM: 16 * g.RangeResolution, Amplitude: 1000}},
	})
	require.NoError(t, err)
	// 16 bins of a 64-point FFT turn the phase a quarter per sample.
	adc = sim.Chirp(0)
	assert.Equal(t, fixedpoint.Cmplx16{Re: 1000}, adc[0])
	assert.Equal(t, fixedpoint.Cmplx16{Re: 0, Im: 1000}, adc[1])
	assert.Equal(t, fixedpoint.Cmplx16{Re: -1000, Im: 0}, adc[2])
}

func TestSimulatorDrivesTask(t *testing.T) {
	st, err := datapath.New(datapath.DefaultConfig(testProfile()))
	require.NoError(t, err)
	g := st.Geometry()

	var (
		mu      sync.Mutex
		numbers []uint32
		found   bool
	)
	sink := datapath.FrameSinkFunc(func(f *datapath.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		numbers = append(numbers, f.Number)
		for i, o := range f.Objects {
			if o.RangeIdx == 10 && o.DopplerIdx == 3 && f.AzimuthIdx[i] == 8 {
				found = true
			}
		}
		return nil
	})
	task := datapath.NewTask(st, sink)
	require.NoError(t, task.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	sim, err := NewSimulator(testProfile(), SimulatorConfig{
		Targets: []Target{{
			RangeM:     10 * g.RangeResolution,
			DopplerBin: 3,
			AzimuthDeg: math.Asin(0.25) * 180 / math.Pi,
			Amplitude:  1500,
		}},
		NoiseStd:    8,
		Frames:      3,
		FramePeriod: -1,
		Seed:        7,
	})
	require.NoError(t, err)
	require.NoError(t, sim.Run(ctx, task))

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{1, 2, 3}, numbers)
	assert.True(t, found, "target not reported")
	assert.Nil(t, task.Fault())
	assert.Equal(t, uint64(3*g.NumChirpsPerFrame), task.Counters().ChirpIntCounter)
}

func TestSimulatorPacesFrames(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sim, err := NewSimulator(smallProfile(), SimulatorConfig{Frames: 2, Clock: clock})
	require.NoError(t, err)

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- sim.Run(context.Background(), sink) }()

	// the first frame goes out at once, the second after the 50 ms period
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.frames == 1 && len(sink.chirps) == 16
	}, 5*time.Second, time.Millisecond)
	advanceUntilDone(t, clock, done)
	assert.Equal(t, 2, sink.frames)
}

// advanceUntilDone steps clock until the run returns. The timer may not
// exist yet when the first step is taken.
func advanceUntilDone(t *testing.T, clock *timeutil.MockClock, done <-chan error) {
	t.Helper()
	var err error
	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, err)
}

func TestSampleOrders(t *testing.T) {
	samples := []fixedpoint.Cmplx16{{Re: 1, Im: -1}, {Re: 2, Im: -2}, {Re: 3, Im: -3}, {Re: 4, Im: -4}}
	for _, order := range []SampleOrder{OrderTwoLane, OrderIQ} {
		assert.Equal(t, samples, DecodeSamples(EncodeSamples(samples, order), order), order.String())
	}

	words := func(b []byte) []int16 {
		out := make([]int16, len(b)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
		}
		return out
	}
	assert.Equal(t, []int16{1, 2, -1, -2, 3, 4, -3, -4}, words(EncodeSamples(samples, OrderTwoLane)))
	assert.Equal(t, []int16{1, -1, 2, -2, 3, -3, 4, -4}, words(EncodeSamples(samples, OrderIQ)))

	o, err := ParseSampleOrder("iq")
	require.NoError(t, err)
	assert.Equal(t, OrderIQ, o)
	_, err = ParseSampleOrder("bogus")
	assert.Error(t, err)
}

// capture builds an Ethernet pcap of DCA1000 datagrams.
type capture struct {
	t   *testing.T
	buf bytes.Buffer
	w   *pcapgo.Writer
	ts  time.Time
	seq uint32
}

func newCapture(t *testing.T) *capture {
	c := &capture{t: t, ts: time.Unix(1700000000, 0)}
	c.w = pcapgo.NewWriter(&c.buf)
	require.NoError(t, c.w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	return c
}

func (c *capture) udp(port int, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x12, 0x34, 0x56, 0x78, 0x90, 0x12},
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP{192, 168, 33, 180},
		DstIP:    net.IP{192, 168, 33, 30},
	}
	udp := &layers.UDP{SrcPort: 4098, DstPort: layers.UDPPort(port)}
	require.NoError(c.t, udp.SetNetworkLayerForChecksum(ip))

	sb := gopacket.NewSerializeBuffer()
	require.NoError(c.t, gopacket.SerializeLayers(sb, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, udp, gopacket.Payload(payload)))
	data := sb.Bytes()
	c.ts = c.ts.Add(time.Millisecond)
	require.NoError(c.t, c.w.WritePacket(gopacket.CaptureInfo{Timestamp: c.ts, CaptureLength: len(data), Length: len(data)}, data))
}

// datagram writes one DCA1000 datagram carrying raw at stream offset count.
func (c *capture) datagram(count uint64, raw []byte) {
	c.seq++
	p := make([]byte, dca1000HeaderSize+len(raw))
	binary.LittleEndian.PutUint32(p[0:], c.seq)
	binary.LittleEndian.PutUint32(p[4:], uint32(count))
	binary.LittleEndian.PutUint16(p[8:], uint16(count>>32))
	copy(p[dca1000HeaderSize:], raw)
	c.udp(DCA1000DataPort, p)
}

// stream writes raw starting at offset in datagrams of size bytes,
// skipping the datagrams whose index is in drop.
func (c *capture) stream(offset uint64, raw []byte, size int, drop map[int]bool) {
	for i := 0; len(raw) > 0; i++ {
		n := min(size, len(raw))
		if !drop[i] {
			c.datagram(offset, raw[:n])
		}
		offset += uint64(n)
		raw = raw[n:]
	}
}

func simulatedFrames(t *testing.T, n int) ([]byte, [][]fixedpoint.Cmplx16) {
	sim, err := NewSimulator(smallProfile(), SimulatorConfig{
		Targets:  []Target{{RangeM: 3, DopplerBin: 2, Amplitude: 900}},
		NoiseStd: 4,
	})
	require.NoError(t, err)
	var raw []byte
	var chirps [][]fixedpoint.Cmplx16
	for f := 0; f < n; f++ {
		for _, c := range sim.Frame() {
			raw = append(raw, EncodeSamples(c, OrderTwoLane)...)
			chirps = append(chirps, c)
		}
	}
	return raw, chirps
}

func TestPCAPSourceReplaysFrames(t *testing.T) {
	raw, chirps := simulatedFrames(t, 2)
	c := newCapture(t)
	c.udp(5000, []byte("not radar data"))
	c.stream(0, raw, 700, nil)

	src, err := NewPCAPSource(smallProfile(), PCAPConfig{Reader: &c.buf})
	require.NoError(t, err)
	sink := &recordingSink{}
	require.NoError(t, src.Run(context.Background(), sink))

	assert.Equal(t, 2, sink.frames)
	assert.Equal(t, chirps, sink.chirps)
	st := src.Stats()
	assert.Equal(t, uint64(1), st.Ignored)
	assert.Equal(t, uint64(6), st.Packets) // 4096 bytes in 700-byte datagrams
	assert.Equal(t, uint64(2), st.Frames)
	assert.Zero(t, st.Incomplete)
	assert.Zero(t, st.LostBytes)
}

func TestPCAPSourceDropsDamagedFrames(t *testing.T) {
	raw, chirps := simulatedFrames(t, 3)
	c := newCapture(t)
	// starts mid-way through frame 0, loses bytes 2100..2800 of frame 1,
	// repeats one datagram and ends with a stale one
	c.stream(1000, raw[1000:2100], 700, nil)
	c.stream(2800, raw[2800:], 700, nil)
	c.datagram(2800+700, raw[3500:4200])
	c.datagram(1, []byte{1, 2, 3})

	src, err := NewPCAPSource(smallProfile(), PCAPConfig{Reader: &c.buf})
	require.NoError(t, err)
	sink := &recordingSink{}
	require.NoError(t, src.Run(context.Background(), sink))

	assert.Equal(t, 1, sink.frames)
	assert.Equal(t, chirps[32:], sink.chirps)
	st := src.Stats()
	assert.Equal(t, uint64(1), st.Frames)
	assert.Equal(t, uint64(2), st.Incomplete)
	assert.Equal(t, uint64(700), st.LostBytes)
	assert.Equal(t, uint64(2), st.Duplicates)
}

func TestPCAPSourceMalformedAndShort(t *testing.T) {
	c := newCapture(t)
	c.udp(DCA1000DataPort, []byte{1, 2, 3})
	src, err := NewPCAPSource(smallProfile(), PCAPConfig{Reader: &c.buf})
	require.NoError(t, err)
	assert.ErrorIs(t, src.Run(context.Background(), &recordingSink{}), ErrShortCapture)
	assert.Equal(t, uint64(1), src.Stats().Malformed)

	_, err = NewPCAPSource(smallProfile(), PCAPConfig{})
	assert.Error(t, err)

	src, err = NewPCAPSource(smallProfile(), PCAPConfig{Path: "/nonexistent/capture.pcap"})
	require.NoError(t, err)
	assert.ErrorContains(t, src.Run(context.Background(), &recordingSink{}), "failed to open PCAP file")
}

func TestPCAPSourceRealtime(t *testing.T) {
	raw, _ := simulatedFrames(t, 2)
	c := newCapture(t)
	c.stream(0, raw[:2048], 2048, nil)
	c.ts = c.ts.Add(49 * time.Millisecond)
	c.stream(2048, raw[2048:], 2048, nil)

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src, err := NewPCAPSource(smallProfile(), PCAPConfig{Reader: &c.buf, Realtime: true, Clock: clock})
	require.NoError(t, err)
	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- src.Run(context.Background(), sink) }()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.frames == 1
	}, 5*time.Second, time.Millisecond)
	advanceUntilDone(t, clock, done)
	assert.Equal(t, 2, sink.frames)
}
