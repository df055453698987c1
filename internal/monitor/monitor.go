// Package monitor keeps the most recent output packet and renders it on
// debug routes: an echarts range-Doppler heat map, a detections scatter
// and a gonum/plot range profile.
package monitor

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/mmwave.dsp/internal/httputil"
	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

// echartsAssetsPrefix is where rendered pages load the echarts scripts from.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Monitor is an output.Publisher that retains the latest packet.
type Monitor struct {
	clock timeutil.Clock

	mu       sync.RWMutex
	latest   *output.Packet
	received time.Time
	count    uint64
}

// New returns an empty monitor.
func New(clock timeutil.Clock) *Monitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Monitor{clock: clock}
}

// Publish implements output.Publisher. Packets own their data, so the
// buffer is released immediately.
func (m *Monitor) Publish(p *output.Packet, release func()) error {
	m.mu.Lock()
	m.latest = p
	m.received = m.clock.Now()
	m.count++
	m.mu.Unlock()
	release()
	return nil
}

// Latest returns the most recent packet, or nil before the first frame.
func (m *Monitor) Latest() *output.Packet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Summary describes the latest packet.
type Summary struct {
	Packets        uint64    `json:"packets"`
	ReceivedAt     time.Time `json:"received_at"`
	FrameNumber    uint32    `json:"frame_number"`
	NumDetectedObj uint32    `json:"num_detected_obj"`
	TotalPacketLen uint32    `json:"total_packet_len"`
	Segments       []string  `json:"segments"`
	NumRangeBins   int       `json:"num_range_bins"`
	NumDopplerBins int       `json:"num_doppler_bins"`

	Stats *output.StatsInfo `json:"stats,omitempty"`
}

// Summary returns a description of the latest packet and false when no
// packet has been seen.
func (m *Monitor) Summary() (Summary, bool) {
	m.mu.RLock()
	p, at, n := m.latest, m.received, m.count
	m.mu.RUnlock()
	if p == nil {
		return Summary{Packets: n}, false
	}
	s := Summary{
		Packets:        n,
		ReceivedAt:     at,
		FrameNumber:    p.Header.FrameNumber,
		NumDetectedObj: p.Header.NumDetectedObj,
		TotalPacketLen: p.Header.TotalPacketLen,
		NumRangeBins:   p.NumRangeBins,
		NumDopplerBins: p.NumDopplerBins,
	}
	for _, seg := range p.Segments {
		s.Segments = append(s.Segments, seg.Type.String())
	}
	if seg, ok := p.Segment(output.Stats); ok {
		if st, err := output.DecodeStats(seg.Data); err == nil {
			s.Stats = &st
		}
	}
	return s, true
}

// AttachAdminRoutes registers the monitor pages under /debug/mmwave/.
func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("mmwave/latest", "Latest output packet summary", m.handleLatest)
	debug.HandleFunc("mmwave/heatmap", "Range-Doppler heat map", m.handleHeatmap)
	debug.HandleFunc("mmwave/detections", "Detected objects (X/Y)", m.handleDetections)
	debug.HandleFunc("mmwave/range-profile.png", "Range and noise profile", m.handleRangeProfile)
}

func (m *Monitor) handleLatest(w http.ResponseWriter, r *http.Request) {
	s, ok := m.Summary()
	if !ok {
		httputil.NotFound(w, "no frame received yet")
		return
	}
	httputil.WriteJSONOK(w, s)
}

// segment returns the latest packet's segment of type t or writes the
// reason it is unavailable.
func (m *Monitor) segment(w http.ResponseWriter, t output.SegmentType) (*output.Packet, output.Segment, bool) {
	p := m.Latest()
	if p == nil {
		httputil.NotFound(w, "no frame received yet")
		return nil, output.Segment{}, false
	}
	seg, ok := p.Segment(t)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("frame %d has no %s segment; enable it with guiMonitor", p.Header.FrameNumber, t))
		return nil, output.Segment{}, false
	}
	return p, seg, true
}
