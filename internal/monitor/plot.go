package monitor

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/mmwave.dsp/internal/httputil"
	"github.com/banshee-data/mmwave.dsp/internal/output"
)

// profiles carry log2 magnitudes in Q8.
var q8ToDB = 20 * math.Log10(2) / 256

func profileXYs(v []uint16) plotter.XYs {
	pts := make(plotter.XYs, len(v))
	for i, s := range v {
		pts[i] = plotter.XY{X: float64(i), Y: float64(s) * q8ToDB}
	}
	return pts
}

// RenderRangeProfile writes the range profile of p, and its noise profile
// when present, as a PNG.
func RenderRangeProfile(w io.Writer, p *output.Packet) error {
	seg, ok := p.Segment(output.RangeProfile)
	if !ok {
		return fmt.Errorf("frame %d has no %s segment", p.Header.FrameNumber, output.RangeProfile)
	}
	rangeProfile, err := output.DecodeUint16s(seg.Data)
	if err != nil {
		return err
	}

	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Frame %d - Range Profile", p.Header.FrameNumber)
	pl.X.Label.Text = "Range bin"
	pl.Y.Label.Text = "Relative power (dB)"
	pl.Add(plotter.NewGrid())

	line, err := plotter.NewLine(profileXYs(rangeProfile))
	if err != nil {
		return fmt.Errorf("failed to create range line: %w", err)
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1)
	pl.Add(line)
	pl.Legend.Add("range", line)

	if seg, ok := p.Segment(output.NoiseProfile); ok {
		noise, err := output.DecodeUint16s(seg.Data)
		if err != nil {
			return err
		}
		noiseLine, err := plotter.NewLine(profileXYs(noise))
		if err != nil {
			return fmt.Errorf("failed to create noise line: %w", err)
		}
		noiseLine.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		noiseLine.Width = vg.Points(1)
		pl.Add(noiseLine)
		pl.Legend.Add("noise", noiseLine)
	}

	wt, err := pl.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

func (m *Monitor) handleRangeProfile(w http.ResponseWriter, r *http.Request) {
	p, _, ok := m.segment(w, output.RangeProfile)
	if !ok {
		return
	}
	httputil.WriteRendered(w, httputil.ContentPNG, func(out io.Writer) error {
		return RenderRangeProfile(out, p)
	})
}
