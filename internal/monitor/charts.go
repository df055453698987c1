package monitor

import (
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/httputil"
	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/units"
)

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// heatmapData converts a range-major detection matrix into heat map
// cells. Doppler bins are shifted so zero velocity sits in the middle.
func heatmapData(m []uint16, nr, nd int) ([]opts.HeatMapData, float64) {
	data := make([]opts.HeatMapData, 0, nr*nd)
	maxVal := 0.0
	for r := 0; r < nr; r++ {
		for d := 0; d < nd; d++ {
			v := float64(m[r*nd+d])
			if v > maxVal {
				maxVal = v
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{(d + nd/2) % nd, r, v}})
		}
	}
	return data, maxVal
}

func dopplerLabels(nd int) []int {
	labels := make([]int, nd)
	for i := range labels {
		labels[i] = i - nd/2
	}
	return labels
}

func (m *Monitor) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	p, seg, ok := m.segment(w, output.RangeDopplerHeatMap)
	if !ok {
		return
	}
	matrix, err := output.DecodeUint16s(seg.Data)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	nr, nd := p.NumRangeBins, p.NumDopplerBins
	if nd == 0 || len(matrix) != nr*nd {
		httputil.InternalServerError(w, fmt.Sprintf("heat map has %d cells for %dx%d bins", len(matrix), nr, nd))
		return
	}

	data, maxVal := heatmapData(matrix, nr, nd)
	if maxVal == 0 {
		maxVal = 1
	}
	rangeBins := make([]int, nr)
	for i := range rangeBins {
		rangeBins[i] = i
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Range-Doppler", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Range-Doppler Heat Map", Subtitle: fmt.Sprintf("frame=%d range bins=%d doppler bins=%d", p.Header.FrameNumber, nr, nd)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: dopplerLabels(nd), Name: "Doppler bin", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: rangeBins, Name: "Range bin", NameLocation: "middle", NameGap: 40}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxVal),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.AddSeries("log2 magnitude", data)
	httputil.WriteRendered(w, httputil.ContentHTML, func(out io.Writer) error { return hm.Render(out) })
}

// detectionPoint is one scatter point: x, y, peak, range bin, Doppler bin
// and, when the chirp timing is known, radial velocity.
func detectionPoint(o datapath.DetectedObject, q uint8, p *output.Packet, unit string) []interface{} {
	x, y, _ := output.Meters(o, q)
	v := []interface{}{x, y, o.PeakVal, o.RangeIdx, o.DopplerIdx}
	if p.DopplerResolution > 0 {
		mps := units.DopplerVelocity(datapath.SignedDopplerBin(o.DopplerIdx, p.NumDopplerBins), p.DopplerResolution)
		v = append(v, math.Round(units.ConvertSpeed(mps, unit)*100)/100)
	}
	return v
}

func (m *Monitor) handleDetections(w http.ResponseWriter, r *http.Request) {
	unit, err := units.Parse(r.URL.Query().Get("units"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	p, seg, ok := m.segment(w, output.DetectedPoints)
	if !ok {
		return
	}
	objs, q, err := output.DecodeObjects(seg.Data)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}

	data := make([]opts.ScatterData, 0, len(objs))
	maxAbs, maxPeak := 0.0, 0.0
	for _, o := range objs {
		x, y, _ := output.Meters(o, q)
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), y))
		maxPeak = math.Max(maxPeak, float64(o.PeakVal))
		data = append(data, opts.ScatterData{Value: detectionPoint(o, q, p, unit)})
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1
	}
	if maxPeak == 0 {
		maxPeak = 1
	}

	subtitle := fmt.Sprintf("frame=%d objects=%d", p.Header.FrameNumber, len(objs))
	if p.DopplerResolution > 0 {
		subtitle += " velocity=" + unit
	}
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Detections", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Detected Objects", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxPeak),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("objects", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	httputil.WriteRendered(w, httputil.ContentHTML, func(out io.Writer) error { return scatter.Render(out) })
}
