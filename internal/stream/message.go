package stream

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/units"
)

// Request options, read from the StreamFrames request struct.
const (
	// OptRangeProfile adds the range profile to every frame.
	OptRangeProfile = "include_range_profile"
	// OptMinPeak drops objects whose peak value is below it.
	OptMinPeak = "min_peak"
	// OptUnits selects the velocity units: mps (default), mph, kmph or kph.
	OptUnits = "units"
)

// request holds the parsed StreamFrames options.
type request struct {
	rangeProfile bool
	minPeak      uint16
	units        string
}

func parseRequest(req *structpb.Struct) (request, error) {
	r := request{units: units.MPS}
	for k, v := range req.GetFields() {
		switch k {
		case OptRangeProfile:
			b, ok := v.GetKind().(*structpb.Value_BoolValue)
			if !ok {
				return r, fmt.Errorf("%s must be a bool", k)
			}
			r.rangeProfile = b.BoolValue
		case OptMinPeak:
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok || n.NumberValue < 0 || n.NumberValue > 0xFFFF {
				return r, fmt.Errorf("%s must be a number in 0..65535", k)
			}
			r.minPeak = uint16(n.NumberValue)
		case OptUnits:
			u, err := units.Parse(v.GetStringValue())
			if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok || err != nil {
				return r, fmt.Errorf("%s must be one of %v", k, units.ValidUnits)
			}
			r.units = u
		default:
			return r, fmt.Errorf("unknown option %q", k)
		}
	}
	return r, nil
}

// FrameMessage converts a packet to the streamed frame message. Object
// coordinates are in meters and velocities, present when the chirp timing
// is known, in meters per second.
func FrameMessage(p *output.Packet) (*structpb.Struct, error) {
	m := map[string]interface{}{
		"frame_number":     p.Header.FrameNumber,
		"time_cpu_cycles":  p.Header.TimeCPUCycles,
		"num_detected_obj": p.Header.NumDetectedObj,
		"num_range_bins":   p.NumRangeBins,
		"num_doppler_bins": p.NumDopplerBins,
	}

	objects := []interface{}{}
	if seg, ok := p.Segment(output.DetectedPoints); ok {
		objs, q, err := output.DecodeObjects(seg.Data)
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			x, y, z := output.Meters(o, q)
			obj := map[string]interface{}{
				"range_idx":   uint32(o.RangeIdx),
				"doppler_idx": uint32(o.DopplerIdx),
				"peak_val":    uint32(o.PeakVal),
				"x":           x,
				"y":           y,
				"z":           z,
			}
			if p.DopplerResolution > 0 {
				bin := datapath.SignedDopplerBin(o.DopplerIdx, p.NumDopplerBins)
				obj["velocity"] = units.DopplerVelocity(bin, p.DopplerResolution)
			}
			objects = append(objects, obj)
		}
	}
	m["objects"] = objects

	if seg, ok := p.Segment(output.Stats); ok {
		s, err := output.DecodeStats(seg.Data)
		if err != nil {
			return nil, err
		}
		m["stats"] = map[string]interface{}{
			"inter_chirp_processing_margin_us": s.InterChirpProcessingMargin,
			"inter_frame_processing_margin_us": s.InterFrameProcessingMargin,
			"inter_frame_processing_time_us":   s.InterFrameProcessingTime,
			"transmit_output_time_us":          s.TransmitOutputTime,
			"active_frame_cpu_load":            s.ActiveFrameCPULoad,
			"inter_frame_cpu_load":             s.InterFrameCPULoad,
			"raw_objects_truncated":            s.RawObjectsTruncated,
			"logging_skips":                    s.LoggingSkips,
			"logging_errors":                   s.LoggingErrors,
		}
	}

	if seg, ok := p.Segment(output.RangeProfile); ok {
		vs, err := output.DecodeUint16s(seg.Data)
		if err != nil {
			return nil, err
		}
		profile := make([]interface{}, len(vs))
		for i, v := range vs {
			profile[i] = uint32(v)
		}
		m["range_profile"] = profile
	}
	return structpb.NewStruct(m)
}

// filter returns the view of msg a client asked for. msg is shared between
// clients and is not modified.
func (r request) filter(msg *structpb.Struct) *structpb.Struct {
	convert := r.units != "" && r.units != units.MPS
	if r.rangeProfile && r.minPeak == 0 && !convert {
		return msg
	}
	fields := make(map[string]*structpb.Value, len(msg.Fields))
	for k, v := range msg.Fields {
		fields[k] = v
	}
	if !r.rangeProfile {
		delete(fields, "range_profile")
	}
	if r.minPeak == 0 && !convert {
		return &structpb.Struct{Fields: fields}
	}

	kept := []*structpb.Value{}
	for _, o := range fields["objects"].GetListValue().GetValues() {
		of := o.GetStructValue().GetFields()
		if of["peak_val"].GetNumberValue() < float64(r.minPeak) {
			continue
		}
		if v, ok := of["velocity"]; ok && convert {
			conv := make(map[string]*structpb.Value, len(of))
			for k, f := range of {
				conv[k] = f
			}
			conv["velocity"] = structpb.NewNumberValue(units.ConvertSpeed(v.GetNumberValue(), r.units))
			o = structpb.NewStructValue(&structpb.Struct{Fields: conv})
		}
		kept = append(kept, o)
	}
	fields["objects"] = structpb.NewListValue(&structpb.ListValue{Values: kept})
	if convert {
		fields["velocity_units"] = structpb.NewStringValue(r.units)
	}
	return &structpb.Struct{Fields: fields}
}
