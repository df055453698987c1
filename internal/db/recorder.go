package db

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
	"github.com/banshee-data/mmwave.dsp/internal/version"
)

// StartSession records the start of a sensor run with its configuration
// and returns the new session ID.
func (db *DB) StartSession(clock timeutil.Clock, cfg any) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode session config: %w", err)
	}
	id := uuid.NewString()
	_, err = db.Exec(`INSERT INTO sessions (session_id, started_unix, version, config_json) VALUES (?, ?, ?, ?)`,
		id, unixSeconds(clock), version.Version, string(raw))
	if err != nil {
		return "", err
	}
	return id, nil
}

// EndSession marks a session finished.
func (db *DB) EndSession(clock timeutil.Clock, id string) error {
	res, err := db.Exec(`UPDATE sessions SET ended_unix = ? WHERE session_id = ?`, unixSeconds(clock), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown session %q", id)
	}
	return nil
}

func unixSeconds(clock timeutil.Clock) float64 {
	return float64(clock.Now().UnixNano()) / 1e9
}

// Recorder is an output.Publisher that stores every packet it receives in
// one session. Packets are written on the recorder's own goroutine; a
// packet arriving while the previous one is still being written is
// refused with output.ErrPublisherBusy.
type Recorder struct {
	db      *DB
	session string
	clock   timeutil.Clock

	jobs chan recordJob
	done chan struct{}

	recorded atomic.Uint64
	failed   atomic.Uint64
}

type recordJob struct {
	p       *output.Packet
	release func()
}

// NewRecorder starts a recorder for session. Close stops it.
func NewRecorder(db *DB, session string, clock timeutil.Clock) *Recorder {
	r := &Recorder{
		db:      db,
		session: session,
		clock:   clock,
		jobs:    make(chan recordJob, 1),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Session returns the session the recorder writes to.
func (r *Recorder) Session() string { return r.session }

// Publish implements output.Publisher.
func (r *Recorder) Publish(p *output.Packet, release func()) error {
	select {
	case r.jobs <- recordJob{p: p, release: release}:
		return nil
	default:
		return output.ErrPublisherBusy
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.jobs {
		if _, err := r.RecordPacket(j.p); err != nil {
			r.failed.Add(1)
			monitoring.Logf("[db] frame %d: %v", j.p.Header.FrameNumber, err)
		} else {
			r.recorded.Add(1)
		}
		j.release()
	}
}

// Counts returns the number of frames recorded and failed.
func (r *Recorder) Counts() (recorded, failed uint64) {
	return r.recorded.Load(), r.failed.Load()
}

// Close waits for the pending packet and stops the recorder.
func (r *Recorder) Close() error {
	close(r.jobs)
	<-r.done
	return nil
}

// RecordPacket stores p and its detections in one transaction and returns
// the frame ID.
func (r *Recorder) RecordPacket(p *output.Packet) (int64, error) {
	var (
		stats   *output.StatsInfo
		profile []byte
		objs    []datapath.DetectedObject
		qFormat uint8
	)
	if seg, ok := p.Segment(output.Stats); ok {
		s, err := output.DecodeStats(seg.Data)
		if err != nil {
			return 0, err
		}
		stats = &s
	}
	if seg, ok := p.Segment(output.RangeProfile); ok {
		profile = seg.Data
	}
	if seg, ok := p.Segment(output.DetectedPoints); ok {
		var err error
		if objs, qFormat, err = output.DecodeObjects(seg.Data); err != nil {
			return 0, err
		}
	}

	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	args := []any{
		r.session, p.Header.FrameNumber, p.Header.TimeCPUCycles, p.Header.NumDetectedObj,
		p.NumRangeBins, p.NumDopplerBins,
	}
	if stats != nil {
		args = append(args,
			stats.InterChirpProcessingMargin, stats.InterFrameProcessingMargin,
			stats.InterFrameProcessingTime, stats.TransmitOutputTime,
			stats.ActiveFrameCPULoad, stats.InterFrameCPULoad,
			stats.RawObjectsTruncated, stats.LoggingSkips, stats.LoggingErrors)
	} else {
		for range 9 {
			args = append(args, nil)
		}
	}
	args = append(args, profile, unixSeconds(r.clock))

	res, err := tx.Exec(`INSERT INTO frames (
			session_id, frame_number, time_cpu_cycles, num_objects, num_range_bins, num_doppler_bins,
			inter_chirp_margin_us, inter_frame_margin_us, inter_frame_time_us, transmit_output_us,
			active_frame_load, inter_frame_load, raw_objects_truncated, logging_skips, logging_errors,
			range_profile, recorded_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return 0, err
	}
	frameID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO detections (
			frame_id, object_idx, range_idx, doppler_idx, peak_val, x_m, y_m, z_m
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, o := range objs {
		x, y, z := output.Meters(o, qFormat)
		if _, err := stmt.Exec(frameID, i, o.RangeIdx, o.DopplerIdx, o.PeakVal, x, y, z); err != nil {
			return 0, err
		}
	}
	return frameID, tx.Commit()
}

// FrameRecord is a stored frame.
type FrameRecord struct {
	ID           int64
	SessionID    string
	FrameNumber  uint32
	NumObjects   int
	Stats        *output.StatsInfo
	RangeProfile []uint16
	RecordedUnix float64
}

// Frames returns up to limit frames of session, newest first.
func (db *DB) Frames(session string, limit int) ([]FrameRecord, error) {
	rows, err := db.Query(`SELECT frame_id, session_id, frame_number, num_objects,
			inter_chirp_margin_us, inter_frame_margin_us, inter_frame_time_us, transmit_output_us,
			active_frame_load, inter_frame_load, raw_objects_truncated, logging_skips, logging_errors,
			range_profile, recorded_unix
		FROM frames WHERE session_id = ? ORDER BY frame_number DESC LIMIT ?`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []FrameRecord
	for rows.Next() {
		var (
			f       FrameRecord
			stats   [9]sql.NullInt64
			profile []byte
		)
		dest := []any{&f.ID, &f.SessionID, &f.FrameNumber, &f.NumObjects}
		for i := range stats {
			dest = append(dest, &stats[i])
		}
		dest = append(dest, &profile, &f.RecordedUnix)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if stats[0].Valid {
			f.Stats = &output.StatsInfo{
				InterChirpProcessingMargin: uint32(stats[0].Int64),
				InterFrameProcessingMargin: uint32(stats[1].Int64),
				InterFrameProcessingTime:   uint32(stats[2].Int64),
				TransmitOutputTime:         uint32(stats[3].Int64),
				ActiveFrameCPULoad:         uint32(stats[4].Int64),
				InterFrameCPULoad:          uint32(stats[5].Int64),
				RawObjectsTruncated:        uint32(stats[6].Int64),
				LoggingSkips:               uint32(stats[7].Int64),
				LoggingErrors:              uint32(stats[8].Int64),
			}
		}
		if len(profile) > 0 {
			f.RangeProfile = make([]uint16, len(profile)/2)
			for i := range f.RangeProfile {
				f.RangeProfile[i] = binary.LittleEndian.Uint16(profile[2*i:])
			}
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// Detection is a stored detected object in meters.
type Detection struct {
	RangeIdx   uint16
	DopplerIdx uint16
	PeakVal    uint16
	X, Y, Z    float64
}

// Detections returns the objects of a frame in output order.
func (db *DB) Detections(frameID int64) ([]Detection, error) {
	rows, err := db.Query(`SELECT range_idx, doppler_idx, peak_val, x_m, y_m, z_m
		FROM detections WHERE frame_id = ? ORDER BY object_idx`, frameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.RangeIdx, &d.DopplerIdx, &d.PeakVal, &d.X, &d.Y, &d.Z); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Range returns the object's distance from the sensor.
func (d Detection) Range() float64 { return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z) }
