package db

import (
	"encoding/csv"
	"io"
	"strconv"
)

var detectionCSVHeader = []string{
	"frame_number", "recorded_unix", "object_idx", "range_idx", "doppler_idx",
	"peak_val", "x_m", "y_m", "z_m", "range_m",
}

// ExportDetectionsCSV writes every detection of session to w, oldest frame
// first, and returns the number of rows written.
func (db *DB) ExportDetectionsCSV(w io.Writer, session string) (int, error) {
	rows, err := db.Query(`SELECT f.frame_number, f.recorded_unix, d.object_idx,
			d.range_idx, d.doppler_idx, d.peak_val, d.x_m, d.y_m, d.z_m
		FROM detections d JOIN frames f ON f.frame_id = d.frame_id
		WHERE f.session_id = ? ORDER BY f.frame_number, d.object_idx`, session)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(detectionCSVHeader); err != nil {
		return 0, err
	}
	n := 0
	for rows.Next() {
		var (
			frame    uint32
			recorded float64
			idx      int
			d        Detection
		)
		if err := rows.Scan(&frame, &recorded, &idx, &d.RangeIdx, &d.DopplerIdx, &d.PeakVal, &d.X, &d.Y, &d.Z); err != nil {
			return n, err
		}
		record := []string{
			strconv.FormatUint(uint64(frame), 10),
			strconv.FormatFloat(recorded, 'f', 6, 64),
			strconv.Itoa(idx),
			strconv.Itoa(int(d.RangeIdx)),
			strconv.Itoa(int(d.DopplerIdx)),
			strconv.Itoa(int(d.PeakVal)),
			formatMeters(d.X),
			formatMeters(d.Y),
			formatMeters(d.Z),
			formatMeters(d.Range()),
		}
		if err := cw.Write(record); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	cw.Flush()
	return n, cw.Error()
}

func formatMeters(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
