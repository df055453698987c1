package db

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/testutil"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenDBAppliesPragmas(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "pragmas.db"))
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout, fk int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestDSN(t *testing.T) {
	assert.True(t, strings.HasPrefix(dsn("a.db"), "a.db?_pragma=journal_mode(WAL)&"))
	assert.True(t, strings.HasPrefix(dsn("file:a.db?mode=rwc"), "file:a.db?mode=rwc&_pragma="))
}

func TestMigrations(t *testing.T) {
	migrations, err := MigrationsFS()
	require.NoError(t, err)

	latest, err := LatestMigrationVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(3), latest)

	db, err := OpenDB(filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	v, dirty, err := db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateUp(migrations))
	v, _, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	// a second run is a no-op
	require.NoError(t, db.MigrateUp(migrations))

	require.NoError(t, db.MigrateDown(migrations))
	v, _, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='detections'`).Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, db.MigrateTo(migrations, 1))
	v, _, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	require.NoError(t, db.MigrateForce(migrations, 3))
	v, dirty, err = db.MigrateVersion(migrations)
	require.NoError(t, err)
	assert.Equal(t, uint(3), v)
	assert.False(t, dirty)
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	var out bytes.Buffer

	require.NoError(t, RunMigrateCommand([]string{"status"}, path, nil, &out))
	assert.Contains(t, out.String(), "Current version: 0")
	assert.Contains(t, out.String(), "3 migration(s) pending")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"up"}, path, nil, &out))
	assert.Contains(t, out.String(), "Current version: 3 (dirty: false)")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"version", "2"}, path, nil, &out))
	assert.Contains(t, out.String(), "Migrated to version 2")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"force", "1"}, path, strings.NewReader("n\n"), &out))
	assert.Contains(t, out.String(), "Aborted")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"down"}, path, nil, &out))
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"force", "3"}, path, strings.NewReader("y\n"), &out))
	assert.Contains(t, out.String(), "forced to 3")
}

func TestRunMigrateCommandUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	var out bytes.Buffer

	assert.ErrorIs(t, RunMigrateCommand(nil, path, nil, &out), ErrMigrateUsage)
	assert.Contains(t, out.String(), "Usage: radar migrate")

	for _, args := range [][]string{{"version"}, {"version", "x"}, {"force"}, {"bogus"}} {
		assert.ErrorIs(t, RunMigrateCommand(args, path, nil, &out), ErrMigrateUsage, "%v", args)
	}

	out.Reset()
	require.NoError(t, RunMigrateCommand([]string{"help"}, path, nil, &out))
	assert.Contains(t, out.String(), "Actions:")
}

func TestSessions(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))

	id, err := db.StartSession(clock, map[string]int{"numAdcSamples": 256})
	require.NoError(t, err)
	assert.Len(t, id, 36)

	clock.Advance(5 * time.Second)
	require.NoError(t, db.EndSession(clock, id))
	assert.Error(t, db.EndSession(clock, "missing"))

	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, id, s.ID)
	assert.Equal(t, 1700000000.0, s.StartedUnix)
	require.NotNil(t, s.EndedUnix)
	assert.Equal(t, 1700000005.0, *s.EndedUnix)
	assert.JSONEq(t, `{"numAdcSamples":256}`, s.ConfigJSON)
}

func objectsSegment(qFormat uint16, objs ...[6]int16) output.Segment {
	b := make([]byte, 4+12*len(objs))
	binary.LittleEndian.PutUint16(b[0:], uint16(len(objs)))
	binary.LittleEndian.PutUint16(b[2:], qFormat)
	for i, o := range objs {
		for j, v := range o {
			binary.LittleEndian.PutUint16(b[4+12*i+2*j:], uint16(v))
		}
	}
	return output.Segment{Type: output.DetectedPoints, Length: uint32(len(b)), Data: b}
}

func statsSegment(words ...uint32) output.Segment {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	return output.Segment{Type: output.Stats, Length: uint32(len(b)), Data: b}
}

func testPacket(frame uint32) *output.Packet {
	profile := []byte{1, 0, 2, 0, 0xff, 0xff}
	return &output.Packet{
		Header: output.Header{FrameNumber: frame, TimeCPUCycles: 1234, NumDetectedObj: 2},
		Segments: []output.Segment{
			objectsSegment(8, [6]int16{10, 3, 900, 256, 512, 0}, [6]int16{20, 15, 700, -128, 1024, 64}),
			{Type: output.RangeProfile, Length: uint32(len(profile)), Data: profile},
			statsSegment(100, 2000, 300, 40, 55, 12, 1, 2, 0),
		},
		NumRangeBins:   256,
		NumDopplerBins: 16,
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	id, err := db.StartSession(clock, nil)
	require.NoError(t, err)

	r := NewRecorder(db, id, clock)
	released := make(chan struct{}, 1)
	require.NoError(t, r.Publish(testPacket(7), func() { released <- struct{}{} }))
	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("packet was not released")
	}
	require.NoError(t, r.Close())

	recorded, failed := r.Counts()
	assert.Equal(t, uint64(1), recorded)
	assert.Equal(t, uint64(0), failed)

	frames, err := db.Frames(id, 10)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, uint32(7), f.FrameNumber)
	assert.Equal(t, 2, f.NumObjects)
	assert.Equal(t, []uint16{1, 2, 0xffff}, f.RangeProfile)
	require.NotNil(t, f.Stats)
	assert.Equal(t, output.StatsInfo{
		InterChirpProcessingMargin: 100,
		InterFrameProcessingMargin: 2000,
		InterFrameProcessingTime:   300,
		TransmitOutputTime:         40,
		ActiveFrameCPULoad:         55,
		InterFrameCPULoad:          12,
		RawObjectsTruncated:        1,
		LoggingSkips:               2,
	}, *f.Stats)

	dets, err := db.Detections(f.ID)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, Detection{RangeIdx: 10, DopplerIdx: 3, PeakVal: 900, X: 1, Y: 2}, dets[0])
	assert.Equal(t, Detection{RangeIdx: 20, DopplerIdx: 15, PeakVal: 700, X: -0.5, Y: 4, Z: 0.25}, dets[1])
	assert.InDelta(t, 2.2360679, dets[0].Range(), 1e-6)
}

func TestRecordPacketWithoutOptionalSegments(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	id, err := db.StartSession(clock, nil)
	require.NoError(t, err)
	r := NewRecorder(db, id, clock)
	defer r.Close()

	frameID, err := r.RecordPacket(&output.Packet{Header: output.Header{FrameNumber: 1}})
	require.NoError(t, err)

	frames, err := db.Frames(id, 10)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, frameID, frames[0].ID)
	assert.Nil(t, frames[0].Stats)
	assert.Nil(t, frames[0].RangeProfile)

	// duplicate frame numbers within a session are rejected
	_, err = r.RecordPacket(&output.Packet{Header: output.Header{FrameNumber: 1}})
	assert.Error(t, err)

	// malformed segments roll back
	bad := &output.Packet{
		Header:   output.Header{FrameNumber: 2},
		Segments: []output.Segment{{Type: output.Stats, Length: 3, Data: []byte{1, 2, 3}}},
	}
	_, err = r.RecordPacket(bad)
	assert.ErrorIs(t, err, output.ErrMalformed)
	frames, err = db.Frames(id, 10)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestRecorderBusy(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	id, err := db.StartSession(clock, nil)
	require.NoError(t, err)

	r := &Recorder{db: db, session: id, clock: clock, jobs: make(chan recordJob, 1), done: make(chan struct{})}
	// not running: the single slot fills and the next packet is refused
	require.NoError(t, r.Publish(testPacket(1), func() {}))
	assert.ErrorIs(t, r.Publish(testPacket(2), func() {}), output.ErrPublisherBusy)

	go r.run()
	require.NoError(t, r.Close())
	recorded, _ := r.Counts()
	assert.Equal(t, uint64(1), recorded)
}

func TestDeleteSessionCascades(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	id, err := db.StartSession(clock, nil)
	require.NoError(t, err)
	r := NewRecorder(db, id, clock)
	defer r.Close()
	_, err = r.RecordPacket(testPacket(1))
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM sessions WHERE session_id = ?`, id)
	require.NoError(t, err)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM detections`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	id, err := db.StartSession(clock, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LocalHostRequest(http.MethodGet, "/debug/sessions"))
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LocalHostRequest(http.MethodGet, "/debug/backup"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())
}

func TestExportDetectionsCSV(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	id, err := db.StartSession(clock, nil)
	require.NoError(t, err)
	r := NewRecorder(db, id, clock)
	defer r.Close()
	for _, frame := range []uint32{2, 1} {
		_, err = r.RecordPacket(testPacket(frame))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	n, err := db.ExportDetectionsCSV(&buf, id)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, strings.Join(detectionCSVHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1,1700000000.000000,0,10,3,900,"), lines[1])
	assert.True(t, strings.HasPrefix(lines[3], "2,"), lines[3])

	buf.Reset()
	n, err = db.ExportDetectionsCSV(&buf, "no-such-session")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, strings.Join(detectionCSVHeader, ",")+"\n", buf.String())
}

func TestExportRoute(t *testing.T) {
	db := newTestDB(t)
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	id, err := db.StartSession(clock, nil)
	require.NoError(t, err)
	r := NewRecorder(db, id, clock)
	defer r.Close()
	_, err = r.RecordPacket(testPacket(1))
	require.NoError(t, err)

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LocalHostRequest(http.MethodGet, "/debug/detections.csv?session="+id))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=mmwave-"+id+".csv", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, 3, strings.Count(rec.Body.String(), "\n"))

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, testutil.LocalHostRequest(http.MethodGet, "/debug/detections.csv"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
