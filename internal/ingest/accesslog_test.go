package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetwatch/pkg/models"
)

type captureRecorder struct {
	samples []models.PerformanceSample
}

func (r *captureRecorder) RecordPerformance(_ context.Context, sample models.PerformanceSample) error {
	r.samples = append(r.samples, sample)
	return nil
}

type memOffsets struct {
	offsets map[string]int64
}

func newMemOffsets() *memOffsets {
	return &memOffsets{offsets: make(map[string]int64)}
}

func (m *memOffsets) GetOffset(_ context.Context, key string) (int64, error) {
	return m.offsets[key], nil
}

func (m *memOffsets) SetOffset(_ context.Context, key string, pos int64) error {
	m.offsets[key] = pos
	return nil
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatalf("write log: %v", err)
		}
	}
}

func newTestCollector(t *testing.T) (*AccessLogCollector, *captureRecorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	recorder := &captureRecorder{}
	c := NewAccessLogCollector(recorder, newMemOffsets(), path, "fleetwatch")
	c.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return c, recorder, path
}

func TestCollectParsesRequestLines(t *testing.T) {
	c, recorder, path := newTestCollector(t)
	writeLog(t, path,
		`{"RequestMethod":"GET","RequestPath":"/api/orders?page=2","DownstreamStatus":200,"Duration":250000000,"DownstreamContentSize":512,"StartLocal":"2026-08-30T11:59:00Z"}`,
	)

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(recorder.samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(recorder.samples))
	}
	s := recorder.samples[0]
	if s.ServiceName != "fleetwatch" {
		t.Fatalf("service = %q", s.ServiceName)
	}
	if s.Endpoint != "/api/orders" {
		t.Fatalf("endpoint = %q, query string should be stripped", s.Endpoint)
	}
	if s.Method != "GET" || s.StatusCode != 200 {
		t.Fatalf("unexpected sample: %+v", s)
	}
	if s.ResponseTimeMs != 250 {
		t.Fatalf("response time = %v ms, want 250", s.ResponseTimeMs)
	}
	if s.ResponseSize == nil || *s.ResponseSize != 512 {
		t.Fatalf("response size = %+v, want 512", s.ResponseSize)
	}
	want := time.Date(2026, 8, 30, 11, 59, 0, 0, time.UTC)
	if !s.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", s.Timestamp, want)
	}
}

func TestCollectSkipsMalformedLines(t *testing.T) {
	c, recorder, path := newTestCollector(t)
	writeLog(t, path,
		`not json`,
		`{"RequestMethod":"","RequestPath":"/x","DownstreamStatus":200,"Duration":1000000}`,
		`{"RequestMethod":"POST","RequestPath":"/api/metrics","DownstreamStatus":202,"Duration":1000000}`,
	)

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(recorder.samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(recorder.samples))
	}
	if recorder.samples[0].Endpoint != "/api/metrics" {
		t.Fatalf("unexpected sample: %+v", recorder.samples[0])
	}
}

func TestCollectResumesFromCheckpoint(t *testing.T) {
	c, recorder, path := newTestCollector(t)
	writeLog(t, path,
		`{"RequestMethod":"GET","RequestPath":"/a","DownstreamStatus":200,"Duration":1000000}`,
	)

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writeLog(t, path,
		`{"RequestMethod":"GET","RequestPath":"/b","DownstreamStatus":200,"Duration":1000000}`,
	)

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(recorder.samples) != 2 {
		t.Fatalf("got %d samples, want 2 (no replayed lines)", len(recorder.samples))
	}
	if recorder.samples[1].Endpoint != "/b" {
		t.Fatalf("second collect should only see new lines, got %+v", recorder.samples[1])
	}
}

func TestCollectResetsOnTruncatedFile(t *testing.T) {
	c, recorder, path := newTestCollector(t)
	writeLog(t, path,
		`{"RequestMethod":"GET","RequestPath":"/long-enough-line-to-truncate","DownstreamStatus":200,"Duration":1000000}`,
	)
	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate rotation: a fresh, shorter file at the same path.
	if err := os.WriteFile(path, []byte(`{"RequestMethod":"GET","RequestPath":"/c","DownstreamStatus":200,"Duration":1000000}`+"\n"), 0o644); err != nil {
		t.Fatalf("rewrite log: %v", err)
	}

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(recorder.samples) != 2 || recorder.samples[1].Endpoint != "/c" {
		t.Fatalf("rotated file should be read from the start, got %+v", recorder.samples)
	}
}

func TestCollectLeavesPartialLineForNextPass(t *testing.T) {
	c, recorder, path := newTestCollector(t)
	writeLog(t, path,
		`{"RequestMethod":"GET","RequestPath":"/done","DownstreamStatus":200,"Duration":1000000}`,
	)
	// A writer is mid-append: no trailing newline yet.
	half := `{"RequestMethod":"GET","RequestPath":"/half","Downstr`
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString(half); err != nil {
		t.Fatalf("write log: %v", err)
	}
	f.Close()

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recorder.samples) != 1 || recorder.samples[0].Endpoint != "/done" {
		t.Fatalf("only the terminated line should be ingested, got %+v", recorder.samples)
	}

	// The writer finishes the line; it must arrive whole next pass.
	writeLog(t, path, `eamStatus":200,"Duration":1000000}`)

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recorder.samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(recorder.samples))
	}
	if recorder.samples[1].Endpoint != "/half" {
		t.Fatalf("completed line should parse whole, got %+v", recorder.samples[1])
	}
}

func TestCollectMissingFileIsNotAnError(t *testing.T) {
	c, recorder, _ := newTestCollector(t)

	if err := c.Collect(context.Background()); err != nil {
		t.Fatalf("a missing log is expected on fresh hosts: %v", err)
	}
	if len(recorder.samples) != 0 {
		t.Fatalf("got %d samples, want 0", len(recorder.samples))
	}
}
