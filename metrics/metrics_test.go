package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesCounters(t *testing.T) {
	m := New()
	m.IncChecks()
	m.AddBytesWritten(1024)
	m.IncReconnects()
	m.IncSegments()
	m.IncErrors("transient")
	m.RecordingStarted()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"ttrec_liveness_checks_total 1",
		"ttrec_bytes_written_total 1024",
		"ttrec_reconnects_total 1",
		"ttrec_hls_segments_total 1",
		`ttrec_errors_total{kind="transient"} 1`,
		"ttrec_recording 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}

	m.RecordingStopped()
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	body, _ = io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "ttrec_recording 0") {
		t.Error("gauge not reset by RecordingStopped")
	}
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.IncChecks()
	m.AddBytesWritten(10)
	m.IncReconnects()
	m.IncSegments()
	m.IncErrors("x")
	m.RecordingStarted()
	m.RecordingStopped()
}
