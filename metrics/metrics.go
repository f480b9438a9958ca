package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the recorder.
type Metrics struct {
	registry          *prometheus.Registry
	checksTotal       prometheus.Counter
	bytesWrittenTotal prometheus.Counter
	reconnectsTotal   prometheus.Counter
	segmentsTotal     prometheus.Counter
	errorsTotal       *prometheus.CounterVec
	recording         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the recorder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	checksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ttrec_liveness_checks_total",
		Help: "Total number of liveness checks performed",
	})
	bytesWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ttrec_bytes_written_total",
		Help: "Total number of bytes flushed to recording files",
	})
	reconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ttrec_reconnects_total",
		Help: "Total number of in-session stream reconnect attempts",
	})
	segmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ttrec_hls_segments_total",
		Help: "Total number of HLS segments downloaded",
	})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ttrec_errors_total",
		Help: "Total number of errors by classified kind",
	}, []string{"kind"})
	recording := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ttrec_recording",
		Help: "Number of recordings currently in progress",
	})

	registry.MustRegister(
		checksTotal,
		bytesWrittenTotal,
		reconnectsTotal,
		segmentsTotal,
		errorsTotal,
		recording,
	)

	return &Metrics{
		registry:          registry,
		checksTotal:       checksTotal,
		bytesWrittenTotal: bytesWrittenTotal,
		reconnectsTotal:   reconnectsTotal,
		segmentsTotal:     segmentsTotal,
		errorsTotal:       errorsTotal,
		recording:         recording,
	}
}

// IncChecks increments the liveness check counter.
func (m *Metrics) IncChecks() {
	if m == nil {
		return
	}
	m.checksTotal.Inc()
}

// AddBytesWritten records bytes flushed to disk.
func (m *Metrics) AddBytesWritten(n int) {
	if m == nil {
		return
	}
	m.bytesWrittenTotal.Add(float64(n))
}

// IncReconnects increments the reconnect counter.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// IncSegments increments the HLS segment counter.
func (m *Metrics) IncSegments() {
	if m == nil {
		return
	}
	m.segmentsTotal.Inc()
}

// IncErrors increments the error counter for the given kind label.
func (m *Metrics) IncErrors(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordingStarted increments the in-progress recording gauge.
func (m *Metrics) RecordingStarted() {
	if m == nil {
		return
	}
	m.recording.Inc()
}

// RecordingStopped decrements the in-progress recording gauge.
func (m *Metrics) RecordingStopped() {
	if m == nil {
		return
	}
	m.recording.Dec()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
