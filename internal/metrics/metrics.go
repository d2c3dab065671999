package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all viewer metrics.
type Metrics struct {
	// Pipeline counters
	FramesSampled       atomic.Uint64
	InferencesRun       atomic.Uint64
	DetectionsPublished atomic.Uint64

	// Error counters
	ReadErrors      atomic.Uint64
	InferenceErrors atomic.Uint64
	ExportErrors    atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64

	// Freeze/export activity
	CapturesTaken  atomic.Uint64
	ExportsWritten atomic.Uint64

	// Viewer clients
	StreamClients atomic.Uint64
	SSEClients    atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance with Prometheus collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"viewer_frames_sampled_total", "Total frames sampled from the camera stream", m.FramesSampled.Load},
		{"viewer_inferences_run_total", "Total detector invocations completed", m.InferencesRun.Load},
		{"viewer_detections_published", "Detections in the last published set", m.DetectionsPublished.Load},
		{"viewer_read_errors_total", "Total camera frame read errors", m.ReadErrors.Load},
		{"viewer_inference_errors_total", "Total failed detector invocations", m.InferenceErrors.Load},
		{"viewer_export_errors_total", "Total failed export file writes", m.ExportErrors.Load},
		{"viewer_inference_latency_ms", "Latest inference latency in milliseconds", m.InferenceLatencyMs.Load},
		{"viewer_captures_taken_total", "Total freeze captures taken", m.CapturesTaken.Load},
		{"viewer_exports_written_total", "Total export files written", m.ExportsWritten.Load},
		{"viewer_stream_clients", "Connected MJPEG stream clients", m.StreamClients.Load},
		{"viewer_sse_clients", "Connected detection SSE clients", m.SSEClients.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// UpdateInferenceLatency records the duration of one detector call.
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
