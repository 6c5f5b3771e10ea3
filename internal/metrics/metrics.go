// Package metrics exposes the streamer's running counters as
// Prometheus gauges. Every counter is an atomic the streamer updates
// directly; the Prometheus side only ever reads it via GaugeFunc, so
// there is no separate bookkeeping step to keep in sync.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the atomic counters/gauges the streamer updates as it
// runs.
type Metrics struct {
	AcceptedFrames atomic.Uint64
	WrittenFrames  atomic.Uint64
	WrittenBytes   atomic.Uint64

	UnsupportedFormatFrames atomic.Uint64
	IOErrors                atomic.Uint64
	AudioErrors             atomic.Uint64
	PreviewErrors           atomic.Uint64
	PreviewFramesDropped    atomic.Uint64

	UnprocessedQueueDepth atomic.Uint64
	ReadyQueueDepth       atomic.Uint64

	AudioSamplesCaptured atomic.Uint64

	// ShardWrittenBytes is indexed by writer shard; each writer worker
	// updates its own slot.
	ShardWrittenBytes []atomic.Uint64

	registry *prometheus.Registry
}

// New creates a Metrics instance sized for shardCount writers and
// registers its Prometheus collectors.
func New(shardCount int) *Metrics {
	m := &Metrics{
		registry:          prometheus.NewRegistry(),
		ShardWrittenBytes: make([]atomic.Uint64, shardCount),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_accepted_frames_total", Help: "Total frames accepted via add()"},
		func() float64 { return float64(m.AcceptedFrames.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_written_frames_total", Help: "Total frames committed to a container"},
		func() float64 { return float64(m.WrittenFrames.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_written_bytes_total", Help: "Total frame-record bytes committed across all shards"},
		func() float64 { return float64(m.WrittenBytes.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_unsupported_format_frames_total", Help: "Frames left untransformed due to an unrecognized pixel format"},
		func() float64 { return float64(m.UnsupportedFormatFrames.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_io_errors_total", Help: "Write failures on a writer shard"},
		func() float64 { return float64(m.IOErrors.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_audio_errors_total", Help: "Non-fatal audio sub-stream errors"},
		func() float64 { return float64(m.AudioErrors.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_preview_errors_total", Help: "Non-fatal live preview broadcast errors"},
		func() float64 { return float64(m.PreviewErrors.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_preview_frames_dropped_total", Help: "Frames not offered to the preview broadcaster because it was still busy with the previous one"},
		func() float64 { return float64(m.PreviewFramesDropped.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_unprocessed_queue_depth", Help: "Frames waiting for a transform worker"},
		func() float64 { return float64(m.UnprocessedQueueDepth.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_ready_queue_depth", Help: "Transformed frames waiting for a writer worker, summed across shards"},
		func() float64 { return float64(m.ReadyQueueDepth.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "rawcapture_audio_samples_captured_total", Help: "PCM16 samples accumulated in the current audio segment"},
		func() float64 { return float64(m.AudioSamplesCaptured.Load()) },
	))

	for i := range m.ShardWrittenBytes {
		shard := i
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "rawcapture_shard_written_bytes_total",
				Help:        "Bytes committed by one writer shard",
				ConstLabels: prometheus.Labels{"shard": strconv.Itoa(shard)},
			},
			func() float64 { return float64(m.ShardWrittenBytes[shard].Load()) },
		))
	}
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a dedicated metrics HTTP server on addr, serving
// /metrics. It blocks; callers run it in its own goroutine.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
