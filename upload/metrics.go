package upload

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chunk results as recorded by Metrics.
const (
	resultUploaded  = "uploaded"
	resultSkipped   = "skipped"
	resultRetried   = "retried"
	resultFailed    = "failed"
	resultDiscarded = "discarded"
)

// Metrics exposes session measurements as Prometheus collectors.
// A nil *Metrics records nothing.
type Metrics struct {
	chunks   *prometheus.CounterVec
	bytes    prometheus.Counter
	inFlight prometheus.Gauge
	duration prometheus.Histogram
	files    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_chunks_total",
			Help: "Number of finished chunk exchanges by result",
		}, []string{"result"}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Number of payload bytes accepted by the receiving side",
		}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "upload_chunks_in_flight",
			Help: "Number of chunk exchanges in flight",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "upload_chunk_duration_seconds",
			Help:    "Duration of chunk exchanges in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		files: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_files_total",
			Help: "Number of files by final status",
		}, []string{"status"}),
	}
}

func (m *Metrics) chunkStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) chunkFinished(result string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.chunks.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
	if result == resultUploaded {
		m.bytes.Add(float64(bytes))
	}
}

func (m *Metrics) fileFinished(status string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(status).Inc()
}
