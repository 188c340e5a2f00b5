package tiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"wsitiler/internal/models"
)

// Metrics holds the Prometheus collectors updated while tiling
type Metrics struct {
	Tiles       *prometheus.CounterVec
	Skipped     *prometheus.CounterVec
	QueueDepth  prometheus.Gauge
	TileSeconds prometheus.Histogram
}

// NewMetrics creates the tiling collectors and registers them on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Tiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsitiler_tiles_total",
			Help: "Tile jobs handled by workers, by image and outcome.",
		}, []string{"image", "outcome"}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsitiler_tiles_skipped_total",
			Help: "Tiles skipped because their output already existed.",
		}, []string{"image"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsitiler_queue_depth",
			Help: "Messages waiting in the work queue.",
		}),
		TileSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsitiler_tile_seconds",
			Help:    "Time spent extracting, classifying and writing one tile.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
}

func (m *Metrics) observeOutcome(image string, outcome models.Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.Tiles.WithLabelValues(image, string(outcome)).Inc()
	m.TileSeconds.Observe(seconds)
}

func (m *Metrics) addSkipped(image string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Skipped.WithLabelValues(image).Add(float64(n))
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
