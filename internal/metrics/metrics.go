// Package metrics exposes prometheus instrumentation for the library
// core. Collectors are registered once on the default registry; the
// server mounts promhttp at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kindred",
		Name:      "uploads_total",
		Help:      "Media upload attempts by result.",
	}, []string{"result"})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kindred",
		Name:      "pipeline_transitions_total",
		Help:      "Pipeline state transitions by destination state.",
	}, []string{"to_state"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kindred",
		Name:      "pipeline_queue_depth",
		Help:      "Items waiting in the ingestion queue.",
	})

	embeddingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kindred",
		Name:      "embedding_call_seconds",
		Help:      "Embedding provider call duration by modality.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"modality"})

	embeddingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kindred",
		Name:      "embedding_errors_total",
		Help:      "Embedding provider failures by modality.",
	}, []string{"modality"})

	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kindred",
		Name:      "search_seconds",
		Help:      "Search latency by mode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }

// RecordUpload counts one upload attempt; result is accepted, duplicate,
// rejected or failed.
func RecordUpload(result string) { uploadsTotal.WithLabelValues(result).Inc() }

// RecordTransition counts one pipeline state transition.
func RecordTransition(toState string) { stateTransitions.WithLabelValues(toState).Inc() }

// SetQueueDepth publishes the current ingestion queue depth.
func SetQueueDepth(n int) { queueDepth.Set(float64(n)) }

// ObserveEmbedding records one provider call.
func ObserveEmbedding(modality string, d time.Duration, err error) {
	embeddingDuration.WithLabelValues(modality).Observe(d.Seconds())
	if err != nil {
		embeddingErrors.WithLabelValues(modality).Inc()
	}
}

// ObserveSearch records one search; mode is text, image or similar.
func ObserveSearch(mode string, d time.Duration) {
	searchDuration.WithLabelValues(mode).Observe(d.Seconds())
}
