package embeddings

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	embedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contextengine",
		Subsystem: "embeddings",
		Name:      "duration_seconds",
		Help:      "Embedding generation latency by provider.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"provider"})

	embedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "embeddings",
		Name:      "errors_total",
		Help:      "Embedding failures by provider.",
	}, []string{"provider"})
)

func observeStart() time.Time { return time.Now() }

func observeDone(provider string, start time.Time, err error) {
	embedDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		embedErrors.WithLabelValues(provider).Inc()
	}
}
