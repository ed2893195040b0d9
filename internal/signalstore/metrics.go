package signalstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("contextengine.signalstore")

var (
	appendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "signalstore",
		Name:      "events_appended_total",
		Help:      "Events appended to the log by source.",
	}, []string{"source"})

	dedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "signalstore",
		Name:      "vision_deduplicated_total",
		Help:      "Vision captures collapsed into an earlier event with the same image hash.",
	})

	truncatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "signalstore",
		Name:      "events_truncated_total",
		Help:      "Events whose payload text exceeded the size cap.",
	}, []string{"source"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "contextengine",
		Subsystem: "signalstore",
		Name:      "query_duration_seconds",
		Help:      "Store read latency by kind.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"kind"})

	cacheFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "signalstore",
		Name:      "cache_fallback_total",
		Help:      "Window queries answered from the in-memory cache after a database error.",
	})

	purgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "signalstore",
		Name:      "events_purged_total",
		Help:      "Events removed by retention.",
	}, []string{"source"})

	indexErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "signalstore",
		Name:      "index_errors_total",
		Help:      "Semantic index failures by operation.",
	}, []string{"op"})
)
