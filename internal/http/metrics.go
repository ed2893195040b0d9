package http

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/contextengine/internal/http"

// serverMetrics instruments the API. Any instrument that failed to
// register is nil and skipped.
type serverMetrics struct {
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	batchItems metric.Int64Counter
}

func newServerMetrics(meter metric.Meter, logger *zap.Logger) *serverMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &serverMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("contextengine.http.requests_total",
		metric.WithDescription("API requests by method, route and status."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("contextengine.http.request_duration_seconds",
		metric.WithDescription("API latency by method, route and status class."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5))
	warn("request_duration_seconds", err)

	m.inFlight, err = meter.Int64UpDownCounter("contextengine.http.active_requests",
		metric.WithDescription("Requests being served."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	m.batchItems, err = meter.Int64Counter("contextengine.http.batch_items_total",
		metric.WithDescription("Events submitted through the batch endpoint, by outcome."),
		metric.WithUnit("{event}"))
	warn("batch_items_total", err)
	return m
}

func defaultServerMetrics(logger *zap.Logger) *serverMetrics {
	return newServerMetrics(otel.Meter(instrumentationName), logger)
}

// middleware renders handler errors itself so the recorded status is the
// one the client sees. Labels use the route pattern, never the raw URL.
func (m *serverMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			if err := next(c); err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			route := routeLabel(c.Path())
			method := c.Request().Method
			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(
					attribute.String("method", method),
					attribute.String("route", route),
					attribute.Int("status", status),
				))
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.String("method", method),
					attribute.String("route", route),
					attribute.String("status_class", statusClass(status)),
				))
			}
			return nil
		}
	}
}

func (m *serverMetrics) recordBatch(ctx context.Context, accepted, rejected int) {
	if m == nil || m.batchItems == nil {
		return
	}
	m.batchItems.Add(ctx, int64(accepted), metric.WithAttributes(attribute.String("outcome", "accepted")))
	m.batchItems.Add(ctx, int64(rejected), metric.WithAttributes(attribute.String("outcome", "rejected")))
}

// routeLabel maps unmatched requests, which echo reports with an empty
// path, onto a single label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
