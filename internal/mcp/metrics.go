package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

const instrumentationName = "github.com/fyrsmithlabs/contextengine/internal/mcp"

// toolMetrics instruments tool calls. Instruments that failed to register
// stay nil and are skipped.
type toolMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	failures metric.Int64Counter
	partial  metric.Int64Counter
	inFlight metric.Int64UpDownCounter
}

func newToolMetrics(meter metric.Meter, logger *zap.Logger) *toolMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to register mcp instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &toolMetrics{}
	var err error
	m.calls, err = meter.Int64Counter("contextengine.mcp.tool.invocations_total",
		metric.WithDescription("Tool calls by tool name."),
		metric.WithUnit("{invocation}"))
	warn("invocations_total", err)

	m.duration, err = meter.Float64Histogram("contextengine.mcp.tool.duration_seconds",
		metric.WithDescription("Tool call latency by tool name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	warn("duration_seconds", err)

	m.failures, err = meter.Int64Counter("contextengine.mcp.tool.errors_total",
		metric.WithDescription("Failed tool calls by tool and error category."),
		metric.WithUnit("{error}"))
	warn("errors_total", err)

	m.partial, err = meter.Int64Counter("contextengine.mcp.tool.partial_total",
		metric.WithDescription("Tool results served with complete=false."),
		metric.WithUnit("{result}"))
	warn("partial_total", err)

	m.inFlight, err = meter.Int64UpDownCounter("contextengine.mcp.tool.active_requests",
		metric.WithDescription("Tool calls in progress."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)
	return m
}

func defaultToolMetrics(logger *zap.Logger) *toolMetrics {
	return newToolMetrics(otel.Meter(instrumentationName), logger)
}

// begin marks a call to tool as started. The returned func records its
// outcome and must be called exactly once.
func (m *toolMetrics) begin(ctx context.Context, tool string) func(err error, partial bool) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	start := time.Now()
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, attrs)
	}
	return func(err error, partial bool) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", categorizeError(err)),
			))
		}
		if partial && m.partial != nil {
			m.partial.Add(ctx, 1, attrs)
		}
	}
}

// categorizeError maps err onto the engine's error taxonomy.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case signal.IsValidation(err):
		return "validation_error"
	case errors.Is(err, signal.ErrTimeoutExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, signal.ErrStorageFailure):
		return "storage_error"
	case errors.Is(err, signal.ErrSourceUnavailable):
		return "source_unavailable"
	default:
		return "internal_error"
	}
}
