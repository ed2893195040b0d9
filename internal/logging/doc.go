// Package logging provides structured logging for the context engine.
//
// It wraps zap with:
//   - a Trace level below Debug for per-event ingest detail
//   - stdout output plus an optional OpenTelemetry log bridge
//   - correlation fields pulled from the context (trace_id, span_id,
//     session.id, request.id, event.source)
//   - key- and pattern-based redaction in the stdout encoder
//   - sampling below Error; errors are never sampled
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "7f1c2a")
//	logger.Info(ctx, "snapshot built", zap.String("depth", "quick"))
//
// Components that do not need context correlation take the underlying
// *zap.Logger via Underlying().
package logging
