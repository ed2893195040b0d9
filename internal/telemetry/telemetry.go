package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
)

// Telemetry owns the exporters installed behind the otel globals. Store,
// search, session and transport code never holds a reference to it; they
// call otel.Tracer and otel.Meter at package level.
//
// An exporter that cannot be built marks the instance degraded. The engine
// keeps running on the no-op defaults for that signal.
type Telemetry struct {
	config *Config

	mu       sync.Mutex
	running  bool
	reasons  []string
	shutdown []func(context.Context) error
	flush    []func(context.Context) error
	logs     log.LoggerProvider
}

// HealthStatus reports whether exporters are running.
type HealthStatus struct {
	Healthy  bool     `json:"healthy"`
	Degraded bool     `json:"degraded"`
	Reasons  []string `json:"reasons,omitempty"`
}

// New validates cfg and, when enabled, installs OTLP trace and metric
// providers as the otel globals.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg, running: true}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		t.degrade("resource: %v", err)
		return t, nil
	}

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degrade("tracer provider: %v", err)
	} else {
		otel.SetTracerProvider(tp)
		t.track("trace", tp.Shutdown, tp.ForceFlush)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.degrade("meter provider: %v", err)
	} else if mp != nil {
		otel.SetMeterProvider(mp)
		t.track("meter", mp.Shutdown, mp.ForceFlush)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

func (t *Telemetry) track(name string, shutdown, flush func(context.Context) error) {
	wrap := func(op string, fn func(context.Context) error) func(context.Context) error {
		return func(ctx context.Context) error {
			if err := fn(ctx); err != nil {
				return fmt.Errorf("%s provider %s: %w", name, op, err)
			}
			return nil
		}
	}
	t.shutdown = append(t.shutdown, wrap("shutdown", shutdown))
	t.flush = append(t.flush, wrap("flush", flush))
}

// LoggerProvider returns the provider for the zap OTEL bridge, the global
// one unless SetLoggerProvider replaced it.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return global.GetLoggerProvider()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.logs == nil {
		return global.GetLoggerProvider()
	}
	return t.logs
}

// SetLoggerProvider overrides the bridge's log provider.
func (t *Telemetry) SetLoggerProvider(lp log.LoggerProvider) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.logs = lp
	t.mu.Unlock()
}

// Shutdown flushes and stops the exporters. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Shutdown.Timeout)
		defer cancel()
	}

	t.mu.Lock()
	fns := t.shutdown
	t.shutdown, t.flush = nil, nil
	t.running = false
	t.mu.Unlock()

	return runAll(ctx, fns)
}

// ForceFlush exports pending spans and metrics.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	fns := t.flush
	t.mu.Unlock()
	return runAll(ctx, fns)
}

func runAll(ctx context.Context, fns []func(context.Context) error) error {
	var errs []error
	for _, fn := range fns {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Health returns the current status. A nil instance is unhealthy.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return HealthStatus{
		Healthy:  t.running,
		Degraded: len(t.reasons) > 0,
		Reasons:  append([]string(nil), t.reasons...),
	}
}

// IsEnabled reports whether export is configured and still running.
func (t *Telemetry) IsEnabled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config.Enabled && t.running
}

func (t *Telemetry) degrade(format string, args ...any) {
	t.mu.Lock()
	t.reasons = append(t.reasons, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}
