// Package bus fans appended events and detected patterns out over NATS so
// downstream consumers (notifiers, dashboards, other agents) can react
// without the engine knowing about them.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// Config configures the NATS connection.
type Config struct {
	Enabled       bool          `koanf:"enabled"`
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultConfig leaves the bus disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		URL:           nats.DefaultURL,
		SubjectPrefix: "contextengine",
		MaxReconnects: 5,
		ReconnectWait: time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("bus url is required when enabled")
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("bus subject_prefix is required")
	}
	return nil
}

// Publisher is the write side used by ingest and the scheduler.
type Publisher interface {
	PublishEvent(e signal.Event) error
	PublishPattern(p signal.StuckPattern) error
}

// Bus publishes and subscribes on a NATS connection.
type Bus struct {
	nc       *nats.Conn
	prefix   string
	logger   *zap.Logger
	ownsConn bool
}

// Connect dials NATS using cfg.
func Connect(cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("contextengine"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	b := New(nc, cfg.SubjectPrefix, logger)
	b.ownsConn = true
	return b, nil
}

// New wraps an existing connection. The caller keeps ownership of nc.
func New(nc *nats.Conn, prefix string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "contextengine"
	}
	return &Bus{nc: nc, prefix: prefix, logger: logger}
}

// EventSubject is the subject events of src are published on.
func (b *Bus) EventSubject(src signal.Source) string {
	return b.prefix + ".signals." + string(src)
}

// PatternSubject is the subject patterns of type t are published on.
func (b *Bus) PatternSubject(t signal.PatternType) string {
	return b.prefix + ".patterns." + string(t)
}

// PublishEvent publishes e as JSON on its source subject.
func (b *Bus) PublishEvent(e signal.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.nc.Publish(b.EventSubject(e.Source), data); err != nil {
		return fmt.Errorf("publishing event %d: %w", e.ID, err)
	}
	return nil
}

// PublishPattern publishes p as JSON on its type subject.
func (b *Bus) PublishPattern(p signal.StuckPattern) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding pattern: %w", err)
	}
	if err := b.nc.Publish(b.PatternSubject(p.Type), data); err != nil {
		return fmt.Errorf("publishing pattern %s: %w", p.Type, err)
	}
	return nil
}

// SubscribeEvents delivers events for the given sources (all sources when
// empty) to fn. Messages that do not decode are logged and dropped.
func (b *Bus) SubscribeEvents(sources []signal.Source, fn func(signal.Event)) ([]*nats.Subscription, error) {
	subjects := []string{b.prefix + ".signals.>"}
	if len(sources) > 0 {
		subjects = subjects[:0]
		for _, src := range sources {
			subjects = append(subjects, b.EventSubject(src))
		}
	}
	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
			var e signal.Event
			if err := json.Unmarshal(msg.Data, &e); err != nil {
				b.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
				return
			}
			fn(e)
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// SubscribePatterns delivers every published pattern to fn.
func (b *Bus) SubscribePatterns(fn func(signal.StuckPattern)) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.prefix+".patterns.>", func(msg *nats.Msg) {
		var p signal.StuckPattern
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			b.logger.Warn("dropping undecodable pattern", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(p)
	})
}

// Flush waits until the server has processed everything published so far.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Connected reports whether the connection is up.
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close drains the connection if the bus opened it.
func (b *Bus) Close() error {
	if b.ownsConn {
		return b.nc.Drain()
	}
	return nil
}
