// Package ingest is the single write path for producers: it redacts
// secrets, appends to the signal store and fans the stored event out on the
// bus.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/bus"
	"github.com/fyrsmithlabs/contextengine/internal/logging"
	"github.com/fyrsmithlabs/contextengine/internal/redact"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

var (
	ingestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Events received from producers by source and outcome.",
	}, []string{"source", "outcome"})

	redactedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "ingest",
		Name:      "redacted_events_total",
		Help:      "Events that had secrets removed before storage.",
	}, []string{"source"})

	publishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "contextengine",
		Subsystem: "ingest",
		Name:      "publish_errors_total",
		Help:      "Stored events that could not be published on the bus.",
	})
)

// Appender is the write side of the signal store.
type Appender interface {
	Append(ctx context.Context, e signal.Event) (signal.Event, error)
}

// Service accepts events from producers.
type Service struct {
	store     Appender
	redactor  *redact.Redactor
	publisher bus.Publisher
	logger    *zap.Logger
}

// New builds an ingest service. redactor and publisher may be nil.
func New(store Appender, redactor *redact.Redactor, publisher bus.Publisher, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ingest: store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, redactor: redactor, publisher: publisher, logger: logger}, nil
}

// Ingest stores one event and returns it with its id. Publishing is best
// effort: a bus failure is logged and does not fail the append.
func (s *Service) Ingest(ctx context.Context, e signal.Event) (signal.Event, error) {
	ctx = logging.WithSource(ctx, label(e.Source))
	log := logging.FromContext(ctx, s.logger)

	if s.redactor.Enabled() {
		var n int
		e, n = s.redactor.RedactEvent(e)
		if n > 0 {
			redactedTotal.WithLabelValues(string(e.Source)).Inc()
			log.Info(ctx, "redacted secrets from event", zap.Int("secrets", n))
		}
	}

	stored, err := s.store.Append(ctx, e)
	if err != nil {
		outcome := "error"
		if signal.IsValidation(err) {
			outcome = "invalid"
		}
		ingestedTotal.WithLabelValues(label(e.Source), outcome).Inc()
		return signal.Event{}, err
	}
	ingestedTotal.WithLabelValues(string(stored.Source), "stored").Inc()
	log.Trace(ctx, "event stored", zap.Int64("event_id", stored.ID), zap.Bool("truncated", stored.Truncated))

	if s.publisher != nil {
		if err := s.publisher.PublishEvent(stored); err != nil {
			publishErrorsTotal.Inc()
			log.Warn(ctx, "event publish failed", zap.Int64("event_id", stored.ID), zap.Error(err))
		}
	}
	return stored, nil
}

// Result is the per-item outcome of a batch.
type Result struct {
	EventID int64  `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IngestBatch stores each event independently. It returns an error only
// when the storage layer fails; invalid items are reported per result.
func (s *Service) IngestBatch(ctx context.Context, events []signal.Event) ([]Result, error) {
	results := make([]Result, len(events))
	for i, e := range events {
		stored, err := s.Ingest(ctx, e)
		if err != nil {
			if !signal.IsValidation(err) {
				return results[:i], err
			}
			results[i] = Result{Error: err.Error()}
			continue
		}
		results[i] = Result{EventID: stored.ID}
	}
	return results, nil
}

// CallSegment is one utterance of a call transcript.
type CallSegment struct {
	Speaker    signal.Speaker `json:"speaker"`
	Text       string         `json:"text"`
	Timestamp  time.Time      `json:"timestamp"`
	Confidence float64        `json:"confidence,omitempty"`
}

// CallTranscript is the body of the call webhook.
type CallTranscript struct {
	CallID    string        `json:"call_id"`
	AudioFile string        `json:"audio_file,omitempty"`
	Segments  []CallSegment `json:"segments"`
}

// IngestCall appends one audio_call event per non-empty segment, in order.
func (s *Service) IngestCall(ctx context.Context, call CallTranscript) ([]signal.Event, error) {
	if strings.TrimSpace(call.CallID) == "" {
		return nil, signal.Invalid("call_id", "required")
	}
	if len(call.Segments) == 0 {
		return nil, signal.Invalid("segments", "must not be empty")
	}
	out := make([]signal.Event, 0, len(call.Segments))
	for i, seg := range call.Segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		if seg.Timestamp.IsZero() {
			return out, signal.Invalid(fmt.Sprintf("segments[%d].timestamp", i), "required")
		}
		stored, err := s.Ingest(ctx, signal.Event{
			Timestamp: seg.Timestamp,
			Source:    signal.SourceAudioCall,
			Payload: signal.AudioPayload{
				Text:       seg.Text,
				Confidence: seg.Confidence,
				Speaker:    seg.Speaker,
				CallID:     call.CallID,
				AudioFile:  call.AudioFile,
			},
		})
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	logging.FromContext(ctx, s.logger).Info(ctx, "call transcript ingested",
		zap.String("call_id", call.CallID),
		zap.Int("segments", len(out)),
	)
	return out, nil
}

func label(src signal.Source) string {
	if src.Valid() {
		return string(src)
	}
	return "unknown"
}
