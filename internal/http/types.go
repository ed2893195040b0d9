package http

import (
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/ingest"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	// LastSeen is the newest event timestamp per producer. Sources that
	// never reported are absent.
	LastSeen map[signal.Source]time.Time `json:"last_seen"`
	// Stale lists sources silent for longer than staleAfter.
	Stale []signal.Source `json:"stale,omitempty"`
}

// AppendResponse is the body of POST /api/v1/events.
type AppendResponse struct {
	Event signal.Event `json:"event"`
}

// BatchRequest is the body of POST /api/v1/events/batch.
type BatchRequest struct {
	Events []signal.Event `json:"events"`
}

// BatchResponse reports each item's outcome in request order.
type BatchResponse struct {
	Results  []ingest.Result `json:"results"`
	Accepted int             `json:"accepted"`
	Rejected int             `json:"rejected"`
}

// CallResponse is the body of POST /api/v1/calls.
type CallResponse struct {
	CallID string         `json:"call_id"`
	Events []signal.Event `json:"events"`
}

// WindowResponse is the body of GET /api/v1/events. Complete is false when
// the store was unreachable and the recent-event cache answered.
type WindowResponse struct {
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end"`
	Events   []signal.Event `json:"events"`
	Complete bool           `json:"complete"`
}

// SessionResponse is the body of GET /api/v1/sessions/last. Session is
// null on a cold start.
type SessionResponse struct {
	Found   bool           `json:"found"`
	Session *session.State `json:"session"`
}

// HistoryResponse is the body of GET /api/v1/sessions/history.
type HistoryResponse struct {
	SessionID string          `json:"session_id"`
	Sessions  []session.State `json:"sessions"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Request string `json:"request_id,omitempty"`
}
