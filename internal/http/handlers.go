package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/contextengine/internal/ingest"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

const (
	// staleAfter marks a producer silent in /health.
	staleAfter = 10 * time.Minute
	// defaultWindow is used by GET /events when no start is given.
	defaultWindow = 5 * time.Minute
)

func (s *Server) handleHealth(c echo.Context) error {
	lastSeen := s.svc.Window.LastSeen()
	now := s.now()

	var stale []signal.Source
	for src, ts := range lastSeen {
		if now.Sub(ts) > staleAfter {
			stale = append(stale, src)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })

	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		LastSeen: lastSeen,
		Stale:    stale,
	})
}

func (s *Server) handleAppendEvent(c echo.Context) error {
	var e signal.Event
	if err := decodeJSON(c, &e); err != nil {
		return err
	}
	stored, err := s.svc.Ingest.Ingest(c.Request().Context(), e)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, AppendResponse{Event: stored})
}

// handleAppendBatch decodes items one by one so a malformed item is
// reported in its slot instead of failing the batch.
func (s *Server) handleAppendBatch(c echo.Context) error {
	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := decodeJSON(c, &body); err != nil {
		return err
	}
	if len(body.Events) == 0 {
		return signal.Invalid("events", "must not be empty")
	}

	results := make([]ingest.Result, len(body.Events))
	valid := make([]signal.Event, 0, len(body.Events))
	slots := make([]int, 0, len(body.Events))
	for i, raw := range body.Events {
		var e signal.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			results[i] = ingest.Result{Error: err.Error()}
			continue
		}
		valid = append(valid, e)
		slots = append(slots, i)
	}

	stored, err := s.svc.Ingest.IngestBatch(c.Request().Context(), valid)
	if err != nil {
		return err
	}
	for j, r := range stored {
		results[slots[j]] = r
	}

	resp := BatchResponse{Results: results}
	for _, r := range results {
		if r.Error == "" {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
	}
	s.metrics.recordBatch(c.Request().Context(), resp.Accepted, resp.Rejected)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCall(c echo.Context) error {
	var call ingest.CallTranscript
	if err := decodeJSON(c, &call); err != nil {
		return err
	}
	events, err := s.svc.Ingest.IngestCall(c.Request().Context(), call)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, CallResponse{CallID: call.CallID, Events: events})
}

func (s *Server) handleQueryWindow(c echo.Context) error {
	sources, err := parseSources(c.QueryParam("sources"))
	if err != nil {
		return err
	}
	start, err := parseTime("start", c.QueryParam("start"))
	if err != nil {
		return err
	}
	end, err := parseTime("end", c.QueryParam("end"))
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = s.now()
	}
	if start.IsZero() {
		window := defaultWindow
		if m := c.QueryParam("minutes"); m != "" {
			n, err := strconv.Atoi(m)
			if err != nil || n <= 0 {
				return signal.Invalid("minutes", "must be a positive integer")
			}
			window = time.Duration(n) * time.Minute
		}
		start = end.Add(-window)
	}

	w, err := s.svc.Window.QueryWindow(c.Request().Context(), sources, start, end)
	if err != nil {
		return err
	}
	events := w.Events
	if events == nil {
		events = []signal.Event{}
	}
	return c.JSON(http.StatusOK, WindowResponse{
		Start:    start,
		End:      end,
		Events:   events,
		Complete: !w.Cached,
	})
}

func (s *Server) handleContext(c echo.Context) error {
	depth, err := synthesizer.ParseDepth(c.QueryParam("depth"))
	if err != nil {
		return err
	}
	snap, err := s.svc.Context.GetCurrentContext(c.Request().Context(), depth)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStuck(c echo.Context) error {
	report, err := s.svc.Context.DetectStuck(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleSuggest(c echo.Context) error {
	action, err := s.svc.Context.SuggestAction(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, action)
}

func (s *Server) handleSearch(c echo.Context) error {
	mode, err := search.ParseMode(c.QueryParam("mode"))
	if err != nil {
		return err
	}
	sources, err := parseSources(c.QueryParam("sources"))
	if err != nil {
		return err
	}
	start, err := parseTime("start", c.QueryParam("start"))
	if err != nil {
		return err
	}
	end, err := parseTime("end", c.QueryParam("end"))
	if err != nil {
		return err
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}

	resp, err := s.svc.Search.Search(c.Request().Context(), search.Request{
		Query:   c.QueryParam("q"),
		Mode:    mode,
		Sources: sources,
		Start:   start,
		End:     end,
		Limit:   limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSaveSession(c echo.Context) error {
	var state session.State
	if err := decodeJSON(c, &state); err != nil {
		return err
	}
	saved, err := s.svc.Sessions.Save(c.Request().Context(), state)
	if err != nil {
		return err
	}
	s.logger.Info("session saved",
		zap.String("session_id", saved.SessionID),
		zap.String("record_id", saved.RecordID),
		zap.String("trigger", string(saved.Trigger)),
	)
	return c.JSON(http.StatusCreated, saved)
}

func (s *Server) handleLoadLastSession(c echo.Context) error {
	state, err := s.svc.Sessions.LoadLast(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SessionResponse{Found: state != nil, Session: state})
}

func (s *Server) handleSessionHistory(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	id := c.QueryParam("session_id")
	states, err := s.svc.Sessions.History(c.Request().Context(), id, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, HistoryResponse{SessionID: id, Sessions: states})
}

// decodeJSON decodes the request body, keeping validation errors raised by
// custom unmarshalers intact.
func decodeJSON(c echo.Context, v any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(v); err != nil {
		if signal.IsValidation(err) {
			return err
		}
		var tooLarge *echo.HTTPError
		if errors.As(err, &tooLarge) {
			return tooLarge
		}
		return signal.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

func parseSources(v string) ([]signal.Source, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return signal.ParseSources(parts)
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, signal.Invalid(field, "must be RFC 3339, got %q", v)
	}
	return t, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, signal.Invalid("limit", "must be a non-negative integer")
	}
	return n, nil
}
