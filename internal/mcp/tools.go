package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

const (
	defaultWindowMinutes = 5
	defaultHistoryLimit  = 10
	defaultToolResults   = 5
)

type emptyInput struct{}

// ===== CONTEXT TOOLS =====

type contextInput struct {
	Depth string `json:"depth,omitempty" jsonschema:"Snapshot depth: quick, full or deep. Defaults to quick."`
}

type contextOutput struct {
	Context  map[string]any `json:"context"`
	Complete bool           `json:"complete"`
}

type stuckOutput struct {
	IsStuck    bool             `json:"is_stuck"`
	Patterns   []map[string]any `json:"patterns"`
	Suggestion string           `json:"suggestion,omitempty"`
	Complete   bool             `json:"complete"`
}

type suggestOutput struct {
	Action    string `json:"action"`
	Reasoning string `json:"reasoning"`
	Pattern   string `json:"pattern,omitempty"`
	Complete  bool   `json:"complete"`
}

func (o contextOutput) partial() bool { return !o.Complete }
func (o stuckOutput) partial() bool   { return !o.Complete }
func (o suggestOutput) partial() bool { return !o.Complete }

// ===== SEARCH TOOLS =====

type searchInput struct {
	Query   string   `json:"query" jsonschema:"Free text to search for across all captured activity"`
	Mode    string   `json:"mode,omitempty" jsonschema:"Retrieval mode: hybrid, lexical or semantic. Defaults to hybrid."`
	Sources []string `json:"sources,omitempty" jsonschema:"Restrict to these sources: vision, audio_mic, audio_call, filesystem, terminal, clipboard"`
	Start   string   `json:"start,omitempty" jsonschema:"RFC3339 lower bound on event time"`
	End     string   `json:"end,omitempty" jsonschema:"RFC3339 upper bound on event time"`
	Limit   int      `json:"limit,omitempty" jsonschema:"Maximum results"`
}

type searchOutput struct {
	Query    string           `json:"query"`
	Mode     string           `json:"mode"`
	Results  []map[string]any `json:"results"`
	Complete bool             `json:"complete"`
}

type windowInput struct {
	Minutes int      `json:"minutes,omitempty" jsonschema:"Window length ending now, in minutes. Defaults to 5."`
	Sources []string `json:"sources,omitempty" jsonschema:"Restrict to these sources"`
}

type windowOutput struct {
	Start    string           `json:"start"`
	End      string           `json:"end"`
	Events   []map[string]any `json:"events"`
	Complete bool             `json:"complete"`
}

func (o searchOutput) partial() bool { return !o.Complete }
func (o windowOutput) partial() bool { return !o.Complete }

// ===== INGEST TOOLS =====

type appendInput struct {
	Source    string         `json:"source" jsonschema:"Event source: vision, audio_mic, audio_call, filesystem, terminal or clipboard"`
	Payload   map[string]any `json:"payload" jsonschema:"Source-specific payload object"`
	Timestamp string         `json:"timestamp,omitempty" jsonschema:"RFC3339 capture time. Defaults to now."`
	Tags      []string       `json:"tags,omitempty" jsonschema:"Free-form labels"`
}

type appendOutput struct {
	Event map[string]any `json:"event"`
}

// ===== SESSION TOOLS =====

type saveSessionInput struct {
	SessionID     string   `json:"session_id,omitempty" jsonschema:"Logical session id. Defaults to the default session."`
	ActiveTask    string   `json:"active_task" jsonschema:"What is being worked on"`
	TaskStatus    string   `json:"task_status,omitempty" jsonschema:"not_started, in_progress, blocked or completed"`
	FilesChanged  []string `json:"files_changed,omitempty" jsonschema:"Files touched during the session"`
	LastCommit    string   `json:"last_commit,omitempty" jsonschema:"Most recent commit hash"`
	DecisionsMade []string `json:"decisions_made,omitempty" jsonschema:"Decisions worth remembering"`
	Blockers      []string `json:"blockers,omitempty" jsonschema:"Open blockers"`
	ResumePrompt  string   `json:"resume_prompt,omitempty" jsonschema:"Text to show on resume. Generated when empty."`
	SuggestedNext []string `json:"suggested_next,omitempty" jsonschema:"Suggested next steps"`
}

type loadSessionInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to load. The most recent session overall when empty."`
}

type sessionOutput struct {
	Found   bool           `json:"found"`
	Session map[string]any `json:"session,omitempty"`
}

// ===== DISCOVERY TOOLS =====

type toolSearchInput struct {
	Query      string `json:"query" jsonschema:"Keyword or regex to match against tool names and descriptions"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"Maximum tools to return. Defaults to 5."`
}

type toolSearchOutput struct {
	Tools []toolSearchMatch `json:"tools"`
	Total int               `json:"total"`
}

type toolSearchMatch struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Keywords    []string `json:"keywords,omitempty"`
	Score       int      `json:"score"`
	MatchReason string   `json:"match_reason"`
}

func (s *Server) registerTools() {
	addTool(s, &ToolMetadata{
		Name:        "get_current_context",
		Description: "Snapshot of what the user is doing right now: active file, errors, recent commands, commits and detected patterns.",
		Category:    CategoryContext,
		Keywords:    []string{"context", "snapshot", "activity", "now", "working"},
	}, s.handleGetContext)

	addTool(s, &ToolMetadata{
		Name:        "detect_stuck_pattern",
		Description: "Report whether the user appears stuck (repeated errors, file cycling, frustration, long silence) with a suggestion.",
		Category:    CategoryContext,
		Keywords:    []string{"stuck", "pattern", "error", "loop", "frustration", "help"},
	}, s.handleDetectStuck)

	addTool(s, &ToolMetadata{
		Name:        "suggest_action",
		Description: "Single most useful next action given the current activity.",
		Category:    CategoryContext,
		Keywords:    []string{"suggest", "next", "action", "recommend"},
	}, s.handleSuggestAction)

	addTool(s, &ToolMetadata{
		Name:        "search",
		Description: "Ranked keyword and semantic search across all captured screen, voice, file, terminal and clipboard activity.",
		Category:    CategorySearch,
		Keywords:    []string{"search", "find", "history", "semantic", "keyword"},
	}, s.handleSearch)

	addTool(s, &ToolMetadata{
		Name:        "query_window",
		Description: "Raw events captured in the last N minutes, oldest first.",
		Category:    CategorySearch,
		Keywords:    []string{"window", "recent", "events", "timeline", "raw"},
	}, s.handleQueryWindow)

	addTool(s, &ToolMetadata{
		Name:        "append_event",
		Description: "Record one activity event from a producer.",
		Category:    CategoryIngest,
		Keywords:    []string{"append", "ingest", "event", "record", "capture"},
	}, s.handleAppendEvent)

	addTool(s, &ToolMetadata{
		Name:        "save_session",
		Description: "Checkpoint the current task, decisions and blockers so work can be resumed later.",
		Category:    CategorySession,
		Keywords:    []string{"save", "session", "checkpoint", "task", "resume"},
	}, s.handleSaveSession)

	addTool(s, &ToolMetadata{
		Name:        "load_last_session",
		Description: "Restore the most recently saved session state with its resume prompt.",
		Category:    CategorySession,
		Keywords:    []string{"load", "resume", "session", "restore", "continue"},
	}, s.handleLoadSession)

	addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find available tools by keyword or regex.",
		Category:    CategoryDiscovery,
		Keywords:    []string{"tool", "discover", "list", "help"},
	}, s.handleToolSearch)
}

func (s *Server) handleGetContext(ctx context.Context, in contextInput) (contextOutput, string, error) {
	depth, err := synthesizer.ParseDepth(in.Depth)
	if err != nil {
		return contextOutput{}, "", err
	}
	snap, err := s.svc.Context.GetCurrentContext(ctx, depth)
	if err != nil {
		return contextOutput{}, "", err
	}
	m, err := toMap(snap)
	if err != nil {
		return contextOutput{}, "", err
	}
	return contextOutput{Context: m, Complete: snap.Complete}, snap.ActiveWork.Summary, nil
}

func (s *Server) handleDetectStuck(ctx context.Context, _ emptyInput) (stuckOutput, string, error) {
	report, err := s.svc.Context.DetectStuck(ctx)
	if err != nil {
		return stuckOutput{}, "", err
	}
	patterns, err := toMaps(report.Patterns)
	if err != nil {
		return stuckOutput{}, "", err
	}
	summary := "Not stuck."
	if report.IsStuck {
		summary = fmt.Sprintf("Stuck: %d pattern(s). %s", len(report.Patterns), report.Suggestion)
	}
	return stuckOutput{
		IsStuck:    report.IsStuck,
		Patterns:   patterns,
		Suggestion: report.Suggestion,
		Complete:   report.Complete,
	}, summary, nil
}

func (s *Server) handleSuggestAction(ctx context.Context, _ emptyInput) (suggestOutput, string, error) {
	a, err := s.svc.Context.SuggestAction(ctx)
	if err != nil {
		return suggestOutput{}, "", err
	}
	return suggestOutput{
		Action:    a.Action,
		Reasoning: a.Reasoning,
		Pattern:   a.Pattern,
		Complete:  a.Complete,
	}, a.Action, nil
}

func (s *Server) handleSearch(ctx context.Context, in searchInput) (searchOutput, string, error) {
	mode, err := search.ParseMode(in.Mode)
	if err != nil {
		return searchOutput{}, "", err
	}
	sources, err := signal.ParseSources(in.Sources)
	if err != nil {
		return searchOutput{}, "", err
	}
	start, err := parseTime("start", in.Start)
	if err != nil {
		return searchOutput{}, "", err
	}
	end, err := parseTime("end", in.End)
	if err != nil {
		return searchOutput{}, "", err
	}
	resp, err := s.svc.Search.Search(ctx, search.Request{
		Query:   in.Query,
		Mode:    mode,
		Sources: sources,
		Start:   start,
		End:     end,
		Limit:   in.Limit,
	})
	if err != nil {
		return searchOutput{}, "", err
	}
	results, err := toMaps(resp.Results)
	if err != nil {
		return searchOutput{}, "", err
	}
	return searchOutput{
		Query:    resp.Query,
		Mode:     string(resp.Mode),
		Results:  results,
		Complete: resp.Complete,
	}, fmt.Sprintf("%d result(s) for %q", len(results), resp.Query), nil
}

func (s *Server) handleQueryWindow(ctx context.Context, in windowInput) (windowOutput, string, error) {
	if in.Minutes < 0 {
		return windowOutput{}, "", signal.Invalid("minutes", "must not be negative")
	}
	minutes := in.Minutes
	if minutes == 0 {
		minutes = defaultWindowMinutes
	}
	sources, err := signal.ParseSources(in.Sources)
	if err != nil {
		return windowOutput{}, "", err
	}
	end := s.now().UTC()
	start := end.Add(-time.Duration(minutes) * time.Minute)

	w, err := s.svc.Window.QueryWindow(ctx, sources, start, end)
	if err != nil {
		return windowOutput{}, "", err
	}
	events, err := toMaps(w.Events)
	if err != nil {
		return windowOutput{}, "", err
	}
	return windowOutput{
		Start:    start.Format(time.RFC3339),
		End:      end.Format(time.RFC3339),
		Events:   events,
		Complete: !w.Cached,
	}, fmt.Sprintf("%d event(s) in the last %d minute(s)", len(events), minutes), nil
}

func (s *Server) handleAppendEvent(ctx context.Context, in appendInput) (appendOutput, string, error) {
	source, err := signal.ParseSource(in.Source)
	if err != nil {
		return appendOutput{}, "", err
	}
	raw, err := json.Marshal(in.Payload)
	if err != nil {
		return appendOutput{}, "", signal.Invalid("payload", "%v", err)
	}
	payload, err := signal.DecodePayload(source, raw)
	if err != nil {
		return appendOutput{}, "", err
	}
	ts := s.now().UTC()
	if in.Timestamp != "" {
		if ts, err = parseTime("timestamp", in.Timestamp); err != nil {
			return appendOutput{}, "", err
		}
	}

	stored, err := s.svc.Ingest.Ingest(ctx, signal.Event{
		Timestamp: ts,
		Source:    source,
		Payload:   payload,
		Tags:      in.Tags,
	})
	if err != nil {
		return appendOutput{}, "", err
	}
	m, err := toMap(stored)
	if err != nil {
		return appendOutput{}, "", err
	}
	return appendOutput{Event: m}, fmt.Sprintf("stored %s event %d", stored.Source, stored.ID), nil
}

func (s *Server) handleSaveSession(ctx context.Context, in saveSessionInput) (sessionOutput, string, error) {
	saved, err := s.svc.Sessions.Save(ctx, session.State{
		SessionID:     in.SessionID,
		ActiveTask:    in.ActiveTask,
		TaskStatus:    session.TaskStatus(in.TaskStatus),
		FilesChanged:  in.FilesChanged,
		LastCommit:    in.LastCommit,
		DecisionsMade: in.DecisionsMade,
		Blockers:      in.Blockers,
		ResumePrompt:  in.ResumePrompt,
		SuggestedNext: in.SuggestedNext,
		Trigger:       session.TriggerExplicit,
	})
	if err != nil {
		return sessionOutput{}, "", err
	}
	m, err := toMap(saved)
	if err != nil {
		return sessionOutput{}, "", err
	}
	return sessionOutput{Found: true, Session: m}, "saved " + saved.RecordID, nil
}

func (s *Server) handleLoadSession(ctx context.Context, in loadSessionInput) (sessionOutput, string, error) {
	st, err := s.svc.Sessions.LoadLast(ctx, in.SessionID)
	if err != nil {
		return sessionOutput{}, "", err
	}
	if st == nil {
		return sessionOutput{Found: false}, "No saved session.", nil
	}
	m, err := toMap(st)
	if err != nil {
		return sessionOutput{}, "", err
	}
	return sessionOutput{Found: true, Session: m}, st.ResumePrompt, nil
}

func (s *Server) handleToolSearch(_ context.Context, in toolSearchInput) (toolSearchOutput, string, error) {
	if in.Query == "" {
		return toolSearchOutput{}, "", signal.Invalid("query", "required")
	}
	limit := in.MaxResults
	if limit <= 0 {
		limit = defaultToolResults
	}
	results := s.registry.Search(in.Query)
	out := toolSearchOutput{Total: len(results), Tools: []toolSearchMatch{}}
	for i, r := range results {
		if i >= limit {
			break
		}
		out.Tools = append(out.Tools, toolSearchMatch{
			Name:        r.Tool.Name,
			Description: r.Tool.Description,
			Category:    string(r.Tool.Category),
			Keywords:    r.Tool.Keywords,
			Score:       r.Score,
			MatchReason: r.MatchReason,
		})
	}
	return out, fmt.Sprintf("%d matching tool(s)", out.Total), nil
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, signal.Invalid(field, "must be RFC3339: %v", err)
	}
	return t, nil
}

// toMap converts a value to its JSON object form so tool outputs carry
// the same field names as the HTTP API.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return m, nil
}

func toMaps[T any](items []T) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		m, err := toMap(item)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
