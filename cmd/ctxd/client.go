package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	ctxhttp "github.com/fyrsmithlabs/contextengine/internal/http"
	"github.com/fyrsmithlabs/contextengine/internal/search"
	"github.com/fyrsmithlabs/contextengine/internal/session"
	"github.com/fyrsmithlabs/contextengine/internal/signal"
	"github.com/fyrsmithlabs/contextengine/internal/synthesizer"
)

// apiClient talks to the daemon's /api/v1 routes.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx reply.
type apiError struct {
	Status int
	ctxhttp.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("server returned status %d: %s (%s)", e.Status, e.ErrorResponse.Error, e.Field)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.ErrorResponse.Error)
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		if json.Unmarshal(data, &apiErr.ErrorResponse) != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) Health(ctx context.Context) (ctxhttp.HealthResponse, error) {
	var out ctxhttp.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

func (c *apiClient) Context(ctx context.Context, depth string) (synthesizer.Snapshot, error) {
	var out synthesizer.Snapshot
	q := url.Values{}
	if depth != "" {
		q.Set("depth", depth)
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/context", q, nil, &out)
	return out, err
}

func (c *apiClient) Stuck(ctx context.Context) (synthesizer.StuckReport, error) {
	var out synthesizer.StuckReport
	err := c.do(ctx, http.MethodGet, "/api/v1/stuck", nil, nil, &out)
	return out, err
}

func (c *apiClient) Suggest(ctx context.Context) (synthesizer.Action, error) {
	var out synthesizer.Action
	err := c.do(ctx, http.MethodGet, "/api/v1/suggest", nil, nil, &out)
	return out, err
}

// searchParams are the optional search filters.
type searchParams struct {
	Mode    string
	Sources []string
	Since   time.Duration
	Limit   int
}

func (c *apiClient) Search(ctx context.Context, query string, p searchParams, now time.Time) (search.Response, error) {
	var out search.Response
	q := url.Values{}
	q.Set("q", query)
	if p.Mode != "" {
		q.Set("mode", p.Mode)
	}
	if len(p.Sources) > 0 {
		q.Set("sources", strings.Join(p.Sources, ","))
	}
	if p.Since > 0 {
		q.Set("start", now.Add(-p.Since).UTC().Format(time.RFC3339))
	}
	if p.Limit > 0 {
		q.Set("limit", fmt.Sprint(p.Limit))
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/search", q, nil, &out)
	return out, err
}

func (c *apiClient) Window(ctx context.Context, minutes int, sources []string) (ctxhttp.WindowResponse, error) {
	var out ctxhttp.WindowResponse
	q := url.Values{}
	if minutes > 0 {
		q.Set("minutes", fmt.Sprint(minutes))
	}
	if len(sources) > 0 {
		q.Set("sources", strings.Join(sources, ","))
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/events", q, nil, &out)
	return out, err
}

func (c *apiClient) Append(ctx context.Context, e signal.Event) (signal.Event, error) {
	var out ctxhttp.AppendResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/events", nil, e, &out)
	return out.Event, err
}

func (c *apiClient) SaveSession(ctx context.Context, st session.State) (session.State, error) {
	var out session.State
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", nil, st, &out)
	return out, err
}

func (c *apiClient) LastSession(ctx context.Context, sessionID string) (*session.State, error) {
	var out ctxhttp.SessionResponse
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/last", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Session, nil
}

func (c *apiClient) SessionHistory(ctx context.Context, sessionID string, limit int) (ctxhttp.HistoryResponse, error) {
	var out ctxhttp.HistoryResponse
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/history", q, nil, &out)
	return out, err
}
