// Package http provides an HTTP client for the decisio rules engine service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	decisio "github.com/formaops/decisio/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the decisio server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements decisio.RuleManager, decisio.Evaluator, and
// decisio.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the decisio service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireRule struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"rule_name"`
	Type        string          `json:"rule_type,omitempty"`
	Description string          `json:"description,omitempty"`
	Conditions  json.RawMessage `json:"conditions"`
	Actions     json.RawMessage `json:"actions"`
	Priority    int             `json:"priority"`
	Active      bool            `json:"is_active"`
	CreatedAt   string          `json:"created_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
}

type wireEvaluateReq struct {
	Context decisio.Context `json:"context"`
}

type wireSimulateReq struct {
	Context decisio.Context `json:"context"`
	Rules   []wireRule      `json:"rules,omitempty"`
}

type wireImportReq struct {
	Rules []wireRule `json:"rules"`
}

type wireImportResp struct {
	Imported int        `json:"imported"`
	Rules    []wireRule `json:"rules"`
}

type wireSimulateResp struct {
	Result      decisio.EvaluationResult `json:"result"`
	Traces      []decisio.RuleTrace      `json:"traces"`
	Diagnostics []decisio.Diagnostic     `json:"diagnostics"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("decisio: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("decisio: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decisio: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("decisio: HTTP %d: %s", e.StatusCode, e.Message)
}

func decodeRule(wr wireRule) (decisio.Rule, error) {
	r := decisio.Rule{
		ID:          wr.ID,
		Name:        wr.Name,
		Type:        wr.Type,
		Description: wr.Description,
		Priority:    wr.Priority,
		Active:      wr.Active,
	}
	if wr.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, wr.CreatedAt)
		if err == nil {
			r.CreatedAt = t
		}
	}
	if wr.UpdatedAt != "" {
		t, err := time.Parse(time.RFC3339, wr.UpdatedAt)
		if err == nil {
			r.UpdatedAt = t
		}
	}
	if len(wr.Conditions) > 0 && string(wr.Conditions) != "null" {
		if err := json.Unmarshal(wr.Conditions, &r.Conditions); err != nil {
			return r, fmt.Errorf("decisio: decode conditions: %w", err)
		}
	}
	if len(wr.Actions) > 0 && string(wr.Actions) != "null" {
		if err := json.Unmarshal(wr.Actions, &r.Actions); err != nil {
			return r, fmt.Errorf("decisio: decode actions: %w", err)
		}
	}
	return r, nil
}

func encodeRule(r decisio.Rule) (wireRule, error) {
	wr := wireRule{
		ID:          r.ID,
		Name:        r.Name,
		Type:        r.Type,
		Description: r.Description,
		Priority:    r.Priority,
		Active:      r.Active,
	}
	conditions := r.Conditions
	if conditions == nil {
		conditions = []decisio.Condition{}
	}
	b, err := json.Marshal(conditions)
	if err != nil {
		return wr, err
	}
	wr.Conditions = b
	actions := r.Actions
	if actions == nil {
		actions = []decisio.Action{}
	}
	b, err = json.Marshal(actions)
	if err != nil {
		return wr, err
	}
	wr.Actions = b
	return wr, nil
}

func decodeRules(wire []wireRule) ([]decisio.Rule, error) {
	rules := make([]decisio.Rule, 0, len(wire))
	for _, wr := range wire {
		r, err := decodeRule(wr)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func encodeRules(rules []decisio.Rule) ([]wireRule, error) {
	wire := make([]wireRule, len(rules))
	for i, r := range rules {
		wr, err := encodeRule(r)
		if err != nil {
			return nil, err
		}
		wire[i] = wr
	}
	return wire, nil
}

// -- RuleManager -------------------------------------------------------------

func (c *Client) CreateRule(ctx context.Context, rule decisio.Rule) (decisio.Rule, error) {
	wr, err := encodeRule(rule)
	if err != nil {
		return decisio.Rule{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/rules", wr)
	if err != nil {
		return decisio.Rule{}, err
	}
	defer resp.Body.Close()
	var out wireRule
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decisio.Rule{}, fmt.Errorf("decisio: decode response: %w", err)
	}
	return decodeRule(out)
}

func (c *Client) GetRule(ctx context.Context, id string) (decisio.Rule, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/rules/"+url.PathEscape(id), nil)
	if err != nil {
		return decisio.Rule{}, err
	}
	defer resp.Body.Close()
	var out wireRule
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decisio.Rule{}, fmt.Errorf("decisio: decode response: %w", err)
	}
	return decodeRule(out)
}

func (c *Client) ListRules(ctx context.Context) ([]decisio.Rule, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/rules", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireRule
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decisio: decode response: %w", err)
	}
	return decodeRules(out)
}

func (c *Client) UpdateRule(ctx context.Context, rule decisio.Rule) (decisio.Rule, error) {
	wr, err := encodeRule(rule)
	if err != nil {
		return decisio.Rule{}, err
	}
	resp, err := c.do(ctx, http.MethodPut, "/v1/rules/"+url.PathEscape(rule.ID), wr)
	if err != nil {
		return decisio.Rule{}, err
	}
	defer resp.Body.Close()
	var out wireRule
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decisio.Rule{}, fmt.Errorf("decisio: decode response: %w", err)
	}
	return decodeRule(out)
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/rules/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) ExportRules(ctx context.Context) ([]decisio.Rule, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/export", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out []wireRule
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decisio: decode response: %w", err)
	}
	return decodeRules(out)
}

func (c *Client) ImportRules(ctx context.Context, rules []decisio.Rule) (decisio.ImportResult, error) {
	wire, err := encodeRules(rules)
	if err != nil {
		return decisio.ImportResult{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/import", wireImportReq{Rules: wire})
	if err != nil {
		return decisio.ImportResult{}, err
	}
	defer resp.Body.Close()
	var out wireImportResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decisio.ImportResult{}, fmt.Errorf("decisio: decode response: %w", err)
	}
	imported, err := decodeRules(out.Rules)
	if err != nil {
		return decisio.ImportResult{}, err
	}
	return decisio.ImportResult{Imported: out.Imported, Rules: imported}, nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, evalCtx decisio.Context) (decisio.EvaluationResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Context: evalCtx})
	if err != nil {
		return decisio.EvaluationResult{}, err
	}
	defer resp.Body.Close()
	var out decisio.EvaluationResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decisio.EvaluationResult{}, fmt.Errorf("decisio: decode response: %w", err)
	}
	return out, nil
}

func (c *Client) Simulate(ctx context.Context, evalCtx decisio.Context, rules []decisio.Rule) (decisio.SimulateResult, error) {
	wire, err := encodeRules(rules)
	if err != nil {
		return decisio.SimulateResult{}, err
	}
	if len(wire) == 0 {
		wire = nil
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/simulate", wireSimulateReq{Context: evalCtx, Rules: wire})
	if err != nil {
		return decisio.SimulateResult{}, err
	}
	defer resp.Body.Close()
	var out wireSimulateResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decisio.SimulateResult{}, fmt.Errorf("decisio: decode response: %w", err)
	}
	return decisio.SimulateResult{
		Result:      out.Result,
		Traces:      out.Traces,
		Diagnostics: out.Diagnostics,
	}, nil
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits RuleEvents on the returned
// channel. The channel is closed when ctx is cancelled or the connection
// drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan decisio.RuleEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("decisio: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decisio: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	ch := make(chan decisio.RuleEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed RuleEvents to ch.
// It implements the subset of the SSE spec used by the decisio server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- decisio.RuleEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := decisio.RuleEvent{Type: eventType, EventID: eventID}
				if eventType == "update" || eventType == "delete" {
					var wr wireRule
					if jsonErr := json.Unmarshal([]byte(data), &wr); jsonErr == nil {
						if rule, decodeErr := decodeRule(wr); decodeErr == nil {
							ev.Rule = &rule
							ev.RuleID = rule.ID
						}
					}
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
