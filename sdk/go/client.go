// Package ctrlplanesdk is a minimal client for the Ctrlplane HTTP API.
package ctrlplanesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Ctrlplane HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// IngestRequest mirrors the canonical ingestion payload.
type IngestRequest struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SlackIngestRequest mirrors the Slack adapter payload.
type SlackIngestRequest struct {
	User    string `json:"user"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// Event is the pipeline's canonical event (partial mirror).
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Decision is the routing outcome for an event.
type Decision struct {
	DecisionID string `json:"decision_id"`
	EventID    string `json:"event_id"`
	Route      string `json:"route"`
	RiskLevel  string `json:"risk_level"`
	Reason     string `json:"reason"`
}

// IngestResponse is returned by both ingest endpoints.
type IngestResponse struct {
	Event    Event    `json:"event"`
	Decision Decision `json:"decision"`
}

// AuditRecord is one audit trail entry.
type AuditRecord struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	EventName string         `json:"event_name"`
	Fields    map[string]any `json:"fields"`
}

type auditPage struct {
	Items      []AuditRecord `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Ingest submits a canonical event with the given idempotency key.
func (c *Client) Ingest(ctx context.Context, req IngestRequest, idempotencyKey string) (*IngestResponse, error) {
	var out IngestResponse
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	if err := c.do(ctx, http.MethodPost, "/ingest/api", nil, req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IngestSlack submits a Slack-shaped event with the given idempotency key.
func (c *Client) IngestSlack(ctx context.Context, req SlackIngestRequest, idempotencyKey string) (*IngestResponse, error) {
	var out IngestResponse
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	if err := c.do(ctx, http.MethodPost, "/ingest/slack", nil, req, headers, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit lists recent audit records, newest first.
func (c *Client) Audit(ctx context.Context, limit int, eventName string) ([]AuditRecord, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if eventName != "" {
		query.Set("event_name", eventName)
	}
	var out auditPage
	if err := c.do(ctx, http.MethodGet, "/audit", query, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Health checks the liveness probe.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string, out any) error {
	base := strings.TrimSuffix(c.BaseURL, "/")
	target := base + c.BasePath + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode}
		var envelope struct {
			Error APIError `json:"error"`
		}
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		} else if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
