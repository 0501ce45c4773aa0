package server

import (
	"fmt"

	"ctrlplane/internal/audit"
	"ctrlplane/internal/domain"
)

// Request payloads

// IngestAPIRequest is the generic adapter's wire shape. It already matches
// the canonical request, so translation only validates.
type IngestAPIRequest struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Actor     *string        `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (r IngestAPIRequest) canonical() (domain.IngestRequest, error) {
	if r.EventType == "" {
		return domain.IngestRequest{}, fmt.Errorf("event_type is required")
	}
	if r.Source == "" {
		return domain.IngestRequest{}, fmt.Errorf("source is required")
	}
	actor := ""
	if r.Actor != nil {
		actor = *r.Actor
	}
	return domain.IngestRequest{
		EventType: r.EventType,
		Source:    r.Source,
		Actor:     actor,
		Payload:   r.Payload,
		Metadata:  r.Metadata,
	}, nil
}

// SlackIngestRequest is the Slack adapter's wire shape.
type SlackIngestRequest struct {
	User    string `json:"user"`
	Text    string `json:"text"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

// canonical translates the Slack payload into the canonical request. Pure
// translation, no pipeline knowledge.
func (r SlackIngestRequest) canonical() domain.IngestRequest {
	return domain.IngestRequest{
		EventType: "support_request",
		Source:    "slack",
		Actor:     r.User,
		Payload:   map[string]any{"text": r.Text},
		Metadata: map[string]any{
			"channel": r.Channel,
			"ts":      r.TS,
		},
	}
}

// Response payloads

type IngestResponse struct {
	Event    domain.Event    `json:"event"`
	Decision domain.Decision `json:"decision"`
}

type paginatedAudit struct {
	Items      []audit.Record `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
