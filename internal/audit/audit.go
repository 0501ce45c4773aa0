// Package audit is the append-only trail of pipeline stage transitions. Every
// transition emits exactly one record; sinks must write each record atomically
// so concurrent requests never interleave inside one entry.
package audit

import (
	"context"
	"sync"
)

// Stage transition names.
const (
	IngestRejected  = "ingest_rejected"
	IngestCreated   = "ingest_created"
	IngestDuplicate = "ingest_duplicate"
	DecisionCreated = "decision_created"
	ActionExecuted  = "action_executed"
	ActionNoop      = "action_noop"
	ActionFailed    = "action_failed"
)

// Record is one stage transition. Fields carry the identifiers relevant to
// the transition (idempotency_key, event_id, decision_id, action_id, route,
// risk_level, status, artifact_path, reason, error).
type Record struct {
	ID        int64          `json:"id,omitempty"`
	TS        string         `json:"ts" format:"date-time"`
	EventName string         `json:"event_name"`
	Fields    map[string]any `json:"fields"`
}

// Sink accepts records. Implementations must be safe for concurrent writers.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Memory keeps records in order, for tests and ephemeral runs.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.records) + 1)
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything appended so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Named returns the appended records with the given event name.
func (m *Memory) Named(eventName string) []Record {
	var out []Record
	for _, rec := range m.Records() {
		if rec.EventName == eventName {
			out = append(out, rec)
		}
	}
	return out
}
