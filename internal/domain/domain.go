package domain

// RiskLevel classifies how dangerous it is to act on a decision. Levels are
// ordered: low < medium < high.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var riskOrder = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// Above reports whether r is strictly riskier than other. Unknown levels
// rank as high so a misconfigured level never slips past a gate.
func (r RiskLevel) Above(other RiskLevel) bool {
	return r.rank() > other.rank()
}

func (r RiskLevel) rank() int {
	if n, ok := riskOrder[r]; ok {
		return n
	}
	return riskOrder[RiskHigh]
}

// Valid reports whether r is one of the defined levels.
func (r RiskLevel) Valid() bool {
	_, ok := riskOrder[r]
	return ok
}

// IngestRequest is the canonical, adapter-agnostic ingestion payload. Adapters
// translate their native shapes into this before calling the pipeline.
type IngestRequest struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Event is the canonical record of an admitted occurrence. Created exactly
// once per idempotency key and never mutated afterwards.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Source    string         `json:"source"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	Actor     string         `json:"actor,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Decision is the routing outcome for one Event. A fresh Decision is produced
// on every pipeline run, duplicates included, so one Event may accumulate
// several Decision records in the audit trail.
type Decision struct {
	DecisionID string    `json:"decision_id"`
	EventID    string    `json:"event_id"`
	Route      string    `json:"route"`
	RiskLevel  RiskLevel `json:"risk_level" enum:"low,medium,high"`
	Reason     string    `json:"reason"`
}

// Action statuses. A noop is a successful outcome where policy deliberately
// produced no external effect; it is not an error.
const (
	ActionExecuted = "executed"
	ActionNoop     = "noop"
)

// ActionResult is the outcome of executing one Decision.
type ActionResult struct {
	ActionID     string `json:"action_id"`
	EventID      string `json:"event_id"`
	DecisionID   string `json:"decision_id"`
	ActionType   string `json:"action_type"`
	Status       string `json:"status" enum:"executed,noop"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
