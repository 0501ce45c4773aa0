// Package actuator executes Decisions. It is the only component allowed to
// cause external side effects, and it is bounded: decisions above the
// configured risk ceiling, or routes with no configured action, resolve to a
// noop instead of an attempt.
//
// Under at-least-once delivery the actuator can run more than once for one
// logical event. write_artifact is idempotent (stable per-event path,
// overwritten on re-run); notify is at-least-once and duplicate deliveries
// are the receiver's problem. Exactly-once is only guaranteed for
// decision-making per key, not for effects.
package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"ctrlplane/internal/config"
	"ctrlplane/internal/domain"
)

const defaultNotifyTimeout = 5 * time.Second

type Actuator struct {
	cfg    config.Actuator
	client *http.Client
}

func New(cfg config.Actuator) *Actuator {
	return &Actuator{
		cfg:    cfg,
		client: &http.Client{Timeout: defaultNotifyTimeout},
	}
}

// Execute enforces the risk gate and runs the configured action for the
// decision's route. It fails only by returning an error; a deliberate
// non-action is a successful noop result.
func (a *Actuator) Execute(ctx context.Context, event domain.Event, decision domain.Decision) (domain.ActionResult, error) {
	result := domain.ActionResult{
		ActionID:   uuid.NewString(),
		EventID:    event.EventID,
		DecisionID: decision.DecisionID,
	}

	if decision.RiskLevel.Above(a.cfg.MaxRisk) {
		result.ActionType = "risk_gate"
		result.Status = domain.ActionNoop
		result.Reason = fmt.Sprintf("risk %s above configured ceiling %s", decision.RiskLevel, a.cfg.MaxRisk)
		return result, nil
	}

	action, ok := a.cfg.Routes[decision.Route]
	if !ok {
		result.ActionType = "route_gate"
		result.Status = domain.ActionNoop
		result.Reason = fmt.Sprintf("route %s has no configured action", decision.Route)
		return result, nil
	}

	result.ActionType = action.Action
	switch action.Action {
	case "write_artifact":
		path, err := a.writeArtifact(event, decision)
		if err != nil {
			return domain.ActionResult{}, fmt.Errorf("write artifact: %w", err)
		}
		result.Status = domain.ActionExecuted
		result.ArtifactPath = path
		result.Reason = "artifact written"
	case "notify":
		if err := a.notify(ctx, action, event, decision); err != nil {
			return domain.ActionResult{}, fmt.Errorf("notify %s: %w", action.URL, err)
		}
		result.Status = domain.ActionExecuted
		result.Reason = fmt.Sprintf("notified %s", action.URL)
	default:
		// Config validation rejects unknown actions; treat a stray one as
		// not actionable rather than failing the pipeline.
		result.Status = domain.ActionNoop
		result.Reason = fmt.Sprintf("unknown action %s", action.Action)
	}
	return result, nil
}

type artifact struct {
	Event    domain.Event    `json:"event"`
	Decision domain.Decision `json:"decision"`
}

// writeArtifact persists the event and decision under a path derived from the
// event id, so re-running a duplicate overwrites the same file.
func (a *Actuator) writeArtifact(event domain.Event, decision domain.Decision) (string, error) {
	dir := a.cfg.ArtifactDir
	if dir == "" {
		dir = filepath.Join(".ctrlplane", "artifacts")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(artifact{Event: event, Decision: decision}, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, event.EventID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (a *Actuator) notify(ctx context.Context, action config.RouteAction, event domain.Event, decision domain.Decision) error {
	data, err := json.Marshal(artifact{Event: event, Decision: decision})
	if err != nil {
		return err
	}
	client := a.client
	if action.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(action.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ctrlplane-Event", event.EventID)
	req.Header.Set("X-Ctrlplane-Decision", decision.DecisionID)
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
