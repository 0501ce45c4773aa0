// Package pipeline composes admission, routing, and actuation into the fixed
// sequence every adapter calls: admit -> route -> act -> audit, under one
// idempotency guarantee per key.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"ctrlplane/internal/actuator"
	"ctrlplane/internal/audit"
	"ctrlplane/internal/domain"
	"ctrlplane/internal/metrics"
	"ctrlplane/internal/router"
	"ctrlplane/internal/store"
)

// AdmissionError is a client-caused rejection. No Event is created and no
// store entry is written.
type AdmissionError struct {
	Code string
}

func (e AdmissionError) Error() string { return e.Code }

// ErrMissingIdempotencyKey rejects requests without an idempotency key.
var ErrMissingIdempotencyKey = AdmissionError{Code: "missing_idempotency_key"}

// Pipeline is the orchestrator. It is the sole writer to the idempotency
// store; router and actuator stay stateless.
type Pipeline struct {
	Store    store.Store
	Router   router.Router
	Actuator *actuator.Actuator
	Audit    audit.Sink
	Metrics  *metrics.Metrics
	Logger   *log.Logger
	Now      func() time.Time
}

func New(st store.Store, rt router.Router, act *actuator.Actuator, sink audit.Sink) *Pipeline {
	return &Pipeline{
		Store:    st,
		Router:   rt,
		Actuator: act,
		Audit:    sink,
		Logger:   log.Default(),
		Now:      time.Now,
	}
}

// Process runs one request through the pipeline.
//
// Exactly one Event ever exists per key: the first admission creates it, every
// later admission (concurrent ones included) reuses it unchanged. Duplicates
// are still re-routed and re-acted; only decision-making per key is
// exactly-once, not effects. An actuation failure is absorbed into an
// action_failed record and does not fail the request, so the caller always
// gets the (event, decision) pair once admission succeeded.
func (p *Pipeline) Process(ctx context.Context, req domain.IngestRequest, key string) (domain.Event, domain.Decision, error) {
	if strings.TrimSpace(key) == "" {
		p.Metrics.Ingest("rejected")
		// Rejection is terminal; a failed audit write must not mask the
		// client error.
		if err := p.append(ctx, audit.IngestRejected, map[string]any{
			"reason":     ErrMissingIdempotencyKey.Code,
			"event_type": req.EventType,
			"source":     req.Source,
		}); err != nil {
			p.logf("audit %s: %v", audit.IngestRejected, err)
		}
		return domain.Event{}, domain.Decision{}, ErrMissingIdempotencyKey
	}

	event, duplicate, err := p.admit(ctx, req, key)
	if err != nil {
		return domain.Event{}, domain.Decision{}, err
	}
	name := audit.IngestCreated
	outcome := "created"
	fields := map[string]any{
		"idempotency_key": key,
		"event_id":        event.EventID,
		"event_type":      event.EventType,
		"source":          event.Source,
	}
	if duplicate {
		name = audit.IngestDuplicate
		outcome = "duplicate"
	}
	p.Metrics.Ingest(outcome)
	if err := p.append(ctx, name, fields); err != nil {
		return domain.Event{}, domain.Decision{}, err
	}

	decision := p.Router.Decide(event)
	if err := p.append(ctx, audit.DecisionCreated, map[string]any{
		"decision_id": decision.DecisionID,
		"event_id":    decision.EventID,
		"route":       decision.Route,
		"risk_level":  string(decision.RiskLevel),
		"reason":      decision.Reason,
	}); err != nil {
		return domain.Event{}, domain.Decision{}, err
	}

	if err := p.act(ctx, event, decision); err != nil {
		return domain.Event{}, domain.Decision{}, err
	}
	return event, decision, nil
}

// admit looks up or creates the Event for the key. Creation goes through the
// store's atomic Put: if a concurrent admission won the race, the winning
// Event comes back and this run is a duplicate.
func (p *Pipeline) admit(ctx context.Context, req domain.IngestRequest, key string) (domain.Event, bool, error) {
	existing, err := p.Store.Get(ctx, key)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Event{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	event := domain.Event{
		EventID:   uuid.NewString(),
		EventType: req.EventType,
		Source:    req.Source,
		Timestamp: p.now().UTC().Format(time.RFC3339),
		Actor:     req.Actor,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
	}
	stored, created, err := p.Store.Put(ctx, key, event)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("admit event: %w", err)
	}
	return stored, !created, nil
}

// act executes the decision and records the outcome. Actuation errors are
// recorded as action_failed and absorbed; only audit write failures surface.
func (p *Pipeline) act(ctx context.Context, event domain.Event, decision domain.Decision) error {
	result, err := p.Actuator.Execute(ctx, event, decision)
	if err != nil {
		p.Metrics.Action("failed")
		return p.append(ctx, audit.ActionFailed, map[string]any{
			"event_id":    event.EventID,
			"decision_id": decision.DecisionID,
			"route":       decision.Route,
			"error":       err.Error(),
		})
	}
	name := audit.ActionExecuted
	if result.Status == domain.ActionNoop {
		name = audit.ActionNoop
	}
	p.Metrics.Action(result.Status)
	return p.append(ctx, name, map[string]any{
		"action_id":     result.ActionID,
		"event_id":      result.EventID,
		"decision_id":   result.DecisionID,
		"action_type":   result.ActionType,
		"status":        result.Status,
		"artifact_path": result.ArtifactPath,
		"reason":        result.Reason,
	})
}

func (p *Pipeline) append(ctx context.Context, name string, fields map[string]any) error {
	rec := audit.Record{
		TS:        p.now().UTC().Format(time.RFC3339),
		EventName: name,
		Fields:    fields,
	}
	if err := p.Audit.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit %s: %w", name, err)
	}
	return nil
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}
