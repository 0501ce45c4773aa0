package router_test

import (
	"testing"

	"ctrlplane/internal/config"
	"ctrlplane/internal/domain"
	"ctrlplane/internal/router"
)

func testPolicy() config.Routing {
	return config.Default().Routing
}

func event(eventType, text string) domain.Event {
	return domain.Event{
		EventID:   "evt-1",
		EventType: eventType,
		Source:    "api",
		Payload:   map[string]any{"text": text},
	}
}

func TestKnownEventType(t *testing.T) {
	r := router.New(testPolicy())
	d := r.Decide(event("support_request", "help me please"))
	if d.Route != "support_queue" {
		t.Fatalf("expected support_queue, got %s", d.Route)
	}
	if d.RiskLevel != domain.RiskLow {
		t.Fatalf("expected low risk, got %s", d.RiskLevel)
	}
	if d.EventID != "evt-1" || d.DecisionID == "" {
		t.Fatalf("decision not linked to event: %+v", d)
	}
}

func TestUnknownEventTypeUsesDefault(t *testing.T) {
	r := router.New(testPolicy())
	d := r.Decide(event("never_seen_before", "hello"))
	if d.Route != "manual_review" {
		t.Fatalf("expected default route, got %s", d.Route)
	}
	if d.RiskLevel != domain.RiskMedium {
		t.Fatalf("expected default risk, got %s", d.RiskLevel)
	}
}

func TestKeywordEscalation(t *testing.T) {
	r := router.New(testPolicy())
	d := r.Decide(event("support_request", "this is URGENT, prod is broken"))
	if d.RiskLevel != domain.RiskHigh {
		t.Fatalf("expected escalation to high, got %s", d.RiskLevel)
	}
	if d.Route != "support_queue" {
		t.Fatalf("escalation must not change route, got %s", d.Route)
	}
}

func TestEscalationChecksMetadata(t *testing.T) {
	r := router.New(testPolicy())
	e := event("feedback", "all fine")
	e.Metadata = map[string]any{"note": "possible data breach"}
	d := r.Decide(e)
	if d.RiskLevel != domain.RiskHigh {
		t.Fatalf("expected metadata escalation, got %s", d.RiskLevel)
	}
}

func TestKeywordMatchesWithinOneValue(t *testing.T) {
	policy := testPolicy()
	policy.Escalations = []config.Escalation{
		{Keywords: []string{"service down"}, Risk: domain.RiskHigh},
	}
	r := router.New(policy)

	// The two words live in separate fields; concatenating values in map
	// order could glue them together, which must never count as a match.
	e := event("feedback", "service")
	e.Metadata = map[string]any{"note": "down for maintenance next week"}
	for i := 0; i < 20; i++ {
		if d := r.Decide(e); d.RiskLevel != domain.RiskLow {
			t.Fatalf("keyword matched across field boundary: %+v", d)
		}
	}

	whole := event("feedback", "the service down since 9am")
	if d := r.Decide(whole); d.RiskLevel != domain.RiskHigh {
		t.Fatalf("expected escalation within one value, got %s", d.RiskLevel)
	}
}

func TestDeterminism(t *testing.T) {
	r := router.New(testPolicy())
	e := event("incident_report", "router down in rack 4")
	first := r.Decide(e)
	second := r.Decide(e)
	if first.Route != second.Route || first.RiskLevel != second.RiskLevel {
		t.Fatalf("routing not deterministic: %+v vs %+v", first, second)
	}
	if first.DecisionID == second.DecisionID {
		t.Fatalf("decision ids must be fresh per run")
	}
}
