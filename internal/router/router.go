// Package router turns an admitted Event into a Decision. Routing is a pure
// function of the event content and the configured policy: no I/O, no store
// access, and deterministic route/risk for identical input. Only the
// decision_id differs between runs.
package router

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ctrlplane/internal/config"
	"ctrlplane/internal/domain"
)

type Router struct {
	policy config.Routing
}

func New(policy config.Routing) Router {
	return Router{policy: policy}
}

// Decide never fails: event types without a rule fall through to the default
// route and risk, so a malformed or novel event still gets a decision.
func (r Router) Decide(event domain.Event) domain.Decision {
	rule, ok := r.policy.Rules[event.EventType]
	reason := fmt.Sprintf("event_type %s matched routing rule", event.EventType)
	if !ok {
		rule = r.policy.Default
		reason = fmt.Sprintf("no routing rule for event_type %s, using default", event.EventType)
	}

	risk := rule.Risk
	if keyword, escalated := r.escalate(event, &risk); escalated {
		reason += fmt.Sprintf("; risk escalated to %s (keyword %q)", risk, keyword)
	}

	return domain.Decision{
		DecisionID: uuid.NewString(),
		EventID:    event.EventID,
		Route:      rule.Route,
		RiskLevel:  risk,
		Reason:     reason,
	}
}

// escalate raises risk when any configured keyword appears in one of the
// event's payload or metadata text values. It only ever raises, never lowers.
// Values are matched one at a time, so a multi-word keyword cannot match
// across the boundary of two unrelated fields and map iteration order cannot
// change the outcome.
func (r Router) escalate(event domain.Event, risk *domain.RiskLevel) (string, bool) {
	values := textValues(event)
	if len(values) == 0 {
		return "", false
	}
	var matched string
	for _, esc := range r.policy.Escalations {
		if !esc.Risk.Above(*risk) {
			continue
		}
		if keyword, ok := matchKeyword(esc.Keywords, values); ok {
			*risk = esc.Risk
			matched = keyword
		}
	}
	return matched, matched != ""
}

func matchKeyword(keywords, values []string) (string, bool) {
	for _, keyword := range keywords {
		kw := strings.ToLower(strings.TrimSpace(keyword))
		if kw == "" {
			continue
		}
		for _, v := range values {
			if strings.Contains(v, kw) {
				return keyword, true
			}
		}
	}
	return "", false
}

func textValues(event domain.Event) []string {
	var values []string
	for _, m := range []map[string]any{event.Payload, event.Metadata} {
		for _, v := range m {
			if s, ok := v.(string); ok {
				values = append(values, strings.ToLower(s))
			}
		}
	}
	return values
}
