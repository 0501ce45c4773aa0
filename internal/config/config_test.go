package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ctrlplane/internal/config"
	"ctrlplane/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	rule, ok := cfg.Routing.Rules["support_request"]
	if !ok || rule.Route != "support_queue" || rule.Risk != domain.RiskLow {
		t.Fatalf("unexpected support_request rule: %+v", rule)
	}
	if cfg.Routing.Default.Route != "manual_review" {
		t.Fatalf("unexpected default route %q", cfg.Routing.Default.Route)
	}
	if cfg.Actuator.MaxRisk != domain.RiskMedium {
		t.Fatalf("unexpected max_risk %q", cfg.Actuator.MaxRisk)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]string{
		"unknown backend": `
store:
  backend: dynamo
routing:
  default: {route: manual_review, risk: medium}
actuator:
  max_risk: medium
`,
		"redis without url": `
store:
  backend: redis
routing:
  default: {route: manual_review, risk: medium}
actuator:
  max_risk: medium
`,
		"missing default route": `
routing:
  rules:
    feedback: {route: product_inbox, risk: low}
actuator:
  max_risk: medium
`,
		"bad risk level": `
routing:
  default: {route: manual_review, risk: extreme}
actuator:
  max_risk: medium
`,
		"notify without url": `
routing:
  default: {route: manual_review, risk: medium}
actuator:
  max_risk: medium
  routes:
    manual_review: {action: notify}
`,
		"unknown action": `
routing:
  default: {route: manual_review, risk: medium}
actuator:
  max_risk: medium
  routes:
    manual_review: {action: delete_everything}
`,
		"escalation without keywords": `
routing:
  default: {route: manual_review, risk: medium}
  escalations:
    - {risk: high}
actuator:
  max_risk: medium
`,
	}
	for name, yaml := range cases {
		if _, err := config.FromYAML([]byte(yaml)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadRoundTrip(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Routing.Rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(cfg.Routing.Rules))
	}
}

func TestLoadMissingFile(t *testing.T) {
	workspace := t.TempDir()
	if _, err := config.Load(workspace); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected a hint to run config init, got %v", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Routing.Default.Route == "" {
		t.Fatalf("expected default config")
	}
	if filepath.Base(config.Path(workspace)) != "ctrlplane.yml" {
		t.Fatalf("unexpected config path %q", config.Path(workspace))
	}
}
