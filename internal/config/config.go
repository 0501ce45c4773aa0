package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"ctrlplane/internal/domain"
)

// Config models ctrlplane.yml.
type Config struct {
	Store struct {
		Backend  string `yaml:"backend"` // sqlite, memory, redis, postgres
		RedisURL string `yaml:"redis_url,omitempty"`
		Postgres string `yaml:"postgres_dsn,omitempty"`
	} `yaml:"store"`
	Routing  Routing      `yaml:"routing"`
	Actuator Actuator     `yaml:"actuator"`
	Sinks    []SinkConfig `yaml:"sinks,omitempty"`
}

// Routing is the declarative policy the router evaluates. Rules are keyed by
// event_type; anything unmatched falls through to Default.
type Routing struct {
	Rules       map[string]Rule `yaml:"rules"`
	Default     Rule            `yaml:"default"`
	Escalations []Escalation    `yaml:"escalations,omitempty"`
}

type Rule struct {
	Route string           `yaml:"route"`
	Risk  domain.RiskLevel `yaml:"risk"`
}

// Escalation raises the decided risk when any keyword appears in the event's
// payload or metadata text fields.
type Escalation struct {
	Keywords []string         `yaml:"keywords"`
	Risk     domain.RiskLevel `yaml:"risk"`
}

// Actuator bounds what the actuator may do per route.
type Actuator struct {
	MaxRisk     domain.RiskLevel       `yaml:"max_risk"`
	ArtifactDir string                 `yaml:"artifact_dir,omitempty"`
	Routes      map[string]RouteAction `yaml:"routes"`
}

type RouteAction struct {
	Action         string `yaml:"action"` // write_artifact, notify
	URL            string `yaml:"url,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// SinkConfig describes one downstream consumer of the audit trail.
type SinkConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ctrlplane.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ctrlplane config init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "sqlite", "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	case "postgres":
		if c.Store.Postgres == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Routing.Default.Route == "" {
		return fmt.Errorf("routing.default.route is required")
	}
	if !c.Routing.Default.Risk.Valid() {
		return fmt.Errorf("routing.default.risk %q is not a risk level", c.Routing.Default.Risk)
	}
	for eventType, rule := range c.Routing.Rules {
		if eventType == "" {
			return fmt.Errorf("routing.rules contains an empty event type")
		}
		if rule.Route == "" {
			return fmt.Errorf("routing rule for %s has no route", eventType)
		}
		if !rule.Risk.Valid() {
			return fmt.Errorf("routing rule for %s has risk %q", eventType, rule.Risk)
		}
	}
	for i, esc := range c.Routing.Escalations {
		if len(esc.Keywords) == 0 {
			return fmt.Errorf("routing.escalations[%d] has no keywords", i)
		}
		if !esc.Risk.Valid() {
			return fmt.Errorf("routing.escalations[%d] has risk %q", i, esc.Risk)
		}
	}
	if !c.Actuator.MaxRisk.Valid() {
		return fmt.Errorf("actuator.max_risk %q is not a risk level", c.Actuator.MaxRisk)
	}
	for route, action := range c.Actuator.Routes {
		switch action.Action {
		case "write_artifact":
		case "notify":
			if action.URL == "" {
				return fmt.Errorf("actuator route %s uses notify without a url", route)
			}
		default:
			return fmt.Errorf("actuator route %s has unknown action %q", route, action.Action)
		}
	}
	for i, sink := range c.Sinks {
		if sink.URL == "" {
			return fmt.Errorf("sinks[%d].url is required", i)
		}
	}
	return nil
}

// Default returns the built-in config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML for ctrlplane config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `store:
  backend: sqlite

routing:
  rules:
    support_request:
      route: support_queue
      risk: low
    incident_report:
      route: incident_response
      risk: high
    feedback:
      route: product_inbox
      risk: low

  default:
    route: manual_review
    risk: medium

  escalations:
    - keywords: [urgent, outage, "down", breach]
      risk: high

actuator:
  max_risk: medium
  routes:
    support_queue:
      action: write_artifact
    product_inbox:
      action: write_artifact
    manual_review:
      action: write_artifact
`
