package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTrackingID is used by send steps that name no tracker.
const DefaultTrackingID = "UA-TEST-1"

// Scenario is one scripted pipeline run.
type Scenario struct {
	// Name uniquely identifies this scenario; golden files are named
	// after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the pipeline defaults.
	Config ScenarioConfig `yaml:"config,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// ScenarioConfig overrides pipeline settings for a scenario.
type ScenarioConfig struct {
	// Period is the dispatch period. Default: 30m
	Period string `yaml:"period,omitempty"`

	// RateLimit enables per-tracker throttling. Default: true
	RateLimit *bool `yaml:"rate_limit,omitempty"`

	// DryRun deletes hits instead of sending them.
	DryRun bool `yaml:"dry_run,omitempty"`

	// Capacity bounds the durable queue. Default: 1000
	Capacity int `yaml:"capacity,omitempty"`
}

// Step is one action against the pipeline.
type Step struct {
	// Do names the action: send, dispatch, online, offline, advance,
	// period, opt_out, opt_in, clear or restart.
	Do string `yaml:"do"`

	// Tracker is the tracking id for send. Default: DefaultTrackingID
	Tracker string `yaml:"tracker,omitempty"`

	// HitType and Fields describe the hit for send.
	HitType string            `yaml:"hit_type,omitempty"`
	Fields  map[string]string `yaml:"fields,omitempty"`

	// Duration is the argument of advance and period.
	Duration string `yaml:"duration,omitempty"`
}

// Step actions.
const (
	DoSend     = "send"
	DoDispatch = "dispatch"
	DoOnline   = "online"
	DoOffline  = "offline"
	DoAdvance  = "advance"
	DoPeriod   = "period"
	DoOptOut   = "opt_out"
	DoOptIn    = "opt_in"
	DoClear    = "clear"
	DoRestart  = "restart"
)

// Assertion checks the outcome of a scenario.
type Assertion struct {
	// Type is delivered_count, delivered_contains, delivered_order or
	// queued.
	Type string `yaml:"type"`

	// Count is used by delivered_count and queued.
	Count int `yaml:"count,omitempty"`

	// Params is a subset match on wire parameters (delivered_contains).
	Params map[string]string `yaml:"params,omitempty"`

	// HitTypes is the expected delivery order (delivered_order).
	HitTypes []string `yaml:"hit_types,omitempty"`
}

// Assertion type constants.
const (
	AssertDeliveredCount    = "delivered_count"
	AssertDeliveredContains = "delivered_contains"
	AssertDeliveredOrder    = "delivered_order"
	AssertQueued            = "queued"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Config.Period != "" {
		if _, err := time.ParseDuration(s.Config.Period); err != nil {
			return fmt.Errorf("config.period: %w", err)
		}
	}
	if s.Config.Capacity < 0 {
		return fmt.Errorf("config.capacity must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	switch s.Do {
	case DoSend:
		if s.HitType == "" {
			return fmt.Errorf("steps[%d]: hit_type is required for send", index)
		}
	case DoAdvance, DoPeriod:
		if s.Duration == "" {
			return fmt.Errorf("steps[%d]: duration is required for %s", index, s.Do)
		}
		if _, err := time.ParseDuration(s.Duration); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case DoDispatch, DoOnline, DoOffline, DoOptOut, DoOptIn, DoClear, DoRestart:
	case "":
		return fmt.Errorf("steps[%d]: do is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, s.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertDeliveredCount, AssertQueued:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertDeliveredContains:
		if len(a.Params) == 0 {
			return fmt.Errorf("assertions[%d]: params is required for delivered_contains", index)
		}
	case AssertDeliveredOrder:
		if a.HitTypes == nil {
			return fmt.Errorf("assertions[%d]: hit_types is required for delivered_order", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
