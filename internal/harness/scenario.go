package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/safety"
)

// Scenario is a timed script of inputs plus assertions on the outcome.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Rules is the rules file path. Relative paths are resolved against
	// the scenario file's directory by LoadScenario.
	Rules string `yaml:"rules,omitempty"`

	// Limits replaces the rules file limits when set. All fields are
	// taken as written; absent fields are zero.
	Limits *safety.Limits `yaml:"limits,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one input at a virtual time. Exactly one action field is set.
type Step struct {
	AtMs           int            `yaml:"at_ms"`
	Event          *command.Event `yaml:"event,omitempty"`
	Command        *CommandStep   `yaml:"command,omitempty"`
	Pattern        *PatternStep   `yaml:"pattern,omitempty"`
	EmergencyStop  bool           `yaml:"emergency_stop,omitempty"`
	ClearEmergency bool           `yaml:"clear_emergency,omitempty"`
}

// CommandStep is a manual trigger.
type CommandStep struct {
	DeviceID   string       `yaml:"device_id"`
	Kind       command.Kind `yaml:"kind"`
	Intensity  int          `yaml:"intensity"`
	DurationMs int          `yaml:"duration_ms"`
	UserID     string       `yaml:"user_id,omitempty"`
}

// PatternStep starts a pattern run.
type PatternStep struct {
	Name     string `yaml:"name"`
	DeviceID string `yaml:"device_id"`
}

func (s Step) actions() int {
	n := 0
	if s.Event != nil {
		n++
	}
	if s.Command != nil {
		n++
	}
	if s.Pattern != nil {
		n++
	}
	if s.EmergencyStop {
		n++
	}
	if s.ClearEmergency {
		n++
	}
	return n
}

// Assertion checks the trace after the run.
type Assertion struct {
	// Type is one of count, order, contains.
	Type string `yaml:"type"`

	Outcome string   `yaml:"outcome,omitempty"`
	Device  string   `yaml:"device,omitempty"`
	Source  string   `yaml:"source,omitempty"`
	Count   int      `yaml:"count,omitempty"`
	Kinds   []string `yaml:"kinds,omitempty"`
	Reason  string   `yaml:"reason,omitempty"`
}

// Assertion types.
const (
	AssertCount    = "count"
	AssertOrder    = "order"
	AssertContains = "contains"
)

// LoadScenario reads and parses a scenario file. Unknown fields are errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Rules != "" && !filepath.IsAbs(s.Rules) {
		s.Rules = filepath.Join(filepath.Dir(path), s.Rules)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario. Rules paths are left as
// written.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Limits != nil {
		if err := s.Limits.Validate(); err != nil {
			return fmt.Errorf("limits: %w", err)
		}
	}

	for i, step := range s.Steps {
		if step.AtMs < 0 {
			return fmt.Errorf("steps[%d]: at_ms must not be negative", i)
		}
		if n := step.actions(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one of event, command, pattern, emergency_stop, clear_emergency is required, got %d", i, n)
		}
		if step.Event != nil && !step.Event.Type.Valid() {
			return fmt.Errorf("steps[%d].event: type is required", i)
		}
		if step.Command != nil && step.Command.DeviceID == "" {
			return fmt.Errorf("steps[%d].command: device_id is required", i)
		}
		if step.Pattern != nil && (step.Pattern.Name == "" || step.Pattern.DeviceID == "") {
			return fmt.Errorf("steps[%d].pattern: name and device_id are required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertCount:
		if a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: outcome is required for count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertOrder:
		if a.Device == "" {
			return fmt.Errorf("assertions[%d]: device is required for order", index)
		}
	case AssertContains:
		if a.Outcome == "" || a.Reason == "" {
			return fmt.Errorf("assertions[%d]: outcome and reason are required for contains", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
