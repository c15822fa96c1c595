package policytest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fixture is one declarative test case: an input document and the expected
// decision.
type Fixture struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Input       any    `json:"input" yaml:"input"`
	// ExpectedAllowed is the expected boolean outcome of the entrypoint.
	ExpectedAllowed bool   `json:"expected_allowed" yaml:"expected_allowed"`
	ExpectedReason  string `json:"expected_reason,omitempty" yaml:"expected_reason,omitempty"`
	// ExpectedDecision, when set, is deep-compared against the full decision
	// document.
	ExpectedDecision any `json:"expected_decision,omitempty" yaml:"expected_decision,omitempty"`
	// Data is an overlay merged into the data document before evaluation,
	// keyed by data path.
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// FixtureSet is the contents of one *_fixtures.{json,yaml} file.
type FixtureSet struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Package is the policy package under test; the entrypoint evaluated is
	// data.<package>.allow.
	Package  string    `json:"package" yaml:"package"`
	Fixtures []Fixture `json:"fixtures" yaml:"fixtures"`
	Path     string    `json:"-" yaml:"-"`
}

// Entrypoint returns the ref the fixtures evaluate.
func (s *FixtureSet) Entrypoint() string {
	return "data." + s.Package + ".allow"
}

// LoadFixtureSet parses a fixture file, JSON or YAML by extension.
func LoadFixtureSet(path string) (*FixtureSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures %s: %w", path, err)
	}

	var set FixtureSet
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(raw, &set)
	} else {
		err = yaml.Unmarshal(raw, &set)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}

	if set.Package == "" {
		return nil, fmt.Errorf("fixtures %s: missing package", path)
	}
	for i, f := range set.Fixtures {
		if f.Name == "" {
			return nil, fmt.Errorf("fixtures %s: fixture %d has no name", path, i)
		}
	}

	set.Path = path
	// YAML decodes nested maps as map[string]any already with yaml.v3, but
	// inputs pass through JSON before evaluation to normalize numbers.
	set.normalize()
	return &set, nil
}

func (s *FixtureSet) normalize() {
	for i := range s.Fixtures {
		s.Fixtures[i].Input = normalizeValue(s.Fixtures[i].Input)
		s.Fixtures[i].ExpectedDecision = normalizeValue(s.Fixtures[i].ExpectedDecision)
		for k, v := range s.Fixtures[i].Data {
			s.Fixtures[i].Data[k] = normalizeValue(v)
		}
	}
}

// normalizeValue round-trips a value through JSON so YAML and JSON fixtures
// evaluate identically.
func normalizeValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
