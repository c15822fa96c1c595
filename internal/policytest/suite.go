// Package policytest discovers and runs policy tests: native Rego test rules
// and declarative JSON/YAML fixtures.
package policytest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eunomia-project/eunomia/internal/models"
)

// ErrEmptySuite means discovery found nothing to run.
var ErrEmptySuite = errors.New("no tests, fixtures, or policies discovered")

// DiscoveryConfig controls the suite walk.
type DiscoveryConfig struct {
	Recursive   bool
	ExcludeDirs []string
}

// DefaultDiscoveryConfig excludes the usual noise directories.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Recursive:   true,
		ExcludeDirs: []string{".git", "node_modules", "vendor", ".idea"},
	}
}

// NativeTest is one test_* rule found in a *_test.rego file.
type NativeTest struct {
	Name    string
	Package string
	File    string
}

// QualifiedName returns the evaluation ref, e.g.
// data.users.authz_test.test_admin_allowed.
func (t NativeTest) QualifiedName() string {
	return "data." + t.Package + "." + t.Name
}

// PolicyFile is a discovered .rego source file.
type PolicyFile struct {
	Path    string
	Package string
	Source  string
	IsTest  bool
}

// DataFile is a discovered data.{json,yaml} document.
type DataFile struct {
	Path  string
	Value map[string]any
}

// Suite is everything discovery found under a root.
type Suite struct {
	Root     string
	Policies []PolicyFile
	Tests    []NativeTest
	Fixtures []FixtureSet
	Data     []DataFile
	// Errors collects non-fatal problems found during the walk.
	Errors []error
}

// Discover walks root per the config and builds a suite. Individual file
// problems are collected in Suite.Errors; an entirely empty suite is an
// error.
func Discover(root string, cfg DiscoveryConfig) (*Suite, error) {
	suite := &Suite{Root: root}
	excluded := map[string]bool{}
	for _, dir := range cfg.ExcludeDirs {
		excluded[dir] = true
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			suite.Errors = append(suite.Errors, err)
			return nil
		}
		if d.IsDir() {
			if path != root && (excluded[d.Name()] || !cfg.Recursive) {
				return filepath.SkipDir
			}
			return nil
		}

		name := d.Name()
		switch {
		case strings.HasSuffix(name, ".rego"):
			suite.addPolicyFile(path)
		case strings.HasSuffix(name, "_fixtures.json"), strings.HasSuffix(name, "_fixtures.yaml"), strings.HasSuffix(name, "_fixtures.yml"):
			suite.addFixtureFile(path)
		case name == "data.json" || name == "data.yaml" || name == "data.yml":
			suite.addDataFile(path)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	if len(suite.Policies) == 0 && len(suite.Fixtures) == 0 {
		return nil, ErrEmptySuite
	}

	sort.Slice(suite.Tests, func(i, j int) bool {
		return suite.Tests[i].QualifiedName() < suite.Tests[j].QualifiedName()
	})
	return suite, nil
}

func (s *Suite) addPolicyFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Errorf("read %s: %w", path, err))
		return
	}
	module := models.ParseModule(path, string(raw))
	isTest := strings.HasSuffix(filepath.Base(path), "_test.rego")

	s.Policies = append(s.Policies, PolicyFile{
		Path:    path,
		Package: module.Package,
		Source:  module.Source,
		IsTest:  isTest,
	})

	if isTest && module.Package != "" {
		for _, rule := range module.Rules {
			if !strings.HasPrefix(rule.Name, "test_") {
				continue
			}
			s.Tests = append(s.Tests, NativeTest{Name: rule.Name, Package: module.Package, File: path})
		}
	}
}

func (s *Suite) addFixtureFile(path string) {
	set, err := LoadFixtureSet(path)
	if err != nil {
		s.Errors = append(s.Errors, err)
		return
	}
	s.Fixtures = append(s.Fixtures, *set)
}

func (s *Suite) addDataFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		s.Errors = append(s.Errors, fmt.Errorf("read %s: %w", path, err))
		return
	}

	var value map[string]any
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(raw, &value)
	} else {
		err = yaml.Unmarshal(raw, &value)
	}
	if err != nil {
		s.Errors = append(s.Errors, fmt.Errorf("parse %s: %w", path, err))
		return
	}
	s.Data = append(s.Data, DataFile{Path: path, Value: value})
}
