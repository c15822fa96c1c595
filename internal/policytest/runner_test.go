package policytest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const authzSource = `package users.authz

import future.keywords.if
import future.keywords.in

default allow := false

allow if {
	input.caller.type == "user"
	"admin" in input.caller.roles
}
`

const authzTestSource = `package users.authz_test

import future.keywords.if

test_admin_allowed if {
	data.users.authz.allow with input as {"caller": {"type": "user", "roles": ["admin"]}}
}

test_viewer_denied if {
	not data.users.authz.allow with input as {"caller": {"type": "user", "roles": ["viewer"]}}
}
`

const fixturesJSON = `{
  "package": "users.authz",
  "fixtures": [
    {
      "name": "admin_can_delete",
      "input": {"caller": {"type": "user", "roles": ["admin"]}, "operation_id": "deleteUser"},
      "expected_allowed": true
    },
    {
      "name": "viewer_cannot_delete",
      "input": {"caller": {"type": "user", "roles": ["viewer"]}, "operation_id": "deleteUser"},
      "expected_allowed": false
    }
  ]
}`

func writeSuite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestDiscoverFindsEverything(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego":          authzSource,
		"authz_test.rego":     authzTestSource,
		"authz_fixtures.json": fixturesJSON,
		"data.json":           `{"teams": {"core": ["alice"]}}`,
		".git/ignored.rego":   "not a policy",
		"sub/extra.rego":      "package extra\n\ndefault allow := false\n",
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(suite.Policies) != 3 {
		t.Errorf("policies = %d, want 3", len(suite.Policies))
	}
	if len(suite.Tests) != 2 {
		t.Errorf("tests = %d, want 2", len(suite.Tests))
	}
	if len(suite.Fixtures) != 1 {
		t.Errorf("fixture sets = %d, want 1", len(suite.Fixtures))
	}
	if len(suite.Data) != 1 {
		t.Errorf("data files = %d, want 1", len(suite.Data))
	}
}

func TestDiscoverEmptyIsError(t *testing.T) {
	dir := t.TempDir()
	_, err := Discover(dir, DefaultDiscoveryConfig())
	if err != ErrEmptySuite {
		t.Fatalf("err = %v, want ErrEmptySuite", err)
	}
}

func TestRunFixtures(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego":          authzSource,
		"authz_fixtures.json": fixturesJSON,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	results, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results.Total() != 2 || results.Passed() != 2 {
		t.Errorf("results = %s, want 2/2 passed", results.Summary())
	}
	if !results.AssertAllPassed() {
		t.Error("AssertAllPassed = false")
	}
}

func TestRunNativeTests(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego":      authzSource,
		"authz_test.rego": authzTestSource,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	results, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results.Total() != 2 || results.Passed() != 2 {
		t.Errorf("results = %s, want 2/2 passed", results.Summary())
	}
}

func TestRunYAMLFixtures(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego": authzSource,
		"authz_fixtures.yaml": `package: users.authz
fixtures:
  - name: admin_allowed
    input:
      caller:
        type: user
        roles: [admin]
    expected_allowed: true
`,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	results, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results.AssertAllPassed() {
		t.Errorf("yaml fixture failed: %+v", results.Failures())
	}
}

func TestFixtureFailureHasReason(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego": authzSource,
		"authz_fixtures.json": `{
  "package": "users.authz",
  "fixtures": [
    {"name": "wrong_expectation", "input": {"caller": {"type": "user", "roles": ["viewer"]}}, "expected_allowed": true}
  ]
}`,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	results, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if results.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", results.Failed())
	}
	failures := results.Failures()
	if failures[0].Reason == "" {
		t.Error("failure has no reason")
	}
}

func TestFilterSelectsSubset(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego":          authzSource,
		"authz_fixtures.json": fixturesJSON,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	opts := DefaultOptions()
	opts.Filter = "admin_can_delete"
	results, err := NewRunner(opts).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results.Total() != 1 {
		t.Errorf("filtered total = %d, want 1", results.Total())
	}
}

func TestFailFastStopsEarly(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego": authzSource,
		"authz_fixtures.json": `{
  "package": "users.authz",
  "fixtures": [
    {"name": "a_fails", "input": {"caller": {"type": "user", "roles": ["viewer"]}}, "expected_allowed": true},
    {"name": "b_would_pass", "input": {"caller": {"type": "user", "roles": ["admin"]}}, "expected_allowed": true}
  ]
}`,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	opts := DefaultOptions()
	opts.FailFast = true
	results, err := NewRunner(opts).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results.Total() != 1 {
		t.Errorf("fail-fast total = %d, want 1", results.Total())
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego":          authzSource,
		"authz_test.rego":     authzTestSource,
		"authz_fixtures.json": fixturesJSON,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	serial, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("serial Run: %v", err)
	}

	opts := DefaultOptions()
	opts.Parallel = true
	parallel, err := NewRunner(opts).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("parallel Run: %v", err)
	}

	if serial.Passed() != parallel.Passed() || serial.Failed() != parallel.Failed() {
		t.Errorf("serial %s != parallel %s", serial.Summary(), parallel.Summary())
	}
}

func TestDataOverlayFromFixture(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"keys.rego": `package keys

import future.keywords.if

default allow := false

allow if {
	input.key == data.auth.valid_keys[_]
}
`,
		"keys_fixtures.json": `{
  "package": "keys",
  "fixtures": [
    {
      "name": "overlay_key_valid",
      "input": {"key": "k1"},
      "data": {"auth": {"valid_keys": ["k1"]}},
      "expected_allowed": true
    }
  ]
}`,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	results, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !results.AssertAllPassed() {
		t.Errorf("overlay fixture failed: %+v", results.Failures())
	}
}

func TestSuiteIdempotence(t *testing.T) {
	dir := writeSuite(t, map[string]string{
		"authz.rego":          authzSource,
		"authz_fixtures.json": fixturesJSON,
	})

	suite, err := Discover(dir, DefaultDiscoveryConfig())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	first, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := NewRunner(DefaultOptions()).Run(context.Background(), suite)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if first.Passed() != second.Passed() || first.Failed() != second.Failed() {
		t.Errorf("runs differ: %s vs %s", first.Summary(), second.Summary())
	}
}
