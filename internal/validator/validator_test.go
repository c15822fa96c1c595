package validator

import (
	"testing"
)

const adminPolicy = `package users.authz

import future.keywords.if
import future.keywords.in

default allow := false

allow if {
	input.caller.type == "user"
	"admin" in input.caller.roles
}
`

func TestValidPolicyHasNoErrors(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{"authz.rego": adminPolicy})

	if !report.Valid() {
		t.Fatalf("expected valid report, got %d errors: %+v", report.ErrorCount(), report.Issues)
	}
}

func TestSyntaxErrorReported(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"bad.rego": "package x\n\nallow {{{",
	})

	if report.Valid() {
		t.Fatal("expected syntax error")
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Category == CategorySyntax && issue.File == "bad.rego" {
			found = true
		}
	}
	if !found {
		t.Errorf("no syntax issue in report: %+v", report.Issues)
	}
}

func TestInsecureDefaultAndWildcard(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\ndefault allow := true\n\nallow := true\n",
	})

	if report.Valid() {
		t.Fatal("expected invalid report")
	}
	if got := report.ByRule(RuleDefaultDeny); len(got) != 1 {
		t.Errorf("default-deny issues = %d, want 1", len(got))
	} else if got[0].Severity != SeverityError {
		t.Errorf("default-deny severity = %v, want error", got[0].Severity)
	}
	if got := report.ByRule(RuleNoWildcardAllow); len(got) != 1 {
		t.Errorf("no-wildcard-allow issues = %d, want 1", len(got))
	}
}

func TestMissingDefaultDeny(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\nimport future.keywords.if\n\nallow if {\n\tinput.caller.type == \"user\"\n}\n",
	})

	got := report.ByRule(RuleDefaultDeny)
	if len(got) != 1 {
		t.Fatalf("default-deny issues = %d, want exactly 1", len(got))
	}
	if got[0].Severity != SeverityError {
		t.Errorf("severity = %v, want error", got[0].Severity)
	}
}

func TestHardcodedSecretDetected(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\ndefault allow := false\n\napi_key := \"sk_live_12345abcdef\"\n",
	})

	if len(report.ByRule(RuleNoSecrets)) == 0 {
		t.Errorf("expected hardcoded secret issue: %+v", report.Issues)
	}
}

func TestSecretAccessViaInputAllowed(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\nimport future.keywords.if\n\ndefault allow := false\n\nallow if {\n\tinput.api_key == data.auth.valid_keys[_]\n}\n",
	})

	if len(report.ByRule(RuleNoSecrets)) != 0 {
		t.Errorf("input/data access should not be flagged: %+v", report.ByRule(RuleNoSecrets))
	}
}

func TestExplicitImportsHint(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\ndefault allow := false\n\nallow if {\n\tinput.caller.type == \"user\"\n}\n",
	})

	got := report.ByRule(RuleExplicitImports)
	if len(got) != 1 {
		t.Fatalf("explicit-imports issues = %d, want 1", len(got))
	}
	if got[0].Severity != SeverityHint {
		t.Errorf("severity = %v, want hint", got[0].Severity)
	}
	// A hint never invalidates the report.
	if !report.Valid() {
		t.Error("hints must not invalidate the report")
	}
}

func TestSuppressionSkipsWarningButNotError(t *testing.T) {
	v := New()
	v.Linter().Suppress("x.rego", RuleNoWildcardAllow)
	v.Linter().Suppress("x.rego", RuleDefaultDeny)

	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\ndefault allow := true\n\nallow := true\n",
	})

	if len(report.ByRule(RuleNoWildcardAllow)) != 0 {
		t.Error("suppressed warning rule still reported")
	}
	if len(report.ByRule(RuleDefaultDeny)) != 1 {
		t.Error("error-severity rule must not be suppressible")
	}
}

func TestUndefinedRuleReference(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\nimport future.keywords.if\n\ndefault allow := false\n\nallow if {\n\tis_admin\n}\n",
	})

	found := false
	for _, issue := range report.Issues {
		if issue.Category == CategoryUndefined && issue.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected undefined-rule error: %+v", report.Issues)
	}
}

func TestCrossModuleReferenceResolves(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"authz.rego":   "package users.authz\n\nimport future.keywords.if\nimport data.users.helpers\n\ndefault allow := false\n\nallow if {\n\tdata.users.helpers.is_admin\n}\n",
		"helpers.rego": "package users.helpers\n\nimport future.keywords.if\n\nis_admin if {\n\t\"admin\" in input.caller.roles\n}\n",
	})

	for _, issue := range report.Issues {
		if issue.Category == CategoryUndefined {
			t.Errorf("cross-module reference should resolve: %+v", issue)
		}
	}
}

func TestCrossModuleUndefinedReference(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"authz.rego":   "package users.authz\n\nimport future.keywords.if\n\ndefault allow := false\n\nallow if {\n\tdata.users.helpers.is_superuser\n}\n",
		"helpers.rego": "package users.helpers\n\nimport future.keywords.if\n\nis_admin if {\n\t\"admin\" in input.caller.roles\n}\n",
	})

	found := false
	for _, issue := range report.Issues {
		if issue.Category == CategoryUndefined && issue.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected undefined cross-module reference error: %+v", report.Issues)
	}
}

func TestImportCycleIsError(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"a.rego": "package a\n\nimport data.b\n\ndefault allow := false\n",
		"b.rego": "package b\n\nimport data.a\n\ndefault allow := false\n",
	})

	found := false
	for _, issue := range report.Issues {
		if issue.Category == CategoryImportCycle && issue.Severity == SeverityError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected import-cycle error: %+v", report.Issues)
	}
}

func TestUnusedRuleWarning(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\nimport future.keywords.if\n\ndefault allow := false\n\nallow if {\n\tinput.caller.type == \"user\"\n}\n\nis_orphan if {\n\tinput.caller.type == \"service\"\n}\n",
	})

	found := false
	for _, issue := range report.Issues {
		if issue.Category == CategoryUnused && issue.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unused-rule warning: %+v", report.Issues)
	}
	// Warnings do not invalidate.
	if !report.Valid() {
		t.Error("warnings must not invalidate the report")
	}
}

func TestDeprecatedInputField(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\nimport future.keywords.if\n\ndefault allow := false\n\nallow if {\n\tinput.action == \"read\"\n}\n",
	})

	found := false
	for _, issue := range report.Issues {
		if issue.Category == CategoryDeprecated {
			found = true
		}
	}
	if !found {
		t.Errorf("expected deprecated-field warning: %+v", report.Issues)
	}
}

func TestOperationIDContractCheck(t *testing.T) {
	v := New()
	v.Semantic().RegisterContract(UsersServiceContract())

	report := v.ValidateSources(map[string]string{
		"x.rego": "package x\n\nimport future.keywords.if\n\ndefault allow := false\n\nallow if {\n\tinput.operation_id == \"launchMissiles\"\n}\n",
	})

	found := false
	for _, issue := range report.Issues {
		if issue.Category == CategoryOperationID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected operation-id warning: %+v", report.Issues)
	}

	// Known operation stays quiet.
	report = v.ValidateSources(map[string]string{
		"x.rego": "package x\n\nimport future.keywords.if\n\ndefault allow := false\n\nallow if {\n\tinput.operation_id == \"deleteUser\"\n}\n",
	})
	for _, issue := range report.Issues {
		if issue.Category == CategoryOperationID {
			t.Errorf("known operation flagged: %+v", issue)
		}
	}
}

func TestTestPackageSkipsDefaultDeny(t *testing.T) {
	v := New()
	report := v.ValidateSources(map[string]string{
		"authz_test.rego": "package users.authz_test\n\nimport future.keywords.if\n\ntest_admin_allowed if {\n\tdata.users.authz.allow with input as {\"caller\": {\"type\": \"user\", \"roles\": [\"admin\"]}}\n}\n",
		"authz.rego":      adminPolicy,
	})

	if got := report.ByRule(RuleDefaultDeny); len(got) != 0 {
		t.Errorf("test package must not require default deny: %+v", got)
	}
}
