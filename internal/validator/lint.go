package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// Stable lint rule ids.
const (
	RuleDefaultDeny     = "security/default-deny"
	RuleNoSecrets       = "security/no-hardcoded-secrets"
	RuleNoWildcardAllow = "security/no-wildcard-allow"
	RuleExplicitImports = "style/explicit-imports"
)

// LintRule describes one lint check.
type LintRule struct {
	ID          string
	Name        string
	Description string
	Severity    Severity
	Category    string
}

// DefaultRules is the built-in rule set, all enabled by default.
var DefaultRules = []LintRule{
	{
		ID:          RuleDefaultDeny,
		Name:        "Default Deny",
		Description: "Entrypoint policies must explicitly default to deny",
		Severity:    SeverityError,
		Category:    CategorySecurity,
	},
	{
		ID:          RuleNoSecrets,
		Name:        "No Hardcoded Secrets",
		Description: "Policy must not contain hardcoded secrets or credentials",
		Severity:    SeverityError,
		Category:    CategorySecurity,
	},
	{
		ID:          RuleNoWildcardAllow,
		Name:        "No Wildcard Allow",
		Description: "Avoid allow rules that match everything without conditions",
		Severity:    SeverityWarning,
		Category:    CategorySecurity,
	},
	{
		ID:          RuleExplicitImports,
		Name:        "Explicit Imports",
		Description: "Use explicit imports for future.keywords",
		Severity:    SeverityHint,
		Category:    CategoryStyle,
	},
}

var secretTokens = []string{
	"password",
	"secret",
	"api_key",
	"apikey",
	"access_token",
	"private_key",
	"credential",
	"token",
}

// Values that look like real credentials rather than placeholders.
var suspiciousValue = regexp.MustCompile(`"[A-Za-z0-9_\-/+=]{8,}"`)

// Linter applies the built-in lint rules with per-file suppression.
type Linter struct {
	disabled map[string]bool
	// suppressions maps file path (or "*") to a set of rule ids.
	suppressions map[string]map[string]bool
}

// NewLinter returns a linter with every default rule enabled.
func NewLinter() *Linter {
	return &Linter{
		disabled:     map[string]bool{},
		suppressions: map[string]map[string]bool{},
	}
}

// Disable turns a rule off globally.
func (l *Linter) Disable(ruleID string) {
	l.disabled[ruleID] = true
}

// Enable turns a previously disabled rule back on.
func (l *Linter) Enable(ruleID string) {
	delete(l.disabled, ruleID)
}

// Suppress suppresses a rule for a single file. Use "*" to suppress the rule
// for every file. Error-severity rules are never suppressed.
func (l *Linter) Suppress(file, ruleID string) {
	set, ok := l.suppressions[file]
	if !ok {
		set = map[string]bool{}
		l.suppressions[file] = set
	}
	set[ruleID] = true
}

func (l *Linter) suppressed(file, ruleID string) bool {
	for _, rule := range DefaultRules {
		if rule.ID == ruleID && rule.Severity == SeverityError {
			return false
		}
	}
	if set, ok := l.suppressions[file]; ok && set[ruleID] {
		return true
	}
	if set, ok := l.suppressions["*"]; ok && set[ruleID] {
		return true
	}
	return false
}

func (l *Linter) enabled(file, ruleID string) bool {
	return !l.disabled[ruleID] && !l.suppressed(file, ruleID)
}

// Lint runs all enabled rules over a single source file.
func (l *Linter) Lint(source, file string) []Issue {
	var issues []Issue
	if l.enabled(file, RuleDefaultDeny) {
		issues = append(issues, checkDefaultDeny(source, file)...)
	}
	if l.enabled(file, RuleNoSecrets) {
		issues = append(issues, checkNoSecrets(source, file)...)
	}
	if l.enabled(file, RuleNoWildcardAllow) {
		issues = append(issues, checkNoWildcardAllow(source, file)...)
	}
	if l.enabled(file, RuleExplicitImports) {
		issues = append(issues, checkExplicitImports(source, file)...)
	}
	return issues
}

// checkDefaultDeny requires `default allow := false` in every entrypoint
// module, meaning any non-test module that declares an allow rule.
func checkDefaultDeny(source, file string) []Issue {
	declaresAllow := false
	hasDefault := false
	hasDefaultDeny := false
	defaultAllowTrueLine := 0

	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "allow") && !strings.HasPrefix(trimmed, "allow_") {
			declaresAllow = true
		}
		if strings.HasPrefix(trimmed, "default allow") {
			declaresAllow = true
			hasDefault = true
			if strings.Contains(trimmed, ":= false") || strings.Contains(trimmed, "= false") {
				hasDefaultDeny = true
			}
			if strings.Contains(trimmed, ":= true") || strings.Contains(trimmed, "= true") {
				defaultAllowTrueLine = i + 1
			}
		}
	}

	if pkg := packageOf(source); strings.HasSuffix(pkg, "_test") {
		return nil
	}

	if defaultAllowTrueLine > 0 {
		return []Issue{{
			Severity:   SeverityError,
			Category:   CategorySecurity,
			RuleID:     RuleDefaultDeny,
			File:       file,
			Line:       defaultAllowTrueLine,
			Message:    "default allow is set to true",
			Suggestion: "Use 'default allow := false' for secure default deny",
		}}
	}
	if declaresAllow && (!hasDefault || !hasDefaultDeny) {
		return []Issue{{
			Severity:   SeverityError,
			Category:   CategorySecurity,
			RuleID:     RuleDefaultDeny,
			File:       file,
			Message:    "no default deny rule found",
			Suggestion: "Add 'default allow := false' at the start of the policy",
		}}
	}
	return nil
}

func checkNoSecrets(source, file string) []Issue {
	var issues []Issue
	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		lower := strings.ToLower(trimmed)
		// Reading input.* or data.* is fine; assigning a literal is not.
		if strings.Contains(lower, "input.") || strings.Contains(lower, "data.") {
			continue
		}
		for _, token := range secretTokens {
			if strings.Contains(lower, token) && suspiciousValue.MatchString(trimmed) {
				issues = append(issues, Issue{
					Severity:   SeverityError,
					Category:   CategorySecurity,
					RuleID:     RuleNoSecrets,
					File:       file,
					Line:       i + 1,
					Message:    fmt.Sprintf("possible hardcoded secret: pattern %q", token),
					Suggestion: "Load secrets from external data, not policy source",
				})
				break
			}
		}
	}
	return issues
}

func checkNoWildcardAllow(source, file string) []Issue {
	var issues []Issue
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "allow") || strings.HasPrefix(trimmed, "default allow") {
			continue
		}
		// A wildcard allow has no input or data condition in its body.
		conditioned := false
		for j := i; j < len(lines) && j < i+10; j++ {
			if strings.Contains(lines[j], "input.") || strings.Contains(lines[j], "data.") {
				conditioned = true
				break
			}
		}
		if conditioned {
			continue
		}
		if strings.Contains(trimmed, ":= true") ||
			strings.HasSuffix(trimmed, "{ true }") ||
			strings.HasSuffix(trimmed, "if { true }") {
			issues = append(issues, Issue{
				Severity:   SeverityWarning,
				Category:   CategorySecurity,
				RuleID:     RuleNoWildcardAllow,
				File:       file,
				Line:       i + 1,
				Message:    "allow rule without input conditions matches all requests",
				Suggestion: "Add conditions that check input.caller or similar",
			})
		}
	}
	return issues
}

func checkExplicitImports(source, file string) []Issue {
	usesKeywords := strings.Contains(source, " if {") ||
		strings.Contains(source, " if\n") ||
		strings.Contains(source, "every ") ||
		strings.Contains(source, "contains ")

	hasImport := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import future.keywords") || strings.HasPrefix(trimmed, "import rego.v1") {
			hasImport = true
			break
		}
	}

	if usesKeywords && !hasImport {
		return []Issue{{
			Severity:   SeverityHint,
			Category:   CategoryStyle,
			RuleID:     RuleExplicitImports,
			File:       file,
			Message:    "future keywords used without an explicit import",
			Suggestion: "Add 'import future.keywords.if' (or .in, .every, .contains)",
		}}
	}
	return nil
}

func packageOf(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "package "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
