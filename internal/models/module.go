package models

import (
	"strings"
)

// PolicyModule is one unit of policy source.
type PolicyModule struct {
	// Package is the dot-separated logical package identifier.
	Package string `json:"package"`
	// Source is the raw policy text.
	Source string `json:"source"`
	// Path is the source file path the module was loaded from.
	Path string `json:"path,omitempty"`
	// Imports lists the package identifiers this module imports.
	Imports []string `json:"imports,omitempty"`
	// Rules lists the rule names declared in the module.
	Rules []Rule `json:"rules,omitempty"`
}

// IsTestPackage reports whether the module's package is a test package.
func (m *PolicyModule) IsTestPackage() bool {
	return strings.HasSuffix(m.Package, "_test")
}

// ArchivePath returns the bundle entry path for the module: the package
// identifier with dots as directory separators plus the base file name.
func (m *PolicyModule) ArchivePath() string {
	dir := strings.ReplaceAll(m.Package, ".", "/")
	base := "policy.rego"
	if m.Path != "" {
		if idx := strings.LastIndexByte(m.Path, '/'); idx >= 0 {
			base = m.Path[idx+1:]
		} else {
			base = m.Path
		}
	}
	return dir + "/" + base
}

// ParseModule scans policy source into a PolicyModule: package identifier,
// imports, and declared rule names. It is a lightweight structural scan, not
// a full parse; the engine owns syntax checking.
func ParseModule(path, source string) *PolicyModule {
	m := &PolicyModule{Source: source, Path: path}
	seen := map[string]bool{}

	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "package "); ok {
			m.Package = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "import "); ok {
			imp := strings.TrimSpace(rest)
			if pkg, ok := strings.CutPrefix(imp, "data."); ok {
				m.Imports = append(m.Imports, pkg)
			}
			continue
		}
		if name := declaredRuleName(trimmed); name != "" && !seen[name] {
			seen[name] = true
			m.Rules = append(m.Rules, Rule{Name: name, Line: i + 1})
		}
	}
	return m
}

// declaredRuleName extracts the rule name from a definition line, or "".
func declaredRuleName(line string) string {
	if rest, ok := strings.CutPrefix(line, "default "); ok {
		line = rest
	}
	for _, sep := range []string{" if {", " if ", " := ", " = ", " contains "} {
		idx := strings.Index(line, sep)
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if isIdentifier(name) {
			return name
		}
	}
	return ""
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}

// Rule is a named logical rule inside a module.
type Rule struct {
	Name string `json:"name"`
	Line int    `json:"line,omitempty"`
}

// IsTest reports whether the rule is a test rule. A rule is a test iff its
// name begins with "test_" and the enclosing module is a test package.
func (r Rule) IsTest(m *PolicyModule) bool {
	return strings.HasPrefix(r.Name, "test_") && m.IsTestPackage()
}
