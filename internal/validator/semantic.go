package validator

import (
	"fmt"
	"sort"
	"strings"
)

// Rule names that are entrypoints and never reported as unused.
var entrypointRules = map[string]bool{
	"allow":     true,
	"deny":      true,
	"default":   true,
	"violation": true,
	"warn":      true,
}

// Rego builtins and namespaces skipped during reference resolution.
var builtinNames = map[string]bool{
	"count": true, "sum": true, "max": true, "min": true, "sort": true,
	"contains": true, "startswith": true, "endswith": true, "trim": true,
	"lower": true, "upper": true, "split": true, "concat": true,
	"sprintf": true, "json": true, "yaml": true, "base64": true,
	"urlquery": true, "regex": true, "time": true, "http": true,
	"io": true, "opa": true, "rego": true, "future": true,
	"true": true, "false": true, "null": true, "input": true, "data": true,
}

var deprecatedInputFields = map[string]string{
	"input.action":   "Use input.operation_id instead",
	"input.resource": "Use input.context for resource attributes instead",
}

// moduleAnalysis is the per-module structural summary the semantic passes
// work from.
type moduleAnalysis struct {
	pkg          string
	file         string
	imports      []string
	definedRules map[string]int // name -> line
	referenced   map[string]bool
	inputFields  map[string]int // access -> line
	operationIDs map[string]bool
}

// SemanticValidator cross-checks rule references, unused rules, deprecated
// input fields, and operation ids over the full module set.
type SemanticValidator struct {
	contracts     []*ServiceContract
	checkUnused   bool
	checkOpIDs    bool
	checkInputUse bool
}

// NewSemanticValidator returns a validator with all checks enabled. Operation
// id checking stays dormant until a contract is registered.
func NewSemanticValidator() *SemanticValidator {
	return &SemanticValidator{
		checkUnused:   true,
		checkOpIDs:    true,
		checkInputUse: true,
	}
}

// RegisterContract adds a service contract for operation id checking.
func (v *SemanticValidator) RegisterContract(c *ServiceContract) *SemanticValidator {
	v.contracts = append(v.contracts, c)
	return v
}

// WithUnusedChecking toggles the unused-rule pass.
func (v *SemanticValidator) WithUnusedChecking(enabled bool) *SemanticValidator {
	v.checkUnused = enabled
	return v
}

// Validate runs the semantic passes over all modules at once. Sources is a
// map of file path to policy text.
func (v *SemanticValidator) Validate(sources map[string]string) []Issue {
	analyses := make([]*moduleAnalysis, 0, len(sources))
	byPackage := map[string]*moduleAnalysis{}

	files := make([]string, 0, len(sources))
	for file := range sources {
		files = append(files, file)
	}
	sort.Strings(files)

	for _, file := range files {
		a := analyzeModule(sources[file], file)
		analyses = append(analyses, a)
		if a.pkg != "" {
			byPackage[a.pkg] = a
		}
	}

	var issues []Issue
	issues = append(issues, checkImportCycles(analyses)...)
	for _, a := range analyses {
		issues = append(issues, v.checkRuleReferences(a, byPackage)...)
		if v.checkUnused {
			issues = append(issues, checkUnusedRules(a, analyses)...)
		}
		if v.checkInputUse {
			issues = append(issues, checkDeprecatedInputs(a)...)
		}
		if v.checkOpIDs && len(v.contracts) > 0 {
			issues = append(issues, v.checkOperationIDs(a)...)
		}
	}
	return issues
}

func analyzeModule(source, file string) *moduleAnalysis {
	a := &moduleAnalysis{
		file:         file,
		definedRules: map[string]int{},
		referenced:   map[string]bool{},
		inputFields:  map[string]int{},
		operationIDs: map[string]bool{},
	}

	for i, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, "package "); ok {
			a.pkg = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "import "); ok {
			imp := strings.TrimSpace(rest)
			if pkg, ok := strings.CutPrefix(imp, "data."); ok {
				a.imports = append(a.imports, pkg)
			}
			continue
		}

		if name := ruleName(trimmed); name != "" {
			if _, seen := a.definedRules[name]; !seen {
				a.definedRules[name] = i + 1
			}
		}

		collectReferences(trimmed, a.referenced)
		collectPrefixed(line, "input.", i+1, a.inputFields)
		if strings.Contains(line, "operation_id") {
			for _, lit := range stringLiterals(line) {
				a.operationIDs[lit] = true
			}
		}
	}
	return a
}

// ruleName extracts a rule name from a definition line, or "".
func ruleName(line string) string {
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
	if idx := strings.Index(line, "("); idx > 0 && strings.Contains(line, ":=") {
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

// collectReferences gathers bare rule references from a rule body line.
func collectReferences(line string, refs map[string]bool) {
	if strings.HasPrefix(line, "package ") ||
		strings.HasPrefix(line, "import ") ||
		strings.HasPrefix(line, "default ") {
		return
	}
	if strings.Contains(line, ":=") || strings.HasSuffix(line, "if {") {
		// definition; the body is collected from later lines
		return
	}
	candidate := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "not "))
	candidate = strings.TrimSuffix(candidate, "}")
	candidate = strings.TrimSpace(candidate)
	if isIdentifier(candidate) && !builtinNames[candidate] {
		refs[candidate] = true
	}
	// data.<pkg>.<rule> references
	tmp := map[string]int{}
	collectPrefixed(line, "data.", 0, tmp)
	for ref := range tmp {
		refs[ref] = true
	}
}

// collectPrefixed records dotted accesses following a prefix, e.g. all
// input.* paths on a line.
func collectPrefixed(line, prefix string, lineNum int, out map[string]int) {
	rest := line
	for {
		idx := strings.Index(rest, prefix)
		if idx < 0 {
			return
		}
		rest = rest[idx+len(prefix):]
		end := strings.IndexFunc(rest, func(c rune) bool {
			return (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') && c != '_' && c != '.'
		})
		access := rest
		if end >= 0 {
			access = rest[:end]
		}
		access = strings.TrimSuffix(access, ".")
		if access != "" {
			key := strings.TrimSuffix(prefix, ".") + "." + access
			if _, seen := out[key]; !seen {
				out[key] = lineNum
			}
		}
		if end < 0 {
			return
		}
	}
}

func stringLiterals(line string) []string {
	var lits []string
	var current strings.Builder
	inString := false
	for _, c := range line {
		if c == '"' {
			if inString {
				if current.Len() > 0 {
					lits = append(lits, current.String())
				}
				current.Reset()
			}
			inString = !inString
			continue
		}
		if inString {
			current.WriteRune(c)
		}
	}
	return lits
}

// checkImportCycles walks the module graph in pre-order and reports each
// import cycle as an Error.
func checkImportCycles(analyses []*moduleAnalysis) []Issue {
	graph := map[string][]string{}
	fileOf := map[string]string{}
	for _, a := range analyses {
		if a.pkg == "" {
			continue
		}
		graph[a.pkg] = a.imports
		fileOf[a.pkg] = a.file
	}

	var issues []Issue
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}

	var visit func(pkg string, path []string)
	visit = func(pkg string, path []string) {
		switch state[pkg] {
		case done:
			return
		case visiting:
			issues = append(issues, Issue{
				Severity: SeverityError,
				Category: CategoryImportCycle,
				File:     fileOf[pkg],
				Message:  fmt.Sprintf("import cycle: %s -> %s", strings.Join(path, " -> "), pkg),
			})
			return
		}
		state[pkg] = visiting
		for _, dep := range graph[pkg] {
			if _, known := graph[dep]; known {
				visit(dep, append(path, pkg))
			}
		}
		state[pkg] = done
	}

	pkgs := make([]string, 0, len(graph))
	for pkg := range graph {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	for _, pkg := range pkgs {
		visit(pkg, nil)
	}
	return issues
}

func (v *SemanticValidator) checkRuleReferences(a *moduleAnalysis, byPackage map[string]*moduleAnalysis) []Issue {
	var issues []Issue
	refs := make([]string, 0, len(a.referenced))
	for ref := range a.referenced {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	for _, ref := range refs {
		if pkgRef, ok := strings.CutPrefix(ref, "data."); ok {
			// Cross-module reference: resolve against the module namespace.
			idx := strings.LastIndexByte(pkgRef, '.')
			if idx < 0 {
				continue
			}
			pkg, rule := pkgRef[:idx], pkgRef[idx+1:]
			target, known := byPackage[pkg]
			if !known {
				// External data document, not a module.
				continue
			}
			if _, defined := target.definedRules[rule]; !defined {
				issues = append(issues, Issue{
					Severity:   SeverityError,
					Category:   CategoryUndefined,
					File:       a.file,
					Message:    fmt.Sprintf("reference to undefined rule %q in package %s", rule, pkg),
					Suggestion: fmt.Sprintf("Define %q in package %s or fix the reference", rule, pkg),
				})
			}
			continue
		}

		if _, defined := a.definedRules[ref]; !defined {
			issues = append(issues, Issue{
				Severity:   SeverityError,
				Category:   CategoryUndefined,
				File:       a.file,
				Message:    fmt.Sprintf("reference to undefined rule %q", ref),
				Suggestion: fmt.Sprintf("Define %q or import it from another package", ref),
			})
		}
	}
	return issues
}

func checkUnusedRules(a *moduleAnalysis, all []*moduleAnalysis) []Issue {
	var issues []Issue
	names := make([]string, 0, len(a.definedRules))
	for name := range a.definedRules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if entrypointRules[name] || strings.HasPrefix(name, "test_") {
			continue
		}
		referenced := false
		qualified := "data." + a.pkg + "." + name
		for _, other := range all {
			if other.referenced[name] && other.pkg == a.pkg {
				referenced = true
				break
			}
			if other.referenced[qualified] {
				referenced = true
				break
			}
		}
		if !referenced {
			issues = append(issues, Issue{
				Severity:   SeverityWarning,
				Category:   CategoryUnused,
				File:       a.file,
				Line:       a.definedRules[name],
				Message:    fmt.Sprintf("rule %q appears to be unused", name),
				Suggestion: fmt.Sprintf("Remove %q or reference it from another rule", name),
			})
		}
	}
	return issues
}

func checkDeprecatedInputs(a *moduleAnalysis) []Issue {
	var issues []Issue
	accesses := make([]string, 0, len(a.inputFields))
	for access := range a.inputFields {
		accesses = append(accesses, access)
	}
	sort.Strings(accesses)

	seen := map[string]bool{}
	for _, access := range accesses {
		for field, suggestion := range deprecatedInputFields {
			if (access == field || strings.HasPrefix(access, field+".")) && !seen[field] {
				seen[field] = true
				issues = append(issues, Issue{
					Severity:   SeverityWarning,
					Category:   CategoryDeprecated,
					File:       a.file,
					Line:       a.inputFields[access],
					Message:    fmt.Sprintf("deprecated input field %q", field),
					Suggestion: suggestion,
				})
			}
		}
	}
	return issues
}

func (v *SemanticValidator) checkOperationIDs(a *moduleAnalysis) []Issue {
	var issues []Issue
	ops := make([]string, 0, len(a.operationIDs))
	for op := range a.operationIDs {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		known := false
		for _, c := range v.contracts {
			if c.HasOperation(op) {
				known = true
				break
			}
		}
		if !known {
			issues = append(issues, Issue{
				Severity:   SeverityWarning,
				Category:   CategoryOperationID,
				File:       a.file,
				Message:    fmt.Sprintf("unknown operation id %q", op),
				Suggestion: "Register this operation in the service contract",
			})
		}
	}
	return issues
}
