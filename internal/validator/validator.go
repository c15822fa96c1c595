package validator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/eunomia-project/eunomia/internal/engine"
)

// ValidationError wraps a report that contains Error-severity issues. It is
// never retried.
type ValidationError struct {
	Report *Report
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed with %d error(s)", e.Report.ErrorCount())
}

// Validator combines the syntax, lint, and semantic passes.
type Validator struct {
	linter   *Linter
	semantic *SemanticValidator
}

// New returns a validator with default lint rules and all semantic checks.
func New() *Validator {
	return &Validator{
		linter:   NewLinter(),
		semantic: NewSemanticValidator(),
	}
}

// Linter exposes the lint configuration for suppression setup.
func (v *Validator) Linter() *Linter { return v.linter }

// Semantic exposes the semantic pass configuration.
func (v *Validator) Semantic() *SemanticValidator { return v.semantic }

// ValidateDir loads every .rego file under dir and validates the set.
func (v *Validator) ValidateDir(dir string) (*Report, error) {
	sources := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		sources[rel] = string(raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v.ValidateSources(sources), nil
}

// ValidateFiles validates an explicit list of .rego files.
func (v *Validator) ValidateFiles(paths []string) (*Report, error) {
	sources := map[string]string{}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		sources[path] = string(raw)
	}
	return v.ValidateSources(sources), nil
}

// ValidateSources runs all three passes over in-memory sources keyed by file
// path and aggregates the issues into one report.
func (v *Validator) ValidateSources(sources map[string]string) *Report {
	report := &Report{}

	files := make([]string, 0, len(sources))
	for file := range sources {
		files = append(files, file)
	}
	sort.Strings(files)

	// Syntax pass: one engine owns all parsing for this validation.
	eng := engine.New()
	parsed := map[string]string{}
	for _, file := range files {
		if err := eng.AddPolicy(file, sources[file]); err != nil {
			issue := Issue{
				Severity: SeverityError,
				Category: CategorySyntax,
				File:     file,
				Message:  err.Error(),
			}
			if pe, ok := err.(*engine.ParseError); ok {
				issue.Line = pe.Line
				issue.Message = pe.Message
			}
			report.Issues = append(report.Issues, issue)
			continue
		}
		parsed[file] = sources[file]
	}

	// Lint pass runs per file over the raw source, parseable or not.
	for _, file := range files {
		report.Issues = append(report.Issues, v.linter.Lint(sources[file], file)...)
	}

	// Semantic pass needs the full parseable module set.
	report.Issues = append(report.Issues, v.semantic.Validate(parsed)...)

	return report
}
