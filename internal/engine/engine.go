// Package engine wraps the embedded Rego engine behind the narrow interface
// the rest of the pipeline depends on: load modules, merge data, evaluate.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
)

// ParseError reports a syntax error in a policy module.
type ParseError struct {
	Path    string
	Message string
	Line    int
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse %s: %s", e.Path, e.Message)
}

// EvalError reports a failed or undefined evaluation.
type EvalError struct {
	Ref     string
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("eval %s: %s", e.Ref, e.Message)
}

// Engine is a stateful policy engine instance. Loaded modules persist for
// the engine's lifetime; SetInput only affects subsequent evaluations.
// An Engine is not safe for concurrent use; parallel callers take a Clone.
type Engine struct {
	mu       sync.Mutex
	modules  map[string]*ast.Module
	sources  map[string]string
	data     map[string]any
	store    storage.Store
	input    any
	compiler *ast.Compiler
	dirty    bool
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		modules: map[string]*ast.Module{},
		sources: map[string]string{},
		data:    map[string]any{},
		store:   inmem.New(),
	}
}

// AddPolicy parses and registers a module under the given path.
func (e *Engine) AddPolicy(path, source string) error {
	module, err := ast.ParseModuleWithOpts(path, source, ast.ParserOptions{
		ProcessAnnotation: true,
	})
	if err != nil {
		pe := &ParseError{Path: path, Message: err.Error()}
		if astErrs, ok := err.(ast.Errors); ok && len(astErrs) > 0 {
			pe.Message = astErrs[0].Message
			if astErrs[0].Location != nil {
				pe.Line = astErrs[0].Location.Row
			}
		}
		return pe
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules[path] = module
	e.sources[path] = source
	e.dirty = true
	return nil
}

// Package returns the package path of a loaded module, without the "data."
// prefix, or "" if the path is unknown.
func (e *Engine) Package(path string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.modules[path]
	if !ok {
		return ""
	}
	return strings.TrimPrefix(m.Package.Path.String(), "data.")
}

// AddData merges a JSON-shaped value at the given dot-separated data path.
// An empty path merges the object's top-level keys into the document root.
func (e *Engine) AddData(path string, value any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if path == "" {
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("root data must be an object, got %T", value)
		}
		for k, v := range obj {
			e.data[k] = v
		}
	} else {
		node := e.data
		parts := strings.Split(path, ".")
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	e.store = inmem.NewFromObject(e.data)
	return nil
}

// SetInput sets the input document for subsequent evaluations.
func (e *Engine) SetInput(value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.input = value
}

func (e *Engine) compile() error {
	if !e.dirty && e.compiler != nil {
		return nil
	}
	compiler := ast.NewCompiler()
	modules := make(map[string]*ast.Module, len(e.modules))
	for path, m := range e.modules {
		modules[path] = m
	}
	compiler.Compile(modules)
	if compiler.Failed() {
		err := compiler.Errors[0]
		pe := &ParseError{Path: "", Message: err.Message}
		if err.Location != nil {
			pe.Path = err.Location.File
			pe.Line = err.Location.Row
		}
		return pe
	}
	e.compiler = compiler
	e.dirty = false
	return nil
}

func (e *Engine) eval(ctx context.Context, ref string) (rego.ResultSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.compile(); err != nil {
		return nil, err
	}

	r := rego.New(
		rego.Query(ref),
		rego.Compiler(e.compiler),
		rego.Store(e.store),
		rego.Input(e.input),
	)
	rs, err := r.Eval(ctx)
	if err != nil {
		return nil, &EvalError{Ref: ref, Message: err.Error()}
	}
	return rs, nil
}

// EvalBool evaluates ref and returns its boolean value. An undefined ref or
// a non-boolean result is an EvalError.
func (e *Engine) EvalBool(ctx context.Context, ref string) (bool, error) {
	rs, err := e.eval(ctx, ref)
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, &EvalError{Ref: ref, Message: "undefined"}
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, &EvalError{Ref: ref, Message: fmt.Sprintf("expected boolean, got %T", rs[0].Expressions[0].Value)}
	}
	return v, nil
}

// EvalValue evaluates ref and returns its JSON-shaped value, or nil if the
// ref is undefined.
func (e *Engine) EvalValue(ctx context.Context, ref string) (any, error) {
	rs, err := e.eval(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}
	return rs[0].Expressions[0].Value, nil
}

// Clone returns an independent engine sharing the loaded module set with a
// deep copy of the data document. Parallel test workers each take a clone.
func (e *Engine) Clone() (*Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clone := New()
	for path, m := range e.modules {
		clone.modules[path] = m
		clone.sources[path] = e.sources[path]
	}
	clone.compiler = e.compiler
	clone.dirty = e.dirty

	if len(e.data) > 0 {
		raw, err := json.Marshal(e.data)
		if err != nil {
			return nil, fmt.Errorf("clone data: %w", err)
		}
		if err := json.Unmarshal(raw, &clone.data); err != nil {
			return nil, fmt.Errorf("clone data: %w", err)
		}
		clone.store = inmem.NewFromObject(clone.data)
	}
	return clone, nil
}

// ModulePaths returns the paths of all loaded modules.
func (e *Engine) ModulePaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]string, 0, len(e.modules))
	for p := range e.modules {
		paths = append(paths, p)
	}
	return paths
}
