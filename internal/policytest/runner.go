package policytest

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/wI2L/jsondiff"
	"golang.org/x/sync/errgroup"

	"github.com/eunomia-project/eunomia/internal/engine"
)

// Options controls a suite run.
type Options struct {
	// FailFast stops scheduling new tests after the first failure.
	FailFast bool
	// Filter selects tests by substring or glob over the qualified name.
	Filter string
	// Parallel runs tests concurrently, each on an engine clone.
	Parallel bool
	// Workers bounds parallelism; 0 means 4.
	Workers int
	// Timeout is the per-test wall clock limit; 0 means 30s.
	Timeout time.Duration
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Second, Workers: 4}
}

// Runner executes a discovered suite.
type Runner struct {
	opts Options
}

// NewRunner returns a runner with the given options.
func NewRunner(opts Options) *Runner {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	return &Runner{opts: opts}
}

// testCase is one schedulable unit: a native test or a fixture.
type testCase struct {
	name string
	run  func(ctx context.Context, eng *engine.Engine) Result
}

// Run loads every policy and data file into one shared engine, then executes
// all native tests and fixtures against it.
func (r *Runner) Run(ctx context.Context, suite *Suite) (*Results, error) {
	shared := engine.New()
	for _, p := range suite.Policies {
		if err := shared.AddPolicy(p.Path, p.Source); err != nil {
			return nil, fmt.Errorf("load %s: %w", p.Path, err)
		}
	}
	for _, d := range suite.Data {
		if err := shared.AddData("", d.Value); err != nil {
			return nil, fmt.Errorf("load %s: %w", d.Path, err)
		}
	}

	cases := r.collect(suite)
	results := &Results{}

	if r.opts.Parallel {
		return results, r.runParallel(ctx, shared, cases, results)
	}

	for _, tc := range cases {
		eng, err := shared.Clone()
		if err != nil {
			return nil, err
		}
		result := r.runOne(ctx, eng, tc)
		results.Add(result)
		if r.opts.FailFast && result.Outcome != OutcomePassed {
			break
		}
	}
	return results, nil
}

func (r *Runner) collect(suite *Suite) []testCase {
	var cases []testCase
	for _, t := range suite.Tests {
		if !r.matches(t.QualifiedName()) {
			continue
		}
		cases = append(cases, testCase{name: t.QualifiedName(), run: runNative(t)})
	}
	for i := range suite.Fixtures {
		set := &suite.Fixtures[i]
		for _, f := range set.Fixtures {
			name := set.Package + "/" + f.Name
			if !r.matches(name) {
				continue
			}
			cases = append(cases, testCase{name: name, run: runFixture(set, f)})
		}
	}
	return cases
}

func (r *Runner) matches(name string) bool {
	if r.opts.Filter == "" {
		return true
	}
	if strings.Contains(name, r.opts.Filter) {
		return true
	}
	ok, err := path.Match(r.opts.Filter, name)
	return err == nil && ok
}

func (r *Runner) runOne(ctx context.Context, eng *engine.Engine, tc testCase) Result {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	result := tc.run(ctx, eng)
	if ctx.Err() != nil && result.Outcome == OutcomeError {
		return errorResult(tc.name, time.Since(start), fmt.Sprintf("timeout after %s", r.opts.Timeout))
	}
	result.Duration = time.Since(start)
	return result
}

func (r *Runner) runParallel(ctx context.Context, shared *engine.Engine, cases []testCase, results *Results) error {
	var mu sync.Mutex
	var stopped bool

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, tc := range cases {
		mu.Lock()
		if stopped {
			mu.Unlock()
			break
		}
		mu.Unlock()

		g.Go(func() error {
			eng, err := shared.Clone()
			if err != nil {
				return err
			}
			result := r.runOne(ctx, eng, tc)

			mu.Lock()
			results.Add(result)
			if r.opts.FailFast && result.Outcome != OutcomePassed {
				stopped = true
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// runNative evaluates a test_* rule as a boolean; undefined means failed.
func runNative(t NativeTest) func(context.Context, *engine.Engine) Result {
	return func(ctx context.Context, eng *engine.Engine) Result {
		v, err := eng.EvalValue(ctx, t.QualifiedName())
		if err != nil {
			return errorResult(t.QualifiedName(), 0, err.Error())
		}
		if v == nil {
			return failResult(t.QualifiedName(), 0, "test rule evaluated to undefined")
		}
		if b, ok := v.(bool); ok && !b {
			return failResult(t.QualifiedName(), 0, "test rule evaluated to false")
		}
		return passResult(t.QualifiedName(), 0)
	}
}

// runFixture sets the input (and any data overlay), evaluates the package
// entrypoint, and compares against the expected decision.
func runFixture(set *FixtureSet, f Fixture) func(context.Context, *engine.Engine) Result {
	name := set.Package + "/" + f.Name
	return func(ctx context.Context, eng *engine.Engine) Result {
		for dataPath, value := range f.Data {
			if err := eng.AddData(dataPath, value); err != nil {
				return errorResult(name, 0, fmt.Sprintf("overlay data %s: %v", dataPath, err))
			}
		}
		eng.SetInput(f.Input)

		allowed, err := eng.EvalBool(ctx, set.Entrypoint())
		if err != nil {
			return errorResult(name, 0, err.Error())
		}
		if allowed != f.ExpectedAllowed {
			return failResult(name, 0, fmt.Sprintf("expected allow=%v, got %v", f.ExpectedAllowed, allowed))
		}

		if f.ExpectedDecision != nil {
			actual, err := eng.EvalValue(ctx, "data."+set.Package)
			if err != nil {
				return errorResult(name, 0, err.Error())
			}
			patch, err := jsondiff.Compare(f.ExpectedDecision, actual)
			if err != nil {
				return errorResult(name, 0, fmt.Sprintf("compare decision: %v", err))
			}
			if len(patch) != 0 {
				return failResult(name, 0, fmt.Sprintf("decision mismatch: %s", patch.String()))
			}
		}
		return passResult(name, 0)
	}
}
