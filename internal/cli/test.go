package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/policytest"
)

var testCmd = &cobra.Command{
	Use:   "test <dir>",
	Short: "Run policy tests and fixtures",
	Long: `Discover and run native Rego tests and declarative fixtures under a
directory. The exit code is 0 iff every test passes.`,
	Args: cobra.ExactArgs(1),
	RunE: runTest,
}

var (
	testFailFastFlag bool
	testFilterFlag   string
	testParallelFlag bool
	testTimeoutFlag  time.Duration
	testExcludeFlags []string
)

func init() {
	testCmd.Flags().BoolVar(&testFailFastFlag, "fail-fast", false, "Stop after the first failure")
	testCmd.Flags().StringVar(&testFilterFlag, "filter", "", "Run only tests matching a substring or glob")
	testCmd.Flags().BoolVar(&testParallelFlag, "parallel", false, "Run tests concurrently")
	testCmd.Flags().DurationVar(&testTimeoutFlag, "timeout", 30*time.Second, "Per-test timeout")
	testCmd.Flags().StringArrayVar(&testExcludeFlags, "exclude-dir", nil, "Directory names to skip during discovery")
}

// GetTestCmd returns the test command.
func GetTestCmd() *cobra.Command {
	return testCmd
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg := policytest.DefaultDiscoveryConfig()
	cfg.ExcludeDirs = append(cfg.ExcludeDirs, testExcludeFlags...)

	suite, err := policytest.Discover(args[0], cfg)
	if err != nil {
		return err
	}
	for _, discoveryErr := range suite.Errors {
		fmt.Printf("warning: %v\n", discoveryErr)
	}

	runner := policytest.NewRunner(policytest.Options{
		FailFast: testFailFastFlag,
		Filter:   testFilterFlag,
		Parallel: testParallelFlag,
		Timeout:  testTimeoutFlag,
	})
	results, err := runner.Run(cmd.Context(), suite)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(results)
	} else {
		for _, failure := range results.Failures() {
			fmt.Printf("%s✗ %s%s: %s\n", colorRed, failure.Name, colorReset, failure.Reason)
		}
		fmt.Println(results.Summary())
	}

	if !results.AssertAllPassed() {
		return &gateError{message: results.Summary()}
	}
	return nil
}
