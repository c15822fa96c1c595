package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file|dir>",
	Short: "Validate policy sources",
	Long: `Validate policy sources with the syntax, lint, and semantic passes.

The exit code is 2 when any error-severity issue is found.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateSuppressFlags []string

func init() {
	validateCmd.Flags().StringArrayVar(&validateSuppressFlags, "suppress", nil,
		"Suppress a lint rule, as 'file:rule-id' or 'rule-id' for all files")
}

// GetValidateCmd returns the validate command.
func GetValidateCmd() *cobra.Command {
	return validateCmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	target := args[0]

	v := validator.New()
	for _, suppression := range validateSuppressFlags {
		file, rule := "*", suppression
		if idx := strings.Index(suppression, ":"); idx >= 0 {
			file, rule = suppression[:idx], suppression[idx+1:]
		}
		v.Linter().Suppress(file, rule)
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat %s: %w", target, err)
	}

	var report *validator.Report
	if info.IsDir() {
		report, err = v.ValidateDir(target)
	} else {
		report, err = v.ValidateFiles([]string{target})
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(report)
	} else {
		printReport(report)
	}

	if !report.Valid() {
		return &validator.ValidationError{Report: report}
	}
	return nil
}

func printReport(report *validator.Report) {
	for _, issue := range report.Issues {
		location := issue.File
		if issue.Line > 0 {
			location = fmt.Sprintf("%s:%d", issue.File, issue.Line)
		}
		fmt.Printf("%s  %s  %s  %s\n", issue.Severity, location, issue.RuleID, issue.Message)
		if issue.Suggestion != "" {
			fmt.Printf("    hint: %s\n", issue.Suggestion)
		}
	}
	if report.Valid() {
		fmt.Printf("%s✓ valid%s (%d warnings)\n", colorGreen, colorReset, report.WarningCount())
	} else {
		fmt.Printf("%s✗ %d error(s)%s\n", colorRed, report.ErrorCount(), colorReset)
	}
}
