package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/observability/logging"
	"github.com/eunomia-project/eunomia/internal/observability/otel"
	"github.com/eunomia-project/eunomia/internal/validator"
	"github.com/eunomia-project/eunomia/internal/version"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a deterministic policy bundle",
	Long: `Validate the policy tree and assemble it into a deterministic,
content-addressed gzipped tar archive. The build refuses to package a tree
with validation errors.`,
	RunE: runBuild,
}

var (
	buildDirFlag       string
	buildServiceFlag   string
	buildVersionFlag   string
	buildGitCommitFlag string
	buildOutputFlag    string
	buildSkipValidate  bool
)

func init() {
	buildCmd.Flags().StringVar(&buildDirFlag, "dir", ".", "Policy tree root")
	buildCmd.Flags().StringVar(&buildServiceFlag, "service", "", "Service name (required)")
	buildCmd.Flags().StringVar(&buildVersionFlag, "version", "", "Semantic version (required)")
	buildCmd.Flags().StringVar(&buildGitCommitFlag, "git-commit", "", "Git commit recorded in the manifest (defaults to the binary's VCS revision)")
	buildCmd.Flags().StringVarP(&buildOutputFlag, "output", "o", "bundle.tar.gz", "Output archive path")
	buildCmd.Flags().BoolVar(&buildSkipValidate, "skip-validation", false, "Skip the validation pass (not recommended)")
	_ = buildCmd.MarkFlagRequired("service")
	_ = buildCmd.MarkFlagRequired("version")
}

// GetBuildCmd returns the build command.
func GetBuildCmd() *cobra.Command {
	return buildCmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, span := otel.StartSpan(cmd.Context(), "eunomia.build")
	defer span.End()

	gitCommit := buildGitCommitFlag
	if gitCommit == "" {
		gitCommit = version.Revision()
	}

	if !buildSkipValidate {
		report, err := validator.New().ValidateDir(buildDirFlag)
		if err != nil {
			return err
		}
		if !report.Valid() {
			if jsonOutput {
				printJSON(report)
			} else {
				printReport(report)
			}
			return &validator.ValidationError{Report: report}
		}
	}

	b, err := bundle.Build(bundle.BuildOptions{
		Dir:       buildDirFlag,
		Service:   buildServiceFlag,
		Version:   buildVersionFlag,
		GitCommit: gitCommit,
	})
	if err != nil {
		return err
	}
	logging.From(ctx).Info(ctx, "build", "bundle assembled",
		"service", b.Service(), "version", b.Version(), "digest", b.Digest)

	if err := b.ToFile(buildOutputFlag); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]any{
			"output":  buildOutputFlag,
			"service": b.Service(),
			"version": b.Version(),
			"digest":  b.Digest,
			"files":   len(b.Files),
		})
		return nil
	}
	fmt.Printf("%s✓ bundle written: %s%s\n", colorGreen, buildOutputFlag, colorReset)
	fmt.Printf("  service: %s\n  version: %s\n  digest:  sha256:%s\n", b.Service(), b.Version(), b.Digest)
	return nil
}
