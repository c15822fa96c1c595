package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/crypto"
	"github.com/eunomia-project/eunomia/internal/observability"
	"github.com/eunomia-project/eunomia/internal/observability/logging"
	"github.com/eunomia-project/eunomia/internal/observability/otel"
	"github.com/eunomia-project/eunomia/internal/registry"
	"github.com/eunomia-project/eunomia/internal/validator"
	"github.com/eunomia-project/eunomia/internal/version"
)

// Exit codes per the error contract.
const (
	ExitOK           = 0
	ExitGeneric      = 1
	ExitGating       = 2 // validation or test failure
	ExitSignature    = 3
	ExitRegistry     = 4
	ExitDistribution = 5
)

var rootCmd = &cobra.Command{
	Use:   "eunomia",
	Short: "Authorization policy pipeline and distribution",
	Long: `eunomia: build, test, sign, and distribute authorization policy bundles.

Policies are validated and tested locally, compiled into signed
content-addressed bundles, published to an OCI registry, and rolled out
across a fleet of enforcement instances.`,
	Version:       version.BuildVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// gateError marks a test-failure exit without implying a process fault.
type gateError struct {
	message string
}

func (e *gateError) Error() string { return e.message }

// distributionError marks a failed rollout.
type distributionError struct {
	message string
}

func (e *distributionError) Error() string { return e.message }

// ExitCodeFor maps an error onto the documented exit codes.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}

	var verr *validator.ValidationError
	var gerr *gateError
	var serr *crypto.SignatureError
	var rerr *registry.Error
	var derr *distributionError
	var berr *bundle.Error

	switch {
	case errors.As(err, &verr), errors.As(err, &gerr):
		return ExitGating
	case errors.As(err, &serr):
		return ExitSignature
	case errors.As(err, &rerr):
		return ExitRegistry
	case errors.As(err, &derr):
		return ExitDistribution
	case errors.As(err, &berr):
		return ExitGeneric
	default:
		return ExitGeneric
	}
}

// Execute runs the CLI and exits with the mapped code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		reportError(err)
		os.Exit(ExitCodeFor(err))
	}
}

func reportError(err error) {
	if jsonOutput {
		printErrorEnvelope(err)
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}

var (
	jsonOutput    bool
	actorFlag     string
	logFormatFlag string
	logLevelFlag  string
	logOutputFlag string
	otelFlag      bool
	otelEndpoint  string
)

func setupObservability(cmd *cobra.Command) error {
	ctx := observability.WithOpID(cmd.Context())
	if actorFlag != "" {
		ctx = observability.WithActor(ctx, actorFlag)
	}

	logger, err := logging.NewLogger(logging.Config{
		Format: logFormatFlag,
		Level:  logLevelFlag,
		Output: logOutputFlag,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	ctx = logging.WithLogger(ctx, logger)

	if otelFlag {
		handle, err := otel.Init(ctx, otel.Config{
			Endpoint:    otelEndpoint,
			SampleRatio: 1,
		})
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		ctx = otel.WithHandle(ctx, handle)
		cobra.OnFinalize(func() {
			_ = handle.Shutdown(ctx)
		})
	}

	cmd.SetContext(ctx)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&actorFlag, "actor", "", "Acting principal recorded in audit events")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "text", "Log format: text or jsonl")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logOutputFlag, "log-output", "stderr", "Log destination: stderr or a file path")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "Enable OpenTelemetry tracing")
	rootCmd.PersistentFlags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP endpoint")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return setupObservability(cmd)
	}

	rootCmd.AddCommand(GetValidateCmd())
	rootCmd.AddCommand(GetTestCmd())
	rootCmd.AddCommand(GetBuildCmd())
	rootCmd.AddCommand(GetKeygenCmd())
	rootCmd.AddCommand(GetSignCmd())
	rootCmd.AddCommand(GetPublishCmd())
	rootCmd.AddCommand(GetFetchCmd())
	rootCmd.AddCommand(GetPushCmd())
	rootCmd.AddCommand(GetRollbackCmd())
	rootCmd.AddCommand(GetStatusCmd())
}
