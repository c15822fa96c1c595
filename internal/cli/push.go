package cli

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/audit"
	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/distributor"
	"github.com/eunomia-project/eunomia/internal/observability/logging"
	"github.com/eunomia-project/eunomia/internal/observability/otel"
	"github.com/eunomia-project/eunomia/internal/registry"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Roll a published bundle out to a fleet",
	Long: `Fetch the requested version from the registry and push it to the
configured instances under the chosen deployment strategy.`,
	RunE: runPush,
}

var (
	pushServiceFlag    string
	pushVersionFlag    string
	pushEndpointsFlag  []string
	pushStrategyFlag   string
	pushCanaryPercent  int
	pushCanaryDuration time.Duration
	pushBatchSize      int
	pushBatchDelay     time.Duration
	pushMaxFailures    int
	pushGuardFlag      string
	pushDryRunFlag     bool
	pushTLSFlag        bool
	pushRetriesFlag    int
	pushTimeoutFlag    time.Duration
	pushAuditLogFlag   string
	pushRegistry       registryFlags
)

func init() {
	pushCmd.Flags().StringVar(&pushServiceFlag, "service", "", "Service name (required)")
	pushCmd.Flags().StringVar(&pushVersionFlag, "version", "latest", "Version to deploy")
	pushCmd.Flags().StringSliceVar(&pushEndpointsFlag, "endpoints", nil, "Instance endpoints as host:port (required)")
	pushCmd.Flags().StringVar(&pushStrategyFlag, "strategy", "immediate", "Deployment strategy: immediate, canary, rolling")
	pushCmd.Flags().IntVar(&pushCanaryPercent, "canary-percent", 20, "Canary subset percentage")
	pushCmd.Flags().DurationVar(&pushCanaryDuration, "canary-duration", time.Minute, "Canary observation window")
	pushCmd.Flags().IntVar(&pushBatchSize, "batch-size", 2, "Rolling batch size")
	pushCmd.Flags().DurationVar(&pushBatchDelay, "batch-delay", 10*time.Second, "Delay between rolling batches")
	pushCmd.Flags().IntVar(&pushMaxFailures, "max-failures", 0, "Failed pushes tolerated before abort")
	pushCmd.Flags().StringVar(&pushGuardFlag, "guard", "", "Rollout guard expression (CEL)")
	pushCmd.Flags().BoolVar(&pushDryRunFlag, "dry-run", false, "Resolve and plan without pushing")
	pushCmd.Flags().BoolVar(&pushTLSFlag, "tls", true, "Use TLS to instances")
	pushCmd.Flags().IntVar(&pushRetriesFlag, "retries", 3, "Push attempts per instance")
	pushCmd.Flags().DurationVar(&pushTimeoutFlag, "push-timeout", 10*time.Second, "Per-attempt push timeout")
	pushCmd.Flags().StringVar(&pushAuditLogFlag, "audit-log", "", "Append audit events to a JSONL file")
	pushCmd.Flags().StringVar(&pushRegistry.host, "registry", "", "Registry host[:port] (required)")
	pushCmd.Flags().BoolVar(&pushRegistry.insecure, "insecure", false, "Allow plain HTTP to the registry")
	pushCmd.Flags().StringVar(&pushRegistry.authMode, "auth", "", "Auth mode: basic or bearer")
	pushCmd.Flags().StringVar(&pushRegistry.username, "username", "", "Basic auth user")
	pushCmd.Flags().StringVar(&pushRegistry.password, "password", "", "Basic auth password")
	pushCmd.Flags().StringVar(&pushRegistry.token, "token", "", "Bearer token")
	_ = pushCmd.MarkFlagRequired("service")
	_ = pushCmd.MarkFlagRequired("endpoints")
	_ = pushCmd.MarkFlagRequired("registry")
}

// GetPushCmd returns the push command.
func GetPushCmd() *cobra.Command {
	return pushCmd
}

// registrySource adapts the registry client to the distributor's bundle
// source.
type registrySource struct {
	client *registry.Client
}

func (s registrySource) FetchVersion(ctx context.Context, service, version string) (*bundle.Bundle, error) {
	return s.client.Fetch(ctx, service, registry.Exact(version))
}

func parseEndpoints(endpoints []string, tls bool) ([]distributor.Instance, error) {
	instances := make([]distributor.Instance, 0, len(endpoints))
	for _, endpoint := range endpoints {
		host, portStr, err := net.SplitHostPort(strings.TrimSpace(endpoint))
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", endpoint, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: bad port: %w", endpoint, err)
		}
		instances = append(instances, distributor.Instance{
			ID:   endpoint,
			Host: host,
			Port: port,
			TLS:  tls,
		})
	}
	return instances, nil
}

func pushStrategy() (distributor.Strategy, error) {
	strategyType, err := distributor.ParseStrategy(pushStrategyFlag)
	if err != nil {
		return distributor.Strategy{}, err
	}

	var strategy distributor.Strategy
	switch strategyType {
	case distributor.StrategyCanary:
		strategy = distributor.Canary(pushCanaryPercent, pushCanaryDuration)
	case distributor.StrategyRolling:
		strategy = distributor.Rolling(pushBatchSize, pushBatchDelay)
	default:
		strategy = distributor.Immediate()
	}
	strategy.MaxFailures = pushMaxFailures
	return strategy, strategy.Validate()
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx, span := otel.StartSpan(cmd.Context(), "eunomia.push")
	defer span.End()
	log := logging.From(ctx)

	instances, err := parseEndpoints(pushEndpointsFlag, pushTLSFlag)
	if err != nil {
		return err
	}
	strategy, err := pushStrategy()
	if err != nil {
		return err
	}

	client, err := pushRegistry.client()
	if err != nil {
		return err
	}
	query, err := registry.ParseQuery(pushVersionFlag)
	if err != nil {
		return err
	}
	b, err := client.Fetch(ctx, pushServiceFlag, query)
	if err != nil {
		return err
	}
	log.Info(ctx, "push", "resolved bundle",
		"service", b.Service(), "version", b.Version(), "digest", b.Digest,
		"strategy", strategy.Type.String(), "instances", len(instances))

	if pushDryRunFlag {
		plan := map[string]any{
			"service":   b.Service(),
			"version":   b.Version(),
			"digest":    b.Digest,
			"strategy":  strategy.Type.String(),
			"instances": len(instances),
			"dry_run":   true,
		}
		if jsonOutput {
			printJSON(plan)
		} else {
			fmt.Printf("plan: %s v%s -> %d instance(s), strategy %s\n",
				b.Service(), b.Version(), len(instances), strategy.Type)
		}
		return nil
	}

	var sink audit.Sink = audit.NopSink{}
	if pushAuditLogFlag != "" {
		jsonl, err := audit.NewJSONLSink(pushAuditLogFlag)
		if err != nil {
			return err
		}
		defer jsonl.Close()
		sink = jsonl
	}

	var guard *distributor.Guard
	if pushGuardFlag != "" {
		guard, err = distributor.NewGuard(pushGuardFlag)
		if err != nil {
			return err
		}
	}

	engine, err := distributor.NewEngine(distributor.Config{
		Pusher: distributor.NewHTTPPusher(distributor.PusherConfig{
			MaxRetries:     pushRetriesFlag,
			AttemptTimeout: pushTimeoutFlag,
		}),
		Source: registrySource{client: client},
		Sink:   sink,
		Guard:  guard,
	})
	if err != nil {
		return err
	}

	dep, err := engine.Deploy(ctx, b, instances, strategy)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(dep)
	} else {
		printDeployment(dep)
	}

	switch dep.CurrentState() {
	case distributor.StateCompleted:
		return nil
	case distributor.StateRolledBack:
		return &distributionError{message: fmt.Sprintf("deployment rolled back: %s", dep.Reason)}
	default:
		return &distributionError{message: fmt.Sprintf("deployment %s: %s", dep.CurrentState(), dep.Reason)}
	}
}

func printDeployment(dep *distributor.Deployment) {
	results := dep.Snapshot()
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	fmt.Printf("deployment %s: %s (%d/%d pushed)\n", dep.ID, dep.CurrentState(), succeeded, len(results))
	for id, r := range results {
		mark := colorGreen + "✓" + colorReset
		if !r.Success {
			mark = colorRed + "✗" + colorReset
		}
		fmt.Printf("  %s %s (%d attempt(s))", mark, id, r.Attempts)
		if r.Error != "" {
			fmt.Printf(": %s", r.Error)
		}
		fmt.Println()
	}
}
