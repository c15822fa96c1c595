package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/audit"
	"github.com/eunomia-project/eunomia/internal/distributor"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll a service back to a previous version",
	RunE:  runRollback,
}

var (
	rollbackServiceFlag   string
	rollbackToVersionFlag string
	rollbackReasonFlag    string
	rollbackEndpoints     []string
	rollbackTLSFlag       bool
	rollbackAuditLogFlag  string
	rollbackRegistry      registryFlags
)

func init() {
	rollbackCmd.Flags().StringVar(&rollbackServiceFlag, "service", "", "Service name (required)")
	rollbackCmd.Flags().StringVar(&rollbackToVersionFlag, "to-version", "", "Target version (required)")
	rollbackCmd.Flags().StringVar(&rollbackReasonFlag, "reason", "", "Reason recorded in the audit trail (required)")
	rollbackCmd.Flags().StringSliceVar(&rollbackEndpoints, "endpoints", nil, "Instance endpoints as host:port (required)")
	rollbackCmd.Flags().BoolVar(&rollbackTLSFlag, "tls", true, "Use TLS to instances")
	rollbackCmd.Flags().StringVar(&rollbackAuditLogFlag, "audit-log", "", "Append audit events to a JSONL file")
	rollbackCmd.Flags().StringVar(&rollbackRegistry.host, "registry", "", "Registry host[:port] (required)")
	rollbackCmd.Flags().BoolVar(&rollbackRegistry.insecure, "insecure", false, "Allow plain HTTP to the registry")
	rollbackCmd.Flags().StringVar(&rollbackRegistry.authMode, "auth", "", "Auth mode: basic or bearer")
	rollbackCmd.Flags().StringVar(&rollbackRegistry.username, "username", "", "Basic auth user")
	rollbackCmd.Flags().StringVar(&rollbackRegistry.password, "password", "", "Basic auth password")
	rollbackCmd.Flags().StringVar(&rollbackRegistry.token, "token", "", "Bearer token")
	_ = rollbackCmd.MarkFlagRequired("service")
	_ = rollbackCmd.MarkFlagRequired("to-version")
	_ = rollbackCmd.MarkFlagRequired("reason")
	_ = rollbackCmd.MarkFlagRequired("endpoints")
	_ = rollbackCmd.MarkFlagRequired("registry")
}

// GetRollbackCmd returns the rollback command.
func GetRollbackCmd() *cobra.Command {
	return rollbackCmd
}

func runRollback(cmd *cobra.Command, args []string) error {
	instances, err := parseEndpoints(rollbackEndpoints, rollbackTLSFlag)
	if err != nil {
		return err
	}

	client, err := rollbackRegistry.client()
	if err != nil {
		return err
	}

	var sink audit.Sink = audit.NopSink{}
	if rollbackAuditLogFlag != "" {
		jsonl, err := audit.NewJSONLSink(rollbackAuditLogFlag)
		if err != nil {
			return err
		}
		defer jsonl.Close()
		sink = jsonl
	}

	engine, err := distributor.NewEngine(distributor.Config{
		Pusher: distributor.NewHTTPPusher(distributor.PusherConfig{}),
		Source: registrySource{client: client},
		Sink:   sink,
	})
	if err != nil {
		return err
	}

	dep, err := engine.Rollback(cmd.Context(), rollbackServiceFlag, rollbackToVersionFlag, rollbackReasonFlag, instances)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(dep)
	} else {
		printDeployment(dep)
	}

	if dep.CurrentState() != distributor.StateCompleted {
		return &distributionError{message: fmt.Sprintf("rollback %s: %s", dep.CurrentState(), dep.Reason)}
	}
	return nil
}
