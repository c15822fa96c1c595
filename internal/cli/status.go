package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/distributor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent deployments",
	RunE:  runStatus,
}

var (
	statusServiceFlag string
	statusDBFlag      string
	statusLimitFlag   int
)

func init() {
	statusCmd.Flags().StringVar(&statusServiceFlag, "service", "", "Filter by service")
	statusCmd.Flags().StringVar(&statusDBFlag, "db", "eunomia.db", "Deployment database path")
	statusCmd.Flags().IntVar(&statusLimitFlag, "limit", 20, "Maximum rows")
}

// GetStatusCmd returns the status command.
func GetStatusCmd() *cobra.Command {
	return statusCmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := distributor.OpenStore(statusDBFlag)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.ListDeployments(statusServiceFlag, statusLimitFlag)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(rows)
		return nil
	}

	if len(rows) == 0 {
		fmt.Println("no deployments recorded")
		return nil
	}
	for _, row := range rows {
		fmt.Printf("%s  %-12s %-10s %-11s %s",
			row.StartedAt.Format("2006-01-02 15:04:05"), row.Service, row.Version, row.Status, row.Strategy)
		if row.Reason != "" {
			fmt.Printf("  (%s)", row.Reason)
		}
		fmt.Println()
	}
	return nil
}
