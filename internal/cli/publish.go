package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/bundle"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a bundle to an OCI registry",
	RunE:  runPublish,
}

var (
	publishBundleFlag  string
	publishVersionFlag string
	publishRegistry    registryFlags
)

func init() {
	publishCmd.Flags().StringVar(&publishBundleFlag, "bundle", "bundle.tar.gz", "Bundle archive to publish")
	publishCmd.Flags().StringVar(&publishVersionFlag, "version", "", "Expected manifest version; publishing fails if the bundle's version differs")
	publishCmd.Flags().StringVar(&publishRegistry.host, "registry", "", "Registry host[:port] (required)")
	publishCmd.Flags().BoolVar(&publishRegistry.insecure, "insecure", false, "Allow plain HTTP")
	publishCmd.Flags().StringVar(&publishRegistry.authMode, "auth", "", "Auth mode: basic or bearer")
	publishCmd.Flags().StringVar(&publishRegistry.username, "username", "", "Basic auth user")
	publishCmd.Flags().StringVar(&publishRegistry.password, "password", "", "Basic auth password")
	publishCmd.Flags().StringVar(&publishRegistry.token, "token", "", "Bearer token")
	_ = publishCmd.MarkFlagRequired("registry")
}

// GetPublishCmd returns the publish command.
func GetPublishCmd() *cobra.Command {
	return publishCmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	b, err := bundle.FromFile(publishBundleFlag)
	if err != nil {
		return err
	}
	if publishVersionFlag != "" && publishVersionFlag != b.Version() {
		return fmt.Errorf("--version %s does not match bundle manifest %s", publishVersionFlag, b.Version())
	}

	client, err := publishRegistry.client()
	if err != nil {
		return err
	}
	if err := client.Publish(cmd.Context(), b); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]any{
			"service": b.Service(),
			"version": b.Version(),
			"digest":  b.Digest,
			"tag":     "v" + b.Version(),
		})
		return nil
	}
	fmt.Printf("%s✓ published %s v%s%s (sha256:%s)\n", colorGreen, b.Service(), b.Version(), colorReset, b.Digest)
	return nil
}
