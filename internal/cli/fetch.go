package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/registry"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch a bundle from the registry",
	Long: `Fetch a published bundle by version, constraint, or digest. Fetched
bundles land in the local cache; for an exact-version query a fresh cache
entry short-circuits the registry entirely. Latest, constraint, and digest
queries always go to the registry.`,
	RunE: runFetch,
}

var (
	fetchServiceFlag    string
	fetchVersionFlag    string
	fetchConstraintFlag string
	fetchOutputFlag     string
	fetchNoCacheFlag    bool
	fetchRegistry       registryFlags
)

func init() {
	fetchCmd.Flags().StringVar(&fetchServiceFlag, "service", "", "Service name (required)")
	fetchCmd.Flags().StringVar(&fetchVersionFlag, "version", "latest", "Version, 'latest', or sha256:<digest>")
	fetchCmd.Flags().StringVar(&fetchConstraintFlag, "constraint", "", "Version constraint, e.g. '^1.2.0'")
	fetchCmd.Flags().StringVarP(&fetchOutputFlag, "output", "o", "bundle.tar.gz", "Output archive path")
	fetchCmd.Flags().BoolVar(&fetchNoCacheFlag, "no-cache", false, "Bypass the local bundle cache")
	fetchCmd.Flags().StringVar(&fetchRegistry.host, "registry", "", "Registry host[:port] (required)")
	fetchCmd.Flags().BoolVar(&fetchRegistry.insecure, "insecure", false, "Allow plain HTTP")
	fetchCmd.Flags().StringVar(&fetchRegistry.authMode, "auth", "", "Auth mode: basic or bearer")
	fetchCmd.Flags().StringVar(&fetchRegistry.username, "username", "", "Basic auth user")
	fetchCmd.Flags().StringVar(&fetchRegistry.password, "password", "", "Basic auth password")
	fetchCmd.Flags().StringVar(&fetchRegistry.token, "token", "", "Bearer token")
	_ = fetchCmd.MarkFlagRequired("service")
	_ = fetchCmd.MarkFlagRequired("registry")
}

// GetFetchCmd returns the fetch command.
func GetFetchCmd() *cobra.Command {
	return fetchCmd
}

func runFetch(cmd *cobra.Command, args []string) error {
	queryArg := fetchVersionFlag
	if fetchConstraintFlag != "" {
		queryArg = fetchConstraintFlag
	}
	query, err := registry.ParseQuery(queryArg)
	if err != nil {
		return err
	}

	client, err := fetchRegistry.client()
	if err != nil {
		return err
	}

	var cache *registry.Cache
	if !fetchNoCacheFlag {
		cache, err = registry.NewCache(registry.CacheConfig{})
		if err != nil {
			return err
		}
	}

	// An exact-version query can be answered from the cache.
	if cache != nil && query.Kind == registry.QueryExact {
		if cached, err := cache.Get(fetchServiceFlag, query.Exact); err == nil && cached != nil {
			return writeFetched(cached.Raw, cached.Version(), cached.Digest, true)
		}
	}

	b, err := client.Fetch(cmd.Context(), fetchServiceFlag, query)
	if err != nil {
		return err
	}
	if cache != nil {
		_ = cache.Put(b)
	}
	return writeFetched(b.Raw, b.Version(), b.Digest, false)
}

func writeFetched(raw []byte, version, digest string, fromCache bool) error {
	if err := writeFile(fetchOutputFlag, raw); err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]any{
			"output":     fetchOutputFlag,
			"version":    version,
			"digest":     digest,
			"from_cache": fromCache,
		})
		return nil
	}
	source := "registry"
	if fromCache {
		source = "cache"
	}
	fmt.Printf("%s✓ fetched v%s%s from %s (sha256:%s)\n", colorGreen, version, colorReset, source, digest)
	return nil
}
