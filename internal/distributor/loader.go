package distributor

import (
	"context"
	"errors"
	"fmt"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/registry"
)

// ErrNoPolicy means every load source failed and no default is configured.
var ErrNoPolicy = errors.New("no policy available from any source")

// LatestFetcher pulls the latest published bundle for a service.
type LatestFetcher interface {
	FetchLatest(ctx context.Context, service string) (*bundle.Bundle, error)
}

// LoaderConfig describes an instance's policy sources in precedence order.
type LoaderConfig struct {
	// Pushed is the in-memory bundle delivered by the control plane.
	Pushed *bundle.Bundle
	// Registry pulls the latest published bundle; nil means unreachable.
	Registry LatestFetcher
	// Cache is the local bundle cache.
	Cache *registry.Cache
	// Default is the embedded deny-all bundle; nil disables the last
	// fallback.
	Default *bundle.Bundle
	Service string
}

// LoadResult is the chosen policy and how degraded the choice was.
type LoadResult struct {
	Bundle *bundle.Bundle
	Level  DegradationLevel
}

// Version returns the loaded bundle's version.
func (r LoadResult) Version() string {
	if r.Bundle == nil {
		return ""
	}
	return r.Bundle.Version()
}

// LoadPolicy chooses a policy in precedence order: pushed, pulled latest,
// local cache (stale entries still honored), embedded default. The chosen
// degradation level is reported back on the next health check.
func LoadPolicy(ctx context.Context, cfg LoaderConfig) (LoadResult, error) {
	if cfg.Pushed != nil {
		return LoadResult{Bundle: cfg.Pushed, Level: DegradationNormal}, nil
	}

	if cfg.Registry != nil {
		b, err := cfg.Registry.FetchLatest(ctx, cfg.Service)
		if err == nil {
			if cfg.Cache != nil {
				_ = cfg.Cache.Put(b)
			}
			return LoadResult{Bundle: b, Level: DegradationNormal}, nil
		}
	}

	if cfg.Cache != nil {
		versions := cfg.Cache.Versions(cfg.Service)
		for _, version := range versions {
			b, stale, err := cfg.Cache.GetStale(cfg.Service, version)
			if err != nil || b == nil {
				continue
			}
			level := DegradationCachedFallback
			if stale {
				level = DegradationStaleFallback
			}
			return LoadResult{Bundle: b, Level: level}, nil
		}
	}

	if cfg.Default != nil {
		return LoadResult{Bundle: cfg.Default, Level: DegradationDefaultFallback}, nil
	}

	return LoadResult{}, fmt.Errorf("%w: service %s", ErrNoPolicy, cfg.Service)
}
