package distributor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/registry"
)

type unreachableRegistry struct{}

func (unreachableRegistry) FetchLatest(ctx context.Context, service string) (*bundle.Bundle, error) {
	return nil, errors.New("connection refused")
}

type liveRegistry struct{ b *bundle.Bundle }

func (r liveRegistry) FetchLatest(ctx context.Context, service string) (*bundle.Bundle, error) {
	return r.b, nil
}

func newLoaderCache(t *testing.T, maxAge time.Duration, now *time.Time) *registry.Cache {
	t.Helper()
	cache, err := registry.NewCache(registry.CacheConfig{
		Dir:    t.TempDir(),
		MaxAge: maxAge,
		Now:    func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return cache
}

func TestLoadPolicyPrefersPushed(t *testing.T) {
	pushed := testBundle(t, "users", "1.2.0")
	result, err := LoadPolicy(context.Background(), LoaderConfig{
		Pushed:   pushed,
		Registry: liveRegistry{b: testBundle(t, "users", "1.1.0")},
		Service:  "users",
	})
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if result.Level != DegradationNormal || result.Version() != "1.2.0" {
		t.Errorf("result = %s @ %s", result.Level, result.Version())
	}
}

func TestLoadPolicyPullsLatest(t *testing.T) {
	result, err := LoadPolicy(context.Background(), LoaderConfig{
		Registry: liveRegistry{b: testBundle(t, "users", "1.1.0")},
		Service:  "users",
	})
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if result.Level != DegradationNormal || result.Version() != "1.1.0" {
		t.Errorf("result = %s @ %s", result.Level, result.Version())
	}
}

func TestLoadPolicyStaleFallback(t *testing.T) {
	// Scenario: no pushed policy, registry unreachable, cache entry expired
	// an hour ago.
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	cache := newLoaderCache(t, time.Hour, &now)

	if err := cache.Put(testBundle(t, "users", "1.0.0")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	now = now.Add(2 * time.Hour)

	result, err := LoadPolicy(context.Background(), LoaderConfig{
		Registry: unreachableRegistry{},
		Cache:    cache,
		Service:  "users",
	})
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if result.Level != DegradationStaleFallback {
		t.Errorf("level = %s, want stale_fallback", result.Level)
	}
	if result.Version() != "1.0.0" {
		t.Errorf("version = %s, want 1.0.0", result.Version())
	}
	if !result.Level.AlertWorthy() {
		t.Error("stale fallback must raise a degradation alert")
	}
}

func TestLoadPolicyFreshCacheFallback(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	cache := newLoaderCache(t, time.Hour, &now)
	if err := cache.Put(testBundle(t, "users", "1.0.0")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	result, err := LoadPolicy(context.Background(), LoaderConfig{
		Registry: unreachableRegistry{},
		Cache:    cache,
		Service:  "users",
	})
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if result.Level != DegradationCachedFallback {
		t.Errorf("level = %s, want cached_fallback", result.Level)
	}
	if result.Level.AlertWorthy() {
		t.Error("fresh cache fallback is not alert-worthy")
	}
}

func TestLoadPolicyDefaultFallback(t *testing.T) {
	deny := testBundle(t, "users", "0.0.0")
	result, err := LoadPolicy(context.Background(), LoaderConfig{
		Registry: unreachableRegistry{},
		Default:  deny,
		Service:  "users",
	})
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if result.Level != DegradationDefaultFallback {
		t.Errorf("level = %s, want default_fallback", result.Level)
	}
}

func TestLoadPolicyNoSourcesFails(t *testing.T) {
	_, err := LoadPolicy(context.Background(), LoaderConfig{
		Registry: unreachableRegistry{},
		Service:  "users",
	})
	if !errors.Is(err, ErrNoPolicy) {
		t.Errorf("err = %v, want ErrNoPolicy", err)
	}
}
