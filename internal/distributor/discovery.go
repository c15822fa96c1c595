package distributor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// Source discovers the instance set a deployment targets. New source types
// implement these three methods.
type Source interface {
	// List returns the currently known instances.
	List(ctx context.Context) ([]Instance, error)
	// Resolve re-queries the backing system and returns fresh instances.
	Resolve(ctx context.Context) ([]Instance, error)
	// Refresh invalidates any memoized state.
	Refresh()
}

// StaticSource returns a fixed instance list.
type StaticSource struct {
	instances []Instance
}

// NewStaticSource wraps a fixed list.
func NewStaticSource(instances ...Instance) *StaticSource {
	return &StaticSource{instances: instances}
}

func (s *StaticSource) List(ctx context.Context) ([]Instance, error)    { return s.instances, nil }
func (s *StaticSource) Resolve(ctx context.Context) ([]Instance, error) { return s.instances, nil }
func (s *StaticSource) Refresh()                                        {}

// DNSSource resolves a host's A/AAAA records into instances.
type DNSSource struct {
	host     string
	port     int
	tls      bool
	resolver *net.Resolver
}

// NewDNSSource resolves host to one instance per address, all on port.
func NewDNSSource(host string, port int, tls bool) *DNSSource {
	return &DNSSource{host: host, port: port, tls: tls, resolver: net.DefaultResolver}
}

func (s *DNSSource) List(ctx context.Context) ([]Instance, error) {
	return s.Resolve(ctx)
}

func (s *DNSSource) Resolve(ctx context.Context) ([]Instance, error) {
	addrs, err := s.resolver.LookupIPAddr(ctx, s.host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", s.host, err)
	}
	instances := make([]Instance, 0, len(addrs))
	for _, addr := range addrs {
		ip := addr.IP.String()
		instances = append(instances, Instance{
			ID:   fmt.Sprintf("%s-%s", s.host, ip),
			Host: ip,
			Port: s.port,
			TLS:  s.tls,
			Metadata: map[string]string{
				"dns_host": s.host,
			},
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func (s *DNSSource) Refresh() {}

// CombinedSource unions several sources, de-duplicating by instance id.
type CombinedSource struct {
	sources []Source
}

// NewCombinedSource unions the given sources.
func NewCombinedSource(sources ...Source) *CombinedSource {
	return &CombinedSource{sources: sources}
}

func (s *CombinedSource) List(ctx context.Context) ([]Instance, error) {
	return s.merge(ctx, Source.List)
}

func (s *CombinedSource) Resolve(ctx context.Context) ([]Instance, error) {
	return s.merge(ctx, Source.Resolve)
}

func (s *CombinedSource) merge(ctx context.Context, get func(Source, context.Context) ([]Instance, error)) ([]Instance, error) {
	seen := map[string]bool{}
	var merged []Instance
	for _, src := range s.sources {
		instances, err := get(src, ctx)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			if seen[inst.ID] {
				continue
			}
			seen[inst.ID] = true
			merged = append(merged, inst)
		}
	}
	return merged, nil
}

func (s *CombinedSource) Refresh() {
	for _, src := range s.sources {
		src.Refresh()
	}
}

// CachedSource memoizes another source's resolution for a TTL.
type CachedSource struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    []Instance
	fetchedAt time.Time
}

// NewCachedSource memoizes source for ttl.
func NewCachedSource(source Source, ttl time.Duration) *CachedSource {
	return &CachedSource{source: source, ttl: ttl, now: time.Now}
}

func (s *CachedSource) List(ctx context.Context) ([]Instance, error) {
	s.mu.Lock()
	if s.cached != nil && s.now().Sub(s.fetchedAt) < s.ttl {
		out := s.cached
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()
	return s.Resolve(ctx)
}

func (s *CachedSource) Resolve(ctx context.Context) ([]Instance, error) {
	instances, err := s.source.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cached = instances
	s.fetchedAt = s.now()
	s.mu.Unlock()
	return instances, nil
}

func (s *CachedSource) Refresh() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
	s.source.Refresh()
}
