package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/metrics"
)

// CacheError is an IO or corruption failure inside the cache. Corruption
// evicts the entry and reads as a miss; it never fails the process.
type CacheError struct {
	Message string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache: %s: %v", e.Message, e.Err)
	}
	return "cache: " + e.Message
}

func (e *CacheError) Unwrap() error { return e.Err }

// CacheConfig bounds the on-disk bundle cache.
type CacheConfig struct {
	// Dir is the cache root; empty means <user cache dir>/eunomia/bundles.
	Dir string
	// MaxSizeBytes caps total entry size; 0 means 512 MiB.
	MaxSizeBytes int64
	// MaxAge is the entry lifetime; 0 means 24h.
	MaxAge time.Duration
	// Now is injectable for tests.
	Now func() time.Time
	// Metrics receives hit/miss counts and the live size gauge when set.
	Metrics *metrics.Set
}

// Cache is a file-backed LRU of fetched bundles keyed (service, version).
// Writes are atomic (tempfile + rename); access times live in a sidecar
// metadata file per entry.
type Cache struct {
	mu  sync.Mutex
	cfg CacheConfig
}

type cacheMeta struct {
	Service    string    `json:"service"`
	Version    string    `json:"version"`
	Checksum   string    `json:"checksum"`
	CachedAt   time.Time `json:"cached_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastAccess time.Time `json:"last_access"`
	Size       int64     `json:"size"`
}

// NewCache opens (and creates) the cache directory.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, &CacheError{Message: "resolve user cache dir", Err: err}
		}
		cfg.Dir = filepath.Join(base, "eunomia", "bundles")
	}
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = 512 << 20
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &CacheError{Message: "create cache dir", Err: err}
	}
	return &Cache{cfg: cfg}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.cfg.Dir }

func (c *Cache) bundlePath(service, version string) string {
	return filepath.Join(c.cfg.Dir, sanitize(service), version+".tar.gz")
}

func (c *Cache) metaPath(service, version string) string {
	return filepath.Join(c.cfg.Dir, sanitize(service), version+".meta.json")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, s)
}

// Get returns the cached bundle, or nil on miss, staleness, or corruption.
// Corrupt entries are evicted in passing.
func (c *Cache) Get(service, version string) (*bundle.Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.readMeta(service, version)
	if err != nil {
		c.evictLocked(service, version)
		c.observeGet(false)
		return nil, nil
	}
	if c.cfg.Now().After(meta.ExpiresAt) {
		c.observeGet(false)
		return nil, nil
	}

	raw, err := os.ReadFile(c.bundlePath(service, version))
	if err != nil {
		c.evictLocked(service, version)
		c.observeGet(false)
		return nil, nil
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		c.evictLocked(service, version)
		c.observeGet(false)
		return nil, nil
	}

	b, err := bundle.FromBytes(raw)
	if err != nil {
		c.evictLocked(service, version)
		c.observeGet(false)
		return nil, nil
	}

	meta.LastAccess = c.cfg.Now()
	_ = c.writeMeta(service, version, meta)
	c.observeGet(true)
	return b, nil
}

// GetStale returns the entry even when expired; used for degraded loading
// when the registry is unreachable.
func (c *Cache) GetStale(service, version string) (*bundle.Bundle, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, err := c.readMeta(service, version)
	if err != nil {
		return nil, false, nil
	}
	raw, err := os.ReadFile(c.bundlePath(service, version))
	if err != nil {
		return nil, false, nil
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		c.evictLocked(service, version)
		return nil, false, nil
	}
	b, err := bundle.FromBytes(raw)
	if err != nil {
		c.evictLocked(service, version)
		return nil, false, nil
	}
	stale := c.cfg.Now().After(meta.ExpiresAt)
	return b, stale, nil
}

// Versions lists the cached versions for a service, newest access first.
func (c *Cache) Versions(service string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.scanLocked()
	if err != nil {
		return nil
	}
	var metas []cacheMeta
	for _, m := range entries {
		if m.Service == service {
			metas = append(metas, m)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].LastAccess.After(metas[j].LastAccess) })
	versions := make([]string, len(metas))
	for i, m := range metas {
		versions[i] = m.Version
	}
	return versions
}

// Put stores a bundle atomically.
func (c *Cache) Put(b *bundle.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	service, version := b.Service(), b.Version()
	dir := filepath.Dir(c.bundlePath(service, version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &CacheError{Message: "create entry dir", Err: err}
	}

	if err := atomicWrite(c.bundlePath(service, version), b.Raw); err != nil {
		return err
	}

	now := c.cfg.Now()
	meta := cacheMeta{
		Service:    service,
		Version:    version,
		Checksum:   b.Digest,
		CachedAt:   now,
		ExpiresAt:  now.Add(c.cfg.MaxAge),
		LastAccess: now,
		Size:       int64(len(b.Raw)),
	}
	if err := c.writeMeta(service, version, meta); err != nil {
		return err
	}
	c.updateSizeLocked()
	return nil
}

// PruneStats reports what a prune pass removed.
type PruneStats struct {
	Examined       int
	RemovedExpired int
	RemovedLRU     int
	BytesFreed     int64
	BytesRemaining int64
}

// Prune removes expired entries first, then evicts least-recently-accessed
// entries until the size budget holds. Idempotent.
func (c *Cache) Prune() (PruneStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stats PruneStats
	entries, err := c.scanLocked()
	if err != nil {
		return stats, err
	}
	stats.Examined = len(entries)

	now := c.cfg.Now()
	var live []cacheMeta
	var total int64
	for _, meta := range entries {
		if now.After(meta.ExpiresAt) {
			c.evictLocked(meta.Service, meta.Version)
			stats.RemovedExpired++
			stats.BytesFreed += meta.Size
			continue
		}
		live = append(live, meta)
		total += meta.Size
	}

	// Oldest access evicted first under size pressure.
	sort.Slice(live, func(i, j int) bool { return live[i].LastAccess.Before(live[j].LastAccess) })
	for _, meta := range live {
		if total <= c.cfg.MaxSizeBytes {
			break
		}
		c.evictLocked(meta.Service, meta.Version)
		stats.RemovedLRU++
		stats.BytesFreed += meta.Size
		total -= meta.Size
	}
	stats.BytesRemaining = total
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CacheSizeBytes.Set(float64(total))
	}
	return stats, nil
}

// Size returns the total bytes of live entries.
func (c *Cache) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.scanLocked()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, meta := range entries {
		total += meta.Size
	}
	return total, nil
}

func (c *Cache) scanLocked() ([]cacheMeta, error) {
	var metas []cacheMeta
	services, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return nil, &CacheError{Message: "scan cache", Err: err}
	}
	for _, svc := range services {
		if !svc.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(c.cfg.Dir, svc.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".meta.json") {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(c.cfg.Dir, svc.Name(), entry.Name()))
			if err != nil {
				continue
			}
			var meta cacheMeta
			if err := json.Unmarshal(raw, &meta); err != nil {
				continue
			}
			metas = append(metas, meta)
		}
	}
	return metas, nil
}

func (c *Cache) readMeta(service, version string) (cacheMeta, error) {
	var meta cacheMeta
	raw, err := os.ReadFile(c.metaPath(service, version))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

func (c *Cache) writeMeta(service, version string, meta cacheMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return &CacheError{Message: "marshal meta", Err: err}
	}
	return atomicWrite(c.metaPath(service, version), raw)
}

func (c *Cache) observeGet(hit bool) {
	if c.cfg.Metrics == nil {
		return
	}
	if hit {
		c.cfg.Metrics.CacheHits.Inc()
	} else {
		c.cfg.Metrics.CacheMisses.Inc()
	}
}

func (c *Cache) updateSizeLocked() {
	if c.cfg.Metrics == nil {
		return
	}
	entries, err := c.scanLocked()
	if err != nil {
		return
	}
	var total int64
	for _, meta := range entries {
		total += meta.Size
	}
	c.cfg.Metrics.CacheSizeBytes.Set(float64(total))
}

func (c *Cache) evictLocked(service, version string) {
	_ = os.Remove(c.bundlePath(service, version))
	_ = os.Remove(c.metaPath(service, version))
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return &CacheError{Message: "create temp file", Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &CacheError{Message: "write temp file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &CacheError{Message: "close temp file", Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &CacheError{Message: "rename into place", Err: err}
	}
	return nil
}
