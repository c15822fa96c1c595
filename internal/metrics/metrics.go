// Package metrics defines the prometheus collectors the pipeline updates.
// Exposition is left to the embedding process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every collector the core updates.
type Set struct {
	PushesTotal       *prometheus.CounterVec
	PushDuration      *prometheus.HistogramVec
	RollbacksTotal    *prometheus.CounterVec
	DeploymentsActive prometheus.Gauge
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	CacheSizeBytes    prometheus.Gauge
}

// New builds the collector set.
func New() *Set {
	return &Set{
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eunomia",
			Name:      "pushes_total",
			Help:      "Policy pushes by service and result.",
		}, []string{"service", "result"}),
		PushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eunomia",
			Name:      "push_duration_seconds",
			Help:      "Per-instance push duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eunomia",
			Name:      "rollbacks_total",
			Help:      "Automatic and manual rollbacks by service.",
		}, []string{"service"}),
		DeploymentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eunomia",
			Name:      "deployments_active",
			Help:      "Deployments currently in progress.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eunomia",
			Name:      "cache_hits_total",
			Help:      "Bundle cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eunomia",
			Name:      "cache_misses_total",
			Help:      "Bundle cache misses.",
		}),
		CacheSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eunomia",
			Name:      "cache_size_bytes",
			Help:      "Total bytes of live cache entries.",
		}),
	}
}

// Register attaches every collector to a registry.
func (s *Set) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		s.PushesTotal,
		s.PushDuration,
		s.RollbacksTotal,
		s.DeploymentsActive,
		s.CacheHits,
		s.CacheMisses,
		s.CacheSizeBytes,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
