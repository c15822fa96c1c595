package distributor

import (
	"context"
	"sync"
	"time"
)

// HealthReport is one health check observation for an instance.
type HealthReport struct {
	InstanceID        string           `json:"instance_id"`
	Healthy           bool             `json:"healthy"`
	LoadedVersion     string           `json:"loaded_version,omitempty"`
	CachedVersion     string           `json:"cached_version,omitempty"`
	Degradation       DegradationLevel `json:"degradation_level"`
	RegistryReachable bool             `json:"registry_reachable"`
	ResponseTime      time.Duration    `json:"response_time_ns,omitempty"`
	Message           string           `json:"message,omitempty"`
}

// HealthConfig sets the tracker thresholds.
type HealthConfig struct {
	// CheckInterval is the observation cadence; 0 means 10s.
	CheckInterval time.Duration
	// UnhealthyThreshold flips Healthy to Unhealthy; 0 means 3.
	UnhealthyThreshold int
	// HealthyThreshold flips Unhealthy back to Healthy; 0 means 2.
	HealthyThreshold int
}

// DefaultHealthConfig returns the production defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:      10 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	d := DefaultHealthConfig()
	if c.CheckInterval == 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.UnhealthyThreshold == 0 {
		c.UnhealthyThreshold = d.UnhealthyThreshold
	}
	if c.HealthyThreshold == 0 {
		c.HealthyThreshold = d.HealthyThreshold
	}
	return c
}

// HealthRecord is the tracked state for one instance.
type HealthRecord struct {
	InstanceID         string           `json:"instance_id"`
	State              InstanceStatus   `json:"state"`
	PolicyVersion      string           `json:"policy_version,omitempty"`
	LastSeen           time.Time        `json:"last_seen"`
	ConsecutiveSuccess int              `json:"consecutive_success"`
	ConsecutiveFailure int              `json:"consecutive_failure"`
	Degradation        DegradationLevel `json:"degradation_level"`
}

// tracker holds one instance's record behind its own mutex.
type tracker struct {
	mu     sync.Mutex
	cfg    HealthConfig
	record HealthRecord
}

func (t *tracker) observe(report HealthReport, now time.Time) HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &t.record
	r.LastSeen = now
	if report.LoadedVersion != "" {
		r.PolicyVersion = report.LoadedVersion
	}
	r.Degradation = report.Degradation

	if report.Healthy {
		r.ConsecutiveSuccess++
		r.ConsecutiveFailure = 0
		if r.State != StatusHealthy && r.ConsecutiveSuccess >= t.cfg.HealthyThreshold {
			r.State = StatusHealthy
		}
		if r.State == StatusUnknown {
			r.State = StatusHealthy
		}
	} else {
		r.ConsecutiveFailure++
		r.ConsecutiveSuccess = 0
		if r.ConsecutiveFailure >= t.cfg.UnhealthyThreshold {
			r.State = StatusUnhealthy
		}
	}

	// Serving a cached or stale policy degrades an otherwise healthy
	// instance.
	if report.Healthy && report.Degradation != DegradationNormal {
		r.State = StatusDegraded
	}

	return *r
}

func (t *tracker) snapshot() HealthRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// Monitor tracks health across a fleet.
type Monitor struct {
	cfg HealthConfig
	now func() time.Time

	mu       sync.Mutex
	trackers map[string]*tracker
}

// NewMonitor builds a monitor with the given thresholds.
func NewMonitor(cfg HealthConfig) *Monitor {
	return &Monitor{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		trackers: map[string]*tracker{},
	}
}

func (m *Monitor) trackerFor(id string) *tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[id]
	if !ok {
		t = &tracker{
			cfg:    m.cfg,
			record: HealthRecord{InstanceID: id, State: StatusUnknown},
		}
		m.trackers[id] = t
	}
	return t
}

// Observe records a health report and returns the updated record.
func (m *Monitor) Observe(report HealthReport) HealthRecord {
	return m.trackerFor(report.InstanceID).observe(report, m.now())
}

// Record returns the current record for an instance.
func (m *Monitor) Record(id string) HealthRecord {
	return m.trackerFor(id).snapshot()
}

// Snapshot returns records for every tracked instance.
func (m *Monitor) Snapshot() []HealthRecord {
	m.mu.Lock()
	trackers := make([]*tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	records := make([]HealthRecord, 0, len(trackers))
	for _, t := range trackers {
		records = append(records, t.snapshot())
	}
	return records
}

// MaxConsecutiveFailures returns the worst failure streak among the given
// instances.
func (m *Monitor) MaxConsecutiveFailures(ids []string) int {
	worst := 0
	for _, id := range ids {
		if r := m.Record(id); r.ConsecutiveFailure > worst {
			worst = r.ConsecutiveFailure
		}
	}
	return worst
}

// Prober fetches a live health report from an instance. The control plane
// polls it during canary observation and steady-state monitoring.
type Prober interface {
	Probe(ctx context.Context, inst Instance) HealthReport
}
