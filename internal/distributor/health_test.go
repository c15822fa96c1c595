package distributor

import (
	"testing"
)

func TestHealthyAfterThresholdSuccesses(t *testing.T) {
	m := NewMonitor(HealthConfig{HealthyThreshold: 2, UnhealthyThreshold: 3})

	m.Observe(HealthReport{InstanceID: "i-0", Healthy: false})
	m.Observe(HealthReport{InstanceID: "i-0", Healthy: false})
	m.Observe(HealthReport{InstanceID: "i-0", Healthy: false})
	if got := m.Record("i-0").State; got != StatusUnhealthy {
		t.Fatalf("state = %s, want unhealthy", got)
	}

	m.Observe(HealthReport{InstanceID: "i-0", Healthy: true})
	if got := m.Record("i-0").State; got != StatusUnhealthy {
		t.Errorf("one success flipped state to %s", got)
	}
	m.Observe(HealthReport{InstanceID: "i-0", Healthy: true})
	if got := m.Record("i-0").State; got != StatusHealthy {
		t.Errorf("state = %s, want healthy after threshold", got)
	}
}

func TestUnhealthyAfterThresholdFailures(t *testing.T) {
	m := NewMonitor(DefaultHealthConfig())

	m.Observe(HealthReport{InstanceID: "i-0", Healthy: true})
	m.Observe(HealthReport{InstanceID: "i-0", Healthy: true})
	m.Observe(HealthReport{InstanceID: "i-0", Healthy: false})
	m.Observe(HealthReport{InstanceID: "i-0", Healthy: false})
	if got := m.Record("i-0").State; got == StatusUnhealthy {
		t.Error("flipped unhealthy before threshold")
	}
	m.Observe(HealthReport{InstanceID: "i-0", Healthy: false})
	if got := m.Record("i-0").State; got != StatusUnhealthy {
		t.Errorf("state = %s, want unhealthy", got)
	}
	if got := m.Record("i-0").ConsecutiveFailure; got != 3 {
		t.Errorf("consecutive failures = %d, want 3", got)
	}
}

func TestDegradedWhenServingCachedPolicy(t *testing.T) {
	m := NewMonitor(DefaultHealthConfig())

	m.Observe(HealthReport{InstanceID: "i-0", Healthy: true, Degradation: DegradationStaleFallback, LoadedVersion: "1.0.0"})
	record := m.Record("i-0")
	if record.State != StatusDegraded {
		t.Errorf("state = %s, want degraded", record.State)
	}
	if record.PolicyVersion != "1.0.0" {
		t.Errorf("policy version = %s", record.PolicyVersion)
	}
	if !record.Degradation.AlertWorthy() {
		t.Error("stale fallback must be alert-worthy")
	}
}

func TestMaxConsecutiveFailures(t *testing.T) {
	m := NewMonitor(DefaultHealthConfig())
	m.Observe(HealthReport{InstanceID: "a", Healthy: false})
	m.Observe(HealthReport{InstanceID: "a", Healthy: false})
	m.Observe(HealthReport{InstanceID: "b", Healthy: false})
	m.Observe(HealthReport{InstanceID: "c", Healthy: true})

	if got := m.MaxConsecutiveFailures([]string{"a", "b", "c"}); got != 2 {
		t.Errorf("max failures = %d, want 2", got)
	}
}

func TestSnapshotCoversAllInstances(t *testing.T) {
	m := NewMonitor(DefaultHealthConfig())
	m.Observe(HealthReport{InstanceID: "a", Healthy: true})
	m.Observe(HealthReport{InstanceID: "b", Healthy: false})

	if got := len(m.Snapshot()); got != 2 {
		t.Errorf("snapshot = %d records, want 2", got)
	}
}
