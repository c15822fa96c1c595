package distributor

import (
	"sync"
	"time"
)

// DeploymentState is the lifecycle position of a deployment.
type DeploymentState string

const (
	StatePending    DeploymentState = "pending"
	StateInProgress DeploymentState = "in_progress"
	StateCompleted  DeploymentState = "completed"
	StateFailed     DeploymentState = "failed"
	StateRolledBack DeploymentState = "rolled_back"
	StateCancelled  DeploymentState = "cancelled"
)

// Terminal reports whether the state admits no further transitions, except
// Completed superseded by a later rollback.
func (s DeploymentState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRolledBack, StateCancelled:
		return true
	}
	return false
}

// Deployment is one rollout of a bundle version across an instance set.
type Deployment struct {
	mu sync.Mutex

	ID          string                `json:"id"`
	Service     string                `json:"service"`
	Version     string                `json:"version"`
	Digest      string                `json:"digest,omitempty"`
	Strategy    Strategy              `json:"-"`
	State       DeploymentState       `json:"state"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at,omitzero"`
	Results     map[string]PushResult `json:"results"`
	// Reason explains a Failed or RolledBack terminal state.
	Reason string `json:"reason,omitempty"`
}

func newDeployment(id, service, version, digest string, strategy Strategy, now time.Time) *Deployment {
	return &Deployment{
		ID:        id,
		Service:   service,
		Version:   version,
		Digest:    digest,
		Strategy:  strategy,
		State:     StatePending,
		StartedAt: now,
		Results:   map[string]PushResult{},
	}
}

func (d *Deployment) setState(state DeploymentState, reason string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State.Terminal() && !(d.State == StateCompleted && state == StateRolledBack) {
		return
	}
	d.State = state
	if reason != "" {
		d.Reason = reason
	}
	if state.Terminal() {
		d.CompletedAt = now
	}
}

func (d *Deployment) record(result PushResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Results[result.InstanceID] = result
}

// CurrentState returns the state under the deployment lock.
func (d *Deployment) CurrentState() DeploymentState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}

// Snapshot copies the per-instance results.
func (d *Deployment) Snapshot() map[string]PushResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]PushResult, len(d.Results))
	for k, v := range d.Results {
		out[k] = v
	}
	return out
}

// failureCount counts unsuccessful pushes.
func (d *Deployment) failureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.Results {
		if !r.Success {
			n++
		}
	}
	return n
}

// observation summarizes the push results for guard evaluation.
func (d *Deployment) observation(total int) GuardInput {
	d.mu.Lock()
	defer d.mu.Unlock()

	failed := 0
	var durations []time.Duration
	for _, r := range d.Results {
		if !r.Success {
			failed++
		}
		durations = append(durations, r.Duration)
	}

	input := GuardInput{
		InstancesTotal:  total,
		InstancesFailed: failed,
	}
	if len(d.Results) > 0 {
		input.ErrorRate = float64(failed) / float64(len(d.Results))
	}
	if len(durations) > 0 {
		input.P99LatencyMillis = float64(p99(durations)) / float64(time.Millisecond)
	}
	return input
}

func p99(durations []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	idx := len(sorted) * 99 / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
