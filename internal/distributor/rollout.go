package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eunomia-project/eunomia/internal/audit"
	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/metrics"
)

// BundleSource fetches a specific published version, used to retrieve the
// last known good bundle for rollback.
type BundleSource interface {
	FetchVersion(ctx context.Context, service, version string) (*bundle.Bundle, error)
}

// Config wires the rollout engine's collaborators.
type Config struct {
	Pusher Pusher
	// Prober polls instance health during canary observation; nil means
	// push results alone drive the guard.
	Prober Prober
	// Source supplies rollback bundles; nil disables auto-rollback pushes.
	Source BundleSource
	Sink   audit.Sink
	// Metrics is optional.
	Metrics *metrics.Set
	// Store persists deployments when set.
	Store  *Store
	Health HealthConfig
	// Guard is the rollout health criterion; nil compiles the default.
	Guard *Guard
	// MaxConcurrentPushes bounds fleet-wide parallelism; 0 means 8.
	MaxConcurrentPushes int
	// DeploymentTimeout is the hard deadline per deployment; 0 disables.
	DeploymentTimeout time.Duration
	Now               func() time.Time
}

// Engine owns deployment state and drives rollouts. Deployments for the
// same service are serialized so no instance sees versions out of order.
type Engine struct {
	cfg     Config
	monitor *Monitor

	mu          sync.Mutex
	current     map[string]string
	history     map[string][]string
	deployments []*Deployment
	serviceMu   map[string]*sync.Mutex
}

// NewEngine builds an engine from config.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Pusher == nil {
		return nil, errors.New("distributor: pusher is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = audit.NopSink{}
	}
	if cfg.MaxConcurrentPushes == 0 {
		cfg.MaxConcurrentPushes = 8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Guard == nil {
		guard, err := NewGuard("")
		if err != nil {
			return nil, err
		}
		cfg.Guard = guard
	}
	return &Engine{
		cfg:       cfg,
		monitor:   NewMonitor(cfg.Health),
		current:   map[string]string{},
		history:   map[string][]string{},
		serviceMu: map[string]*sync.Mutex{},
	}, nil
}

// Monitor exposes the health monitor.
func (e *Engine) Monitor() *Monitor { return e.monitor }

// CurrentVersion returns the last successfully deployed version.
func (e *Engine) CurrentVersion(service string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current[service]
}

// Deployments returns a snapshot of all deployments, newest last.
func (e *Engine) Deployments() []*Deployment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Deployment, len(e.deployments))
	copy(out, e.deployments)
	return out
}

func (e *Engine) serviceLock(service string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.serviceMu[service]
	if !ok {
		lock = &sync.Mutex{}
		e.serviceMu[service] = lock
	}
	return lock
}

// Deploy rolls a bundle out to the instance set under the strategy and
// returns the terminal deployment record.
func (e *Engine) Deploy(ctx context.Context, b *bundle.Bundle, instances []Instance, strategy Strategy) (*Deployment, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	service, version := b.Service(), b.Version()
	dep := newDeployment(uuid.NewString(), service, version, b.Digest, strategy, e.cfg.Now())

	e.mu.Lock()
	e.deployments = append(e.deployments, dep)
	e.mu.Unlock()

	// Per-service serialization keeps version delivery ordered.
	lock := e.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	if e.cfg.DeploymentTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.DeploymentTimeout)
		defer cancel()
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.DeploymentsActive.Inc()
		defer e.cfg.Metrics.DeploymentsActive.Dec()
	}

	dep.setState(StateInProgress, "", e.cfg.Now())

	if len(instances) == 0 {
		dep.setState(StateCompleted, "", e.cfg.Now())
		event := audit.PolicyDeployed(service, version, b.Digest, dep.ID)
		event.Severity = audit.SeverityWarning
		event.Details["warning"] = "no instances discovered"
		_ = e.cfg.Sink.Log(ctx, event)
		e.persist(dep)
		return dep, nil
	}

	var err error
	switch strategy.Type {
	case StrategyCanary:
		err = e.deployCanary(ctx, dep, b, instances)
	case StrategyRolling:
		err = e.deployRolling(ctx, dep, b, instances)
	default:
		e.pushAll(ctx, dep, b, instances)
		err = e.finalize(ctx, dep, b, instances)
	}

	e.persist(dep)
	return dep, err
}

// pushAll pushes the bundle to every instance concurrently, bounded by the
// configured parallelism.
func (e *Engine) pushAll(ctx context.Context, dep *Deployment, b *bundle.Bundle, instances []Instance) {
	req := UpdateRequest{
		Service:  b.Service(),
		Version:  b.Version(),
		Digest:   b.Digest,
		Bundle:   b.Raw,
		Manifest: b.Manifest,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentPushes)
	for _, inst := range instances {
		g.Go(func() error {
			result := e.cfg.Pusher.Push(gctx, inst, req)
			dep.record(result)
			e.observePush(inst.ID, result)
			if e.cfg.Metrics != nil {
				outcome := "success"
				if !result.Success {
					outcome = "failure"
				}
				e.cfg.Metrics.PushesTotal.WithLabelValues(dep.Service, outcome).Inc()
				e.cfg.Metrics.PushDuration.WithLabelValues(dep.Service).Observe(result.Duration.Seconds())
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) observePush(instanceID string, result PushResult) {
	e.monitor.Observe(HealthReport{
		InstanceID: instanceID,
		Healthy:    result.Success,
		Message:    result.Error,
	})
}

// finalize settles the terminal state from the aggregate results.
func (e *Engine) finalize(ctx context.Context, dep *Deployment, b *bundle.Bundle, instances []Instance) error {
	now := e.cfg.Now()

	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			dep.setState(StateCancelled, "cancelled", now)
			return nil
		}
		dep.setState(StateFailed, "deployment deadline exceeded", now)
		return fmt.Errorf("deployment %s: %w", dep.ID, err)
	}

	failures := dep.failureCount()
	if failures > dep.Strategy.MaxFailures {
		reason := fmt.Sprintf("%d of %d pushes failed", failures, len(instances))
		if dep.Strategy.AutoRollback && e.rollbackDeployment(ctx, dep, instances, reason) {
			return nil
		}
		dep.setState(StateFailed, reason, now)
		return nil
	}

	dep.setState(StateCompleted, "", now)
	e.recordSuccess(dep.Service, dep.Version)
	_ = e.cfg.Sink.Log(ctx, audit.PolicyDeployed(dep.Service, dep.Version, dep.Digest, dep.ID))
	return nil
}

func (e *Engine) recordSuccess(service, version string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current[service] != version {
		if cur := e.current[service]; cur != "" {
			e.history[service] = append(e.history[service], cur)
		}
		e.current[service] = version
	}
}

// lastKnownGood returns the last successfully deployed version (the current
// one, which an in-flight deployment has not yet replaced), falling back to
// the newest history entry when no version is current.
func (e *Engine) lastKnownGood(service string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur := e.current[service]; cur != "" {
		return cur
	}
	history := e.history[service]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}

// deployCanary pushes a subset, observes it for the canary window, and
// rolls the remainder out only if the guard holds.
func (e *Engine) deployCanary(ctx context.Context, dep *Deployment, b *bundle.Bundle, instances []Instance) error {
	count := dep.Strategy.CanaryCount(len(instances))
	if count == 0 {
		// A zero-percent canary degenerates to an immediate rollout.
		e.pushAll(ctx, dep, b, instances)
		return e.finalize(ctx, dep, b, instances)
	}

	canary := instances[:count]
	remainder := instances[count:]

	e.pushAll(ctx, dep, b, canary)

	if ok, reason := e.observeCanary(ctx, dep, canary); !ok {
		if dep.Strategy.AutoRollback && e.rollbackDeployment(ctx, dep, canary, reason) {
			return nil
		}
		dep.setState(StateFailed, reason, e.cfg.Now())
		return nil
	}

	if err := ctx.Err(); err != nil {
		return e.finalize(ctx, dep, b, instances)
	}

	e.pushAll(ctx, dep, b, remainder)
	return e.finalize(ctx, dep, b, instances)
}

// observeCanary watches the canary group for the configured duration.
func (e *Engine) observeCanary(ctx context.Context, dep *Deployment, canary []Instance) (bool, string) {
	if dep.Strategy.CanaryDuration <= 0 {
		return e.evaluateGuard(dep, canary)
	}

	interval := e.monitor.cfg.CheckInterval
	if interval > dep.Strategy.CanaryDuration {
		interval = dep.Strategy.CanaryDuration
	}

	deadline := time.NewTimer(dep.Strategy.CanaryDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ""
		case <-deadline.C:
			return e.evaluateGuard(dep, canary)
		case <-ticker.C:
			e.probeInstances(ctx, canary)
			if ok, reason := e.evaluateGuard(dep, canary); !ok {
				return false, reason
			}
		}
	}
}

func (e *Engine) probeInstances(ctx context.Context, instances []Instance) {
	if e.cfg.Prober == nil {
		return
	}
	for _, inst := range instances {
		report := e.cfg.Prober.Probe(ctx, inst)
		report.InstanceID = inst.ID
		e.monitor.Observe(report)
	}
}

func (e *Engine) evaluateGuard(dep *Deployment, group []Instance) (bool, string) {
	ids := make([]string, len(group))
	for i, inst := range group {
		ids[i] = inst.ID
	}

	input := dep.observation(len(group))
	input.ConsecutiveFailures = e.monitor.MaxConsecutiveFailures(ids)

	healthy, err := e.cfg.Guard.Healthy(input)
	if err != nil {
		return false, err.Error()
	}
	if !healthy {
		return false, fmt.Sprintf(
			"guard %q failed: error_rate=%.3f consecutive_failures=%d",
			e.cfg.Guard.Expr(), input.ErrorRate, input.ConsecutiveFailures)
	}
	return true, ""
}

// deployRolling pushes ordered batches with a delay between them, aborting
// when the failure threshold is exceeded.
func (e *Engine) deployRolling(ctx context.Context, dep *Deployment, b *bundle.Bundle, instances []Instance) error {
	batches := dep.Strategy.Batches(instances)
	var pushed []Instance

	for i, batch := range batches {
		e.pushAll(ctx, dep, b, batch)
		pushed = append(pushed, batch...)

		if failures := dep.failureCount(); failures > dep.Strategy.MaxFailures {
			reason := fmt.Sprintf("batch %d: %d failures exceed threshold %d", i+1, failures, dep.Strategy.MaxFailures)
			if dep.Strategy.AutoRollback && e.rollbackDeployment(ctx, dep, pushed, reason) {
				return nil
			}
			dep.setState(StateFailed, reason, e.cfg.Now())
			return nil
		}

		if i < len(batches)-1 && dep.Strategy.BatchDelay > 0 {
			timer := time.NewTimer(dep.Strategy.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return e.finalize(ctx, dep, b, instances)
			case <-timer.C:
			}
		}
	}
	return e.finalize(ctx, dep, b, instances)
}

// rollbackDeployment pushes the last known good version back to the
// affected instances. Returns false when no rollback target exists.
func (e *Engine) rollbackDeployment(ctx context.Context, dep *Deployment, affected []Instance, reason string) bool {
	previous := e.lastKnownGood(dep.Service)
	if previous == "" || previous == dep.Version || e.cfg.Source == nil {
		return false
	}

	// Use a fresh context: the deployment's may already be done.
	rollbackCtx := context.WithoutCancel(ctx)
	b, err := e.cfg.Source.FetchVersion(rollbackCtx, dep.Service, previous)
	if err != nil {
		dep.setState(StateFailed, fmt.Sprintf("%s; rollback fetch failed: %v", reason, err), e.cfg.Now())
		return true
	}

	rollback := newDeployment(uuid.NewString(), dep.Service, previous, b.Digest, Immediate(), e.cfg.Now())
	rollback.setState(StateInProgress, "", e.cfg.Now())
	e.pushAll(rollbackCtx, rollback, b, affected)
	rollback.setState(StateCompleted, "", e.cfg.Now())

	e.mu.Lock()
	e.deployments = append(e.deployments, rollback)
	e.mu.Unlock()

	dep.setState(StateRolledBack, reason, e.cfg.Now())
	_ = e.cfg.Sink.Log(rollbackCtx, audit.PolicyRollback(dep.Service, dep.Version, previous, reason))
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RollbacksTotal.WithLabelValues(dep.Service).Inc()
	}
	e.persist(rollback)
	return true
}

// Rollback manually pushes a target version to the fleet. Rolling back to
// the version already current is a data-plane no-op that still records one
// audit event.
func (e *Engine) Rollback(ctx context.Context, service, toVersion, reason string, instances []Instance) (*Deployment, error) {
	lock := e.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	current := e.CurrentVersion(service)
	dep := newDeployment(uuid.NewString(), service, toVersion, "", Immediate(), e.cfg.Now())

	e.mu.Lock()
	e.deployments = append(e.deployments, dep)
	e.mu.Unlock()

	if current == toVersion {
		dep.setState(StateCompleted, "already at target version", e.cfg.Now())
		_ = e.cfg.Sink.Log(ctx, audit.PolicyRollback(service, current, toVersion, reason))
		e.persist(dep)
		return dep, nil
	}

	if e.cfg.Source == nil {
		dep.setState(StateFailed, "no bundle source configured", e.cfg.Now())
		e.persist(dep)
		return dep, errors.New("distributor: no bundle source for rollback")
	}
	b, err := e.cfg.Source.FetchVersion(ctx, service, toVersion)
	if err != nil {
		dep.setState(StateFailed, fmt.Sprintf("fetch %s: %v", toVersion, err), e.cfg.Now())
		e.persist(dep)
		return dep, err
	}

	dep.Digest = b.Digest
	dep.setState(StateInProgress, "", e.cfg.Now())
	e.pushAll(ctx, dep, b, instances)

	failures := dep.failureCount()
	if failures > 0 && failures == len(instances) {
		dep.setState(StateFailed, "all rollback pushes failed", e.cfg.Now())
	} else {
		dep.setState(StateCompleted, "", e.cfg.Now())
		e.recordSuccess(service, toVersion)
	}

	// A completed deployment superseded by this rollback flips state.
	e.supersede(service, toVersion)

	_ = e.cfg.Sink.Log(ctx, audit.PolicyRollback(service, current, toVersion, reason))
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RollbacksTotal.WithLabelValues(service).Inc()
	}
	e.persist(dep)
	return dep, nil
}

// supersede marks the newest completed deployment of another version as
// rolled back.
func (e *Engine) supersede(service, keptVersion string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.deployments) - 1; i >= 0; i-- {
		d := e.deployments[i]
		if d.Service != service || d.Version == keptVersion {
			continue
		}
		if d.CurrentState() == StateCompleted {
			d.setState(StateRolledBack, "superseded by rollback to "+keptVersion, e.cfg.Now())
			e.persist(d)
			return
		}
	}
}

func (e *Engine) persist(dep *Deployment) {
	if e.cfg.Store == nil {
		return
	}
	_ = e.cfg.Store.SaveDeployment(dep)
}
