package distributor

import (
	"fmt"
	"time"
)

// StrategyType enumerates the deployment strategies.
type StrategyType int

const (
	StrategyImmediate StrategyType = iota
	StrategyCanary
	StrategyRolling
)

// String returns the display form.
func (t StrategyType) String() string {
	switch t {
	case StrategyCanary:
		return "canary"
	case StrategyRolling:
		return "rolling"
	default:
		return "immediate"
	}
}

// Strategy configures how a deployment spreads across the fleet.
type Strategy struct {
	Type StrategyType

	// Canary
	CanaryPercent  int
	CanaryDuration time.Duration

	// Rolling
	BatchSize  int
	BatchDelay time.Duration

	// MaxFailures aborts the deployment when exceeded; 0 means no failures
	// tolerated beyond retries.
	MaxFailures int
	// AutoRollback re-pushes the last known good version on abort.
	AutoRollback bool
}

// Immediate pushes to every instance at once.
func Immediate() Strategy {
	return Strategy{Type: StrategyImmediate, AutoRollback: true}
}

// Canary pushes to ceil(N*percent/100) instances, observes, then finishes.
func Canary(percent int, duration time.Duration) Strategy {
	return Strategy{
		Type:           StrategyCanary,
		CanaryPercent:  percent,
		CanaryDuration: duration,
		AutoRollback:   true,
	}
}

// Rolling pushes in ordered batches with a delay between them.
func Rolling(batchSize int, delay time.Duration) Strategy {
	return Strategy{
		Type:         StrategyRolling,
		BatchSize:    batchSize,
		BatchDelay:   delay,
		AutoRollback: true,
	}
}

// CanaryCount returns the canary subset size for a fleet of total.
func (s Strategy) CanaryCount(total int) int {
	if s.CanaryPercent <= 0 {
		return 0
	}
	if s.CanaryPercent >= 100 {
		return total
	}
	count := (total*s.CanaryPercent + 99) / 100
	if count > total {
		count = total
	}
	return count
}

// Batches partitions instances into ordered rolling batches.
func (s Strategy) Batches(instances []Instance) [][]Instance {
	size := s.BatchSize
	if size <= 0 {
		size = 1
	}
	var batches [][]Instance
	for start := 0; start < len(instances); start += size {
		end := min(start+size, len(instances))
		batches = append(batches, instances[start:end])
	}
	return batches
}

// Validate rejects nonsensical configurations.
func (s Strategy) Validate() error {
	switch s.Type {
	case StrategyCanary:
		if s.CanaryPercent < 0 || s.CanaryPercent > 100 {
			return fmt.Errorf("canary percent %d out of range", s.CanaryPercent)
		}
		if s.CanaryDuration < 0 {
			return fmt.Errorf("canary duration must not be negative")
		}
	case StrategyRolling:
		if s.BatchSize < 0 {
			return fmt.Errorf("batch size must not be negative")
		}
	}
	return nil
}

// ParseStrategy parses the CLI strategy name.
func ParseStrategy(s string) (StrategyType, error) {
	switch s {
	case "", "immediate":
		return StrategyImmediate, nil
	case "canary":
		return StrategyCanary, nil
	case "rolling":
		return StrategyRolling, nil
	default:
		return StrategyImmediate, fmt.Errorf("unknown strategy %q", s)
	}
}
