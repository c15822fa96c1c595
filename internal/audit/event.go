// Package audit defines the event taxonomy emitted by state-changing
// operations and the sink interface event consumers implement.
package audit

import (
	"time"
)

// Kind tags the event union.
type Kind string

const (
	KindPolicyCreated         Kind = "policy_created"
	KindPolicyDeployed        Kind = "policy_deployed"
	KindPolicyRollback        Kind = "policy_rollback"
	KindAuthorizationDecision Kind = "authorization_decision"
)

// Severity of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Outcome of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record. Service, Version, and Digest strongly
// reference the bundle the event concerns.
type Event struct {
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Outcome   Outcome        `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	OpID      string         `json:"op_id,omitempty"`
	Service   string         `json:"service"`
	Version   string         `json:"version,omitempty"`
	Digest    string         `json:"digest,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// PolicyCreated records a successful bundle build or publish.
func PolicyCreated(service, version, digest string) Event {
	return Event{
		Kind:      KindPolicyCreated,
		Severity:  SeverityInfo,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().UTC(),
		Service:   service,
		Version:   version,
		Digest:    digest,
	}
}

// PolicyDeployed records a completed rollout.
func PolicyDeployed(service, version, digest, deploymentID string) Event {
	return Event{
		Kind:      KindPolicyDeployed,
		Severity:  SeverityInfo,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().UTC(),
		Service:   service,
		Version:   version,
		Digest:    digest,
		Details:   map[string]any{"deployment_id": deploymentID},
	}
}

// PolicyRollback records an automatic or manual rollback.
func PolicyRollback(service, fromVersion, toVersion, reason string) Event {
	return Event{
		Kind:      KindPolicyRollback,
		Severity:  SeverityWarning,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().UTC(),
		Service:   service,
		Version:   toVersion,
		Details: map[string]any{
			"from_version": fromVersion,
			"to_version":   toVersion,
			"reason":       reason,
		},
	}
}
