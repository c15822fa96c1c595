package models

import (
	"time"
)

// Caller type discriminators.
const (
	CallerTypeUser      = "user"
	CallerTypeService   = "spiffe"
	CallerTypeAPIKey    = "api_key"
	CallerTypeAnonymous = "anonymous"
)

// CallerIdentity is the identity making a request. The Type field selects
// which of the variant fields are meaningful.
type CallerIdentity struct {
	Type string `json:"type"`

	// user
	UserID string   `json:"user_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`

	// spiffe
	ServiceName string `json:"service_name,omitempty"`
	TrustDomain string `json:"trust_domain,omitempty"`

	// api_key
	KeyID  string   `json:"key_id,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// UserCaller returns a user identity with the given roles.
func UserCaller(userID string, roles ...string) CallerIdentity {
	return CallerIdentity{Type: CallerTypeUser, UserID: userID, Roles: roles}
}

// ServiceCaller returns a workload identity caller.
func ServiceCaller(serviceName, trustDomain string) CallerIdentity {
	return CallerIdentity{Type: CallerTypeService, ServiceName: serviceName, TrustDomain: trustDomain}
}

// APIKeyCaller returns an API key caller with the given scopes.
func APIKeyCaller(keyID string, scopes ...string) CallerIdentity {
	return CallerIdentity{Type: CallerTypeAPIKey, KeyID: keyID, Scopes: scopes}
}

// AnonymousCaller returns an unauthenticated caller.
func AnonymousCaller() CallerIdentity {
	return CallerIdentity{Type: CallerTypeAnonymous}
}

// PolicyInput is the input document passed to the policy engine for an
// authorization decision. Context is an open map; access is always through
// the serialized form, never by reflecting over Go field names.
type PolicyInput struct {
	Caller      CallerIdentity    `json:"caller"`
	Service     string            `json:"service"`
	OperationID string            `json:"operation_id"`
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timestamp   time.Time         `json:"timestamp,omitzero"`
	Environment string            `json:"environment,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
}
