package distributor

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/eunomia-project/eunomia/internal/bundle"
)

// UpdatePath is the policy-update endpoint on every instance.
const UpdatePath = "/v1/policy/update"

// UpdateRequest is the policy-update RPC payload. Either BundleURL or
// Bundle carries the artifact.
type UpdateRequest struct {
	Service   string          `json:"service"`
	Version   string          `json:"version"`
	Digest    string          `json:"digest"`
	BundleURL string          `json:"bundle_url,omitempty"`
	Bundle    []byte          `json:"bundle,omitempty"`
	Manifest  bundle.Manifest `json:"manifest"`
}

// UpdateResponse is the instance's acknowledgment.
type UpdateResponse struct {
	Status           string `json:"status"` // accepted | rejected
	CurrentVersion   string `json:"current_version"`
	PreviousVersion  string `json:"previous_version,omitempty"`
	DegradationLevel string `json:"degradation_level,omitempty"`
	Error            string `json:"error,omitempty"`
}

// DistributeError is a per-instance push failure.
type DistributeError struct {
	InstanceID string
	Message    string
	// Transient failures are retried; permanent ones are not.
	Transient bool
	Err       error
}

func (e *DistributeError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("push %s: %s: %s", e.InstanceID, kind, e.Message)
}

func (e *DistributeError) Unwrap() error { return e.Err }

// PushResult records one instance's push, successful or not.
type PushResult struct {
	InstanceID string        `json:"instance_id"`
	Success    bool          `json:"success"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration_ns"`
	Error      string        `json:"error,omitempty"`
}

// Pusher delivers one bundle to one instance.
type Pusher interface {
	Push(ctx context.Context, inst Instance, req UpdateRequest) PushResult
}

// PusherConfig tunes the HTTP pusher.
type PusherConfig struct {
	// MaxRetries bounds attempts per instance; 0 means 3.
	MaxRetries int
	// AttemptTimeout is the per-attempt deadline; 0 means 10s.
	AttemptTimeout time.Duration
	// BackoffBase is the initial retry backoff; 0 means 500ms.
	BackoffBase time.Duration
	// RatePerSecond throttles pushes fleet-wide; 0 disables throttling.
	RatePerSecond float64
	// TLS holds the mTLS client configuration.
	TLS *tls.Config
}

// HTTPPusher pushes bundles over mTLS HTTP with retry and backoff.
type HTTPPusher struct {
	cfg     PusherConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPPusher builds a pusher from config.
func NewHTTPPusher(cfg PusherConfig) *HTTPPusher {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		transport.TLSClientConfig = cfg.TLS
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &HTTPPusher{
		cfg:     cfg,
		client:  &http.Client{Transport: transport},
		limiter: limiter,
	}
}

// Push attempts delivery up to MaxRetries times with exponential backoff.
// Permanent failures stop retrying immediately.
func (p *HTTPPusher) Push(ctx context.Context, inst Instance, req UpdateRequest) PushResult {
	start := time.Now()
	attempts := 0

	operation := func() (UpdateResponse, error) {
		attempts++
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return UpdateResponse{}, backoff.Permanent(err)
			}
		}
		resp, err := p.attempt(ctx, inst, req)
		if err != nil {
			var derr *DistributeError
			if errors.As(err, &derr) && !derr.Transient {
				return UpdateResponse{}, backoff.Permanent(err)
			}
			return UpdateResponse{}, err
		}
		return resp, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.cfg.BackoffBase

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries)),
	)

	result := PushResult{
		InstanceID: inst.ID,
		Attempts:   attempts,
		Duration:   time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// attempt sends one policy-update request and classifies the outcome.
func (p *HTTPPusher) attempt(ctx context.Context, inst Instance, req UpdateRequest) (UpdateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return UpdateResponse{}, &DistributeError{InstanceID: inst.ID, Message: "marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.Endpoint()+UpdatePath, bytes.NewReader(payload))
	if err != nil {
		return UpdateResponse{}, &DistributeError{InstanceID: inst.ID, Message: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are transient.
		return UpdateResponse{}, &DistributeError{InstanceID: inst.ID, Message: err.Error(), Transient: true, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return UpdateResponse{}, &DistributeError{InstanceID: inst.ID, Message: "read response", Transient: true, Err: err}
	}

	switch {
	case httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests:
		return UpdateResponse{}, &DistributeError{
			InstanceID: inst.ID,
			Message:    fmt.Sprintf("status %d", httpResp.StatusCode),
			Transient:  true,
		}
	case httpResp.StatusCode >= 400:
		return UpdateResponse{}, &DistributeError{
			InstanceID: inst.ID,
			Message:    fmt.Sprintf("status %d: %s", httpResp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	var resp UpdateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return UpdateResponse{}, &DistributeError{InstanceID: inst.ID, Message: "parse response", Err: err}
	}
	if resp.Status != "accepted" {
		// Signature rejection and version refusals are permanent.
		return UpdateResponse{}, &DistributeError{
			InstanceID: inst.ID,
			Message:    fmt.Sprintf("rejected: %s", resp.Error),
		}
	}
	return resp, nil
}
