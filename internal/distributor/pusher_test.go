package distributor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func instanceFor(t *testing.T, srv *httptest.Server) Instance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return Instance{ID: "test-instance", Host: u.Hostname(), Port: port}
}

func acceptHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != UpdatePath {
			http.NotFound(w, r)
			return
		}
		var req UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(UpdateResponse{
			Status:         "accepted",
			CurrentVersion: req.Version,
		})
	}
}

func testPusherConfig() PusherConfig {
	return PusherConfig{
		MaxRetries:     3,
		AttemptTimeout: time.Second,
		BackoffBase:    time.Millisecond,
	}
}

func TestHTTPPusherAccepted(t *testing.T) {
	srv := httptest.NewServer(acceptHandler(t))
	defer srv.Close()

	pusher := NewHTTPPusher(testPusherConfig())
	result := pusher.Push(context.Background(), instanceFor(t, srv), UpdateRequest{
		Service: "users",
		Version: "1.0.0",
		Digest:  "abc",
	})

	if !result.Success {
		t.Fatalf("push failed: %s", result.Error)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
}

func TestHTTPPusherRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(UpdateResponse{Status: "accepted"})
	}))
	defer srv.Close()

	pusher := NewHTTPPusher(testPusherConfig())
	result := pusher.Push(context.Background(), instanceFor(t, srv), UpdateRequest{Service: "users", Version: "1.0.0"})

	if !result.Success {
		t.Fatalf("push failed after retries: %s", result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestHTTPPusherPermanentNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad signature", http.StatusBadRequest)
	}))
	defer srv.Close()

	pusher := NewHTTPPusher(testPusherConfig())
	result := pusher.Push(context.Background(), instanceFor(t, srv), UpdateRequest{Service: "users", Version: "1.0.0"})

	if result.Success {
		t.Fatal("4xx push reported success")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (permanent failures must not retry)", calls.Load())
	}
}

func TestHTTPPusherRejectedAckIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(UpdateResponse{Status: "rejected", Error: "signature verification failed"})
	}))
	defer srv.Close()

	pusher := NewHTTPPusher(testPusherConfig())
	result := pusher.Push(context.Background(), instanceFor(t, srv), UpdateRequest{Service: "users", Version: "1.0.0"})

	if result.Success {
		t.Fatal("rejected ack reported success")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPPusherExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	pusher := NewHTTPPusher(testPusherConfig())
	result := pusher.Push(context.Background(), instanceFor(t, srv), UpdateRequest{Service: "users", Version: "1.0.0"})

	if result.Success {
		t.Fatal("exhausted push reported success")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if result.Error == "" {
		t.Error("last error not recorded")
	}
}

func TestHTTPPusherTooManyRequestsIsTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(UpdateResponse{Status: "accepted"})
	}))
	defer srv.Close()

	pusher := NewHTTPPusher(testPusherConfig())
	result := pusher.Push(context.Background(), instanceFor(t, srv), UpdateRequest{Service: "users", Version: "1.0.0"})

	if !result.Success {
		t.Fatalf("429 must be retried: %s", result.Error)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}
