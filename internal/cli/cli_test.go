package cli

import (
	"errors"
	"testing"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/crypto"
	"github.com/eunomia-project/eunomia/internal/registry"
	"github.com/eunomia-project/eunomia/internal/validator"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{&validator.ValidationError{Report: &validator.Report{}}, ExitGating},
		{&gateError{message: "1 failed"}, ExitGating},
		{&crypto.SignatureError{Message: "bad key"}, ExitSignature},
		{&registry.Error{Kind: registry.ErrKindNetwork, Message: "down"}, ExitRegistry},
		{&distributionError{message: "rolled back"}, ExitDistribution},
		{&bundle.Error{Code: bundle.CodeEmptyBundle, Message: "empty"}, ExitGeneric},
		{errors.New("anything else"), ExitGeneric},
	}
	for _, tc := range cases {
		if got := ExitCodeFor(tc.err); got != tc.want {
			t.Errorf("ExitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&validator.ValidationError{Report: &validator.Report{}}, "validation_failed"},
		{&gateError{message: "x"}, "tests_failed"},
		{&crypto.SignatureError{Message: "x"}, "signature_error"},
		{&registry.Error{Kind: registry.ErrKindAuth, Message: "x"}, "registry_error"},
		{&distributionError{message: "x"}, "distribution_failed"},
		{&bundle.Error{Code: bundle.CodeChecksumMismatch, Message: "x"}, bundle.CodeChecksumMismatch},
	}
	for _, tc := range cases {
		if got := errorCode(tc.err); got != tc.want {
			t.Errorf("errorCode(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestParseEndpoints(t *testing.T) {
	instances, err := parseEndpoints([]string{"10.0.0.1:9443", "pdp.internal:9443"}, true)
	if err != nil {
		t.Fatalf("parseEndpoints: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("instances = %d", len(instances))
	}
	if instances[0].Host != "10.0.0.1" || instances[0].Port != 9443 || !instances[0].TLS {
		t.Errorf("instance = %+v", instances[0])
	}

	if _, err := parseEndpoints([]string{"no-port"}, false); err == nil {
		t.Error("endpoint without port must fail")
	}
}
