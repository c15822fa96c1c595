package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/crypto"
	"github.com/eunomia-project/eunomia/internal/registry"
	"github.com/eunomia-project/eunomia/internal/validator"
)

const (
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// errorEnvelope is the machine-readable error shape.
type errorEnvelope struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: encode output:", err)
		return
	}
	fmt.Println(string(raw))
}

func printErrorEnvelope(err error) {
	envelope := errorEnvelope{Code: errorCode(err), Message: err.Error()}

	var berr *bundle.Error
	var rerr *registry.Error
	if errors.As(err, &berr) {
		envelope.Context = map[string]any{"bundle_code": berr.Code}
	} else if errors.As(err, &rerr) {
		envelope.Context = map[string]any{"kind": rerr.Kind.String(), "retryable": rerr.Retryable()}
	}

	raw, _ := json.Marshal(envelope)
	fmt.Fprintln(os.Stderr, string(raw))
}

func errorCode(err error) string {
	var verr *validator.ValidationError
	var gerr *gateError
	var serr *crypto.SignatureError
	var rerr *registry.Error
	var derr *distributionError
	var berr *bundle.Error

	switch {
	case errors.As(err, &verr):
		return "validation_failed"
	case errors.As(err, &gerr):
		return "tests_failed"
	case errors.As(err, &serr):
		return "signature_error"
	case errors.As(err, &rerr):
		return "registry_error"
	case errors.As(err, &derr):
		return "distribution_failed"
	case errors.As(err, &berr):
		return berr.Code
	default:
		return "error"
	}
}
