package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
)

// AlgorithmEd25519 is the only supported signature algorithm.
const AlgorithmEd25519 = "ed25519"

// SignaturesFileName is the OCI-style sidecar adjacent to a bundle.
const SignaturesFileName = ".signatures.json"

// Signature is one Ed25519 signature over a bundle's hex digest string.
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
	Value     string `json:"value"`
}

// SignaturesFile is the sidecar document shape.
type SignaturesFile struct {
	Signatures []Signature `json:"signatures"`
}

// WriteSignaturesFile writes the sidecar next to a bundle.
func WriteSignaturesFile(path string, sigs []Signature) error {
	raw, err := json.MarshalIndent(SignaturesFile{Signatures: sigs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signatures: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write signatures: %w", err)
	}
	return nil
}

// ReadSignaturesFile parses a sidecar file.
func ReadSignaturesFile(path string) ([]Signature, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &SignatureError{Message: fmt.Sprintf("read signatures: %v", err)}
	}
	var file SignaturesFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, &SignatureError{Message: fmt.Sprintf("parse signatures: %v", err)}
	}
	if len(file.Signatures) == 0 {
		return nil, &SignatureError{Message: "signatures file is empty"}
	}
	return file.Signatures, nil
}

// Verify checks one signature over a digest against a public key.
func Verify(digest string, sig Signature, key ed25519.PublicKey) error {
	if sig.Algorithm != AlgorithmEd25519 {
		return &SignatureError{Message: fmt.Sprintf("unsupported algorithm %q", sig.Algorithm)}
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return &SignatureError{Message: fmt.Sprintf("decode signature: %v", err)}
	}
	if !ed25519.Verify(key, []byte(digest), raw) {
		return &SignatureError{Message: fmt.Sprintf("verification failed for key %q", sig.KeyID)}
	}
	return nil
}

// Keyring resolves key ids to public keys. It is an explicitly injected
// collaborator; there is no process-global registry.
type Keyring struct {
	keys map[string]ed25519.PublicKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: map[string]ed25519.PublicKey{}}
}

// Add registers a public key under an id.
func (k *Keyring) Add(keyID string, key ed25519.PublicKey) {
	k.keys[keyID] = key
}

// Verify resolves the signature's key id and checks the signature.
func (k *Keyring) Verify(digest string, sig Signature) error {
	key, ok := k.keys[sig.KeyID]
	if !ok {
		return &SignatureError{Message: fmt.Sprintf("unknown key id %q", sig.KeyID)}
	}
	return Verify(digest, sig, key)
}

// VerifyAny succeeds if at least one signature verifies against the ring.
func (k *Keyring) VerifyAny(digest string, sigs []Signature) error {
	if len(sigs) == 0 {
		return &SignatureError{Message: "no signatures"}
	}
	var last error
	for _, sig := range sigs {
		if err := k.Verify(digest, sig); err != nil {
			last = err
			continue
		}
		return nil
	}
	return last
}
