// Package crypto signs and verifies bundle digests with Ed25519 keys.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	privateKeyType = "ED25519 PRIVATE KEY"
	publicKeyType  = "ED25519 PUBLIC KEY"
)

// SigningKeyEnv is the environment variable carrying a base64 private key.
const SigningKeyEnv = "EUNOMIA_SIGNING_KEY"

// SignatureError is any key or verification failure. Fatal, never retried.
type SignatureError struct {
	Message string
}

func (e *SignatureError) Error() string {
	return "signature: " + e.Message
}

// GenerateKeys writes a fresh Ed25519 key pair as PEM files.
func GenerateKeys(privateKeyPath, publicKeyPath string) error {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	if err := writePEM(privateKeyPath, privateKeyType, privateKey, 0o600); err != nil {
		return err
	}
	return writePEM(publicKeyPath, publicKeyType, publicKey, 0o644)
}

func writePEM(path, blockType string, key []byte, mode os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadPrivateKey reads a PEM private key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &SignatureError{Message: fmt.Sprintf("read private key: %v", err)}
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != privateKeyType {
		return nil, &SignatureError{Message: "not an Ed25519 private key PEM"}
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, &SignatureError{Message: "invalid private key size"}
	}
	return ed25519.PrivateKey(block.Bytes), nil
}

// LoadPublicKey reads a PEM public key file.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &SignatureError{Message: fmt.Sprintf("read public key: %v", err)}
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != publicKeyType {
		return nil, &SignatureError{Message: "not an Ed25519 public key PEM"}
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return nil, &SignatureError{Message: "invalid public key size"}
	}
	return ed25519.PublicKey(block.Bytes), nil
}

// PrivateKeyFromEnv decodes a base64 private key from SigningKeyEnv.
func PrivateKeyFromEnv() (ed25519.PrivateKey, error) {
	encoded := os.Getenv(SigningKeyEnv)
	if encoded == "" {
		return nil, &SignatureError{Message: SigningKeyEnv + " is not set"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &SignatureError{Message: fmt.Sprintf("decode %s: %v", SigningKeyEnv, err)}
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, &SignatureError{Message: "invalid private key size"}
	}
	return ed25519.PrivateKey(raw), nil
}

// Signer holds key material for the duration of a signing operation. Close
// zeroes the private key bytes; the key never leaves the signer.
type Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewSigner wraps a private key under a key id.
func NewSigner(keyID string, key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, &SignatureError{Message: "invalid private key size"}
	}
	if keyID == "" {
		return nil, &SignatureError{Message: "key id is required"}
	}
	// Private copy so Close controls the only reference.
	owned := make(ed25519.PrivateKey, len(key))
	copy(owned, key)
	return &Signer{keyID: keyID, key: owned}, nil
}

// KeyID returns the signer's key id.
func (s *Signer) KeyID() string { return s.keyID }

// Public returns the corresponding public key.
func (s *Signer) Public() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Sign signs a bundle digest (the hex string, not the raw bytes).
func (s *Signer) Sign(digest string) Signature {
	sig := ed25519.Sign(s.key, []byte(digest))
	return Signature{
		Algorithm: AlgorithmEd25519,
		KeyID:     s.keyID,
		Value:     base64.StdEncoding.EncodeToString(sig),
	}
}

// Close zeroes the key material. The signer is unusable afterwards.
func (s *Signer) Close() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
}
