package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"path/filepath"
	"testing"
)

func newTestSigner(t *testing.T, keyID string) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewSigner(keyID, priv)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t, "release-key")
	defer signer.Close()

	digest := "f2ca1bb6c7e907d06dafe4687e579fce76b37e4e93b7605022da52e6ccc26fd2"
	sig := signer.Sign(digest)

	if sig.Algorithm != AlgorithmEd25519 || sig.KeyID != "release-key" {
		t.Errorf("signature = %+v", sig)
	}
	if err := Verify(digest, sig, signer.Public()); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := newTestSigner(t, "a")
	other := newTestSigner(t, "b")
	defer signer.Close()
	defer other.Close()

	digest := "f2ca1bb6c7e907d06dafe4687e579fce76b37e4e93b7605022da52e6ccc26fd2"
	sig := signer.Sign(digest)

	if err := Verify(digest, sig, other.Public()); err == nil {
		t.Error("verification with wrong key must fail")
	}
}

func TestVerifyRejectsMutatedDigest(t *testing.T) {
	signer := newTestSigner(t, "a")
	defer signer.Close()

	digest := "f2ca1bb6c7e907d06dafe4687e579fce76b37e4e93b7605022da52e6ccc26fd2"
	sig := signer.Sign(digest)

	mutated := "00" + digest[2:]
	if err := Verify(mutated, sig, signer.Public()); err == nil {
		t.Error("verification of mutated digest must fail")
	}
}

func TestKeyringVerify(t *testing.T) {
	signer := newTestSigner(t, "release-key")
	defer signer.Close()

	ring := NewKeyring()
	ring.Add("release-key", signer.Public())

	digest := "f2ca1bb6c7e907d06dafe4687e579fce76b37e4e93b7605022da52e6ccc26fd2"
	sig := signer.Sign(digest)

	if err := ring.Verify(digest, sig); err != nil {
		t.Errorf("keyring Verify: %v", err)
	}

	sig.KeyID = "unknown"
	if err := ring.Verify(digest, sig); err == nil {
		t.Error("unknown key id must fail")
	}
}

func TestSignaturesFileRoundTrip(t *testing.T) {
	signer := newTestSigner(t, "release-key")
	defer signer.Close()

	digest := "f2ca1bb6c7e907d06dafe4687e579fce76b37e4e93b7605022da52e6ccc26fd2"
	sig := signer.Sign(digest)

	path := filepath.Join(t.TempDir(), SignaturesFileName)
	if err := WriteSignaturesFile(path, []Signature{sig}); err != nil {
		t.Fatalf("WriteSignaturesFile: %v", err)
	}

	sigs, err := ReadSignaturesFile(path)
	if err != nil {
		t.Fatalf("ReadSignaturesFile: %v", err)
	}
	if len(sigs) != 1 {
		t.Fatalf("signatures = %d, want 1", len(sigs))
	}
	if err := Verify(digest, sigs[0], signer.Public()); err != nil {
		t.Errorf("round-tripped signature does not verify: %v", err)
	}
}

func TestPEMKeyFilesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "signing.key")
	pubPath := filepath.Join(dir, "signing.pub")

	if err := GenerateKeys(privPath, pubPath); err != nil {
		t.Fatalf("GenerateKeys: %v", err)
	}

	priv, err := LoadPrivateKey(privPath)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	pub, err := LoadPublicKey(pubPath)
	if err != nil {
		t.Fatalf("LoadPublicKey: %v", err)
	}

	signer, err := NewSigner("k", priv)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	defer signer.Close()

	sig := signer.Sign("deadbeef")
	if err := Verify("deadbeef", sig, pub); err != nil {
		t.Errorf("Verify with loaded public key: %v", err)
	}
}

func TestPrivateKeyFromEnv(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv(SigningKeyEnv, base64.StdEncoding.EncodeToString(priv))

	loaded, err := PrivateKeyFromEnv()
	if err != nil {
		t.Fatalf("PrivateKeyFromEnv: %v", err)
	}
	if !loaded.Equal(priv) {
		t.Error("loaded key differs from original")
	}

	t.Setenv(SigningKeyEnv, "not base64 !!!")
	if _, err := PrivateKeyFromEnv(); err == nil {
		t.Error("invalid base64 must fail")
	}
}

func TestSignerCloseZeroesKey(t *testing.T) {
	signer := newTestSigner(t, "k")
	keyRef := signer.key
	signer.Close()

	for _, b := range keyRef {
		if b != 0 {
			t.Fatal("key material not zeroed after Close")
		}
	}
}
