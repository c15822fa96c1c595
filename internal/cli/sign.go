package cli

import (
	"crypto/ed25519"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eunomia-project/eunomia/internal/bundle"
	"github.com/eunomia-project/eunomia/internal/crypto"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing key pair",
	RunE:  runKeygen,
}

var (
	keygenPrivateFlag string
	keygenPublicFlag  string
)

func init() {
	keygenCmd.Flags().StringVar(&keygenPrivateFlag, "private", "eunomia.key", "Private key output path")
	keygenCmd.Flags().StringVar(&keygenPublicFlag, "public", "eunomia.pub", "Public key output path")
}

// GetKeygenCmd returns the keygen command.
func GetKeygenCmd() *cobra.Command {
	return keygenCmd
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if err := crypto.GenerateKeys(keygenPrivateFlag, keygenPublicFlag); err != nil {
		return err
	}
	fmt.Printf("%s✓ key pair written: %s, %s%s\n", colorGreen, keygenPrivateFlag, keygenPublicFlag, colorReset)
	return nil
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a bundle's digest",
	Long: `Sign the bundle's content digest with an Ed25519 key and write the
signature sidecar next to the archive. The signature is verified after
writing; a verification failure is a signature-error exit.`,
	RunE: runSign,
}

var (
	signBundleFlag  string
	signKeyFileFlag string
	signKeyEnvFlag  bool
	signKeyIDFlag   string
	signOutputFlag  string
)

func init() {
	signCmd.Flags().StringVar(&signBundleFlag, "bundle", "bundle.tar.gz", "Bundle archive to sign")
	signCmd.Flags().StringVar(&signKeyFileFlag, "key-file", "", "PEM private key path")
	signCmd.Flags().BoolVar(&signKeyEnvFlag, "key-env", false, "Read the private key from "+crypto.SigningKeyEnv)
	signCmd.Flags().StringVar(&signKeyIDFlag, "key-id", "", "Key identifier recorded in the signature (required)")
	signCmd.Flags().StringVar(&signOutputFlag, "output", "", "Signature sidecar path (default <bundle dir>/.signatures.json)")
	_ = signCmd.MarkFlagRequired("key-id")
}

// GetSignCmd returns the sign command.
func GetSignCmd() *cobra.Command {
	return signCmd
}

func runSign(cmd *cobra.Command, args []string) error {
	b, err := bundle.FromFile(signBundleFlag)
	if err != nil {
		return err
	}

	var key ed25519.PrivateKey
	switch {
	case signKeyEnvFlag:
		key, err = crypto.PrivateKeyFromEnv()
	case signKeyFileFlag != "":
		key, err = crypto.LoadPrivateKey(signKeyFileFlag)
	default:
		return &crypto.SignatureError{Message: "one of --key-file or --key-env is required"}
	}
	if err != nil {
		return err
	}

	signer, err := crypto.NewSigner(signKeyIDFlag, key)
	if err != nil {
		return err
	}
	defer signer.Close()

	sig := signer.Sign(b.Digest)

	output := signOutputFlag
	if output == "" {
		output = sidecarPath(signBundleFlag)
	}
	if err := crypto.WriteSignaturesFile(output, []crypto.Signature{sig}); err != nil {
		return err
	}

	// Re-read and verify what was actually written.
	written, err := crypto.ReadSignaturesFile(output)
	if err != nil {
		return err
	}
	ring := crypto.NewKeyring()
	ring.Add(signKeyIDFlag, signer.Public())
	if err := ring.VerifyAny(b.Digest, written); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]any{"signatures": output, "key_id": signKeyIDFlag, "digest": b.Digest})
		return nil
	}
	fmt.Printf("%s✓ signed: %s%s (key %s)\n", colorGreen, output, colorReset, signKeyIDFlag)
	return nil
}

func sidecarPath(bundlePath string) string {
	return filepath.Join(filepath.Dir(bundlePath), crypto.SignaturesFileName)
}
