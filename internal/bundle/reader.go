package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eunomia-project/eunomia/internal/models"
)

// FromFile reads a bundle archive from disk.
func FromFile(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return FromBytes(raw)
}

// FromBytes parses the canonical archive form. The returned bundle keeps the
// exact input bytes, so digests and signatures verify against it unchanged.
func FromBytes(raw []byte) (*Bundle, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, &Error{Code: CodeBadArchive, Message: fmt.Sprintf("gzip: %v", err)}
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var manifest *Manifest
	var files []File
	first := true

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &Error{Code: CodeBadArchive, Message: fmt.Sprintf("tar: %v", err)}
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, &Error{Code: CodeBadArchive, Message: fmt.Sprintf("read %s: %v", hdr.Name, err)}
		}

		if hdr.Name == ManifestName {
			if !first {
				return nil, &Error{Code: CodeBadArchive, Message: "manifest is not the first entry"}
			}
			var m Manifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, &Error{Code: CodeBadManifest, Message: err.Error()}
			}
			manifest = &m
		} else {
			files = append(files, File{Path: hdr.Name, Data: data})
		}
		first = false
	}

	if manifest == nil {
		return nil, &Error{Code: CodeBadManifest, Message: "archive has no manifest"}
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	return &Bundle{
		Manifest: *manifest,
		Files:    files,
		Raw:      raw,
		Digest:   hex.EncodeToString(sum[:]),
	}, nil
}

// VerifyDigest recomputes the archive digest and compares it to a claimed
// value.
func (b *Bundle) VerifyDigest(claimed string) error {
	sum := sha256.Sum256(b.Raw)
	actual := hex.EncodeToString(sum[:])
	if actual != claimed {
		return &Error{
			Code:    CodeChecksumMismatch,
			Message: fmt.Sprintf("digest %s does not match claimed %s", actual, claimed),
		}
	}
	return nil
}

// PolicyFiles returns the .rego entries.
func (b *Bundle) PolicyFiles() []File {
	var out []File
	for _, f := range b.Files {
		if len(f.Path) > 5 && f.Path[len(f.Path)-5:] == ".rego" {
			out = append(out, f)
		}
	}
	return out
}

// Modules parses the policy entries into their structural form.
func (b *Bundle) Modules() []models.PolicyModule {
	files := b.PolicyFiles()
	out := make([]models.PolicyModule, 0, len(files))
	for _, f := range files {
		out = append(out, *models.ParseModule(f.Path, string(f.Data)))
	}
	return out
}
