// Package registry moves policy bundles through an OCI distribution
// registry and caches fetched bundles on disk.
package registry

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/eunomia-project/eunomia/internal/bundle"
)

// RegistryTokenEnv supplies a bearer token when no explicit auth is given.
const RegistryTokenEnv = "EUNOMIA_REGISTRY_TOKEN"

// AuthMode selects how requests authenticate.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthBasic
	AuthBearer
)

// Credentials carries registry authentication.
type Credentials struct {
	Mode     AuthMode
	Username string
	Password string
	Token    string
}

// Options configures a client.
type Options struct {
	// Host is the registry host[:port].
	Host string
	Auth Credentials
	// Insecure allows plain HTTP, for local registries and tests.
	Insecure bool
	// TLS overrides the client TLS configuration (mTLS client certs).
	TLS *tls.Config
}

// Client is an OCI distribution client for bundle artifacts.
type Client struct {
	host     string
	insecure bool
	remote   []remote.Option
}

// New builds a client. A bearer token from the environment is used when no
// explicit credentials are configured.
func New(opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, &Error{Kind: ErrKindConflict, Message: "registry host is required"}
	}

	auth := authenticator(opts.Auth)
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLS != nil {
		tr.TLSClientConfig = opts.TLS
	}

	return &Client{
		host:     opts.Host,
		insecure: opts.Insecure,
		remote: []remote.Option{
			remote.WithAuth(auth),
			remote.WithTransport(tr),
		},
	}, nil
}

func authenticator(c Credentials) authn.Authenticator {
	switch c.Mode {
	case AuthBasic:
		return &authn.Basic{Username: c.Username, Password: c.Password}
	case AuthBearer:
		return &authn.Bearer{Token: c.Token}
	default:
		if token := os.Getenv(RegistryTokenEnv); token != "" {
			return &authn.Bearer{Token: token}
		}
		return authn.Anonymous
	}
}

func (c *Client) repository(service string) (name.Repository, error) {
	var opts []name.Option
	if c.insecure {
		opts = append(opts, name.Insecure)
	}
	repo, err := name.NewRepository(c.host+"/"+service, opts...)
	if err != nil {
		return name.Repository{}, &Error{Kind: ErrKindConflict, Message: fmt.Sprintf("repository %s/%s", c.host, service), Err: err}
	}
	return repo, nil
}

// Exists reports whether a tag is present for the service.
func (c *Client) Exists(ctx context.Context, service, tag string) (bool, error) {
	repo, err := c.repository(service)
	if err != nil {
		return false, err
	}
	_, err = remote.Head(repo.Tag(tag), append(c.remote, remote.WithContext(ctx))...)
	if err != nil {
		rerr := classify("head "+tag, err)
		if rerr.Kind == ErrKindNotFound {
			return false, nil
		}
		return false, rerr
	}
	return true, nil
}

// ListTags lists the service's tags.
func (c *Client) ListTags(ctx context.Context, service string) ([]string, error) {
	repo, err := c.repository(service)
	if err != nil {
		return nil, err
	}
	tags, err := remote.List(repo, append(c.remote, remote.WithContext(ctx))...)
	if err != nil {
		rerr := classify("list tags", err)
		if rerr.Kind == ErrKindNotFound {
			return nil, nil
		}
		return nil, rerr
	}
	return tags, nil
}

// Publish uploads a bundle as a single-layer artifact tagged v<version>.
func (c *Client) Publish(ctx context.Context, b *bundle.Bundle) error {
	repo, err := c.repository(b.Service())
	if err != nil {
		return err
	}

	layer := static.NewLayer(b.Raw, types.MediaType(bundle.MediaType))
	img := mutate.ConfigMediaType(empty.Image, types.MediaType(bundle.ConfigMediaType))
	img, err = mutate.Append(img, mutate.Addendum{Layer: layer})
	if err != nil {
		return &Error{Kind: ErrKindConflict, Message: "assemble artifact", Err: err}
	}

	tag := repo.Tag("v" + b.Version())
	if err := remote.Write(tag, img, append(c.remote, remote.WithContext(ctx))...); err != nil {
		return classify("push "+tag.String(), err)
	}
	return nil
}

// Fetch resolves a query to a version, downloads the bundle layer, verifies
// size and digest against the manifest descriptor, and parses the bundle.
func (c *Client) Fetch(ctx context.Context, service string, q Query) (*bundle.Bundle, error) {
	if q.Kind == QueryDigest {
		return c.fetchByDigest(ctx, service, q.Digest)
	}

	version, err := c.ResolveVersion(ctx, service, q)
	if err != nil {
		return nil, err
	}

	repo, err := c.repository(service)
	if err != nil {
		return nil, err
	}
	img, err := remote.Image(repo.Tag("v"+version), append(c.remote, remote.WithContext(ctx))...)
	if err != nil {
		return nil, classify("fetch manifest v"+version, err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, classify("read manifest", err)
	}
	if len(manifest.Layers) != 1 {
		return nil, &Error{Kind: ErrKindConflict, Message: fmt.Sprintf("expected 1 layer, got %d", len(manifest.Layers))}
	}
	descriptor := manifest.Layers[0]

	layers, err := img.Layers()
	if err != nil {
		return nil, classify("read layers", err)
	}
	raw, err := readLayer(layers[0])
	if err != nil {
		return nil, err
	}

	if int64(len(raw)) != descriptor.Size {
		return nil, &Error{Kind: ErrKindConflict, Message: fmt.Sprintf("layer size %d does not match descriptor %d", len(raw), descriptor.Size)}
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != descriptor.Digest.Hex {
		return nil, &Error{Kind: ErrKindConflict, Message: "layer digest does not match descriptor"}
	}

	return bundle.FromBytes(raw)
}

// fetchByDigest downloads a blob directly, bypassing tag resolution.
func (c *Client) fetchByDigest(ctx context.Context, service, digest string) (*bundle.Bundle, error) {
	repo, err := c.repository(service)
	if err != nil {
		return nil, err
	}
	ref := repo.Digest("sha256:" + digest)
	layer, err := remote.Layer(ref, append(c.remote, remote.WithContext(ctx))...)
	if err != nil {
		return nil, classify("fetch blob "+digest, err)
	}
	raw, err := readLayer(layer)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != digest {
		return nil, &Error{Kind: ErrKindConflict, Message: "blob digest mismatch"}
	}
	return bundle.FromBytes(raw)
}

// ResolveVersion applies a query to the live tag list.
func (c *Client) ResolveVersion(ctx context.Context, service string, q Query) (string, error) {
	if q.Kind == QueryExact {
		return q.Exact, nil
	}
	tags, err := c.ListTags(ctx, service)
	if err != nil {
		return "", err
	}
	return Resolve(tags, q)
}

func readLayer(layer v1.Layer) ([]byte, error) {
	rc, err := layer.Compressed()
	if err != nil {
		return nil, classify("open layer", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, classify("read layer", err)
	}
	return raw, nil
}

// classify maps transport failures onto the registry error taxonomy.
func classify(op string, err error) *Error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch {
		case terr.StatusCode == http.StatusUnauthorized || terr.StatusCode == http.StatusForbidden:
			return &Error{Kind: ErrKindAuth, Message: op, Err: err}
		case terr.StatusCode == http.StatusNotFound:
			return &Error{Kind: ErrKindNotFound, Message: op, Err: err}
		case terr.StatusCode == http.StatusConflict:
			return &Error{Kind: ErrKindConflict, Message: op, Err: err}
		case terr.StatusCode >= 500 || terr.StatusCode == http.StatusTooManyRequests:
			return &Error{Kind: ErrKindNetwork, Message: op, Err: err}
		}
	}
	if strings.Contains(err.Error(), "MANIFEST_UNKNOWN") || strings.Contains(err.Error(), "NAME_UNKNOWN") {
		return &Error{Kind: ErrKindNotFound, Message: op, Err: err}
	}
	return &Error{Kind: ErrKindNetwork, Message: op, Err: err}
}
