package cli

import (
	"strings"

	"github.com/eunomia-project/eunomia/internal/registry"
)

// registryFlags are the shared registry connection flags.
type registryFlags struct {
	host     string
	insecure bool
	authMode string
	username string
	password string
	token    string
}

func (f *registryFlags) client() (*registry.Client, error) {
	creds := registry.Credentials{}
	switch strings.ToLower(f.authMode) {
	case "basic":
		creds = registry.Credentials{Mode: registry.AuthBasic, Username: f.username, Password: f.password}
	case "bearer":
		creds = registry.Credentials{Mode: registry.AuthBearer, Token: f.token}
	}
	return registry.New(registry.Options{
		Host:     f.host,
		Auth:     creds,
		Insecure: f.insecure,
	})
}
