// Package auth resolves registry credentials and negotiates the registry
// authentication dance (Basic and Bearer/WWW-Authenticate).
package auth

import (
	"os"

	dockercfg "github.com/docker/cli/cli/config"
	dockercfgtypes "github.com/docker/cli/cli/config/types"
)

// CredentialKind discriminates the variants of Credential.
type CredentialKind int

const (
	// Anonymous indicates no credential was found for the host.
	Anonymous CredentialKind = iota
	// UsernamePassword indicates Basic-style credentials.
	UsernamePassword
	// BearerToken indicates a pre-obtained bearer/identity token.
	BearerToken
)

// Credential is the resolved credential for a registry host.
type Credential struct {
	Kind     CredentialKind
	Username string
	Password string
	Token    string
}

// IsAnonymous reports whether c carries no usable credential.
func (c Credential) IsAnonymous() bool {
	return c.Kind == Anonymous
}

// Provider resolves a Credential for a given registry host.
type Provider interface {
	Credential(host string) (Credential, error)
}

// Static always returns the same (user, pass) pair regardless of host.
type Static struct {
	Username, Password string
}

// Credential implements Provider.
func (s Static) Credential(_ string) (Credential, error) {
	if s.Username == "" && s.Password == "" {
		return Credential{Kind: Anonymous}, nil
	}
	return Credential{Kind: UsernamePassword, Username: s.Username, Password: s.Password}, nil
}

// FileStore resolves credentials from one or more docker-config-format
// files. Lookup is exact-host only; no wildcards. Read once at
// construction time — later changes on disk are not observed.
type FileStore struct {
	creds map[string]dockercfgtypes.AuthConfig
}

// NewFileStore loads docker config files from paths, or the default
// search locations (honoring $DOCKER_CONFIG) when paths is empty.
func NewFileStore(paths ...string) (*FileStore, error) {
	fs := &FileStore{creds: map[string]dockercfgtypes.AuthConfig{}}
	if len(paths) == 0 {
		cfg := dockercfg.LoadDefaultConfigFile(os.Stderr)
		creds, err := cfg.GetAllCredentials()
		if err != nil {
			return nil, err
		}
		for host, cred := range creds {
			fs.creds[host] = cred
		}
		return fs, nil
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		cfgFile, err := dockercfg.LoadFromReader(f)
		closeErr := f.Close()
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}
		creds, err := cfgFile.GetAllCredentials()
		if err != nil {
			return nil, err
		}
		for host, cred := range creds {
			fs.creds[host] = cred
		}
	}
	return fs, nil
}

// Credential implements Provider. identitytoken, when present, is
// returned as a BearerToken; otherwise auth is decoded into a
// UsernamePassword. A missing host resolves to Anonymous.
func (fs *FileStore) Credential(host string) (Credential, error) {
	cred, ok := fs.creds[host]
	if !ok {
		return Credential{Kind: Anonymous}, nil
	}
	if cred.IdentityToken != "" {
		return Credential{Kind: BearerToken, Token: cred.IdentityToken}, nil
	}
	if cred.Username != "" || cred.Password != "" {
		return Credential{Kind: UsernamePassword, Username: cred.Username, Password: cred.Password}, nil
	}
	return Credential{Kind: Anonymous}, nil
}

// Chain tries each provider in order; the first non-anonymous credential
// wins.
type Chain struct {
	Providers []Provider
}

// Credential implements Provider.
func (c Chain) Credential(host string) (Credential, error) {
	for _, p := range c.Providers {
		cred, err := p.Credential(host)
		if err != nil {
			return Credential{}, err
		}
		if !cred.IsAnonymous() {
			return cred, nil
		}
	}
	return Credential{Kind: Anonymous}, nil
}
