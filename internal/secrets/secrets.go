// Package secrets resolves secret references in configuration values so
// credentials never have to live in the config file itself. A reference
// is a literal value, "env:VAR_NAME" or "file:/path/to/secret".
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when a referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Provider fetches secrets from one backing store.
type Provider interface {
	Name() string
	Get(key string) (string, error)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct{}

func (EnvProvider) Name() string { return "env" }

func (EnvProvider) Get(key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s", ErrNotFound, key)
	}
	return value, nil
}

// FileProvider reads secrets from files, one secret per file. Trailing
// whitespace is stripped so mounted secrets with a final newline work.
type FileProvider struct{}

func (FileProvider) Name() string { return "file" }

func (FileProvider) Get(key string) (string, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("read secret file %s: %w", key, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// Resolver dispatches secret references to the provider named by their
// scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver returns a resolver with the env and file providers
// registered.
func NewResolver() *Resolver {
	r := &Resolver{providers: make(map[string]Provider)}
	r.Register(EnvProvider{})
	r.Register(FileProvider{})
	return r
}

// Register adds or replaces the provider for its name.
func (r *Resolver) Register(p Provider) {
	r.providers[p.Name()] = p
}

// ParseRef splits a reference into scheme and key. Values without a
// known scheme are literals.
func (r *Resolver) ParseRef(ref string) (scheme, key string, ok bool) {
	scheme, key, found := strings.Cut(ref, ":")
	if !found {
		return "", ref, false
	}
	if _, known := r.providers[scheme]; !known {
		return "", ref, false
	}
	return scheme, key, true
}

// Resolve expands a secret reference. Literal values are returned
// unchanged.
func (r *Resolver) Resolve(ref string) (string, error) {
	scheme, key, ok := r.ParseRef(ref)
	if !ok {
		return ref, nil
	}
	value, err := r.providers[scheme].Get(key)
	if err != nil {
		return "", err
	}
	return value, nil
}

// ResolveAll expands every reference in place, stopping at the first
// failure.
func (r *Resolver) ResolveAll(refs ...*string) error {
	for _, ref := range refs {
		if ref == nil || *ref == "" {
			continue
		}
		value, err := r.Resolve(*ref)
		if err != nil {
			return err
		}
		*ref = value
	}
	return nil
}
