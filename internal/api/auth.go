package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKey is one configured client credential. Secret is a bcrypt hash,
// never the plaintext key.
type APIKey struct {
	ID         string `yaml:"id"`
	SecretHash string `yaml:"secret_hash"`
	Actor      string `yaml:"actor"`
}

// Authenticator verifies the X-API-Key header, formatted "id:secret".
type Authenticator struct {
	keys map[string]APIKey
}

// NewAuthenticator indexes the configured keys by ID.
func NewAuthenticator(keys []APIKey) *Authenticator {
	indexed := make(map[string]APIKey, len(keys))
	for _, k := range keys {
		indexed[k.ID] = k
	}
	return &Authenticator{keys: indexed}
}

// dummyHash keeps verification time constant for unknown key IDs.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Authenticate returns the actor behind the credential, or false.
func (a *Authenticator) Authenticate(header string) (string, bool) {
	id, secret, found := strings.Cut(header, ":")
	if !found {
		return "", false
	}

	key, ok := a.keys[id]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return "", false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return "", false
	}

	actor := key.Actor
	if actor == "" {
		actor = key.ID
	}
	return actor, true
}

// HashSecret produces the stored form of a plaintext key secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type actorKeyType struct{}

var actorKey actorKeyType

// Middleware rejects requests without a valid API key. The health
// endpoint stays open for probes.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		actor, ok := a.Authenticate(r.Header.Get("X-API-Key"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}

		ctx := contextWithActor(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
