package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
)

// Credentials accepted by the control plane.
type Credentials struct {
	Username string
	Password string
	APIKeys  []string
}

// Authenticator checks Basic and Bearer credentials. Credentials can be swapped at runtime.
type Authenticator struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewAuthenticator creates an authenticator for creds.
func NewAuthenticator(creds Credentials) *Authenticator {
	a := &Authenticator{}
	a.Update(creds)
	return a
}

// Update replaces the accepted credentials.
func (a *Authenticator) Update(creds Credentials) {
	keys := make([]string, 0, len(creds.APIKeys))
	for _, k := range creds.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	creds.APIKeys = keys

	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()
}

// Authenticate returns the principal for r, or false when no accepted credential is present.
func (a *Authenticator) Authenticate(r *http.Request) (string, bool) {
	a.mu.RLock()
	creds := a.creds
	a.mu.RUnlock()

	if user, pass, ok := r.BasicAuth(); ok {
		if creds.Username == "" || creds.Password == "" {
			return "", false
		}
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(creds.Password)) == 1
		if userOK && passOK {
			return user, true
		}
		return "", false
	}

	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	for _, key := range creds.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return "api_key", true
		}
	}
	return "", false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
