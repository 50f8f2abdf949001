package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/alexedwards/argon2id"
)

type ctxKey int

const keyID ctxKey = 0

// Key is one configured API key. Exactly one of Secret and Hash is set;
// Hash is an argon2id PHC string.
type Key struct {
	ID     string
	Secret string
	Hash   string
}

// Store resolves the secret carried in a header to a key id.
type Store struct {
	header   string
	required bool
	bySecret map[string]string
	hashed   []Key

	verified sync.Map // secret -> key id, for hashed keys already matched
}

// NewStatic creates a new static key store.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// required: reject requests that carry no key at all
func NewStatic(header string, required bool, keys []Key) *Store {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	s := &Store{header: h, required: required, bySecret: map[string]string{}}
	for _, k := range keys {
		switch {
		case k.ID == "":
		case k.Hash != "":
			s.hashed = append(s.hashed, k)
		case k.Secret != "":
			s.bySecret[k.Secret] = k.ID
		}
	}
	return s
}

// Header returns the header name secrets are read from.
func (s *Store) Header() string { return s.header }

// Lookup returns the key id for secret.
func (s *Store) Lookup(secret string) (string, bool, error) {
	for known, id := range s.bySecret {
		if subtle.ConstantTimeCompare([]byte(known), []byte(secret)) == 1 {
			return id, true, nil
		}
	}
	if v, ok := s.verified.Load(secret); ok {
		return v.(string), true, nil
	}
	for _, k := range s.hashed {
		match, err := compareHash(secret, k.Hash)
		if err != nil {
			return "", false, fmt.Errorf("key %s: %w", k.ID, err)
		}
		if match {
			s.verified.Store(secret, k.ID)
			return k.ID, true, nil
		}
	}
	return "", false, nil
}

// compareHash recovers from panics the argon2 package raises on malformed
// parameters.
func compareHash(secret, hash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match, err = false, fmt.Errorf("invalid argon2id hash: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(secret, hash)
}

// HashSecret returns an argon2id hash suitable for Key.Hash.
func HashSecret(secret string) (string, error) {
	return argon2id.CreateHash(secret, argon2id.DefaultParams)
}

// WithKeyID injects the key ID into context.
func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

// KeyIDFrom extracts the key ID from context (if present).
func KeyIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// It skips authentication for any path in skipPaths. Requests without a key
// pass through anonymously unless the store was built with required=true.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				if s.required {
					writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			id, ok, err := s.Lookup(secret)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, "auth_error", "API key store misconfigured")
				return
			}
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
