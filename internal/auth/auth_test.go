package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexedwards/argon2id"
)

// cheap parameters keep the suite fast
var testParams = &argon2id.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func TestLookup_Plaintext(t *testing.T) {
	s := NewStatic("", false, []Key{{ID: "alice", Secret: "a-secret"}})

	id, ok, err := s.Lookup("a-secret")
	if err != nil || !ok || id != "alice" {
		t.Fatalf("Lookup() = %q, %v, %v; want alice, true, nil", id, ok, err)
	}
	if _, ok, _ := s.Lookup("other"); ok {
		t.Error("Lookup() matched an unknown secret")
	}
	if s.Header() != "X-API-Key" {
		t.Errorf("Header() = %q, want X-API-Key", s.Header())
	}
}

func TestLookup_Hashed(t *testing.T) {
	hash, err := argon2id.CreateHash("b-secret", testParams)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStatic("X-Key", false, []Key{{ID: "bob", Hash: hash}})

	for i := 0; i < 2; i++ { // second round is served from the verified cache
		id, ok, err := s.Lookup("b-secret")
		if err != nil || !ok || id != "bob" {
			t.Fatalf("round %d: Lookup() = %q, %v, %v", i, id, ok, err)
		}
	}
	if _, ok, _ := s.Lookup("b-secreT"); ok {
		t.Error("Lookup() matched a wrong secret")
	}
}

func TestLookup_MalformedHash(t *testing.T) {
	s := NewStatic("", false, []Key{{ID: "broken", Hash: "$argon2id$garbage"}})
	if _, _, err := s.Lookup("anything"); err == nil {
		t.Fatal("Lookup() with malformed hash returned no error")
	}
}

func TestHashSecret_RoundTrip(t *testing.T) {
	hash, err := HashSecret("c-secret")
	if err != nil {
		t.Fatal(err)
	}
	s := NewStatic("", true, []Key{{ID: "carol", Hash: hash}})
	if id, ok, _ := s.Lookup("c-secret"); !ok || id != "carol" {
		t.Fatalf("Lookup() = %q, %v", id, ok)
	}
}

func TestMiddleware(t *testing.T) {
	keys := []Key{{ID: "alice", Secret: "a-secret"}}
	skip := map[string]struct{}{"/health": {}}

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = KeyIDFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name     string
		required bool
		path     string
		secret   string
		code     int
		keyID    string
	}{
		{"valid key", true, "/api", "a-secret", http.StatusNoContent, "alice"},
		{"unknown key", false, "/api", "nope", http.StatusUnauthorized, ""},
		{"missing key required", true, "/api", "", http.StatusUnauthorized, ""},
		{"missing key anonymous", false, "/api", "", http.StatusNoContent, ""},
		{"skipped path", true, "/health", "", http.StatusNoContent, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			h := NewStatic("", tc.required, keys).Middleware(skip)(next)

			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.secret != "" {
				req.Header.Set("X-API-Key", tc.secret)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d", rec.Code, tc.code)
			}
			if seen != tc.keyID {
				t.Errorf("key id in context = %q, want %q", seen, tc.keyID)
			}
		})
	}
}
