// Package auth guards mutating endpoints with static bearer tokens.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Config holds authentication configuration. Token and Tokens are merged;
// listing several tokens allows rotation without downtime.
type Config struct {
	Enabled bool     `yaml:"enabled"`
	Token   string   `yaml:"token"`
	Tokens  []string `yaml:"tokens"`
}

// accepted returns the non-empty configured tokens.
func (c Config) accepted() [][]byte {
	var out [][]byte
	for _, t := range append([]string{c.Token}, c.Tokens...) {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, []byte(t))
		}
	}
	return out
}

// HasToken reports whether at least one token is configured.
func (c Config) HasToken() bool {
	return len(c.accepted()) > 0
}

// public paths never require a token. Reading run state is public too;
// only submitting runs, listing them and refreshing the catalog are guarded.
var public = map[string]bool{
	"/healthz":             true,
	"/readyz":              true,
	"/metrics":             true,
	"/api/v1/tle/metadata": true,
}

func isPublic(r *http.Request) bool {
	if public[r.URL.Path] {
		return true
	}
	return r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/runs/")
}

// bearer extracts the credentials of an "Authorization: Bearer <token>"
// header. The scheme is case-insensitive.
func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// valid compares token against every accepted token in constant time.
func valid(token string, accepted [][]byte) bool {
	got := []byte(token)
	var match int
	for _, want := range accepted {
		match |= subtle.ConstantTimeCompare(got, want)
	}
	return match == 1
}

// Middleware rejects guarded requests without a valid bearer token when auth
// is enabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	accepted := cfg.accepted()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || isPublic(r) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearer(r.Header.Get("Authorization"))
			if !ok || !valid(token, accepted) {
				challenge := `Bearer realm="orbitsim"`
				if ok {
					challenge += `, error="invalid_token"`
				}
				w.Header().Set("WWW-Authenticate", challenge)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
