// Package auth resolves bearer tokens to scoped principals for the fuzzbed API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API.
const (
	ScopeAll            = "*"
	ScopeWorkspacesRead = "workspaces:ro"
	ScopeWorkspaces     = "workspaces:rw"
	ScopeJobsRead       = "jobs:ro"
	ScopeJobs           = "jobs:rw"
	ScopeEvents         = "events:ro"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Authenticator holds the configured credentials. An Authenticator with no
// credentials at all is open: every request acts with ScopeAll.
type Authenticator struct {
	apiKey string
	tokens []TokenConfig
}

func NewAuthenticator(apiKey string, tokens []TokenConfig) *Authenticator {
	return &Authenticator{apiKey: apiKey, tokens: tokens}
}

// Open reports whether no credentials are configured.
func (a *Authenticator) Open() bool {
	return a.apiKey == "" && len(a.tokens) == 0
}

type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

// Anonymous is the principal used when the authenticator is open.
func Anonymous() Principal {
	return Principal{Scopes: map[string]struct{}{ScopeAll: {}}}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadFormat     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing API key")
)

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrBadFormat
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// Authenticate matches a presented token. The single API key acts with
// ScopeAll; scoped tokens get their configured scopes.
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if equal(presented, a.apiKey) {
		return Principal{Token: presented, Scopes: map[string]struct{}{ScopeAll: {}}}, true
	}
	for _, t := range a.tokens {
		if equal(presented, t.Token) {
			return Principal{Token: presented, Scopes: normalizeScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func equal(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	// Write implies read.
	if _, ok := out[ScopeJobs]; ok {
		out[ScopeJobsRead] = struct{}{}
	}
	if _, ok := out[ScopeWorkspaces]; ok {
		out[ScopeWorkspacesRead] = struct{}{}
	}
	return out
}

// HasAnyScope reports whether p holds ScopeAll or one of required.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
