package api

import (
	"net/http"

	"github.com/fuzzbed/fuzzbed/internal/auth"
)

// authMiddleware resolves the bearer token to a principal. With no
// credentials configured every caller acts with full scope.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || s.auth.Open() {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Anonymous())))
			return
		}

		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeReason(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := s.auth.Authenticate(token)
		if !ok {
			s.writeReason(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok || !auth.HasAnyScope(principal, scopes...) {
				s.writeReason(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
