package gateway

import (
	"net/http"

	"github.com/axonstream/axonstream/internal/apierr"
	"github.com/axonstream/axonstream/internal/identity"
)

// AuthMiddleware resolves a request's bearer token or API key to an
// identity.Identity and injects it into the request context, mirroring
// the teacher's AuthMiddleware.Wrap shape (skip health/metrics, extract
// credential, look up, inject into context, 401 on failure) but
// delegating the actual credential verification to internal/identity.
type AuthMiddleware struct {
	auth *identity.Authenticator
}

func NewAuthMiddleware(auth *identity.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUnauthenticatedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		method, raw := identity.ExtractCredential(r)
		if raw == "" {
			writeError(w, apierr.New(apierr.CodeUnauthorized, "missing credential"))
			return
		}

		id, err := am.auth.Authenticate(r.Context(), method, raw)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := identity.WithIdentity(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isUnauthenticatedPath(path string) bool {
	switch path {
	case "/healthz", "/metrics":
		return true
	default:
		return false
	}
}

// RequireScope returns middleware that rejects any request whose
// identity lacks resource, per spec.md §4.1's scope model.
func RequireScope(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identity.FromContext(r.Context())
			if !ok || !id.HasScope(resource) {
				writeError(w, apierr.Newf(apierr.CodeForbidden, "missing scope %q", resource))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
