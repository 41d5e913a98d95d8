package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/medialens/inference/internal/auth"
	"github.com/medialens/inference/internal/domain"
)

type identityKey struct{}

// IdentityFrom returns the verified caller identity, if the route passed
// through an auth middleware.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("op=http.auth: missing bearer token: %w", domain.ErrAuthFailed)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("op=http.auth: malformed authorization header: %w", domain.ErrAuthFailed)
	}
	return token, nil
}

func authenticate(verifier auth.Verifier, r *http.Request) (domain.Identity, error) {
	token, err := bearerToken(r)
	if err != nil {
		return domain.Identity{}, err
	}
	return verifier.Verify(r.Context(), token)
}

// RequireCapability gates a route on a verified identity holding the
// named capability: 401 on a bad credential, 403 on a missing capability.
func RequireCapability(verifier auth.Verifier, capability string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authenticate(verifier, r)
			if err != nil {
				writeError(w, err, nil)
				return
			}
			if !id.HasCapability(capability) {
				writeError(w, fmt.Errorf("op=http.auth: capability %q required: %w", capability, domain.ErrPermissionDenied), nil)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates a route on a verified admin identity.
func RequireAdmin(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authenticate(verifier, r)
			if err != nil {
				writeError(w, err, nil)
				return
			}
			if !id.Admin {
				writeError(w, fmt.Errorf("op=http.auth: admin required: %w", domain.ErrPermissionDenied), nil)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
