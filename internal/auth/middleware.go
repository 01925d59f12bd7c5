package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
)

const (
	AccessCookieName = "auth_token"
	CSRFCookieName   = "csrf_token"
	CSRFHeaderName   = "X-CSRF-Token"
	TenantHeaderName = "X-Tenant-ID"
)

var (
	errMissingToken  = errors.New("missing authorization token")
	errInvalidFormat = errors.New("invalid authorization format")
)

type identityContextKey struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(Identity)
	return identity, ok
}

// Middleware authorizes the request's access token and stores the resulting
// Identity in the request context. With cookieAuth the auth_token cookie is
// accepted when no Authorization header is sent, and unsafe methods must
// then pass the CSRF double-submit check.
func Middleware(service *Service, cookieAuth bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, fromCookie, err := accessTokenFromRequest(r, cookieAuth)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if fromCookie && !csrfValid(r) {
			writeError(w, http.StatusForbidden, "invalid csrf token")
			return
		}

		var identity Identity
		if tenant := strings.TrimSpace(r.Header.Get(TenantHeaderName)); tenant != "" && service.MultiTenant() {
			identity, err = service.AuthorizeTenant(r.Context(), raw, tenant)
		} else {
			identity, err = service.Authorize(r.Context(), raw)
		}
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to authorize request")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// RequireRole must run inside Middleware. Identities without one of roles get
// 403.
func RequireRole(next http.Handler, roles ...Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		if err := CheckRole(identity, roles...); err != nil {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func CheckRole(identity Identity, roles ...Role) error {
	for _, role := range roles {
		if identity.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

func accessTokenFromRequest(r *http.Request, cookieAuth bool) (string, bool, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false, errInvalidFormat
		}
		raw := strings.TrimSpace(parts[1])
		if raw == "" {
			return "", false, errMissingToken
		}
		return raw, false, nil
	}

	if cookieAuth {
		if cookie, err := r.Cookie(AccessCookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
			return strings.TrimSpace(cookie.Value), true, nil
		}
	}

	return "", false, errMissingToken
}

func csrfValid(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}

	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	header := r.Header.Get(CSRFHeaderName)
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) == 1
}
