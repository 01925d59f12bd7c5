package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"session-auth/internal/observability"
)

const (
	maxJSONBodyBytes  = 1 << 20
	maxPasswordLength = 200
)

type Handler struct {
	service      *Service
	cookieAuth   bool
	secureCookie bool
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithCookies makes Login and Refresh also set the auth_token and csrf_token
// cookies, and lets Logout read the access token from the cookie.
func (h *Handler) WithCookies(enabled bool, secure bool) {
	h.cookieAuth = enabled
	h.secureCookie = secure
}

type loginRequest struct {
	Tenant   string `json:"tenant"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	RevokeAll    bool   `json:"revoke_all"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	tokens, err := h.service.Login(r.Context(), body.Tenant, body.Username, body.Password, observability.ClientIP(r))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		var lockedErr LockedError
		if errors.As(err, &lockedErr) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(lockedErr.Until, h.service.now())))
			writeError(w, http.StatusTooManyRequests, "login temporarily locked")
			return
		}

		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	if err := h.setSessionCookies(w, tokens); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if err := decodeJSON(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tokens, err := h.service.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken), observability.ClientIP(r))
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	if err := h.setSessionCookies(w, tokens); err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, fromCookie, err := accessTokenFromRequest(r, h.cookieAuth)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if fromCookie && !csrfValid(r) {
		writeError(w, http.StatusForbidden, "invalid csrf token")
		return
	}

	var body logoutRequest
	if err := decodeJSON(w, r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.service.Logout(r.Context(), raw, strings.TrimSpace(body.RefreshToken), body.RevokeAll, observability.ClientIP(r)); err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the identity stored by Middleware.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) setSessionCookies(w http.ResponseWriter, tokens Tokens) error {
	if !h.cookieAuth {
		return nil
	}

	csrf, err := randomToken(32)
	if err != nil {
		return err
	}
	expires := h.service.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)

	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookieName,
		Value:    tokens.AccessToken,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(tokens.ExpiresIn),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    csrf,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(tokens.ExpiresIn),
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	if !h.cookieAuth {
		return
	}
	for _, name := range []string{AccessCookieName, CSRFCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == AccessCookieName,
			Secure:   h.secureCookie,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func retryAfterSeconds(until, now time.Time) int {
	seconds := int(math.Ceil(until.Sub(now).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
