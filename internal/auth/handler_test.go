package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-auth/internal/audit"
)

func newTestMux(env *testEnv, cookieAuth bool) *http.ServeMux {
	handler := NewHandler(env.service)
	handler.WithCookies(cookieAuth, false)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", handler.Login)
	mux.HandleFunc("POST /auth/refresh", handler.Refresh)
	mux.HandleFunc("POST /auth/logout", handler.Logout)
	mux.Handle("GET /auth/me", Middleware(env.service, cookieAuth, http.HandlerFunc(handler.Me)))
	mux.Handle("GET /admin", Middleware(env.service, cookieAuth, RequireRole(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), RoleOwner)))
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path, body string, headers map[string]string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func loginOverHTTP(t *testing.T, mux http.Handler, username, password string) (Tokens, *httptest.ResponseRecorder) {
	t.Helper()
	rec := doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"`+username+`","password":"`+password+`"}`, nil)
	var tokens Tokens
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&tokens))
	}
	return tokens, rec
}

func bearer(raw string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + raw}
}

func TestHandlerLoginMeLogout(t *testing.T) {
	env := newTestEnv(t)
	env.addPrincipal(t, "", "alice", testPassword, RoleUser)
	mux := newTestMux(env, false)

	tokens, rec := loginOverHTTP(t, mux, "alice", testPassword)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Empty(t, rec.Result().Cookies())

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subject":"alice","role":"User"}`, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", `{"refresh_token":"`+tokens.RefreshToken+`"}`, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusNoContent, rec.Code)

	logouts := env.events.ofType(audit.EventLogout)
	require.Len(t, logouts, 1)
	assert.Equal(t, "192.0.2.1", logouts[0].Source)

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", bearer(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerLoginErrors(t *testing.T) {
	env := newTestEnv(t)
	env.addPrincipal(t, "", "alice", testPassword, RoleUser)
	mux := newTestMux(env, false)

	_, rec := loginOverHTTP(t, mux, "alice", "wrong-password-1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice","password":"x","extra":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 4; i++ {
		_, rec = loginOverHTTP(t, mux, "alice", "wrong-password-1")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	_, rec = loginOverHTTP(t, mux, "alice", testPassword)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHandlerRefresh(t *testing.T) {
	env := newTestEnv(t)
	env.addPrincipal(t, "", "alice", testPassword, RoleUser)
	mux := newTestMux(env, false)

	tokens, _ := loginOverHTTP(t, mux, "alice", testPassword)
	body := `{"refresh_token":"` + tokens.RefreshToken + `"}`

	rec := doJSON(t, mux, http.MethodPost, "/auth/refresh", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid refresh token"}`, rec.Body.String())
}

func TestMiddlewareRejectsMissingAndMalformedTokens(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env, false)

	rec := doJSON(t, mux, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid authorization format"}`, rec.Body.String())
}

func TestRequireRole(t *testing.T) {
	env := newTestEnv(t)
	env.addPrincipal(t, "", "alice", testPassword, RoleUser)
	env.addPrincipal(t, "", "root", testPassword, RoleOwner)
	mux := newTestMux(env, false)

	user, _ := loginOverHTTP(t, mux, "alice", testPassword)
	owner, _ := loginOverHTTP(t, mux, "root", testPassword)

	rec := doJSON(t, mux, http.MethodGet, "/admin", "", bearer(user.AccessToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/admin", "", bearer(owner.AccessToken))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.ErrorIs(t, CheckRole(Identity{Role: RoleUser}, RoleOwner, RoleInfra), ErrForbidden)
}

func TestCookieAuthWithCSRF(t *testing.T) {
	env := newTestEnv(t)
	env.addPrincipal(t, "", "alice", testPassword, RoleUser)
	mux := newTestMux(env, true)

	_, rec := loginOverHTTP(t, mux, "alice", testPassword)
	require.Equal(t, http.StatusOK, rec.Code)

	var access, csrf *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		switch cookie.Name {
		case AccessCookieName:
			access = cookie
		case CSRFCookieName:
			csrf = cookie
		}
	}
	require.NotNil(t, access)
	require.NotNil(t, csrf)
	assert.True(t, access.HttpOnly)
	assert.False(t, csrf.HttpOnly)

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", nil, access)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", "", nil, access, csrf)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", "", map[string]string{CSRFHeaderName: "forged"}, access, csrf)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", "", map[string]string{CSRFHeaderName: csrf.Value}, access, csrf)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", nil, access)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareScopesTenantHeader(t *testing.T) {
	env := newTestEnv(t, withMultiTenant())
	env.addPrincipal(t, "org1", "alice", testPassword, RoleUser)
	mux := newTestMux(env, false)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login", `{"tenant":"org1","username":"alice","password":"`+testPassword+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tokens Tokens
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tokens))

	headers := bearer(tokens.AccessToken)
	headers[TenantHeaderName] = "org2"
	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	headers[TenantHeaderName] = "org1"
	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", headers)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subject":"alice","tenant":"org1","role":"User"}`, rec.Body.String())
}
