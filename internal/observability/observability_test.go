package observability

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(&buf, "info")

	logger.Debug("hidden", nil)
	logger.Info("login_succeeded", map[string]any{"subject": "alice"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "login_succeeded", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "alice", entry["subject"])
	assert.Contains(t, entry, "timestamp")
}

func TestLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(&buf, "verbose")

	logger.Debug("hidden", nil)
	assert.Zero(t, buf.Len())
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{name: "forwarded first hop", forwarded: "203.0.113.9, 10.0.0.1", remoteAddr: "10.0.0.1:443", want: "203.0.113.9"},
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "remote addr without port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "unknown", want: "unknown"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			assert.Equal(t, tc.want, ClientIP(req))
		})
	}
}

func TestRequestLoggingSetsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(&buf, "info")

	handler := RequestLoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	requestID := rec.Header().Get(RequestIDHeader)
	require.NotEmpty(t, requestID)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http_request", entry["message"])
	assert.Equal(t, requestID, entry["request_id"])
	assert.EqualValues(t, http.StatusTeapot, entry["status"])
}

func TestRecoverMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(&buf, "info")

	handler := RecoverMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
	assert.Contains(t, buf.String(), "panic_recovered")
}

func TestMetricsInstrumentUsesRoutePattern(t *testing.T) {
	metrics := NewMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := metrics.Instrument(mux)

	for _, path := range []string{"/items/1", "/items/2", "/missing"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues(http.MethodGet, "GET /items/{id}", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inFlight))

	metrics.ObserveAuthEvent("login_succeeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuthEvents().WithLabelValues("login_succeeded")))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "auth_events_total")
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "same-origin", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "max-age=63072000; includeSubDomains; preload", rec.Header().Get("Strict-Transport-Security"))
}
