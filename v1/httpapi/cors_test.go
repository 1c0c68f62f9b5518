package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestCORSAllowedOrigin(t *testing.T) {
	h := CORS(DefaultCORSOptions(), okHandler())

	for _, origin := range []string{"http://localhost:3000", "http://127.0.0.1:8080"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/locks/a", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTeapot, rec.Code, origin)
		assert.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "GET, DELETE, PATCH, POST, PUT, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "sentry-trace")
		assert.Contains(t, rec.Header().Values("Vary"), "Origin")
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(DefaultCORSOptions(), okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/locks/a/acquire", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSForeignOriginPassesThrough(t *testing.T) {
	h := CORS(DefaultCORSOptions(), okHandler())

	for _, origin := range []string{"https://example.com", "http://localhost", "http://localhost:3000.evil.com", ""} {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTeapot, rec.Code, origin)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}
}

func TestCORSWithoutCredentials(t *testing.T) {
	opts := DefaultCORSOptions()
	opts.AllowCredentials = false
	h := CORS(opts, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "http://localhost:1", rec.Header().Get("Access-Control-Allow-Origin"))
}
