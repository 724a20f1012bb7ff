package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dstep24/rileyrecruiter-sub005/internal/audit"
)

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Correlation", audit.GetCorrelationID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRateLimiterPerClient(t *testing.T) {
	rl, err := NewRateLimiter(1, 2, 16)
	require.NoError(t, err)
	h := rl.Middleware(ok())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, send("10.0.0.1:1001"), "burst of two")
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1002"), "ports share a budget")
	assert.Equal(t, http.StatusNoContent, send("10.0.0.2:1000"), "other clients are unaffected")
}

func TestRateLimiterDisabled(t *testing.T) {
	rl, err := NewRateLimiter(0, 0, 0)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}
}

func TestCorrelation(t *testing.T) {
	h := Correlation(ok())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(CorrelationHeader))
	assert.Equal(t, "req-42", rec.Header().Get("X-Seen-Correlation"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := rec.Header().Get(CorrelationHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, rec.Header().Get("X-Seen-Correlation"))
}
