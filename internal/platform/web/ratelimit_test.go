package web

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	defer rl.Close()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))

	// buckets are per client
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	rl.Allow("10.0.0.1")
	rl.evict(time.Hour)
	assert.Len(t, rl.visitors, 1)

	rl.evict(0)
	assert.Empty(t, rl.visitors)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Close()

	h := rl.RateLimitMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5000"

	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error": "Too Many Requests"}`, rec.Body.String())
}

func TestClientIP(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5000"
	assert.Equal(t, "192.0.2.1", rl.clientIP(req))

	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", rl.clientIP(req))

	// without trusted proxies the header is ignored
	req.RemoteAddr = "192.0.2.1:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, "192.0.2.1", rl.clientIP(req))
}

func TestClientIPTrustedProxies(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)
	rl := NewRateLimiter(1, 1, WithTrustedProxies(trusted...))
	defer rl.Close()

	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"untrusted peer", "203.0.113.9:5000", "198.51.100.7", "203.0.113.9"},
		{"trusted peer", "192.0.2.1:5000", "198.51.100.7", "198.51.100.7"},
		{"spoofed left hop", "192.0.2.1:5000", "1.2.3.4, 198.51.100.7", "198.51.100.7"},
		{"proxy chain", "10.1.1.1:5000", "198.51.100.7, 10.2.2.2", "198.51.100.7"},
		{"all hops trusted", "10.1.1.1:5000", "10.3.3.3", "10.3.3.3"},
		{"no header", "10.1.1.1:5000", "", "10.1.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			assert.Equal(t, tt.want, rl.clientIP(req))
		})
	}
}

func TestRateLimitIgnoresRotatedForwardedFor(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	defer rl.Close()

	h := rl.RateLimitMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for i, want := range []int{http.StatusNoContent, http.StatusTooManyRequests, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))

		rec := httptest.NewRecorder()
		h(rec, req)
		assert.Equal(t, want, rec.Code)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := ParseTrustedProxies([]string{"10.0.0.0/8", " 192.0.2.1 ", "", "2001:db8::/32"})
	require.NoError(t, err)
	require.Len(t, prefixes, 3)
	assert.Equal(t, "192.0.2.1/32", prefixes[1].String())

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.ErrorContains(t, err, "invalid trusted proxy")

	_, err = ParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
}
