package security

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&er))
	return er
}

func TestCorrelationIDIsEchoedOrGenerated(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationIDHeader, "abc")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(CorrelationIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc", seen)

	req = httptest.NewRequest(http.MethodPost, "/ilp", nil)
	req.Header.Set("Request-Id", "42a0d4a4-7f3c-4b32-9d59-5b4a8d3b1c11")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "42a0d4a4-7f3c-4b32-9d59-5b4a8d3b1c11", seen)

	for _, bad := range []string{"two words", "line\nbreak", strings.Repeat("x", 129)} {
		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, bad)
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.NotEqual(t, bad, seen)
		assert.Len(t, seen, 36)
	}
}

func TestWriteJSONErrorMessage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(WithCorrelationID(context.Background(), "cid-1"))

	rec := httptest.NewRecorder()
	WriteJSONErrorMessage(rec, req, http.StatusConflict, "peer_rejected", "peer already configured")
	er := decodeError(t, rec)
	assert.Equal(t, "peer already configured", er.Message)
	assert.Equal(t, "cid-1", er.CorrelationID)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	WriteJSONErrorMessage(rec, req, http.StatusInternalServerError, "internal_error", "pq: relation does not exist")
	assert.Empty(t, decodeError(t, rec).Message)
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := &RedisTokenBucket{
		Redis:      redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Prefix:     "test",
		Capacity:   2,
		RefillRate: 0.0001,
	}
	h := RateLimitMiddleware(limiter, KeyByIP)(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ilp", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ilp", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "10000", rec.Header().Get("Retry-After"))

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodPost, "/ilp", nil)
	req.RemoteAddr = "10.1.1.1:4000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestKeyByHeaderHost(t *testing.T) {
	key := KeyByHeaderHost("Callback-Url")

	req := httptest.NewRequest(http.MethodPost, "/ilp", nil)
	req.Header.Set("Callback-Url", "https://Bob.example:8443/ilp/callback")
	assert.Equal(t, "host:bob.example:8443", key(req))

	req.Header.Set("Callback-Url", "not a url")
	assert.Equal(t, "ip:192.0.2.1", key(req))

	req.Header.Del("Callback-Url")
	req.RemoteAddr = "bad"
	assert.Empty(t, key(req))
}

func TestRateLimitUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := &RedisTokenBucket{Redis: redis.NewClient(&redis.Options{Addr: mr.Addr()}), Capacity: 1, RefillRate: 1}
	mr.Close()

	rec := httptest.NewRecorder()
	RateLimitMiddleware(limiter, KeyByIP)(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDisabledLimiterAllows(t *testing.T) {
	allowed, _, err := (&RedisTokenBucket{}).Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestBodySizeLimit(t *testing.T) {
	h := BodySizeLimit(8)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"string","pattern":"^[0-9]+$"}}}`)
	require.NoError(t, err)
	h := v.Middleware(okHandler())

	cases := []struct {
		body string
		code int
		err  string
	}{
		{`{"amount":"10"}`, http.StatusNoContent, ""},
		{`{"amount":"-1"}`, http.StatusBadRequest, "validation_error"},
		{`{}`, http.StatusBadRequest, "validation_error"},
		{`{`, http.StatusBadRequest, "invalid_json"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body)))
		assert.Equal(t, tc.code, rec.Code, tc.body)
		if tc.err != "" {
			assert.Equal(t, tc.err, decodeError(t, rec).Error)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"x"}`)))
	assert.True(t, strings.HasPrefix(decodeError(t, rec).Message, "/amount: "))

	// body limit errors surface as 413
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"10"}`))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	BodySizeLimit(4)(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestIPAllowlist(t *testing.T) {
	allow, err := ParseCIDRAllowlist([]string{"10.0.0.0/8", " "})
	require.NoError(t, err)
	require.Len(t, allow, 1)

	h := IPAllowlist(allow)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("10.2.3.4", "1234")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err = ParseCIDRAllowlist([]string{"nope"})
	assert.Error(t, err)

	allow, err = ParseCIDRAllowlist([]string{"192.0.2.7", "2001:db8::1"})
	require.NoError(t, err)
	h = IPAllowlist(allow)(okHandler())
	for addr, want := range map[string]int{
		"192.0.2.7:80":    http.StatusNoContent,
		"192.0.2.8:80":    http.StatusForbidden,
		"[2001:db8::1]:1": http.StatusNoContent,
		"garbage":         http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, addr)
	}
}
