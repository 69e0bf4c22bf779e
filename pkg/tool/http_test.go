package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolPath(t *testing.T) {
	p, err := ToolPath("cart.create")
	require.NoError(t, err)
	assert.Equal(t, "/tools/cart/create", p)

	_, err = ToolPath("create")
	assert.Error(t, err)
}

func TestHTTPBackendRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/cart/create", r.URL.Path)
		assert.Equal(t, "key_1", r.Header.Get("Idempotency-Key"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cart.create", req.ToolName)

		resp, _ := Success(map[string]string{"cart_id": "cart_9"})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL + "/"})
	resp, err := b.Call(context.Background(), Request{RequestID: "r1", ToolName: "cart.create", IdempotencyKey: "key_1"})
	require.NoError(t, err)
	require.True(t, resp.OK)

	var out map[string]string
	require.NoError(t, resp.Decode(&out))
	assert.Equal(t, "cart_9", out["cart_id"])
}

func TestHTTPBackendStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   ErrorCode
	}{
		{http.StatusTooManyRequests, "", CodeRateLimited},
		{http.StatusGatewayTimeout, "", CodeTimeout},
		{http.StatusBadGateway, "<html>", CodeUpstreamError},
		{http.StatusNotFound, `{"ok":false,"error":{"code":"NOT_FOUND","message":"no offer"}}`, CodeNotFound},
		{http.StatusConflict, `{"ok":false,"error":{"code":"IDEMPOTENCY_CONFLICT","message":"in flight"}}`, CodeUpstreamError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL}).Call(context.Background(), Request{ToolName: "catalog.get_offer_card"})
			require.NoError(t, err)
			require.False(t, resp.OK)
			assert.Equal(t, tt.want, resp.Error.Code)
		})
	}
}

func TestHTTPBackendBreakerOpens(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, BreakerThreshold: 2, BreakerReset: time.Hour})
	for i := 0; i < 4; i++ {
		resp, err := b.Call(context.Background(), Request{ToolName: "catalog.search_offers"})
		require.NoError(t, err)
		assert.Equal(t, CodeUpstreamError, resp.Error.Code)
	}
	assert.Equal(t, 2, hits)
	assert.Equal(t, breakerOpen, b.breaker.current())
}

func TestCircuitBreakerHalfOpenTrial(t *testing.T) {
	now := time.Unix(0, 0)
	cb := newCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }

	cb.failure()
	assert.False(t, cb.allow())

	now = now.Add(2 * time.Second)
	assert.True(t, cb.allow())
	assert.False(t, cb.allow(), "only one trial call while half open")

	cb.success()
	assert.True(t, cb.allow())
	assert.Equal(t, breakerClosed, cb.current())
}

func TestHTTPBackendEncodeFailureLeavesBreakerUsable(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp, _ := Success(map[string]any{"ok": true})
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	now := time.Unix(0, 0)
	b := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, BreakerThreshold: 1, BreakerReset: time.Second})
	b.breaker.now = func() time.Time { return now }

	_, err := b.Call(context.Background(), Request{ToolName: "catalog.search_offers"})
	require.NoError(t, err)
	require.Equal(t, breakerOpen, b.breaker.current())

	now = now.Add(2 * time.Second)
	fail.Store(false)
	resp, err := b.Call(context.Background(), Request{
		ToolName: "catalog.search_offers",
		Params:   map[string]any{"bad": make(chan int)},
	})
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidArgument, resp.Error.Code)
	assert.Equal(t, breakerOpen, b.breaker.current(), "an unsendable request does not take the trial slot")

	resp, err = b.Call(context.Background(), Request{ToolName: "catalog.search_offers"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, breakerClosed, b.breaker.current())
}
