// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-bitacross.
//
// go-bitacross is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_Burst(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerSecond: 1, Burst: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "request %d within burst", i+1)
	}
	assert.False(t, limiter.Allow("10.0.0.1"))

	// Buckets are per client.
	assert.True(t, limiter.Allow("10.0.0.2"))
	assert.Equal(t, 2, limiter.Stats()["active_clients"])
}

func TestAllow_DisabledAndNil(t *testing.T) {
	limiter := New(&Config{Enabled: false, RequestsPerSecond: 0.001})
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("client"))
	}
	assert.False(t, limiter.IsEnabled())

	var none *Limiter
	assert.True(t, none.Allow("client"))
	assert.NoError(t, none.Wait(context.Background(), "client"))
}

func TestAllow_Exempt(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerSecond: 0.001, Burst: 1, Exempt: []string{"10.1.1.1"}})
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow("10.1.1.1"))
	}
	assert.True(t, limiter.Allow("10.9.9.9"))
	assert.False(t, limiter.Allow("10.9.9.9"))
}

func TestWait_Cancelled(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerSecond: 0.001, Burst: 1})
	defer limiter.Stop()
	require.True(t, limiter.Allow("client"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(ctx, "client"))
}

func TestCleanup(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerSecond: 1, MaxIdle: time.Minute})
	defer limiter.Stop()
	limiter.Allow("client")

	limiter.cleanup(time.Now())
	assert.Equal(t, 1, limiter.Stats()["active_clients"])

	limiter.cleanup(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, limiter.Stats()["active_clients"])
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerSecond: 0.001, Burst: 1})
	defer limiter.Stop()
	handler := Middleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "192.0.2.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:1234", "192.0.2.1"},
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.1:1", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1", "198.51.100.7"},
		{"no port", nil, "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req))
		})
	}
}
