package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d is within burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst")
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
	assert.Equal(t, 2, limiter.Len())
}

func TestLimiterTokenReplenishment(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 10, BurstSize: 1})
	defer limiter.Stop()

	require.True(t, limiter.Allow("test"))
	require.False(t, limiter.Allow("test"))
	assert.Eventually(t, func() bool { return limiter.Allow("test") }, time.Second, 20*time.Millisecond)
}

func TestLimiterCleanup(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: 10 * time.Millisecond})
	defer limiter.Stop()

	limiter.Allow("idle")
	assert.Eventually(t, func() bool { return limiter.Len() == 0 }, time.Second, 10*time.Millisecond)
	limiter.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerSecond: 0.001, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/notify/alipay", func(c *gin.Context) { c.String(http.StatusOK, "success") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notify/alipay", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/notify/alipay", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Retry-After"))
}

func TestMiddleware_ExemptRanges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	exempt, err := ParsePrefixes([]string{"101.226.103.0/25", "203.0.113.7"})
	require.NoError(t, err)
	limiter := New(Config{RequestsPerSecond: 1, BurstSize: 1, Exempt: exempt})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.POST("/notify/wechatpay", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/notify/wechatpay", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusNoContent, send("101.226.103.61:40000"))
		assert.Equal(t, http.StatusNoContent, send("203.0.113.7:40000"))
	}
	assert.Equal(t, http.StatusNoContent, send("198.51.100.1:40000"))
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1:40000"))
}

func TestParsePrefixes(t *testing.T) {
	got, err := ParsePrefixes([]string{"10.1.2.3/16", "", " 2001:db8::1 "})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "10.1.0.0/16", got[0].String())
	assert.Equal(t, "2001:db8::1/128", got[1].String())

	_, err = ParsePrefixes([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 20.0, cfg.RequestsPerSecond)
	assert.Equal(t, 50, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}
