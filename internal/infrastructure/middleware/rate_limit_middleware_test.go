package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"peercam/pkg/config"

	"github.com/gin-gonic/gin"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doRequest(router http.Handler, remote, xff string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	router.ServeHTTP(w, req)
	return w
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newLimitedRouter(cfg)

	for i := 0; i < 3; i++ {
		if w := doRequest(router, "10.0.0.1:1234", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	if w := doRequest(router, "10.0.0.1:1234", ""); w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w.Code)
	}

	w := doRequest(router, "10.0.0.1:1234", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// another client has its own budget
	if w := doRequest(router, "10.0.0.2:1234", ""); w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for other client, got %d", w.Code)
	}
}

func TestHTTPRateLimitMiddleware_UsesFirstForwardedHop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	router := newLimitedRouter(cfg)

	if w := doRequest(router, "10.0.0.9:1", "203.0.113.7, 10.0.0.9"); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := doRequest(router, "10.0.0.9:1", "203.0.113.7"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same forwarded client, got %d", w.Code)
	}
	if w := doRequest(router, "10.0.0.9:1", "203.0.113.8, 10.0.0.9"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for different forwarded client, got %d", w.Code)
	}
}

func TestRateLimiterStore_PrunesIdleClients(t *testing.T) {
	store := newRateLimiterStore(1, 1)
	now := time.Unix(1700000000, 0)

	store.allow("a", now)
	store.allow("b", now)
	if got := store.size(); got != 2 {
		t.Fatalf("expected 2 limiters, got %d", got)
	}

	store.allow("c", now.Add(limiterIdleTTL+time.Second))
	if got := store.size(); got != 1 {
		t.Fatalf("expected idle limiters pruned, got %d", got)
	}
}
