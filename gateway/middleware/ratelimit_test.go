package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"deals": {RequestsPerMinute: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("deals")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/deals/1", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRouteGroups(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"deals":     {RequestsPerMinute: 1, Burst: 1},
		"webhooks":  {RequestsPerMinute: 1, Burst: 1},
		"unlimited": {},
	}, nil)

	dealsHandler := limiter.Middleware("deals")(okHandler())
	webhooksHandler := limiter.Middleware("webhooks")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/deals/1", nil)
	res := httptest.NewRecorder()
	dealsHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected deals request to succeed, got %d", res.Code)
	}

	hookReq := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	hookRes := httptest.NewRecorder()
	webhooksHandler.ServeHTTP(hookRes, hookReq)
	if hookRes.Code != http.StatusOK {
		t.Fatalf("expected first webhook request to succeed, got %d", hookRes.Code)
	}

	hookRes = httptest.NewRecorder()
	webhooksHandler.ServeHTTP(hookRes, hookReq)
	if hookRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second webhook request to hit limit, got %d", hookRes.Code)
	}
}

func TestRateLimiterBucketsBySubject(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"deals": {RequestsPerMinute: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("deals")(okHandler())

	request := func(subject string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/deals/1", nil)
		ctx := context.WithValue(req.Context(), ContextKeySubject, subject)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req.WithContext(ctx))
		return res.Code
	}

	if code := request("merchant-a"); code != http.StatusOK {
		t.Fatalf("expected merchant-a to succeed, got %d", code)
	}
	if code := request("merchant-b"); code != http.StatusOK {
		t.Fatalf("expected merchant-b to get its own bucket, got %d", code)
	}
	if code := request("merchant-a"); code != http.StatusTooManyRequests {
		t.Fatalf("expected merchant-a second request to hit limit, got %d", code)
	}
}
