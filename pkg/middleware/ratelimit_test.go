package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(2, 2, time.Minute)
	defer rl.Stop()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if ok, remaining := rl.Allow("1.2.3.4"); !ok || remaining != 1 {
		t.Fatalf("first request: ok=%v remaining=%d", ok, remaining)
	}
	if ok, remaining := rl.Allow("1.2.3.4"); !ok || remaining != 0 {
		t.Fatalf("second request: ok=%v remaining=%d", ok, remaining)
	}
	if ok, _ := rl.Allow("1.2.3.4"); ok {
		t.Fatal("third request should be limited")
	}
	if ok, _ := rl.Allow("5.6.7.8"); !ok {
		t.Fatal("other clients have their own bucket")
	}

	now = now.Add(30 * time.Second)
	if ok, _ := rl.Allow("1.2.3.4"); !ok {
		t.Fatal("expected one token after half a window")
	}
	if ok, _ := rl.Allow("1.2.3.4"); ok {
		t.Fatal("expected bucket to be empty again")
	}
}

func TestRateLimitMiddleware_SetsHeaders(t *testing.T) {
	handler := RateLimitMiddleware(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/bank-accounts", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("unexpected first response: %d %v", rec.Code, rec.Header())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d %v", rec.Code, rec.Header())
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, remote: "10.0.0.1:1234", want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.4"}, remote: "10.0.0.1:1234", want: "198.51.100.4"},
		{name: "remote addr", remote: "192.0.2.9:4321", want: "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestClientInfoMiddleware(t *testing.T) {
	var got ClientInfo
	handler := ClientInfoMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ClientInfoFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:4321"
	req.Header.Set("User-Agent", "transfa-ios/2.3")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.IPAddress != "192.0.2.9" || got.UserAgent != "transfa-ios/2.3" {
		t.Fatalf("unexpected client info: %+v", got)
	}
}
