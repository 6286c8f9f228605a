package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc.def.ghi", "abc.def.ghi", false},
		{"case insensitive scheme", "bearer tok", "tok", false},
		{"missing header", "", "", true},
		{"whitespace only", "   ", "", true},
		{"wrong scheme", "Basic dXNlcg==", "", true},
		{"no token", "Bearer", "", true},
		{"too many parts", "Bearer one two", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := bearerToken(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.header)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("bearerToken(%q) = (%q, %v), want %q", tc.header, got, err, tc.want)
			}
		})
	}
}

func TestMemoryRateLimiterEnforcesLimit(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("team:t1", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	d := rl.Allow("team:t1", 3, time.Minute)
	if d.allowed {
		t.Fatal("fourth request in the window must be rejected")
	}
	if d.count != 3 {
		t.Fatalf("rejected decision reports the window count, got %d", d.count)
	}
	// Other keys keep their own window.
	if d := rl.Allow("team:t2", 3, time.Minute); !d.allowed {
		t.Fatal("a different key must not share the counter")
	}
}

func TestMemoryRateLimiterWindowReset(t *testing.T) {
	rl := &memoryRateLimiter{entries: make(map[string]rateState), stopCh: make(chan struct{})}
	defer rl.Close()

	if d := rl.Allow("k", 1, time.Minute); !d.allowed {
		t.Fatal("first request passes")
	}
	if d := rl.Allow("k", 1, time.Minute); d.allowed {
		t.Fatal("second request in the window is rejected")
	}
	// Force the window into the past; the next request starts fresh.
	rl.mu.Lock()
	state := rl.entries["k"]
	state.windowEnd = time.Now().Add(-time.Second)
	rl.entries["k"] = state
	rl.mu.Unlock()

	if d := rl.Allow("k", 1, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("expired window must reset the counter, got %+v", d)
	}
}

func TestMemoryRateLimiterZeroLimitAllowsAll(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()
	for i := 0; i < 10; i++ {
		if d := rl.Allow("k", 0, time.Minute); !d.allowed {
			t.Fatal("a zero limit disables limiting")
		}
	}
}

func TestMemoryRateLimiterCleanup(t *testing.T) {
	rl := &memoryRateLimiter{entries: make(map[string]rateState), stopCh: make(chan struct{})}
	defer rl.Close()

	rl.Allow("gone", 5, time.Minute)
	rl.Allow("kept", 5, time.Hour)
	rl.mu.Lock()
	state := rl.entries["gone"]
	state.windowEnd = time.Now().Add(-time.Minute)
	rl.entries["gone"] = state
	rl.mu.Unlock()

	rl.cleanup(time.Now())

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.entries["gone"]; ok {
		t.Fatal("expired entries must be swept")
	}
	if _, ok := rl.entries["kept"]; !ok {
		t.Fatal("live entries must survive the sweep")
	}
}

func TestApplyRateHeaders(t *testing.T) {
	router := &Router{}
	rec := httptest.NewRecorder()
	windowEnd := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	router.applyRateHeaders(rec, 10, rateDecision{allowed: true, count: 4, windowEnd: windowEnd})

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Fatalf("limit header %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "6" {
		t.Fatalf("remaining header %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != "1777636800" {
		t.Fatalf("reset header %q", got)
	}

	// Over the limit the remaining count clamps at zero.
	rec = httptest.NewRecorder()
	router.applyRateHeaders(rec, 3, rateDecision{count: 5})
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("remaining must clamp at zero, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Reset"); got != "" {
		t.Fatalf("zero window end omits the reset header, got %q", got)
	}
}

func TestRateLimitKeys(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sites", nil)
	req.RemoteAddr = "192.0.2.7:51234"
	if got := rateLimitKeyIP(req); got != "ip:192.0.2.7" {
		t.Fatalf("ip key %q", got)
	}

	req.RemoteAddr = "192.0.2.7"
	if got := rateLimitKeyIP(req); got != "ip:192.0.2.7" {
		t.Fatalf("portless address still keys by host, got %q", got)
	}

	if got := rateLimitKeyTeam(req); got != "" {
		t.Fatalf("unauthenticated request has no team key, got %q", got)
	}

	if got := rateMetricKey("team:t1"); got != "team" {
		t.Fatalf("metric key %q", got)
	}
	if got := rateMetricKey(""); got != "unknown" {
		t.Fatalf("metric key for empty %q", got)
	}
}
