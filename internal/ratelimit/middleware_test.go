package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/httputil"
	"github.com/af-corp/copilot-bridge/internal/telemetry"
)

func newTestGate(interval time.Duration, wait bool) (*Gate, *fakeClock, *[]time.Duration) {
	l, clock := newMemLimiter()
	g := NewGate(l, func() config.RateLimitConfig {
		return config.RateLimitConfig{Interval: interval, Wait: wait}
	}, telemetry.NewMetrics(nil))

	var slept []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.advance(d)
		return nil
	}
	return g, clock, &slept
}

func TestGate_Disabled(t *testing.T) {
	g, _, _ := newTestGate(0, false)
	for i := 0; i < 10; i++ {
		if err := g.Admit(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestGate_RejectsInsideInterval(t *testing.T) {
	g, clock, _ := newTestGate(30*time.Second, false)
	ctx := context.Background()

	if err := g.Admit(ctx); err != nil {
		t.Fatalf("first request: %v", err)
	}
	clock.advance(10500 * time.Millisecond)

	err := g.Admit(ctx)
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.RetryAfter != 20*time.Second {
		t.Errorf("expected retry after 20s, got %s", rejected.RetryAfter)
	}

	clock.advance(20 * time.Second)
	if err := g.Admit(ctx); err != nil {
		t.Errorf("expected admission after the interval, got %v", err)
	}
}

func TestGate_WaitsOutInterval(t *testing.T) {
	g, clock, slept := newTestGate(30*time.Second, true)
	ctx := context.Background()

	g.Admit(ctx)
	clock.advance(10 * time.Second)
	if err := g.Admit(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 20*time.Second {
		t.Errorf("expected one 20s wait, got %v", *slept)
	}
}

func TestGate_WaitAbortedByContext(t *testing.T) {
	g, _, _ := newTestGate(30*time.Second, true)
	g.sleep = sleepCtx

	g.Admit(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.Admit(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestMiddleware_AllowsRequest(t *testing.T) {
	g, _, _ := newTestGate(time.Minute, false)
	handler := Middleware(g)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsWith429(t *testing.T) {
	g, _, _ := newTestGate(time.Minute, false)
	handler := Middleware(g)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-2")
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRetryAfter); h != "60" {
		t.Errorf("expected Retry-After 60, got %q", h)
	}

	var resp httputil.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if resp.Error.Type != httputil.TypeRateLimit {
		t.Errorf("expected rate_limit_error, got %q", resp.Error.Type)
	}
}
