package rest

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gocord/internal/circuit"
	"gocord/internal/pool"
	"gocord/internal/ratelimit"
)

func testEngine(t *testing.T, srv *httptest.Server) *Engine {
	t.Helper()
	e, err := New(Config{
		BaseURL:        srv.URL,
		Auth:           Auth{Scheme: AuthBot, Token: "test-token"},
		UserAgent:      "gocord-test/0.0",
		MaxRedirects:   3,
		DefaultRetries: 2,
		Bucket: ratelimit.Config{
			BurstCapacity: 1,
			MaxQueueSize:  16,
			JitterFactor:  0,
		},
		Pool: pool.Config{
			MaxConnections: 4,
			Dial: func(host string, port int) (net.Conn, error) {
				return net.Dial("tcp", srv.Listener.Addr().String())
			},
		},
		Circuit: circuit.Config{
			FailureThreshold:  3,
			SuccessThreshold:  1,
			OpenTimeout:       50 * time.Millisecond,
			HalfOpenMaxProbes: 1,
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestEngine_SuccessPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5")
		w.Header().Set("X-RateLimit-Remaining", "4")
		w.Header().Set("X-RateLimit-Reset-After", "1.0")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := testEngine(t, srv)
	req := &Request{Method: "GET", Path: "/channels/123/messages", Priority: ratelimit.PriorityNormal}
	resp, err := e.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestEngine_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	e := testEngine(t, srv)
	req := &Request{Method: "GET", Path: "/channels/123/messages", Priority: ratelimit.PriorityNormal,
		Retry: RetryPolicy{Count: 2, BaseDelay: time.Millisecond}}
	resp, err := e.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestEngine_429RequeuesWithoutConsumingRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.Header().Set("X-RateLimit-Scope", "user")
			w.WriteHeader(429)
			return
		}
		w.WriteHeader(200)
	}))
	defer srv.Close()

	e := testEngine(t, srv)
	req := &Request{Method: "POST", Path: "/channels/123/messages", Priority: ratelimit.PriorityNormal,
		Retry: RetryPolicy{Count: 0, BaseDelay: time.Millisecond}}
	resp, err := e.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d", resp.Status)
	}
	if req.Attempt() != 1 {
		t.Fatalf("attempt = %d, want 1 (the 429 must not count as an attempt)", req.Attempt())
	}
}

func TestEngine_4xxSurfacesWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(404)
		_, _ = w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	}))
	defer srv.Close()

	e := testEngine(t, srv)
	req := &Request{Method: "GET", Path: "/channels/999/messages", Priority: ratelimit.PriorityNormal}
	_, err := e.Do(context.Background(), req)
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestEngine_FollowsRedirectWithinLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			w.Header().Set("Location", "/new")
			w.WriteHeader(302)
		case "/new":
			w.WriteHeader(200)
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	e := testEngine(t, srv)
	req := &Request{Method: "GET", Path: "/old", Priority: ratelimit.PriorityNormal}
	resp, err := e.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200 after following the redirect", resp.Status)
	}
}
