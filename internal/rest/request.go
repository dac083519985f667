package rest

import (
	"net/url"
	"sync/atomic"
	"time"

	"gocord/internal/ratelimit"
)

// RetryPolicy controls how a failed request is re-attempted.
type RetryPolicy struct {
	Count         int
	BaseDelay     time.Duration
	BackoffFactor float64
	Jitter        bool
	ShouldRetry   func(statusCode int, err error) bool
}

// Timeouts is the connect/read/total timeout triple.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Total   time.Duration
}

// Middleware overlays a request before it is sent. Applied in ascending
// Order (lowest numeric runs earliest).
type Middleware struct {
	Order int
	Apply func(*Request)
}

// Request describes one REST call. The caller sets its fields before Do.
// Do then fills in TraceID and the User-Agent header through the built-in
// middlewares, runs the per-request Middlewares, rewrites Path and Query
// when following a redirect, and owns the attempt/started/completed/
// cancelled bookkeeping fields.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte

	Timeouts    Timeouts
	Retry       RetryPolicy
	Priority    ratelimit.Priority
	Tags        map[string]string
	AuditReason string

	CacheKey string
	CacheTTL time.Duration

	Middlewares []Middleware

	TraceID string
	SpanID  string

	attempt     atomic.Int32
	startedAt   atomic.Int64
	completedAt atomic.Int64
	cancelled   atomic.Bool
}

func (r *Request) Attempt() int          { return int(r.attempt.Load()) }
func (r *Request) nextAttempt() int      { return int(r.attempt.Add(1)) }
func (r *Request) unwindAttempt()        { r.attempt.Add(-1) }
func (r *Request) markStarted()         { r.startedAt.Store(time.Now().UnixNano()) }
func (r *Request) markCompleted()       { r.completedAt.Store(time.Now().UnixNano()) }
func (r *Request) Cancel()              { r.cancelled.Store(true) }
func (r *Request) IsCancelled() bool    { return r.cancelled.Load() }

// RouteKey is the method + normalized path used for bucket lookup.
func (r *Request) RouteKey() string {
	return ratelimit.RouteKey(r.Method, r.Path)
}
