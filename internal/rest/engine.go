// Package rest is the HTTP dispatch engine: compose request, derive its
// route key, gate on the circuit breaker, acquire from the rate-limit
// bucket, borrow a pooled connection, send, refresh the bucket from the
// response headers, classify the result, then retry or surface it.
package rest

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	gocord "gocord"
	"gocord/internal/circuit"
	"gocord/internal/pool"
	"gocord/internal/ratelimit"
)

// AuditSink observes REST call outcomes for the optional audit trail.
// Nil means no auditing.
type AuditSink interface {
	RecordRequest(method, route string, status int, attempt int, kind gocord.Kind, durationMs int64)
}

// Config bundles the tunables an Engine needs at construction time.
type Config struct {
	BaseURL        string
	Auth           Auth
	UserAgent      string
	MaxRedirects   int
	DefaultRetries int

	Bucket  ratelimit.Config
	Pool    pool.Config
	Circuit circuit.Config

	BucketStore ratelimit.Store
	Audit       AuditSink
}

// Engine is the RestEngine.
type Engine struct {
	base      *url.URL
	auth      Auth
	userAgent string
	maxRedirects int
	defaultRetries int

	buckets  *ratelimit.Manager
	breakers *circuit.Registry
	pool     *pool.Pool
	audit    AuditSink

	responseCache respCache

	httpClient *http.Client
}

// respCache is the optional per-request GET cache keyed by
// Request.CacheKey; a hit returns a shallow copy of the stored Response
// with FromCache set, never reaching the bucket or the wire.
type respCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
}

type cachedResponse struct {
	resp      Response
	expiresAt time.Time
}

func (c *respCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		return nil, false
	}
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	copy := entry.resp
	copy.FromCache = true
	return &copy, true
}

func (c *respCache) put(key string, resp *Response, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]cachedResponse)
	}
	c.entries[key] = cachedResponse{resp: *resp, expiresAt: time.Now().Add(ttl)}
}

func New(cfg Config) (*Engine, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("rest: invalid base url: %w", err)
	}

	p := pool.New(cfg.Pool)

	e := &Engine{
		base:           base,
		auth:           cfg.Auth,
		userAgent:      cfg.UserAgent,
		maxRedirects:   cfg.MaxRedirects,
		defaultRetries: cfg.DefaultRetries,
		buckets:        ratelimit.NewManager(cfg.Bucket, cfg.BucketStore),
		breakers:       circuit.NewRegistry(cfg.Circuit),
		pool:           p,
		audit:          cfg.Audit,
	}

	e.httpClient = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		Transport: &http.Transport{
			// Keep-alive stays on so the server leaves the socket open, but
			// the transport holds no idle connections of its own: it closes
			// each one after its response, which hands it back to the pool.
			MaxIdleConnsPerHost: -1,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return e.borrowRaw(ctx, addr)
			},
		},
	}

	zap.L().Info("rest engine initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("auth_scheme", string(cfg.Auth.Scheme)),
		zap.String("token_fp", tokenFingerprint(cfg.Auth.Token)),
	)
	return e, nil
}

// borrowed ties a leased pool.Conn to the net.Conn handed to http.Transport
// so Close() releases it back to the pool instead of tearing it down.
type borrowed struct {
	net.Conn
	pool *pool.Pool
	conn *pool.Conn
}

func (b *borrowed) Close() error {
	b.pool.Release(b.conn)
	return nil
}

func (e *Engine) borrowRaw(ctx context.Context, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		portStr = "443"
	}
	port, _ := strconv.Atoi(portStr)

	priority := priorityFromContext(ctx)
	c, err := e.pool.Get(host, port, pool.Priority(priority))
	if err != nil {
		return nil, err
	}
	return &borrowed{Conn: c.Conn, pool: e.pool, conn: c}, nil
}

type ctxPriorityKey struct{}

func withPriority(ctx context.Context, p ratelimit.Priority) context.Context {
	return context.WithValue(ctx, ctxPriorityKey{}, p)
}

func priorityFromContext(ctx context.Context) ratelimit.Priority {
	if p, ok := ctx.Value(ctxPriorityKey{}).(ratelimit.Priority); ok {
		return p
	}
	return ratelimit.PriorityNormal
}

// Do executes req through the full pipeline, retrying per req.Retry until
// the budget is exhausted or a non-retryable classification is reached.
func (e *Engine) Do(ctx context.Context, req *Request) (*Response, error) {
	req.markStarted()
	defer req.markCompleted()

	if req.Timeouts.Total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeouts.Total)
		defer cancel()
	}

	applyMiddlewares(req, []Middleware{traceIDMiddleware(), userAgentMiddleware(e.userAgent)})

	if expired, known := precheckExpiry(e.auth); known && expired {
		return nil, &gocord.Error{Kind: gocord.KindAuth, Message: "bearer token already expired", Context: ctxOf(req)}
	}

	if req.CacheKey != "" {
		if cached, ok := e.responseCache.get(req.CacheKey); ok {
			return cached, nil
		}
	}

	routeKey := req.RouteKey()
	bucket := e.buckets.BucketFor(routeKey)
	host := e.base.Hostname()
	breaker := e.breakers.For(host)

	retries := req.Retry.Count
	if retries == 0 {
		retries = e.defaultRetries
	}
	redirects := 0

	for {
		if req.IsCancelled() || ctx.Err() != nil {
			return nil, &gocord.Error{Kind: gocord.KindCancelled, Message: "request cancelled", Context: ctxOf(req)}
		}

		if !breaker.CanExecute() {
			return nil, &gocord.Error{Kind: gocord.KindCircuitOpen, Message: "circuit open for " + host, Context: ctxOf(req)}
		}

		attempt := req.nextAttempt()
		outcome, err := bucket.Acquire(ctx, req.Priority)
		if err != nil {
			return nil, &gocord.Error{Kind: gocord.KindCancelled, Message: "acquire cancelled", Cause: err, Context: ctxOf(req)}
		}
		if outcome == ratelimit.OutcomeRejected {
			return nil, &gocord.Error{Kind: gocord.KindRateLimit, Message: "bucket queue full", Context: ctxOf(req)}
		}

		resp, classification := e.attempt(ctx, req, bucket)
		e.auditRecord(req, resp, classification, attempt)

		switch classification.action {
		case actionSuccess:
			breaker.RecordSuccess()
			if req.CacheKey != "" && req.CacheTTL > 0 {
				e.responseCache.put(req.CacheKey, resp, req.CacheTTL)
			}
			return resp, nil
		case actionSurfaceSuccessLike:
			breaker.RecordSuccess()
			return resp, nil
		case actionRedirect:
			breaker.RecordSuccess()
			loc := resp.HeaderValue("Location")
			if loc == "" || redirects >= e.maxRedirects {
				return resp, nil
			}
			redirects++
			if err := e.applyRedirect(req, loc); err != nil {
				return resp, &gocord.Error{Kind: gocord.KindRedirect, Status: resp.Status, Message: err.Error(), Context: ctxOf(req)}
			}
			req.unwindAttempt()
			continue
		case actionRequeue:
			// 429: does not count against the user's retry budget.
			req.unwindAttempt()
			continue
		case actionRetry:
			breaker.RecordFailure()
			if attempt > retries || !e.shouldRetry(req, resp, classification.err) {
				return resp, classification.err
			}
			e.sleepBackoff(ctx, req, attempt)
			continue
		case actionSurfaceError:
			if classification.countsAsFailure {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
			return resp, classification.err
		}
	}
}

func ctxOf(req *Request) gocord.Context {
	return gocord.Context{RequestID: req.TraceID, Route: req.RouteKey(), Attempt: req.Attempt()}
}

// applyRedirect rewrites req's path and query from a Location header. The
// base path prefix is stripped when present so build() does not double it.
func (e *Engine) applyRedirect(req *Request, location string) error {
	u, err := url.Parse(location)
	if err != nil {
		return err
	}
	path := u.Path
	if e.base.Path != "" {
		path = strings.TrimPrefix(path, e.base.Path)
	}
	req.Path = path
	if u.RawQuery != "" {
		q, err := url.ParseQuery(u.RawQuery)
		if err != nil {
			return err
		}
		req.Query = q
	}
	return nil
}

func (e *Engine) shouldRetry(req *Request, resp *Response, err error) bool {
	if req.Retry.ShouldRetry != nil {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		return req.Retry.ShouldRetry(status, err)
	}
	return true
}

func (e *Engine) sleepBackoff(ctx context.Context, req *Request, attempt int) {
	base := req.Retry.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	factor := req.Retry.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	delay := time.Duration(float64(base) * pow(factor, attempt-1))
	if req.Retry.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func pow(base float64, exp int) float64 {
	if exp <= 0 {
		return 1
	}
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

type action int

const (
	actionSuccess action = iota
	actionSurfaceSuccessLike
	actionRedirect
	actionRequeue
	actionRetry
	actionSurfaceError
)

type classification struct {
	action          action
	err             error
	countsAsFailure bool
}

// attempt performs one send/receive/refresh/classify cycle; retry
// scheduling lives in the caller.
func (e *Engine) attempt(ctx context.Context, req *Request, bucket *ratelimit.Bucket) (*Response, classification) {
	httpReq, err := e.build(ctx, req)
	if err != nil {
		return nil, classification{action: actionSurfaceError, err: &gocord.Error{Kind: gocord.KindValidation, Message: err.Error(), Context: ctxOf(req)}, countsAsFailure: false}
	}

	reqCtx := withPriority(ctx, req.Priority)
	httpReq = httpReq.WithContext(reqCtx)

	start := time.Now()
	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, classification{action: actionRetry, err: e.networkError(req, err), countsAsFailure: true}
	}
	defer httpResp.Body.Close()

	resp, err := e.readResponse(httpResp, start)
	if err != nil {
		return nil, classification{action: actionRetry, err: &gocord.Error{Kind: gocord.KindCompression, Message: err.Error(), Retryable: true, Context: ctxOf(req)}, countsAsFailure: true}
	}

	e.refreshBucket(bucket, resp)

	return e.classify(req, resp)
}

func (e *Engine) networkError(req *Request, err error) error {
	if errors.Is(err, pool.ErrPoolExhausted) {
		return &gocord.Error{Kind: gocord.KindPoolExhausted, Message: err.Error(), Retryable: true, Cause: err, Context: ctxOf(req)}
	}
	if errors.Is(err, context.Canceled) {
		return &gocord.Error{Kind: gocord.KindCancelled, Message: err.Error(), Cause: err, Context: ctxOf(req)}
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &gocord.Error{Kind: gocord.KindTimeout, Message: err.Error(), Retryable: true, Cause: err, Context: ctxOf(req)}
	}
	return &gocord.Error{Kind: gocord.KindNetwork, Message: err.Error(), Retryable: true, Cause: err, Context: ctxOf(req)}
}

func (e *Engine) build(ctx context.Context, req *Request) (*http.Request, error) {
	full := *e.base
	full.Path = full.Path + req.Path
	if req.Query != nil {
		full.RawQuery = req.Query.Encode()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequest(req.Method, full.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Authorization", e.auth.header())
	httpReq.Header.Set("User-Agent", e.userAgent)
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.AuditReason != "" {
		httpReq.Header.Set("X-Audit-Log-Reason", url.QueryEscape(truncate(req.AuditReason, 512)))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (e *Engine) readResponse(httpResp *http.Response, start time.Time) (*Response, error) {
	var reader io.Reader = httpResp.Body
	encoding := httpResp.Header.Get("Content-Encoding")
	switch strings.ToLower(encoding) {
	case "gzip":
		gz, err := gzip.NewReader(httpResp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(httpResp.Body)
		defer fl.Close()
		reader = fl
	case "br":
		// No ecosystem brotli decoder is available in this module's
		// dependency set; Discord's REST API defaults to gzip, so this
		// is left undecoded rather than pulling in a standard-library
		// substitute that does not exist for brotli.
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:     httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
		Compressed: encoding,
		Timing:     map[string]time.Duration{"total": time.Since(start)},
	}, nil
}

// refreshBucket updates bucket state from the response headers before the
// result is classified, so concurrent callers see fresh state immediately.
func (e *Engine) refreshBucket(bucket *ratelimit.Bucket, resp *Response) {
	// A response with no rate-limit headers at all says nothing about the
	// bucket; updating from it would zero the window state.
	if resp.HeaderValue("X-RateLimit-Remaining") == "" &&
		resp.HeaderValue("X-RateLimit-Bucket") == "" && resp.Status != 429 {
		return
	}

	h := ratelimit.Headers{
		BucketHash: resp.HeaderValue("X-RateLimit-Bucket"),
		Scope:      resp.HeaderValue("X-RateLimit-Scope"),
		Is429:      resp.Status == 429,
	}
	if v := resp.HeaderValue("X-RateLimit-Limit"); v != "" {
		h.Limit, _ = strconv.Atoi(v)
	}
	if v := resp.HeaderValue("X-RateLimit-Remaining"); v != "" {
		h.Remaining, _ = strconv.Atoi(v)
	}
	if v := resp.HeaderValue("X-RateLimit-Reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			h.ResetAt = time.UnixMilli(int64(f * 1000))
		}
	}
	if v := resp.HeaderValue("X-RateLimit-Reset-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			h.ResetAfter = time.Duration(f * float64(time.Second))
		}
	}
	if v := resp.HeaderValue("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			h.RetryAfter = time.Duration(f * float64(time.Second))
		}
	}
	if h.Scope == "" && h.Is429 {
		h.Scope = "user"
	}
	bucket.Release(h)
}

// classify maps a response status to what the pipeline does next.
func (e *Engine) classify(req *Request, resp *Response) (*Response, classification) {
	switch {
	case resp.IsSuccess():
		return resp, classification{action: actionSuccess}
	case resp.IsRedirect():
		return resp, classification{action: actionRedirect}
	case resp.Status == 401:
		return resp, classification{action: actionSurfaceError, err: &gocord.Error{Kind: gocord.KindAuth, Status: 401, Message: resp.ErrorBody(), Context: ctxOf(req)}, countsAsFailure: false}
	case resp.Status == 429:
		return resp, classification{action: actionRequeue}
	case resp.Status >= 400 && resp.Status < 500:
		return resp, classification{action: actionSurfaceError, err: &gocord.Error{Kind: gocord.KindValidation, Status: resp.Status, Message: resp.ErrorBody(), Context: ctxOf(req)}, countsAsFailure: false}
	case resp.Status >= 500:
		return resp, classification{action: actionRetry, err: &gocord.Error{Kind: gocord.KindNetwork, Status: resp.Status, Message: resp.ErrorBody(), Retryable: true, Context: ctxOf(req)}, countsAsFailure: true}
	default:
		return resp, classification{action: actionSurfaceSuccessLike}
	}
}

func (e *Engine) auditRecord(req *Request, resp *Response, c classification, attempt int) {
	if e.audit == nil {
		return
	}
	status := 0
	if resp != nil {
		status = resp.Status
	}
	kind := gocord.Kind("")
	if ge, ok := c.err.(*gocord.Error); ok {
		kind = ge.Kind
	}
	elapsed := time.Since(time.Unix(0, req.startedAt.Load())).Milliseconds()
	e.audit.RecordRequest(req.Method, req.RouteKey(), status, attempt, kind, elapsed)
}

// BucketSnapshot and CircuitSnapshot expose bucket/circuit snapshots for
// the admin/metrics surface.
func (e *Engine) BucketSnapshot() map[string]ratelimit.BucketState { return e.buckets.Snapshot() }
func (e *Engine) CircuitSnapshot() map[string]circuit.State         { return e.breakers.Snapshot() }

func (e *Engine) Close() { e.pool.Close() }
