// Package client assembles the two protocol engines, the caches and the
// event bus into one bot client. A Client owns exactly one gateway engine,
// one REST engine and one set of caches; user code reaches Discord through
// the typed REST verbs and observes it through bus events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	gocord "gocord"
	"gocord/internal/audit"
	"gocord/internal/cache"
	"gocord/internal/circuit"
	"gocord/internal/config"
	"gocord/internal/eventbus"
	"gocord/internal/gateway"
	"gocord/internal/monitor"
	"gocord/internal/pool"
	"gocord/internal/ratelimit"
	"gocord/internal/rest"
)

// Options carries everything a Client needs; there is no environment or
// CLI fallback, configuration arrives here and nowhere else.
type Options struct {
	Token      string
	AuthScheme rest.AuthScheme // defaults to Bot
	Intents    int64
	Shard      gateway.Shard
	Presence   interface{}
	Compress   bool

	GatewayURL  string
	RestBaseURL string
	UserAgent   string

	Bucket  ratelimit.Config
	Pool    pool.Config
	Circuit circuit.Config

	BucketStore ratelimit.Store
	Audit       audit.Sink

	MaxRedirects   int
	DefaultRetries int

	Logger *zap.Logger
}

// FromConfig maps the loaded application configuration onto Options.
func FromConfig(conf *config.AppConfig) Options {
	opts := Options{
		Token:      conf.Token,
		AuthScheme: rest.AuthScheme(conf.AuthType),
	}
	if g := conf.GatewayConfig; g != nil {
		opts.GatewayURL = g.URL
		opts.Intents = g.Intents
		opts.Shard = gateway.Shard{ID: g.ShardID, Total: g.ShardCount}
		opts.Compress = g.Compress
	}
	if r := conf.RestConfig; r != nil {
		opts.RestBaseURL = r.BaseURL
		opts.UserAgent = r.UserAgent
		opts.MaxRedirects = r.MaxRedirects
		opts.DefaultRetries = r.DefaultRetries
	}
	if b := conf.BucketConfig; b != nil {
		opts.Bucket = ratelimit.Config{
			BurstCapacity: b.BurstCapacity,
			MaxQueueSize:  b.MaxQueueSize,
			DropOnLimit:   b.DropOnLimit,
			JitterFactor:  b.JitterFactor,
		}
	}
	if p := conf.PoolConfig; p != nil {
		opts.Pool = pool.Config{
			MaxConnections:   p.MaxConnections,
			MaxIdleTime:      time.Duration(p.MaxIdleTimeSeconds) * time.Second,
			HealthCheckEvery: time.Duration(p.HealthCheckSeconds) * time.Second,
			KeepaliveTimeout: time.Duration(p.KeepaliveSeconds) * time.Second,
			Strategy:         strategyByName(p.LoadBalanceStrategy),
		}
	}
	if c := conf.CircuitConfig; c != nil {
		opts.Circuit = circuit.Config{
			FailureThreshold:  c.FailureThreshold,
			SuccessThreshold:  c.SuccessThreshold,
			OpenTimeout:       time.Duration(c.OpenTimeoutSeconds) * time.Second,
			HalfOpenMaxProbes: c.HalfOpenMaxProbes,
		}
	}
	return opts
}

func strategyByName(name string) pool.Strategy {
	switch name {
	case "least_connections":
		return pool.LeastConnections()
	case "random":
		return pool.Random()
	default:
		return pool.RoundRobin()
	}
}

// Client is the top-level bot handle.
type Client struct {
	rest    *rest.Engine
	gateway *gateway.Engine
	caches  *cache.Caches
	bus     *eventbus.Bus

	restObs *monitor.RestObserver
	audit   audit.Sink
	log     *zap.Logger
}

// multiSink fans one REST outcome out to the audit trail and the metrics
// window.
type multiSink struct {
	sinks []rest.AuditSink
}

func (m multiSink) RecordRequest(method, route string, status int, attempt int, kind gocord.Kind, durationMs int64) {
	for _, s := range m.sinks {
		s.RecordRequest(method, route, status, attempt, kind, durationMs)
	}
}

func New(opts Options) (*Client, error) {
	if opts.Token == "" {
		return nil, gocord.NewError(gocord.KindValidation, "token is required", false)
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	if opts.AuthScheme == "" {
		opts.AuthScheme = rest.AuthBot
	}
	if opts.GatewayURL == "" {
		opts.GatewayURL = "wss://gateway.discord.gg"
	}
	if opts.RestBaseURL == "" {
		opts.RestBaseURL = "https://discord.com/api/v10"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "DiscordBot (https://github.com/gocord/gocord, 0.1.0)"
	}

	auditSink := opts.Audit
	if auditSink == nil {
		auditSink = audit.NoopSink{}
	}

	c := &Client{
		caches:  cache.New(),
		bus:     eventbus.New(log),
		restObs: monitor.NewRestObserver(),
		audit:   auditSink,
		log:     log,
	}

	restEngine, err := rest.New(rest.Config{
		BaseURL:        opts.RestBaseURL,
		Auth:           rest.Auth{Scheme: opts.AuthScheme, Token: opts.Token},
		UserAgent:      opts.UserAgent,
		MaxRedirects:   opts.MaxRedirects,
		DefaultRetries: opts.DefaultRetries,
		Bucket:         opts.Bucket,
		Pool:           opts.Pool,
		Circuit:        opts.Circuit,
		BucketStore:    opts.BucketStore,
		Audit:          multiSink{sinks: []rest.AuditSink{auditSink, c.restObs}},
	})
	if err != nil {
		return nil, err
	}
	c.rest = restEngine

	c.gateway = gateway.New(gateway.Config{
		GatewayURL:    opts.GatewayURL,
		Token:         opts.Token,
		Intents:       opts.Intents,
		Shard:         opts.Shard,
		Presence:      opts.Presence,
		Compress:      opts.Compress,
		OnDispatch:    c.onDispatch,
		OnStateChange: c.onStateChange,
		OnClose:       c.onClose,
		Logger:        log,
	})

	return c, nil
}

// onDispatch runs on the gateway's single dispatch goroutine: cache
// updates complete before any listener observes the event.
func (c *Client) onDispatch(ev gateway.Event) {
	c.caches.ApplyDispatch(ev.Type, ev.Raw)

	switch ev.Type {
	case "READY":
		c.bus.Emit("ready", ev)
	case "RESUMED":
		c.bus.Emit("resumed", ev)
	}
	c.bus.Emit(ev.Type, ev)
}

func (c *Client) onStateChange(s gateway.Status) {
	c.audit.RecordGatewayTransition(s.String())
	monitor.SetGatewayStatus(int(s))

	switch s {
	case gateway.StatusIdentifying, gateway.StatusResuming:
		c.bus.Emit("open")
	case gateway.StatusReconnecting:
		c.bus.Emit("reconnect")
	}
}

func (c *Client) onClose(err error) {
	var ge *gocord.Error
	if errors.As(err, &ge) && ge.Kind == gocord.KindGatewayFatal {
		if c.bus.HasListeners("error") {
			c.bus.Emit("error", err)
		} else {
			c.log.Error("gateway fatal close with no error listener", zap.Error(err))
		}
		return
	}
	c.bus.Emit("close", err)
}

// Run connects the gateway and blocks until ctx is cancelled, Close is
// called, or a fatal close code ends the session.
func (c *Client) Run(ctx context.Context) error {
	return c.gateway.Run(ctx)
}

func (c *Client) Close() {
	c.gateway.Close()
	c.rest.Close()
	c.audit.Close()
}

// Event bus surface.
func (c *Client) On(event string, fn eventbus.Listener)   { c.bus.On(event, fn) }
func (c *Client) Once(event string, fn eventbus.Listener) { c.bus.Once(event, fn) }
func (c *Client) Off(event string, fn eventbus.Listener)  { c.bus.Off(event, fn) }

// Gateway surface.
func (c *Client) IsReady() bool             { return c.gateway.IsReady() }
func (c *Client) Status() gateway.Snapshot  { return c.gateway.Snapshot() }
func (c *Client) UpdatePresence(p interface{}) { c.gateway.UpdatePresence(p) }

func (c *Client) UpdateVoiceState(ctx context.Context, state interface{}) error {
	return c.gateway.UpdateVoiceState(ctx, state)
}

func (c *Client) RequestGuildMembers(ctx context.Context, req interface{}) error {
	return c.gateway.RequestGuildMembers(ctx, req)
}

// Caches exposes the read-only cache surface.
func (c *Client) Caches() *cache.Caches { return c.caches }

// Rest exposes the REST engine for callers that need raw requests.
func (c *Client) Rest() *rest.Engine { return c.rest }

// RequestOptions tunes one REST call.
type RequestOptions struct {
	Priority    ratelimit.Priority
	Query       url.Values
	Headers     map[string]string
	AuditReason string
	Retry       rest.RetryPolicy
	Timeouts    rest.Timeouts
	CacheKey    string
	CacheTTL    time.Duration
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, opts *RequestOptions) (*rest.Response, error) {
	req := &rest.Request{Method: method, Path: path, Priority: ratelimit.PriorityNormal}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, gocord.WrapError(gocord.KindValidation, fmt.Sprintf("encode %s %s body", method, path), false, err)
		}
		req.Body = raw
	}
	if opts != nil {
		req.Priority = opts.Priority
		req.Query = opts.Query
		req.Headers = opts.Headers
		req.AuditReason = opts.AuditReason
		req.Retry = opts.Retry
		req.Timeouts = opts.Timeouts
		req.CacheKey = opts.CacheKey
		req.CacheTTL = opts.CacheTTL
	}
	return c.rest.Do(ctx, req)
}

// Typed REST verbs.
func (c *Client) Get(ctx context.Context, path string, opts *RequestOptions) (*rest.Response, error) {
	return c.do(ctx, "GET", path, nil, opts)
}

func (c *Client) Post(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*rest.Response, error) {
	return c.do(ctx, "POST", path, body, opts)
}

func (c *Client) Put(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*rest.Response, error) {
	return c.do(ctx, "PUT", path, body, opts)
}

func (c *Client) Patch(ctx context.Context, path string, body interface{}, opts *RequestOptions) (*rest.Response, error) {
	return c.do(ctx, "PATCH", path, body, opts)
}

func (c *Client) Delete(ctx context.Context, path string, opts *RequestOptions) (*rest.Response, error) {
	return c.do(ctx, "DELETE", path, nil, opts)
}
