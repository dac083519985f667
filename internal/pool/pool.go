// Package pool keeps a per-host set of reusable TLS connections, health
// tracked and selectable by a load-balancing Strategy when a host has
// several usable connections.
package pool

import (
	"crypto/tls"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrPoolExhausted = errors.New("pool: exhausted")

// Priority mirrors ratelimit.Priority's ordering without importing that
// package, since pool only needs to know "is this HIGH or above".
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) qualifiesForEmergency() bool { return p <= PriorityHigh }

// Conn wraps a pooled net.Conn with usage bookkeeping.
type Conn struct {
	net.Conn
	Host       string
	Port       int
	inUse      bool
	lastUsed   time.Time
	handled    int64
	emergency  bool
	closed     bool
}

func (c *Conn) touch() { c.lastUsed = time.Now() }

// Config holds the pool sizing and health-check knobs.
type Config struct {
	MaxConnections     int
	MaxIdleTime        time.Duration
	HealthCheckEvery   time.Duration
	KeepaliveTimeout   time.Duration
	Strategy           Strategy
	Dial               func(host string, port int) (net.Conn, error)
}

// Strategy selects among several healthy idle connections to the same
// endpoint.
type Strategy interface {
	Select(candidates []*Conn) *Conn
}

type endpointKey struct {
	host string
	port int
}

// Pool is the ConnectionPool.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	conns map[endpointKey][]*Conn
	total int

	stopHealth chan struct{}
}

func New(cfg Config) *Pool {
	if cfg.Strategy == nil {
		cfg.Strategy = RoundRobin()
	}
	if cfg.Dial == nil {
		cfg.Dial = defaultDial
	}
	p := &Pool{cfg: cfg, conns: make(map[endpointKey][]*Conn), stopHealth: make(chan struct{})}
	if cfg.HealthCheckEvery > 0 {
		go p.healthLoop()
	}
	return p
}

func defaultDial(host string, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	addr := net.JoinHostPort(host, portString(port))
	raw, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return tls.Client(raw, &tls.Config{ServerName: host}), nil
}

func portString(p int) string {
	if p <= 0 {
		p = 443
	}
	return strconv.Itoa(p)
}

// Get borrows a connection to host:port. It reuses an idle connection
// that has not been idle longer than MaxIdleTime, chosen by the configured
// Strategy from the idle candidates ordered newest-used first; the default
// RoundRobin strategy does not always return the newest one. Otherwise it
// creates a new one if under MaxConnections, and for HIGH and CRITICAL
// priorities creates an
// emergency connection above the cap, closed on Release instead of
// returned to the pool.
func (p *Pool) Get(host string, port int, priority Priority) (*Conn, error) {
	key := endpointKey{host, port}

	p.mu.Lock()
	if c := p.pickIdleLocked(key); c != nil {
		c.inUse = true
		p.mu.Unlock()
		return c, nil
	}

	if p.total < p.cfg.MaxConnections {
		p.total++
		p.mu.Unlock()
		return p.dial(key, false)
	}

	if priority.qualifiesForEmergency() {
		p.mu.Unlock()
		return p.dial(key, true)
	}
	p.mu.Unlock()
	return nil, ErrPoolExhausted
}

// pickIdleLocked gathers healthy idle connections for key, newest-used
// first, then defers the final pick to the configured Strategy; the
// strategy only matters once more than one idle candidate survives the
// newest-first ordering.
func (p *Pool) pickIdleLocked(key endpointKey) *Conn {
	list := p.conns[key]
	var idle []*Conn
	now := time.Now()
	for _, c := range list {
		if c.inUse || c.closed {
			continue
		}
		if p.cfg.MaxIdleTime > 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdleTime {
			continue
		}
		idle = append(idle, c)
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastUsed.After(idle[j].lastUsed) })
	return p.cfg.Strategy.Select(idle)
}

func (p *Pool) dial(key endpointKey, emergency bool) (*Conn, error) {
	raw, err := p.cfg.Dial(key.host, key.port)
	if err != nil {
		if !emergency {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		}
		return nil, err
	}
	c := &Conn{Conn: raw, Host: key.host, Port: key.port, inUse: true, emergency: emergency, lastUsed: time.Now()}

	p.mu.Lock()
	p.conns[key] = append(p.conns[key], c)
	p.mu.Unlock()
	return c, nil
}

// Release returns c to the pool; an emergency connection is closed
// instead.
func (p *Pool) Release(c *Conn) {
	c.touch()
	c.handled++
	c.inUse = false

	if c.emergency {
		p.closeConn(c)
	}
}

func (p *Pool) closeConn(c *Conn) {
	p.mu.Lock()
	key := endpointKey{c.Host, c.Port}
	list := p.conns[key]
	for i, x := range list {
		if x == c {
			p.conns[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if !c.emergency {
		p.total--
	}
	p.mu.Unlock()

	c.closed = true
	_ = c.Conn.Close()
}

// healthLoop periodically evicts idle-too-long connections and probes the
// rest for liveness.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopHealth:
			return
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	now := time.Now()
	var toClose []*Conn
	for key, list := range p.conns {
		kept := list[:0]
		for _, c := range list {
			if c.inUse {
				kept = append(kept, c)
				continue
			}
			if p.cfg.MaxIdleTime > 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdleTime {
				toClose = append(toClose, c)
				continue
			}
			if !probeAlive(c) {
				toClose = append(toClose, c)
				continue
			}
			kept = append(kept, c)
		}
		p.conns[key] = kept
	}
	p.mu.Unlock()

	for _, c := range toClose {
		zap.L().Debug("pool: evicting connection", zap.String("host", c.Host), zap.Int("port", c.Port))
		p.closeConn(c)
	}
}

// probeAlive performs a cheap liveness check: a zero-byte read with a
// short deadline. A connection closed by the peer returns an error
// immediately instead of blocking.
func probeAlive(c *Conn) bool {
	_ = c.Conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	one := make([]byte, 1)
	_, err := c.Conn.Read(one)
	_ = c.Conn.SetReadDeadline(time.Time{})
	if err == nil {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (p *Pool) Close() {
	close(p.stopHealth)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.conns {
		for _, c := range list {
			_ = c.Conn.Close()
		}
	}
}
