package ratelimit

import (
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// Manager owns every Bucket for a REST client: the route-key to
// bucket-hash binding table, plus the single global-pause clock shared by
// every bucket (429 with scope=global).
type Manager struct {
	cfg   Config
	store Store

	mu          sync.RWMutex
	routeToHash map[string]string   // route key -> bound bucket hash
	buckets     map[string]*Bucket  // key (hash or route key) -> bucket

	globalPause int64 // unix millis, shared pointer target
}

func NewManager(cfg Config, store Store) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		routeToHash: make(map[string]string),
		buckets:     make(map[string]*Bucket),
	}
}

// RouteKey derives the synthetic bucket lookup key used until a server
// bucket hash is learned: method plus normalized path, preserving the
// three major parameters (channel, guild, webhook IDs) and collapsing
// every other snowflake-length (15-25 digit) ID to a placeholder.
func RouteKey(method, path string) string {
	return method + " " + NormalizePath(path)
}

var (
	segmentRe = regexp.MustCompile(`^[0-9]{15,25}$`)
	majorRe   = regexp.MustCompile(`^/(channels|guilds|webhooks)/([0-9]{15,25})`)
)

// NormalizePath collapses minor snowflake IDs in path to a placeholder
// while preserving the leading major-parameter segment verbatim.
func NormalizePath(path string) string {
	major := majorRe.FindString(path)
	rest := strings.TrimPrefix(path, major)

	segments := strings.Split(rest, "/")
	for i, seg := range segments {
		if segmentRe.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return major + strings.Join(segments, "/")
}

// BucketFor returns the Bucket a request for routeKey should acquire
// from: the bound bucket if a prior response rebound this route, else a
// per-route-key bucket.
func (m *Manager) BucketFor(routeKey string) *Bucket {
	m.mu.RLock()
	if hash, bound := m.routeToHash[routeKey]; bound {
		if b, ok := m.buckets[hash]; ok {
			m.mu.RUnlock()
			return b
		}
	}
	if b, ok := m.buckets[routeKey]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	return m.getOrCreate(routeKey, routeKey)
}

func (m *Manager) getOrCreate(key, routeKey string) *Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[key]; ok {
		return b
	}

	b := NewBucket(key, m.cfg, m.store, &m.globalPause)
	b.onRebind = func(newHash string) { m.rebind(routeKey, newHash, b) }
	if st, found, err := m.store.Load(key); err == nil && found {
		b.hydrate(st)
	}
	m.buckets[key] = b
	return b
}

// rebind records a bucket's server-assigned hash: future lookups for the
// same route key resolve to the hash-keyed bucket. Requests already queued
// drain unchanged, since the Bucket object does not change identity, only
// how Manager indexes it.
func (m *Manager) rebind(routeKey, newHash string, b *Bucket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routeToHash[routeKey] = newHash
	if _, exists := m.buckets[newHash]; !exists {
		m.buckets[newHash] = b
	}
}

// PauseGlobal sets the shared pause clock read by every bucket's Acquire;
// a 429 with scope=global stops all traffic at once.
func (m *Manager) PauseGlobal(untilUnixMillis int64) {
	atomic.StoreInt64(&m.globalPause, untilUnixMillis)
}

// Snapshot returns a copy of every known bucket's state (limit, remaining,
// reset time, burst used) by key, used by the admin/metrics surface.
func (m *Manager) Snapshot() map[string]BucketState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]BucketState, len(m.buckets))
	for k, b := range m.buckets {
		out[k] = b.Snapshot()
	}
	return out
}
