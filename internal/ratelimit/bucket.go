// Package ratelimit implements Discord's per-route, per-bucket-hash
// rate-limit protocol: a token bucket per server-assigned bucket (or, until
// a hash is known, per synthetic route key), with a strict-priority FIFO
// queue, a burst reserve for high-priority traffic, and response-driven
// refresh from Discord's X-RateLimit-* headers.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stats counts what happened to requests passing through a bucket,
// exported so the admin/metrics surface can observe bucket behavior.
type Stats struct {
	Granted      atomic.Int64
	BurstGranted atomic.Int64
	Queued       atomic.Int64
	Rejected     atomic.Int64
	WaitTotalMs  atomic.Int64
	WaitSamples  atomic.Int64
}

func (s *Stats) AverageWaitMs() float64 {
	n := s.WaitSamples.Load()
	if n == 0 {
		return 0
	}
	return float64(s.WaitTotalMs.Load()) / float64(n)
}

type queuedRequest struct {
	priority   Priority
	enqueuedAt time.Time
	grant      chan struct{}
	rejected   bool // written before grant is closed, read only after
	ctx        context.Context
}

// Bucket is one rate-limit window: token state, the priority queues, the
// burst reserve, and the pause clocks.
type Bucket struct {
	mu sync.Mutex

	key  string // bucket hash once known, else the route key
	hash string // server-assigned X-RateLimit-Bucket, "" until known

	limit      int
	remaining  int
	resetAt    time.Time
	resetAfter time.Duration

	burstCapacity int
	burstUsed     int

	jitterFactor float64
	maxQueueSize int
	dropOnLimit  bool

	queues     [numPriorities]*fifo
	queuedSize atomic.Int64

	processing atomic.Bool

	pausedUntil atomic.Int64 // unix millis; scope=user pause

	Stats Stats

	store        Store
	globalPause  *int64 // shared pointer, set by Manager for scope=global 429s
	onRebind     func(newHash string)
}

// Config configures a Bucket's static policy knobs.
type Config struct {
	BurstCapacity int
	MaxQueueSize  int
	DropOnLimit   bool
	JitterFactor  float64
}

func NewBucket(key string, cfg Config, store Store, globalPause *int64) *Bucket {
	b := &Bucket{
		key:           key,
		burstCapacity: cfg.BurstCapacity,
		maxQueueSize:  cfg.MaxQueueSize,
		dropOnLimit:   cfg.DropOnLimit,
		jitterFactor:  cfg.JitterFactor,
		store:         store,
		globalPause:   globalPause,
		// a fresh bucket has not seen a response yet; treat as having one
		// free token so the very first request on an unknown route isn't
		// forced to queue.
		limit:      1,
		remaining:  1,
		resetAt:    time.Now().Add(time.Second),
		resetAfter: time.Second,
	}
	for i := range b.queues {
		b.queues[i] = newFIFO()
	}
	return b
}

// AcquireOutcome is the terminal result of an Acquire call; waiting
// happens inside Acquire itself.
type AcquireOutcome int

const (
	OutcomeGranted AcquireOutcome = iota
	OutcomeRejected
)

// Acquire blocks until a slot is granted, the request is rejected (queue
// full and drop_on_limit), or ctx is canceled. A canceled Acquire never
// decrements remaining.
func (b *Bucket) Acquire(ctx context.Context, priority Priority) (AcquireOutcome, error) {
	if granted := b.tryFastPath(priority); granted {
		b.Stats.Granted.Add(1)
		return OutcomeGranted, nil
	}

	if b.queuedSize.Load() >= int64(b.maxQueueSize) {
		if b.dropOnLimit {
			b.Stats.Rejected.Add(1)
			return OutcomeRejected, nil
		}
		b.evictLowestPriorityTail()
	}

	req := &queuedRequest{priority: priority, enqueuedAt: time.Now(), grant: make(chan struct{}), ctx: ctx}
	b.enqueue(req)
	b.Stats.Queued.Add(1)
	b.kickWorker()

	select {
	case <-req.grant:
		if req.rejected {
			return OutcomeRejected, nil
		}
		waited := time.Since(req.enqueuedAt)
		b.Stats.WaitTotalMs.Add(waited.Milliseconds())
		b.Stats.WaitSamples.Add(1)
		b.Stats.Granted.Add(1)
		return OutcomeGranted, nil
	case <-ctx.Done():
		// A request cancelled while still queued never reaches the
		// worker's tryFastPath, so remaining is unchanged. If the worker
		// granted it just before cancellation, the token it consumed is
		// not returned.
		return OutcomeRejected, ctx.Err()
	}
}

// tryFastPath applies the window-reset and remaining/burst decrement
// rules without touching the queue.
func (b *Bucket) tryFastPath(priority Priority) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isGloballyPaused() || b.isLocallyPaused() {
		return false
	}

	now := time.Now()
	if !b.resetAt.IsZero() && !now.Before(b.resetAt) {
		b.remaining = b.limit
		b.burstUsed = 0
		b.resetAt = now.Add(b.resetAfter)
	}

	if b.remaining > 0 {
		b.remaining--
		return true
	}
	if priority.qualifiesForBurst() && b.burstUsed < b.burstCapacity {
		b.burstUsed++
		b.Stats.BurstGranted.Add(1)
		return true
	}
	return false
}

func (b *Bucket) isGloballyPaused() bool {
	if b.globalPause == nil {
		return false
	}
	return atomic.LoadInt64(b.globalPause) > time.Now().UnixMilli()
}

func (b *Bucket) isLocallyPaused() bool {
	return b.pausedUntil.Load() > time.Now().UnixMilli()
}

func (b *Bucket) enqueue(req *queuedRequest) {
	b.queues[req.priority].push(req)
	b.queuedSize.Add(1)
}

// evictLowestPriorityTail drops the newest queued request from the lowest
// non-empty priority to make room when the queue is full. The victim is
// marked rejected before its grant channel is closed, so its Acquire
// returns OutcomeRejected rather than a grant it never received.
func (b *Bucket) evictLowestPriorityTail() {
	for p := numPriorities - 1; p >= 0; p-- {
		if victim := b.queues[p].popTail(); victim != nil {
			b.queuedSize.Add(-1)
			victim.rejected = true
			close(victim.grant)
			b.Stats.Rejected.Add(1)
			return
		}
	}
}

// kickWorker ensures exactly one worker goroutine is draining this
// bucket's queues at a time.
func (b *Bucket) kickWorker() {
	if !b.processing.CompareAndSwap(false, true) {
		return
	}
	go b.workerLoop()
}

func (b *Bucket) workerLoop() {
	defer b.processing.Store(false)
	for {
		req, priority := b.popHighestPriority()
		if req == nil {
			return
		}
		b.queuedSize.Add(-1)

		for {
			if req.ctx.Err() != nil {
				req.rejected = true
				close(req.grant)
				break
			}
			if b.tryFastPath(priority) {
				close(req.grant)
				break
			}
			wait := b.projectedWait()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-req.ctx.Done():
				timer.Stop()
			}
		}
	}
}

func (b *Bucket) popHighestPriority() (*queuedRequest, Priority) {
	for p := 0; p < numPriorities; p++ {
		if req := b.queues[p].pop(); req != nil {
			return req, Priority(p)
		}
	}
	return nil, 0
}

// projectedWait is max(0, reset_at - now) plus jitter.
func (b *Bucket) projectedWait() time.Duration {
	b.mu.Lock()
	resetAt := b.resetAt
	baseWait := time.Until(resetAt)
	jf := b.jitterFactor
	b.mu.Unlock()

	if baseWait < 0 {
		baseWait = 0
	}
	jitter := time.Duration((rand.Float64()*2 - 1) * jf * float64(baseWait))
	total := baseWait + jitter
	if total < 0 {
		total = 0
	}
	return total
}

// Headers is the subset of X-RateLimit-*/Retry-After response headers
// Release consumes.
type Headers struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	ResetAfter time.Duration
	BucketHash string
	Global     bool
	Scope      string // "user" | "global" | "shared"
	RetryAfter time.Duration
	Is429      bool
}

// Release updates bucket state from the response headers. It is the first
// thing the REST engine does with a response, so concurrent callers
// observe fresh state immediately.
func (b *Bucket) Release(h Headers) {
	b.mu.Lock()
	rebound := h.BucketHash != "" && h.BucketHash != b.hash
	if rebound {
		b.hash = h.BucketHash
	}
	if h.Limit > 0 {
		b.limit = h.Limit
	}
	b.remaining = h.Remaining
	if h.ResetAfter > 0 {
		b.resetAfter = h.ResetAfter
	}
	if !h.ResetAt.IsZero() {
		b.resetAt = h.ResetAt
	} else if h.ResetAfter > 0 {
		b.resetAt = time.Now().Add(h.ResetAfter)
	}

	if h.Is429 {
		switch h.Scope {
		case "global":
			if b.globalPause != nil {
				until := time.Now().Add(h.RetryAfter).UnixMilli()
				atomic.StoreInt64(b.globalPause, until)
			}
		default: // "user" or "shared" both pause only this bucket
			b.pausedUntil.Store(time.Now().Add(h.RetryAfter).UnixMilli())
		}
	}
	onRebind := b.onRebind
	b.mu.Unlock()

	if rebound && onRebind != nil {
		onRebind(h.BucketHash)
	}
	if b.store != nil {
		// A held lock means a sibling process is persisting fresher
		// state; skipping the write loses nothing.
		if unlock, err := b.store.TryLock(b.Key()); err == nil {
			_ = b.store.Save(b.Key(), b.Snapshot())
			unlock()
		}
	}
}

// Key returns the bucket hash if known, else the synthetic route key.
func (b *Bucket) Key() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hash != "" {
		return b.hash
	}
	return b.key
}

// BucketState is the persisted snapshot shape used by Store implementations.
type BucketState struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	BurstUsed int
}

func (b *Bucket) Snapshot() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BucketState{Limit: b.limit, Remaining: b.remaining, ResetAt: b.resetAt, BurstUsed: b.burstUsed}
}

// hydrate applies a previously persisted state, used when a distributed
// Store is configured so a newly created local Bucket picks up fleet-wide
// state instead of starting cold.
func (b *Bucket) hydrate(s BucketState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.Limit > 0 {
		b.limit = s.Limit
	}
	b.remaining = s.Remaining
	b.resetAt = s.ResetAt
	b.burstUsed = s.BurstUsed
}

func (b *Bucket) logFields() []zap.Field {
	return []zap.Field{
		zap.String("bucket", b.Key()),
		zap.Int("remaining", b.remaining),
		zap.Int("limit", b.limit),
	}
}
