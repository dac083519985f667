package ratelimit

import (
	"context"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{BurstCapacity: 2, MaxQueueSize: 10, DropOnLimit: false, JitterFactor: 0}
}

func TestBucket_RemainingNeverNegative(t *testing.T) {
	b := NewBucket("route", testConfig(), NewMemoryStore(), nil)
	b.Release(Headers{Limit: 1, Remaining: 1, ResetAfter: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome, err := b.Acquire(ctx, PriorityNormal)
	if err != nil || outcome != OutcomeGranted {
		t.Fatalf("first acquire should be granted, got %v err=%v", outcome, err)
	}
	if b.Snapshot().Remaining < 0 {
		t.Fatalf("remaining went negative")
	}
}

func TestBucket_BurstGrantsHighPriorityWhenExhausted(t *testing.T) {
	b := NewBucket("route", testConfig(), NewMemoryStore(), nil)
	b.Release(Headers{Limit: 1, Remaining: 0, ResetAfter: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome, err := b.Acquire(ctx, PriorityHigh)
	if err != nil || outcome != OutcomeGranted {
		t.Fatalf("high priority should consume burst, got %v err=%v", outcome, err)
	}
	if b.Snapshot().BurstUsed != 1 {
		t.Fatalf("expected burst_used=1, got %d", b.Snapshot().BurstUsed)
	}
}

func TestBucket_LowPriorityQueuesWhenExhausted(t *testing.T) {
	b := NewBucket("route", testConfig(), NewMemoryStore(), nil)
	b.Release(Headers{Limit: 1, Remaining: 0, ResetAfter: time.Hour})
	// exhaust the burst reserve too so nothing but the queue remains
	b.Acquire(context.Background(), PriorityHigh)
	b.Acquire(context.Background(), PriorityHigh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcome, err := b.Acquire(ctx, PriorityLow)
	if err == nil && outcome == OutcomeGranted {
		t.Fatalf("low priority should not be granted instantly once burst+remaining exhausted for this test window")
	}
}

func TestBucket_CancelledAcquireDoesNotConsumeToken(t *testing.T) {
	b := NewBucket("route", testConfig(), NewMemoryStore(), nil)
	b.Release(Headers{Limit: 1, Remaining: 0, ResetAfter: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before := b.Snapshot().Remaining
	_, _ = b.Acquire(ctx, PriorityNormal)
	after := b.Snapshot().Remaining
	if before != after {
		t.Fatalf("cancelled acquire must not change remaining: before=%d after=%d", before, after)
	}
}

func TestBucket_GlobalPauseBlocksAcquire(t *testing.T) {
	var globalPause int64
	b := NewBucket("route", testConfig(), NewMemoryStore(), &globalPause)
	b.Release(Headers{Limit: 5, Remaining: 5, ResetAfter: time.Hour})
	globalPause = time.Now().Add(time.Hour).UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if granted := b.tryFastPath(PriorityCritical); granted {
		t.Fatalf("fast path must not grant while globally paused")
	}
	_, _ = ctx, cancel
}

func TestNormalizePath_PreservesMajorCollapsesMinor(t *testing.T) {
	got := NormalizePath("/channels/123456789012345678/messages/987654321098765432")
	want := "/channels/123456789012345678/messages/:id"
	if got != want {
		t.Fatalf("NormalizePath = %q, want %q", got, want)
	}
}

func TestRouteKey(t *testing.T) {
	got := RouteKey("POST", "/channels/123456789012345678/messages")
	want := "POST /channels/123456789012345678/messages"
	if got != want {
		t.Fatalf("RouteKey = %q, want %q", got, want)
	}
}

func TestManager_RebindsRouteKeyToBucketHash(t *testing.T) {
	m := NewManager(testConfig(), NewMemoryStore())
	route := RouteKey("POST", "/channels/123456789012345678/messages")

	b := m.BucketFor(route)
	b.Release(Headers{Limit: 5, Remaining: 4, ResetAfter: time.Minute, BucketHash: "abcd1234"})

	again := m.BucketFor(route)
	if again != b {
		t.Fatalf("expected rebound bucket to be the same instance")
	}
	if again.Key() != "abcd1234" {
		t.Fatalf("expected bucket key to be the bound hash, got %q", again.Key())
	}
}

func TestBucket_WindowResetGrantsExactlyOneNewWindow(t *testing.T) {
	cfg := Config{BurstCapacity: 0, MaxQueueSize: 10, JitterFactor: 0}
	b := NewBucket("route", cfg, NewMemoryStore(), nil)
	b.Release(Headers{Limit: 1, Remaining: 0, ResetAfter: 10 * time.Millisecond})

	time.Sleep(15 * time.Millisecond)

	if !b.tryFastPath(PriorityNormal) {
		t.Fatalf("expected grant after the window reset")
	}
	if b.tryFastPath(PriorityNormal) {
		t.Fatalf("an expired window must refill once, not grant without bound")
	}
}

func TestBucket_PopServesHighestPriorityFirst(t *testing.T) {
	b := NewBucket("route", testConfig(), NewMemoryStore(), nil)

	bg := &queuedRequest{priority: PriorityBackground, grant: make(chan struct{}), ctx: context.Background()}
	crit := &queuedRequest{priority: PriorityCritical, grant: make(chan struct{}), ctx: context.Background()}
	b.enqueue(bg)
	b.enqueue(crit)

	popped, prio := b.popHighestPriority()
	if popped != crit || prio != PriorityCritical {
		t.Fatalf("expected the critical request first, got priority %v", prio)
	}
	popped, prio = b.popHighestPriority()
	if popped != bg || prio != PriorityBackground {
		t.Fatalf("expected the background request second, got priority %v", prio)
	}
}

func TestBucket_QueueFullEvictionRejectsNewestTail(t *testing.T) {
	cfg := Config{BurstCapacity: 0, MaxQueueSize: 1, JitterFactor: 0}
	b := NewBucket("route", cfg, NewMemoryStore(), nil)
	b.Release(Headers{Limit: 1, Remaining: 0, ResetAfter: time.Hour})

	rejected := make(chan AcquireOutcome, 1)

	// The first request is popped by the worker and parks until the
	// window resets; the second sits in the queue.
	go b.Acquire(context.Background(), PriorityNormal)
	time.Sleep(20 * time.Millisecond)
	go func() {
		out, err := b.Acquire(context.Background(), PriorityBackground)
		if err == nil {
			rejected <- out
		}
	}()
	time.Sleep(20 * time.Millisecond)

	// Queue is now full; this acquire evicts the background tail.
	go b.Acquire(context.Background(), PriorityLow)

	select {
	case out := <-rejected:
		if out != OutcomeRejected {
			t.Fatalf("evicted request must come back rejected, got %v", out)
		}
	case <-time.After(time.Second):
		t.Fatalf("evicted request never unblocked")
	}
}

func TestFIFO_PopTailRemovesNewest(t *testing.T) {
	f := newFIFO()
	first := &queuedRequest{grant: make(chan struct{})}
	second := &queuedRequest{grant: make(chan struct{})}
	f.push(first)
	f.push(second)

	if got := f.popTail(); got != second {
		t.Fatalf("popTail must remove the newest request")
	}
	if got := f.pop(); got != first {
		t.Fatalf("pop must still return the longest-waiting request")
	}
}
