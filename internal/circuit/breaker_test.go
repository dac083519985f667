package circuit

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 3, OpenTimeout: 20 * time.Millisecond, HalfOpenMaxProbes: 1}
}

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := NewBreaker(testConfig())
	for i := 0; i < 5; i++ {
		if !b.CanExecute() {
			t.Fatalf("should still execute before threshold reached, i=%d", i)
		}
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Fatalf("expected OPEN after 5 failures, got %s", b.State())
	}
	if b.CanExecute() {
		t.Fatalf("OPEN must reject execution")
	}
}

func TestBreaker_HalfOpenThenClosedAfterSuccesses(t *testing.T) {
	b := NewBreaker(testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)

	if !b.CanExecute() {
		t.Fatalf("expected HALF_OPEN to admit a probe after open_timeout")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}

	b.RecordSuccess()
	b.CanExecute()
	b.RecordSuccess()
	b.CanExecute()
	b.RecordSuccess()

	if b.State() != Closed {
		t.Fatalf("expected CLOSED after success_threshold successes, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReturnsToOpen(t *testing.T) {
	b := NewBreaker(testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)
	b.CanExecute()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatalf("expected OPEN after half-open failure, got %s", b.State())
	}
}

func TestBreaker_HalfOpenBoundsInFlightProbes(t *testing.T) {
	b := NewBreaker(testConfig())
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	time.Sleep(25 * time.Millisecond)

	if !b.CanExecute() {
		t.Fatalf("first half-open probe should be admitted")
	}
	if b.CanExecute() {
		t.Fatalf("second concurrent half-open probe must be rejected when max_probes=1")
	}
}
