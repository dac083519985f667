package monitor

import (
	"testing"
	"time"
)

func TestWindow_Aggregates(t *testing.T) {
	w := NewWindow("test", 8, time.Minute)
	w.Observe(10*time.Millisecond, true)
	w.Observe(30*time.Millisecond, false)

	avg, succ, count := w.GetStats()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if avg != 20 {
		t.Fatalf("avg = %v, want 20", avg)
	}
	if succ != 0.5 {
		t.Fatalf("success rate = %v, want 0.5", succ)
	}
}

func TestWindow_CapacityEvictsOldest(t *testing.T) {
	w := NewWindow("test", 2, time.Minute)
	w.Observe(10*time.Millisecond, false)
	w.Observe(20*time.Millisecond, true)
	w.Observe(30*time.Millisecond, true)

	avg, succ, count := w.GetStats()
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if avg != 25 {
		t.Fatalf("avg = %v, want 25", avg)
	}
	if succ != 1 {
		t.Fatalf("success rate = %v, want 1", succ)
	}
}

func TestWindow_TimeWindowExpiresSamples(t *testing.T) {
	w := NewWindow("test", 8, 10*time.Millisecond)
	w.Observe(10*time.Millisecond, true)
	time.Sleep(15 * time.Millisecond)
	w.Observe(20*time.Millisecond, true)

	_, _, count := w.GetStats()
	if count != 1 {
		t.Fatalf("count = %d, want 1 (old sample expired)", count)
	}
}
