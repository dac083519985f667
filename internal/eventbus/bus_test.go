package eventbus

import (
	"sync/atomic"
	"testing"
)

func TestBus_OnReceivesInOrder(t *testing.T) {
	b := New(nil)
	var order []int
	b.On("x", func(args ...interface{}) { order = append(order, 1) })
	b.On("x", func(args ...interface{}) { order = append(order, 2) })
	b.Emit("x")
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v", order)
	}
}

func TestBus_OnceFiresOnlyOnce(t *testing.T) {
	b := New(nil)
	var count atomic.Int32
	b.Once("x", func(args ...interface{}) { count.Add(1) })
	b.Emit("x")
	b.Emit("x")
	if count.Load() != 1 {
		t.Fatalf("count = %d, want 1", count.Load())
	}
}

func TestBus_SnapshotIgnoresMutationDuringEmit(t *testing.T) {
	b := New(nil)
	var secondCalled atomic.Bool
	second := func(args ...interface{}) { secondCalled.Store(true) }

	b.On("x", func(args ...interface{}) { b.On("x", second) })
	b.Emit("x")
	if secondCalled.Load() {
		t.Fatalf("listener added during emit fired on the same emit")
	}

	b.Emit("x")
	if !secondCalled.Load() {
		t.Fatalf("listener added during prior emit should fire on the next one")
	}
}

func TestBus_PanicCapturedAsErrorEvent(t *testing.T) {
	b := New(nil)
	b.CaptureRejections = true
	caught := make(chan error, 1)
	b.On("error", func(args ...interface{}) {
		if len(args) > 0 {
			if err, ok := args[0].(error); ok {
				caught <- err
				return
			}
		}
		caught <- nil
	})
	b.On("x", func(args ...interface{}) { panic("boom") })
	b.Emit("x")

	select {
	case err := <-caught:
		if err == nil {
			t.Fatalf("expected a non-nil error")
		}
	default:
		t.Fatalf("error event was not emitted")
	}
}

func TestBus_EmitErrorWithNoListenersPanics(t *testing.T) {
	b := New(nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic emitting error with no listeners")
		}
	}()
	b.Emit("error")
}
