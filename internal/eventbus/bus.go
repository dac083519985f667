// Package eventbus is the in-process multi-listener dispatcher: listeners
// run synchronously in insertion order on a snapshot of the list, and a
// panicking listener never takes down the emitter.
package eventbus

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener receives the arguments an Emit call was given.
type Listener func(args ...interface{})

const defaultMaxListeners = 10

// Bus is the EventBus.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*registration

	CaptureRejections bool
	MaxListeners      int

	log *zap.Logger
}

type registration struct {
	fn   Listener
	once bool
}

func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.L()
	}
	return &Bus{listeners: make(map[string][]*registration), MaxListeners: defaultMaxListeners, log: log}
}

// On registers a persistent listener for event.
func (b *Bus) On(event string, fn Listener) {
	b.add(event, fn, false)
}

// Once registers a listener that removes itself after firing once.
func (b *Bus) Once(event string, fn Listener) {
	b.add(event, fn, true)
}

func (b *Bus) add(event string, fn Listener, once bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.listeners[event]
	list = append(list, &registration{fn: fn, once: once})
	b.listeners[event] = list

	max := b.MaxListeners
	if max <= 0 {
		max = defaultMaxListeners
	}
	if len(list) > max {
		b.log.Warn("eventbus: possible listener leak detected",
			zap.String("event", event), zap.Int("count", len(list)), zap.Int("max", max))
		b.emitLocked("maxListenersExceeded", event, len(list))
	}
}

// Off removes the first registration for event matching fn's identity. Go
// cannot compare arbitrary funcs for equality, so callers that need Off
// must keep the same Listener value they passed to On.
func (b *Bus) Off(event string, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.listeners[event]
	target := fmt.Sprintf("%p", fn)
	for i, reg := range list {
		if fmt.Sprintf("%p", reg.fn) == target {
			b.listeners[event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// HasListeners reports whether at least one listener is registered for
// event. Callers use it before Emit("error", ...), which is fatal when no
// listener exists.
func (b *Bus) HasListeners(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event]) > 0
}

// Emit dispatches to a snapshot of event's listener list taken under
// lock, so registrations/removals during dispatch never affect the
// current emit.
func (b *Bus) Emit(event string, args ...interface{}) {
	b.mu.Lock()
	snapshot, remaining := b.snapshotAndPruneLocked(event)
	b.listeners[event] = remaining
	captureRejections := b.CaptureRejections
	b.mu.Unlock()

	if len(snapshot) == 0 {
		if event == "error" {
			panic(fmt.Sprintf("eventbus: emitting %q with zero listeners is fatal", event))
		}
		return
	}

	for _, reg := range snapshot {
		b.runOne(event, reg.fn, args, captureRejections)
	}
}

// snapshotAndPruneLocked returns the listeners to invoke for this Emit and
// the list that should remain registered afterward (once-listeners
// dropped), both computed while still holding b.mu.
func (b *Bus) snapshotAndPruneLocked(event string) (fire []*registration, remain []*registration) {
	list := b.listeners[event]
	fire = make([]*registration, len(list))
	copy(fire, list)
	for _, reg := range list {
		if !reg.once {
			remain = append(remain, reg)
		}
	}
	return fire, remain
}

// emitLocked emits while b.mu is already held, for internal signals
// (maxListenersExceeded) raised from inside add(). It never recurses into
// add() itself since "maxListenersExceeded" listeners are a distinct event.
func (b *Bus) emitLocked(event string, args ...interface{}) {
	list := b.listeners[event]
	snapshot := make([]*registration, len(list))
	copy(snapshot, list)

	var remain []*registration
	for _, reg := range list {
		if !reg.once {
			remain = append(remain, reg)
		}
	}
	b.listeners[event] = remain

	for _, reg := range snapshot {
		func() {
			defer func() { _ = recover() }()
			reg.fn(args...)
		}()
	}
}

func (b *Bus) runOne(event string, fn Listener, args []interface{}, captureRejections bool) {
	defer func() {
		if r := recover(); r != nil {
			if captureRejections {
				b.Emit("error", fmt.Errorf("eventbus: listener for %q panicked: %v", event, r))
			} else {
				b.log.Error("eventbus: listener panicked", zap.String("event", event), zap.Any("recovered", r))
			}
		}
	}()
	fn(args...)
}
