package ratelimit

import "errors"

// ErrLockHeld is returned by TryLock when another process holds the lock;
// callers skip their write, since the holder is persisting fresher state.
var ErrLockHeld = errors.New("ratelimit: bucket lock held")

// Store is the optional distributed backing for Bucket state. A bot
// running as multiple processes against the same application shares
// limit/remaining/reset_at through a Store instead of each process
// drifting its own view of Discord's limits.
type Store interface {
	Load(key string) (BucketState, bool, error)
	Save(key string, state BucketState) error
	// TryLock acquires a short-lived advisory lock for key so concurrent
	// processes do not interleave Save calls. Returns ErrLockHeld when the
	// lock is taken.
	TryLock(key string) (unlock func(), err error)
}

// memoryStore is the zero-configuration default: state lives only in the
// Bucket itself, so Load always misses and Save is a no-op. It exists so
// call sites can treat "no distributed store configured" uniformly.
type memoryStore struct{}

func NewMemoryStore() Store { return memoryStore{} }

func (memoryStore) Load(string) (BucketState, bool, error) { return BucketState{}, false, nil }
func (memoryStore) Save(string, BucketState) error         { return nil }

// TryLock always succeeds: in a single process the bucket's own mutex
// already serializes writers.
func (memoryStore) TryLock(string) (func(), error) { return func() {}, nil }
