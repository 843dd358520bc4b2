package twpl

import "sync/atomic"

// Guard is returned by Exclusive, Concurrent, and Unconditional. It owns
// the acquisition it was handed and releases it exactly once, whether
// Release is called explicitly or deferred — mirroring the Python
// original's context-manager scopes, but as an explicit value since Go
// has no scope-exit hook to piggyback on.
type Guard struct {
	lock     *Lock
	mode     Mode
	released atomic.Bool
}

// Lock returns the Lock this guard was acquired from, for chaining inside
// the scope (e.g. `g.Lock().State()`).
func (g *Guard) Lock() *Lock { return g.lock }

// Mode returns the mode this guard was acquired in.
func (g *Guard) Mode() Mode { return g.mode }

// Release releases the acquisition. Infallible and idempotent: calling it
// more than once, or on an Unconditional guard, does nothing after the
// first call.
func (g *Guard) Release() {
	if g.mode == ModeNone {
		return
	}
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.lock.Release()
}

// Exclusive acquires the lock in exclusive mode and returns a Guard that
// releases it. Typical use:
//
//	g, err := l.Exclusive()
//	if err != nil { return err }
//	defer g.Release()
func (l *Lock) Exclusive(opts ...AcquireOption) (*Guard, error) {
	if _, err := l.Acquire(ModeExclusive, opts...); err != nil {
		return nil, err
	}
	return &Guard{lock: l, mode: ModeExclusive}, nil
}

// Concurrent acquires the lock in concurrent mode and returns a Guard
// that releases it.
func (l *Lock) Concurrent(opts ...AcquireOption) (*Guard, error) {
	if _, err := l.Acquire(ModeConcurrent, opts...); err != nil {
		return nil, err
	}
	return &Guard{lock: l, mode: ModeConcurrent}, nil
}

// Unconditional returns a Guard that always "succeeds" without taking any
// lock — its Release is a no-op and its Mode is ModeNone. It lets a call
// site share one `guard := l.Exclusive(...)` / `guard := l.Unconditional()`
// shape regardless of whether locking is actually engaged for a given
// call (e.g. behind a feature flag).
func (l *Lock) Unconditional() *Guard {
	return &Guard{lock: l, mode: ModeNone}
}
